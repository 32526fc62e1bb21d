// Package event wraps raw callback payloads in typed variants. Message-class
// events get convenience operations bound to the community's API client;
// everything else gets a generic wrapper with field access only. The
// dispatcher never needs to know which variant a type produces.
package event

import (
	"context"
	"encoding/json"

	"github.com/spotty-im/spotty/internal/vkapi"
)

// Known message-class event types.
const (
	TypeMessageNew   = "message_new"
	TypeMessageReply = "message_reply"
	TypeConfirmation = "confirmation"
)

// Caller issues VK API calls on behalf of the community an event belongs
// to. *vkapi.Client satisfies it.
type Caller interface {
	Call(ctx context.Context, method string, params vkapi.Params) (json.RawMessage, error)
}

// Event is a wrapped callback payload.
type Event interface {
	// Type is the event's declared type string.
	Type() string
	// Object is the raw triggering payload.
	Object() json.RawMessage
}

// Wrap selects the variant for the given event type. Message-class events
// produce a *Message; every other type produces a *Generic.
func Wrap(eventType string, object json.RawMessage, caller Caller) Event {
	switch eventType {
	case TypeMessageNew, TypeMessageReply:
		return NewMessage(eventType, object, caller)
	default:
		return NewGeneric(eventType, object, caller)
	}
}

// Generic wraps an event type with no dedicated operations. It exposes the
// payload fields and nothing else.
type Generic struct {
	eventType string
	caller    Caller
	raw       json.RawMessage
	fields    map[string]any
}

// NewGeneric decodes the payload's top-level fields for access via Get.
func NewGeneric(eventType string, object json.RawMessage, caller Caller) *Generic {
	g := &Generic{
		eventType: eventType,
		caller:    caller,
		raw:       object,
	}
	// An undecodable payload still wraps; Get just finds nothing.
	_ = json.Unmarshal(object, &g.fields)
	return g
}

func (g *Generic) Type() string { return g.eventType }

func (g *Generic) Object() json.RawMessage { return g.raw }

// Get returns a top-level payload field by name.
func (g *Generic) Get(key string) (any, bool) {
	v, ok := g.fields[key]
	return v, ok
}
