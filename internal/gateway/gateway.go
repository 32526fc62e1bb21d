// Package gateway routes VK Callback API requests to application handlers.
// It owns the community registry built at construction, answers the one-time
// server confirmation handshake, verifies per-community secrets, and emits
// type-wrapped events to subscribers. Validation failures are silent by
// design: the platform always sees HTTP 200 and never learns whether a
// community is registered here.
package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/spotty-im/spotty/internal/event"
	"github.com/spotty-im/spotty/internal/vkapi"
)

// defaultResponse is the body for every non-confirmation outcome. It is the
// same for accepted events, unknown communities, and invalid input, so the
// response never reveals whether a community is registered.
const defaultResponse = ""

// Community is one registered webhook source and credential set.
type Community struct {
	ID               int64
	AccessToken      string
	ConfirmationCode string
	SecretKey        string
}

// Handler consumes one wrapped event.
type Handler func(ctx context.Context, ev event.Event)

// member pairs a community with its outbound client.
type member struct {
	Community
	client *vkapi.Client
}

// Option configures the gateway.
type Option func(*Gateway)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) {
		g.logger = logger
	}
}

// WithClientOptions passes options through to every community's API client.
func WithClientOptions(opts ...vkapi.ClientOption) Option {
	return func(g *Gateway) {
		g.clientOpts = opts
	}
}

// Gateway dispatches inbound callback requests for a fixed set of
// communities. The registry is immutable after New; handler registration is
// the only mutable state and is guarded for concurrent use.
type Gateway struct {
	communities map[int64]*member
	logger      *slog.Logger
	clientOpts  []vkapi.ClientOption

	mu       sync.RWMutex
	handlers map[string][]Handler
}

// New builds a gateway for the given communities, creating one batching API
// client per community. Close must be called to stop the clients.
func New(communities []Community, opts ...Option) *Gateway {
	g := &Gateway{
		communities: make(map[int64]*member, len(communities)),
		handlers:    make(map[string][]Handler),
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	for _, c := range communities {
		g.communities[c.ID] = &member{
			Community: c,
			client:    vkapi.New(c.AccessToken, g.clientOpts...),
		}
	}
	return g
}

// On registers a handler for an event type. Multiple handlers per type run
// in registration order.
func (g *Gateway) On(eventType string, h Handler) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.handlers[eventType] = append(g.handlers[eventType], h)
}

// Client returns the API client for a community, for callers issuing
// outbound calls outside of event handlers.
func (g *Gateway) Client(communityID int64) (*vkapi.Client, bool) {
	m, ok := g.communities[communityID]
	if !ok {
		return nil, false
	}
	return m.client, true
}

// Close stops every community's API client.
func (g *Gateway) Close() {
	for _, m := range g.communities {
		m.client.Close()
	}
}

// callbackBody is the inbound request shape; object stays opaque until
// event wrapping.
type callbackBody struct {
	Type    string          `json:"type"`
	GroupID int64           `json:"group_id"`
	Secret  string          `json:"secret"`
	Object  json.RawMessage `json:"object"`
}

// HandleCallback is the HTTP entry point for the Callback API. Every request
// gets HTTP 200 whatever happens internally; exactly one of confirmation
// response, event dispatch, or silent no-op occurs per request.
func (g *Gateway) HandleCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writePlain(w, defaultResponse)
		return
	}

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writePlain(w, defaultResponse)
		return
	}

	var body callbackBody
	if err := json.Unmarshal(raw, &body); err != nil {
		g.logger.Debug("malformed callback body", slog.String("error", err.Error()))
		writePlain(w, defaultResponse)
		return
	}

	if body.Type == event.TypeConfirmation {
		g.confirm(w, body.GroupID)
		return
	}

	// Respond before dispatching: emitting an event must never hold up the
	// platform's delivery loop.
	writePlain(w, defaultResponse)
	go g.dispatch(context.WithoutCancel(r.Context()), body)
}

// confirm answers the server confirmation handshake. An unknown community
// still gets a 200, just with an empty body.
func (g *Gateway) confirm(w http.ResponseWriter, groupID int64) {
	code := ""
	if m, ok := g.communities[groupID]; ok {
		code = m.ConfirmationCode
	} else {
		g.logger.Debug("confirmation for unknown community", slog.Int64("group_id", groupID))
	}
	writePlain(w, code)
}

// dispatch verifies the community and its secret, wraps the payload, and
// runs the subscribed handlers. Any validation failure is a silent no-op.
func (g *Gateway) dispatch(ctx context.Context, body callbackBody) {
	m, ok := g.communities[body.GroupID]
	if !ok {
		g.logger.Debug("event for unknown community", slog.Int64("group_id", body.GroupID))
		return
	}
	if m.SecretKey != "" && m.SecretKey != body.Secret {
		g.logger.Debug("secret mismatch", slog.Int64("group_id", body.GroupID))
		return
	}

	ev := event.Wrap(body.Type, body.Object, m.client)

	g.mu.RLock()
	handlers := append([]Handler(nil), g.handlers[body.Type]...)
	g.mu.RUnlock()

	for _, h := range handlers {
		g.runHandler(ctx, h, ev)
	}
}

// runHandler isolates one handler invocation: a panic is logged and never
// takes the gateway down.
func (g *Gateway) runHandler(ctx context.Context, h Handler, ev event.Event) {
	defer func() {
		if rec := recover(); rec != nil {
			g.logger.Error("handler panic",
				slog.String("type", ev.Type()),
				slog.Any("panic", rec),
			)
		}
	}()
	h(ctx, ev)
}

// writePlain ends the request the way the platform expects: plain text,
// explicit Content-Length, and a closed connection.
func writePlain(w http.ResponseWriter, text string) {
	w.Header().Set("Connection", "close")
	w.Header().Set("Content-Type", "text/plain")
	w.Header().Set("Content-Length", strconv.Itoa(len(text)))
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, text)
}
