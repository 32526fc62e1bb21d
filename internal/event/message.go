package event

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"github.com/spotty-im/spotty/internal/vkapi"
)

// ErrNothingToSend is returned by Reply when there is no message content.
var ErrNothingToSend = errors.New("event: there is nothing to send")

// Attachment is one message attachment. Only the fields the predicates need
// are decoded; the rest of the attachment object is opaque.
type Attachment struct {
	Type string `json:"type"`
	Doc  *Doc   `json:"doc"`
}

// Doc carries the preview block used to tell audio messages and graffiti
// apart from plain documents.
type Doc struct {
	Preview *DocPreview `json:"preview"`
}

// DocPreview holds the optional preview payloads whose presence classifies
// the document.
type DocPreview struct {
	AudioMessage json.RawMessage `json:"audio_msg"`
	Graffiti     json.RawMessage `json:"graffiti"`
}

// Message wraps a message-class event and exposes reply/send/typing
// operations bound to the community's API client and to the triggering
// message's addressing fields.
type Message struct {
	eventType string
	caller    Caller
	raw       json.RawMessage

	ID          int64             `json:"id"`
	UserID      int64             `json:"user_id"`
	Body        string            `json:"body"`
	Attachments []Attachment      `json:"attachments"`
	FwdMessages []json.RawMessage `json:"fwd_messages"`
	Geo         json.RawMessage   `json:"geo"`
}

// NewMessage decodes the message payload. Fields that fail to decode are
// left zero; the raw payload stays available through Object.
func NewMessage(eventType string, object json.RawMessage, caller Caller) *Message {
	m := &Message{
		eventType: eventType,
		caller:    caller,
		raw:       object,
	}
	_ = json.Unmarshal(object, m)
	return m
}

func (m *Message) Type() string { return m.eventType }

func (m *Message) Object() json.RawMessage { return m.raw }

// Reply sends text back to the user the message came from.
func (m *Message) Reply(ctx context.Context, text string) (json.RawMessage, error) {
	if text == "" {
		return nil, ErrNothingToSend
	}
	return m.Send(ctx, vkapi.Params{
		"user_id": m.UserID,
		"message": text,
	})
}

// Send issues messages.send with the given parameters.
func (m *Message) Send(ctx context.Context, params vkapi.Params) (json.RawMessage, error) {
	return m.caller.Call(ctx, "messages.send", params)
}

// SetTyping shows the typing indicator in the dialog the message came from.
func (m *Message) SetTyping(ctx context.Context) (json.RawMessage, error) {
	return m.caller.Call(ctx, "messages.setActivity", vkapi.Params{
		"type":    "typing",
		"user_id": m.UserID,
	})
}

// Delete removes the given messages, defaulting to this one.
func (m *Message) Delete(ctx context.Context, messageIDs ...int64) (json.RawMessage, error) {
	if len(messageIDs) == 0 {
		messageIDs = []int64{m.ID}
	}
	ids := make([]string, len(messageIDs))
	for i, id := range messageIDs {
		ids[i] = strconv.FormatInt(id, 10)
	}
	return m.caller.Call(ctx, "messages.delete", vkapi.Params{
		"message_ids": strings.Join(ids, ","),
	})
}

// Restore restores a deleted message, defaulting to this one.
func (m *Message) Restore(ctx context.Context, messageID ...int64) (json.RawMessage, error) {
	id := m.ID
	if len(messageID) > 0 {
		id = messageID[0]
	}
	return m.caller.Call(ctx, "messages.restore", vkapi.Params{
		"message_id": id,
	})
}

// IsText reports whether the message is plain text with no attachments,
// forwards, or location.
func (m *Message) IsText() bool {
	return m.Body != "" && len(m.Attachments) == 0 && len(m.FwdMessages) == 0 && len(m.Geo) == 0
}

// IsPhoto reports whether the message carries a photo attachment.
func (m *Message) IsPhoto() bool {
	return m.firstAttachmentType() == "photo"
}

// IsSticker reports whether the message carries a sticker attachment.
func (m *Message) IsSticker() bool {
	return m.firstAttachmentType() == "sticker"
}

// IsAudio reports whether the message carries an audio attachment.
func (m *Message) IsAudio() bool {
	return m.firstAttachmentType() == "audio"
}

// IsAudioMessage reports whether the message is a voice message, carried as
// a doc attachment with an audio_msg preview.
func (m *Message) IsAudioMessage() bool {
	doc := m.firstDoc()
	return doc != nil && doc.Preview != nil && isPresent(doc.Preview.AudioMessage)
}

// IsGraffiti reports whether the message is graffiti, carried as a doc
// attachment with a graffiti preview.
func (m *Message) IsGraffiti() bool {
	doc := m.firstDoc()
	return doc != nil && doc.Preview != nil && isPresent(doc.Preview.Graffiti)
}

func (m *Message) firstAttachmentType() string {
	if len(m.Attachments) == 0 {
		return ""
	}
	return m.Attachments[0].Type
}

func (m *Message) firstDoc() *Doc {
	if len(m.Attachments) == 0 || m.Attachments[0].Type != "doc" {
		return nil
	}
	return m.Attachments[0].Doc
}

func isPresent(raw json.RawMessage) bool {
	return len(raw) > 0 && string(raw) != "null"
}
