// Package wire defines the support channel frames and the REST payloads shared by
// the chat client and the development backend.
//
// Channel frames are JSON text messages of the form {"event": name, "data": payload}.
// Inbound payloads are loosely typed on the far end, so every decode goes through
// DecodeInbound, which validates the payload before anything reaches the timeline.
package wire

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	EventJoinConversation = "join-conversation"
	EventClientMessage    = "client-message"
	EventSupportMessage   = "support-message"
	EventNewMessage       = "new-message"
)

var (
	ErrUnknownEvent      = errors.New("unknown event")
	ErrMalformedPayload  = errors.New("malformed payload")
	ErrMalformedFrame    = errors.New("malformed frame")
	errMissingEventField = errors.New("frame has no event name")
)

// Frame is one message on the duplex channel.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// EncodeFrame marshals payload as the data of an event frame.
func EncodeFrame(event string, payload any) ([]byte, error) {
	event = strings.TrimSpace(event)
	if event == "" {
		return nil, errMissingEventField
	}
	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, errors.Wrapf(err, "encode %s payload", event)
		}
		data = b
	}
	return json.Marshal(Frame{Event: event, Data: data})
}

// DecodeFrame parses the envelope only; the payload is left raw.
func DecodeFrame(b []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(b, &f); err != nil {
		return Frame{}, errors.Wrap(ErrMalformedFrame, err.Error())
	}
	f.Event = strings.TrimSpace(f.Event)
	if f.Event == "" {
		return Frame{}, errors.Wrap(ErrMalformedFrame, errMissingEventField.Error())
	}
	return f, nil
}

// MessagePayload is the data carried by client-message, support-message and
// new-message frames.
type MessagePayload struct {
	ID              string    `json:"id,omitempty"`
	ConversationID  string    `json:"conversationId,omitempty"`
	ClientMessageID string    `json:"clientMessageId,omitempty"`
	Text            string    `json:"text"`
	DisplayName     string    `json:"displayName,omitempty"`
	ContactPhone    string    `json:"contactPhone,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	FromSupport     *bool     `json:"fromSupport,omitempty"`
}

// Bool is a convenience for building payloads with an explicit fromSupport flag.
func Bool(v bool) *bool {
	return &v
}
