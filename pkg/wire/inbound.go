package wire

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Inbound is a decoded, validated channel event. The concrete types are
// *JoinConversation and *MessageEvent.
type Inbound interface {
	EventName() string
	isInbound()
}

// JoinConversation asks the server to route a conversation's live events to the sender.
type JoinConversation struct {
	ConversationID string
}

func (*JoinConversation) EventName() string { return EventJoinConversation }
func (*JoinConversation) isInbound()        {}

// MessageEvent is a validated client-message, support-message or new-message.
type MessageEvent struct {
	Event           string
	ID              string
	ConversationID  string
	ClientMessageID string
	Text            string
	DisplayName     string
	ContactPhone    string
	CreatedAt       time.Time
	FromSupport     bool
	// SupportFlagged is set when the sender explicitly marked the message as
	// coming from support. FromSupport alone may be a display default.
	SupportFlagged bool
}

func (m *MessageEvent) EventName() string { return m.Event }
func (*MessageEvent) isInbound()          {}

// Payload converts the event back into its wire form.
func (m *MessageEvent) Payload() MessagePayload {
	return MessagePayload{
		ID:              m.ID,
		ConversationID:  m.ConversationID,
		ClientMessageID: m.ClientMessageID,
		Text:            m.Text,
		DisplayName:     m.DisplayName,
		ContactPhone:    m.ContactPhone,
		CreatedAt:       m.CreatedAt,
		FromSupport:     Bool(m.FromSupport),
	}
}

type rawMessagePayload struct {
	ID              *string         `json:"id"`
	ConversationID  *string         `json:"conversationId"`
	ClientMessageID *string         `json:"clientMessageId"`
	Text            *string         `json:"text"`
	DisplayName     *string         `json:"displayName"`
	ContactPhone    *string         `json:"contactPhone"`
	CreatedAt       json.RawMessage `json:"createdAt"`
	FromSupport     *bool           `json:"fromSupport"`
}

// DecodeInbound validates a frame's payload against its event name. Unknown
// events yield ErrUnknownEvent and invalid payloads ErrMalformedPayload; callers
// drop both. now supplies the timestamp for payloads without a usable createdAt.
func DecodeInbound(f Frame, now func() time.Time) (Inbound, error) {
	if now == nil {
		now = time.Now
	}
	switch f.Event {
	case EventJoinConversation:
		var id string
		if err := json.Unmarshal(f.Data, &id); err != nil {
			return nil, errors.Wrapf(ErrMalformedPayload, "%s: %v", f.Event, err)
		}
		id = strings.TrimSpace(id)
		if id == "" {
			return nil, errors.Wrapf(ErrMalformedPayload, "%s: empty conversation id", f.Event)
		}
		return &JoinConversation{ConversationID: id}, nil

	case EventClientMessage, EventSupportMessage, EventNewMessage:
		return decodeMessage(f, now)

	default:
		return nil, errors.Wrap(ErrUnknownEvent, f.Event)
	}
}

func decodeMessage(f Frame, now func() time.Time) (*MessageEvent, error) {
	data := bytes.TrimSpace(f.Data)
	if len(data) == 0 || data[0] != '{' {
		return nil, errors.Wrapf(ErrMalformedPayload, "%s: payload is not an object", f.Event)
	}
	var raw rawMessagePayload
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrapf(ErrMalformedPayload, "%s: %v", f.Event, err)
	}
	if raw.Text == nil || strings.TrimSpace(*raw.Text) == "" {
		return nil, errors.Wrapf(ErrMalformedPayload, "%s: missing text", f.Event)
	}

	ev := &MessageEvent{
		Event:           f.Event,
		Text:            *raw.Text,
		ID:              deref(raw.ID),
		ConversationID:  deref(raw.ConversationID),
		ClientMessageID: deref(raw.ClientMessageID),
		DisplayName:     deref(raw.DisplayName),
		ContactPhone:    deref(raw.ContactPhone),
		FromSupport:     f.Event != EventClientMessage,
		SupportFlagged:  f.Event == EventSupportMessage,
	}
	if raw.FromSupport != nil {
		ev.FromSupport = *raw.FromSupport
		ev.SupportFlagged = *raw.FromSupport
	}
	ts, ok := parseTimestamp(raw.CreatedAt)
	if !ok {
		ts = now()
	}
	ev.CreatedAt = ts
	return ev, nil
}

// parseTimestamp accepts RFC 3339 strings and epoch milliseconds.
func parseTimestamp(raw json.RawMessage) (time.Time, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return time.Time{}, false
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, false
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, false
		}
		return t, true
	}
	ms, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(*s)
}
