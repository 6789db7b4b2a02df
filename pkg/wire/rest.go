package wire

import (
	"encoding/json"
	"time"
)

// ChatRequest is the body of the create-call (POST /chat).
type ChatRequest struct {
	Text            string `json:"text"`
	DisplayName     string `json:"displayName"`
	ContactPhone    string `json:"contactPhone"`
	ConversationID  string `json:"conversationId,omitempty"`
	ClientMessageID string `json:"clientMessageId,omitempty"`
}

// ChatResponse is returned by the create-call.
type ChatResponse struct {
	ConversationID string          `json:"conversationId"`
	Message        *HistoryMessage `json:"message,omitempty"`
}

// HistoryMessage is one element of GET /chat?conversationId=...
type HistoryMessage struct {
	ID          string    `json:"id,omitempty"`
	Text        string    `json:"text"`
	FromSupport bool      `json:"fromSupport"`
	CreatedAt   time.Time `json:"createdAt"`
	Read        bool      `json:"read"`
}

// UnmarshalJSON accepts createdAt as RFC 3339 or epoch milliseconds, like the
// live channel does. An unusable createdAt leaves the zero time.
func (m *HistoryMessage) UnmarshalJSON(data []byte) error {
	type plain HistoryMessage
	var raw struct {
		plain
		CreatedAt json.RawMessage `json:"createdAt"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*m = HistoryMessage(raw.plain)
	if ts, ok := parseTimestamp(raw.CreatedAt); ok {
		m.CreatedAt = ts
	}
	return nil
}

// ErrorBody is what the backend sends with non-2xx responses.
type ErrorBody struct {
	Message string `json:"message"`
}
