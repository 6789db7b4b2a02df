package chatstore

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
)

var ErrConversationNotFound = errors.New("conversation not found")

// ConversationRecord is the conversation-level metadata kept by the dev backend.
type ConversationRecord struct {
	ConvID         string `json:"conv_id"`
	DisplayName    string `json:"display_name"`
	ContactPhone   string `json:"contact_phone"`
	CreatedAtMs    int64  `json:"created_at_ms"`
	LastActivityMs int64  `json:"last_activity_ms"`
	MessageCount   int    `json:"message_count"`
}

// MessageRecord is one stored chat message.
type MessageRecord struct {
	ID              string `json:"id"`
	ConvID          string `json:"conv_id"`
	ClientMessageID string `json:"client_message_id,omitempty"`
	Text            string `json:"text"`
	FromSupport     bool   `json:"from_support"`
	CreatedAtMs     int64  `json:"created_at_ms"`
	Read            bool   `json:"read"`
}

func (m MessageRecord) CreatedAt() time.Time {
	return time.UnixMilli(m.CreatedAtMs)
}

// MessageStore persists conversations and their messages.
//
// AppendMessage is idempotent per (conversation, client message id): a repeat
// returns the stored record and created=false. Messages without a client id
// are always appended. ListMessages returns messages in creation order, ties
// broken by insertion order.
type MessageStore interface {
	UpsertConversation(ctx context.Context, record ConversationRecord) error
	GetConversation(ctx context.Context, convID string) (ConversationRecord, bool, error)
	ListConversations(ctx context.Context, limit int, sinceMs int64) ([]ConversationRecord, error)
	AppendMessage(ctx context.Context, msg MessageRecord) (stored MessageRecord, created bool, err error)
	ListMessages(ctx context.Context, convID string, limit int) ([]MessageRecord, error)
	// MarkRead flags unread messages of one side as read and returns how many changed.
	MarkRead(ctx context.Context, convID string, fromSupport bool) (int, error)
	Close() error
}

func normalizeConversationRecord(record ConversationRecord, nowMs int64) ConversationRecord {
	record.ConvID = strings.TrimSpace(record.ConvID)
	record.DisplayName = strings.TrimSpace(record.DisplayName)
	record.ContactPhone = strings.TrimSpace(record.ContactPhone)
	if record.CreatedAtMs <= 0 {
		record.CreatedAtMs = nowMs
	}
	if record.LastActivityMs <= 0 {
		record.LastActivityMs = record.CreatedAtMs
	}
	return record
}

func mergeConversationRecord(existing, incoming ConversationRecord) ConversationRecord {
	if existing.ConvID == "" {
		return incoming
	}
	out := existing
	if incoming.DisplayName != "" {
		out.DisplayName = incoming.DisplayName
	}
	if incoming.ContactPhone != "" {
		out.ContactPhone = incoming.ContactPhone
	}
	if out.CreatedAtMs <= 0 {
		out.CreatedAtMs = incoming.CreatedAtMs
	}
	if incoming.LastActivityMs > out.LastActivityMs {
		out.LastActivityMs = incoming.LastActivityMs
	}
	return out
}

func normalizeMessageRecord(msg MessageRecord, nowMs int64) (MessageRecord, error) {
	msg.ConvID = strings.TrimSpace(msg.ConvID)
	msg.ClientMessageID = strings.TrimSpace(msg.ClientMessageID)
	if msg.ConvID == "" {
		return msg, errors.New("convID is empty")
	}
	if strings.TrimSpace(msg.Text) == "" {
		return msg, errors.New("message text is empty")
	}
	if msg.CreatedAtMs <= 0 {
		msg.CreatedAtMs = nowMs
	}
	return msg, nil
}
