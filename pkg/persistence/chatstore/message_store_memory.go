package chatstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// InMemoryMessageStore is a size-limited, in-memory MessageStore. It mirrors
// the ordering and idempotency semantics of the SQLite store.
type InMemoryMessageStore struct {
	mu                 sync.Mutex
	maxMessagesPerConv int
	conversations      map[string]ConversationRecord
	messages           map[string][]MessageRecord
}

var _ MessageStore = &InMemoryMessageStore{}

func NewInMemoryMessageStore(maxMessagesPerConv int) *InMemoryMessageStore {
	if maxMessagesPerConv <= 0 {
		maxMessagesPerConv = 5000
	}
	return &InMemoryMessageStore{
		maxMessagesPerConv: maxMessagesPerConv,
		conversations:      map[string]ConversationRecord{},
		messages:           map[string][]MessageRecord{},
	}
}

func (s *InMemoryMessageStore) Close() error { return nil }

func (s *InMemoryMessageStore) UpsertConversation(_ context.Context, record ConversationRecord) error {
	if s == nil {
		return errors.New("in-memory message store: nil store")
	}
	record = normalizeConversationRecord(record, time.Now().UnixMilli())
	if record.ConvID == "" {
		return errors.New("in-memory message store: convID is empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	merged := mergeConversationRecord(s.conversations[record.ConvID], record)
	merged.MessageCount = len(s.messages[record.ConvID])
	s.conversations[record.ConvID] = merged
	return nil
}

func (s *InMemoryMessageStore) GetConversation(_ context.Context, convID string) (ConversationRecord, bool, error) {
	if s == nil {
		return ConversationRecord{}, false, errors.New("in-memory message store: nil store")
	}
	convID = strings.TrimSpace(convID)
	if convID == "" {
		return ConversationRecord{}, false, errors.New("in-memory message store: convID is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.conversations[convID]
	return record, ok, nil
}

func (s *InMemoryMessageStore) ListConversations(_ context.Context, limit int, sinceMs int64) ([]ConversationRecord, error) {
	if s == nil {
		return nil, errors.New("in-memory message store: nil store")
	}
	if limit <= 0 {
		limit = 200
	}
	s.mu.Lock()
	records := make([]ConversationRecord, 0, len(s.conversations))
	for _, record := range s.conversations {
		if sinceMs > 0 && record.LastActivityMs < sinceMs {
			continue
		}
		records = append(records, record)
	}
	s.mu.Unlock()

	sort.Slice(records, func(i, j int) bool {
		if records[i].LastActivityMs != records[j].LastActivityMs {
			return records[i].LastActivityMs > records[j].LastActivityMs
		}
		return records[i].ConvID < records[j].ConvID
	})
	if len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

func (s *InMemoryMessageStore) AppendMessage(_ context.Context, msg MessageRecord) (MessageRecord, bool, error) {
	if s == nil {
		return MessageRecord{}, false, errors.New("in-memory message store: nil store")
	}
	msg, err := normalizeMessageRecord(msg, time.Now().UnixMilli())
	if err != nil {
		return MessageRecord{}, false, errors.Wrap(err, "in-memory message store")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[msg.ConvID]
	if !ok {
		return MessageRecord{}, false, errors.Wrap(ErrConversationNotFound, msg.ConvID)
	}
	msgs := s.messages[msg.ConvID]
	if msg.ClientMessageID != "" {
		for _, existing := range msgs {
			if existing.ClientMessageID == msg.ClientMessageID {
				return existing, false, nil
			}
		}
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	// insertion keeps creation order; equal timestamps stay in arrival order
	i := sort.Search(len(msgs), func(i int) bool { return msgs[i].CreatedAtMs > msg.CreatedAtMs })
	msgs = append(msgs, MessageRecord{})
	copy(msgs[i+1:], msgs[i:])
	msgs[i] = msg
	if len(msgs) > s.maxMessagesPerConv {
		msgs = msgs[len(msgs)-s.maxMessagesPerConv:]
	}
	s.messages[msg.ConvID] = msgs

	conv.MessageCount = len(msgs)
	if msg.CreatedAtMs > conv.LastActivityMs {
		conv.LastActivityMs = msg.CreatedAtMs
	}
	s.conversations[msg.ConvID] = conv
	return msg, true, nil
}

func (s *InMemoryMessageStore) ListMessages(_ context.Context, convID string, limit int) ([]MessageRecord, error) {
	if s == nil {
		return nil, errors.New("in-memory message store: nil store")
	}
	convID = strings.TrimSpace(convID)
	if convID == "" {
		return nil, errors.New("in-memory message store: convID is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[convID]; !ok {
		return nil, errors.Wrap(ErrConversationNotFound, convID)
	}
	msgs := s.messages[convID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]MessageRecord, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (s *InMemoryMessageStore) MarkRead(_ context.Context, convID string, fromSupport bool) (int, error) {
	if s == nil {
		return 0, errors.New("in-memory message store: nil store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[strings.TrimSpace(convID)]
	n := 0
	for i := range msgs {
		if msgs[i].FromSupport == fromSupport && !msgs[i].Read {
			msgs[i].Read = true
			n++
		}
	}
	return n, nil
}
