package devserver

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/supportchat/pkg/persistence/chatstore"
	"github.com/go-go-golems/supportchat/pkg/wire"
)

var ErrInvalidRequest = errors.New("invalid request")

// Service stores chat messages and publishes each new one on its
// conversation's topic.
type Service struct {
	store     chatstore.MessageStore
	publisher message.Publisher
	now       func() time.Time
	log       zerolog.Logger
}

func NewService(store chatstore.MessageStore, publisher message.Publisher) (*Service, error) {
	if store == nil {
		return nil, errors.New("devserver: message store is nil")
	}
	if publisher == nil {
		return nil, errors.New("devserver: publisher is nil")
	}
	return &Service{
		store:     store,
		publisher: publisher,
		now:       time.Now,
		log:       log.With().Str("component", "devserver").Logger(),
	}, nil
}

// CreateMessage handles the REST create-call. A blank conversation id opens a
// new conversation; an unknown one is adopted as given.
func (s *Service) CreateMessage(ctx context.Context, req wire.ChatRequest) (wire.ChatResponse, error) {
	if strings.TrimSpace(req.Text) == "" {
		return wire.ChatResponse{}, errors.Wrap(ErrInvalidRequest, "text is empty")
	}
	convID := strings.TrimSpace(req.ConversationID)
	if convID == "" {
		convID = uuid.NewString()
	}
	if err := s.store.UpsertConversation(ctx, chatstore.ConversationRecord{
		ConvID:       convID,
		DisplayName:  req.DisplayName,
		ContactPhone: req.ContactPhone,
	}); err != nil {
		return wire.ChatResponse{}, err
	}

	stored, err := s.post(ctx, chatstore.MessageRecord{
		ConvID:          convID,
		ClientMessageID: req.ClientMessageID,
		Text:            req.Text,
		Read:            true,
	}, req.DisplayName, req.ContactPhone)
	if err != nil {
		return wire.ChatResponse{}, err
	}
	hm := toHistoryMessage(stored)
	return wire.ChatResponse{ConversationID: convID, Message: &hm}, nil
}

// History returns the conversation in creation order and marks the support
// side as read.
func (s *Service) History(ctx context.Context, convID string) ([]wire.HistoryMessage, error) {
	convID = strings.TrimSpace(convID)
	if convID == "" {
		return nil, errors.Wrap(ErrInvalidRequest, "conversationId is required")
	}
	msgs, err := s.store.ListMessages(ctx, convID, 0)
	if err != nil {
		return nil, err
	}
	out := make([]wire.HistoryMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toHistoryMessage(m))
	}
	if _, err := s.store.MarkRead(ctx, convID, true); err != nil {
		s.log.Warn().Err(err).Str("conv_id", convID).Msg("mark read failed")
	}
	return out, nil
}

// Conversations lists known conversations, most recent first.
func (s *Service) Conversations(ctx context.Context, limit int) ([]chatstore.ConversationRecord, error) {
	return s.store.ListConversations(ctx, limit, 0)
}

// HandleLive stores a message received on the channel. Client messages may
// open their conversation; support messages require an existing one.
func (s *Service) HandleLive(ctx context.Context, ev *wire.MessageEvent) error {
	if ev == nil {
		return errors.Wrap(ErrInvalidRequest, "nil event")
	}
	convID := strings.TrimSpace(ev.ConversationID)
	if convID == "" {
		return errors.Wrapf(ErrInvalidRequest, "%s without conversationId", ev.Event)
	}

	rec := chatstore.MessageRecord{
		ConvID:          convID,
		ClientMessageID: ev.ClientMessageID,
		Text:            ev.Text,
		CreatedAtMs:     ev.CreatedAt.UnixMilli(),
	}
	switch ev.Event {
	case wire.EventClientMessage:
		rec.Read = true
		if err := s.store.UpsertConversation(ctx, chatstore.ConversationRecord{
			ConvID:       convID,
			DisplayName:  ev.DisplayName,
			ContactPhone: ev.ContactPhone,
		}); err != nil {
			return err
		}
	case wire.EventSupportMessage:
		rec.FromSupport = true
	default:
		return errors.Wrapf(ErrInvalidRequest, "%s is server-to-client only", ev.Event)
	}
	_, err := s.post(ctx, rec, ev.DisplayName, ev.ContactPhone)
	return err
}

// post stores msg and publishes it when it was not already stored.
func (s *Service) post(ctx context.Context, msg chatstore.MessageRecord, displayName, contactPhone string) (chatstore.MessageRecord, error) {
	if msg.CreatedAtMs <= 0 {
		msg.CreatedAtMs = s.now().UnixMilli()
	}
	// clients key their optimistic entry by the client id; reusing it keeps
	// hydrated history and live echoes comparable
	if msg.ID == "" {
		msg.ID = strings.TrimSpace(msg.ClientMessageID)
	}
	stored, created, err := s.store.AppendMessage(ctx, msg)
	if err != nil {
		return chatstore.MessageRecord{}, err
	}
	if !created {
		s.log.Debug().Str("conv_id", stored.ConvID).Str("client_message_id", stored.ClientMessageID).Msg("duplicate message ignored")
		return stored, nil
	}

	payload, err := json.Marshal(wire.MessagePayload{
		ID:              stored.ID,
		ConversationID:  stored.ConvID,
		ClientMessageID: stored.ClientMessageID,
		Text:            stored.Text,
		DisplayName:     displayName,
		ContactPhone:    contactPhone,
		CreatedAt:       stored.CreatedAt(),
		FromSupport:     wire.Bool(stored.FromSupport),
	})
	if err != nil {
		return stored, errors.Wrap(err, "encode message")
	}
	wm := message.NewMessage(watermill.NewUUID(), payload)
	wm.Metadata.Set("conv_id", stored.ConvID)
	if err := s.publisher.Publish(topicForConv(stored.ConvID), wm); err != nil {
		// the message is stored; live delivery is best effort
		s.log.Warn().Err(err).Str("conv_id", stored.ConvID).Msg("publish failed")
	}
	s.log.Info().
		Str("conv_id", stored.ConvID).
		Bool("from_support", stored.FromSupport).
		Msg("message stored")
	return stored, nil
}

func toHistoryMessage(m chatstore.MessageRecord) wire.HistoryMessage {
	return wire.HistoryMessage{
		ID:          m.ID,
		Text:        m.Text,
		FromSupport: m.FromSupport,
		CreatedAt:   m.CreatedAt(),
		Read:        m.Read,
	}
}
