package devserver

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

type room struct {
	pool  *ConnectionPool
	coord *StreamCoordinator
}

// Hub routes a conversation's live messages to the clients that joined it.
// A room lives while it has clients, plus an idle grace period.
type Hub struct {
	baseCtx     context.Context
	subscriber  message.Subscriber
	prepare     func(ctx context.Context, topic string) error
	idleTimeout time.Duration

	mu    sync.Mutex
	rooms map[string]*room
}

func NewHub(
	baseCtx context.Context,
	subscriber message.Subscriber,
	prepare func(ctx context.Context, topic string) error,
	idleTimeout time.Duration,
) *Hub {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	return &Hub{
		baseCtx:     baseCtx,
		subscriber:  subscriber,
		prepare:     prepare,
		idleTimeout: idleTimeout,
		rooms:       map[string]*room{},
	}
}

// Join adds c to the conversation's room, creating the room on first use.
func (h *Hub) Join(convID string, c *Client) error {
	convID = strings.TrimSpace(convID)
	if convID == "" {
		return errors.New("hub: convID is empty")
	}
	if c == nil {
		return errors.New("hub: client is nil")
	}

	h.mu.Lock()
	r, ok := h.rooms[convID]
	if !ok {
		r = &room{}
		r.pool = NewConnectionPool(convID, h.idleTimeout, func() { h.evict(convID, r) })
		r.coord = NewStreamCoordinator(convID, h.subscriber, h.prepare, r.pool.Broadcast)
		if err := r.coord.Start(h.baseCtx); err != nil {
			h.mu.Unlock()
			return err
		}
		h.rooms[convID] = r
		log.Info().Str("component", "devserver").Str("conv_id", convID).Msg("room opened")
	}
	r.pool.Add(c)
	h.mu.Unlock()
	return nil
}

// Leave removes c from every room it joined.
func (h *Hub) Leave(c *Client) {
	h.mu.Lock()
	rooms := make([]*room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	h.mu.Unlock()
	for _, r := range rooms {
		if r.pool.Has(c) {
			r.pool.Remove(c)
		}
	}
}

func (h *Hub) Members(convID string) int {
	h.mu.Lock()
	r, ok := h.rooms[strings.TrimSpace(convID)]
	h.mu.Unlock()
	if !ok {
		return 0
	}
	return r.pool.Count()
}

func (h *Hub) RoomCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

func (h *Hub) evict(convID string, r *room) {
	h.mu.Lock()
	if cur, ok := h.rooms[convID]; !ok || cur != r || !r.pool.IsEmpty() {
		h.mu.Unlock()
		return
	}
	delete(h.rooms, convID)
	h.mu.Unlock()
	r.coord.Stop()
	log.Info().Str("component", "devserver").Str("conv_id", convID).Msg("room closed")
}

// Close stops every room and closes its clients.
func (h *Hub) Close() {
	h.mu.Lock()
	rooms := h.rooms
	h.rooms = map[string]*room{}
	h.mu.Unlock()
	for _, r := range rooms {
		r.coord.Stop()
		r.pool.CloseAll()
	}
}
