package devserver

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ConnectionPool holds the clients joined to one conversation. It centralizes
// broadcasting, dropping dead clients and idle detection.
type ConnectionPool struct {
	convID      string
	mu          sync.Mutex
	clients     map[*Client]struct{}
	idleTimer   *time.Timer
	idleTimeout time.Duration
	onIdle      func()
}

func NewConnectionPool(convID string, idleTimeout time.Duration, onIdle func()) *ConnectionPool {
	return &ConnectionPool{
		convID:      convID,
		clients:     map[*Client]struct{}{},
		idleTimeout: idleTimeout,
		onIdle:      onIdle,
	}
}

func (cp *ConnectionPool) Add(c *Client) {
	if cp == nil || c == nil {
		return
	}
	cp.mu.Lock()
	cp.clients[c] = struct{}{}
	cp.stopIdleTimerLocked()
	cp.mu.Unlock()
}

// Remove takes c out of the pool without closing it; it may still be in others.
func (cp *ConnectionPool) Remove(c *Client) {
	if cp == nil || c == nil {
		return
	}
	cp.mu.Lock()
	delete(cp.clients, c)
	cp.scheduleIdleTimerLocked()
	cp.mu.Unlock()
}

func (cp *ConnectionPool) Has(c *Client) bool {
	if cp == nil || c == nil {
		return false
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	_, ok := cp.clients[c]
	return ok
}

func (cp *ConnectionPool) Broadcast(data []byte) {
	if cp == nil || len(data) == 0 {
		return
	}
	cp.mu.Lock()
	for c := range cp.clients {
		if !c.Enqueue(data) {
			log.Warn().Str("component", "devserver").Str("conv_id", cp.convID).Str("client", c.ID()).Msg("ws broadcast failed, dropping client")
			delete(cp.clients, c)
		}
	}
	cp.scheduleIdleTimerLocked()
	cp.mu.Unlock()
}

func (cp *ConnectionPool) Count() int {
	if cp == nil {
		return 0
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return len(cp.clients)
}

func (cp *ConnectionPool) IsEmpty() bool {
	return cp.Count() == 0
}

func (cp *ConnectionPool) CloseAll() {
	if cp == nil {
		return
	}
	cp.mu.Lock()
	for c := range cp.clients {
		c.Close()
		delete(cp.clients, c)
	}
	cp.stopIdleTimerLocked()
	cp.mu.Unlock()
}

func (cp *ConnectionPool) stopIdleTimerLocked() {
	if cp.idleTimer != nil {
		cp.idleTimer.Stop()
		cp.idleTimer = nil
	}
}

func (cp *ConnectionPool) scheduleIdleTimerLocked() {
	if len(cp.clients) != 0 || cp.idleTimeout <= 0 || cp.onIdle == nil {
		cp.stopIdleTimerLocked()
		return
	}
	cp.stopIdleTimerLocked()
	cp.idleTimer = time.AfterFunc(cp.idleTimeout, cp.triggerIdle)
}

func (cp *ConnectionPool) triggerIdle() {
	var callback func()
	cp.mu.Lock()
	if len(cp.clients) == 0 {
		callback = cp.onIdle
	}
	cp.idleTimer = nil
	cp.mu.Unlock()
	if callback != nil {
		callback()
	}
}
