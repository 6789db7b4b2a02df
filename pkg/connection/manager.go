// Package connection owns the single duplex channel to the support backend.
//
// A Manager dials the websocket, keeps it alive with pings, dispatches validated
// inbound events to at most one handler per event name, and reconnects on its
// own after a drop: a few bounded exponential retries first, then a slow
// watchdog for as long as the manager stays in use.
package connection

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/supportchat/pkg/wire"
)

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	ErrChannelNotConnected = errors.New("channel not connected")
	ErrConnect             = errors.New("channel connect failed")
)

// Handler receives validated inbound events on the read goroutine.
type Handler func(wire.Inbound)

type subscription struct {
	id uint64
	h  Handler
}

type notification struct {
	state     State
	listeners []func(State)
}

// Manager is safe for concurrent use.
type Manager struct {
	cfg    Config
	dialer *websocket.Dialer
	log    zerolog.Logger

	writeMu sync.Mutex

	mu        sync.Mutex
	state     State
	conn      *websocket.Conn
	gen       uint64
	pingStop  chan struct{}
	owner     string
	nextID    uint64
	handlers  map[string]subscription
	listeners map[uint64]func(State)

	autoRetry  bool
	retryTimer *time.Timer
	attempt    int
	bo         *backoff.ExponentialBackOff

	pending    []notification
	delivering bool
}

func NewManager(cfg Config) (*Manager, error) {
	cfg = cfg.withDefaults()
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("connection: url is empty")
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.ReconnectDelay
	bo.MaxInterval = cfg.ReconnectDelayMax
	bo.Multiplier = 2
	bo.RandomizationFactor = cfg.Jitter
	bo.MaxElapsedTime = 0
	bo.Reset()

	return &Manager{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		log:       log.With().Str("component", "connection").Str("url", cfg.URL).Logger(),
		handlers:  map[string]subscription{},
		listeners: map[uint64]func(State){},
		bo:        bo,
	}, nil
}

func (m *Manager) URL() string { return m.cfg.URL }

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect dials the channel unless a connection is open or in flight, in which
// case it returns nil without side effects. A failed dial schedules a retry.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state != Disconnected {
		m.mu.Unlock()
		return nil
	}
	m.autoRetry = true
	m.stopRetryLocked()
	stale := m.detachConnLocked()
	gen := m.gen
	m.setStateLocked(Connecting)
	m.mu.Unlock()
	closeQuietly(stale)

	m.log.Debug().Msg("dialing")
	conn, _, err := m.dialer.DialContext(ctx, m.cfg.URL, m.cfg.Header)

	m.mu.Lock()
	if gen != m.gen || !m.autoRetry {
		// Disconnect ran while the dial was in flight.
		m.mu.Unlock()
		closeQuietly(conn)
		if err != nil {
			return errors.Wrap(ErrConnect, err.Error())
		}
		return errors.Wrap(ErrConnect, "abandoned")
	}
	if err != nil {
		m.setStateLocked(Disconnected)
		delay := m.scheduleRetryLocked()
		m.mu.Unlock()
		m.log.Warn().Err(err).Dur("retry_in", delay).Msg("dial failed")
		return errors.Wrap(ErrConnect, err.Error())
	}

	m.conn = conn
	m.attempt = 0
	m.bo.Reset()
	stop := make(chan struct{})
	m.pingStop = stop
	m.setStateLocked(Connected)
	m.mu.Unlock()

	m.log.Info().Msg("connected")
	go m.readLoop(conn, gen)
	if m.cfg.PingInterval > 0 {
		go m.pingLoop(conn, gen, stop)
	}
	return nil
}

// Disconnect stops retrying, closes the channel and releases every handler
// and state listener. Listeners still receive the final Disconnected state.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.autoRetry = false
	m.stopRetryLocked()
	conn := m.detachConnLocked()
	m.attempt = 0
	m.bo.Reset()
	if m.state != Disconnected {
		m.setStateLocked(Disconnected)
	}
	m.handlers = map[string]subscription{}
	m.listeners = map[uint64]func(State){}
	m.mu.Unlock()

	if conn != nil {
		m.writeMu.Lock()
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		m.writeMu.Unlock()
		closeQuietly(conn)
		m.log.Info().Msg("disconnected")
	}
}

// Claim registers owner as the manager's user. A different owner supersedes
// the previous one: its handlers and listeners are dropped.
func (m *Manager) Claim(owner string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.owner != "" && m.owner != owner {
		m.log.Warn().Str("previous", m.owner).Str("owner", owner).Msg("manager claimed by new owner")
		m.handlers = map[string]subscription{}
		m.listeners = map[uint64]func(State){}
	}
	m.owner = owner
}

// Subscribe installs h for event, replacing any previous handler for the same
// event. The returned func detaches h if it is still installed.
func (m *Manager) Subscribe(event string, h Handler) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	if _, ok := m.handlers[event]; ok {
		m.log.Debug().Str("event", event).Msg("replacing handler")
	}
	m.handlers[event] = subscription{id: id, h: h}
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if cur, ok := m.handlers[event]; ok && cur.id == id {
			delete(m.handlers, event)
		}
	}
}

// OnStateChange registers cb for every later transition. Callbacks run in
// order on a delivery goroutine, never under the manager's lock.
func (m *Manager) OnStateChange(cb func(State)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	m.listeners[id] = cb
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

// Send writes one event frame. It fails with ErrChannelNotConnected unless
// the channel is Connected.
func (m *Manager) Send(event string, payload any) error {
	m.mu.Lock()
	conn, gen := m.conn, m.gen
	connected := m.state == Connected && conn != nil
	m.mu.Unlock()
	if !connected {
		return errors.Wrapf(ErrChannelNotConnected, "send %s", event)
	}

	b, err := wire.EncodeFrame(event, payload)
	if err != nil {
		return err
	}

	m.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
	err = conn.WriteMessage(websocket.TextMessage, b)
	m.writeMu.Unlock()
	if err != nil {
		m.drop(gen, err)
		return errors.Wrapf(err, "send %s", event)
	}
	m.log.Debug().Str("event", event).Int("bytes", len(b)).Msg("sent")
	return nil
}

func (m *Manager) readLoop(conn *websocket.Conn, gen uint64) {
	if m.cfg.PingInterval > 0 {
		wait := 2 * m.cfg.PingInterval
		_ = conn.SetReadDeadline(time.Now().Add(wait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wait))
		})
	}
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.drop(gen, err)
			return
		}
		if m.cfg.PingInterval > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(2 * m.cfg.PingInterval))
		}

		frame, err := wire.DecodeFrame(data)
		if err != nil {
			m.log.Warn().Err(err).Msg("dropping frame")
			continue
		}
		in, err := wire.DecodeInbound(frame, m.cfg.Now)
		if err != nil {
			m.log.Warn().Err(err).Str("event", frame.Event).Msg("dropping event")
			continue
		}

		m.mu.Lock()
		sub, ok := m.handlers[frame.Event]
		current := gen == m.gen
		m.mu.Unlock()
		if !current {
			return
		}
		if ok {
			sub.h(in)
		}
	}
}

func (m *Manager) pingLoop(conn *websocket.Conn, gen uint64, stop <-chan struct{}) {
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(m.cfg.WriteTimeout))
			m.writeMu.Unlock()
			if err != nil {
				m.drop(gen, err)
				return
			}
		}
	}
}

// drop handles a failure on connection generation gen. Failures of superseded
// connections are ignored.
func (m *Manager) drop(gen uint64, cause error) {
	m.mu.Lock()
	if gen != m.gen || m.conn == nil {
		m.mu.Unlock()
		return
	}
	conn := m.detachConnLocked()
	m.setStateLocked(Disconnected)
	var delay time.Duration
	if m.autoRetry {
		delay = m.scheduleRetryLocked()
	}
	m.mu.Unlock()

	closeQuietly(conn)
	m.log.Warn().Err(cause).Dur("retry_in", delay).Msg("connection lost")
}

func (m *Manager) retry() {
	m.mu.Lock()
	m.retryTimer = nil
	ok := m.autoRetry && m.state == Disconnected
	m.mu.Unlock()
	if !ok {
		return
	}
	// Connect schedules the next attempt on failure.
	_ = m.Connect(context.Background())
}

// nextDelayLocked returns the wait before the next attempt: bounded
// exponential backoff for the first ReconnectAttempts, then the watchdog.
func (m *Manager) nextDelayLocked() time.Duration {
	m.attempt++
	if m.attempt <= m.cfg.ReconnectAttempts {
		d := m.bo.NextBackOff()
		if d == backoff.Stop || d <= 0 {
			d = m.cfg.ReconnectDelayMax
		}
		return d
	}
	return m.cfg.WatchdogInterval
}

func (m *Manager) scheduleRetryLocked() time.Duration {
	m.stopRetryLocked()
	delay := m.nextDelayLocked()
	m.retryTimer = time.AfterFunc(delay, m.retry)
	return delay
}

func (m *Manager) stopRetryLocked() {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
}

// detachConnLocked forgets the current connection and bumps the generation so
// its read and ping goroutines stop acting on the manager.
func (m *Manager) detachConnLocked() *websocket.Conn {
	m.gen++
	if m.pingStop != nil {
		close(m.pingStop)
		m.pingStop = nil
	}
	conn := m.conn
	m.conn = nil
	return conn
}

func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.state = s
	ls := make([]func(State), 0, len(m.listeners))
	for _, l := range m.listeners {
		ls = append(ls, l)
	}
	m.pending = append(m.pending, notification{state: s, listeners: ls})
	if !m.delivering {
		m.delivering = true
		go m.deliver()
	}
}

func (m *Manager) deliver() {
	for {
		m.mu.Lock()
		if len(m.pending) == 0 {
			m.delivering = false
			m.mu.Unlock()
			return
		}
		n := m.pending[0]
		m.pending = m.pending[1:]
		m.mu.Unlock()

		for _, l := range n.listeners {
			l(n.state)
		}
	}
}

func closeQuietly(conn *websocket.Conn) {
	if conn != nil {
		_ = conn.Close()
	}
}
