package connection

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/go-go-golems/supportchat/pkg/wire"
)

type testServer struct {
	*httptest.Server

	mu       sync.Mutex
	conns    []*websocket.Conn
	accepted int
	received chan wire.Frame
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{received: make(chan wire.Frame, 64)}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ts.mu.Lock()
		ts.conns = append(ts.conns, c)
		ts.accepted++
		ts.mu.Unlock()
		for {
			_, data, err := c.ReadMessage()
			if err != nil {
				return
			}
			if f, err := wire.DecodeFrame(data); err == nil {
				select {
				case ts.received <- f:
				default:
				}
			}
		}
	}))
	t.Cleanup(ts.shutdown)
	return ts
}

func (ts *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func (ts *testServer) acceptedCount() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.accepted
}

func (ts *testServer) push(t *testing.T, raw string) {
	t.Helper()
	ts.mu.Lock()
	defer ts.mu.Unlock()
	require.NotEmpty(t, ts.conns)
	require.NoError(t, ts.conns[len(ts.conns)-1].WriteMessage(websocket.TextMessage, []byte(raw)))
}

func (ts *testServer) dropAll() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for _, c := range ts.conns {
		_ = c.Close()
	}
	ts.conns = nil
}

func (ts *testServer) shutdown() {
	ts.dropAll()
	ts.Server.Close()
}

func fastConfig(url string) Config {
	return Config{
		URL:               url,
		HandshakeTimeout:  2 * time.Second,
		ReconnectAttempts: 3,
		ReconnectDelay:    10 * time.Millisecond,
		ReconnectDelayMax: 40 * time.Millisecond,
		WatchdogInterval:  100 * time.Millisecond,
	}
}

func TestNextDelay_BoundedBackoffThenWatchdog(t *testing.T) {
	m, err := NewManager(Config{
		URL:               "ws://example.invalid/ws",
		ReconnectAttempts: 5,
		ReconnectDelay:    time.Second,
		ReconnectDelayMax: 5 * time.Second,
		WatchdogInterval:  30 * time.Second,
	})
	require.NoError(t, err)

	var got []time.Duration
	m.mu.Lock()
	for i := 0; i < 7; i++ {
		got = append(got, m.nextDelayLocked())
	}
	m.mu.Unlock()

	require.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second,
		30 * time.Second, 30 * time.Second,
	}, got)
}

func TestNewManager_RequiresURL(t *testing.T) {
	_, err := NewManager(Config{})
	require.Error(t, err)
}

func TestSendWhileDisconnected(t *testing.T) {
	m, err := NewManager(fastConfig("ws://127.0.0.1:1/ws"))
	require.NoError(t, err)
	err = m.Send(wire.EventClientMessage, wire.MessagePayload{Text: "hola"})
	require.True(t, errors.Is(err, ErrChannelNotConnected))
}

func TestConnectSendAndReceive(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	ts := newTestServer(t)
	defer ts.shutdown()

	m, err := NewManager(fastConfig(ts.wsURL()))
	require.NoError(t, err)
	defer m.Disconnect()

	got := make(chan wire.Inbound, 4)
	m.Subscribe(wire.EventNewMessage, func(in wire.Inbound) { got <- in })

	require.NoError(t, m.Connect(context.Background()))
	require.Equal(t, Connected, m.State())
	// a second connect while connected is a no-op
	require.NoError(t, m.Connect(context.Background()))
	require.Equal(t, 1, ts.acceptedCount())

	require.NoError(t, m.Send(wire.EventJoinConversation, "c1"))
	select {
	case f := <-ts.received:
		require.Equal(t, wire.EventJoinConversation, f.Event)
		require.JSONEq(t, `"c1"`, string(f.Data))
	case <-time.After(2 * time.Second):
		t.Fatal("server never received join")
	}

	ts.push(t, `not json`)
	ts.push(t, `{"event":"new-message","data":{"text":"   "}}`)
	ts.push(t, `{"event":"mystery","data":{}}`)
	ts.push(t, `{"event":"new-message","data":{"conversationId":"c1","text":"Hola Ana"}}`)

	select {
	case in := <-got:
		msg, ok := in.(*wire.MessageEvent)
		require.True(t, ok)
		require.Equal(t, "Hola Ana", msg.Text)
		require.True(t, msg.FromSupport)
	case <-time.After(2 * time.Second):
		t.Fatal("handler never called")
	}
	select {
	case in := <-got:
		t.Fatalf("unexpected extra event %#v", in)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribeReplacesPreviousHandler(t *testing.T) {
	ts := newTestServer(t)
	m, err := NewManager(fastConfig(ts.wsURL()))
	require.NoError(t, err)
	defer m.Disconnect()

	var mu sync.Mutex
	calls := map[string]int{}
	record := func(name string) Handler {
		return func(wire.Inbound) {
			mu.Lock()
			calls[name]++
			mu.Unlock()
		}
	}
	detachFirst := m.Subscribe(wire.EventNewMessage, record("first"))
	m.Subscribe(wire.EventNewMessage, record("second"))
	// detaching a replaced handler must not remove its successor
	detachFirst()

	require.NoError(t, m.Connect(context.Background()))
	ts.push(t, `{"event":"new-message","data":{"text":"uno"}}`)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls["second"] == 1
	}, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	require.Zero(t, calls["first"])
	mu.Unlock()
}

func TestReconnectsAfterDrop(t *testing.T) {
	ts := newTestServer(t)
	m, err := NewManager(fastConfig(ts.wsURL()))
	require.NoError(t, err)
	defer m.Disconnect()

	var mu sync.Mutex
	var states []State
	m.OnStateChange(func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	require.NoError(t, m.Connect(context.Background()))
	ts.dropAll()

	require.Eventually(t, func() bool {
		return ts.acceptedCount() >= 2 && m.State() == Connected
	}, 3*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(states) >= 4
	}, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	require.Equal(t, []State{Connecting, Connected, Disconnected, Connecting}, states[:4])
	mu.Unlock()
}

func TestFailedConnectRetriesUntilDisconnect(t *testing.T) {
	ts := newTestServer(t)
	url := ts.wsURL()
	ts.shutdown()

	m, err := NewManager(fastConfig(url))
	require.NoError(t, err)

	err = m.Connect(context.Background())
	require.True(t, errors.Is(err, ErrConnect))
	require.True(t, strings.HasSuffix(err.Error(), ": channel connect failed"), err.Error())
	require.Greater(t, len(err.Error()), len(ErrConnect.Error()))
	require.Equal(t, Disconnected, m.State())

	m.mu.Lock()
	scheduled := m.retryTimer != nil
	m.mu.Unlock()
	require.True(t, scheduled)

	m.Disconnect()
	m.mu.Lock()
	require.Nil(t, m.retryTimer)
	require.False(t, m.autoRetry)
	m.mu.Unlock()
}

func TestDisconnectReleasesListeners(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	ts := newTestServer(t)
	defer ts.shutdown()

	m, err := NewManager(fastConfig(ts.wsURL()))
	require.NoError(t, err)

	final := make(chan State, 8)
	m.OnStateChange(func(s State) { final <- s })
	m.Subscribe(wire.EventNewMessage, func(wire.Inbound) {})
	require.NoError(t, m.Connect(context.Background()))

	m.Disconnect()
	require.Equal(t, Disconnected, m.State())

	m.mu.Lock()
	require.Empty(t, m.handlers)
	require.Empty(t, m.listeners)
	m.mu.Unlock()

	var last State = Connected
	deadline := time.After(2 * time.Second)
	for last != Disconnected {
		select {
		case last = <-final:
		case <-deadline:
			t.Fatal("final disconnected state never delivered")
		}
	}
}

func TestClaimSupersedesPreviousOwner(t *testing.T) {
	m, err := NewManager(fastConfig("ws://127.0.0.1:1/ws"))
	require.NoError(t, err)

	m.Claim("widget-1")
	m.Subscribe(wire.EventNewMessage, func(wire.Inbound) {})
	m.OnStateChange(func(State) {})
	m.Claim("widget-1")
	m.mu.Lock()
	require.Len(t, m.handlers, 1)
	m.mu.Unlock()

	m.Claim("widget-2")
	m.mu.Lock()
	require.Empty(t, m.handlers)
	require.Empty(t, m.listeners)
	m.mu.Unlock()
}
