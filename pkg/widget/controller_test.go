package widget

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/supportchat/pkg/connection"
	"github.com/go-go-golems/supportchat/pkg/conversation"
	"github.com/go-go-golems/supportchat/pkg/identity"
	"github.com/go-go-golems/supportchat/pkg/wire"
)

type fakeBackend struct {
	mu       sync.Mutex
	convID   string
	creates  []wire.ChatRequest
	history  []wire.HistoryMessage
	histErr  error
	createFn func(req wire.ChatRequest) (wire.ChatResponse, error)
	histHits int
}

func (b *fakeBackend) CreateMessage(_ context.Context, req wire.ChatRequest) (wire.ChatResponse, error) {
	b.mu.Lock()
	b.creates = append(b.creates, req)
	fn := b.createFn
	convID := b.convID
	b.mu.Unlock()
	if fn != nil {
		return fn(req)
	}
	if req.ConversationID != "" {
		convID = req.ConversationID
	}
	return wire.ChatResponse{ConversationID: convID}, nil
}

func (b *fakeBackend) History(_ context.Context, _ string) ([]wire.HistoryMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.histHits++
	if b.histErr != nil {
		return nil, b.histErr
	}
	return append([]wire.HistoryMessage(nil), b.history...), nil
}

func (b *fakeBackend) createCalls() []wire.ChatRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]wire.ChatRequest(nil), b.creates...)
}

type sent struct {
	event   string
	payload any
}

type fakeChannel struct {
	mu        sync.Mutex
	state     connection.State
	connects  int
	owner     string
	handlers  map[string]connection.Handler
	listeners []func(connection.State)
	sent      []sent
}

func newFakeChannel(state connection.State) *fakeChannel {
	return &fakeChannel{state: state, handlers: map[string]connection.Handler{}}
}

func (f *fakeChannel) Connect(context.Context) error {
	f.mu.Lock()
	f.connects++
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) Disconnect() {
	f.mu.Lock()
	f.handlers = map[string]connection.Handler{}
	f.listeners = nil
	f.state = connection.Disconnected
	f.mu.Unlock()
}

func (f *fakeChannel) Claim(owner string) {
	f.mu.Lock()
	f.owner = owner
	f.mu.Unlock()
}

func (f *fakeChannel) Subscribe(event string, h connection.Handler) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[event] = h
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.handlers, event)
	}
}

func (f *fakeChannel) OnStateChange(cb func(connection.State)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = append(f.listeners, cb)
	return func() {}
}

func (f *fakeChannel) Send(event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != connection.Connected {
		return connection.ErrChannelNotConnected
	}
	f.sent = append(f.sent, sent{event: event, payload: payload})
	return nil
}

func (f *fakeChannel) State() connection.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeChannel) setState(s connection.State) {
	f.mu.Lock()
	f.state = s
	ls := append(([]func(connection.State))(nil), f.listeners...)
	f.mu.Unlock()
	for _, l := range ls {
		l(s)
	}
}

func (f *fakeChannel) deliver(ev *wire.MessageEvent) {
	f.mu.Lock()
	h := f.handlers[wire.EventNewMessage]
	f.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

func (f *fakeChannel) sentEvents() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.sent...)
}

func (f *fakeChannel) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func newController(t *testing.T, store identity.Store, b *fakeBackend, ch *fakeChannel) *Controller {
	t.Helper()
	n := 0
	var idMu sync.Mutex
	c, err := New(context.Background(), Options{
		Store:   store,
		Backend: b,
		Channel: ch,
		Now:     func() time.Time { return time.UnixMilli(1_700_000_000_000) },
		NewID: func() string {
			idMu.Lock()
			defer idMu.Unlock()
			n++
			return fmt.Sprintf("id-%d", n)
		},
	})
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(c.Stop)
	return c
}

func texts(s Snapshot) []string {
	out := make([]string, 0, len(s.Messages))
	for _, m := range s.Messages {
		out = append(out, m.Text)
	}
	return out
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(context.Background(), Options{Store: identity.NewMemoryStore(identity.Identity{}), Channel: newFakeChannel(connection.Disconnected)})
	require.Error(t, err)
	_, err = New(context.Background(), Options{Store: identity.NewMemoryStore(identity.Identity{}), Backend: &fakeBackend{}})
	require.Error(t, err)
}

func TestSubmit_CollectsIdentityThenDispatches(t *testing.T) {
	p := conversation.DefaultPrompts()
	b := &fakeBackend{convID: "c1"}
	ch := newFakeChannel(connection.Connected)
	c := newController(t, identity.NewMemoryStore(identity.Identity{}), b, ch)
	ctx := context.Background()

	c.Open()
	require.Equal(t, []string{p.AskName}, texts(c.Snapshot()))

	require.NoError(t, c.Submit(ctx, "Ana"))
	s := c.Snapshot()
	require.Equal(t, conversation.CollectingPhone, s.Phase)
	require.Equal(t, []string{p.AskName, "Ana", p.AskPhone("Ana")}, texts(s))

	require.NoError(t, c.Submit(ctx, "abc"))
	s = c.Snapshot()
	require.Equal(t, conversation.CollectingPhone, s.Phase)
	require.Equal(t, p.InvalidPhone, s.Messages[len(s.Messages)-1].Text)
	require.True(t, s.Messages[len(s.Messages)-1].FromSupport)

	require.NoError(t, c.Submit(ctx, "3011234567"))
	s = c.Snapshot()
	require.Equal(t, conversation.Chatting, s.Phase)
	require.Equal(t, p.Welcome, s.Messages[len(s.Messages)-1].Text)
	require.Empty(t, b.createCalls())

	require.NoError(t, c.Submit(ctx, "Hola, necesito ayuda"))
	calls := b.createCalls()
	require.Len(t, calls, 1)
	require.Equal(t, "Hola, necesito ayuda", calls[0].Text)
	require.Equal(t, "Ana", calls[0].DisplayName)
	require.Equal(t, "3011234567", calls[0].ContactPhone)
	require.Empty(t, calls[0].ConversationID)
	require.NotEmpty(t, calls[0].ClientMessageID)

	s = c.Snapshot()
	require.Equal(t, "c1", s.Identity.ConversationID)

	events := ch.sentEvents()
	require.Len(t, events, 2)
	require.Equal(t, wire.EventJoinConversation, events[0].event)
	require.Equal(t, "c1", events[0].payload)
	require.Equal(t, wire.EventClientMessage, events[1].event)
	payload := events[1].payload.(wire.MessagePayload)
	require.Equal(t, "c1", payload.ConversationID)
	require.Equal(t, calls[0].ClientMessageID, payload.ClientMessageID)
	require.False(t, *payload.FromSupport)
}

func TestSubmit_LocalEntryAppearsBeforeCreateCallReturns(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	b := &fakeBackend{}
	b.createFn = func(wire.ChatRequest) (wire.ChatResponse, error) {
		close(entered)
		<-release
		return wire.ChatResponse{ConversationID: "c1"}, nil
	}
	ch := newFakeChannel(connection.Connected)
	c := newController(t, identity.NewMemoryStore(identity.Identity{DisplayName: "Ana", ContactPhone: "3011234567"}), b, ch)

	done := make(chan error, 1)
	go func() { done <- c.Submit(context.Background(), "Hola") }()
	<-entered

	s := c.Snapshot()
	require.True(t, s.Busy)
	require.Equal(t, "Hola", s.Messages[len(s.Messages)-1].Text)
	require.False(t, s.Messages[len(s.Messages)-1].FromSupport)
	require.ErrorIs(t, c.Submit(context.Background(), "otra"), ErrBusy)

	close(release)
	require.NoError(t, <-done)
	require.False(t, c.Snapshot().Busy)
}

func TestSubmit_EmptyInput(t *testing.T) {
	c := newController(t, identity.NewMemoryStore(identity.Identity{}), &fakeBackend{}, newFakeChannel(connection.Connected))
	require.ErrorIs(t, c.Submit(context.Background(), "   "), ErrEmptyInput)
	require.Equal(t, conversation.CollectingName, c.Snapshot().Phase)
}

func TestSubmit_CreateFailureShowsError(t *testing.T) {
	p := conversation.DefaultPrompts()
	b := &fakeBackend{createFn: func(wire.ChatRequest) (wire.ChatResponse, error) {
		return wire.ChatResponse{}, errors.New("boom")
	}}
	ch := newFakeChannel(connection.Connected)
	c := newController(t, identity.NewMemoryStore(identity.Identity{DisplayName: "Ana", ContactPhone: "3011234567"}), b, ch)

	err := c.Submit(context.Background(), "Hola")
	require.Error(t, err)
	s := c.Snapshot()
	require.Equal(t, []string{"Hola", p.SendFailed}, texts(s))
	require.Empty(t, s.Identity.ConversationID)
	require.Empty(t, ch.sentEvents())
}

func TestSubmit_WhileDisconnectedKeepsEntryAndReconnects(t *testing.T) {
	p := conversation.DefaultPrompts()
	b := &fakeBackend{convID: "c1"}
	ch := newFakeChannel(connection.Disconnected)
	c := newController(t, identity.NewMemoryStore(identity.Identity{DisplayName: "Ana", ContactPhone: "3011234567", ConversationID: "c1"}), b, ch)

	require.NoError(t, c.Submit(context.Background(), "Hola"))
	s := c.Snapshot()
	require.Contains(t, texts(s), "Hola")
	require.Equal(t, p.Reconnecting, s.Banner)
	require.Empty(t, ch.sentEvents())
	require.Eventually(t, func() bool { return ch.connectCount() >= 2 }, time.Second, 5*time.Millisecond)

	ch.setState(connection.Connected)
	s = c.Snapshot()
	require.Empty(t, s.Banner)
	events := ch.sentEvents()
	require.Len(t, events, 1)
	require.Equal(t, wire.EventJoinConversation, events[0].event)
	require.Equal(t, "c1", events[0].payload)
}

func TestNewMessage_UnreadOnlyWhileClosed(t *testing.T) {
	ch := newFakeChannel(connection.Connected)
	c := newController(t, identity.NewMemoryStore(identity.Identity{DisplayName: "Ana", ContactPhone: "3011234567", ConversationID: "c1"}), &fakeBackend{}, ch)

	ch.deliver(&wire.MessageEvent{Event: wire.EventNewMessage, ID: "s1", ConversationID: "c1", Text: "hola Ana", FromSupport: true, SupportFlagged: true, CreatedAt: time.Now()})
	require.Equal(t, 1, c.Snapshot().Unread)

	ch.deliver(&wire.MessageEvent{Event: wire.EventNewMessage, ID: "u1", ConversationID: "c1", Text: "gracias", CreatedAt: time.Now()})
	require.Equal(t, 1, c.Snapshot().Unread)

	c.Open()
	s := c.Snapshot()
	require.Equal(t, 1, s.Unread)
	require.False(t, s.Messages[0].Read)

	ch.deliver(&wire.MessageEvent{Event: wire.EventNewMessage, ID: "s2", ConversationID: "c1", Text: "¿algo más?", FromSupport: true, SupportFlagged: true, CreatedAt: time.Now()})
	s = c.Snapshot()
	require.Equal(t, 1, s.Unread)
	require.True(t, s.Messages[len(s.Messages)-1].Read)

	c.MarkRead()
	s = c.Snapshot()
	require.Zero(t, s.Unread)
	for _, m := range s.Messages {
		require.True(t, m.Read)
	}
}

func TestNewMessage_UnflaggedDoesNotCountAsUnread(t *testing.T) {
	ch := newFakeChannel(connection.Connected)
	c := newController(t, identity.NewMemoryStore(identity.Identity{DisplayName: "Ana", ContactPhone: "3011234567", ConversationID: "c1"}), &fakeBackend{}, ch)

	in, err := wire.DecodeInbound(wire.Frame{Event: wire.EventNewMessage, Data: []byte(`{"text":"hola","conversationId":"c1"}`)}, time.Now)
	require.NoError(t, err)
	ch.deliver(in.(*wire.MessageEvent))

	s := c.Snapshot()
	require.Zero(t, s.Unread)
	require.Len(t, s.Messages, 1)
	require.True(t, s.Messages[0].FromSupport)
	require.False(t, s.Messages[0].Read)

	in, err = wire.DecodeInbound(wire.Frame{Event: wire.EventNewMessage, Data: []byte(`{"text":"¿sigues ahí?","conversationId":"c1","fromSupport":true}`)}, time.Now)
	require.NoError(t, err)
	ch.deliver(in.(*wire.MessageEvent))
	require.Equal(t, 1, c.Snapshot().Unread)
}

func TestNewMessage_DedupAndConversationFilter(t *testing.T) {
	b := &fakeBackend{convID: "c1"}
	ch := newFakeChannel(connection.Connected)
	c := newController(t, identity.NewMemoryStore(identity.Identity{DisplayName: "Ana", ContactPhone: "3011234567", ConversationID: "c1"}), b, ch)

	require.NoError(t, c.Submit(context.Background(), "Hola"))
	clientID := b.createCalls()[0].ClientMessageID
	before := len(c.Snapshot().Messages)

	ch.deliver(&wire.MessageEvent{Event: wire.EventNewMessage, ID: clientID, ClientMessageID: clientID, ConversationID: "c1", Text: "Hola", CreatedAt: time.Now()})
	ch.deliver(&wire.MessageEvent{Event: wire.EventNewMessage, ID: "x", ConversationID: "other", Text: "not mine", FromSupport: true, CreatedAt: time.Now()})
	require.Len(t, c.Snapshot().Messages, before)

	ch.deliver(&wire.MessageEvent{Event: wire.EventNewMessage, ID: "s1", ConversationID: "c1", Text: "respuesta", FromSupport: true, CreatedAt: time.Now()})
	ch.deliver(&wire.MessageEvent{Event: wire.EventNewMessage, ID: "s1", ConversationID: "c1", Text: "respuesta", FromSupport: true, CreatedAt: time.Now()})
	require.Len(t, c.Snapshot().Messages, before+1)
}

func TestStart_HydratesStoredConversation(t *testing.T) {
	b := &fakeBackend{history: []wire.HistoryMessage{
		{ID: "a", Text: "hola", CreatedAt: time.UnixMilli(1000)},
		{ID: "b", Text: "buenas", FromSupport: true, CreatedAt: time.UnixMilli(2000)},
	}}
	ch := newFakeChannel(connection.Connected)
	c := newController(t, identity.NewMemoryStore(identity.Identity{DisplayName: "Ana", ContactPhone: "3011234567", ConversationID: "c1"}), b, ch)

	s := c.Snapshot()
	require.Equal(t, []string{"hola", "buenas"}, texts(s))
	require.Zero(t, s.Unread)

	c.Open()
	require.Equal(t, []string{"hola", "buenas"}, texts(c.Snapshot()))
}

func TestStart_HistoryFailureShowsBanner(t *testing.T) {
	p := conversation.DefaultPrompts()
	b := &fakeBackend{histErr: errors.New("down")}
	c := newController(t, identity.NewMemoryStore(identity.Identity{DisplayName: "Ana", ContactPhone: "3011234567", ConversationID: "c1"}), b, newFakeChannel(connection.Connected))
	require.Equal(t, p.NoHistory, c.Snapshot().Banner)
}

func TestReset_DropsStaleCreateResponse(t *testing.T) {
	p := conversation.DefaultPrompts()
	release := make(chan struct{})
	entered := make(chan struct{})
	b := &fakeBackend{}
	b.createFn = func(wire.ChatRequest) (wire.ChatResponse, error) {
		close(entered)
		<-release
		return wire.ChatResponse{ConversationID: "c-old"}, nil
	}
	ch := newFakeChannel(connection.Connected)
	store := identity.NewMemoryStore(identity.Identity{DisplayName: "Ana", ContactPhone: "3011234567"})
	c := newController(t, store, b, ch)
	c.Open()

	done := make(chan error, 1)
	go func() { done <- c.Submit(context.Background(), "Hola") }()
	<-entered

	require.NoError(t, c.Reset(context.Background()))
	close(release)
	require.NoError(t, <-done)

	s := c.Snapshot()
	require.Equal(t, conversation.CollectingName, s.Phase)
	require.Empty(t, s.Identity.ConversationID)
	require.Equal(t, []string{p.AskName}, texts(s))
	require.Empty(t, ch.sentEvents())

	stored, err := store.Load(context.Background())
	require.NoError(t, err)
	require.True(t, stored.IsZero())
}

func TestReset_BeforeIdentityStepDropsSubmission(t *testing.T) {
	store := identity.NewMemoryStore(identity.Identity{})
	c := newController(t, store, &fakeBackend{}, newFakeChannel(connection.Connected))

	var fired atomic.Bool
	var resetErr error
	unsub := c.OnChange(func(s Snapshot) {
		if s.Busy && fired.CompareAndSwap(false, true) {
			resetErr = c.Reset(context.Background())
		}
	})
	defer unsub()

	require.NoError(t, c.Submit(context.Background(), "Ana"))
	require.NoError(t, resetErr)

	s := c.Snapshot()
	require.Equal(t, conversation.CollectingName, s.Phase)
	require.Empty(t, s.Messages)

	stored, err := store.Load(context.Background())
	require.NoError(t, err)
	require.True(t, stored.IsZero())
}

func TestToggleAndOnChange(t *testing.T) {
	c := newController(t, identity.NewMemoryStore(identity.Identity{DisplayName: "Ana"}), &fakeBackend{}, newFakeChannel(connection.Connected))

	var mu sync.Mutex
	var seen []bool
	unsub := c.OnChange(func(s Snapshot) {
		mu.Lock()
		seen = append(seen, s.Open)
		mu.Unlock()
	})
	c.Toggle()
	require.True(t, c.Snapshot().Open)
	require.Equal(t, conversation.DefaultPrompts().AskPhone("Ana"), c.Snapshot().Messages[0].Text)
	c.Toggle()
	require.False(t, c.Snapshot().Open)
	unsub()
	c.Toggle()

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, seen)
	require.False(t, seen[len(seen)-1])
}
