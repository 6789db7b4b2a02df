// Package widget is the presentation glue of the support chat: it owns the
// conversation machine, the timeline and the channel subscriptions, and
// exposes a snapshot for whatever renders the widget.
package widget

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/go-go-golems/supportchat/pkg/connection"
	"github.com/go-go-golems/supportchat/pkg/conversation"
	"github.com/go-go-golems/supportchat/pkg/identity"
	"github.com/go-go-golems/supportchat/pkg/timeline"
	"github.com/go-go-golems/supportchat/pkg/wire"
)

var (
	ErrBusy       = errors.New("widget busy")
	ErrEmptyInput = conversation.ErrEmptyInput
)

// Backend is the create-call and history surface, see backend.Client.
type Backend interface {
	CreateMessage(ctx context.Context, req wire.ChatRequest) (wire.ChatResponse, error)
	History(ctx context.Context, conversationID string) ([]wire.HistoryMessage, error)
}

// Channel is the duplex channel, see connection.Manager.
type Channel interface {
	Connect(ctx context.Context) error
	Disconnect()
	Claim(owner string)
	Subscribe(event string, h connection.Handler) func()
	OnStateChange(cb func(connection.State)) func()
	Send(event string, payload any) error
	State() connection.State
}

type Options struct {
	Store   identity.Store
	Backend Backend
	Channel Channel
	Prompts *conversation.Prompts
	// PromptDelay precedes the support-side prompt after the machine advances.
	PromptDelay time.Duration
	Now         func() time.Time
	NewID       func() string
}

// Snapshot is a consistent copy of the widget state.
type Snapshot struct {
	Open       bool
	Busy       bool
	Phase      conversation.Phase
	Identity   identity.Identity
	Messages   []timeline.Message
	Unread     int
	Connection connection.State
	Banner     string
}

type Controller struct {
	backend     Backend
	channel     Channel
	machine     *conversation.Machine
	prompts     conversation.Prompts
	promptDelay time.Duration
	now         func() time.Time
	newID       func() string
	owner       string
	log         zerolog.Logger

	tl *timeline.Timeline
	sf singleflight.Group

	// step serializes identity and timeline changes made on behalf of a
	// submission against Reset.
	step sync.Mutex

	mu        sync.Mutex
	open      bool
	busy      bool
	unread    int
	banner    string
	gen       uint64
	connState connection.State
	detach    []func()
	nextSub   int
	listeners map[int]func(Snapshot)
}

func New(ctx context.Context, opts Options) (*Controller, error) {
	if opts.Backend == nil {
		return nil, errors.New("widget: backend is nil")
	}
	if opts.Channel == nil {
		return nil, errors.New("widget: channel is nil")
	}
	prompts := conversation.DefaultPrompts()
	if opts.Prompts != nil {
		prompts = *opts.Prompts
	}
	machine, err := conversation.NewMachine(ctx, opts.Store, prompts)
	if err != nil {
		return nil, err
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	owner := "widget-" + uuid.NewString()[:8]
	return &Controller{
		backend:     opts.Backend,
		channel:     opts.Channel,
		machine:     machine,
		prompts:     prompts,
		promptDelay: opts.PromptDelay,
		now:         opts.Now,
		newID:       opts.NewID,
		owner:       owner,
		log:         log.With().Str("component", "widget").Str("owner", owner).Logger(),
		tl:          timeline.New(),
		connState:   opts.Channel.State(),
		listeners:   map[int]func(Snapshot){},
	}, nil
}

// Start takes ownership of the channel, connects, and hydrates the stored
// conversation if there is one. A failed connect is retried by the channel.
func (c *Controller) Start(ctx context.Context) error {
	c.channel.Claim(c.owner)
	detachMsg := c.channel.Subscribe(wire.EventNewMessage, c.handleNewMessage)
	detachState := c.channel.OnStateChange(c.onChannelState)
	c.mu.Lock()
	c.detach = append(c.detach, detachMsg, detachState)
	gen := c.gen
	c.mu.Unlock()

	if err := c.channel.Connect(ctx); err != nil {
		c.log.Warn().Err(err).Msg("initial connect failed")
		c.setBanner(c.prompts.Reconnecting)
	}
	if convID := c.machine.Identity().ConversationID; convID != "" {
		c.hydrate(ctx, convID, gen)
	}
	c.notify()
	return nil
}

// Stop releases the channel subscriptions and closes the channel.
func (c *Controller) Stop() {
	c.mu.Lock()
	detach := c.detach
	c.detach = nil
	c.mu.Unlock()
	for _, d := range detach {
		d()
	}
	c.channel.Disconnect()
}

// OnChange registers cb for every state change. Callbacks run on the goroutine
// that caused the change.
func (c *Controller) OnChange(cb func(Snapshot)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSub++
	id := c.nextSub
	c.listeners[id] = cb
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.listeners, id)
	}
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	id := c.machine.Identity()
	return Snapshot{
		Open:       c.open,
		Busy:       c.busy,
		Phase:      conversation.PhaseFor(id),
		Identity:   id,
		Messages:   c.tl.Snapshot(),
		Unread:     c.unread,
		Connection: c.connState,
		Banner:     c.banner,
	}
}

func (c *Controller) notify() {
	c.mu.Lock()
	snap := c.snapshotLocked()
	ls := make([]func(Snapshot), 0, len(c.listeners))
	for _, l := range c.listeners {
		ls = append(ls, l)
	}
	c.mu.Unlock()
	for _, l := range ls {
		l(snap)
	}
}

// Open shows the panel. An empty timeline gets the greeting for the current
// phase. Unread is left alone.
func (c *Controller) Open() {
	c.mu.Lock()
	c.open = true
	c.mu.Unlock()
	if c.tl.Len() == 0 {
		c.appendGreeting()
	}
	c.notify()
}

func (c *Controller) Close() {
	c.mu.Lock()
	c.open = false
	c.mu.Unlock()
	c.notify()
}

func (c *Controller) Toggle() {
	if c.Snapshot().Open {
		c.Close()
		return
	}
	c.Open()
}

// MarkRead clears the unread counter and flags every message as read.
func (c *Controller) MarkRead() {
	c.tl.MarkAllRead()
	c.mu.Lock()
	c.unread = 0
	c.mu.Unlock()
	c.notify()
}

// Reset forgets the identity, the conversation and the timeline. Responses
// still in flight for the old conversation are dropped.
func (c *Controller) Reset(ctx context.Context) error {
	c.step.Lock()
	c.mu.Lock()
	c.gen++
	c.mu.Unlock()
	err := c.machine.Reset(ctx)
	if err == nil {
		c.tl.Clear()
	}
	c.step.Unlock()
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.unread = 0
	c.banner = ""
	open := c.open
	c.mu.Unlock()
	if open {
		c.appendGreeting()
	}
	c.log.Info().Msg("conversation reset")
	c.notify()
	return nil
}

// Submit feeds one composer line through the conversation machine. While a
// submission is in progress further ones fail with ErrBusy.
func (c *Controller) Submit(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyInput
	}
	c.mu.Lock()
	if c.busy {
		c.mu.Unlock()
		return ErrBusy
	}
	c.busy = true
	gen := c.gen
	c.mu.Unlock()
	c.notify()
	defer func() {
		c.mu.Lock()
		c.busy = false
		c.mu.Unlock()
		c.notify()
	}()

	var out conversation.Outcome
	var err error
	if !c.ifCurrent(gen, func() {
		out, err = c.machine.Submit(ctx, text)
		if err == nil && out.Echo != "" {
			c.appendLocal(out.Echo)
		}
	}) {
		return nil
	}
	if err != nil {
		return err
	}
	if out.Prompt != "" {
		if out.Advanced && c.promptDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.promptDelay):
			}
		}
		c.ifCurrent(gen, func() { c.appendSupport(out.Prompt) })
	}
	if out.Dispatch != "" {
		return c.dispatch(ctx, out.Dispatch, gen)
	}
	return nil
}

// dispatch sends a chat message over both paths: the create-call, and the
// live channel when it is connected.
func (c *Controller) dispatch(ctx context.Context, text string, gen uint64) error {
	clientID := c.newID()
	createdAt := c.now()
	if !c.ifCurrent(gen, func() {
		c.tl.Append(timeline.Message{ID: clientID, Text: text, CreatedAt: createdAt, Read: true})
	}) {
		return nil
	}
	c.notify()

	ident := c.machine.Identity()
	resp, err := c.backend.CreateMessage(ctx, wire.ChatRequest{
		Text:            text,
		DisplayName:     ident.DisplayName,
		ContactPhone:    ident.ContactPhone,
		ConversationID:  ident.ConversationID,
		ClientMessageID: clientID,
	})
	if !c.current(gen) {
		c.log.Debug().Str("client_message_id", clientID).Msg("dropping response for reset conversation")
		return nil
	}
	if err != nil {
		c.log.Warn().Err(err).Msg("create message failed")
		c.ifCurrent(gen, func() { c.appendSupport(c.prompts.SendFailed) })
		return errors.Wrap(err, "send message")
	}

	convID := ident.ConversationID
	adopted := false
	if resp.ConversationID != "" && resp.ConversationID != convID {
		if convID == "" {
			var adoptErr error
			if !c.ifCurrent(gen, func() { adoptErr = c.machine.AdoptConversation(ctx, resp.ConversationID) }) {
				return nil
			}
			if adoptErr != nil {
				c.log.Warn().Err(adoptErr).Msg("could not adopt conversation")
			} else {
				convID = resp.ConversationID
				adopted = true
			}
		} else {
			c.log.Warn().Str("conv_id", convID).Str("response_conv_id", resp.ConversationID).Msg("ignoring different conversation id")
		}
	}
	if adopted {
		c.log.Info().Str("conv_id", convID).Msg("conversation started")
		c.join(convID)
	}

	if c.channel.State() == connection.Connected {
		err := c.channel.Send(wire.EventClientMessage, wire.MessagePayload{
			ConversationID:  convID,
			ClientMessageID: clientID,
			Text:            text,
			DisplayName:     ident.DisplayName,
			ContactPhone:    ident.ContactPhone,
			CreatedAt:       createdAt,
			FromSupport:     wire.Bool(false),
		})
		if err != nil {
			c.log.Warn().Err(err).Msg("live emission failed")
			c.reconnect()
		}
	} else {
		c.reconnect()
	}

	if adopted {
		c.hydrate(ctx, convID, gen)
	}
	return nil
}

func (c *Controller) handleNewMessage(in wire.Inbound) {
	ev, ok := in.(*wire.MessageEvent)
	if !ok {
		return
	}
	current := c.machine.Identity().ConversationID
	if ev.ConversationID != "" && ev.ConversationID != current {
		c.log.Debug().Str("conv_id", ev.ConversationID).Msg("ignoring message for another conversation")
		return
	}
	if (ev.ClientMessageID != "" && c.tl.Contains(ev.ClientMessageID)) || (ev.ID != "" && c.tl.Contains(ev.ID)) {
		return
	}
	id := ev.ID
	if id == "" {
		id = ev.ClientMessageID
	}

	c.mu.Lock()
	open := c.open
	c.mu.Unlock()
	if !c.tl.Append(timeline.Message{
		ID:          id,
		Text:        ev.Text,
		FromSupport: ev.FromSupport,
		CreatedAt:   ev.CreatedAt,
		Read:        open,
	}) {
		return
	}
	if !open && ev.FromSupport && ev.SupportFlagged {
		c.mu.Lock()
		c.unread++
		c.mu.Unlock()
	}
	c.notify()
}

func (c *Controller) onChannelState(s connection.State) {
	c.mu.Lock()
	c.connState = s
	switch s {
	case connection.Connected:
		if c.banner == c.prompts.Reconnecting {
			c.banner = ""
		}
	case connection.Disconnected:
		if len(c.detach) > 0 {
			c.banner = c.prompts.Reconnecting
		}
	}
	c.mu.Unlock()

	if s == connection.Connected {
		if convID := c.machine.Identity().ConversationID; convID != "" {
			c.join(convID)
		}
	}
	c.notify()
}

func (c *Controller) join(convID string) {
	if err := c.channel.Send(wire.EventJoinConversation, convID); err != nil {
		c.log.Debug().Err(err).Str("conv_id", convID).Msg("join deferred until connected")
	}
}

// reconnect starts a background connect and shows the reconnecting banner.
func (c *Controller) reconnect() {
	c.setBanner(c.prompts.Reconnecting)
	go func() {
		if err := c.channel.Connect(context.Background()); err != nil {
			c.log.Debug().Err(err).Msg("background connect failed")
		}
	}()
}

// hydrate replaces the timeline with the stored conversation. Concurrent
// hydrations of the same conversation share one fetch.
func (c *Controller) hydrate(ctx context.Context, convID string, gen uint64) {
	v, err, _ := c.sf.Do(convID, func() (interface{}, error) {
		return c.backend.History(ctx, convID)
	})
	if !c.current(gen) {
		return
	}
	if err != nil {
		c.log.Warn().Err(err).Str("conv_id", convID).Msg("history unavailable")
		c.setBanner(c.prompts.NoHistory)
		return
	}
	history, _ := v.([]wire.HistoryMessage)
	msgs := make([]timeline.Message, 0, len(history))
	for _, h := range history {
		msgs = append(msgs, timeline.Message{
			ID:          h.ID,
			Text:        h.Text,
			FromSupport: h.FromSupport,
			CreatedAt:   h.CreatedAt,
			Read:        true,
		})
	}
	if !c.ifCurrent(gen, func() { c.tl.Replace(msgs) }) {
		return
	}
	c.mu.Lock()
	if c.banner == c.prompts.NoHistory {
		c.banner = ""
	}
	c.mu.Unlock()
	c.log.Debug().Str("conv_id", convID).Int("count", len(msgs)).Msg("hydrated")
	c.notify()
}

func (c *Controller) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen == gen
}

// ifCurrent runs fn unless a Reset happened since gen was taken. Reset cannot
// start while fn runs.
func (c *Controller) ifCurrent(gen uint64, fn func()) bool {
	c.step.Lock()
	defer c.step.Unlock()
	if !c.current(gen) {
		return false
	}
	fn()
	return true
}

func (c *Controller) setBanner(b string) {
	c.mu.Lock()
	c.banner = b
	c.mu.Unlock()
	c.notify()
}

func (c *Controller) appendGreeting() {
	id := c.machine.Identity()
	c.appendSupport(c.prompts.Greeting(conversation.PhaseFor(id), id.DisplayName))
}

func (c *Controller) appendLocal(text string) {
	c.tl.Append(timeline.Message{ID: c.newID(), Text: text, CreatedAt: c.now(), Read: true})
	c.notify()
}

func (c *Controller) appendSupport(text string) {
	c.tl.Append(timeline.Message{ID: c.newID(), Text: text, FromSupport: true, CreatedAt: c.now(), Read: true})
	c.notify()
}
