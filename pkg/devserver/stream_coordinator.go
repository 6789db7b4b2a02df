package devserver

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/supportchat/pkg/wire"
)

// topicForConv computes the message topic for a conversation.
func topicForConv(convID string) string { return "chat:" + convID }

// StreamCoordinator owns the subscriber feeding one conversation's room and
// turns each stored message into a new-message frame, in order.
type StreamCoordinator struct {
	convID     string
	subscriber message.Subscriber
	prepare    func(ctx context.Context, topic string) error
	onFrame    func([]byte)

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
	stopped chan struct{}
}

func NewStreamCoordinator(
	convID string,
	subscriber message.Subscriber,
	prepare func(ctx context.Context, topic string) error,
	onFrame func([]byte),
) *StreamCoordinator {
	return &StreamCoordinator{
		convID:     convID,
		subscriber: subscriber,
		prepare:    prepare,
		onFrame:    onFrame,
	}
}

// Start subscribes before returning so messages published right after a join
// reach the room.
func (sc *StreamCoordinator) Start(ctx context.Context) error {
	if sc == nil || sc.subscriber == nil {
		return nil
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.running {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	runCtx, cancel := context.WithCancel(ctx)
	topic := topicForConv(sc.convID)
	if sc.prepare != nil {
		if err := sc.prepare(runCtx, topic); err != nil {
			cancel()
			return errors.Wrap(err, "stream coordinator: prepare topic")
		}
	}
	ch, err := sc.subscriber.Subscribe(runCtx, topic)
	if err != nil {
		cancel()
		return errors.Wrap(err, "stream coordinator: subscribe")
	}
	sc.cancel = cancel
	sc.running = true
	sc.stopped = make(chan struct{})
	go sc.consume(ch, sc.stopped)
	return nil
}

func (sc *StreamCoordinator) Stop() {
	if sc == nil {
		return
	}
	sc.mu.Lock()
	if sc.cancel != nil {
		sc.cancel()
	}
	sc.cancel = nil
	sc.running = false
	stopped := sc.stopped
	sc.mu.Unlock()
	if stopped != nil {
		<-stopped
	}
}

func (sc *StreamCoordinator) IsRunning() bool {
	if sc == nil {
		return false
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.running
}

func (sc *StreamCoordinator) consume(ch <-chan *message.Message, stopped chan struct{}) {
	defer close(stopped)
	logger := log.With().Str("component", "devserver").Str("conv_id", sc.convID).Logger()
	logger.Debug().Msg("stream coordinator: started")
	for msg := range ch {
		var p wire.MessagePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			logger.Warn().Err(err).Msg("stream coordinator: failed to decode message")
			msg.Ack()
			continue
		}
		frame, err := wire.EncodeFrame(wire.EventNewMessage, p)
		if err != nil {
			logger.Warn().Err(err).Msg("stream coordinator: failed to encode frame")
			msg.Ack()
			continue
		}
		if sc.onFrame != nil {
			sc.onFrame(frame)
		}
		msg.Ack()
	}
	logger.Debug().Msg("stream coordinator: stopped")
}
