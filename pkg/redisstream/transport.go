package redisstream

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Transport bundles the publisher and subscriber used to fan messages out.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber

	client *redis.Client
	group  string
	closes []func() error
}

// Build constructs a Redis Streams transport when settings.Enabled is set and
// an in-memory go channel otherwise.
func Build(s Settings) (*Transport, error) {
	logger := NewWatermillLogger(log.With().Str("component", "watermill").Logger())

	if !s.Enabled {
		// blocking until ack keeps a topic's messages in publish order
		gc := gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer:            64,
			BlockPublishUntilSubscriberAck: true,
		}, logger)
		return &Transport{
			Publisher:  gc,
			Subscriber: gc,
			closes:     []func() error{gc.Close},
		}, nil
	}

	if strings.TrimSpace(s.Addr) == "" {
		return nil, errors.New("redisstream: addr is empty")
	}
	// each instance needs its own group to see every message
	if s.Group == "" {
		s.Group = "supportchat-" + uuid.NewString()[:8]
	}
	if s.Consumer == "" {
		s.Consumer = DefaultSettings().Consumer
	}

	client := redis.NewClient(&redis.Options{Addr: s.Addr})
	marshaler := rstream.DefaultMarshallerUnmarshaller{}

	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaler,
	}, logger)
	if err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "redisstream: publisher")
	}

	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  marshaler,
		ConsumerGroup: s.Group,
		Consumer:      s.Consumer,
	}, logger)
	if err != nil {
		_ = pub.Close()
		_ = client.Close()
		return nil, errors.Wrap(err, "redisstream: subscriber")
	}

	log.Info().Str("addr", s.Addr).Str("group", s.Group).Str("consumer", s.Consumer).Msg("using redis streams transport")
	return &Transport{
		Publisher:  pub,
		Subscriber: sub,
		client:     client,
		group:      s.Group,
		closes:     []func() error{sub.Close, pub.Close, client.Close},
	}, nil
}

// PrepareTopic makes a later subscribe start at the stream's tail. It is a
// no-op for the in-memory transport.
func (t *Transport) PrepareTopic(ctx context.Context, topic string) error {
	if t == nil || t.client == nil {
		return nil
	}
	return EnsureGroupAtTail(ctx, t.client, topic, t.group)
}

func (t *Transport) Close() error {
	if t == nil {
		return nil
	}
	var first error
	for _, c := range t.closes {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	t.closes = nil
	return first
}

// EnsureGroupAtTail creates the consumer group for a stream at the tail ($) if
// it doesn't exist, so a first subscribe does not replay history.
func EnsureGroupAtTail(ctx context.Context, client redis.UniversalClient, stream, group string) error {
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		// BUSYGROUP: group already exists
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return err
	}
	log.Info().Str("stream", stream).Str("group", group).Msg("created redis consumer group at $ (tail)")
	return nil
}
