package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"
)

// DeliverFunc hands an encoded frame to the local subscribers of topic.
type DeliverFunc func(topic string, data []byte)

// Broker carries broadcasts from the client that sent them to every hub
// serving the topic.
type Broker interface {
	Publish(ctx context.Context, topic string, data []byte) error
}

// LocalBroker delivers broadcasts within the process.
type LocalBroker struct {
	deliver DeliverFunc
}

// NewLocalBroker creates a broker that calls deliver synchronously.
func NewLocalBroker(deliver DeliverFunc) *LocalBroker {
	return &LocalBroker{deliver: deliver}
}

// Publish implements Broker.
func (b *LocalBroker) Publish(_ context.Context, topic string, data []byte) error {
	b.deliver(topic, data)
	return nil
}

// DefaultRedisPrefix namespaces the Redis channels used for topics.
const DefaultRedisPrefix = "relay:"

// RedisBroker fans broadcasts out through Redis pub/sub so that several
// server instances can serve the same topics. Every instance must also
// run Listen; local subscribers are reached through Redis as well.
type RedisBroker struct {
	client redis.UniversalClient
	prefix string
	log    *slog.Logger
}

// NewRedisBroker creates a broker publishing on prefix+topic channels.
func NewRedisBroker(client redis.UniversalClient, prefix string, log *slog.Logger) *RedisBroker {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisBroker{client: client, prefix: prefix, log: log}
}

// Publish implements Broker.
func (b *RedisBroker) Publish(ctx context.Context, topic string, data []byte) error {
	if err := b.client.Publish(ctx, b.Channel(topic), data).Err(); err != nil {
		return fmt.Errorf("redis publish on %s: %w", topic, err)
	}
	return nil
}

// Channel returns the Redis channel name for topic.
func (b *RedisBroker) Channel(topic string) string {
	return b.prefix + topic
}

// Topic is the inverse of Channel.
func (b *RedisBroker) Topic(channel string) (string, bool) {
	return strings.CutPrefix(channel, b.prefix)
}

// Listen subscribes to every topic channel and forwards messages to
// deliver until ctx is done.
func (b *RedisBroker) Listen(ctx context.Context, deliver DeliverFunc) error {
	pubsub := b.client.PSubscribe(ctx, b.prefix+"*")
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe: %w", err)
	}
	b.log.Info("Listening for broadcasts", "pattern", b.prefix+"*")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			topic, ok := b.Topic(msg.Channel)
			if !ok {
				b.log.Warn("Ignoring message on foreign channel", "channel", msg.Channel)
				continue
			}
			deliver(topic, []byte(msg.Payload))
		}
	}
}
