package realtime

import (
	"context"
	"strings"

	goredis "github.com/go-redis/redis/v8"

	"github.com/wellmesh/realtime_layer/pkg/logger"
)

// RedisBroker fans envelopes out across engine processes over Redis pub/sub.
// Channels are namespaced with a deployment prefix so several environments
// can share one instance.
type RedisBroker struct {
	client *goredis.Client
	prefix string
	log    *logger.Logger
}

var _ Broker = (*RedisBroker)(nil)

// NewRedisBroker creates a broker publishing on prefix-qualified channels.
func NewRedisBroker(client *goredis.Client, prefix string, log *logger.Logger) *RedisBroker {
	if log == nil {
		log = logger.NewDefault("realtime-broker")
	}
	return &RedisBroker{client: client, prefix: prefix, log: log}
}

func (b *RedisBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	return b.client.Publish(ctx, b.prefix+channel, payload).Err()
}

// Subscribe opens a pattern subscription and pumps messages to handler until
// the returned cancel function is called. Delivery is at-least-once; a
// dropped pub/sub connection is reconnected by the client and anything
// published meanwhile is lost, which the offline queue absorbs.
func (b *RedisBroker) Subscribe(ctx context.Context, pattern string, handler func(channel string, payload []byte)) (func() error, error) {
	sub := b.client.PSubscribe(ctx, b.prefix+pattern)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, err
	}

	go func() {
		for msg := range sub.Channel() {
			handler(strings.TrimPrefix(msg.Channel, b.prefix), []byte(msg.Payload))
		}
		b.log.Debug("broker subscription closed")
	}()

	return sub.Close, nil
}
