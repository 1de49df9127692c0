package realtime

import (
	"context"
	"strings"
	"sync"
)

// Broker carries serialized envelopes between engine processes. Channel
// names are plain strings; patterns support a single trailing "*" wildcard.
type Broker interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe registers handler for every channel matching pattern and
	// returns a function that cancels the subscription.
	Subscribe(ctx context.Context, pattern string, handler func(channel string, payload []byte)) (func() error, error)
}

// MemoryBroker is a single-process Broker. Handlers run synchronously on the
// publisher's goroutine, which keeps single-node deployments and tests
// deterministic.
type MemoryBroker struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]*memorySub
}

type memorySub struct {
	pattern string
	handler func(channel string, payload []byte)
}

var _ Broker = (*MemoryBroker)(nil)

// NewMemoryBroker creates a broker with no subscriptions.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: make(map[int]*memorySub)}
}

func (b *MemoryBroker) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.RLock()
	matched := make([]*memorySub, 0, len(b.subs))
	for _, sub := range b.subs {
		if matchChannel(sub.pattern, channel) {
			matched = append(matched, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range matched {
		sub.handler(channel, payload)
	}
	return nil
}

func (b *MemoryBroker) Subscribe(_ context.Context, pattern string, handler func(channel string, payload []byte)) (func() error, error) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = &memorySub{pattern: pattern, handler: handler}
	b.mu.Unlock()

	cancel := func() error {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		return nil
	}
	return cancel, nil
}

func matchChannel(pattern, channel string) bool {
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(channel, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == channel
}
