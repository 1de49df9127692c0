package realtime

import (
	"sort"
	"sync"

	"github.com/wellmesh/realtime_layer/internal/app/domain/realtime"
)

// DefaultBatchSize is the most messages delivered to one user per flush.
const DefaultBatchSize = 10

// MessageBatcher accumulates outgoing messages per user between flushes.
// Messages keep their enqueue order; the flush loop peeks a batch, attempts
// delivery and commits only on success, so a failed delivery leaves the
// outbox untouched.
type MessageBatcher struct {
	mu        sync.Mutex
	batchSize int
	outboxes  map[string][]realtime.Queued
}

// NewMessageBatcher creates a batcher delivering at most batchSize messages
// per user per flush. Non-positive sizes fall back to the default.
func NewMessageBatcher(batchSize int) *MessageBatcher {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &MessageBatcher{
		batchSize: batchSize,
		outboxes:  make(map[string][]realtime.Queued),
	}
}

// Enqueue appends msg to the user's outbox.
func (b *MessageBatcher) Enqueue(userID string, msg realtime.Queued) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.outboxes[userID] = append(b.outboxes[userID], msg)
}

// Requeue puts msgs back at the front of the user's outbox, ahead of anything
// enqueued since they were taken.
func (b *MessageBatcher) Requeue(userID string, msgs []realtime.Queued) {
	if len(msgs) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.outboxes[userID] = append(append([]realtime.Queued(nil), msgs...), b.outboxes[userID]...)
}

// PeekBatch returns up to batchSize messages from the front of the user's
// outbox without removing them.
func (b *MessageBatcher) PeekBatch(userID string) []realtime.Queued {
	b.mu.Lock()
	defer b.mu.Unlock()

	outbox := b.outboxes[userID]
	n := len(outbox)
	if n == 0 {
		return nil
	}
	if n > b.batchSize {
		n = b.batchSize
	}
	return append([]realtime.Queued(nil), outbox[:n]...)
}

// CommitBatch removes the first n messages from the user's outbox after a
// successful delivery.
func (b *MessageBatcher) CommitBatch(userID string, n int) {
	if n <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	outbox := b.outboxes[userID]
	if n >= len(outbox) {
		delete(b.outboxes, userID)
		return
	}
	b.outboxes[userID] = outbox[n:]
}

// TakeAll removes and returns the user's entire outbox.
func (b *MessageBatcher) TakeAll(userID string) []realtime.Queued {
	b.mu.Lock()
	defer b.mu.Unlock()

	outbox := b.outboxes[userID]
	delete(b.outboxes, userID)
	return outbox
}

// PendingUsers returns users with a non-empty outbox in lexical order.
func (b *MessageBatcher) PendingUsers() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	users := make([]string, 0, len(b.outboxes))
	for userID := range b.outboxes {
		users = append(users, userID)
	}
	sort.Strings(users)
	return users
}

// Pending returns the number of messages queued for userID.
func (b *MessageBatcher) Pending(userID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.outboxes[userID])
}

// TotalPending returns the number of queued messages across all users.
func (b *MessageBatcher) TotalPending() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	total := 0
	for _, outbox := range b.outboxes {
		total += len(outbox)
	}
	return total
}
