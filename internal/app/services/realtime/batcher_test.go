package realtime

import (
	"testing"

	realtimeDomain "github.com/wellmesh/realtime_layer/internal/app/domain/realtime"
)

func queuedSeq(seq int) realtimeDomain.Queued {
	return realtimeDomain.NewQueued("reminder", map[string]interface{}{"seq": seq})
}

func TestMessageBatcher_PeekCommitOrder(t *testing.T) {
	b := NewMessageBatcher(10)
	for i := 0; i < 25; i++ {
		b.Enqueue("u1", queuedSeq(i))
	}

	batch := b.PeekBatch("u1")
	if len(batch) != 10 {
		t.Fatalf("peek: got %d, want 10", len(batch))
	}
	if batch[0].Body["seq"] != 0 || batch[9].Body["seq"] != 9 {
		t.Fatalf("peek out of order: first=%v last=%v", batch[0].Body["seq"], batch[9].Body["seq"])
	}

	// Peeking again without committing returns the same messages.
	again := b.PeekBatch("u1")
	if again[0].ID != batch[0].ID {
		t.Fatalf("peek consumed messages")
	}

	b.CommitBatch("u1", len(batch))
	if b.Pending("u1") != 15 {
		t.Fatalf("pending after commit: got %d, want 15", b.Pending("u1"))
	}

	next := b.PeekBatch("u1")
	if next[0].Body["seq"] != 10 {
		t.Fatalf("next batch starts at %v, want 10", next[0].Body["seq"])
	}

	b.CommitBatch("u1", len(next))
	rest := b.TakeAll("u1")
	if len(rest) != 5 || rest[0].Body["seq"] != 20 || rest[4].Body["seq"] != 24 {
		t.Fatalf("unexpected remainder: %d messages", len(rest))
	}
	if b.Pending("u1") != 0 {
		t.Fatalf("outbox not empty after take-all")
	}
}

func TestMessageBatcher_RequeuePrepends(t *testing.T) {
	b := NewMessageBatcher(10)
	b.Enqueue("u1", queuedSeq(0))
	b.Enqueue("u1", queuedSeq(1))

	taken := b.TakeAll("u1")
	b.Enqueue("u1", queuedSeq(2))
	b.Requeue("u1", taken)

	all := b.TakeAll("u1")
	if len(all) != 3 {
		t.Fatalf("got %d messages, want 3", len(all))
	}
	for i, msg := range all {
		if msg.Body["seq"] != i {
			t.Fatalf("position %d holds seq %v", i, msg.Body["seq"])
		}
	}
}

func TestMessageBatcher_PendingUsersSorted(t *testing.T) {
	b := NewMessageBatcher(0)
	b.Enqueue("u-c", queuedSeq(0))
	b.Enqueue("u-a", queuedSeq(0))
	b.Enqueue("u-b", queuedSeq(0))

	users := b.PendingUsers()
	if len(users) != 3 || users[0] != "u-a" || users[1] != "u-b" || users[2] != "u-c" {
		t.Fatalf("unexpected order: %v", users)
	}
	if b.TotalPending() != 3 {
		t.Fatalf("total pending: got %d, want 3", b.TotalPending())
	}
}

func TestMessageBatcher_CommitPastEndClearsOutbox(t *testing.T) {
	b := NewMessageBatcher(10)
	b.Enqueue("u1", queuedSeq(0))

	b.CommitBatch("u1", 5)
	if b.Pending("u1") != 0 {
		t.Fatalf("pending: got %d, want 0", b.Pending("u1"))
	}
	if users := b.PendingUsers(); len(users) != 0 {
		t.Fatalf("user still pending: %v", users)
	}
}
