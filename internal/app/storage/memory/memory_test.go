package memory

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/wellmesh/realtime_layer/internal/app/domain/change"
	"github.com/wellmesh/realtime_layer/internal/app/domain/realtime"
	"github.com/wellmesh/realtime_layer/internal/app/storage"
)

func TestStore_OfflineQueueKeepsNewest(t *testing.T) {
	store := New()
	ctx := context.Background()

	for i := 0; i < 150; i++ {
		msg := realtime.NewQueued("reminder", map[string]interface{}{"seq": i})
		if err := store.PushMessages(ctx, "u1", []realtime.Queued{msg}); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}

	n, err := store.QueueLength(ctx, "u1")
	if err != nil {
		t.Fatalf("queue length: %v", err)
	}
	if n != storage.DefaultQueueCap {
		t.Fatalf("queue length: got %d, want %d", n, storage.DefaultQueueCap)
	}

	drained, err := store.DrainMessages(ctx, "u1")
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(drained) != storage.DefaultQueueCap {
		t.Fatalf("drained: got %d, want %d", len(drained), storage.DefaultQueueCap)
	}
	for i, msg := range drained {
		if got := msg.Body["seq"]; got != 50+i {
			t.Fatalf("position %d: got seq %v, want %d", i, got, 50+i)
		}
	}

	again, err := store.DrainMessages(ctx, "u1")
	if err != nil {
		t.Fatalf("drain again: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("second drain returned %d messages", len(again))
	}
}

func TestStore_QueueCapAppliesPerBatch(t *testing.T) {
	store := NewWithQueueCap(5)
	ctx := context.Background()

	var batch []realtime.Queued
	for i := 0; i < 8; i++ {
		batch = append(batch, realtime.NewQueued("reminder", map[string]interface{}{"seq": i}))
	}
	if err := store.PushMessages(ctx, "u1", batch); err != nil {
		t.Fatalf("push: %v", err)
	}

	drained, err := store.DrainMessages(ctx, "u1")
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(drained) != 5 {
		t.Fatalf("drained: got %d, want 5", len(drained))
	}
	if drained[0].Body["seq"] != 3 {
		t.Fatalf("oldest surviving seq: got %v, want 3", drained[0].Body["seq"])
	}
}

func TestStore_PushClonesMessages(t *testing.T) {
	store := New()
	ctx := context.Background()

	body := map[string]interface{}{"seq": 1}
	msg := realtime.NewQueued("reminder", body)
	if err := store.PushMessages(ctx, "u1", []realtime.Queued{msg}); err != nil {
		t.Fatalf("push: %v", err)
	}
	msg.Body["seq"] = 99

	drained, err := store.DrainMessages(ctx, "u1")
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if drained[0].Body["seq"] != 1 {
		t.Fatalf("stored message mutated: %v", drained[0].Body["seq"])
	}
}

func TestStore_ChangeListLifecycle(t *testing.T) {
	store := New()
	ctx := context.Background()

	records := []change.Record{
		{Resource: "meals", ResourceID: "m-1", Operation: change.OperationCreate, Status: change.StatusPending, SubmittedAt: time.Now().UTC()},
		{Resource: "meals", ResourceID: "m-2", Operation: change.OperationUpdate, Status: change.StatusPending, SubmittedAt: time.Now().UTC(), Data: json.RawMessage(`{"kcal":300}`)},
	}
	if err := store.AppendChanges(ctx, "u1", records); err != nil {
		t.Fatalf("append: %v", err)
	}

	listed, err := store.ListChanges(ctx, "u1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(listed) != 2 {
		t.Fatalf("listed: got %d, want 2", len(listed))
	}

	listed[0].Status = change.StatusCompleted
	relisted, err := store.ListChanges(ctx, "u1")
	if err != nil {
		t.Fatalf("relist: %v", err)
	}
	if relisted[0].Status != change.StatusPending {
		t.Fatalf("list result not isolated from caller mutation")
	}

	if err := store.ReplaceChanges(ctx, "u1", listed[:1]); err != nil {
		t.Fatalf("replace: %v", err)
	}
	replaced, err := store.ListChanges(ctx, "u1")
	if err != nil {
		t.Fatalf("list after replace: %v", err)
	}
	if len(replaced) != 1 || replaced[0].ResourceID != "m-1" {
		t.Fatalf("unexpected replaced list: %+v", replaced)
	}

	if err := store.ReplaceChanges(ctx, "u1", nil); err != nil {
		t.Fatalf("clear: %v", err)
	}
	users, err := store.ChangeUsers(ctx)
	if err != nil {
		t.Fatalf("change users: %v", err)
	}
	if len(users) != 0 {
		t.Fatalf("expected no change users, got %v", users)
	}
}

func TestStore_ChangeUsersSorted(t *testing.T) {
	store := New()
	ctx := context.Background()

	rec := change.Record{Resource: "meals", ResourceID: "m-1", Operation: change.OperationCreate, Status: change.StatusPending, SubmittedAt: time.Now().UTC()}
	for _, userID := range []string{"u-c", "u-a", "u-b"} {
		if err := store.AppendChanges(ctx, userID, []change.Record{rec}); err != nil {
			t.Fatalf("append %s: %v", userID, err)
		}
	}

	users, err := store.ChangeUsers(ctx)
	if err != nil {
		t.Fatalf("change users: %v", err)
	}
	if len(users) != 3 || users[0] != "u-a" || users[1] != "u-b" || users[2] != "u-c" {
		t.Fatalf("unexpected order: %v", users)
	}
}

func TestStore_ExpiredChangeListTreatedAsAbsent(t *testing.T) {
	store := New()
	ctx := context.Background()

	rec := change.Record{Resource: "meals", ResourceID: "m-1", Operation: change.OperationCreate, Status: change.StatusPending, SubmittedAt: time.Now().UTC()}
	if err := store.AppendChanges(ctx, "u1", []change.Record{rec}); err != nil {
		t.Fatalf("append: %v", err)
	}

	store.mu.Lock()
	entry := store.changes["u1"]
	entry.expiresAt = time.Now().UTC().Add(-time.Minute)
	store.changes["u1"] = entry
	store.mu.Unlock()

	listed, err := store.ListChanges(ctx, "u1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(listed) != 0 {
		t.Fatalf("expired list still visible: %+v", listed)
	}
	users, err := store.ChangeUsers(ctx)
	if err != nil {
		t.Fatalf("change users: %v", err)
	}
	if len(users) != 0 {
		t.Fatalf("expired user still indexed: %v", users)
	}

	// A fresh append starts a new list rather than resurrecting the old one.
	if err := store.AppendChanges(ctx, "u1", []change.Record{rec}); err != nil {
		t.Fatalf("append after expiry: %v", err)
	}
	listed, err = store.ListChanges(ctx, "u1")
	if err != nil {
		t.Fatalf("list after expiry: %v", err)
	}
	if len(listed) != 1 {
		t.Fatalf("fresh list: got %d records, want 1", len(listed))
	}
}

func TestStore_PackageVersionExpiry(t *testing.T) {
	store := New()
	ctx := context.Background()

	v := change.PackageVersion{VersionHash: "sha-1", GeneratedAt: time.Now().UTC()}
	if err := store.SetPackageVersion(ctx, "u1", "recipes", v); err != nil {
		t.Fatalf("set: %v", err)
	}

	got, ok, err := store.GetPackageVersion(ctx, "u1", "recipes")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.VersionHash != "sha-1" {
		t.Fatalf("hash: got %q", got.VersionHash)
	}

	if _, ok, err := store.GetPackageVersion(ctx, "u1", "workouts"); err != nil || ok {
		t.Fatalf("expected miss: ok=%v err=%v", ok, err)
	}

	store.mu.Lock()
	entry := store.versions[versionKey("u1", "recipes")]
	entry.expiresAt = time.Now().UTC().Add(-time.Minute)
	store.versions[versionKey("u1", "recipes")] = entry
	store.mu.Unlock()

	if _, ok, err := store.GetPackageVersion(ctx, "u1", "recipes"); err != nil || ok {
		t.Fatalf("expired version still visible: ok=%v err=%v", ok, err)
	}

	pruned, err := store.PruneExpiredVersions(ctx)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if pruned != 1 {
		t.Fatalf("pruned: got %d, want 1", pruned)
	}
}

func TestStore_ArchiveChanges(t *testing.T) {
	store := New()
	ctx := context.Background()

	records := []change.Record{
		{Resource: "meals", ResourceID: "m-1", Operation: change.OperationCreate, Status: change.StatusCompleted, SubmittedAt: time.Now().UTC()},
		{Resource: "meals", ResourceID: "m-2", Operation: change.OperationDelete, Status: change.StatusCompleted, SubmittedAt: time.Now().UTC()},
	}
	if err := store.ArchiveChanges(ctx, "u1", records[:1]); err != nil {
		t.Fatalf("archive first: %v", err)
	}
	if err := store.ArchiveChanges(ctx, "u1", records[1:]); err != nil {
		t.Fatalf("archive second: %v", err)
	}

	archived := store.ArchivedChanges("u1")
	if len(archived) != 2 {
		t.Fatalf("archived: got %d, want 2", len(archived))
	}
	if archived[0].ResourceID != "m-1" || archived[1].ResourceID != "m-2" {
		t.Fatalf("archive order: %+v", archived)
	}
}
