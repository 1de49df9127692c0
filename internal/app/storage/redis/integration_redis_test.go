//go:build integration && redis

package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/wellmesh/realtime_layer/internal/app/domain/change"
	"github.com/wellmesh/realtime_layer/internal/app/domain/realtime"
	"github.com/wellmesh/realtime_layer/internal/app/services/codec"
	"github.com/wellmesh/realtime_layer/internal/app/storage"
)

// Integration test against a live Redis to ensure the list, set and string
// layouts behave with real persistence.
func TestIntegrationRedis(t *testing.T) {
	_ = godotenv.Load() // allow .env for local runs
	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		t.Skip("REDIS_URL not set; skipping Redis integration")
	}

	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		t.Fatalf("parse redis url: %v", err)
	}
	client := goredis.NewClient(opts)
	defer client.Close()

	ctx := context.Background()
	store := New(client, codec.New())
	if err := store.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}

	userID := "it-" + uuid.NewString()
	t.Cleanup(func() {
		_ = client.Del(ctx, messagesKey(userID), changesKey(userID), versionKey(userID, "recipes")).Err()
		_ = client.SRem(ctx, changeUsersKey, userID).Err()
	})

	// Offline queue: overflow past the cap keeps only the newest entries.
	var batch []realtime.Queued
	for i := 0; i < storage.DefaultQueueCap+50; i++ {
		batch = append(batch, realtime.NewQueued("reminder", map[string]interface{}{"seq": i}))
	}
	if err := store.PushMessages(ctx, userID, batch); err != nil {
		t.Fatalf("push messages: %v", err)
	}
	n, err := store.QueueLength(ctx, userID)
	if err != nil {
		t.Fatalf("queue length: %v", err)
	}
	if n != storage.DefaultQueueCap {
		t.Fatalf("queue length: got %d, want %d", n, storage.DefaultQueueCap)
	}

	drained, err := store.DrainMessages(ctx, userID)
	if err != nil {
		t.Fatalf("drain messages: %v", err)
	}
	if len(drained) != storage.DefaultQueueCap {
		t.Fatalf("drained: got %d, want %d", len(drained), storage.DefaultQueueCap)
	}
	if got := drained[0].Body["seq"]; got != float64(50) {
		t.Fatalf("oldest surviving seq: got %v, want 50", got)
	}
	again, err := store.DrainMessages(ctx, userID)
	if err != nil {
		t.Fatalf("drain again: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("second drain returned %d messages", len(again))
	}

	// Change log: append, list, index membership, replace-to-empty.
	rec := change.Record{
		Resource:    "recipes",
		ResourceID:  "r-1",
		Operation:   change.OperationUpdate,
		Data:        json.RawMessage(`{"name":"overnight oats"}`),
		SubmittedAt: time.Now().UTC().Truncate(time.Millisecond),
		Status:      change.StatusPending,
	}
	if err := store.AppendChanges(ctx, userID, []change.Record{rec}); err != nil {
		t.Fatalf("append changes: %v", err)
	}
	listed, err := store.ListChanges(ctx, userID)
	if err != nil {
		t.Fatalf("list changes: %v", err)
	}
	if len(listed) != 1 || listed[0].Resource != "recipes" || listed[0].Status != change.StatusPending {
		t.Fatalf("unexpected change list: %+v", listed)
	}
	users, err := store.ChangeUsers(ctx)
	if err != nil {
		t.Fatalf("change users: %v", err)
	}
	if !containsString(users, userID) {
		t.Fatalf("index missing %s: %v", userID, users)
	}
	if err := store.ReplaceChanges(ctx, userID, nil); err != nil {
		t.Fatalf("replace changes: %v", err)
	}
	users, err = store.ChangeUsers(ctx)
	if err != nil {
		t.Fatalf("change users after clear: %v", err)
	}
	if containsString(users, userID) {
		t.Fatalf("index still contains %s after clear", userID)
	}

	// Package versions: set, get, and a miss for an unknown resource.
	version := change.PackageVersion{VersionHash: fmt.Sprintf("sha-%d", time.Now().Unix()), GeneratedAt: time.Now().UTC().Truncate(time.Second)}
	if err := store.SetPackageVersion(ctx, userID, "recipes", version); err != nil {
		t.Fatalf("set version: %v", err)
	}
	got, ok, err := store.GetPackageVersion(ctx, userID, "recipes")
	if err != nil {
		t.Fatalf("get version: %v", err)
	}
	if !ok || got.VersionHash != version.VersionHash {
		t.Fatalf("version mismatch: ok=%v got=%+v", ok, got)
	}
	if _, ok, err := store.GetPackageVersion(ctx, userID, "workouts"); err != nil || ok {
		t.Fatalf("expected miss for unknown resource: ok=%v err=%v", ok, err)
	}
}

func containsString(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
