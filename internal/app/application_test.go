package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wellmesh/realtime_layer/internal/app/domain/change"
	"github.com/wellmesh/realtime_layer/internal/app/services/changesync"
	"github.com/wellmesh/realtime_layer/pkg/logger"
)

func discardLogger() *logger.Logger {
	log := logger.NewDefault("app-test")
	log.SetOutput(io.Discard)
	return log
}

// collectSender gathers every envelope delivered to a connection, unwrapping
// batch frames so assertions see individual messages.
type collectSender struct {
	mu     sync.Mutex
	bodies []map[string]interface{}
}

func (s *collectSender) Send(_ context.Context, payload map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if payload["type"] == "batch" {
		if msgs, ok := payload["messages"].([]map[string]interface{}); ok {
			s.bodies = append(s.bodies, msgs...)
			return nil
		}
	}
	s.bodies = append(s.bodies, payload)
	return nil
}

func (s *collectSender) Close() error { return nil }

func (s *collectSender) typed(msgType string) []map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []map[string]interface{}
	for _, b := range s.bodies {
		if b["type"] == msgType {
			out = append(out, b)
		}
	}
	return out
}

func TestEngineDeliveryScenario(t *testing.T) {
	application, err := New(Stores{}, Options{FlushInterval: 20 * time.Millisecond}, discardLogger())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, application.Start(ctx))
	t.Cleanup(func() { require.NoError(t, application.Stop(context.Background())) })

	require.Len(t, application.Descriptors(), 3)

	sender := &collectSender{}
	_, err = application.Realtime.Connect(ctx, "ava", sender, map[string]string{"agent": "test"})
	require.NoError(t, err)

	joined, err := application.Realtime.JoinRoom(ctx, "team", "t1", "ava")
	require.NoError(t, err)
	require.True(t, joined)

	_, err = application.Realtime.SendRoomNotification(ctx, "team", "t1", "team_update", map[string]interface{}{"score": 3}, false)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(sender.typed("team_update")) == 1
	}, 2*time.Second, 10*time.Millisecond, "room notification should reach the member")

	// Dropping the connection parks the next direct notification offline.
	require.NoError(t, application.Realtime.Disconnect(ctx, "ava"))
	_, err = application.Realtime.SendUserNotification(ctx, "ava", "hydration_nudge", map[string]interface{}{"cups": 2})
	require.NoError(t, err)

	queued, err := application.Offline.QueueLength(ctx, "ava")
	require.NoError(t, err)
	require.Equal(t, 1, queued)

	// Reconnecting replays the backlog through the delivery loop.
	fresh := &collectSender{}
	_, err = application.Realtime.Connect(ctx, "ava", fresh, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(fresh.typed("hydration_nudge")) == 1
	}, 2*time.Second, 10*time.Millisecond, "backlog should replay on connect")

	queued, err = application.Offline.QueueLength(ctx, "ava")
	require.NoError(t, err)
	require.Zero(t, queued)
}

func TestOfflineQueueOverflowScenario(t *testing.T) {
	application, err := New(Stores{}, Options{FlushInterval: time.Hour}, discardLogger())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, application.Start(ctx))
	t.Cleanup(func() { _ = application.Stop(context.Background()) })

	for i := 0; i < 150; i++ {
		_, err := application.Realtime.SendUserNotification(ctx, "noah", "reminder", map[string]interface{}{"seq": i})
		require.NoError(t, err)
	}

	queued, err := application.Offline.QueueLength(ctx, "noah")
	require.NoError(t, err)
	require.Equal(t, 100, queued)

	msgs, err := application.Offline.DrainMessages(ctx, "noah")
	require.NoError(t, err)
	require.Len(t, msgs, 100)
	require.Equal(t, 50, msgs[0].Body["seq"], "overflow drops the oldest entries")
	require.Equal(t, 149, msgs[99].Body["seq"])

	again, err := application.Offline.DrainMessages(ctx, "noah")
	require.NoError(t, err)
	require.Empty(t, again)
}

func TestChangeRetryScenario(t *testing.T) {
	application, err := New(Stores{}, Options{FlushInterval: time.Hour}, discardLogger())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, application.Start(ctx))
	t.Cleanup(func() { _ = application.Stop(context.Background()) })

	// The update to T1 fails twice before the backend accepts it; everything
	// else applies first try.
	var mu sync.Mutex
	attempts := make(map[string]int)
	applier := changesync.ApplierFunc(func(_ context.Context, _ string, rec change.Record) (bool, error) {
		mu.Lock()
		defer mu.Unlock()
		key := string(rec.Operation) + ":" + rec.ResourceID
		attempts[key]++
		if rec.Operation == change.OperationUpdate && attempts[key] <= 2 {
			return false, fmt.Errorf("upstream unavailable")
		}
		return true, nil
	})
	require.NoError(t, application.Sync.Appliers().Register("team", applier))

	submit := func(op change.Operation, doc string) {
		_, err := application.Sync.SaveOfflineChanges(ctx, "dana", []changesync.Submission{{
			Resource:   "team",
			ResourceID: "T1",
			Operation:  op,
			Data:       json.RawMessage(doc),
		}})
		require.NoError(t, err)
	}

	submit(change.OperationCreate, `{"name":"morning crew"}`)
	submit(change.OperationUpdate, `{"name":"night crew"}`)
	submit(change.OperationDelete, `{}`)

	_, err = application.Sync.RunSync(ctx, "dana")
	require.NoError(t, err)

	summary, err := application.Sync.Status(ctx, "dana")
	require.NoError(t, err)
	require.Equal(t, 3, summary.Total)
	require.Equal(t, 3, summary.Completed)
	require.Zero(t, summary.Failed)

	records, err := application.Sync.ListChanges(ctx, "dana")
	require.NoError(t, err)
	require.Len(t, records, 3)
	for _, rec := range records {
		require.Equal(t, change.StatusCompleted, rec.Status)
		if rec.Operation == change.OperationUpdate {
			require.Equal(t, 2, rec.RetryCount, "both transient failures should be counted")
		} else {
			require.Zero(t, rec.RetryCount)
		}
	}
}

type probeService struct {
	name   string
	mu     *sync.Mutex
	events *[]string
}

func (p probeService) Name() string { return p.name }

func (p probeService) Start(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	*p.events = append(*p.events, p.name+":start")
	return nil
}

func (p probeService) Stop(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	*p.events = append(*p.events, p.name+":stop")
	return nil
}

func TestApplicationAttachLifecycle(t *testing.T) {
	application, err := New(Stores{}, Options{FlushInterval: time.Hour}, discardLogger())
	require.NoError(t, err)

	var mu sync.Mutex
	var events []string
	require.NoError(t, application.Attach(probeService{name: "probe-a", mu: &mu, events: &events}))
	require.NoError(t, application.Attach(probeService{name: "probe-b", mu: &mu, events: &events}))

	ctx := context.Background()
	require.NoError(t, application.Start(ctx))

	require.Error(t, application.Attach(probeService{name: "probe-c", mu: &mu, events: &events}),
		"registration after start is rejected")

	require.NoError(t, application.Stop(ctx))
	require.Equal(t, []string{"probe-a:start", "probe-b:start", "probe-b:stop", "probe-a:stop"}, events,
		"attached services stop in reverse order")
}
