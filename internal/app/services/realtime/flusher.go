package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/wellmesh/realtime_layer/internal/app/system"
	"github.com/wellmesh/realtime_layer/pkg/logger"
)

// DefaultFlushInterval is the cadence of the batch delivery loop.
const DefaultFlushInterval = 100 * time.Millisecond

var _ system.Service = (*Flusher)(nil)

// Flusher drives the periodic delivery pass over queued outboxes. Stopping
// it spills whatever is still queued to the offline store after a final
// delivery attempt.
type Flusher struct {
	service  *Service
	log      *logger.Logger
	interval time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewFlusher creates a lifecycle-managed delivery loop.
func NewFlusher(service *Service, interval time.Duration, log *logger.Logger) *Flusher {
	if log == nil {
		log = logger.NewDefault("realtime-flusher")
	}
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	return &Flusher{
		service:  service,
		log:      log,
		interval: interval,
	}
}

func (f *Flusher) Name() string { return "realtime-flusher" }

func (f *Flusher) Start(ctx context.Context) error {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	f.cancel = cancel
	f.running = true
	f.mu.Unlock()

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		ticker := time.NewTicker(f.interval)
		defer ticker.Stop()

		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				f.service.FlushAll(runCtx)
			}
		}
	}()

	f.log.WithField("interval", f.interval.String()).Info("delivery loop started")
	return nil
}

func (f *Flusher) Stop(ctx context.Context) error {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return nil
	}
	cancel := f.cancel
	f.running = false
	f.cancel = nil
	f.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	// One last delivery attempt, then park the rest offline so nothing is
	// lost across the restart.
	f.service.FlushAll(ctx)
	f.service.SpillAll(ctx)

	f.log.Info("delivery loop stopped")
	return nil
}
