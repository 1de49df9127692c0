package changesync

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/wellmesh/realtime_layer/pkg/logger"
)

const (
	// DefaultSweepSpec is the schedule used when none is configured.
	DefaultSweepSpec = "@every 5m"

	sweepTimeout = time.Minute
)

// VersionPruner is implemented by stores that keep package versions in
// process memory and need periodic expiry. The Redis store expires keys
// natively and does not implement it.
type VersionPruner interface {
	PruneExpiredVersions(ctx context.Context) (int, error)
}

// Sweeper periodically re-runs the sync engine for every user with a change
// list, picking up records whose retry budget was left unspent when their
// owner went offline. The engine's selection rules make the sweep cheap for
// users with nothing eligible.
type Sweeper struct {
	engine *Service
	pruner VersionPruner
	spec   string
	log    *logger.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// NewSweeper creates a sweeper on the given cron schedule. pruner may be
// nil; an empty spec selects DefaultSweepSpec.
func NewSweeper(engine *Service, pruner VersionPruner, spec string, log *logger.Logger) *Sweeper {
	if log == nil {
		log = logger.NewDefault("sync-sweeper")
	}
	if strings.TrimSpace(spec) == "" {
		spec = DefaultSweepSpec
	}
	return &Sweeper{engine: engine, pruner: pruner, spec: spec, log: log}
}

// Name implements system.Service.
func (w *Sweeper) Name() string {
	return "sync-sweeper"
}

// Start schedules the sweep. Calling Start on a running sweeper is a no-op.
func (w *Sweeper) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(w.spec, w.sweep); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", w.spec, err)
	}
	c.Start()

	w.cron = c
	w.running = true
	w.log.WithField("schedule", w.spec).Info("sweeper started")
	return nil
}

// Stop cancels the schedule and waits for an in-flight sweep to finish.
func (w *Sweeper) Stop(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return nil
	}
	w.running = false

	done := w.cron.Stop().Done()
	w.cron = nil

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	w.log.Info("sweeper stopped")
	return nil
}

func (w *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	report, err := w.engine.RunAll(ctx)
	if err != nil {
		w.log.WithError(err).Warn("sweep failed")
	} else if report.Selected > 0 || report.Pruned > 0 {
		w.log.WithField("selected", report.Selected).
			WithField("completed", report.Completed).
			WithField("failed", report.Failed).
			WithField("pruned", report.Pruned).
			Info("sweep finished")
	}

	if w.pruner != nil {
		n, err := w.pruner.PruneExpiredVersions(ctx)
		switch {
		case err != nil:
			w.log.WithError(err).Warn("version prune failed")
		case n > 0:
			w.log.WithField("pruned_versions", n).Debug("expired package versions dropped")
		}
	}
}
