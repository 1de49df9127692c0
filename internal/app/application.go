package app

import (
	"context"
	"fmt"
	"time"

	"github.com/wellmesh/realtime_layer/internal/app/core/service"
	"github.com/wellmesh/realtime_layer/internal/app/services/changesync"
	"github.com/wellmesh/realtime_layer/internal/app/services/offline"
	"github.com/wellmesh/realtime_layer/internal/app/services/realtime"
	"github.com/wellmesh/realtime_layer/internal/app/storage"
	"github.com/wellmesh/realtime_layer/internal/app/storage/memory"
	"github.com/wellmesh/realtime_layer/internal/app/system"
	"github.com/wellmesh/realtime_layer/pkg/logger"
)

// Stores encapsulates persistence dependencies. Nil stores default to the
// in-memory implementation. Archive is optional; when nil, completed change
// records are dropped on GC instead of being copied to a relational sink.
type Stores struct {
	OfflineMessages storage.OfflineMessageStore
	Changes         storage.ChangeLogStore
	PackageVersions storage.PackageVersionStore
	Archive         storage.ChangeArchive
}

// Options tunes the delivery and maintenance loops. Zero values select the
// documented defaults.
type Options struct {
	// Broker carries envelopes between engine instances. Nil defaults to
	// the in-process broker, which is correct for single-node runs and
	// tests only.
	Broker        realtime.Broker
	FlushInterval time.Duration
	BatchSize     int
	SyncMaxBatch  int
	SweepSpec     string
}

// Application ties the engine services together and manages their lifecycle.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	Realtime *realtime.Service
	Offline  *offline.Service
	Sync     *changesync.Service
}

// New builds a fully initialised application with the provided stores.
func New(stores Stores, opts Options, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}

	mem := memory.New()
	if stores.OfflineMessages == nil {
		stores.OfflineMessages = mem
	}
	if stores.Changes == nil {
		stores.Changes = mem
	}
	if stores.PackageVersions == nil {
		stores.PackageVersions = mem
	}

	broker := opts.Broker
	if broker == nil {
		broker = realtime.NewMemoryBroker()
	}

	manager := system.NewManager()

	registry := realtime.NewConnectionRegistry()
	rooms := realtime.NewRoomRegistry()
	batcher := realtime.NewMessageBatcher(opts.BatchSize)
	fanout := realtime.NewFanout(broker, log)
	realtimeSvc := realtime.New(registry, rooms, batcher, fanout, stores.OfflineMessages, log)

	appliers := changesync.NewApplierRegistry()
	engine := changesync.New(stores.Changes, stores.Archive, appliers, opts.SyncMaxBatch, log)
	offlineSvc := offline.New(stores.OfflineMessages, stores.PackageVersions, log)

	// Expired package versions need active pruning only when the backing
	// store keeps them in process memory; Redis entries expire on their own.
	var pruner changesync.VersionPruner
	if p, ok := stores.PackageVersions.(changesync.VersionPruner); ok {
		pruner = p
	}

	subscriber := realtime.NewSubscriber(realtimeSvc, broker, log)
	flusher := realtime.NewFlusher(realtimeSvc, opts.FlushInterval, log)
	sweeper := changesync.NewSweeper(engine, pruner, opts.SweepSpec, log)

	// The subscriber registers first so it is the last thing stopped:
	// the flusher's final drain still sees broadcasts that arrived while
	// shutdown was underway.
	for _, svc := range []system.Service{subscriber, flusher, sweeper} {
		if err := manager.Register(svc); err != nil {
			return nil, fmt.Errorf("register %s: %w", svc.Name(), err)
		}
	}

	return &Application{
		manager:  manager,
		log:      log,
		Realtime: realtimeSvc,
		Offline:  offlineSvc,
		Sync:     engine,
	}, nil
}

// Descriptors lists the components this engine process runs, for the status
// surface.
func (a *Application) Descriptors() []service.Descriptor {
	return []service.Descriptor{
		a.Realtime.Describe(),
		a.Offline.Describe(),
		a.Sync.Describe(),
	}
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(svc system.Service) error {
	return a.manager.Register(svc)
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all services.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}
