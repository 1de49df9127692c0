// Package app provides the composition layer for the realtime delivery and
// offline sync engine.
//
// # Architecture Role
//
// The app package wires the engine services to their stores and manages their
// lifecycle. It is NOT a business logic layer - delivery, offline queue and
// sync semantics belong in internal/app/services/.
//
// # Package Structure
//
//	internal/app/
//	├── application.go      # Application struct, store defaults, wiring, lifecycle
//	├── domain/             # Domain models (pure data structures)
//	│   ├── realtime/       # Connections, rooms, notification envelopes
//	│   └── change/         # Offline change records and package versions
//	├── services/           # Engine services (business logic)
//	│   ├── realtime/       # Connection registry, rooms, batcher, fanout, broker
//	│   ├── offline/        # Offline message queue and package version checks
//	│   ├── changesync/     # Change sync state machine, appliers, sweep
//	│   └── codec/          # Envelope compression for the shared store
//	├── storage/            # Store interfaces and implementations
//	│   ├── interfaces.go   # OfflineMessageStore, ChangeLogStore, ...
//	│   ├── memory/         # In-memory implementation (tests, single node)
//	│   ├── redis/          # Shared Redis implementation
//	│   └── postgres/       # Archive sink for pruned change records
//	├── httpapi/            # HTTP handlers, audit trail
//	├── system/             # Lifecycle manager for background services
//	├── core/service/       # Component descriptors for the status surface
//	├── metrics/            # Prometheus registry and record helpers
//	└── runtime/            # Config-driven assembly and the HTTP server
//
// # Responsibilities
//
// The app package is responsible for:
//
//   - Composing the engine services with their stores and broker
//   - Defaulting absent stores to the in-memory implementation
//   - Registering background loops (subscriber, flusher, sweeper) with the
//     lifecycle manager in an order that keeps the shutdown drain correct
//   - Surfacing component descriptors for the status endpoint
//
// # Dependency Direction
//
// The dependency flow is:
//
//	cmd/realtimed/
//	      │
//	      ▼
//	internal/app/runtime/ (config + server)
//	      │
//	      ▼
//	internal/app/ (composition)
//	      │
//	      ├──► internal/app/services/ (engine logic)
//	      │           │
//	      │           └──► internal/app/storage/ (interfaces only)
//	      │
//	      ├──► internal/app/storage/{memory,redis,postgres} (drivers)
//	      │
//	      └──► internal/app/system/ (lifecycle)
//
// # Example: Adding a Synced Resource
//
// When a backend wants its resource (e.g. "meals") reconciled from offline
// clients:
//
//  1. Implement changesync.Applier for the resource.
//  2. Register it: app.Sync.Appliers().Register("meals", applier), wrapped in
//     changesync.RequireFields if the payload has a required shape.
//  3. Clients submit through POST /sync/users/{id}/changes; records for
//     resources without an applier fail closed.
//
// # Related Packages
//
//   - internal/app/services: delivery, offline and sync semantics
//   - internal/app/storage: store contracts and their three backends
//   - internal/app/runtime: configuration-driven assembly
//   - internal/transport: websocket sender binding
package app
