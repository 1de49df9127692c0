package storage

import (
	"context"
	"time"

	"github.com/wellmesh/realtime_layer/internal/app/domain/change"
	"github.com/wellmesh/realtime_layer/internal/app/domain/realtime"
)

// Shared key-value layout (logical names):
//
//	offline:version:{userId}:{resourceId} -> PackageVersion   (7-day TTL)
//	offline:changes:{userId}              -> []change.Record  (30-day TTL on the list)
//	offline:messages:{userId}             -> []envelope       (capped, most recent kept)
const (
	ChangeListTTL     = 30 * 24 * time.Hour
	PackageVersionTTL = 7 * 24 * time.Hour

	// DefaultQueueCap bounds the per-user offline backlog. Overflow drops the
	// oldest entries silently.
	DefaultQueueCap = 100
)

// OfflineMessageStore holds the bounded per-user backlog of undelivered
// notifications. Push appends and truncates to the most recent entries; Drain
// reads then clears (read-then-clear is acceptable because the messages are
// idempotent and advisory).
type OfflineMessageStore interface {
	PushMessages(ctx context.Context, userID string, msgs []realtime.Queued) error
	DrainMessages(ctx context.Context, userID string) ([]realtime.Queued, error)
	QueueLength(ctx context.Context, userID string) (int, error)
}

// ChangeLogStore holds the per-user ordered list of client change records.
// All writes follow read-modify-write with no cross-process transaction;
// concurrent writers for the same user can race and lose updates. That is a
// documented limitation of the engine, not of any single implementation.
type ChangeLogStore interface {
	AppendChanges(ctx context.Context, userID string, records []change.Record) error
	ListChanges(ctx context.Context, userID string) ([]change.Record, error)
	ReplaceChanges(ctx context.Context, userID string, records []change.Record) error
	// ChangeUsers lists users that currently have a change list, for the
	// maintenance sweep.
	ChangeUsers(ctx context.Context) ([]string, error)
}

// PackageVersionStore tracks the content hash of each user's generated
// offline bundles, keyed by resource.
type PackageVersionStore interface {
	SetPackageVersion(ctx context.Context, userID, resourceID string, v change.PackageVersion) error
	GetPackageVersion(ctx context.Context, userID, resourceID string) (change.PackageVersion, bool, error)
}

// ChangeArchive receives completed change records as the engine prunes them
// from the hot list. Archival is best-effort; failures must not block the
// sync run.
type ChangeArchive interface {
	ArchiveChanges(ctx context.Context, userID string, records []change.Record) error
}
