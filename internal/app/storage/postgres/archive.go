package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/wellmesh/realtime_layer/internal/app/domain/change"
	"github.com/wellmesh/realtime_layer/internal/app/storage"
)

// Archive persists completed change records dropped from the hot store by
// retention, backed by PostgreSQL.
type Archive struct {
	db *sql.DB
}

var _ storage.ChangeArchive = (*Archive)(nil)

// New creates an Archive using the provided database handle.
func New(db *sql.DB) *Archive {
	return &Archive{db: db}
}

// EnsureSchema creates the archive table when it does not exist yet.
func (a *Archive) EnsureSchema(ctx context.Context) error {
	_, err := a.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS sync_change_archive (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			resource TEXT NOT NULL,
			resource_id TEXT NOT NULL,
			operation TEXT NOT NULL,
			data JSONB,
			submitted_at TIMESTAMPTZ NOT NULL,
			synced_at TIMESTAMPTZ,
			retry_count INTEGER NOT NULL DEFAULT 0,
			archived_at TIMESTAMPTZ NOT NULL
		)
	`)
	if err != nil {
		return err
	}
	_, err = a.db.ExecContext(ctx, `
		CREATE INDEX IF NOT EXISTS idx_sync_change_archive_user
		ON sync_change_archive (user_id, archived_at)
	`)
	return err
}

// ArchiveChanges writes the records for userID in one transaction.
func (a *Archive) ArchiveChanges(ctx context.Context, userID string, records []change.Record) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	archivedAt := time.Now().UTC()
	for _, rec := range records {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sync_change_archive (id, user_id, resource, resource_id, operation, data, submitted_at, synced_at, retry_count, archived_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`, uuid.NewString(), userID, rec.Resource, rec.ResourceID, string(rec.Operation), []byte(rec.Data), rec.SubmittedAt, toNullTime(rec.SyncedAt), rec.RetryCount, archivedAt)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ArchivedChanges returns the archived records for userID, oldest first.
func (a *Archive) ArchivedChanges(ctx context.Context, userID string) ([]change.Record, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT resource, resource_id, operation, data, submitted_at, synced_at, retry_count
		FROM sync_change_archive
		WHERE user_id = $1
		ORDER BY submitted_at
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []change.Record
	for rows.Next() {
		var (
			rec      change.Record
			op       string
			data     []byte
			syncedAt sql.NullTime
		)
		if err := rows.Scan(&rec.Resource, &rec.ResourceID, &op, &data, &rec.SubmittedAt, &syncedAt, &rec.RetryCount); err != nil {
			return nil, err
		}
		rec.Operation = change.Operation(op)
		rec.Data = data
		rec.Status = change.StatusCompleted
		if syncedAt.Valid {
			rec.SyncedAt = syncedAt.Time.UTC()
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

func toNullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
