package change

import (
	"encoding/json"
	"time"
)

// Operation is the kind of mutation a client made while offline.
type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// Valid reports whether op is one of the recognised operations.
func (op Operation) Valid() bool {
	switch op {
	case OperationCreate, OperationUpdate, OperationDelete:
		return true
	}
	return false
}

// Status is the sync state of one change record.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSyncing   Status = "syncing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Record is one client-submitted change awaiting application to canonical
// state. Records are stored per user as an ordered JSON list and are mutated
// only by the sync engine.
type Record struct {
	Resource    string          `json:"resource"`
	ResourceID  string          `json:"resourceId"`
	Operation   Operation       `json:"operation"`
	Data        json.RawMessage `json:"data,omitempty"`
	SubmittedAt time.Time       `json:"submittedAt"`
	Status      Status          `json:"status"`
	RetryCount  int             `json:"retryCount"`
	Error       string          `json:"error,omitempty"`
	SyncedAt    time.Time       `json:"syncedAt,omitempty"`
}

// GroupKey identifies the (resource, resourceId) bucket a record belongs to.
// Changes within one bucket apply in submission order.
type GroupKey struct {
	Resource   string
	ResourceID string
}

// Key returns the record's group key.
func (r Record) Key() GroupKey {
	return GroupKey{Resource: r.Resource, ResourceID: r.ResourceID}
}

// Summary is the scan-derived aggregate a client polls for sync progress.
// Syncing records count as pending; no separate counters are maintained, so
// the summary can never drift from the list itself.
type Summary struct {
	Total           int       `json:"total"`
	Pending         int       `json:"pending"`
	Completed       int       `json:"completed"`
	Failed          int       `json:"failed"`
	LastSyncAttempt time.Time `json:"lastSyncAttempt,omitempty"`
}

// Summarize computes the aggregate view of a user's change list.
func Summarize(records []Record) Summary {
	var s Summary
	s.Total = len(records)
	for _, r := range records {
		switch r.Status {
		case StatusCompleted:
			s.Completed++
		case StatusFailed:
			s.Failed++
		default:
			s.Pending++
		}
		if r.SyncedAt.After(s.LastSyncAttempt) {
			s.LastSyncAttempt = r.SyncedAt
		}
	}
	return s
}

// PackageVersion records the content hash of a user's generated offline
// bundle for one resource, used to answer "does the client need a refresh?".
type PackageVersion struct {
	VersionHash string    `json:"versionHash"`
	GeneratedAt time.Time `json:"generatedAt"`
}
