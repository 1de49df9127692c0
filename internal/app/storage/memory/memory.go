package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/wellmesh/realtime_layer/internal/app/domain/change"
	"github.com/wellmesh/realtime_layer/internal/app/domain/realtime"
	"github.com/wellmesh/realtime_layer/internal/app/storage"
)

// Store is an in-memory implementation of the storage interfaces. It is safe
// for concurrent use and is primarily intended for tests, local development
// and single-node deployments without a shared store.
type Store struct {
	mu       sync.RWMutex
	queueCap int
	queues   map[string][]realtime.Queued
	changes  map[string]changeList
	versions map[string]versionEntry
	archived map[string][]change.Record
}

type changeList struct {
	records   []change.Record
	expiresAt time.Time
}

type versionEntry struct {
	version   change.PackageVersion
	expiresAt time.Time
}

var _ storage.OfflineMessageStore = (*Store)(nil)
var _ storage.ChangeLogStore = (*Store)(nil)
var _ storage.PackageVersionStore = (*Store)(nil)
var _ storage.ChangeArchive = (*Store)(nil)

// New creates an empty store with the default offline queue cap.
func New() *Store {
	return NewWithQueueCap(storage.DefaultQueueCap)
}

// NewWithQueueCap creates an empty store keeping at most limit offline
// messages per user.
func NewWithQueueCap(limit int) *Store {
	if limit <= 0 {
		limit = storage.DefaultQueueCap
	}
	return &Store{
		queueCap: limit,
		queues:   make(map[string][]realtime.Queued),
		changes:  make(map[string]changeList),
		versions: make(map[string]versionEntry),
		archived: make(map[string][]change.Record),
	}
}

// OfflineMessageStore implementation ------------------------------------------

func (s *Store) PushMessages(_ context.Context, userID string, msgs []realtime.Queued) error {
	if len(msgs) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	queue := append(s.queues[userID], cloneQueuedSlice(msgs)...)
	if len(queue) > s.queueCap {
		queue = queue[len(queue)-s.queueCap:]
	}
	s.queues[userID] = queue
	return nil
}

func (s *Store) DrainMessages(_ context.Context, userID string) ([]realtime.Queued, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	queue := s.queues[userID]
	delete(s.queues, userID)
	return queue, nil
}

func (s *Store) QueueLength(_ context.Context, userID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.queues[userID]), nil
}

// ChangeLogStore implementation ------------------------------------------------

func (s *Store) AppendChanges(_ context.Context, userID string, records []change.Record) error {
	if len(records) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.liveChangesLocked(userID)
	list = append(list, cloneRecordSlice(records)...)
	s.changes[userID] = changeList{
		records:   list,
		expiresAt: time.Now().UTC().Add(storage.ChangeListTTL),
	}
	return nil
}

func (s *Store) ListChanges(_ context.Context, userID string) ([]change.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.changes[userID]
	if !ok || time.Now().UTC().After(entry.expiresAt) {
		return nil, nil
	}
	return cloneRecordSlice(entry.records), nil
}

func (s *Store) ReplaceChanges(_ context.Context, userID string, records []change.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(records) == 0 {
		delete(s.changes, userID)
		return nil
	}
	s.changes[userID] = changeList{
		records:   cloneRecordSlice(records),
		expiresAt: time.Now().UTC().Add(storage.ChangeListTTL),
	}
	return nil
}

func (s *Store) ChangeUsers(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now().UTC()
	users := make([]string, 0, len(s.changes))
	for userID, entry := range s.changes {
		if now.After(entry.expiresAt) {
			continue
		}
		users = append(users, userID)
	}
	sort.Strings(users)
	return users, nil
}

// liveChangesLocked returns the user's current list, treating an expired list
// as absent. Callers must hold the write lock.
func (s *Store) liveChangesLocked(userID string) []change.Record {
	entry, ok := s.changes[userID]
	if !ok || time.Now().UTC().After(entry.expiresAt) {
		return nil
	}
	return entry.records
}

// PackageVersionStore implementation -------------------------------------------

func (s *Store) SetPackageVersion(_ context.Context, userID, resourceID string, v change.PackageVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.versions[versionKey(userID, resourceID)] = versionEntry{
		version:   v,
		expiresAt: time.Now().UTC().Add(storage.PackageVersionTTL),
	}
	return nil
}

func (s *Store) GetPackageVersion(_ context.Context, userID, resourceID string) (change.PackageVersion, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.versions[versionKey(userID, resourceID)]
	if !ok || time.Now().UTC().After(entry.expiresAt) {
		return change.PackageVersion{}, false, nil
	}
	return entry.version, true, nil
}

// PruneExpiredVersions removes expired package versions and expired change
// lists. The shared-store implementation relies on key TTLs instead; here the
// maintenance sweep calls this periodically.
func (s *Store) PruneExpiredVersions(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	pruned := 0
	for key, entry := range s.versions {
		if now.After(entry.expiresAt) {
			delete(s.versions, key)
			pruned++
		}
	}
	for userID, entry := range s.changes {
		if now.After(entry.expiresAt) {
			delete(s.changes, userID)
			pruned++
		}
	}
	return pruned, nil
}

// ChangeArchive implementation ---------------------------------------------------

func (s *Store) ArchiveChanges(_ context.Context, userID string, records []change.Record) error {
	if len(records) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.archived[userID] = append(s.archived[userID], cloneRecordSlice(records)...)
	return nil
}

// ArchivedChanges returns the records archived for a user. Test helper.
func (s *Store) ArchivedChanges(userID string) []change.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return cloneRecordSlice(s.archived[userID])
}

// Helpers --------------------------------------------------------------------

func versionKey(userID, resourceID string) string {
	return userID + ":" + resourceID
}

func cloneQueuedSlice(msgs []realtime.Queued) []realtime.Queued {
	out := make([]realtime.Queued, len(msgs))
	for i, m := range msgs {
		out[i] = cloneQueued(m)
	}
	return out
}

func cloneQueued(m realtime.Queued) realtime.Queued {
	if m.Body != nil {
		body := make(map[string]interface{}, len(m.Body))
		for k, v := range m.Body {
			body[k] = v
		}
		m.Body = body
	}
	return m
}

func cloneRecordSlice(records []change.Record) []change.Record {
	out := make([]change.Record, len(records))
	for i, r := range records {
		out[i] = cloneRecord(r)
	}
	return out
}

func cloneRecord(r change.Record) change.Record {
	if r.Data != nil {
		r.Data = append([]byte(nil), r.Data...)
	}
	return r
}
