package changesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/wellmesh/realtime_layer/internal/app/core/service"
	"github.com/wellmesh/realtime_layer/internal/app/domain/change"
	"github.com/wellmesh/realtime_layer/internal/app/metrics"
	"github.com/wellmesh/realtime_layer/internal/app/storage"
	"github.com/wellmesh/realtime_layer/pkg/logger"
)

const (
	// RetryLimit caps automatic retries for a failed change. Records at the
	// limit stay failed until an explicit reset.
	RetryLimit = 3

	// DefaultMaxBatch bounds how many records of one (resource, resourceId)
	// group a single run processes.
	DefaultMaxBatch = 50

	// CompletedRetention is how long completed records stay in the hot list
	// before a run prunes them.
	CompletedRetention = 7 * 24 * time.Hour
)

// Submission is one client-made change handed to SaveOfflineChanges.
type Submission struct {
	Resource   string           `json:"resource"`
	ResourceID string           `json:"resourceId"`
	Operation  change.Operation `json:"operation"`
	Data       json.RawMessage  `json:"data,omitempty"`
}

// RunReport summarizes one engine pass over a user's change list.
type RunReport struct {
	Selected  int `json:"selected"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Pruned    int `json:"pruned"`
}

func (r *RunReport) add(other RunReport) {
	r.Selected += other.Selected
	r.Completed += other.Completed
	r.Failed += other.Failed
	r.Pruned += other.Pruned
}

// Service is the sync engine. It owns every mutation of the per-user change
// lists: accepting submissions, applying them through registered appliers
// with bounded retries, and pruning completed records past retention.
//
// List updates are read-modify-write with no cross-process transaction;
// concurrent runs for the same user can race and lose updates.
type Service struct {
	changes  storage.ChangeLogStore
	archive  storage.ChangeArchive
	appliers *ApplierRegistry
	maxBatch int
	log      *logger.Logger
}

// New builds the engine. archive may be nil to skip archival on prune;
// maxBatch <= 0 selects DefaultMaxBatch.
func New(changes storage.ChangeLogStore, archive storage.ChangeArchive, appliers *ApplierRegistry, maxBatch int, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("changesync")
	}
	if appliers == nil {
		appliers = NewApplierRegistry()
	}
	if maxBatch <= 0 {
		maxBatch = DefaultMaxBatch
	}
	return &Service{
		changes:  changes,
		archive:  archive,
		appliers: appliers,
		maxBatch: maxBatch,
		log:      log,
	}
}

// Appliers returns the registry used to bind resource appliers.
func (s *Service) Appliers() *ApplierRegistry {
	return s.appliers
}

// Describe advertises this component on the status surface. Registered
// applier resources show up as extra capabilities.
func (s *Service) Describe() service.Descriptor {
	d := service.Descriptor{
		Name:         "changesync",
		Domain:       "sync",
		Layer:        service.LayerEngine,
		Capabilities: []string{"offline-changes", "bounded-retries", "archive"},
	}
	return d.WithCapabilities(s.appliers.Resources()...)
}

// SaveOfflineChanges records a batch of client changes and triggers a sync
// run. Malformed submissions are kept as terminal failed records so the
// client can see what was rejected and resubmit a corrected change. The
// returned count is the number of records accepted for sync. A failing
// trigger run is logged, not returned; the submission itself has already
// been persisted.
func (s *Service) SaveOfflineChanges(ctx context.Context, userID string, subs []Submission) (int, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return 0, fmt.Errorf("user_id is required")
	}
	if len(subs) == 0 {
		return 0, nil
	}

	now := time.Now().UTC()
	records := make([]change.Record, 0, len(subs))
	accepted := 0
	for _, sub := range subs {
		rec := change.Record{
			Resource:    strings.TrimSpace(sub.Resource),
			ResourceID:  strings.TrimSpace(sub.ResourceID),
			Operation:   sub.Operation,
			Data:        sub.Data,
			SubmittedAt: now,
			Status:      change.StatusPending,
		}
		if msg := validateSubmission(rec); msg != "" {
			rec.Status = change.StatusFailed
			rec.RetryCount = RetryLimit
			rec.Error = msg
		} else {
			accepted++
		}
		records = append(records, rec)
	}

	if err := s.changes.AppendChanges(ctx, userID, records); err != nil {
		return 0, fmt.Errorf("append changes: %w", err)
	}
	metrics.RecordSyncChange("accepted", accepted)
	metrics.RecordSyncChange("rejected", len(records)-accepted)

	s.log.WithField("user_id", userID).
		WithField("accepted", accepted).
		WithField("rejected", len(records)-accepted).
		Info("offline changes saved")

	if _, err := s.RunSync(ctx, userID); err != nil {
		s.log.WithError(err).WithField("user_id", userID).Warn("post-save sync run failed")
	}
	return accepted, nil
}

func validateSubmission(rec change.Record) string {
	switch {
	case rec.Resource == "":
		return "resource is required"
	case rec.ResourceID == "":
		return "resource_id is required"
	case !rec.Operation.Valid():
		return fmt.Sprintf("unknown operation %q", rec.Operation)
	}
	return ""
}

// RunSync makes one pass over the user's change list: it selects eligible
// records, applies each (resource, resourceId) group in submission order,
// prunes completed records past retention, and writes the list back once.
func (s *Service) RunSync(ctx context.Context, userID string) (RunReport, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return RunReport{}, fmt.Errorf("user_id is required")
	}

	started := time.Now()
	var report RunReport

	list, err := s.changes.ListChanges(ctx, userID)
	if err != nil {
		metrics.RecordSyncRun("error", time.Since(started))
		return report, fmt.Errorf("list changes: %w", err)
	}
	if len(list) == 0 {
		metrics.RecordSyncRun("ok", time.Since(started))
		return report, nil
	}

	groups := s.selectGroups(list)
	keys := make([]change.GroupKey, 0, len(groups))
	for key := range groups {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Resource != keys[j].Resource {
			return keys[i].Resource < keys[j].Resource
		}
		return keys[i].ResourceID < keys[j].ResourceID
	})

	for _, key := range keys {
		recs := groups[key]
		completed, failed := s.runGroup(ctx, userID, recs)
		report.Selected += len(recs)
		report.Completed += completed
		report.Failed += failed
	}

	keep, pruned := s.prune(ctx, userID, list)
	report.Pruned = pruned

	if report.Selected == 0 && pruned == 0 {
		metrics.RecordSyncRun("ok", time.Since(started))
		return report, nil
	}

	if err := s.changes.ReplaceChanges(ctx, userID, keep); err != nil {
		metrics.RecordSyncRun("error", time.Since(started))
		return report, fmt.Errorf("persist changes: %w", err)
	}

	metrics.RecordSyncRun("ok", time.Since(started))
	metrics.RecordSyncChange("completed", report.Completed)
	metrics.RecordSyncChange("failed", report.Failed)
	metrics.RecordSyncChange("pruned", pruned)

	s.log.WithField("user_id", userID).
		WithField("selected", report.Selected).
		WithField("completed", report.Completed).
		WithField("failed", report.Failed).
		WithField("pruned", pruned).
		Info("sync run finished")
	return report, nil
}

// selectGroups picks the records this run will process, bucketed by
// (resource, resourceId) and ordered oldest first within each bucket. The
// returned pointers alias the caller's slice so status transitions land in
// the list that gets written back.
func (s *Service) selectGroups(list []change.Record) map[change.GroupKey][]*change.Record {
	groups := make(map[change.GroupKey][]*change.Record)
	for i := range list {
		rec := &list[i]
		switch rec.Status {
		case change.StatusPending:
		case change.StatusFailed:
			if rec.RetryCount >= RetryLimit {
				continue
			}
			// Retrying is only worth it when an applier exists; failed
			// records for unknown resources stay parked for operator review.
			if _, ok := s.appliers.Lookup(rec.Resource); !ok {
				continue
			}
		default:
			continue
		}
		key := rec.Key()
		groups[key] = append(groups[key], rec)
	}
	for key, recs := range groups {
		sort.SliceStable(recs, func(i, j int) bool {
			return recs[i].SubmittedAt.Before(recs[j].SubmittedAt)
		})
		if len(recs) > s.maxBatch {
			groups[key] = recs[:s.maxBatch]
		}
	}
	return groups
}

// runGroup applies one (resource, resourceId) bucket in order. A panicking
// applier rolls every in-flight record to failed so nothing stays stuck in
// syncing.
func (s *Service) runGroup(ctx context.Context, userID string, recs []*change.Record) (completed, failed int) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		for _, rec := range recs {
			if rec.Status == change.StatusSyncing {
				rec.Status = change.StatusFailed
				rec.RetryCount++
				rec.Error = fmt.Sprintf("sync aborted: %v", r)
				failed++
			}
		}
		s.log.WithField("user_id", userID).Errorf("change group aborted: %v", r)
	}()

	for _, rec := range recs {
		rec.Status = change.StatusSyncing

		applier, ok := s.appliers.Lookup(rec.Resource)
		if !ok {
			// Terminal right away, retry count untouched.
			rec.Status = change.StatusFailed
			rec.Error = fmt.Sprintf("no applier registered for %s", rec.Resource)
			failed++
			continue
		}

		applied, err := applier.Apply(ctx, userID, *rec)
		switch {
		case err == nil && applied:
			rec.Status = change.StatusCompleted
			rec.SyncedAt = time.Now().UTC()
			rec.Error = ""
			completed++
		case errors.Is(err, ErrValidation):
			rec.Status = change.StatusFailed
			rec.RetryCount = RetryLimit
			rec.Error = err.Error()
			failed++
		default:
			rec.Status = change.StatusFailed
			rec.RetryCount++
			if err != nil {
				rec.Error = err.Error()
			} else {
				rec.Error = "change rejected"
			}
			failed++
		}
	}
	return completed, failed
}

func staleCompleted(rec change.Record, cutoff time.Time) bool {
	return rec.Status == change.StatusCompleted && !rec.SyncedAt.IsZero() && rec.SyncedAt.Before(cutoff)
}

// prune drops completed records older than the retention window, handing
// them to the archive first when one is wired. An archive failure keeps the
// records in the hot list for the next run.
func (s *Service) prune(ctx context.Context, userID string, list []change.Record) ([]change.Record, int) {
	cutoff := time.Now().Add(-CompletedRetention)

	var stale []change.Record
	for _, rec := range list {
		if staleCompleted(rec, cutoff) {
			stale = append(stale, rec)
		}
	}
	if len(stale) == 0 {
		return list, 0
	}

	if s.archive != nil {
		if err := s.archive.ArchiveChanges(ctx, userID, stale); err != nil {
			s.log.WithError(err).WithField("user_id", userID).Warn("archive failed; keeping completed records")
			return list, 0
		}
	}

	keep := make([]change.Record, 0, len(list)-len(stale))
	for _, rec := range list {
		if !staleCompleted(rec, cutoff) {
			keep = append(keep, rec)
		}
	}
	return keep, len(stale)
}

// Status returns the scan-derived aggregate of the user's change list.
func (s *Service) Status(ctx context.Context, userID string) (change.Summary, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return change.Summary{}, fmt.Errorf("user_id is required")
	}
	list, err := s.changes.ListChanges(ctx, userID)
	if err != nil {
		return change.Summary{}, fmt.Errorf("list changes: %w", err)
	}
	return change.Summarize(list), nil
}

// ListChanges returns the user's raw change records, oldest first.
func (s *Service) ListChanges(ctx context.Context, userID string) ([]change.Record, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("user_id is required")
	}
	list, err := s.changes.ListChanges(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list changes: %w", err)
	}
	return list, nil
}

// ResetFailed rewinds every failed record to pending with a fresh retry
// budget, then triggers a run. This is the operator lever for records parked
// at the retry limit or failed for a resource that had no applier.
func (s *Service) ResetFailed(ctx context.Context, userID string) (int, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return 0, fmt.Errorf("user_id is required")
	}

	list, err := s.changes.ListChanges(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("list changes: %w", err)
	}

	reset := 0
	for i := range list {
		if list[i].Status != change.StatusFailed {
			continue
		}
		list[i].Status = change.StatusPending
		list[i].RetryCount = 0
		list[i].Error = ""
		reset++
	}
	if reset == 0 {
		return 0, nil
	}

	if err := s.changes.ReplaceChanges(ctx, userID, list); err != nil {
		return 0, fmt.Errorf("persist changes: %w", err)
	}
	s.log.WithField("user_id", userID).WithField("reset", reset).Info("failed changes reset")

	if _, err := s.RunSync(ctx, userID); err != nil {
		s.log.WithError(err).WithField("user_id", userID).Warn("post-reset sync run failed")
	}
	return reset, nil
}

// RunAll runs the engine for every user that currently has a change list.
// Per-user failures are logged and skipped so one bad list cannot stall a
// sweep.
func (s *Service) RunAll(ctx context.Context) (RunReport, error) {
	users, err := s.changes.ChangeUsers(ctx)
	if err != nil {
		return RunReport{}, fmt.Errorf("list change users: %w", err)
	}

	var total RunReport
	for _, userID := range users {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
		report, err := s.RunSync(ctx, userID)
		if err != nil {
			s.log.WithError(err).WithField("user_id", userID).Warn("sweep run failed")
			continue
		}
		total.add(report)
	}
	return total, nil
}
