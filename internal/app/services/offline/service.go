// Package offline exposes the client-facing offline surface: the bounded
// backlog of undelivered notifications and the version bookkeeping for
// generated offline data bundles.
package offline

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/wellmesh/realtime_layer/internal/app/core/service"
	"github.com/wellmesh/realtime_layer/internal/app/domain/change"
	"github.com/wellmesh/realtime_layer/internal/app/domain/realtime"
	"github.com/wellmesh/realtime_layer/internal/app/metrics"
	"github.com/wellmesh/realtime_layer/internal/app/storage"
	"github.com/wellmesh/realtime_layer/pkg/logger"
)

// Service answers queue and bundle-version queries for clients that have
// been disconnected. Delivery itself lives in the realtime service; this one
// only reads what delivery left behind.
type Service struct {
	messages storage.OfflineMessageStore
	versions storage.PackageVersionStore
	log      *logger.Logger
}

// New wires the offline surface over the given stores.
func New(messages storage.OfflineMessageStore, versions storage.PackageVersionStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("offline")
	}
	return &Service{messages: messages, versions: versions, log: log}
}

// Describe advertises this component on the status surface.
func (s *Service) Describe() service.Descriptor {
	return service.Descriptor{
		Name:         "offline",
		Domain:       "offline",
		Layer:        service.LayerEngine,
		Capabilities: []string{"message-queue", "package-versions", "refresh-check"},
	}
}

// QueueLength reports how many notifications wait in the user's backlog.
func (s *Service) QueueLength(ctx context.Context, userID string) (int, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return 0, fmt.Errorf("user_id is required")
	}
	n, err := s.messages.QueueLength(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("queue length: %w", err)
	}
	return n, nil
}

// DrainMessages returns the user's backlog, oldest first, and clears it.
// Callers that cannot deliver what they received will not see the messages
// again; the backlog is advisory by contract.
func (s *Service) DrainMessages(ctx context.Context, userID string) ([]realtime.Queued, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("user_id is required")
	}
	msgs, err := s.messages.DrainMessages(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("drain messages: %w", err)
	}
	if len(msgs) > 0 {
		metrics.RecordOfflineDrained(len(msgs))
		s.log.WithField("user_id", userID).WithField("count", len(msgs)).Info("offline backlog drained")
	}
	return msgs, nil
}

// RecordPackageVersion stores the content hash of a freshly generated bundle
// and stamps the generation time.
func (s *Service) RecordPackageVersion(ctx context.Context, userID, resourceID, versionHash string) (change.PackageVersion, error) {
	userID = strings.TrimSpace(userID)
	resourceID = strings.TrimSpace(resourceID)
	versionHash = strings.TrimSpace(versionHash)
	switch {
	case userID == "":
		return change.PackageVersion{}, fmt.Errorf("user_id is required")
	case resourceID == "":
		return change.PackageVersion{}, fmt.Errorf("resource_id is required")
	case versionHash == "":
		return change.PackageVersion{}, fmt.Errorf("version_hash is required")
	}

	v := change.PackageVersion{VersionHash: versionHash, GeneratedAt: time.Now().UTC()}
	if err := s.versions.SetPackageVersion(ctx, userID, resourceID, v); err != nil {
		return change.PackageVersion{}, fmt.Errorf("set package version: %w", err)
	}
	s.log.WithField("user_id", userID).
		WithField("resource_id", resourceID).
		WithField("version_hash", versionHash).
		Info("package version recorded")
	return v, nil
}

// PackageVersion returns the recorded version of one bundle; found is false
// when none was recorded within the retention window.
func (s *Service) PackageVersion(ctx context.Context, userID, resourceID string) (change.PackageVersion, bool, error) {
	userID = strings.TrimSpace(userID)
	resourceID = strings.TrimSpace(resourceID)
	switch {
	case userID == "":
		return change.PackageVersion{}, false, fmt.Errorf("user_id is required")
	case resourceID == "":
		return change.PackageVersion{}, false, fmt.Errorf("resource_id is required")
	}
	v, found, err := s.versions.GetPackageVersion(ctx, userID, resourceID)
	if err != nil {
		return change.PackageVersion{}, false, fmt.Errorf("get package version: %w", err)
	}
	return v, found, nil
}

// RefreshCheck compares the client's bundle hashes against the recorded
// versions and returns the resource ids whose bundles are stale, in lexical
// order. A resource with no recorded version is fresh: the client already
// holds the newest bundle the server knows about. Lookup failures are logged
// and treated as fresh so a store outage never triggers a mass refresh.
func (s *Service) RefreshCheck(ctx context.Context, userID string, clientHashes map[string]string) ([]string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("user_id is required")
	}
	if len(clientHashes) == 0 {
		return []string{}, nil
	}

	resourceIDs := make([]string, 0, len(clientHashes))
	for resourceID := range clientHashes {
		resourceIDs = append(resourceIDs, resourceID)
	}
	sort.Strings(resourceIDs)

	stale := make([]string, 0, len(resourceIDs))
	for _, resourceID := range resourceIDs {
		v, found, err := s.versions.GetPackageVersion(ctx, userID, resourceID)
		if err != nil {
			s.log.WithError(err).
				WithField("user_id", userID).
				WithField("resource_id", resourceID).
				Warn("version lookup failed; treating bundle as fresh")
			continue
		}
		if found && v.VersionHash != clientHashes[resourceID] {
			stale = append(stale, resourceID)
		}
	}
	return stale, nil
}
