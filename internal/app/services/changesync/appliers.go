// Package changesync reconciles client-submitted offline changes against
// backend state through per-resource appliers, with bounded retries and
// retention of the per-user change log.
package changesync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/tidwall/gjson"

	"github.com/wellmesh/realtime_layer/internal/app/domain/change"
)

// ErrValidation marks an applier failure that no retry can fix. Records
// failing with it are parked at the retry limit immediately.
var ErrValidation = errors.New("validation failed")

// Applier persists one change of a single resource type. Returning false
// without an error rejects the change; it stays retryable. Errors wrapping
// ErrValidation are terminal.
type Applier interface {
	Apply(ctx context.Context, userID string, rec change.Record) (bool, error)
}

// ApplierFunc adapts a function to the Applier interface.
type ApplierFunc func(ctx context.Context, userID string, rec change.Record) (bool, error)

func (f ApplierFunc) Apply(ctx context.Context, userID string, rec change.Record) (bool, error) {
	return f(ctx, userID, rec)
}

// ApplierRegistry maps resource names to their applier. Resources without a
// registered applier fail closed.
type ApplierRegistry struct {
	mu       sync.RWMutex
	appliers map[string]Applier
}

// NewApplierRegistry creates an empty registry.
func NewApplierRegistry() *ApplierRegistry {
	return &ApplierRegistry{appliers: make(map[string]Applier)}
}

// Register binds an applier to a resource name.
func (r *ApplierRegistry) Register(resource string, a Applier) error {
	if resource == "" {
		return fmt.Errorf("resource name is required")
	}
	if a == nil {
		return fmt.Errorf("applier for %s is nil", resource)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.appliers[resource]; exists {
		return fmt.Errorf("applier for %s already registered", resource)
	}
	r.appliers[resource] = a
	return nil
}

// Lookup returns the applier for resource.
func (r *ApplierRegistry) Lookup(resource string) (Applier, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.appliers[resource]
	return a, ok
}

// Resources returns the registered resource names in lexical order.
func (r *ApplierRegistry) Resources() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.appliers))
	for name := range r.appliers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RequireFields wraps an applier with payload validation: create and update
// changes must carry every listed field in their data document. Missing
// fields fail terminally.
func RequireFields(next Applier, fields ...string) Applier {
	return ApplierFunc(func(ctx context.Context, userID string, rec change.Record) (bool, error) {
		if rec.Operation != change.OperationDelete {
			for _, field := range fields {
				if !gjson.GetBytes(rec.Data, field).Exists() {
					return false, fmt.Errorf("%w: missing field %q", ErrValidation, field)
				}
			}
		}
		return next.Apply(ctx, userID, rec)
	})
}
