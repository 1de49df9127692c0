package changesync

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/wellmesh/realtime_layer/internal/app/domain/change"
	"github.com/wellmesh/realtime_layer/internal/app/storage/memory"
)

func TestApplierRegistry_Register(t *testing.T) {
	reg := NewApplierRegistry()
	ok := ApplierFunc(func(context.Context, string, change.Record) (bool, error) { return true, nil })

	if err := reg.Register("", ok); err == nil {
		t.Fatal("expected error for empty resource name")
	}
	if err := reg.Register("meals", nil); err == nil {
		t.Fatal("expected error for nil applier")
	}
	if err := reg.Register("meals", ok); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Register("meals", ok); err == nil {
		t.Fatal("expected error for duplicate registration")
	}
	if err := reg.Register("workouts", ok); err != nil {
		t.Fatalf("register second resource: %v", err)
	}

	if _, found := reg.Lookup("meals"); !found {
		t.Fatal("registered applier not found")
	}
	if _, found := reg.Lookup("recipes"); found {
		t.Fatal("lookup of unregistered resource succeeded")
	}

	want := []string{"meals", "workouts"}
	if got := reg.Resources(); !reflect.DeepEqual(got, want) {
		t.Fatalf("resources = %v, want %v", got, want)
	}
}

func TestRequireFields_MissingFieldIsTerminal(t *testing.T) {
	inner := ApplierFunc(func(context.Context, string, change.Record) (bool, error) { return true, nil })
	applier := RequireFields(inner, "name", "servings")

	rec := change.Record{
		Resource:    "recipes",
		ResourceID:  "r-1",
		Operation:   change.OperationCreate,
		Data:        json.RawMessage(`{"name":"overnight oats"}`),
		SubmittedAt: time.Now(),
	}
	ok, err := applier.Apply(context.Background(), "u1", rec)
	if ok {
		t.Fatal("apply succeeded despite missing field")
	}
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("error = %v, want ErrValidation", err)
	}

	rec.Data = json.RawMessage(`{"name":"overnight oats","servings":2}`)
	ok, err = applier.Apply(context.Background(), "u1", rec)
	if err != nil || !ok {
		t.Fatalf("apply with complete payload = %v %v", ok, err)
	}
}

func TestRequireFields_DeleteSkipsPayloadChecks(t *testing.T) {
	inner := ApplierFunc(func(context.Context, string, change.Record) (bool, error) { return true, nil })
	applier := RequireFields(inner, "name")

	rec := change.Record{
		Resource:   "recipes",
		ResourceID: "r-1",
		Operation:  change.OperationDelete,
	}
	ok, err := applier.Apply(context.Background(), "u1", rec)
	if err != nil || !ok {
		t.Fatalf("delete without payload = %v %v, want accepted", ok, err)
	}
}

func TestRequireFields_TerminalThroughEngine(t *testing.T) {
	inner := ApplierFunc(func(context.Context, string, change.Record) (bool, error) { return true, nil })
	reg := NewApplierRegistry()
	if err := reg.Register("recipes", RequireFields(inner, "name")); err != nil {
		t.Fatalf("register: %v", err)
	}

	store := memory.New()
	svc := newTestEngine(store, nil, reg, 0)
	ctx := context.Background()

	if _, err := svc.SaveOfflineChanges(ctx, "u1", []Submission{
		{Resource: "recipes", ResourceID: "r-1", Operation: change.OperationCreate, Data: json.RawMessage(`{"title":"wrong key"}`)},
	}); err != nil {
		t.Fatalf("save offline changes: %v", err)
	}

	list, err := store.ListChanges(ctx, "u1")
	if err != nil {
		t.Fatalf("list changes: %v", err)
	}
	rec := list[0]
	if rec.Status != change.StatusFailed {
		t.Fatalf("status = %s, want failed", rec.Status)
	}
	if rec.RetryCount != RetryLimit {
		t.Fatalf("retryCount = %d, want %d (validation failures burn the budget)", rec.RetryCount, RetryLimit)
	}

	report, err := svc.RunSync(ctx, "u1")
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if report.Selected != 0 {
		t.Fatalf("second run selected %d, want 0", report.Selected)
	}
}
