package core

import (
	"context"
	"errors"
	"testing"

	"github.com/signalsfoundry/traffic-simulator/model"
)

func TestStoreSeedPublishesTickZero(t *testing.T) {
	s := NewStore(nil)
	ctx := context.Background()

	if s.Committed() != nil {
		t.Fatalf("expected no snapshot before Seed")
	}
	if _, err := s.WorkingCopy(); !errors.Is(err, ErrNotSeeded) {
		t.Fatalf("WorkingCopy before Seed: got %v, want ErrNotSeeded", err)
	}

	err := s.Seed(ctx, []model.VehicleState{
		vehicleAt("v1", "alpha", 0, 0),
		vehicleAt("v2", "beta", 10, 0),
	})
	if err != nil {
		t.Fatalf("Seed: %v", err)
	}

	snap := s.Committed()
	if snap == nil {
		t.Fatalf("expected committed snapshot after Seed")
	}
	if snap.Tick != 0 {
		t.Errorf("seed snapshot tick = %d, want 0", snap.Tick)
	}
	if snap.Len() != 2 {
		t.Errorf("seed snapshot has %d vehicles, want 2", snap.Len())
	}
}

func TestStoreSeedRejectsDuplicatesAndEmptyIDs(t *testing.T) {
	ctx := context.Background()

	err := NewStore(nil).Seed(ctx, []model.VehicleState{
		vehicleAt("v1", "alpha", 0, 0),
		vehicleAt("v1", "beta", 5, 0),
	})
	var iv *InvariantViolationError
	if !errors.As(err, &iv) {
		t.Fatalf("duplicate seed IDs: got %v, want InvariantViolationError", err)
	}

	err = NewStore(nil).Seed(ctx, []model.VehicleState{vehicleAt("", "alpha", 0, 0)})
	if !errors.As(err, &iv) {
		t.Fatalf("empty seed ID: got %v, want InvariantViolationError", err)
	}
}

func TestStoreCommitEnforcesTickMonotonicity(t *testing.T) {
	s := NewStore(nil)
	ctx := context.Background()
	if err := s.Seed(ctx, []model.VehicleState{vehicleAt("v1", "alpha", 0, 0)}); err != nil {
		t.Fatalf("Seed: %v", err)
	}

	working, err := s.WorkingCopy()
	if err != nil {
		t.Fatalf("WorkingCopy: %v", err)
	}

	// Skipping a tick must be rejected.
	var iv *InvariantViolationError
	if err := s.Commit(ctx, 2, working); !errors.As(err, &iv) {
		t.Fatalf("commit at tick 2 after tick 0: got %v, want InvariantViolationError", err)
	}
	// Repeating the committed tick must be rejected too.
	if err := s.Commit(ctx, 0, working); !errors.As(err, &iv) {
		t.Fatalf("commit at tick 0 after tick 0: got %v, want InvariantViolationError", err)
	}

	if err := s.Commit(ctx, 1, working); err != nil {
		t.Fatalf("commit at tick 1: %v", err)
	}
	if got := s.Committed().Tick; got != 1 {
		t.Errorf("committed tick = %d, want 1", got)
	}
}

func TestStoreCommitRejectsOwnerlessVehicle(t *testing.T) {
	s := NewStore(nil)
	ctx := context.Background()
	if err := s.Seed(ctx, []model.VehicleState{vehicleAt("v1", "alpha", 0, 0)}); err != nil {
		t.Fatalf("Seed: %v", err)
	}

	working, _ := s.WorkingCopy()
	v := working["v1"]
	v.Owner = model.ProviderNone
	working["v1"] = v

	var iv *InvariantViolationError
	if err := s.Commit(ctx, 1, working); !errors.As(err, &iv) {
		t.Fatalf("ownerless commit: got %v, want InvariantViolationError", err)
	}
	// The bad commit must not have been published.
	if got := s.Committed().Tick; got != 0 {
		t.Errorf("committed tick after rejected commit = %d, want 0", got)
	}
}

func TestStoreCommitRejectsKeyMismatch(t *testing.T) {
	s := NewStore(nil)
	ctx := context.Background()
	if err := s.Seed(ctx, []model.VehicleState{vehicleAt("v1", "alpha", 0, 0)}); err != nil {
		t.Fatalf("Seed: %v", err)
	}

	working, _ := s.WorkingCopy()
	working["v2"] = vehicleAt("v1", "alpha", 1, 0)

	var iv *InvariantViolationError
	if err := s.Commit(ctx, 1, working); !errors.As(err, &iv) {
		t.Fatalf("mismatched key commit: got %v, want InvariantViolationError", err)
	}
}

func TestStoreWorkingCopyIsIsolated(t *testing.T) {
	s := NewStore(nil)
	ctx := context.Background()
	if err := s.Seed(ctx, []model.VehicleState{vehicleAt("v1", "alpha", 0, 0)}); err != nil {
		t.Fatalf("Seed: %v", err)
	}

	working, _ := s.WorkingCopy()
	v := working["v1"]
	v.Pose.Position.X = 999
	working["v1"] = v
	delete(working, "v1")

	got, ok := s.Committed().Vehicle("v1")
	if !ok {
		t.Fatalf("v1 missing from committed snapshot after working-copy mutation")
	}
	if got.Pose.Position.X != 0 {
		t.Errorf("committed v1.X = %f, want 0 (working copy leaked)", got.Pose.Position.X)
	}
}

func TestStoreCommitDrivesMetrics(t *testing.T) {
	rec := &capturingStoreMetrics{}
	s := NewStore(nil, WithStoreMetrics(rec))
	ctx := context.Background()

	err := s.Seed(ctx, []model.VehicleState{
		vehicleAt("v1", "alpha", 0, 0),
		vehicleAt("v2", "alpha", 10, 0),
		vehicleAt("v3", "beta", 20, 0),
	})
	if err != nil {
		t.Fatalf("Seed: %v", err)
	}

	if rec.total != 3 {
		t.Errorf("metrics total = %d, want 3", rec.total)
	}
	if rec.byProvider["alpha"] != 2 || rec.byProvider["beta"] != 1 {
		t.Errorf("metrics byProvider = %v, want alpha=2 beta=1", rec.byProvider)
	}
}

type capturingStoreMetrics struct {
	total      int
	byProvider map[model.ProviderID]int
}

func (c *capturingStoreMetrics) SetVehicleCounts(total int, byProvider map[model.ProviderID]int) {
	c.total = total
	c.byProvider = byProvider
}
