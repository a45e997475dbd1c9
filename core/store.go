package core

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/signalsfoundry/traffic-simulator/internal/logging"
	"github.com/signalsfoundry/traffic-simulator/model"
)

// StoreMetricsRecorder receives vehicle-count updates on every commit.
type StoreMetricsRecorder interface {
	SetVehicleCounts(total int, byProvider map[model.ProviderID]int)
}

// Store is the canonical vehicle state store. It exclusively owns every
// VehicleState; providers only ever propose updates through the coordinator,
// which is the single writer.
//
// Publication is atomic: a full WorldSnapshot becomes visible at once via an
// atomic pointer swap, so readers (observation builder, telemetry feed)
// never need a lock and never see a partially-updated world.
type Store struct {
	committed atomic.Pointer[model.WorldSnapshot]

	log     logging.Logger
	metrics StoreMetricsRecorder
}

// StoreOption customises Store construction.
type StoreOption func(*Store)

// WithStoreMetrics attaches an optional metrics recorder for vehicle counts.
func WithStoreMetrics(m StoreMetricsRecorder) StoreOption {
	return func(s *Store) { s.metrics = m }
}

// NewStore creates an empty store. Seed must be called before the first
// tick runs.
func NewStore(log logging.Logger, opts ...StoreOption) *Store {
	if log == nil {
		log = logging.Noop()
	}
	s := &Store{log: log}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Seed installs the initial vehicle population as the tick-0 snapshot. It
// runs the same invariant checks as a commit.
func (s *Store) Seed(ctx context.Context, vehicles []model.VehicleState) error {
	states := make(map[model.VehicleID]model.VehicleState, len(vehicles))
	for _, v := range vehicles {
		if v.ID == "" {
			return &InvariantViolationError{Tick: 0, Reason: "seed vehicle with empty ID"}
		}
		if _, dup := states[v.ID]; dup {
			return &InvariantViolationError{Tick: 0, Reason: fmt.Sprintf("duplicate seed vehicle %s", v.ID)}
		}
		states[v.ID] = v
	}
	return s.Commit(ctx, 0, states)
}

// Committed returns the last committed snapshot, or nil before Seed.
func (s *Store) Committed() *model.WorldSnapshot {
	return s.committed.Load()
}

// WorkingCopy returns a mutable copy of the last committed vehicle states
// for the coordinator to reconcile against.
func (s *Store) WorkingCopy() (map[model.VehicleID]model.VehicleState, error) {
	snap := s.committed.Load()
	if snap == nil {
		return nil, ErrNotSeeded
	}
	out := make(map[model.VehicleID]model.VehicleState, snap.Len())
	for _, v := range snap.Vehicles() {
		out[v.ID] = v
	}
	return out, nil
}

// Commit validates and publishes a new snapshot for the given tick. The
// commit enforces the ownership invariant: every vehicle maps to exactly one
// provider, never none. Tick indices must advance by exactly one.
func (s *Store) Commit(ctx context.Context, tick uint64, vehicles map[model.VehicleID]model.VehicleState) error {
	if prev := s.committed.Load(); prev != nil && tick != prev.Tick+1 {
		return &InvariantViolationError{
			Tick:   tick,
			Reason: fmt.Sprintf("commit tick %d does not follow committed tick %d", tick, prev.Tick),
		}
	}

	byProvider := make(map[model.ProviderID]int)
	for id, v := range vehicles {
		if v.Owner == model.ProviderNone {
			return &InvariantViolationError{
				Tick:   tick,
				Reason: fmt.Sprintf("vehicle %s is ownerless at commit", id),
			}
		}
		if v.ID != id {
			return &InvariantViolationError{
				Tick:   tick,
				Reason: fmt.Sprintf("vehicle keyed %s carries ID %s", id, v.ID),
			}
		}
		byProvider[v.Owner]++
	}

	snap := model.NewWorldSnapshot(tick, vehicles)
	s.committed.Store(snap)

	if s.metrics != nil {
		s.metrics.SetVehicleCounts(snap.Len(), byProvider)
	}
	s.log.Debug(ctx, "snapshot committed",
		logging.Uint64("tick", tick),
		logging.Int("vehicles", snap.Len()),
	)
	return nil
}
