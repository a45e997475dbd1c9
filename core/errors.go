package core

import (
	"errors"
	"fmt"

	"github.com/signalsfoundry/traffic-simulator/model"
)

var (
	// ErrRejectedHandoff is returned by a provider's AcceptVehicle when its
	// capacity or geometric constraints cannot host the vehicle at the seed
	// state. The ownership manager retries on later ticks up to a bound.
	ErrRejectedHandoff = errors.New("handoff rejected")
	// ErrUnknownVehicle indicates an operation referenced a vehicle the
	// provider does not own.
	ErrUnknownVehicle = errors.New("unknown vehicle")
	// ErrUnknownProvider indicates a zone or handoff referenced a provider
	// that was never registered.
	ErrUnknownProvider = errors.New("unknown provider")
	// ErrProviderFull indicates a provider rejected a vehicle because it is
	// at capacity. Wraps ErrRejectedHandoff semantics at accept time.
	ErrProviderFull = errors.New("provider at capacity")
	// ErrNoLane indicates no lane could be found near a position.
	ErrNoLane = errors.New("no lane near position")
	// ErrNotSeeded indicates the store was used before initial population.
	ErrNotSeeded = errors.New("store has no committed snapshot")
)

// StaleVehicleError reports a vehicle that no provider proposed a state for
// during a tick. The coordinator recovers by dropping the vehicle from the
// next snapshot; the condition is logged, never fatal.
type StaleVehicleError struct {
	Vehicle model.VehicleID
	Owner   model.ProviderID
	Tick    uint64
}

func (e *StaleVehicleError) Error() string {
	return fmt.Sprintf("stale vehicle %s: owner %s proposed no state at tick %d", e.Vehicle, e.Owner, e.Tick)
}

// ProviderFaultError reports a provider that errored or timed out during
// Step. One fault is isolated: the provider's proposals are discarded and
// its vehicles freeze for the tick. Consecutive faults beyond the configured
// threshold make the error fatal for the run.
type ProviderFaultError struct {
	Provider    model.ProviderID
	Tick        uint64
	Consecutive int
	Err         error
}

func (e *ProviderFaultError) Error() string {
	return fmt.Sprintf("provider %s faulted at tick %d (consecutive=%d): %v", e.Provider, e.Tick, e.Consecutive, e.Err)
}

func (e *ProviderFaultError) Unwrap() error { return e.Err }

// StuckVehicleError reports a handoff that exhausted its retry budget. The
// vehicle stays frozen under its last-good owner and the condition is
// surfaced to the caller; it is never silently dropped.
type StuckVehicleError struct {
	Vehicle  model.VehicleID
	From     model.ProviderID
	To       model.ProviderID
	Attempts int
}

func (e *StuckVehicleError) Error() string {
	return fmt.Sprintf("vehicle %s stuck: handoff %s -> %s rejected %d times", e.Vehicle, e.From, e.To, e.Attempts)
}

// InvariantViolationError indicates a logic defect such as two providers
// proposing for one vehicle or an ownerless vehicle at commit time. It is
// always fatal; the run aborts rather than committing a corrupt snapshot.
type InvariantViolationError struct {
	Tick   uint64
	Reason string
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("invariant violation at tick %d: %s", e.Tick, e.Reason)
}
