package core

import (
	"context"
	"time"

	"github.com/signalsfoundry/traffic-simulator/model"
)

// Provider is the uniform adapter around one heterogeneous simulation
// backend: the traffic-flow simulator, a motion planner, a physics engine,
// or an externally driven agent controller.
//
// Providers own their internal simulation state exclusively. They never
// touch the canonical store; every state change they want is expressed as a
// Proposal and reconciled by the coordinator.
type Provider interface {
	// ID returns the provider's stable identity.
	ID() model.ProviderID

	// Capabilities returns the provider's declared capability set. The
	// ownership manager checks AcceptsHandoff before attempting any
	// transfer, so providers are polymorphic over one declared set rather
	// than probed ad hoc.
	Capabilities() model.Capabilities

	// Step advances the provider by one tick of duration dt and returns
	// proposed states for the vehicles it owns. Internal sub-stepping is
	// the provider's business; externally there is exactly one Step per
	// tick. inbound carries the last committed states of vehicles the
	// provider does NOT own, so it can react to the rest of the world
	// without ever seeing another provider's in-flight proposal.
	//
	// Providers that originate or retire vehicles report them with
	// ProposalNew / ProposalRemove entries.
	Step(ctx context.Context, dt time.Duration, inbound []model.VehicleState) ([]model.Proposal, error)

	// AcceptVehicle asks the provider to take ownership of a vehicle,
	// seeded with its last-known-good state. It returns an error wrapping
	// ErrRejectedHandoff when the provider cannot host the vehicle at the
	// seed (occupied lane, capacity, no route). A provider re-accepting a
	// vehicle it released moments earlier with the same seed must succeed.
	AcceptVehicle(id model.VehicleID, seed model.VehicleState) error

	// ReleaseVehicle removes the vehicle from the provider's control and
	// returns its last-known state, used to seed the destination.
	ReleaseVehicle(id model.VehicleID) (model.VehicleState, error)
}

// ControlSink is implemented by providers that take per-vehicle control
// input from outside the core (the externally driven agent adapter, the
// physics ego adapter). It is the only channel by which an agent's desired
// action reaches its owning provider before the next Step.
type ControlSink interface {
	SetControl(id model.VehicleID, c Control) error
}

// Control is one agent action applied at the next Step.
type Control struct {
	// Throttle in [-1, 1]; negative values brake.
	Throttle float64
	// Steering is the front wheel angle in radians.
	Steering float64
	// TargetSpeed, when positive, overrides Throttle with a speed
	// setpoint for direct-drive providers.
	TargetSpeed float64
}
