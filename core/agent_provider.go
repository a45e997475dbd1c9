package core

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/signalsfoundry/traffic-simulator/model"
)

// ExternalAgentProvider hosts vehicles whose motion is decided entirely
// outside the core (a training wrapper, a remote policy). Desired actions
// arrive through SetControl before a tick; Step applies them as a direct
// kinematic drive: TargetSpeed sets the speed, Steering acts as a heading
// rate. A vehicle with no fresh action coasts on its last one.
type ExternalAgentProvider struct {
	id model.ProviderID

	mu       sync.Mutex
	vehicles map[model.VehicleID]*agentVehicle
}

type agentVehicle struct {
	pose    model.Pose
	speed   float64
	dims    model.Dimensions
	control Control
}

// NewExternalAgentProvider creates an empty external-agent provider.
func NewExternalAgentProvider(id model.ProviderID) *ExternalAgentProvider {
	return &ExternalAgentProvider{
		id:       id,
		vehicles: make(map[model.VehicleID]*agentVehicle),
	}
}

// ID implements Provider.
func (a *ExternalAgentProvider) ID() model.ProviderID { return a.id }

// Capabilities implements Provider.
func (a *ExternalAgentProvider) Capabilities() model.Capabilities {
	return model.Capabilities{Originates: false, AcceptsHandoff: true, SubSteps: 1}
}

// SetControl implements ControlSink.
func (a *ExternalAgentProvider) SetControl(id model.VehicleID, c Control) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	v, ok := a.vehicles[id]
	if !ok {
		return fmt.Errorf("control for %s: %w", id, ErrUnknownVehicle)
	}
	v.control = c
	return nil
}

// Step implements Provider.
func (a *ExternalAgentProvider) Step(ctx context.Context, dt time.Duration, inbound []model.VehicleState) ([]model.Proposal, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	ids := make([]model.VehicleID, 0, len(a.vehicles))
	for id := range a.vehicles {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	dtSec := dt.Seconds()
	proposals := make([]model.Proposal, 0, len(ids))
	for _, id := range ids {
		v := a.vehicles[id]
		if v.control.TargetSpeed > 0 {
			v.speed = v.control.TargetSpeed
		}
		v.pose.Heading += v.control.Steering * dtSec
		v.pose.Position.X += v.speed * math.Cos(v.pose.Heading) * dtSec
		v.pose.Position.Y += v.speed * math.Sin(v.pose.Heading) * dtSec

		proposals = append(proposals, model.Proposal{
			Kind: model.ProposalUpdate,
			State: model.VehicleState{
				ID:       id,
				Pose:     v.pose,
				Velocity: HeadingToVelocity(v.pose.Heading, v.speed),
				Dims:     v.dims,
				Owner:    a.id,
				Stage:    model.StageActive,
			},
		})
	}
	return proposals, nil
}

// AcceptVehicle implements Provider. External agents accept any seed; the
// remote controller is expected to start driving the vehicle next tick.
func (a *ExternalAgentProvider) AcceptVehicle(id model.VehicleID, seed model.VehicleState) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.vehicles[id]; exists {
		return fmt.Errorf("vehicle %s already under agent control", id)
	}
	a.vehicles[id] = &agentVehicle{
		pose:  seed.Pose,
		speed: seed.Speed(),
		dims:  seed.Dims,
	}
	return nil
}

// ReleaseVehicle implements Provider.
func (a *ExternalAgentProvider) ReleaseVehicle(id model.VehicleID) (model.VehicleState, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	v, ok := a.vehicles[id]
	if !ok {
		return model.VehicleState{}, fmt.Errorf("release %s: %w", id, ErrUnknownVehicle)
	}
	last := model.VehicleState{
		ID:       id,
		Pose:     v.pose,
		Velocity: HeadingToVelocity(v.pose.Heading, v.speed),
		Dims:     v.dims,
		Owner:    a.id,
		Stage:    model.StageHandingOff,
	}
	delete(a.vehicles, id)
	return last, nil
}
