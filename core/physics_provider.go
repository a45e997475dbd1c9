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

// PhysicsConfig tunes the ego-vehicle physics provider.
type PhysicsConfig struct {
	// MaxVehicles is the provider's hosting capacity; exceeding it
	// rejects further handoffs.
	MaxVehicles int
	// SubSteps is the number of integration sub-steps per tick.
	SubSteps int
	// Wheelbase of the kinematic bicycle model, metres.
	Wheelbase float64
	// MaxAccel maps full throttle to acceleration, m/s^2.
	MaxAccel float64
	// MaxSteer clamps the front wheel angle, radians.
	MaxSteer float64
}

func (c PhysicsConfig) withDefaults() PhysicsConfig {
	if c.MaxVehicles <= 0 {
		c.MaxVehicles = 4
	}
	if c.SubSteps <= 0 {
		c.SubSteps = 10
	}
	if c.Wheelbase <= 0 {
		c.Wheelbase = 2.8
	}
	if c.MaxAccel <= 0 {
		c.MaxAccel = 3.0
	}
	if c.MaxSteer <= 0 {
		c.MaxSteer = 0.6
	}
	return c
}

type physicsVehicle struct {
	pose    model.Pose
	speed   float64
	dims    model.Dimensions
	control Control
}

// PhysicsProvider advances ego vehicles with a kinematic bicycle model,
// integrating throttle and steering controls over internal sub-steps.
// Controls arrive through SetControl before each tick; the most recent
// control per vehicle is held until replaced.
type PhysicsProvider struct {
	id  model.ProviderID
	cfg PhysicsConfig

	mu       sync.Mutex
	vehicles map[model.VehicleID]*physicsVehicle
}

// NewPhysicsProvider creates an empty physics provider.
func NewPhysicsProvider(id model.ProviderID, cfg PhysicsConfig) *PhysicsProvider {
	return &PhysicsProvider{
		id:       id,
		cfg:      cfg.withDefaults(),
		vehicles: make(map[model.VehicleID]*physicsVehicle),
	}
}

// ID implements Provider.
func (p *PhysicsProvider) ID() model.ProviderID { return p.id }

// Capabilities implements Provider.
func (p *PhysicsProvider) Capabilities() model.Capabilities {
	return model.Capabilities{Originates: false, AcceptsHandoff: true, SubSteps: p.cfg.SubSteps}
}

// SetControl implements ControlSink. It is safe to call from outside the
// tick loop; the control applies at the next Step.
func (p *PhysicsProvider) SetControl(id model.VehicleID, c Control) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.vehicles[id]
	if !ok {
		return fmt.Errorf("control for %s: %w", id, ErrUnknownVehicle)
	}
	v.control = c
	return nil
}

// Step implements Provider.
func (p *PhysicsProvider) Step(ctx context.Context, dt time.Duration, inbound []model.VehicleState) ([]model.Proposal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids := make([]model.VehicleID, 0, len(p.vehicles))
	for id := range p.vehicles {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	sub := dt.Seconds() / float64(p.cfg.SubSteps)
	proposals := make([]model.Proposal, 0, len(ids))
	for _, id := range ids {
		v := p.vehicles[id]
		for i := 0; i < p.cfg.SubSteps; i++ {
			p.integrate(v, sub)
		}
		proposals = append(proposals, model.Proposal{
			Kind:  model.ProposalUpdate,
			State: p.stateOf(id, v, model.StageActive),
		})
	}
	return proposals, nil
}

// integrate advances one kinematic bicycle sub-step.
func (p *PhysicsProvider) integrate(v *physicsVehicle, dt float64) {
	steer := math.Max(-p.cfg.MaxSteer, math.Min(p.cfg.MaxSteer, v.control.Steering))
	throttle := math.Max(-1, math.Min(1, v.control.Throttle))

	v.speed += throttle * p.cfg.MaxAccel * dt
	if v.speed < 0 {
		v.speed = 0
	}
	v.pose.Heading += v.speed / p.cfg.Wheelbase * math.Tan(steer) * dt
	v.pose.Position.X += v.speed * math.Cos(v.pose.Heading) * dt
	v.pose.Position.Y += v.speed * math.Sin(v.pose.Heading) * dt
}

// AcceptVehicle implements Provider. Rejects when at capacity.
func (p *PhysicsProvider) AcceptVehicle(id model.VehicleID, seed model.VehicleState) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.vehicles[id]; exists {
		return fmt.Errorf("vehicle %s already under physics control", id)
	}
	if len(p.vehicles) >= p.cfg.MaxVehicles {
		return fmt.Errorf("%w: %w", ErrProviderFull, ErrRejectedHandoff)
	}
	p.vehicles[id] = &physicsVehicle{
		pose:  seed.Pose,
		speed: seed.Speed(),
		dims:  seed.Dims,
	}
	return nil
}

// ReleaseVehicle implements Provider.
func (p *PhysicsProvider) ReleaseVehicle(id model.VehicleID) (model.VehicleState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.vehicles[id]
	if !ok {
		return model.VehicleState{}, fmt.Errorf("release %s: %w", id, ErrUnknownVehicle)
	}
	last := p.stateOf(id, v, model.StageHandingOff)
	delete(p.vehicles, id)
	return last, nil
}

func (p *PhysicsProvider) stateOf(id model.VehicleID, v *physicsVehicle, stage model.LifecycleStage) model.VehicleState {
	return model.VehicleState{
		ID:       id,
		Pose:     v.pose,
		Velocity: HeadingToVelocity(v.pose.Heading, v.speed),
		Dims:     v.dims,
		Owner:    p.id,
		Stage:    stage,
	}
}
