package core

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/spatial/r2"

	"github.com/signalsfoundry/traffic-simulator/model"
)

// PlannerConfig tunes the kinematic motion-planner provider.
type PlannerConfig struct {
	// CruiseSpeed is the target speed along a route, m/s.
	CruiseSpeed float64
	// Accel bounds the trapezoidal speed profile, m/s^2.
	Accel float64
	// SubSteps is the number of internal integration sub-steps per tick.
	SubSteps int
	// DefaultHorizon is the straight-ahead route length planned for a
	// vehicle accepted without a pre-registered route, metres.
	DefaultHorizon float64
}

func (c PlannerConfig) withDefaults() PlannerConfig {
	if c.CruiseSpeed <= 0 {
		c.CruiseSpeed = 10.0
	}
	if c.Accel <= 0 {
		c.Accel = 2.5
	}
	if c.SubSteps <= 0 {
		c.SubSteps = 4
	}
	if c.DefaultHorizon <= 0 {
		c.DefaultHorizon = 200.0
	}
	return c
}

type plannedVehicle struct {
	route *Lane // waypoint polyline reused as a route
	s     float64
	speed float64
	dims  model.Dimensions
}

// MotionPlannerProvider drives vehicles along waypoint routes with a
// trapezoidal speed profile: accelerate to cruise, hold, decelerate to a
// stop at the final waypoint. Routes are registered ahead of time with
// AddRoute; a vehicle accepted without one gets a straight route continuing
// its seed heading.
type MotionPlannerProvider struct {
	id       model.ProviderID
	cfg      PlannerConfig
	routes   map[model.VehicleID][]r2.Vec
	vehicles map[model.VehicleID]*plannedVehicle
}

// NewMotionPlannerProvider creates an empty planner provider.
func NewMotionPlannerProvider(id model.ProviderID, cfg PlannerConfig) *MotionPlannerProvider {
	return &MotionPlannerProvider{
		id:       id,
		cfg:      cfg.withDefaults(),
		routes:   make(map[model.VehicleID][]r2.Vec),
		vehicles: make(map[model.VehicleID]*plannedVehicle),
	}
}

// ID implements Provider.
func (m *MotionPlannerProvider) ID() model.ProviderID { return m.id }

// Capabilities implements Provider.
func (m *MotionPlannerProvider) Capabilities() model.Capabilities {
	return model.Capabilities{Originates: false, AcceptsHandoff: true, SubSteps: m.cfg.SubSteps}
}

// AddRoute registers the waypoints a vehicle will follow once accepted.
func (m *MotionPlannerProvider) AddRoute(id model.VehicleID, waypoints []r2.Vec) error {
	if len(waypoints) < 2 {
		return fmt.Errorf("route for %s: need at least 2 waypoints", id)
	}
	m.routes[id] = waypoints
	return nil
}

// Step implements Provider.
func (m *MotionPlannerProvider) Step(ctx context.Context, dt time.Duration, inbound []model.VehicleState) ([]model.Proposal, error) {
	ids := make([]model.VehicleID, 0, len(m.vehicles))
	for id := range m.vehicles {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	sub := dt.Seconds() / float64(m.cfg.SubSteps)
	proposals := make([]model.Proposal, 0, len(ids))
	for _, id := range ids {
		v := m.vehicles[id]
		for i := 0; i < m.cfg.SubSteps; i++ {
			m.integrate(v, sub)
		}
		stage := model.StageActive
		if v.s >= v.route.Length() && v.speed == 0 {
			stage = model.StageExiting
		}
		proposals = append(proposals, model.Proposal{
			Kind:  model.ProposalUpdate,
			State: m.stateOf(id, v, stage),
		})
	}
	return proposals, nil
}

// integrate applies one trapezoidal-profile sub-step: cruise until the
// remaining distance equals the braking distance, then decelerate.
func (m *MotionPlannerProvider) integrate(v *plannedVehicle, dt float64) {
	remaining := v.route.Length() - v.s
	if remaining <= 0 {
		v.speed = 0
		return
	}
	brakingDist := v.speed * v.speed / (2 * m.cfg.Accel)
	if remaining <= brakingDist {
		v.speed = math.Max(0, v.speed-m.cfg.Accel*dt)
	} else if v.speed < m.cfg.CruiseSpeed {
		v.speed = math.Min(m.cfg.CruiseSpeed, v.speed+m.cfg.Accel*dt)
	} else if v.speed > m.cfg.CruiseSpeed {
		v.speed = math.Max(m.cfg.CruiseSpeed, v.speed-m.cfg.Accel*dt)
	}
	v.s = math.Min(v.route.Length(), v.s+v.speed*dt)
}

// AcceptVehicle implements Provider. A registered route is picked up at the
// waypoint nearest the seed; without one, a straight route continues the
// seed heading for the default horizon.
func (m *MotionPlannerProvider) AcceptVehicle(id model.VehicleID, seed model.VehicleState) error {
	if _, exists := m.vehicles[id]; exists {
		return fmt.Errorf("vehicle %s already under planner control", id)
	}

	waypoints, ok := m.routes[id]
	if !ok {
		end := r2.Add(seed.Pose.Position, HeadingToVelocity(seed.Pose.Heading, m.cfg.DefaultHorizon))
		waypoints = []r2.Vec{seed.Pose.Position, end}
	}

	route := &Lane{ID: LaneRef("route/" + string(id)), Points: waypoints, SpeedLimit: m.cfg.CruiseSpeed}
	route.arc = make([]float64, len(waypoints))
	for i := 1; i < len(waypoints); i++ {
		d := r2.Sub(waypoints[i], waypoints[i-1])
		route.arc[i] = route.arc[i-1] + math.Hypot(d.X, d.Y)
	}

	s, lateral := route.Project(seed.Pose.Position)
	if lateral > 5.0 {
		return fmt.Errorf("seed %.1fm off route: %w", lateral, ErrRejectedHandoff)
	}
	m.vehicles[id] = &plannedVehicle{
		route: route,
		s:     s,
		speed: seed.Speed(),
		dims:  seed.Dims,
	}
	return nil
}

// ReleaseVehicle implements Provider.
func (m *MotionPlannerProvider) ReleaseVehicle(id model.VehicleID) (model.VehicleState, error) {
	v, ok := m.vehicles[id]
	if !ok {
		return model.VehicleState{}, fmt.Errorf("release %s: %w", id, ErrUnknownVehicle)
	}
	last := m.stateOf(id, v, model.StageHandingOff)
	delete(m.vehicles, id)
	return last, nil
}

func (m *MotionPlannerProvider) stateOf(id model.VehicleID, v *plannedVehicle, stage model.LifecycleStage) model.VehicleState {
	pose := poseOnLane(v.route, v.s)
	return model.VehicleState{
		ID:       id,
		Pose:     pose,
		Velocity: HeadingToVelocity(pose.Heading, v.speed),
		Dims:     v.dims,
		Owner:    m.id,
		Stage:    stage,
	}
}
