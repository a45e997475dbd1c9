package core

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/signalsfoundry/traffic-simulator/model"
)

// TrafficConfig tunes the background traffic-flow provider.
type TrafficConfig struct {
	// Seed makes spawning reproducible across runs.
	Seed int64
	// SpawnProbability is the per-lane, per-tick chance of a new vehicle
	// entering at the lane start.
	SpawnProbability float64
	// MaxVehicles caps the provider's population; also the capacity limit
	// for accepting handoffs.
	MaxVehicles int
	// MinGap is the bumper-to-bumper distance (metres) below which a
	// follower matches its leader's speed, and below which a handoff seed
	// is rejected as occupying the lane.
	MinGap float64
	// Accel is the comfortable acceleration towards the lane speed limit.
	Accel float64
	// VehicleDims applies to spawned vehicles.
	VehicleDims model.Dimensions
}

func (c TrafficConfig) withDefaults() TrafficConfig {
	if c.SpawnProbability < 0 {
		c.SpawnProbability = 0
	}
	if c.MaxVehicles <= 0 {
		c.MaxVehicles = 50
	}
	if c.MinGap <= 0 {
		c.MinGap = 8.0
	}
	if c.Accel <= 0 {
		c.Accel = 2.0
	}
	if c.VehicleDims.Length <= 0 {
		c.VehicleDims = model.Dimensions{Length: 4.5, Width: 1.8}
	}
	return c
}

type trafficVehicle struct {
	lane  *Lane
	s     float64
	speed float64
	dims  model.Dimensions
}

// laneOccupant is a vehicle position on a lane, own or foreign, used for
// gap keeping.
type laneOccupant struct {
	s     float64
	speed float64
}

// TrafficFlowProvider simulates background traffic: vehicles follow lane
// centrelines at the speed limit with simple gap keeping, spawn at lane
// entries, and retire at lane ends. It can both originate vehicles and
// accept trapped ones back from other providers.
type TrafficFlowProvider struct {
	id       model.ProviderID
	roads    *PolylineMap
	cfg      TrafficConfig
	rng      *rand.Rand
	vehicles map[model.VehicleID]*trafficVehicle

	// released remembers vehicles released this tick so a failed handoff
	// can reinstate them unconditionally. Cleared at the next Step.
	released map[model.VehicleID]*trafficVehicle
}

// NewTrafficFlowProvider creates the provider over the given road network.
func NewTrafficFlowProvider(id model.ProviderID, roads *PolylineMap, cfg TrafficConfig) *TrafficFlowProvider {
	cfg = cfg.withDefaults()
	return &TrafficFlowProvider{
		id:       id,
		roads:    roads,
		cfg:      cfg,
		rng:      rand.New(rand.NewSource(cfg.Seed)),
		vehicles: make(map[model.VehicleID]*trafficVehicle),
		released: make(map[model.VehicleID]*trafficVehicle),
	}
}

// ID implements Provider.
func (t *TrafficFlowProvider) ID() model.ProviderID { return t.id }

// Capabilities implements Provider.
func (t *TrafficFlowProvider) Capabilities() model.Capabilities {
	return model.Capabilities{Originates: true, AcceptsHandoff: true, SubSteps: 1}
}

// Step implements Provider. Iteration is sorted throughout so identical
// seeds produce identical traffic across runs.
func (t *TrafficFlowProvider) Step(ctx context.Context, dt time.Duration, inbound []model.VehicleState) ([]model.Proposal, error) {
	dtSec := dt.Seconds()
	clear(t.released)
	occupancy := t.buildOccupancy(inbound)

	ids := make([]model.VehicleID, 0, len(t.vehicles))
	for id := range t.vehicles {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var proposals []model.Proposal
	for _, id := range ids {
		v := t.vehicles[id]

		target := v.lane.SpeedLimit
		if leader, ok := nearestLeader(occupancy[v.lane.ID], v.s); ok {
			if leader.s-v.s < t.cfg.MinGap+v.speed {
				target = math.Min(target, leader.speed)
			}
		}
		if v.speed < target {
			v.speed = math.Min(target, v.speed+t.cfg.Accel*dtSec)
		} else {
			v.speed = math.Max(target, v.speed-t.cfg.Accel*dtSec)
		}
		v.s += v.speed * dtSec

		if v.s >= v.lane.Length() {
			proposals = append(proposals, model.Proposal{
				Kind:  model.ProposalRemove,
				State: t.stateOf(id, v, model.StageExiting),
			})
			delete(t.vehicles, id)
			continue
		}
		proposals = append(proposals, model.Proposal{
			Kind:  model.ProposalUpdate,
			State: t.stateOf(id, v, model.StageActive),
		})
	}

	proposals = append(proposals, t.spawn(occupancy)...)
	return proposals, nil
}

// spawn originates new vehicles at clear lane entries.
func (t *TrafficFlowProvider) spawn(occupancy map[LaneRef][]laneOccupant) []model.Proposal {
	var proposals []model.Proposal
	for _, ref := range t.roads.Lanes() {
		if len(t.vehicles) >= t.cfg.MaxVehicles {
			break
		}
		if t.rng.Float64() >= t.cfg.SpawnProbability {
			continue
		}
		if !entryClear(occupancy[ref], 2*t.cfg.MinGap) {
			continue
		}
		lane, _ := t.roads.Lane(ref)
		id := model.VehicleID("veh-" + uuid.NewString()[:8])
		v := &trafficVehicle{
			lane:  lane,
			s:     0,
			speed: lane.SpeedLimit * 0.8,
			dims:  t.cfg.VehicleDims,
		}
		t.vehicles[id] = v
		occupancy[ref] = append(occupancy[ref], laneOccupant{s: 0, speed: v.speed})
		proposals = append(proposals, model.Proposal{
			Kind:  model.ProposalNew,
			State: t.stateOf(id, v, model.StageEntering),
		})
	}
	return proposals
}

// buildOccupancy projects own and foreign vehicles onto lanes so followers
// brake behind any vehicle physically on their lane, whoever owns it.
func (t *TrafficFlowProvider) buildOccupancy(inbound []model.VehicleState) map[LaneRef][]laneOccupant {
	occ := make(map[LaneRef][]laneOccupant)
	for _, v := range t.vehicles {
		occ[v.lane.ID] = append(occ[v.lane.ID], laneOccupant{s: v.s, speed: v.speed})
	}
	for _, in := range inbound {
		ref, err := t.roads.NearestLane(in.Pose.Position)
		if err != nil {
			continue
		}
		lane, _ := t.roads.Lane(ref)
		s, lateral := lane.Project(in.Pose.Position)
		if lateral > lane.Width {
			continue
		}
		occ[ref] = append(occ[ref], laneOccupant{s: s, speed: in.Speed()})
	}
	for ref := range occ {
		sort.Slice(occ[ref], func(i, j int) bool { return occ[ref][i].s < occ[ref][j].s })
	}
	return occ
}

// nearestLeader returns the closest occupant strictly ahead of s.
func nearestLeader(occ []laneOccupant, s float64) (laneOccupant, bool) {
	for _, o := range occ {
		if o.s > s {
			return o, true
		}
	}
	return laneOccupant{}, false
}

// entryClear reports whether no occupant sits within dist of the lane start.
func entryClear(occ []laneOccupant, dist float64) bool {
	for _, o := range occ {
		if o.s < dist {
			return false
		}
	}
	return true
}

// AcceptVehicle implements Provider. It snaps the seed onto the nearest
// lane; a full population, an off-network position, or an occupied slot all
// reject the handoff.
func (t *TrafficFlowProvider) AcceptVehicle(id model.VehicleID, seed model.VehicleState) error {
	if _, exists := t.vehicles[id]; exists {
		return fmt.Errorf("vehicle %s already under traffic control", id)
	}
	// A vehicle this provider released earlier in the same tick is
	// reinstated as-is; the ownership manager relies on this to keep the
	// vehicle under its source when a handoff is rejected.
	if v, ok := t.released[id]; ok {
		delete(t.released, id)
		t.vehicles[id] = v
		return nil
	}
	if len(t.vehicles) >= t.cfg.MaxVehicles {
		return fmt.Errorf("%w: %w", ErrProviderFull, ErrRejectedHandoff)
	}
	ref, err := t.roads.NearestLane(seed.Pose.Position)
	if err != nil {
		return fmt.Errorf("seed off network: %w", ErrRejectedHandoff)
	}
	lane, _ := t.roads.Lane(ref)
	s, _ := lane.Project(seed.Pose.Position)
	for _, v := range t.vehicles {
		if v.lane.ID == ref && math.Abs(v.s-s) < t.cfg.MinGap {
			return fmt.Errorf("lane %s occupied at s=%.1f: %w", ref, s, ErrRejectedHandoff)
		}
	}
	dims := seed.Dims
	if dims.Length <= 0 {
		dims = t.cfg.VehicleDims
	}
	t.vehicles[id] = &trafficVehicle{lane: lane, s: s, speed: seed.Speed(), dims: dims}
	return nil
}

// ReleaseVehicle implements Provider.
func (t *TrafficFlowProvider) ReleaseVehicle(id model.VehicleID) (model.VehicleState, error) {
	v, ok := t.vehicles[id]
	if !ok {
		return model.VehicleState{}, fmt.Errorf("release %s: %w", id, ErrUnknownVehicle)
	}
	last := t.stateOf(id, v, model.StageHandingOff)
	delete(t.vehicles, id)
	t.released[id] = v
	return last, nil
}

// Population returns the number of vehicles currently under traffic control.
func (t *TrafficFlowProvider) Population() int { return len(t.vehicles) }

func (t *TrafficFlowProvider) stateOf(id model.VehicleID, v *trafficVehicle, stage model.LifecycleStage) model.VehicleState {
	pose := poseOnLane(v.lane, v.s)
	return model.VehicleState{
		ID:       id,
		Pose:     pose,
		Velocity: HeadingToVelocity(pose.Heading, v.speed),
		Dims:     v.dims,
		Owner:    t.id,
		Stage:    stage,
	}
}
