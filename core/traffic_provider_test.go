package core

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"gonum.org/v1/gonum/spatial/r2"

	"github.com/signalsfoundry/traffic-simulator/model"
)

func trafficRoads(t *testing.T, lanes ...*Lane) *PolylineMap {
	t.Helper()
	m := NewPolylineMap()
	for _, l := range lanes {
		if err := m.AddLane(l); err != nil {
			t.Fatalf("AddLane(%s): %v", l.ID, err)
		}
	}
	return m
}

func TestTrafficSpawnsAtClearEntries(t *testing.T) {
	roads := trafficRoads(t, straightLane("east", 200), straightLane("west", 200))
	p := NewTrafficFlowProvider("traffic", roads, TrafficConfig{
		Seed:             1,
		SpawnProbability: 1.0,
		MaxVehicles:      10,
	})

	proposals, err := p.Step(context.Background(), 100*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	// One spawn per lane on an empty network.
	if len(proposals) != 2 {
		t.Fatalf("proposals = %d, want 2 spawns", len(proposals))
	}
	for _, prop := range proposals {
		if prop.Kind != model.ProposalNew {
			t.Errorf("proposal kind = %v, want new", prop.Kind)
		}
		if prop.State.Stage != model.StageEntering {
			t.Errorf("spawned stage = %v, want entering", prop.State.Stage)
		}
		if prop.State.Owner != "traffic" {
			t.Errorf("spawned owner = %s, want traffic", prop.State.Owner)
		}
	}
	if p.Population() != 2 {
		t.Errorf("population = %d, want 2", p.Population())
	}
}

func TestTrafficSpawnRespectsCapAndOccupiedEntries(t *testing.T) {
	roads := trafficRoads(t, straightLane("east", 200))
	p := NewTrafficFlowProvider("traffic", roads, TrafficConfig{
		Seed:             1,
		SpawnProbability: 1.0,
		MaxVehicles:      1,
		MinGap:           8,
	})

	if _, err := p.Step(context.Background(), 100*time.Millisecond, nil); err != nil {
		t.Fatalf("Step: %v", err)
	}
	if p.Population() != 1 {
		t.Fatalf("population = %d, want 1", p.Population())
	}

	// At capacity: the next tick must not spawn even with probability 1.
	proposals, err := p.Step(context.Background(), 100*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	for _, prop := range proposals {
		if prop.Kind == model.ProposalNew {
			t.Errorf("spawned past MaxVehicles")
		}
	}
}

func TestTrafficRetiresAtLaneEnd(t *testing.T) {
	roads := trafficRoads(t, straightLane("east", 20))
	p := NewTrafficFlowProvider("traffic", roads, TrafficConfig{Seed: 1, MaxVehicles: 5})

	seed := vehicleAt("v1", "other", 19, 0)
	seed.Velocity = r2.Vec{X: 13.9}
	if err := p.AcceptVehicle("v1", seed); err != nil {
		t.Fatalf("AcceptVehicle: %v", err)
	}

	proposals, err := p.Step(context.Background(), 500*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if len(proposals) != 1 {
		t.Fatalf("proposals = %d, want 1", len(proposals))
	}
	if proposals[0].Kind != model.ProposalRemove {
		t.Errorf("proposal kind = %v, want remove at lane end", proposals[0].Kind)
	}
	if proposals[0].State.Stage != model.StageExiting {
		t.Errorf("retiring stage = %v, want exiting", proposals[0].State.Stage)
	}
	if p.Population() != 0 {
		t.Errorf("population after retirement = %d, want 0", p.Population())
	}
}

func TestTrafficFollowerMatchesSlowLeader(t *testing.T) {
	roads := trafficRoads(t, straightLane("east", 200))
	p := NewTrafficFlowProvider("traffic", roads, TrafficConfig{Seed: 1, MaxVehicles: 5, MinGap: 8, Accel: 2})

	leader := vehicleAt("leader", "other", 25, 0) // standing still
	if err := p.AcceptVehicle("leader", leader); err != nil {
		t.Fatalf("AcceptVehicle(leader): %v", err)
	}
	follower := vehicleAt("follower", "other", 15, 0)
	follower.Velocity = r2.Vec{X: 5}
	if err := p.AcceptVehicle("follower", follower); err != nil {
		t.Fatalf("AcceptVehicle(follower): %v", err)
	}

	proposals, err := p.Step(context.Background(), 100*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("Step: %v", err)
	}

	var followerSpeed float64
	for _, prop := range proposals {
		if prop.State.ID == "follower" {
			followerSpeed = prop.State.Speed()
		}
	}
	// Gap 10m < MinGap + speed: the follower brakes towards the leader's
	// speed instead of accelerating to the limit.
	if followerSpeed >= 5 {
		t.Errorf("follower speed = %f, want < 5 (braking behind stopped leader)", followerSpeed)
	}
}

func TestTrafficBrakesForForeignVehicleOnLane(t *testing.T) {
	roads := trafficRoads(t, straightLane("east", 200))
	p := NewTrafficFlowProvider("traffic", roads, TrafficConfig{Seed: 1, MaxVehicles: 5, MinGap: 8, Accel: 2})

	follower := vehicleAt("follower", "other", 15, 0)
	follower.Velocity = r2.Vec{X: 5}
	if err := p.AcceptVehicle("follower", follower); err != nil {
		t.Fatalf("AcceptVehicle: %v", err)
	}

	// A physics-owned vehicle stands on the same lane just ahead.
	blocker := vehicleAt("blocker", "physics", 25, 0.5)

	proposals, err := p.Step(context.Background(), 100*time.Millisecond, []model.VehicleState{blocker})
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if got := proposals[0].State.Speed(); got >= 5 {
		t.Errorf("follower speed = %f, want < 5 (braking behind foreign vehicle)", got)
	}
}

func TestTrafficAcceptRejections(t *testing.T) {
	roads := trafficRoads(t, straightLane("east", 200))
	p := NewTrafficFlowProvider("traffic", roads, TrafficConfig{Seed: 1, MaxVehicles: 1, MinGap: 8})

	if err := p.AcceptVehicle("v1", vehicleAt("v1", "other", 50, 0)); err != nil {
		t.Fatalf("AcceptVehicle(v1): %v", err)
	}

	// Capacity.
	if err := p.AcceptVehicle("v2", vehicleAt("v2", "other", 100, 0)); !errors.Is(err, ErrRejectedHandoff) {
		t.Errorf("accept past capacity: got %v, want ErrRejectedHandoff", err)
	}

	p2 := NewTrafficFlowProvider("traffic2", roads, TrafficConfig{Seed: 1, MaxVehicles: 5, MinGap: 8})
	if err := p2.AcceptVehicle("v1", vehicleAt("v1", "other", 50, 0)); err != nil {
		t.Fatalf("AcceptVehicle: %v", err)
	}

	// Off-network seed.
	if err := p2.AcceptVehicle("v2", vehicleAt("v2", "other", 50, 400)); !errors.Is(err, ErrRejectedHandoff) {
		t.Errorf("off-network accept: got %v, want ErrRejectedHandoff", err)
	}

	// Occupied slot within MinGap.
	if err := p2.AcceptVehicle("v3", vehicleAt("v3", "other", 53, 0)); !errors.Is(err, ErrRejectedHandoff) {
		t.Errorf("occupied-slot accept: got %v, want ErrRejectedHandoff", err)
	}

	// A clear slot further along is fine.
	if err := p2.AcceptVehicle("v4", vehicleAt("v4", "other", 100, 0)); err != nil {
		t.Errorf("clear-slot accept: %v", err)
	}
}

// The re-accept contract: a vehicle released this tick is reinstated
// unconditionally, even when normal accept checks would reject it.
func TestTrafficReinstatesReleasedVehicle(t *testing.T) {
	roads := trafficRoads(t, straightLane("east", 200))
	p := NewTrafficFlowProvider("traffic", roads, TrafficConfig{Seed: 1, MaxVehicles: 1, MinGap: 8})

	if err := p.AcceptVehicle("v1", vehicleAt("v1", "other", 50, 0)); err != nil {
		t.Fatalf("AcceptVehicle: %v", err)
	}
	last, err := p.ReleaseVehicle("v1")
	if err != nil {
		t.Fatalf("ReleaseVehicle: %v", err)
	}
	if last.Stage != model.StageHandingOff {
		t.Errorf("released stage = %v, want handing-off", last.Stage)
	}
	if math.Abs(last.Pose.Position.X-50) > 1e-6 {
		t.Errorf("released position X = %f, want 50", last.Pose.Position.X)
	}

	// Fill the freed capacity so a normal accept of v1 would be rejected.
	if err := p.AcceptVehicle("v2", vehicleAt("v2", "other", 100, 0)); err != nil {
		t.Fatalf("AcceptVehicle(v2): %v", err)
	}

	if err := p.AcceptVehicle("v1", last); err != nil {
		t.Fatalf("re-accept after release must succeed, got %v", err)
	}
	if p.Population() != 2 {
		t.Errorf("population = %d, want 2", p.Population())
	}
}

func TestTrafficReleaseUnknownVehicle(t *testing.T) {
	roads := trafficRoads(t, straightLane("east", 200))
	p := NewTrafficFlowProvider("traffic", roads, TrafficConfig{Seed: 1})
	if _, err := p.ReleaseVehicle("ghost"); !errors.Is(err, ErrUnknownVehicle) {
		t.Errorf("release unknown: got %v, want ErrUnknownVehicle", err)
	}
}
