package core

import (
	"errors"
	"math"
	"testing"

	"gonum.org/v1/gonum/spatial/r2"
)

func straightLane(id LaneRef, length float64) *Lane {
	return &Lane{
		ID:         id,
		Points:     []r2.Vec{{X: 0, Y: 0}, {X: length, Y: 0}},
		Width:      3.5,
		SpeedLimit: 13.9,
	}
}

func TestLaneArcLengthAndPointAt(t *testing.T) {
	m := NewPolylineMap()
	// L-shaped lane: 100m east, then 50m north.
	lane := &Lane{
		ID:         "L",
		Points:     []r2.Vec{{X: 0, Y: 0}, {X: 100, Y: 0}, {X: 100, Y: 50}},
		Width:      3.5,
		SpeedLimit: 10,
	}
	if err := m.AddLane(lane); err != nil {
		t.Fatalf("AddLane: %v", err)
	}

	if got := lane.Length(); math.Abs(got-150) > 1e-9 {
		t.Errorf("Length = %f, want 150", got)
	}

	pos, heading := lane.PointAt(50)
	if math.Abs(pos.X-50) > 1e-9 || math.Abs(pos.Y) > 1e-9 {
		t.Errorf("PointAt(50) = %v, want (50, 0)", pos)
	}
	if math.Abs(heading) > 1e-9 {
		t.Errorf("heading at s=50 = %f, want 0", heading)
	}

	pos, heading = lane.PointAt(125)
	if math.Abs(pos.X-100) > 1e-9 || math.Abs(pos.Y-25) > 1e-9 {
		t.Errorf("PointAt(125) = %v, want (100, 25)", pos)
	}
	if math.Abs(heading-math.Pi/2) > 1e-9 {
		t.Errorf("heading at s=125 = %f, want pi/2", heading)
	}

	// Clamping beyond the extent.
	pos, _ = lane.PointAt(1000)
	if math.Abs(pos.X-100) > 1e-9 || math.Abs(pos.Y-50) > 1e-9 {
		t.Errorf("PointAt(1000) = %v, want lane end (100, 50)", pos)
	}
	pos, _ = lane.PointAt(-5)
	if pos.X != 0 || pos.Y != 0 {
		t.Errorf("PointAt(-5) = %v, want lane start (0, 0)", pos)
	}
}

func TestLaneProject(t *testing.T) {
	lane := straightLane("L", 100)
	m := NewPolylineMap()
	if err := m.AddLane(lane); err != nil {
		t.Fatalf("AddLane: %v", err)
	}

	s, lateral := lane.Project(r2.Vec{X: 40, Y: 2})
	if math.Abs(s-40) > 1e-9 {
		t.Errorf("Project s = %f, want 40", s)
	}
	if math.Abs(lateral-2) > 1e-9 {
		t.Errorf("Project lateral = %f, want 2", lateral)
	}

	// Before the lane start the projection clamps to s=0.
	s, lateral = lane.Project(r2.Vec{X: -10, Y: 0})
	if s != 0 {
		t.Errorf("Project before start: s = %f, want 0", s)
	}
	if math.Abs(lateral-10) > 1e-9 {
		t.Errorf("Project before start: lateral = %f, want 10", lateral)
	}
}

func TestNearestLaneRespectsSnapDistance(t *testing.T) {
	m := NewPolylineMap()
	if err := m.AddLane(straightLane("east", 100)); err != nil {
		t.Fatalf("AddLane: %v", err)
	}
	north := &Lane{
		ID:         "north",
		Points:     []r2.Vec{{X: 0, Y: 20}, {X: 100, Y: 20}},
		Width:      3.5,
		SpeedLimit: 10,
	}
	if err := m.AddLane(north); err != nil {
		t.Fatalf("AddLane: %v", err)
	}

	ref, err := m.NearestLane(r2.Vec{X: 50, Y: 3})
	if err != nil {
		t.Fatalf("NearestLane: %v", err)
	}
	if ref != "east" {
		t.Errorf("NearestLane = %s, want east", ref)
	}

	ref, err = m.NearestLane(r2.Vec{X: 50, Y: 17})
	if err != nil {
		t.Fatalf("NearestLane: %v", err)
	}
	if ref != "north" {
		t.Errorf("NearestLane = %s, want north", ref)
	}

	// Beyond MaxSnapDistance of both lanes.
	if _, err := m.NearestLane(r2.Vec{X: 50, Y: 500}); !errors.Is(err, ErrNoLane) {
		t.Errorf("far position: got %v, want ErrNoLane", err)
	}
}

func TestLanesWithinRegion(t *testing.T) {
	m := NewPolylineMap()
	if err := m.AddLane(straightLane("east", 100)); err != nil {
		t.Fatalf("AddLane: %v", err)
	}
	far := &Lane{
		ID:         "far",
		Points:     []r2.Vec{{X: 0, Y: 1000}, {X: 100, Y: 1000}},
		Width:      3.5,
		SpeedLimit: 10,
	}
	if err := m.AddLane(far); err != nil {
		t.Fatalf("AddLane: %v", err)
	}

	got := m.LanesWithin(Rect{Min: r2.Vec{X: -10, Y: -10}, Max: r2.Vec{X: 200, Y: 10}})
	if len(got) != 1 || got[0] != "east" {
		t.Errorf("LanesWithin = %v, want [east]", got)
	}
}

func TestAddLaneRejectsDuplicatesAndShortLanes(t *testing.T) {
	m := NewPolylineMap()
	if err := m.AddLane(straightLane("L", 100)); err != nil {
		t.Fatalf("AddLane: %v", err)
	}
	if err := m.AddLane(straightLane("L", 50)); err == nil {
		t.Errorf("expected error for duplicate lane ID")
	}
	if err := m.AddLane(&Lane{ID: "short", Points: []r2.Vec{{X: 0, Y: 0}}}); err == nil {
		t.Errorf("expected error for single-point lane")
	}
	if err := m.AddLane(&Lane{Points: []r2.Vec{{X: 0, Y: 0}, {X: 1, Y: 0}}}); err == nil {
		t.Errorf("expected error for lane without ID")
	}
}

func TestRectContainsAndEmpty(t *testing.T) {
	r := Rect{Min: r2.Vec{X: 0, Y: 0}, Max: r2.Vec{X: 10, Y: 10}}
	if !r.Contains(r2.Vec{X: 10, Y: 10}) {
		t.Errorf("boundary point should be contained")
	}
	if r.Contains(r2.Vec{X: 11, Y: 5}) {
		t.Errorf("outside point should not be contained")
	}
	if r.Empty() {
		t.Errorf("non-degenerate rect reported empty")
	}
	if !(Rect{}).Empty() {
		t.Errorf("zero rect should be empty")
	}
}
