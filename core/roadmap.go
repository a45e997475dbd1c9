package core

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/spatial/r2"

	"github.com/signalsfoundry/traffic-simulator/model"
)

// LaneRef names one lane in the road network.
type LaneRef string

// Rect is an axis-aligned region used for spatial queries and world bounds.
type Rect struct {
	Min r2.Vec
	Max r2.Vec
}

// Contains reports whether p lies inside the rectangle (inclusive).
func (r Rect) Contains(p r2.Vec) bool {
	return p.X >= r.Min.X && p.X <= r.Max.X && p.Y >= r.Min.Y && p.Y <= r.Max.Y
}

// Empty reports whether the rectangle has no area.
func (r Rect) Empty() bool {
	return r.Max.X <= r.Min.X || r.Max.Y <= r.Min.Y
}

// Lane is a polyline centreline with a width and speed limit. Positions
// along the lane are expressed as an arc-length offset s in metres from the
// first point.
type Lane struct {
	ID         LaneRef
	Points     []r2.Vec
	Width      float64
	SpeedLimit float64

	// cumulative arc length at each point; computed once on Add.
	arc []float64
}

// Length returns the total centreline length.
func (l *Lane) Length() float64 {
	if len(l.arc) == 0 {
		return 0
	}
	return l.arc[len(l.arc)-1]
}

// PointAt returns the position and heading at arc-length offset s, clamped
// to the lane extent.
func (l *Lane) PointAt(s float64) (r2.Vec, float64) {
	if len(l.Points) == 0 {
		return r2.Vec{}, 0
	}
	if len(l.Points) == 1 {
		return l.Points[0], 0
	}
	if s <= 0 {
		return l.Points[0], segmentHeading(l.Points[0], l.Points[1])
	}
	if s >= l.Length() {
		n := len(l.Points)
		return l.Points[n-1], segmentHeading(l.Points[n-2], l.Points[n-1])
	}
	// Find the segment containing s.
	i := sort.SearchFloat64s(l.arc, s)
	if i == 0 {
		i = 1
	}
	a, b := l.Points[i-1], l.Points[i]
	segLen := l.arc[i] - l.arc[i-1]
	t := 0.0
	if segLen > 0 {
		t = (s - l.arc[i-1]) / segLen
	}
	pos := r2.Add(a, r2.Scale(t, r2.Sub(b, a)))
	return pos, segmentHeading(a, b)
}

// Project returns the arc-length offset of the point on the centreline
// closest to p, together with the lateral distance from the centreline.
func (l *Lane) Project(p r2.Vec) (s, lateral float64) {
	bestDist := math.Inf(1)
	bestS := 0.0
	for i := 1; i < len(l.Points); i++ {
		a, b := l.Points[i-1], l.Points[i]
		ab := r2.Sub(b, a)
		segLen2 := ab.X*ab.X + ab.Y*ab.Y
		t := 0.0
		if segLen2 > 0 {
			t = ((p.X-a.X)*ab.X + (p.Y-a.Y)*ab.Y) / segLen2
			t = math.Max(0, math.Min(1, t))
		}
		closest := r2.Add(a, r2.Scale(t, ab))
		d := math.Hypot(p.X-closest.X, p.Y-closest.Y)
		if d < bestDist {
			bestDist = d
			bestS = l.arc[i-1] + t*math.Sqrt(segLen2)
		}
	}
	return bestS, bestDist
}

func segmentHeading(a, b r2.Vec) float64 {
	return math.Atan2(b.Y-a.Y, b.X-a.X)
}

// RoadMap is the read-only road-network oracle consumed by the core. It is
// side-effect-free: queries never mutate the network.
type RoadMap interface {
	// NearestLane returns the lane whose centreline is closest to the
	// position, or ErrNoLane when nothing is within a usable distance.
	NearestLane(pos r2.Vec) (LaneRef, error)
	// LanesWithin returns all lanes whose centreline enters the region,
	// in stable (insertion) order.
	LanesWithin(region Rect) []LaneRef
	// Lane resolves a reference to its geometry.
	Lane(ref LaneRef) (*Lane, bool)
}

// PolylineMap is an in-memory RoadMap over polyline lanes, populated by the
// scenario loader at startup.
type PolylineMap struct {
	lanes map[LaneRef]*Lane
	order []LaneRef

	// MaxSnapDistance bounds NearestLane matching; beyond this lateral
	// distance a position is considered off-network.
	MaxSnapDistance float64
}

// NewPolylineMap creates an empty map with a default snap distance.
func NewPolylineMap() *PolylineMap {
	return &PolylineMap{
		lanes:           make(map[LaneRef]*Lane),
		MaxSnapDistance: 10.0,
	}
}

// AddLane registers a lane. Lanes need at least two points.
func (m *PolylineMap) AddLane(lane *Lane) error {
	if lane == nil || lane.ID == "" {
		return fmt.Errorf("lane must have an id")
	}
	if len(lane.Points) < 2 {
		return fmt.Errorf("lane %s: need at least 2 points, got %d", lane.ID, len(lane.Points))
	}
	if _, exists := m.lanes[lane.ID]; exists {
		return fmt.Errorf("lane %s already exists", lane.ID)
	}
	lane.arc = make([]float64, len(lane.Points))
	for i := 1; i < len(lane.Points); i++ {
		d := r2.Sub(lane.Points[i], lane.Points[i-1])
		lane.arc[i] = lane.arc[i-1] + math.Hypot(d.X, d.Y)
	}
	m.lanes[lane.ID] = lane
	m.order = append(m.order, lane.ID)
	return nil
}

// NearestLane implements RoadMap.
func (m *PolylineMap) NearestLane(pos r2.Vec) (LaneRef, error) {
	best := LaneRef("")
	bestDist := math.Inf(1)
	for _, ref := range m.order {
		_, lateral := m.lanes[ref].Project(pos)
		if lateral < bestDist {
			bestDist = lateral
			best = ref
		}
	}
	if best == "" || bestDist > m.MaxSnapDistance {
		return "", fmt.Errorf("nearest lane to (%.1f, %.1f): %w", pos.X, pos.Y, ErrNoLane)
	}
	return best, nil
}

// LanesWithin implements RoadMap.
func (m *PolylineMap) LanesWithin(region Rect) []LaneRef {
	var out []LaneRef
	for _, ref := range m.order {
		for _, p := range m.lanes[ref].Points {
			if region.Contains(p) {
				out = append(out, ref)
				break
			}
		}
	}
	return out
}

// Lane implements RoadMap.
func (m *PolylineMap) Lane(ref LaneRef) (*Lane, bool) {
	l, ok := m.lanes[ref]
	return l, ok
}

// Lanes returns all lane refs in insertion order.
func (m *PolylineMap) Lanes() []LaneRef {
	out := make([]LaneRef, len(m.order))
	copy(out, m.order)
	return out
}

// HeadingToVelocity converts a heading and scalar speed to a velocity vector.
func HeadingToVelocity(heading, speed float64) r2.Vec {
	return r2.Vec{X: speed * math.Cos(heading), Y: speed * math.Sin(heading)}
}

// poseOnLane builds a pose at arc offset s on the lane.
func poseOnLane(l *Lane, s float64) model.Pose {
	pos, heading := l.PointAt(s)
	return model.Pose{Position: pos, Heading: heading}
}
