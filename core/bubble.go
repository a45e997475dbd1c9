package core

import (
	"fmt"

	"github.com/peterstace/simplefeatures/geom"
	"gonum.org/v1/gonum/spatial/r2"

	"github.com/signalsfoundry/traffic-simulator/model"
)

// TriggerZone is a compiled, evaluatable trigger region ("bubble"). Zones
// are evaluated every tick against the previous committed snapshot, in
// configuration order; when a vehicle satisfies the activation predicate the
// ownership manager creates a handoff towards the zone's target provider.
type TriggerZone struct {
	// Index is the zone's position in the scenario configuration. Lower
	// index wins when several zones claim the same vehicle in one tick.
	Index int

	Def model.ZoneDefinition

	boundary geom.Geometry
}

// CompileZone turns a scenario zone definition into an evaluatable zone,
// validating its polygon geometry.
func CompileZone(index int, def model.ZoneDefinition) (*TriggerZone, error) {
	if def.Target == model.ProviderNone {
		return nil, fmt.Errorf("zone %q: target provider is required", def.ID)
	}
	if len(def.Vertices) < 3 {
		return nil, fmt.Errorf("zone %q: need at least 3 vertices, got %d", def.ID, len(def.Vertices))
	}

	// Build an explicitly closed ring from the scenario vertices.
	coords := make([]float64, 0, (len(def.Vertices)+1)*2)
	for _, v := range def.Vertices {
		coords = append(coords, v.X, v.Y)
	}
	coords = append(coords, def.Vertices[0].X, def.Vertices[0].Y)

	ring, err := geom.NewLineString(geom.NewSequence(coords, geom.DimXY))
	if err != nil {
		return nil, fmt.Errorf("zone %q: invalid boundary: %w", def.ID, err)
	}
	poly, err := geom.NewPolygon([]geom.LineString{ring})
	if err != nil {
		return nil, fmt.Errorf("zone %q: invalid polygon: %w", def.ID, err)
	}

	return &TriggerZone{
		Index:    index,
		Def:      def,
		boundary: poly.AsGeometry(),
	}, nil
}

// Contains reports whether a position lies inside the zone.
func (z *TriggerZone) Contains(pos r2.Vec) bool {
	pt, err := geom.NewPoint(geom.Coordinates{XY: geom.XY{X: pos.X, Y: pos.Y}})
	if err != nil {
		return false
	}
	return geom.Intersects(z.boundary, pt.AsGeometry())
}

// Activates reports whether the zone's activation predicate holds for the
// vehicle state: the vehicle is inside the region, under the configured
// source provider (if any), and not already owned by the target.
func (z *TriggerZone) Activates(v model.VehicleState) bool {
	if v.Owner == z.Def.Target {
		return false
	}
	if z.Def.Source != model.ProviderNone && v.Owner != z.Def.Source {
		return false
	}
	return z.Contains(v.Pose.Position)
}

// ExitActivates reports whether the zone's exit condition holds: the zone
// declares an exit target, the vehicle is currently owned by the zone's
// target provider, and it has left the region.
func (z *TriggerZone) ExitActivates(v model.VehicleState) bool {
	if z.Def.ExitTarget == model.ProviderNone {
		return false
	}
	if v.Owner != z.Def.Target {
		return false
	}
	return !z.Contains(v.Pose.Position)
}
