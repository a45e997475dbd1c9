package core

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/spatial/r2"

	"github.com/signalsfoundry/traffic-simulator/model"
)

// SensorConfig is a per-agent sensing configuration. Identical snapshot and
// configuration always yield an identical observation.
type SensorConfig struct {
	// AgentID is the observing vehicle.
	AgentID model.VehicleID
	// Range is the sensing radius in metres. Zero or negative disables
	// the neighbor modality entirely.
	Range float64
	// MaxNeighbors caps the neighbor list after distance sorting. Zero
	// means unlimited.
	MaxNeighbors int
	// IncludeVelocities controls whether neighbor velocity vectors are
	// populated or zeroed (a cheaper "radar-only" modality).
	IncludeVelocities bool
}

// NeighborObservation is one sensed vehicle, expressed partly in the ego
// frame (distance, bearing) and partly in world coordinates.
type NeighborObservation struct {
	ID       model.VehicleID
	Pose     model.Pose
	Velocity r2.Vec
	Dims     model.Dimensions
	// Distance is the straight-line distance from the ego in metres.
	Distance float64
	// Bearing is the direction to the neighbor relative to the ego
	// heading, in radians, normalised to (-pi, pi].
	Bearing float64
}

// Observation is the derived per-agent view of one committed snapshot.
type Observation struct {
	Tick      uint64
	Ego       model.VehicleState
	Neighbors []NeighborObservation
}

// BuildObservation derives an agent's sensory view from a committed
// snapshot. It is a pure function: it never mutates the snapshot, and the
// neighbor ordering (distance, then ID) is fully deterministic.
func BuildObservation(snap *model.WorldSnapshot, cfg SensorConfig) (Observation, error) {
	if snap == nil {
		return Observation{}, ErrNotSeeded
	}
	ego, ok := snap.Vehicle(cfg.AgentID)
	if !ok {
		return Observation{}, fmt.Errorf("agent %s: %w", cfg.AgentID, ErrUnknownVehicle)
	}

	obs := Observation{Tick: snap.Tick, Ego: ego}
	if cfg.Range <= 0 {
		return obs, nil
	}

	for _, v := range snap.Vehicles() {
		if v.ID == cfg.AgentID {
			continue
		}
		d := ego.DistanceTo(v)
		if d > cfg.Range {
			continue
		}
		n := NeighborObservation{
			ID:       v.ID,
			Pose:     v.Pose,
			Dims:     v.Dims,
			Distance: d,
			Bearing:  relativeBearing(ego, v),
		}
		if cfg.IncludeVelocities {
			n.Velocity = v.Velocity
		}
		obs.Neighbors = append(obs.Neighbors, n)
	}

	sort.Slice(obs.Neighbors, func(i, j int) bool {
		if obs.Neighbors[i].Distance != obs.Neighbors[j].Distance {
			return obs.Neighbors[i].Distance < obs.Neighbors[j].Distance
		}
		return obs.Neighbors[i].ID < obs.Neighbors[j].ID
	})
	if cfg.MaxNeighbors > 0 && len(obs.Neighbors) > cfg.MaxNeighbors {
		obs.Neighbors = obs.Neighbors[:cfg.MaxNeighbors]
	}
	return obs, nil
}

func relativeBearing(ego, other model.VehicleState) float64 {
	d := r2.Sub(other.Pose.Position, ego.Pose.Position)
	b := math.Atan2(d.Y, d.X) - ego.Pose.Heading
	for b <= -math.Pi {
		b += 2 * math.Pi
	}
	for b > math.Pi {
		b -= 2 * math.Pi
	}
	return b
}
