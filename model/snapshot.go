package model

import "sort"

// WorldSnapshot is the immutable, versioned state of every vehicle at a
// committed tick boundary. A snapshot is only ever published whole; external
// consumers never observe a partially-updated world.
//
// The struct is shared by reference after publication, so callers MUST treat
// it as read-only. All accessors return copies.
type WorldSnapshot struct {
	// Tick is the index of the commit that produced this snapshot.
	// It strictly increases by one per commit.
	Tick uint64

	vehicles map[VehicleID]VehicleState
}

// NewWorldSnapshot builds a snapshot from the given states. The map is
// copied, so the caller may keep mutating its own copy afterwards.
func NewWorldSnapshot(tick uint64, vehicles map[VehicleID]VehicleState) *WorldSnapshot {
	vs := make(map[VehicleID]VehicleState, len(vehicles))
	for id, v := range vehicles {
		vs[id] = v
	}
	return &WorldSnapshot{Tick: tick, vehicles: vs}
}

// Vehicle returns the state of one vehicle, if present.
func (s *WorldSnapshot) Vehicle(id VehicleID) (VehicleState, bool) {
	v, ok := s.vehicles[id]
	return v, ok
}

// Len returns the number of vehicles in the snapshot.
func (s *WorldSnapshot) Len() int {
	return len(s.vehicles)
}

// Vehicles returns all vehicle states sorted by ID. The deterministic order
// matters: observation building and telemetry encoding iterate this slice,
// and identical snapshots must always serialize identically.
func (s *WorldSnapshot) Vehicles() []VehicleState {
	out := make([]VehicleState, 0, len(s.vehicles))
	for _, v := range s.vehicles {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// OwnedBy returns the IDs of all vehicles owned by the given provider,
// sorted for determinism.
func (s *WorldSnapshot) OwnedBy(p ProviderID) []VehicleID {
	var out []VehicleID
	for id, v := range s.vehicles {
		if v.Owner == p {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
