package model

import "gonum.org/v1/gonum/spatial/r2"

// ZoneDefinition is the scenario-level description of a trigger zone
// ("bubble"). The core compiles it into an evaluatable TriggerZone with real
// polygon geometry; this struct stays plain data so the scenario loader and
// telemetry can carry it around freely.
type ZoneDefinition struct {
	// ID names the zone for logs and telemetry.
	ID string

	// Vertices is the zone boundary, an implicitly closed polygon ring.
	// At least three vertices.
	Vertices []r2.Vec

	// Source restricts activation to vehicles currently owned by this
	// provider. Empty means any owner qualifies.
	Source ProviderID

	// Target is the provider that receives ownership when the zone fires.
	Target ProviderID

	// ExitTarget, when set, receives ownership back once the vehicle
	// leaves the zone. Empty disables the exit condition.
	ExitTarget ProviderID

	// CooldownTicks suppresses re-activation for the same vehicle for
	// this many ticks after a handoff, preventing oscillation at the
	// boundary.
	CooldownTicks int
}
