package model

// HandoffRecord describes an in-flight ownership transfer of one vehicle
// from provider From to provider To. It carries the last-known-good state
// used to seed the destination, and is destroyed once the destination
// acknowledges acceptance.
type HandoffRecord struct {
	Vehicle VehicleID
	From    ProviderID
	To      ProviderID

	// Seed is the last-known-good state released by the source provider,
	// handed to the destination's AcceptVehicle.
	Seed VehicleState

	// ZoneIndex is the configured index of the trigger zone that created
	// this record. Lower indexes win conflicts deterministically.
	ZoneIndex int

	// Attempts counts how many ticks this handoff has been tried. Once it
	// exceeds the configured retry limit the vehicle is reported stuck.
	Attempts int
}
