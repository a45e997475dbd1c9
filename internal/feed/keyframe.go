package feed

import "github.com/signalsfoundry/traffic-simulator/model"

// Keyframe is one committed snapshot encoded for external consumers
// (visualization, telemetry capture). Vehicles are sorted by ID, so
// identical snapshots always serialize identically.
type Keyframe struct {
	Tick     uint64         `json:"tick"`
	Vehicles []VehicleFrame `json:"vehicles"`
}

// VehicleFrame is one vehicle's externally visible state.
type VehicleFrame struct {
	ID      string  `json:"id"`
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	Heading float64 `json:"heading"`
	VX      float64 `json:"vx"`
	VY      float64 `json:"vy"`
	Length  float64 `json:"length"`
	Width   float64 `json:"width"`
	Owner   string  `json:"owner"`
	Stage   string  `json:"stage"`
}

// EncodeKeyframe converts a committed snapshot into its wire form.
func EncodeKeyframe(snap *model.WorldSnapshot) Keyframe {
	vehicles := snap.Vehicles()
	kf := Keyframe{
		Tick:     snap.Tick,
		Vehicles: make([]VehicleFrame, 0, len(vehicles)),
	}
	for _, v := range vehicles {
		kf.Vehicles = append(kf.Vehicles, VehicleFrame{
			ID:      string(v.ID),
			X:       v.Pose.Position.X,
			Y:       v.Pose.Position.Y,
			Heading: v.Pose.Heading,
			VX:      v.Velocity.X,
			VY:      v.Velocity.Y,
			Length:  v.Dims.Length,
			Width:   v.Dims.Width,
			Owner:   string(v.Owner),
			Stage:   v.Stage.String(),
		})
	}
	return kf
}
