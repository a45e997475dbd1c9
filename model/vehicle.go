package model

import (
	"math"

	"gonum.org/v1/gonum/spatial/r2"
)

// VehicleID uniquely identifies a vehicle for its whole lifetime. IDs are
// never reused, even after the vehicle is retired.
type VehicleID string

// ProviderID identifies a simulation backend.
type ProviderID string

// ProviderNone marks a vehicle that currently has no authoritative provider.
// A committed snapshot must never contain such a vehicle.
const ProviderNone ProviderID = ""

// LifecycleStage tracks where a vehicle is in its lifetime.
type LifecycleStage int

const (
	StageEntering LifecycleStage = iota
	StageActive
	StageHandingOff
	StageExiting
)

func (s LifecycleStage) String() string {
	switch s {
	case StageEntering:
		return "entering"
	case StageActive:
		return "active"
	case StageHandingOff:
		return "handing-off"
	case StageExiting:
		return "exiting"
	default:
		return "unknown"
	}
}

// Pose is a planar position plus heading. Heading is in radians,
// counter-clockwise from +X.
type Pose struct {
	Position r2.Vec
	Heading  float64
}

// Dimensions is the vehicle's bounding geometry in metres.
type Dimensions struct {
	Length float64
	Width  float64
}

// VehicleState is the canonical, provider-agnostic record of one vehicle.
// It is a plain value; copies are cheap and safe to hand out.
type VehicleState struct {
	ID       VehicleID
	Pose     Pose
	Velocity r2.Vec
	Dims     Dimensions
	Owner    ProviderID
	Stage    LifecycleStage
}

// Speed returns the scalar speed in m/s.
func (v VehicleState) Speed() float64 {
	return math.Hypot(v.Velocity.X, v.Velocity.Y)
}

// DistanceTo returns the straight-line distance between two vehicle positions.
func (v VehicleState) DistanceTo(other VehicleState) float64 {
	d := r2.Sub(v.Pose.Position, other.Pose.Position)
	return math.Hypot(d.X, d.Y)
}
