package core

import (
	"fmt"
	"io"

	"gonum.org/v1/gonum/spatial/r2"
	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/traffic-simulator/model"
)

// Scenario is the startup-only description of a simulation run: the road
// network, the provider set, the trigger zones, and the initial vehicle
// population. The loader populates providers directly, so after LoadScenario
// the assembled pieces are ready for a coordinator.
type Scenario struct {
	Name      string
	Roads     *PolylineMap
	Providers []Provider
	Zones     []*TriggerZone
	Initial   []model.VehicleState
	Bounds    Rect
}

// internal YAML shapes, kept unexported so the format can evolve freely.
type scenarioYAML struct {
	Name        string         `yaml:"name"`
	Lanes       []laneYAML     `yaml:"lanes"`
	Providers   []providerYAML `yaml:"providers"`
	Zones       []zoneYAML     `yaml:"zones"`
	Vehicles    []vehicleYAML  `yaml:"vehicles"`
	WorldBounds *boundsYAML    `yaml:"world_bounds"`
}

type laneYAML struct {
	ID         string      `yaml:"id"`
	Width      float64     `yaml:"width"`
	SpeedLimit float64     `yaml:"speed_limit"`
	Points     [][]float64 `yaml:"points"`
}

type providerYAML struct {
	ID   string `yaml:"id"`
	Type string `yaml:"type"` // traffic | physics | planner | agent

	// traffic
	Seed             int64   `yaml:"seed"`
	SpawnProbability float64 `yaml:"spawn_probability"`
	MaxVehicles      int     `yaml:"max_vehicles"`
	MinGap           float64 `yaml:"min_gap"`

	// planner / physics
	CruiseSpeed float64 `yaml:"cruise_speed"`
	SubSteps    int     `yaml:"sub_steps"`
	Wheelbase   float64 `yaml:"wheelbase"`
}

type zoneYAML struct {
	ID            string      `yaml:"id"`
	Source        string      `yaml:"source"`
	Target        string      `yaml:"target"`
	ExitTarget    string      `yaml:"exit_target"`
	CooldownTicks int         `yaml:"cooldown_ticks"`
	Vertices      [][]float64 `yaml:"vertices"`
}

type vehicleYAML struct {
	ID       string      `yaml:"id"`
	Provider string      `yaml:"provider"`
	Position []float64   `yaml:"position"`
	Heading  float64     `yaml:"heading"`
	Speed    float64     `yaml:"speed"`
	Length   float64     `yaml:"length"`
	Width    float64     `yaml:"width"`
	Route    [][]float64 `yaml:"route"`
}

type boundsYAML struct {
	Min []float64 `yaml:"min"`
	Max []float64 `yaml:"max"`
}

// LoadScenario reads a YAML scenario from r, builds the road network,
// providers, and zones, and seeds the initial vehicles into their assigned
// providers. It fails on structural errors and on any initial vehicle its
// provider refuses to host.
func LoadScenario(r io.Reader) (*Scenario, error) {
	var payload scenarioYAML
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("LoadScenario: decode failed: %w", err)
	}

	sc := &Scenario{
		Name:  payload.Name,
		Roads: NewPolylineMap(),
	}

	for _, l := range payload.Lanes {
		if l.ID == "" {
			return nil, fmt.Errorf("LoadScenario: lane with empty id")
		}
		pts, err := toVecs(l.Points)
		if err != nil {
			return nil, fmt.Errorf("LoadScenario: lane %s: %w", l.ID, err)
		}
		width := l.Width
		if width <= 0 {
			width = 3.5
		}
		speed := l.SpeedLimit
		if speed <= 0 {
			speed = 13.9
		}
		if err := sc.Roads.AddLane(&Lane{ID: LaneRef(l.ID), Points: pts, Width: width, SpeedLimit: speed}); err != nil {
			return nil, fmt.Errorf("LoadScenario: %w", err)
		}
	}

	byID := make(map[model.ProviderID]Provider)
	for _, p := range payload.Providers {
		prov, err := buildProvider(p, sc.Roads)
		if err != nil {
			return nil, fmt.Errorf("LoadScenario: provider %s: %w", p.ID, err)
		}
		if _, dup := byID[prov.ID()]; dup {
			return nil, fmt.Errorf("LoadScenario: duplicate provider %s", p.ID)
		}
		byID[prov.ID()] = prov
		sc.Providers = append(sc.Providers, prov)
	}

	for i, z := range payload.Zones {
		verts, err := toVecs(z.Vertices)
		if err != nil {
			return nil, fmt.Errorf("LoadScenario: zone %s: %w", z.ID, err)
		}
		zone, err := CompileZone(i, model.ZoneDefinition{
			ID:            z.ID,
			Vertices:      verts,
			Source:        model.ProviderID(z.Source),
			Target:        model.ProviderID(z.Target),
			ExitTarget:    model.ProviderID(z.ExitTarget),
			CooldownTicks: z.CooldownTicks,
		})
		if err != nil {
			return nil, fmt.Errorf("LoadScenario: %w", err)
		}
		sc.Zones = append(sc.Zones, zone)
	}

	for _, v := range payload.Vehicles {
		if v.ID == "" {
			return nil, fmt.Errorf("LoadScenario: vehicle with empty id")
		}
		prov, ok := byID[model.ProviderID(v.Provider)]
		if !ok {
			return nil, fmt.Errorf("LoadScenario: vehicle %s: provider %q: %w", v.ID, v.Provider, ErrUnknownProvider)
		}
		pos, err := toVec(v.Position)
		if err != nil {
			return nil, fmt.Errorf("LoadScenario: vehicle %s: %w", v.ID, err)
		}
		dims := model.Dimensions{Length: v.Length, Width: v.Width}
		if dims.Length <= 0 {
			dims = model.Dimensions{Length: 4.5, Width: 1.8}
		}
		state := model.VehicleState{
			ID:       model.VehicleID(v.ID),
			Pose:     model.Pose{Position: pos, Heading: v.Heading},
			Velocity: HeadingToVelocity(v.Heading, v.Speed),
			Dims:     dims,
			Owner:    prov.ID(),
			Stage:    model.StageActive,
		}

		if len(v.Route) > 0 {
			planner, ok := prov.(*MotionPlannerProvider)
			if !ok {
				return nil, fmt.Errorf("LoadScenario: vehicle %s: route given but provider %s is not a planner", v.ID, v.Provider)
			}
			waypoints, err := toVecs(v.Route)
			if err != nil {
				return nil, fmt.Errorf("LoadScenario: vehicle %s route: %w", v.ID, err)
			}
			if err := planner.AddRoute(state.ID, waypoints); err != nil {
				return nil, fmt.Errorf("LoadScenario: %w", err)
			}
		}

		if err := prov.AcceptVehicle(state.ID, state); err != nil {
			return nil, fmt.Errorf("LoadScenario: vehicle %s not hosted by %s: %w", v.ID, v.Provider, err)
		}
		sc.Initial = append(sc.Initial, state)
	}

	if payload.WorldBounds != nil {
		min, err := toVec(payload.WorldBounds.Min)
		if err != nil {
			return nil, fmt.Errorf("LoadScenario: world_bounds min: %w", err)
		}
		max, err := toVec(payload.WorldBounds.Max)
		if err != nil {
			return nil, fmt.Errorf("LoadScenario: world_bounds max: %w", err)
		}
		sc.Bounds = Rect{Min: min, Max: max}
	}

	return sc, nil
}

func buildProvider(p providerYAML, roads *PolylineMap) (Provider, error) {
	if p.ID == "" {
		return nil, fmt.Errorf("empty id")
	}
	id := model.ProviderID(p.ID)
	switch p.Type {
	case "traffic":
		return NewTrafficFlowProvider(id, roads, TrafficConfig{
			Seed:             p.Seed,
			SpawnProbability: p.SpawnProbability,
			MaxVehicles:      p.MaxVehicles,
			MinGap:           p.MinGap,
		}), nil
	case "physics":
		return NewPhysicsProvider(id, PhysicsConfig{
			MaxVehicles: p.MaxVehicles,
			SubSteps:    p.SubSteps,
			Wheelbase:   p.Wheelbase,
		}), nil
	case "planner":
		return NewMotionPlannerProvider(id, PlannerConfig{
			CruiseSpeed: p.CruiseSpeed,
			SubSteps:    p.SubSteps,
		}), nil
	case "agent":
		return NewExternalAgentProvider(id), nil
	default:
		return nil, fmt.Errorf("unknown provider type %q", p.Type)
	}
}

func toVecs(raw [][]float64) ([]r2.Vec, error) {
	out := make([]r2.Vec, 0, len(raw))
	for _, p := range raw {
		v, err := toVec(p)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func toVec(p []float64) (r2.Vec, error) {
	if len(p) != 2 {
		return r2.Vec{}, fmt.Errorf("point needs exactly 2 coordinates, got %d", len(p))
	}
	return r2.Vec{X: p[0], Y: p[1]}, nil
}
