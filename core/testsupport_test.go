package core

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"gonum.org/v1/gonum/spatial/r2"

	"github.com/signalsfoundry/traffic-simulator/model"
)

// fakeProvider is a scriptable provider for coordinator and ownership tests.
// By default it proposes an unchanged ProposalUpdate for every vehicle it
// hosts and accepts any handoff.
type fakeProvider struct {
	id   model.ProviderID
	caps model.Capabilities

	mu       sync.Mutex
	vehicles map[model.VehicleID]model.VehicleState

	// stepFn, when set, replaces the default Step behavior.
	stepFn func(ctx context.Context, dt time.Duration, inbound []model.VehicleState) ([]model.Proposal, error)
	// acceptErr, when set, is returned by AcceptVehicle for vehicles the
	// provider is not merely re-accepting after its own release.
	acceptErr error

	stepCalls int
	accepted  []model.VehicleID
	released  []model.VehicleID
}

func newFakeProvider(id model.ProviderID) *fakeProvider {
	return &fakeProvider{
		id:       id,
		caps:     model.Capabilities{AcceptsHandoff: true, SubSteps: 1},
		vehicles: make(map[model.VehicleID]model.VehicleState),
	}
}

func (f *fakeProvider) host(states ...model.VehicleState) *fakeProvider {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, st := range states {
		st.Owner = f.id
		f.vehicles[st.ID] = st
	}
	return f
}

func (f *fakeProvider) ID() model.ProviderID             { return f.id }
func (f *fakeProvider) Capabilities() model.Capabilities { return f.caps }

func (f *fakeProvider) Step(ctx context.Context, dt time.Duration, inbound []model.VehicleState) ([]model.Proposal, error) {
	f.mu.Lock()
	f.stepCalls++
	f.mu.Unlock()
	if f.stepFn != nil {
		return f.stepFn(ctx, dt, inbound)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]model.VehicleID, 0, len(f.vehicles))
	for id := range f.vehicles {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	proposals := make([]model.Proposal, 0, len(ids))
	for _, id := range ids {
		st := f.vehicles[id]
		st.Stage = model.StageActive
		proposals = append(proposals, model.Proposal{Kind: model.ProposalUpdate, State: st})
	}
	return proposals, nil
}

func (f *fakeProvider) AcceptVehicle(id model.VehicleID, seed model.VehicleState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.acceptErr != nil {
		return f.acceptErr
	}
	seed.Owner = f.id
	f.vehicles[id] = seed
	f.accepted = append(f.accepted, id)
	return nil
}

func (f *fakeProvider) ReleaseVehicle(id model.VehicleID) (model.VehicleState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.vehicles[id]
	if !ok {
		return model.VehicleState{}, ErrUnknownVehicle
	}
	delete(f.vehicles, id)
	f.released = append(f.released, id)
	st.Stage = model.StageHandingOff
	return st, nil
}

// fakeTickMetrics captures coordinator metric calls. Step durations arrive
// from parallel goroutines, so everything is mutex-guarded.
type fakeTickMetrics struct {
	mu            sync.Mutex
	tickDurations int
	stepDurations map[string]int
	faults        map[string]int
	stale         int
}

func newFakeTickMetrics() *fakeTickMetrics {
	return &fakeTickMetrics{
		stepDurations: make(map[string]int),
		faults:        make(map[string]int),
	}
}

func (m *fakeTickMetrics) ObserveTickDuration(time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tickDurations++
}

func (m *fakeTickMetrics) ObserveStepDuration(provider string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stepDurations[provider]++
}

func (m *fakeTickMetrics) IncProviderFault(provider string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults[provider]++
}

func (m *fakeTickMetrics) IncStaleVehicle() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stale++
}

// fakeHandoffMetrics counts handoff outcomes per zone/result pair.
type fakeHandoffMetrics struct {
	mu     sync.Mutex
	counts map[string]int
}

func newFakeHandoffMetrics() *fakeHandoffMetrics {
	return &fakeHandoffMetrics{counts: make(map[string]int)}
}

func (m *fakeHandoffMetrics) IncHandoff(zone, result string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[zone+"/"+result]++
}

func (m *fakeHandoffMetrics) count(zone, result string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[zone+"/"+result]
}

func vehicleAt(id model.VehicleID, owner model.ProviderID, x, y float64) model.VehicleState {
	return model.VehicleState{
		ID:    id,
		Pose:  model.Pose{Position: r2.Vec{X: x, Y: y}},
		Dims:  model.Dimensions{Length: 4.5, Width: 1.8},
		Owner: owner,
		Stage: model.StageActive,
	}
}

func snapshotOf(tick uint64, states ...model.VehicleState) *model.WorldSnapshot {
	byID := make(map[model.VehicleID]model.VehicleState, len(states))
	for _, st := range states {
		byID[st.ID] = st
	}
	return model.NewWorldSnapshot(tick, byID)
}

// squareZone compiles an axis-aligned square trigger zone for tests.
func squareZone(t *testing.T, index int, id string, source, target, exitTarget model.ProviderID, minX, minY, maxX, maxY float64) *TriggerZone {
	t.Helper()
	zone, err := CompileZone(index, model.ZoneDefinition{
		ID:     id,
		Source: source,
		Target: target,
		Vertices: []r2.Vec{
			{X: minX, Y: minY},
			{X: maxX, Y: minY},
			{X: maxX, Y: maxY},
			{X: minX, Y: maxY},
		},
		ExitTarget: exitTarget,
	})
	if err != nil {
		t.Fatalf("CompileZone(%s): %v", id, err)
	}
	return zone
}
