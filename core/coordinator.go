package core

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/traffic-simulator/internal/logging"
	"github.com/signalsfoundry/traffic-simulator/model"
)

// TickState is the coordinator's per-tick state machine position.
type TickState int32

const (
	TickIdle TickState = iota
	TickCollectingProposals
	TickResolvingOwnership
	TickReconciling
	TickCommitted
)

func (s TickState) String() string {
	switch s {
	case TickIdle:
		return "idle"
	case TickCollectingProposals:
		return "collecting-proposals"
	case TickResolvingOwnership:
		return "resolving-ownership"
	case TickReconciling:
		return "reconciling"
	case TickCommitted:
		return "committed"
	default:
		return "unknown"
	}
}

// CoordinatorConfig tunes the per-tick orchestration.
type CoordinatorConfig struct {
	// TickInterval is the simulated duration of one tick, passed to every
	// provider Step as dt.
	TickInterval time.Duration
	// StepTimeout bounds each provider Step in wall-clock time; exceeding
	// it counts as a ProviderFault.
	StepTimeout time.Duration
	// FaultThreshold is the number of consecutive faults from one
	// provider that aborts the run.
	FaultThreshold int
}

func (c CoordinatorConfig) withDefaults() CoordinatorConfig {
	if c.TickInterval <= 0 {
		c.TickInterval = 100 * time.Millisecond
	}
	if c.StepTimeout <= 0 {
		c.StepTimeout = time.Second
	}
	if c.FaultThreshold <= 0 {
		c.FaultThreshold = 3
	}
	return c
}

// SnapshotListener is notified after every commit with the published
// snapshot. Listeners must treat the snapshot as read-only.
type SnapshotListener interface {
	OnCommit(ctx context.Context, snap *model.WorldSnapshot)
}

// TickMetricsRecorder receives coordinator-level measurements.
type TickMetricsRecorder interface {
	ObserveTickDuration(d time.Duration)
	ObserveStepDuration(provider string, d time.Duration)
	IncProviderFault(provider string)
	IncStaleVehicle()
}

// Coordinator orchestrates the per-tick sequence across all providers and
// reconciles their proposals into one consistent committed snapshot. It is
// the single writer of the canonical store.
type Coordinator struct {
	cfg       CoordinatorConfig
	providers []Provider
	byID      map[model.ProviderID]Provider
	store     *Store
	owner     *OwnershipManager

	listeners []SnapshotListener
	log       logging.Logger
	metrics   TickMetricsRecorder
	tracer    trace.Tracer

	state             atomic.Int32
	consecutiveFaults map[model.ProviderID]int
}

// CoordinatorOption customises Coordinator construction.
type CoordinatorOption func(*Coordinator)

// WithTickMetrics attaches an optional metrics recorder.
func WithTickMetrics(m TickMetricsRecorder) CoordinatorOption {
	return func(c *Coordinator) { c.metrics = m }
}

// WithSnapshotListener registers a commit listener.
func WithSnapshotListener(l SnapshotListener) CoordinatorOption {
	return func(c *Coordinator) {
		if l != nil {
			c.listeners = append(c.listeners, l)
		}
	}
}

// NewCoordinator wires the coordinator. Provider registration order is the
// deterministic iteration order for reconciliation.
func NewCoordinator(cfg CoordinatorConfig, store *Store, owner *OwnershipManager, providers []Provider, log logging.Logger, opts ...CoordinatorOption) *Coordinator {
	if log == nil {
		log = logging.Noop()
	}
	byID := make(map[model.ProviderID]Provider, len(providers))
	for _, p := range providers {
		byID[p.ID()] = p
	}
	c := &Coordinator{
		cfg:               cfg.withDefaults(),
		providers:         providers,
		byID:              byID,
		store:             store,
		owner:             owner,
		log:               log,
		tracer:            otel.Tracer("traffic-simulator/core"),
		consecutiveFaults: make(map[model.ProviderID]int),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// State returns the coordinator's current tick-machine state.
func (c *Coordinator) State() TickState {
	return TickState(c.state.Load())
}

func (c *Coordinator) setState(s TickState) {
	c.state.Store(int32(s))
}

// Run executes up to maxTicks ticks (maxTicks <= 0 means unbounded).
// Cancellation is honoured only at tick boundaries so a partial snapshot is
// never published.
func (c *Coordinator) Run(ctx context.Context, maxTicks int) error {
	for i := 0; maxTicks <= 0 || i < maxTicks; i++ {
		if err := ctx.Err(); err != nil {
			c.log.Info(ctx, "stop requested at tick boundary")
			return nil
		}
		if _, err := c.RunTick(ctx); err != nil {
			return err
		}
	}
	return nil
}

// stepOutcome is one provider's result for the CollectingProposals phase.
type stepOutcome struct {
	proposals []model.Proposal
	err       error
}

// RunTick advances the world by exactly one tick and returns the committed
// snapshot. A returned error is fatal for the run.
func (c *Coordinator) RunTick(ctx context.Context) (*model.WorldSnapshot, error) {
	prev := c.store.Committed()
	if prev == nil {
		return nil, ErrNotSeeded
	}
	tick := prev.Tick + 1
	ctx, log := logging.WithTickLogger(ctx, c.log, tick)

	started := time.Now()
	ctx, span := c.tracer.Start(ctx, "tick", trace.WithAttributes(attribute.Int64("tick", int64(tick))))
	defer span.End()

	c.setState(TickCollectingProposals)
	outcomes := c.collectProposals(ctx, prev)

	// Fault accounting happens right after the barrier so an exceeded
	// threshold aborts before any further phase of this tick.
	faulted := make(map[model.ProviderID]bool)
	for _, p := range c.providers {
		out := outcomes[p.ID()]
		if out.err == nil {
			c.consecutiveFaults[p.ID()] = 0
			continue
		}
		faulted[p.ID()] = true
		c.consecutiveFaults[p.ID()]++
		fault := &ProviderFaultError{
			Provider:    p.ID(),
			Tick:        tick,
			Consecutive: c.consecutiveFaults[p.ID()],
			Err:         out.err,
		}
		if c.metrics != nil {
			c.metrics.IncProviderFault(string(p.ID()))
		}
		if c.consecutiveFaults[p.ID()] >= c.cfg.FaultThreshold {
			c.setState(TickIdle)
			log.Error(ctx, "provider fault threshold reached; aborting run", logging.Err(fault))
			return nil, fault
		}
		log.Warn(ctx, "provider fault isolated; vehicles frozen for this tick", logging.Err(fault))
	}

	c.setState(TickResolvingOwnership)
	_, ownSpan := c.tracer.Start(ctx, "resolve_ownership")
	own, err := c.owner.Resolve(ctx, prev, tick, faulted)
	ownSpan.End()
	if err != nil {
		c.setState(TickIdle)
		return nil, err
	}

	c.setState(TickReconciling)
	_, recSpan := c.tracer.Start(ctx, "reconcile")
	working, err := c.reconcile(ctx, log, prev, tick, outcomes, faulted, own)
	recSpan.End()
	if err != nil {
		c.setState(TickIdle)
		return nil, err
	}

	if err := c.store.Commit(ctx, tick, working); err != nil {
		c.setState(TickIdle)
		return nil, err
	}
	c.setState(TickCommitted)

	snap := c.store.Committed()
	for _, l := range c.listeners {
		l.OnCommit(ctx, snap)
	}

	if c.metrics != nil {
		c.metrics.ObserveTickDuration(time.Since(started))
	}
	c.setState(TickIdle)
	return snap, nil
}

// collectProposals invokes every provider's Step, in parallel, each under
// its own wall-clock timeout. The returned map is only read after all
// wrapper goroutines finish: this is a hard barrier, and no provider ever
// observes another's in-flight proposal because inbound states come from the
// previous committed snapshot only.
func (c *Coordinator) collectProposals(ctx context.Context, prev *model.WorldSnapshot) map[model.ProviderID]stepOutcome {
	_, span := c.tracer.Start(ctx, "collect_proposals")
	defer span.End()

	outcomes := make(map[model.ProviderID]stepOutcome, len(c.providers))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, p := range c.providers {
		inbound := c.inboundFor(prev, p.ID())
		wg.Add(1)
		go func(p Provider, inbound []model.VehicleState) {
			defer wg.Done()

			stepCtx, cancel := context.WithTimeout(ctx, c.cfg.StepTimeout)
			defer cancel()

			done := make(chan stepOutcome, 1)
			started := time.Now()
			go func() {
				proposals, err := p.Step(stepCtx, c.cfg.TickInterval, inbound)
				done <- stepOutcome{proposals: proposals, err: err}
			}()

			var out stepOutcome
			select {
			case out = <-done:
			case <-stepCtx.Done():
				// A hung Step goroutine is abandoned; the barrier must
				// not wait for it.
				out = stepOutcome{err: fmt.Errorf("step exceeded %s: %w", c.cfg.StepTimeout, stepCtx.Err())}
			}
			if c.metrics != nil {
				c.metrics.ObserveStepDuration(string(p.ID()), time.Since(started))
			}

			mu.Lock()
			outcomes[p.ID()] = out
			mu.Unlock()
		}(p, inbound)
	}
	wg.Wait()
	return outcomes
}

// inboundFor returns the last committed states of all vehicles NOT owned by
// the given provider.
func (c *Coordinator) inboundFor(prev *model.WorldSnapshot, id model.ProviderID) []model.VehicleState {
	var out []model.VehicleState
	for _, v := range prev.Vehicles() {
		if v.Owner != id {
			out = append(out, v)
		}
	}
	return out
}

// reconcile merges provider proposals and ownership outcomes into the next
// canonical state set. Proposals are disjoint by ownership, so the merge is
// order-independent; any overlap is a logic defect and aborts the run.
func (c *Coordinator) reconcile(
	ctx context.Context,
	log logging.Logger,
	prev *model.WorldSnapshot,
	tick uint64,
	outcomes map[model.ProviderID]stepOutcome,
	faulted map[model.ProviderID]bool,
	own OwnershipResult,
) (map[model.VehicleID]model.VehicleState, error) {
	working, err := c.store.WorkingCopy()
	if err != nil {
		return nil, err
	}

	midHandoff := make(map[model.VehicleID]model.ProviderID) // vehicle -> source
	for _, rec := range own.Accepted {
		midHandoff[rec.Vehicle] = rec.From
	}
	for _, rec := range own.Pending {
		midHandoff[rec.Vehicle] = rec.From
	}

	proposed := make(map[model.VehicleID]model.ProviderID)
	removed := make(map[model.VehicleID]bool)

	for _, p := range c.providers {
		pid := p.ID()
		if faulted[pid] {
			// Discard the faulted provider's proposals wholesale; its
			// vehicles keep their last committed state for this tick.
			continue
		}
		for _, prop := range outcomes[pid].proposals {
			id := prop.State.ID
			switch prop.Kind {
			case model.ProposalNew:
				if _, exists := working[id]; exists {
					return nil, &InvariantViolationError{
						Tick:   tick,
						Reason: fmt.Sprintf("provider %s originated vehicle %s which already exists", pid, id),
					}
				}
				st := prop.State
				st.Owner = pid
				st.Stage = model.StageEntering
				working[id] = st
				proposed[id] = pid

			case model.ProposalRemove:
				prevState, exists := prev.Vehicle(id)
				if !exists || prevState.Owner != pid {
					return nil, &InvariantViolationError{
						Tick:   tick,
						Reason: fmt.Sprintf("provider %s retired vehicle %s it does not own", pid, id),
					}
				}
				delete(working, id)
				removed[id] = true
				c.owner.Forget(id)

			case model.ProposalUpdate:
				prevState, exists := prev.Vehicle(id)
				if !exists {
					return nil, &InvariantViolationError{
						Tick:   tick,
						Reason: fmt.Sprintf("provider %s proposed update for unknown vehicle %s", pid, id),
					}
				}
				if prevState.Owner != pid {
					return nil, &InvariantViolationError{
						Tick:   tick,
						Reason: fmt.Sprintf("provider %s proposed update for vehicle %s owned by %s", pid, id, prevState.Owner),
					}
				}
				if other, dup := proposed[id]; dup {
					return nil, &InvariantViolationError{
						Tick:   tick,
						Reason: fmt.Sprintf("vehicle %s proposed by both %s and %s", id, other, pid),
					}
				}
				st := prop.State
				st.Owner = pid
				if st.Stage == model.StageEntering {
					st.Stage = model.StageActive
				}
				working[id] = st
				proposed[id] = pid
			}
		}
	}

	// Handoff outcomes supersede stale source proposals: the destination's
	// accepted seed is the authoritative state at the handoff tick.
	for _, rec := range own.Accepted {
		st := rec.Seed
		st.Owner = rec.To
		st.Stage = model.StageActive
		working[rec.Vehicle] = st
	}
	for _, rec := range own.Pending {
		if st, ok := working[rec.Vehicle]; ok {
			st.Stage = model.StageHandingOff
			working[rec.Vehicle] = st
		}
	}
	for _, id := range own.Tombstoned {
		delete(working, id)
		removed[id] = true
		c.owner.Forget(id)
	}

	// Vehicles with zero proposers are stale: their owner went silent on
	// them without retiring them. Recover by dropping, never by guessing.
	for _, v := range prev.Vehicles() {
		id := v.ID
		if removed[id] {
			continue
		}
		if _, ok := proposed[id]; ok {
			continue
		}
		if _, mid := midHandoff[id]; mid {
			continue
		}
		if faulted[v.Owner] {
			continue // frozen, not stale
		}
		stale := &StaleVehicleError{Vehicle: id, Owner: v.Owner, Tick: tick}
		log.Warn(ctx, "dropping stale vehicle", logging.Err(stale))
		if c.metrics != nil {
			c.metrics.IncStaleVehicle()
		}
		delete(working, id)
		c.owner.Forget(id)
	}

	return working, nil
}
