package core

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/signalsfoundry/traffic-simulator/internal/logging"
	"github.com/signalsfoundry/traffic-simulator/model"
)

// OwnershipConfig tunes the handoff arbitration policy.
type OwnershipConfig struct {
	// HandoffRetryLimit bounds how many ticks a rejected handoff is
	// retried before the vehicle is reported stuck.
	HandoffRetryLimit int
	// ContinuityTolerance is the maximum position jump (metres) allowed
	// across a handoff before a warning is logged.
	ContinuityTolerance float64
	// DefaultCooldownTicks applies to zones that do not set their own
	// cooldown.
	DefaultCooldownTicks int
	// WorldBounds, when non-empty, retires vehicles that exhaust their
	// handoff retries outside the simulated world instead of freezing
	// them. Ownerless vehicles must never reach a committed snapshot.
	WorldBounds Rect
}

func (c OwnershipConfig) withDefaults() OwnershipConfig {
	if c.HandoffRetryLimit <= 0 {
		c.HandoffRetryLimit = 3
	}
	if c.ContinuityTolerance <= 0 {
		c.ContinuityTolerance = 2.0
	}
	if c.DefaultCooldownTicks <= 0 {
		c.DefaultCooldownTicks = 50
	}
	return c
}

// OwnershipMetricsRecorder counts handoff outcomes per zone.
type OwnershipMetricsRecorder interface {
	IncHandoff(zone, result string)
}

// OwnershipResult is the outcome of one tick of trigger evaluation and
// handoff execution.
type OwnershipResult struct {
	// Accepted handoffs; the seed state (with the new owner applied by
	// the coordinator) supersedes any stale proposal from the source.
	Accepted []model.HandoffRecord
	// Pending handoffs still waiting after this tick; the vehicle stays
	// with its source provider, stage handing-off.
	Pending []model.HandoffRecord
	// Stuck vehicles that exhausted their retry budget this tick.
	Stuck []*StuckVehicleError
	// Tombstoned vehicles retired because they left the world bounds
	// with no accepting provider.
	Tombstoned []model.VehicleID
}

// OwnershipManager decides, for every vehicle and every tick, who owns it
// next. Trigger zones are evaluated strictly against the previous committed
// snapshot so results never depend on provider stepping order.
type OwnershipManager struct {
	cfg       OwnershipConfig
	zones     []*TriggerZone
	zoneByIdx map[int]*TriggerZone
	providers map[model.ProviderID]Provider

	pending       map[model.VehicleID]*model.HandoffRecord
	cooldownUntil map[model.VehicleID]uint64
	stuck         map[model.VehicleID]bool

	log     logging.Logger
	metrics OwnershipMetricsRecorder
}

// OwnershipOption customises OwnershipManager construction.
type OwnershipOption func(*OwnershipManager)

// WithOwnershipMetrics attaches an optional handoff metrics recorder.
func WithOwnershipMetrics(m OwnershipMetricsRecorder) OwnershipOption {
	return func(o *OwnershipManager) { o.metrics = m }
}

// NewOwnershipManager validates that every zone references registered
// providers and wires the manager.
func NewOwnershipManager(cfg OwnershipConfig, zones []*TriggerZone, providers []Provider, log logging.Logger, opts ...OwnershipOption) (*OwnershipManager, error) {
	if log == nil {
		log = logging.Noop()
	}
	byID := make(map[model.ProviderID]Provider, len(providers))
	for _, p := range providers {
		byID[p.ID()] = p
	}
	byIdx := make(map[int]*TriggerZone, len(zones))
	for _, z := range zones {
		target, ok := byID[z.Def.Target]
		if !ok {
			return nil, fmt.Errorf("zone %q target %q: %w", z.Def.ID, z.Def.Target, ErrUnknownProvider)
		}
		if !target.Capabilities().AcceptsHandoff {
			return nil, fmt.Errorf("zone %q target %q does not accept handoffs", z.Def.ID, z.Def.Target)
		}
		if z.Def.ExitTarget != model.ProviderNone {
			exit, ok := byID[z.Def.ExitTarget]
			if !ok {
				return nil, fmt.Errorf("zone %q exit target %q: %w", z.Def.ID, z.Def.ExitTarget, ErrUnknownProvider)
			}
			if !exit.Capabilities().AcceptsHandoff {
				return nil, fmt.Errorf("zone %q exit target %q does not accept handoffs", z.Def.ID, z.Def.ExitTarget)
			}
		}
		byIdx[z.Index] = z
	}

	m := &OwnershipManager{
		cfg:           cfg.withDefaults(),
		zones:         zones,
		zoneByIdx:     byIdx,
		providers:     byID,
		pending:       make(map[model.VehicleID]*model.HandoffRecord),
		cooldownUntil: make(map[model.VehicleID]uint64),
		stuck:         make(map[model.VehicleID]bool),
		log:           log,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m, nil
}

// Resolve runs one tick of the ownership algorithm: evaluate triggers
// against the previous committed snapshot, then execute every pending
// handoff (newly created and carried-over retries). Vehicles owned by a
// provider in the faulted set are frozen this tick: their triggers do not
// fire and their pending handoffs are deferred without consuming a retry,
// so a mid-fault provider is never asked to release state. The returned
// error is fatal; recoverable conditions are reported in the result and
// logged.
func (m *OwnershipManager) Resolve(ctx context.Context, prev *model.WorldSnapshot, tick uint64, faulted map[model.ProviderID]bool) (OwnershipResult, error) {
	var res OwnershipResult

	m.evaluateTriggers(ctx, prev, tick, faulted)

	// Execute in sorted vehicle-ID order so retries and metrics are
	// reproducible across runs.
	ids := make([]model.VehicleID, 0, len(m.pending))
	for id := range m.pending {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		rec := m.pending[id]
		if faulted[rec.From] {
			m.log.Warn(ctx, "handoff deferred: source provider faulted this tick",
				logging.String("vehicle", string(rec.Vehicle)),
				logging.String("from", string(rec.From)),
			)
			continue
		}
		if err := m.executeHandoff(ctx, prev, tick, rec, &res); err != nil {
			return res, err
		}
	}
	return res, nil
}

// evaluateTriggers creates handoff records for vehicles whose activation (or
// exit) predicate is newly satisfied. Conflicts resolve deterministically:
// the lowest-index zone wins; losers are discarded for this tick and simply
// re-evaluate next tick if still satisfied.
func (m *OwnershipManager) evaluateTriggers(ctx context.Context, prev *model.WorldSnapshot, tick uint64, faulted map[model.ProviderID]bool) {
	for _, v := range prev.Vehicles() {
		if faulted[v.Owner] {
			continue
		}
		if _, mid := m.pending[v.ID]; mid {
			continue
		}
		if m.stuck[v.ID] {
			continue
		}
		if until, ok := m.cooldownUntil[v.ID]; ok && tick < until {
			continue
		}

		// Zones are iterated in configuration order, so the first match
		// is the lowest-index winner.
		for _, z := range m.zones {
			var to model.ProviderID
			switch {
			case z.Activates(v):
				to = z.Def.Target
			case z.ExitActivates(v):
				to = z.Def.ExitTarget
			default:
				continue
			}
			m.pending[v.ID] = &model.HandoffRecord{
				Vehicle:   v.ID,
				From:      v.Owner,
				To:        to,
				ZoneIndex: z.Index,
			}
			m.log.Debug(ctx, "trigger satisfied",
				logging.String("vehicle", string(v.ID)),
				logging.String("zone", z.Def.ID),
				logging.String("from", string(v.Owner)),
				logging.String("to", string(to)),
			)
			break
		}
	}
}

// executeHandoff releases the vehicle from its source and offers the seed to
// the destination. On rejection the vehicle is restored to the source and
// retried next tick, up to the configured bound.
func (m *OwnershipManager) executeHandoff(ctx context.Context, prev *model.WorldSnapshot, tick uint64, rec *model.HandoffRecord, res *OwnershipResult) error {
	rec.Attempts++
	zoneID := m.zoneID(rec.ZoneIndex)

	src, ok := m.providers[rec.From]
	if !ok {
		// The source provider vanished from under a pending record; the
		// reconciler will flag the vehicle stale. Drop the record.
		delete(m.pending, rec.Vehicle)
		m.log.Error(ctx, "handoff source provider missing",
			logging.String("vehicle", string(rec.Vehicle)),
			logging.String("from", string(rec.From)),
		)
		return nil
	}
	dst := m.providers[rec.To] // validated at construction

	seed, err := src.ReleaseVehicle(rec.Vehicle)
	if err != nil {
		// The source no longer knows the vehicle (it may have retired it
		// this tick). Nothing to transfer.
		delete(m.pending, rec.Vehicle)
		m.log.Warn(ctx, "handoff release failed",
			logging.String("vehicle", string(rec.Vehicle)),
			logging.String("from", string(rec.From)),
			logging.Err(err),
		)
		return nil
	}
	rec.Seed = seed

	if err := dst.AcceptVehicle(rec.Vehicle, seed); err != nil {
		if !errors.Is(err, ErrRejectedHandoff) {
			m.log.Error(ctx, "handoff accept failed with non-rejection error",
				logging.String("vehicle", string(rec.Vehicle)),
				logging.String("to", string(rec.To)),
				logging.Err(err),
			)
		}
		// Keep the vehicle under its source this tick. A provider must be
		// able to re-accept its own just-released seed; failure here
		// would leave the vehicle ownerless, which is fatal.
		if restoreErr := src.AcceptVehicle(rec.Vehicle, seed); restoreErr != nil {
			return &InvariantViolationError{
				Tick:   tick,
				Reason: fmt.Sprintf("vehicle %s ownerless: source %s refused restore after rejected handoff: %v", rec.Vehicle, rec.From, restoreErr),
			}
		}
		m.incHandoff(zoneID, "rejected")

		if rec.Attempts > m.cfg.HandoffRetryLimit {
			delete(m.pending, rec.Vehicle)
			if !m.cfg.WorldBounds.Empty() && !m.cfg.WorldBounds.Contains(seed.Pose.Position) {
				// Out of world with nobody willing to host it: retire
				// instead of freezing an unreachable vehicle.
				res.Tombstoned = append(res.Tombstoned, rec.Vehicle)
				m.incHandoff(zoneID, "tombstoned")
				m.log.Warn(ctx, "vehicle left world bounds with no accepting provider; retiring",
					logging.String("vehicle", string(rec.Vehicle)),
				)
				return nil
			}
			m.stuck[rec.Vehicle] = true
			stuck := &StuckVehicleError{
				Vehicle:  rec.Vehicle,
				From:     rec.From,
				To:       rec.To,
				Attempts: rec.Attempts,
			}
			res.Stuck = append(res.Stuck, stuck)
			m.incHandoff(zoneID, "stuck")
			m.log.Error(ctx, "handoff exhausted retries", logging.Err(stuck))
			return nil
		}

		res.Pending = append(res.Pending, *rec)
		return nil
	}

	// Accepted: the record is destroyed and the seed becomes the vehicle's
	// state under its new owner.
	delete(m.pending, rec.Vehicle)
	m.cooldownUntil[rec.Vehicle] = tick + uint64(m.cooldownTicks(rec.ZoneIndex))
	res.Accepted = append(res.Accepted, *rec)
	m.incHandoff(zoneID, "accepted")

	if prevState, ok := prev.Vehicle(rec.Vehicle); ok {
		if jump := prevState.DistanceTo(seed); jump > m.cfg.ContinuityTolerance {
			m.log.Warn(ctx, "handoff position discontinuity",
				logging.String("vehicle", string(rec.Vehicle)),
				logging.Float64("jump_m", jump),
				logging.Float64("tolerance_m", m.cfg.ContinuityTolerance),
			)
		}
	}
	m.log.Info(ctx, "handoff accepted",
		logging.String("vehicle", string(rec.Vehicle)),
		logging.String("from", string(rec.From)),
		logging.String("to", string(rec.To)),
		logging.Int("attempts", rec.Attempts),
	)
	return nil
}

// ResolveStuck clears the stuck flag for a vehicle after manual resolution,
// letting zones trigger for it again.
func (m *OwnershipManager) ResolveStuck(id model.VehicleID) {
	delete(m.stuck, id)
}

// Forget drops all transient per-vehicle state for a retired vehicle.
func (m *OwnershipManager) Forget(id model.VehicleID) {
	delete(m.pending, id)
	delete(m.cooldownUntil, id)
	delete(m.stuck, id)
}

func (m *OwnershipManager) cooldownTicks(zoneIndex int) int {
	if z, ok := m.zoneByIdx[zoneIndex]; ok && z.Def.CooldownTicks > 0 {
		return z.Def.CooldownTicks
	}
	return m.cfg.DefaultCooldownTicks
}

func (m *OwnershipManager) zoneID(zoneIndex int) string {
	if z, ok := m.zoneByIdx[zoneIndex]; ok {
		return z.Def.ID
	}
	return fmt.Sprintf("zone-%d", zoneIndex)
}

func (m *OwnershipManager) incHandoff(zone, result string) {
	if m.metrics != nil {
		m.metrics.IncHandoff(zone, result)
	}
}
