package timectrl

import (
	"context"
	"sync"
	"time"
)

// SimClock exposes simulation time to components that should not depend on
// the concrete controller type (observation consumers, tests).
type SimClock interface {
	// Now returns the current simulation time.
	Now() time.Time
}

// Mode describes how the TimeController advances simulation time.
type Mode int

const (
	// RealTime paces ticks by wall-clock time, one tick per Tick interval.
	RealTime Mode = iota
	// Accelerated runs ticks back to back as fast as the step function
	// completes, while simulation time still advances by Tick per step.
	Accelerated
)

// StepFunc advances the simulation by exactly one tick.
type StepFunc func(ctx context.Context) error

// TimeController drives the simulation loop: it decides when the next tick
// starts and tracks the corresponding simulation time. Simulation time is
// decoupled from wall time so the same scenario runs identically in
// real-time and accelerated mode.
type TimeController struct {
	StartTime time.Time
	Tick      time.Duration
	Mode      Mode

	mu          sync.RWMutex
	currentTime time.Time
	ticksRun    uint64
}

// NewTimeController constructs a controller.
func NewTimeController(start time.Time, tick time.Duration, mode Mode) *TimeController {
	return &TimeController{
		StartTime:   start,
		Tick:        tick,
		Mode:        mode,
		currentTime: start,
	}
}

// Now returns the current simulation time. Implements SimClock.
func (tc *TimeController) Now() time.Time {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.currentTime
}

// TicksRun returns how many ticks have completed.
func (tc *TimeController) TicksRun() uint64 {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.ticksRun
}

// Drive runs step once per tick until maxTicks ticks have completed
// (maxTicks <= 0 means unbounded), step returns an error, or the context is
// cancelled. Cancellation is only observed between ticks; a tick that has
// started always finishes.
func (tc *TimeController) Drive(ctx context.Context, step StepFunc, maxTicks int) error {
	var ticker *time.Ticker
	if tc.Mode == RealTime {
		ticker = time.NewTicker(tc.Tick)
		defer ticker.Stop()
	}

	for i := 0; maxTicks <= 0 || i < maxTicks; i++ {
		if err := ctx.Err(); err != nil {
			return nil
		}
		if ticker != nil {
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return nil
			}
		}

		if err := step(ctx); err != nil {
			return err
		}

		tc.mu.Lock()
		tc.currentTime = tc.currentTime.Add(tc.Tick)
		tc.ticksRun++
		tc.mu.Unlock()
	}
	return nil
}
