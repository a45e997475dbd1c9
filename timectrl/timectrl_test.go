package timectrl

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestDriveAcceleratedRunsExactTickCount(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tc := NewTimeController(start, 100*time.Millisecond, Accelerated)

	steps := 0
	err := tc.Drive(context.Background(), func(ctx context.Context) error {
		steps++
		return nil
	}, 25)
	if err != nil {
		t.Fatalf("Drive: %v", err)
	}
	if steps != 25 {
		t.Errorf("steps = %d, want 25", steps)
	}
	if got := tc.TicksRun(); got != 25 {
		t.Errorf("TicksRun = %d, want 25", got)
	}

	// Simulation time advanced by exactly ticks * interval, decoupled from
	// wall time.
	want := start.Add(25 * 100 * time.Millisecond)
	if got := tc.Now(); !got.Equal(want) {
		t.Errorf("Now = %v, want %v", got, want)
	}
}

func TestDriveStopsOnStepError(t *testing.T) {
	tc := NewTimeController(time.Now(), time.Millisecond, Accelerated)

	steps := 0
	err := tc.Drive(context.Background(), func(ctx context.Context) error {
		steps++
		if steps == 3 {
			return fmt.Errorf("boom")
		}
		return nil
	}, 0)
	if err == nil {
		t.Fatalf("expected step error to propagate")
	}
	if steps != 3 {
		t.Errorf("steps = %d, want 3", steps)
	}
	// The failed tick did not complete.
	if got := tc.TicksRun(); got != 2 {
		t.Errorf("TicksRun = %d, want 2", got)
	}
}

func TestDriveHonoursCancelBetweenTicks(t *testing.T) {
	tc := NewTimeController(time.Now(), time.Millisecond, Accelerated)

	ctx, cancel := context.WithCancel(context.Background())
	steps := 0
	err := tc.Drive(ctx, func(stepCtx context.Context) error {
		steps++
		if steps == 5 {
			cancel()
		}
		return nil
	}, 0)
	if err != nil {
		t.Fatalf("Drive after cancel: %v", err)
	}
	// The tick that observed the cancel still finished; no further tick
	// started.
	if steps != 5 {
		t.Errorf("steps = %d, want 5", steps)
	}
	if got := tc.TicksRun(); got != 5 {
		t.Errorf("TicksRun = %d, want 5", got)
	}
}

func TestDriveRealTimePacesTicks(t *testing.T) {
	tc := NewTimeController(time.Now(), 20*time.Millisecond, RealTime)

	start := time.Now()
	err := tc.Drive(context.Background(), func(ctx context.Context) error { return nil }, 3)
	if err != nil {
		t.Fatalf("Drive: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("3 real-time ticks at 20ms took %s, want >= 50ms", elapsed)
	}
	if got := tc.TicksRun(); got != 3 {
		t.Errorf("TicksRun = %d, want 3", got)
	}
}
