package timectrl

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/signalsfoundry/spikenet/model"
)

func TestClockStepsRejectsOffGridTimes(t *testing.T) {
	c, err := NewClock(0.1, Accelerated)
	if err != nil {
		t.Fatalf("NewClock: %v", err)
	}

	tests := []struct {
		ms      float64
		want    model.Tick
		wantErr bool
	}{
		{ms: 0, want: 0},
		{ms: 1.5, want: 15},
		{ms: 100, want: 1000},
		{ms: 0.3, want: 3}, // 0.3/0.1 is not exact in binary floating point
		{ms: 0.05, wantErr: true},
		{ms: -1, wantErr: true},
	}
	for _, tc := range tests {
		got, err := c.Steps(tc.ms)
		if tc.wantErr {
			if !errors.Is(err, model.ErrBadParameter) {
				t.Fatalf("Steps(%v) error = %v, want BadParameter", tc.ms, err)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("Steps(%v) = %v, %v; want %v", tc.ms, got, err, tc.want)
		}
	}
}

func TestClockDelayStepsRounds(t *testing.T) {
	c, _ := NewClock(0.1, Accelerated)
	if n, err := c.DelaySteps(1.04); err != nil || n != 10 {
		t.Fatalf("DelaySteps(1.04) = %d, %v; want 10", n, err)
	}
	if _, err := c.DelaySteps(0.01); !errors.Is(err, model.ErrBadDelay) {
		t.Fatalf("DelaySteps(0.01) error = %v, want BadDelay", err)
	}
}

func TestClockResolutionFrozenAfterAdvance(t *testing.T) {
	c, _ := NewClock(0.1, Accelerated)
	if err := c.SetResolution(0.05); err != nil {
		t.Fatalf("SetResolution before advance: %v", err)
	}
	c.Advance(10)
	if got := c.NowMs(); got != 0.5 {
		t.Fatalf("NowMs() = %v, want 0.5", got)
	}
	if err := c.SetResolution(0.1); err == nil {
		t.Fatalf("SetResolution after advance should fail")
	}
	if err := c.Reset(0.1); err != nil || c.Now() != 0 {
		t.Fatalf("Reset: now=%v err=%v", c.Now(), err)
	}
}

func TestClockSliceDoneNotifiesListeners(t *testing.T) {
	c, _ := NewClock(1, Accelerated)
	var got []float64
	c.AddListener(func(_ model.Tick, ms float64) { got = append(got, ms) })

	c.Advance(5)
	if err := c.SliceDone(context.Background()); err != nil {
		t.Fatalf("SliceDone: %v", err)
	}
	c.Advance(5)
	_ = c.SliceDone(context.Background())

	if len(got) != 2 || got[0] != 5 || got[1] != 10 {
		t.Fatalf("listener saw %v, want [5 10]", got)
	}

	if err := c.Reset(1); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	c.Advance(5)
	_ = c.SliceDone(context.Background())
	if len(got) != 2 {
		t.Fatalf("listener survived Reset and saw %v", got)
	}
}

func TestClockRealTimePacing(t *testing.T) {
	c, _ := NewClock(1, RealTime)
	start := time.Now()
	c.BeginRun(start)
	c.Advance(15) // 15 ms biological time

	if err := c.SliceDone(context.Background()); err != nil {
		t.Fatalf("SliceDone: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 15*time.Millisecond {
		t.Fatalf("real-time slice returned after %v, want >= 15ms", elapsed)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c.Advance(10000)
	if err := c.SliceDone(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("SliceDone with cancelled ctx = %v, want context.Canceled", err)
	}
}
