package timectrl

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/signalsfoundry/spikenet/model"
)

// DefaultResolution is the step size in ms a fresh kernel starts with.
const DefaultResolution = 0.1

// gridTolerance is the relative slack accepted when a time in ms must land
// on the resolution grid.
const gridTolerance = 1e-9

// SimClock gives read access to simulation time. Components that only need
// to know "now" depend on this instead of the concrete Clock.
type SimClock interface {
	// Now returns the first tick that has not been simulated yet.
	Now() model.Tick
	// Resolution returns the step size in ms.
	Resolution() float64
}

// Mode describes how the Clock paces slices against the wall clock.
type Mode int

const (
	// Accelerated runs slices as fast as the kernel can compute them.
	Accelerated Mode = iota
	// RealTime holds each slice until wall-clock time has caught up with
	// biological time.
	RealTime
)

func (m Mode) String() string {
	switch m {
	case Accelerated:
		return "accelerated"
	case RealTime:
		return "realtime"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode maps "accelerated" or "realtime" to a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "accelerated":
		return Accelerated, nil
	case "realtime", "real-time":
		return RealTime, nil
	default:
		return Accelerated, fmt.Errorf("unknown clock mode %q", s)
	}
}

// SliceListener is invoked after every completed slice with the tick the
// next slice starts at and the matching biological time in ms.
type SliceListener func(next model.Tick, ms float64)

// Clock tracks simulation time on the resolution grid and notifies
// listeners at slice boundaries.
type Clock struct {
	mu         sync.RWMutex
	resolution float64
	now        model.Tick
	mode       Mode

	runStartWall time.Time
	runStartTick model.Tick

	listeners []SliceListener
}

// NewClock constructs a clock at tick 0.
func NewClock(resolution float64, mode Mode) (*Clock, error) {
	if err := checkResolution(resolution); err != nil {
		return nil, err
	}
	return &Clock{resolution: resolution, mode: mode}, nil
}

func checkResolution(res float64) error {
	if !(res > 0) || math.IsInf(res, 0) {
		return model.Errorf(model.KindBadParameter, "resolution must be positive, got %v", res)
	}
	return nil
}

// Now returns the first tick not simulated yet. Implements SimClock.
func (c *Clock) Now() model.Tick {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now
}

// Resolution implements SimClock.
func (c *Clock) Resolution() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.resolution
}

func (c *Clock) Mode() Mode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mode
}

func (c *Clock) SetMode(m Mode) {
	c.mu.Lock()
	c.mode = m
	c.mu.Unlock()
}

// NowMs returns the biological time in ms.
func (c *Clock) NowMs() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return float64(c.now) * c.resolution
}

// SetResolution changes the step size. The caller decides whether a change
// is still legal; the clock only refuses once time has advanced.
func (c *Clock) SetResolution(res float64) error {
	if err := checkResolution(res); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.now != 0 {
		return model.Errorf(model.KindBadParameter, "cannot change resolution after simulation time has advanced")
	}
	c.resolution = res
	return nil
}

// Steps converts a duration in ms into steps. The duration must be a
// non-negative multiple of the resolution.
func (c *Clock) Steps(ms float64) (model.Tick, error) {
	res := c.Resolution()
	if ms < 0 || math.IsNaN(ms) || math.IsInf(ms, 0) {
		return 0, model.Errorf(model.KindBadParameter, "time %v ms must be finite and non-negative", ms)
	}
	steps := ms / res
	n := math.Round(steps)
	if math.Abs(steps-n) > gridTolerance*math.Max(1, math.Abs(steps)) {
		return 0, model.Errorf(model.KindBadParameter, "time %v ms is not a multiple of the resolution %v ms", ms, res)
	}
	return model.Tick(n), nil
}

// DelaySteps rounds a delay in ms to the nearest number of steps. Delays
// shorter than one step are rejected.
func (c *Clock) DelaySteps(ms float64) (int, error) {
	res := c.Resolution()
	if math.IsNaN(ms) || math.IsInf(ms, 0) {
		return 0, model.Errorf(model.KindBadDelay, "delay %v ms is not finite", ms)
	}
	n := math.Round(ms / res)
	if n < 1 {
		return 0, model.Errorf(model.KindBadDelay, "delay %v ms is shorter than the resolution %v ms", ms, res)
	}
	if n > math.MaxInt32 {
		return 0, model.Errorf(model.KindBadDelay, "delay %v ms is too large", ms)
	}
	return int(n), nil
}

// Ms converts ticks into ms.
func (c *Clock) Ms(t model.Tick) float64 {
	return float64(t) * c.Resolution()
}

// Advance moves time forward by n steps.
func (c *Clock) Advance(n int) {
	c.mu.Lock()
	c.now += model.Tick(n)
	c.mu.Unlock()
}

// Reset returns to tick 0 with the given resolution and drops every
// listener.
func (c *Clock) Reset(res float64) error {
	if err := checkResolution(res); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = 0
	c.resolution = res
	c.runStartTick = 0
	c.runStartWall = time.Time{}
	c.listeners = nil
	return nil
}

// AddListener registers a callback invoked at every completed slice.
func (c *Clock) AddListener(fn SliceListener) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

// BeginRun anchors real-time pacing at the current tick.
func (c *Clock) BeginRun(wall time.Time) {
	c.mu.Lock()
	c.runStartWall = wall
	c.runStartTick = c.now
	c.mu.Unlock()
}

// SliceDone paces (in RealTime mode) and notifies listeners. It returns
// early with the context error if ctx ends while waiting.
func (c *Clock) SliceDone(ctx context.Context) error {
	c.mu.RLock()
	now, res, mode := c.now, c.resolution, c.mode
	start, startTick := c.runStartWall, c.runStartTick
	listeners := append([]SliceListener(nil), c.listeners...)
	c.mu.RUnlock()

	if mode == RealTime && !start.IsZero() {
		bio := time.Duration(float64(now-startTick) * res * float64(time.Millisecond))
		if wait := bio - time.Since(start); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}

	ms := float64(now) * res
	for _, fn := range listeners {
		fn(now, ms)
	}
	return nil
}
