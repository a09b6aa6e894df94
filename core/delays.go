package core

import (
	"math"

	"github.com/signalsfoundry/spikenet/model"
)

// defaultDelayMs fills extrema nothing else determined.
const defaultDelayMs = 1.0

// delayExtrema tracks the minimum and maximum connection delay. Until the
// first run the bounds follow the stored connections, narrowing when
// SetConnectionStatus moves the outermost delays inward; after it they are
// frozen and every new delay must lie within them.
type delayExtrema struct {
	// presets from kernel status in ms, 0 when unset
	presetMin, presetMax float64
	// range of delays over stored connections in steps, 0 when empty
	seenMin, seenMax int

	frozen   bool
	min, max int // steps, valid once frozen
}

func widen(lo, hi, steps int) (int, int) {
	if lo == 0 || steps < lo {
		lo = steps
	}
	if steps > hi {
		hi = steps
	}
	return lo, hi
}

func (d *delayExtrema) observe(steps int) {
	d.seenMin, d.seenMax = widen(d.seenMin, d.seenMax, steps)
}

// admits reports whether a delay is legal under frozen extrema.
func (d *delayExtrema) admits(steps int) bool {
	return !d.frozen || (steps >= d.min && steps <= d.max)
}

// delayStepsLocked converts a connection delay and checks it against the
// extrema.
func (k *Kernel) delayStepsLocked(ms float64) (int, error) {
	steps, err := k.clock.DelaySteps(ms)
	if err != nil {
		return 0, err
	}
	if !k.delays.admits(steps) {
		res := k.clock.Resolution()
		return 0, model.Errorf(model.KindBadDelay,
			"delay %v ms is outside the frozen range [%v, %v] ms",
			ms, float64(k.delays.min)*res, float64(k.delays.max)*res)
	}
	return steps, nil
}

func (k *Kernel) checkDelayMsLocked(ms float64) error {
	_, err := k.delayStepsLocked(ms)
	return err
}

// knownExtremaLocked combines presets, stored connections and explicit
// synapse defaults. Unknown bounds are 0.
func (k *Kernel) knownExtremaLocked() (lo, hi int) {
	if k.delays.frozen {
		return k.delays.min, k.delays.max
	}
	lo, hi = k.delays.seenMin, k.delays.seenMax
	if slo, shi := k.synapseDelayBoundsLocked(); slo > 0 {
		lo, hi = widen(lo, hi, slo)
		lo, hi = widen(lo, hi, shi)
	}
	if k.delays.presetMin > 0 {
		if s, err := k.clock.DelaySteps(k.delays.presetMin); err == nil {
			lo, _ = widen(lo, 0, s)
		}
	}
	if k.delays.presetMax > 0 {
		if s, err := k.clock.DelaySteps(k.delays.presetMax); err == nil && s > hi {
			hi = s
		}
	}
	return lo, hi
}

// fillExtrema supplies defaults for unknown bounds.
func fillExtrema(lo, hi, def int) (int, int) {
	switch {
	case lo == 0 && hi == 0:
		return def, def
	case lo == 0:
		return min(def, hi), hi
	case hi == 0:
		return lo, max(def, lo)
	}
	return lo, hi
}

func (k *Kernel) defaultDelayStepsLocked() int {
	return max(1, int(math.Round(defaultDelayMs/k.clock.Resolution())))
}

// currentExtremaLocked returns the bounds a run would use now.
func (k *Kernel) currentExtremaLocked() (int, int) {
	lo, hi := k.knownExtremaLocked()
	return fillExtrema(lo, hi, k.defaultDelayStepsLocked())
}

// GetMinDelay returns the minimum delay in ms.
func (k *Kernel) GetMinDelay() float64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	lo, _ := k.currentExtremaLocked()
	return float64(lo) * k.clock.Resolution()
}

// GetMaxDelay returns the maximum delay in ms.
func (k *Kernel) GetMaxDelay() float64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	_, hi := k.currentExtremaLocked()
	return float64(hi) * k.clock.Resolution()
}

// validatePresetsLocked checks the extrema presets (ms, 0 for unset) that
// would be in effect after an update.
func (k *Kernel) validatePresetsLocked(minMs, maxMs float64) error {
	if k.delays.frozen {
		return model.Errorf(model.KindBadDelay, "delay extrema are frozen after the first simulation")
	}
	lo, hi := 0, 0
	if minMs > 0 {
		s, err := k.clock.DelaySteps(minMs)
		if err != nil {
			return err
		}
		lo = s
	}
	if maxMs > 0 {
		s, err := k.clock.DelaySteps(maxMs)
		if err != nil {
			return err
		}
		hi = s
	}
	seenLo, seenHi := k.delays.seenMin, k.delays.seenMax
	if slo, shi := k.synapseDelayBoundsLocked(); slo > 0 {
		seenLo, seenHi = widen(seenLo, seenHi, slo)
		seenLo, seenHi = widen(seenLo, seenHi, shi)
	}
	if lo > 0 && seenLo > 0 && lo > seenLo {
		return model.Errorf(model.KindBadDelay, "min_delay %v ms exceeds an existing delay of %v ms", minMs, float64(seenLo)*k.clock.Resolution())
	}
	if hi > 0 && hi < seenHi {
		return model.Errorf(model.KindBadDelay, "max_delay %v ms is below an existing delay of %v ms", maxMs, float64(seenHi)*k.clock.Resolution())
	}
	if lo > 0 && hi > 0 && lo > hi {
		return model.Errorf(model.KindBadDelay, "min_delay %v ms exceeds max_delay %v ms", minMs, maxMs)
	}
	return nil
}
