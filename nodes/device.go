package nodes

import (
	"math"

	"github.com/signalsfoundry/spikenet/model"
)

// activity is the origin/start/stop window shared by generators and
// recorders. A device is active for spike stamps s with
// origin+start < s*h <= origin+stop.
type activity struct {
	origin, start, stop float64 // ms

	startStep, stopStep model.Tick
}

func defaultActivity() activity {
	return activity{stop: math.Inf(1)}
}

func (a *activity) read(r *model.DictReader) {
	r.Float("origin", &a.origin)
	r.Float("start", &a.start)
	r.Float("stop", &a.stop)
}

func (a activity) validate() error {
	if a.stop < a.start {
		return model.Errorf(model.KindBadParameter, "stop (%v ms) must not precede start (%v ms)", a.stop, a.start)
	}
	return nil
}

func (a activity) status(d model.Dict) {
	d["origin"] = model.Float(a.origin)
	d["start"] = model.Float(a.start)
	if !math.IsInf(a.stop, 1) {
		d["stop"] = model.Float(a.stop)
	}
}

func (a *activity) calibrate(res float64) {
	a.startStep = model.Tick(math.Round((a.origin + a.start) / res))
	if math.IsInf(a.stop, 1) {
		a.stopStep = math.MaxInt64
		return
	}
	a.stopStep = model.Tick(math.Round((a.origin + a.stop) / res))
}

func (a activity) active(stamp model.Tick) bool {
	return a.startStep < stamp && stamp <= a.stopStep
}
