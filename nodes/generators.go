package nodes

import (
	"math"
	"slices"

	"github.com/signalsfoundry/spikenet/model"
)

const (
	PoissonGenerator = "poisson_generator"
	SpikeGenerator   = "spike_generator"
)

// Poisson drives each of its targets with an independent Poisson spike
// train of the given rate. The counts are drawn per connection on
// delivery, from the stream of the target node.
type Poisson struct {
	rate float64 // Hz
	act  activity

	lambda float64 // expected spikes per step
}

func NewPoissonGenerator() *Poisson {
	return &Poisson{act: defaultActivity()}
}

func (g *Poisson) Calibrate(env model.CalibrateEnv) error {
	g.act.calibrate(env.Resolution)
	g.lambda = g.rate * env.Resolution / 1000
	return nil
}

func (g *Poisson) Update(ctx model.SliceContext, from, to int) error {
	if g.lambda <= 0 {
		return nil
	}
	origin := ctx.Origin()
	for lag := from; lag < to; lag++ {
		if g.act.active(origin + model.Tick(lag) + 1) {
			ctx.EmitRate(lag, g.lambda)
		}
	}
	return nil
}

func (g *Poisson) Handle(model.SpikeEvent) {}

func (g *Poisson) Status() model.Dict {
	d := model.Dict{"rate": model.Float(g.rate)}
	g.act.status(d)
	return d
}

func (g *Poisson) SetStatus(d model.Dict) error {
	rate, act := g.rate, g.act
	r := model.NewDictReader(d)
	r.Float("rate", &rate)
	act.read(r)
	if err := r.Err(); err != nil {
		return err
	}
	if rate < 0 || math.IsNaN(rate) {
		return model.Errorf(model.KindBadParameter, "rate must not be negative, got %v", rate)
	}
	if err := act.validate(); err != nil {
		return err
	}
	g.rate, g.act = rate, act
	return nil
}

func (g *Poisson) ResetState() {}

func (g *Poisson) Clone() model.Node {
	cp := *g
	return &cp
}

// SpikeGen emits spikes at prescribed times. Times are in ms and must lie
// on the resolution grid; a spike at time t is emitted by the step that
// ends at t.
type SpikeGen struct {
	times []float64
	mults []float64
	act   activity

	stamps []model.Tick
	pos    int
}

func NewSpikeGenerator() *SpikeGen {
	return &SpikeGen{act: defaultActivity()}
}

func (g *SpikeGen) Calibrate(env model.CalibrateEnv) error {
	g.act.calibrate(env.Resolution)
	stamps := make([]model.Tick, len(g.times))
	for i, t := range g.times {
		steps := t / env.Resolution
		s := math.Round(steps)
		if math.Abs(steps-s) > 1e-9*math.Max(1, math.Abs(steps)) {
			return model.Errorf(model.KindBadParameter, "spike time %v ms is not on the %v ms grid", t, env.Resolution)
		}
		stamps[i] = model.Tick(s) + model.Tick(math.Round(g.act.origin/env.Resolution))
	}
	g.stamps = stamps
	return nil
}

func (g *SpikeGen) Update(ctx model.SliceContext, from, to int) error {
	origin := ctx.Origin()
	for lag := from; lag < to; lag++ {
		stamp := origin + model.Tick(lag) + 1
		for g.pos < len(g.stamps) && g.stamps[g.pos] < stamp {
			g.pos++
		}
		for g.pos < len(g.stamps) && g.stamps[g.pos] == stamp {
			if g.act.active(stamp) {
				m := 1
				if len(g.mults) > 0 {
					m = int(g.mults[g.pos])
				}
				if m > 0 {
					ctx.Emit(lag, m)
				}
			}
			g.pos++
		}
	}
	return nil
}

func (g *SpikeGen) Handle(model.SpikeEvent) {}

func (g *SpikeGen) Status() model.Dict {
	d := model.Dict{
		"spike_times":          model.Floats(g.times),
		"spike_multiplicities": model.Floats(g.mults),
	}
	g.act.status(d)
	return d
}

func (g *SpikeGen) SetStatus(d model.Dict) error {
	times, mults, act := g.times, g.mults, g.act
	r := model.NewDictReader(d)
	timesSet := r.Floats("spike_times", &times)
	r.Floats("spike_multiplicities", &mults)
	act.read(r)
	if err := r.Err(); err != nil {
		return err
	}
	if !slices.IsSorted(times) {
		return model.Errorf(model.KindBadParameter, "spike_times must be sorted")
	}
	if len(times) > 0 && times[0] < 0 {
		return model.Errorf(model.KindBadParameter, "spike_times must not be negative")
	}
	if len(mults) > 0 && len(mults) != len(times) {
		return model.Errorf(model.KindBadParameter, "spike_multiplicities has %d entries, spike_times has %d", len(mults), len(times))
	}
	for _, m := range mults {
		if m < 0 || m != math.Trunc(m) {
			return model.Errorf(model.KindBadParameter, "spike multiplicity %v is not a non-negative integer", m)
		}
	}
	if err := act.validate(); err != nil {
		return err
	}
	g.times = slices.Clone(times)
	g.mults = slices.Clone(mults)
	g.act = act
	if timesSet {
		g.pos = 0
	}
	return nil
}

func (g *SpikeGen) ResetState() { g.pos = 0 }

func (g *SpikeGen) Clone() model.Node {
	cp := *g
	cp.times = slices.Clone(g.times)
	cp.mults = slices.Clone(g.mults)
	cp.stamps = slices.Clone(g.stamps)
	return &cp
}
