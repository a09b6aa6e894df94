package nodes

import (
	"math"

	"github.com/signalsfoundry/spikenet/model"
)

const IAFPscDelta = "iaf_psc_delta"

// iafParams are the leaky integrate-and-fire parameters. Voltages are
// absolute (mV), times in ms, capacitance in pF, current in pA.
type iafParams struct {
	CM     float64
	TauM   float64
	TRef   float64
	EL     float64
	VReset float64
	VTh    float64
	IE     float64
}

func defaultIAFParams() iafParams {
	return iafParams{
		CM:     250,
		TauM:   10,
		TRef:   2,
		EL:     -70,
		VReset: -70,
		VTh:    -55,
	}
}

func (p iafParams) validate() error {
	switch {
	case !(p.CM > 0):
		return model.Errorf(model.KindBadParameter, "C_m must be positive, got %v", p.CM)
	case !(p.TauM > 0):
		return model.Errorf(model.KindBadParameter, "tau_m must be positive, got %v", p.TauM)
	case p.TRef < 0:
		return model.Errorf(model.KindBadParameter, "t_ref must not be negative, got %v", p.TRef)
	case p.VReset >= p.VTh:
		return model.Errorf(model.KindBadParameter, "V_reset (%v) must be below V_th (%v)", p.VReset, p.VTh)
	}
	return nil
}

// IAF is a leaky integrate-and-fire neuron with delta-shaped synaptic
// currents: each incoming spike makes the membrane potential jump by the
// connection weight (mV). Subthreshold dynamics are integrated exactly.
type IAF struct {
	p iafParams

	// y3 is the membrane potential relative to E_L, mV. Keeping it relative
	// makes an update split over two calls bit-identical to one call.
	y3      float64
	y0      float64 // initial y3 restored by ResetState
	refr    int     // remaining refractory steps
	refrLen int

	p33, p30 float64

	spikes *model.RingBuffer
}

func NewIAFPscDelta() *IAF {
	p := defaultIAFParams()
	return &IAF{p: p, spikes: model.NewRingBuffer(1)}
}

func (n *IAF) Calibrate(env model.CalibrateEnv) error {
	h := env.Resolution
	n.p33 = math.Exp(-h / n.p.TauM)
	n.p30 = n.p.TauM / n.p.CM * (1 - n.p33)
	n.refrLen = int(math.Round(n.p.TRef / h))
	if span := env.BufferSpan(); n.spikes.Len() != span {
		n.spikes.Resize(span)
	}
	return nil
}

func (n *IAF) Update(ctx model.SliceContext, from, to int) error {
	origin := ctx.Origin()
	y3 := n.y3
	theta := n.p.VTh - n.p.EL
	for lag := from; lag < to; lag++ {
		in := n.spikes.Take(origin + model.Tick(lag))
		if n.refr > 0 {
			n.refr--
			continue
		}
		y3 = n.p30*n.p.IE + n.p33*y3 + in
		if math.IsNaN(y3) || math.IsInf(y3, 0) {
			n.y3 = y3
			return model.Errorf(model.KindNumerical, "membrane potential diverged at tick %d", origin+model.Tick(lag))
		}
		if y3 >= theta {
			n.refr = n.refrLen
			y3 = n.p.VReset - n.p.EL
			ctx.Emit(lag, 1)
		}
	}
	n.y3 = y3
	return nil
}

func (n *IAF) Handle(ev model.SpikeEvent) {
	n.spikes.Add(ev.Delivery, ev.Weight*float64(ev.Multiplicity))
}

func (n *IAF) Status() model.Dict {
	return model.Dict{
		"C_m":        model.Float(n.p.CM),
		"tau_m":      model.Float(n.p.TauM),
		"t_ref":      model.Float(n.p.TRef),
		"E_L":        model.Float(n.p.EL),
		"V_reset":    model.Float(n.p.VReset),
		"V_th":       model.Float(n.p.VTh),
		"I_e":        model.Float(n.p.IE),
		"V_m":        model.Float(n.y3 + n.p.EL),
		"refractory": model.Bool(n.refr > 0),
	}
}

func (n *IAF) SetStatus(d model.Dict) error {
	p := n.p
	vm := n.y3 + n.p.EL
	r := model.NewDictReader(d)
	r.Float("C_m", &p.CM)
	r.Float("tau_m", &p.TauM)
	r.Float("t_ref", &p.TRef)
	r.Float("E_L", &p.EL)
	r.Float("V_reset", &p.VReset)
	r.Float("V_th", &p.VTh)
	r.Float("I_e", &p.IE)
	r.Float("V_m", &vm)
	r.Ignore("refractory")
	if err := r.Err(); err != nil {
		return err
	}
	if err := p.validate(); err != nil {
		return err
	}
	y3 := n.y3
	if _, ok := d["V_m"]; ok {
		y3 = vm - p.EL
	}
	n.p = p
	n.y3 = y3
	return nil
}

// MarkInitial records the current state as the one ResetState restores.
func (n *IAF) MarkInitial() { n.y0 = n.y3 }

func (n *IAF) ResetState() {
	n.y3 = n.y0
	n.refr = 0
	n.spikes.Clear()
}

func (n *IAF) Clone() model.Node {
	cp := *n
	cp.spikes = n.spikes.Clone()
	return &cp
}
