package nodes

import (
	"math"

	"github.com/signalsfoundry/spikenet/model"
)

const ParrotNeuron = "parrot_neuron"

// Parrot repeats every incoming spike one step after it arrives, keeping
// its multiplicity. Weights are ignored.
type Parrot struct {
	counts *model.RingBuffer
}

func NewParrot() *Parrot {
	return &Parrot{counts: model.NewRingBuffer(1)}
}

func (n *Parrot) Calibrate(env model.CalibrateEnv) error {
	if span := env.BufferSpan(); n.counts.Len() != span {
		n.counts.Resize(span)
	}
	return nil
}

func (n *Parrot) Update(ctx model.SliceContext, from, to int) error {
	origin := ctx.Origin()
	for lag := from; lag < to; lag++ {
		if m := int(math.Round(n.counts.Take(origin + model.Tick(lag)))); m > 0 {
			ctx.Emit(lag, m)
		}
	}
	return nil
}

func (n *Parrot) Handle(ev model.SpikeEvent) {
	n.counts.Add(ev.Delivery, float64(ev.Multiplicity))
}

func (n *Parrot) Status() model.Dict { return model.Dict{} }

func (n *Parrot) SetStatus(d model.Dict) error {
	return model.NewDictReader(d).Err()
}

func (n *Parrot) ResetState() { n.counts.Clear() }

func (n *Parrot) Clone() model.Node { return &Parrot{counts: n.counts.Clone()} }
