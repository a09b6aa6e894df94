package core

import (
	"cmp"
	"context"
	"slices"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/signalsfoundry/spikenet/internal/exchange"
	"github.com/signalsfoundry/spikenet/model"
)

// collectSpikesLocked moves the spike registers of all workers into one
// list.
func (k *Kernel) collectSpikesLocked() []model.SpikeEntry {
	var out []model.SpikeEntry
	for _, w := range k.net.workers {
		out = append(out, w.spikes...)
		w.spikes = w.spikes[:0]
	}
	return out
}

// exchangeLocked shares the local spikes with every rank and returns the
// spikes of the whole network.
func (k *Kernel) exchangeLocked(ctx context.Context, local []model.SpikeEntry) ([]model.SpikeEntry, error) {
	if k.comm.Size() == 1 {
		return local, nil
	}
	frames, err := k.comm.AllGather(ctx, exchange.EncodeSpikes(local))
	if err != nil {
		return nil, distributed(err, "spike exchange")
	}
	var all []model.SpikeEntry
	for rank, f := range frames {
		entries, err := exchange.DecodeSpikes(f)
		if err != nil {
			return nil, model.Wrap(model.KindDistributed, err, "spikes from rank %d", rank)
		}
		all = append(all, entries...)
	}
	return all, nil
}

// emittedSpikes counts the spikes in entries, with multiplicity. Poisson
// steps carry no spikes until delivery.
func emittedSpikes(entries []model.SpikeEntry) int {
	n := 0
	for _, e := range entries {
		n += e.Multiplicity
	}
	return n
}

func distributed(err error, op string) error {
	if model.KindOf(err) == model.KindDistributed {
		return err
	}
	return model.Wrap(model.KindDistributed, err, "%s", op)
}

// sortSpikes orders spikes by lag, then source, then multiplicity, so every
// target receives its input in the same order however the network is split.
func sortSpikes(spikes []model.SpikeEntry) {
	slices.SortFunc(spikes, func(a, b model.SpikeEntry) int {
		return cmp.Or(
			cmp.Compare(a.Lag, b.Lag),
			cmp.Compare(a.Source, b.Source),
			cmp.Compare(a.Multiplicity, b.Multiplicity),
		)
	})
}

// deliverLocked hands the spikes emitted in the slice starting at origin to
// every local connection of their sources. Each worker delivers to the
// targets it owns. Poisson steps draw a multiplicity per connection from
// the target's stream and are dropped when it is zero. It returns the
// number of events delivered.
func (k *Kernel) deliverLocked(origin model.Tick, spikes []model.SpikeEntry) (int, error) {
	if len(spikes) == 0 {
		return 0, nil
	}
	sortSpikes(spikes)
	dmin, dmax := k.delays.min, k.delays.max
	err := k.net.forEachWorker(func(w *worker) error {
		w.delivered = 0
		for _, s := range spikes {
			for _, i := range w.table.bySource[s.Source] {
				c := &w.table.conns[i]
				// the ring buffers were sized for the frozen extrema
				if c.delay < dmin || c.delay > dmax {
					return model.Errorf(model.KindBadDelay,
						"connection %d->%d has delay %d steps outside [%d, %d]", c.source, c.target.id, c.delay, dmin, dmax)
				}
				mult := s.Multiplicity
				if s.Mean > 0 {
					mult = int(distuv.Poisson{Lambda: s.Mean, Src: model.RandSource{R: c.target.rng}}.Rand())
					if mult == 0 {
						continue
					}
				}
				stamp := origin + model.Tick(s.Lag) + 1
				c.target.node.Handle(model.SpikeEvent{
					Sender:       s.Source,
					Stamp:        stamp,
					Delivery:     stamp + model.Tick(c.delay) - 1,
					Weight:       c.weight,
					Multiplicity: mult,
				})
				w.delivered++
			}
		}
		return nil
	})
	total := 0
	for _, w := range k.net.workers {
		total += w.delivered
	}
	return total, err
}
