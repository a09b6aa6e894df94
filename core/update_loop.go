package core

import (
	"fmt"
	"math/rand/v2"

	"github.com/signalsfoundry/spikenet/model"
)

// worker is one thread of a rank. It owns the nodes of its virtual process,
// the connections targeting them and its own spike register, so nothing a
// worker touches during a slice is shared with another worker.
type worker struct {
	thread int
	vp     int
	// rng is the stream of the virtual process, used for connection
	// building.
	rng   *rand.Rand
	table *connTable
	nodes []*localNode

	// spikes collects the emissions of the current slice.
	spikes []model.SpikeEntry

	origin model.Tick
	res    float64
	cur    *localNode

	delivered int
}

func (w *worker) Origin() model.Tick  { return w.origin }
func (w *worker) Resolution() float64 { return w.res }
func (w *worker) Rand() *rand.Rand    { return w.cur.rng }

func (w *worker) Emit(lag, multiplicity int) {
	if multiplicity <= 0 {
		return
	}
	w.spikes = append(w.spikes, model.SpikeEntry{Source: w.cur.id, Lag: lag, Multiplicity: multiplicity})
}

func (w *worker) EmitRate(lag int, mean float64) {
	if !(mean > 0) {
		return
	}
	w.spikes = append(w.spikes, model.SpikeEntry{Source: w.cur.id, Lag: lag, Mean: mean})
}

// calibrate prepares every node of w for a run.
func (w *worker) calibrate(env model.CalibrateEnv) error {
	for _, n := range w.nodes {
		if err := n.node.Calibrate(env); err != nil {
			return nodeError(n.id, err)
		}
	}
	return nil
}

// update advances every node of w over the steps [from, to) of the slice
// starting at origin. Each node runs all its steps before the next one
// starts.
func (w *worker) update(origin model.Tick, res float64, from, to int) error {
	w.origin, w.res = origin, res
	defer func() { w.cur = nil }()
	for _, n := range w.nodes {
		w.cur = n
		if err := n.node.Update(w, from, to); err != nil {
			return nodeError(n.id, err)
		}
	}
	return nil
}

// nodeError prefixes a node failure with the node id, keeping its kind.
func nodeError(id model.NodeID, err error) error {
	if ke, ok := err.(*model.KernelError); ok {
		return &model.KernelError{Kind: ke.Kind, Message: fmt.Sprintf("node %d: %s", id, ke.Message), Err: err}
	}
	return model.Wrap(model.KindKernelException, err, "node %d", id)
}
