package core

import (
	"math/rand/v2"

	"github.com/signalsfoundry/spikenet/model"
)

// Every stream is a PCG generator keyed by the kernel seed and a stream
// selector, so the same seed reproduces a run for any split of the virtual
// processes over ranks and threads.
//
//	selector 0          rank-synchronised stream, identical on all ranks
//	selector vp+1       stream of virtual process vp (connection building)
//	selector 1<<63|id   stream of node id (node dynamics)
const nodeStreamTag = uint64(1) << 63

func newSyncStream(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, 0))
}

func newVPStream(seed uint64, vp int) *rand.Rand {
	return rand.New(rand.NewPCG(seed, uint64(vp)+1))
}

func newNodeStream(seed uint64, id model.NodeID) *rand.Rand {
	return rand.New(rand.NewPCG(seed, nodeStreamTag|uint64(id)))
}

// reseedLocked rebuilds every stream from seed.
func (k *Kernel) reseedLocked(seed uint64) {
	k.seed = seed
	k.syncRNG = newSyncStream(seed)
	for _, w := range k.net.workers {
		w.rng = newVPStream(seed, w.vp)
		for _, n := range w.nodes {
			n.rng = newNodeStream(seed, n.id)
		}
	}
	k.net.seed = seed
}
