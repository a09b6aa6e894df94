package core

import (
	"math/rand/v2"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/signalsfoundry/spikenet/model"
	"github.com/signalsfoundry/spikenet/nodes"
)

// placement maps node ids to virtual processes and virtual processes to
// ranks and threads: vp = (id-1) mod (P*T), rank = vp mod P, thread = vp / P.
type placement struct {
	rank    int
	size    int
	threads int
}

func (p placement) numVPs() int { return p.size * p.threads }

func (p placement) vpOf(id model.NodeID) int {
	return int((id - 1) % model.NodeID(p.numVPs()))
}

func (p placement) rankOfVP(vp int) int   { return vp % p.size }
func (p placement) threadOfVP(vp int) int { return vp / p.size }

// threadOf returns the owning thread of id, or -1 when id lives on
// another rank.
func (p placement) threadOf(id model.NodeID) int {
	vp := p.vpOf(id)
	if p.rankOfVP(vp) != p.rank {
		return -1
	}
	return p.threadOfVP(vp)
}

// block is one Create call: ids first..first+n-1 of one model.
type block struct {
	first model.NodeID
	n     int
	model *nodes.Model
}

// localNode is a node owned by this rank.
type localNode struct {
	id    model.NodeID
	node  model.Node
	model *nodes.Model
	rng   *rand.Rand
}

// network is the node table of one kernel epoch.
type network struct {
	placement
	seed uint64

	blocks  []block
	size    int
	local   map[model.NodeID]*localNode
	workers []*worker
}

func newNetwork(p placement, seed uint64) *network {
	n := &network{placement: p, seed: seed, local: make(map[model.NodeID]*localNode)}
	n.workers = make([]*worker, p.threads)
	for t := range n.workers {
		vp := t*p.size + p.rank
		n.workers[t] = &worker{thread: t, vp: vp, rng: newVPStream(seed, vp), table: newConnTable()}
	}
	return n
}

// modelOf returns the model of any node id in the network, local or not.
func (n *network) modelOf(id model.NodeID) (*nodes.Model, bool) {
	if id == 0 || int(id) > n.size {
		return nil, false
	}
	i := sort.Search(len(n.blocks), func(i int) bool {
		b := n.blocks[i]
		return int(b.first)+b.n > int(id)
	})
	if i == len(n.blocks) {
		return nil, false
	}
	return n.blocks[i].model, true
}

// add appends a block; instances holds the built nodes, nil for remote ids.
func (n *network) add(m *nodes.Model, instances []model.Node) model.NodeID {
	first := model.NodeID(n.size + 1)
	n.blocks = append(n.blocks, block{first: first, n: len(instances), model: m})
	for i, inst := range instances {
		if inst == nil {
			continue
		}
		id := first + model.NodeID(i)
		ln := &localNode{id: id, node: inst, model: m, rng: newNodeStream(n.seed, id)}
		n.local[id] = ln
		w := n.workers[n.threadOf(id)]
		w.nodes = append(w.nodes, ln)
	}
	n.size += len(instances)
	return first
}

func (n *network) numConnections() int {
	total := 0
	for _, w := range n.workers {
		total += len(w.table.conns)
	}
	return total
}

// delayRange returns the smallest and largest delay in steps over the
// stored connections, 0 and 0 when there are none.
func (n *network) delayRange() (lo, hi int) {
	for _, w := range n.workers {
		for _, c := range w.table.conns {
			lo, hi = widen(lo, hi, c.delay)
		}
	}
	return lo, hi
}

// forEachWorker runs fn on every worker, one goroutine per thread.
func (n *network) forEachWorker(fn func(w *worker) error) error {
	if len(n.workers) == 1 {
		return fn(n.workers[0])
	}
	var g errgroup.Group
	for _, w := range n.workers {
		g.Go(func() error { return fn(w) })
	}
	return g.Wait()
}

// info describes where id lives.
func (n *network) info(id model.NodeID) (model.NodeInfo, bool) {
	m, ok := n.modelOf(id)
	if !ok {
		return model.NodeInfo{}, false
	}
	vp := n.vpOf(id)
	return model.NodeInfo{
		ID:     id,
		Model:  m.Name,
		VP:     vp,
		Rank:   n.rankOfVP(vp),
		Thread: n.threadOfVP(vp),
		Local:  n.rankOfVP(vp) == n.rank,
	}, true
}
