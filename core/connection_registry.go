package core

import (
	"math"

	"github.com/signalsfoundry/spikenet/model"
)

// connection is one stored synapse. It lives on the thread that owns its
// target.
type connection struct {
	source model.NodeID
	target *localNode
	weight float64
	delay  int // steps
	syn    int
}

// connTable is the per-thread connection store, indexed by source for
// delivery.
type connTable struct {
	conns    []connection
	bySource map[model.NodeID][]int32
}

func newConnTable() *connTable {
	return &connTable{bySource: make(map[model.NodeID][]int32)}
}

func (t *connTable) add(c connection) int {
	i := len(t.conns)
	t.conns = append(t.conns, c)
	t.bySource[c.source] = append(t.bySource[c.source], int32(i))
	return i
}

// ConnQuery filters GetConnections. Nil collections and an empty model
// match everything.
type ConnQuery struct {
	Source       *model.NodeCollection
	Target       *model.NodeCollection
	SynapseModel string
}

// GetConnections returns the connections stored on this rank that match q,
// ordered by thread and insertion.
func (k *Kernel) GetConnections(q ConnQuery) (model.ConnectionCollection, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	cc, err := k.getConnectionsLocked(q)
	return cc, model.InCommand("GetConnections", err)
}

func (k *Kernel) getConnectionsLocked(q ConnQuery) (model.ConnectionCollection, error) {
	for _, nc := range []*model.NodeCollection{q.Source, q.Target} {
		if nc == nil {
			continue
		}
		if err := k.checkCollectionLocked(*nc); err != nil {
			return model.ConnectionCollection{}, err
		}
	}
	syn := -1
	if q.SynapseModel != "" {
		i, _, err := k.synapses.lookup(q.SynapseModel)
		if err != nil {
			return model.ConnectionCollection{}, err
		}
		syn = i
	}
	var ids []model.ConnectionID
	for _, w := range k.net.workers {
		for i, c := range w.table.conns {
			if syn >= 0 && c.syn != syn {
				continue
			}
			if q.Source != nil && !q.Source.Contains(c.source) {
				continue
			}
			if q.Target != nil && !q.Target.Contains(c.target.id) {
				continue
			}
			ids = append(ids, model.ConnectionID{
				Source:       c.source,
				Target:       c.target.id,
				Thread:       w.thread,
				SynapseModel: k.synapses.models[c.syn].name,
				Index:        i,
			})
		}
	}
	return model.NewConnectionCollection(ids, k.epoch), nil
}

func (k *Kernel) resolveConnLocked(id model.ConnectionID) (*connection, error) {
	if id.Thread < 0 || id.Thread >= len(k.net.workers) {
		return nil, model.Errorf(model.KindInexistentConnection, "connection %s: no such thread", id)
	}
	t := k.net.workers[id.Thread].table
	if id.Index < 0 || id.Index >= len(t.conns) {
		return nil, model.Errorf(model.KindInexistentConnection, "connection %s does not exist", id)
	}
	c := &t.conns[id.Index]
	if c.source != id.Source || c.target.id != id.Target {
		return nil, model.Errorf(model.KindInexistentConnection, "connection %s does not exist", id)
	}
	return c, nil
}

func (k *Kernel) checkConnectionsLocked(cc model.ConnectionCollection) error {
	if cc.Len() > 0 && cc.Epoch() != k.epoch {
		return model.Errorf(model.KindInexistentConnection, "connection collection predates the last ResetKernel")
	}
	return nil
}

// GetConnectionStatus returns one dictionary per connection.
func (k *Kernel) GetConnectionStatus(cc model.ConnectionCollection) ([]model.Dict, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.checkConnectionsLocked(cc); err != nil {
		return nil, model.InCommand("GetConnectionStatus", err)
	}
	res := k.clock.Resolution()
	out := make([]model.Dict, 0, cc.Len())
	for _, id := range cc.IDs {
		c, err := k.resolveConnLocked(id)
		if err != nil {
			return nil, model.InCommand("GetConnectionStatus", err)
		}
		out = append(out, model.Dict{
			"source":        model.Int(int64(c.source)),
			"target":        model.Int(int64(c.target.id)),
			"weight":        model.Float(c.weight),
			"delay":         model.Float(float64(c.delay) * res),
			"synapse_model": model.String(k.synapses.models[c.syn].name),
			"target_thread": model.Int(int64(id.Thread)),
		})
	}
	return out, nil
}

// SetConnectionStatus updates weight and delay. Values are scalars or lists
// with one entry per connection. Nothing changes when any entry is invalid.
func (k *Kernel) SetConnectionStatus(cc model.ConnectionCollection, d model.Dict) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return model.InCommand("SetConnectionStatus", k.setConnectionStatusLocked(cc, d))
}

func (k *Kernel) setConnectionStatusLocked(cc model.ConnectionCollection, d model.Dict) error {
	if err := k.usableLocked(); err != nil {
		return err
	}
	if err := k.checkConnectionsLocked(cc); err != nil {
		return err
	}
	per, err := splitParams(d, cc.Len(), func(string) bool { return false })
	if err != nil {
		return err
	}
	type change struct {
		c      *connection
		weight float64
		delay  int
	}
	changes := make([]change, 0, cc.Len())
	for i, id := range cc.IDs {
		c, err := k.resolveConnLocked(id)
		if err != nil {
			return err
		}
		ch := change{c: c, weight: c.weight, delay: c.delay}
		r := model.NewDictReader(per[i])
		r.Float("weight", &ch.weight)
		var delayMs float64
		hasDelay := r.Float("delay", &delayMs)
		if err := r.Err(); err != nil {
			return err
		}
		if math.IsNaN(ch.weight) || math.IsInf(ch.weight, 0) {
			return model.Errorf(model.KindBadParameter, "weight must be finite, got %v", ch.weight)
		}
		if hasDelay {
			if ch.delay, err = k.delayStepsLocked(delayMs); err != nil {
				return err
			}
		}
		changes = append(changes, ch)
	}
	for _, ch := range changes {
		ch.c.weight = ch.weight
		ch.c.delay = ch.delay
	}
	if !k.delays.frozen {
		// changed delays may also narrow the range
		k.delays.seenMin, k.delays.seenMax = k.net.delayRange()
	}
	k.updateMetricsLocked()
	return nil
}
