package model

import "fmt"

// Connection is one synapse between two nodes.
type Connection struct {
	Source       NodeID
	Target       NodeID
	Weight       float64
	Delay        float64 // ms, a multiple of the resolution
	SynapseModel string
}

// ConnectionID locates a stored connection. Thread is the worker that owns
// the target; Index is the position within that worker's table.
type ConnectionID struct {
	Source       NodeID
	Target       NodeID
	Thread       int
	SynapseModel string
	Index        int
}

func (c ConnectionID) String() string {
	return fmt.Sprintf("%d->%d[%s t%d #%d]", c.Source, c.Target, c.SynapseModel, c.Thread, c.Index)
}

// ConnectionCollection is the result of a connection query.
type ConnectionCollection struct {
	IDs   []ConnectionID
	epoch uint64
}

func NewConnectionCollection(ids []ConnectionID, epoch uint64) ConnectionCollection {
	return ConnectionCollection{IDs: ids, epoch: epoch}
}

func (cc ConnectionCollection) Len() int      { return len(cc.IDs) }
func (cc ConnectionCollection) Epoch() uint64 { return cc.epoch }

// Sources returns the source ids in order.
func (cc ConnectionCollection) Sources() []NodeID {
	out := make([]NodeID, len(cc.IDs))
	for i, c := range cc.IDs {
		out[i] = c.Source
	}
	return out
}

// Targets returns the target ids in order.
func (cc ConnectionCollection) Targets() []NodeID {
	out := make([]NodeID, len(cc.IDs))
	for i, c := range cc.IDs {
		out[i] = c.Target
	}
	return out
}
