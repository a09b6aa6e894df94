package model

import (
	"math/rand/v2"
)

// NodeID is the stable global identifier of a node. The first node created
// in a kernel gets ID 1; 0 is never a valid node.
type NodeID uint64

// Tick counts simulation steps of one resolution each, starting at 0.
type Tick int64

// Node is the behaviour every node model implements. The kernel owns the
// node and calls these methods from exactly one worker goroutine at a time.
type Node interface {
	// Calibrate prepares the node for a run: buffer sizes, propagators and
	// anything else that depends on the resolution or the delay extrema.
	Calibrate(env CalibrateEnv) error

	// Update advances the node over the steps [from, to) of the slice that
	// starts at ctx.Origin().
	Update(ctx SliceContext, from, to int) error

	// Handle receives a spike event routed along an incoming connection.
	Handle(ev SpikeEvent)

	// Status returns the node's parameters and state variables.
	Status() Dict

	// SetStatus applies parameter and state changes. It either applies every
	// entry or none of them.
	SetStatus(d Dict) error

	// ResetState restores the dynamic state to the model's initial values and
	// clears buffered input, keeping parameters.
	ResetState()

	// Clone returns an independent deep copy. The kernel validates batched
	// status updates against clones before touching the originals.
	Clone() Node
}

// CalibrateEnv carries the kernel quantities nodes size themselves against.
type CalibrateEnv struct {
	// Resolution is the step size in ms.
	Resolution float64
	// MinDelay and MaxDelay are the delay extrema in steps.
	MinDelay int
	MaxDelay int
	// Now is the tick the next update starts at.
	Now Tick
}

// BufferSpan is the number of ring-buffer slots needed for the extrema.
func (e CalibrateEnv) BufferSpan() int {
	return e.MinDelay + e.MaxDelay
}

// SliceContext is handed to Node.Update by the worker that owns the node.
type SliceContext interface {
	// Origin is the first tick of the current slice.
	Origin() Tick
	// Resolution is the step size in ms.
	Resolution() float64
	// Rand is the random stream of the node being updated. It is derived
	// from the kernel seed and the node id only.
	Rand() *rand.Rand
	// Emit registers a spike sent during step lag of the current slice.
	Emit(lag, multiplicity int)
	// EmitRate registers step lag as a Poisson step: every outgoing
	// connection draws its own multiplicity with the given mean when the
	// step is delivered.
	EmitRate(lag int, mean float64)
}

// SpikeEvent is a spike travelling along one connection.
type SpikeEvent struct {
	Sender NodeID
	// Stamp is the spike time in ticks: the end of the emitting step.
	Stamp Tick
	// Delivery is the tick whose update reads the event.
	Delivery     Tick
	Weight       float64
	Multiplicity int
}

// SpikeEntry is one spike as collected at the end of a slice and exchanged
// between processes. An entry with a positive Mean and zero Multiplicity is
// a Poisson step.
type SpikeEntry struct {
	Source       NodeID
	Lag          int
	Multiplicity int
	Mean         float64
}

// NodeInfo describes where a node lives.
type NodeInfo struct {
	ID     NodeID
	Model  string
	VP     int
	Rank   int
	Thread int
	Local  bool
}
