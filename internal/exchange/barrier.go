package exchange

import (
	"context"
	"sync"

	"github.com/signalsfoundry/spikenet/model"
)

// barrier is an all-gather rendezvous for a fixed number of ranks. Rounds
// are numbered from 0; every rank must arrive with the round's number. The
// first failure (a rank leaving, a cancelled wait, a sequence mismatch)
// breaks the barrier for good and every waiting or later caller gets the
// same Distributed error.
type barrier struct {
	size int

	mu     sync.Mutex
	round  *round
	left   []bool
	nLeft  int
	err    error
	gone   error // set once a rank left between rounds
	doneCh chan struct{}
}

type round struct {
	seq     uint64
	frames  [][]byte
	arrived int
	done    chan struct{}
	err     error
}

func newBarrier(size int) *barrier {
	return &barrier{
		size:   size,
		round:  newRound(0, size),
		left:   make([]bool, size),
		doneCh: make(chan struct{}),
	}
}

func newRound(seq uint64, size int) *round {
	return &round{seq: seq, frames: make([][]byte, size), done: make(chan struct{})}
}

// arrive deposits frame for rank and blocks until all ranks have arrived.
// The returned slice is indexed by rank and shared between callers.
func (b *barrier) arrive(ctx context.Context, rank int, seq uint64, frame []byte) ([][]byte, error) {
	b.mu.Lock()
	if b.err != nil {
		err := b.err
		b.mu.Unlock()
		return nil, err
	}
	if rank < 0 || rank >= b.size {
		b.mu.Unlock()
		return nil, model.Errorf(model.KindDistributed, "rank %d outside communicator of size %d", rank, b.size)
	}
	r := b.round
	switch {
	case ctx.Err() != nil:
		b.breakLocked(model.Wrap(model.KindDistributed, ctx.Err(), "rank %d gave up before round %d", rank, seq))
	case seq != r.seq:
		b.breakLocked(model.Errorf(model.KindDistributed, "rank %d arrived for round %d while the barrier is at round %d", rank, seq, r.seq))
	case r.frames[rank] != nil:
		b.breakLocked(model.Errorf(model.KindDistributed, "rank %d arrived twice for round %d", rank, seq))
	case b.left[rank]:
		b.breakLocked(model.Errorf(model.KindDistributed, "rank %d arrived after leaving", rank))
	case b.gone != nil:
		// the round can never complete
		b.breakLocked(b.gone)
	}
	if b.err != nil {
		err := b.err
		b.mu.Unlock()
		return nil, err
	}
	if frame == nil {
		frame = []byte{}
	}
	r.frames[rank] = frame
	r.arrived++
	if r.arrived == b.size {
		close(r.done)
		b.round = newRound(r.seq+1, b.size)
		b.mu.Unlock()
		return r.frames, nil
	}
	b.mu.Unlock()

	select {
	case <-r.done:
	case <-ctx.Done():
		b.mu.Lock()
		select {
		case <-r.done:
		default:
			b.breakLocked(model.Wrap(model.KindDistributed, ctx.Err(), "rank %d stopped waiting in round %d", rank, seq))
		}
		b.mu.Unlock()
	}
	if r.err != nil {
		return nil, r.err
	}
	return r.frames, nil
}

// leave records that rank will not arrive again. A round still pending
// breaks the barrier, as does any later arrival. Ranks leaving between rounds
// is a clean shutdown.
func (b *barrier) leave(rank int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if rank < 0 || rank >= b.size || b.left[rank] {
		return
	}
	b.left[rank] = true
	b.nLeft++
	if b.round.arrived > 0 {
		b.breakLocked(model.Errorf(model.KindDistributed, "rank %d left while round %d was in progress", rank, b.round.seq))
	} else if b.gone == nil {
		b.gone = model.Errorf(model.KindDistributed, "rank %d has left the communicator", rank)
	}
	if b.nLeft == b.size {
		b.closeDoneLocked()
	}
}

func (b *barrier) breakLocked(err error) {
	if b.err != nil && b.round.err != nil {
		return
	}
	if b.err == nil {
		b.err = err
	}
	b.round.err = b.err
	close(b.round.done)
	b.closeDoneLocked()
}

func (b *barrier) closeDoneLocked() {
	select {
	case <-b.doneCh:
	default:
		close(b.doneCh)
	}
}

// broken returns the error that broke the barrier, if any.
func (b *barrier) broken() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// done is closed once every rank has left or the barrier broke.
func (b *barrier) done() <-chan struct{} { return b.doneCh }
