// Package exchange implements the collective the kernel's processes meet at
// once per slice: every rank contributes a byte payload and receives the
// payloads of all ranks, ordered by rank.
package exchange

import (
	"context"
	"sync"

	"github.com/signalsfoundry/spikenet/model"
)

// Communicator connects one rank to the others of a distributed run. Every
// rank must call AllGather the same number of times in the same order.
// Failures are fatal: once AllGather returned an error the communicator is
// unusable.
type Communicator interface {
	Rank() int
	Size() int
	// AllGather blocks until every rank contributed and returns the payloads
	// indexed by rank. The returned slices must not be modified.
	AllGather(ctx context.Context, payload []byte) ([][]byte, error)
	Close() error
}

// Local is the communicator of a single-process run.
type Local struct{}

func (Local) Rank() int { return 0 }
func (Local) Size() int { return 1 }

func (Local) AllGather(ctx context.Context, payload []byte) ([][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, model.Wrap(model.KindDistributed, err, "all-gather cancelled")
	}
	return [][]byte{payload}, nil
}

func (Local) Close() error { return nil }

// member is one rank of an in-process group.
type member struct {
	b    *barrier
	rank int

	mu     sync.Mutex
	seq    uint64
	closed bool
}

// NewGroup returns size communicators that exchange through shared memory.
// Each must be driven from its own goroutine.
func NewGroup(size int) []Communicator {
	if size < 1 {
		size = 1
	}
	b := newBarrier(size)
	out := make([]Communicator, size)
	for r := range out {
		out[r] = &member{b: b, rank: r}
	}
	return out
}

func (m *member) Rank() int { return m.rank }
func (m *member) Size() int { return m.b.size }

func (m *member) AllGather(ctx context.Context, payload []byte) ([][]byte, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, model.Errorf(model.KindDistributed, "rank %d: communicator closed", m.rank)
	}
	seq := m.seq
	m.seq++
	m.mu.Unlock()

	return m.b.arrive(ctx, m.rank, seq, payload)
}

func (m *member) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.b.leave(m.rank)
	return nil
}
