package model

import "slices"

// RingBuffer accumulates input addressed by absolute delivery tick. With
// min_delay+max_delay slots every tick a spike can still be pending for
// maps to its own slot.
type RingBuffer struct {
	slots []float64
}

func NewRingBuffer(size int) *RingBuffer {
	b := &RingBuffer{}
	b.Resize(size)
	return b
}

// Resize sets the slot count and clears the buffer.
func (b *RingBuffer) Resize(size int) {
	if size < 1 {
		size = 1
	}
	if cap(b.slots) >= size {
		b.slots = b.slots[:size]
		b.Clear()
		return
	}
	b.slots = make([]float64, size)
}

func (b *RingBuffer) Len() int { return len(b.slots) }

func (b *RingBuffer) index(t Tick) int {
	n := Tick(len(b.slots))
	i := t % n
	if i < 0 {
		i += n
	}
	return int(i)
}

// Add accumulates v into the slot for tick t.
func (b *RingBuffer) Add(t Tick, v float64) {
	b.slots[b.index(t)] += v
}

// Take returns the value stored for tick t and clears the slot.
func (b *RingBuffer) Take(t Tick) float64 {
	i := b.index(t)
	v := b.slots[i]
	b.slots[i] = 0
	return v
}

// Peek returns the value for tick t without clearing it.
func (b *RingBuffer) Peek(t Tick) float64 {
	return b.slots[b.index(t)]
}

func (b *RingBuffer) Clone() *RingBuffer {
	return &RingBuffer{slots: slices.Clone(b.slots)}
}

func (b *RingBuffer) Clear() {
	clear(b.slots)
}
