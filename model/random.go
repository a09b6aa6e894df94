package model

import "math/rand/v2"

// RandSource adapts a *rand.Rand to the Source interface the gonum
// distributions draw from. Seeding goes through the kernel, so Seed is a
// no-op.
type RandSource struct {
	R *rand.Rand
}

func (s RandSource) Uint64() uint64 { return s.R.Uint64() }

func (RandSource) Seed(uint64) {}
