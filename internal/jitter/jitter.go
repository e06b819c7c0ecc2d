// Package jitter provides a seedable, concurrency-safe delay generator.
package jitter

import (
	"math/rand/v2"
	"sync"
	"time"
)

// Generator produces uniformly distributed delays.
type Generator struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// New returns a Generator seeded with seed. Equal seeds yield equal sequences.
func New(seed uint64) *Generator {
	return &Generator{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// NewRandom returns a Generator seeded from the runtime's entropy source.
func NewRandom() *Generator {
	return New(rand.Uint64())
}

// Between returns a delay in [minDelay, maxDelay]. Swapped bounds are reordered.
func (g *Generator) Between(minDelay, maxDelay time.Duration) time.Duration {
	if maxDelay < minDelay {
		minDelay, maxDelay = maxDelay, minDelay
	}
	span := maxDelay - minDelay
	if span <= 0 {
		return minDelay
	}
	g.mu.Lock()
	n := g.rng.Int64N(int64(span) + 1)
	g.mu.Unlock()
	return minDelay + time.Duration(n)
}

// Up returns a delay in [0, maxDelay].
func (g *Generator) Up(maxDelay time.Duration) time.Duration {
	return g.Between(0, maxDelay)
}
