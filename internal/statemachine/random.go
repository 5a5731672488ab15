package statemachine

import (
	"math/rand/v2"
	"sync"
)

// RandomSource yields uniform values in [0, 1).
type RandomSource interface {
	Float64() float64
}

// lockedSource makes a *rand.Rand safe for concurrent sessions.
type lockedSource struct {
	mu sync.Mutex
	r  *rand.Rand
}

func (s *lockedSource) Float64() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.r.Float64()
}

// NewSource returns a randomly seeded source for production use.
func NewSource() RandomSource {
	return &lockedSource{r: rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))}
}

// NewSeeded returns a reproducible source. Two sources built from the same
// seed yield the same sequence.
func NewSeeded(seed uint64) RandomSource {
	return &lockedSource{r: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// Fixed always returns the same value. Useful to force or suppress
// probabilistic transitions in tests.
type Fixed float64

func (f Fixed) Float64() float64 { return float64(f) }
