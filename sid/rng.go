// sid/rng.go

package sid

import (
	"hash/fnv"
	"math/rand"
)

// Parameter-initialization streams.
const (
	StreamModel      = "model"
	StreamClassifier = "classifier"
)

// InitStreams hands out the random sources a run draws from.
//
// The sampler seed is the run seed itself, so batch order depends only on
// --seed. Each initialization stream is seeded with seed ^ fnv1a64(name):
// drawing from one never shifts another, and every rank that builds the same
// stream gets identical parameters.
//
// Not safe for concurrent use; each rank builds its own.
type InitStreams struct {
	seed    int64
	streams map[string]*rand.Rand
}

// NewInitStreams creates the streams for a run seed.
func NewInitStreams(seed int64) *InitStreams {
	return &InitStreams{seed: seed, streams: make(map[string]*rand.Rand)}
}

// SamplerSeed is the base seed the batch sampler mixes with the epoch.
func (s *InitStreams) SamplerSeed() int64 { return s.seed }

// For returns the cached stream for name.
func (s *InitStreams) For(name string) *rand.Rand {
	if rng, ok := s.streams[name]; ok {
		return rng
	}
	rng := rand.New(rand.NewSource(s.seed ^ fnv1a64(name)))
	s.streams[name] = rng
	return rng
}

func fnv1a64(s string) int64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return int64(h.Sum64())
}
