// Package sampler orders dataset indices into batches for one epoch.
//
// Ordering is a pure function of (dataset durations, options, epoch): every
// replica in a distributed run derives the same global batch list and keeps
// only the batches assigned to its rank.
package sampler

import (
	"errors"
	"fmt"
	"iter"
	"math/rand"
	"sort"
)

// Shuffle methods recognized in configuration.
const (
	ShuffleNone     = "none"
	ShuffleBatch    = "batch_shuffle"
	ShuffleInstance = "instance_shuffle"
)

// ValidShuffleMethods is the set of recognized shuffle method names.
// Empty string defaults to ShuffleBatch.
var ValidShuffleMethods = map[string]bool{"": true, ShuffleNone: true, ShuffleBatch: true, ShuffleInstance: true}

var (
	// ErrInvalidBatchSize is returned by New when the batch size is not positive.
	ErrInvalidBatchSize = errors.New("batch size must be positive")
	// ErrInvalidReplicas is returned by New when the replica count or rank is out of range.
	ErrInvalidReplicas = errors.New("invalid replica configuration")
)

// Lengths is the view of a dataset the sampler needs.
type Lengths interface {
	Len() int
	Duration(i int) float64
}

// Options configures a BatchSampler.
type Options struct {
	BatchSize       int
	Shuffle         bool
	ShuffleMethod   string
	DropLast        bool
	Sortagrad       bool
	SortagradEpochs int // number of leading epochs sorted by duration; <= 0 means 1
	Seed            int64
	NumReplicas     int // <= 0 means 1
	Rank            int
}

// BatchSampler produces per-epoch index groups.
// It holds no per-epoch state: any epoch can be iterated at any time, any
// number of times.
type BatchSampler struct {
	opts      Options
	durations []float64
	sorted    []int // indices by ascending duration, computed once
}

// New creates a BatchSampler over ds. The durations are captured at construction.
func New(ds Lengths, opts Options) (*BatchSampler, error) {
	if opts.BatchSize <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidBatchSize, opts.BatchSize)
	}
	if opts.NumReplicas <= 0 {
		opts.NumReplicas = 1
	}
	if opts.Rank < 0 || opts.Rank >= opts.NumReplicas {
		return nil, fmt.Errorf("%w: rank %d with %d replicas", ErrInvalidReplicas, opts.Rank, opts.NumReplicas)
	}
	if !ValidShuffleMethods[opts.ShuffleMethod] {
		return nil, fmt.Errorf("unknown shuffle method %q; valid: none, batch_shuffle, instance_shuffle", opts.ShuffleMethod)
	}
	if opts.ShuffleMethod == "" {
		opts.ShuffleMethod = ShuffleBatch
	}
	if opts.SortagradEpochs <= 0 {
		opts.SortagradEpochs = 1
	}

	n := ds.Len()
	durations := make([]float64, n)
	for i := range durations {
		durations[i] = ds.Duration(i)
	}
	return &BatchSampler{opts: opts, durations: durations}, nil
}

// Options returns the normalized options the sampler was built with.
func (s *BatchSampler) Options() Options {
	return s.opts
}

// SortagradActive reports whether epoch is inside the sortagrad window.
func (s *BatchSampler) SortagradActive(epoch int) bool {
	return s.opts.Sortagrad && epoch < s.opts.SortagradEpochs
}

// NumBatches returns the number of global batches per epoch, before replica partitioning.
func (s *BatchSampler) NumBatches() int {
	n, b := len(s.durations), s.opts.BatchSize
	if s.opts.DropLast {
		return n / b
	}
	return (n + b - 1) / b
}

// Len returns the number of batches this replica receives per epoch.
func (s *BatchSampler) Len() int {
	total, r := s.NumBatches(), s.opts.NumReplicas
	count := total / r
	if s.opts.Rank < total%r {
		count++
	}
	return count
}

// StepsPerReplica returns the number of lockstep steps every replica runs per
// epoch. Replicas whose Len is smaller run empty steps at the end.
func (s *BatchSampler) StepsPerReplica() int {
	r := s.opts.NumReplicas
	return (s.NumBatches() + r - 1) / r
}

// Order returns the global index order for epoch, before batching.
func (s *BatchSampler) Order(epoch int) []int {
	n := len(s.durations)
	if s.SortagradActive(epoch) {
		return append([]int(nil), s.sortedByDuration()...)
	}

	indices := make([]int, n)
	for i := range indices {
		indices[i] = i
	}
	if !s.opts.Shuffle {
		return indices
	}

	rng := rand.New(rand.NewSource(epochSeed(s.opts.Seed, epoch)))
	switch s.opts.ShuffleMethod {
	case ShuffleBatch:
		return batchShuffle(indices, s.opts.BatchSize, rng)
	case ShuffleInstance:
		rng.Shuffle(len(indices), func(i, j int) { indices[i], indices[j] = indices[j], indices[i] })
		return indices
	default:
		return indices
	}
}

// GlobalBatches returns every batch of epoch in global order, before replica partitioning.
func (s *BatchSampler) GlobalBatches(epoch int) [][]int {
	order := s.Order(epoch)
	b := s.opts.BatchSize
	batches := make([][]int, 0, s.NumBatches())
	for start := 0; start < len(order); start += b {
		end := start + b
		if end > len(order) {
			if s.opts.DropLast {
				break
			}
			end = len(order)
		}
		batches = append(batches, order[start:end:end])
	}
	return batches
}

// Batches returns this replica's batches for epoch as a lazy sequence.
// The ordering work happens on the first pull, so an unconsumed sequence is free.
func (s *BatchSampler) Batches(epoch int) iter.Seq[[]int] {
	return func(yield func([]int) bool) {
		if len(s.durations) == 0 {
			return
		}
		global := s.GlobalBatches(epoch)
		for g := s.opts.Rank; g < len(global); g += s.opts.NumReplicas {
			if !yield(global[g]) {
				return
			}
		}
	}
}

func (s *BatchSampler) sortedByDuration() []int {
	if s.sorted != nil {
		return s.sorted
	}
	sorted := make([]int, len(s.durations))
	for i := range sorted {
		sorted[i] = i
	}
	// Ties keep index order so that the curriculum is deterministic.
	sort.SliceStable(sorted, func(a, b int) bool {
		return s.durations[sorted[a]] < s.durations[sorted[b]]
	})
	s.sorted = sorted
	return sorted
}

// batchShuffle rotates indices by a random shift, shuffles whole batches of the
// rotated list, then appends the partial tail and the rotated-off head.
// The result is a permutation of indices.
func batchShuffle(indices []int, batchSize int, rng *rand.Rand) []int {
	shift := 0
	if batchSize > 1 {
		shift = rng.Intn(batchSize - 1)
	}
	if shift > len(indices) {
		shift = len(indices)
	}
	body := indices[shift:]
	full := len(body) / batchSize

	groups := make([][]int, full)
	for i := range groups {
		groups[i] = body[i*batchSize : (i+1)*batchSize]
	}
	rng.Shuffle(len(groups), func(i, j int) { groups[i], groups[j] = groups[j], groups[i] })

	out := make([]int, 0, len(indices))
	for _, g := range groups {
		out = append(out, g...)
	}
	out = append(out, body[full*batchSize:]...)
	out = append(out, indices[:shift]...)
	return out
}

// epochSeed mixes the base seed with the epoch so that consecutive epochs get
// unrelated permutations while staying identical across replicas.
func epochSeed(seed int64, epoch int) int64 {
	const golden = 0x9E3779B97F4A7C15
	x := uint64(seed) ^ (uint64(epoch+1) * golden)
	x ^= x >> 31
	return int64(x)
}
