// Package loader pulls batches through a sampler, loads their samples and
// collates them, optionally on a pool of worker goroutines.
package loader

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"golang.org/x/sync/errgroup"

	"github.com/sidtrain/sidtrain/sid/dataset"
)

// Batch is a collated group of samples. Features are zero-padded to the
// longest sample; Lengths holds each sample's real frame count.
type Batch struct {
	Indices  []int
	Keys     []string
	Features [][][]float32
	Lengths  []int
	Labels   []int
}

// Size returns the number of samples in the batch.
func (b *Batch) Size() int {
	if b == nil {
		return 0
	}
	return len(b.Labels)
}

// Source is the dataset view the loader reads from.
type Source interface {
	Len() int
	Load(i int) (dataset.Sample, error)
}

// Sampler yields the index groups of one epoch.
type Sampler interface {
	Batches(epoch int) iter.Seq[[]int]
}

// Collator assembles loaded samples into a Batch.
type Collator interface {
	Collate(indices []int, samples []dataset.Sample) (*Batch, error)
}

// SimpleCollator pads every sample to the longest one in the batch.
type SimpleCollator struct{}

var errEmptyBatch = errors.New("cannot collate an empty batch")

func (SimpleCollator) Collate(indices []int, samples []dataset.Sample) (*Batch, error) {
	if len(samples) == 0 {
		return nil, errEmptyBatch
	}
	maxFrames, dim := 0, 0
	for _, s := range samples {
		if len(s.Features) > maxFrames {
			maxFrames = len(s.Features)
			dim = len(s.Features[0])
		}
	}
	b := &Batch{
		Indices:  append([]int(nil), indices...),
		Keys:     make([]string, len(samples)),
		Features: make([][][]float32, len(samples)),
		Lengths:  make([]int, len(samples)),
		Labels:   make([]int, len(samples)),
	}
	for i, s := range samples {
		b.Keys[i] = s.Key
		b.Labels[i] = s.Label
		b.Lengths[i] = len(s.Features)
		padded := make([][]float32, maxFrames)
		copy(padded, s.Features)
		for f := len(s.Features); f < maxFrames; f++ {
			padded[f] = make([]float32, dim)
		}
		b.Features[i] = padded
	}
	return b, nil
}

// Options configures a Loader.
type Options struct {
	NumWorkers int // <= 1 loads on the caller's goroutine
	Prefetch   int // batches in flight; defaults to 2*NumWorkers
}

// Loader iterates collated batches for an epoch.
type Loader struct {
	src      Source
	sampler  Sampler
	collator Collator
	opts     Options
}

// New creates a Loader. A nil collator means SimpleCollator.
func New(src Source, sampler Sampler, collator Collator, opts Options) *Loader {
	if collator == nil {
		collator = SimpleCollator{}
	}
	if opts.NumWorkers > 1 && opts.Prefetch <= 0 {
		opts.Prefetch = 2 * opts.NumWorkers
	}
	return &Loader{src: src, sampler: sampler, collator: collator, opts: opts}
}

// Iterate yields the batches of epoch in sampler order. Iteration stops after
// the first error, which is yielded with a nil batch.
func (l *Loader) Iterate(ctx context.Context, epoch int) iter.Seq2[*Batch, error] {
	if l.opts.NumWorkers <= 1 {
		return l.sequential(ctx, epoch)
	}
	return l.parallel(ctx, epoch)
}

func (l *Loader) sequential(ctx context.Context, epoch int) iter.Seq2[*Batch, error] {
	return func(yield func(*Batch, error) bool) {
		for indices := range l.sampler.Batches(epoch) {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			b, err := l.load(indices)
			if !yield(b, err) || err != nil {
				return
			}
		}
	}
}

type result struct {
	batch *Batch
	err   error
}

func (l *Loader) parallel(ctx context.Context, epoch int) iter.Seq2[*Batch, error] {
	return func(yield func(*Batch, error) bool) {
		ctx, cancel := context.WithCancel(ctx)

		// Each batch gets a one-slot channel; slots are queued in sampler
		// order so the consumer sees batches in order whatever finishes first.
		order := make(chan chan result, l.opts.Prefetch)
		var workers errgroup.Group
		workers.SetLimit(l.opts.NumWorkers)

		feederDone := make(chan struct{})
		go func() {
			defer close(feederDone)
			defer close(order)
			for indices := range l.sampler.Batches(epoch) {
				slot := make(chan result, 1)
				select {
				case order <- slot:
				case <-ctx.Done():
					return
				}
				workers.Go(func() error {
					b, err := l.load(indices)
					slot <- result{batch: b, err: err}
					return nil
				})
			}
		}()
		defer func() {
			cancel()
			<-feederDone
			_ = workers.Wait()
		}()

		for slot := range order {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			var r result
			select {
			case r = <-slot:
			case <-ctx.Done():
				yield(nil, ctx.Err())
				return
			}
			if !yield(r.batch, r.err) || r.err != nil {
				return
			}
		}
		if err := ctx.Err(); err != nil {
			yield(nil, err)
		}
	}
}

func (l *Loader) load(indices []int) (*Batch, error) {
	samples := make([]dataset.Sample, len(indices))
	for i, idx := range indices {
		s, err := l.src.Load(idx)
		if err != nil {
			return nil, fmt.Errorf("loading sample %d: %w", idx, err)
		}
		samples[i] = s
	}
	return l.collator.Collate(indices, samples)
}
