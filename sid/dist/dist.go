// Package dist launches training ranks and averages buffers across them.
//
// Ranks run as goroutines of one process. Each rank executes the same epoch
// loop; the only cross-rank traffic is AllReduceMean, which every rank calls
// once per training step.
package dist

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Group is the collective-communication view of one rank.
type Group interface {
	Rank() int
	WorldSize() int
	// AllReduceMean replaces buf on every rank with the weighted mean of all
	// ranks' buffers. A rank with nothing to contribute passes weight 0. When
	// every weight is 0 the result is all zeros. All ranks must pass buffers
	// of the same length.
	AllReduceMean(ctx context.Context, buf []float32, weight float64) error
}

// Single is the group of a non-distributed run.
func Single() Group { return single{} }

type single struct{}

func (single) Rank() int      { return 0 }
func (single) WorldSize() int { return 1 }

func (single) AllReduceMean(ctx context.Context, buf []float32, weight float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if weight == 0 {
		clear(buf)
	}
	return nil
}

// Launcher starts n ranks of a worker function.
type Launcher interface {
	Launch(ctx context.Context, n int, worker func(ctx context.Context, rank int) error) error
}

// LocalLauncher runs each rank in its own goroutine. The first rank to fail
// cancels the context of the others; its error is returned.
type LocalLauncher struct{}

func (LocalLauncher) Launch(ctx context.Context, n int, worker func(ctx context.Context, rank int) error) error {
	if n <= 0 {
		return fmt.Errorf("world size must be positive, got %d", n)
	}
	g, gctx := errgroup.WithContext(ctx)
	for rank := 0; rank < n; rank++ {
		g.Go(func() error {
			if err := worker(gctx, rank); err != nil {
				return fmt.Errorf("rank %d: %w", rank, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// NewLocalGroups returns n connected in-process groups, one per rank.
func NewLocalGroups(n int) []Group {
	if n == 1 {
		return []Group{Single()}
	}
	hub := &hub{size: n, round: newRound()}
	groups := make([]Group, n)
	for i := range groups {
		groups[i] = &localGroup{rank: i, hub: hub}
	}
	return groups
}

type round struct {
	sum    []float64
	weight float64
	result []float32
	done   chan struct{}
}

func newRound() *round { return &round{done: make(chan struct{})} }

type hub struct {
	mu      sync.Mutex
	size    int
	arrived int
	round   *round
	err     error
}

type localGroup struct {
	rank int
	hub  *hub
}

func (g *localGroup) Rank() int      { return g.rank }
func (g *localGroup) WorldSize() int { return g.hub.size }

func (g *localGroup) AllReduceMean(ctx context.Context, buf []float32, weight float64) error {
	h := g.hub
	h.mu.Lock()
	if h.err != nil {
		h.mu.Unlock()
		return h.err
	}
	r := h.round
	if h.arrived == 0 {
		r.sum = make([]float64, len(buf))
	} else if len(r.sum) != len(buf) {
		h.mu.Unlock()
		return fmt.Errorf("all-reduce buffer length %d on rank %d, others sent %d", len(buf), g.rank, len(r.sum))
	}
	if weight != 0 {
		for i, v := range buf {
			r.sum[i] += weight * float64(v)
		}
		r.weight += weight
	}
	h.arrived++
	if h.arrived == h.size {
		r.result = make([]float32, len(r.sum))
		if r.weight != 0 {
			for i, v := range r.sum {
				r.result[i] = float32(v / r.weight)
			}
		}
		close(r.done)
		h.arrived = 0
		h.round = newRound()
	}
	h.mu.Unlock()

	select {
	case <-r.done:
		copy(buf, r.result)
		return nil
	case <-ctx.Done():
		// A rank that leaves mid-round would deadlock every later round.
		h.mu.Lock()
		if h.err == nil {
			h.err = fmt.Errorf("all-reduce aborted on rank %d: %w", g.rank, ctx.Err())
		}
		h.mu.Unlock()
		return ctx.Err()
	}
}
