// Package dist provides the collective operations a data-parallel training
// job needs for logging and evaluation: sum-reduction of scalars, gathering
// of arbitrary per-rank state, and barriers.
//
// Ranks live in one process. NewLocal returns n Groups that rendezvous
// through a shared hub, so each rank can be driven from its own goroutine.
package dist

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Common errors.
var (
	ErrLengthMismatch = errors.New("ranks contributed vectors of different lengths")
	ErrInvalidWorld   = errors.New("world size must be at least 1")
)

// Group is one rank's view of a worker group.
type Group interface {
	// Rank returns this worker's index in [0, WorldSize()).
	Rank() int

	// WorldSize returns the number of workers in the group.
	WorldSize() int

	// AllReduceSum returns the element-wise sum of v across all ranks.
	AllReduceSum(ctx context.Context, v []float64) ([]float64, error)

	// AllGather returns every rank's value, indexed by rank.
	AllGather(ctx context.Context, v any) ([]any, error)

	// Barrier blocks until every rank has reached it.
	Barrier(ctx context.Context) error
}

// IsMain reports whether g is rank 0, the rank that prints and writes logs.
func IsMain(g Group) bool {
	return g == nil || g.Rank() == 0
}

type single struct{}

// Single returns a world of one. Every collective is the identity.
func Single() Group { return single{} }

func (single) Rank() int      { return 0 }
func (single) WorldSize() int { return 1 }

func (single) AllReduceSum(_ context.Context, v []float64) ([]float64, error) {
	out := make([]float64, len(v))
	copy(out, v)
	return out, nil
}

func (single) AllGather(_ context.Context, v any) ([]any, error) {
	return []any{v}, nil
}

func (single) Barrier(context.Context) error { return nil }

// hub is the rendezvous point shared by all local ranks.
// Each collective round collects one contribution per rank, then releases
// every waiter with the full set.
type hub struct {
	mu      sync.Mutex
	size    int
	arrived int
	cur     *round
}

type round struct {
	slots []any
	done  chan struct{}
}

func newRound(size int) *round {
	return &round{slots: make([]any, size), done: make(chan struct{})}
}

func newHub(size int) *hub {
	return &hub{size: size, cur: newRound(size)}
}

// exchange deposits v for rank and waits for the other ranks.
func (h *hub) exchange(ctx context.Context, rank int, v any) ([]any, error) {
	h.mu.Lock()
	r := h.cur
	r.slots[rank] = v
	h.arrived++
	if h.arrived == h.size {
		h.arrived = 0
		h.cur = newRound(h.size)
		close(r.done)
	}
	h.mu.Unlock()

	select {
	case <-r.done:
		return r.slots, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("rank %d waiting for collective: %w", rank, ctx.Err())
	}
}

type local struct {
	rank int
	hub  *hub
}

// NewLocal creates n in-process ranks sharing one hub.
// Collectives must be called by every rank in the same order.
func NewLocal(n int) ([]Group, error) {
	if n < 1 {
		return nil, ErrInvalidWorld
	}
	h := newHub(n)
	groups := make([]Group, n)
	for i := range groups {
		groups[i] = &local{rank: i, hub: h}
	}
	return groups, nil
}

func (l *local) Rank() int      { return l.rank }
func (l *local) WorldSize() int { return l.hub.size }

func (l *local) AllReduceSum(ctx context.Context, v []float64) ([]float64, error) {
	mine := make([]float64, len(v))
	copy(mine, v)
	parts, err := l.hub.exchange(ctx, l.rank, mine)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(v))
	for r, p := range parts {
		vec := p.([]float64)
		if len(vec) != len(out) {
			return nil, fmt.Errorf("rank %d sent %d values, rank %d sent %d: %w",
				l.rank, len(out), r, len(vec), ErrLengthMismatch)
		}
		for i, x := range vec {
			out[i] += x
		}
	}
	return out, nil
}

func (l *local) AllGather(ctx context.Context, v any) ([]any, error) {
	parts, err := l.hub.exchange(ctx, l.rank, v)
	if err != nil {
		return nil, err
	}
	out := make([]any, len(parts))
	copy(out, parts)
	return out, nil
}

func (l *local) Barrier(ctx context.Context) error {
	_, err := l.hub.exchange(ctx, l.rank, nil)
	return err
}

// ReduceDict reduces the values of m across all ranks so that every rank
// sees the same result. Keys are visited in sorted order so that every rank
// packs its vector identically. With average set, sums are divided by the
// world size. A world of one returns m unchanged.
func ReduceDict(ctx context.Context, g Group, m map[string]float64, average bool) (map[string]float64, error) {
	if g == nil || g.WorldSize() < 2 {
		return m, nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	vals := make([]float64, len(keys))
	for i, k := range keys {
		vals[i] = m[k]
	}
	sum, err := g.AllReduceSum(ctx, vals)
	if err != nil {
		return nil, fmt.Errorf("reduce dict: %w", err)
	}

	out := make(map[string]float64, len(keys))
	for i, k := range keys {
		if average {
			out[k] = sum[i] / float64(g.WorldSize())
		} else {
			out[k] = sum[i]
		}
	}
	return out, nil
}
