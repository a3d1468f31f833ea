package data

import (
	"fmt"
	"iter"
	"math/rand/v2"

	"github.com/born-ml/born-detect/internal/parallel"
)

// LoaderConfig configures a Loader.
type LoaderConfig struct {
	BatchSize int
	Shuffle   bool
	Seed      uint64

	// Rank and WorldSize shard the dataset. Every rank sees the same number
	// of samples; the index list is padded by wrapping around.
	Rank      int
	WorldSize int

	// Parallel controls how samples of a batch are decoded.
	Parallel parallel.Config
}

// Loader groups samples of a dataset into batches.
type Loader struct {
	ds  Dataset
	cfg LoaderConfig
}

// NewLoader validates cfg and returns a loader over ds.
func NewLoader(ds Dataset, cfg LoaderConfig) (*Loader, error) {
	if ds.Len() == 0 {
		return nil, ErrEmptyDataset
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.WorldSize <= 0 {
		cfg.WorldSize = 1
	}
	if cfg.Rank < 0 || cfg.Rank >= cfg.WorldSize {
		return nil, fmt.Errorf("rank %d outside world of %d", cfg.Rank, cfg.WorldSize)
	}
	return &Loader{ds: ds, cfg: cfg}, nil
}

// Dataset returns the underlying dataset.
func (l *Loader) Dataset() Dataset { return l.ds }

// NumImages returns the size of the whole dataset, across all ranks.
func (l *Loader) NumImages() int { return l.ds.Len() }

// shardLen is the number of samples this rank sees per epoch.
func (l *Loader) shardLen() int {
	w := l.cfg.WorldSize
	return (l.ds.Len() + w - 1) / w
}

// Len returns the number of batches per epoch on this rank.
func (l *Loader) Len() int {
	b := l.cfg.BatchSize
	return (l.shardLen() + b - 1) / b
}

// Indices returns the dataset indices this rank visits in epoch, in order.
func (l *Loader) Indices(epoch int) []int {
	n := l.ds.Len()
	var order []int
	if l.cfg.Shuffle {
		rng := rand.New(rand.NewPCG(l.cfg.Seed, uint64(epoch)))
		order = rng.Perm(n)
	} else {
		order = make([]int, n)
		for i := range order {
			order[i] = i
		}
	}
	w := l.cfg.WorldSize
	total := l.shardLen() * w
	for i := 0; len(order) < total; i++ {
		order = append(order, order[i%n])
	}
	out := make([]int, 0, l.shardLen())
	for i := l.cfg.Rank; i < total; i += w {
		out = append(out, order[i])
	}
	return out
}

// Batches yields the batches of one epoch. Loading stops at the first
// error, which is yielded with a nil batch.
func (l *Loader) Batches(epoch int) iter.Seq2[[]Sample, error] {
	return func(yield func([]Sample, error) bool) {
		idx := l.Indices(epoch)
		for start := 0; start < len(idx); start += l.cfg.BatchSize {
			end := min(start+l.cfg.BatchSize, len(idx))
			batch := make([]Sample, end-start)
			errs := make([]error, end-start)
			parallel.For(end-start, func(i int) {
				batch[i], errs[i] = l.ds.Get(idx[start+i])
			}, l.cfg.Parallel)
			for i, err := range errs {
				if err != nil {
					yield(nil, fmt.Errorf("loading sample %d: %w", idx[start+i], err))
					return
				}
			}
			if !yield(batch, nil) {
				return
			}
		}
	}
}
