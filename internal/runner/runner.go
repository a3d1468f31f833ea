// Package runner wires configuration, data, model, engine and scalar sinks
// into complete training and evaluation jobs.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/born-ml/born-detect/internal/coco"
	"github.com/born-ml/born-detect/internal/config"
	"github.com/born-ml/born-detect/internal/data"
	"github.com/born-ml/born-detect/internal/dist"
	"github.com/born-ml/born-detect/internal/engine"
	"github.com/born-ml/born-detect/internal/meter"
	"github.com/born-ml/born-detect/internal/model"
	"github.com/born-ml/born-detect/internal/parallel"
	"github.com/born-ml/born-detect/internal/scalar"
)

// Run identifies one job and its output directory.
type Run struct {
	ID  string
	Dir string
}

// CreateRunDir makes base/<utc stamp>-<short id> and points base/latest at
// it.
func CreateRunDir(base string) (Run, error) {
	id := uuid.NewString()
	stamp := time.Now().UTC().Format("2006-01-02T15-04-05")
	dir, err := filepath.Abs(filepath.Join(base, stamp+"-"+id[:8]))
	if err != nil {
		return Run{}, fmt.Errorf("resolving run dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Run{}, fmt.Errorf("creating run dir: %w", err)
	}
	latest := filepath.Join(base, "latest")
	_ = os.Remove(latest)
	if err := os.Symlink(dir, latest); err != nil {
		log.Printf("warning: creating latest link: %v", err)
	}
	return Run{ID: id, Dir: dir}, nil
}

// Datasets returns the training and validation sets named by cfg.
func Datasets(cfg *config.Config) (train, val data.Dataset, err error) {
	d := cfg.Data
	switch d.Source {
	case config.SourceSynthetic:
		s := d.Synthetic
		return data.Synthetic(s.Train, s.Size, s.Classes, d.Seed),
			data.Synthetic(s.Val, s.Size, s.Classes, d.Seed+1), nil
	case config.SourceCOCO:
		tr, err := data.NewCocoDataset(d.TrainImages, d.TrainAnnotations, d.ImageSize)
		if err != nil {
			return nil, nil, fmt.Errorf("training set: %w", err)
		}
		va, err := data.NewCocoDataset(d.ValImages, d.ValAnnotations, d.ImageSize)
		if err != nil {
			return nil, nil, fmt.Errorf("validation set: %w", err)
		}
		return tr, va, nil
	}
	return nil, nil, fmt.Errorf("unknown data source %q", d.Source)
}

// Options are the sinks of a job.
type Options struct {
	// Logger receives progress on the main rank; nil uses log.Default().
	Logger *log.Logger

	// Writer receives scalars from the main rank; nil discards them.
	Writer scalar.Writer
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = log.Default()
	}
	if o.Writer == nil {
		o.Writer = scalar.Discard
	}
	return o
}

// EpochResult is the main rank's view of one finished epoch.
type EpochResult struct {
	Epoch int
	Train meter.LossMeans
	Val   meter.LossMeans
	Stats map[coco.IoUType][]float64
}

// Result summarises a training job.
type Result struct {
	Epochs []EpochResult
}

// Train builds the model from cfg and runs cfg.Train.Epochs epochs of
// training, each followed by validation, on cfg.Train.WorldSize in-process
// workers. Validation scalars are written at the first step of the next
// epoch. The first worker error cancels the others.
func Train(ctx context.Context, cfg *config.Config, opts Options) (*Result, error) {
	opts = opts.withDefaults()
	trainSet, valSet, err := Datasets(cfg)
	if err != nil {
		return nil, err
	}
	built, err := model.Build(cfg.Model.Device, cfg.ModelConfig(), cfg.OptimizerConfig())
	if err != nil {
		return nil, err
	}
	defer built.Release()

	groups, err := workerGroups(cfg.Train.WorldSize)
	if err != nil {
		return nil, err
	}
	models := make([]engine.Model, len(groups))
	optims := make([]engine.Optimizer, len(groups))
	for r, g := range groups {
		if models[r], optims[r], err = built.Worker(g); err != nil {
			return nil, fmt.Errorf("rank %d: %w", r, err)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	res := &Result{}
	errs := make([]error, len(groups))
	var wg sync.WaitGroup
	for r, g := range groups {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w := worker{cfg: cfg, opts: opts, group: g, model: models[r], optim: optims[r]}
			if errs[r] = w.train(ctx, trainSet, valSet, res); errs[r] != nil {
				cancel()
			}
		}()
	}
	wg.Wait()

	// Ranks stopped by the cancellation report context.Canceled; prefer the
	// error that caused it.
	for _, err := range errs {
		if err != nil && !errors.Is(err, context.Canceled) {
			return res, err
		}
	}
	return res, errors.Join(errs...)
}

func workerGroups(n int) ([]dist.Group, error) {
	if n <= 1 {
		return []dist.Group{dist.Single()}, nil
	}
	return dist.NewLocal(n)
}

type worker struct {
	cfg   *config.Config
	opts  Options
	group dist.Group
	model engine.Model
	optim engine.Optimizer
}

func (w worker) loaders(trainSet, valSet data.Dataset) (train, val *data.Loader, err error) {
	d := w.cfg.Data
	train, err = data.NewLoader(trainSet, data.LoaderConfig{
		BatchSize: d.BatchSize,
		Shuffle:   d.Shuffle,
		Seed:      d.Seed,
		Rank:      w.group.Rank(),
		WorldSize: w.group.WorldSize(),
		Parallel:  parallel.DefaultConfig(),
	})
	if err != nil {
		return nil, nil, err
	}
	val, err = data.NewLoader(valSet, data.LoaderConfig{
		BatchSize: d.BatchSize,
		Rank:      w.group.Rank(),
		WorldSize: w.group.WorldSize(),
		Parallel:  parallel.DefaultConfig(),
	})
	return train, val, err
}

func (w worker) train(ctx context.Context, trainSet, valSet data.Dataset, res *Result) error {
	trainLoader, valLoader, err := w.loaders(trainSet, valSet)
	if err != nil {
		return err
	}
	isMain := dist.IsMain(w.group)
	t := w.cfg.Train

	for epoch := 0; epoch < t.Epochs; epoch++ {
		topts := engine.NewTrainOptions(epoch,
			engine.WithGroup(w.group),
			engine.WithPrintFreq(t.PrintFreq),
			engine.WithLogger(w.opts.Logger),
			engine.WithWarmup(t.WarmupIters, t.WarmupFactor),
		)
		tl, err := engine.TrainOneEpoch(ctx, topts, w.model, w.optim, trainLoader, w.opts.Writer)
		if err != nil {
			return err
		}

		vl, ev, err := engine.Evaluate(ctx, engine.EvalOptions{
			Step:      int64((epoch + 1) * trainLoader.NumImages()),
			PrintFreq: w.cfg.Eval.PrintFreq,
			Group:     w.group,
			Logger:    w.opts.Logger,
		}, w.model, valLoader, w.opts.Writer)
		if err != nil {
			return fmt.Errorf("epoch %d validation: %w", epoch, err)
		}
		if !isMain {
			continue
		}

		er := EpochResult{Epoch: epoch, Stats: make(map[coco.IoUType][]float64)}
		er.Train, _ = tl.Means()
		er.Val, _ = vl.Means()
		for _, typ := range engine.IoUTypes(w.model) {
			if er.Stats[typ], err = ev.Stats(typ); err != nil {
				return err
			}
		}
		res.Epochs = append(res.Epochs, er)
		w.opts.Logger.Printf("Epoch %d done: train loss %.4f, val loss %.4f, bbox AP %.3f",
			epoch, er.Train.Overall, er.Val.Overall, er.Stats[coco.IoUBBox][0])
	}
	return nil
}

// EvaluateResults scores a COCO results file against ground-truth
// annotations for each IoU type and prints the summaries to w.
func EvaluateResults(gtPath, resultsPath string, types []coco.IoUType, w io.Writer) (map[coco.IoUType][]float64, error) {
	gt, err := coco.Load(gtPath)
	if err != nil {
		return nil, err
	}
	results, err := coco.LoadResultsFile(resultsPath)
	if err != nil {
		return nil, err
	}
	stats := make(map[coco.IoUType][]float64, len(types))
	for _, t := range types {
		dt, err := gt.LoadResults(results)
		if err != nil {
			return nil, fmt.Errorf("%s results: %w", t, err)
		}
		e, err := coco.NewEval(gt, t)
		if err != nil {
			return nil, err
		}
		if err := e.Evaluate(dt); err != nil {
			return nil, err
		}
		if err := e.Accumulate(); err != nil {
			return nil, err
		}
		fmt.Fprintf(w, "IoU metric: %s\n", t)
		if err := e.Summarize(w); err != nil {
			return nil, err
		}
		stats[t] = e.Stats()
	}
	return stats, nil
}
