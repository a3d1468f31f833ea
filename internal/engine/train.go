package engine

import (
	"context"
	"fmt"
	"iter"
	"log"

	"github.com/born-ml/born-detect/internal/data"
	"github.com/born-ml/born-detect/internal/dist"
	"github.com/born-ml/born-detect/internal/meter"
	"github.com/born-ml/born-detect/internal/metriclog"
	"github.com/born-ml/born-detect/internal/scalar"
)

// TrainOptions configures one training epoch.
type TrainOptions struct {
	// Epoch is the zero-based epoch number. Warmup only runs in epoch 0.
	Epoch int

	// PrintFreq is the interval, in iterations, of progress lines and
	// scalar writes.
	PrintFreq int

	// Group is the worker group; nil means a single worker.
	Group dist.Group

	// Logger receives progress lines on the main rank; nil is silent.
	Logger *log.Logger

	// WarmupIters caps the warmup length, which is also limited to one less
	// than the number of batches. Zero uses DefaultWarmupIters.
	WarmupIters int

	// WarmupFactor is the initial learning-rate multiplier. Zero uses
	// DefaultWarmupFactor.
	WarmupFactor float64
}

// TrainOption sets a TrainOptions field.
type TrainOption func(*TrainOptions)

// NewTrainOptions returns the options for epoch with a print interval of
// 10, logging to the standard logger.
func NewTrainOptions(epoch int, opts ...TrainOption) TrainOptions {
	o := TrainOptions{Epoch: epoch, PrintFreq: 10, Logger: log.Default()}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// WithPrintFreq sets the progress interval.
func WithPrintFreq(n int) TrainOption {
	return func(o *TrainOptions) { o.PrintFreq = n }
}

// WithGroup sets the worker group.
func WithGroup(g dist.Group) TrainOption {
	return func(o *TrainOptions) { o.Group = g }
}

// WithLogger sets the progress logger.
func WithLogger(l *log.Logger) TrainOption {
	return func(o *TrainOptions) { o.Logger = l }
}

// WithWarmup overrides the warmup length cap and initial factor.
func WithWarmup(iters int, factor float64) TrainOption {
	return func(o *TrainOptions) {
		o.WarmupIters = iters
		o.WarmupFactor = factor
	}
}

func (o TrainOptions) withDefaults() TrainOptions {
	if o.PrintFreq <= 0 {
		o.PrintFreq = 1
	}
	if o.Group == nil {
		o.Group = dist.Single()
	}
	if o.WarmupIters <= 0 {
		o.WarmupIters = DefaultWarmupIters
	}
	if o.WarmupFactor <= 0 {
		o.WarmupFactor = DefaultWarmupFactor
	}
	if !dist.IsMain(o.Group) {
		o.Logger = nil
	}
	return o
}

// Scalar tag prefixes of the tracked loss streams.
var lossTags = []struct {
	name, tag string
}{
	{meter.LossOverall, "overall loss"},
	{meter.LossClassifier, "classifier loss"},
	{meter.LossBoxReg, "box reg loss"},
	{meter.LossMask, "mask loss"},
	{meter.LossObjectness, "objectness loss"},
}

// TagLearningRate is the scalar tag of the learning rate.
const TagLearningRate = "learning rate/learning rate"

func writeLosses(w scalar.Writer, lt *meter.LossTracker, split string, step int64) error {
	for _, s := range lossTags {
		v, ok := lt.Mean(s.name)
		if !ok {
			continue
		}
		if err := w.AddScalar(s.tag+"/"+split, v, step); err != nil {
			return fmt.Errorf("writing %s: %w", s.tag, err)
		}
	}
	return nil
}

type loaded struct {
	samples []data.Sample
	err     error
}

func batches(l Loader, epoch int) iter.Seq[loaded] {
	return func(yield func(loaded) bool) {
		for s, err := range l.Batches(epoch) {
			if !yield(loaded{s, err}) {
				return
			}
		}
	}
}

// TrainOneEpoch runs one pass over loader, updating the model after every
// batch. Loss terms are reduced across the group and tracked as running
// means; every PrintFreq iterations the means and the learning rate are
// written at step epoch*NumImages+iteration.
//
// A non-finite reduced loss stops the epoch with a *NonFiniteLossError
// before the optimizer runs on that batch.
func TrainOneEpoch(ctx context.Context, opts TrainOptions, model Model, opt Optimizer, loader Loader, w scalar.Writer) (*meter.LossTracker, error) {
	opts = opts.withDefaults()
	if w == nil {
		w = scalar.Discard
	}
	n := loader.Len()
	if n == 0 {
		return nil, ErrEmptyLoader
	}
	isMain := dist.IsMain(opts.Group)

	model.Train()
	ml := metriclog.New(opts.Logger, "  ")
	ml.AddMeter("lr", metriclog.NewSmoothedValue(1, "{value:.6f}"))
	header := fmt.Sprintf("Epoch: [%d]", opts.Epoch)

	var warmup *Warmup
	if opts.Epoch == 0 {
		warmup = NewWarmup(opt, min(opts.WarmupIters, n-1), opts.WarmupFactor)
	}

	tracker := meter.NewLossTracker()
	numImages := loader.NumImages()
	for it, b := range metriclog.LogEvery(ml, batches(loader, opts.Epoch), n, opts.PrintFreq, header) {
		if err := ctx.Err(); err != nil {
			return tracker, err
		}
		if b.err != nil {
			return tracker, fmt.Errorf("epoch %d: %w", opts.Epoch, b.err)
		}
		images, targets := splitBatch(b.samples)

		losses, err := model.Forward(ctx, images, targets)
		if err != nil {
			return tracker, fmt.Errorf("epoch %d iteration %d: forward: %w", opts.Epoch, it, err)
		}
		reduced, total, err := tracker.Append(ctx, opts.Group, losses.Terms())
		if err != nil {
			return tracker, fmt.Errorf("epoch %d iteration %d: %w", opts.Epoch, it, err)
		}

		if it%opts.PrintFreq == 0 && isMain {
			step := int64(opts.Epoch*numImages + it)
			if err := writeLosses(w, tracker, "train", step); err != nil {
				return tracker, err
			}
			if err := w.AddScalar(TagLearningRate, opt.LR(), step); err != nil {
				return tracker, fmt.Errorf("writing learning rate: %w", err)
			}
		}

		if !meter.Finite(total) {
			nf := &NonFiniteLossError{Epoch: opts.Epoch, Iteration: it, Loss: total, Terms: reduced}
			ml.Printf("Loss is %v, stopping training", total)
			ml.Printf("%v", reduced)
			return tracker, nf
		}

		opt.ZeroGrad()
		if err := losses.Backward(); err != nil {
			return tracker, fmt.Errorf("epoch %d iteration %d: backward: %w", opts.Epoch, it, err)
		}
		if err := opt.Step(ctx); err != nil {
			return tracker, fmt.Errorf("epoch %d iteration %d: optimizer step: %w", opts.Epoch, it, err)
		}
		if warmup != nil {
			warmup.Step()
		}

		update := make(map[string]float64, len(reduced)+1)
		for k, v := range reduced {
			update[k] = v
		}
		update[meter.LossOverall] = total
		ml.Update(update)
		ml.Update(map[string]float64{"lr": opt.LR()})
	}

	if isMain {
		if err := w.Flush(); err != nil {
			return tracker, fmt.Errorf("flushing scalars: %w", err)
		}
	}
	return tracker, nil
}
