package engine

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/born-ml/born-detect/internal/coco"
	"github.com/born-ml/born-detect/internal/data"
	"github.com/born-ml/born-detect/internal/dist"
	"github.com/born-ml/born-detect/internal/meter"
	"github.com/born-ml/born-detect/internal/metriclog"
	"github.com/born-ml/born-detect/internal/scalar"
)

// EvalOptions configures a validation pass.
type EvalOptions struct {
	// Step is the global step the validation scalars are written at.
	Step int64

	// PrintFreq is the progress interval of both passes. Zero uses 100.
	PrintFreq int

	// Group is the worker group; nil means a single worker.
	Group dist.Group

	// Logger receives progress lines and the COCO summary on the main rank;
	// nil is silent.
	Logger *log.Logger
}

func (o EvalOptions) withDefaults() EvalOptions {
	if o.PrintFreq <= 0 {
		o.PrintFreq = 100
	}
	if o.Group == nil {
		o.Group = dist.Single()
	}
	if !dist.IsMain(o.Group) {
		o.Logger = nil
	}
	return o
}

// COCO stat indexes written after validation, per IoU type. Keypoint
// summaries have no small-area bucket.
var apTags = []struct {
	label         string
	detect, kpsIx int
}{
	{"AP@0.50:0.95, all area", 0, 0},
	{"AP@0.50, all area", 1, 1},
	{"AP@0.50:0.95, small area", 3, -1},
	{"AP@0.50:0.95, medium area", 4, 3},
	{"AP@0.50:0.95, large area", 5, 4},
}

// APTag returns the scalar tag of a COCO statistic.
func APTag(t coco.IoUType, label string) string {
	return fmt.Sprintf("coco eval %s/val %s", t, label)
}

// withoutGrad disables gradient recording on m, or on the model it wraps,
// and returns a function that restores it.
func withoutGrad(m Model) func() {
	for _, c := range []Model{m, Unwrap(m)} {
		if gc, ok := c.(GradController); ok {
			prev := gc.SetGradEnabled(false)
			return func() { gc.SetGradEnabled(prev) }
		}
	}
	return func() {}
}

// Evaluate computes the validation loss and the COCO metrics of model over
// loader, with gradient recording off, and writes both at opts.Step.
func Evaluate(ctx context.Context, opts EvalOptions, model Model, loader Loader, w scalar.Writer) (*meter.LossTracker, *coco.Evaluator, error) {
	opts = opts.withDefaults()
	if w == nil {
		w = scalar.Discard
	}
	if loader.Len() == 0 {
		return nil, nil, ErrEmptyLoader
	}
	defer withoutGrad(model)()

	tracker, err := valLoss(ctx, opts, model, loader, w)
	if err != nil {
		return tracker, nil, err
	}
	ev, err := valCOCO(ctx, opts, model, loader, w)
	if err != nil {
		return tracker, ev, err
	}
	if dist.IsMain(opts.Group) {
		if err := w.Flush(); err != nil {
			return tracker, ev, fmt.Errorf("flushing scalars: %w", err)
		}
	}
	return tracker, ev, nil
}

// valLoss runs the loss forward pass. Losses are only defined in training
// mode, so the model is switched to it; no parameters change.
func valLoss(ctx context.Context, opts EvalOptions, model Model, loader Loader, w scalar.Writer) (*meter.LossTracker, error) {
	model.Train()
	ml := metriclog.New(opts.Logger, "  ")
	tracker := meter.NewLossTracker()

	for it, b := range metriclog.LogEvery(ml, batches(loader, 0), loader.Len(), opts.PrintFreq, "Val Loss:") {
		if err := ctx.Err(); err != nil {
			return tracker, err
		}
		if b.err != nil {
			return tracker, fmt.Errorf("validation loss: %w", b.err)
		}
		images, targets := splitBatch(b.samples)
		losses, err := model.Forward(ctx, images, targets)
		if err != nil {
			return tracker, fmt.Errorf("validation loss iteration %d: %w", it, err)
		}
		if _, _, err := tracker.Append(ctx, opts.Group, losses.Terms()); err != nil {
			return tracker, fmt.Errorf("validation loss iteration %d: %w", it, err)
		}
	}

	if dist.IsMain(opts.Group) {
		if err := writeLosses(w, tracker, "val", opts.Step); err != nil {
			return tracker, err
		}
	}
	return tracker, nil
}

func valCOCO(ctx context.Context, opts EvalOptions, model Model, loader Loader, w scalar.Writer) (*coco.Evaluator, error) {
	model.Eval()
	ml := metriclog.New(opts.Logger, "  ")

	gt, err := data.GroundTruth(loader.Dataset())
	if err != nil {
		return nil, fmt.Errorf("building ground truth: %w", err)
	}
	types := IoUTypes(model)
	ev, err := coco.NewEvaluator(gt, types)
	if err != nil {
		return nil, err
	}

	for it, b := range metriclog.LogEvery(ml, batches(loader, 0), loader.Len(), opts.PrintFreq, "Val COCO:") {
		if err := ctx.Err(); err != nil {
			return ev, err
		}
		if b.err != nil {
			return ev, fmt.Errorf("validation: %w", b.err)
		}
		images, targets := splitBatch(b.samples)
		sizes := make([][2]int, len(targets))
		for i, t := range targets {
			sizes[i] = [2]int{t.Height, t.Width}
		}

		start := time.Now()
		preds, err := model.Predict(ctx, images, sizes)
		if err != nil {
			return ev, fmt.Errorf("validation iteration %d: predict: %w", it, err)
		}
		if len(preds) != len(targets) {
			return ev, fmt.Errorf("validation iteration %d: %d predictions for %d images", it, len(preds), len(targets))
		}
		modelTime := time.Since(start)

		res := make(map[int64]coco.Prediction, len(preds))
		for i, t := range targets {
			res[t.ImageID] = preds[i]
		}
		start = time.Now()
		if err := ev.Update(res); err != nil {
			return ev, fmt.Errorf("validation iteration %d: %w", it, err)
		}
		ml.Update(map[string]float64{
			"model_time":     modelTime.Seconds(),
			"evaluator_time": time.Since(start).Seconds(),
		})
	}

	if err := ml.Synchronize(ctx, opts.Group); err != nil {
		return ev, err
	}
	ml.Printf("Averaged stats: %s", ml)
	if err := ev.SynchronizeBetweenProcesses(ctx, opts.Group); err != nil {
		return ev, err
	}
	if err := ev.Accumulate(); err != nil {
		return ev, err
	}
	var out io.Writer = io.Discard
	if opts.Logger != nil {
		out = opts.Logger.Writer()
	}
	if err := ev.Summarize(out); err != nil {
		return ev, err
	}

	if !dist.IsMain(opts.Group) {
		return ev, nil
	}
	for _, t := range types {
		stats, err := ev.Stats(t)
		if err != nil {
			return ev, err
		}
		for _, tag := range apTags {
			i := tag.detect
			if t == coco.IoUKeypoints {
				i = tag.kpsIx
			}
			if i < 0 || i >= len(stats) {
				continue
			}
			if err := w.AddScalar(APTag(t, tag.label), stats[i], opts.Step); err != nil {
				return ev, fmt.Errorf("writing %s: %w", APTag(t, tag.label), err)
			}
		}
	}
	return ev, nil
}
