package coco

import (
	"context"
	"fmt"
	"io"
	"slices"

	"github.com/born-ml/born-detect/internal/dist"
)

// GroundTruthSource is implemented by datasets that already carry COCO
// annotations, so the evaluator can skip converting targets.
type GroundTruthSource interface {
	COCO() (*Dataset, error)
}

// ProbMap is a row-major per-pixel probability map of H rows and W columns.
type ProbMap struct {
	H, W int
	P    []float32
}

// Prediction holds the detections of one image. Boxes are
// [x1, y1, x2, y2]; Masks and Keypoints are optional and parallel to Boxes.
// Keypoints are flat (x, y, visibility) triples.
type Prediction struct {
	Boxes     [][4]float64
	Scores    []float64
	Labels    []int
	Masks     []ProbMap
	Keypoints [][]float64
}

// MaskThreshold binarizes predicted mask probabilities.
const MaskThreshold = 0.5

// Evaluator scores predictions for several IoU types over batches of
// images. Each rank evaluates its own images; SynchronizeBetweenProcesses
// merges the per-image results before Accumulate.
type Evaluator struct {
	GT       *Dataset
	IoUTypes []IoUType

	evals  map[IoUType]*Eval
	local  map[IoUType][]Column
	imgIDs []int64
	synced bool
}

// NewEvaluator creates an evaluator for the given IoU types.
func NewEvaluator(gt *Dataset, types []IoUType) (*Evaluator, error) {
	ev := &Evaluator{
		GT:       gt,
		IoUTypes: slices.Clone(types),
		evals:    make(map[IoUType]*Eval, len(types)),
		local:    make(map[IoUType][]Column, len(types)),
	}
	for _, t := range types {
		e, err := NewEval(gt, t)
		if err != nil {
			return nil, err
		}
		ev.evals[t] = e
	}
	return ev, nil
}

// Eval returns the evaluation of one IoU type.
func (ev *Evaluator) Eval(t IoUType) (*Eval, bool) {
	e, ok := ev.evals[t]
	return e, ok
}

// ImgIDs returns the ids of every image seen by Update on this rank.
func (ev *Evaluator) ImgIDs() []int64 { return ev.imgIDs }

// Update evaluates one batch of predictions keyed by image id.
func (ev *Evaluator) Update(preds map[int64]Prediction) error {
	ids := make([]int64, 0, len(preds))
	for id := range preds {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	ev.imgIDs = append(ev.imgIDs, ids...)

	for _, t := range ev.IoUTypes {
		results, err := ev.prepare(ids, preds, t)
		if err != nil {
			return err
		}
		var dt *Dataset
		if len(results) > 0 {
			if dt, err = ev.GT.LoadResults(results); err != nil {
				return fmt.Errorf("loading %s results: %w", t, err)
			}
		}
		e := ev.evals[t]
		e.Params.ImgIDs = ids
		if err := e.Evaluate(dt); err != nil {
			return err
		}
		ev.local[t] = append(ev.local[t], e.Columns()...)
	}
	ev.synced = false
	return nil
}

func (ev *Evaluator) prepare(ids []int64, preds map[int64]Prediction, t IoUType) ([]Annotation, error) {
	var out []Annotation
	for _, id := range ids {
		p := preds[id]
		if len(p.Scores) != len(p.Boxes) || len(p.Labels) != len(p.Boxes) {
			return nil, fmt.Errorf("image %d: %d boxes, %d scores, %d labels",
				id, len(p.Boxes), len(p.Scores), len(p.Labels))
		}
		for i, b := range p.Boxes {
			a := Annotation{ImageID: id, CategoryID: p.Labels[i], Score: p.Scores[i]}
			switch t {
			case IoUBBox:
				a.BBox = []float64{b[0], b[1], b[2] - b[0], b[3] - b[1]}
			case IoUSegm:
				if i >= len(p.Masks) {
					return nil, fmt.Errorf("image %d detection %d: %w", id, i, ErrMissingSegment)
				}
				m := p.Masks[i]
				rle, err := EncodeRowMajor(m.P, m.H, m.W, MaskThreshold)
				if err != nil {
					return nil, fmt.Errorf("image %d detection %d: %w", id, i, err)
				}
				a.Segmentation = &Segmentation{RLE: rle}
			case IoUKeypoints:
				if i >= len(p.Keypoints) || len(p.Keypoints[i]) == 0 {
					return nil, fmt.Errorf("image %d detection %d: %w", id, i, ErrMissingKeypoints)
				}
				a.Keypoints = slices.Clone(p.Keypoints[i])
			}
			out = append(out, a)
		}
	}
	return out, nil
}

// SynchronizeBetweenProcesses gathers the per-image results of every rank
// into each rank's evaluations. Images evaluated by several ranks keep the
// first rank's results.
func (ev *Evaluator) SynchronizeBetweenProcesses(ctx context.Context, g dist.Group) error {
	if g == nil {
		g = dist.Single()
	}
	for _, t := range ev.IoUTypes {
		gathered, err := g.AllGather(ctx, ev.local[t])
		if err != nil {
			return fmt.Errorf("gathering %s results: %w", t, err)
		}
		var all []Column
		for r, v := range gathered {
			cols, ok := v.([]Column)
			if !ok && v != nil {
				return fmt.Errorf("gathering %s results: rank %d sent %T", t, r, v)
			}
			all = append(all, cols...)
		}
		ev.evals[t].SetColumns(all)
	}
	ev.synced = true
	return nil
}

// Accumulate computes precision and recall for every IoU type. Without a
// prior SynchronizeBetweenProcesses only this rank's images count.
func (ev *Evaluator) Accumulate() error {
	for _, t := range ev.IoUTypes {
		e := ev.evals[t]
		if !ev.synced {
			e.SetColumns(ev.local[t])
		}
		if err := e.Accumulate(); err != nil {
			return fmt.Errorf("accumulate %s: %w", t, err)
		}
	}
	return nil
}

// Summarize prints the summary table of every IoU type to w.
func (ev *Evaluator) Summarize(w io.Writer) error {
	if w == nil {
		w = io.Discard
	}
	for _, t := range ev.IoUTypes {
		if _, err := fmt.Fprintf(w, "IoU metric: %s\n", t); err != nil {
			return err
		}
		if err := ev.evals[t].Summarize(w); err != nil {
			return fmt.Errorf("summarize %s: %w", t, err)
		}
	}
	return nil
}

// Stats returns the summary statistics of one IoU type after Summarize.
func (ev *Evaluator) Stats(t IoUType) ([]float64, error) {
	e, ok := ev.evals[t]
	if !ok {
		return nil, fmt.Errorf("%w: %q not evaluated", ErrUnknownIoUType, t)
	}
	if e.Stats() == nil {
		return nil, ErrNotEvaluated
	}
	return e.Stats(), nil
}
