package meter

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/born-ml/born-detect/internal/dist"
)

// Loss term names produced by a Mask R-CNN style model.
const (
	LossClassifier = "loss_classifier"
	LossBoxReg     = "loss_box_reg"
	LossMask       = "loss_mask"
	LossObjectness = "loss_objectness"
	LossRPNBoxReg  = "loss_rpn_box_reg"

	// LossOverall names the summed objective.
	LossOverall = "loss"
)

// TrackedTerms lists the individually tracked loss terms in logging order.
var TrackedTerms = []string{LossClassifier, LossBoxReg, LossMask, LossObjectness}

// ErrMissingLossTerm is returned when a tracked term is absent from a loss record.
var ErrMissingLossTerm = errors.New("missing loss term")

// LossMeans is a snapshot of a LossTracker.
type LossMeans struct {
	Overall    float64
	Classifier float64
	BoxReg     float64
	Mask       float64
	Objectness float64
	Count      int
}

// LossTracker keeps running means of the overall loss and of each tracked
// loss term. Each stream is independent.
type LossTracker struct {
	overall RunningMean
	terms   map[string]*RunningMean
}

// NewLossTracker returns an empty tracker.
func NewLossTracker() *LossTracker {
	lt := &LossTracker{terms: make(map[string]*RunningMean, len(TrackedTerms))}
	for _, name := range TrackedTerms {
		lt.terms[name] = &RunningMean{}
	}
	return lt
}

// Append reduces one batch's loss record across the group, then appends the
// summed objective and every tracked term to their streams.
//
// The overall value sums every reduced term, including ones that are not
// individually tracked. The reduced record and its sum are returned so the
// caller can log them and check finiteness.
func (lt *LossTracker) Append(ctx context.Context, g dist.Group, terms map[string]float64) (map[string]float64, float64, error) {
	for _, name := range TrackedTerms {
		if _, ok := terms[name]; !ok {
			return nil, 0, fmt.Errorf("%w: %s", ErrMissingLossTerm, name)
		}
	}

	reduced, err := dist.ReduceDict(ctx, g, terms, true)
	if err != nil {
		return nil, 0, err
	}

	total := Sum(reduced)
	lt.overall.Append(total)
	for _, name := range TrackedTerms {
		lt.terms[name].Append(reduced[name])
	}
	return reduced, total, nil
}

// Mean returns the running mean of one stream. name is LossOverall or one of
// TrackedTerms. ok is false for an unknown name or an empty stream.
func (lt *LossTracker) Mean(name string) (float64, bool) {
	if name == LossOverall {
		return lt.overall.Mean()
	}
	m, found := lt.terms[name]
	if !found {
		return 0, false
	}
	return m.Mean()
}

// Means returns all running means. ok is false until the first Append.
func (lt *LossTracker) Means() (LossMeans, bool) {
	overall, ok := lt.overall.Mean()
	if !ok {
		return LossMeans{}, false
	}
	cls, _ := lt.terms[LossClassifier].Mean()
	box, _ := lt.terms[LossBoxReg].Mean()
	mask, _ := lt.terms[LossMask].Mean()
	obj, _ := lt.terms[LossObjectness].Mean()
	return LossMeans{
		Overall:    overall,
		Classifier: cls,
		BoxReg:     box,
		Mask:       mask,
		Objectness: obj,
		Count:      lt.overall.Count(),
	}, true
}

// Count returns the number of appended records.
func (lt *LossTracker) Count() int { return lt.overall.Count() }

// Reset empties every stream.
func (lt *LossTracker) Reset() {
	lt.overall.Reset()
	for _, m := range lt.terms {
		m.Reset()
	}
}

// Sum adds the values of a loss record in sorted key order, so that the
// result does not depend on map iteration order.
func Sum(terms map[string]float64) float64 {
	keys := make([]string, 0, len(terms))
	for k := range terms {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var total float64
	for _, k := range keys {
		total += terms[k]
	}
	return total
}

// Finite reports whether v is neither NaN nor infinite.
func Finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
