package coco

import (
	"cmp"
	"errors"
	"fmt"
	"io"
	"math"
	"slices"
	"sort"
)

// ErrNotEvaluated is returned when Accumulate or Summarize run before any
// per-image results exist.
var ErrNotEvaluated = errors.New("evaluate must run first")

// Accumulation holds precision and recall over every threshold, category,
// area range and detection limit. Entries with no ground truth are -1.
type Accumulation struct {
	T, R, K, A, M int

	// Precision and Scores are laid out [T][R][K][A][M].
	Precision []float64
	Scores    []float64

	// Recall is laid out [T][K][A][M].
	Recall []float64
}

// PrecisionAt returns precision at the given indexes.
func (a *Accumulation) PrecisionAt(t, r, k, ar, m int) float64 {
	return a.Precision[(((t*a.R+r)*a.K+k)*a.A+ar)*a.M+m]
}

// RecallAt returns recall at the given indexes.
func (a *Accumulation) RecallAt(t, k, ar, m int) float64 {
	return a.Recall[((t*a.K+k)*a.A+ar)*a.M+m]
}

func (a *Accumulation) setPrecision(t, r, k, ar, m int, p, s float64) {
	i := (((t*a.R+r)*a.K+k)*a.A+ar)*a.M + m
	a.Precision[i] = p
	a.Scores[i] = s
}

func (a *Accumulation) setRecall(t, k, ar, m int, v float64) {
	a.Recall[((t*a.K+k)*a.A+ar)*a.M+m] = v
}

// Accumulation returns the result of the last Accumulate, or nil.
func (e *Eval) Accumulation() *Accumulation { return e.acc }

// Accumulate turns the per-image matches into precision/recall curves.
func (e *Eval) Accumulate() error {
	if e.columns == nil {
		return ErrNotEvaluated
	}
	p := &e.Params
	acc := &Accumulation{
		T: len(p.IoUThrs),
		R: len(p.RecThrs),
		K: len(e.catKeys()),
		A: len(p.AreaRng),
		M: len(p.MaxDets),
	}
	acc.Precision = filledFloat(acc.T*acc.R*acc.K*acc.A*acc.M, -1)
	acc.Scores = filledFloat(len(acc.Precision), -1)
	acc.Recall = filledFloat(acc.T*acc.K*acc.A*acc.M, -1)

	for k := 0; k < acc.K; k++ {
		for a := 0; a < acc.A; a++ {
			var cells []*EvalImage
			for _, col := range e.columns {
				if k < len(col.Cells) && a < len(col.Cells[k]) && col.Cells[k][a] != nil {
					cells = append(cells, col.Cells[k][a])
				}
			}
			if len(cells) == 0 {
				continue
			}
			for m, maxDet := range p.MaxDets {
				e.accumulateCell(acc, cells, k, a, m, maxDet)
			}
		}
	}
	e.acc = acc
	return nil
}

type scoredDet struct {
	score float64
	img   int
	det   int
}

func (e *Eval) accumulateCell(acc *Accumulation, cells []*EvalImage, k, a, m, maxDet int) {
	p := &e.Params

	var dets []scoredDet
	npig := 0
	for ci, c := range cells {
		n := min(maxDet, len(c.DtScores))
		for d := 0; d < n; d++ {
			dets = append(dets, scoredDet{score: c.DtScores[d], img: ci, det: d})
		}
		for _, ig := range c.GtIgnore {
			if !ig {
				npig++
			}
		}
	}
	if npig == 0 {
		return
	}
	slices.SortStableFunc(dets, func(x, y scoredDet) int { return cmp.Compare(y.score, x.score) })

	nd := len(dets)
	rc := make([]float64, nd)
	pr := make([]float64, nd)
	for t := range p.IoUThrs {
		var tp, fp float64
		for i, d := range dets {
			c := cells[d.img]
			if c.DtIgnore[t][d.det] {
				// Ignored detections neither help nor hurt.
			} else if c.DtMatches[t][d.det] >= 0 {
				tp++
			} else {
				fp++
			}
			rc[i] = tp / float64(npig)
			pr[i] = tp / (fp + tp + eps64)
		}

		if nd > 0 {
			acc.setRecall(t, k, a, m, rc[nd-1])
		} else {
			acc.setRecall(t, k, a, m, 0)
		}

		// Make precision monotonically non-increasing.
		for i := nd - 1; i > 0; i-- {
			if pr[i] > pr[i-1] {
				pr[i-1] = pr[i]
			}
		}

		for ri, thr := range p.RecThrs {
			pi := sort.SearchFloat64s(rc, thr)
			if pi >= nd {
				// Remaining recall levels are unreachable.
				for rj := ri; rj < len(p.RecThrs); rj++ {
					acc.setPrecision(t, rj, k, a, m, 0, 0)
				}
				break
			}
			acc.setPrecision(t, ri, k, a, m, pr[pi], dets[pi].score)
		}
	}
}

// eps64 is the spacing of float64 at 1.
var eps64 = math.Nextafter(1, 2) - 1

func filledFloat(n int, v float64) []float64 {
	s := make([]float64, n)
	for i := range s {
		s[i] = v
	}
	return s
}

// Stats returns the summary statistics of the last Summarize, or nil.
func (e *Eval) Stats() []float64 { return e.stats }

// summaryLine describes one summary statistic.
type summaryLine struct {
	ap      bool
	iouThr  float64 // NaN for the full threshold range
	areaRng string
	maxDets int
}

// Summarize prints the standard summary table to w and stores the stats.
// Bounding boxes and masks produce 12 stats, keypoints 10:
//
//	0 AP@[.5:.95]  1 AP@.5  2 AP@.75  3 AP small  4 AP medium  5 AP large
//	6 AR@1  7 AR@10  8 AR@100  9 AR small  10 AR medium  11 AR large
//
// Keypoint stats drop the small bucket and use 20 detections.
func (e *Eval) Summarize(w io.Writer) error {
	if e.acc == nil {
		return ErrNotEvaluated
	}
	if w == nil {
		w = io.Discard
	}
	nan := math.NaN()
	var lines []summaryLine
	if e.Params.IoUType == IoUKeypoints {
		lines = []summaryLine{
			{true, nan, "all", 20},
			{true, .5, "all", 20},
			{true, .75, "all", 20},
			{true, nan, "medium", 20},
			{true, nan, "large", 20},
			{false, nan, "all", 20},
			{false, .5, "all", 20},
			{false, .75, "all", 20},
			{false, nan, "medium", 20},
			{false, nan, "large", 20},
		}
	} else {
		md := e.Params.MaxDets
		last := md[len(md)-1]
		lines = []summaryLine{
			{true, nan, "all", 100},
			{true, .5, "all", last},
			{true, .75, "all", last},
			{true, nan, "small", last},
			{true, nan, "medium", last},
			{true, nan, "large", last},
			{false, nan, "all", md[0]},
			{false, nan, "all", md[min(1, len(md)-1)]},
			{false, nan, "all", last},
			{false, nan, "small", last},
			{false, nan, "medium", last},
			{false, nan, "large", last},
		}
	}

	stats := make([]float64, len(lines))
	for i, l := range lines {
		stats[i] = e.summarizeOne(l)
		if _, err := fmt.Fprintln(w, e.formatLine(l, stats[i])); err != nil {
			return err
		}
	}
	e.stats = stats
	return nil
}

func (e *Eval) formatLine(l summaryLine, v float64) string {
	p := &e.Params
	title, typ := "Average Precision", "(AP)"
	if !l.ap {
		title, typ = "Average Recall", "(AR)"
	}
	iou := fmt.Sprintf("%0.2f:%0.2f", p.IoUThrs[0], p.IoUThrs[len(p.IoUThrs)-1])
	if !math.IsNaN(l.iouThr) {
		iou = fmt.Sprintf("%0.2f", l.iouThr)
	}
	return fmt.Sprintf(" %-18s %s @[ IoU=%-9s | area=%6s | maxDets=%3d ] = %0.3f",
		title, typ, iou, l.areaRng, l.maxDets, v)
}

// summarizeOne averages every defined entry selected by l, or returns -1.
func (e *Eval) summarizeOne(l summaryLine) float64 {
	p := &e.Params
	acc := e.acc

	var ts []int
	for t, thr := range p.IoUThrs {
		if math.IsNaN(l.iouThr) || math.Abs(thr-l.iouThr) < 1e-9 {
			ts = append(ts, t)
		}
	}
	var as, ms []int
	for a, r := range p.AreaRng {
		if r.Label == l.areaRng {
			as = append(as, a)
		}
	}
	for m, md := range p.MaxDets {
		if md == l.maxDets {
			ms = append(ms, m)
		}
	}

	var sum float64
	n := 0
	add := func(v float64) {
		if v > -1 {
			sum += v
			n++
		}
	}
	for _, t := range ts {
		for k := 0; k < acc.K; k++ {
			for _, a := range as {
				for _, m := range ms {
					if l.ap {
						for r := 0; r < acc.R; r++ {
							add(acc.PrecisionAt(t, r, k, a, m))
						}
					} else {
						add(acc.RecallAt(t, k, a, m))
					}
				}
			}
		}
	}
	if n == 0 {
		return -1
	}
	return sum / float64(n)
}
