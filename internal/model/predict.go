package model

import (
	"context"
	"fmt"
	"math"
	"slices"

	"github.com/born-ml/born-detect/internal/coco"
	"github.com/born-ml/born-detect/internal/data"
)

func sigmoid(x float32) float64 { return 1 / (1 + math.Exp(-float64(x))) }

// bestClass returns the most likely foreground class of a logit row and its
// softmax probability.
func bestClass(logits []float32) (int, float64) {
	hi := logits[0]
	for _, v := range logits[1:] {
		hi = max(hi, v)
	}
	var z float64
	for _, v := range logits {
		z += math.Exp(float64(v - hi))
	}
	best := 1
	for c := 2; c < len(logits); c++ {
		if logits[c] > logits[best] {
			best = c
		}
	}
	return best, math.Exp(float64(logits[best]-hi)) / z
}

type detection struct {
	cell  int
	label int
	score float64
	box   [4]float64
}

// Predict returns, per image, the cells whose objectness times class
// probability reaches ScoreThresh, best first. Boxes and masks are scaled
// to sizes[i] = {height, width}.
func (d *Detector[B]) Predict(ctx context.Context, images []data.Image, sizes [][2]int) ([]coco.Prediction, error) {
	if len(images) != len(sizes) {
		return nil, fmt.Errorf("%w: %d images, %d sizes", ErrBatchMismatch, len(images), len(sizes))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var obj, cls, box, mask []float32
	err := guard(func() {
		out := d.run(images)
		obj, cls, box = out.obj.Data(), out.cls.Data(), out.box.Data()
		if out.mask != nil {
			mask = out.mask.Data()
		}
	})
	if err != nil {
		return nil, err
	}

	cells := d.cfg.cells()
	k := d.cfg.Classes + 1
	m := d.cfg.MaskSize
	preds := make([]coco.Prediction, len(images))
	for i, size := range sizes {
		H, W := float64(size[0]), float64(size[1])
		var dets []detection
		for c := 0; c < cells; c++ {
			q := i*cells + c
			label, p := bestClass(cls[q*k : (q+1)*k])
			score := sigmoid(obj[q]) * p
			if score < d.cfg.ScoreThresh {
				continue
			}
			row, col := c/d.cfg.Grid, c%d.cfg.Grid
			g := float64(d.cfg.Grid)
			cx := (float64(col) + sigmoid(box[4*q])) / g * W
			cy := (float64(row) + sigmoid(box[4*q+1])) / g * H
			bw, bh := sigmoid(box[4*q+2])*W, sigmoid(box[4*q+3])*H
			dets = append(dets, detection{
				cell:  q,
				label: label,
				score: score,
				box: [4]float64{
					max(0, cx-bw/2), max(0, cy-bh/2),
					min(W, cx+bw/2), min(H, cy+bh/2),
				},
			})
		}
		slices.SortStableFunc(dets, func(a, b detection) int {
			switch {
			case a.score > b.score:
				return -1
			case a.score < b.score:
				return 1
			}
			return 0
		})
		if len(dets) > d.cfg.MaxDets {
			dets = dets[:d.cfg.MaxDets]
		}

		p := coco.Prediction{
			Boxes:  make([][4]float64, len(dets)),
			Scores: make([]float64, len(dets)),
			Labels: make([]int, len(dets)),
		}
		for j, det := range dets {
			p.Boxes[j], p.Scores[j], p.Labels[j] = det.box, det.score, det.label
			if mask != nil {
				p.Masks = append(p.Masks, pasteMask(mask[det.cell*m*m:(det.cell+1)*m*m], m, det.box, size[0], size[1]))
			}
		}
		preds[i] = p
	}
	return preds, nil
}

// pasteMask resamples an m×m grid of mask logits into box on an h×w
// probability map; pixels outside the box are zero.
func pasteMask(logits []float32, m int, box [4]float64, h, w int) coco.ProbMap {
	pm := coco.ProbMap{H: h, W: w, P: make([]float32, h*w)}
	bw, bh := box[2]-box[0], box[3]-box[1]
	if bw <= 0 || bh <= 0 {
		return pm
	}
	x0, x1 := max(0, int(box[0])), min(w, int(math.Ceil(box[2])))
	y0, y1 := max(0, int(box[1])), min(h, int(math.Ceil(box[3])))
	for y := y0; y < y1; y++ {
		v := min(m-1, max(0, int((float64(y)+0.5-box[1])/bh*float64(m))))
		for x := x0; x < x1; x++ {
			u := min(m-1, max(0, int((float64(x)+0.5-box[0])/bw*float64(m))))
			pm.P[y*w+x] = float32(sigmoid(logits[v*m+u]))
		}
	}
	return pm
}
