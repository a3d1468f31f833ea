package coco

import (
	"cmp"
	"fmt"
	"math"
	"slices"

	"github.com/born-ml/born-detect/internal/parallel"
)

// EvalImage is the matching result of one (image, category, area range).
// Detections are ordered by descending score, ground truth with ignored
// objects last. Match slices are indexed [iou threshold][object] and hold
// the index of the matched object on the other side, or -1.
type EvalImage struct {
	ImageID    int64
	CategoryID int
	AreaRng    AreaRange
	MaxDet     int
	DtIDs      []int64
	GtIDs      []int64
	DtMatches  [][]int
	GtMatches  [][]int
	DtScores   []float64
	GtIgnore   []bool
	DtIgnore   [][]bool
}

// Column holds the results of one image for every category and area range,
// indexed [category][area]. A nil cell means the image had neither ground
// truth nor detections for that category.
type Column struct {
	ImageID int64
	Cells   [][]*EvalImage
}

// object is one annotation prepared for matching.
type object struct {
	ann    *Annotation
	rle    *RLE
	ignore bool
}

type cellKey struct {
	img int64
	cat int
}

// Eval runs the COCO evaluation protocol for one IoU type.
type Eval struct {
	GT     *Dataset
	Params Params

	// Parallel controls the per-image fan-out. The zero value runs serially.
	Parallel parallel.Config

	columns []Column
	acc     *Accumulation
	stats   []float64
}

// NewEval creates an evaluation over every image and category of gt.
func NewEval(gt *Dataset, t IoUType) (*Eval, error) {
	if _, err := ParseIoUType(string(t)); err != nil {
		return nil, err
	}
	p := NewParams(t)
	p.ImgIDs = gt.ImgIDs()
	p.CatIDs = gt.CatIDs()
	return &Eval{GT: gt, Params: p, Parallel: parallel.DefaultConfig()}, nil
}

// Columns returns the per-image results of the last Evaluate or SetColumns.
func (e *Eval) Columns() []Column { return e.columns }

// SetColumns replaces the per-image results, typically with the merged
// results of several evaluations over disjoint image sets. Columns are
// deduplicated by image id, keeping the first, and sorted by image id.
// Params.ImgIDs follows the columns.
func (e *Eval) SetColumns(cols []Column) {
	seen := make(map[int64]bool, len(cols))
	merged := make([]Column, 0, len(cols))
	for _, c := range cols {
		if seen[c.ImageID] {
			continue
		}
		seen[c.ImageID] = true
		merged = append(merged, c)
	}
	slices.SortFunc(merged, func(a, b Column) int { return cmp.Compare(a.ImageID, b.ImageID) })
	e.columns = merged
	e.Params.ImgIDs = make([]int64, len(merged))
	for i, c := range merged {
		e.Params.ImgIDs[i] = c.ImageID
	}
}

func (e *Eval) catKeys() []int {
	if e.Params.UseCats {
		return e.Params.CatIDs
	}
	return []int{-1}
}

// prepare groups ground truth and detections by (image, category).
func (e *Eval) prepare(dt *Dataset) (gts, dts map[cellKey][]*object, err error) {
	p := &e.Params
	filter := AnnFilter{ImageIDs: p.ImgIDs}
	if p.UseCats {
		filter.CatIDs = p.CatIDs
	}

	gts = make(map[cellKey][]*object)
	for _, a := range e.GT.FilterAnnotations(filter) {
		o := &object{ann: a}
		if p.IoUType == IoUSegm {
			if o.rle, err = e.GT.AnnToRLE(a); err != nil {
				return nil, nil, err
			}
		}
		// Only iscrowd decides; a stored ignore flag is not consulted.
		o.ignore = a.IsCrowd != 0
		if p.IoUType == IoUKeypoints {
			o.ignore = o.ignore || a.NumKeypoints == 0
		}
		k := cellKey{a.ImageID, a.CategoryID}
		if !p.UseCats {
			k.cat = -1
		}
		gts[k] = append(gts[k], o)
	}

	dts = make(map[cellKey][]*object)
	if dt == nil {
		return gts, dts, nil
	}
	for _, a := range dt.FilterAnnotations(filter) {
		o := &object{ann: a}
		if p.IoUType == IoUSegm {
			if o.rle, err = dt.AnnToRLE(a); err != nil {
				return nil, nil, err
			}
		}
		k := cellKey{a.ImageID, a.CategoryID}
		if !p.UseCats {
			k.cat = -1
		}
		dts[k] = append(dts[k], o)
	}
	return gts, dts, nil
}

// Evaluate matches the detections in dt against the ground truth for every
// image in Params.ImgIDs. dt may be nil when there are no detections.
func (e *Eval) Evaluate(dt *Dataset) error {
	p := &e.Params
	p.ImgIDs = uniqueSorted(p.ImgIDs)
	if p.UseCats {
		p.CatIDs = uniqueSorted(p.CatIDs)
	}
	slices.Sort(p.MaxDets)
	if len(p.MaxDets) == 0 {
		return fmt.Errorf("evaluate %s: no max detection limits", p.IoUType)
	}

	gts, dts, err := e.prepare(dt)
	if err != nil {
		return fmt.Errorf("evaluate %s: %w", p.IoUType, err)
	}

	cats := e.catKeys()
	maxDet := p.MaxDets[len(p.MaxDets)-1]
	cols := make([]Column, len(p.ImgIDs))
	for i, img := range p.ImgIDs {
		cols[i] = Column{ImageID: img, Cells: make([][]*EvalImage, len(cats))}
		for k := range cats {
			cols[i].Cells[k] = make([]*EvalImage, len(p.AreaRng))
		}
	}

	parallel.ForGrid(len(cats), len(p.ImgIDs), func(k, i int) {
		key := cellKey{p.ImgIDs[i], cats[k]}
		gt := gts[key]
		d := sortByScore(dts[key])
		if len(d) > maxDet {
			d = d[:maxDet]
		}
		ious := e.computeIoU(gt, d)
		for a, rng := range p.AreaRng {
			cols[i].Cells[k][a] = e.evaluateImg(key, gt, d, ious, rng, maxDet)
		}
	}, e.Parallel)

	e.columns = cols
	e.acc = nil
	e.stats = nil
	return nil
}

// sortByScore returns dts ordered by descending score, keeping input order
// among equal scores.
func sortByScore(dts []*object) []*object {
	out := slices.Clone(dts)
	slices.SortStableFunc(out, func(a, b *object) int { return cmp.Compare(b.ann.Score, a.ann.Score) })
	return out
}

// computeIoU returns the similarity of every detection to every ground-truth
// object, indexed [d][g].
func (e *Eval) computeIoU(gt, dt []*object) [][]float64 {
	if len(gt) == 0 || len(dt) == 0 {
		return nil
	}
	crowd := make([]bool, len(gt))
	for i, g := range gt {
		crowd[i] = g.ann.IsCrowd != 0
	}
	switch e.Params.IoUType {
	case IoUSegm:
		d := make([]*RLE, len(dt))
		for i, o := range dt {
			d[i] = o.rle
		}
		g := make([]*RLE, len(gt))
		for i, o := range gt {
			g[i] = o.rle
		}
		return MaskIoU(d, g, crowd)
	case IoUKeypoints:
		return e.computeOKS(gt, dt)
	default:
		return BoxIoU(boxes(dt), boxes(gt), crowd)
	}
}

func boxes(objs []*object) [][4]float64 {
	out := make([][4]float64, len(objs))
	for i, o := range objs {
		copy(out[i][:], o.ann.BBox)
	}
	return out
}

// computeOKS returns the object keypoint similarity, indexed [d][g].
// Ground truth without visible keypoints is scored by the distance of the
// detected keypoints to a box twice the size of the ground-truth box.
func (e *Eval) computeOKS(gt, dt []*object) [][]float64 {
	sigmas := e.Params.KptSigmas
	k := len(sigmas)
	vars := make([]float64, k)
	for i, s := range sigmas {
		vars[i] = (2 * s) * (2 * s)
	}
	eps := math.Nextafter(1, 2) - 1

	out := make([][]float64, len(dt))
	for i := range out {
		out[i] = make([]float64, len(gt))
	}
	for j, g := range gt {
		gk := g.ann.Keypoints
		visible := 0
		for n := 0; n < k && 3*n+2 < len(gk); n++ {
			if gk[3*n+2] > 0 {
				visible++
			}
		}
		var bb [4]float64
		copy(bb[:], g.ann.BBox)
		x0, x1 := bb[0]-bb[2], bb[0]+2*bb[2]
		y0, y1 := bb[1]-bb[3], bb[1]+2*bb[3]

		for i, d := range dt {
			dk := d.ann.Keypoints
			var sum float64
			n := 0
			for m := 0; m < k; m++ {
				if 3*m+1 >= len(dk) || 3*m+2 >= len(gk) {
					break
				}
				xd, yd := dk[3*m], dk[3*m+1]
				var dx, dy float64
				if visible > 0 {
					if gk[3*m+2] <= 0 {
						continue
					}
					dx, dy = xd-gk[3*m], yd-gk[3*m+1]
				} else {
					dx = math.Max(0, x0-xd) + math.Max(0, xd-x1)
					dy = math.Max(0, y0-yd) + math.Max(0, yd-y1)
				}
				ev := (dx*dx + dy*dy) / vars[m] / (g.ann.Area + eps) / 2
				sum += math.Exp(-ev)
				n++
			}
			if n > 0 {
				out[i][j] = sum / float64(n)
			}
		}
	}
	return out
}

// evaluateImg greedily matches score-ordered detections to ground truth at
// every IoU threshold. Crowd ground truth may absorb several detections.
func (e *Eval) evaluateImg(key cellKey, gtIn, dt []*object, ious [][]float64, rng AreaRange, maxDet int) *EvalImage {
	if len(gtIn) == 0 && len(dt) == 0 {
		return nil
	}
	p := &e.Params

	// Ground truth outside the area range is ignored; ignored objects go last.
	gtIg := make([]bool, len(gtIn))
	for i, g := range gtIn {
		gtIg[i] = g.ignore || g.ann.Area < rng.Min || g.ann.Area > rng.Max
	}
	order := make([]int, len(gtIn))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		return cmp.Compare(boolInt(gtIg[a]), boolInt(gtIg[b]))
	})
	gt := make([]*object, len(order))
	gtIgnore := make([]bool, len(order))
	for n, o := range order {
		gt[n] = gtIn[o]
		gtIgnore[n] = gtIg[o]
	}
	if len(dt) > maxDet {
		dt = dt[:maxDet]
	}

	T, G, D := len(p.IoUThrs), len(gt), len(dt)
	res := &EvalImage{
		ImageID:    key.img,
		CategoryID: key.cat,
		AreaRng:    rng,
		MaxDet:     maxDet,
		DtIDs:      make([]int64, D),
		GtIDs:      make([]int64, G),
		DtScores:   make([]float64, D),
		GtIgnore:   gtIgnore,
		DtMatches:  make([][]int, T),
		GtMatches:  make([][]int, T),
		DtIgnore:   make([][]bool, T),
	}
	for i, d := range dt {
		res.DtIDs[i] = d.ann.ID
		res.DtScores[i] = d.ann.Score
	}
	for i, g := range gt {
		res.GtIDs[i] = g.ann.ID
	}
	for t := range p.IoUThrs {
		res.DtMatches[t] = filled(D, -1)
		res.GtMatches[t] = filled(G, -1)
		res.DtIgnore[t] = make([]bool, D)
	}

	if len(ious) > 0 {
		for t, thr := range p.IoUThrs {
			for di := range dt {
				best := math.Min(thr, 1-1e-10)
				m := -1
				for gi := range gt {
					if res.GtMatches[t][gi] >= 0 && gt[gi].ann.IsCrowd == 0 {
						continue
					}
					// Once matched to a regular object, stop at the ignored tail.
					if m > -1 && !gtIgnore[m] && gtIgnore[gi] {
						break
					}
					iou := ious[di][order[gi]]
					if iou < best {
						continue
					}
					best = iou
					m = gi
				}
				if m == -1 {
					continue
				}
				res.DtIgnore[t][di] = gtIgnore[m]
				res.DtMatches[t][di] = m
				res.GtMatches[t][m] = di
			}
		}
	}

	// Unmatched detections outside the area range are ignored.
	for di, d := range dt {
		if d.ann.Area >= rng.Min && d.ann.Area <= rng.Max {
			continue
		}
		for t := range p.IoUThrs {
			if res.DtMatches[t][di] < 0 {
				res.DtIgnore[t][di] = true
			}
		}
	}
	return res
}

func filled(n, v int) []int {
	s := make([]int, n)
	for i := range s {
		s[i] = v
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func uniqueSorted[T cmp.Ordered](s []T) []T {
	out := slices.Clone(s)
	slices.Sort(out)
	return slices.Compact(out)
}
