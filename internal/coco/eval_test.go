package coco

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/born-detect/internal/dist"
)

// boxDataset has two 200x200 images with one large box each.
func boxDataset() *Dataset {
	ds := &Dataset{
		Images: []Image{
			{ID: 2, Width: 200, Height: 200},
			{ID: 1, Width: 200, Height: 200},
		},
		Categories: []Category{{ID: 1, Name: "box"}},
		Annotations: []Annotation{
			{ID: 1, ImageID: 1, CategoryID: 1, BBox: []float64{10, 10, 100, 100}, Area: 10000},
			{ID: 2, ImageID: 2, CategoryID: 1, BBox: []float64{50, 50, 100, 100}, Area: 10000},
		},
	}
	ds.CreateIndex()
	return ds
}

func runBBox(t *testing.T, gt *Dataset, results []Annotation) []float64 {
	t.Helper()
	e, err := NewEval(gt, IoUBBox)
	require.NoError(t, err)
	var dt *Dataset
	if len(results) > 0 {
		dt, err = gt.LoadResults(results)
		require.NoError(t, err)
	}
	require.NoError(t, e.Evaluate(dt))
	require.NoError(t, e.Accumulate())
	require.NoError(t, e.Summarize(nil))
	return e.Stats()
}

func TestDataset_Index(t *testing.T) {
	doc := `{
		"images": [{"id": 3, "width": 4, "height": 4}, {"id": 1, "width": 4, "height": 4}],
		"categories": [{"id": 5, "name": "b"}, {"id": 2, "name": "a"}],
		"annotations": [
			{"id": 10, "image_id": 1, "category_id": 2, "bbox": [1,1,2,2], "area": 4, "iscrowd": 0,
			 "segmentation": [[1,1,1,3,3,3,3,1]]},
			{"id": 11, "image_id": 3, "category_id": 5, "bbox": [0,0,4,4], "area": 16, "iscrowd": 1,
			 "segmentation": {"size": [4,4], "counts": [0,16]}}
		]
	}`
	ds, err := Decode(strings.NewReader(doc))
	require.NoError(t, err)

	assert.Equal(t, []int64{1, 3}, ds.ImgIDs())
	assert.Equal(t, []int{2, 5}, ds.CatIDs())

	img, ok := ds.Image(3)
	require.True(t, ok)
	assert.Equal(t, 4, img.Width)

	crowd := true
	got := ds.FilterAnnotations(AnnFilter{IsCrowd: &crowd})
	require.Len(t, got, 1)
	assert.Equal(t, int64(11), got[0].ID)

	got = ds.FilterAnnotations(AnnFilter{CatIDs: []int{2}, AreaRange: &[2]float64{1, 10}})
	require.Len(t, got, 1)
	assert.Equal(t, int64(10), got[0].ID)

	r, err := ds.AnnToRLE(got[0])
	require.NoError(t, err)
	assert.Equal(t, square4, r.Counts)

	assert.Len(t, ds.ImageAnnotations(1), 1)
}

func TestLoadResults(t *testing.T) {
	gt := boxDataset()

	res, err := gt.LoadResults([]Annotation{
		{ImageID: 1, CategoryID: 1, BBox: []float64{0, 0, 4, 5}, Score: .5},
		{ImageID: 2, CategoryID: 1, BBox: []float64{1, 1, 2, 2}, Score: .4},
	})
	require.NoError(t, err)
	require.Len(t, res.Annotations, 2)
	assert.Equal(t, int64(1), res.Annotations[0].ID)
	assert.Equal(t, int64(2), res.Annotations[1].ID)
	assert.Equal(t, 20.0, res.Annotations[0].Area)

	_, err = gt.LoadResults([]Annotation{{ImageID: 99, CategoryID: 1, BBox: []float64{0, 0, 1, 1}}})
	assert.ErrorIs(t, err, ErrResultImageMissing)

	seg, err := gt.LoadResults([]Annotation{{
		ImageID: 1, CategoryID: 1, Score: .9,
		Segmentation: &Segmentation{RLE: &RLE{H: 4, W: 4, Counts: square4}},
	}})
	require.NoError(t, err)
	assert.Equal(t, 4.0, seg.Annotations[0].Area)
	assert.Equal(t, []float64{1, 1, 2, 2}, seg.Annotations[0].BBox)
}

func TestEval_PerfectBoxes(t *testing.T) {
	gt := boxDataset()
	stats := runBBox(t, gt, []Annotation{
		{ImageID: 1, CategoryID: 1, BBox: []float64{10, 10, 100, 100}, Score: .9},
		{ImageID: 2, CategoryID: 1, BBox: []float64{50, 50, 100, 100}, Score: .8},
	})
	require.Len(t, stats, 12)
	assert.InDelta(t, 1.0, stats[0], 1e-9)
	assert.InDelta(t, 1.0, stats[1], 1e-9)
	assert.InDelta(t, 1.0, stats[2], 1e-9)
	// No small or medium ground truth exists.
	assert.Equal(t, -1.0, stats[3])
	assert.Equal(t, -1.0, stats[4])
	assert.InDelta(t, 1.0, stats[5], 1e-9)
	assert.InDelta(t, 1.0, stats[8], 1e-9)
}

func TestEval_NoDetections(t *testing.T) {
	stats := runBBox(t, boxDataset(), nil)
	assert.Equal(t, 0.0, stats[0])
	assert.Equal(t, 0.0, stats[8])
	assert.Equal(t, -1.0, stats[3])
}

func TestEval_FalsePositiveRankedFirst(t *testing.T) {
	gt := boxDataset()
	gt.Annotations = gt.Annotations[:1]
	gt.CreateIndex()

	stats := runBBox(t, gt, []Annotation{
		{ImageID: 1, CategoryID: 1, BBox: []float64{150, 150, 40, 40}, Score: .9},
		{ImageID: 1, CategoryID: 1, BBox: []float64{10, 10, 100, 100}, Score: .8},
	})
	assert.InDelta(t, 0.5, stats[0], 1e-9)
	// With one detection allowed only the false positive counts.
	assert.Equal(t, 0.0, stats[6])
	assert.InDelta(t, 1.0, stats[7], 1e-9)
}

func TestEval_CrowdIsIgnored(t *testing.T) {
	gt := boxDataset()
	gt.Annotations = append(gt.Annotations, Annotation{
		ID: 3, ImageID: 1, CategoryID: 1, BBox: []float64{120, 120, 60, 60}, Area: 3600, IsCrowd: 1,
	})
	gt.CreateIndex()

	stats := runBBox(t, gt, []Annotation{
		{ImageID: 1, CategoryID: 1, BBox: []float64{10, 10, 100, 100}, Score: .9},
		{ImageID: 2, CategoryID: 1, BBox: []float64{50, 50, 100, 100}, Score: .8},
		// Inside the crowd region: matched to it and ignored.
		{ImageID: 1, CategoryID: 1, BBox: []float64{125, 125, 40, 40}, Score: .95},
	})
	assert.InDelta(t, 1.0, stats[0], 1e-9)
}

func TestEval_AccumulateBeforeEvaluate(t *testing.T) {
	e, err := NewEval(boxDataset(), IoUBBox)
	require.NoError(t, err)
	assert.ErrorIs(t, e.Accumulate(), ErrNotEvaluated)
	assert.ErrorIs(t, e.Summarize(nil), ErrNotEvaluated)
}

func TestEval_SummarizeLayout(t *testing.T) {
	gt := boxDataset()
	e, err := NewEval(gt, IoUBBox)
	require.NoError(t, err)
	dt, err := gt.LoadResults([]Annotation{{ImageID: 1, CategoryID: 1, BBox: []float64{10, 10, 100, 100}, Score: 1}})
	require.NoError(t, err)
	require.NoError(t, e.Evaluate(dt))
	require.NoError(t, e.Accumulate())

	var buf bytes.Buffer
	require.NoError(t, e.Summarize(&buf))
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 12)
	// Half the objects found: recall thresholds 0 to .5 inclusive score 1.
	assert.Equal(t, " Average Precision  (AP) @[ IoU=0.50:0.95 | area=   all | maxDets=100 ] = 0.505", lines[0])
	assert.Equal(t, " Average Precision  (AP) @[ IoU=0.50      | area=   all | maxDets=100 ] = 0.505", lines[1])
	assert.Equal(t, " Average Precision  (AP) @[ IoU=0.50:0.95 | area= small | maxDets=100 ] = -1.000", lines[3])
	assert.Equal(t, " Average Recall     (AR) @[ IoU=0.50:0.95 | area=   all | maxDets=  1 ] = 0.500", lines[6])
}

func TestNewEval_UnknownType(t *testing.T) {
	_, err := NewEval(boxDataset(), IoUType("depth"))
	assert.ErrorIs(t, err, ErrUnknownIoUType)
}

func TestEvaluator_SegmAndBBox(t *testing.T) {
	gt := &Dataset{
		Images:     []Image{{ID: 7, Width: 4, Height: 4}},
		Categories: []Category{{ID: 1, Name: "sq"}},
		Annotations: []Annotation{{
			ID: 1, ImageID: 7, CategoryID: 1, Area: 4, BBox: []float64{1, 1, 2, 2},
			Segmentation: &Segmentation{Polygons: [][]float64{{1, 1, 1, 3, 3, 3, 3, 1}}},
		}},
	}
	ev, err := NewEvaluator(gt, []IoUType{IoUBBox, IoUSegm})
	require.NoError(t, err)

	probs := []float32{
		0, 0, 0, 0,
		0, 1, 1, 0,
		0, 1, 1, 0,
		0, 0, 0, 0,
	}
	require.NoError(t, ev.Update(map[int64]Prediction{7: {
		Boxes:  [][4]float64{{1, 1, 3, 3}},
		Scores: []float64{.9},
		Labels: []int{1},
		Masks:  []ProbMap{{H: 4, W: 4, P: probs}},
	}}))
	require.NoError(t, ev.SynchronizeBetweenProcesses(context.Background(), dist.Single()))
	require.NoError(t, ev.Accumulate())

	var buf bytes.Buffer
	require.NoError(t, ev.Summarize(&buf))
	assert.Contains(t, buf.String(), "IoU metric: bbox")
	assert.Contains(t, buf.String(), "IoU metric: segm")

	for _, typ := range []IoUType{IoUBBox, IoUSegm} {
		stats, err := ev.Stats(typ)
		require.NoError(t, err)
		assert.InDelta(t, 1.0, stats[0], 1e-9, typ)
		assert.InDelta(t, 1.0, stats[3], 1e-9, typ)
		assert.Equal(t, -1.0, stats[5], typ)
	}

	_, err = ev.Stats(IoUKeypoints)
	assert.ErrorIs(t, err, ErrUnknownIoUType)
}

func TestEvaluator_MissingMask(t *testing.T) {
	ev, err := NewEvaluator(boxDataset(), []IoUType{IoUSegm})
	require.NoError(t, err)
	err = ev.Update(map[int64]Prediction{1: {
		Boxes: [][4]float64{{0, 0, 1, 1}}, Scores: []float64{1}, Labels: []int{1},
	}})
	assert.ErrorIs(t, err, ErrMissingSegment)
}

func TestEvaluator_Keypoints(t *testing.T) {
	kps := make([]float64, 0, 17*3)
	for i := 0; i < 17; i++ {
		kps = append(kps, float64(20+5*i), float64(30+4*i), 2)
	}
	gt := &Dataset{
		Images:     []Image{{ID: 1, Width: 200, Height: 200}},
		Categories: []Category{{ID: 1, Name: "person"}},
		Annotations: []Annotation{{
			ID: 1, ImageID: 1, CategoryID: 1, Area: 10000,
			BBox: []float64{20, 30, 100, 100}, Keypoints: kps, NumKeypoints: 17,
		}},
	}
	ev, err := NewEvaluator(gt, []IoUType{IoUKeypoints})
	require.NoError(t, err)
	require.NoError(t, ev.Update(map[int64]Prediction{1: {
		Boxes:     [][4]float64{{20, 30, 120, 130}},
		Scores:    []float64{.7},
		Labels:    []int{1},
		Keypoints: [][]float64{kps},
	}}))
	require.NoError(t, ev.Accumulate())
	require.NoError(t, ev.Summarize(nil))

	stats, err := ev.Stats(IoUKeypoints)
	require.NoError(t, err)
	require.Len(t, stats, 10)
	assert.InDelta(t, 1.0, stats[0], 1e-9)
	assert.Equal(t, -1.0, stats[3])
	assert.InDelta(t, 1.0, stats[4], 1e-9)
}

func TestEvaluator_SynchronizeAcrossRanks(t *testing.T) {
	gt := boxDataset()
	groups, err := dist.NewLocal(2)
	require.NoError(t, err)

	preds := []map[int64]Prediction{
		{1: {Boxes: [][4]float64{{10, 10, 110, 110}}, Scores: []float64{.9}, Labels: []int{1}}},
		{2: {Boxes: [][4]float64{{50, 50, 150, 150}}, Scores: []float64{.8}, Labels: []int{1}}},
	}

	stats := make([][]float64, 2)
	ids := make([][]int64, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for r, g := range groups {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ev, err := NewEvaluator(gt, []IoUType{IoUBBox})
			if err != nil {
				errs[r] = err
				return
			}
			if err := ev.Update(preds[r]); err != nil {
				errs[r] = err
				return
			}
			if err := ev.SynchronizeBetweenProcesses(context.Background(), g); err != nil {
				errs[r] = err
				return
			}
			if err := ev.Accumulate(); err != nil {
				errs[r] = err
				return
			}
			if err := ev.Summarize(nil); err != nil {
				errs[r] = err
				return
			}
			stats[r], errs[r] = ev.Stats(IoUBBox)
			e, _ := ev.Eval(IoUBBox)
			ids[r] = e.Params.ImgIDs
		}()
	}
	wg.Wait()

	for r := range groups {
		require.NoError(t, errs[r])
		assert.InDelta(t, 1.0, stats[r][0], 1e-9)
		assert.Equal(t, []int64{1, 2}, ids[r])
	}
}

func TestSetColumns_KeepsFirst(t *testing.T) {
	e, err := NewEval(boxDataset(), IoUBBox)
	require.NoError(t, err)
	first := Column{ImageID: 2, Cells: [][]*EvalImage{{{MaxDet: 1}}}}
	dup := Column{ImageID: 2, Cells: [][]*EvalImage{{{MaxDet: 2}}}}
	e.SetColumns([]Column{first, {ImageID: 1}, dup})

	cols := e.Columns()
	require.Len(t, cols, 2)
	assert.Equal(t, int64(1), cols[0].ImageID)
	assert.Equal(t, 1, cols[1].Cells[0][0].MaxDet)
	assert.Equal(t, []int64{1, 2}, e.Params.ImgIDs)
}
