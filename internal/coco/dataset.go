package coco

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"slices"
)

type index struct {
	anns      map[int64]*Annotation
	imgs      map[int64]*Image
	cats      map[int]*Category
	imgToAnns map[int64][]*Annotation
	catToImgs map[int][]int64
}

// Load reads a COCO annotation file.
func Load(path string) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening annotations %s: %w", path, err)
	}
	defer f.Close()
	ds, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("parsing annotations %s: %w", path, err)
	}
	return ds, nil
}

// Decode parses a COCO annotation document and builds its index.
func Decode(r io.Reader) (*Dataset, error) {
	var ds Dataset
	if err := json.NewDecoder(r).Decode(&ds); err != nil {
		return nil, err
	}
	ds.CreateIndex()
	return &ds, nil
}

// LoadResultsFile reads a results file: a JSON array of annotations
// without ids, as written by detection benchmarks.
func LoadResultsFile(path string) ([]Annotation, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening results %s: %w", path, err)
	}
	defer f.Close()
	var res []Annotation
	if err := json.NewDecoder(f).Decode(&res); err != nil {
		return nil, fmt.Errorf("parsing results %s: %w", path, err)
	}
	return res, nil
}

// Save writes the dataset as JSON.
func (ds *Dataset) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	if err := json.NewEncoder(f).Encode(ds); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return f.Close()
}

// CreateIndex rebuilds the lookup tables. Call it after mutating Images,
// Annotations or Categories directly.
func (ds *Dataset) CreateIndex() {
	idx := &index{
		anns:      make(map[int64]*Annotation, len(ds.Annotations)),
		imgs:      make(map[int64]*Image, len(ds.Images)),
		cats:      make(map[int]*Category, len(ds.Categories)),
		imgToAnns: make(map[int64][]*Annotation),
		catToImgs: make(map[int][]int64),
	}
	for i := range ds.Annotations {
		a := &ds.Annotations[i]
		idx.anns[a.ID] = a
		idx.imgToAnns[a.ImageID] = append(idx.imgToAnns[a.ImageID], a)
		idx.catToImgs[a.CategoryID] = append(idx.catToImgs[a.CategoryID], a.ImageID)
	}
	for i := range ds.Images {
		idx.imgs[ds.Images[i].ID] = &ds.Images[i]
	}
	for i := range ds.Categories {
		idx.cats[ds.Categories[i].ID] = &ds.Categories[i]
	}
	ds.index = idx
}

func (ds *Dataset) idx() *index {
	if ds.index == nil {
		ds.CreateIndex()
	}
	return ds.index
}

// Image returns the image with the given id.
func (ds *Dataset) Image(id int64) (*Image, bool) {
	img, ok := ds.idx().imgs[id]
	return img, ok
}

// Category returns the category with the given id.
func (ds *Dataset) Category(id int) (*Category, bool) {
	c, ok := ds.idx().cats[id]
	return c, ok
}

// Annotation returns the annotation with the given id.
func (ds *Dataset) Annotation(id int64) (*Annotation, bool) {
	a, ok := ds.idx().anns[id]
	return a, ok
}

// ImageAnnotations returns the annotations of one image in file order.
func (ds *Dataset) ImageAnnotations(imageID int64) []*Annotation {
	return ds.idx().imgToAnns[imageID]
}

// ImgIDs returns every image id, sorted.
func (ds *Dataset) ImgIDs() []int64 {
	ids := make([]int64, 0, len(ds.Images))
	for _, img := range ds.Images {
		ids = append(ids, img.ID)
	}
	slices.Sort(ids)
	return ids
}

// CatIDs returns every category id, sorted.
func (ds *Dataset) CatIDs() []int {
	ids := make([]int, 0, len(ds.Categories))
	for _, c := range ds.Categories {
		ids = append(ids, c.ID)
	}
	slices.Sort(ids)
	return ids
}

// AnnFilter selects annotations. Empty slices and a nil AreaRange match
// everything.
type AnnFilter struct {
	ImageIDs  []int64
	CatIDs    []int
	AreaRange *[2]float64
	IsCrowd   *bool
}

// FilterAnnotations returns the annotations matching f, in file order when no
// image filter is given and in image-filter order otherwise.
func (ds *Dataset) FilterAnnotations(f AnnFilter) []*Annotation {
	idx := ds.idx()
	var cand []*Annotation
	if len(f.ImageIDs) == 0 {
		cand = make([]*Annotation, len(ds.Annotations))
		for i := range ds.Annotations {
			cand[i] = &ds.Annotations[i]
		}
	} else {
		for _, id := range f.ImageIDs {
			cand = append(cand, idx.imgToAnns[id]...)
		}
	}

	var cats map[int]bool
	if len(f.CatIDs) > 0 {
		cats = make(map[int]bool, len(f.CatIDs))
		for _, c := range f.CatIDs {
			cats[c] = true
		}
	}

	out := cand[:0:0]
	for _, a := range cand {
		if cats != nil && !cats[a.CategoryID] {
			continue
		}
		if f.AreaRange != nil && (a.Area <= f.AreaRange[0] || a.Area >= f.AreaRange[1]) {
			continue
		}
		if f.IsCrowd != nil && (a.IsCrowd != 0) != *f.IsCrowd {
			continue
		}
		out = append(out, a)
	}
	return out
}

// AnnToRLE returns the mask of an annotation. Polygons and uncompressed
// counts are converted using the image size.
func (ds *Dataset) AnnToRLE(a *Annotation) (*RLE, error) {
	if a.Segmentation == nil {
		return nil, fmt.Errorf("annotation %d: %w", a.ID, ErrMissingSegment)
	}
	if a.Segmentation.RLE != nil {
		return a.Segmentation.RLE, nil
	}
	img, ok := ds.Image(a.ImageID)
	if !ok {
		return nil, fmt.Errorf("annotation %d: image %d: %w", a.ID, a.ImageID, ErrResultImageMissing)
	}
	return FromPolygons(a.Segmentation.Polygons, img.Height, img.Width)
}

// LoadResults builds a result dataset that shares this dataset's images and
// categories. Results must all be of one kind: boxes, masks or keypoints.
// Missing ids, areas and boxes are derived the same way for every kind.
func (ds *Dataset) LoadResults(results []Annotation) (*Dataset, error) {
	res := &Dataset{
		Images:      slices.Clone(ds.Images),
		Categories:  slices.Clone(ds.Categories),
		Annotations: make([]Annotation, len(results)),
	}
	copy(res.Annotations, results)

	for i := range res.Annotations {
		a := &res.Annotations[i]
		if _, ok := ds.Image(a.ImageID); !ok {
			return nil, fmt.Errorf("result %d: image %d: %w", i, a.ImageID, ErrResultImageMissing)
		}
		a.ID = int64(i + 1)
		a.IsCrowd = 0
		switch {
		case len(a.BBox) == 4 && len(a.Keypoints) == 0:
			x1, y1 := a.BBox[0], a.BBox[1]
			x2, y2 := x1+a.BBox[2], y1+a.BBox[3]
			if a.Segmentation == nil {
				a.Segmentation = &Segmentation{Polygons: [][]float64{{x1, y1, x1, y2, x2, y2, x2, y1}}}
			}
			a.Area = a.BBox[2] * a.BBox[3]
		case a.Segmentation != nil && a.Segmentation.RLE != nil:
			a.Area = a.Segmentation.RLE.Area()
			bb := a.Segmentation.RLE.ToBBox()
			a.BBox = bb[:]
		case len(a.Keypoints) > 0:
			x0, x1 := math.Inf(1), math.Inf(-1)
			y0, y1 := math.Inf(1), math.Inf(-1)
			for k := 0; k+2 < len(a.Keypoints); k += 3 {
				x0 = math.Min(x0, a.Keypoints[k])
				x1 = math.Max(x1, a.Keypoints[k])
				y0 = math.Min(y0, a.Keypoints[k+1])
				y1 = math.Max(y1, a.Keypoints[k+1])
			}
			a.Area = (x1 - x0) * (y1 - y0)
			a.BBox = []float64{x0, y0, x1 - x0, y1 - y0}
		default:
			return nil, fmt.Errorf("result %d: %w", i, ErrMissingSegment)
		}
	}
	res.CreateIndex()
	return res, nil
}
