package data

import (
	"fmt"
	"slices"

	"github.com/born-ml/born-detect/internal/coco"
)

// GroundTruth returns the COCO ground truth of ds, using its own annotations
// when it has them and converting its targets otherwise.
func GroundTruth(ds Dataset) (*coco.Dataset, error) {
	if src, ok := ds.(coco.GroundTruthSource); ok {
		return src.COCO()
	}
	return ConvertToCOCO(ds)
}

// ConvertToCOCO builds a COCO dataset from the targets of ds. Annotation ids
// start at 1. Categories are the distinct labels seen.
func ConvertToCOCO(ds Dataset) (*coco.Dataset, error) {
	out := &coco.Dataset{}
	cats := make(map[int]bool)
	var annID int64 = 1

	for i := 0; i < ds.Len(); i++ {
		t, err := target(ds, i)
		if err != nil {
			return nil, fmt.Errorf("converting sample %d: %w", i, err)
		}
		if err := t.Validate(); err != nil {
			return nil, fmt.Errorf("converting sample %d: %w", i, err)
		}
		out.Images = append(out.Images, coco.Image{ID: t.ImageID, Height: t.Height, Width: t.Width})

		for j, b := range t.Boxes {
			a := coco.Annotation{
				ID:         annID,
				ImageID:    t.ImageID,
				CategoryID: t.Labels[j],
				BBox:       []float64{b[0], b[1], b[2] - b[0], b[3] - b[1]},
			}
			annID++
			cats[a.CategoryID] = true

			switch {
			case len(t.Areas) > 0:
				a.Area = t.Areas[j]
			case len(t.Masks) > 0:
				a.Area = t.Masks[j].Area()
			default:
				a.Area = a.BBox[2] * a.BBox[3]
			}
			if len(t.IsCrowd) > 0 && t.IsCrowd[j] {
				a.IsCrowd = 1
			}
			if len(t.Masks) > 0 {
				a.Segmentation = &coco.Segmentation{RLE: t.Masks[j]}
			}
			if len(t.Keypoints) > 0 {
				a.Keypoints = slices.Clone(t.Keypoints[j])
				for k := 2; k < len(a.Keypoints); k += 3 {
					if a.Keypoints[k] != 0 {
						a.NumKeypoints++
					}
				}
			}
			out.Annotations = append(out.Annotations, a)
		}
	}

	ids := make([]int, 0, len(cats))
	for id := range cats {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		out.Categories = append(out.Categories, coco.Category{ID: id, Name: fmt.Sprintf("class_%d", id)})
	}
	out.CreateIndex()
	return out, nil
}

func target(ds Dataset, i int) (Target, error) {
	if ts, ok := ds.(TargetSource); ok {
		return ts.Target(i)
	}
	s, err := ds.Get(i)
	if err != nil {
		return Target{}, err
	}
	return s.Target, nil
}
