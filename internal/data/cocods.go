package data

import (
	"fmt"
	"path/filepath"

	"github.com/disintegration/imaging"

	"github.com/born-ml/born-detect/internal/coco"
)

// CocoDataset reads images listed in a COCO annotation file from Root.
// Pixel data is resized to Size x Size when Size is positive; targets stay
// in original image coordinates.
type CocoDataset struct {
	Root string
	Size int

	gt  *coco.Dataset
	ids []int64
}

// NewCocoDataset loads the annotation file annFile for images under root.
func NewCocoDataset(root, annFile string, size int) (*CocoDataset, error) {
	gt, err := coco.Load(annFile)
	if err != nil {
		return nil, err
	}
	return NewCocoDatasetFrom(root, gt, size), nil
}

// NewCocoDatasetFrom wraps an already loaded annotation set.
func NewCocoDatasetFrom(root string, gt *coco.Dataset, size int) *CocoDataset {
	return &CocoDataset{Root: root, Size: size, gt: gt, ids: gt.ImgIDs()}
}

// Len returns the number of images.
func (d *CocoDataset) Len() int { return len(d.ids) }

// COCO returns the annotation set the dataset was built from.
func (d *CocoDataset) COCO() (*coco.Dataset, error) { return d.gt, nil }

// Target returns the ground truth of image i without decoding it.
// Objects with a degenerate box are skipped. Masks are only filled when
// every kept object has a segmentation.
func (d *CocoDataset) Target(i int) (Target, error) {
	if i < 0 || i >= len(d.ids) {
		return Target{}, fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, i, len(d.ids))
	}
	id := d.ids[i]
	img, _ := d.gt.Image(id)
	t := Target{ImageID: id, Height: img.Height, Width: img.Width}

	withMasks := true
	var kps [][]float64
	for _, a := range d.gt.ImageAnnotations(id) {
		if len(a.BBox) != 4 || a.BBox[2] < 1 || a.BBox[3] < 1 {
			continue
		}
		x, y, w, h := a.BBox[0], a.BBox[1], a.BBox[2], a.BBox[3]
		t.Boxes = append(t.Boxes, [4]float64{x, y, x + w, y + h})
		t.Labels = append(t.Labels, a.CategoryID)
		t.Areas = append(t.Areas, a.Area)
		t.IsCrowd = append(t.IsCrowd, a.IsCrowd != 0)
		kps = append(kps, a.Keypoints)

		if !withMasks {
			continue
		}
		if a.Segmentation == nil {
			withMasks = false
			t.Masks = nil
			continue
		}
		m, err := d.gt.AnnToRLE(a)
		if err != nil {
			return Target{}, fmt.Errorf("image %d: %w", id, err)
		}
		t.Masks = append(t.Masks, m)
	}
	for _, k := range kps {
		if len(k) > 0 {
			t.Keypoints = kps
			break
		}
	}
	return t, nil
}

// Get decodes image i and returns it with its target.
func (d *CocoDataset) Get(i int) (Sample, error) {
	t, err := d.Target(i)
	if err != nil {
		return Sample{}, err
	}
	info, _ := d.gt.Image(t.ImageID)
	path := filepath.Join(d.Root, info.FileName)
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return Sample{}, fmt.Errorf("opening image %d: %w", t.ImageID, err)
	}
	if d.Size > 0 {
		img = imaging.Resize(img, d.Size, d.Size, imaging.Linear)
	}
	return Sample{Image: FromImage(img), Target: t}, nil
}
