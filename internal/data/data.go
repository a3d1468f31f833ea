// Package data provides detection samples, datasets and the batch loader.
//
// Targets are always expressed in original image coordinates, whatever the
// size of the pixel data handed to the model, so ground truth and
// predictions compare directly.
package data

import (
	"errors"
	"fmt"
	"image"
	"image/color"

	"github.com/born-ml/born-detect/internal/coco"
)

// Common errors.
var (
	ErrIndexOutOfRange = errors.New("sample index out of range")
	ErrEmptyDataset    = errors.New("dataset has no samples")
)

// Image is a CHW float image with values in [0, 1].
type Image struct {
	C, H, W int
	Pix     []float32
}

// At returns channel c of pixel (x, y).
func (im Image) At(c, y, x int) float32 {
	return im.Pix[(c*im.H+y)*im.W+x]
}

// FromImage converts img to a 3-channel Image, reading the RGB channels.
func FromImage(img image.Image) Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	out := Image{C: 3, H: h, W: w, Pix: make([]float32, 3*h*w)}
	plane := h * w
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.NRGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
			i := y*w + x
			out.Pix[i] = float32(c.R) / 255
			out.Pix[plane+i] = float32(c.G) / 255
			out.Pix[2*plane+i] = float32(c.B) / 255
		}
	}
	return out
}

// Target is the ground truth of one image. Boxes are [x1, y1, x2, y2] and
// masks are full-resolution, both in original image coordinates.
// Keypoints are flat (x, y, visibility) triples per object.
type Target struct {
	ImageID   int64
	Height    int
	Width     int
	Boxes     [][4]float64
	Labels    []int
	Masks     []*coco.RLE
	Areas     []float64
	IsCrowd   []bool
	Keypoints [][]float64
}

// Len returns the number of objects.
func (t Target) Len() int { return len(t.Boxes) }

// Validate checks that the per-object slices agree in length.
func (t Target) Validate() error {
	n := len(t.Boxes)
	check := func(name string, m int) error {
		if m != 0 && m != n {
			return fmt.Errorf("image %d: %d %s for %d boxes", t.ImageID, m, name, n)
		}
		return nil
	}
	if len(t.Labels) != n {
		return fmt.Errorf("image %d: %d labels for %d boxes", t.ImageID, len(t.Labels), n)
	}
	return errors.Join(
		check("masks", len(t.Masks)),
		check("areas", len(t.Areas)),
		check("crowd flags", len(t.IsCrowd)),
		check("keypoint sets", len(t.Keypoints)),
	)
}

// Sample is one image and its ground truth.
type Sample struct {
	Image  Image
	Target Target
}

// Dataset is an indexable collection of samples.
type Dataset interface {
	Len() int
	Get(i int) (Sample, error)
}

// TargetSource is implemented by datasets that can return a target without
// decoding its image.
type TargetSource interface {
	Target(i int) (Target, error)
}
