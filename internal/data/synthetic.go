package data

import (
	"fmt"
	"image"
	"image/color"
	"math/rand/v2"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"

	"github.com/born-ml/born-detect/internal/coco"
)

// AnnotationFile is the name WriteCOCO gives the annotation file.
const AnnotationFile = "annotations.json"

// SyntheticDataset renders solid rectangles on a dark background. Each
// rectangle's colour encodes its class. Samples are generated on demand and
// are the same for the same seed and index.
type SyntheticDataset struct {
	N       int
	Size    int
	Classes int
	Seed    uint64
}

// Synthetic returns n square images of side size with labels in
// [1, classes].
func Synthetic(n, size, classes int, seed uint64) *SyntheticDataset {
	return &SyntheticDataset{N: n, Size: size, Classes: max(classes, 1), Seed: seed}
}

type rect struct {
	x, y, w, h int
	label      int
}

// ClassColor returns the fill colour of a class.
func ClassColor(label int) color.NRGBA {
	return color.NRGBA{
		R: uint8(60 + (label*97)%196),
		G: uint8(60 + (label*53)%196),
		B: uint8(60 + (label*151)%196),
		A: 255,
	}
}

func (s *SyntheticDataset) rects(i int) []rect {
	rng := rand.New(rand.NewPCG(s.Seed, uint64(i)))
	n := 1 + rng.IntN(3)
	out := make([]rect, n)
	lo := max(s.Size/8, 1)
	hi := max(s.Size/2, lo+1)
	for k := range out {
		w := lo + rng.IntN(hi-lo)
		h := lo + rng.IntN(hi-lo)
		out[k] = rect{
			x:     rng.IntN(s.Size - w + 1),
			y:     rng.IntN(s.Size - h + 1),
			w:     w,
			h:     h,
			label: 1 + rng.IntN(s.Classes),
		}
	}
	return out
}

// Len returns the number of samples.
func (s *SyntheticDataset) Len() int { return s.N }

// Target returns the ground truth of sample i.
func (s *SyntheticDataset) Target(i int) (Target, error) {
	if i < 0 || i >= s.N {
		return Target{}, fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, i, s.N)
	}
	t := Target{ImageID: int64(i + 1), Height: s.Size, Width: s.Size}
	for _, r := range s.rects(i) {
		x, y, w, h := float64(r.x), float64(r.y), float64(r.w), float64(r.h)
		t.Boxes = append(t.Boxes, [4]float64{x, y, x + w, y + h})
		t.Labels = append(t.Labels, r.label)
		t.Masks = append(t.Masks, coco.FromBBox([4]float64{x, y, w, h}, s.Size, s.Size))
		t.Areas = append(t.Areas, w*h)
		t.IsCrowd = append(t.IsCrowd, false)
	}
	return t, nil
}

// Render draws sample i.
func (s *SyntheticDataset) Render(i int) (*image.NRGBA, error) {
	if i < 0 || i >= s.N {
		return nil, fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, i, s.N)
	}
	img := imaging.New(s.Size, s.Size, color.NRGBA{R: 20, G: 20, B: 20, A: 255})
	for _, r := range s.rects(i) {
		patch := imaging.New(r.w, r.h, ClassColor(r.label))
		img = imaging.Paste(img, patch, image.Pt(r.x, r.y))
	}
	return img, nil
}

// Get renders sample i.
func (s *SyntheticDataset) Get(i int) (Sample, error) {
	t, err := s.Target(i)
	if err != nil {
		return Sample{}, err
	}
	img, err := s.Render(i)
	if err != nil {
		return Sample{}, err
	}
	return Sample{Image: FromImage(img), Target: t}, nil
}

// WriteCOCO saves every image as PNG in dir along with a COCO annotation
// file, and returns the annotation file path.
func (s *SyntheticDataset) WriteCOCO(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating %s: %w", dir, err)
	}
	gt, err := ConvertToCOCO(s)
	if err != nil {
		return "", err
	}
	for i := range gt.Images {
		img, err := s.Render(i)
		if err != nil {
			return "", err
		}
		name := fmt.Sprintf("%06d.png", gt.Images[i].ID)
		if err := imaging.Save(img, filepath.Join(dir, name)); err != nil {
			return "", fmt.Errorf("saving %s: %w", name, err)
		}
		gt.Images[i].FileName = name
	}
	path := filepath.Join(dir, AnnotationFile)
	if err := gt.Save(path); err != nil {
		return "", err
	}
	return path, nil
}
