package coco

import "math"

// AreaRange is a named [min, max] object-area bucket in pixels.
type AreaRange struct {
	Label string
	Min   float64
	Max   float64
}

// Params configures an evaluation.
type Params struct {
	IoUType IoUType
	ImgIDs  []int64
	CatIDs  []int
	IoUThrs []float64
	RecThrs []float64
	MaxDets []int
	AreaRng []AreaRange
	UseCats bool

	// KptSigmas are the per-keypoint OKS falloffs.
	KptSigmas []float64
}

// DefaultKptSigmas are the falloffs of the 17 COCO person keypoints.
var DefaultKptSigmas = []float64{
	.026, .025, .025, .035, .035, .079, .079, .072, .072,
	.062, .062, .107, .107, .087, .087, .089, .089,
}

// NewParams returns the standard parameters for an IoU type.
func NewParams(t IoUType) Params {
	p := Params{
		IoUType: t,
		IoUThrs: linspace(.5, .95, int(math.Round((.95-.5)/.05))+1),
		RecThrs: linspace(0, 1, int(math.Round((1-0)/.01))+1),
		UseCats: true,
	}
	if t == IoUKeypoints {
		p.MaxDets = []int{20}
		p.AreaRng = []AreaRange{
			{"all", 0, 1e10},
			{"medium", 32 * 32, 96 * 96},
			{"large", 96 * 96, 1e10},
		}
		p.KptSigmas = DefaultKptSigmas
		return p
	}
	p.MaxDets = []int{1, 10, 100}
	p.AreaRng = []AreaRange{
		{"all", 0, 1e5 * 1e5},
		{"small", 0, 32 * 32},
		{"medium", 32 * 32, 96 * 96},
		{"large", 96 * 96, 1e5 * 1e5},
	}
	return p
}

// linspace returns n evenly spaced values from start to stop inclusive.
func linspace(start, stop float64, n int) []float64 {
	if n == 1 {
		return []float64{start}
	}
	step := (stop - start) / float64(n-1)
	out := make([]float64, n)
	for i := range out {
		out[i] = start + float64(i)*step
	}
	out[n-1] = stop
	return out
}
