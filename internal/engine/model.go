// Package engine runs the training epoch loop and the validation pass of a
// detection model: running loss statistics, learning-rate warmup, scalar
// logging and COCO evaluation.
package engine

import (
	"context"
	"iter"

	"github.com/born-ml/born-detect/internal/coco"
	"github.com/born-ml/born-detect/internal/data"
)

// Losses is the result of a training-mode forward pass.
type Losses interface {
	// Terms returns the value of every named loss term.
	Terms() map[string]float64

	// Backward computes gradients of the summed loss.
	Backward() error
}

// Model is a detection model.
type Model interface {
	// Train switches to training mode.
	Train()

	// Eval switches to inference mode.
	Eval()

	// Forward computes the loss terms of a batch against its targets.
	Forward(ctx context.Context, images []data.Image, targets []data.Target) (Losses, error)

	// Predict returns one prediction per image, in original image
	// coordinates of the matching target size.
	Predict(ctx context.Context, images []data.Image, sizes [][2]int) ([]coco.Prediction, error)
}

// Optimizer updates model parameters from their gradients.
type Optimizer interface {
	ZeroGrad()
	// Step applies the gradients of the last backward pass. It returns
	// when ctx ends even if other workers never join a collective.
	Step(ctx context.Context) error
	LR() float64
	SetLR(lr float64)
}

// Loader yields the batches of an epoch.
type Loader interface {
	// Len returns the number of batches per epoch.
	Len() int

	// NumImages returns the number of images in the whole dataset.
	NumImages() int

	// Batches yields the batches of one epoch. A non-nil error ends the
	// epoch.
	Batches(epoch int) iter.Seq2[[]data.Sample, error]

	// Dataset returns the dataset being loaded.
	Dataset() data.Dataset
}

// GradController is implemented by models that can stop recording
// gradients. SetGradEnabled returns the previous setting.
type GradController interface {
	SetGradEnabled(enabled bool) bool
}

// Unwrapper is implemented by wrappers such as data-parallel replicas.
type Unwrapper interface {
	Unwrap() Model
}

// MaskPredictor is implemented by models with an instance mask head.
type MaskPredictor interface {
	PredictsMasks() bool
}

// KeypointPredictor is implemented by models with a keypoint head.
type KeypointPredictor interface {
	PredictsKeypoints() bool
}

// Unwrap strips every wrapper layer from m.
func Unwrap(m Model) Model {
	for {
		u, ok := m.(Unwrapper)
		if !ok {
			return m
		}
		inner := u.Unwrap()
		if inner == nil || inner == m {
			return m
		}
		m = inner
	}
}

// IoUTypes returns the evaluation types a model supports: always bbox, plus
// segm for mask models and keypoints for keypoint models.
func IoUTypes(m Model) []coco.IoUType {
	m = Unwrap(m)
	types := []coco.IoUType{coco.IoUBBox}
	if mp, ok := m.(MaskPredictor); ok && mp.PredictsMasks() {
		types = append(types, coco.IoUSegm)
	}
	if kp, ok := m.(KeypointPredictor); ok && kp.PredictsKeypoints() {
		types = append(types, coco.IoUKeypoints)
	}
	return types
}

func splitBatch(batch []data.Sample) ([]data.Image, []data.Target) {
	images := make([]data.Image, len(batch))
	targets := make([]data.Target, len(batch))
	for i, s := range batch {
		images[i] = s.Image
		targets[i] = s.Target
	}
	return images, targets
}
