package model

import (
	"context"
	"fmt"

	"github.com/born-ml/born/autodiff"
	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"

	"github.com/born-ml/born-detect/internal/data"
	"github.com/born-ml/born-detect/internal/engine"
	"github.com/born-ml/born-detect/internal/meter"
)

// network holds the layers. All heads read the shared hidden layer.
type network[B tensor.Backend] struct {
	trunk      *nn.Linear[B]
	objectness *nn.Linear[B]
	classifier *nn.Linear[B]
	box        *nn.Linear[B]
	mask       *nn.Linear[B] // nil without a mask head
}

func newNetwork[B tensor.Backend](cfg Config, b B) *network[B] {
	cells := cfg.cells()
	n := &network[B]{
		trunk:      nn.NewLinear[B](3*cfg.InputSize*cfg.InputSize, cfg.Hidden, b),
		objectness: nn.NewLinear[B](cfg.Hidden, cells, b),
		classifier: nn.NewLinear[B](cfg.Hidden, cells*(cfg.Classes+1), b),
		box:        nn.NewLinear[B](cfg.Hidden, cells*4, b),
	}
	if cfg.MaskSize > 0 {
		n.mask = nn.NewLinear[B](cfg.Hidden, cells*cfg.MaskSize*cfg.MaskSize, b)
	}
	return n
}

func (n *network[B]) layers() []*nn.Linear[B] {
	ls := []*nn.Linear[B]{n.trunk, n.objectness, n.classifier, n.box}
	if n.mask != nil {
		ls = append(ls, n.mask)
	}
	return ls
}

// Parameters returns every trainable parameter.
func (n *network[B]) Parameters() []*nn.Parameter[B] {
	var ps []*nn.Parameter[B]
	for _, l := range n.layers() {
		ps = append(ps, l.Parameters()...)
	}
	return ps
}

type outputs[B tensor.Backend] struct {
	obj, cls, box, mask *tensor.Tensor[float32, B]
}

func (n *network[B]) forward(x *tensor.Tensor[float32, B]) outputs[B] {
	h := nn.ReLUFunc(n.trunk.Forward(x))
	out := outputs[B]{
		obj: n.objectness.Forward(h),
		cls: n.classifier.Forward(h),
		box: n.box.Forward(h),
	}
	if n.mask != nil {
		out.mask = n.mask.Forward(h)
	}
	return out
}

// Detector is a trainable detection model on the inner backend B. It
// satisfies engine.Model.
type Detector[B tensor.Backend] struct {
	cfg      Config
	inner    B
	backend  *autodiff.Backend[B]
	net      *network[*autodiff.Backend[B]]
	training bool
	grads    map[*tensor.RawTensor]*tensor.RawTensor
}

// NewDetector builds a freshly initialised detector. Gradient recording
// starts enabled.
func NewDetector[B tensor.Backend](cfg Config, inner B) (*Detector[B], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	b := autodiff.New(inner)
	b.Tape().StartRecording()
	return &Detector[B]{
		cfg:      cfg,
		inner:    inner,
		backend:  b,
		net:      newNetwork(cfg, b),
		training: true,
	}, nil
}

// Config returns the detector's configuration.
func (d *Detector[B]) Config() Config { return d.cfg }

// Replica returns a detector with its own tape and a copy of the current
// weights, for use by another worker.
func (d *Detector[B]) Replica() (*Detector[B], error) {
	r, err := NewDetector(d.cfg, d.inner)
	if err != nil {
		return nil, err
	}
	src, dst := d.net.Parameters(), r.net.Parameters()
	for i := range src {
		copy(dst[i].Tensor().Data(), src[i].Tensor().Data())
	}
	r.training = d.training
	r.SetGradEnabled(d.backend.Tape().IsRecording())
	return r, nil
}

// Train enables Forward. Eval disables it; Predict works in either mode.
func (d *Detector[B]) Train() { d.training = true }
func (d *Detector[B]) Eval()  { d.training = false }

// SetGradEnabled starts or stops the gradient tape and returns the previous
// state.
func (d *Detector[B]) SetGradEnabled(enabled bool) bool {
	tape := d.backend.Tape()
	prev := tape.IsRecording()
	if enabled {
		tape.StartRecording()
	} else {
		tape.StopRecording()
	}
	return prev
}

// PredictsMasks reports whether the mask head exists.
func (d *Detector[B]) PredictsMasks() bool { return d.cfg.MaskSize > 0 }

// guard turns a panic from the tensor library into an error.
func guard(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrBackend, r)
		}
	}()
	fn()
	return nil
}

type ftensor[B tensor.Backend] = *tensor.Tensor[float32, *autodiff.Backend[B]]

func (d *Detector[B]) constant(v []float32, shape ...int) ftensor[B] {
	t, err := tensor.FromSlice(v, tensor.Shape(shape), d.backend)
	if err != nil {
		panic(err)
	}
	return t
}

// weightedSum returns Σ w·x as a [1, 1] tensor.
func (d *Detector[B]) weightedSum(x ftensor[B], w []float32) ftensor[B] {
	n := len(w)
	return x.Reshape(1, n).MatMul(d.constant(w, n, 1))
}

func squared[B tensor.Backend](pred, target ftensor[B]) ftensor[B] {
	diff := pred.Sub(target)
	return diff.Mul(diff)
}

func (d *Detector[B]) run(images []data.Image) (out outputs[*autodiff.Backend[B]]) {
	x := d.constant(batchInput(images, d.cfg.InputSize), len(images), 3*d.cfg.InputSize*d.cfg.InputSize)
	return d.net.forward(x)
}

// Losses is the loss record of one batch.
type Losses[B tensor.Backend] struct {
	terms map[string]float64
	total ftensor[B]
	d     *Detector[B]
}

// Terms returns the loss values by name.
func (l *Losses[B]) Terms() map[string]float64 { return l.terms }

// Backward runs the tape from the summed loss and hands the gradients to
// the detector's optimizer.
func (l *Losses[B]) Backward() error {
	if !l.d.backend.Tape().IsRecording() {
		return fmt.Errorf("%w: gradient recording is off", ErrNoGradients)
	}
	return guard(func() {
		l.d.grads = autodiff.Backward(l.total, l.d.backend)
	})
}

// Forward computes the training losses of a batch: cross entropy over the
// cell classes, squared errors for box size (loss_box_reg), box centre
// (loss_rpn_box_reg), mask and objectness. It fails with ErrNotTraining
// in eval mode.
func (d *Detector[B]) Forward(ctx context.Context, images []data.Image, targets []data.Target) (engine.Losses, error) {
	if !d.training {
		return nil, ErrNotTraining
	}
	if len(images) != len(targets) {
		return nil, fmt.Errorf("%w: %d images, %d targets", ErrBatchMismatch, len(images), len(targets))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	enc, err := encode(d.cfg, targets)
	if err != nil {
		return nil, err
	}
	if d.backend.Tape().IsRecording() {
		d.backend.Tape().Clear()
	}

	n := len(images) * d.cfg.cells()
	m2 := d.cfg.MaskSize * d.cfg.MaskSize
	losses := &Losses[B]{d: d, terms: make(map[string]float64, 5)}
	err = guard(func() {
		out := d.run(images)

		labels, err := tensor.FromSlice(enc.labels, tensor.Shape{n}, d.backend)
		if err != nil {
			panic(err)
		}
		cls := tensor.New[float32](d.backend.CrossEntropy(out.cls.Reshape(n, d.cfg.Classes+1).Raw(), labels.Raw()), d.backend).Reshape(1, 1)

		obj := d.weightedSum(squared[B](nn.SigmoidFunc(out.obj), d.constant(enc.obj, len(images), d.cfg.cells())), enc.objW)

		boxSq := squared[B](nn.SigmoidFunc(out.box), d.constant(enc.box, len(images), 4*d.cfg.cells()))
		boxReg := d.weightedSum(boxSq, enc.sizeW)
		rpn := d.weightedSum(boxSq, enc.centerW)

		total := cls.Add(boxReg).Add(obj).Add(rpn)
		losses.terms[meter.LossClassifier] = value[B](cls)
		losses.terms[meter.LossBoxReg] = value[B](boxReg)
		losses.terms[meter.LossObjectness] = value[B](obj)
		losses.terms[meter.LossRPNBoxReg] = value[B](rpn)

		if out.mask != nil {
			mask := d.weightedSum(squared[B](nn.SigmoidFunc(out.mask), d.constant(enc.mask, len(images), m2*d.cfg.cells())), enc.maskW)
			total = total.Add(mask)
			losses.terms[meter.LossMask] = value[B](mask)
		} else {
			losses.terms[meter.LossMask] = 0
		}
		losses.total = total
	})
	if err != nil {
		return nil, err
	}
	return losses, nil
}

func value[B tensor.Backend](t ftensor[B]) float64 {
	return float64(t.Data()[0])
}
