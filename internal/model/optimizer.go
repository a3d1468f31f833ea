package model

import (
	"context"
	"fmt"
	"strings"

	"github.com/born-ml/born/optim"
	"github.com/born-ml/born/tensor"

	"github.com/born-ml/born-detect/internal/dist"
)

// bornOptimizer is the part of Born's SGD and Adam the adapter drives.
type bornOptimizer interface {
	optim.Optimizer
	SetLR(lr float32)
}

// Optimizer adapts a Born optimizer to engine.Optimizer. Step consumes the
// gradients left by the detector's last Backward. With a group of more
// than one worker the gradients are averaged across it first, so replicas
// that start from the same weights stay identical.
type Optimizer[B tensor.Backend] struct {
	inner bornOptimizer
	d     *Detector[B]
	group dist.Group
}

// NewOptimizer builds the optimizer named in cfg over d's parameters.
func NewOptimizer[B tensor.Backend](d *Detector[B], cfg OptimizerConfig) (*Optimizer[B], error) {
	params := d.net.Parameters()
	var inner bornOptimizer
	switch strings.ToLower(cfg.Name) {
	case "", "sgd":
		inner = optim.NewSGD(params, optim.SGDConfig{
			LR:       float32(cfg.LR),
			Momentum: float32(cfg.Momentum),
		}, d.backend)
	case "adam":
		inner = optim.NewAdam(params, optim.AdamConfig{
			LR:    float32(cfg.LR),
			Betas: [2]float32{0.9, 0.999},
			Eps:   1e-8,
		}, d.backend)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownOptimizer, cfg.Name)
	}
	return &Optimizer[B]{inner: inner, d: d}, nil
}

func (o *Optimizer[B]) ZeroGrad() {
	o.inner.ZeroGrad()
	o.d.grads = nil
}

// SetGroup sets the group gradients are averaged over; nil disables it.
func (o *Optimizer[B]) SetGroup(g dist.Group) { o.group = g }

// Step applies the pending gradients and clears the tape. Averaging
// across the group stops with ctx.
func (o *Optimizer[B]) Step(ctx context.Context) error {
	if o.d.grads == nil {
		return ErrNoGradients
	}
	defer func() {
		o.d.grads = nil
		o.d.backend.Tape().Clear()
	}()
	if o.group != nil && o.group.WorldSize() > 1 {
		if err := o.averageGrads(ctx); err != nil {
			return fmt.Errorf("averaging gradients: %w", err)
		}
	}
	return guard(func() { o.inner.Step(o.d.grads) })
}

// averageGrads replaces every parameter gradient with its mean over the
// group. Parameters the loss did not reach contribute zeros.
func (o *Optimizer[B]) averageGrads(ctx context.Context) error {
	params := o.d.net.Parameters()
	grads := make([][]float32, len(params))
	var flat []float64
	for i, p := range params {
		key := p.Tensor().Raw()
		g, ok := o.d.grads[key]
		if !ok {
			var err error
			if g, err = tensor.NewRaw(key.Shape(), tensor.Float32, key.Device()); err != nil {
				return err
			}
			o.d.grads[key] = g
		}
		grads[i] = g.AsFloat32()
		for _, v := range grads[i] {
			flat = append(flat, float64(v))
		}
	}
	sum, err := o.group.AllReduceSum(ctx, flat)
	if err != nil {
		return err
	}
	n := float64(o.group.WorldSize())
	k := 0
	for _, g := range grads {
		for j := range g {
			g[j] = float32(sum[k] / n)
			k++
		}
	}
	return nil
}

func (o *Optimizer[B]) LR() float64 { return float64(o.inner.GetLR()) }

func (o *Optimizer[B]) SetLR(lr float64) { o.inner.SetLR(float32(lr)) }
