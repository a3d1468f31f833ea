package model

import (
	"fmt"

	"github.com/born-ml/born/backend/cpu"
	"github.com/born-ml/born/tensor"

	"github.com/born-ml/born-detect/internal/dist"
	"github.com/born-ml/born-detect/internal/engine"
)

// Supported devices.
const (
	DeviceCPU    = "cpu"
	DeviceWebGPU = "webgpu"
)

var (
	_ engine.Model          = (*Detector[*cpu.Backend])(nil)
	_ engine.GradController = (*Detector[*cpu.Backend])(nil)
	_ engine.MaskPredictor  = (*Detector[*cpu.Backend])(nil)
	_ engine.Optimizer      = (*Optimizer[*cpu.Backend])(nil)
)

// Built is a detector and its optimizer, erased to the engine interfaces.
type Built struct {
	Model     engine.Model
	Optimizer engine.Optimizer

	// Release frees device resources.
	Release func()

	worker func(g dist.Group) (engine.Model, engine.Optimizer, error)
}

// Worker returns the model and optimizer for rank g.Rank(). Rank 0 gets
// Model and Optimizer; other ranks get replicas holding the current
// weights, so all workers must be created before training starts. Every
// returned optimizer averages gradients over g.
func (b *Built) Worker(g dist.Group) (engine.Model, engine.Optimizer, error) {
	return b.worker(g)
}

// Build creates a detector on device.
func Build(device string, cfg Config, oc OptimizerConfig) (*Built, error) {
	switch device {
	case "", DeviceCPU:
		return build(cpu.New(), cfg, oc, func() {})
	case DeviceWebGPU:
		return buildWebGPU(cfg, oc)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownDevice, device)
}

func build[B tensor.Backend](inner B, cfg Config, oc OptimizerConfig, release func()) (*Built, error) {
	d, err := NewDetector(cfg, inner)
	if err != nil {
		release()
		return nil, err
	}
	opt, err := NewOptimizer(d, oc)
	if err != nil {
		release()
		return nil, err
	}
	return &Built{
		Model:     d,
		Optimizer: opt,
		Release:   release,
		worker: func(g dist.Group) (engine.Model, engine.Optimizer, error) {
			if g.Rank() == 0 {
				opt.SetGroup(g)
				return d, opt, nil
			}
			r, err := d.Replica()
			if err != nil {
				return nil, nil, err
			}
			ro, err := NewOptimizer(r, oc)
			if err != nil {
				return nil, nil, err
			}
			ro.SetLR(opt.LR())
			ro.SetGroup(g)
			return r, ro, nil
		},
	}, nil
}
