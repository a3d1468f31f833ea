//go:build windows

package model

import (
	"fmt"

	"github.com/born-ml/born/backend/webgpu"
)

func buildWebGPU(cfg Config, oc OptimizerConfig) (*Built, error) {
	if !webgpu.IsAvailable() {
		return nil, fmt.Errorf("%w: %s", ErrDeviceUnavailable, DeviceWebGPU)
	}
	gpu, err := webgpu.New()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrDeviceUnavailable, DeviceWebGPU, err)
	}
	return build(gpu, cfg, oc, func() { gpu.Release() })
}
