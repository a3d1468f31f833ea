//go:build !windows

package model

import "fmt"

func buildWebGPU(Config, OptimizerConfig) (*Built, error) {
	return nil, fmt.Errorf("%w: %s is only built on windows", ErrDeviceUnavailable, DeviceWebGPU)
}
