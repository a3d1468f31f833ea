// Package model implements a small multi-head detector on top of Born's
// tensors, autodiff tape and optimizers.
//
// The image is pooled to a fixed grid of colour features and passed
// through a shared hidden layer. A coarse S×S cell grid then predicts, per
// cell, an objectness score, class logits, the box (centre offset inside
// the cell and size relative to the image) and a small mask over the box.
// Each ground-truth object is owned by the cell holding its centre.
package model

import (
	"errors"
	"fmt"
)

// Common errors.
var (
	ErrNoGradients       = errors.New("optimizer step without gradients")
	ErrUnknownOptimizer  = errors.New("unknown optimizer")
	ErrUnknownDevice     = errors.New("unknown device")
	ErrDeviceUnavailable = errors.New("device unavailable")
	ErrLabelOutOfRange   = errors.New("label out of range")
	ErrBatchMismatch     = errors.New("batch size mismatch")
	ErrBackend           = errors.New("backend failure")
	ErrInvalidConfig     = errors.New("invalid model config")
	ErrNotTraining       = errors.New("losses need training mode")
)

// Config sizes the detector.
type Config struct {
	// Classes is the number of foreground categories. Labels run from 1 to
	// Classes; 0 is background.
	Classes int

	// InputSize is the side of the pooled colour grid fed to the network.
	InputSize int

	// Grid is the number of detection cells per side.
	Grid int

	// Hidden is the width of the shared layer.
	Hidden int

	// MaskSize is the side of the per-cell mask. Zero disables the mask
	// head.
	MaskSize int

	// ScoreThresh drops predictions scoring below it.
	ScoreThresh float64

	// MaxDets caps the predictions per image.
	MaxDets int
}

// DefaultConfig returns the default detector for the given number of
// classes.
func DefaultConfig(classes int) Config {
	return Config{
		Classes:     classes,
		InputSize:   16,
		Grid:        4,
		Hidden:      64,
		MaskSize:    8,
		ScoreThresh: 0.05,
		MaxDets:     100,
	}
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	switch {
	case c.Classes < 1:
		return fmt.Errorf("%w: classes must be positive, got %d", ErrInvalidConfig, c.Classes)
	case c.InputSize < 1:
		return fmt.Errorf("%w: input size must be positive, got %d", ErrInvalidConfig, c.InputSize)
	case c.Grid < 1:
		return fmt.Errorf("%w: grid must be positive, got %d", ErrInvalidConfig, c.Grid)
	case c.Hidden < 1:
		return fmt.Errorf("%w: hidden must be positive, got %d", ErrInvalidConfig, c.Hidden)
	case c.MaskSize < 0:
		return fmt.Errorf("%w: mask size must not be negative, got %d", ErrInvalidConfig, c.MaskSize)
	case c.MaxDets < 1:
		return fmt.Errorf("%w: max detections must be positive, got %d", ErrInvalidConfig, c.MaxDets)
	}
	return nil
}

func (c Config) cells() int { return c.Grid * c.Grid }

// OptimizerConfig selects and configures the Born optimizer.
type OptimizerConfig struct {
	// Name is "sgd" (default) or "adam".
	Name     string
	LR       float64
	Momentum float64
}
