package engine

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Common errors.
var (
	ErrNonFiniteLoss = errors.New("loss is not finite")
	ErrEmptyLoader   = errors.New("loader yields no batches")
)

// NonFiniteLossError reports the reduced loss record of the batch that
// stopped training.
type NonFiniteLossError struct {
	Epoch     int
	Iteration int
	Loss      float64
	Terms     map[string]float64
}

func (e *NonFiniteLossError) Error() string {
	keys := make([]string, 0, len(e.Terms))
	for k := range e.Terms {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s: %v", k, e.Terms[k])
	}
	return fmt.Sprintf("epoch %d iteration %d: loss is %v, stopping training: {%s}",
		e.Epoch, e.Iteration, e.Loss, strings.Join(parts, ", "))
}

// Unwrap lets errors.Is match ErrNonFiniteLoss.
func (e *NonFiniteLossError) Unwrap() error { return ErrNonFiniteLoss }
