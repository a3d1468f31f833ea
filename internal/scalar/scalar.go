// Package scalar records named scalar series such as losses, learning rates
// and evaluation metrics.
//
// Writers are keyed by tag and a global step. EventWriter produces
// TensorBoard event files; Recorder keeps series in memory for tests and the
// status endpoint.
package scalar

import (
	"errors"
	"sync"
	"time"
)

// Writer accepts scalar observations.
type Writer interface {
	// AddScalar records value under tag at step.
	AddScalar(tag string, value float64, step int64) error

	// Flush pushes buffered observations to their destination.
	Flush() error

	// Close flushes and releases the writer.
	Close() error
}

// Point is one observation of a series.
type Point struct {
	Step     int64     `json:"step"`
	Value    float64   `json:"value"`
	WallTime time.Time `json:"wall_time"`
}

type discard struct{}

func (discard) AddScalar(string, float64, int64) error { return nil }
func (discard) Flush() error                           { return nil }
func (discard) Close() error                           { return nil }

// Discard is a Writer that drops every observation.
var Discard Writer = discard{}

type multi []Writer

// Multi returns a Writer that duplicates every call to each writer.
// All writers are called even when one fails; the errors are joined.
func Multi(writers ...Writer) Writer {
	out := make(multi, 0, len(writers))
	for _, w := range writers {
		if w != nil {
			out = append(out, w)
		}
	}
	return out
}

func (m multi) AddScalar(tag string, value float64, step int64) error {
	var errs []error
	for _, w := range m {
		errs = append(errs, w.AddScalar(tag, value, step))
	}
	return errors.Join(errs...)
}

func (m multi) Flush() error {
	var errs []error
	for _, w := range m {
		errs = append(errs, w.Flush())
	}
	return errors.Join(errs...)
}

func (m multi) Close() error {
	var errs []error
	for _, w := range m {
		errs = append(errs, w.Close())
	}
	return errors.Join(errs...)
}

// Recorder keeps every series in memory. It is safe for concurrent use.
type Recorder struct {
	mu     sync.RWMutex
	series map[string][]Point
	order  []string
	now    func() time.Time
}

// NewRecorder returns an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{series: make(map[string][]Point), now: time.Now}
}

// AddScalar appends value to the series of tag.
func (r *Recorder) AddScalar(tag string, value float64, step int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.series[tag]; !ok {
		r.order = append(r.order, tag)
	}
	r.series[tag] = append(r.series[tag], Point{Step: step, Value: value, WallTime: r.now()})
	return nil
}

// Flush is a no-op.
func (r *Recorder) Flush() error { return nil }

// Close is a no-op; the recorded series stay readable.
func (r *Recorder) Close() error { return nil }

// Tags returns the recorded tags in first-seen order.
func (r *Recorder) Tags() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// History returns a copy of the series of tag.
func (r *Recorder) History(tag string) ([]Point, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.series[tag]
	if !ok {
		return nil, false
	}
	out := make([]Point, len(s))
	copy(out, s)
	return out, true
}

// Latest returns the most recent point of tag.
func (r *Recorder) Latest(tag string) (Point, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := r.series[tag]
	if len(s) == 0 {
		return Point{}, false
	}
	return s[len(s)-1], true
}

// Snapshot returns the most recent point of every tag.
func (r *Recorder) Snapshot() map[string]Point {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Point, len(r.series))
	for tag, s := range r.series {
		out[tag] = s[len(s)-1]
	}
	return out
}
