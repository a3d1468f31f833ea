// Package metriclog formats and prints training progress.
//
// A SmoothedValue keeps a sliding window over a scalar series together with
// its global total, and MetricLogger groups named SmoothedValues and prints
// them at a fixed cadence while a loop runs.
package metriclog

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"

	"github.com/born-ml/born-detect/internal/dist"
)

// DefaultWindow is the number of recent samples a SmoothedValue keeps.
const DefaultWindow = 20

// DefaultFormat renders the windowed median and the global average.
const DefaultFormat = "{median:.4f} ({global_avg:.4f})"

// SmoothedValue tracks a series of values and provides access to smoothed
// values over a window or the global series average.
type SmoothedValue struct {
	window []float64
	size   int
	next   int
	full   bool
	total  float64
	count  int
	format string
}

// NewSmoothedValue creates a value with the given window size and format.
// Zero size or empty format select the defaults.
func NewSmoothedValue(size int, format string) *SmoothedValue {
	if size <= 0 {
		size = DefaultWindow
	}
	if format == "" {
		format = DefaultFormat
	}
	return &SmoothedValue{
		window: make([]float64, 0, size),
		size:   size,
		format: format,
	}
}

// Update records value n times. n <= 0 is treated as 1.
func (s *SmoothedValue) Update(value float64, n int) {
	if n <= 0 {
		n = 1
	}
	if len(s.window) < s.size {
		s.window = append(s.window, value)
	} else {
		s.window[s.next] = value
		s.full = true
	}
	s.next = (s.next + 1) % s.size
	s.count += n
	s.total += value * float64(n)
}

// ordered returns the window oldest first.
func (s *SmoothedValue) ordered() []float64 {
	if !s.full {
		out := make([]float64, len(s.window))
		copy(out, s.window)
		return out
	}
	out := make([]float64, 0, s.size)
	out = append(out, s.window[s.next:]...)
	out = append(out, s.window[:s.next]...)
	return out
}

// Median returns the median of the window. For an even-length window the
// lower middle element is used.
func (s *SmoothedValue) Median() float64 {
	if len(s.window) == 0 {
		return math.NaN()
	}
	vals := s.ordered()
	sort.Float64s(vals)
	return vals[(len(vals)-1)/2]
}

// Avg returns the mean of the window.
func (s *SmoothedValue) Avg() float64 {
	if len(s.window) == 0 {
		return math.NaN()
	}
	var sum float64
	for _, v := range s.window {
		sum += v
	}
	return sum / float64(len(s.window))
}

// GlobalAvg returns the mean over every update.
func (s *SmoothedValue) GlobalAvg() float64 {
	if s.count == 0 {
		return math.NaN()
	}
	return s.total / float64(s.count)
}

// Max returns the largest value in the window.
func (s *SmoothedValue) Max() float64 {
	if len(s.window) == 0 {
		return math.NaN()
	}
	m := math.Inf(-1)
	for _, v := range s.window {
		m = math.Max(m, v)
	}
	return m
}

// Value returns the most recent value.
func (s *SmoothedValue) Value() float64 {
	if len(s.window) == 0 {
		return math.NaN()
	}
	return s.window[(s.next+s.size-1)%s.size]
}

// Count returns the number of updates.
func (s *SmoothedValue) Count() int { return s.count }

// Total returns the weighted sum of every update.
func (s *SmoothedValue) Total() float64 { return s.total }

// Synchronize sums count and total across the group. The window is left
// alone, only the global average changes.
func (s *SmoothedValue) Synchronize(ctx context.Context, g dist.Group) error {
	if g == nil || g.WorldSize() < 2 {
		return nil
	}
	sum, err := g.AllReduceSum(ctx, []float64{float64(s.count), s.total})
	if err != nil {
		return fmt.Errorf("synchronize smoothed value: %w", err)
	}
	s.count = int(sum[0])
	s.total = sum[1]
	return nil
}

var placeholder = regexp.MustCompile(`\{(\w+)(?::([^}]*))?\}`)

// String renders the value with its format string.
// Placeholders are {median}, {avg}, {global_avg}, {max} and {value},
// each with an optional fixed-point precision such as {avg:.4f}.
func (s *SmoothedValue) String() string {
	return placeholder.ReplaceAllStringFunc(s.format, func(m string) string {
		parts := placeholder.FindStringSubmatch(m)
		var v float64
		switch parts[1] {
		case "median":
			v = s.Median()
		case "avg":
			v = s.Avg()
		case "global_avg":
			v = s.GlobalAvg()
		case "max":
			v = s.Max()
		case "value":
			v = s.Value()
		default:
			return m
		}
		return formatFloat(v, parts[2])
	})
}

// formatFloat applies a ".Nf" precision spec. Anything else prints %g.
func formatFloat(v float64, spec string) string {
	if len(spec) >= 3 && spec[0] == '.' && spec[len(spec)-1] == 'f' {
		if prec, err := strconv.Atoi(spec[1 : len(spec)-1]); err == nil {
			return strconv.FormatFloat(v, 'f', prec, 64)
		}
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}
