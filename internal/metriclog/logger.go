package metriclog

import (
	"context"
	"fmt"
	"io"
	"iter"
	"log"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/born-ml/born-detect/internal/dist"
)

// MetricLogger holds named SmoothedValues and prints them while a loop runs.
// Meters print in the order they were first seen.
type MetricLogger struct {
	meters    map[string]*SmoothedValue
	order     []string
	delimiter string
	out       *log.Logger
}

// New creates a logger that prints to out. A nil out discards output.
func New(out *log.Logger, delimiter string) *MetricLogger {
	if out == nil {
		out = log.New(io.Discard, "", 0)
	}
	if delimiter == "" {
		delimiter = "  "
	}
	return &MetricLogger{
		meters:    make(map[string]*SmoothedValue),
		delimiter: delimiter,
		out:       out,
	}
}

// AddMeter registers a meter with a custom window or format.
func (ml *MetricLogger) AddMeter(name string, meter *SmoothedValue) {
	if _, ok := ml.meters[name]; !ok {
		ml.order = append(ml.order, name)
	}
	ml.meters[name] = meter
}

// Meter returns the named meter, or nil.
func (ml *MetricLogger) Meter(name string) *SmoothedValue {
	return ml.meters[name]
}

// Update records one value per named meter, creating default meters on
// first use. Keys are visited in sorted order so new meters get a stable
// print position.
func (ml *MetricLogger) Update(values map[string]float64) {
	for _, k := range sortedKeys(values) {
		m, ok := ml.meters[k]
		if !ok {
			m = NewSmoothedValue(0, "")
			ml.AddMeter(k, m)
		}
		m.Update(values[k], 1)
	}
}

// String renders every meter as "name: value".
func (ml *MetricLogger) String() string {
	parts := make([]string, 0, len(ml.order))
	for _, name := range ml.order {
		parts = append(parts, fmt.Sprintf("%s: %s", name, ml.meters[name]))
	}
	return strings.Join(parts, ml.delimiter)
}

// Synchronize sums every meter's count and total across the group.
// Every rank must hold the same meters.
func (ml *MetricLogger) Synchronize(ctx context.Context, g dist.Group) error {
	for _, name := range ml.order {
		if err := ml.meters[name].Synchronize(ctx, g); err != nil {
			return fmt.Errorf("meter %s: %w", name, err)
		}
	}
	return nil
}

// Printf writes one line through the logger's output.
func (ml *MetricLogger) Printf(format string, args ...any) {
	ml.out.Printf(format, args...)
}

// LogEvery yields (i, item) for each item of seq and prints progress every
// printFreq iterations and on the last one. n is the expected number of
// items, used for the ETA. Time spent waiting on seq is reported as data
// time, time between yields as iteration time.
func LogEvery[T any](ml *MetricLogger, seq iter.Seq[T], n, printFreq int, header string) iter.Seq2[int, T] {
	if printFreq <= 0 {
		printFreq = 1
	}
	return func(yield func(int, T) bool) {
		iterTime := NewSmoothedValue(0, "{avg:.4f}")
		dataTime := NewSmoothedValue(0, "{avg:.4f}")
		width := len(fmt.Sprint(n))
		start := time.Now()
		end := time.Now()
		i := 0

		defer func() {
			total := time.Since(start)
			perIt := 0.0
			if i > 0 {
				perIt = total.Seconds() / float64(i)
			}
			ml.out.Printf("%s Total time: %s (%.4f s / it)", header, formatDuration(total), perIt)
		}()

		for item := range seq {
			dataTime.Update(time.Since(end).Seconds(), 1)
			if !yield(i, item) {
				return
			}
			iterTime.Update(time.Since(end).Seconds(), 1)

			if i%printFreq == 0 || i == n-1 {
				eta := time.Duration(iterTime.GlobalAvg() * float64(max(n-i, 0)) * float64(time.Second))
				fields := []string{
					fmt.Sprintf("%s [%*d/%d]", header, width, i, n),
					"eta: " + formatDuration(eta),
				}
				if s := ml.String(); s != "" {
					fields = append(fields, s)
				}
				fields = append(fields,
					"time: "+iterTime.String(),
					"data: "+dataTime.String(),
					fmt.Sprintf("max mem: %.0f", heapMiB()),
				)
				ml.out.Print(strings.Join(fields, ml.delimiter))
			}
			i++
			end = time.Now()
		}
	}
}

// heapMiB returns the heap in use, in MiB.
func heapMiB() float64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return float64(ms.HeapInuse) / (1 << 20)
}

// formatDuration renders d as h:mm:ss.
func formatDuration(d time.Duration) string {
	s := int(d.Round(time.Second).Seconds())
	return fmt.Sprintf("%d:%02d:%02d", s/3600, (s/60)%60, s%60)
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
