// Package meter tracks running statistics of streamed training scalars.
//
// RunningMean is the building block: an arithmetic mean over every sample
// appended so far. LossTracker keeps one RunningMean per named loss term of a
// detection model plus one for the summed objective.
package meter

// RunningMean is the arithmetic mean of a growing sample stream.
// The zero value is an empty stream.
type RunningMean struct {
	sum   float64
	count int
}

// Append adds one sample.
func (m *RunningMean) Append(v float64) {
	m.sum += v
	m.count++
}

// Mean returns the mean of all samples appended so far.
// ok is false until the first sample has been appended.
func (m *RunningMean) Mean() (mean float64, ok bool) {
	if m.count == 0 {
		return 0, false
	}
	return m.sum / float64(m.count), true
}

// Count returns the number of samples appended.
func (m *RunningMean) Count() int { return m.count }

// Sum returns the total of all samples appended.
func (m *RunningMean) Sum() float64 { return m.sum }

// Reset empties the stream.
func (m *RunningMean) Reset() {
	m.sum = 0
	m.count = 0
}
