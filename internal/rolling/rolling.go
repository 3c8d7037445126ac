// Package rolling provides a fixed-window moving average used to track
// transcription and translation latency.
package rolling

// Average keeps the last n samples and reports their mean.
// It is not safe for concurrent use; callers hold their own lock.
type Average struct {
	samples []float64
	size    int
	next    int
	filled  bool
}

const defaultWindow = 100

// NewAverage returns an Average over a window of n samples.
// A non-positive n falls back to the default window of 100.
func NewAverage(n int) *Average {
	if n <= 0 {
		n = defaultWindow
	}
	return &Average{samples: make([]float64, n), size: n}
}

// Add records one sample, evicting the oldest once the window is full.
func (a *Average) Add(v float64) {
	a.samples[a.next] = v
	a.next = (a.next + 1) % a.size
	if a.next == 0 {
		a.filled = true
	}
}

// Mean returns the average of the recorded samples, or 0 with no samples.
func (a *Average) Mean() float64 {
	count := a.next
	if a.filled {
		count = a.size
	}
	if count == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < count; i++ {
		sum += a.samples[i]
	}
	return sum / float64(count)
}

// Count returns how many samples currently contribute to the mean.
func (a *Average) Count() int {
	if a.filled {
		return a.size
	}
	return a.next
}
