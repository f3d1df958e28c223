package midi

import (
	"math"
	"time"
)

// latencyStats keeps a bounded rolling window of dispatch latency samples
// and derives the mean and jitter (standard deviation) that drive the
// queue's adaptive tuning.
type latencyStats struct {
	samples []time.Duration
	next    int
	filled  bool
}

const statsWindow = 100

func newLatencyStats() *latencyStats {
	return &latencyStats{samples: make([]time.Duration, statsWindow)}
}

func (s *latencyStats) Record(d time.Duration) {
	s.samples[s.next] = d
	s.next++
	if s.next == len(s.samples) {
		s.next = 0
		s.filled = true
	}
}

func (s *latencyStats) Count() int {
	if s.filled {
		return len(s.samples)
	}
	return s.next
}

// Mean returns the average latency over the window, 0 if empty.
func (s *latencyStats) Mean() time.Duration {
	n := s.Count()
	if n == 0 {
		return 0
	}
	var sum time.Duration
	for i := 0; i < n; i++ {
		sum += s.samples[i]
	}
	return sum / time.Duration(n)
}

// Jitter returns the standard deviation of the window, 0 if fewer than two
// samples.
func (s *latencyStats) Jitter() time.Duration {
	n := s.Count()
	if n < 2 {
		return 0
	}
	mean := float64(s.Mean())
	var acc float64
	for i := 0; i < n; i++ {
		d := float64(s.samples[i]) - mean
		acc += d * d
	}
	return time.Duration(math.Sqrt(acc / float64(n)))
}
