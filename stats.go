package leek

import (
	"math"
	"time"

	"github.com/tamirms/leek/internal/primes"
)

// WorkerStats is a snapshot of one worker.
type WorkerStats struct {
	ID      int
	Hashes  uint64
	Items   uint64
	Started time.Time
	Stopped time.Time // zero while running

	Running bool
	Exiting bool
	Failed  bool
}

// Stats is a snapshot of a Searcher.
type Stats struct {
	Implementation string
	Lanes          int
	Elapsed        time.Duration

	Hashes        uint64
	Items         uint64
	Results       uint64
	RecheckErrors uint64
	ItemErrors    uint64
	SinkErrors    uint64

	// Probability is the chance that one hash matches a prefix.
	Probability float64

	Primes  primes.Stats
	Workers []WorkerStats
}

// Rate returns the hashes per second over the elapsed time.
func (s Stats) Rate() float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return float64(s.Hashes) / s.Elapsed.Seconds()
}

// ExpectedHashes returns the number of hashes after which the chance of at
// least one match reaches p.
func (s Stats) ExpectedHashes(p float64) float64 {
	if s.Probability <= 0 || p <= 0 || p >= 1 {
		return math.Inf(1)
	}
	return math.Log1p(-p) / math.Log1p(-s.Probability)
}

// ExpectedTime converts ExpectedHashes(p) into wall time at the current rate.
func (s Stats) ExpectedTime(p float64) time.Duration {
	n := s.ExpectedHashes(p)
	rate := s.Rate()
	if math.IsInf(n, 1) || rate == 0 {
		return time.Duration(math.MaxInt64)
	}
	secs := n / rate
	if secs >= float64(math.MaxInt64)/float64(time.Second) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(secs * float64(time.Second))
}

// Luck returns the probability that at least one match would have been
// found by now.
func (s Stats) Luck() float64 {
	if s.Probability <= 0 {
		return 0
	}
	return -math.Expm1(float64(s.Hashes) * math.Log1p(-s.Probability))
}
