// Package idle tracks inter-chunk arrival gaps for long-running streams and
// derives an adaptive idle timeout from their recent distribution.
package idle

import (
	"math"
	"sort"
	"sync"
	"time"
)

const DefaultCapacity = 256

// Estimator keeps a bounded FIFO history of gaps, shared by all workers.
// Once full, new observations evict the oldest sample.
type Estimator struct {
	mu      sync.Mutex
	samples []time.Duration
	next    int
}

func NewEstimator(capacity int) *Estimator {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Estimator{samples: make([]time.Duration, 0, capacity)}
}

// Observe records the wall-clock gap between two consecutive chunks.
func (e *Estimator) Observe(gap time.Duration) {
	if gap < 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.samples) < cap(e.samples) {
		e.samples = append(e.samples, gap)
		return
	}
	e.samples[e.next] = gap
	e.next = (e.next + 1) % cap(e.samples)
}

// Len returns the number of samples currently held.
func (e *Estimator) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.samples)
}

// P95 returns the 95th-percentile gap. The second return is false when no
// samples have been observed yet.
func (e *Estimator) P95() (time.Duration, bool) {
	e.mu.Lock()
	sorted := append([]time.Duration(nil), e.samples...)
	e.mu.Unlock()

	if len(sorted) == 0 {
		return 0, false
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	rank := int(math.Ceil(0.95*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	return sorted[rank], true
}

// AdaptiveTimeout widens base to cover the observed p95 with 20% headroom,
// never below base. Zero base means unbounded and is returned unchanged; no
// samples means no estimate and base is returned unchanged.
func (e *Estimator) AdaptiveTimeout(base time.Duration) time.Duration {
	if base == 0 {
		return 0
	}
	p95, ok := e.P95()
	if !ok {
		return base
	}
	widened := time.Duration(math.Ceil(float64(p95) * 1.2))
	if widened > base {
		return widened
	}
	return base
}
