// Package limit throttles outbound work shared by all workers: an optional
// requests-per-second gate and an optional bytes-per-second gate.
package limit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter gates request issuance and byte application. The request gate
// enforces a minimum spacing of 1/rps between grants; the byte gate grants
// against a rolling one-second epoch, a leaky-bucket approximation whose
// burst error is bounded by one epoch. A zero rate disables that gate.
//
// The mutex is held only for the check-and-update, never across a sleep, so
// unrelated network reads are not serialized behind it.
type Limiter struct {
	requests *rate.Limiter // nil when unthrottled

	mu           sync.Mutex
	bytesPerSec  uint64 // 0 when unthrottled
	epochStart   time.Time
	bytesInEpoch uint64
}

func NewLimiter(rps float64, bytesPerSec uint64) *Limiter {
	l := &Limiter{bytesPerSec: bytesPerSec}
	if rps > 0 {
		// burst of 1 keeps grants spaced at least 1/rps apart
		l.requests = rate.NewLimiter(rate.Limit(rps), 1)
	}
	return l
}

// AcquireRequestSlot blocks until the request gate allows another request,
// or the context ends.
func (l *Limiter) AcquireRequestSlot(ctx context.Context) error {
	if l.requests == nil {
		return nil
	}
	return l.requests.Wait(ctx)
}

// AcquireBytes blocks until n bytes fit within the current epoch's budget.
// A single request larger than the whole budget is granted alone at an epoch
// start rather than blocking forever.
func (l *Limiter) AcquireBytes(ctx context.Context, n uint64) error {
	if l.bytesPerSec == 0 || n == 0 {
		return nil
	}
	for {
		l.mu.Lock()
		now := time.Now()
		if l.epochStart.IsZero() || now.Sub(l.epochStart) >= time.Second {
			l.epochStart = now
			l.bytesInEpoch = 0
		}
		if l.bytesInEpoch+n <= l.bytesPerSec || (l.bytesInEpoch == 0 && n > l.bytesPerSec) {
			l.bytesInEpoch += n
			l.mu.Unlock()
			return nil
		}
		wait := time.Second - now.Sub(l.epochStart)
		l.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}
