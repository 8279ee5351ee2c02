package retry

import (
	"net/http"

	"github.com/pkg/errors"
)

const (
	Fault429  = "429"
	Fault5xx  = "5xx"
	FaultIdle = "idle"
)

// Fault simulates a failure class on early attempts, falling through to real
// execution on the final attempt. Production runs carry a nil *Fault.
type Fault struct {
	Kind  string
	Until int // attempts 1..Until fail
}

// ParseFault maps the --inject-fault selector to a Fault failing every
// attempt before the last. An empty selector yields no fault.
func ParseFault(selector string, maxAttempts int) (*Fault, error) {
	if selector == "" {
		return nil, nil
	}
	switch selector {
	case Fault429, Fault5xx, FaultIdle:
		return &Fault{Kind: selector, Until: maxAttempts - 1}, nil
	}
	return nil, errors.Errorf("unknown fault selector %q (want 429|5xx|idle)", selector)
}

func (f *Fault) active(attempt, maxAttempts int) bool {
	return attempt <= f.Until && attempt < maxAttempts
}

func (f *Fault) inject() error {
	switch f.Kind {
	case Fault429:
		return &HTTPStatusError{Status: http.StatusTooManyRequests, Body: "injected fault"}
	case Fault5xx:
		return &HTTPStatusError{Status: http.StatusServiceUnavailable, Body: "injected fault"}
	default:
		return ErrIdleTimeout
	}
}
