// Package retry drives a job's attempt loop: it classifies failures as
// retryable or terminal and schedules exponential backoff between attempts.
package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultMaxAttempts = 5
	DefaultBaseDelay   = 500 * time.Millisecond
	DefaultMaxDelay    = 8 * time.Second
	DefaultFactor      = 2.0
)

// HTTPStatusError is a non-2xx response from the remote service.
type HTTPStatusError struct {
	Status int
	Body   string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("http status %d: %s", e.Status, e.Body)
}

// ErrIdleTimeout marks a stream that stalled past its idle bound.
var ErrIdleTimeout = errors.New("stream idle timeout")

// TerminalError wraps an error so the controller never retries it,
// regardless of its underlying class. Used for staging/commit filesystem
// errors, which indicate an environment problem rather than a transient
// service issue.
type TerminalError struct {
	Err error
}

func (e *TerminalError) Error() string { return e.Err.Error() }
func (e *TerminalError) Unwrap() error { return e.Err }

// Terminal marks err as never-retryable. Returns nil for a nil err.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &TerminalError{Err: err}
}

// Retryable reports whether err is worth another attempt: transport-level
// failures, HTTP 429/5xx and idle stalls. Everything else, including other
// HTTP statuses and explicitly terminal errors, is not.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var te *TerminalError
	if errors.As(err, &te) {
		return false
	}
	if errors.Is(err, ErrIdleTimeout) {
		return true
	}
	var he *HTTPStatusError
	if errors.As(err, &he) {
		return he.Status == http.StatusTooManyRequests || he.Status >= 500
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		// process shutdown, not a transient service failure
		return false
	}
	var ue *url.Error
	if errors.As(err, &ue) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// For testing.
var Sleep = time.Sleep

// Controller governs one job's attempt loop. Not safe for concurrent use;
// create one per job execution.
type Controller struct {
	maxAttempts int
	backoff     backoff.BackOff
	fault       *Fault

	sleep func(time.Duration) // swapped out by tests
}

func NewController(maxAttempts int, fault *Fault) *Controller {
	if maxAttempts < 1 {
		maxAttempts = DefaultMaxAttempts
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = DefaultBaseDelay
	b.Multiplier = DefaultFactor
	b.MaxInterval = DefaultMaxDelay
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return &Controller{
		maxAttempts: maxAttempts,
		backoff:     b,
		fault:       fault,
		sleep:       func(d time.Duration) { Sleep(d) },
	}
}

// Run invokes op until it succeeds, fails terminally, or attempts are
// exhausted. The fault, when set, preempts op on early attempts so the
// retry path can be exercised without a live dependency.
func (c *Controller) Run(op func(attempt int) error) error {
	for attempt := 1; ; attempt++ {
		var err error
		if c.fault != nil && c.fault.active(attempt, c.maxAttempts) {
			err = c.fault.inject()
			log.Debugf("fault injection: attempt %d failing with: %v", attempt, err)
		} else {
			err = op(attempt)
		}
		if err == nil {
			return nil
		}
		if !Retryable(err) {
			return err
		}
		if attempt >= c.maxAttempts {
			return fmt.Errorf("giving up after %d attempts: %w", attempt, err)
		}
		delay := c.backoff.NextBackOff()
		if delay == backoff.Stop {
			delay = DefaultMaxDelay
		}
		log.Debugf("attempt %d failed (%v), backing off %s", attempt, err, delay)
		c.sleep(delay)
	}
}
