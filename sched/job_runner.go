package sched

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"pretackler/common/stats"
	"pretackler/deepseek"
	"pretackler/idle"
	"pretackler/limit"
	"pretackler/retry"
	"pretackler/staging"
)

// RunnerConfig carries the per-run knobs the executor needs.
type RunnerConfig struct {
	Model        string
	Temperature  float32
	TopK         uint
	SystemPrompt string

	MaxAttempts int
	Fault       *retry.Fault

	// Long-channel timeout policy: explicit overrides win over the
	// multiplier; a zero override means unbounded for that axis.
	LongTimeoutMultiplier float64
	LongRequestTimeout    *time.Duration
	LongIdleTimeout       *time.Duration
	AdaptiveIdle          bool
}

// JobRunner executes one job end to end per scheduling slot: acquire rate
// permits, issue the streaming request, decode into a staging transaction,
// and drive the retry policy across attempts.
type JobRunner struct {
	client  *deepseek.Client
	limiter *limit.Limiter
	est     *idle.Estimator
	stat    stats.StatsReceiver
	cfg     RunnerConfig
}

func NewJobRunner(client *deepseek.Client, limiter *limit.Limiter, est *idle.Estimator,
	stat stats.StatsReceiver, cfg RunnerConfig) *JobRunner {
	if limiter == nil {
		limiter = limit.NewLimiter(0, 0)
	}
	if est == nil {
		est = idle.NewEstimator(idle.DefaultCapacity)
	}
	if stat == nil {
		stat = stats.NilStatsReceiver()
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = retry.DefaultMaxAttempts
	}
	return &JobRunner{client: client, limiter: limiter, est: est, stat: stat, cfg: cfg}
}

// Run drives the attempt loop for one job. Every retryable failure discards
// the attempt's staging output and starts over with a fresh connection and a
// fresh staging file.
func (r *JobRunner) Run(ctx context.Context, job Job) (int64, error) {
	content, err := os.ReadFile(job.SourcePath)
	if err != nil {
		return 0, retry.Terminal(errors.Wrapf(err, "reading %s", job.SourcePath))
	}
	userMsg := deepseek.UserMessage(filepath.Base(job.SourcePath), job.Language, content)
	req := deepseek.NewRequest(r.cfg.Model, r.cfg.Temperature, r.cfg.TopK, r.cfg.SystemPrompt, userMsg)

	requestTimeout, idleTimeout := r.effectiveTimeouts(job)

	var written int64
	ctrl := retry.NewController(r.cfg.MaxAttempts, r.cfg.Fault)
	err = ctrl.Run(func(attempt int) error {
		if attempt > 1 {
			r.stat.Counter("retries").Inc(1)
		}
		n, attemptErr := r.attempt(ctx, job, req, requestTimeout, idleTimeout, attempt)
		written = n
		return attemptErr
	})
	if err != nil {
		return 0, err
	}
	return written, nil
}

// effectiveTimeouts applies the long-channel policy: explicit overrides, or
// the multiplier over the job's base values, plus adaptive idle widening
// when enabled and an estimate exists.
func (r *JobRunner) effectiveTimeouts(job Job) (time.Duration, time.Duration) {
	request, idleTimeout := job.RequestTimeout, job.IdleTimeout
	if job.Class != ClassLong {
		return request, idleTimeout
	}
	if r.cfg.LongRequestTimeout != nil {
		request = *r.cfg.LongRequestTimeout
	} else {
		request = scale(request, r.cfg.LongTimeoutMultiplier)
	}
	if r.cfg.LongIdleTimeout != nil {
		idleTimeout = *r.cfg.LongIdleTimeout
	} else {
		idleTimeout = scale(idleTimeout, r.cfg.LongTimeoutMultiplier)
	}
	if r.cfg.AdaptiveIdle {
		idleTimeout = r.est.AdaptiveTimeout(idleTimeout)
	}
	return request, idleTimeout
}

func scale(d time.Duration, multiplier float64) time.Duration {
	if d == 0 || multiplier <= 0 {
		return d
	}
	return time.Duration(float64(d) * multiplier)
}

func (r *JobRunner) attempt(ctx context.Context, job Job, req deepseek.Request,
	requestTimeout, idleTimeout time.Duration, attempt int) (int64, error) {

	if err := r.limiter.AcquireRequestSlot(ctx); err != nil {
		return 0, err
	}

	var attemptCtx context.Context
	var cancel context.CancelFunc
	if requestTimeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, requestTimeout)
	} else {
		attemptCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	log.Debugf("job %s attempt %d: requesting summary for %s (request timeout %s, idle timeout %s)",
		job.ID, attempt, job.SourcePath, requestTimeout, idleTimeout)
	resp, err := r.client.StreamCompletion(attemptCtx, req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	txn, err := staging.Open(job.DestPath)
	if err != nil {
		return 0, retry.Terminal(err)
	}
	defer txn.Discard()

	if err := r.drainStream(attemptCtx, cancel, job, resp.Body, txn, idleTimeout); err != nil {
		return txn.BytesWritten(), err
	}
	if err := txn.Commit(); err != nil {
		return txn.BytesWritten(), retry.Terminal(err)
	}
	return txn.BytesWritten(), nil
}

type chunk struct {
	data []byte
	err  error
}

// drainStream applies decoded deltas to the staging transaction in arrival
// order. Each read is bounded by the idle timeout when nonzero; a stall
// abandons the attempt as retryable.
func (r *JobRunner) drainStream(ctx context.Context, cancel context.CancelFunc, job Job,
	body io.Reader, txn *staging.Transaction, idleTimeout time.Duration) error {

	chunks := make(chan chunk)
	go func() {
		buf := make([]byte, 32*1024)
		for {
			n, err := body.Read(buf)
			c := chunk{err: err}
			if n > 0 {
				c.data = append([]byte(nil), buf[:n]...)
			}
			select {
			case chunks <- c:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	scanner := &deepseek.FrameScanner{}
	lastChunk := time.Now()
	for {
		var c chunk
		if idleTimeout > 0 {
			timer := time.NewTimer(idleTimeout)
			select {
			case c = <-chunks:
				timer.Stop()
			case <-timer.C:
				// tear the connection down so the reader goroutine exits
				cancel()
				r.stat.Counter("idleTimeouts").Inc(1)
				return errors.Wrapf(retry.ErrIdleTimeout, "no chunk within %s", idleTimeout)
			}
		} else {
			c = <-chunks
		}

		now := time.Now()
		if job.Class == ClassLong && len(c.data) > 0 {
			r.est.Observe(now.Sub(lastChunk))
		}
		lastChunk = now

		if len(c.data) > 0 {
			if err := r.applyChunk(ctx, c.data, scanner, txn); err != nil {
				return err
			}
			if scanner.Done() {
				return nil
			}
		}
		if c.err != nil {
			if c.err == io.EOF {
				return r.flushScanner(ctx, scanner, txn)
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return errors.Wrap(ctxErr, "request deadline hit mid-stream")
			}
			return errors.Wrap(c.err, "reading response stream")
		}
	}
}

func (r *JobRunner) applyChunk(ctx context.Context, data []byte, scanner *deepseek.FrameScanner,
	txn *staging.Transaction) error {
	for _, payload := range scanner.Feed(data) {
		if err := r.applyPayload(ctx, payload, txn); err != nil {
			return err
		}
	}
	return nil
}

// applyPayload decodes one frame and appends its deltas, acquiring a
// byte-rate permit before each delta is applied. Malformed frames are
// logged and skipped.
func (r *JobRunner) applyPayload(ctx context.Context, payload []byte, txn *staging.Transaction) error {
	deltas, err := deepseek.DecodeDeltas(payload)
	if err != nil {
		r.stat.Counter("malformedFrames").Inc(1)
		log.Warnf("skipping malformed stream frame: %v", err)
		return nil
	}
	for _, delta := range deltas {
		if err := r.limiter.AcquireBytes(ctx, uint64(len(delta))); err != nil {
			return err
		}
		if err := txn.Append([]byte(delta)); err != nil {
			return retry.Terminal(err)
		}
	}
	return nil
}

// flushScanner handles a final unterminated frame when the stream ends
// without the sentinel; exhausted input still commits.
func (r *JobRunner) flushScanner(ctx context.Context, scanner *deepseek.FrameScanner,
	txn *staging.Transaction) error {
	if payload, ok := scanner.Flush(); ok {
		return r.applyPayload(ctx, payload, txn)
	}
	return nil
}
