// Package sched drains a batch of summarization jobs through a fixed worker
// pool, keeping the normal and long channels from starving each other.
package sched

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"pretackler/common/stats"
)

// Executor runs a single job end to end and reports bytes written.
type Executor interface {
	Run(ctx context.Context, job Job) (int64, error)
}

// JobFailure pairs a failed job with its terminal error.
type JobFailure struct {
	Job Job
	Err error
}

// Report summarizes one scheduler run.
type Report struct {
	Started   int
	Completed int
	Failed    int
	Failures  []JobFailure
}

// Scheduler owns the two class queues and the worker pool. One job failure
// never aborts siblings; it is recorded and the pool moves on.
type Scheduler struct {
	exec    Executor
	workers int
	stat    stats.StatsReceiver
}

func NewScheduler(exec Executor, workers int, stat stats.StatsReceiver) *Scheduler {
	if workers < 1 {
		workers = 1
	}
	if stat == nil {
		stat = stats.NilStatsReceiver()
	}
	return &Scheduler{exec: exec, workers: workers, stat: stat}
}

// Run enqueues all jobs into their class queues, closes the queues to new
// input, and blocks until the pool drains both. The worker count is clamped
// to the job count.
func (s *Scheduler) Run(ctx context.Context, jobs []Job) Report {
	if len(jobs) == 0 {
		return Report{}
	}

	normal := make(chan Job, len(jobs))
	long := make(chan Job, len(jobs))
	for _, job := range jobs {
		if job.Class == ClassLong {
			long <- job
		} else {
			normal <- job
		}
	}
	close(normal)
	close(long)

	workers := s.workers
	if workers > len(jobs) {
		workers = len(jobs)
	}

	state := &runState{}
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			s.workerLoop(ctx, id, normal, long, state)
		}(i)
	}
	wg.Wait()

	return state.report()
}

// workerLoop pulls jobs until both queues are drained and closed. The
// preferred queue alternates each dispatch cycle, staggered by worker id so
// the pool does not march in lockstep.
func (s *Scheduler) workerLoop(ctx context.Context, id int, normal, long chan Job, state *runState) {
	for cycle := id; ; cycle++ {
		job, ok := nextJob(&normal, &long, cycle)
		if !ok {
			return
		}
		s.runJob(ctx, job, state)
	}
}

// nextJob picks the next job, preferring the queue indicated by cycle
// parity: a non-blocking probe of the preferred queue, then of the other,
// then a blocking wait on whichever queues remain open. Closed-and-drained
// queues are nilled out; both nil means the pool is done.
func nextJob(normal, long *chan Job, cycle int) (Job, bool) {
	for {
		prefer, other := normal, long
		if cycle%2 == 1 {
			prefer, other = long, normal
		}

		for _, q := range []*chan Job{prefer, other} {
			if *q == nil {
				continue
			}
			select {
			case job, ok := <-*q:
				if ok {
					return job, true
				}
				*q = nil
			default:
			}
		}

		if *normal == nil && *long == nil {
			return Job{}, false
		}

		// Both empty but at least one still open: block until either
		// yields. Receiving from a nil channel blocks forever, which
		// silently drops that case from the select.
		select {
		case job, ok := <-*prefer:
			if ok {
				return job, true
			}
			*prefer = nil
		case job, ok := <-*other:
			if ok {
				return job, true
			}
			*other = nil
		}
	}
}

func (s *Scheduler) runJob(ctx context.Context, job Job, state *runState) {
	s.stat.Counter("jobsStarted").Inc(1)
	state.start()

	latency := s.stat.Latency("jobLatency").Time()
	begin := time.Now()
	written, err := s.exec.Run(ctx, job)
	latency.Stop()

	if err != nil {
		s.stat.Counter("jobsFailed").Inc(1)
		state.fail(job, err)
		log.Errorf("job %s failed - class: %s, source: %s, dest: %s, error: %v",
			job.ID, job.Class, job.SourcePath, job.DestPath, err)
		return
	}

	s.stat.Counter("jobsCompleted").Inc(1)
	s.stat.Counter("bytesWritten").Inc(written)
	state.complete()
	elapsed := time.Since(begin)
	log.Infof("summary written - dest: %s, bytes: %d, elapsed: %s, throughput: %.1fKB/s",
		job.DestPath, written, elapsed.Round(time.Millisecond), throughputKBps(written, elapsed))
}

func throughputKBps(written int64, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	return float64(written) / 1024 / elapsed.Seconds()
}

// runState accumulates the shared, monotonically increasing run counters.
type runState struct {
	mu        sync.Mutex
	started   int
	completed int
	failures  []JobFailure
}

func (r *runState) start() {
	r.mu.Lock()
	r.started++
	r.mu.Unlock()
}

func (r *runState) complete() {
	r.mu.Lock()
	r.completed++
	r.mu.Unlock()
}

func (r *runState) fail(job Job, err error) {
	r.mu.Lock()
	r.failures = append(r.failures, JobFailure{Job: job, Err: err})
	r.mu.Unlock()
}

func (r *runState) report() Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Report{
		Started:   r.started,
		Completed: r.completed,
		Failed:    len(r.failures),
		Failures:  append([]JobFailure(nil), r.failures...),
	}
}
