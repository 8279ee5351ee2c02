package sched

import "time"

// Class is the job's channel class. Long jobs get scaled timeouts and
// adaptive idle widening; normal jobs use the configured bases as-is.
type Class int

const (
	ClassNormal Class = iota
	ClassLong
)

func (c Class) String() string {
	if c == ClassLong {
		return "long"
	}
	return "normal"
}

// Job is one file to summarize. Immutable once enqueued; consumed exactly
// once by a worker. Timeouts are the configured base values, scaled for the
// long channel at execution time; zero means unbounded for that axis.
type Job struct {
	ID             string
	SourcePath     string
	DestPath       string
	Language       string
	Class          Class
	RequestTimeout time.Duration
	IdleTimeout    time.Duration
}
