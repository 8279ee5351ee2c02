// Package stats provides a minimal metrics facade backed by go-metrics, so
// the rest of the repo never depends on go-metrics types directly. Receivers
// can be scoped and passed down a call tree; the nil receiver ignores
// everything and is the default for tests.
package stats

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/rcrowley/go-metrics"
)

type StatsReceiver interface {
	// Scope returns a receiver whose instrument names are prefixed with
	// the given scope elements.
	Scope(scope ...string) StatsReceiver

	Counter(name ...string) Counter
	Gauge(name ...string) Gauge
	Latency(name ...string) Latency

	// Render marshals the current registry contents as JSON.
	Render(pretty bool) []byte
}

func DefaultStatsReceiver() StatsReceiver {
	return &defaultStatsReceiver{registry: metrics.NewRegistry()}
}

type defaultStatsReceiver struct {
	registry metrics.Registry
	scope    []string
}

func (s *defaultStatsReceiver) Scope(scope ...string) StatsReceiver {
	return &defaultStatsReceiver{s.registry, s.scoped(scope...)}
}

func (s *defaultStatsReceiver) Counter(name ...string) Counter {
	return &metricCounter{s.registry.GetOrRegister(s.scopedName(name...), metrics.NewCounter).(metrics.Counter)}
}

func (s *defaultStatsReceiver) Gauge(name ...string) Gauge {
	return &metricGauge{s.registry.GetOrRegister(s.scopedName(name...), metrics.NewGauge).(metrics.Gauge)}
}

func (s *defaultStatsReceiver) Latency(name ...string) Latency {
	hist := func() metrics.Histogram { return metrics.NewHistogram(metrics.NewUniformSample(1000)) }
	return &metricLatency{Histogram: s.registry.GetOrRegister(s.scopedName(name...), hist).(metrics.Histogram)}
}

func (s *defaultStatsReceiver) Render(pretty bool) []byte {
	out := map[string]interface{}{}
	s.registry.Each(func(name string, i interface{}) {
		switch m := i.(type) {
		case metrics.Counter:
			out[name] = m.Count()
		case metrics.Gauge:
			out[name] = m.Value()
		case metrics.Histogram:
			h := m.Snapshot()
			out[name] = map[string]interface{}{
				"count": h.Count(),
				"mean":  h.Mean(),
				"p95":   h.Percentile(0.95),
			}
		}
	})
	var b []byte
	var err error
	if pretty {
		b, err = json.MarshalIndent(out, "", "  ")
	} else {
		b, err = json.Marshal(out)
	}
	if err != nil {
		panic("stats registry cannot be marshaled")
	}
	return b
}

// Append to the existing scope, scrubbing the separator from elements.
func (s *defaultStatsReceiver) scoped(scope ...string) []string {
	for i, sc := range scope {
		scope[i] = strings.Replace(sc, "/", "_", -1)
	}
	return append(s.scope[:len(s.scope):len(s.scope)], scope...)
}

func (s *defaultStatsReceiver) scopedName(name ...string) string {
	return strings.Join(s.scoped(name...), "/")
}

// NilStatsReceiver ignores all stats operations.
func NilStatsReceiver() StatsReceiver {
	return &nilStatsReceiver{}
}

type nilStatsReceiver struct{}

func (s *nilStatsReceiver) Scope(scope ...string) StatsReceiver { return s }
func (s *nilStatsReceiver) Counter(name ...string) Counter      { return &metricCounter{metrics.NilCounter{}} }
func (s *nilStatsReceiver) Gauge(name ...string) Gauge          { return &metricGauge{metrics.NilGauge{}} }
func (s *nilStatsReceiver) Latency(name ...string) Latency {
	return &metricLatency{Histogram: metrics.NilHistogram{}}
}
func (s *nilStatsReceiver) Render(pretty bool) []byte { return []byte("{}") }

// Minimally mirror the go-metrics instruments we use.

type Counter interface {
	Count() int64
	Inc(int64)
}
type metricCounter struct{ metrics.Counter }

type Gauge interface {
	Update(int64)
	Value() int64
}
type metricGauge struct{ metrics.Gauge }

// Latency records callsite latency into a histogram, in nanoseconds.
type Latency interface {
	Time() Latency // returns self
	Stop()
}
type metricLatency struct {
	metrics.Histogram
	start time.Time
}

func (l *metricLatency) Time() Latency { l.start = time.Now(); return l }
func (l *metricLatency) Stop()         { l.Update(time.Since(l.start).Nanoseconds()) }
