package sched

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pretackler/common/stats"
	"pretackler/deepseek"
	"pretackler/idle"
	"pretackler/limit"
	"pretackler/retry"
)

func stubRetrySleep(t *testing.T) *[]time.Duration {
	t.Helper()
	var delays []time.Duration
	old := retry.Sleep
	retry.Sleep = func(d time.Duration) { delays = append(delays, d) }
	t.Cleanup(func() { retry.Sleep = old })
	return &delays
}

func sseFrame(delta string) string {
	payload, _ := json.Marshal(map[string]interface{}{
		"choices": []interface{}{
			map[string]interface{}{"delta": map[string]string{"content": delta}},
		},
	})
	return fmt.Sprintf("data: %s\n", payload)
}

func sseBody(deltas ...string) string {
	var b strings.Builder
	for _, d := range deltas {
		b.WriteString(sseFrame(d))
	}
	b.WriteString("data: [DONE]\n")
	return b.String()
}

func testRunner(t *testing.T, serverURL string, cfg RunnerConfig) *JobRunner {
	t.Helper()
	if cfg.Model == "" {
		cfg.Model = deepseek.DefaultModel
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = "summarize"
	}
	client := deepseek.NewClient("test-key", time.Second).WithEndpoint(serverURL)
	return NewJobRunner(client, limit.NewLimiter(0, 0), idle.NewEstimator(16), stats.NilStatsReceiver(), cfg)
}

func testJob(t *testing.T, class Class) Job {
	t.Helper()
	dir := t.TempDir()
	source := filepath.Join(dir, "input.go")
	require.NoError(t, os.WriteFile(source, []byte("package main\n"), 0666))
	return Job{
		ID:             "job-1",
		SourcePath:     source,
		DestPath:       filepath.Join(dir, "input.go.summary.v1.md"),
		Language:       "Go",
		Class:          class,
		RequestTimeout: 10 * time.Second,
		IdleTimeout:    5 * time.Second,
	}
}

func requireNoStaging(t *testing.T, destDir string) {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(destDir, "*.staging.*"))
	require.NoError(t, err)
	require.Empty(t, matches)
}

func TestRunCommitsStreamedDeltas(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req deepseek.Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.True(t, req.Stream)
		require.Len(t, req.Messages, 2)
		fmt.Fprint(w, sseBody("The ", "summary ", "text."))
	}))
	defer server.Close()

	runner := testRunner(t, server.URL, RunnerConfig{})
	job := testJob(t, ClassNormal)

	written, err := runner.Run(context.Background(), job)
	require.NoError(t, err)
	require.Equal(t, int64(len("The summary text.")), written)

	content, err := os.ReadFile(job.DestPath)
	require.NoError(t, err)
	require.Equal(t, "The summary text.", string(content))
	requireNoStaging(t, filepath.Dir(job.DestPath))
}

func TestRunSkipsMalformedFrames(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, sseFrame("good "))
		fmt.Fprint(w, "data: {not valid json\n")
		fmt.Fprint(w, sseFrame("still good"))
		fmt.Fprint(w, "data: [DONE]\n")
	}))
	defer server.Close()

	runner := testRunner(t, server.URL, RunnerConfig{})
	job := testJob(t, ClassNormal)

	_, err := runner.Run(context.Background(), job)
	require.NoError(t, err)

	content, err := os.ReadFile(job.DestPath)
	require.NoError(t, err)
	require.Equal(t, "good still good", string(content))
}

func TestRunRetriesOn429ThenSucceeds(t *testing.T) {
	delays := stubRetrySleep(t)

	var requests int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&requests, 1) <= 2 {
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, sseBody("finally"))
	}))
	defer server.Close()

	runner := testRunner(t, server.URL, RunnerConfig{})
	job := testJob(t, ClassNormal)

	_, err := runner.Run(context.Background(), job)
	require.NoError(t, err)
	require.EqualValues(t, 3, atomic.LoadInt32(&requests))
	require.Len(t, *delays, 2)
	require.GreaterOrEqual(t, (*delays)[1], (*delays)[0])

	content, err := os.ReadFile(job.DestPath)
	require.NoError(t, err)
	require.Equal(t, "finally", string(content))
	requireNoStaging(t, filepath.Dir(job.DestPath))
}

func TestRunTerminalOnOther4xx(t *testing.T) {
	var requests int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		http.Error(w, "no such model", http.StatusNotFound)
	}))
	defer server.Close()

	runner := testRunner(t, server.URL, RunnerConfig{})
	job := testJob(t, ClassNormal)

	_, err := runner.Run(context.Background(), job)
	require.Error(t, err)
	require.Contains(t, err.Error(), "404")
	require.EqualValues(t, 1, atomic.LoadInt32(&requests), "4xx other than 429 must not retry")

	_, statErr := os.Stat(job.DestPath)
	require.True(t, os.IsNotExist(statErr))
	requireNoStaging(t, filepath.Dir(job.DestPath))
}

func TestRunRetriesOnIdleStall(t *testing.T) {
	stubRetrySleep(t)

	var requests int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&requests, 1) == 1 {
			// first attempt: one delta then stall past the idle bound
			flusher := w.(http.Flusher)
			fmt.Fprint(w, sseFrame("stalling"))
			flusher.Flush()
			select {
			case <-r.Context().Done():
			case <-time.After(5 * time.Second):
			}
			return
		}
		fmt.Fprint(w, sseBody("clean run"))
	}))
	defer server.Close()

	runner := testRunner(t, server.URL, RunnerConfig{})
	job := testJob(t, ClassNormal)
	job.IdleTimeout = 100 * time.Millisecond

	_, err := runner.Run(context.Background(), job)
	require.NoError(t, err)
	require.EqualValues(t, 2, atomic.LoadInt32(&requests))

	content, err := os.ReadFile(job.DestPath)
	require.NoError(t, err)
	require.Equal(t, "clean run", string(content))
	requireNoStaging(t, filepath.Dir(job.DestPath))
}

func TestRunExhaustedIdleStallsLeaveNothingBehind(t *testing.T) {
	stubRetrySleep(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		fmt.Fprint(w, sseFrame("partial"))
		flusher.Flush()
		<-r.Context().Done()
	}))
	defer server.Close()

	runner := testRunner(t, server.URL, RunnerConfig{MaxAttempts: 2})
	job := testJob(t, ClassNormal)
	job.IdleTimeout = 50 * time.Millisecond

	_, err := runner.Run(context.Background(), job)
	require.Error(t, err)
	require.ErrorIs(t, err, retry.ErrIdleTimeout)

	_, statErr := os.Stat(job.DestPath)
	require.True(t, os.IsNotExist(statErr))
	requireNoStaging(t, filepath.Dir(job.DestPath))
}

func TestRunMissingSourceIsTerminal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request should be issued for an unreadable source")
	}))
	defer server.Close()

	runner := testRunner(t, server.URL, RunnerConfig{})
	job := testJob(t, ClassNormal)
	job.SourcePath = filepath.Join(t.TempDir(), "gone.go")

	_, err := runner.Run(context.Background(), job)
	require.Error(t, err)
	require.False(t, retry.Retryable(err))
}

func TestEffectiveTimeouts(t *testing.T) {
	est := idle.NewEstimator(16)
	unbounded := time.Duration(0)
	override := 7 * time.Second

	cases := []struct {
		name        string
		job         Job
		cfg         RunnerConfig
		wantRequest time.Duration
		wantIdle    time.Duration
	}{
		{
			name:        "normal class uses base values",
			job:         Job{Class: ClassNormal, RequestTimeout: 45 * time.Second, IdleTimeout: 30 * time.Second},
			cfg:         RunnerConfig{LongTimeoutMultiplier: 5},
			wantRequest: 45 * time.Second,
			wantIdle:    30 * time.Second,
		},
		{
			name:        "long class scales by multiplier",
			job:         Job{Class: ClassLong, RequestTimeout: 45 * time.Second, IdleTimeout: 30 * time.Second},
			cfg:         RunnerConfig{LongTimeoutMultiplier: 5},
			wantRequest: 225 * time.Second,
			wantIdle:    150 * time.Second,
		},
		{
			name:        "explicit overrides win over multiplier",
			job:         Job{Class: ClassLong, RequestTimeout: 45 * time.Second, IdleTimeout: 30 * time.Second},
			cfg:         RunnerConfig{LongTimeoutMultiplier: 5, LongRequestTimeout: &override, LongIdleTimeout: &override},
			wantRequest: override,
			wantIdle:    override,
		},
		{
			name:        "zero override means unbounded",
			job:         Job{Class: ClassLong, RequestTimeout: 45 * time.Second, IdleTimeout: 30 * time.Second},
			cfg:         RunnerConfig{LongTimeoutMultiplier: 5, LongRequestTimeout: &unbounded, LongIdleTimeout: &unbounded},
			wantRequest: 0,
			wantIdle:    0,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			r := NewJobRunner(nil, nil, est, nil, c.cfg)
			gotRequest, gotIdle := r.effectiveTimeouts(c.job)
			require.Equal(t, c.wantRequest, gotRequest)
			require.Equal(t, c.wantIdle, gotIdle)
		})
	}
}

func TestEffectiveTimeoutsAdaptiveWidening(t *testing.T) {
	est := idle.NewEstimator(16)
	est.Observe(10 * time.Second)

	job := Job{Class: ClassLong, RequestTimeout: 45 * time.Second, IdleTimeout: time.Second}
	r := NewJobRunner(nil, nil, est, nil, RunnerConfig{LongTimeoutMultiplier: 5, AdaptiveIdle: true})

	_, gotIdle := r.effectiveTimeouts(job)
	require.Equal(t, 12*time.Second, gotIdle) // ceil(p95 * 1.2)
	require.GreaterOrEqual(t, gotIdle, 5*time.Second)
}
