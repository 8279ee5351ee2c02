// Package cli wires the pretackler command line: the flag surface, config
// assembly and the end-to-end run.
package cli

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	clog "pretackler/common/log"
	"pretackler/common/stats"
	"pretackler/deepseek"
	"pretackler/idle"
	"pretackler/ingest"
	"pretackler/limit"
	"pretackler/probe"
	"pretackler/retry"
	"pretackler/sched"
)

// Config is the full flag surface. Timeout values are in seconds; zero means
// unbounded, and the long-channel overrides use -1 for "not set" (compute
// from the multiplier instead).
type Config struct {
	Input       string
	Version     string
	PromptPath  string
	Model       string
	Temperature float32
	TopK        uint

	ConcurrencyCeil int
	RateLimitRPS    float64
	RateLimitBPS    uint64

	ConnectTimeoutSecs uint64
	RequestTimeoutSecs uint64
	IdleTimeoutSecs    uint64

	SkipLargeFileSizeMB uint64
	SkipExts            []string

	LongFileBytesThreshold uint64
	LongFileLinesThreshold uint64
	LongChannelEnabled     bool
	LongTimeoutMultiplier  float64
	LongRequestTimeoutSecs int64
	LongIdleTimeoutSecs    int64
	AdaptiveIdleEnabled    bool

	Verbose     bool
	InjectFault string
}

type App struct {
	rootCmd *cobra.Command
	cfg     Config
}

func New() *App {
	app := &App{}
	app.rootCmd = &cobra.Command{
		Use:          "pretackler <input>",
		Short:        "pretackler streams per-file context summaries out of DeepSeek",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			app.cfg.Input = args[0]
			return app.run(cmd.Context())
		},
	}

	f := app.rootCmd.Flags()
	f.StringVar(&app.cfg.Version, "version", "v1", "version tag appended to output file names")
	f.StringVar(&app.cfg.PromptPath, "prompt", ingest.DefaultPromptFile, "prompt template file")
	f.StringVar(&app.cfg.Model, "model", deepseek.DefaultModel, "model name to invoke")
	f.Float32Var(&app.cfg.Temperature, "temperature", 0.65, "sampling temperature")
	f.UintVar(&app.cfg.TopK, "top-k", 1, "top-k sampling parameter")

	f.IntVar(&app.cfg.ConcurrencyCeil, "concurrency-ceil", 0, "concurrency ceiling; 0 estimates from host resources")
	f.Float64Var(&app.cfg.RateLimitRPS, "rate-limit-rps", 0, "requests per second cap; 0 disables")
	f.Uint64Var(&app.cfg.RateLimitBPS, "rate-limit-bytes-per-sec", 0, "bytes per second cap; 0 disables")

	f.Uint64Var(&app.cfg.ConnectTimeoutSecs, "connect-timeout", 15, "connect timeout in seconds")
	f.Uint64Var(&app.cfg.RequestTimeoutSecs, "request-timeout", 45, "overall request timeout in seconds; 0 is unbounded")
	f.Uint64Var(&app.cfg.IdleTimeoutSecs, "stream-idle-timeout", 30, "streaming idle timeout in seconds; 0 is unbounded")

	f.Uint64Var(&app.cfg.SkipLargeFileSizeMB, "skip-large-file-size-mb", 0, "skip files larger than this many MB; 0 disables")
	f.StringSliceVar(&app.cfg.SkipExts, "skip-ext", nil, "extensions to skip, comma separated, case insensitive")

	f.Uint64Var(&app.cfg.LongFileBytesThreshold, "long-file-bytes-threshold", 512<<10, "byte threshold for the long channel")
	f.Uint64Var(&app.cfg.LongFileLinesThreshold, "long-file-lines-threshold", 4000, "line threshold for the long channel")
	f.BoolVar(&app.cfg.LongChannelEnabled, "long-channel-enabled", true, "enable the long channel")
	f.Float64Var(&app.cfg.LongTimeoutMultiplier, "long-channel-timeout-multiplier", 5.0, "timeout multiplier for long-channel jobs")
	f.Int64Var(&app.cfg.LongRequestTimeoutSecs, "long-channel-request-timeout", -1, "long-channel request timeout in seconds; 0 unbounded, -1 uses the multiplier")
	f.Int64Var(&app.cfg.LongIdleTimeoutSecs, "long-channel-idle-timeout", -1, "long-channel idle timeout in seconds; 0 unbounded, -1 uses the multiplier")
	f.BoolVar(&app.cfg.AdaptiveIdleEnabled, "long-channel-adaptive-idle-enabled", true, "widen long-channel idle timeouts from the observed p95 gap")

	f.BoolVar(&app.cfg.Verbose, "verbose", false, "log wait/backoff/HTTP status/idle-timeout detail")
	f.StringVar(&app.cfg.InjectFault, "inject-fault", "", "test-only fault injection: 429|5xx|idle")

	return app
}

func (a *App) Execute() error {
	return a.rootCmd.Execute()
}

func (a *App) run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	clog.Setup(a.cfg.Verbose)

	apiKey, err := ingest.LoadAPIKey()
	if err != nil {
		return err
	}
	prompt, err := ingest.LoadPrompt(a.cfg.PromptPath)
	if err != nil {
		return err
	}
	fault, err := retry.ParseFault(a.cfg.InjectFault, retry.DefaultMaxAttempts)
	if err != nil {
		return err
	}
	if fault != nil {
		log.Warnf("fault injection enabled: %s", fault.Kind)
	}

	plan, err := ingest.Collect(ingest.Options{
		Input:              a.cfg.Input,
		Version:            a.cfg.Version,
		SkipLargerThanMB:   a.cfg.SkipLargeFileSizeMB,
		SkipExts:           a.cfg.SkipExts,
		LongBytesThreshold: a.cfg.LongFileBytesThreshold,
		LongLinesThreshold: a.cfg.LongFileLinesThreshold,
		LongChannelEnabled: a.cfg.LongChannelEnabled,
		RequestTimeout:     secs(a.cfg.RequestTimeoutSecs),
		IdleTimeout:        secs(a.cfg.IdleTimeoutSecs),
	})
	if err != nil {
		return err
	}
	if len(plan.Jobs) == 0 {
		log.Infof("no processable files under %s (skipped %d)", a.cfg.Input, plan.Skipped)
		return nil
	}

	workers := probe.New().EstimateConcurrency(ctx, a.cfg.ConcurrencyCeil, len(plan.Jobs))
	log.Infof("processing %d files (%d skipped) with %d workers, output root %s",
		len(plan.Jobs), plan.Skipped, workers, plan.OutputRoot)

	stat := stats.DefaultStatsReceiver().Scope("pretackler")
	runner := sched.NewJobRunner(
		deepseek.NewClient(apiKey, secs(a.cfg.ConnectTimeoutSecs)),
		limit.NewLimiter(a.cfg.RateLimitRPS, a.cfg.RateLimitBPS),
		idle.NewEstimator(idle.DefaultCapacity),
		stat,
		sched.RunnerConfig{
			Model:                 a.cfg.Model,
			Temperature:           a.cfg.Temperature,
			TopK:                  a.cfg.TopK,
			SystemPrompt:          prompt,
			MaxAttempts:           retry.DefaultMaxAttempts,
			Fault:                 fault,
			LongTimeoutMultiplier: a.cfg.LongTimeoutMultiplier,
			LongRequestTimeout:    optionalSecs(a.cfg.LongRequestTimeoutSecs),
			LongIdleTimeout:       optionalSecs(a.cfg.LongIdleTimeoutSecs),
			AdaptiveIdle:          a.cfg.AdaptiveIdleEnabled,
		})

	report := sched.NewScheduler(runner, workers, stat).Run(ctx, plan.Jobs)

	log.Infof("pretackler complete: %d of %d files summarized, %d failed, output root %s",
		report.Completed, report.Started, report.Failed, plan.OutputRoot)
	log.Debugf("run stats: %s", stat.Render(false))
	if report.Failed > 0 {
		return errors.Errorf("%d of %d jobs failed", report.Failed, report.Started)
	}
	return nil
}

func secs(s uint64) time.Duration {
	return time.Duration(s) * time.Second
}

// optionalSecs maps the -1/0/N flag convention onto the runner's pointer
// convention: nil for "not set", a zero duration for "unbounded".
func optionalSecs(s int64) *time.Duration {
	if s < 0 {
		return nil
	}
	d := time.Duration(s) * time.Second
	return &d
}
