// Briefing turns a CSV export of customer emails into an executive
// feedback report using Claude for triage, extraction and synthesis.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/linnemanlabs/go-core/cfg"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/otelx"
	v "github.com/linnemanlabs/go-core/version"

	"github.com/prometheus/client_golang/prometheus"

	bc "github.com/linnemanlabs/briefing/internal/cfg"
	"github.com/linnemanlabs/briefing/internal/email"
	"github.com/linnemanlabs/briefing/internal/llm/claude"
	"github.com/linnemanlabs/briefing/internal/notify/slack"
	"github.com/linnemanlabs/briefing/internal/pipeline"
	"github.com/linnemanlabs/briefing/internal/pipeline/memstore"
	"github.com/linnemanlabs/briefing/internal/pipeline/pgstore"
	"github.com/linnemanlabs/briefing/internal/postgres"
	"github.com/linnemanlabs/briefing/internal/report"
)

const appName = "briefing"
const component = "cli"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal error:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Set app name and component
	v.AppName = appName
	v.Component = component

	// Get build/version info
	vi := v.Get()

	// each package registers its own flags and options struct
	var (
		appCfg   bc.Config
		logCfg   log.Config
		traceCfg otelx.Config
	)

	appCfg.RegisterFlags(flag.CommandLine)
	logCfg.RegisterFlags(flag.CommandLine)
	traceCfg.RegisterFlags(flag.CommandLine)
	var showVersion bool
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")

	// parse flags to get config values from cmdline, we check env vars next which do not override cmdline flags
	flag.Parse()
	if showVersion {
		fmt.Printf(
			"%s (%s) %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Component, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		return nil
	}

	// .env only fills variables that are not already set in the environment
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "ignoring .env: %v\n", err)
	}

	// Fill in config values from environment variables with prefix BRIEFING_,
	// these do not override cmdline flags
	cfg.FillFromEnv(flag.CommandLine, "BRIEFING_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})
	applyAPIKeyFallback(&appCfg, os.Getenv)

	if err := errors.Join(
		appCfg.Validate(),
		logCfg.Validate(),
		traceCfg.Validate(),
	); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	// initialize logger early
	lg, err := log.New(logCfg.ToOptions(v.AppName))
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = lg.Sync() }()

	L := lg.With("component", vi.Component)
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildId,
		"go_version", vi.GoVersion,
		"input", appCfg.Input,
		"output", appCfg.Output,
		"triage_model", appCfg.TriageModel,
		"synthesis_model", appCfg.SynthesisModel,
		"max_signals", appCfg.MaxSignals,
		"enable_tracing", traceCfg.EnableTracing,
		"otlp_endpoint", traceCfg.OTLPEndpoint,
		"slack_enabled", appCfg.SlackWebhookURL != "",
		"metrics_textfile", appCfg.MetricsTextfile,
	)

	// Setup otel for tracing
	traceOpts := traceCfg.ToOptions()
	traceOpts.Service = v.AppName
	traceOpts.Component = v.Component
	traceOpts.Version = v.Version

	shutdownOtelx, err := otelx.Init(ctx, traceOpts)
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	if shutdownOtelx != nil {
		defer func() { _ = shutdownOtelx(context.Background()) }()
	}

	// Pipeline metrics live on a private registry that is flushed to a
	// textfile at exit when configured.
	reg := prometheus.NewRegistry()
	pipelineMetrics := pipeline.NewMetrics(reg)

	dbQueryDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "briefing_db_query_duration_seconds",
		Help:    "Duration of individual database queries.",
		Buckets: prometheus.DefBuckets,
	}, []string{"stage", "operation", "outcome"})
	reg.MustRegister(dbQueryDuration)

	queryObserver := postgres.QueryObserverFunc(
		func(_ context.Context, q postgres.QueryLabels, outcome string, dur time.Duration) {
			dbQueryDuration.WithLabelValues(q.Stage, q.Operation, outcome).Observe(dur.Seconds())
		},
	)

	if appCfg.MetricsTextfile != "" {
		defer func() {
			if err := writeMetrics(appCfg.MetricsTextfile, reg); err != nil {
				L.Error(ctx, err, "write metrics textfile failed", "path", appCfg.MetricsTextfile)
			}
		}()
	}

	// Initialize the run store
	var store pipeline.Store
	if appCfg.DatabaseURL != "" {
		pool, err := postgres.NewPool(ctx, appCfg.DatabaseURL, queryObserver)
		if err != nil {
			return fmt.Errorf("postgres pool: %w", err)
		}
		defer pool.Close()
		pgStore, err := pgstore.New(ctx, pool)
		if err != nil {
			return fmt.Errorf("pgstore init: %w", err)
		}
		store = pgStore
		L.Info(ctx, "using postgres store")
	} else {
		store = memstore.New()
		L.Info(ctx, "using in-memory store (no database-url configured)")
	}

	records, err := email.ReadFile(appCfg.Input)
	if err != nil {
		return fmt.Errorf("load emails: %w", err)
	}
	L.Info(ctx, "loaded emails", "path", appCfg.Input, "records", len(records))

	provider := claude.New(appCfg.ClaudeAPIKey, appCfg.TriageModel)
	L.Info(ctx, "initialized LLM provider", "provider", "claude")

	engine := pipeline.NewEngine(provider, pipeline.EngineConfig{
		TriageModel:    appCfg.TriageModel,
		SynthesisModel: appCfg.SynthesisModel,
		MaxSignals:     appCfg.MaxSignals,
	}, L, pipelineMetrics.Hooks())

	var notifier *slack.Notifier
	if appCfg.SlackWebhookURL != "" {
		notifier = slack.New(appCfg.SlackWebhookURL, L)
		L.Info(ctx, "notifier enabled", "type", "slack")
	}

	p := pipeline.New(store, engine, L, pipelineMetrics, appCfg.CostPerRecord)

	runCtx := postgres.WithQueryStats(ctx)
	result, runErr := p.Run(runCtx, appCfg.Input, records)
	logDBStats(runCtx, L, appCfg.DatabaseURL != "")

	if runErr == nil {
		if err := writeReport(appCfg.Output, report.Render(result)); err != nil {
			return fmt.Errorf("write report: %w", err)
		}
		L.Info(ctx, "report written",
			"path", appCfg.Output,
			"run_id", result.ID,
			"success_rate", result.Stats.SuccessRate(),
			"signals", len(result.Signals),
			"estimated_cost", result.EstimatedCost,
		)
	}

	// A failed post never fails the run; the report is already on disk.
	if notifier != nil && result != nil {
		if err := notifier.Send(ctx, result); err != nil {
			L.Error(ctx, err, "slack notification failed", "run_id", result.ID)
		}
	}

	if runErr != nil {
		return fmt.Errorf("pipeline run: %w", runErr)
	}
	return nil
}

// applyAPIKeyFallback fills the Claude key from ANTHROPIC_API_KEY when
// neither the flag nor BRIEFING_CLAUDE_API_KEY set it.
func applyAPIKeyFallback(c *bc.Config, getenv func(string) string) {
	if c.ClaudeAPIKey != "" {
		return
	}
	c.ClaudeAPIKey = getenv("ANTHROPIC_API_KEY")
}

// writeReport writes content to path, creating parent directories.
func writeReport(path, content string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create report dir: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil { //nolint:gosec // G306: reports are meant to be shared
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// writeMetrics dumps g in node_exporter textfile format.
func writeMetrics(path string, g prometheus.Gatherer) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create metrics dir: %w", err)
		}
	}
	return prometheus.WriteToTextfile(path, g)
}

func logDBStats(ctx context.Context, logger log.Logger, enabled bool) {
	if !enabled {
		return
	}
	s := postgres.QueryStatsFrom(ctx)
	if s == nil {
		return
	}
	sum := s.Summary()
	logger.Info(ctx, "db usage",
		"db.queries", sum.Queries,
		"db.duration", sum.Elapsed.Seconds(),
		"db.errors", sum.Errors,
		"db.by_stage", sum.ByStage,
	)
}
