package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/briefing/internal/email"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
)

// ErrNoRecords is returned when there is nothing to triage.
var ErrNoRecords = errors.New("no email records to process")

// DefaultCostPerRecord is the flat per-email estimate used in reports.
const DefaultCostPerRecord = 0.00025

const progressEvery = 5

// Pipeline runs Triage, Extract, Aggregate and Synthesize over one batch
// and records the run in its store.
type Pipeline struct {
	store         Store
	engine        *Engine
	logger        log.Logger
	metrics       *Metrics
	costPerRecord float64
	now           func() time.Time
}

// New creates a new pipeline. metrics may be nil.
func New(store Store, engine *Engine, logger log.Logger, metrics *Metrics, costPerRecord float64) *Pipeline {
	if store == nil {
		panic(xerrors.New("run store is required"))
	}
	if engine == nil {
		panic(xerrors.New("engine is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Pipeline{
		store:         store,
		engine:        engine,
		logger:        logger,
		metrics:       metrics,
		costPerRecord: costPerRecord,
		now:           time.Now,
	}
}

// Get retrieves a run by ID.
func (p *Pipeline) Get(ctx context.Context, id string) (*Run, bool, error) {
	return p.store.Get(ctx, id)
}

// Run processes records in order. Rejected model output excludes a record
// from aggregation; a provider error fails the whole run. The returned Run
// is non-nil whenever the run was started, including on failure.
func (p *Pipeline) Run(ctx context.Context, input string, records []email.Record) (*Run, error) {
	if len(records) == 0 {
		return nil, ErrNoRecords
	}

	cfg := p.engine.Config()
	run := &Run{
		ID:             ulid.Make().String(),
		Status:         StatusRunning,
		Input:          input,
		Records:        len(records),
		TriageModel:    cfg.TriageModel,
		SynthesisModel: cfg.SynthesisModel,
		StartedAt:      p.now(),
	}

	ctx = WithRunID(ctx, run.ID)
	ctx, span := otel.Tracer(tracerName).Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("briefing.run.id", run.ID),
		attribute.Int("briefing.run.records", run.Records),
	))
	defer span.End()

	L := p.logger.With("run_id", run.ID)

	if err := p.store.Put(ctx, run); err != nil {
		return nil, fmt.Errorf("persist run: %w", err)
	}

	// triage every record, persisting each outcome as it lands
	L.Info(ctx, "stage started", "stage", StageTriage, "records", len(records))
	triageCtx := WithStage(ctx, StageTriage)
	run.Emails = make([]EmailResult, 0, len(records))
	for i, rec := range records {
		tr, usage, err := p.engine.Triage(triageCtx, rec)
		if err != nil && !errors.Is(err, ErrInvalidOutput) {
			return p.fail(triageCtx, span, run, fmt.Errorf("triage email %d: %w", rec.ID, err))
		}
		run.addUsage(usage)
		run.LLMCalls++

		er := EmailResult{EmailID: rec.ID}
		if err != nil {
			er.TriageError = err.Error()
			p.countEmail("rejected")
		} else {
			er.Triage = tr
			p.countEmail("accepted")
		}
		run.Emails = append(run.Emails, er)
		p.persistEmail(triageCtx, L, run.ID, i, &run.Emails[i])

		if (i+1)%progressEvery == 0 {
			L.Info(ctx, "triage progress", "processed", i+1, "total", len(records))
		}
	}

	// extract failure signals from high urgency emails only
	var high int
	extractCtx := WithStage(ctx, StageExtract)
	for i := range run.Emails {
		er := &run.Emails[i]
		if er.Triage == nil || er.Triage.Urgency != UrgencyHigh {
			continue
		}
		high++

		sig, usage, err := p.engine.Extract(extractCtx, records[i])
		if err != nil && !errors.Is(err, ErrInvalidOutput) {
			return p.fail(extractCtx, span, run, fmt.Errorf("extract email %d: %w", records[i].ID, err))
		}
		run.addUsage(usage)
		run.LLMCalls++
		if err != nil {
			er.ExtractError = err.Error()
		} else {
			er.Signal = sig
			run.Signals = append(run.Signals, *sig)
		}
		p.persistEmail(extractCtx, L, run.ID, i, er)
	}
	L.Info(ctx, "stage complete", "stage", StageExtract, "high_priority", high, "signals", len(run.Signals))

	run.Stats = Aggregate(run.Emails)
	L.Info(ctx, "aggregated",
		"total", run.Stats.Total,
		"successful", run.Stats.Successful,
		"failed", run.Stats.Failed,
	)

	synthCtx := WithStage(ctx, StageSynthesize)
	narrative, usage, err := p.engine.Synthesize(synthCtx, run.Stats, run.Signals)
	if err != nil {
		return p.fail(synthCtx, span, run, fmt.Errorf("synthesize: %w", err))
	}
	run.addUsage(usage)
	run.LLMCalls++
	run.Narrative = narrative

	p.finish(ctx, span, run, StatusComplete)

	L.Info(ctx, "run complete",
		"duration", run.Duration,
		"tokens_in", run.TokensIn,
		"tokens_out", run.TokensOut,
		"llm_calls", run.LLMCalls,
		"estimated_cost", run.EstimatedCost,
	)
	return run, nil
}

func (p *Pipeline) fail(ctx context.Context, span trace.Span, run *Run, err error) (*Run, error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	run.Error = err.Error()
	p.finish(ctx, span, run, StatusFailed)
	return run, err
}

// finish stamps the terminal status and saves it. The save runs detached
// from ctx cancellation so an interrupted run is still recorded as failed.
func (p *Pipeline) finish(ctx context.Context, span trace.Span, run *Run, status Status) {
	run.Status = status
	run.CompletedAt = p.now()
	run.Duration = run.CompletedAt.Sub(run.StartedAt).Seconds()
	run.EstimatedCost = float64(run.Records) * p.costPerRecord

	saveCtx := context.WithoutCancel(ctx)
	if err := p.store.Put(saveCtx, run); err != nil {
		p.logger.Error(saveCtx, err, "failed to persist run result", "run_id", run.ID, "status", status)
	}
	p.observeRun(run)

	span.SetAttributes(
		attribute.String("briefing.run.status", string(run.Status)),
		attribute.Int("briefing.run.tokens_in", run.TokensIn),
		attribute.Int("briefing.run.tokens_out", run.TokensOut),
	)
}

// persistEmail stores one email outcome. Store errors are logged, not fatal.
func (p *Pipeline) persistEmail(ctx context.Context, L log.Logger, runID string, seq int, er *EmailResult) {
	if err := p.store.AppendEmail(ctx, runID, seq, er); err != nil {
		L.Error(ctx, err, "failed to persist email result", "email_id", er.EmailID, "seq", seq)
	}
}

func (p *Pipeline) countEmail(outcome string) {
	if p.metrics != nil {
		p.metrics.EmailsTotal.WithLabelValues(outcome).Inc()
	}
}

func (p *Pipeline) observeRun(run *Run) {
	if p.metrics != nil {
		p.metrics.ObserveRun(run)
	}
}
