// internal/pipeline/engine.go
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/briefing/internal/email"
	"github.com/linnemanlabs/go-core/log"
)

const tracerName = "github.com/linnemanlabs/briefing/internal/pipeline"

const (
	TriageTokens     = 128
	ExtractTokens    = 128
	SynthesisTokens  = 1024
	DefaultMaxSignal = 5
)

// Outcomes reported to EngineHooks.OnLLMCall.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// EngineHooks are optional callbacks fired by the engine, used for metrics.
// OnLLMCall fires for every provider call; token counts are zero when
// outcome is OutcomeError.
type EngineHooks struct {
	OnLLMCall  func(stage Stage, outcome string, inputTokens, outputTokens int, duration float64)
	OnRejected func(stage Stage, reason string)
}

// EngineConfig selects models and prompt limits.
type EngineConfig struct {
	TriageModel    string
	SynthesisModel string
	// MaxSignals caps how many failure signals are quoted to the synthesis call.
	MaxSignals int
}

// Engine performs the single-shot LLM calls of the pipeline. It holds no
// per-run state.
type Engine struct {
	provider Provider
	cfg      EngineConfig
	logger   log.Logger
	hooks    EngineHooks
}

// NewEngine creates a new engine with the given dependencies.
func NewEngine(provider Provider, cfg EngineConfig, logger log.Logger, hooks EngineHooks) *Engine {
	if logger == nil {
		logger = log.Nop()
	}
	if cfg.MaxSignals <= 0 {
		cfg.MaxSignals = DefaultMaxSignal
	}
	return &Engine{
		provider: provider,
		cfg:      cfg,
		logger:   logger,
		hooks:    hooks,
	}
}

// Config returns the engine's effective configuration.
func (e *Engine) Config() EngineConfig { return e.cfg }

// Triage classifies one email. A reply that fails the triage schema returns
// an error wrapping ErrInvalidOutput; any other error comes from the provider.
func (e *Engine) Triage(ctx context.Context, rec email.Record) (*TriageResult, Usage, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "pipeline.triage", trace.WithAttributes(
		attribute.Int("briefing.email.id", rec.ID),
	))
	defer span.End()

	resp, err := e.call(ctx, StageTriage, &LLMRequest{
		Model:     e.cfg.TriageModel,
		MaxTokens: TriageTokens,
		System:    triageSystemPrompt,
		Messages:  userText(buildTriagePrompt(rec)),
	})
	if err != nil {
		return nil, Usage{}, err
	}

	tr, err := DecodeTriage(rec.ID, resp.Text())
	if err != nil {
		e.reject(ctx, span, StageTriage, rec.ID, err)
		return nil, resp.Usage, err
	}

	span.SetAttributes(
		attribute.String("briefing.triage.category", tr.Category),
		attribute.String("briefing.triage.urgency", tr.Urgency),
	)
	return tr, resp.Usage, nil
}

// Extract pulls the failure signal out of one email.
func (e *Engine) Extract(ctx context.Context, rec email.Record) (*FailureSignal, Usage, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "pipeline.extract", trace.WithAttributes(
		attribute.Int("briefing.email.id", rec.ID),
	))
	defer span.End()

	resp, err := e.call(ctx, StageExtract, &LLMRequest{
		Model:     e.cfg.TriageModel,
		MaxTokens: ExtractTokens,
		System:    extractSystemPrompt,
		Messages:  userText(buildExtractPrompt(rec)),
	})
	if err != nil {
		return nil, Usage{}, err
	}

	sig, err := DecodeSignal(rec.ID, resp.Text())
	if err != nil {
		e.reject(ctx, span, StageExtract, rec.ID, err)
		return nil, resp.Usage, err
	}
	return sig, resp.Usage, nil
}

// Synthesize writes the executive narrative from aggregated statistics.
func (e *Engine) Synthesize(ctx context.Context, stats Stats, signals []FailureSignal) (string, Usage, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "pipeline.synthesize", trace.WithAttributes(
		attribute.Int("briefing.stats.total", stats.Total),
		attribute.Int("briefing.stats.successful", stats.Successful),
		attribute.Int("briefing.signals", len(signals)),
	))
	defer span.End()

	resp, err := e.call(ctx, StageSynthesize, &LLMRequest{
		Model:     e.cfg.SynthesisModel,
		MaxTokens: SynthesisTokens,
		System:    synthesisSystemPrompt,
		Messages:  userText(buildSynthesisPrompt(stats, signals, e.cfg.MaxSignals)),
	})
	if err != nil {
		return "", Usage{}, err
	}

	text := resp.Text()
	if text == "" {
		err := errors.New("synthesis returned no text")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", resp.Usage, err
	}
	if resp.StopReason == StopMaxTokens {
		e.logger.Warn(ctx, "synthesis truncated at token limit", "max_tokens", SynthesisTokens)
	}
	return text, resp.Usage, nil
}

// call sends one request to the provider inside an llm.call span.
func (e *Engine) call(ctx context.Context, stage Stage, req *LLMRequest) (*LLMResponse, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "llm.call", trace.WithAttributes(
		attribute.String("gen_ai.operation.name", "llm.call"),
		attribute.String("gen_ai.request.model", req.Model),
		attribute.Int("gen_ai.request.max_tokens", req.MaxTokens),
		attribute.String("briefing.stage", string(stage)),
	))
	defer span.End()

	start := time.Now()
	resp, err := e.provider.Send(ctx, req)
	dur := time.Since(start).Seconds()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.Error(ctx, err, "llm call failed", "stage", stage, "model", req.Model)
		e.observeCall(stage, OutcomeError, Usage{}, dur)
		return nil, fmt.Errorf("%s llm call: %w", stage, err)
	}

	span.SetAttributes(
		attribute.String("gen_ai.response.model", resp.Model),
		attribute.String("gen_ai.response.finish_reason", string(resp.StopReason)),
		attribute.Int("gen_ai.usage.input_tokens", resp.Usage.InputTokens),
		attribute.Int("gen_ai.usage.output_tokens", resp.Usage.OutputTokens),
	)

	e.observeCall(stage, OutcomeOK, resp.Usage, dur)
	return resp, nil
}

func (e *Engine) observeCall(stage Stage, outcome string, u Usage, dur float64) {
	if e.hooks.OnLLMCall != nil {
		e.hooks.OnLLMCall(stage, outcome, u.InputTokens, u.OutputTokens, dur)
	}
}

func (e *Engine) reject(ctx context.Context, span trace.Span, stage Stage, emailID int, err error) {
	reason := RejectReason(err)
	span.AddEvent("output.rejected", trace.WithAttributes(
		attribute.String("briefing.reject.reason", reason),
	))
	e.logger.Warn(ctx, "model output rejected",
		"stage", stage,
		"email_id", emailID,
		"reason", reason,
		"error", err,
	)
	if e.hooks.OnRejected != nil {
		e.hooks.OnRejected(stage, reason)
	}
}
