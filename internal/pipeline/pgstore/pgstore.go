// Package pgstore provides a PostgreSQL implementation of pipeline.Store.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/briefing/internal/pipeline"
)

const tracerName = "github.com/linnemanlabs/briefing/internal/pipeline/pgstore"

//go:embed schema.sql
var schema string

// Store persists runs in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema on pool and returns a ready Store. The caller owns the pool.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

const runColumns = `id, status, input, records, stats, signals, narrative, error,
	triage_model, synthesis_model, tokens_in, tokens_out, llm_calls, estimated_cost,
	started_at, completed_at, duration_s`

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func spanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// Get retrieves a run by ID with its email outcomes.
func (s *Store) Get(ctx context.Context, id string) (*pipeline.Run, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.Get", "SELECT")
	defer span.End()

	r, err := scanRun(s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM briefing_runs WHERE id = $1`, id))
	if err != nil {
		spanError(span, err)
		return nil, false, err
	}
	if r == nil {
		return nil, false, nil
	}

	if err := s.loadEmails(ctx, r); err != nil {
		spanError(span, err)
		return nil, false, err
	}
	return r, true, nil
}

// Put inserts or updates a run row. Email outcomes are written by AppendEmail.
func (s *Store) Put(ctx context.Context, r *pipeline.Run) error {
	ctx, span := startSpan(ctx, "pgstore.Put", "UPSERT")
	defer span.End()

	statsJSON, err := json.Marshal(r.Stats)
	if err != nil {
		return fmt.Errorf("marshal stats: %w", err)
	}
	signals := r.Signals
	if signals == nil {
		signals = []pipeline.FailureSignal{}
	}
	signalsJSON, err := json.Marshal(signals)
	if err != nil {
		return fmt.Errorf("marshal signals: %w", err)
	}

	var completedAt *time.Time
	if !r.CompletedAt.IsZero() {
		completedAt = &r.CompletedAt
	}

	_, err = s.pool.Exec(ctx, `INSERT INTO briefing_runs (`+runColumns+`)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
	ON CONFLICT (id) DO UPDATE SET
		status          = EXCLUDED.status,
		input           = EXCLUDED.input,
		records         = EXCLUDED.records,
		stats           = EXCLUDED.stats,
		signals         = EXCLUDED.signals,
		narrative       = EXCLUDED.narrative,
		error           = EXCLUDED.error,
		triage_model    = EXCLUDED.triage_model,
		synthesis_model = EXCLUDED.synthesis_model,
		tokens_in       = EXCLUDED.tokens_in,
		tokens_out      = EXCLUDED.tokens_out,
		llm_calls       = EXCLUDED.llm_calls,
		estimated_cost  = EXCLUDED.estimated_cost,
		completed_at    = EXCLUDED.completed_at,
		duration_s      = EXCLUDED.duration_s`,
		r.ID, string(r.Status), r.Input, r.Records, statsJSON, signalsJSON, r.Narrative, r.Error,
		r.TriageModel, r.SynthesisModel, r.TokensIn, r.TokensOut, r.LLMCalls, r.EstimatedCost,
		r.StartedAt, completedAt, r.Duration,
	)
	if err != nil {
		spanError(span, err)
		return fmt.Errorf("upsert run: %w", err)
	}
	return nil
}

// AppendEmail upserts the outcome of the email at position seq.
func (s *Store) AppendEmail(ctx context.Context, runID string, seq int, er *pipeline.EmailResult) error {
	ctx, span := startSpan(ctx, "pgstore.AppendEmail", "UPSERT")
	defer span.End()

	var category, urgency, summary *string
	if er.Triage != nil {
		category = &er.Triage.Category
		urgency = &er.Triage.Urgency
		summary = &er.Triage.Summary
	}

	var signalJSON []byte
	if er.Signal != nil {
		b, err := json.Marshal(er.Signal)
		if err != nil {
			return fmt.Errorf("marshal signal seq %d: %w", seq, err)
		}
		signalJSON = b
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO email_results (run_id, seq, email_id, category, urgency, summary, triage_error, signal, extract_error)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (run_id, seq) DO UPDATE SET
			email_id      = EXCLUDED.email_id,
			category      = EXCLUDED.category,
			urgency       = EXCLUDED.urgency,
			summary       = EXCLUDED.summary,
			triage_error  = EXCLUDED.triage_error,
			signal        = EXCLUDED.signal,
			extract_error = EXCLUDED.extract_error`,
		runID, seq, er.EmailID, category, urgency, summary, er.TriageError, signalJSON, er.ExtractError,
	)
	if err != nil {
		spanError(span, err)
		return fmt.Errorf("insert email_result seq %d: %w", seq, err)
	}
	return nil
}

// loadEmails reads email_results in seq order onto r.
func (s *Store) loadEmails(ctx context.Context, r *pipeline.Run) error {
	rows, err := s.pool.Query(ctx,
		`SELECT email_id, category, urgency, summary, triage_error, signal, extract_error
		 FROM email_results WHERE run_id = $1 ORDER BY seq`,
		r.ID,
	)
	if err != nil {
		return fmt.Errorf("query email_results: %w", err)
	}
	defer rows.Close()

	var out []pipeline.EmailResult
	for rows.Next() {
		var (
			er                         pipeline.EmailResult
			category, urgency, summary *string
			signalJSON                 []byte
		)
		if err := rows.Scan(&er.EmailID, &category, &urgency, &summary, &er.TriageError, &signalJSON, &er.ExtractError); err != nil {
			return fmt.Errorf("scan email_result: %w", err)
		}
		if category != nil && urgency != nil && summary != nil {
			er.Triage = &pipeline.TriageResult{
				EmailID:  er.EmailID,
				Category: *category,
				Urgency:  *urgency,
				Summary:  *summary,
			}
		}
		if len(signalJSON) > 0 {
			var sig pipeline.FailureSignal
			if err := json.Unmarshal(signalJSON, &sig); err != nil {
				return fmt.Errorf("unmarshal signal email %d: %w", er.EmailID, err)
			}
			er.Signal = &sig
		}
		out = append(out, er)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate email_results: %w", err)
	}

	r.Emails = out
	return nil
}

// scanRun scans a single briefing_runs row. Returns (nil, nil) when no row is found.
func scanRun(row pgx.Row) (*pipeline.Run, error) {
	var (
		r           pipeline.Run
		status      string
		statsJSON   []byte
		signalsJSON []byte
		completedAt *time.Time
	)

	err := row.Scan(
		&r.ID, &status, &r.Input, &r.Records, &statsJSON, &signalsJSON, &r.Narrative, &r.Error,
		&r.TriageModel, &r.SynthesisModel, &r.TokensIn, &r.TokensOut, &r.LLMCalls, &r.EstimatedCost,
		&r.StartedAt, &completedAt, &r.Duration,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan: %w", err)
	}

	r.Status = pipeline.Status(status)
	if completedAt != nil {
		r.CompletedAt = *completedAt
	}
	if err := json.Unmarshal(statsJSON, &r.Stats); err != nil {
		return nil, fmt.Errorf("unmarshal stats: %w", err)
	}
	if err := json.Unmarshal(signalsJSON, &r.Signals); err != nil {
		return nil, fmt.Errorf("unmarshal signals: %w", err)
	}
	if len(r.Signals) == 0 {
		r.Signals = nil
	}
	return &r, nil
}
