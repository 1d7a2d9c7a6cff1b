package postgres

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/briefing/internal/pipeline"
	"github.com/linnemanlabs/go-core/log"
)

// StageNone labels queries issued outside any pipeline stage, such as
// schema setup and the run status writes made between stages.
const StageNone = "none"

// Query outcomes reported to a QueryObserver.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// QueryLabels attribute one query to the run and stage that issued it.
type QueryLabels struct {
	RunID     string
	Stage     string
	Operation string
}

// QueryObserver receives every finished query (wired by main for Prometheus).
type QueryObserver interface {
	ObserveQuery(ctx context.Context, labels QueryLabels, outcome string, dur time.Duration)
}

// QueryObserverFunc adapts a plain function to QueryObserver.
type QueryObserverFunc func(ctx context.Context, labels QueryLabels, outcome string, dur time.Duration)

// ObserveQuery implements QueryObserver.
func (f QueryObserverFunc) ObserveQuery(ctx context.Context, labels QueryLabels, outcome string, dur time.Duration) {
	f(ctx, labels, outcome, dur)
}

type inflightKey struct{}

// inflight carries one query from TraceQueryStart to TraceQueryEnd.
type inflight struct {
	labels    QueryLabels
	statement string
	argc      int
	began     time.Time
}

// runTracer chains an inner pgx tracer (otelpgx) and attributes each query
// to the pipeline run on its context.
type runTracer struct {
	inner    pgx.QueryTracer
	observer QueryObserver
	now      func() time.Time
}

func newRunTracer(inner pgx.QueryTracer, observer QueryObserver) *runTracer {
	return &runTracer{inner: inner, observer: observer, now: time.Now}
}

// labelsFrom reads the run id and stage that pipeline.Run put on ctx.
func labelsFrom(ctx context.Context, sql string) QueryLabels {
	stage := string(pipeline.StageFromContext(ctx))
	if stage == "" {
		stage = StageNone
	}
	return QueryLabels{
		RunID:     pipeline.RunIDFromContext(ctx),
		Stage:     stage,
		Operation: statementVerb(sql),
	}
}

// statementVerb is the leading SQL keyword, upper-cased, or UNKNOWN.
func statementVerb(sql string) string {
	for _, line := range strings.Split(sql, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "--") {
			continue
		}
		verb, _, _ := strings.Cut(line, " ")
		return strings.ToUpper(strings.TrimRight(verb, ";("))
	}
	return "UNKNOWN"
}

func (t *runTracer) TraceQueryStart(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	q := &inflight{
		labels:    labelsFrom(ctx, data.SQL),
		statement: data.SQL,
		argc:      len(data.Args),
		began:     t.now(),
	}

	if t.inner != nil {
		ctx = t.inner.TraceQueryStart(ctx, conn, data)
	}

	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.SetAttributes(attribute.String("briefing.stage", q.labels.Stage))
		if q.labels.RunID != "" {
			span.SetAttributes(attribute.String("briefing.run.id", q.labels.RunID))
		}
	}
	return context.WithValue(ctx, inflightKey{}, q)
}

func (t *runTracer) TraceQueryEnd(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryEndData) {
	if t.inner != nil {
		t.inner.TraceQueryEnd(ctx, conn, data)
	}

	q, ok := ctx.Value(inflightKey{}).(*inflight)
	if !ok {
		return
	}
	dur := t.now().Sub(q.began)

	outcome := OutcomeOK
	if data.Err != nil {
		outcome = OutcomeError
	}

	if s := QueryStatsFrom(ctx); s != nil {
		s.record(q.labels.Stage, dur, data.Err != nil)
	}
	if t.observer != nil {
		t.observer.ObserveQuery(ctx, q.labels, outcome, dur)
	}

	kv := []any{
		"stage", q.labels.Stage,
		"db.operation", q.labels.Operation,
		"db.args", q.argc,
		"db.duration", dur.Seconds(),
	}
	if q.labels.RunID != "" {
		kv = append(kv, "run_id", q.labels.RunID)
	}

	L := log.FromContext(ctx)
	if data.Err == nil {
		L.Debug(ctx, "db query", append(kv, "db.rows", data.CommandTag.RowsAffected())...)
		return
	}

	kv = append(kv, "db.statement", q.statement)
	var pgErr *pgconn.PgError
	if errors.As(data.Err, &pgErr) {
		kv = append(kv, "pg.code", pgErr.Code, "pg.constraint", pgErr.ConstraintName)
	}
	L.Error(ctx, data.Err, "db query failed", kv...)
}
