package pipeline

import "context"

type ctxKey int

const (
	ctxKeyRunID ctxKey = iota
	ctxKeyStage
)

// WithRunID returns a context carrying the id of the run being processed.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyRunID, id)
}

// RunIDFromContext returns the run id set by WithRunID, or "".
func RunIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRunID).(string)
	return id
}

// WithStage returns a context tagged with the pipeline stage doing the work.
func WithStage(ctx context.Context, stage Stage) context.Context {
	return context.WithValue(ctx, ctxKeyStage, stage)
}

// StageFromContext returns the stage set by WithStage, or "".
func StageFromContext(ctx context.Context) Stage {
	s, _ := ctx.Value(ctxKeyStage).(Stage)
	return s
}
