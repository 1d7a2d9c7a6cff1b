package pipeline

import "context"

// Store is the persistence interface for pipeline runs.
type Store interface {
	Get(ctx context.Context, id string) (*Run, bool, error)
	Put(ctx context.Context, run *Run) error
	AppendEmail(ctx context.Context, runID string, seq int, result *EmailResult) error
}
