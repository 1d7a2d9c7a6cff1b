package postgres

import (
	"context"
	"sync"
	"time"
)

type statsKey struct{}

// QueryStats tallies the queries issued under one context, split by
// pipeline stage.
type QueryStats struct {
	mu      sync.Mutex
	queries int
	errors  int
	elapsed time.Duration
	byStage map[string]int
}

// QuerySummary is a point-in-time copy of QueryStats.
type QuerySummary struct {
	Queries int
	Errors  int
	Elapsed time.Duration
	ByStage map[string]int
}

// WithQueryStats returns a context that collects QueryStats for every
// query traced under it.
func WithQueryStats(ctx context.Context) context.Context {
	return context.WithValue(ctx, statsKey{}, &QueryStats{byStage: make(map[string]int)})
}

// QueryStatsFrom returns the stats attached by WithQueryStats, or nil.
func QueryStatsFrom(ctx context.Context) *QueryStats {
	s, _ := ctx.Value(statsKey{}).(*QueryStats)
	return s
}

func (s *QueryStats) record(stage string, dur time.Duration, failed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries++
	s.elapsed += dur
	if failed {
		s.errors++
	}
	s.byStage[stage]++
}

// Summary copies the current totals.
func (s *QueryStats) Summary() QuerySummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	by := make(map[string]int, len(s.byStage))
	for k, v := range s.byStage {
		by[k] = v
	}
	return QuerySummary{
		Queries: s.queries,
		Errors:  s.errors,
		Elapsed: s.elapsed,
		ByStage: by,
	}
}
