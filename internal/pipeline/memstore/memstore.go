// Package memstore provides an in-memory implementation of pipeline.Store.
package memstore

import (
	"context"
	"slices"
	"sync"

	"github.com/linnemanlabs/briefing/internal/pipeline"
)

// Store holds runs in memory for the life of the process.
type Store struct {
	mu     sync.RWMutex
	runs   map[string]*pipeline.Run          // run ID -> run (without emails)
	emails map[string][]pipeline.EmailResult // run ID -> per-email outcomes in seq order
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		runs:   make(map[string]*pipeline.Run),
		emails: make(map[string][]pipeline.EmailResult),
	}
}

// Get retrieves a run by its ID with its email outcomes attached. Returns a copy.
func (s *Store) Get(_ context.Context, id string) (*pipeline.Run, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, false, nil
	}
	cp := *r
	cp.Signals = slices.Clone(r.Signals)
	cp.Emails = slices.Clone(s.emails[id])
	return &cp, true, nil
}

// Put stores a copy of the run. Email outcomes are kept separately, see AppendEmail.
func (s *Store) Put(_ context.Context, r *pipeline.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	cp.Signals = slices.Clone(r.Signals)
	cp.Emails = nil
	s.runs[r.ID] = &cp
	return nil
}

// AppendEmail stores one email outcome at position seq, replacing any
// outcome already recorded there.
func (s *Store) AppendEmail(_ context.Context, runID string, seq int, er *pipeline.EmailResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.emails[runID]
	if seq < len(list) {
		list[seq] = *er
		return nil
	}
	for len(list) < seq {
		list = append(list, pipeline.EmailResult{})
	}
	s.emails[runID] = append(list, *er)
	return nil
}
