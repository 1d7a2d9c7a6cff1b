package pgstore_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/linnemanlabs/briefing/internal/pipeline"
	"github.com/linnemanlabs/briefing/internal/pipeline/pgstore"
	"github.com/linnemanlabs/briefing/internal/postgres"
)

func openStore(t *testing.T) *pgstore.Store {
	t.Helper()
	dsn := os.Getenv("BRIEFING_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("BRIEFING_TEST_DATABASE_URL not set, skipping integration test")
	}
	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, dsn, nil)
	if err != nil {
		t.Fatalf("postgres.NewPool: %v", err)
	}
	t.Cleanup(pool.Close)

	s, err := pgstore.New(ctx, pool)
	if err != nil {
		t.Fatalf("pgstore.New: %v", err)
	}
	return s
}

func TestPutAndGet(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	now := time.Now().Truncate(time.Microsecond).UTC()
	r := &pipeline.Run{
		ID:     "test-put-get-001",
		Status: pipeline.StatusComplete,
		Input:  "data/sample_emails.csv",
		Stats: pipeline.Stats{
			Total:      3,
			Successful: 2,
			Failed:     1,
			ByCategory: []pipeline.Count{{Label: "Billing", Count: 2}},
			ByUrgency:  []pipeline.Count{{Label: "High", Count: 1}, {Label: "Low", Count: 1}},
		},
		Signals: []pipeline.FailureSignal{{
			EmailID:         7,
			FailureType:     "double charge",
			CustomerImpact:  "billed twice",
			FrequencySignal: "first time",
			EmotionalTone:   "angry",
		}},
		Records:        3,
		Narrative:      "Billing dominates.",
		TriageModel:    "claude-3-5-haiku-latest",
		SynthesisModel: "claude-3-5-haiku-latest",
		TokensIn:       300,
		TokensOut:      120,
		LLMCalls:       5,
		EstimatedCost:  0.00075,
		StartedAt:      now,
		CompletedAt:    now.Add(2 * time.Second),
		Duration:       2,
	}

	if err := s.Put(ctx, r); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, ok, err := s.Get(ctx, r.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("Get returned ok=false, want true")
	}

	assertEqual(t, "Status", string(r.Status), string(got.Status))
	assertEqual(t, "Input", r.Input, got.Input)
	assertEqual(t, "Records", r.Records, got.Records)
	assertEqual(t, "Narrative", r.Narrative, got.Narrative)
	assertEqual(t, "TokensIn", r.TokensIn, got.TokensIn)
	assertEqual(t, "TokensOut", r.TokensOut, got.TokensOut)
	assertEqual(t, "LLMCalls", r.LLMCalls, got.LLMCalls)
	assertEqual(t, "EstimatedCost", r.EstimatedCost, got.EstimatedCost)
	assertEqual(t, "Duration", r.Duration, got.Duration)

	if !got.StartedAt.Equal(r.StartedAt) {
		t.Errorf("StartedAt: got %v, want %v", got.StartedAt, r.StartedAt)
	}
	if !got.CompletedAt.Equal(r.CompletedAt) {
		t.Errorf("CompletedAt: got %v, want %v", got.CompletedAt, r.CompletedAt)
	}
	if diff := cmp.Diff(r.Stats, got.Stats); diff != "" {
		t.Errorf("Stats mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(r.Signals, got.Signals); diff != "" {
		t.Errorf("Signals mismatch (-want +got):\n%s", diff)
	}
}

func TestGetMissing(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "nonexistent-id")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Error("Get returned ok=true for nonexistent ID")
	}
}

func TestUpsert(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	now := time.Now().Truncate(time.Microsecond).UTC()
	r := &pipeline.Run{
		ID:        "test-upsert-001",
		Status:    pipeline.StatusRunning,
		Records:   4,
		StartedAt: now,
	}
	if err := s.Put(ctx, r); err != nil {
		t.Fatalf("Put initial: %v", err)
	}

	got, _, err := s.Get(ctx, r.ID)
	if err != nil {
		t.Fatalf("Get running: %v", err)
	}
	if !got.CompletedAt.IsZero() {
		t.Errorf("CompletedAt = %v, want zero for running run", got.CompletedAt)
	}

	r.Status = pipeline.StatusFailed
	r.Error = "triage llm call: upstream 529"
	r.CompletedAt = now.Add(time.Minute)
	r.Duration = 60.0
	r.LLMCalls = 2

	if err := s.Put(ctx, r); err != nil {
		t.Fatalf("Put update: %v", err)
	}

	got, ok, err := s.Get(ctx, r.ID)
	if err != nil {
		t.Fatalf("Get after upsert: %v", err)
	}
	if !ok {
		t.Fatal("Get returned ok=false after upsert")
	}

	assertEqual(t, "Status", string(pipeline.StatusFailed), string(got.Status))
	assertEqual(t, "Error", r.Error, got.Error)
	assertEqual(t, "Duration", 60.0, got.Duration)
	assertEqual(t, "LLMCalls", 2, got.LLMCalls)
	if got.Signals != nil {
		t.Errorf("Signals = %v, want nil", got.Signals)
	}
}

func TestAppendEmailRoundTrip(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	r := &pipeline.Run{
		ID:        "test-emails-001",
		Status:    pipeline.StatusRunning,
		StartedAt: time.Now().Truncate(time.Microsecond).UTC(),
	}
	if err := s.Put(ctx, r); err != nil {
		t.Fatalf("Put: %v", err)
	}

	emails := []pipeline.EmailResult{
		{
			EmailID: 1,
			Triage:  &pipeline.TriageResult{EmailID: 1, Category: "Technical", Urgency: "High", Summary: "app crashes"},
			Signal: &pipeline.FailureSignal{
				EmailID:         1,
				FailureType:     "crash on login",
				CustomerImpact:  "cannot use app",
				FrequencySignal: "recurring",
				EmotionalTone:   "frustrated",
			},
		},
		{EmailID: 2, TriageError: "invalid model output: urgency \"Critical\" not allowed"},
		{
			EmailID: 3,
			Triage:  &pipeline.TriageResult{EmailID: 3, Category: "General", Urgency: "Low", Summary: "thanks"},
		},
	}
	for seq := range emails {
		if err := s.AppendEmail(ctx, r.ID, seq, &emails[seq]); err != nil {
			t.Fatalf("AppendEmail seq %d: %v", seq, err)
		}
	}

	// Replacing a seq overwrites instead of appending.
	if err := s.AppendEmail(ctx, r.ID, 2, &emails[2]); err != nil {
		t.Fatalf("AppendEmail replace: %v", err)
	}

	got, ok, err := s.Get(ctx, r.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("Get returned ok=false")
	}
	if diff := cmp.Diff(emails, got.Emails); diff != "" {
		t.Errorf("Emails mismatch (-want +got):\n%s", diff)
	}
}

func assertEqual[T comparable](t *testing.T, field string, want, got T) {
	t.Helper()
	if want != got {
		t.Errorf("%s: got %v, want %v", field, got, want)
	}
}
