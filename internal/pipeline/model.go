package pipeline

import "time"

// Status tracks where a run is in its lifecycle.
type Status string

const (
	// StatusRunning means stages are still executing
	StatusRunning Status = "running"

	// StatusComplete means the narrative was produced
	StatusComplete Status = "complete"

	// StatusFailed means a provider error ended the run
	StatusFailed Status = "failed"
)

// Stage names one LLM-backed step of the pipeline.
type Stage string

const (
	StageTriage     Stage = "triage"
	StageExtract    Stage = "extract"
	StageSynthesize Stage = "synthesize"
)

// TriageResult is the validated classification of one email.
type TriageResult struct {
	EmailID  int    `json:"email_id"`
	Category string `json:"category"`
	Urgency  string `json:"urgency"`
	Summary  string `json:"one_line_summary"`
}

// FailureSignal is the validated root-cause extraction for one email.
type FailureSignal struct {
	EmailID         int    `json:"email_id"`
	FailureType     string `json:"failure_type"`
	CustomerImpact  string `json:"customer_impact"`
	FrequencySignal string `json:"frequency_signal"`
	EmotionalTone   string `json:"emotional_tone"`
}

// EmailResult records what the pipeline made of one email. Triage is nil
// when the classification was rejected; Signal is nil unless the email was
// high urgency and its extraction validated.
type EmailResult struct {
	EmailID      int            `json:"email_id"`
	Triage       *TriageResult  `json:"triage,omitempty"`
	TriageError  string         `json:"triage_error,omitempty"`
	Signal       *FailureSignal `json:"signal,omitempty"`
	ExtractError string         `json:"extract_error,omitempty"`
}

// Run is the outcome of one pipeline invocation.
type Run struct {
	ID             string          `json:"id"`
	Status         Status          `json:"status"`
	Input          string          `json:"input"`
	Records        int             `json:"records"`
	Stats          Stats           `json:"stats"`
	Signals        []FailureSignal `json:"signals,omitempty"`
	Narrative      string          `json:"narrative,omitempty"`
	Error          string          `json:"error,omitempty"`
	TriageModel    string          `json:"triage_model"`
	SynthesisModel string          `json:"synthesis_model"`
	TokensIn       int             `json:"tokens_in"`
	TokensOut      int             `json:"tokens_out"`
	LLMCalls       int             `json:"llm_calls"`
	EstimatedCost  float64         `json:"estimated_cost"`
	StartedAt      time.Time       `json:"started_at"`
	CompletedAt    time.Time       `json:"completed_at,omitempty"`
	Duration       float64         `json:"duration_seconds,omitempty"`
	Emails         []EmailResult   `json:"emails,omitempty"`
}

func (r *Run) addUsage(u Usage) {
	total := Usage{InputTokens: r.TokensIn, OutputTokens: r.TokensOut}.Add(u)
	r.TokensIn, r.TokensOut = total.InputTokens, total.OutputTokens
}
