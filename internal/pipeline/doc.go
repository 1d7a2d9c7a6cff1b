// Package pipeline provides the business boundary for the feedback briefing.
// It defines the Pipeline (run lifecycle, linear stage flow), Engine (pure LLM
// calls for triage, extraction and synthesis), the output schema contract,
// the Store interface (persistence), and domain models.
package pipeline
