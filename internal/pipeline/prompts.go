package pipeline

import (
	"encoding/json"
	"fmt"

	"github.com/linnemanlabs/briefing/internal/email"
)

const triageSystemPrompt = `You are a customer feedback analyst.
Classify the email into ONE category: [Billing, Technical, Feature Request, Refund, General].
Assign urgency: [High, Medium, Low].

Rules:
- HIGH urgency: customer mentions outage, data loss, legal threat, or time-critical issue
- Respond ONLY in this JSON format. No other text.

{
  "category": "<category>",
  "urgency": "<High | Medium | Low>",
  "one_line_summary": "<max 15 words>"
}`

const extractSystemPrompt = `You are a root-cause analyst.
Extract the specific product failure from this feedback.
Respond ONLY in JSON.

{
  "failure_type": "<specific system or feature that failed>",
  "customer_impact": "<what the customer could not do>",
  "frequency_signal": "<'first time' | 'recurring' | 'unspecified'>",
  "emotional_tone": "<frustrated | angry | neutral | satisfied>"
}`

const synthesisSystemPrompt = `You are a COO preparing a weekly feedback briefing.
Base ALL conclusions on the provided statistics.
Do not invent trends.
Use plain language.
Highlight top 3 actionable insights.
Keep the executive summary to 3 paragraphs max.`

// buildTriagePrompt is the user message for the triage call. Only the
// email body is classified; sender and subject stay out of the prompt.
func buildTriagePrompt(rec email.Record) string {
	return "Classify: " + rec.Text
}

func buildExtractPrompt(rec email.Record) string {
	return rec.Text
}

// buildSynthesisPrompt summarizes the aggregate for the narrative call.
// Only the first maxSignals failure signals are included.
func buildSynthesisPrompt(stats Stats, signals []FailureSignal, maxSignals int) string {
	if len(signals) > maxSignals {
		signals = signals[:maxSignals]
	}
	if signals == nil {
		signals = []FailureSignal{}
	}

	byCategory, _ := json.MarshalIndent(countMap(stats.ByCategory), "", "  ")
	byUrgency, _ := json.MarshalIndent(countMap(stats.ByUrgency), "", "  ")
	top, _ := json.MarshalIndent(signals, "", "  ")

	return fmt.Sprintf(`Total emails analyzed: %d
Success rate: %.1f%%

Category breakdown:
%s

Urgency breakdown:
%s

Top failure signals from high-priority emails:
%s
`,
		stats.Total,
		stats.SuccessRate(),
		string(byCategory),
		string(byUrgency),
		string(top),
	)
}

func countMap(counts []Count) map[string]int {
	m := make(map[string]int, len(counts))
	for _, c := range counts {
		m[c.Label] = c.Count
	}
	return m
}
