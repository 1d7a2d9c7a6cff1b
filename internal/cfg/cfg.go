package cfg

import (
	"errors"
	"flag"
	"fmt"
	"math"
)

// PlaceholderAPIKey is the sample key shipped in .env.example; it is never valid.
const PlaceholderAPIKey = "sk-ant-your-key-here"

// Config adds briefing-specific configuration fields to the
// common cfg.Registerable and cfg.Validatable interfaces
type Config struct {
	Input           string
	Output          string
	ClaudeAPIKey    string
	TriageModel     string
	SynthesisModel  string
	MaxSignals      int
	CostPerRecord   float64
	DatabaseURL     string
	SlackWebhookURL string
	MetricsTextfile string
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Input, "input", "data/sample_emails.csv", "path to the CSV file of customer emails")
	fs.StringVar(&c.Output, "output", "reports/feedback_report.md", "path of the Markdown report to write")
	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "API key for accessing the Claude LLM provider (falls back to ANTHROPIC_API_KEY)")
	fs.StringVar(&c.TriageModel, "triage-model", "claude-3-5-haiku-latest", "Claude model used for triage and extraction")
	fs.StringVar(&c.SynthesisModel, "synthesis-model", "claude-3-5-haiku-latest", "Claude model used for the executive narrative")
	fs.IntVar(&c.MaxSignals, "max-signals", 5, "failure signals passed to synthesis (1..50)")
	fs.Float64Var(&c.CostPerRecord, "cost-per-record", 0.00025, "estimated USD cost per processed email")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory store)")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for the finished briefing")
	fs.StringVar(&c.MetricsTextfile, "metrics-textfile", "", "write Prometheus metrics to this file at exit (textfile collector format)")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	if c.Input == "" {
		errs = append(errs, errors.New("INPUT is required"))
	}
	if c.Output == "" {
		errs = append(errs, errors.New("OUTPUT is required"))
	}

	// Claude API key is required for LLM access
	switch c.ClaudeAPIKey {
	case "":
		errs = append(errs, errors.New("CLAUDE_API_KEY is required (or set ANTHROPIC_API_KEY)"))
	case PlaceholderAPIKey:
		errs = append(errs, errors.New("CLAUDE_API_KEY is still the .env.example placeholder"))
	}

	if c.TriageModel == "" {
		errs = append(errs, errors.New("TRIAGE_MODEL is required"))
	}
	if c.SynthesisModel == "" {
		errs = append(errs, errors.New("SYNTHESIS_MODEL is required"))
	}

	if c.MaxSignals <= 0 || c.MaxSignals > 50 {
		errs = append(errs, fmt.Errorf("invalid MAX_SIGNALS %d (must be 1..50)", c.MaxSignals))
	}

	if c.CostPerRecord < 0 || math.IsNaN(c.CostPerRecord) || math.IsInf(c.CostPerRecord, 0) {
		errs = append(errs, fmt.Errorf("invalid COST_PER_RECORD %v (must be a finite value >= 0)", c.CostPerRecord))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
