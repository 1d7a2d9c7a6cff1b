// Package slack posts finished briefings to Slack via incoming webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"time"
	"unicode/utf8"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/briefing/internal/pipeline"
)

const (
	maxNarrativeLen = 3000
	httpTimeout     = 10 * time.Second
)

// Notifier sends run briefings to a Slack webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger
}

// New creates a new Slack notifier. If webhookURL is empty, Send is a no-op.
func New(webhookURL string, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
		logger:     logger,
	}
}

// Send posts a run summary to the configured Slack webhook.
// If no webhook URL is configured, it returns nil immediately.
func (n *Notifier) Send(ctx context.Context, run *pipeline.Run) error {
	if n.webhookURL == "" {
		return nil
	}

	msg := buildMessage(run)

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}

	n.logger.Info(ctx, "briefing posted to slack", "run_id", run.ID)
	return nil
}

func buildMessage(r *pipeline.Run) map[string]any {
	return map[string]any{
		"blocks": []map[string]any{
			headerBlock(r),
			{"type": "divider"},
			fieldsBlock(r),
			{"type": "divider"},
			narrativeBlock(r),
			{"type": "divider"},
			contextBlock(r),
		},
	}
}

func headerBlock(r *pipeline.Run) map[string]any {
	emoji := briefingEmoji(r.Status, len(r.Signals))
	title := "Feedback Briefing"
	if r.Status == pipeline.StatusFailed {
		title = "Feedback Briefing Failed"
	}
	text := fmt.Sprintf("%s %s: %d emails", emoji, title, r.Records)

	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": text,
		},
	}
}

func fieldsBlock(r *pipeline.Run) map[string]any {
	fields := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Status:* %s", r.Status),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Success rate:* %.1f%%", r.Stats.SuccessRate()),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Emails:* %d processed, %d rejected", r.Stats.Total, r.Stats.Failed),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*High-priority signals:* %d", len(r.Signals)),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Model:* %s", shortModel(r.SynthesisModel)),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Tokens:* %d in / %d out", r.TokensIn, r.TokensOut),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Est. cost:* $%.4f", r.EstimatedCost),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Duration:* %.1fs", r.Duration),
		},
	}

	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

func narrativeBlock(r *pipeline.Run) map[string]any {
	text := truncate(r.Narrative, maxNarrativeLen)
	if text == "" {
		text = "_No executive summary available._"
		if r.Error != "" {
			text = fmt.Sprintf("_Run failed:_ %s", truncate(r.Error, maxNarrativeLen))
		}
	}

	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Executive Summary*\n\n%s", text),
		},
	}
}

func contextBlock(r *pipeline.Run) map[string]any {
	ts := r.CompletedAt
	if ts.IsZero() {
		ts = r.StartedAt
	}

	elements := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("briefing • run %s • %s", r.ID, ts.UTC().Format("2006-01-02 15:04 UTC")),
		},
	}

	return map[string]any{
		"type":     "context",
		"elements": elements,
	}
}

func briefingEmoji(status pipeline.Status, signals int) string {
	switch {
	case status == pipeline.StatusFailed:
		return "\U0001f534" // red circle
	case signals > 0:
		return "\U0001f7e1" // yellow circle
	default:
		return "\U0001f7e2" // green circle
	}
}

// dateModelRe matches model names ending with a YYYYMMDD date suffix.
var dateModelRe = regexp.MustCompile(`-\d{8}$`)

func shortModel(model string) string {
	return dateModelRe.ReplaceAllString(model, "")
}

// truncate cuts s to at most limit bytes on a rune boundary.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit - 3
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
