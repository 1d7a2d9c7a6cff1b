// Package report renders a finished pipeline run as a Markdown briefing.
package report

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/linnemanlabs/briefing/internal/pipeline"
)

// Title is the first line of every report.
const Title = "# Customer Feedback Intelligence Report"

const (
	separator   = "\n---\n\n"
	emptyCell   = "_none_"
	noNarrative = "_No executive summary available._"
	footer      = "*Generated by briefing, the customer feedback intelligence pipeline*"
)

// Render formats run as Markdown. The output depends only on run, so
// rendering the same run twice yields identical bytes.
func Render(run *pipeline.Run) string {
	var b strings.Builder

	b.WriteString(Title + "\n\n")
	fmt.Fprintf(&b, "**Generated:** %s\n", run.StartedAt.UTC().Format("2006-01-02 15:04 UTC"))
	fmt.Fprintf(&b, "**Total Emails Processed:** %d\n", run.Stats.Total)
	fmt.Fprintf(&b, "**Success Rate:** %s\n", pct(run.Stats.SuccessRate()))

	b.WriteString(separator)
	b.WriteString("## Executive Summary\n\n")
	narrative := strings.TrimSpace(run.Narrative)
	if narrative == "" {
		narrative = noNarrative
	}
	b.WriteString(narrative + "\n")

	b.WriteString(separator)
	b.WriteString("## Category Breakdown\n\n")
	b.WriteString(categoryTable(run.Stats) + "\n")

	b.WriteString(separator)
	b.WriteString("## Urgency Distribution\n\n")
	b.WriteString(urgencyTable(run.Stats) + "\n")

	b.WriteString(separator)
	b.WriteString("## High-Priority Failure Signals\n\n")
	b.WriteString(signalTable(run.Signals) + "\n")

	b.WriteString(separator)
	b.WriteString("## Pipeline Metadata\n\n")
	fmt.Fprintf(&b, "- **Triage Model:** %s\n", run.TriageModel)
	fmt.Fprintf(&b, "- **Synthesis Model:** %s\n", run.SynthesisModel)
	fmt.Fprintf(&b, "- **LLM Calls:** %d\n", run.LLMCalls)
	fmt.Fprintf(&b, "- **Tokens:** %d input / %d output\n", run.TokensIn, run.TokensOut)
	fmt.Fprintf(&b, "- **Estimated Cost:** $%.4f\n", run.EstimatedCost)
	fmt.Fprintf(&b, "- **Run ID:** %s\n", run.ID)

	b.WriteString(separator)
	b.WriteString(footer + "\n")

	return b.String()
}

func categoryTable(s pipeline.Stats) string {
	rows := make([]table.Row, 0, len(s.ByCategory))
	for _, c := range s.ByCategory {
		rows = append(rows, table.Row{c.Label, strconv.Itoa(c.Count), pct(s.Percent(c.Count))})
	}
	return markdownTable(table.Row{"Category", "Count", "Percentage"}, rows, alignRight(2, 3))
}

func urgencyTable(s pipeline.Stats) string {
	rows := make([]table.Row, 0, len(s.ByUrgency))
	for _, c := range s.ByUrgency {
		rows = append(rows, table.Row{c.Label, strconv.Itoa(c.Count)})
	}
	return markdownTable(table.Row{"Urgency", "Count"}, rows, alignRight(2))
}

func signalTable(signals []pipeline.FailureSignal) string {
	rows := make([]table.Row, 0, len(signals))
	for _, fs := range signals {
		rows = append(rows, table.Row{fs.FailureType, fs.CustomerImpact, fs.FrequencySignal})
	}
	return markdownTable(table.Row{"Failure Type", "Customer Impact", "Frequency"}, rows, nil)
}

// markdownTable renders a GitHub-flavoured table. An empty body gets a
// single row of placeholder cells so the table still parses.
func markdownTable(header table.Row, rows []table.Row, cfgs []table.ColumnConfig) string {
	tw := table.NewWriter()
	tw.Style().Format.Header = text.FormatDefault
	tw.AppendHeader(header)
	if len(rows) == 0 {
		empty := make(table.Row, len(header))
		for i := range empty {
			empty[i] = emptyCell
		}
		rows = []table.Row{empty}
	}
	tw.AppendRows(rows)
	if len(cfgs) > 0 {
		tw.SetColumnConfigs(cfgs)
	}
	return tw.RenderMarkdown()
}

func alignRight(columns ...int) []table.ColumnConfig {
	out := make([]table.ColumnConfig, 0, len(columns))
	for _, n := range columns {
		out = append(out, table.ColumnConfig{Number: n, Align: text.AlignRight})
	}
	return out
}

func pct(v float64) string {
	return fmt.Sprintf("%.1f%%", v)
}
