package pipeline

import (
	"cmp"
	"slices"
)

// Count is one row of a distribution.
type Count struct {
	Label string `json:"label"`
	Count int    `json:"count"`
}

// Stats summarizes validated triage results.
type Stats struct {
	Total      int     `json:"total_emails"`
	Successful int     `json:"successful"`
	Failed     int     `json:"failed"`
	ByCategory []Count `json:"by_category"`
	ByUrgency  []Count `json:"by_urgency"`
}

// SuccessRate is the share of emails with a valid triage result, in percent.
func (s Stats) SuccessRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Successful) / float64(s.Total) * 100
}

// Percent is n as a share of successful emails, in percent.
func (s Stats) Percent(n int) float64 {
	if s.Successful == 0 {
		return 0
	}
	return float64(n) / float64(s.Successful) * 100
}

// Aggregate counts categories and urgencies over the validated results.
// Rejected results count toward Total and Failed only, so both
// distributions sum to Successful.
func Aggregate(results []EmailResult) Stats {
	categories := make(map[string]int)
	urgencies := make(map[string]int)

	var ok int
	for _, r := range results {
		if r.Triage == nil {
			continue
		}
		ok++
		categories[r.Triage.Category]++
		urgencies[r.Triage.Urgency]++
	}

	return Stats{
		Total:      len(results),
		Successful: ok,
		Failed:     len(results) - ok,
		ByCategory: sortedCounts(categories),
		ByUrgency:  sortedCounts(urgencies),
	}
}

// sortedCounts orders by count descending, then label, so reports are stable.
func sortedCounts(m map[string]int) []Count {
	out := make([]Count, 0, len(m))
	for label, n := range m {
		out = append(out, Count{Label: label, Count: n})
	}
	slices.SortFunc(out, func(a, b Count) int {
		if c := cmp.Compare(b.Count, a.Count); c != 0 {
			return c
		}
		return cmp.Compare(a.Label, b.Label)
	})
	return out
}
