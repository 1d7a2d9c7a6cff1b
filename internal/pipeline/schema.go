package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var (
	// ErrNoJSON means the model reply contained no JSON object.
	ErrNoJSON = errors.New("no json object in response")

	// ErrInvalidOutput wraps every schema rejection. Records failing with it
	// are excluded from aggregation rather than ending the run.
	ErrInvalidOutput = errors.New("invalid model output")
)

// Allowed values for the triage schema.
var (
	Categories = []string{"Billing", "Technical", "Feature Request", "Refund", "General"}
	Urgencies  = []string{UrgencyHigh, UrgencyMedium, UrgencyLow}
)

const (
	UrgencyHigh   = "High"
	UrgencyMedium = "Medium"
	UrgencyLow    = "Low"
)

// Allowed values for the failure signal schema.
var (
	Frequencies = []string{"first time", "recurring", "unspecified"}
	Tones       = []string{"frustrated", "angry", "neutral", "satisfied"}
)

type triageWire struct {
	Category *string `json:"category"`
	Urgency  *string `json:"urgency"`
	Summary  *string `json:"one_line_summary"`
}

type signalWire struct {
	FailureType     *string `json:"failure_type"`
	CustomerImpact  *string `json:"customer_impact"`
	FrequencySignal *string `json:"frequency_signal"`
	EmotionalTone   *string `json:"emotional_tone"`
}

// ExtractJSON returns the span from the first '{' to the last '}' in text.
// Models often wrap their JSON in prose or code fences; this strips both.
func ExtractJSON(text string) ([]byte, error) {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end < start {
		return nil, ErrNoJSON
	}
	return []byte(text[start : end+1]), nil
}

// DecodeTriage validates a triage reply and returns the normalized result.
func DecodeTriage(emailID int, text string) (*TriageResult, error) {
	var w triageWire
	if err := decode(text, &w); err != nil {
		return nil, err
	}

	category, err := oneOf("category", titleCase(w.Category), Categories)
	if err != nil {
		return nil, err
	}
	urgency, err := oneOf("urgency", titleCase(w.Urgency), Urgencies)
	if err != nil {
		return nil, err
	}
	summary, err := required("one_line_summary", w.Summary)
	if err != nil {
		return nil, err
	}

	return &TriageResult{
		EmailID:  emailID,
		Category: category,
		Urgency:  urgency,
		Summary:  summary,
	}, nil
}

// DecodeSignal validates an extraction reply and returns the normalized signal.
func DecodeSignal(emailID int, text string) (*FailureSignal, error) {
	var w signalWire
	if err := decode(text, &w); err != nil {
		return nil, err
	}

	failureType, err := required("failure_type", w.FailureType)
	if err != nil {
		return nil, err
	}
	impact, err := required("customer_impact", w.CustomerImpact)
	if err != nil {
		return nil, err
	}
	freq, err := oneOf("frequency_signal", lowerCase(w.FrequencySignal), Frequencies)
	if err != nil {
		return nil, err
	}
	tone, err := oneOf("emotional_tone", lowerCase(w.EmotionalTone), Tones)
	if err != nil {
		return nil, err
	}

	return &FailureSignal{
		EmailID:         emailID,
		FailureType:     failureType,
		CustomerImpact:  impact,
		FrequencySignal: freq,
		EmotionalTone:   tone,
	}, nil
}

// RejectReason maps a decode error to a short metric label.
func RejectReason(err error) string {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	switch {
	case errors.Is(err, ErrNoJSON):
		return "no_json"
	case errors.As(err, &syntaxErr), errors.As(err, &typeErr):
		return "malformed_json"
	default:
		return "schema"
	}
}

func decode(text string, v any) error {
	raw, err := ExtractJSON(text)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidOutput, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: decode: %w", ErrInvalidOutput, err)
	}
	return nil
}

func required(field string, v *string) (string, error) {
	if v == nil {
		return "", fmt.Errorf("%w: missing %s", ErrInvalidOutput, field)
	}
	s := strings.TrimSpace(*v)
	if s == "" {
		return "", fmt.Errorf("%w: empty %s", ErrInvalidOutput, field)
	}
	return s, nil
}

func oneOf(field string, v *string, allowed []string) (string, error) {
	s, err := required(field, v)
	if err != nil {
		return "", err
	}
	if !slices.Contains(allowed, s) {
		return "", fmt.Errorf("%w: %s %q not in %v", ErrInvalidOutput, field, s, allowed)
	}
	return s, nil
}

func titleCase(v *string) *string {
	if v == nil {
		return nil
	}
	s := cases.Title(language.English).String(strings.ToLower(trimQuotes(*v)))
	return &s
}

func lowerCase(v *string) *string {
	if v == nil {
		return nil
	}
	s := strings.ToLower(trimQuotes(*v))
	return &s
}

func trimQuotes(s string) string {
	return strings.Trim(strings.TrimSpace(s), `'"`)
}
