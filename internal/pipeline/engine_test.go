package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/linnemanlabs/briefing/internal/email"
	"github.com/linnemanlabs/go-core/log"
)

const testModel = "claude-3-5-haiku-latest"

// mockProvider returns preconfigured responses in sequence and records requests.
type mockProvider struct {
	mu        sync.Mutex
	responses []*LLMResponse
	errs      []error
	requests  []*LLMRequest
	callIdx   int
}

func (m *mockProvider) Send(_ context.Context, req *LLMRequest) (*LLMResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := m.callIdx
	m.callIdx++
	m.requests = append(m.requests, req)

	if idx < len(m.errs) && m.errs[idx] != nil {
		return nil, m.errs[idx]
	}
	if idx < len(m.responses) {
		return m.responses[idx], nil
	}
	// fallback: plain narrative
	return textResponse("fallback"), nil
}

func textResponse(text string) *LLMResponse {
	return &LLMResponse{
		Content:    []ContentBlock{{Type: "text", Text: text}},
		StopReason: StopEnd,
		Usage:      Usage{InputTokens: 10, OutputTokens: 5},
		Model:      testModel,
	}
}

func testEngine(p Provider, hooks EngineHooks) *Engine {
	return NewEngine(p, EngineConfig{TriageModel: testModel, SynthesisModel: testModel}, log.Nop(), hooks)
}

func testRecord(id int, text string) email.Record {
	return email.Record{ID: id, Row: id, Text: text}
}

func TestTriage_Valid(t *testing.T) {
	t.Parallel()

	provider := &mockProvider{responses: []*LLMResponse{
		textResponse(`{"category":"Billing","urgency":"High","one_line_summary":"Charged twice"}`),
	}}
	engine := testEngine(provider, EngineHooks{})

	tr, usage, err := engine.Triage(context.Background(), testRecord(3, "I was charged twice"))
	if err != nil {
		t.Fatalf("Triage: %v", err)
	}
	if tr.EmailID != 3 || tr.Category != "Billing" || tr.Urgency != UrgencyHigh {
		t.Errorf("result = %+v", tr)
	}
	if usage.InputTokens != 10 || usage.OutputTokens != 5 {
		t.Errorf("usage = %+v, want 10/5", usage)
	}

	req := provider.requests[0]
	if req.Model != testModel {
		t.Errorf("model = %q, want %q", req.Model, testModel)
	}
	if req.MaxTokens != TriageTokens {
		t.Errorf("max tokens = %d, want %d", req.MaxTokens, TriageTokens)
	}
	if req.Temperature != 0 {
		t.Errorf("temperature = %v, want 0", req.Temperature)
	}
	if req.System != triageSystemPrompt {
		t.Error("expected triage system prompt")
	}
	if got := req.Messages[0].Content[0].Text; got != "Classify: I was charged twice" {
		t.Errorf("prompt = %q", got)
	}
}

func TestTriage_RejectedOutputKeepsUsage(t *testing.T) {
	t.Parallel()

	var rejected []string
	provider := &mockProvider{responses: []*LLMResponse{textResponse("I think this is billing related.")}}
	engine := testEngine(provider, EngineHooks{
		OnRejected: func(stage Stage, reason string) {
			rejected = append(rejected, string(stage)+":"+reason)
		},
	})

	tr, usage, err := engine.Triage(context.Background(), testRecord(1, "hello"))
	if !errors.Is(err, ErrInvalidOutput) {
		t.Fatalf("err = %v, want ErrInvalidOutput", err)
	}
	if tr != nil {
		t.Errorf("result = %+v, want nil", tr)
	}
	if usage.InputTokens != 10 {
		t.Errorf("usage = %+v, want tokens of the rejected call", usage)
	}
	if len(rejected) != 1 || rejected[0] != "triage:no_json" {
		t.Errorf("rejected hooks = %v, want [triage:no_json]", rejected)
	}
}

func TestTriage_ProviderError(t *testing.T) {
	t.Parallel()

	provider := &mockProvider{errs: []error{errors.New("connection reset")}}
	engine := testEngine(provider, EngineHooks{})

	_, _, err := engine.Triage(context.Background(), testRecord(1, "hello"))
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, ErrInvalidOutput) {
		t.Error("provider error must not be treated as a rejection")
	}
	if !strings.Contains(err.Error(), "connection reset") {
		t.Errorf("err = %q, want provider message", err)
	}
}

func TestTriage_PromptIsEmailTextOnly(t *testing.T) {
	t.Parallel()

	provider := &mockProvider{}
	engine := testEngine(provider, EngineHooks{})

	rec := email.Record{ID: 1, Sender: "ops@example.com", Subject: "Invoice", Text: "wrong amount"}
	_, _, _ = engine.Triage(context.Background(), rec)

	got := provider.requests[0].Messages[0].Content[0].Text
	if got != "Classify: wrong amount" {
		t.Errorf("prompt = %q, want %q", got, "Classify: wrong amount")
	}
}

func TestExtract_Valid(t *testing.T) {
	t.Parallel()

	provider := &mockProvider{responses: []*LLMResponse{
		textResponse("```json\n" + `{"failure_type":"Login","customer_impact":"Could not sign in","frequency_signal":"Recurring","emotional_tone":"Angry"}` + "\n```"),
	}}
	engine := testEngine(provider, EngineHooks{})

	sig, _, err := engine.Extract(context.Background(), testRecord(9, "login broken again"))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if sig.EmailID != 9 || sig.FrequencySignal != "recurring" || sig.EmotionalTone != "angry" {
		t.Errorf("signal = %+v", sig)
	}
	req := provider.requests[0]
	if req.System != extractSystemPrompt {
		t.Error("expected extract system prompt")
	}
	if req.Messages[0].Content[0].Text != "login broken again" {
		t.Errorf("prompt = %q", req.Messages[0].Content[0].Text)
	}
}

func TestSynthesize(t *testing.T) {
	t.Parallel()

	provider := &mockProvider{responses: []*LLMResponse{textResponse("Billing dominates this week.")}}
	engine := NewEngine(provider, EngineConfig{
		TriageModel:    "triage-model",
		SynthesisModel: "synthesis-model",
		MaxSignals:     1,
	}, log.Nop(), EngineHooks{})

	stats := Stats{
		Total: 4, Successful: 2, Failed: 2,
		ByCategory: []Count{{Label: "Billing", Count: 2}},
		ByUrgency:  []Count{{Label: "High", Count: 2}},
	}
	signals := []FailureSignal{
		{EmailID: 1, FailureType: "Checkout"},
		{EmailID: 2, FailureType: "Invoices"},
	}

	text, _, err := engine.Synthesize(context.Background(), stats, signals)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if text != "Billing dominates this week." {
		t.Errorf("text = %q", text)
	}

	req := provider.requests[0]
	if req.Model != "synthesis-model" {
		t.Errorf("model = %q, want synthesis-model", req.Model)
	}
	if req.MaxTokens != SynthesisTokens {
		t.Errorf("max tokens = %d, want %d", req.MaxTokens, SynthesisTokens)
	}
	prompt := req.Messages[0].Content[0].Text
	for _, want := range []string{"Total emails analyzed: 4", "Success rate: 50.0%", `"Billing": 2`, "Checkout"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, prompt)
		}
	}
	if strings.Contains(prompt, "Invoices") {
		t.Error("prompt should only quote MaxSignals signals")
	}
}

func TestSynthesize_EmptyText(t *testing.T) {
	t.Parallel()

	provider := &mockProvider{responses: []*LLMResponse{{StopReason: StopEnd}}}
	engine := testEngine(provider, EngineHooks{})

	_, _, err := engine.Synthesize(context.Background(), Stats{}, nil)
	if err == nil {
		t.Fatal("expected error for empty narrative")
	}
}

func TestNewEngine_DefaultMaxSignals(t *testing.T) {
	t.Parallel()

	e := NewEngine(&mockProvider{}, EngineConfig{}, nil, EngineHooks{})
	if e.Config().MaxSignals != DefaultMaxSignal {
		t.Errorf("MaxSignals = %d, want %d", e.Config().MaxSignals, DefaultMaxSignal)
	}
}

func TestEngine_LLMCallHook(t *testing.T) {
	t.Parallel()

	var calls []string
	var tokensIn int
	provider := &mockProvider{
		responses: []*LLMResponse{
			textResponse(`{"category":"General","urgency":"Low","one_line_summary":"Thanks"}`),
		},
		errs: []error{nil, errors.New("connection reset")},
	}
	engine := testEngine(provider, EngineHooks{
		OnLLMCall: func(stage Stage, outcome string, in, _ int, duration float64) {
			calls = append(calls, string(stage)+"/"+outcome)
			tokensIn += in
			if duration < 0 {
				t.Errorf("negative duration %v", duration)
			}
		},
	})

	if _, _, err := engine.Triage(context.Background(), testRecord(1, "thanks!")); err != nil {
		t.Fatalf("Triage: %v", err)
	}
	if _, _, err := engine.Extract(context.Background(), testRecord(1, "thanks!")); err == nil {
		t.Fatal("Extract: expected provider error")
	}

	want := []string{"triage/ok", "extract/error"}
	if strings.Join(calls, ",") != strings.Join(want, ",") {
		t.Errorf("hook calls = %v, want %v", calls, want)
	}
	if tokensIn != 10 {
		t.Errorf("tokens in = %d, want 10", tokensIn)
	}
}

func TestEngine_CreatesSpans(t *testing.T) {
	// Not parallel: swaps the global OTel tracer provider.

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	defer otel.SetTracerProvider(prev)

	provider := &mockProvider{responses: []*LLMResponse{
		textResponse(`{"category":"Technical","urgency":"High","one_line_summary":"Outage"}`),
		textResponse(`{"failure_type":"API","customer_impact":"No access","frequency_signal":"first time","emotional_tone":"frustrated"}`),
		textResponse("narrative"),
	}}
	engine := testEngine(provider, EngineHooks{})
	ctx := context.Background()
	rec := testRecord(1, "api down")

	if _, _, err := engine.Triage(ctx, rec); err != nil {
		t.Fatalf("Triage: %v", err)
	}
	if _, _, err := engine.Extract(ctx, rec); err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if _, _, err := engine.Synthesize(ctx, Stats{Total: 1, Successful: 1}, nil); err != nil {
		t.Fatalf("Synthesize: %v", err)
	}

	counts := make(map[string]int)
	for _, s := range exporter.GetSpans() {
		counts[s.Name]++
		if s.Name != "llm.call" {
			continue
		}
		attrs := make(map[string]any)
		for _, a := range s.Attributes {
			attrs[string(a.Key)] = a.Value.AsInterface()
		}
		if v := attrs["gen_ai.response.model"]; v != testModel {
			t.Errorf("gen_ai.response.model = %v, want %s", v, testModel)
		}
		if _, ok := attrs["briefing.stage"]; !ok {
			t.Error("llm.call span missing briefing.stage")
		}
	}

	for name, want := range map[string]int{
		"pipeline.triage":     1,
		"pipeline.extract":    1,
		"pipeline.synthesize": 1,
		"llm.call":            3,
	} {
		if counts[name] != want {
			t.Errorf("%s spans = %d, want %d", name, counts[name], want)
		}
	}
}
