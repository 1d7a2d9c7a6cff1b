package pipeline

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the pipeline.
type Metrics struct {
	RunsTotal       *prometheus.CounterVec
	RunDuration     *prometheus.HistogramVec
	RunTokensIn     prometheus.Histogram
	RunTokensOut    prometheus.Histogram
	EmailsTotal     *prometheus.CounterVec
	SignalsTotal    prometheus.Counter
	RejectionsTotal *prometheus.CounterVec
	LLMCallsTotal   *prometheus.CounterVec
	LLMTokensIn     *prometheus.CounterVec
	LLMTokensOut    *prometheus.CounterVec
	LLMDuration     *prometheus.HistogramVec
}

// NewMetrics registers and returns pipeline metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "briefing_runs_total",
			Help: "Total pipeline runs by final status.",
		}, []string{"status"}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "briefing_run_duration_seconds",
			Help:    "Duration of pipeline runs in seconds.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s .. ~34m
		}, []string{"status"}),
		RunTokensIn: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "briefing_run_tokens_input",
			Help:    "Input tokens consumed per run.",
			Buckets: prometheus.ExponentialBuckets(100, 2, 14), // 100 .. ~1.6M
		}),
		RunTokensOut: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "briefing_run_tokens_output",
			Help:    "Output tokens consumed per run.",
			Buckets: prometheus.ExponentialBuckets(100, 2, 12), // 100 .. ~409600
		}),
		EmailsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "briefing_emails_total",
			Help: "Emails triaged by outcome.",
		}, []string{"outcome"}),
		SignalsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "briefing_failure_signals_total",
			Help: "Validated failure signals extracted.",
		}),
		RejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "briefing_rejections_total",
			Help: "Model outputs rejected by schema validation.",
		}, []string{"stage", "reason"}),
		LLMCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "briefing_llm_calls_total",
			Help: "Total LLM provider calls by stage and outcome.",
		}, []string{"stage", "outcome"}),
		LLMTokensIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "briefing_llm_tokens_input_total",
			Help: "Total LLM input tokens consumed by stage.",
		}, []string{"stage"}),
		LLMTokensOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "briefing_llm_tokens_output_total",
			Help: "Total LLM output tokens consumed by stage.",
		}, []string{"stage"}),
		LLMDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "briefing_llm_call_duration_seconds",
			Help:    "Duration of individual LLM calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 8), // 0.25s .. ~32s
		}, []string{"stage", "outcome"}),
	}

	reg.MustRegister(
		m.RunsTotal,
		m.RunDuration,
		m.RunTokensIn,
		m.RunTokensOut,
		m.EmailsTotal,
		m.SignalsTotal,
		m.RejectionsTotal,
		m.LLMCallsTotal,
		m.LLMTokensIn,
		m.LLMTokensOut,
		m.LLMDuration,
	)

	return m
}

// Hooks returns an EngineHooks that increments the corresponding metrics.
func (m *Metrics) Hooks() EngineHooks {
	return EngineHooks{
		OnLLMCall: func(stage Stage, outcome string, inputTokens, outputTokens int, duration float64) {
			s := string(stage)
			m.LLMCallsTotal.WithLabelValues(s, outcome).Inc()
			m.LLMDuration.WithLabelValues(s, outcome).Observe(duration)
			if outcome == OutcomeOK {
				m.LLMTokensIn.WithLabelValues(s).Add(float64(inputTokens))
				m.LLMTokensOut.WithLabelValues(s).Add(float64(outputTokens))
			}
		},
		OnRejected: func(stage Stage, reason string) {
			m.RejectionsTotal.WithLabelValues(string(stage), reason).Inc()
		},
	}
}

// ObserveRun records the final state of a run.
func (m *Metrics) ObserveRun(run *Run) {
	status := string(run.Status)
	m.RunsTotal.WithLabelValues(status).Inc()
	m.RunDuration.WithLabelValues(status).Observe(run.Duration)
	m.RunTokensIn.Observe(float64(run.TokensIn))
	m.RunTokensOut.Observe(float64(run.TokensOut))
	m.SignalsTotal.Add(float64(len(run.Signals)))
}
