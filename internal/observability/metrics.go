package observability

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "flowgate"

// Bucket layouts in seconds. Provider calls and whole pipeline runs are slow;
// HTTP handling and SQL are fast.
var (
	slowBuckets = []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120}
	toolBuckets = []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60}
	fastBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30}
)

// Metrics holds every Prometheus collector flowgate exports, grouped by the
// subsystem that records into it. A nil *Metrics is valid; every method is
// then a no-op.
//
//	metrics := observability.NewMetrics(registry)
//	metrics.RecordLLMRequest("primary", "gpt-4o", "success", elapsed.Seconds(), 100, 500)
type Metrics struct {
	// Pipeline: labels channel, state (terminal pipeline state).
	MessageCounter   *prometheus.CounterVec
	PipelineDuration *prometheus.HistogramVec

	// Routing: labels mode (static|dynamic), matched (true|false).
	RoutingDecisions *prometheus.CounterVec

	// Providers. Requests carry status success|error, tokens carry type
	// prompt|completion. CircuitState is 0 closed, 1 half-open, 2 open.
	LLMRequestDuration *prometheus.HistogramVec
	LLMRequestCounter  *prometheus.CounterVec
	LLMTokensUsed      *prometheus.CounterVec
	LLMCost            *prometheus.CounterVec
	ProviderFailovers  *prometheus.CounterVec
	CircuitState       *prometheus.GaugeVec

	// Tools: labels tool_name, status (success|failed).
	ToolExecutionCounter  *prometheus.CounterVec
	ToolExecutionDuration *prometheus.HistogramVec

	// ErrorCounter: labels component, error_type (an error code).
	ErrorCounter *prometheus.CounterVec

	// HTTP intake: labels method, path (route template), status_code.
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPRequestCounter  *prometheus.CounterVec

	// SQL stores: labels operation, table, status.
	DatabaseQueryDuration *prometheus.HistogramVec
	DatabaseQueryCounter  *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg. Tests pass
// a fresh prometheus.NewRegistry() so instances never collide.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	counter := func(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
		return f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
		}, labels)
	}
	histogram := func(subsystem, name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
		return f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: subsystem, Name: name, Help: help, Buckets: buckets,
		}, labels)
	}

	return &Metrics{
		MessageCounter: counter("", "messages_total",
			"Messages processed, by channel and terminal state.", "channel", "state"),
		PipelineDuration: histogram("pipeline", "duration_seconds",
			"End-to-end message processing time.", slowBuckets, "state"),
		RoutingDecisions: counter("routing", "decisions_total",
			"Routing decisions, by mode and whether a rule or policy matched.", "mode", "matched"),

		LLMRequestDuration: histogram("llm", "request_duration_seconds",
			"Provider completion latency.", slowBuckets[:8], "provider", "model"),
		LLMRequestCounter: counter("llm", "requests_total",
			"Provider completion calls, by outcome.", "provider", "model", "status"),
		LLMTokensUsed: counter("llm", "tokens_total",
			"Tokens reported by providers.", "provider", "model", "type"),
		LLMCost: counter("llm", "cost_usd_total",
			"Spend computed from the catalog, in USD.", "provider", "model"),
		ProviderFailovers: counter("provider", "failovers_total",
			"Requests answered by a provider other than the first candidate.", "from", "to"),
		CircuitState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "provider", Name: "circuit_state",
			Help: "Breaker state per provider: 0 closed, 1 half-open, 2 open.",
		}, []string{"provider"}),

		ToolExecutionCounter: counter("tool", "executions_total",
			"Tool calls, by tool and outcome.", "tool_name", "status"),
		ToolExecutionDuration: histogram("tool", "execution_duration_seconds",
			"Tool call latency.", toolBuckets, "tool_name"),

		ErrorCounter: counter("", "errors_total",
			"Errors, by component and code.", "component", "error_type"),

		HTTPRequestDuration: histogram("http", "request_duration_seconds",
			"HTTP handling latency.", fastBuckets, "method", "path", "status_code"),
		HTTPRequestCounter: counter("http", "requests_total",
			"HTTP requests served.", "method", "path", "status_code"),

		DatabaseQueryDuration: histogram("database", "query_duration_seconds",
			"SQL store query latency.", fastBuckets[:8], "operation", "table"),
		DatabaseQueryCounter: counter("database", "queries_total",
			"SQL store queries, by outcome.", "operation", "table", "status"),
	}
}

// RecordMessage records a finished pipeline run.
func (m *Metrics) RecordMessage(channel, state string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.MessageCounter.WithLabelValues(channel, state).Inc()
	m.PipelineDuration.WithLabelValues(state).Observe(durationSeconds)
}

func (m *Metrics) RecordRoutingDecision(mode string, matched bool) {
	if m == nil {
		return
	}
	m.RoutingDecisions.WithLabelValues(mode, strconv.FormatBool(matched)).Inc()
}

// RecordLLMRequest records one provider call. Zero token counts are not
// added, so providers that report no usage leave no token series.
func (m *Metrics) RecordLLMRequest(provider, model, status string, durationSeconds float64, promptTokens, completionTokens int) {
	if m == nil {
		return
	}
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	for kind, n := range map[string]int{"prompt": promptTokens, "completion": completionTokens} {
		if n > 0 {
			m.LLMTokensUsed.WithLabelValues(provider, model, kind).Add(float64(n))
		}
	}
}

func (m *Metrics) RecordLLMCost(provider, model string, usd float64) {
	if m == nil || usd <= 0 {
		return
	}
	m.LLMCost.WithLabelValues(provider, model).Add(usd)
}

// RecordFailover counts a request that moved from one provider to another.
func (m *Metrics) RecordFailover(from, to string) {
	if m == nil {
		return
	}
	m.ProviderFailovers.WithLabelValues(from, to).Inc()
}

var circuitGauge = map[string]float64{"closed": 0, "half-open": 1, "open": 2}

// SetCircuitState publishes a breaker state. Unknown states read as closed.
func (m *Metrics) SetCircuitState(provider, state string) {
	if m == nil {
		return
	}
	m.CircuitState.WithLabelValues(provider).Set(circuitGauge[state])
}

func (m *Metrics) RecordToolExecution(toolName, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// RecordError counts an error code against a component, e.g.
// ("gateway", "providers_exhausted").
func (m *Metrics) RecordError(component, errorType string) {
	if m == nil {
		return
	}
	m.ErrorCounter.WithLabelValues(component, errorType).Inc()
}

func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequestCounter.WithLabelValues(method, path, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationSeconds)
}

// RecordDatabaseQuery records one SQL store query.
func (m *Metrics) RecordDatabaseQuery(operation, table, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.DatabaseQueryCounter.WithLabelValues(operation, table, status).Inc()
	m.DatabaseQueryDuration.WithLabelValues(operation, table).Observe(durationSeconds)
}
