// Package observability provides metrics, structured logging, and tracing
// for the flowgate message pipeline.
//
// # Metrics
//
// Metrics are Prometheus collectors registered on a caller-supplied
// registerer, so tests can use an isolated prometheus.Registry:
//
//	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
//	metrics.RecordRoutingDecision("dynamic", true)
//	metrics.RecordFailover("primary", "secondary")
//
// Example PromQL:
//
//	# Share of messages finalized with an error
//	sum(rate(flowgate_messages_total{state="RESULT_FINALIZED_WITH_ERROR"}[5m]))
//	  / sum(rate(flowgate_messages_total[5m]))
//
//	# p95 provider latency
//	histogram_quantile(0.95, rate(flowgate_llm_request_duration_seconds_bucket[5m]))
//
//	# Providers with an open breaker
//	flowgate_provider_circuit_state == 2
//
// # Logging
//
// NewLogger returns a *slog.Logger backed by a RedactingHandler. Secrets
// matching DefaultRedactPatterns, or stored under sensitive keys such as
// api_key and authorization, are replaced with [REDACTED]. Request-scoped
// identifiers attached with AddRequestID, AddSessionID, AddChannel and
// AddToolCallID are appended to every record logged with that context:
//
//	logger := observability.NewLogger(observability.LogConfig{Level: "info", Format: "json"})
//	ctx = observability.AddRequestID(ctx, requestID)
//	logger.InfoContext(ctx, "message received", "channel", "slack")
//
// # Tracing
//
// NewTracer exports spans over OTLP/gRPC when an endpoint is configured;
// otherwise its spans are no-ops. The global otel provider is left alone.
// Records logged with a context carrying a span also get a trace_id:
//
//	tracer, shutdown := observability.NewTracer(observability.TraceConfig{
//	    Endpoint: "otel-collector:4317",
//	})
//	defer shutdown(ctx)
//
//	ctx, span := tracer.StartMessage(ctx, "slack", conversationID)
//	defer span.End()
package observability
