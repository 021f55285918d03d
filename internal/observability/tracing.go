package observability

import (
	"context"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Tracer starts the spans flowgate emits: one server span per HTTP request,
// one span per processed message, a client span per provider call and one
// span per tool call. A nil *Tracer is valid and records nothing.
//
//	tracer, shutdown := observability.NewTracer(observability.TraceConfig{
//	    Endpoint: "otel-collector:4317",
//	})
//	defer shutdown(ctx)
//
//	ctx, span := tracer.StartMessage(ctx, "slack", conversationID)
//	defer span.End()
type Tracer struct {
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
}

// TraceConfig configures OTLP export.
type TraceConfig struct {
	// ServiceName defaults to "flowgate".
	ServiceName    string
	ServiceVersion string
	Environment    string

	// Endpoint is the OTLP/gRPC collector address. Empty disables export.
	Endpoint string

	// SamplingRate is the fraction of new traces recorded, 0 meaning 1.0.
	// Sampling decisions of incoming parents are honored.
	SamplingRate float64

	// Attributes are added to the exported resource.
	Attributes map[string]string

	// EnableInsecure disables TLS to the collector.
	EnableInsecure bool
}

var noopTracer = noop.NewTracerProvider().Tracer("")

var defaultPropagator = propagation.NewCompositeTextMapPropagator(
	propagation.TraceContext{},
	propagation.Baggage{},
)

// NewTracer builds a tracer and the shutdown func that flushes it. Without an
// endpoint, or when the exporter cannot be built, spans are not exported.
func NewTracer(config TraceConfig) (*Tracer, func(context.Context) error) {
	if config.ServiceName == "" {
		config.ServiceName = "flowgate"
	}
	disabled := func(context.Context) error { return nil }
	if config.Endpoint == "" {
		return NewTracerFromProvider(noop.NewTracerProvider(), config.ServiceName), disabled
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(config.Endpoint)}
	if config.EnableInsecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptrace.New(context.Background(), otlptracegrpc.NewClient(opts...))
	if err != nil {
		return NewTracerFromProvider(noop.NewTracerProvider(), config.ServiceName), disabled
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(traceResource(config)),
		sdktrace.WithSampler(sampler(config.SamplingRate)),
	)
	return NewTracerFromProvider(provider, config.ServiceName), provider.Shutdown
}

// NewTracerFromProvider wraps an existing provider, such as an SDK provider
// with an in-memory recorder.
func NewTracerFromProvider(provider trace.TracerProvider, serviceName string) *Tracer {
	return &Tracer{
		tracer:     provider.Tracer(serviceName),
		propagator: defaultPropagator,
	}
}

func traceResource(config TraceConfig) *resource.Resource {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(config.ServiceName),
		semconv.ServiceVersion(config.ServiceVersion),
	}
	if config.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironment(config.Environment))
	}
	for k, v := range config.Attributes {
		attrs = append(attrs, attribute.String(k, v))
	}
	res, err := resource.New(context.Background(), resource.WithAttributes(attrs...))
	if err != nil {
		return resource.Default()
	}
	return res
}

func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate == 0 || rate >= 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	case rate < 0:
		return sdktrace.NeverSample()
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
}

func (t *Tracer) start(ctx context.Context, name string, kind trace.SpanKind, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if t == nil || t.tracer == nil {
		return noopTracer.Start(ctx, name)
	}
	return t.tracer.Start(ctx, name, trace.WithSpanKind(kind), trace.WithAttributes(attrs...))
}

// StartHTTP starts the server span for an intake request. route is the
// matched route template, not the raw path.
func (t *Tracer) StartHTTP(ctx context.Context, method, route string) (context.Context, trace.Span) {
	return t.start(ctx, method+" "+route, trace.SpanKindServer,
		semconv.HTTPMethod(method),
		semconv.HTTPRoute(route),
	)
}

// StartMessage starts the span covering one pipeline run.
func (t *Tracer) StartMessage(ctx context.Context, channel, conversationID string) (context.Context, trace.Span) {
	return t.start(ctx, "flowgate.message", trace.SpanKindInternal,
		attribute.String("flowgate.channel", channel),
		attribute.String("flowgate.conversation_id", conversationID),
	)
}

// StartProviderCall starts a client span for a completion request. provider
// is the requested provider; the one that answered is recorded by the caller.
func (t *Tracer) StartProviderCall(ctx context.Context, provider, model string) (context.Context, trace.Span) {
	return t.start(ctx, "provider.complete", trace.SpanKindClient,
		attribute.String("flowgate.provider.requested", provider),
		attribute.String("flowgate.model", model),
	)
}

// StartToolCall starts the span for one tool execution.
func (t *Tracer) StartToolCall(ctx context.Context, tool, callID string) (context.Context, trace.Span) {
	return t.start(ctx, "tool "+tool, trace.SpanKindInternal,
		attribute.String("flowgate.tool", tool),
		attribute.String("flowgate.tool_call_id", callID),
	)
}

// Extract returns ctx carrying the remote span context found in header.
func (t *Tracer) Extract(ctx context.Context, header http.Header) context.Context {
	if t == nil {
		return ctx
	}
	return t.propagator.Extract(ctx, propagation.HeaderCarrier(header))
}

// SpanError marks span as failed. A nil err is ignored.
func SpanError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SpanAttrs sets alternating key/value pairs on span. Pairs with a non-string
// key are skipped.
func SpanAttrs(span trace.Span, keyvals ...any) {
	span.SetAttributes(keyValues(keyvals)...)
}

// SpanEvent adds a named event with alternating key/value attributes.
func SpanEvent(span trace.Span, name string, keyvals ...any) {
	span.AddEvent(name, trace.WithAttributes(keyValues(keyvals)...))
}

// TraceID returns the trace ID carried by ctx, or "" when there is none.
func TraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}

func keyValues(keyvals []any) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(keyvals)/2)
	for i := 0; i+1 < len(keyvals); i += 2 {
		key, ok := keyvals[i].(string)
		if !ok {
			continue
		}
		attrs = append(attrs, toAttribute(key, keyvals[i+1]))
	}
	return attrs
}

func toAttribute(key string, val any) attribute.KeyValue {
	switch v := val.(type) {
	case string:
		return attribute.String(key, v)
	case int:
		return attribute.Int(key, v)
	case int64:
		return attribute.Int64(key, v)
	case float64:
		return attribute.Float64(key, v)
	case bool:
		return attribute.Bool(key, v)
	case []string:
		return attribute.StringSlice(key, v)
	case fmt.Stringer:
		return attribute.String(key, v.String())
	}
	return attribute.String(key, fmt.Sprint(val))
}
