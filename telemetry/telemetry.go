// Package telemetry wires OpenTelemetry tracing for bus components and maps
// span context onto event envelopes, so a request can be followed across the
// coordinator, the router and every specialist it fans out to.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/hupe1980/agentbus/core"
)

// Options configures tracing setup.
type Options struct {
	// ServiceName identifies the process in exported spans.
	ServiceName string
	// PrettyPrint renders exported spans as indented JSON.
	PrettyPrint bool
	// Sampler overrides the default (always-on) sampling decision.
	Sampler sdktrace.Sampler
}

// Setup installs a tracer provider exporting to stdout and returns a shutdown
// function that flushes pending spans. When disabled is true, a no-op
// provider is installed instead and shutdown is trivial.
func Setup(ctx context.Context, enabled bool, optFns ...func(o *Options)) (func(context.Context) error, error) {
	if !enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}

	opts := Options{
		ServiceName: "agentbus",
		Sampler:     sdktrace.AlwaysSample(),
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	var exporterOpts []stdouttrace.Option
	if opts.PrettyPrint {
		exporterOpts = append(exporterOpts, stdouttrace.WithPrettyPrint())
	}
	exporter, err := stdouttrace.New(exporterOpts...)
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}

	res, err := sdkresource.Merge(sdkresource.Default(), sdkresource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(opts.ServiceName),
	))
	if err != nil {
		return nil, fmt.Errorf("build trace resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(opts.Sampler),
	)
	otel.SetTracerProvider(provider)
	return provider.Shutdown, nil
}

// Tracer returns the named tracer from the installed provider.
func Tracer(name string) trace.Tracer {
	return otel.GetTracerProvider().Tracer(name)
}

// Stamp copies the span context from ctx onto the envelope's tracing fields.
// Envelopes without an active span are returned unchanged.
func Stamp(ctx context.Context, env core.Envelope) core.Envelope {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return env
	}
	env.TraceID = sc.TraceID().String()
	env.SpanID = sc.SpanID().String()
	return env
}

// ContextFrom rebuilds a remote span context from an envelope's tracing
// fields, so a consumer's spans parent onto the producer's trace. Envelopes
// without valid tracing fields return ctx unchanged.
func ContextFrom(ctx context.Context, env core.Envelope) context.Context {
	traceID, err := trace.TraceIDFromHex(env.TraceID)
	if err != nil {
		return ctx
	}
	spanID, err := trace.SpanIDFromHex(env.SpanID)
	if err != nil {
		return ctx
	}
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: traceID,
		SpanID:  spanID,
		Remote:  true,
	})
	return trace.ContextWithRemoteSpanContext(ctx, sc)
}
