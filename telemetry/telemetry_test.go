package telemetry

import (
	"context"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/hupe1980/agentbus/core"
)

func TestStamp_CopiesActiveSpanContext(t *testing.T) {
	provider := sdktrace.NewTracerProvider()
	defer provider.Shutdown(context.Background())

	ctx, span := provider.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	env, err := core.NewEnvelope(core.EventTypeTaskDelegated, nil)
	if err != nil {
		t.Fatal(err)
	}
	stamped := Stamp(ctx, env)

	if stamped.TraceID != span.SpanContext().TraceID().String() {
		t.Fatalf("trace id not stamped: %s", stamped.TraceID)
	}
	if stamped.SpanID != span.SpanContext().SpanID().String() {
		t.Fatalf("span id not stamped: %s", stamped.SpanID)
	}
}

func TestStamp_NoActiveSpanLeavesEnvelopeUnchanged(t *testing.T) {
	env, err := core.NewEnvelope(core.EventTypeTaskDelegated, nil)
	if err != nil {
		t.Fatal(err)
	}
	stamped := Stamp(context.Background(), env)
	if stamped.TraceID != "" || stamped.SpanID != "" {
		t.Fatalf("unexpected tracing fields: %+v", stamped)
	}
}

func TestContextFrom_RestoresRemoteSpanContext(t *testing.T) {
	provider := sdktrace.NewTracerProvider()
	defer provider.Shutdown(context.Background())

	ctx, span := provider.Tracer("test").Start(context.Background(), "producer")
	env, err := core.NewEnvelope(core.EventTypeTaskDelegated, nil)
	if err != nil {
		t.Fatal(err)
	}
	env = Stamp(ctx, env)
	span.End()

	restored := trace.SpanContextFromContext(ContextFrom(context.Background(), env))
	if !restored.IsValid() || !restored.IsRemote() {
		t.Fatal("expected a valid remote span context")
	}
	if restored.TraceID().String() != env.TraceID {
		t.Fatalf("trace id mismatch: %s", restored.TraceID())
	}
}

func TestContextFrom_InvalidFieldsReturnOriginalContext(t *testing.T) {
	env := core.Envelope{TraceID: "not-hex", SpanID: "nope"}
	ctx := ContextFrom(context.Background(), env)
	if trace.SpanContextFromContext(ctx).IsValid() {
		t.Fatal("expected no span context")
	}
}

func TestSetup_DisabledInstallsNoop(t *testing.T) {
	shutdown, err := Setup(context.Background(), false)
	if err != nil {
		t.Fatal(err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
}
