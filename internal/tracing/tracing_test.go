package tracing

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInitWithoutEndpoint(t *testing.T) {
	ctx := context.Background()
	shutdown, err := Init(ctx, "", "test")
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	defer shutdown(ctx)

	_, span := Start(ctx, "noop")
	if span.IsRecording() {
		t.Error("expected a non-recording span without an endpoint")
	}
	End(span, errors.New("ignored"))
}

func TestStartAndEndRecordSpans(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)))
	defer SetTracerProvider(sdktrace.NewTracerProvider())

	ctx, parent := Start(context.Background(), "convert", attribute.String("file", "a.json"))
	_, child := Start(ctx, "ingest.nodes")
	End(child, nil)
	End(parent, errors.New("boom"))

	spans := rec.Ended()
	if len(spans) != 2 {
		t.Fatalf("expected 2 ended spans, got %d", len(spans))
	}
	if spans[0].Name() != "ingest.nodes" || spans[0].Parent().SpanID() != spans[1].SpanContext().SpanID() {
		t.Error("child span not parented to the conversion span")
	}
	if spans[0].Status().Code == codes.Error {
		t.Error("successful span marked as error")
	}
	if spans[1].Status().Code != codes.Error || len(spans[1].Events()) == 0 {
		t.Error("failed span should carry an error status and event")
	}
	if attrs := spans[1].Attributes(); len(attrs) != 1 || attrs[0].Value.AsString() != "a.json" {
		t.Errorf("unexpected attributes %v", attrs)
	}
}
