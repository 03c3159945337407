package logger

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/trace"
)

func TestWithContextWithoutSpanReturnsSameLogger(t *testing.T) {
	lg := Nop()
	if got := lg.WithContext(context.Background()); got != lg {
		t.Fatalf("expected same logger when no span is active")
	}
}

func TestWithContextAddsTraceFields(t *testing.T) {
	lg := Nop()
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: trace.TraceID{1, 2, 3},
		SpanID:  trace.SpanID{4, 5, 6},
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)
	if got := lg.WithContext(ctx); got == lg {
		t.Fatalf("expected derived logger when span context is valid")
	}
}

func TestNewDevelopment(t *testing.T) {
	lg, err := New("development")
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	lg.Component("test").Debug("hello")
}
