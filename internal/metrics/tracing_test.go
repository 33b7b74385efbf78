package metrics

import (
	"bytes"
	"context"
	"testing"
)

func TestNewTracerProviderShutsDownCleanly(t *testing.T) {
	var buf bytes.Buffer
	tp, err := NewTracerProvider(context.Background(), "hub-test", &buf)
	if err != nil {
		t.Fatalf("NewTracerProvider() error = %v", err)
	}
	defer tp.Shutdown(context.Background())

	tracer := tp.Tracer("test")
	_, span := tracer.Start(context.Background(), "test-span")
	span.End()

	if err := tp.ForceFlush(context.Background()); err != nil {
		t.Fatalf("ForceFlush() error = %v", err)
	}
	if buf.Len() == 0 {
		t.Error("expected the stdouttrace exporter to write the flushed span")
	}
}

func TestTracerReturnsNonNilTracer(t *testing.T) {
	if Tracer() == nil {
		t.Fatal("Tracer() = nil")
	}
}
