package telemetry

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
)

func TestInitStdoutExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := Init(context.Background(), Config{Exporter: "stdout", ServiceName: "chaser-test", Writer: &buf})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	_, span := otel.Tracer("chaser/test").Start(context.Background(), "engine.run")
	span.End()
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "engine.run") || !strings.Contains(out, "chaser-test") {
		t.Fatalf("exported output missing span: %s", out)
	}
}

func TestInitNone(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{Exporter: "none"})
	if err != nil || shutdown == nil {
		t.Fatalf("Init none = %v, %v", shutdown, err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestInitUnknownExporter(t *testing.T) {
	if _, err := Init(context.Background(), Config{Exporter: "zipkin"}); err == nil {
		t.Fatalf("expected error")
	}
}
