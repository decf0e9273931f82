package telemetry

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

type fakeExporter struct {
	exported []sdktrace.ReadOnlySpan
	shutdown bool
}

func (f *fakeExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	f.exported = append(f.exported, spans...)
	return nil
}

func (f *fakeExporter) Shutdown(_ context.Context) error {
	f.shutdown = true
	return nil
}

func TestInitUsesEnvironmentEndpointAndResourceAttributes(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "http://collector:4318")
	t.Setenv("GAMEWRAPPER_ENV", "PROD")

	fake := &fakeExporter{}
	capturedEndpoint := ""
	restoreFactory := setExporterFactoryForTest(func(_ context.Context, endpoint string) (sdktrace.SpanExporter, error) {
		capturedEndpoint = endpoint
		return fake, nil
	})
	defer restoreFactory()

	shutdown, err := Init(context.Background(), Settings{ServiceVersion: "v1.2.3-test"})
	if err != nil {
		t.Fatalf("init telemetry: %v", err)
	}

	if capturedEndpoint != "http://collector:4318" {
		t.Fatalf("endpoint = %q, want collector endpoint", capturedEndpoint)
	}

	_, span := otel.Tracer("telemetry-test").Start(context.Background(), "match.run")
	span.End()

	shutdown()
	if !fake.shutdown {
		t.Fatal("expected exporter shutdown on telemetry shutdown")
	}
	if len(fake.exported) == 0 {
		t.Fatal("expected at least one exported span")
	}

	attrs := fake.exported[0].Resource().Attributes()
	assertResourceAttribute(t, attrs, "service.name", ServiceName)
	assertResourceAttribute(t, attrs, "service.version", "v1.2.3-test")
	assertResourceAttribute(t, attrs, "environment", "prod")
}

func TestInitPrefersConfiguredEndpointAndServiceName(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "http://env:4318")

	fake := &fakeExporter{}
	capturedEndpoint := ""
	restoreFactory := setExporterFactoryForTest(func(_ context.Context, endpoint string) (sdktrace.SpanExporter, error) {
		capturedEndpoint = endpoint
		return fake, nil
	})
	defer restoreFactory()

	shutdown, err := Init(context.Background(), Settings{Endpoint: " http://config:4318 ", ServiceName: "arena"})
	if err != nil {
		t.Fatalf("init telemetry: %v", err)
	}

	_, span := otel.Tracer("telemetry-test").Start(context.Background(), "session.ask")
	span.End()
	shutdown()

	if capturedEndpoint != "http://config:4318" {
		t.Fatalf("endpoint = %q, want configured endpoint", capturedEndpoint)
	}
	if len(fake.exported) == 0 {
		t.Fatal("expected at least one exported span")
	}
	assertResourceAttribute(t, fake.exported[0].Resource().Attributes(), "service.name", "arena")
}

func TestInitUsesDefaultEndpointWhenUnset(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")

	fake := &fakeExporter{}
	capturedEndpoint := ""
	restoreFactory := setExporterFactoryForTest(func(_ context.Context, endpoint string) (sdktrace.SpanExporter, error) {
		capturedEndpoint = endpoint
		return fake, nil
	})
	defer restoreFactory()

	shutdown, err := Init(context.Background(), Settings{})
	if err != nil {
		t.Fatalf("init telemetry: %v", err)
	}
	defer shutdown()

	if capturedEndpoint != DefaultEndpoint {
		t.Fatalf("endpoint = %q, want %q", capturedEndpoint, DefaultEndpoint)
	}
}

func TestInitFallsBackToConsoleExporter(t *testing.T) {
	restoreFactory := setExporterFactoryForTest(func(_ context.Context, _ string) (sdktrace.SpanExporter, error) {
		return nil, errors.New("dial failed")
	})
	defer restoreFactory()

	var out bytes.Buffer
	shutdown, err := Init(context.Background(), Settings{Warnings: &out})
	if err != nil {
		t.Fatalf("init telemetry: %v", err)
	}

	_, span := otel.Tracer("telemetry-test").Start(context.Background(), "state.transition")
	span.End()
	shutdown()

	text := out.String()
	if !strings.Contains(text, "falling back to console exporter") {
		t.Fatalf("missing fallback warning in %q", text)
	}
	if !strings.Contains(text, "[SPAN] state.transition") {
		t.Fatalf("missing console span in %q", text)
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	fake := &fakeExporter{}
	restoreFactory := setExporterFactoryForTest(func(_ context.Context, _ string) (sdktrace.SpanExporter, error) {
		return fake, nil
	})
	defer restoreFactory()

	shutdown, err := Init(context.Background(), Settings{})
	if err != nil {
		t.Fatalf("init telemetry: %v", err)
	}
	shutdown()
	shutdown()
	if !fake.shutdown {
		t.Fatal("expected exporter shutdown")
	}
}

func TestResolveServiceVersionDefaultsToDev(t *testing.T) {
	if got := resolveServiceVersion("  "); got != "dev" {
		t.Fatalf("resolveServiceVersion(blank) = %q, want dev", got)
	}
	if got := resolveServiceVersion(" v2.0.0 "); got != "v2.0.0" {
		t.Fatalf("resolveServiceVersion = %q, want v2.0.0", got)
	}
}

func assertResourceAttribute(t *testing.T, attrs []attribute.KeyValue, key, want string) {
	t.Helper()
	for _, attr := range attrs {
		if string(attr.Key) == key {
			if attr.Value.AsString() != want {
				t.Fatalf("resource attr %s = %q, want %q", key, attr.Value.AsString(), want)
			}
			return
		}
	}
	t.Fatalf("resource attribute %q not found", key)
}

func TestResolveEnvironmentFallback(t *testing.T) {
	t.Setenv("GAMEWRAPPER_ENV", "")
	t.Setenv("ENVIRONMENT", "")
	t.Setenv("ENV", "staging")

	if got := resolveEnvironment(); got != "staging" {
		t.Fatalf("environment = %q, want staging", got)
	}

	t.Setenv("ENV", "")
	if got := resolveEnvironment(); got != DefaultEnvironment {
		t.Fatalf("environment = %q, want %q", got, DefaultEnvironment)
	}
}
