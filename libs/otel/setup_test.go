package otelx

import (
	"context"
	"testing"

	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("OTEL_ENABLED", "true")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "http://collector:4317")
	t.Setenv("OTEL_SAMPLING_RATIO", "0.25")
	t.Setenv("DEPLOY_ENV", "staging")

	cfg := ConfigFromEnv("scheduling-service")
	if !cfg.Enabled || cfg.Endpoint != "collector:4317" || cfg.SampleRatio != 0.25 || cfg.Environment != "staging" {
		t.Fatalf("cfg=%+v", cfg)
	}

	t.Setenv("OTEL_SAMPLING_RATIO", "7")
	if got := ConfigFromEnv("x").SampleRatio; got != 1 {
		t.Fatalf("out of range ratio kept: %v", got)
	}
}

func TestResourceAttributesSkipEmpty(t *testing.T) {
	attrs := resourceAttributes(Config{ServiceName: "scheduling-service"})
	if len(attrs) != 1 || attrs[0].Key != semconv.ServiceNameKey {
		t.Fatalf("attrs=%v", attrs)
	}
}

func TestDisabledSetupShutsDownCleanly(t *testing.T) {
	p, err := Setup(context.Background(), Config{ServiceName: "x"})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
