package observability

import (
	"context"
	"io"
	"log/slog"
	"testing"

	dto "github.com/prometheus/client_model/go"

	"github.com/jkaninda/fundi/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewNilConfigDisablesEverything(t *testing.T) {
	obs, err := New(nil, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if obs != nil {
		t.Fatalf("obs = %+v, want nil", obs)
	}

	// Nil-safe accessors and shutdown.
	if obs.MetricsOrNil() != nil || obs.TracerOrNil() != nil {
		t.Error("nil observability leaked components")
	}
	obs.Shutdown(context.Background())
}

func TestMetricsRegistered(t *testing.T) {
	obs, err := New(&config.ObservabilityConfig{
		Metrics: &config.MetricsConfig{Enabled: true},
	}, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if obs.Metrics == nil {
		t.Fatal("metrics not created")
	}

	obs.Metrics.RunsTotal.WithLabelValues("submitted").Inc()
	obs.Metrics.LLMTokensUsed.WithLabelValues("openai", "gpt-4o", "input").Add(128)

	families, err := obs.Metrics.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}

	found := map[string]*dto.MetricFamily{}
	for _, mf := range families {
		found[mf.GetName()] = mf
	}

	runs, ok := found["fundi_run_completed_total"]
	if !ok {
		t.Fatal("fundi_run_completed_total not registered")
	}
	if got := runs.GetMetric()[0].GetCounter().GetValue(); got != 1 {
		t.Errorf("runs counter = %v", got)
	}

	if _, ok := found["fundi_llm_tokens_used_total"]; !ok {
		t.Error("fundi_llm_tokens_used_total not registered")
	}
}

func TestTracerNilSafe(t *testing.T) {
	var ts *Tracing
	if ts.Tracer() == nil {
		t.Error("nil Tracing must return a noop tracer")
	}
	if err := ts.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}
