package otel_test

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/sdk/metric"

	"github.com/petal-labs/petalbus"
	petalotel "github.com/petal-labs/petalbus/otel"
)

func TestSetup_WithoutEndpoint(t *testing.T) {
	reader := metric.NewManualReader()
	p, err := petalotel.Setup(context.Background(), petalotel.Config{MetricReader: reader})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}

	metrics, err := petalotel.NewMetricsObserver(p.Meter())
	if err != nil {
		t.Fatalf("NewMetricsObserver: %v", err)
	}
	tracing := petalotel.NewTracingObserver(p.Tracer())

	var traceID string
	b := petalbus.New(petalbus.Config[int]{
		Observer: petalotel.EnrichObserver(func(n petalbus.Notice) {
			metrics.Observe(n)
			if n.Kind == petalbus.NoticeEmitStarted {
				traceID = n.TraceID
			}
		}, tracing),
	})
	b.Emit("x", 1)

	if traceID == "" {
		t.Error("spans should be sampled even without an exporter")
	}

	rm := collectMetrics(t, reader)
	if got := sumFor(t, rm, "petalbus.emissions", "x"); got != 1 {
		t.Errorf("emissions = %d, want 1", got)
	}

	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}
