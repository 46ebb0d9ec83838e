package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/petal-labs/petalbus"
)

// MetricsObserver translates bus notices into OpenTelemetry metrics.
// It records emission counts, failures and dispatch durations, plus
// listener churn per event name.
type MetricsObserver struct {
	emissions metric.Int64Counter
	failures  metric.Int64Counter
	duration  metric.Float64Histogram
	listeners metric.Int64UpDownCounter
	onceFired metric.Int64Counter
	clears    metric.Int64Counter
}

// NewMetricsObserver creates a MetricsObserver that uses the given meter to
// create its instruments.
func NewMetricsObserver(meter metric.Meter) (*MetricsObserver, error) {
	emissions, err := meter.Int64Counter("petalbus.emissions",
		metric.WithDescription("Number of emissions dispatched"),
	)
	if err != nil {
		return nil, err
	}

	failures, err := meter.Int64Counter("petalbus.emission.failures",
		metric.WithDescription("Number of emissions whose dispatch pass returned an error"),
	)
	if err != nil {
		return nil, err
	}

	duration, err := meter.Float64Histogram("petalbus.emission.duration",
		metric.WithDescription("Duration of an emission's dispatch pass in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	listeners, err := meter.Int64UpDownCounter("petalbus.listeners",
		metric.WithDescription("Number of attached listeners"),
	)
	if err != nil {
		return nil, err
	}

	onceFired, err := meter.Int64Counter("petalbus.once.fired",
		metric.WithDescription("Number of once registrations that fired"),
	)
	if err != nil {
		return nil, err
	}

	clears, err := meter.Int64Counter("petalbus.clears",
		metric.WithDescription("Number of times the bus was cleared"),
	)
	if err != nil {
		return nil, err
	}

	return &MetricsObserver{
		emissions: emissions,
		failures:  failures,
		duration:  duration,
		listeners: listeners,
		onceFired: onceFired,
		clears:    clears,
	}, nil
}

// Observe records the metrics for a single notice.
func (o *MetricsObserver) Observe(n petalbus.Notice) {
	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.String("event", n.Event))

	switch n.Kind {
	case petalbus.NoticeEmitFinished:
		o.emissions.Add(ctx, 1, attrs)
		o.duration.Record(ctx, n.Elapsed.Seconds(), attrs)
		if n.Err != nil {
			o.failures.Add(ctx, 1, attrs)
		}
	case petalbus.NoticeListenerAttached:
		o.listeners.Add(ctx, 1, attrs)
	case petalbus.NoticeListenerDetached:
		o.listeners.Add(ctx, -1, attrs)
	case petalbus.NoticeOnceFired:
		o.onceFired.Add(ctx, 1, attrs)
	case petalbus.NoticeCleared:
		o.clears.Add(ctx, 1)
	}
}
