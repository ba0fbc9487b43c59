package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder receives the counters and latencies of an upgrade run.
type MetricsRecorder interface {
	// RecordComponent records a component reaching a terminal status.
	RecordComponent(ctx context.Context, component, status string, duration time.Duration, err error)

	// RecordUpgrade records a finished session.
	RecordUpgrade(ctx context.Context, mode string, success bool, duration time.Duration)

	// RecordRollback records a rollback attempt.
	RecordRollback(ctx context.Context, component string, err error)

	// RecordLockWait records time spent acquiring the session lock.
	RecordLockWait(ctx context.Context, waited time.Duration)
}

type otelMetrics struct {
	componentUpgrades metric.Int64Counter
	componentLatency  metric.Float64Histogram
	componentErrors   metric.Int64Counter
	upgradeRuns       metric.Int64Counter
	upgradeLatency    metric.Float64Histogram
	rollbacks         metric.Int64Counter
	lockWait          metric.Float64Histogram
}

// sharedMetrics registers the instruments once per process.
var sharedMetrics = sync.OnceValues(newOtelMetrics)

func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("fleetup")

	componentUpgrades, err := meter.Int64Counter("fleetup.component.upgrades",
		metric.WithDescription("Components that reached a terminal status"),
	)
	if err != nil {
		return nil, err
	}

	componentLatency, err := meter.Float64Histogram("fleetup.component.latency_ms",
		metric.WithDescription("Component upgrade latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	componentErrors, err := meter.Int64Counter("fleetup.component.errors",
		metric.WithDescription("Failed component upgrades"),
	)
	if err != nil {
		return nil, err
	}

	upgradeRuns, err := meter.Int64Counter("fleetup.upgrade.runs",
		metric.WithDescription("Finished upgrade sessions"),
	)
	if err != nil {
		return nil, err
	}

	upgradeLatency, err := meter.Float64Histogram("fleetup.upgrade.latency_ms",
		metric.WithDescription("Upgrade session latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	rollbacks, err := meter.Int64Counter("fleetup.rollbacks",
		metric.WithDescription("Rollback attempts"),
	)
	if err != nil {
		return nil, err
	}

	lockWait, err := meter.Float64Histogram("fleetup.lock.wait_ms",
		metric.WithDescription("Time spent acquiring the session lock"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		componentUpgrades: componentUpgrades,
		componentLatency:  componentLatency,
		componentErrors:   componentErrors,
		upgradeRuns:       upgradeRuns,
		upgradeLatency:    upgradeLatency,
		rollbacks:         rollbacks,
		lockWait:          lockWait,
	}, nil
}

// NewMetricsRecorder returns a recorder on the global meter provider, or
// NoopMetrics if the instruments cannot be created. Install the provider
// with otel.SetMeterProvider before the first call.
func NewMetricsRecorder() MetricsRecorder {
	m, err := sharedMetrics()
	if err != nil {
		slog.Warn("metrics disabled", slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

// RecordComponent records a terminal component status.
func (m *otelMetrics) RecordComponent(ctx context.Context, component, status string, duration time.Duration, err error) {
	attrs := metric.WithAttributes(
		attribute.String("component", component),
		attribute.String("status", status),
	)
	m.componentUpgrades.Add(ctx, 1, attrs)
	m.componentLatency.Record(ctx, float64(duration.Milliseconds()), attrs)
	if err != nil {
		m.componentErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("component", component)))
	}
}

// RecordUpgrade records a finished session.
func (m *otelMetrics) RecordUpgrade(ctx context.Context, mode string, success bool, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("mode", mode),
		attribute.Bool("success", success),
	)
	m.upgradeRuns.Add(ctx, 1, attrs)
	m.upgradeLatency.Record(ctx, float64(duration.Milliseconds()), attrs)
}

// RecordRollback records a rollback attempt.
func (m *otelMetrics) RecordRollback(ctx context.Context, component string, err error) {
	m.rollbacks.Add(ctx, 1, metric.WithAttributes(
		attribute.String("component", component),
		attribute.Bool("success", err == nil),
	))
}

// RecordLockWait records lock acquisition time.
func (m *otelMetrics) RecordLockWait(ctx context.Context, waited time.Duration) {
	m.lockWait.Record(ctx, float64(waited.Milliseconds()))
}
