package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// NoopMetrics discards everything.
type NoopMetrics struct{}

var _ MetricsRecorder = NoopMetrics{}

func (NoopMetrics) RecordComponent(context.Context, string, string, time.Duration, error) {}
func (NoopMetrics) RecordUpgrade(context.Context, string, bool, time.Duration)            {}
func (NoopMetrics) RecordRollback(context.Context, string, error)                         {}
func (NoopMetrics) RecordLockWait(context.Context, time.Duration)                         {}

// NoopSpanManager hands back the caller's context and a span that
// records nothing.
type NoopSpanManager struct{}

var _ SpanManager = NoopSpanManager{}

var discardSpan trace.Span = noop.Span{}

func (NoopSpanManager) StartUpgradeSpan(ctx context.Context, _, _ string) (context.Context, trace.Span) {
	return ctx, discardSpan
}

func (NoopSpanManager) StartPhaseSpan(ctx context.Context, _ string) (context.Context, trace.Span) {
	return ctx, discardSpan
}

func (NoopSpanManager) StartComponentSpan(ctx context.Context, _ string) (context.Context, trace.Span) {
	return ctx, discardSpan
}

func (NoopSpanManager) EndSpanWithError(trace.Span, error) {}

func (NoopSpanManager) AddSpanEvent(context.Context, string, ...attribute.KeyValue) {}
