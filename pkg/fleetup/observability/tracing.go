package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Spans nest upgrade > phase > component. Span names carry the phase or
// component so a trace view reads like the upgrade plan.
const (
	spanUpgrade   = "fleetup.upgrade"
	spanPhase     = "fleetup.phase."
	spanComponent = "fleetup.component."
)

// tracer resolves through the global provider at span start, so a
// provider installed after package init is still honoured.
var tracer = otel.Tracer("fleetup")

// SpanManager opens and closes the spans of an upgrade run.
// NoopSpanManager is the disabled form.
type SpanManager interface {
	StartUpgradeSpan(ctx context.Context, upgradeID, mode string) (context.Context, trace.Span)
	StartPhaseSpan(ctx context.Context, phase string) (context.Context, trace.Span)
	StartComponentSpan(ctx context.Context, component string) (context.Context, trace.Span)

	// EndSpanWithError ends span, marking it failed when err is non-nil.
	EndSpanWithError(span trace.Span, err error)

	// AddSpanEvent records a checkpoint, such as a completed step, on the
	// span carried by ctx.
	AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue)
}

// NewSpanManager returns a SpanManager backed by whatever provider was
// passed to otel.SetTracerProvider.
func NewSpanManager() SpanManager { return otelSpans{} }

type otelSpans struct{}

func (otelSpans) StartUpgradeSpan(ctx context.Context, id, mode string) (context.Context, trace.Span) {
	return StartUpgradeSpan(ctx, id, mode)
}

func (otelSpans) StartPhaseSpan(ctx context.Context, phase string) (context.Context, trace.Span) {
	return StartPhaseSpan(ctx, phase)
}

func (otelSpans) StartComponentSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return StartComponentSpan(ctx, name)
}

func (otelSpans) EndSpanWithError(span trace.Span, err error) { EndSpanWithError(span, err) }

func (otelSpans) AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	AddSpanEvent(ctx, name, attrs...)
}

func start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindInternal), trace.WithAttributes(attrs...))
}

// StartUpgradeSpan opens the root span of a session.
func StartUpgradeSpan(ctx context.Context, upgradeID, mode string) (context.Context, trace.Span) {
	return start(ctx, spanUpgrade,
		attribute.String("upgrade.id", upgradeID),
		attribute.String("upgrade.mode", mode))
}

func StartPhaseSpan(ctx context.Context, phase string) (context.Context, trace.Span) {
	return start(ctx, spanPhase+phase, attribute.String("phase.name", phase))
}

func StartComponentSpan(ctx context.Context, component string) (context.Context, trace.Span) {
	return start(ctx, spanComponent+component, attribute.String("component.name", component))
}

// EndSpanWithError ends span with an Ok or Error status. A nil span is
// ignored.
func EndSpanWithError(span trace.Span, err error) {
	if span == nil {
		return
	}
	defer span.End()
	if err == nil {
		span.SetStatus(codes.Ok, "")
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// AddSpanEvent is a no-op when ctx carries no recording span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.AddEvent(name, trace.WithAttributes(attrs...))
	}
}
