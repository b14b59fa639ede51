package license

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "clickbloom-license/services/license"

type telemetry struct {
	tracer      trace.Tracer
	activations metric.Int64Counter
	spent       metric.Int64Counter
	removed     metric.Int64Counter
}

func newTelemetry(tp trace.TracerProvider, mp metric.MeterProvider) (*telemetry, error) {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(instrumentationName)

	activations, err := meter.Int64Counter("license_activations_total",
		metric.WithDescription("Activation attempts by outcome."))
	if err != nil {
		return nil, err
	}
	spent, err := meter.Int64Counter("license_credits_spent_total",
		metric.WithDescription("Crawl credits drawn from finite balances."))
	if err != nil {
		return nil, err
	}
	removed, err := meter.Int64Counter("license_cleanup_removed_total",
		metric.WithDescription("Licenses removed by cleanup."))
	if err != nil {
		return nil, err
	}

	return &telemetry{
		tracer:      tp.Tracer(instrumentationName),
		activations: activations,
		spent:       spent,
		removed:     removed,
	}, nil
}

func (t *telemetry) start(ctx context.Context, name string) (context.Context, trace.Span, *zap.Logger) {
	ctx, span := t.tracer.Start(ctx, name)
	sc := span.SpanContext()
	log := zap.L().With(
		zap.String("trace_id", sc.TraceID().String()),
		zap.String("span_id", sc.SpanID().String()),
	)
	return ctx, span, log
}

func (t *telemetry) countActivation(ctx context.Context, outcome string) {
	t.activations.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// finish marks the span failed for errors the caller cannot fix by
// changing its input.
func finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		switch Reason(err) {
		case "", "store_unavailable":
			span.SetStatus(codes.Error, err.Error())
		}
	}
	span.End()
}
