package observability

import (
	"context"

	"github.com/getsentry/sentry-go"
)

type meterKey struct{}

// WithMeter stores the request meter so services can add attributes and
// counters to it. A nil meter is replaced with a fresh one.
func WithMeter(ctx context.Context, meter sentry.Meter) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if meter == nil {
		meter = sentry.NewMeter(ctx)
	}
	return context.WithValue(ctx, meterKey{}, meter.WithCtx(ctx))
}

func MeterFromContext(ctx context.Context) sentry.Meter {
	if ctx == nil {
		ctx = context.Background()
	}
	if meter, _ := ctx.Value(meterKey{}).(sentry.Meter); meter != nil {
		return meter.WithCtx(ctx)
	}
	return sentry.NewMeter(ctx).WithCtx(ctx)
}

// StartSpan opens a manual span for a service operation such as
// "service.order" / "CreateOrder" and returns the context carrying it.
func StartSpan(ctx context.Context, op, description string) (*sentry.Span, context.Context) {
	span := sentry.StartSpan(
		ctx,
		op+"."+description,
		sentry.WithOpName(op),
		sentry.WithDescription(description),
		sentry.WithSpanOrigin(sentry.SpanOriginManual),
	)
	return span, span.Context()
}

// FinishSpan sets the span status from err and finishes it.
func FinishSpan(span *sentry.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.Status = sentry.SpanStatusInternalError
	} else {
		span.Status = sentry.SpanStatusOK
	}
	span.Finish()
}
