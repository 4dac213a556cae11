package handlers

import (
	"net/http"

	"github.com/getsentry/sentry-go"
	"github.com/getsentry/sentry-go/attribute"

	"github.com/pawmarket/pawmarket/internal/observability"
	"github.com/pawmarket/pawmarket/internal/stripe"
)

// MetricsContext must run after RequestLogger. It stores a meter carrying
// the request id and route so settlement counters can be joined to requests.
// RequireAuth later adds the caller to the same meter.
func (h *Handlers) MetricsContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		meter := sentry.NewMeter(ctx)
		meter.SetAttributes(
			attribute.String("http.request_id", requestIDFromContext(ctx)),
			attribute.String("http.method", r.Method),
			attribute.String("http.route", routeLabel(r)),
			attribute.String("network.client.ip", clientIP(r)),
		)
		if r.Header.Get(stripe.SignatureHeader) != "" {
			meter.SetAttributes(attribute.String("webhook.provider", "stripe"))
		}

		next.ServeHTTP(w, r.WithContext(observability.WithMeter(ctx, meter)))
	})
}
