package observability

import (
	"net/http"
	"time"

	sentryhttpclient "github.com/getsentry/sentry-go/httpclient"
)

const userAgent = "pawmarket-settlement/1"

// Only the payment gateway and the mail provider receive trace headers.
var outboundHosts = []string{
	"api.stripe.com",
	"api.resend.com",
}

type userAgentTransport struct {
	base http.RoundTripper
}

func (t userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", userAgent)
	}
	return t.base.RoundTrip(req)
}

// NewHTTPClient returns the client shared by the Stripe gateway and the
// Resend provider. Requests carry Sentry trace headers.
func NewHTTPClient(timeout time.Duration) *http.Client {
	transport := sentryhttpclient.NewSentryRoundTripper(
		userAgentTransport{base: http.DefaultTransport},
		sentryhttpclient.WithTracePropagationTargets(outboundHosts),
	)
	return &http.Client{Transport: transport, Timeout: timeout}
}
