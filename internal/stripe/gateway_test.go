package stripe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/google/uuid"
)

// rewriteTransport sends every Stripe API call to a local test server.
type rewriteTransport struct {
	target *url.URL
}

func (t rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.URL.Scheme = t.target.Scheme
	req.URL.Host = t.target.Host
	return http.DefaultTransport.RoundTrip(req)
}

type recordedRequest struct {
	method string
	path   string
	form   url.Values
}

func newTestGateway(t *testing.T, body string) (*Gateway, func() recordedRequest) {
	t.Helper()

	var (
		mu   sync.Mutex
		last recordedRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm() error = %v", err)
		}
		mu.Lock()
		last = recordedRequest{method: r.Method, path: r.URL.Path, form: r.PostForm}
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body)) //nolint
	}))
	t.Cleanup(srv.Close)

	target, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse server url: %v", err)
	}
	gateway := NewGateway("sk_test_123", GatewayConfig{
		Currency:   "USD",
		SuccessURL: "https://pets.example/checkout/success",
		CancelURL:  "https://pets.example/cart",
		HTTPClient: &http.Client{Transport: rewriteTransport{target: target}},
	})
	return gateway, func() recordedRequest {
		mu.Lock()
		defer mu.Unlock()
		return last
	}
}

func TestGetCheckoutSession(t *testing.T) {
	t.Parallel()

	orderID := uuid.New()
	gateway, last := newTestGateway(t, `{
		"id": "cs_123",
		"object": "checkout.session",
		"status": "complete",
		"payment_status": "paid",
		"amount_total": 8000,
		"payment_intent": "pi_123",
		"metadata": {"order_id": "`+orderID.String()+`"}
	}`)

	status, err := gateway.GetCheckoutSession(context.Background(), "cs_123")
	if err != nil {
		t.Fatalf("GetCheckoutSession() error = %v", err)
	}

	req := last()
	if req.method != http.MethodGet || req.path != "/v1/checkout/sessions/cs_123" {
		t.Fatalf("request = %s %s", req.method, req.path)
	}
	if status.ID != "cs_123" || status.PaymentIntentID != "pi_123" || status.AmountTotal != 8000 {
		t.Fatalf("status = %+v", status)
	}
	if status.OrderID != orderID.String() {
		t.Fatalf("OrderID = %q, want %q", status.OrderID, orderID)
	}
	if !status.Paid() {
		t.Fatal("Paid() = false for a paid session")
	}
}

func TestGetCheckoutSessionRequiresID(t *testing.T) {
	t.Parallel()

	gateway, _ := newTestGateway(t, `{}`)
	if _, err := gateway.GetCheckoutSession(context.Background(), " "); err == nil {
		t.Fatal("GetCheckoutSession() with blank id error = nil")
	}
}

func TestCreateCheckoutSession(t *testing.T) {
	t.Parallel()

	orderID := uuid.New()
	petID := uuid.New()
	gateway, last := newTestGateway(t, `{
		"id": "cs_new",
		"object": "checkout.session",
		"url": "https://checkout.stripe.com/c/pay/cs_new"
	}`)

	session, err := gateway.CreateCheckoutSession(context.Background(), CheckoutSessionParams{
		OrderID:    orderID,
		BuyerEmail: "buyer@example.com",
		Items:      []CheckoutItem{{PetID: petID, Name: "Biscuit", PriceCents: 5000}},
	})
	if err != nil {
		t.Fatalf("CreateCheckoutSession() error = %v", err)
	}
	if session.ID != "cs_new" || session.RedirectURL != "https://checkout.stripe.com/c/pay/cs_new" {
		t.Fatalf("session = %+v", session)
	}

	req := last()
	if req.method != http.MethodPost || req.path != "/v1/checkout/sessions" {
		t.Fatalf("request = %s %s", req.method, req.path)
	}
	want := map[string]string{
		"metadata[order_id]":                            orderID.String(),
		"payment_intent_data[metadata][order_id]":       orderID.String(),
		"client_reference_id":                           orderID.String(),
		"customer_email":                                "buyer@example.com",
		"line_items[0][price_data][currency]":           "usd",
		"line_items[0][price_data][unit_amount]":        "5000",
		"line_items[0][price_data][product_data][name]": "Biscuit",
		"success_url":                                   "https://pets.example/checkout/success?session_id=" + CheckoutSessionPlaceholder,
	}
	for key, value := range want {
		if got := req.form.Get(key); got != value {
			t.Errorf("form[%s] = %q, want %q", key, got, value)
		}
	}
}
