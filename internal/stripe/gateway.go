// Package stripe adapts the Stripe API to the marketplace: checkout session
// creation, session lookups and webhook verification.
package stripe

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v84"
)

// CheckoutSessionPlaceholder is expanded by Stripe into the session id on
// redirect back to the success URL.
const CheckoutSessionPlaceholder = "{CHECKOUT_SESSION_ID}"

// GatewayConfig holds the non-secret checkout settings.
type GatewayConfig struct {
	Currency   string
	SuccessURL string
	CancelURL  string
	HTTPClient *http.Client
}

// Gateway creates and reads Stripe Checkout sessions.
type Gateway struct {
	client     *stripe.Client
	currency   string
	successURL string
	cancelURL  string
}

func NewGateway(secretKey string, cfg GatewayConfig) *Gateway {
	var opts []stripe.ClientOption
	if cfg.HTTPClient != nil {
		opts = append(opts, stripe.WithBackends(stripe.NewBackendsWithConfig(&stripe.BackendConfig{
			HTTPClient: cfg.HTTPClient,
		})))
	}

	currency := strings.ToLower(strings.TrimSpace(cfg.Currency))
	if currency == "" {
		currency = "usd"
	}

	return &Gateway{
		client:     stripe.NewClient(secretKey, opts...),
		currency:   currency,
		successURL: cfg.SuccessURL,
		cancelURL:  cfg.CancelURL,
	}
}

// CheckoutItem is one pet line on the hosted checkout page.
type CheckoutItem struct {
	PetID      uuid.UUID
	Name       string
	PriceCents int64
}

// CheckoutSessionParams holds parameters for creating a checkout session
type CheckoutSessionParams struct {
	OrderID    uuid.UUID
	BuyerEmail string
	Items      []CheckoutItem
}

type CheckoutSession struct {
	ID          string
	RedirectURL string
}

// SessionStatus is the gateway's view of a checkout session.
type SessionStatus struct {
	ID              string
	Status          string
	PaymentStatus   string
	PaymentIntentID string
	OrderID         string
	AmountTotal     int64
}

// Paid reports whether the session has settled funds or needs none.
func (s *SessionStatus) Paid() bool {
	if s == nil {
		return false
	}
	return IsSettledPaymentStatus(s.PaymentStatus)
}

// IsSettledPaymentStatus reports whether a checkout session payment status
// means the order can be marked paid.
func IsSettledPaymentStatus(status string) bool {
	switch stripe.CheckoutSessionPaymentStatus(status) {
	case stripe.CheckoutSessionPaymentStatusPaid, stripe.CheckoutSessionPaymentStatusNoPaymentRequired:
		return true
	default:
		return false
	}
}

// CreateCheckoutSession creates a checkout session for an order. The order id
// is stored on both the session and its payment intent so every later event
// can be correlated back to the order.
func (g *Gateway) CreateCheckoutSession(ctx context.Context, params CheckoutSessionParams) (*CheckoutSession, error) {
	if ctx == nil {
		return nil, fmt.Errorf("context is required")
	}
	if params.OrderID == uuid.Nil {
		return nil, fmt.Errorf("order id is required")
	}
	if len(params.Items) == 0 {
		return nil, fmt.Errorf("at least one item is required")
	}

	metadata := map[string]string{"order_id": params.OrderID.String()}

	lineItems := make([]*stripe.CheckoutSessionCreateLineItemParams, 0, len(params.Items))
	for _, item := range params.Items {
		lineItems = append(lineItems, &stripe.CheckoutSessionCreateLineItemParams{
			PriceData: &stripe.CheckoutSessionCreateLineItemPriceDataParams{
				Currency: stripe.String(g.currency),
				ProductData: &stripe.CheckoutSessionCreateLineItemPriceDataProductDataParams{
					Name:     stripe.String(item.Name),
					Metadata: map[string]string{"pet_id": item.PetID.String()},
				},
				UnitAmount: stripe.Int64(item.PriceCents),
			},
			Quantity: stripe.Int64(1),
		})
	}

	sessionParams := &stripe.CheckoutSessionCreateParams{
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		Mode:               stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:         stripe.String(successURLWithSession(g.successURL)),
		CancelURL:          stripe.String(g.cancelURL),
		LineItems:          lineItems,
		ClientReferenceID:  stripe.String(params.OrderID.String()),
		Metadata:           metadata,
		PaymentIntentData: &stripe.CheckoutSessionCreatePaymentIntentDataParams{
			Metadata: metadata,
		},
	}
	if params.BuyerEmail != "" {
		sessionParams.CustomerEmail = stripe.String(params.BuyerEmail)
	}

	sess, err := g.client.V1CheckoutSessions.Create(ctx, sessionParams)
	if err != nil {
		return nil, fmt.Errorf("failed to create checkout session: %w", err)
	}

	return &CheckoutSession{ID: sess.ID, RedirectURL: sess.URL}, nil
}

// GetCheckoutSession retrieves a checkout session by id.
func (g *Gateway) GetCheckoutSession(ctx context.Context, sessionID string) (*SessionStatus, error) {
	if ctx == nil {
		return nil, fmt.Errorf("context is required")
	}
	if strings.TrimSpace(sessionID) == "" {
		return nil, fmt.Errorf("session id is required")
	}

	sess, err := g.client.V1CheckoutSessions.Retrieve(ctx, sessionID, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get checkout session: %w", err)
	}

	status := &SessionStatus{
		ID:            sess.ID,
		Status:        string(sess.Status),
		PaymentStatus: string(sess.PaymentStatus),
		OrderID:       sess.Metadata["order_id"],
		AmountTotal:   sess.AmountTotal,
	}
	if sess.PaymentIntent != nil {
		status.PaymentIntentID = sess.PaymentIntent.ID
	}
	return status, nil
}

func successURLWithSession(base string) string {
	if strings.Contains(base, CheckoutSessionPlaceholder) {
		return base
	}
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + "session_id=" + CheckoutSessionPlaceholder
}
