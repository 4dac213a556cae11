package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/pawmarket/pawmarket/internal/logging"
	"github.com/pawmarket/pawmarket/internal/models"
	"github.com/pawmarket/pawmarket/internal/stripe"
	"github.com/pawmarket/pawmarket/internal/telemetry"
)

type paymentGateway interface {
	CreateCheckoutSession(ctx context.Context, params stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	GetCheckoutSession(ctx context.Context, sessionID string) (*stripe.SessionStatus, error)
}

// CheckoutService turns a cart into a reserved order and a hosted checkout
// session. Payment outcomes arrive later through the settlement coordinator.
type CheckoutService struct {
	orders    *OrderLedger
	ledger    *WebhookLedger
	gateway   paymentGateway
	publisher telemetry.Publisher
	logger    *slog.Logger
}

func NewCheckoutService(orders *OrderLedger, ledger *WebhookLedger, gateway paymentGateway, publisher telemetry.Publisher, logger *slog.Logger) *CheckoutService {
	if publisher == nil {
		publisher = telemetry.NewNoopPublisher()
	}
	return &CheckoutService{
		orders:    orders,
		ledger:    ledger,
		gateway:   gateway,
		publisher: publisher,
		logger:    logger,
	}
}

func (s *CheckoutService) loggerFromContext(ctx context.Context) *slog.Logger {
	return logging.FromContext(ctx, s.logger)
}

type CheckoutInput struct {
	Items           []OrderItemInput
	TotalCents      *int64
	ShippingAddress string
	BuyerEmail      string
}

type CheckoutResult struct {
	OrderID     uuid.UUID
	SessionID   string
	RedirectURL string
}

// CreateCheckout reserves the pets, opens a checkout session and links it to
// the order. If the gateway refuses, the order is cancelled and its pets
// released before the error is returned.
func (s *CheckoutService) CreateCheckout(ctx context.Context, principal models.Principal, input CheckoutInput) (*CheckoutResult, error) {
	logger := s.loggerFromContext(ctx)

	buyerEmail := input.BuyerEmail
	if buyerEmail == "" {
		buyerEmail = principal.Email
	}

	order, err := s.orders.CreateOrder(ctx, CreateOrderInput{
		UserID:          principal.UserID,
		BuyerEmail:      buyerEmail,
		Items:           input.Items,
		TotalCents:      input.TotalCents,
		ShippingAddress: input.ShippingAddress,
	})
	if err != nil {
		return nil, err
	}

	items := make([]stripe.CheckoutItem, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, stripe.CheckoutItem{
			PetID:      item.PetID,
			Name:       item.PetName,
			PriceCents: item.PriceCents,
		})
	}

	session, err := s.gateway.CreateCheckoutSession(ctx, stripe.CheckoutSessionParams{
		OrderID:    order.ID,
		BuyerEmail: order.BuyerEmail,
		Items:      items,
	})
	if err != nil {
		logger.Error("failed to create checkout session", "order_id", order.ID, "error", err)
		if _, cancelErr := s.orders.Cancel(context.WithoutCancel(ctx), order.ID); cancelErr != nil {
			logger.Error("failed to cancel order after gateway failure", "order_id", order.ID, "error", cancelErr)
		}
		return nil, fmt.Errorf("%w: %w", ErrPaymentGateway, err)
	}

	if err := s.orders.AttachCheckoutSession(ctx, order.ID, session.ID); err != nil {
		return nil, fmt.Errorf("failed to link checkout session: %w", err)
	}

	s.publisher.Publish(ctx, telemetry.Event{
		Type: telemetry.EventOrderCreated,
		Key:  order.ID.String(),
		Attributes: map[string]any{
			"total_cents": order.TotalCents,
			"items":       len(order.Items),
		},
	})
	logger.Info("checkout session created", "order_id", order.ID, "session_id", session.ID)

	return &CheckoutResult{
		OrderID:     order.ID,
		SessionID:   session.ID,
		RedirectURL: session.RedirectURL,
	}, nil
}

type CheckoutVerification struct {
	Order         *models.Order
	PaymentStatus string
	Paid          bool
}

// VerifyCheckout reports the gateway's view of a session next to the order.
// It never settles the order; only webhook events do.
func (s *CheckoutService) VerifyCheckout(ctx context.Context, principal models.Principal, sessionID string) (*CheckoutVerification, error) {
	if sessionID == "" {
		return nil, validationf("session id is required")
	}

	order, err := s.orders.FindBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !principal.CanAccess(order.UserID) {
		return nil, fmt.Errorf("%w: order %s", ErrForbidden, order.ID)
	}

	status, err := s.gateway.GetCheckoutSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPaymentGateway, err)
	}

	return &CheckoutVerification{
		Order:         order,
		PaymentStatus: status.PaymentStatus,
		Paid:          status.Paid(),
	}, nil
}

// Receipt returns the gateway receipt link for a paid order.
func (s *CheckoutService) Receipt(ctx context.Context, principal models.Principal, orderID uuid.UUID) (string, error) {
	order, err := s.orders.Get(ctx, orderID, principal)
	if err != nil {
		return "", err
	}
	if order.PaymentIntentID == "" {
		return "", fmt.Errorf("%w: order %s has no payment yet", ErrNotFound, orderID)
	}
	return s.ledger.FindReceiptURL(ctx, order.PaymentIntentID)
}
