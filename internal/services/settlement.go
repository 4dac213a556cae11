package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/getsentry/sentry-go"
	"github.com/getsentry/sentry-go/attribute"
	"github.com/google/uuid"
	stripeapi "github.com/stripe/stripe-go/v84"

	"github.com/pawmarket/pawmarket/internal/cache"
	"github.com/pawmarket/pawmarket/internal/logging"
	"github.com/pawmarket/pawmarket/internal/models"
	"github.com/pawmarket/pawmarket/internal/observability"
	"github.com/pawmarket/pawmarket/internal/stripe"
	"github.com/pawmarket/pawmarket/internal/telemetry"
)

const (
	EventCheckoutCompleted = "checkout.session.completed"
	EventCheckoutExpired   = "checkout.session.expired"
	EventPaymentFailed     = "payment_intent.payment_failed"
	EventPaymentSucceeded  = "payment_intent.succeeded"
	EventChargeRefunded    = "charge.refunded"
)

const (
	metadataOrderID     = "order_id"
	webhookSourceStripe = "stripe"
	cachedOutcome       = "settled"
)

type SettlementOutcome string

const (
	// OutcomeApplied means the event was recorded and its transition applied.
	OutcomeApplied SettlementOutcome = "applied"
	// OutcomeDuplicate means the event id was already settled; nothing changed.
	OutcomeDuplicate SettlementOutcome = "duplicate"
	// OutcomeIgnored means the event was recorded but required no mutation.
	OutcomeIgnored SettlementOutcome = "ignored"
)

type SettlementResult struct {
	EventID   string
	EventType string
	Outcome   SettlementOutcome
	OrderID   uuid.UUID
}

// SettlementCoordinator applies verified payment events. The ledger claim
// and the order transition share one transaction, so an event either
// settles completely or leaves no trace except a failed ledger row.
type SettlementCoordinator struct {
	tx        transactor
	ledger    *WebhookLedger
	orders    *OrderLedger
	dedupe    *cache.EventDeduper
	notifier  Notifier
	publisher telemetry.Publisher
	logger    *slog.Logger
}

type SettlementDeps struct {
	Tx        transactor
	Ledger    *WebhookLedger
	Orders    *OrderLedger
	Dedupe    *cache.EventDeduper
	Notifier  Notifier
	Publisher telemetry.Publisher
	Logger    *slog.Logger
}

func NewSettlementCoordinator(deps SettlementDeps) *SettlementCoordinator {
	if deps.Notifier == nil {
		deps.Notifier = noopNotifier{}
	}
	if deps.Publisher == nil {
		deps.Publisher = telemetry.NewNoopPublisher()
	}
	return &SettlementCoordinator{
		tx:        deps.Tx,
		ledger:    deps.Ledger,
		orders:    deps.Orders,
		dedupe:    deps.Dedupe,
		notifier:  deps.Notifier,
		publisher: deps.Publisher,
		logger:    deps.Logger,
	}
}

// dispatchResult carries what the transaction did out to the post-commit
// side effects.
type dispatchResult struct {
	outcome SettlementOutcome
	order   *models.Order
	kind    string
}

// Settle records and applies one verified event. A duplicate is reported as
// success. Any failure rolls back, marks the ledger row failed and returns
// ErrFatalProcessing so the sender redelivers.
func (c *SettlementCoordinator) Settle(ctx context.Context, event *stripe.Event) (result *SettlementResult, err error) {
	span, ctx := observability.StartSpan(ctx, "service.settlement", "Settle")
	defer func() { observability.FinishSpan(span, err) }()

	if event == nil || event.ID == "" {
		return nil, validationf("event is required")
	}

	meter := observability.MeterFromContext(ctx)
	meter.SetAttributes(
		attribute.String("webhook.provider", webhookSourceStripe),
		attribute.String("webhook.event_type", event.Type),
	)
	meter.Count("webhook.settlement.received", 1)
	span.SetData("webhook.event_id", event.ID)
	span.SetData("webhook.event_type", event.Type)
	defer func() {
		if err != nil {
			meter.Count("webhook.settlement.failed", 1)
			return
		}
		meter.Count("webhook.settlement.processed", 1, sentry.WithAttributes(
			attribute.String("outcome", string(result.Outcome)),
		))
	}()

	ctx, logger := logging.With(ctx, c.logger, "event_id", event.ID, "event_type", event.Type)
	result = &SettlementResult{EventID: event.ID, EventType: event.Type}

	if _, seen := c.dedupe.Seen(ctx, event.ID); seen {
		logger.Info("webhook event already settled (cache)")
		result.Outcome = OutcomeDuplicate
		return result, nil
	}

	var dispatched dispatchResult
	txErr := c.tx.WithTx(ctx, func(ctx context.Context) error {
		if err := c.ledger.RecordAttempt(ctx, event.ID, event.Type, event.Payload); err != nil {
			return err
		}
		var err error
		dispatched, err = c.dispatch(ctx, logger, event)
		return err
	})

	switch {
	case errors.Is(txErr, ErrDuplicateEvent):
		logger.Info("webhook event already settled")
		c.remember(ctx, logger, event.ID)
		c.publisher.Publish(ctx, telemetry.Event{Type: telemetry.EventWebhookDuplicate, Key: event.ID})
		result.Outcome = OutcomeDuplicate
		return result, nil
	case txErr != nil:
		logger.Error("webhook settlement failed", "error", txErr)
		if markErr := c.ledger.MarkFailed(ctx, event.ID, event.Type, event.Payload, txErr); markErr != nil {
			logger.Error("failed to record webhook failure", "error", markErr)
		}
		return nil, fmt.Errorf("%w: event %s: %w", ErrFatalProcessing, event.ID, txErr)
	}

	c.remember(ctx, logger, event.ID)
	result.Outcome = dispatched.outcome
	if dispatched.order != nil {
		result.OrderID = dispatched.order.ID
		c.afterCommit(ctx, dispatched)
	}
	logger.Info("webhook event settled", "outcome", result.Outcome, "order_id", result.OrderID)
	return result, nil
}

func (c *SettlementCoordinator) dispatch(ctx context.Context, logger *slog.Logger, event *stripe.Event) (dispatchResult, error) {
	switch event.Type {
	case EventCheckoutCompleted:
		return c.handleCheckoutCompleted(ctx, logger, event.Object)
	case EventCheckoutExpired:
		return c.handleCheckoutExpired(ctx, logger, event.Object)
	case EventPaymentFailed:
		return c.handlePaymentFailed(ctx, logger, event.Object)
	case EventChargeRefunded:
		return c.handleChargeRefunded(ctx, logger, event.Object)
	case EventPaymentSucceeded:
		logger.Info("payment intent succeeded; order settles on checkout completion")
		return dispatchResult{outcome: OutcomeIgnored}, nil
	default:
		logger.Info("unhandled webhook event type")
		return dispatchResult{outcome: OutcomeIgnored}, nil
	}
}

func (c *SettlementCoordinator) handleCheckoutCompleted(ctx context.Context, logger *slog.Logger, object json.RawMessage) (dispatchResult, error) {
	var session stripeapi.CheckoutSession
	if err := json.Unmarshal(object, &session); err != nil {
		return dispatchResult{}, fmt.Errorf("invalid checkout session object: %w", err)
	}

	if !stripe.IsSettledPaymentStatus(string(session.PaymentStatus)) {
		logger.Info("checkout completed without settled payment", "session_id", session.ID, "payment_status", session.PaymentStatus)
		return dispatchResult{outcome: OutcomeIgnored}, nil
	}

	order, err := c.orderForSession(ctx, session.Metadata, session.ID)
	if errors.Is(err, ErrNotFound) {
		logger.Warn("checkout session does not belong to a known order", "session_id", session.ID)
		return dispatchResult{outcome: OutcomeIgnored}, nil
	}
	if err != nil {
		return dispatchResult{}, err
	}

	paymentRef := session.ID
	if session.PaymentIntent != nil && session.PaymentIntent.ID != "" {
		paymentRef = session.PaymentIntent.ID
	}

	paid, err := c.orders.MarkPaid(ctx, order.ID, paymentRef)
	if err != nil {
		return dispatchResult{}, err
	}
	return dispatchResult{outcome: OutcomeApplied, order: paid, kind: telemetry.EventOrderPaid}, nil
}

func (c *SettlementCoordinator) handleCheckoutExpired(ctx context.Context, logger *slog.Logger, object json.RawMessage) (dispatchResult, error) {
	var session stripeapi.CheckoutSession
	if err := json.Unmarshal(object, &session); err != nil {
		return dispatchResult{}, fmt.Errorf("invalid checkout session object: %w", err)
	}

	order, err := c.orderForSession(ctx, session.Metadata, session.ID)
	if errors.Is(err, ErrNotFound) {
		logger.Warn("expired checkout session does not belong to a known order", "session_id", session.ID)
		return dispatchResult{outcome: OutcomeIgnored}, nil
	}
	if err != nil {
		return dispatchResult{}, err
	}

	failed, err := c.orders.MarkFailed(ctx, order.ID)
	if err != nil {
		return dispatchResult{}, err
	}
	return dispatchResult{outcome: OutcomeApplied, order: failed, kind: telemetry.EventOrderFailed}, nil
}

func (c *SettlementCoordinator) handlePaymentFailed(ctx context.Context, logger *slog.Logger, object json.RawMessage) (dispatchResult, error) {
	var intent stripeapi.PaymentIntent
	if err := json.Unmarshal(object, &intent); err != nil {
		return dispatchResult{}, fmt.Errorf("invalid payment intent object: %w", err)
	}

	// A declined attempt leaves the checkout session open and the buyer may
	// retry with another card, so the order is looked up by settled payment
	// reference only. Abandoned sessions are released by checkout expiry.
	order, err := c.orders.FindByPaymentRef(ctx, intent.ID)
	if errors.Is(err, ErrNotFound) {
		logger.Info("payment attempt failed on an open checkout; waiting for completion or expiry", "payment_intent_id", intent.ID)
		return dispatchResult{outcome: OutcomeIgnored}, nil
	}
	if err != nil {
		return dispatchResult{}, err
	}
	if order.PaymentStatus == models.PaymentPaid || order.PaymentStatus == models.PaymentRefunded {
		logger.Info("stale payment failure for a settled order", "payment_intent_id", intent.ID, "order_id", order.ID)
		return dispatchResult{outcome: OutcomeIgnored}, nil
	}

	failed, err := c.orders.MarkFailed(ctx, order.ID)
	if err != nil {
		return dispatchResult{}, err
	}
	return dispatchResult{outcome: OutcomeApplied, order: failed, kind: telemetry.EventOrderFailed}, nil
}

func (c *SettlementCoordinator) handleChargeRefunded(ctx context.Context, logger *slog.Logger, object json.RawMessage) (dispatchResult, error) {
	var charge stripeapi.Charge
	if err := json.Unmarshal(object, &charge); err != nil {
		return dispatchResult{}, fmt.Errorf("invalid charge object: %w", err)
	}
	if !charge.Refunded {
		logger.Info("partial refund does not settle the order", "charge_id", charge.ID, "amount_refunded", charge.AmountRefunded)
		return dispatchResult{outcome: OutcomeIgnored}, nil
	}
	if charge.PaymentIntent == nil || charge.PaymentIntent.ID == "" {
		logger.Warn("refunded charge has no payment intent", "charge_id", charge.ID)
		return dispatchResult{outcome: OutcomeIgnored}, nil
	}

	order, err := c.orders.FindByPaymentRef(ctx, charge.PaymentIntent.ID)
	if errors.Is(err, ErrNotFound) {
		logger.Warn("refund does not belong to a known order", "payment_intent_id", charge.PaymentIntent.ID)
		return dispatchResult{outcome: OutcomeIgnored}, nil
	}
	if err != nil {
		return dispatchResult{}, err
	}

	refunded, err := c.orders.MarkRefunded(ctx, order.ID)
	if err != nil {
		return dispatchResult{}, err
	}
	return dispatchResult{outcome: OutcomeApplied, order: refunded, kind: telemetry.EventOrderRefunded}, nil
}

func (c *SettlementCoordinator) orderForSession(ctx context.Context, metadata map[string]string, sessionID string) (*models.Order, error) {
	order, err := c.orderFromMetadata(ctx, metadata)
	if errors.Is(err, ErrNotFound) && sessionID != "" {
		return c.orders.FindBySession(ctx, sessionID)
	}
	return order, err
}

func (c *SettlementCoordinator) orderFromMetadata(ctx context.Context, metadata map[string]string) (*models.Order, error) {
	raw := metadata[metadataOrderID]
	if raw == "" {
		return nil, fmt.Errorf("%w: no order_id metadata", ErrNotFound)
	}
	orderID, err := uuid.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed order_id metadata %q", ErrNotFound, raw)
	}
	order, err := c.orders.lock(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return order, nil
}

func (c *SettlementCoordinator) remember(ctx context.Context, logger *slog.Logger, eventID string) {
	if err := c.dedupe.Remember(ctx, eventID, cachedOutcome); err != nil {
		logger.Warn("failed to cache settled webhook event", "error", err)
	}
}

func (c *SettlementCoordinator) afterCommit(ctx context.Context, dispatched dispatchResult) {
	order := dispatched.order
	c.publisher.Publish(ctx, telemetry.Event{
		Type: dispatched.kind,
		Key:  order.ID.String(),
		Attributes: map[string]any{
			"total_cents":    order.TotalCents,
			"items":          len(order.Items),
			"payment_status": string(order.PaymentStatus),
		},
	})
	if dispatched.kind == telemetry.EventOrderPaid {
		notify(ctx, c.logger, "order_confirmed", func(ctx context.Context) error {
			return c.notifier.OrderConfirmed(ctx, order)
		})
	}
}
