package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/pawmarket/pawmarket/internal/crypto"
	"github.com/pawmarket/pawmarket/internal/logging"
	"github.com/pawmarket/pawmarket/internal/models"
	"github.com/pawmarket/pawmarket/internal/observability"
)

// OrderLedger owns orders and their items. It reserves and settles pets
// through PetInventory only.
type OrderLedger struct {
	tx        transactor
	orders    orderStore
	inventory *PetInventory
	logger    *slog.Logger
}

func NewOrderLedger(tx transactor, orders orderStore, inventory *PetInventory, logger *slog.Logger) *OrderLedger {
	return &OrderLedger{tx: tx, orders: orders, inventory: inventory, logger: logger}
}

func (s *OrderLedger) loggerFromContext(ctx context.Context) *slog.Logger {
	return logging.FromContext(ctx, s.logger)
}

type OrderItemInput struct {
	PetID uuid.UUID
	// PriceCents is the price the caller saw. When set it must match the
	// pet's current price.
	PriceCents *int64
}

type CreateOrderInput struct {
	UserID          uuid.UUID
	BuyerEmail      string
	Items           []OrderItemInput
	TotalCents      *int64
	ShippingAddress string
}

// CreateOrder reserves every pet in the order and persists the order with
// price snapshots. Either every pet is reserved or none is.
func (s *OrderLedger) CreateOrder(ctx context.Context, input CreateOrderInput) (_ *models.Order, err error) {
	span, ctx := observability.StartSpan(ctx, "service.order", "CreateOrder")
	defer func() { observability.FinishSpan(span, err) }()

	if err := validateCreateOrder(input); err != nil {
		return nil, err
	}

	var order *models.Order
	err = s.tx.WithTx(ctx, func(ctx context.Context) error {
		pets := make([]*models.Pet, 0, len(input.Items))
		for _, item := range input.Items {
			pet, err := s.inventory.Get(ctx, item.PetID)
			if err != nil {
				return err
			}
			if err := checkPurchasable(pet, item); err != nil {
				return err
			}
			pets = append(pets, pet)
		}

		var total int64
		for _, pet := range pets {
			total += *pet.PriceCents
		}
		if input.TotalCents != nil && *input.TotalCents != total {
			return validationf("total %d does not match items total %d", *input.TotalCents, total)
		}

		// Locks follow pet id order so overlapping orders cannot deadlock.
		byID := make(map[uuid.UUID]*models.Pet, len(pets))
		lockOrder := make([]uuid.UUID, 0, len(pets))
		for _, pet := range pets {
			byID[pet.ID] = pet
			lockOrder = append(lockOrder, pet.ID)
		}
		models.SortPetIDs(lockOrder)

		reserved := make([]uuid.UUID, 0, len(lockOrder))
		for _, petID := range lockOrder {
			locked, err := s.inventory.ReserveForSale(ctx, petID)
			if err == nil && (locked.PriceCents == nil || *locked.PriceCents != *byID[petID].PriceCents) {
				err = conflictf("price of pet %s changed during checkout", petID)
				reserved = append(reserved, petID)
			}
			if err != nil {
				s.releaseAll(ctx, reserved)
				return err
			}
			reserved = append(reserved, petID)
		}

		items := make([]models.OrderItem, 0, len(pets))
		for _, pet := range pets {
			items = append(items, models.OrderItem{
				PetID:      pet.ID,
				PetName:    pet.Name,
				PriceCents: *pet.PriceCents,
			})
		}

		order = &models.Order{
			UserID:          input.UserID,
			BuyerEmail:      strings.TrimSpace(input.BuyerEmail),
			TotalCents:      total,
			ShippingAddress: strings.TrimSpace(input.ShippingAddress),
			Status:          models.OrderPending,
			PaymentStatus:   models.PaymentPending,
			Items:           items,
		}
		return s.orders.Create(ctx, order)
	})
	if err != nil {
		return nil, storeErr(err, "pet reservation")
	}

	s.loggerFromContext(ctx).Info("order created",
		"order_id", order.ID,
		"items", len(order.Items),
		"total_cents", order.TotalCents,
		"shipping_address", crypto.Redact(order.ShippingAddress),
	)
	return order, nil
}

func validateCreateOrder(input CreateOrderInput) error {
	if input.UserID == uuid.Nil {
		return validationf("user is required")
	}
	if len(input.Items) == 0 {
		return validationf("order must contain at least one item")
	}
	if strings.TrimSpace(input.ShippingAddress) == "" {
		return validationf("shipping address is required")
	}

	seen := make(map[uuid.UUID]struct{}, len(input.Items))
	for _, item := range input.Items {
		if item.PetID == uuid.Nil {
			return validationf("item pet id is required")
		}
		if _, dup := seen[item.PetID]; dup {
			return validationf("pet %s listed more than once", item.PetID)
		}
		seen[item.PetID] = struct{}{}
	}
	return nil
}

func checkPurchasable(pet *models.Pet, item OrderItemInput) error {
	if pet.PriceCents == nil || *pet.PriceCents <= 0 {
		if pet.IsForAdoption {
			return validationf("pet %s is offered for adoption only", pet.ID)
		}
		return validationf("pet %s has no price", pet.ID)
	}
	if item.PriceCents != nil && *item.PriceCents != *pet.PriceCents {
		return validationf("price %d for pet %s does not match current price %d", *item.PriceCents, pet.ID, *pet.PriceCents)
	}
	return nil
}

// releaseAll undoes reservations made earlier in the same call. Failures are
// logged; the surrounding transaction rolls back regardless.
func (s *OrderLedger) releaseAll(ctx context.Context, petIDs []uuid.UUID) {
	for _, petID := range petIDs {
		if _, err := s.inventory.ReleaseReservation(ctx, petID); err != nil {
			s.loggerFromContext(ctx).Warn("failed to release reservation", "pet_id", petID, "error", err)
		}
	}
}

// MarkPaid confirms the order and sells its pets to the buyer. Repeating the
// call with the same payment reference is a no-op.
func (s *OrderLedger) MarkPaid(ctx context.Context, orderID uuid.UUID, paymentRef string) (*models.Order, error) {
	if strings.TrimSpace(paymentRef) == "" {
		return nil, validationf("payment reference is required")
	}

	var order *models.Order
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		current, err := s.lock(ctx, orderID)
		if err != nil {
			return err
		}

		switch {
		case current.PaymentStatus == models.PaymentPaid && current.PaymentIntentID == paymentRef:
			order = current
			return nil
		case current.PaymentStatus == models.PaymentPaid:
			return conflictf("order %s already paid with a different payment reference", orderID)
		case current.Status != models.OrderPending || current.PaymentStatus != models.PaymentPending:
			return conflictf("order %s is %s/%s, cannot mark paid", orderID, current.Status, current.PaymentStatus)
		}

		if err := s.orders.MarkPaid(ctx, orderID, paymentRef); err != nil {
			return storeErr(err, "order")
		}
		for _, petID := range current.PetIDs() {
			if _, err := s.inventory.FinalizeSale(ctx, petID, current.UserID); err != nil {
				return err
			}
		}

		order, err = s.lock(ctx, orderID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

// MarkFailed cancels an unpaid order and releases its pets. An order that
// already failed is returned unchanged.
func (s *OrderLedger) MarkFailed(ctx context.Context, orderID uuid.UUID) (*models.Order, error) {
	var order *models.Order
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		current, err := s.lock(ctx, orderID)
		if err != nil {
			return err
		}

		switch current.PaymentStatus {
		case models.PaymentFailed:
			order = current
			return nil
		case models.PaymentPaid, models.PaymentRefunded:
			return conflictf("order %s is already %s", orderID, current.PaymentStatus)
		}

		if err := s.orders.MarkFailed(ctx, orderID); err != nil {
			return storeErr(err, "order")
		}
		for _, petID := range current.PetIDs() {
			if _, err := s.inventory.ReleaseReservation(ctx, petID); err != nil {
				return err
			}
		}

		order, err = s.lock(ctx, orderID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

// Cancel abandons an order whose checkout could not be started.
func (s *OrderLedger) Cancel(ctx context.Context, orderID uuid.UUID) (*models.Order, error) {
	return s.MarkFailed(ctx, orderID)
}

// MarkRefunded refunds a paid order and returns its sold pets to inventory.
func (s *OrderLedger) MarkRefunded(ctx context.Context, orderID uuid.UUID) (*models.Order, error) {
	var order *models.Order
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		current, err := s.lock(ctx, orderID)
		if err != nil {
			return err
		}

		switch current.PaymentStatus {
		case models.PaymentRefunded:
			order = current
			return nil
		case models.PaymentPaid:
		default:
			return conflictf("order %s is %s, only paid orders can be refunded", orderID, current.PaymentStatus)
		}

		if err := s.orders.MarkRefunded(ctx, orderID); err != nil {
			return storeErr(err, "order")
		}
		for _, petID := range current.PetIDs() {
			if _, err := s.inventory.ReleaseReservation(ctx, petID); err != nil {
				return err
			}
		}

		order, err = s.lock(ctx, orderID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

func (s *OrderLedger) AttachCheckoutSession(ctx context.Context, orderID uuid.UUID, sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return validationf("session id is required")
	}
	return s.tx.WithTx(ctx, func(ctx context.Context) error {
		if err := s.orders.AttachCheckoutSession(ctx, orderID, sessionID); err != nil {
			if _, getErr := s.orders.GetByID(ctx, orderID); getErr != nil {
				return storeErr(getErr, "order")
			}
			return fmt.Errorf("%w: order %s is no longer awaiting payment", ErrConflict, orderID)
		}
		return nil
	})
}

// Get returns the order when the principal owns it or is an admin.
func (s *OrderLedger) Get(ctx context.Context, orderID uuid.UUID, principal models.Principal) (*models.Order, error) {
	order, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return nil, storeErr(err, "order")
	}
	if !principal.CanAccess(order.UserID) {
		return nil, fmt.Errorf("%w: order %s", ErrForbidden, orderID)
	}
	return order, nil
}

func (s *OrderLedger) ListForUser(ctx context.Context, userID uuid.UUID) ([]*models.Order, error) {
	return s.orders.ListByUser(ctx, userID, defaultListLimit)
}

// FindByPaymentRef locks and returns the order settled with the given
// payment reference.
func (s *OrderLedger) FindByPaymentRef(ctx context.Context, paymentRef string) (*models.Order, error) {
	order, err := s.orders.GetByPaymentIntentID(ctx, paymentRef)
	if err != nil {
		return nil, storeErr(err, "order")
	}
	return order, nil
}

func (s *OrderLedger) FindBySession(ctx context.Context, sessionID string) (*models.Order, error) {
	order, err := s.orders.GetByStripeSessionID(ctx, sessionID)
	if err != nil {
		return nil, storeErr(err, "order")
	}
	return order, nil
}

func (s *OrderLedger) lock(ctx context.Context, orderID uuid.UUID) (*models.Order, error) {
	order, err := s.orders.GetByIDForUpdate(ctx, orderID)
	if err != nil {
		return nil, storeErr(err, "order")
	}
	return order, nil
}
