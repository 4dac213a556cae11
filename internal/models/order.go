package models

import (
	"bytes"
	"slices"
	"time"

	"github.com/google/uuid"
)

type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderConfirmed OrderStatus = "confirmed"
	OrderCancelled OrderStatus = "cancelled"
	OrderRefunded  OrderStatus = "refunded"
)

type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentPaid     PaymentStatus = "paid"
	PaymentFailed   PaymentStatus = "failed"
	PaymentRefunded PaymentStatus = "refunded"
)

type Order struct {
	ID              uuid.UUID     `json:"id"`
	UserID          uuid.UUID     `json:"user_id"`
	BuyerEmail      string        `json:"buyer_email"`
	TotalCents      int64         `json:"total_cents"`
	ShippingAddress string        `json:"shipping_address"`
	Status          OrderStatus   `json:"status"`
	PaymentStatus   PaymentStatus `json:"payment_status"`
	PaymentIntentID string        `json:"payment_intent_id"`
	StripeSessionID string        `json:"stripe_session_id"`
	Items           []OrderItem   `json:"items"`
	PaidAt          time.Time     `json:"paid_at"`
	RefundedAt      time.Time     `json:"refunded_at"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// OrderItem is the join between an order and a pet. PriceCents is the
// snapshot taken when the order was created.
type OrderItem struct {
	ID         uuid.UUID `json:"id"`
	OrderID    uuid.UUID `json:"order_id"`
	PetID      uuid.UUID `json:"pet_id"`
	PetName    string    `json:"pet_name"`
	PriceCents int64     `json:"price_cents"`
}

// ItemsTotal sums the snapshot prices of the order's items.
func (o *Order) ItemsTotal() int64 {
	var total int64
	for _, item := range o.Items {
		total += item.PriceCents
	}
	return total
}

// PetIDs returns the pets referenced by the order in item order.
// PetIDs returns the order's pets sorted by id, the order in which their
// rows are locked.
func (o *Order) PetIDs() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(o.Items))
	for _, item := range o.Items {
		ids = append(ids, item.PetID)
	}
	SortPetIDs(ids)
	return ids
}

// SortPetIDs sorts ids into lock order. Every path that locks more than one
// pet row takes the locks in this order.
func SortPetIDs(ids []uuid.UUID) {
	slices.SortFunc(ids, func(a, b uuid.UUID) int {
		return bytes.Compare(a[:], b[:])
	})
}

func (o *Order) IsPaid() bool {
	return o != nil && o.PaymentStatus == PaymentPaid
}

func (o *Order) IsOwnedBy(userID uuid.UUID) bool {
	return o != nil && o.UserID == userID
}
