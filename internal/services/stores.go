package services

import (
	"context"

	"github.com/google/uuid"

	"github.com/pawmarket/pawmarket/internal/models"
)

// The interfaces below are satisfied by the stores in internal/db. Each
// store joins the transaction carried in ctx, if any.

type transactor interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type petStore interface {
	GetByID(ctx context.Context, petID uuid.UUID) (*models.Pet, error)
	MarkPending(ctx context.Context, petID uuid.UUID) (*models.Pet, error)
	MarkSold(ctx context.Context, petID, buyerID uuid.UUID) (*models.Pet, error)
	Release(ctx context.Context, petID uuid.UUID) (*models.Pet, error)
	MarkAdopted(ctx context.Context, petID, adopterID uuid.UUID) (*models.Pet, error)
	ApproveListing(ctx context.Context, petID uuid.UUID) (*models.Pet, error)
	RejectListing(ctx context.Context, petID uuid.UUID) (*models.Pet, error)
	HasUnsettledOrder(ctx context.Context, petID uuid.UUID) (bool, error)
}

type orderStore interface {
	Create(ctx context.Context, order *models.Order) error
	GetByID(ctx context.Context, orderID uuid.UUID) (*models.Order, error)
	GetByIDForUpdate(ctx context.Context, orderID uuid.UUID) (*models.Order, error)
	GetByPaymentIntentID(ctx context.Context, paymentIntentID string) (*models.Order, error)
	GetByStripeSessionID(ctx context.Context, sessionID string) (*models.Order, error)
	ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Order, error)
	AttachCheckoutSession(ctx context.Context, orderID uuid.UUID, sessionID string) error
	MarkPaid(ctx context.Context, orderID uuid.UUID, paymentIntentID string) error
	MarkFailed(ctx context.Context, orderID uuid.UUID) error
	MarkRefunded(ctx context.Context, orderID uuid.UUID) error
}

type adoptionStore interface {
	Create(ctx context.Context, app *models.AdoptionApplication) error
	GetByID(ctx context.Context, applicationID uuid.UUID) (*models.AdoptionApplication, error)
	FindActive(ctx context.Context, userID, petID uuid.UUID) (*models.AdoptionApplication, error)
	ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.AdoptionApplication, error)
	ListAll(ctx context.Context, limit int) ([]*models.AdoptionApplication, error)
	Approve(ctx context.Context, applicationID uuid.UUID, notes string) (*models.AdoptionApplication, error)
	Reject(ctx context.Context, applicationID uuid.UUID, notes string) (*models.AdoptionApplication, error)
	Cancel(ctx context.Context, applicationID uuid.UUID) (*models.AdoptionApplication, error)
	RejectCompeting(ctx context.Context, petID, approvedID uuid.UUID, note string) ([]*models.AdoptionApplication, error)
}

type webhookEventStore interface {
	RecordAttempt(ctx context.Context, event *models.WebhookEvent) error
	MarkFailed(ctx context.Context, event *models.WebhookEvent, message string) error
	FindReceiptURL(ctx context.Context, paymentIntentID string) (string, error)
}

const defaultListLimit = 100
