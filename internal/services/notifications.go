package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/pawmarket/pawmarket/internal/email"
	"github.com/pawmarket/pawmarket/internal/logging"
	"github.com/pawmarket/pawmarket/internal/models"
)

// Notifier delivers buyer and applicant notifications. Delivery is best
// effort; callers log failures and never roll back on them.
type Notifier interface {
	OrderConfirmed(ctx context.Context, order *models.Order) error
	AdoptionDecided(ctx context.Context, app *models.AdoptionApplication, pet *models.Pet) error
}

type noopNotifier struct{}

func (noopNotifier) OrderConfirmed(context.Context, *models.Order) error { return nil }

func (noopNotifier) AdoptionDecided(context.Context, *models.AdoptionApplication, *models.Pet) error {
	return nil
}

// EmailNotifier renders notification templates and sends them through an
// e-mail provider.
type EmailNotifier struct {
	provider email.Provider
	currency string
}

func NewEmailNotifier(provider email.Provider, currency string) Notifier {
	if provider == nil {
		return noopNotifier{}
	}
	return &EmailNotifier{provider: provider, currency: currency}
}

func (n *EmailNotifier) OrderConfirmed(ctx context.Context, order *models.Order) error {
	msg := &email.Message{
		To:      order.BuyerEmail,
		OrderID: order.ID.String(),
		Total:   email.FormatCents(order.TotalCents, n.currency),
	}
	for _, item := range order.Items {
		msg.Items = append(msg.Items, email.MessageItem{
			Name:  item.PetName,
			Price: email.FormatCents(item.PriceCents, n.currency),
		})
	}
	return email.Send(ctx, n.provider, email.TemplateOrderConfirmation, msg)
}

func (n *EmailNotifier) AdoptionDecided(ctx context.Context, app *models.AdoptionApplication, pet *models.Pet) error {
	template := email.TemplateAdoptionRejected
	if app.Status == models.AdoptionApproved {
		template = email.TemplateAdoptionApproved
	}
	petName := "your pet"
	if pet != nil && pet.Name != "" {
		petName = pet.Name
	}
	return email.Send(ctx, n.provider, template, &email.Message{
		To:         app.ApplicantEmail,
		PetName:    petName,
		AdminNotes: app.AdminNotes,
	})
}

const notificationTimeout = 10 * time.Second

// notify runs a best-effort side effect after commit. It detaches from the
// request's cancellation so a client disconnect does not drop the message.
func notify(ctx context.Context, fallback *slog.Logger, what string, send func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notificationTimeout)
	defer cancel()

	if err := send(ctx); err != nil {
		logging.FromContext(ctx, fallback).Warn("notification failed", "notification", what, "error", err)
	}
}
