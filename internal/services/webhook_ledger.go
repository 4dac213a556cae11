package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/pawmarket/pawmarket/internal/db"
	"github.com/pawmarket/pawmarket/internal/models"
)

const maxErrorMessageLength = 2000

// WebhookLedger guarantees at-most-once side effects per external event id.
// A row recorded as success is never modified again. A row recorded as
// failed is retryable: the next delivery of the same id takes it over.
type WebhookLedger struct {
	events webhookEventStore
}

func NewWebhookLedger(events webhookEventStore) *WebhookLedger {
	return &WebhookLedger{events: events}
}

// RecordAttempt claims the event id inside the caller's transaction. The
// row becomes durable, as success, only when that transaction commits.
func (l *WebhookLedger) RecordAttempt(ctx context.Context, eventID, eventType string, payload []byte) error {
	if eventID == "" {
		return validationf("event id is required")
	}
	if !json.Valid(payload) {
		return validationf("event payload is not valid JSON")
	}

	err := l.events.RecordAttempt(ctx, &models.WebhookEvent{
		ExternalID: eventID,
		EventType:  eventType,
		Payload:    payload,
	})
	if errors.Is(err, db.ErrUniqueViolation) {
		return fmt.Errorf("%w: %s", ErrDuplicateEvent, eventID)
	}
	return err
}

// MarkFailed records a processing failure. It must run outside the rolled
// back settlement transaction.
func (l *WebhookLedger) MarkFailed(ctx context.Context, eventID, eventType string, payload []byte, cause error) error {
	message := "unknown error"
	if cause != nil {
		message = cause.Error()
	}
	message = truncateUTF8(message, maxErrorMessageLength)
	if !json.Valid(payload) {
		payload = []byte("{}")
	}

	return l.events.MarkFailed(ctx, &models.WebhookEvent{
		ExternalID: eventID,
		EventType:  eventType,
		Payload:    payload,
	}, message)
}

// truncateUTF8 cuts s to at most limit bytes without splitting a rune.
func truncateUTF8(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// FindReceiptURL returns the receipt link the gateway attached to a charge
// for the payment.
func (l *WebhookLedger) FindReceiptURL(ctx context.Context, paymentRef string) (string, error) {
	url, err := l.events.FindReceiptURL(ctx, paymentRef)
	if err != nil {
		return "", storeErr(err, "receipt")
	}
	return url, nil
}
