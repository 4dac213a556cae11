package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pawmarket/pawmarket/internal/models"
)

// WebhookEventStore is the idempotency ledger. The unique constraint on
// external_id is the serialization point for concurrent deliveries.
type WebhookEventStore struct {
	pool *pgxpool.Pool
}

func NewWebhookEventStore(pool *pgxpool.Pool) *WebhookEventStore {
	return &WebhookEventStore{pool: pool}
}

// RecordAttempt inserts a success row for the event. An existing failed row
// is taken over so a redelivery can reprocess it; an existing success row
// yields ErrUniqueViolation. Concurrent inserts for the same id block on the
// unique index until the first transaction ends.
func (s *WebhookEventStore) RecordAttempt(ctx context.Context, event *models.WebhookEvent) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}

	query := `
		INSERT INTO webhook_events (id, external_id, event_type, payload, processing_status, processed_at)
		VALUES ($1, $2, $3, $4, 'success', NOW())
		ON CONFLICT (external_id) DO UPDATE
		SET processing_status = 'success', error_message = NULL, payload = EXCLUDED.payload,
		    processed_at = NOW(), updated_at = NOW()
		WHERE webhook_events.processing_status = 'failed'
		RETURNING id, retry_count, processed_at, created_at, updated_at
	`
	err := querier(ctx, s.pool).QueryRow(ctx, query, event.ID, event.ExternalID, event.EventType, []byte(event.Payload)).
		Scan(&event.ID, &event.RetryCount, &event.ProcessedAt, &event.CreatedAt, &event.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: event %s already processed", ErrUniqueViolation, event.ExternalID)
	}
	if err != nil {
		return err
	}
	event.ProcessingStatus = models.ProcessingSuccess
	return nil
}

// MarkFailed records a failed processing attempt. Success rows are never
// touched.
func (s *WebhookEventStore) MarkFailed(ctx context.Context, event *models.WebhookEvent, message string) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}

	query := `
		INSERT INTO webhook_events (id, external_id, event_type, payload, processing_status, error_message, processed_at)
		VALUES ($1, $2, $3, $4, 'failed', $5, NOW())
		ON CONFLICT (external_id) DO UPDATE
		SET error_message = EXCLUDED.error_message, retry_count = webhook_events.retry_count + 1,
		    processed_at = NOW(), updated_at = NOW()
		WHERE webhook_events.processing_status = 'failed'
	`
	_, err := querier(ctx, s.pool).Exec(ctx, query, event.ID, event.ExternalID, event.EventType, []byte(event.Payload), message)
	if err != nil {
		return err
	}
	event.ProcessingStatus = models.ProcessingFailed
	event.ErrorMessage = message
	return nil
}

func (s *WebhookEventStore) GetByExternalID(ctx context.Context, externalID string) (*models.WebhookEvent, error) {
	query := `
		SELECT id, external_id, event_type, payload, processing_status, error_message, retry_count,
		       processed_at, created_at, updated_at
		FROM webhook_events WHERE external_id = $1
	`
	var (
		event        models.WebhookEvent
		payload      []byte
		status       string
		errorMessage pgtype.Text
	)
	err := querier(ctx, s.pool).QueryRow(ctx, query, externalID).Scan(
		&event.ID,
		&event.ExternalID,
		&event.EventType,
		&payload,
		&status,
		&errorMessage,
		&event.RetryCount,
		&event.ProcessedAt,
		&event.CreatedAt,
		&event.UpdatedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}
	event.Payload = payload
	event.ProcessingStatus = models.ProcessingStatus(status)
	if errorMessage.Valid {
		event.ErrorMessage = errorMessage.String
	}
	return &event, nil
}

// FindReceiptURL returns the newest receipt URL recorded for a payment intent.
func (s *WebhookEventStore) FindReceiptURL(ctx context.Context, paymentIntentID string) (string, error) {
	query := `
		SELECT payload->'data'->'object'->>'receipt_url'
		FROM webhook_events
		WHERE payload->'data'->'object'->>'payment_intent' = $1
		  AND payload->'data'->'object'->>'receipt_url' IS NOT NULL
		ORDER BY created_at DESC
		LIMIT 1
	`
	var receiptURL string
	if err := querier(ctx, s.pool).QueryRow(ctx, query, paymentIntentID).Scan(&receiptURL); err != nil {
		return "", notFound(err)
	}
	return receiptURL, nil
}
