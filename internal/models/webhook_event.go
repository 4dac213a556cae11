package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type ProcessingStatus string

const (
	ProcessingSuccess ProcessingStatus = "success"
	ProcessingFailed  ProcessingStatus = "failed"
)

// WebhookEvent is one row of the idempotency ledger, keyed by the gateway's
// event id.
type WebhookEvent struct {
	ID               uuid.UUID        `json:"id"`
	ExternalID       string           `json:"external_id"`
	EventType        string           `json:"event_type"`
	Payload          json.RawMessage  `json:"payload"`
	ProcessingStatus ProcessingStatus `json:"processing_status"`
	ErrorMessage     string           `json:"error_message"`
	RetryCount       int              `json:"retry_count"`
	ProcessedAt      time.Time        `json:"processed_at"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}
