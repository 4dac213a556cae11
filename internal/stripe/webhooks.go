package stripe

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	stripeapi "github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/webhook"
)

const SignatureHeader = "Stripe-Signature"

// maxWebhookBodyBytes matches Stripe's documented payload ceiling.
const maxWebhookBodyBytes = 64 * 1024

var (
	ErrSignatureInvalid = errors.New("webhook signature invalid")
	ErrPayloadMalformed = errors.New("webhook payload malformed")
)

// Event is a verified gateway event. Object is the raw data.object JSON and
// Payload the complete body as delivered.
type Event struct {
	ID      string
	Type    string
	Object  json.RawMessage
	Payload []byte
	Created time.Time
}

// VerifyWebhookSignature checks the signature header against the payload and
// decodes the event. Nothing is persisted before this succeeds.
func VerifyWebhookSignature(payload []byte, signature, secret string) (*Event, error) {
	if signature == "" {
		return nil, fmt.Errorf("%w: missing %s header", ErrSignatureInvalid, SignatureHeader)
	}
	if err := webhook.ValidatePayload(payload, signature, secret); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSignatureInvalid, err)
	}

	var raw stripeapi.Event
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPayloadMalformed, err)
	}
	if raw.ID == "" || raw.Type == "" {
		return nil, fmt.Errorf("%w: missing event id or type", ErrPayloadMalformed)
	}
	if raw.Data == nil || len(raw.Data.Raw) == 0 {
		return nil, fmt.Errorf("%w: missing data.object", ErrPayloadMalformed)
	}

	return &Event{
		ID:      raw.ID,
		Type:    string(raw.Type),
		Object:  raw.Data.Raw,
		Payload: payload,
		Created: time.Unix(raw.Created, 0).UTC(),
	}, nil
}

// ReadWebhookEvent reads and verifies a webhook request body.
func ReadWebhookEvent(r *http.Request, secret string) (*Event, error) {
	signature := r.Header.Get(SignatureHeader)
	if signature == "" {
		return nil, fmt.Errorf("%w: missing %s header", ErrSignatureInvalid, SignatureHeader)
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read request body: %w", ErrPayloadMalformed, err)
	}
	if len(payload) > maxWebhookBodyBytes {
		return nil, fmt.Errorf("%w: body exceeds %d bytes", ErrPayloadMalformed, maxWebhookBodyBytes)
	}

	return VerifyWebhookSignature(payload, signature, secret)
}
