package handlers

import (
	"errors"
	"net/http"

	"github.com/pawmarket/pawmarket/internal/services"
	"github.com/pawmarket/pawmarket/internal/stripe"
)

type webhookResponse struct {
	Received bool   `json:"received"`
	EventID  string `json:"event_id"`
	Outcome  string `json:"outcome"`
}

// StripeWebhook verifies and settles one gateway event. Stripe redelivers on
// any non-2xx answer, so only verification failures and fatal processing
// errors are reported as such.
func (h *Handlers) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.loggerFromContext(ctx)

	event, err := stripe.ReadWebhookEvent(r, h.webhookSecret)
	if err != nil {
		logger.Warn("rejected Stripe webhook", "error", err)
		switch {
		case errors.Is(err, stripe.ErrSignatureInvalid):
			writeError(w, http.StatusBadRequest, "invalid signature")
		default:
			writeError(w, http.StatusBadRequest, "malformed payload")
		}
		return
	}

	result, err := h.settlement.Settle(ctx, event)
	if err != nil {
		if errors.Is(err, services.ErrValidation) {
			writeError(w, http.StatusBadRequest, "malformed payload")
			return
		}
		logger.Error("failed to settle Stripe webhook", "error", err, "event_id", event.ID, "type", event.Type)
		writeError(w, http.StatusInternalServerError, "processing failed")
		return
	}

	writeJSON(w, logger, http.StatusOK, webhookResponse{
		Received: true,
		EventID:  result.EventID,
		Outcome:  string(result.Outcome),
	})
}
