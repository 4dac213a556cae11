package handlers

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/pawmarket/pawmarket/internal/services"
)

type checkoutItemRequest struct {
	PetID      uuid.UUID `json:"pet_id" validate:"required"`
	PriceCents *int64    `json:"price_cents" validate:"omitempty,gt=0"`
}

type createSessionRequest struct {
	Items           []checkoutItemRequest `json:"items" validate:"required,min=1,max=20,dive"`
	TotalCents      *int64                `json:"total_cents" validate:"omitempty,gt=0"`
	ShippingAddress string                `json:"shipping_address" validate:"required,max=1000"`
	Email           string                `json:"email" validate:"omitempty,email"`
}

type createSessionResponse struct {
	OrderID   uuid.UUID `json:"order_id"`
	SessionID string    `json:"session_id"`
	URL       string    `json:"url"`
}

func (h *Handlers) CreateCheckoutSession(w http.ResponseWriter, r *http.Request) {
	if !h.checkoutAvailable(w) {
		return
	}

	var req createSessionRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	items := make([]services.OrderItemInput, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, services.OrderItemInput{PetID: item.PetID, PriceCents: item.PriceCents})
	}

	result, err := h.checkout.CreateCheckout(r.Context(), principal(r), services.CheckoutInput{
		Items:           items,
		TotalCents:      req.TotalCents,
		ShippingAddress: req.ShippingAddress,
		BuyerEmail:      req.Email,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, h.loggerFromContext(r.Context()), http.StatusCreated, createSessionResponse{
		OrderID:   result.OrderID,
		SessionID: result.SessionID,
		URL:       result.RedirectURL,
	})
}

type verifySessionResponse struct {
	OrderID       uuid.UUID `json:"order_id"`
	OrderStatus   string    `json:"order_status"`
	PaymentStatus string    `json:"payment_status"`
	Paid          bool      `json:"paid"`
}

func (h *Handlers) VerifyCheckoutSession(w http.ResponseWriter, r *http.Request) {
	if !h.checkoutAvailable(w) {
		return
	}

	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	verification, err := h.checkout.VerifyCheckout(r.Context(), principal(r), sessionID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, h.loggerFromContext(r.Context()), http.StatusOK, verifySessionResponse{
		OrderID:       verification.Order.ID,
		OrderStatus:   string(verification.Order.Status),
		PaymentStatus: verification.PaymentStatus,
		Paid:          verification.Paid,
	})
}

func (h *Handlers) Receipt(w http.ResponseWriter, r *http.Request) {
	if !h.checkoutAvailable(w) {
		return
	}

	orderID, err := parseUUID(r.URL.Query().Get("order_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "order_id must be a valid id")
		return
	}

	url, err := h.checkout.Receipt(r.Context(), principal(r), orderID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, h.loggerFromContext(r.Context()), http.StatusOK, map[string]string{"receipt_url": url})
}

func (h *Handlers) checkoutAvailable(w http.ResponseWriter) bool {
	if h.checkout == nil {
		writeError(w, http.StatusServiceUnavailable, "payments are not configured")
		return false
	}
	return true
}
