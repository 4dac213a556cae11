package handlers

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/pawmarket/pawmarket/internal/models"
)

func (h *Handlers) AdminListAdoptions(w http.ResponseWriter, r *http.Request) {
	apps, err := h.adoptions.ListAll(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeApplications(w, h, r, apps)
}

type adoptionDecisionRequest struct {
	Status     models.AdoptionStatus `json:"status" validate:"required,oneof=approved rejected"`
	AdminNotes string                `json:"admin_notes" validate:"max=5000"`
}

type adoptionDecisionResponse struct {
	Application *models.AdoptionApplication   `json:"application"`
	Pet         *models.Pet                   `json:"pet,omitempty"`
	Rejected    []*models.AdoptionApplication `json:"rejected_competitors,omitempty"`
}

// AdminDecideAdoption approves or rejects a pending application.
func (h *Handlers) AdminDecideAdoption(w http.ResponseWriter, r *http.Request) {
	applicationID, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid application id")
		return
	}

	var req adoptionDecisionRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	ctx := r.Context()
	logger := h.loggerFromContext(ctx).With("application_id", applicationID, "decision", req.Status)

	var resp adoptionDecisionResponse
	switch req.Status {
	case models.AdoptionApproved:
		decision, err := h.adoptions.Approve(ctx, applicationID, req.AdminNotes)
		if err != nil {
			h.writeServiceError(w, r, err)
			return
		}
		resp = adoptionDecisionResponse{Application: decision.Application, Pet: decision.Pet, Rejected: decision.Rejected}
	default:
		app, err := h.adoptions.Reject(ctx, applicationID, req.AdminNotes)
		if err != nil {
			h.writeServiceError(w, r, err)
			return
		}
		resp = adoptionDecisionResponse{Application: app}
	}

	logger.Info("adoption application decided")
	writeJSON(w, logger, http.StatusOK, resp)
}

func (h *Handlers) AdminApprovePet(w http.ResponseWriter, r *http.Request) {
	h.moderateListing(w, r, h.inventory.ApproveListing)
}

func (h *Handlers) AdminRejectPet(w http.ResponseWriter, r *http.Request) {
	h.moderateListing(w, r, h.inventory.RejectListing)
}

func (h *Handlers) moderateListing(w http.ResponseWriter, r *http.Request, moderate func(ctx context.Context, petID uuid.UUID) (*models.Pet, error)) {
	petID, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid pet id")
		return
	}

	pet, err := moderate(r.Context(), petID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, h.loggerFromContext(r.Context()), http.StatusOK, pet)
}
