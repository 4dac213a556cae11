package handlers

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/pawmarket/pawmarket/internal/models"
	"github.com/pawmarket/pawmarket/internal/services"
)

type submitAdoptionRequest struct {
	PetID     uuid.UUID  `json:"pet_id" validate:"required"`
	ShelterID *uuid.UUID `json:"shelter_id"`
	Message   string     `json:"message" validate:"max=5000"`
	Email     string     `json:"email" validate:"omitempty,email"`
}

func (h *Handlers) SubmitAdoption(w http.ResponseWriter, r *http.Request) {
	var req submitAdoptionRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	caller := principal(r)
	email := req.Email
	if email == "" {
		email = caller.Email
	}
	input := services.SubmitAdoptionInput{
		UserID:         caller.UserID,
		ApplicantEmail: email,
		PetID:          req.PetID,
		Message:        req.Message,
	}
	if req.ShelterID != nil {
		input.ShelterID = uuid.NullUUID{UUID: *req.ShelterID, Valid: true}
	}

	app, err := h.adoptions.Submit(r.Context(), input)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, h.loggerFromContext(r.Context()), http.StatusCreated, app)
}

func (h *Handlers) ListUserAdoptions(w http.ResponseWriter, r *http.Request) {
	apps, err := h.adoptions.ListForUser(r.Context(), principal(r).UserID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeApplications(w, h, r, apps)
}

type checkAdoptionResponse struct {
	HasApplied  bool                        `json:"has_applied"`
	Application *models.AdoptionApplication `json:"application,omitempty"`
}

func (h *Handlers) CheckAdoption(w http.ResponseWriter, r *http.Request) {
	petID, err := pathUUID(r, "petId")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid pet id")
		return
	}

	app, err := h.adoptions.CheckExisting(r.Context(), principal(r).UserID, petID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, h.loggerFromContext(r.Context()), http.StatusOK, checkAdoptionResponse{
		HasApplied:  app != nil,
		Application: app,
	})
}

func (h *Handlers) GetAdoption(w http.ResponseWriter, r *http.Request) {
	applicationID, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid application id")
		return
	}

	app, err := h.adoptions.Get(r.Context(), applicationID, principal(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, h.loggerFromContext(r.Context()), http.StatusOK, app)
}

func (h *Handlers) CancelAdoption(w http.ResponseWriter, r *http.Request) {
	applicationID, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid application id")
		return
	}

	app, err := h.adoptions.Cancel(r.Context(), applicationID, principal(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, h.loggerFromContext(r.Context()), http.StatusOK, app)
}

func writeApplications(w http.ResponseWriter, h *Handlers, r *http.Request, apps []*models.AdoptionApplication) {
	if apps == nil {
		apps = []*models.AdoptionApplication{}
	}
	writeJSON(w, h.loggerFromContext(r.Context()), http.StatusOK, map[string]any{"applications": apps})
}
