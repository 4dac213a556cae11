package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/pawmarket/pawmarket/internal/db"
	"github.com/pawmarket/pawmarket/internal/logging"
	"github.com/pawmarket/pawmarket/internal/models"
	"github.com/pawmarket/pawmarket/internal/observability"
	"github.com/pawmarket/pawmarket/internal/telemetry"
)

// CompetingApplicationNote is stored on applications rejected because another
// application for the same pet was approved.
const CompetingApplicationNote = "Another application for this pet was approved."

// AdoptionLedger owns adoption applications. A pet is committed to an
// adopter only when an application is approved; submitting, rejecting and
// cancelling never change pet status.
type AdoptionLedger struct {
	tx        transactor
	apps      adoptionStore
	inventory *PetInventory
	notifier  Notifier
	publisher telemetry.Publisher
	logger    *slog.Logger
}

func NewAdoptionLedger(tx transactor, apps adoptionStore, inventory *PetInventory, notifier Notifier, publisher telemetry.Publisher, logger *slog.Logger) *AdoptionLedger {
	if notifier == nil {
		notifier = noopNotifier{}
	}
	if publisher == nil {
		publisher = telemetry.NewNoopPublisher()
	}
	return &AdoptionLedger{
		tx:        tx,
		apps:      apps,
		inventory: inventory,
		notifier:  notifier,
		publisher: publisher,
		logger:    logger,
	}
}

func (s *AdoptionLedger) loggerFromContext(ctx context.Context) *slog.Logger {
	return logging.FromContext(ctx, s.logger)
}

type SubmitAdoptionInput struct {
	UserID         uuid.UUID
	ApplicantEmail string
	PetID          uuid.UUID
	ShelterID      uuid.NullUUID
	Message        string
}

// Submit files a pending application.
func (s *AdoptionLedger) Submit(ctx context.Context, input SubmitAdoptionInput) (*models.AdoptionApplication, error) {
	if input.UserID == uuid.Nil || input.PetID == uuid.Nil {
		return nil, validationf("user and pet are required")
	}

	var app *models.AdoptionApplication
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		pet, err := s.inventory.Get(ctx, input.PetID)
		if err != nil {
			return err
		}

		// Adoption clears is_for_adoption, so state conflicts are checked
		// before the listing kind.
		existing, err := s.apps.FindActive(ctx, input.UserID, input.PetID)
		if err != nil && !errors.Is(err, db.ErrNotFound) {
			return err
		}
		if existing != nil {
			return conflictf("an active application for pet %s already exists", input.PetID)
		}
		if !pet.IsAvailable() {
			return conflictf("pet %s is %s", pet.ID, pet.Status)
		}
		if !pet.IsForAdoption {
			return validationf("pet %s is not offered for adoption", pet.ID)
		}

		shelterID := input.ShelterID
		if !shelterID.Valid {
			shelterID = pet.ShelterID
		}
		app = &models.AdoptionApplication{
			UserID:         input.UserID,
			ApplicantEmail: strings.TrimSpace(input.ApplicantEmail),
			PetID:          input.PetID,
			ShelterID:      shelterID,
			Status:         models.AdoptionPending,
			Message:        strings.TrimSpace(input.Message),
		}
		return storeErr(s.apps.Create(ctx, app), "active application exists")
	})
	if err != nil {
		return nil, err
	}

	s.publisher.Publish(ctx, telemetry.Event{
		Type:       telemetry.EventAdoptionSubmit,
		Key:        app.PetID.String(),
		Attributes: map[string]any{"application_id": app.ID.String()},
	})
	s.loggerFromContext(ctx).Info("adoption application submitted", "application_id", app.ID, "pet_id", app.PetID)
	return app, nil
}

// AdoptionDecision is the result of approving an application.
type AdoptionDecision struct {
	Application *models.AdoptionApplication
	Pet         *models.Pet
	// Rejected holds the competing applications rejected in the same step.
	Rejected []*models.AdoptionApplication
}

// Approve approves a pending application, hands the pet to the applicant
// and rejects every other pending application for that pet atomically.
func (s *AdoptionLedger) Approve(ctx context.Context, applicationID uuid.UUID, notes string) (_ *AdoptionDecision, err error) {
	span, ctx := observability.StartSpan(ctx, "service.adoption", "Approve")
	defer func() { observability.FinishSpan(span, err) }()

	ctx, logger := logging.With(ctx, s.logger, "application_id", applicationID)
	decision := &AdoptionDecision{}
	err = s.tx.WithTx(ctx, func(ctx context.Context) error {
		app, err := s.apps.Approve(ctx, applicationID, strings.TrimSpace(notes))
		if err != nil {
			return s.classify(ctx, err, applicationID)
		}

		pet, err := s.inventory.ApproveAdoption(ctx, app.PetID, app.UserID)
		if err != nil {
			return err
		}

		rejected, err := s.apps.RejectCompeting(ctx, app.PetID, app.ID, CompetingApplicationNote)
		if err != nil {
			return err
		}

		decision.Application = app
		decision.Pet = pet
		decision.Rejected = rejected
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Info("adoption application approved",
		"pet_id", decision.Pet.ID,
		"competing_rejected", len(decision.Rejected),
	)

	s.publisher.Publish(ctx, telemetry.Event{
		Type: telemetry.EventAdoptionApproved,
		Key:  decision.Pet.ID.String(),
		Attributes: map[string]any{
			"application_id":     applicationID.String(),
			"competing_rejected": len(decision.Rejected),
		},
	})
	notify(ctx, s.logger, "adoption_approved", func(ctx context.Context) error {
		return s.notifier.AdoptionDecided(ctx, decision.Application, decision.Pet)
	})
	for _, competitor := range decision.Rejected {
		notify(ctx, s.logger, "adoption_rejected", func(ctx context.Context) error {
			return s.notifier.AdoptionDecided(ctx, competitor, decision.Pet)
		})
	}
	return decision, nil
}

// Reject rejects a pending application. The pet is untouched.
func (s *AdoptionLedger) Reject(ctx context.Context, applicationID uuid.UUID, notes string) (*models.AdoptionApplication, error) {
	var app *models.AdoptionApplication
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		var err error
		app, err = s.apps.Reject(ctx, applicationID, strings.TrimSpace(notes))
		if err != nil {
			return s.classify(ctx, err, applicationID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publisher.Publish(ctx, telemetry.Event{
		Type:       telemetry.EventAdoptionRejected,
		Key:        app.PetID.String(),
		Attributes: map[string]any{"application_id": app.ID.String()},
	})
	notify(ctx, s.logger, "adoption_rejected", func(ctx context.Context) error {
		pet, _ := s.inventory.Get(ctx, app.PetID)
		return s.notifier.AdoptionDecided(ctx, app, pet)
	})
	return app, nil
}

// Cancel withdraws a pending application. Only the applicant may cancel.
func (s *AdoptionLedger) Cancel(ctx context.Context, applicationID uuid.UUID, principal models.Principal) (*models.AdoptionApplication, error) {
	var app *models.AdoptionApplication
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		current, err := s.apps.GetByID(ctx, applicationID)
		if err != nil {
			return storeErr(err, "adoption application")
		}
		if current.UserID != principal.UserID {
			return fmt.Errorf("%w: only the applicant may cancel", ErrForbidden)
		}

		app, err = s.apps.Cancel(ctx, applicationID)
		if err != nil {
			return s.classify(ctx, err, applicationID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return app, nil
}

// CheckExisting returns the caller's active application for the pet, or nil.
func (s *AdoptionLedger) CheckExisting(ctx context.Context, userID, petID uuid.UUID) (*models.AdoptionApplication, error) {
	app, err := s.apps.FindActive(ctx, userID, petID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return app, nil
}

func (s *AdoptionLedger) Get(ctx context.Context, applicationID uuid.UUID, principal models.Principal) (*models.AdoptionApplication, error) {
	app, err := s.apps.GetByID(ctx, applicationID)
	if err != nil {
		return nil, storeErr(err, "adoption application")
	}
	if !principal.CanAccess(app.UserID) {
		return nil, fmt.Errorf("%w: adoption application %s", ErrForbidden, applicationID)
	}
	return app, nil
}

func (s *AdoptionLedger) ListForUser(ctx context.Context, userID uuid.UUID) ([]*models.AdoptionApplication, error) {
	return s.apps.ListByUser(ctx, userID, defaultListLimit)
}

func (s *AdoptionLedger) ListAll(ctx context.Context) ([]*models.AdoptionApplication, error) {
	return s.apps.ListAll(ctx, defaultListLimit)
}

// classify explains a refused application transition: missing rows are
// ErrNotFound, terminal applications are ErrConflict.
func (s *AdoptionLedger) classify(ctx context.Context, err error, applicationID uuid.UUID) error {
	if !errors.Is(err, db.ErrInvalidStatusTransition) {
		return storeErr(err, "adoption application")
	}
	current, getErr := s.apps.GetByID(ctx, applicationID)
	if getErr != nil {
		return storeErr(getErr, "adoption application")
	}
	return conflictf("adoption application %s is already %s", applicationID, current.Status)
}
