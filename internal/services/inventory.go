package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/pawmarket/pawmarket/internal/db"
	"github.com/pawmarket/pawmarket/internal/logging"
	"github.com/pawmarket/pawmarket/internal/models"
)

// PetInventory owns the pet status machine. No other component writes a
// pet's status.
type PetInventory struct {
	pets   petStore
	logger *slog.Logger
}

func NewPetInventory(pets petStore, logger *slog.Logger) *PetInventory {
	return &PetInventory{pets: pets, logger: logger}
}

func (s *PetInventory) loggerFromContext(ctx context.Context) *slog.Logger {
	return logging.FromContext(ctx, s.logger)
}

func (s *PetInventory) Get(ctx context.Context, petID uuid.UUID) (*models.Pet, error) {
	pet, err := s.pets.GetByID(ctx, petID)
	if err != nil {
		return nil, storeErr(err, "pet")
	}
	return pet, nil
}

// ReserveForSale moves an available pet to pending.
func (s *PetInventory) ReserveForSale(ctx context.Context, petID uuid.UUID) (*models.Pet, error) {
	pet, err := s.pets.MarkPending(ctx, petID)
	if err != nil {
		return nil, s.classify(ctx, err, petID, models.PetPending, ErrConflict)
	}
	return pet, nil
}

// FinalizeSale moves a pending pet to sold and records the buyer as owner.
func (s *PetInventory) FinalizeSale(ctx context.Context, petID, buyerID uuid.UUID) (*models.Pet, error) {
	pet, err := s.pets.MarkSold(ctx, petID, buyerID)
	if err != nil {
		return nil, s.classify(ctx, err, petID, models.PetSold, ErrInvalidTransition)
	}
	return pet, nil
}

// ReleaseReservation returns a pending or sold pet to available and clears
// its owner. Releasing an available pet is a no-op.
func (s *PetInventory) ReleaseReservation(ctx context.Context, petID uuid.UUID) (*models.Pet, error) {
	pet, err := s.pets.Release(ctx, petID)
	if err == nil {
		return pet, nil
	}
	if !errors.Is(err, db.ErrInvalidStatusTransition) {
		return nil, err
	}

	current, getErr := s.pets.GetByID(ctx, petID)
	if getErr != nil {
		return nil, storeErr(getErr, "pet")
	}
	if current.Status == models.PetAvailable {
		return current, nil
	}
	return nil, fmt.Errorf("%w: pet %s is %s, cannot release", ErrInvalidTransition, petID, current.Status)
}

// ApproveAdoption moves an available pet straight to adopted, records the
// adopter as owner and clears the adoption flag.
func (s *PetInventory) ApproveAdoption(ctx context.Context, petID, adopterID uuid.UUID) (*models.Pet, error) {
	pet, err := s.pets.MarkAdopted(ctx, petID, adopterID)
	if err != nil {
		return nil, s.classify(ctx, err, petID, models.PetAdopted, ErrConflict)
	}
	return pet, nil
}

// ApproveListing publishes a listing awaiting moderation.
func (s *PetInventory) ApproveListing(ctx context.Context, petID uuid.UUID) (*models.Pet, error) {
	if err := s.ensureNotReserved(ctx, petID); err != nil {
		return nil, err
	}
	pet, err := s.pets.ApproveListing(ctx, petID)
	if err != nil {
		return nil, s.classify(ctx, err, petID, models.PetAvailable, ErrInvalidTransition)
	}
	s.loggerFromContext(ctx).Info("listing approved", "pet_id", petID)
	return pet, nil
}

// RejectListing takes a listing awaiting moderation out of circulation.
func (s *PetInventory) RejectListing(ctx context.Context, petID uuid.UUID) (*models.Pet, error) {
	if err := s.ensureNotReserved(ctx, petID); err != nil {
		return nil, err
	}
	pet, err := s.pets.RejectListing(ctx, petID)
	if err != nil {
		return nil, s.classify(ctx, err, petID, models.PetRejected, ErrInvalidTransition)
	}
	s.loggerFromContext(ctx).Info("listing rejected", "pet_id", petID)
	return pet, nil
}

// ensureNotReserved refuses moderation of a pending pet that is actually an
// order reservation.
func (s *PetInventory) ensureNotReserved(ctx context.Context, petID uuid.UUID) error {
	reserved, err := s.pets.HasUnsettledOrder(ctx, petID)
	if err != nil {
		return err
	}
	if reserved {
		return conflictf("pet %s is reserved by an unpaid order", petID)
	}
	return nil
}

// classify turns a failed compare-and-set into a service error by re-reading
// the pet.
func (s *PetInventory) classify(ctx context.Context, err error, petID uuid.UUID, to models.PetStatus, sentinel error) error {
	if !errors.Is(err, db.ErrInvalidStatusTransition) {
		return storeErr(err, "pet")
	}

	current, getErr := s.pets.GetByID(ctx, petID)
	if getErr != nil {
		return storeErr(getErr, "pet")
	}
	return fmt.Errorf("%w: pet %s is %s, cannot move to %s", sentinel, petID, current.Status, to)
}
