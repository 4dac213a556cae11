package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pawmarket/pawmarket/internal/models"
)

const petColumns = `id, name, category, is_for_adoption, price_cents, owner_id, shelter_id, status, created_at, updated_at`

// PetStore persists pets. Every status change is a conditional UPDATE so the
// row itself is the compare-and-set point for concurrent writers.
type PetStore struct {
	pool *pgxpool.Pool
}

func NewPetStore(pool *pgxpool.Pool) *PetStore {
	return &PetStore{pool: pool}
}

func (s *PetStore) Create(ctx context.Context, pet *models.Pet) error {
	if pet.ID == uuid.Nil {
		pet.ID = uuid.New()
	}
	if pet.Status == "" {
		pet.Status = models.PetAvailable
	}

	query := `
		INSERT INTO pets (id, name, category, is_for_adoption, price_cents, owner_id, shelter_id, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at
	`
	return querier(ctx, s.pool).QueryRow(ctx, query,
		pet.ID, pet.Name, pet.Category, pet.IsForAdoption, pet.PriceCents,
		pet.OwnerID, pet.ShelterID, string(pet.Status),
	).Scan(&pet.CreatedAt, &pet.UpdatedAt)
}

func (s *PetStore) GetByID(ctx context.Context, petID uuid.UUID) (*models.Pet, error) {
	row := querier(ctx, s.pool).QueryRow(ctx, `SELECT `+petColumns+` FROM pets WHERE id = $1`, petID)
	pet, err := scanPet(row)
	if err != nil {
		return nil, notFound(err)
	}
	return pet, nil
}

func (s *PetStore) MarkPending(ctx context.Context, petID uuid.UUID) (*models.Pet, error) {
	query := `
		UPDATE pets SET status = 'pending', updated_at = NOW()
		WHERE id = $1 AND status = 'available'
		RETURNING ` + petColumns
	return s.transition(ctx, "expected available", query, petID)
}

func (s *PetStore) MarkSold(ctx context.Context, petID, buyerID uuid.UUID) (*models.Pet, error) {
	query := `
		UPDATE pets SET status = 'sold', owner_id = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
		RETURNING ` + petColumns
	return s.transition(ctx, "expected pending", query, petID, buyerID)
}

func (s *PetStore) Release(ctx context.Context, petID uuid.UUID) (*models.Pet, error) {
	query := `
		UPDATE pets SET status = 'available', owner_id = NULL, updated_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'sold')
		RETURNING ` + petColumns
	return s.transition(ctx, "expected pending/sold", query, petID)
}

func (s *PetStore) MarkAdopted(ctx context.Context, petID, adopterID uuid.UUID) (*models.Pet, error) {
	query := `
		UPDATE pets SET status = 'adopted', owner_id = $2, is_for_adoption = FALSE, updated_at = NOW()
		WHERE id = $1 AND status = 'available'
		RETURNING ` + petColumns
	return s.transition(ctx, "expected available", query, petID, adopterID)
}

func (s *PetStore) ApproveListing(ctx context.Context, petID uuid.UUID) (*models.Pet, error) {
	query := `
		UPDATE pets SET status = 'available', updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
		RETURNING ` + petColumns
	return s.transition(ctx, "expected pending", query, petID)
}

func (s *PetStore) RejectListing(ctx context.Context, petID uuid.UUID) (*models.Pet, error) {
	query := `
		UPDATE pets SET status = 'rejected', updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
		RETURNING ` + petColumns
	return s.transition(ctx, "expected pending", query, petID)
}

// HasUnsettledOrder reports whether an order still awaiting payment holds the pet.
func (s *PetStore) HasUnsettledOrder(ctx context.Context, petID uuid.UUID) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM order_items oi
			JOIN orders o ON o.id = oi.order_id
			WHERE oi.pet_id = $1 AND o.payment_status = 'pending' AND o.status = 'pending'
		)
	`
	var exists bool
	if err := querier(ctx, s.pool).QueryRow(ctx, query, petID).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

func (s *PetStore) transition(ctx context.Context, expected, query string, args ...any) (*models.Pet, error) {
	pet, err := scanPet(querier(ctx, s.pool).QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidStatusTransition, expected)
	}
	if err != nil {
		return nil, err
	}
	return pet, nil
}

func scanPet(row pgx.Row) (*models.Pet, error) {
	var (
		pet    models.Pet
		status string
	)
	if err := row.Scan(
		&pet.ID,
		&pet.Name,
		&pet.Category,
		&pet.IsForAdoption,
		&pet.PriceCents,
		&pet.OwnerID,
		&pet.ShelterID,
		&status,
		&pet.CreatedAt,
		&pet.UpdatedAt,
	); err != nil {
		return nil, err
	}
	pet.Status = models.PetStatus(status)
	return &pet, nil
}
