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

const adoptionColumns = `id, user_id, applicant_email, pet_id, shelter_id, status, message, admin_notes, created_at, updated_at`

type AdoptionStore struct {
	pool *pgxpool.Pool
}

func NewAdoptionStore(pool *pgxpool.Pool) *AdoptionStore {
	return &AdoptionStore{pool: pool}
}

// Create inserts a pending application. A second active application for the
// same (user, pet) trips the partial unique index and yields ErrUniqueViolation.
func (s *AdoptionStore) Create(ctx context.Context, app *models.AdoptionApplication) error {
	if app.ID == uuid.Nil {
		app.ID = uuid.New()
	}
	if app.Status == "" {
		app.Status = models.AdoptionPending
	}

	query := `
		INSERT INTO adoption_applications (id, user_id, applicant_email, pet_id, shelter_id, status, message)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`
	err := querier(ctx, s.pool).QueryRow(ctx, query,
		app.ID, app.UserID, app.ApplicantEmail, app.PetID, app.ShelterID, string(app.Status), app.Message,
	).Scan(&app.CreatedAt, &app.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: active application exists", ErrUniqueViolation)
	}
	return err
}

func (s *AdoptionStore) GetByID(ctx context.Context, applicationID uuid.UUID) (*models.AdoptionApplication, error) {
	row := querier(ctx, s.pool).QueryRow(ctx, `SELECT `+adoptionColumns+` FROM adoption_applications WHERE id = $1`, applicationID)
	app, err := scanAdoption(row)
	if err != nil {
		return nil, notFound(err)
	}
	return app, nil
}

// FindActive returns the user's pending or approved application for the pet.
func (s *AdoptionStore) FindActive(ctx context.Context, userID, petID uuid.UUID) (*models.AdoptionApplication, error) {
	query := `
		SELECT ` + adoptionColumns + ` FROM adoption_applications
		WHERE user_id = $1 AND pet_id = $2 AND status IN ('pending', 'approved')
		ORDER BY created_at DESC
		LIMIT 1
	`
	app, err := scanAdoption(querier(ctx, s.pool).QueryRow(ctx, query, userID, petID))
	if err != nil {
		return nil, notFound(err)
	}
	return app, nil
}

func (s *AdoptionStore) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.AdoptionApplication, error) {
	return s.list(ctx, `SELECT `+adoptionColumns+` FROM adoption_applications WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`, userID, limit)
}

func (s *AdoptionStore) ListAll(ctx context.Context, limit int) ([]*models.AdoptionApplication, error) {
	return s.list(ctx, `SELECT `+adoptionColumns+` FROM adoption_applications ORDER BY created_at DESC LIMIT $1`, limit)
}

func (s *AdoptionStore) Approve(ctx context.Context, applicationID uuid.UUID, notes string) (*models.AdoptionApplication, error) {
	return s.transition(ctx, models.AdoptionApproved, applicationID, notes)
}

func (s *AdoptionStore) Reject(ctx context.Context, applicationID uuid.UUID, notes string) (*models.AdoptionApplication, error) {
	return s.transition(ctx, models.AdoptionRejected, applicationID, notes)
}

func (s *AdoptionStore) Cancel(ctx context.Context, applicationID uuid.UUID) (*models.AdoptionApplication, error) {
	return s.transition(ctx, models.AdoptionCancelled, applicationID, "")
}

// RejectCompeting rejects every other pending application for the pet and
// returns the rejected applications.
func (s *AdoptionStore) RejectCompeting(ctx context.Context, petID, approvedID uuid.UUID, note string) ([]*models.AdoptionApplication, error) {
	query := `
		UPDATE adoption_applications
		SET status = 'rejected', admin_notes = $3, updated_at = NOW()
		WHERE pet_id = $1 AND id <> $2 AND status = 'pending'
		RETURNING ` + adoptionColumns
	return s.list(ctx, query, petID, approvedID, note)
}

// transition moves a pending application to the target status. Empty notes
// keep the existing admin notes.
func (s *AdoptionStore) transition(ctx context.Context, to models.AdoptionStatus, applicationID uuid.UUID, notes string) (*models.AdoptionApplication, error) {
	query := `
		UPDATE adoption_applications
		SET status = $2, admin_notes = COALESCE(NULLIF($3, ''), admin_notes), updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
		RETURNING ` + adoptionColumns
	app, err := scanAdoption(querier(ctx, s.pool).QueryRow(ctx, query, applicationID, string(to), notes))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: expected pending", ErrInvalidStatusTransition)
	}
	if err != nil {
		return nil, err
	}
	return app, nil
}

func (s *AdoptionStore) list(ctx context.Context, query string, args ...any) ([]*models.AdoptionApplication, error) {
	rows, err := querier(ctx, s.pool).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	apps := make([]*models.AdoptionApplication, 0)
	for rows.Next() {
		app, err := scanAdoption(rows)
		if err != nil {
			return nil, err
		}
		apps = append(apps, app)
	}
	return apps, rows.Err()
}

func scanAdoption(row pgx.Row) (*models.AdoptionApplication, error) {
	var (
		app    models.AdoptionApplication
		status string
	)
	if err := row.Scan(
		&app.ID,
		&app.UserID,
		&app.ApplicantEmail,
		&app.PetID,
		&app.ShelterID,
		&status,
		&app.Message,
		&app.AdminNotes,
		&app.CreatedAt,
		&app.UpdatedAt,
	); err != nil {
		return nil, err
	}
	app.Status = models.AdoptionStatus(status)
	return &app, nil
}
