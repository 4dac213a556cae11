package models

import (
	"time"

	"github.com/google/uuid"
)

type AdoptionStatus string

const (
	AdoptionPending   AdoptionStatus = "pending"
	AdoptionApproved  AdoptionStatus = "approved"
	AdoptionRejected  AdoptionStatus = "rejected"
	AdoptionCancelled AdoptionStatus = "cancelled"
)

// IsActive reports whether the status blocks another application by the
// same user for the same pet.
func (s AdoptionStatus) IsActive() bool {
	return s == AdoptionPending || s == AdoptionApproved
}

type AdoptionApplication struct {
	ID             uuid.UUID      `json:"id"`
	UserID         uuid.UUID      `json:"user_id"`
	ApplicantEmail string         `json:"applicant_email"`
	PetID          uuid.UUID      `json:"pet_id"`
	ShelterID      uuid.NullUUID  `json:"shelter_id"`
	Status         AdoptionStatus `json:"status"`
	Message        string         `json:"message"`
	AdminNotes     string         `json:"admin_notes"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}
