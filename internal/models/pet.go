package models

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

type PetStatus string

const (
	PetAvailable PetStatus = "available"
	PetPending   PetStatus = "pending"
	PetSold      PetStatus = "sold"
	PetAdopted   PetStatus = "adopted"
	PetRejected  PetStatus = "rejected"
)

// petTransitions lists, for every status, the statuses a pet may move to.
// sold -> available exists only for refunds.
var petTransitions = map[PetStatus][]PetStatus{
	PetAvailable: {PetPending, PetAdopted},
	PetPending:   {PetSold, PetAvailable, PetRejected},
	PetSold:      {PetAvailable},
	PetAdopted:   nil,
	PetRejected:  nil,
}

// CanTransitionPet reports whether from -> to is a legal pet status change.
func CanTransitionPet(from, to PetStatus) bool {
	return slices.Contains(petTransitions[from], to)
}

func (s PetStatus) Valid() bool {
	_, ok := petTransitions[s]
	return ok
}

type Pet struct {
	ID            uuid.UUID     `json:"id"`
	Name          string        `json:"name"`
	Category      string        `json:"category"`
	IsForAdoption bool          `json:"is_for_adoption"`
	PriceCents    *int64        `json:"price_cents"`
	OwnerID       uuid.NullUUID `json:"owner_id"`
	ShelterID     uuid.NullUUID `json:"shelter_id"`
	Status        PetStatus     `json:"status"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

func (p *Pet) IsAvailable() bool {
	return p != nil && p.Status == PetAvailable
}
