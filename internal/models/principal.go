package models

import "github.com/google/uuid"

// Principal is the authenticated caller.
type Principal struct {
	UserID uuid.UUID
	Email  string
	Admin  bool
}

// CanAccess reports whether the principal may read a record owned by ownerID.
func (p Principal) CanAccess(ownerID uuid.UUID) bool {
	return p.Admin || (p.UserID != uuid.Nil && p.UserID == ownerID)
}
