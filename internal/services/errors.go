package services

import (
	"errors"
	"fmt"

	"github.com/pawmarket/pawmarket/internal/db"
)

var (
	ErrValidation        = errors.New("validation failed")
	ErrConflict          = errors.New("conflict")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrNotFound          = errors.New("not found")
	ErrForbidden         = errors.New("forbidden")
	ErrDuplicateEvent    = errors.New("duplicate event")
	ErrFatalProcessing   = errors.New("fatal processing error")
	ErrPaymentGateway    = errors.New("payment gateway unavailable")
)

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrValidation}, args...)...)
}

func conflictf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrConflict}, args...)...)
}

// storeErr translates storage sentinels into service sentinels and passes
// anything else through unchanged.
func storeErr(err error, what string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, db.ErrNotFound):
		return fmt.Errorf("%w: %s", ErrNotFound, what)
	case errors.Is(err, db.ErrUniqueViolation):
		return fmt.Errorf("%w: %s", ErrConflict, what)
	case db.IsLockConflict(err):
		return fmt.Errorf("%w: %s: %w", ErrConflict, what, err)
	default:
		return err
	}
}
