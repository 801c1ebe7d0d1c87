package engine

import (
	"errors"
	"fmt"

	"medshare/internal/engine/auth"
	"medshare/internal/repo"
	"medshare/internal/store"
)

// Error kinds returned by engine operations. Match them with errors.Is.
var (
	ErrValidation           = errors.New("validation error")
	ErrUnauthorized         = auth.ErrForbidden
	ErrNotFound             = errors.New("not found")
	ErrInvalidState         = errors.New("invalid state")
	ErrInsufficientQuantity = errors.New("insufficient quantity")
	ErrConflict             = errors.New("conflict")
)

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func notFound(kind, id string) error {
	return fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
}

func unauthorizedf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUnauthorized, fmt.Sprintf(format, args...))
}

// translateStore maps store and repo sentinels onto engine kinds. kind/id
// describe the record being read for not-found messages.
func translateStore(err error, kind, id string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return notFound(kind, id)
	case errors.Is(err, repo.ErrInvalidCursor):
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return err
}

// InsufficientQuantityError reports how far short the medication was at the
// moment of approval.
type InsufficientQuantityError struct {
	MedicationID string
	Available    int
	Requested    int
}

func (e InsufficientQuantityError) Error() string {
	return fmt.Sprintf("insufficient quantity for %s: %d available, %d requested", e.MedicationID, e.Available, e.Requested)
}

func (e InsufficientQuantityError) Unwrap() error { return ErrInsufficientQuantity }

// InvalidStateError reports a transition the lifecycle does not allow.
type InvalidStateError struct {
	Entity string
	From   string
	To     string
}

func (e InvalidStateError) Error() string {
	return fmt.Sprintf("invalid %s status transition %s -> %s", e.Entity, e.From, e.To)
}

func (e InvalidStateError) Unwrap() error { return ErrInvalidState }
