package database

import (
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// Error taxonomy shared by every stage
var (
	ErrInvalidTransition   = errors.New("invalid transition")
	ErrSuppressionConflict = errors.New("suppression conflict")
	ErrCorrelationTimeout  = errors.New("correlation timeout")
	ErrDeliveryFailure     = errors.New("delivery failure")
	ErrStoreUnavailable    = errors.New("store unavailable")
	ErrNotFound            = errors.New("not found")
	ErrMalformed           = errors.New("malformed item")
	ErrEscalationCap       = errors.New("escalation cap reached")
)

// InvalidTransitionError describes a rejected state machine transition
type InvalidTransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("%s %s: cannot transition from %s to %s", e.Entity, e.ID, e.From, e.To)
}

// Unwrap lets errors.Is match ErrInvalidTransition
func (e *InvalidTransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// IsTransient reports whether err is worth retrying with backoff
func IsTransient(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) || errors.Is(err, ErrCorrelationTimeout)
}

// MapError translates gorm errors into the shared taxonomy.
// Record-not-found becomes ErrNotFound, constraint violations become
// ErrMalformed, anything else means the store could not serve the request.
func MapError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case errors.Is(err, gorm.ErrDuplicatedKey),
		errors.Is(err, gorm.ErrForeignKeyViolated),
		errors.Is(err, gorm.ErrCheckConstraintViolated),
		errors.Is(err, gorm.ErrInvalidData),
		errors.Is(err, gorm.ErrInvalidValue):
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrMalformed),
		errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrStoreUnavailable),
		errors.Is(err, ErrEscalationCap):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
}
