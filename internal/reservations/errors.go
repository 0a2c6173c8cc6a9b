package reservations

import (
	"errors"
	"fmt"
)

var (
	// ErrInsufficientCredits matches any *InsufficientCreditsError via errors.Is.
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrReservationNotFound = errors.New("reservation not found")
	// ErrReservationNotHeld is returned when capture meets a released or
	// expired reservation, or release meets a captured one.
	ErrReservationNotHeld = errors.New("reservation is not held")
)

// InsufficientCreditsError reports a reserve that would drive available
// credits below zero.
type InsufficientCreditsError struct {
	ActionCode string
	Required   int
	Available  int
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits for %s: required %d, available %d", e.ActionCode, e.Required, e.Available)
}

func (e *InsufficientCreditsError) Is(target error) bool {
	return target == ErrInsufficientCredits
}
