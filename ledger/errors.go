package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateIdempotencyKey is returned when an entry with the same
	// idempotency key already exists. Expected for webhook redelivery.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrInvalidEntry is returned when an entry is missing required fields.
	ErrInvalidEntry = errors.New("invalid journal entry")
)

// InvalidEntryError names the field that failed validation.
type InvalidEntryError struct {
	Field string
}

func (e *InvalidEntryError) Error() string {
	return fmt.Sprintf("invalid journal entry: %s is required", e.Field)
}

func (e *InvalidEntryError) Unwrap() error {
	return ErrInvalidEntry
}

// IsDuplicate returns true if err signals an already-recorded event.
func IsDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicateIdempotencyKey)
}
