// Defines the error values returned by the Record Store.

package records

import "errors"

var (
	// ErrNotFound is returned when no record has the requested ID.
	ErrNotFound = errors.New("record not found")
	// ErrInvalidField is returned when a field is unknown or not editable.
	ErrInvalidField = errors.New("field is not allowed to be updated")
	// ErrInvalidValue is returned when a value does not fit its column.
	ErrInvalidValue = errors.New("invalid value")
)

// FieldError describes a rejected field update.
//
// It unwraps to ErrInvalidField or ErrInvalidValue.
type FieldError struct {
	Field  string
	Reason string
	Err    error
}

func (e *FieldError) Error() string {
	if e.Err == ErrInvalidField {
		return "field " + e.Field + " is not allowed to be updated"
	}
	return "invalid value for " + e.Field + ": " + e.Reason
}

func (e *FieldError) Unwrap() error {
	return e.Err
}

// IsValidation reports whether err is a validation failure rather than a
// storage failure.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidField) || errors.Is(err, ErrInvalidValue)
}
