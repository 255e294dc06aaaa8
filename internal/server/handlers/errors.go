// Maps Record Store errors to API errors.

package handlers

import (
	"errors"

	"github.com/maruel/tablesync/internal/records"
	"github.com/maruel/tablesync/internal/server/dto"
)

// recordError converts a store error for record id into an *dto.APIError.
func recordError(id int64, err error) error {
	var fe *records.FieldError
	switch {
	case errors.Is(err, records.ErrNotFound):
		return dto.RecordNotFound(id)
	case errors.Is(err, records.ErrInvalidField) && errors.As(err, &fe):
		return dto.FieldNotEditable(fe.Field)
	case errors.As(err, &fe):
		return dto.InvalidField(fe.Field, fe.Reason).Wrap(err)
	default:
		return dto.StorageError(err)
	}
}
