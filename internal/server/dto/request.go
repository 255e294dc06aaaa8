// Defines the REST request types and their validation.

package dto

import (
	"encoding/json"
	"strings"
)

// HealthRequest is a request for the server status.
type HealthRequest struct{}

// Validate is a no-op for HealthRequest.
func (r *HealthRequest) Validate() error {
	return nil
}

// ListRecordsRequest is a request for one page of records.
type ListRecordsRequest struct {
	Limit     int    `query:"limit" jsonschema:"description=Page size (1-1000; default 100)"`
	Offset    int    `query:"offset" jsonschema:"description=Rows to skip"`
	SortBy    string `query:"sortBy" jsonschema:"description=Sort column; unknown columns sort by id"`
	SortOrder string `query:"sortOrder" jsonschema:"enum=asc,enum=desc"`
}

// Validate validates the list records request fields.
func (r *ListRecordsRequest) Validate() error {
	if r.Limit < 0 {
		return InvalidField("limit", "must not be negative")
	}
	if r.Offset < 0 {
		return InvalidField("offset", "must not be negative")
	}
	if r.SortOrder != "" && !strings.EqualFold(r.SortOrder, "asc") && !strings.EqualFold(r.SortOrder, "desc") {
		return InvalidField("sortOrder", "must be asc or desc")
	}
	return nil
}

// GetRecordRequest is a request for one record.
type GetRecordRequest struct {
	ID int64 `path:"id"`
}

// Validate validates the get record request fields.
func (r *GetRecordRequest) Validate() error {
	if r.ID <= 0 {
		return InvalidField("id", "must be a positive integer")
	}
	return nil
}

// UpdateRecordRequest is a request to change one field of one record.
type UpdateRecordRequest struct {
	ID    int64           `path:"id" json:"-"`
	Field string          `json:"field"`
	Value json.RawMessage `json:"value" jsonschema:"description=New value; null clears nullable fields"`
}

// Validate validates the update record request fields.
func (r *UpdateRecordRequest) Validate() error {
	if r.ID <= 0 {
		return InvalidField("id", "must be a positive integer")
	}
	if r.Field == "" {
		return MissingField("field")
	}
	if len(r.Value) == 0 {
		return MissingField("value")
	}
	return nil
}
