// Defines the REST response types.

package dto

import "github.com/maruel/tablesync/internal/records"

// HealthResponse reports server status.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Instance string `json:"instance,omitempty"`
	Clients  int    `json:"clients"`
}

// Pagination describes the window returned by a list request.
type Pagination struct {
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	Total   int  `json:"total"`
	HasMore bool `json:"hasMore"`
}

// RecordPage is the data of a list response.
type RecordPage struct {
	Records []records.Record `json:"records"`
	Total   int              `json:"total"`
	Columns []records.Column `json:"columns"`
}

// ListRecordsResponse is a page of records.
type ListRecordsResponse struct {
	Success    bool       `json:"success"`
	Data       RecordPage `json:"data"`
	Pagination Pagination `json:"pagination"`
}

// RecordResponse carries one record.
type RecordResponse struct {
	Success bool           `json:"success"`
	Data    records.Record `json:"data"`
}
