// Handles record listing, retrieval and field updates.

package handlers

import (
	"context"

	"github.com/maruel/ksid"

	"github.com/maruel/tablesync/internal/protocol"
	"github.com/maruel/tablesync/internal/records"
	"github.com/maruel/tablesync/internal/server/dto"
)

// RecordHandler handles record endpoints.
type RecordHandler struct {
	svc *Services
}

// NewRecordHandler creates a new record handler.
func NewRecordHandler(svc *Services) *RecordHandler {
	return &RecordHandler{svc: svc}
}

// ListRecords returns one page of records with the column schema.
func (h *RecordHandler) ListRecords(ctx context.Context, req *dto.ListRecordsRequest) (*dto.ListRecordsResponse, error) {
	q := records.PageQuery{
		Limit:     req.Limit,
		Offset:    req.Offset,
		SortBy:    req.SortBy,
		SortOrder: req.SortOrder,
	}.Normalize()
	page, err := h.svc.Records.GetPage(ctx, q)
	if err != nil {
		return nil, dto.StorageError(err)
	}
	return &dto.ListRecordsResponse{
		Success: true,
		Data: dto.RecordPage{
			Records: page.Records,
			Total:   page.Total,
			Columns: records.Columns(),
		},
		Pagination: dto.Pagination{
			Limit:   q.Limit,
			Offset:  q.Offset,
			Total:   page.Total,
			HasMore: q.Offset+len(page.Records) < page.Total,
		},
	}, nil
}

// GetRecord returns one record.
func (h *RecordHandler) GetRecord(ctx context.Context, req *dto.GetRecordRequest) (*dto.RecordResponse, error) {
	rec, err := h.svc.Records.Get(ctx, req.ID)
	if err != nil {
		return nil, recordError(req.ID, err)
	}
	return &dto.RecordResponse{Success: true, Data: rec}, nil
}

// UpdateRecord changes one field. It runs the same pipeline as a
// FIELD_UPDATE message, so every connected client sees the change.
func (h *RecordHandler) UpdateRecord(ctx context.Context, req *dto.UpdateRecordRequest) (*dto.RecordResponse, error) {
	value, err := protocol.DecodeValue(req.Value)
	if err != nil {
		return nil, dto.InvalidField("value", err.Error())
	}
	rec, err := h.svc.Sync.Apply(ctx, protocol.FieldUpdatePayload{
		RecordID:  req.ID,
		Field:     req.Field,
		Value:     value,
		RequestID: ksid.NewID().String(),
	})
	if err != nil {
		return nil, recordError(req.ID, err)
	}
	return &dto.RecordResponse{Success: true, Data: rec}, nil
}
