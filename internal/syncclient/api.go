// Provides a REST client for the records API.

package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/maruel/tablesync/internal/records"
	"github.com/maruel/tablesync/internal/server/dto"
)

// APIError is a non-2xx response from the REST API.
type APIError struct {
	StatusCode int
	Code       dto.ErrorCode
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("HTTP %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// API talks to the REST endpoints of a tablesync server.
type API struct {
	// BaseURL is the server root, e.g. "http://localhost:8080".
	BaseURL string
	// Token, when set, is sent as a bearer token.
	Token string
	// Client defaults to http.DefaultClient.
	Client *http.Client
}

// Health returns the server status.
func (a *API) Health(ctx context.Context) (*dto.HealthResponse, error) {
	out := &dto.HealthResponse{}
	if err := a.do(ctx, http.MethodGet, "/api/health", nil, out); err != nil {
		return nil, err
	}
	return out, nil
}

// List fetches one page of records.
func (a *API) List(ctx context.Context, q records.PageQuery) (*dto.ListRecordsResponse, error) {
	v := url.Values{}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		v.Set("offset", strconv.Itoa(q.Offset))
	}
	if q.SortBy != "" {
		v.Set("sortBy", q.SortBy)
	}
	if q.SortOrder != "" {
		v.Set("sortOrder", q.SortOrder)
	}
	p := "/api/records"
	if len(v) != 0 {
		p += "?" + v.Encode()
	}
	out := &dto.ListRecordsResponse{}
	if err := a.do(ctx, http.MethodGet, p, nil, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Get fetches one record.
func (a *API) Get(ctx context.Context, id int64) (records.Record, error) {
	out := &dto.RecordResponse{}
	if err := a.do(ctx, http.MethodGet, "/api/records/"+strconv.FormatInt(id, 10), nil, out); err != nil {
		return records.Record{}, err
	}
	return out.Data, nil
}

// Update changes one field through the REST API. The server broadcasts the
// change to every WebSocket client like a FIELD_UPDATE.
func (a *API) Update(ctx context.Context, id int64, field string, value any) (records.Record, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return records.Record{}, fmt.Errorf("encode value: %w", err)
	}
	body := dto.UpdateRecordRequest{Field: field, Value: raw}
	out := &dto.RecordResponse{}
	if err := a.do(ctx, http.MethodPatch, "/api/records/"+strconv.FormatInt(id, 10), body, out); err != nil {
		return records.Record{}, err
	}
	return out.Data, nil
}

// Fill loads up to limit records into cache, page by page. It returns the
// number of records loaded.
func (a *API) Fill(ctx context.Context, cache Cache, limit int) (int, error) {
	n := 0
	for n < limit {
		page, err := a.List(ctx, records.PageQuery{Limit: min(limit-n, records.MaxLimit), Offset: n})
		if err != nil {
			return n, err
		}
		for _, r := range page.Data.Records {
			cache.Put(r)
		}
		n += len(page.Data.Records)
		if !page.Pagination.HasMore || len(page.Data.Records) == 0 {
			break
		}
	}
	return n, nil
}

func (a *API) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(a.BaseURL, "/")+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.Token != "" {
		req.Header.Set("Authorization", "Bearer "+a.Token)
	}
	c := a.Client
	if c == nil {
		c = http.DefaultClient
	}
	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode/100 != 2 {
		e := &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		var er dto.ErrorResponse
		if json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&er) == nil && er.Error.Code != "" {
			e.Code = er.Error.Code
			e.Message = er.Error.Message
		}
		return e
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
