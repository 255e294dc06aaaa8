// Provides middleware for standardizing HTTP handlers.

package server

import (
	"bytes"
	"context"
	"encoding"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"

	"github.com/maruel/tablesync/internal/server/dto"
	"github.com/maruel/tablesync/internal/server/handlers"
	"github.com/maruel/tablesync/internal/server/ratelimit"
	"github.com/maruel/tablesync/internal/server/reqctx"
)

// addRequestMetadataToContext adds client IP and User-Agent to the context.
func addRequestMetadataToContext(ctx context.Context, r *http.Request) context.Context {
	ctx = reqctx.WithClientIP(ctx, reqctx.GetClientIP(r))
	ctx = reqctx.WithUserAgent(ctx, r.Header.Get("User-Agent"))
	return ctx
}

// checkRateLimit checks the rate limit for the given tier and identifier.
// Returns the (possibly wrapped) ResponseWriter and false if the request was
// rejected.
func checkRateLimit(w http.ResponseWriter, tier *ratelimit.Tier, identifier string) (http.ResponseWriter, bool) {
	if tier == nil {
		return w, true
	}
	key := ratelimit.BuildKey(tier.Scope, identifier, tier.Name)
	result := tier.Limiter.Allow(key)
	w = ratelimit.NewResponseWriter(w, result)
	if !result.Allowed {
		writeRateLimitError(w, result)
		return w, false
	}
	return w, true
}

// readAndDecodeBody reads the request body and decodes it into input.
// Returns false if an error response was written.
func readAndDecodeBody[In any](ctx context.Context, w http.ResponseWriter, r *http.Request, input *In, cfg *handlers.Config) bool {
	if cfg != nil && cfg.Quotas.MaxRequestBodyBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, cfg.Quotas.MaxRequestBodyBytes)
	}

	body, err := io.ReadAll(r.Body)
	if err2 := r.Body.Close(); err == nil {
		err = err2
	}
	if err != nil {
		if maxBytesErr := checkMaxBytesError(err); maxBytesErr != nil {
			writeAPIError(w, dto.PayloadTooLarge(maxBytesErr.Limit))
			return false
		}
		slog.ErrorContext(ctx, "Failed to read request body", "err", err)
		writeBadRequestError(w, "Failed to read request body")
		return false
	}

	if len(body) > 0 {
		d := json.NewDecoder(bytes.NewReader(body))
		d.DisallowUnknownFields()
		if err := d.Decode(input); err != nil {
			slog.WarnContext(ctx, "Failed to decode request body", "err", err)
			writeBadRequestError(w, "Invalid request body")
			return false
		}
	}
	return true
}

// writeJSONResponse writes output as JSON, or the error response for err.
// Only the message of an *dto.APIError is sent; wrapped causes stay in the
// log.
func writeJSONResponse[Out any](ctx context.Context, w http.ResponseWriter, output *Out, err error) {
	if err != nil {
		var ewsErr dto.ErrorWithStatus
		if !errors.As(err, &ewsErr) {
			apiErr := dto.InternalWithError("Internal server error", err)
			err, ewsErr = apiErr, apiErr
		}
		statusCode := ewsErr.StatusCode()
		errorCode := ewsErr.Code()
		message := ewsErr.Error()
		var apiErr *dto.APIError
		if errors.As(err, &apiErr) {
			message = apiErr.Message()
		}

		if statusCode >= http.StatusInternalServerError {
			slog.ErrorContext(ctx, "Handler error", "err", err, "statusCode", statusCode, "code", errorCode)
		} else {
			slog.InfoContext(ctx, "Handler error", "err", err, "statusCode", statusCode, "code", errorCode)
		}
		writeErrorResponseWithCode(w, statusCode, errorCode, message, ewsErr.Details())
		return
	}

	data, err := json.Marshal(output)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to encode response", "err", err)
		writeAPIError(w, dto.Internal("Failed to encode response"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(append(data, '\n'))
}

// Wrap wraps a handler function to work as an http.Handler.
// The function must have signature: func(context.Context, *In) (*Out, error).
// *In must implement dto.Validatable.
// Path parameters are extracted using struct tags: `path:"paramName"`.
// Query parameters are extracted using struct tags: `query:"paramName"`.
func Wrap[In any, PtrIn interface {
	*In
	dto.Validatable
}, Out any](fn func(context.Context, PtrIn) (*Out, error), cfg *handlers.Config, limits *ratelimit.Config) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := addRequestMetadataToContext(r.Context(), r)

		if limits != nil {
			var ok bool
			if w, ok = checkRateLimit(w, limits.Match(r.Method, r.URL.Path), reqctx.ClientIP(ctx)); !ok {
				return
			}
		}

		input := new(In)
		if !readAndDecodeBody(ctx, w, r, input, cfg) {
			return
		}

		populatePathParams(r, input)
		populateQueryParams(r, input)

		if err := PtrIn(input).Validate(); err != nil {
			handleValidationError(ctx, w, err)
			return
		}

		output, err := fn(ctx, PtrIn(input))
		writeJSONResponse(ctx, w, output, err)
	})
}

// checkMaxBytesError checks if an error is a MaxBytesError and returns it, or nil.
func checkMaxBytesError(err error) *http.MaxBytesError {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return maxBytesErr
	}
	return nil
}

// populatePathParams extracts path parameters from the request and sets them
// on the input struct. Malformed integers leave the field at zero so that
// Validate rejects them.
func populatePathParams(r *http.Request, input any) {
	val := reflect.ValueOf(input)
	if val.Kind() != reflect.Pointer {
		return
	}
	elem := val.Elem()
	if elem.Kind() != reflect.Struct {
		return
	}

	typ := elem.Type()
	for i := range typ.NumField() {
		field := typ.Field(i)
		tag := field.Tag.Get("path")
		if tag == "" {
			continue
		}
		paramValue := r.PathValue(tag)
		if paramValue == "" {
			continue
		}
		setField(elem.Field(i), paramValue)
	}
}

// populateQueryParams extracts query parameters from the request and sets
// them on the input struct.
func populateQueryParams(r *http.Request, input any) {
	val := reflect.ValueOf(input)
	if val.Kind() != reflect.Pointer {
		return
	}
	elem := val.Elem()
	if elem.Kind() != reflect.Struct {
		return
	}

	query := r.URL.Query()
	typ := elem.Type()
	for i := range typ.NumField() {
		field := typ.Field(i)
		tag := field.Tag.Get("query")
		if tag == "" {
			continue
		}
		paramValue := query.Get(tag)
		if paramValue == "" {
			continue
		}
		setField(elem.Field(i), paramValue)
	}
}

func setField(fieldVal reflect.Value, paramValue string) {
	switch fieldVal.Kind() {
	case reflect.String:
		fieldVal.SetString(paramValue)
	case reflect.Int, reflect.Int64:
		if intVal, err := strconv.ParseInt(paramValue, 10, 64); err == nil {
			fieldVal.SetInt(intVal)
		}
	default:
		// Try to use encoding.TextUnmarshaler interface for custom types
		if fieldVal.CanAddr() {
			if unmarshaler, ok := fieldVal.Addr().Interface().(encoding.TextUnmarshaler); ok {
				_ = unmarshaler.UnmarshalText([]byte(paramValue))
			}
		}
	}
}

// handleValidationError writes a validation error response.
func handleValidationError(ctx context.Context, w http.ResponseWriter, err error) {
	statusCode := http.StatusBadRequest
	errorCode := dto.ErrorCodeValidationFailed
	details := make(map[string]any)

	var ewsErr dto.ErrorWithStatus
	if errors.As(err, &ewsErr) {
		statusCode = ewsErr.StatusCode()
		errorCode = ewsErr.Code()
		if d := ewsErr.Details(); d != nil {
			details = d
		}
	}

	slog.InfoContext(ctx, "Validation error", "err", err, "statusCode", statusCode, "code", errorCode)
	writeErrorResponseWithCode(w, statusCode, errorCode, err.Error(), details)
}

// writeBadRequestError writes a 400 Bad Request error response.
func writeBadRequestError(w http.ResponseWriter, message string) {
	writeAPIError(w, dto.BadRequest(message))
}

// writeAPIError writes apiErr without its wrapped cause.
func writeAPIError(w http.ResponseWriter, apiErr *dto.APIError) {
	writeErrorResponseWithCode(w, apiErr.StatusCode(), apiErr.Code(), apiErr.Message(), apiErr.Details())
}

// writeErrorResponseWithCode writes a structured error response.
func writeErrorResponseWithCode(w http.ResponseWriter, statusCode int, code dto.ErrorCode, message string, details map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := dto.ErrorResponse{
		Error: dto.ErrorDetails{
			Code:    code,
			Message: message,
		},
		Details: details,
	}

	if err := json.NewEncoder(w).Encode(response); err != nil {
		slog.Error("Failed to encode error response", "error", err)
	}
}

// writeRateLimitError writes a 429 Too Many Requests error response.
func writeRateLimitError(w http.ResponseWriter, result ratelimit.Result) {
	writeAPIError(w, dto.RateLimitExceeded(int(result.RetryAfter.Seconds())))
}

// notFoundHandler answers API paths that match no route.
func notFoundHandler(w http.ResponseWriter, r *http.Request) {
	writeAPIError(w, dto.NotFound("Route").WithDetails(map[string]any{
		"method": r.Method,
		"path":   r.URL.Path,
	}))
}
