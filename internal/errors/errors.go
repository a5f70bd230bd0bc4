// Package errors defines the error envelope served by the HTTP API and the
// typed application errors that map onto it.
package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
)

// Error codes used in HTTP responses.
const (
	CodeBadRequest         = "BAD_REQUEST"
	CodeNotFound           = "NOT_FOUND"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeConflict           = "CONFLICT"
	CodeInternal           = "INTERNAL_ERROR"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeExternalService    = "EXTERNAL_SERVICE_UNAVAILABLE"
)

// HTTPError is the body of an error response.
type HTTPError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// HTTPErrorResponse wraps HTTPError under an "error" key.
type HTTPErrorResponse struct {
	Error HTTPError `json:"error"`
}

// AppError is an error with an HTTP status and a stable code.
type AppError struct {
	Code    string
	Status  int
	Message string
	Details map[string]any
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// WithDetails returns a copy of e carrying details.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	cp := *e
	cp.Details = details
	return &cp
}

// New creates an AppError.
func New(code string, status int, message string) *AppError {
	return &AppError{Code: code, Status: status, Message: message}
}

// NewBadRequest reports an invalid request.
func NewBadRequest(message string) *AppError {
	return New(CodeBadRequest, http.StatusBadRequest, message)
}

// NewNotFound reports a missing resource.
func NewNotFound(message string) *AppError {
	return New(CodeNotFound, http.StatusNotFound, message)
}

// NewMethodNotAllowed reports an unsupported method.
func NewMethodNotAllowed(message string) *AppError {
	return New(CodeMethodNotAllowed, http.StatusMethodNotAllowed, message)
}

// NewConflict reports a request that clashes with work in progress.
func NewConflict(message string) *AppError {
	return New(CodeConflict, http.StatusConflict, message)
}

// NewServiceUnavailable reports that the service cannot take the request.
func NewServiceUnavailable(message string) *AppError {
	return New(CodeServiceUnavailable, http.StatusServiceUnavailable, message)
}

// NewExternalServiceError reports a dependency that could not be reached.
func NewExternalServiceError(message string) *AppError {
	return New(CodeExternalService, http.StatusServiceUnavailable, message)
}

// WrapInternal wraps err as an internal error. A request ID in ctx is kept
// in the details.
func WrapInternal(ctx context.Context, err error, message string) *AppError {
	e := &AppError{Code: CodeInternal, Status: http.StatusInternalServerError, Message: message, Err: err}
	if id := RequestIDFromContext(ctx); id != "" {
		e.Details = map[string]any{"request_id": id}
	}
	return e
}

type requestIDKey struct{}

// WithRequestID returns a context carrying id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the request ID stored in ctx, or "".
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// RespondWithError writes err as a JSON envelope. Errors that are not
// *AppError become INTERNAL_ERROR without leaking their text.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *AppError
	if !stderrors.As(err, &appErr) {
		appErr = &AppError{Code: CodeInternal, Status: http.StatusInternalServerError, Message: "internal server error", Err: err}
	}
	body := HTTPError{
		Code:    appErr.Code,
		Message: appErr.Message,
		Details: appErr.Details,
	}
	if r != nil {
		body.RequestID = RequestIDFromContext(r.Context())
	}
	WriteError(w, body, appErr.Status)
}

// WriteError writes body with status.
func WriteError(w http.ResponseWriter, body HTTPError, status int) {
	WriteJSON(w, status, HTTPErrorResponse{Error: body})
}

// WriteJSON writes v as JSON with status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
