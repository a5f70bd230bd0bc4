// Package middleware holds the HTTP middleware shared by golade's routes.
package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/golade/internal/errors"
	"github.com/3leaps/golade/internal/observability"
)

// RequestIDHeader carries the request ID in both directions.
const RequestIDHeader = "X-Request-ID"

// ErrorResponse is the JSON body written for recovered panics.
type ErrorResponse = apperrors.HTTPErrorResponse

// RequestID propagates the caller's X-Request-ID or assigns a new one.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(apperrors.WithRequestID(r.Context(), id)))
	})
}

// Recovery turns a panic into a 500 INTERNAL_ERROR response.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			requestID := apperrors.RequestIDFromContext(r.Context())
			observability.CLILogger.Error("Recovered from panic",
				zap.String("request_id", requestID),
				zap.String("path", r.URL.Path),
				zap.Any("panic", rec),
				zap.ByteString("stack", debug.Stack()))

			writeErrorResponse(w, apperrors.HTTPError{
				Code:      apperrors.CodeInternal,
				Message:   fmt.Sprintf("panic: %v", rec),
				RequestID: requestID,
			}, http.StatusInternalServerError)
		}()
		next.ServeHTTP(w, r)
	})
}

// ErrorHandler is Recovery under the name used by route setup.
func ErrorHandler(next http.Handler) http.Handler {
	return Recovery(next)
}

// Logger records one debug line per request.
func Logger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		observability.CLILogger.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", sw.status),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", apperrors.RequestIDFromContext(r.Context())))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func writeErrorResponse(w http.ResponseWriter, body apperrors.HTTPError, status int) {
	apperrors.WriteError(w, body, status)
}
