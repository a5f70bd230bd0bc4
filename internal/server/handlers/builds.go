package handlers

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"go.uber.org/zap"

	apperrors "github.com/3leaps/golade/internal/errors"
	"github.com/3leaps/golade/internal/observability"
	"github.com/3leaps/golade/pkg/report"
)

// Builder runs one build pass.
type Builder interface {
	Build(ctx context.Context) (*report.BuildReport, error)
}

// BuildResponse is the body of the build endpoints.
type BuildResponse struct {
	Status string              `json:"status"`
	Error  string              `json:"error,omitempty"`
	Report *report.BuildReport `json:"report,omitempty"`
}

// BuildHandlers serialize build passes and remember the latest report.
type BuildHandlers struct {
	builder Builder

	running sync.Mutex

	mu     sync.RWMutex
	latest *BuildResponse
}

// NewBuildHandlers wraps builder. A nil builder makes every build request
// answer 503.
func NewBuildHandlers(builder Builder) *BuildHandlers {
	return &BuildHandlers{builder: builder}
}

// Trigger runs a pass synchronously. A pass already in flight yields 409.
func (h *BuildHandlers) Trigger(w http.ResponseWriter, r *http.Request) {
	if h.builder == nil {
		respondWithError(w, r, apperrors.NewServiceUnavailable("no project configured for builds"))
		return
	}
	if !h.running.TryLock() {
		respondWithError(w, r, apperrors.NewConflict("a build is already running"))
		return
	}
	defer h.running.Unlock()

	resp, err := h.run(r.Context())
	if resp == nil {
		respondWithError(w, r, apperrors.WrapInternal(r.Context(), err, "build failed before any loader ran"))
		return
	}

	status := http.StatusOK
	if resp.Status == "failed" {
		status = http.StatusUnprocessableEntity
	}
	apperrors.WriteJSON(w, status, resp)
}

// Run performs a pass outside of a request, for example on startup.
func (h *BuildHandlers) Run(ctx context.Context) (*BuildResponse, error) {
	if h.builder == nil {
		return nil, errors.New("no project configured for builds")
	}
	if !h.running.TryLock() {
		return nil, errors.New("a build is already running")
	}
	defer h.running.Unlock()
	return h.run(ctx)
}

func (h *BuildHandlers) run(ctx context.Context) (*BuildResponse, error) {
	rep, err := h.builder.Build(ctx)
	if rep == nil {
		observability.CLILogger.Error("Build failed", zap.Error(err))
		return nil, err
	}

	resp := &BuildResponse{Status: "ok", Report: rep}
	if rep.Failed() {
		resp.Status = "failed"
	}
	if err != nil {
		resp.Status = "failed"
		resp.Error = err.Error()
	}

	h.mu.Lock()
	h.latest = resp
	h.mu.Unlock()
	return resp, err
}

// Latest serves the most recent report.
func (h *BuildHandlers) Latest(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	latest := h.latest
	h.mu.RUnlock()
	if latest == nil {
		respondWithError(w, r, apperrors.NewNotFound("no build has completed yet"))
		return
	}
	apperrors.WriteJSON(w, http.StatusOK, latest)
}
