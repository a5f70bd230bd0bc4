package handlers

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	apperrors "github.com/3leaps/golade/internal/errors"
)

// Check states.
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
	StatusDegraded  = "degraded"
	StatusTimeout   = "timeout"
)

// DefaultCheckTimeout bounds a single checker.
const DefaultCheckTimeout = 2 * time.Second

// HealthChecker reports the health of one dependency.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// HealthResponse is the body of a successful health probe.
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Timestamp time.Time         `json:"timestamp"`
	Uptime    string            `json:"uptime"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// HealthManager runs registered checkers for the health endpoints.
type HealthManager struct {
	version   string
	startedAt time.Time
	timeout   time.Duration

	mu       sync.RWMutex
	checkers map[string]HealthChecker
}

// NewHealthManager creates a manager reporting version.
func NewHealthManager(version string) *HealthManager {
	return &HealthManager{
		version:   version,
		startedAt: time.Now(),
		timeout:   DefaultCheckTimeout,
		checkers:  make(map[string]HealthChecker),
	}
}

// RegisterChecker adds or replaces the checker called name.
func (m *HealthManager) RegisterChecker(name string, checker HealthChecker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers[name] = checker
}

// RunChecks runs every checker concurrently and returns name -> state.
func (m *HealthManager) RunChecks(ctx context.Context) map[string]string {
	m.mu.RLock()
	names := make([]string, 0, len(m.checkers))
	for name := range m.checkers {
		names = append(names, name)
	}
	sort.Strings(names)
	checkers := make([]HealthChecker, len(names))
	for i, name := range names {
		checkers[i] = m.checkers[name]
	}
	m.mu.RUnlock()

	results := make(map[string]string, len(names))
	var (
		wg  sync.WaitGroup
		rmu sync.Mutex
	)
	for i, name := range names {
		wg.Add(1)
		go func(name string, c HealthChecker) {
			defer wg.Done()
			state := runCheck(ctx, c, m.timeout)
			rmu.Lock()
			results[name] = state
			rmu.Unlock()
		}(name, checkers[i])
	}
	wg.Wait()
	return results
}

func runCheck(ctx context.Context, c HealthChecker, timeout time.Duration) string {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- c.CheckHealth(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			return StatusUnhealthy
		}
		return StatusHealthy
	case <-ctx.Done():
		return StatusTimeout
	}
}

// determineOverallStatus folds check states: any unhealthy check makes the
// service unhealthy, a timeout only degrades it.
func (m *HealthManager) determineOverallStatus(checks map[string]string) string {
	status := StatusHealthy
	for _, state := range checks {
		switch state {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusTimeout, StatusDegraded:
			status = StatusDegraded
		}
	}
	return status
}

// HealthHandler serves the full health report.
func (m *HealthManager) HealthHandler(w http.ResponseWriter, r *http.Request) {
	checks := m.RunChecks(r.Context())
	status := m.determineOverallStatus(checks)
	if status == StatusUnhealthy {
		respondWithError(w, r, apperrors.NewServiceUnavailable("service is unhealthy").
			WithDetails(map[string]any{"checks": checks}))
		return
	}
	apperrors.WriteJSON(w, http.StatusOK, m.response(status, checks))
}

// LivenessHandler reports that the process is serving requests.
func (m *HealthManager) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	apperrors.WriteJSON(w, http.StatusOK, m.response(StatusHealthy, nil))
}

// ReadinessHandler is HealthHandler: ready means every check passes.
func (m *HealthManager) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	m.HealthHandler(w, r)
}

// StartupHandler reports that startup finished.
func (m *HealthManager) StartupHandler(w http.ResponseWriter, r *http.Request) {
	apperrors.WriteJSON(w, http.StatusOK, m.response(StatusHealthy, nil))
}

func (m *HealthManager) response(status string, checks map[string]string) HealthResponse {
	return HealthResponse{
		Status:    status,
		Version:   m.version,
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(m.startedAt).Round(time.Second).String(),
		Checks:    checks,
	}
}

var (
	globalMu            sync.RWMutex
	globalHealthManager *HealthManager
)

// InitHealthManager installs the process-wide manager.
func InitHealthManager(version string) *HealthManager {
	m := NewHealthManager(version)
	globalMu.Lock()
	globalHealthManager = m
	globalMu.Unlock()
	return m
}

// GetHealthManager returns the process-wide manager, or nil.
func GetHealthManager() *HealthManager {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalHealthManager
}

func withManager(fn func(*HealthManager, http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m := GetHealthManager()
		if m == nil {
			respondWithError(w, r, apperrors.NewServiceUnavailable("health manager not initialized"))
			return
		}
		fn(m, w, r)
	}
}

// Process-wide health handlers. They answer 503 until InitHealthManager runs.
var (
	HealthHandler    = withManager((*HealthManager).HealthHandler)
	LivenessHandler  = withManager((*HealthManager).LivenessHandler)
	ReadinessHandler = withManager((*HealthManager).ReadinessHandler)
	StartupHandler   = withManager((*HealthManager).StartupHandler)
)
