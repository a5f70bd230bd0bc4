package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/golade/pkg/report"
)

type fakeBuilder struct {
	rep     *report.BuildReport
	err     error
	started chan struct{}
	release chan struct{}
}

func (f *fakeBuilder) Build(ctx context.Context) (*report.BuildReport, error) {
	if f.started != nil {
		close(f.started)
		<-f.release
	}
	return f.rep, f.err
}

func okReport() *report.BuildReport {
	r := &report.BuildReport{RunID: "run-1", Entries: []report.Entry{{Source: "a.csv.sh", Status: report.StatusOK}}}
	r.Finalize()
	return r
}

func TestBuildHandlers_TriggerAndLatest(t *testing.T) {
	h := NewBuildHandlers(&fakeBuilder{rep: okReport()})

	rec := httptest.NewRecorder()
	h.Latest(rec, httptest.NewRequest(http.MethodGet, "/v1/builds/latest", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	h.Trigger(rec, httptest.NewRequest(http.MethodPost, "/v1/builds", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp BuildResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	require.NotNil(t, resp.Report)
	assert.Equal(t, "run-1", resp.Report.RunID)

	rec = httptest.NewRecorder()
	h.Latest(rec, httptest.NewRequest(http.MethodGet, "/v1/builds/latest", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBuildHandlers_FailedPass(t *testing.T) {
	rep := &report.BuildReport{Entries: []report.Entry{{Source: "bad.csv.sh", Status: report.StatusFailed}}}
	rep.Finalize()
	h := NewBuildHandlers(&fakeBuilder{rep: rep})

	rec := httptest.NewRecorder()
	h.Trigger(rec, httptest.NewRequest(http.MethodPost, "/v1/builds", nil))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestBuildHandlers_DiscoveryError(t *testing.T) {
	h := NewBuildHandlers(&fakeBuilder{err: errors.New("duplicate output path")})

	rec := httptest.NewRecorder()
	h.Trigger(rec, httptest.NewRequest(http.MethodPost, "/v1/builds", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	rec = httptest.NewRecorder()
	h.Latest(rec, httptest.NewRequest(http.MethodGet, "/v1/builds/latest", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBuildHandlers_NoBuilder(t *testing.T) {
	h := NewBuildHandlers(nil)

	rec := httptest.NewRecorder()
	h.Trigger(rec, httptest.NewRequest(http.MethodPost, "/v1/builds", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	_, err := h.Run(context.Background())
	assert.Error(t, err)
}

func TestBuildHandlers_ConcurrentTriggerConflicts(t *testing.T) {
	fb := &fakeBuilder{rep: okReport(), started: make(chan struct{}), release: make(chan struct{})}
	h := NewBuildHandlers(fb)

	var wg sync.WaitGroup
	first := httptest.NewRecorder()
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.Trigger(first, httptest.NewRequest(http.MethodPost, "/v1/builds", nil))
	}()
	<-fb.started

	second := httptest.NewRecorder()
	h.Trigger(second, httptest.NewRequest(http.MethodPost, "/v1/builds", nil))
	assert.Equal(t, http.StatusConflict, second.Code)

	close(fb.release)
	wg.Wait()
	assert.Equal(t, http.StatusOK, first.Code)
}

func TestVersionHandler(t *testing.T) {
	SetVersionInfo("1.2.3", "abc", "2026-01-01")
	defer SetVersionInfo("dev", "unknown", "unknown")

	rec := httptest.NewRecorder()
	VersionHandler(rec, httptest.NewRequest(http.MethodGet, "/version", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var info VersionInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, "1.2.3", info.Version)
	assert.Equal(t, "abc", info.Commit)
	assert.NotEmpty(t, info.GoVersion)
}
