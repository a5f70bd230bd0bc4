package handlers

import (
	"net/http"
	"runtime"
	"sync"

	"github.com/fulmenhq/gofulmen/crucible"

	apperrors "github.com/3leaps/golade/internal/errors"
)

// VersionInfo is the body of GET /version.
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
	Gofulmen  string `json:"gofulmen,omitempty"`
	Crucible  string `json:"crucible,omitempty"`
}

var (
	versionMu   sync.RWMutex
	versionInfo = VersionInfo{Version: "dev", Commit: "unknown", BuildDate: "unknown"}
)

// SetVersionInfo sets the build metadata reported by VersionHandler.
func SetVersionInfo(version, commit, buildDate string) {
	versionMu.Lock()
	defer versionMu.Unlock()
	versionInfo = VersionInfo{Version: version, Commit: commit, BuildDate: buildDate}
}

// CurrentVersion returns the reported build metadata.
func CurrentVersion() VersionInfo {
	versionMu.RLock()
	info := versionInfo
	versionMu.RUnlock()

	info.GoVersion = runtime.Version()
	v := crucible.GetVersion()
	info.Gofulmen = v.Gofulmen
	info.Crucible = v.Crucible
	return info
}

// VersionHandler serves build metadata.
func VersionHandler(w http.ResponseWriter, r *http.Request) {
	apperrors.WriteJSON(w, http.StatusOK, CurrentVersion())
}
