package manifest

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Settings is the typed form of a manifest with paths made absolute.
type Settings struct {
	Root            string
	Output          string
	CacheDir        string
	CacheDisabled   bool
	Includes        []string
	Excludes        []string
	IncludeHidden   bool
	Concurrency     int
	Timeout         time.Duration
	MaxOutputBytes  int64
	LaunchRate      float64
	KillGrace       time.Duration
	InheritEnv      bool
	DeclaredEnv     []string
	PassEnv         []string
	NetworkPatterns []string
	DetectNetwork   bool
	FreshnessWindow time.Duration
	Interpreters    map[string][]string
	ContentTypes    map[string]string
	ExtractArchives bool
	MaxMembers      int
	MaxMemberBytes  int64
	MaxTotalBytes   int64
	S3              *S3Config
	ReportFormat    string
	ReportDest      string
}

// Settings parses durations and sizes and resolves relative paths against
// baseDir (normally the directory holding the project file).
func (m *Manifest) Settings(baseDir string) (*Settings, error) {
	timeout, err := ParseDuration("run.timeout", string(m.Run.Timeout))
	if err != nil {
		return nil, err
	}
	grace, err := ParseDuration("run.kill_grace", string(m.Run.KillGrace))
	if err != nil {
		return nil, err
	}
	window, err := ParseDuration("network.freshness_window", string(m.Network.FreshnessWindow))
	if err != nil {
		return nil, err
	}
	maxOut, err := ParseSize("run.max_output_bytes", string(m.Run.MaxOutputBytes))
	if err != nil {
		return nil, err
	}
	maxMember, err := ParseSize("archives.max_member_bytes", string(m.Archives.MaxMemberBytes))
	if err != nil {
		return nil, err
	}
	maxTotal, err := ParseSize("archives.max_total_bytes", string(m.Archives.MaxTotalBytes))
	if err != nil {
		return nil, err
	}

	return &Settings{
		Root:            resolvePath(baseDir, m.Root),
		Output:          resolvePath(baseDir, m.Output),
		CacheDir:        resolvePath(baseDir, m.Cache.Dir),
		CacheDisabled:   m.Cache.Disabled,
		Includes:        m.Match.Includes,
		Excludes:        m.Match.Excludes,
		IncludeHidden:   m.Match.IncludeHidden,
		Concurrency:     m.Run.Concurrency,
		Timeout:         timeout,
		MaxOutputBytes:  maxOut,
		LaunchRate:      m.Run.LaunchRate,
		KillGrace:       grace,
		InheritEnv:      m.Run.InheritEnv,
		DeclaredEnv:     m.Run.Env,
		PassEnv:         m.Run.PassEnv,
		NetworkPatterns: m.Network.Patterns,
		DetectNetwork:   m.Network.DetectNetwork(),
		FreshnessWindow: window,
		Interpreters:    m.Interpreters,
		ContentTypes:    m.ContentTypes,
		ExtractArchives: m.Archives.Extract,
		MaxMembers:      m.Archives.MaxMembers,
		MaxMemberBytes:  maxMember,
		MaxTotalBytes:   maxTotal,
		S3:              m.Publish.S3,
		ReportFormat:    m.Report.Format,
		ReportDest:      m.Report.Destination,
	}, nil
}

// ParseDuration parses a Go duration; empty means zero.
func ParseDuration(field, s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", field, s, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must not be negative", field)
	}
	return d, nil
}

// ParseSize parses a byte size such as "256MiB", "1GB" or "1048576";
// empty means zero.
func ParseSize(field, s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid size %q: %w", field, s, err)
	}
	if n > 1<<62 {
		return 0, fmt.Errorf("%s: size %q is too large", field, s)
	}
	return int64(n), nil
}

func resolvePath(baseDir, p string) string {
	if p == "" {
		return ""
	}
	p = filepath.FromSlash(p)
	if filepath.IsAbs(p) || baseDir == "" {
		return filepath.Clean(p)
	}
	return filepath.Join(baseDir, p)
}
