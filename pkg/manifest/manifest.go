// Package manifest provides loading and validation of golade project files.
//
// A project file (golade.yaml) configures a loader root: where loaders live,
// where artifacts go, how loaders run, which loaders are network-backed, and
// where the report is written. It is validated against an embedded JSON Schema
// that disallows unknown properties.
//
// Example project file:
//
//	version: "1.0"
//	root: src
//	output: dist
//	match:
//	  excludes:
//	    - "scratch/**"
//	run:
//	  concurrency: 4
//	  timeout: 2m
//	  max_output_bytes: 256MiB
//	  env: [API_TOKEN]
//	network:
//	  patterns: ["feeds/**"]
//	  freshness_window: 10m
//	archives:
//	  extract: true
//	publish:
//	  s3:
//	    bucket: my-site-data
//	    prefix: data
package manifest

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// FileName is the project file looked up in a loader root.
const FileName = "golade.yaml"

// Manifest represents a validated project file.
type Manifest struct {
	// Schema is an optional JSON Schema reference for editor support.
	Schema string `json:"$schema,omitempty" yaml:"$schema,omitempty"`

	// Version is the project file schema version. Must be "1.0".
	Version string `json:"version" yaml:"version"`

	// Root is the loader root, relative to the project file. Default: ".".
	Root string `json:"root,omitempty" yaml:"root,omitempty"`

	// Output is the artifact output directory, relative to the project file.
	// Default: "dist".
	Output string `json:"output,omitempty" yaml:"output,omitempty"`

	Match        MatchConfig         `json:"match,omitempty" yaml:"match,omitempty"`
	Run          RunConfig           `json:"run,omitempty" yaml:"run,omitempty"`
	Network      NetworkConfig       `json:"network,omitempty" yaml:"network,omitempty"`
	Cache        CacheConfig         `json:"cache,omitempty" yaml:"cache,omitempty"`
	Interpreters map[string][]string `json:"interpreters,omitempty" yaml:"interpreters,omitempty"`
	ContentTypes map[string]string   `json:"content_types,omitempty" yaml:"content_types,omitempty"`
	Archives     ArchiveConfig       `json:"archives,omitempty" yaml:"archives,omitempty"`
	Publish      PublishConfig       `json:"publish,omitempty" yaml:"publish,omitempty"`
	Report       ReportConfig        `json:"report,omitempty" yaml:"report,omitempty"`
}

// MatchConfig selects loader files by glob.
type MatchConfig struct {
	// Includes is a list of root-relative glob patterns. Default: ["**"].
	Includes []string `json:"includes,omitempty" yaml:"includes,omitempty"`

	// Excludes is a list of glob patterns removed from the includes.
	Excludes []string `json:"excludes,omitempty" yaml:"excludes,omitempty"`

	// IncludeHidden considers dot-files and dot-directories. Default: false.
	IncludeHidden bool `json:"include_hidden,omitempty" yaml:"include_hidden,omitempty"`
}

// RunConfig controls loader execution.
type RunConfig struct {
	// Concurrency is the worker pool size. Default: max(min(NumCPU*2, 8), 2).
	Concurrency int `json:"concurrency,omitempty" yaml:"concurrency,omitempty"`

	// Timeout bounds each loader. "0" disables it. Default: 10m.
	Timeout Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// MaxOutputBytes bounds each loader's stdout. Accepts "256MiB", "1GB"
	// or a raw byte count. Default: 1GiB.
	MaxOutputBytes ByteSize `json:"max_output_bytes,omitempty" yaml:"max_output_bytes,omitempty"`

	// LaunchRate caps loader launches per second (0 = unlimited).
	LaunchRate float64 `json:"launch_rate,omitempty" yaml:"launch_rate,omitempty"`

	// KillGrace is the delay between SIGTERM and SIGKILL. Default: 3s.
	KillGrace Duration `json:"kill_grace,omitempty" yaml:"kill_grace,omitempty"`

	// InheritEnv passes the full engine environment to loaders.
	InheritEnv bool `json:"inherit_env,omitempty" yaml:"inherit_env,omitempty"`

	// Env declares environment variables that are loader inputs. They are
	// passed to loaders and included in the fingerprint.
	Env []string `json:"env,omitempty" yaml:"env,omitempty"`

	// PassEnv replaces the default host variable allowlist.
	PassEnv []string `json:"pass_env,omitempty" yaml:"pass_env,omitempty"`
}

// NetworkConfig classifies network-backed loaders.
type NetworkConfig struct {
	// Patterns are globs of loaders whose output depends on remote data.
	Patterns []string `json:"patterns,omitempty" yaml:"patterns,omitempty"`

	// Detect also classifies loaders whose source references an http(s) URL.
	// Default: true.
	Detect *bool `json:"detect,omitempty" yaml:"detect,omitempty"`

	// FreshnessWindow is how long a network-backed result may be reused.
	// Default: "0" (never reused across runs).
	FreshnessWindow Duration `json:"freshness_window,omitempty" yaml:"freshness_window,omitempty"`
}

// CacheConfig locates the artifact cache.
type CacheConfig struct {
	// Dir is the cache directory, relative to the project file.
	// Default: ".golade/cache".
	Dir string `json:"dir,omitempty" yaml:"dir,omitempty"`

	// Disabled runs without a durable cache.
	Disabled bool `json:"disabled,omitempty" yaml:"disabled,omitempty"`
}

// ArchiveConfig controls archive member extraction.
type ArchiveConfig struct {
	Extract        bool     `json:"extract,omitempty" yaml:"extract,omitempty"`
	MaxMembers     int      `json:"max_members,omitempty" yaml:"max_members,omitempty"`
	MaxMemberBytes ByteSize `json:"max_member_bytes,omitempty" yaml:"max_member_bytes,omitempty"`
	MaxTotalBytes  ByteSize `json:"max_total_bytes,omitempty" yaml:"max_total_bytes,omitempty"`
}

// PublishConfig configures optional remote sinks.
type PublishConfig struct {
	S3 *S3Config `json:"s3,omitempty" yaml:"s3,omitempty"`
}

// S3Config is the S3 publish target.
type S3Config struct {
	Bucket         string `json:"bucket" yaml:"bucket"`
	Prefix         string `json:"prefix,omitempty" yaml:"prefix,omitempty"`
	Region         string `json:"region,omitempty" yaml:"region,omitempty"`
	Endpoint       string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Profile        string `json:"profile,omitempty" yaml:"profile,omitempty"`
	ForcePathStyle bool   `json:"force_path_style,omitempty" yaml:"force_path_style,omitempty"`
}

// ReportConfig selects how the build report is rendered.
type ReportConfig struct {
	// Format is table, json, jsonl or markdown. Default: table.
	Format string `json:"format,omitempty" yaml:"format,omitempty"`

	// Destination is "stdout", "stderr" or "file:<path>". Default: stdout.
	Destination string `json:"destination,omitempty" yaml:"destination,omitempty"`
}

// ByteSize is a size given either as a byte count or a human-readable string.
type ByteSize string

// Duration is a Go duration string; a bare 0 is accepted.
type Duration string

// UnmarshalJSON accepts a JSON number or string.
func (b *ByteSize) UnmarshalJSON(data []byte) error {
	s, err := scalarJSON(data)
	*b = ByteSize(s)
	return err
}

// UnmarshalYAML accepts any scalar.
func (b *ByteSize) UnmarshalYAML(node *yaml.Node) error {
	s, err := scalarYAML(node)
	*b = ByteSize(s)
	return err
}

// MarshalJSON emits integers as numbers so schema validation of a
// re-serialized manifest matches the original input.
func (b ByteSize) MarshalJSON() ([]byte, error) {
	return marshalScalar(string(b))
}

// UnmarshalJSON accepts a JSON number or string.
func (d *Duration) UnmarshalJSON(data []byte) error {
	s, err := scalarJSON(data)
	*d = Duration(s)
	return err
}

// UnmarshalYAML accepts any scalar.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	s, err := scalarYAML(node)
	*d = Duration(s)
	return err
}

// MarshalJSON emits a bare 0 as a number.
func (d Duration) MarshalJSON() ([]byte, error) {
	return marshalScalar(string(d))
}

func scalarJSON(data []byte) (string, error) {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return "", fmt.Errorf("expected a number or string: %w", err)
	}
	return n.String(), nil
}

func scalarYAML(node *yaml.Node) (string, error) {
	if node.Kind != yaml.ScalarNode {
		return "", fmt.Errorf("line %d: expected a scalar", node.Line)
	}
	return node.Value, nil
}

func marshalScalar(s string) ([]byte, error) {
	if _, err := strconv.ParseInt(s, 10, 64); err == nil {
		return []byte(s), nil
	}
	return json.Marshal(s)
}

// Default values for optional configuration fields.
const (
	DefaultVersion         = "1.0"
	DefaultRoot            = "."
	DefaultOutput          = "dist"
	DefaultCacheDir        = ".golade/cache"
	DefaultTimeout         = "10m"
	DefaultMaxOutputBytes  = "1GiB"
	DefaultKillGrace       = "3s"
	DefaultFreshnessWindow = "0"
	DefaultReportFormat    = "table"
	DefaultDestination     = "stdout"
	DefaultDetectNetwork   = true
)

// Default returns an empty manifest with defaults applied; used when a root
// has no project file.
func Default() *Manifest {
	m := &Manifest{Version: DefaultVersion}
	m.ApplyDefaults()
	return m
}

// ApplyDefaults fills in default values for optional fields.
func (m *Manifest) ApplyDefaults() {
	if m.Version == "" {
		m.Version = DefaultVersion
	}
	if m.Root == "" {
		m.Root = DefaultRoot
	}
	if m.Output == "" {
		m.Output = DefaultOutput
	}
	if len(m.Match.Includes) == 0 {
		m.Match.Includes = []string{"**"}
	}
	// Concurrency: 0 selects the scheduler's host-derived default.
	if strings.TrimSpace(string(m.Run.Timeout)) == "" {
		m.Run.Timeout = DefaultTimeout
	}
	if strings.TrimSpace(string(m.Run.MaxOutputBytes)) == "" {
		m.Run.MaxOutputBytes = DefaultMaxOutputBytes
	}
	if strings.TrimSpace(string(m.Run.KillGrace)) == "" {
		m.Run.KillGrace = DefaultKillGrace
	}
	if m.Network.Detect == nil {
		detect := DefaultDetectNetwork
		m.Network.Detect = &detect
	}
	if strings.TrimSpace(string(m.Network.FreshnessWindow)) == "" {
		m.Network.FreshnessWindow = DefaultFreshnessWindow
	}
	if m.Cache.Dir == "" {
		m.Cache.Dir = DefaultCacheDir
	}
	if m.Report.Format == "" {
		m.Report.Format = DefaultReportFormat
	}
	if m.Report.Destination == "" {
		m.Report.Destination = DefaultDestination
	}
}

// DetectNetwork returns the configured value, or DefaultDetectNetwork if not set.
func (n *NetworkConfig) DetectNetwork() bool {
	if n.Detect == nil {
		return DefaultDetectNetwork
	}
	return *n.Detect
}
