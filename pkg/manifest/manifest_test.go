package manifest

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func minimalYAML() string {
	return `version: "1.0"
`
}

func fullYAML() string {
	return `$schema: https://schemas.3leaps.dev/golade/v1.0.0/project.schema.json
version: "1.0"
root: src
output: public/data
match:
  includes: ["**"]
  excludes: ["scratch/**"]
  include_hidden: true
run:
  concurrency: 6
  timeout: 90s
  max_output_bytes: 64MiB
  launch_rate: 2.5
  kill_grace: 1s
  inherit_env: true
  env: [API_TOKEN, REGION]
  pass_env: [PATH]
network:
  patterns: ["feeds/**"]
  detect: false
  freshness_window: 10m
cache:
  dir: /var/cache/golade
interpreters:
  py: [uv, run]
content_types:
  geojson: application/geo+json
archives:
  extract: true
  max_members: 50
  max_member_bytes: 1048576
publish:
  s3:
    bucket: site-data
    prefix: data
    region: eu-west-1
    force_path_style: true
report:
  format: markdown
  destination: file:report.md
`
}

func TestLoadFromBytes(t *testing.T) {
	tests := []struct {
		name        string
		content     string
		path        string
		wantErr     bool
		errContains string
		validate    func(t *testing.T, m *Manifest)
	}{
		{
			name:    "minimal YAML gets defaults",
			content: minimalYAML(),
			path:    "golade.yaml",
			validate: func(t *testing.T, m *Manifest) {
				assert.Equal(t, DefaultRoot, m.Root)
				assert.Equal(t, DefaultOutput, m.Output)
				assert.Equal(t, []string{"**"}, m.Match.Includes)
				assert.Equal(t, Duration(DefaultTimeout), m.Run.Timeout)
				assert.Equal(t, ByteSize(DefaultMaxOutputBytes), m.Run.MaxOutputBytes)
				assert.Equal(t, Duration(DefaultFreshnessWindow), m.Network.FreshnessWindow)
				assert.True(t, m.Network.DetectNetwork())
				assert.Equal(t, DefaultCacheDir, m.Cache.Dir)
				assert.Equal(t, DefaultReportFormat, m.Report.Format)
				assert.Equal(t, DefaultDestination, m.Report.Destination)
			},
		},
		{
			name:    "JSON document",
			content: `{"version": "1.0", "output": "out", "run": {"max_output_bytes": 2048, "timeout": 0}}`,
			path:    "golade.json",
			validate: func(t *testing.T, m *Manifest) {
				assert.Equal(t, "out", m.Output)
				assert.Equal(t, ByteSize("2048"), m.Run.MaxOutputBytes)
				assert.Equal(t, Duration("0"), m.Run.Timeout)
			},
		},
		{
			name:    "full YAML",
			content: fullYAML(),
			path:    "golade.yaml",
			validate: func(t *testing.T, m *Manifest) {
				assert.Equal(t, "src", m.Root)
				assert.Equal(t, []string{"scratch/**"}, m.Match.Excludes)
				assert.True(t, m.Match.IncludeHidden)
				assert.Equal(t, 6, m.Run.Concurrency)
				assert.InDelta(t, 2.5, m.Run.LaunchRate, 0.001)
				assert.Equal(t, []string{"API_TOKEN", "REGION"}, m.Run.Env)
				assert.False(t, m.Network.DetectNetwork())
				assert.Equal(t, []string{"uv", "run"}, m.Interpreters["py"])
				assert.Equal(t, "application/geo+json", m.ContentTypes["geojson"])
				assert.Equal(t, ByteSize("1048576"), m.Archives.MaxMemberBytes)
				require.NotNil(t, m.Publish.S3)
				assert.Equal(t, "site-data", m.Publish.S3.Bucket)
				assert.True(t, m.Publish.S3.ForcePathStyle)
				assert.Equal(t, "markdown", m.Report.Format)
			},
		},
		{
			name:        "empty",
			content:     "  \n",
			path:        "golade.yaml",
			wantErr:     true,
			errContains: "empty",
		},
		{
			name:        "invalid YAML",
			content:     "version: [oops",
			path:        "golade.yaml",
			wantErr:     true,
			errContains: "invalid YAML",
		},
		{
			name:        "invalid JSON",
			content:     `{"version": "1.0"`,
			path:        "golade.json",
			wantErr:     true,
			errContains: "invalid JSON",
		},
		{
			name:        "missing version",
			content:     "output: dist\n",
			path:        "golade.yaml",
			wantErr:     true,
			errContains: "version",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := LoadFromBytes([]byte(tt.content), tt.path)
			if tt.wantErr {
				require.Error(t, err)
				if tt.errContains != "" {
					assert.Contains(t, err.Error(), tt.errContains)
				}
				return
			}
			require.NoError(t, err)
			if tt.validate != nil {
				tt.validate(t, m)
			}
		})
	}
}

func TestLoadFromBytes_SchemaViolations(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown top-level field", "version: \"1.0\"\nworkers: 3\n"},
		{"unknown nested field", "version: \"1.0\"\nrun:\n  retries: 2\n"},
		{"wrong version", "version: \"2.0\"\n"},
		{"bad duration", "version: \"1.0\"\nrun:\n  timeout: soon\n"},
		{"bad size", "version: \"1.0\"\nrun:\n  max_output_bytes: lots\n"},
		{"bad env name", "version: \"1.0\"\nrun:\n  env: [\"1BAD\"]\n"},
		{"concurrency below one", "version: \"1.0\"\nrun:\n  concurrency: 0\n"},
		{"s3 without bucket", "version: \"1.0\"\npublish:\n  s3:\n    prefix: x\n"},
		{"unknown report format", "version: \"1.0\"\nreport:\n  format: xml\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFromBytes([]byte(tt.content), "golade.yaml")
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrValidationFailed)
		})
	}
}

func TestLoadAndLoadDir(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(filepath.Join(dir, FileName))
	assert.ErrorIs(t, err, ErrNotFound)

	m, path, err := LoadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, path)
	assert.Equal(t, DefaultOutput, m.Output)

	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte("version: \"1.0\"\noutput: site\n"), 0o644))
	m, path, err = LoadDir(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, FileName), path)
	assert.Equal(t, "site", m.Output)
}

func TestLoadFromReader(t *testing.T) {
	m, err := LoadFromReader(strings.NewReader(minimalYAML()), "golade.yaml")
	require.NoError(t, err)
	assert.Equal(t, DefaultVersion, m.Version)
}

func TestValidate_DefaultManifest(t *testing.T) {
	require.NoError(t, Validate(Default()))
}

func TestSettings(t *testing.T) {
	m, err := LoadFromBytes([]byte(fullYAML()), "golade.yaml")
	require.NoError(t, err)

	base := filepath.FromSlash("/work/site")
	s, err := m.Settings(base)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(base, "src"), s.Root)
	assert.Equal(t, filepath.Join(base, "public", "data"), s.Output)
	assert.Equal(t, filepath.Clean(filepath.FromSlash("/var/cache/golade")), s.CacheDir)
	assert.Equal(t, 90*time.Second, s.Timeout)
	assert.Equal(t, time.Second, s.KillGrace)
	assert.Equal(t, 10*time.Minute, s.FreshnessWindow)
	assert.Equal(t, int64(64<<20), s.MaxOutputBytes)
	assert.Equal(t, int64(1<<20), s.MaxMemberBytes)
	assert.Zero(t, s.MaxTotalBytes)
	assert.Equal(t, 50, s.MaxMembers)
	assert.True(t, s.ExtractArchives)
	assert.False(t, s.DetectNetwork)
	assert.Equal(t, []string{"feeds/**"}, s.NetworkPatterns)
	assert.Equal(t, "file:report.md", s.ReportDest)
}

func TestSettings_Defaults(t *testing.T) {
	s, err := Default().Settings("/p")
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, s.Timeout)
	assert.Equal(t, int64(1<<30), s.MaxOutputBytes)
	assert.Zero(t, s.FreshnessWindow)
	assert.True(t, s.DetectNetwork)
}

func TestParseHelpers(t *testing.T) {
	d, err := ParseDuration("x", "0")
	require.NoError(t, err)
	assert.Zero(t, d)

	_, err = ParseDuration("x", "-1s")
	assert.Error(t, err)

	n, err := ParseSize("x", "1KB")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), n)

	n, err = ParseSize("x", "1 KiB")
	require.NoError(t, err)
	assert.Equal(t, int64(1024), n)

	_, err = ParseSize("x", "huge")
	assert.Error(t, err)
}
