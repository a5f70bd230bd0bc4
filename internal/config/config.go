// Package config loads golade's process-level configuration: logging, the
// HTTP server used by `golade serve`, and environment overrides for build
// settings that otherwise come from the project file.
//
// Precedence, highest first: runtime overrides (CLI flags), GOLADE_*
// environment variables, the user config file, defaults.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// AppIdentity names the binary and the prefixes derived from it.
type AppIdentity struct {
	BinaryName string
	EnvPrefix  string
	ConfigName string
}

// DefaultAppIdentity is the identity of the golade binary.
var DefaultAppIdentity = AppIdentity{
	BinaryName: "golade",
	EnvPrefix:  "GOLADE",
	ConfigName: "golade",
}

// Config is the process configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
	Health  HealthConfig  `mapstructure:"health"`
	Debug   DebugConfig   `mapstructure:"debug"`
	Build   BuildConfig   `mapstructure:"build"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig configures the CLI logger.
type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
	File    string `mapstructure:"file"`
}

// HealthConfig toggles the health endpoints.
type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// DebugConfig enables debug surfaces.
type DebugConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	PprofEnabled bool `mapstructure:"pprof_enabled"`
}

// BuildConfig holds overrides for project-file settings. Empty values leave
// the project file in charge; durations and sizes stay strings so that an
// explicit "0" is distinguishable from unset.
type BuildConfig struct {
	Root            string `mapstructure:"root"`
	Output          string `mapstructure:"output"`
	Concurrency     int    `mapstructure:"concurrency"`
	Timeout         string `mapstructure:"timeout"`
	MaxOutputBytes  string `mapstructure:"max_output_bytes"`
	FreshnessWindow string `mapstructure:"freshness_window"`
	CacheDir        string `mapstructure:"cache_dir"`
	NoCache         bool   `mapstructure:"no_cache"`
	ReportFormat    string `mapstructure:"report_format"`
}

// EnvSpec maps an environment variable to a config key.
type EnvSpec struct {
	Name string
	Path string
}

var (
	configMu    sync.RWMutex
	appIdentity *AppIdentity
	appConfig   *Config
	configFile  string
)

// SetConfigFile names an explicit config file, read after the user config.
// An empty path clears it.
func SetConfigFile(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	configFile = path
}

// SetAppIdentity replaces the identity used by subsequent loads.
func SetAppIdentity(id AppIdentity) {
	configMu.Lock()
	defer configMu.Unlock()
	appIdentity = &id
}

// Load builds the configuration and makes it the current one. Each override
// map is applied on top of everything else, in order.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	configMu.Lock()
	defer configMu.Unlock()

	if appIdentity == nil {
		id := DefaultAppIdentity
		appIdentity = &id
	}
	id := *appIdentity

	v := viper.New()
	SetDefaults(v)

	paths := userConfigPaths(id)
	if configFile != "" {
		if _, err := os.Stat(configFile); err != nil {
			return nil, fmt.Errorf("config file: %w", err)
		}
		paths = append(paths, configFile)
	}
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	for _, spec := range envSpecs(id) {
		if err := v.BindEnv(spec.Path, spec.Name); err != nil {
			return nil, fmt.Errorf("bind %s: %w", spec.Name, err)
		}
	}

	for _, o := range overrides {
		for key, val := range flatten("", o) {
			v.Set(key, val)
		}
	}

	var cfg Config
	hook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hook)); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	appConfig = &cfg
	return &cfg, nil
}

// GetConfig returns the most recently loaded configuration, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// SetDefaults registers default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "console")
	v.SetDefault("logging.file", "")

	v.SetDefault("health.enabled", true)

	v.SetDefault("debug.enabled", false)
	v.SetDefault("debug.pprof_enabled", false)

	v.SetDefault("build.root", "")
	v.SetDefault("build.output", "")
	v.SetDefault("build.concurrency", 0)
	v.SetDefault("build.timeout", "")
	v.SetDefault("build.max_output_bytes", "")
	v.SetDefault("build.freshness_window", "")
	v.SetDefault("build.cache_dir", "")
	v.SetDefault("build.no_cache", false)
	v.SetDefault("build.report_format", "")
}

// Validate checks values viper cannot type-check.
func (c *Config) Validate() error {
	var errs []error
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", c.Logging.Level))
	}
	switch strings.ToLower(c.Logging.Profile) {
	case "console", "structured":
	default:
		errs = append(errs, fmt.Errorf("logging.profile: unknown profile %q", c.Logging.Profile))
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port: %d out of range", c.Server.Port))
	}
	if c.Build.Concurrency < 0 {
		errs = append(errs, fmt.Errorf("build.concurrency: must not be negative"))
	}
	return errors.Join(errs...)
}

// getEnvSpecs returns the env mappings for the current identity.
func getEnvSpecs() []EnvSpec {
	configMu.RLock()
	defer configMu.RUnlock()
	if appIdentity == nil {
		return []EnvSpec{}
	}
	return envSpecs(*appIdentity)
}

func envSpecs(id AppIdentity) []EnvSpec {
	p := id.EnvPrefix + "_"
	return []EnvSpec{
		{Name: p + "HOST", Path: "server.host"},
		{Name: p + "PORT", Path: "server.port"},
		{Name: p + "READ_TIMEOUT", Path: "server.read_timeout"},
		{Name: p + "WRITE_TIMEOUT", Path: "server.write_timeout"},
		{Name: p + "IDLE_TIMEOUT", Path: "server.idle_timeout"},
		{Name: p + "SHUTDOWN_TIMEOUT", Path: "server.shutdown_timeout"},
		{Name: p + "LOG_LEVEL", Path: "logging.level"},
		{Name: p + "LOG_PROFILE", Path: "logging.profile"},
		{Name: p + "LOG_FILE", Path: "logging.file"},
		{Name: p + "HEALTH_ENABLED", Path: "health.enabled"},
		{Name: p + "DEBUG", Path: "debug.enabled"},
		{Name: p + "PPROF_ENABLED", Path: "debug.pprof_enabled"},
		{Name: p + "ROOT", Path: "build.root"},
		{Name: p + "OUTPUT", Path: "build.output"},
		{Name: p + "CONCURRENCY", Path: "build.concurrency"},
		{Name: p + "TIMEOUT", Path: "build.timeout"},
		{Name: p + "MAX_OUTPUT_BYTES", Path: "build.max_output_bytes"},
		{Name: p + "FRESHNESS_WINDOW", Path: "build.freshness_window"},
		{Name: p + "CACHE_DIR", Path: "build.cache_dir"},
		{Name: p + "NO_CACHE", Path: "build.no_cache"},
		{Name: p + "REPORT_FORMAT", Path: "build.report_format"},
	}
}

// getUserConfigPaths returns candidate user config files for the current
// identity, lowest precedence first.
func getUserConfigPaths() []string {
	configMu.RLock()
	defer configMu.RUnlock()
	if appIdentity == nil {
		return []string{}
	}
	return userConfigPaths(*appIdentity)
}

func userConfigPaths(id AppIdentity) []string {
	var paths []string
	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(dir, id.ConfigName, "config.yaml"))
	}
	if explicit := os.Getenv(id.EnvPrefix + "_CONFIG"); explicit != "" {
		paths = append(paths, explicit)
	}
	return paths
}

// flatten turns nested override maps into dotted viper keys.
func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = v
	}
	return out
}
