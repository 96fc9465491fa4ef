// Package pklconfig loads pklls configuration.
//
// Configuration lives in a pklls.toml file, discovered by walking up from the
// workspace root until the git root. The PKLLS_CONFIG environment variable
// points at an explicit file instead.
package pklconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// ConfigTOML is the config filename.
const ConfigTOML = "pklls.toml"

// Environment variables.
const (
	// EnvConfig points at a config file.
	EnvConfig = "PKLLS_CONFIG"
	// EnvCacheDir overrides the pkl package cache directory.
	EnvCacheDir = "PKL_CACHE_DIR"
)

// Config is the pklls configuration.
type Config struct {
	Packages PackagesConfig `json:"packages" toml:"packages"`
	CLI      CLIConfig      `json:"cli" toml:"cli"`
	Log      LogConfig      `json:"log" toml:"log"`
}

// PackagesConfig configures package tracking.
type PackagesConfig struct {
	// CacheDir is the pkl package cache (default ~/.pkl/cache).
	CacheDir string `json:"cache_dir" toml:"cache_dir"`

	// RefreshDelay is how long to wait after the last edit before rescanning
	// imported packages.
	RefreshDelay Duration `json:"refresh_delay" toml:"refresh_delay"`

	// Workers bounds concurrent background tasks.
	Workers int `json:"workers" toml:"workers"`
}

// CLIConfig configures the pkl executable used for downloads.
type CLIConfig struct {
	// Path is the pkl executable (default "pkl" on PATH).
	Path string `json:"path" toml:"path"`

	// DownloadTimeout bounds one download-package invocation.
	DownloadTimeout Duration `json:"download_timeout" toml:"download_timeout"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `json:"level" toml:"level"`
}

// Duration wraps time.Duration for TOML/JSON string parsing.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for Duration.
func (d *Duration) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = dur
	return nil
}

// MarshalText implements encoding.TextMarshaler for Duration.
func (d Duration) MarshalText() ([]byte, error) {
	if d.Duration == 0 {
		return nil, nil
	}
	return []byte(d.Duration.String()), nil
}

// DefaultConfig returns a Config with defaults.
func DefaultConfig() *Config {
	return &Config{
		Packages: PackagesConfig{
			RefreshDelay: Duration{3 * time.Second},
			Workers:      4,
		},
		CLI: CLIConfig{
			Path:            "pkl",
			DownloadTimeout: Duration{5 * time.Minute},
		},
		Log: LogConfig{Level: "info"},
	}
}

// DiscoverConfig finds and loads the configuration for a workspace.
//
// Resolution order:
//  1. PKLLS_CONFIG, if set
//  2. pklls.toml in startDir or a parent, up to the git root
//
// The loaded file is merged over DefaultConfig. Returns the config and the
// path it came from ("" when defaults are used).
func DiscoverConfig(startDir string) (*Config, string, error) {
	cfg := DefaultConfig()

	if envPath := os.Getenv(EnvConfig); envPath != "" {
		loaded, err := LoadTOMLConfig(envPath)
		if err != nil {
			return nil, "", fmt.Errorf("loading config from %s: %w", EnvConfig, err)
		}
		cfg.Merge(loaded)
		return cfg, envPath, nil
	}

	if startDir == "" {
		var err error
		startDir, err = os.Getwd()
		if err != nil {
			return nil, "", fmt.Errorf("getting working directory: %w", err)
		}
	}
	absDir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, "", fmt.Errorf("resolving path: %w", err)
	}

	gitRoot := findGitRoot(absDir)
	dir := absDir
	for {
		path := filepath.Join(dir, ConfigTOML)
		if fileExists(path) {
			loaded, err := LoadTOMLConfig(path)
			if err != nil {
				return nil, "", err
			}
			cfg.Merge(loaded)
			return cfg, path, nil
		}

		if gitRoot != "" && dir == gitRoot {
			break
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return cfg, "", nil
}

// Merge overlays the non-zero values of other onto c.
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}
	if other.Packages.CacheDir != "" {
		c.Packages.CacheDir = other.Packages.CacheDir
	}
	if other.Packages.RefreshDelay.Duration != 0 {
		c.Packages.RefreshDelay = other.Packages.RefreshDelay
	}
	if other.Packages.Workers != 0 {
		c.Packages.Workers = other.Packages.Workers
	}
	if other.CLI.Path != "" {
		c.CLI.Path = other.CLI.Path
	}
	if other.CLI.DownloadTimeout.Duration != 0 {
		c.CLI.DownloadTimeout = other.CLI.DownloadTimeout
	}
	if other.Log.Level != "" {
		c.Log.Level = other.Log.Level
	}
}

// CacheDir resolves the package cache directory: config, then PKL_CACHE_DIR,
// then ~/.pkl/cache. A leading ~ expands to the home directory.
func (c *Config) CacheDir() (string, error) {
	dir := c.Packages.CacheDir
	if dir == "" {
		dir = os.Getenv(EnvCacheDir)
	}
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolving home directory: %w", err)
		}
		return filepath.Join(home, ".pkl", "cache"), nil
	}
	return expandHome(dir)
}

// LogLevel parses Log.Level, defaulting to info.
func (c *Config) LogLevel() (log.Level, error) {
	if c.Log.Level == "" {
		return log.InfoLevel, nil
	}
	level, err := log.ParseLevel(strings.ToLower(c.Log.Level))
	if err != nil {
		return log.InfoLevel, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// findGitRoot returns the enclosing git repository root, or "".
func findGitRoot(startDir string) string {
	dir := startDir
	for {
		if fileExists(filepath.Join(dir, ".git")) {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}
