package pklconfig

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"
)

func TestLoadTOMLConfig(t *testing.T) {
	tests := []struct {
		name    string
		content string
		check   func(t *testing.T, cfg *Config)
		wantErr string
	}{
		{
			name: "all sections",
			content: `
[packages]
cache_dir = "/tmp/pkl-cache"
refresh_delay = "500ms"
workers = 2

[cli]
path = "/opt/pkl/bin/pkl"
download_timeout = "1m"

[log]
level = "debug"
`,
			check: func(t *testing.T, cfg *Config) {
				if cfg.Packages.CacheDir != "/tmp/pkl-cache" {
					t.Errorf("packages.cache_dir = %q", cfg.Packages.CacheDir)
				}
				if cfg.Packages.RefreshDelay.Duration != 500*time.Millisecond {
					t.Errorf("packages.refresh_delay = %v, want 500ms", cfg.Packages.RefreshDelay.Duration)
				}
				if cfg.Packages.Workers != 2 {
					t.Errorf("packages.workers = %d, want 2", cfg.Packages.Workers)
				}
				if cfg.CLI.Path != "/opt/pkl/bin/pkl" {
					t.Errorf("cli.path = %q", cfg.CLI.Path)
				}
				if cfg.CLI.DownloadTimeout.Duration != time.Minute {
					t.Errorf("cli.download_timeout = %v, want 1m", cfg.CLI.DownloadTimeout.Duration)
				}
				if cfg.Log.Level != "debug" {
					t.Errorf("log.level = %q, want debug", cfg.Log.Level)
				}
			},
		},
		{
			name:    "bad duration",
			content: "[packages]\nrefresh_delay = \"soon\"\n",
			wantErr: "invalid duration",
		},
		{
			name:    "unknown key",
			content: "[packages]\ncache = \"/tmp\"\n",
			wantErr: "unknown key",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), ConfigTOML)
			if err := os.WriteFile(path, []byte(tt.content), 0o644); err != nil {
				t.Fatal(err)
			}

			cfg, err := LoadTOMLConfig(path)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("LoadTOMLConfig() error = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("LoadTOMLConfig() error = %v", err)
			}
			tt.check(t, cfg)
		})
	}
}

func TestDiscoverConfigWalksUpToGitRoot(t *testing.T) {
	t.Setenv(EnvConfig, "")

	root := t.TempDir()
	repo := filepath.Join(root, "repo")
	nested := filepath.Join(repo, "a", "b")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(repo, ".git"), 0o755); err != nil {
		t.Fatal(err)
	}

	// Above the git root: must not be found.
	if err := os.WriteFile(filepath.Join(root, ConfigTOML), []byte("[log]\nlevel = \"error\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, path, err := DiscoverConfig(nested)
	if err != nil {
		t.Fatalf("DiscoverConfig: %v", err)
	}
	if path != "" {
		t.Errorf("found config outside the repository: %s", path)
	}
	if cfg.Packages.RefreshDelay.Duration != 3*time.Second {
		t.Errorf("default refresh delay = %v", cfg.Packages.RefreshDelay.Duration)
	}

	want := filepath.Join(repo, "a", ConfigTOML)
	if err := os.WriteFile(want, []byte("[packages]\nrefresh_delay = \"1s\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, path, err = DiscoverConfig(nested)
	if err != nil {
		t.Fatalf("DiscoverConfig: %v", err)
	}
	if path != want {
		t.Errorf("path = %q, want %q", path, want)
	}
	if cfg.Packages.RefreshDelay.Duration != time.Second {
		t.Errorf("refresh delay = %v, want 1s", cfg.Packages.RefreshDelay.Duration)
	}
	if cfg.CLI.Path != "pkl" {
		t.Errorf("defaults not kept: cli.path = %q", cfg.CLI.Path)
	}
}

func TestDiscoverConfigFromEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custom.toml")
	if err := os.WriteFile(path, []byte("[cli]\npath = \"pkl-nightly\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv(EnvConfig, path)

	cfg, got, err := DiscoverConfig(t.TempDir())
	if err != nil {
		t.Fatalf("DiscoverConfig: %v", err)
	}
	if got != path {
		t.Errorf("path = %q, want %q", got, path)
	}
	if cfg.CLI.Path != "pkl-nightly" {
		t.Errorf("cli.path = %q", cfg.CLI.Path)
	}

	t.Setenv(EnvConfig, filepath.Join(t.TempDir(), "missing.toml"))
	if _, _, err := DiscoverConfig(""); err == nil {
		t.Error("expected an error for a missing PKLLS_CONFIG file")
	}
}

func TestCacheDir(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv(EnvCacheDir, "")

	cfg := DefaultConfig()
	got, err := cfg.CacheDir()
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(home, ".pkl", "cache"); got != want {
		t.Errorf("default CacheDir = %q, want %q", got, want)
	}

	t.Setenv(EnvCacheDir, "/env/cache")
	if got, _ := cfg.CacheDir(); got != "/env/cache" {
		t.Errorf("env CacheDir = %q", got)
	}

	cfg.Packages.CacheDir = "~/pkl"
	if got, _ := cfg.CacheDir(); got != filepath.Join(home, "pkl") {
		t.Errorf("configured CacheDir = %q", got)
	}
}

func TestLogLevel(t *testing.T) {
	cfg := DefaultConfig()
	if level, err := cfg.LogLevel(); err != nil || level != log.InfoLevel {
		t.Errorf("default LogLevel = %v, %v", level, err)
	}
	cfg.Log.Level = "DEBUG"
	if level, err := cfg.LogLevel(); err != nil || level != log.DebugLevel {
		t.Errorf("LogLevel(DEBUG) = %v, %v", level, err)
	}
	cfg.Log.Level = "chatty"
	if _, err := cfg.LogLevel(); err == nil {
		t.Error("expected an error for an unknown level")
	}
}

func TestMerge(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Merge(&Config{Packages: PackagesConfig{Workers: 8}})
	if cfg.Packages.Workers != 8 {
		t.Errorf("workers = %d, want 8", cfg.Packages.Workers)
	}
	if cfg.CLI.Path != "pkl" {
		t.Errorf("zero values overwrote defaults: cli.path = %q", cfg.CLI.Path)
	}
	cfg.Merge(nil)
}
