package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"donna/internal/taskerr"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "donna.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Pool.MaxForegroundWorkers != 5 {
		t.Errorf("MaxForegroundWorkers = %d, want 5", cfg.Pool.MaxForegroundWorkers)
	}
	if cfg.Pool.MaxBackgroundWorkers != 3 {
		t.Errorf("MaxBackgroundWorkers = %d, want 3", cfg.Pool.MaxBackgroundWorkers)
	}
	if cfg.Pool.UserMaxForegroundWorkers != 2 {
		t.Errorf("UserMaxForegroundWorkers = %d, want 2", cfg.Pool.UserMaxForegroundWorkers)
	}
	if cfg.Executor.ExecutionTimeout != 10*time.Minute {
		t.Errorf("ExecutionTimeout = %v, want 10m", cfg.Executor.ExecutionTimeout)
	}
	if cfg.Scheduler.PollInterval != 2*time.Second {
		t.Errorf("PollInterval = %v, want 2s", cfg.Scheduler.PollInterval)
	}
	if cfg.Store.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", cfg.Store.MaxAttempts)
	}
	if cfg.Engine.DBPath == "" {
		t.Error("DBPath should be derived from home")
	}
	if cfg.Engine.DeferredDir == "" {
		t.Error("DeferredDir should be derived from home")
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfigFile(t, `
engine:
  namespace: testbot
  home: /tmp/testbot
pool:
  max_foreground_workers: 9
executor:
  binary: /usr/local/bin/claude
  model: claude-sonnet-4
users:
  alice:
    timezone: Europe/Berlin
    max_foreground_workers: 1
`)
	cfg, err := Load(WithConfigFile(path))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Engine.Namespace != "testbot" {
		t.Errorf("Namespace = %q, want testbot", cfg.Engine.Namespace)
	}
	if cfg.Pool.MaxForegroundWorkers != 9 {
		t.Errorf("MaxForegroundWorkers = %d, want 9", cfg.Pool.MaxForegroundWorkers)
	}
	// Untouched keys keep defaults.
	if cfg.Pool.MaxBackgroundWorkers != 3 {
		t.Errorf("MaxBackgroundWorkers = %d, want 3", cfg.Pool.MaxBackgroundWorkers)
	}
	if cfg.Executor.Model != "claude-sonnet-4" {
		t.Errorf("Model = %q", cfg.Executor.Model)
	}
	if got := cfg.Engine.DBPath; got != filepath.Join("/tmp/testbot", "donna.db") {
		t.Errorf("DBPath = %q", got)
	}
	if cfg.UserCap("alice", true) != 1 {
		t.Errorf("alice foreground cap = %d, want 1", cfg.UserCap("alice", true))
	}
	if cfg.UserCap("bob", true) != 2 {
		t.Errorf("bob foreground cap = %d, want default 2", cfg.UserCap("bob", true))
	}
	loc := cfg.UserTimezone("alice")
	if loc.String() != "Europe/Berlin" {
		t.Errorf("alice timezone = %v", loc)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(WithConfigFile("/nonexistent/donna.yaml"))
	if err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
	if !taskerr.IsConfiguration(err) {
		t.Errorf("expected configuration error, got %v", err)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("DONNA_DB_PATH", "/var/lib/donna/state.db")
	t.Setenv("DONNA_POOL_MAX_FOREGROUND_WORKERS", "7")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Engine.DBPath != "/var/lib/donna/state.db" {
		t.Errorf("DBPath = %q, want env value", cfg.Engine.DBPath)
	}
	if cfg.Pool.MaxForegroundWorkers != 7 {
		t.Errorf("MaxForegroundWorkers = %d, want 7", cfg.Pool.MaxForegroundWorkers)
	}
}

func TestLoadOverrideWinsOverEnv(t *testing.T) {
	t.Setenv("DONNA_DB_PATH", "/from/env.db")
	cfg, err := Load(WithOverride(func(c *Config) {
		c.Engine.DBPath = "/from/flag.db"
	}))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Engine.DBPath != "/from/flag.db" {
		t.Errorf("DBPath = %q, want override value", cfg.Engine.DBPath)
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*Config)
		wantPart string
	}{
		{
			name:     "zero foreground workers",
			mutate:   func(c *Config) { c.Pool.MaxForegroundWorkers = 0 },
			wantPart: "max_foreground_workers",
		},
		{
			name:     "empty executor binary",
			mutate:   func(c *Config) { c.Executor.Binary = "" },
			wantPart: "executor.binary",
		},
		{
			name:     "bad permission mode",
			mutate:   func(c *Config) { c.Executor.PermissionMode = "yolo" },
			wantPart: "permission_mode",
		},
		{
			name: "restricted without allowed tools",
			mutate: func(c *Config) {
				c.Executor.PermissionMode = "restricted"
				c.Executor.AllowedTools = nil
			},
			wantPart: "allowed_tools",
		},
		{
			name:     "bad timezone",
			mutate:   func(c *Config) { c.Engine.Timezone = "Mars/Olympus" },
			wantPart: "timezone",
		},
		{
			name:     "zero attempts",
			mutate:   func(c *Config) { c.Store.MaxAttempts = 0 },
			wantPart: "max_attempts",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(WithOverride(tt.mutate))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !taskerr.IsConfiguration(err) {
				t.Errorf("expected configuration error, got %T", err)
			}
			if tt.wantPart != "" && !strings.Contains(err.Error(), tt.wantPart) {
				t.Errorf("error %q does not mention %q", err.Error(), tt.wantPart)
			}
		})
	}
}

func TestNormalizeTrimsValues(t *testing.T) {
	cfg, err := Load(WithOverride(func(c *Config) {
		c.Engine.Namespace = "  donna  "
		c.Executor.Model = " claude-opus-4 "
	}))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Engine.Namespace != "donna" {
		t.Errorf("Namespace = %q, want trimmed", cfg.Engine.Namespace)
	}
	if cfg.Executor.Model != "claude-opus-4" {
		t.Errorf("Model = %q, want trimmed", cfg.Executor.Model)
	}
}
