package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Address != DefaultAddress {
		t.Errorf("Address: got %q, want %q", cfg.Address, DefaultAddress)
	}
	if cfg.KeyPrefix != "glint" {
		t.Errorf("KeyPrefix: got %q, want glint", cfg.KeyPrefix)
	}
	if cfg.Path() != "" {
		t.Errorf("Path for missing file: got %q, want empty", cfg.Path())
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `{
		"name": "dashboard",
		"address": ":9000",
		"deployMode": true,
		"redisUrl": "redis://localhost:6379/1",
		"widgetTtl": "48h",
		"connectionTtl": "2m",
		"eventQueueSize": 512,
		"rolePermissions": {"editor": ["read", "write"]}
	}`)

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Name != "dashboard" || cfg.Address != ":9000" {
		t.Errorf("loaded config: %+v", cfg)
	}
	if !cfg.DeployMode || cfg.RedisURL != "redis://localhost:6379/1" {
		t.Errorf("deploy settings not loaded: %+v", cfg)
	}
	if cfg.Path() == "" {
		t.Error("Path empty after loading a file")
	}

	sc := cfg.StateConfig()
	if sc.WidgetTTL != 48*time.Hour {
		t.Errorf("WidgetTTL: got %v, want 48h", sc.WidgetTTL)
	}
	if sc.ConnectionTTL != 2*time.Minute {
		t.Errorf("ConnectionTTL: got %v, want 2m", sc.ConnectionTTL)
	}
	if sc.EventQueueSize != 512 {
		t.Errorf("EventQueueSize: got %d, want 512", sc.EventQueueSize)
	}
	if perms := sc.RolePermissions["editor"]; len(perms) != 2 {
		t.Errorf("RolePermissions: got %v", sc.RolePermissions)
	}

	lc := cfg.ServerConfig()
	if lc.Address != ":9000" {
		t.Errorf("server address: got %q, want :9000", lc.Address)
	}
}

func TestLoadInvalidJSON(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `{not json`)

	if _, err := Load(dir); err == nil {
		t.Fatal("Load accepted invalid JSON")
	}
}

func TestEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `{"address": ":9000", "deployMode": false}`)

	t.Setenv("GLINT_ADDRESS", ":7777")
	t.Setenv("GLINT_DEPLOY_MODE", "true")
	t.Setenv("GLINT_REDIS_URL", "redis://redis:6379/0")
	t.Setenv("GLINT_SESSION_TTL", "12h")
	t.Setenv("GLINT_STRICT_RESOURCE_SCOPING", "1")

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Address != ":7777" {
		t.Errorf("env address override lost: %q", cfg.Address)
	}
	if !cfg.DeployMode || cfg.RedisURL != "redis://redis:6379/0" {
		t.Errorf("env deploy overrides lost: %+v", cfg)
	}

	sc := cfg.StateConfig()
	if sc.SessionTTL != 12*time.Hour {
		t.Errorf("SessionTTL: got %v, want 12h", sc.SessionTTL)
	}
	if !sc.StrictResourceScoping {
		t.Error("strict scoping override lost")
	}
}

func TestValidate(t *testing.T) {
	cfg := New()
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}

	cfg.DeployMode = true
	if err := cfg.Validate(); err == nil {
		t.Error("deploy mode without redisUrl accepted")
	}
	cfg.RedisURL = "redis://localhost:6379"
	if err := cfg.Validate(); err != nil {
		t.Errorf("valid deploy config rejected: %v", err)
	}

	cfg.WidgetTTL = "not-a-duration"
	if err := cfg.Validate(); err == nil {
		t.Error("invalid duration accepted")
	}
}
