package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	if cfg.AI.DefaultProvider != "openaicompat" {
		t.Errorf("expected openaicompat, got %s", cfg.AI.DefaultProvider)
	}
	if cfg.Actor.InactivityTimeoutSeconds != 1800 {
		t.Errorf("expected 1800, got %d", cfg.Actor.InactivityTimeoutSeconds)
	}
	if cfg.Database.PoolSize != 10 {
		t.Errorf("expected 10, got %d", cfg.Database.PoolSize)
	}
}

func TestLoadFromTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.toml")
	os.WriteFile(path, []byte(`
[database]
connection_string = "postgres://localhost/test"

[actor]
inactivity_timeout_seconds = 60
`), 0644)

	cfg := Load(path)
	if cfg.Database.ConnectionString != "postgres://localhost/test" {
		t.Errorf("expected connection string, got %s", cfg.Database.ConnectionString)
	}
	if cfg.Actor.InactivityTimeoutSeconds != 60 {
		t.Errorf("expected 60, got %d", cfg.Actor.InactivityTimeoutSeconds)
	}
	// Defaults preserved
	if cfg.AI.DefaultProvider != "openaicompat" {
		t.Errorf("default should be preserved, got %s", cfg.AI.DefaultProvider)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("OASISCORE_DATABASE_CONNECTION_STRING", "postgres://env/db")
	t.Setenv("OASISCORE_JWT_SECRET", "env-secret")

	cfg := Load("/nonexistent/path.toml")
	if cfg.Database.ConnectionString != "postgres://env/db" {
		t.Errorf("expected env connection string, got %s", cfg.Database.ConnectionString)
	}
	if cfg.JWT.Secret != "env-secret" {
		t.Errorf("expected env-secret, got %s", cfg.JWT.Secret)
	}
}

func TestAIProviderAPIKeyOverride(t *testing.T) {
	t.Setenv("OASISCORE_AI_PROVIDER_API_KEY", "provider-key")

	cfg := Load("/nonexistent/path.toml")
	got := cfg.AI.Providers[cfg.AI.DefaultProvider].APIKey
	if got != "provider-key" {
		t.Errorf("expected provider-key, got %s", got)
	}
}
