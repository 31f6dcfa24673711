package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("tauth.signing_secret", "secret")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if cfg.HTTPAddress != defaultHTTPAddress || cfg.DatabasePath != defaultDatabasePath {
		t.Fatalf("unexpected defaults: %#v", cfg)
	}
	if cfg.Realtime.PingInterval != 30*time.Second || cfg.Realtime.TicketTTL != time.Minute {
		t.Fatalf("unexpected realtime defaults: %#v", cfg.Realtime)
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "*" {
		t.Fatalf("unexpected allowed origins: %v", cfg.AllowedOrigins)
	}
	if cfg.Redis.URL != "" || cfg.Redis.Channel != defaultRedisChannel {
		t.Fatalf("unexpected redis config: %#v", cfg.Redis)
	}
}

func TestLoadRequiresSigningSecret(t *testing.T) {
	if _, err := Load(NewViper()); err == nil {
		t.Fatalf("expected error for missing signing secret")
	}
}

func TestLoadRejectsNonPositiveRealtimeSettings(t *testing.T) {
	configViper := NewViper()
	configViper.Set("tauth.signing_secret", "secret")
	configViper.Set("realtime.event_burst", 0)
	if _, err := Load(configViper); err == nil {
		t.Fatalf("expected error for zero burst")
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("COEDIT_TAUTH_SIGNING_SECRET", "from-env")
	t.Setenv("COEDIT_CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("COEDIT_REDIS_URL", "redis://localhost:6379/0")

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if cfg.TAuthSigningKey != "from-env" {
		t.Fatalf("expected signing secret from env, got %q", cfg.TAuthSigningKey)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.example" {
		t.Fatalf("unexpected allowed origins: %v", cfg.AllowedOrigins)
	}
	if cfg.Redis.URL != "redis://localhost:6379/0" {
		t.Fatalf("unexpected redis url %q", cfg.Redis.URL)
	}
}

func TestLoadDotEnvIgnoresMissingFiles(t *testing.T) {
	directory := t.TempDir()
	path := filepath.Join(directory, ".env")
	if err := os.WriteFile(path, []byte("COEDIT_TEST_DOTENV=loaded\n"), 0o600); err != nil {
		t.Fatalf("failed to write env file: %v", err)
	}
	t.Cleanup(func() { _ = os.Unsetenv("COEDIT_TEST_DOTENV") })

	if err := LoadDotEnv(filepath.Join(directory, "missing.env"), path); err != nil {
		t.Fatalf("unexpected dotenv error: %v", err)
	}
	if os.Getenv("COEDIT_TEST_DOTENV") != "loaded" {
		t.Fatalf("expected variable from .env file")
	}
}
