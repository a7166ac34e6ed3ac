package config

import (
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "secret")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.HTTPAddress != defaultHTTPAddress {
		t.Fatalf("unexpected http address %q", cfg.HTTPAddress)
	}
	if cfg.DatabasePath != defaultDatabasePath {
		t.Fatalf("unexpected database path %q", cfg.DatabasePath)
	}
	if cfg.TokenTTL != time.Duration(defaultTokenTTLMinutes)*time.Minute {
		t.Fatalf("unexpected token ttl %v", cfg.TokenTTL)
	}
}

func TestLoadRequiresSigningSecret(t *testing.T) {
	configViper := NewViper()
	if _, err := Load(configViper); err == nil {
		t.Fatalf("expected error for missing signing secret")
	}
}

func TestLoadRejectsNonPositiveTokenTTL(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "secret")
	configViper.Set("token.ttl_minutes", 0)
	if _, err := Load(configViper); err == nil {
		t.Fatalf("expected error for zero token ttl")
	}
}

func TestEnvironmentOverridesDefaults(t *testing.T) {
	t.Setenv("MARGINALIA_HTTP_ADDRESS", "127.0.0.1:9999")
	t.Setenv("MARGINALIA_AUTH_SIGNING_SECRET", "env-secret")

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.HTTPAddress != "127.0.0.1:9999" {
		t.Fatalf("expected env override, got %q", cfg.HTTPAddress)
	}
	if cfg.SigningSecret != "env-secret" {
		t.Fatalf("expected env secret, got %q", cfg.SigningSecret)
	}
}
