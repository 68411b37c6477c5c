package session

import (
	"errors"
	"strings"
	"testing"
	"time"
)

var testSecret = strings.Repeat("s", 32)

func TestLoadConfigFromEnv_MissingSecret(t *testing.T) {
	t.Setenv("CHAT_JWT_SECRET", "")
	t.Setenv("CHAT_DEV_INSECURE_JWT", "")
	if _, err := LoadConfigFromEnv(); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig on missing secret, got %v", err)
	}
}

func TestLoadConfigFromEnv_ShortSecret(t *testing.T) {
	t.Setenv("CHAT_JWT_SECRET", "too-short")
	t.Setenv("CHAT_DEV_INSECURE_JWT", "true")
	if _, err := LoadConfigFromEnv(); !errors.Is(err, ErrConfig) {
		t.Fatalf("a short explicit secret must fail even in dev, got %v", err)
	}
}

func TestLoadConfigFromEnv_InsecureDevFallback(t *testing.T) {
	t.Setenv("CHAT_JWT_SECRET", "")
	t.Setenv("CHAT_DEV_INSECURE_JWT", "true")
	cfg, err := LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cfg.Insecure || len(cfg.Secret) < 32 {
		t.Fatalf("expected generated secret, got insecure=%v len=%d", cfg.Insecure, len(cfg.Secret))
	}
}

func TestLoadConfigFromEnv_InvalidDuration(t *testing.T) {
	t.Setenv("CHAT_JWT_SECRET", testSecret)
	t.Setenv("CHAT_JWT_TTL", "-5m")
	if _, err := LoadConfigFromEnv(); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig for negative duration, got %v", err)
	}
}

func TestLoadConfigFromEnv_Valid(t *testing.T) {
	t.Setenv("CHAT_JWT_SECRET", testSecret)
	t.Setenv("CHAT_JWT_ISSUER", "chat-test")
	t.Setenv("CHAT_JWT_TTL", "10m")
	t.Setenv("CHAT_JWT_CLOCK_SKEW", "5s")

	cfg, err := LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Issuer != "chat-test" || cfg.AccessTokenTTL != 10*time.Minute || cfg.ClockSkew != 5*time.Second {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if string(cfg.Secret) != testSecret || cfg.Insecure {
		t.Fatalf("secret not taken from env")
	}
}
