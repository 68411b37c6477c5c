package session

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"chatrooms/cmd/security/token"
)

// Config controls access-token issuance.
type Config struct {
	// Issuer is set in the "iss" claim and required on verify.
	Issuer string

	AccessTokenTTL time.Duration

	// ClockSkew is the leeway applied to exp/nbf/iat checks.
	ClockSkew time.Duration

	// Secret is the HS256 signing key.
	Secret []byte

	// Insecure is true when Secret was generated at startup for local development.
	Insecure bool
}

// DefaultConfig returns the defaults without a secret.
func DefaultConfig() Config {
	return Config{
		Issuer:         "chatrooms",
		AccessTokenTTL: time.Hour,
		ClockSkew:      30 * time.Second,
	}
}

// LoadConfigFromEnv reads:
//
//   - CHAT_JWT_SECRET (required, >= 32 bytes)
//   - CHAT_DEV_INSECURE_JWT (true: generate a throwaway secret when CHAT_JWT_SECRET is unset)
//   - CHAT_JWT_ISSUER
//   - CHAT_JWT_TTL, CHAT_JWT_CLOCK_SKEW (Go durations)
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := strings.TrimSpace(os.Getenv("CHAT_JWT_ISSUER")); v != "" {
		cfg.Issuer = v
	}
	if v := strings.TrimSpace(os.Getenv("CHAT_JWT_TTL")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, fmt.Errorf("%w: CHAT_JWT_TTL", ErrConfig)
		}
		cfg.AccessTokenTTL = d
	}
	if v := strings.TrimSpace(os.Getenv("CHAT_JWT_CLOCK_SKEW")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return Config{}, fmt.Errorf("%w: CHAT_JWT_CLOCK_SKEW", ErrConfig)
		}
		cfg.ClockSkew = d
	}

	secret, err := token.SecretFromEnv(token.MinSecretBytes)
	switch {
	case err == nil:
		cfg.Secret = secret
	case errors.Is(err, token.ErrSecretMissing) && token.InsecureDevAllowed():
		raw, err := token.RandomSecret(token.MinSecretBytes)
		if err != nil {
			return Config{}, err
		}
		cfg.Secret = []byte(raw)
		cfg.Insecure = true
	default:
		return Config{}, fmt.Errorf("%w: %s: %v", ErrConfig, token.SecretEnvKey, err)
	}

	return cfg, nil
}
