package authapi

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config controls auth API limits.
type Config struct {
	TrustProxy   bool
	MaxBodyBytes int64

	// Per-IP failed-login window.
	LoginIPMax    int
	LoginIPWindow time.Duration

	// Per-username progressive lockout tiers.
	LockoutShortThreshold  int
	LockoutShortDuration   time.Duration
	LockoutLongThreshold   int
	LockoutLongDuration    time.Duration
	LockoutSevereThreshold int
	LockoutSevereDuration  time.Duration
}

// LoadConfigFromEnv loads CHAT_AUTH_* settings with safe defaults.
func LoadConfigFromEnv() Config {
	cfg := Config{
		TrustProxy:             envBool("CHAT_AUTH_TRUST_PROXY", false),
		MaxBodyBytes:           envInt64("CHAT_AUTH_MAX_BODY_BYTES", 64<<10),
		LoginIPMax:             envInt("CHAT_AUTH_LOGIN_IP_MAX", 20),
		LoginIPWindow:          envDuration("CHAT_AUTH_LOGIN_IP_WINDOW", 5*time.Minute),
		LockoutShortThreshold:  envInt("CHAT_AUTH_LOCKOUT_SHORT_THRESHOLD", 5),
		LockoutShortDuration:   envDuration("CHAT_AUTH_LOCKOUT_SHORT_DURATION", 5*time.Minute),
		LockoutLongThreshold:   envInt("CHAT_AUTH_LOCKOUT_LONG_THRESHOLD", 10),
		LockoutLongDuration:    envDuration("CHAT_AUTH_LOCKOUT_LONG_DURATION", 30*time.Minute),
		LockoutSevereThreshold: envInt("CHAT_AUTH_LOCKOUT_SEVERE_THRESHOLD", 20),
		LockoutSevereDuration:  envDuration("CHAT_AUTH_LOCKOUT_SEVERE_DURATION", 2*time.Hour),
	}

	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 64 << 10
	}
	if cfg.LoginIPWindow <= 0 {
		cfg.LoginIPWindow = 5 * time.Minute
	}
	return cfg
}

func (c Config) lockoutTiers() []lockoutTier {
	return []lockoutTier{
		{Threshold: c.LockoutSevereThreshold, Duration: c.LockoutSevereDuration},
		{Threshold: c.LockoutLongThreshold, Duration: c.LockoutLongDuration},
		{Threshold: c.LockoutShortThreshold, Duration: c.LockoutShortDuration},
	}
}

func envBool(key string, def bool) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(key)))
	if err != nil {
		return def
	}
	return v
}

func envInt(key string, def int) int {
	v, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key)))
	if err != nil {
		return def
	}
	return v
}

func envInt64(key string, def int64) int64 {
	v, err := strconv.ParseInt(strings.TrimSpace(os.Getenv(key)), 10, 64)
	if err != nil {
		return def
	}
	return v
}

func envDuration(key string, def time.Duration) time.Duration {
	v, err := time.ParseDuration(strings.TrimSpace(os.Getenv(key)))
	if err != nil {
		return def
	}
	return v
}
