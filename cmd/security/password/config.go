package password

import (
	"fmt"
	"math"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// Argon2idParams controls hashing cost. MemoryKiB is in KiB as argon2.IDKey expects.
type Argon2idParams struct {
	MemoryKiB   uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// Policy bounds what a user may choose as a password.
type Policy struct {
	MinLength      int
	MaxLength      int
	RejectVeryWeak bool
}

// Config is the single configuration surface for this package.
type Config struct {
	Params Argon2idParams
	Policy Policy
}

// DefaultConfig returns interactive-login cost settings and a chat-friendly policy.
func DefaultConfig() Config {
	threads := runtime.NumCPU()
	if threads < 1 {
		threads = 1
	}
	if threads > 4 {
		threads = 4
	}

	return Config{
		Params: Argon2idParams{
			MemoryKiB:   64 * 1024,
			Iterations:  3,
			Parallelism: uint8(threads), // #nosec G115 -- clamped to [1..4].
			SaltLength:  16,
			KeyLength:   32,
		},
		Policy: Policy{
			MinLength: 8,
			MaxLength: 256,
		},
	}
}

// Environment keys read by FromEnv.
const (
	EnvMinLen         = "CHAT_PASSWORD_MIN_LEN"
	EnvMaxLen         = "CHAT_PASSWORD_MAX_LEN"
	EnvRejectVeryWeak = "CHAT_PASSWORD_REJECT_VERY_WEAK"
	EnvMemoryKiB      = "CHAT_ARGON2_MEMORY_KIB"
	EnvIterations     = "CHAT_ARGON2_ITERATIONS"
	EnvParallelism    = "CHAT_ARGON2_PARALLELISM"
	EnvSaltLen        = "CHAT_ARGON2_SALT_LEN"
	EnvKeyLen         = "CHAT_ARGON2_KEY_LEN"
)

type u32Override struct {
	key      string
	min, max uint32
	dst      func(*Config, uint32) error
}

// FromEnv starts from DefaultConfig and applies any CHAT_PASSWORD_* / CHAT_ARGON2_* overrides.
func FromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v, ok := os.LookupEnv(EnvMinLen); ok {
		n, err := parseIntRange(v, 1, 1024)
		if err != nil {
			return Config{}, fmt.Errorf("%s: %w", EnvMinLen, err)
		}
		cfg.Policy.MinLength = n
	}
	if v, ok := os.LookupEnv(EnvMaxLen); ok {
		n, err := parseIntRange(v, 1, 4096)
		if err != nil {
			return Config{}, fmt.Errorf("%s: %w", EnvMaxLen, err)
		}
		cfg.Policy.MaxLength = n
	}
	if v, ok := os.LookupEnv(EnvRejectVeryWeak); ok {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return Config{}, fmt.Errorf("%s: invalid boolean", EnvRejectVeryWeak)
		}
		cfg.Policy.RejectVeryWeak = b
	}

	overrides := []u32Override{
		{EnvMemoryKiB, 8 * 1024, 1024 * 1024, func(c *Config, u uint32) error { c.Params.MemoryKiB = u; return nil }},
		{EnvIterations, 1, 20, func(c *Config, u uint32) error { c.Params.Iterations = u; return nil }},
		{EnvParallelism, 1, 64, func(c *Config, u uint32) error {
			if u > math.MaxUint8 {
				return fmt.Errorf("out of range [0..%d]", math.MaxUint8)
			}
			c.Params.Parallelism = uint8(u)
			return nil
		}},
		{EnvSaltLen, 8, 64, func(c *Config, u uint32) error { c.Params.SaltLength = u; return nil }},
		{EnvKeyLen, 16, 64, func(c *Config, u uint32) error { c.Params.KeyLength = u; return nil }},
	}
	for _, o := range overrides {
		v, ok := os.LookupEnv(o.key)
		if !ok {
			continue
		}
		u, err := parseU32Range(v, o.min, o.max)
		if err == nil {
			err = o.dst(&cfg, u)
		}
		if err != nil {
			return Config{}, fmt.Errorf("%s: %w", o.key, err)
		}
	}

	if cfg.Policy.MinLength > cfg.Policy.MaxLength {
		return Config{}, fmt.Errorf("password policy invalid: min_len(%d) > max_len(%d)",
			cfg.Policy.MinLength, cfg.Policy.MaxLength)
	}
	return cfg, nil
}

func parseIntRange(s string, lo, hi int) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("not an integer")
	}
	if n < lo || n > hi {
		return 0, fmt.Errorf("out of range [%d..%d]", lo, hi)
	}
	return n, nil
}

func parseU32Range(s string, lo, hi uint32) (uint32, error) {
	u64, err := strconv.ParseUint(strings.TrimSpace(s), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("not an unsigned integer")
	}
	u := uint32(u64)
	if u < lo || u > hi {
		return 0, fmt.Errorf("out of range [%d..%d]", lo, hi)
	}
	return u, nil
}
