package identity

import (
	"errors"
	"sync"

	"chatrooms/cmd/security/password"
)

// Hasher hashes and verifies account passwords. The zero value is unusable; call NewHasher.
type Hasher struct {
	cfg password.Config
}

// NewHasher builds a Hasher from CHAT_PASSWORD_* / CHAT_ARGON2_* env overrides.
func NewHasher() (*Hasher, error) {
	cfg, err := password.FromEnv()
	if err != nil {
		return nil, err
	}
	return &Hasher{cfg: cfg}, nil
}

// NewHasherWithConfig is used by tests to lower the Argon2 cost.
func NewHasherWithConfig(cfg password.Config) *Hasher {
	return &Hasher{cfg: cfg}
}

// Hash enforces the password policy and returns the PHC string to store.
func (h *Hasher) Hash(plain string) (string, error) {
	enc, err := h.cfg.Hash(plain)
	switch {
	case err == nil:
		return enc, nil
	case errors.Is(err, password.ErrPasswordTooShort):
		return "", invalid("identity.HashPassword", "password too short")
	case errors.Is(err, password.ErrPasswordTooLong):
		return "", invalid("identity.HashPassword", "password too long")
	case errors.Is(err, password.ErrWeakPassword):
		return "", invalid("identity.HashPassword", "password too weak")
	default:
		return "", err
	}
}

// Verify compares plain with a stored hash. A nil hash never matches.
func (h *Hasher) Verify(plain string, encoded *string) bool {
	if encoded == nil {
		h.burn(plain)
		return false
	}
	ok, err := h.cfg.Verify(*encoded, plain)
	return err == nil && ok
}

var (
	dummyOnce sync.Once
	dummyHash string
)

// burn spends the same Argon2 work as a real verify so unknown usernames and
// passwordless accounts are not distinguishable by latency.
func (h *Hasher) burn(plain string) {
	dummyOnce.Do(func() {
		dummyHash, _ = h.cfg.Hash("chatrooms-dummy-password-for-timing")
	})
	if dummyHash != "" {
		_, _ = h.cfg.Verify(dummyHash, plain)
	}
}

// VerifyMissing runs a dummy verification for a username that does not exist.
func (h *Hasher) VerifyMissing(plain string) {
	h.burn(plain)
}
