package token

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"strconv"
	"strings"
)

const (
	// #nosec G101 -- environment variable names, not credentials.
	SecretEnvKey      = "CHAT_JWT_SECRET"
	InsecureDevEnvKey = "CHAT_DEV_INSECURE_JWT"

	MinSecretBytes = 32
)

// SecretFromEnv returns the trimmed signing secret, enforcing minBytes when positive.
func SecretFromEnv(minBytes int) ([]byte, error) {
	return CheckSecret(os.Getenv(SecretEnvKey), minBytes)
}

// CheckSecret applies the same rules as SecretFromEnv to an explicit value.
func CheckSecret(raw string, minBytes int) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrSecretMissing
	}
	if minBytes > 0 && len(raw) < minBytes {
		return nil, ErrSecretTooShort
	}
	return []byte(raw), nil
}

// InsecureDevAllowed reports whether CHAT_DEV_INSECURE_JWT is set to a true value.
func InsecureDevAllowed() bool {
	v, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(InsecureDevEnvKey)))
	return err == nil && v
}

// RandomSecret returns n random bytes hex-encoded. It backs the development fallback.
func RandomSecret(n int) (string, error) {
	if n <= 0 {
		n = MinSecretBytes
	}
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// Fingerprint returns a short, non-reversible identifier of a secret for startup logs.
func Fingerprint(secret []byte) string {
	m := hmac.New(sha256.New, []byte("chatrooms.secret.fingerprint"))
	_, _ = m.Write(secret)
	return hex.EncodeToString(m.Sum(nil))[:12]
}
