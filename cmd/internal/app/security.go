package app

import (
	"fmt"

	"chatrooms/cmd/internal/auth/session"
	"chatrooms/cmd/security/token"
)

// ValidateSecurityConfig fails fast on a signing secret that does not meet policy and logs which
// secret is in use. A generated development secret is allowed but logged loudly.
func ValidateSecurityConfig(cfg session.Config, log Logger) error {
	if cfg.Insecure {
		if !token.InsecureDevAllowed() {
			return fmt.Errorf("security policy: generated signing secret without %s=true", token.InsecureDevEnvKey)
		}
		log.Warn("security.jwt.insecure_dev_secret",
			"hint", "set "+token.SecretEnvKey+"; tokens will not survive a restart",
			"fingerprint", token.Fingerprint(cfg.Secret),
		)
		return nil
	}

	if _, err := token.CheckSecret(string(cfg.Secret), token.MinSecretBytes); err != nil {
		return fmt.Errorf("security policy: %s: %w", token.SecretEnvKey, err)
	}

	log.Info("security.jwt.secret", "fingerprint", token.Fingerprint(cfg.Secret), "issuer", cfg.Issuer, "ttl", cfg.AccessTokenTTL.String())
	return nil
}
