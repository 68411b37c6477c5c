package session

import (
	"errors"
	"testing"
	"time"
)

func newTestManager(t *testing.T) AccessTokenManager {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Secret = []byte(testSecret)
	m, err := NewJWTManager(cfg)
	if err != nil {
		t.Fatalf("NewJWTManager: %v", err)
	}
	return m
}

func TestJWT_IssueAndVerify(t *testing.T) {
	m := newTestManager(t)
	now := time.Now().UTC()

	tok, exp, err := m.Issue(42, "alice", now)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if !exp.After(now) {
		t.Fatalf("expected exp after now")
	}

	claims, err := m.Verify(tok, now.Add(time.Second))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.UserID != 42 || claims.Username != "alice" || claims.Issuer != "chatrooms" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestJWT_Expired(t *testing.T) {
	m := newTestManager(t)
	now := time.Now().UTC()

	tok, _, err := m.Issue(1, "a", now)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := m.Verify(tok, now.Add(2*time.Hour)); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestJWT_RejectsForeignSecretAndIssuer(t *testing.T) {
	m := newTestManager(t)
	now := time.Now().UTC()

	other := DefaultConfig()
	other.Secret = []byte("another-secret-another-secret-xx")
	om, _ := NewJWTManager(other)
	tok, _, _ := om.Issue(1, "a", now)
	if _, err := m.Verify(tok, now); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for foreign secret, got %v", err)
	}

	iss := DefaultConfig()
	iss.Secret = []byte(testSecret)
	iss.Issuer = "someone-else"
	im, _ := NewJWTManager(iss)
	tok, _, _ = im.Issue(1, "a", now)
	if _, err := m.Verify(tok, now); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for foreign issuer, got %v", err)
	}

	if _, err := m.Verify("not.a.jwt", now); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for garbage, got %v", err)
	}
}

func TestNewJWTManager_RequiresSecret(t *testing.T) {
	if _, err := NewJWTManager(DefaultConfig()); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}
