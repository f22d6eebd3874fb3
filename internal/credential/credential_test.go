package credential

import (
	"errors"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
)

func newTestService(t *testing.T, ttl time.Duration, now func() time.Time) *Service {
	t.Helper()
	svc, err := New(Config{
		Secret:     []byte("thisis32byteslongsecretkey123456"),
		TTL:        ttl,
		BcryptCost: bcrypt.MinCost,
		Now:        now,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return svc
}

func TestNewRequiresSecret(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error without secret")
	}
	if _, err := New(Config{Secret: []byte("x"), TTL: -time.Second}); err == nil {
		t.Fatal("expected error for negative ttl")
	}
}

func TestHashPasswordIsSalted(t *testing.T) {
	svc := newTestService(t, 0, nil)

	first, err := svc.HashPassword("hunter22")
	if err != nil {
		t.Fatalf("HashPassword failed: %v", err)
	}
	second, err := svc.HashPassword("hunter22")
	if err != nil {
		t.Fatalf("HashPassword failed: %v", err)
	}
	if first == second {
		t.Fatal("expected different hashes for the same password")
	}
	if !svc.VerifyPassword("hunter22", first) || !svc.VerifyPassword("hunter22", second) {
		t.Fatal("expected both hashes to verify")
	}
	if svc.VerifyPassword("hunter23", first) {
		t.Fatal("wrong password should not verify")
	}
}

func TestIssueAndVerifyToken(t *testing.T) {
	svc := newTestService(t, time.Hour, nil)

	token, err := svc.IssueToken("user-1", "member")
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}

	claims, err := svc.VerifyToken(token)
	if err != nil {
		t.Fatalf("VerifyToken failed: %v", err)
	}
	if claims.UserID != "user-1" || claims.Role != "member" {
		t.Errorf("Unexpected claims: %+v", claims)
	}
	if claims.TokenID == "" {
		t.Error("expected token id to be set")
	}
	if claims.ExpiresAt.IsZero() {
		t.Error("expected expiry with a ttl configured")
	}
}

func TestTokenWithoutTTLHasNoExpiry(t *testing.T) {
	svc := newTestService(t, 0, nil)

	token, err := svc.IssueToken("user-1", "member")
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}
	claims, err := svc.VerifyToken(token)
	if err != nil {
		t.Fatalf("VerifyToken failed: %v", err)
	}
	if !claims.ExpiresAt.IsZero() {
		t.Errorf("expected no expiry, got %v", claims.ExpiresAt)
	}
}

func TestVerifyTokenRejects(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	svc := newTestService(t, time.Minute, clock)

	valid, err := svc.IssueToken("user-1", "member")
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}

	other, err := New(Config{Secret: []byte("another32byteslongsecretkey65432"), BcryptCost: bcrypt.MinCost})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	foreign, err := other.IssueToken("user-1", "member")
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}

	parts := strings.Split(valid, ".")
	tampered := parts[0] + "." + parts[1] + "x." + parts[2]

	cases := map[string]string{
		"empty":          "",
		"garbage":        "not-a-token",
		"tampered":       tampered,
		"foreign secret": foreign,
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := svc.VerifyToken(token); !errors.Is(err, ErrInvalidToken) {
				t.Fatalf("expected ErrInvalidToken, got %v", err)
			}
		})
	}

	t.Run("expired", func(t *testing.T) {
		now = now.Add(2 * time.Minute)
		if _, err := svc.VerifyToken(valid); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("expected ErrInvalidToken, got %v", err)
		}
	})
}

func TestRevoke(t *testing.T) {
	svc := newTestService(t, time.Hour, nil)

	token, err := svc.IssueToken("user-1", "member")
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}
	keep, err := svc.IssueToken("user-1", "member")
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}

	if err := svc.Revoke(token); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}
	if _, err := svc.VerifyToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected revoked token to fail, got %v", err)
	}
	if _, err := svc.VerifyToken(keep); err != nil {
		t.Fatalf("other tokens should stay valid: %v", err)
	}
	if err := svc.Revoke(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("revoking twice should fail verification, got %v", err)
	}
}
