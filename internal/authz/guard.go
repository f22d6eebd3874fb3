// Package authz turns raw session tokens into authenticated principals.
package authz

import (
	"errors"
	"io"
	"log/slog"
	"strings"

	"github.com/celerix-dev/celerix-tasks/internal/credential"
)

var (
	// ErrMissingToken is returned when no token was supplied.
	ErrMissingToken = errors.New("authentication token is required")
	// ErrInvalidToken is returned for any token that fails verification.
	// It never says why.
	ErrInvalidToken = errors.New("invalid or expired token")
)

// Principal is the identity behind a verified token.
type Principal struct {
	UserID  string
	Role    string
	TokenID string
}

// Verifier validates a token and returns its claims.
type Verifier interface {
	VerifyToken(token string) (credential.Claims, error)
}

// Guard authenticates raw tokens. It holds no per-request state and is
// safe for concurrent use.
type Guard struct {
	verifier Verifier
	logger   *slog.Logger
}

// NewGuard returns a Guard backed by v. A nil logger discards output.
func NewGuard(v Verifier, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Guard{verifier: v, logger: logger}
}

// Authenticate verifies raw and returns the Principal it encodes.
func (g *Guard) Authenticate(raw string) (Principal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Principal{}, ErrMissingToken
	}
	claims, err := g.verifier.VerifyToken(raw)
	if err != nil {
		g.logger.Debug("token rejected", "error", err)
		return Principal{}, ErrInvalidToken
	}
	return Principal{
		UserID:  claims.UserID,
		Role:    claims.Role,
		TokenID: claims.TokenID,
	}, nil
}
