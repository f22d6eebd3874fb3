// Package credential hashes passwords and issues and verifies signed session
// tokens.
package credential

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidToken is returned for every token that fails verification.
// The concrete cause is wrapped for logging but callers only see this.
var ErrInvalidToken = errors.New("invalid token")

// DefaultIssuer is the iss claim written when Config.Issuer is empty.
const DefaultIssuer = "celerix-tasks"

// Config configures a Service.
type Config struct {
	// Secret signs tokens with HMAC-SHA256. Required.
	Secret []byte
	// TTL bounds token lifetime. Zero issues tokens without an exp claim.
	TTL time.Duration
	// Issuer is written to and required in the iss claim.
	Issuer string
	// BcryptCost defaults to bcrypt.DefaultCost.
	BcryptCost int
	// Now defaults to time.Now.
	Now func() time.Time
}

// Claims is the verified content of a session token.
type Claims struct {
	UserID    string
	Role      string
	TokenID   string
	IssuedAt  time.Time
	ExpiresAt time.Time // zero when the token never expires
}

// tokenClaims is the wire form of the token payload.
type tokenClaims struct {
	jwt.RegisteredClaims
	UserID string `json:"userId"`
	Role   string `json:"role"`
}

// Service issues and checks credentials. It is safe for concurrent use.
type Service struct {
	secret []byte
	ttl    time.Duration
	issuer string
	cost   int
	now    func() time.Time

	mu      sync.Mutex
	revoked map[string]time.Time // token id -> expiry (zero: forever)
}

// New validates cfg and returns a Service.
func New(cfg Config) (*Service, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("credential: signing secret is required")
	}
	if cfg.TTL < 0 {
		return nil, fmt.Errorf("credential: token ttl must not be negative, got %s", cfg.TTL)
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = DefaultIssuer
	}
	cost := cfg.BcryptCost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return nil, fmt.Errorf("credential: bcrypt cost %d out of range", cost)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		secret:  append([]byte(nil), cfg.Secret...),
		ttl:     cfg.TTL,
		issuer:  issuer,
		cost:    cost,
		now:     now,
		revoked: make(map[string]time.Time),
	}, nil
}

// HashPassword returns a salted bcrypt hash of plain.
func (s *Service) HashPassword(plain string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), s.cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// VerifyPassword reports whether plain matches hash.
func (s *Service) VerifyPassword(plain, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain)) == nil
}

// IssueToken signs a token carrying userID and role.
func (s *Service) IssueToken(userID, role string) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", errors.New("issue token: user id is required")
	}
	now := s.now().UTC()
	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   s.issuer,
			Subject:  userID,
			IssuedAt: jwt.NewNumericDate(now),
			ID:       uuid.NewString(),
		},
		UserID: userID,
		Role:   role,
	}
	if s.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(s.ttl))
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return token, nil
}

// VerifyToken checks the signature, issuer, expiry and revocation state of
// token. Every failure wraps ErrInvalidToken.
func (s *Service) VerifyToken(token string) (Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Claims{}, fmt.Errorf("%w: empty token", ErrInvalidToken)
	}

	var parsed tokenClaims
	_, err := jwt.ParseWithClaims(token, &parsed, func(*jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if strings.TrimSpace(parsed.UserID) == "" {
		return Claims{}, fmt.Errorf("%w: missing userId claim", ErrInvalidToken)
	}
	if s.isRevoked(parsed.ID) {
		return Claims{}, fmt.Errorf("%w: token revoked", ErrInvalidToken)
	}

	claims := Claims{
		UserID:  parsed.UserID,
		Role:    parsed.Role,
		TokenID: parsed.ID,
	}
	if parsed.IssuedAt != nil {
		claims.IssuedAt = parsed.IssuedAt.Time.UTC()
	}
	if parsed.ExpiresAt != nil {
		claims.ExpiresAt = parsed.ExpiresAt.Time.UTC()
	}
	return claims, nil
}

// Revoke invalidates a valid token until it would have expired.
func (s *Service) Revoke(token string) error {
	claims, err := s.VerifyToken(token)
	if err != nil {
		return err
	}
	if claims.TokenID == "" {
		return fmt.Errorf("%w: token has no id", ErrInvalidToken)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeLocked()
	s.revoked[claims.TokenID] = claims.ExpiresAt
	return nil
}

func (s *Service) isRevoked(tokenID string) bool {
	if tokenID == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.revoked[tokenID]
	return ok
}

// purgeLocked drops entries for tokens that have expired on their own.
// Callers must hold s.mu.
func (s *Service) purgeLocked() {
	now := s.now()
	for id, exp := range s.revoked {
		if !exp.IsZero() && !exp.After(now) {
			delete(s.revoked, id)
		}
	}
}
