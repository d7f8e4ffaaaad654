// Package token issues and verifies the signed session tokens presented as
// bearer credentials. Tokens are stateless HS256 JWTs; revocation happens only
// through expiry or secret rotation.
package token

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/odyssey-erp/erp-access/internal/platform/httpx"
	"github.com/odyssey-erp/erp-access/internal/shared"
)

// DefaultTTL is the validity window applied when Config.TTL is zero.
const DefaultTTL = 24 * time.Hour

// DefaultLeeway is the clock skew tolerated between instances when Config.Leeway is zero.
const DefaultLeeway = 5 * time.Second

var (
	// ErrInvalidToken covers signature, algorithm, issuer and required-claim mismatches.
	ErrInvalidToken = fmt.Errorf("token: invalid: %w", httpx.ErrUnauthorized)
	// ErrExpiredToken is returned for correctly signed tokens past their expiry.
	ErrExpiredToken = fmt.Errorf("token: expired: %w", httpx.ErrUnauthorized)
	// ErrMalformedToken is returned when the token structure cannot be parsed.
	ErrMalformedToken = fmt.Errorf("token: malformed: %w", httpx.ErrUnauthorized)
)

var signingMethod = jwt.SigningMethodHS256

// Config carries the per-deployment signing settings.
type Config struct {
	Secret string
	TTL    time.Duration
	Issuer string
	// Leeway tolerates clock skew on iat and exp checks.
	Leeway time.Duration
}

// Subject is the identity a token is issued for.
type Subject struct {
	IdentityID int64
	Email      string
	RoleID     int64
	RoleName   string
}

// Issued is a freshly signed token.
type Issued struct {
	Token     string
	ExpiresAt time.Time
}

// Claims is the verified payload of a token.
type Claims struct {
	ID         string
	IdentityID int64
	Email      string
	RoleID     int64
	RoleName   string
	IssuedAt   time.Time
	ExpiresAt  time.Time
}

type sessionClaims struct {
	Email    string `json:"email,omitempty"`
	RoleID   int64  `json:"rid"`
	RoleName string `json:"role"`
	jwt.RegisteredClaims
}

// Service signs and verifies session tokens.
type Service struct {
	secret []byte
	ttl    time.Duration
	leeway time.Duration
	issuer string
	now    func() time.Time
}

// NewService validates cfg and returns a ready Service.
func NewService(cfg Config) (*Service, error) {
	if strings.TrimSpace(cfg.Secret) == "" {
		return nil, fmt.Errorf("%w: token signing secret must be provided", shared.ErrConfiguration)
	}
	ttl := cfg.TTL
	if ttl == 0 {
		ttl = DefaultTTL
	}
	if ttl < 0 {
		return nil, fmt.Errorf("%w: token ttl must be positive", shared.ErrConfiguration)
	}
	leeway := cfg.Leeway
	if leeway == 0 {
		leeway = DefaultLeeway
	}
	if leeway < 0 {
		return nil, fmt.Errorf("%w: token leeway must not be negative", shared.ErrConfiguration)
	}
	return &Service{
		secret: []byte(cfg.Secret),
		ttl:    ttl,
		leeway: leeway,
		issuer: cfg.Issuer,
		now:    time.Now,
	}, nil
}

// WithClock returns a copy of the service reading time from now.
func (s *Service) WithClock(now func() time.Time) *Service {
	cp := *s
	cp.now = now
	return &cp
}

// TTL exposes the configured token lifetime.
func (s *Service) TTL() time.Duration {
	return s.ttl
}

// Issue signs a token for subject valid for the configured TTL.
func (s *Service) Issue(subject Subject) (Issued, error) {
	if s == nil || len(s.secret) == 0 {
		return Issued{}, fmt.Errorf("%w: token service has no signing secret", shared.ErrConfiguration)
	}
	now := s.now().UTC().Truncate(time.Second)
	expiresAt := now.Add(s.ttl)
	claims := sessionClaims{
		Email:    subject.Email,
		RoleID:   subject.RoleID,
		RoleName: subject.RoleName,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   strconv.FormatInt(subject.IdentityID, 10),
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(signingMethod, claims).SignedString(s.secret)
	if err != nil {
		return Issued{}, fmt.Errorf("token: sign: %w", err)
	}
	return Issued{Token: signed, ExpiresAt: expiresAt}, nil
}

// Verify checks the signature and expiry of raw and returns its claims.
func (s *Service) Verify(raw string) (Claims, error) {
	if s == nil || len(s.secret) == 0 {
		return Claims{}, fmt.Errorf("%w: token service has no signing secret", shared.ErrConfiguration)
	}
	if strings.TrimSpace(raw) == "" {
		return Claims{}, ErrMalformedToken
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{signingMethod.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(s.leeway),
		jwt.WithTimeFunc(s.now),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}

	var claims sessionClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, opts...)
	if err != nil {
		return Claims{}, classify(err)
	}

	identityID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || identityID <= 0 {
		return Claims{}, ErrMalformedToken
	}
	return Claims{
		ID:         claims.ID,
		IdentityID: identityID,
		Email:      claims.Email,
		RoleID:     claims.RoleID,
		RoleName:   claims.RoleName,
		IssuedAt:   claims.IssuedAt.Time,
		ExpiresAt:  claims.ExpiresAt.Time,
	}, nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return ErrMalformedToken
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrExpiredToken
	default:
		return ErrInvalidToken
	}
}
