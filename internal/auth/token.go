package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// AccessTokenTTL is fixed: clients rely on expires_in = 28800.
	AccessTokenTTL      = 8 * time.Hour
	defaultRefreshTTL   = 7 * 24 * time.Hour
	defaultIssuer       = "ledgerdesk"
	minProductionSecret = 32
	tokenTypeAccess     = "access"
	tokenTypeRefresh    = "refresh"
	allowedIssuedAtSkew = 5 * time.Second
)

var weakSecrets = map[string]struct{}{
	"secret":         {},
	"changeme":       {},
	"change-me":      {},
	"jwt-secret":     {},
	"your-secret":    {},
	"default":        {},
	"development":    {},
	"supersecretkey": {},
}

// Claims is the verified content of an access or refresh token.
type Claims struct {
	Role      Role   `json:"role"`
	PartnerID string `json:"partner_id,omitempty"`
	TokenType string `json:"typ"`
	jwt.RegisteredClaims
}

// TokenService issues and verifies HS256-signed tokens.
type TokenService struct {
	secret     []byte
	issuer     string
	refreshTTL time.Duration
	now        func() time.Time
	production bool
}

// TokenOption configures TokenService.
type TokenOption func(*TokenService) error

// WithIssuer overrides the iss claim.
func WithIssuer(issuer string) TokenOption {
	return func(s *TokenService) error {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			s.issuer = issuer
		}
		return nil
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) TokenOption {
	return func(s *TokenService) error {
		if ttl < 0 {
			return errors.New("auth: refresh ttl must not be negative")
		}
		if ttl > 0 {
			s.refreshTTL = ttl
		}
		return nil
	}
}

// WithTokenClock overrides the time source.
func WithTokenClock(fn func() time.Time) TokenOption {
	return func(s *TokenService) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithProductionMode enables strict secret validation.
func WithProductionMode(on bool) TokenOption {
	return func(s *TokenService) error {
		s.production = on
		return nil
	}
}

// NewTokenService validates the signing secret and returns a ready service.
func NewTokenService(secret string, opts ...TokenOption) (*TokenService, error) {
	svc := &TokenService{
		issuer:     defaultIssuer,
		refreshTTL: defaultRefreshTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	if err := ValidateSecret(secret, svc.production); err != nil {
		return nil, err
	}
	svc.secret = []byte(secret)
	return svc, nil
}

// ValidateSecret rejects empty secrets, and in production also short or well-known ones.
func ValidateSecret(secret string, production bool) error {
	trimmed := strings.TrimSpace(secret)
	if trimmed == "" {
		return errors.New("auth: token secret is not configured")
	}
	if !production {
		return nil
	}
	if _, weak := weakSecrets[strings.ToLower(trimmed)]; weak {
		return errors.New("auth: token secret is a known default")
	}
	if len(trimmed) < minProductionSecret {
		return fmt.Errorf("auth: token secret must be at least %d bytes in production", minProductionSecret)
	}
	return nil
}

// RefreshTTL returns the configured refresh token lifetime.
func (s *TokenService) RefreshTTL() time.Duration { return s.refreshTTL }

// IssueAccessToken signs an access token for p valid for AccessTokenTTL.
func (s *TokenService) IssueAccessToken(p *Principal) (string, time.Time, error) {
	return s.issue(p, tokenTypeAccess, AccessTokenTTL)
}

// IssueRefreshToken signs a refresh token for p. Refresh tokens are rejected by
// VerifyAccessToken.
func (s *TokenService) IssueRefreshToken(p *Principal) (string, time.Time, error) {
	return s.issue(p, tokenTypeRefresh, s.refreshTTL)
}

func (s *TokenService) issue(p *Principal, typ string, ttl time.Duration) (string, time.Time, error) {
	if p == nil || strings.TrimSpace(p.ID) == "" {
		return "", time.Time{}, errors.New("auth: principal id is required")
	}
	if !p.Role.Valid() {
		return "", time.Time{}, fmt.Errorf("auth: principal %s has invalid role %q", p.ID, p.Role)
	}
	now := s.now().UTC()
	exp := now.Add(ttl)
	claims := Claims{
		Role:      p.Role,
		PartnerID: p.PartnerID,
		TokenType: typ,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   p.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign %s token: %w", typ, err)
	}
	return signed, exp, nil
}

// VerifyAccessToken checks signature, issuer, expiry and type of an access token.
// Every failure is reported as ErrInvalidToken.
func (s *TokenService) VerifyAccessToken(token string) (*Claims, error) {
	return s.verify(token, tokenTypeAccess)
}

// VerifyRefreshToken is VerifyAccessToken for refresh tokens.
func (s *TokenService) VerifyRefreshToken(token string) (*Claims, error) {
	return s.verify(token, tokenTypeRefresh)
}

func (s *TokenService) verify(token, typ string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, s.key,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if err := s.validateClaims(claims, typ); err != nil {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// verifySignature checks signature, issuer, subject and type but ignores
// expiry. It only serves revocation, where an expired token must still be able
// to end its own session.
func (s *TokenService) verifySignature(token, typ string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, s.key,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	switch {
	case !ok,
		claims.Issuer != s.issuer,
		claims.TokenType != typ,
		strings.TrimSpace(claims.Subject) == "":
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (s *TokenService) key(t *jwt.Token) (any, error) {
	if t.Method != jwt.SigningMethodHS256 {
		return nil, ErrInvalidToken
	}
	return s.secret, nil
}

func (s *TokenService) validateClaims(c *Claims, typ string) error {
	if c.TokenType != typ {
		return fmt.Errorf("unexpected token type %q", c.TokenType)
	}
	if strings.TrimSpace(c.Subject) == "" {
		return errors.New("subject missing")
	}
	if !c.Role.Valid() {
		return fmt.Errorf("unknown role %q", c.Role)
	}
	if c.IssuedAt == nil {
		return errors.New("issued-at missing")
	}
	now := s.now()
	if c.IssuedAt.Time.After(now.Add(allowedIssuedAtSkew)) {
		return errors.New("token issued in the future")
	}
	// Expiry is re-checked here so that a zero leeway is guaranteed
	// regardless of parser defaults.
	if !now.Before(c.ExpiresAt.Time) {
		return errors.New("token expired")
	}
	return nil
}
