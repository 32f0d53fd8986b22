package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"ledgerdesk.org/internal/ids"
)

const (
	defaultLockoutThreshold = 5
	defaultLockoutDuration  = 15 * time.Minute
	defaultLookupTimeout    = 2 * time.Second
	minPasswordLength       = 8
)

// Service ties credentials, tokens and sessions together.
type Service struct {
	principals PrincipalStore
	sessions   *SessionManager
	tokens     *TokenService

	now              func() time.Time
	lockoutThreshold int
	lockoutDuration  time.Duration
	lookupTimeout    time.Duration
	log              *slog.Logger
}

// ServiceOption configures Service.
type ServiceOption func(*Service) error

// WithClock overrides the time source for sessions and lockout.
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn == nil {
			return errors.New("auth: clock is nil")
		}
		s.now = fn
		return nil
	}
}

// WithLockout sets how many consecutive failures lock an account and for how
// long. A threshold of zero disables lockout.
func WithLockout(threshold int, d time.Duration) ServiceOption {
	return func(s *Service) error {
		if threshold < 0 || (threshold > 0 && d <= 0) {
			return fmt.Errorf("auth: invalid lockout policy %d/%s", threshold, d)
		}
		s.lockoutThreshold = threshold
		s.lockoutDuration = d
		return nil
	}
}

// WithLookupTimeout bounds the session lookup performed by Authenticate.
func WithLookupTimeout(d time.Duration) ServiceOption {
	return func(s *Service) error {
		if d <= 0 {
			return errors.New("auth: lookup timeout must be positive")
		}
		s.lookupTimeout = d
		return nil
	}
}

func WithLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) error {
		if l != nil {
			s.log = l
		}
		return nil
	}
}

func NewService(principals PrincipalStore, sessions SessionStore, tokens *TokenService, opts ...ServiceOption) (*Service, error) {
	if principals == nil || sessions == nil || tokens == nil {
		return nil, errors.New("auth: principal store, session store and token service are required")
	}
	s := &Service{
		principals:       principals,
		tokens:           tokens,
		now:              time.Now,
		lockoutThreshold: defaultLockoutThreshold,
		lockoutDuration:  defaultLockoutDuration,
		lookupTimeout:    defaultLookupTimeout,
		log:              slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	s.sessions = NewSessionManager(sessions, tokens.RefreshTTL(), func() time.Time { return s.now() })
	return s, nil
}

// Sessions exposes the session manager for the janitor.
func (s *Service) Sessions() *SessionManager { return s.sessions }

// Credentials is a login attempt.
type Credentials struct {
	Email         string
	Password      string
	OriginAddress string
	UserAgent     string
}

// PrincipalSummary is the client-facing view of a principal.
type PrincipalSummary struct {
	ID                 string `json:"id"`
	Username           string `json:"username"`
	Email              string `json:"email"`
	DisplayName        string `json:"display_name"`
	Role               Role   `json:"role"`
	PartnerID          string `json:"partner_id,omitempty"`
	MustChangePassword bool   `json:"must_change_password"`
}

// Summary returns the client-facing view of p.
func (p *Principal) Summary() PrincipalSummary {
	return PrincipalSummary{
		ID:                 p.ID,
		Username:           p.Username,
		Email:              p.Email,
		DisplayName:        p.DisplayName,
		Role:               p.Role,
		PartnerID:          p.PartnerID,
		MustChangePassword: p.MustChangePassword,
	}
}

// TokenBundle is the token half of a login or refresh response.
type TokenBundle struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

// LoginResult is returned by Login and Refresh.
type LoginResult struct {
	Principal PrincipalSummary `json:"principal"`
	Tokens    TokenBundle      `json:"tokens"`
	SessionID string           `json:"session_id"`
}

// Login verifies credentials, applies the lockout policy and opens a session.
func (s *Service) Login(ctx context.Context, creds Credentials) (*LoginResult, error) {
	const op = "auth.Login"

	email := normalizeEmail(creds.Email)
	if email == "" || creds.Password == "" {
		VerifyPassword(creds.Password, dummyHash)
		return nil, ErrInvalidCredentials
	}
	p, err := s.principals.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			VerifyPassword(creds.Password, dummyHash)
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	// The password is checked before the lock so a wrong guess against a
	// locked account looks like any other wrong guess.
	now := s.now().UTC()
	locked := p.lockActive(now)
	if !VerifyPassword(creds.Password, p.PasswordHash) {
		if !locked {
			s.recordFailure(ctx, p, now)
		}
		return nil, ErrInvalidCredentials
	}
	if locked {
		return nil, ErrAccountLocked
	}
	if p.Status == StatusDisabled {
		return nil, ErrAccountInactive
	}
	if err := s.principals.RecordLoginSuccess(ctx, p.ID, now); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if NeedsRehash(p.PasswordHash) {
		s.upgradeHash(ctx, p, creds.Password, now)
	}
	return s.openSession(ctx, p, creds.OriginAddress, creds.UserAgent)
}

func (s *Service) recordFailure(ctx context.Context, p *Principal, now time.Time) {
	if p.Status == StatusDisabled {
		return
	}
	state, err := s.principals.RecordLoginFailure(ctx, p.ID, s.lockoutThreshold, s.lockoutDuration, now)
	if err != nil {
		s.log.WarnContext(ctx, "login_failure_not_recorded", "principal_id", p.ID, "error", err)
		return
	}
	if state.Status == StatusLocked && state.LockedUntil != nil {
		s.log.WarnContext(ctx, "account_locked",
			"principal_id", p.ID,
			"failed_logins", state.FailedLogins,
			"locked_until", state.LockedUntil.Format(time.RFC3339))
	}
}

func (s *Service) upgradeHash(ctx context.Context, p *Principal, password string, now time.Time) {
	hash, err := HashPassword(password)
	if err != nil {
		return
	}
	if err := s.principals.UpdatePasswordHash(ctx, p.ID, hash, now); err != nil {
		s.log.WarnContext(ctx, "password_rehash_failed", "principal_id", p.ID, "error", err)
		return
	}
	s.log.InfoContext(ctx, "password_rehashed", "principal_id", p.ID)
}

func (s *Service) openSession(ctx context.Context, p *Principal, origin, userAgent string) (*LoginResult, error) {
	const op = "auth.openSession"

	access, _, err := s.tokens.IssueAccessToken(p)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	refresh, _, err := s.tokens.IssueRefreshToken(p)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	sessionID, err := s.sessions.CreateSession(ctx, p.ID, access, refresh, origin, userAgent)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &LoginResult{
		Principal: p.Summary(),
		Tokens: TokenBundle{
			AccessToken:  access,
			RefreshToken: refresh,
			TokenType:    "Bearer",
			ExpiresIn:    int64(AccessTokenTTL / time.Second),
		},
		SessionID: sessionID,
	}, nil
}

// Logout revokes the session owning the access token. Only the signature is
// checked: an expired access token still ends its session, and logging out
// twice succeeds both times.
func (s *Service) Logout(ctx context.Context, accessToken string) error {
	if strings.TrimSpace(accessToken) == "" {
		return ErrMissingToken
	}
	if _, err := s.tokens.verifySignature(accessToken, tokenTypeAccess); err != nil {
		return err
	}
	return s.sessions.InvalidateSession(ctx, accessToken)
}

// Refresh exchanges a refresh token for a new pair. The old session is revoked
// before the new one is created, and only the caller that revoked it gets the
// new pair.
func (s *Service) Refresh(ctx context.Context, refreshToken, origin, userAgent string) (*LoginResult, error) {
	const op = "auth.Refresh"

	if strings.TrimSpace(refreshToken) == "" {
		return nil, ErrMissingToken
	}
	claims, err := s.tokens.VerifyRefreshToken(refreshToken)
	if err != nil {
		return nil, err
	}
	sess, err := s.sessions.Active(ctx, refreshToken)
	if err != nil {
		return nil, err
	}
	if sess.PrincipalID != claims.Subject {
		return nil, ErrInvalidToken
	}
	p, err := s.principals.Find(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	switch {
	case p.Status == StatusDisabled:
		return nil, ErrAccountInactive
	case p.lockActive(s.now().UTC()):
		return nil, ErrAccountLocked
	}
	revoked, err := s.sessions.RevokeSession(ctx, refreshToken)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if !revoked {
		return nil, ErrSessionRevoked
	}
	return s.openSession(ctx, p, origin, userAgent)
}

// Authenticate runs the gate's first three steps: the token must verify and
// its session must be live. Lookup failures and timeouts deny.
func (s *Service) Authenticate(ctx context.Context, accessToken string) (Identity, error) {
	const op = "auth.Authenticate"

	if strings.TrimSpace(accessToken) == "" {
		return Identity{}, ErrMissingToken
	}
	claims, err := s.tokens.VerifyAccessToken(accessToken)
	if err != nil {
		return Identity{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.lookupTimeout)
	defer cancel()

	sess, err := s.sessions.Active(ctx, accessToken)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		if errors.Is(err, ErrSessionRevoked) {
			return Identity{}, err
		}
		if !errors.Is(err, ErrStorage) {
			err = fmt.Errorf("%w: %w", ErrStorage, err)
		}
		return Identity{}, fmt.Errorf("%s: %w", op, err)
	}
	if sess.PrincipalID != claims.Subject {
		return Identity{}, ErrInvalidToken
	}
	return Identity{
		PrincipalID: claims.Subject,
		Role:        claims.Role,
		PartnerID:   claims.PartnerID,
		SessionID:   sess.ID,
	}, nil
}

// Principal loads a principal by id.
func (s *Service) Principal(ctx context.Context, id string) (*Principal, error) {
	return s.principals.Find(ctx, id)
}

// Provision creates a principal with a freshly hashed password.
func (s *Service) Provision(ctx context.Context, in NewPrincipal) (*Principal, error) {
	const op = "auth.Provision"

	username := strings.TrimSpace(in.Username)
	if username == "" {
		return nil, fmt.Errorf("%s: %w: username is required", op, ErrInvalidInput)
	}
	email := normalizeEmail(in.Email)
	if _, err := mail.ParseAddress(email); err != nil || email == "" {
		return nil, fmt.Errorf("%s: %w: invalid email", op, ErrInvalidInput)
	}
	if len(in.Password) < minPasswordLength {
		return nil, fmt.Errorf("%s: %w: password must be at least %d characters", op, ErrInvalidInput, minPasswordLength)
	}
	role, err := ParseRole(in.Role)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	partnerID := strings.TrimSpace(in.PartnerID)
	switch {
	case role == RolePartner && partnerID == "":
		return nil, fmt.Errorf("%s: %w: partner principals need a partner id", op, ErrInvalidInput)
	case role == RoleAdministrator && partnerID != "":
		return nil, fmt.Errorf("%s: %w: administrators have no partner affiliation", op, ErrInvalidInput)
	}
	hash, err := HashPassword(in.Password)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", op, ErrInvalidInput, err)
	}

	now := s.now().UTC()
	p := &Principal{
		ID:                 ids.NewAt(now),
		Username:           username,
		Email:              email,
		PasswordHash:       hash,
		DisplayName:        strings.TrimSpace(in.DisplayName),
		Role:               role,
		PartnerID:          partnerID,
		Status:             StatusActive,
		MustChangePassword: in.MustChangePassword,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if p.DisplayName == "" {
		p.DisplayName = username
	}
	if err := s.principals.Create(ctx, p); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return p, nil
}

// SetStatus changes an account's status. Locking or disabling revokes every
// session of the principal; reactivating clears the failure counter.
func (s *Service) SetStatus(ctx context.Context, principalID string, status Status) error {
	const op = "auth.SetStatus"

	if err := s.principals.UpdateStatus(ctx, principalID, status, s.now().UTC()); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if status == StatusActive {
		return nil
	}
	if err := s.sessions.InvalidatePrincipalSessions(ctx, principalID); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
