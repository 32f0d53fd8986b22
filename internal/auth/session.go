package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"ledgerdesk.org/internal/ids"
)

// SessionManager tracks issued token pairs and provides the revocation layer
// that stateless tokens lack.
type SessionManager struct {
	store SessionStore
	ttl   time.Duration
	now   func() time.Time
}

// NewSessionManager returns a manager whose sessions expire after ttl, which
// should match the refresh token lifetime.
func NewSessionManager(store SessionStore, ttl time.Duration, now func() time.Time) *SessionManager {
	if now == nil {
		now = time.Now
	}
	if ttl <= 0 {
		ttl = defaultRefreshTTL
	}
	return &SessionManager{store: store, ttl: ttl, now: now}
}

// CreateSession persists a new session for the token pair and returns its id.
// Other sessions of the same principal are left untouched.
func (m *SessionManager) CreateSession(ctx context.Context, principalID, accessToken, refreshToken, originAddress, userAgent string) (string, error) {
	const op = "auth.session.Create"

	if strings.TrimSpace(principalID) == "" || accessToken == "" || refreshToken == "" {
		return "", fmt.Errorf("%s: %w: principal and tokens are required", op, ErrInvalidInput)
	}
	now := m.now().UTC()
	sess := &Session{
		ID:               ids.NewAt(now),
		PrincipalID:      principalID,
		AccessTokenHash:  TokenDigest(accessToken),
		RefreshTokenHash: TokenDigest(refreshToken),
		OriginAddress:    truncate(originAddress, 64),
		UserAgent:        truncate(userAgent, 512),
		CreatedAt:        now,
		ExpiresAt:        now.Add(m.ttl),
	}
	if err := m.store.Create(ctx, sess); err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return sess.ID, nil
}

// InvalidateSession revokes the session that owns token. Revoking twice, or
// revoking a token that never had a session, succeeds.
func (m *SessionManager) InvalidateSession(ctx context.Context, token string) error {
	_, err := m.RevokeSession(ctx, token)
	return err
}

// RevokeSession is InvalidateSession that also reports whether this call did
// the revoke. Exactly one of any number of concurrent callers sees true.
func (m *SessionManager) RevokeSession(ctx context.Context, token string) (bool, error) {
	const op = "auth.session.Revoke"

	if strings.TrimSpace(token) == "" {
		return false, nil
	}
	revoked, err := m.store.RevokeByTokenHash(ctx, TokenDigest(token), m.now().UTC())
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return revoked, nil
}

// IsSessionActive reports whether token belongs to a session that is neither
// revoked nor expired. Storage failures are returned, never reported as active.
func (m *SessionManager) IsSessionActive(ctx context.Context, token string) (bool, error) {
	_, err := m.Active(ctx, token)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrSessionRevoked):
		return false, nil
	default:
		return false, err
	}
}

// Active returns the live session owning token, or ErrSessionRevoked.
func (m *SessionManager) Active(ctx context.Context, token string) (*Session, error) {
	const op = "auth.session.Active"

	if strings.TrimSpace(token) == "" {
		return nil, ErrSessionRevoked
	}
	sess, err := m.store.FindByTokenHash(ctx, TokenDigest(token))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrSessionRevoked
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if sess.Revoked || !m.now().Before(sess.ExpiresAt) {
		return nil, ErrSessionRevoked
	}
	return sess, nil
}

// InvalidatePrincipalSessions revokes every session of principalID.
func (m *SessionManager) InvalidatePrincipalSessions(ctx context.Context, principalID string) error {
	const op = "auth.session.InvalidatePrincipal"

	if err := m.store.RevokeByPrincipal(ctx, principalID, m.now().UTC()); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// PurgeExpired deletes sessions whose refresh window has closed.
func (m *SessionManager) PurgeExpired(ctx context.Context) (int64, error) {
	const op = "auth.session.PurgeExpired"

	n, err := m.store.DeleteExpired(ctx, m.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return n, nil
}

// TokenDigest is the storage key for a token value.
func TokenDigest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n]
}
