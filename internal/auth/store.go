package auth

import (
	"context"
	"time"
)

// PrincipalStore persists principals. Implementations return ErrNotFound and
// ErrConflict for missing and duplicate rows and wrap everything else in ErrStorage.
type PrincipalStore interface {
	Create(ctx context.Context, p *Principal) error
	Find(ctx context.Context, id string) (*Principal, error)
	FindByEmail(ctx context.Context, email string) (*Principal, error)
	// RecordLoginFailure atomically increments the failed-login counter and locks
	// the account for lockFor once threshold is reached.
	RecordLoginFailure(ctx context.Context, id string, threshold int, lockFor time.Duration, now time.Time) (FailureState, error)
	// RecordLoginSuccess clears the failed-login counter and any expired lock.
	RecordLoginSuccess(ctx context.Context, id string, now time.Time) error
	UpdateStatus(ctx context.Context, id string, status Status, now time.Time) error
	UpdatePasswordHash(ctx context.Context, id, passwordHash string, now time.Time) error
}

// SessionStore persists sessions keyed by token digest.
type SessionStore interface {
	Create(ctx context.Context, s *Session) error
	// FindByTokenHash matches either the access or the refresh digest.
	FindByTokenHash(ctx context.Context, tokenHash string) (*Session, error)
	// RevokeByTokenHash marks the owning session revoked and reports whether
	// this call flipped it. Unknown digests and already-revoked sessions report
	// false without an error.
	RevokeByTokenHash(ctx context.Context, tokenHash string, now time.Time) (bool, error)
	RevokeByPrincipal(ctx context.Context, principalID string, now time.Time) error
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}
