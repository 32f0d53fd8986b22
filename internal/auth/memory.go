package auth

import (
	"context"
	"strings"
	"sync"
	"time"
)

var (
	_ PrincipalStore = (*MemoryStore)(nil)
	_ SessionStore   = memorySessions{}
)

// MemoryStore keeps principals and sessions in process memory. It backs the
// API when no database is configured and is used throughout the tests.
type MemoryStore struct {
	mu         sync.RWMutex
	principals map[string]*Principal
	byEmail    map[string]string
	sessions   map[string]*Session
	byDigest   map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		principals: make(map[string]*Principal),
		byEmail:    make(map[string]string),
		sessions:   make(map[string]*Session),
		byDigest:   make(map[string]string),
	}
}

func (m *MemoryStore) Create(ctx context.Context, p *Principal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	email := strings.ToLower(p.Email)
	if _, ok := m.principals[p.ID]; ok {
		return ErrConflict
	}
	if _, ok := m.byEmail[email]; ok {
		return ErrConflict
	}
	for _, existing := range m.principals {
		if existing.Username == p.Username {
			return ErrConflict
		}
	}
	cp := clonePrincipal(p)
	m.principals[p.ID] = cp
	m.byEmail[email] = p.ID
	return nil
}

func (m *MemoryStore) Find(ctx context.Context, id string) (*Principal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.principals[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clonePrincipal(p), nil
}

func (m *MemoryStore) FindByEmail(ctx context.Context, email string) (*Principal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byEmail[strings.ToLower(email)]
	if !ok {
		return nil, ErrNotFound
	}
	return clonePrincipal(m.principals[id]), nil
}

func (m *MemoryStore) RecordLoginFailure(ctx context.Context, id string, threshold int, lockFor time.Duration, now time.Time) (FailureState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.principals[id]
	if !ok {
		return FailureState{}, ErrNotFound
	}
	p.FailedLogins++
	if threshold > 0 && p.FailedLogins >= threshold && lockable(p, now) {
		until := now.Add(lockFor)
		p.Status = StatusLocked
		p.LockedUntil = &until
	}
	p.UpdatedAt = now
	return FailureState{FailedLogins: p.FailedLogins, Status: p.Status, LockedUntil: cloneTime(p.LockedUntil)}, nil
}

func (m *MemoryStore) RecordLoginSuccess(ctx context.Context, id string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.principals[id]
	if !ok {
		return ErrNotFound
	}
	p.FailedLogins = 0
	if p.Status == StatusLocked && p.LockedUntil != nil && !now.Before(*p.LockedUntil) {
		p.Status = StatusActive
		p.LockedUntil = nil
	}
	p.UpdatedAt = now
	return nil
}

func (m *MemoryStore) UpdateStatus(ctx context.Context, id string, status Status, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.principals[id]
	if !ok {
		return ErrNotFound
	}
	p.Status = status
	if status == StatusActive {
		p.FailedLogins = 0
	}
	p.LockedUntil = nil
	p.UpdatedAt = now
	return nil
}

func (m *MemoryStore) UpdatePasswordHash(ctx context.Context, id, passwordHash string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.principals[id]
	if !ok {
		return ErrNotFound
	}
	p.PasswordHash = passwordHash
	p.UpdatedAt = now
	return nil
}

// Principals and Sessions mirror PGStore so callers can wire either backend the same way.
func (m *MemoryStore) Principals() PrincipalStore { return m }
func (m *MemoryStore) Sessions() SessionStore     { return memorySessions{m} }

type memorySessions struct{ m *MemoryStore }

func (s memorySessions) Create(ctx context.Context, sess *Session) error {
	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[sess.ID]; ok {
		return ErrConflict
	}
	cp := *sess
	m.sessions[sess.ID] = &cp
	m.byDigest[sess.AccessTokenHash] = sess.ID
	m.byDigest[sess.RefreshTokenHash] = sess.ID
	return nil
}

func (s memorySessions) FindByTokenHash(ctx context.Context, tokenHash string) (*Session, error) {
	m := s.m
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byDigest[tokenHash]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m.sessions[id]
	cp.RevokedAt = cloneTime(cp.RevokedAt)
	return &cp, nil
}

func (s memorySessions) RevokeByTokenHash(ctx context.Context, tokenHash string, now time.Time) (bool, error) {
	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byDigest[tokenHash]
	if !ok {
		return false, nil
	}
	return revoke(m.sessions[id], now), nil
}

func (s memorySessions) RevokeByPrincipal(ctx context.Context, principalID string, now time.Time) error {
	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, sess := range m.sessions {
		if sess.PrincipalID == principalID {
			revoke(sess, now)
		}
	}
	return nil
}

func (s memorySessions) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, sess := range m.sessions {
		if now.Before(sess.ExpiresAt) {
			continue
		}
		delete(m.byDigest, sess.AccessTokenHash)
		delete(m.byDigest, sess.RefreshTokenHash)
		delete(m.sessions, id)
		n++
	}
	return n, nil
}

// lockable reports whether a failure may (re)lock p. Administrative locks
// without an expiry and disabled accounts are left alone.
func lockable(p *Principal, now time.Time) bool {
	switch p.Status {
	case StatusActive:
		return true
	case StatusLocked:
		return p.LockedUntil != nil && !now.Before(*p.LockedUntil)
	}
	return false
}

func revoke(sess *Session, now time.Time) bool {
	if sess == nil || sess.Revoked {
		return false
	}
	at := now
	sess.Revoked = true
	sess.RevokedAt = &at
	return true
}

func clonePrincipal(p *Principal) *Principal {
	cp := *p
	cp.LockedUntil = cloneTime(p.LockedUntil)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
