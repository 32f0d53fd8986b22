package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ledgerdesk.org/internal/auth"
)

var _ auth.SessionStore = sessionStore{}

type sessionStore struct{ db *sql.DB }

func (s sessionStore) Create(ctx context.Context, sess *auth.Session) error {
	const op = "store.pg.sessions.Create"

	_, err := s.db.ExecContext(ctx, `
		insert into sessions(id, principal_id, access_token_hash, refresh_token_hash,
			origin_address, user_agent, created_at, expires_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8)
	`, sess.ID, sess.PrincipalID, sess.AccessTokenHash, sess.RefreshTokenHash,
		sess.OriginAddress, sess.UserAgent, sess.CreatedAt, sess.ExpiresAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%s: %w", op, auth.ErrConflict)
		}
		return storageErr(op, err)
	}
	return nil
}

func (s sessionStore) FindByTokenHash(ctx context.Context, tokenHash string) (*auth.Session, error) {
	const op = "store.pg.sessions.FindByTokenHash"

	var (
		sess      auth.Session
		revokedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		select id, principal_id, access_token_hash, refresh_token_hash, origin_address, user_agent,
			created_at, expires_at, revoked, revoked_at
		from sessions
		where access_token_hash = $1 or refresh_token_hash = $1
	`, tokenHash).Scan(&sess.ID, &sess.PrincipalID, &sess.AccessTokenHash, &sess.RefreshTokenHash,
		&sess.OriginAddress, &sess.UserAgent, &sess.CreatedAt, &sess.ExpiresAt, &sess.Revoked, &revokedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, auth.ErrNotFound)
		}
		return nil, storageErr(op, err)
	}
	sess.RevokedAt = timePtr(revokedAt)
	return &sess, nil
}

func (s sessionStore) RevokeByTokenHash(ctx context.Context, tokenHash string, now time.Time) (bool, error) {
	const op = "store.pg.sessions.RevokeByTokenHash"

	res, err := s.db.ExecContext(ctx, `
		update sessions set revoked = true, revoked_at = $2
		where (access_token_hash = $1 or refresh_token_hash = $1) and not revoked
	`, tokenHash, now)
	if err != nil {
		return false, storageErr(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storageErr(op, err)
	}
	return n == 1, nil
}

func (s sessionStore) RevokeByPrincipal(ctx context.Context, principalID string, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`update sessions set revoked = true, revoked_at = $2 where principal_id = $1 and not revoked`,
		principalID, now)
	if err != nil {
		return storageErr("store.pg.sessions.RevokeByPrincipal", err)
	}
	return nil
}

func (s sessionStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	const op = "store.pg.sessions.DeleteExpired"

	res, err := s.db.ExecContext(ctx, `delete from sessions where expires_at <= $1`, now)
	if err != nil {
		return 0, storageErr(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storageErr(op, err)
	}
	return n, nil
}
