package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ledgerdesk.org/internal/auth"
)

var _ auth.PrincipalStore = principalStore{}

type principalStore struct{ db *sql.DB }

const principalColumns = `id, username, email, password_hash, display_name, role, partner_id,
	status, failed_logins, locked_until, must_change_password, created_at, updated_at`

func (s principalStore) Create(ctx context.Context, p *auth.Principal) error {
	const op = "store.pg.principals.Create"

	_, err := s.db.ExecContext(ctx, `
		insert into principals(`+principalColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`,
		p.ID, p.Username, p.Email, p.PasswordHash, p.DisplayName, string(p.Role), nullIfEmpty(p.PartnerID),
		string(p.Status), p.FailedLogins, nullTime(p.LockedUntil), p.MustChangePassword, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%s: %w", op, auth.ErrConflict)
		}
		return storageErr(op, err)
	}
	return nil
}

func (s principalStore) Find(ctx context.Context, id string) (*auth.Principal, error) {
	row := s.db.QueryRowContext(ctx, `select `+principalColumns+` from principals where id = $1`, id)
	return scanPrincipal("store.pg.principals.Find", row)
}

func (s principalStore) FindByEmail(ctx context.Context, email string) (*auth.Principal, error) {
	row := s.db.QueryRowContext(ctx, `select `+principalColumns+` from principals where lower(email) = lower($1)`, email)
	return scanPrincipal("store.pg.principals.FindByEmail", row)
}

func scanPrincipal(op string, row *sql.Row) (*auth.Principal, error) {
	var (
		p           auth.Principal
		role        string
		status      string
		partnerID   sql.NullString
		lockedUntil sql.NullTime
	)
	err := row.Scan(&p.ID, &p.Username, &p.Email, &p.PasswordHash, &p.DisplayName, &role, &partnerID,
		&status, &p.FailedLogins, &lockedUntil, &p.MustChangePassword, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, auth.ErrNotFound)
		}
		return nil, storageErr(op, err)
	}
	p.Role = auth.Role(role)
	p.Status = auth.Status(status)
	p.PartnerID = partnerID.String
	p.LockedUntil = timePtr(lockedUntil)
	return &p, nil
}

// RecordLoginFailure increments the counter and applies the lock in a single
// statement so concurrent failures cannot both miss the threshold.
func (s principalStore) RecordLoginFailure(ctx context.Context, id string, threshold int, lockFor time.Duration, now time.Time) (auth.FailureState, error) {
	const op = "store.pg.principals.RecordLoginFailure"

	var (
		state       auth.FailureState
		status      string
		lockedUntil sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		update principals set
			failed_logins = failed_logins + 1,
			status = case when $2 > 0 and failed_logins + 1 >= $2
				and (status = 'active' or (status = 'locked' and locked_until <= $4))
				then 'locked' else status end,
			locked_until = case when $2 > 0 and failed_logins + 1 >= $2
				and (status = 'active' or (status = 'locked' and locked_until <= $4))
				then $3 else locked_until end,
			updated_at = $4
		where id = $1
		returning failed_logins, status, locked_until
	`, id, threshold, now.Add(lockFor), now).Scan(&state.FailedLogins, &status, &lockedUntil)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return auth.FailureState{}, fmt.Errorf("%s: %w", op, auth.ErrNotFound)
		}
		return auth.FailureState{}, storageErr(op, err)
	}
	state.Status = auth.Status(status)
	state.LockedUntil = timePtr(lockedUntil)
	return state, nil
}

func (s principalStore) RecordLoginSuccess(ctx context.Context, id string, now time.Time) error {
	const op = "store.pg.principals.RecordLoginSuccess"

	res, err := s.db.ExecContext(ctx, `
		update principals set
			failed_logins = 0,
			status = case when status = 'locked' and locked_until is not null and locked_until <= $2 then 'active' else status end,
			locked_until = case when status = 'locked' and locked_until is not null and locked_until <= $2 then null else locked_until end,
			updated_at = $2
		where id = $1
	`, id, now)
	return affectedOne(op, res, err)
}

func (s principalStore) UpdateStatus(ctx context.Context, id string, status auth.Status, now time.Time) error {
	const op = "store.pg.principals.UpdateStatus"

	res, err := s.db.ExecContext(ctx, `
		update principals set
			status = $2::text,
			failed_logins = case when $2::text = 'active' then 0 else failed_logins end,
			locked_until = null,
			updated_at = $3
		where id = $1
	`, id, string(status), now)
	return affectedOne(op, res, err)
}

func (s principalStore) UpdatePasswordHash(ctx context.Context, id, passwordHash string, now time.Time) error {
	const op = "store.pg.principals.UpdatePasswordHash"

	res, err := s.db.ExecContext(ctx,
		`update principals set password_hash = $2, updated_at = $3 where id = $1`,
		id, passwordHash, now)
	return affectedOne(op, res, err)
}

func affectedOne(op string, res sql.Result, err error) error {
	if err != nil {
		return storageErr(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr(op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, auth.ErrNotFound)
	}
	return nil
}
