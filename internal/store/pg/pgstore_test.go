package pg

import (
	"context"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"

	"ledgerdesk.org/internal/auth"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db), mock
}

var principalCols = []string{
	"id", "username", "email", "password_hash", "display_name", "role", "partner_id",
	"status", "failed_logins", "locked_until", "must_change_password", "created_at", "updated_at",
}

func TestPrincipalFindByEmail(t *testing.T) {
	store, mock := newMock(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery("select .* from principals where lower\\(email\\) = lower\\(\\$1\\)").
		WithArgs("ana@example.com").
		WillReturnRows(sqlmock.NewRows(principalCols).AddRow(
			"p1", "ana", "ana@example.com", "hash", "Ana", "partner", "5",
			"active", 0, nil, false, now, now))

	p, err := store.Principals().FindByEmail(context.Background(), "ana@example.com")
	if err != nil {
		t.Fatalf("FindByEmail: %v", err)
	}
	if p.Role != auth.RolePartner || p.PartnerID != "5" || p.LockedUntil != nil {
		t.Fatalf("unexpected principal: %+v", p)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPrincipalFindMissing(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectQuery("select .* from principals where id = \\$1").
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows(principalCols))

	_, err := store.Principals().Find(context.Background(), "nope")
	if !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPrincipalCreateConflict(t *testing.T) {
	store, mock := newMock(t)
	now := time.Now().UTC()

	mock.ExpectExec("insert into principals").
		WillReturnError(&pgconn.PgError{Code: pgerrcode.UniqueViolation})

	err := store.Principals().Create(context.Background(), &auth.Principal{
		ID: "p1", Username: "ana", Email: "ana@example.com", Role: auth.RoleEmployee,
		Status: auth.StatusActive, CreatedAt: now, UpdatedAt: now,
	})
	if !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestPrincipalStorageFailureIsWrapped(t *testing.T) {
	store, mock := newMock(t)
	boom := errors.New("connection reset")

	mock.ExpectExec("update principals set password_hash").WillReturnError(boom)

	err := store.Principals().UpdatePasswordHash(context.Background(), "p1", "h", time.Now())
	if !errors.Is(err, auth.ErrStorage) || !errors.Is(err, boom) {
		t.Fatalf("expected storage error wrapping cause, got %v", err)
	}
}

func TestRecordLoginFailureReturnsLockState(t *testing.T) {
	store, mock := newMock(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	until := now.Add(15 * time.Minute)

	mock.ExpectQuery("update principals set").
		WithArgs("p1", 5, until, now).
		WillReturnRows(sqlmock.NewRows([]string{"failed_logins", "status", "locked_until"}).
			AddRow(5, "locked", until))

	state, err := store.Principals().RecordLoginFailure(context.Background(), "p1", 5, 15*time.Minute, now)
	if err != nil {
		t.Fatalf("RecordLoginFailure: %v", err)
	}
	if state.FailedLogins != 5 || state.Status != auth.StatusLocked {
		t.Fatalf("unexpected state: %+v", state)
	}
	if state.LockedUntil == nil || !state.LockedUntil.Equal(until) {
		t.Fatalf("unexpected lock expiry: %v", state.LockedUntil)
	}
}

func TestUpdateStatusMissingPrincipal(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectExec("update principals set").
		WithArgs("ghost", "disabled", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.Principals().UpdateStatus(context.Background(), "ghost", auth.StatusDisabled, time.Now())
	if !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSessionLookupByDigest(t *testing.T) {
	store, mock := newMock(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery("from sessions\\s+where access_token_hash = \\$1 or refresh_token_hash = \\$1").
		WithArgs("digest").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "principal_id", "access_token_hash", "refresh_token_hash", "origin_address", "user_agent",
			"created_at", "expires_at", "revoked", "revoked_at",
		}).AddRow("s1", "p1", "digest", "other", "10.0.0.1", "curl", now, now.Add(time.Hour), true, now))

	sess, err := store.Sessions().FindByTokenHash(context.Background(), "digest")
	if err != nil {
		t.Fatalf("FindByTokenHash: %v", err)
	}
	if !sess.Revoked || sess.RevokedAt == nil {
		t.Fatalf("expected revoked session, got %+v", sess)
	}
}

func TestSessionRevokeIsConditional(t *testing.T) {
	store, mock := newMock(t)

	const revokeSQL = "update sessions set revoked = true, revoked_at = \\$2\\s+where \\(access_token_hash = \\$1 or refresh_token_hash = \\$1\\) and not revoked"

	// The first call flips the row; a repeat, or an unknown digest, matches
	// nothing, which is not an error.
	mock.ExpectExec(revokeSQL).
		WithArgs("digest", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(revokeSQL).
		WithArgs("digest", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	revoked, err := store.Sessions().RevokeByTokenHash(context.Background(), "digest", time.Now())
	if err != nil {
		t.Fatalf("RevokeByTokenHash: %v", err)
	}
	if !revoked {
		t.Fatalf("first revoke should report true")
	}
	revoked, err = store.Sessions().RevokeByTokenHash(context.Background(), "digest", time.Now())
	if err != nil {
		t.Fatalf("RevokeByTokenHash again: %v", err)
	}
	if revoked {
		t.Fatalf("second revoke should report false")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestDeleteExpired(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectExec("delete from sessions where expires_at <= \\$1").
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(driver.RowsAffected(3))

	n, err := store.Sessions().DeleteExpired(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("DeleteExpired: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 deleted, got %d", n)
	}
}
