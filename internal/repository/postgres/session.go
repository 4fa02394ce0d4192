package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/nkiryanov/authkeeper/internal/apperrors"
	"github.com/nkiryanov/authkeeper/internal/models"
)

type SessionRepo struct {
	db DBTX
}

const sessionColumns = `id, account_id, identity, current_refresh_id, created_at, rotated_at, expires_at, last_activity_at, revoked_at, revoke_reason, user_agent, source_addr`

const createSession = `-- name: CreateSession
INSERT INTO sessions (id, account_id, identity, current_refresh_id, created_at, rotated_at, expires_at, last_activity_at, user_agent, source_addr)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
RETURNING ` + sessionColumns

func (r *SessionRepo) CreateSession(ctx context.Context, s models.Session) (models.Session, error) {
	if s.LastActivityAt.IsZero() {
		s.LastActivityAt = s.CreatedAt
	}

	rows, _ := r.db.Query(ctx, createSession,
		s.ID, s.AccountID, s.Identity, s.CurrentRefreshID, s.CreatedAt, s.RotatedAt, s.ExpiresAt, s.LastActivityAt, s.UserAgent, s.SourceAddr,
	)
	session, err := pgx.CollectOneRow(rows, rowToSession)
	if err != nil {
		return session, fmt.Errorf("db error: %w", err)
	}
	return session, nil
}

const getSession = `-- name: GetSession
SELECT ` + sessionColumns + `
FROM sessions
WHERE id = $1
`

func (r *SessionRepo) GetSession(ctx context.Context, id uuid.UUID) (models.Session, error) {
	rows, _ := r.db.Query(ctx, getSession, id)
	session, err := pgx.CollectOneRow(rows, rowToSession)

	switch {
	case err == nil:
		return session, nil
	case errors.Is(err, pgx.ErrNoRows):
		return session, apperrors.ErrSessionNotFound
	default:
		return session, fmt.Errorf("db error: %w", err)
	}
}

// Compare-and-swap: the row lock taken by UPDATE serializes concurrent rotations,
// the loser re-evaluates WHERE against the committed value and matches nothing
const rotateRefresh = `-- name: RotateRefresh
UPDATE sessions
SET current_refresh_id = $3, rotated_at = $4, last_activity_at = GREATEST(last_activity_at, $4)
WHERE id = $1
  AND current_refresh_id = $2
  AND revoked_at IS NULL
  AND expires_at > $4
  AND last_activity_at >= $5
RETURNING ` + sessionColumns

func (r *SessionRepo) RotateRefresh(ctx context.Context, id uuid.UUID, current uuid.UUID, next uuid.UUID, now time.Time, activeSince time.Time) (models.Session, error) {
	rows, _ := r.db.Query(ctx, rotateRefresh, id, current, next, now, activeSince)
	session, err := pgx.CollectOneRow(rows, rowToSession)

	switch {
	case err == nil:
		return session, nil
	case !errors.Is(err, pgx.ErrNoRows):
		return session, fmt.Errorf("db error: %w", err)
	}

	// Nothing rotated, find out why
	stored, err := r.GetSession(ctx, id)
	if err != nil {
		return models.Session{}, err
	}
	return stored, rotationFailure(stored, current, now, activeSince)
}

// A stale refresh id wins over inactivity, replays must be reported
func rotationFailure(s models.Session, current uuid.UUID, now time.Time, activeSince time.Time) error {
	switch {
	case s.Revoked():
		return apperrors.ErrSessionRevoked
	case !now.Before(s.ExpiresAt):
		return apperrors.ErrTokenExpired
	case s.CurrentRefreshID != current:
		return apperrors.ErrRefreshMismatch
	case s.LastActivityAt.Before(activeSince):
		return apperrors.ErrSessionInactive
	}
	// Row changed between the two statements and now matches, the caller still lost the race
	return apperrors.ErrRefreshMismatch
}

const revokeSession = `-- name: RevokeSession
UPDATE sessions
SET revoked_at = COALESCE(revoked_at, $2),
    revoke_reason = CASE WHEN revoked_at IS NULL THEN $3 ELSE revoke_reason END
WHERE id = $1
`

func (r *SessionRepo) RevokeSession(ctx context.Context, id uuid.UUID, at time.Time, reason string) (bool, error) {
	tag, err := r.db.Exec(ctx, revokeSession, id, at, reason)
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

const touchSession = `-- name: TouchSession
UPDATE sessions
SET last_activity_at = $2
WHERE id = $1
  AND revoked_at IS NULL
  AND last_activity_at < $2
`

func (r *SessionRepo) TouchSession(ctx context.Context, id uuid.UUID, at time.Time) error {
	if _, err := r.db.Exec(ctx, touchSession, id, at); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

const revokeIdleSessions = `-- name: RevokeIdleSessions
UPDATE sessions
SET revoked_at = $2, revoke_reason = $3
WHERE revoked_at IS NULL
  AND expires_at > $2
  AND last_activity_at < $1
`

func (r *SessionRepo) RevokeIdleSessions(ctx context.Context, activeSince time.Time, at time.Time, reason string) (int, error) {
	tag, err := r.db.Exec(ctx, revokeIdleSessions, activeSince, at, reason)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

const revokeAccountSessions = `-- name: RevokeAccountSessions
UPDATE sessions
SET revoked_at = $2, revoke_reason = $3
WHERE account_id = $1
  AND revoked_at IS NULL
  AND expires_at > $2
`

func (r *SessionRepo) RevokeAccountSessions(ctx context.Context, accountID uuid.UUID, at time.Time, reason string) (int, error) {
	tag, err := r.db.Exec(ctx, revokeAccountSessions, accountID, at, reason)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

const listActiveSessions = `-- name: ListActiveSessions
SELECT ` + sessionColumns + `
FROM sessions
WHERE account_id = $1
  AND revoked_at IS NULL
  AND expires_at > $2
ORDER BY created_at DESC, id
`

func (r *SessionRepo) ListActiveSessions(ctx context.Context, accountID uuid.UUID, now time.Time) ([]models.Session, error) {
	rows, _ := r.db.Query(ctx, listActiveSessions, accountID, now)
	sessions, err := pgx.CollectRows(rows, rowToSession)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return sessions, nil
}

const deleteExpired = `-- name: DeleteExpired
DELETE FROM sessions
WHERE expires_at <= $1
`

func (r *SessionRepo) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	tag, err := r.db.Exec(ctx, deleteExpired, before)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func rowToSession(row pgx.CollectableRow) (models.Session, error) {
	var s models.Session
	err := row.Scan(
		&s.ID, &s.AccountID, &s.Identity, &s.CurrentRefreshID,
		&s.CreatedAt, &s.RotatedAt, &s.ExpiresAt, &s.LastActivityAt,
		&s.RevokedAt, &s.RevokeReason, &s.UserAgent, &s.SourceAddr,
	)
	return s, err
}
