package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/nkiryanov/authkeeper/internal/models"
)

// Account repository interface
// Identities are compared case-insensitively, callers may pass them in any case
type AccountRepo interface {
	// If account with identity exists already has to return error apperrors.ErrAccountExists
	CreateAccount(ctx context.Context, identity string, passwordHash string) (models.Account, error)

	// If account not found must return apperrors.ErrAccountNotFound
	GetAccount(ctx context.Context, identity string) (models.Account, error)

	RecordSuccessfulLogin(ctx context.Context, identity string, at time.Time) error
	UpdatePasswordHash(ctx context.Context, identity string, passwordHash string) error
}

// Session repository interface
type SessionRepo interface {
	CreateSession(ctx context.Context, session models.Session) (models.Session, error)

	// If session not found must return apperrors.ErrSessionNotFound
	GetSession(ctx context.Context, id uuid.UUID) (models.Session, error)

	// Replace current refresh id with next only if it still equals current,
	// the session is not revoked, not expired at now and was active at or after activeSince.
	// Rotation is activity, last activity becomes now. Single atomic statement.
	// Zero activeSince skips the activity check.
	// On any mismatch must return the reason:
	// apperrors.ErrSessionNotFound, apperrors.ErrSessionRevoked, apperrors.ErrTokenExpired,
	// apperrors.ErrRefreshMismatch or apperrors.ErrSessionInactive,
	// together with the stored session when it exists
	RotateRefresh(ctx context.Context, id uuid.UUID, current uuid.UUID, next uuid.UUID, now time.Time, activeSince time.Time) (models.Session, error)

	// Move last activity of a live session forward to at, never backwards
	TouchSession(ctx context.Context, id uuid.UUID, at time.Time) error

	// Mark session revoked. Revoking twice keeps the first revocation time and reason
	// Returns false if the session does not exist
	RevokeSession(ctx context.Context, id uuid.UUID, at time.Time, reason string) (bool, error)

	// Revoke every live session of the account, returns how many were revoked
	RevokeAccountSessions(ctx context.Context, accountID uuid.UUID, at time.Time, reason string) (int, error)

	// Revoke live sessions with no activity since activeSince, returns how many were revoked
	RevokeIdleSessions(ctx context.Context, activeSince time.Time, at time.Time, reason string) (int, error)

	// Not revoked and not expired sessions, newest first
	ListActiveSessions(ctx context.Context, accountID uuid.UUID, now time.Time) ([]models.Session, error)

	// Delete sessions expired before the moment, returns how many were deleted
	DeleteExpired(ctx context.Context, before time.Time) (int, error)
}

// Storage gives access to all repositories, optionally inside one transaction
type Storage interface {
	Account() AccountRepo
	Session() SessionRepo

	// Run fn in transaction. Commit if fn returns nil, rollback otherwise
	InTx(ctx context.Context, fn func(Storage) error) error
}
