package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nkiryanov/authkeeper/internal/apperrors"
	"github.com/nkiryanov/authkeeper/internal/models"
	"github.com/nkiryanov/authkeeper/internal/repository"
	"github.com/nkiryanov/authkeeper/internal/service/tokens"
)

const defaultMaxLifetime = 30 * 24 * time.Hour

// Revocation reasons stored with the session
const (
	ReasonLogout    = "logout"
	ReasonLogoutAll = "logout_all"
	ReasonReplay    = "replay"
	ReasonRevoked   = "revoked"
	ReasonInactive  = "inactivity_detected"
)

// Registry owns session records and the refresh rotation protocol
type Registry struct {
	storage     repository.Storage
	tokens      *tokens.Manager
	maxLifetime time.Duration
	idleTimeout time.Duration
	now         func() time.Time
}

type Option func(*Registry)

func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// WithIdleTimeout revokes sessions with no rotation or authenticated request for d. Zero disables
func WithIdleTimeout(d time.Duration) Option {
	return func(r *Registry) {
		r.idleTimeout = d
	}
}

// maxLifetime caps the whole session, every refresh token included. Zero means default
func New(storage repository.Storage, tm *tokens.Manager, maxLifetime time.Duration, opts ...Option) *Registry {
	if maxLifetime == 0 {
		maxLifetime = defaultMaxLifetime
	}

	r := &Registry{
		storage:     storage,
		tokens:      tm,
		maxLifetime: maxLifetime,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// WithStorage returns a registry bound to another storage, normally a transaction
func (r *Registry) WithStorage(s repository.Storage) *Registry {
	c := *r
	c.storage = s
	return &c
}

type CreateParams struct {
	AccountID  uuid.UUID
	Identity   string
	UserAgent  string
	SourceAddr string
}

// Create starts a new rotation chain and issues its first token pair
func (r *Registry) Create(ctx context.Context, p CreateParams) (models.Session, models.TokenPair, error) {
	now := r.now()

	session, err := r.storage.Session().CreateSession(ctx, models.Session{
		ID:               uuid.New(),
		AccountID:        p.AccountID,
		Identity:         p.Identity,
		CurrentRefreshID: uuid.New(),
		CreatedAt:        now,
		RotatedAt:        now,
		ExpiresAt:        now.Add(r.maxLifetime),
		LastActivityAt:   now,
		UserAgent:        p.UserAgent,
		SourceAddr:       p.SourceAddr,
	})
	if err != nil {
		return models.Session{}, models.TokenPair{}, storeError(err)
	}

	pair, err := r.tokens.IssuePair(session)
	if err != nil {
		return models.Session{}, models.TokenPair{}, err
	}

	return session, pair, nil
}

// Rotate exchanges a refresh token for a new pair
// A valid signature with a stale refresh id is a replay: the session is revoked and ErrReplayDetected returned.
// An idle session is revoked and ErrSessionInactive returned
func (r *Registry) Rotate(ctx context.Context, refresh string) (models.Session, models.TokenPair, error) {
	claims, err := r.tokens.ParseRefresh(refresh)
	if err != nil {
		return models.Session{}, models.TokenPair{}, err
	}
	presented, err := claims.TokenID()
	if err != nil {
		return models.Session{}, models.TokenPair{}, err
	}

	now := r.now()
	session, err := r.storage.Session().RotateRefresh(ctx, claims.SessionID, presented, uuid.New(), now, r.activeSince(now))

	switch {
	case err == nil:
		pair, err := r.tokens.IssuePair(session)
		if err != nil {
			return models.Session{}, models.TokenPair{}, err
		}
		return session, pair, nil

	case errors.Is(err, apperrors.ErrRefreshMismatch):
		if _, revokeErr := r.storage.Session().RevokeSession(ctx, claims.SessionID, now, ReasonReplay); revokeErr != nil {
			return models.Session{}, models.TokenPair{}, storeError(revokeErr)
		}
		return session, models.TokenPair{}, apperrors.ErrReplayDetected

	case errors.Is(err, apperrors.ErrSessionInactive):
		if _, revokeErr := r.storage.Session().RevokeSession(ctx, claims.SessionID, now, ReasonInactive); revokeErr != nil {
			return models.Session{}, models.TokenPair{}, storeError(revokeErr)
		}
		return session, models.TokenPair{}, apperrors.ErrSessionInactive

	case errors.Is(err, apperrors.ErrSessionRevoked):
		// Old token of an already revoked chain is still a replay
		if session.CurrentRefreshID != presented {
			return session, models.TokenPair{}, apperrors.ErrReplayDetected
		}
		return session, models.TokenPair{}, apperrors.ErrSessionRevoked

	case errors.Is(err, apperrors.ErrSessionNotFound):
		return models.Session{}, models.TokenPair{}, apperrors.ErrSessionRevoked

	case errors.Is(err, apperrors.ErrTokenExpired):
		return session, models.TokenPair{}, apperrors.ErrTokenExpired
	}

	return models.Session{}, models.TokenPair{}, storeError(err)
}

// Revoke is idempotent, reports whether the session exists
func (r *Registry) Revoke(ctx context.Context, sessionID uuid.UUID, reason string) (bool, error) {
	found, err := r.storage.Session().RevokeSession(ctx, sessionID, r.now(), reason)
	if err != nil {
		return false, storeError(err)
	}
	return found, nil
}

// IsRevoked is true for revoked, expired, idle and missing sessions
// An idle session found here is revoked on the spot
func (r *Registry) IsRevoked(ctx context.Context, sessionID uuid.UUID) (bool, error) {
	_, revoked, err := r.lookup(ctx, sessionID, r.now())
	return revoked, err
}

// Touch is IsRevoked for a request made with the session: a live session gets its activity recorded.
// Activity is written at most once per tenth of the idle timeout
func (r *Registry) Touch(ctx context.Context, sessionID uuid.UUID) (bool, error) {
	now := r.now()
	s, revoked, err := r.lookup(ctx, sessionID, now)
	if err != nil || revoked || r.idleTimeout == 0 {
		return revoked, err
	}

	if now.Sub(s.LastActivityAt) < r.idleTimeout/10 {
		return false, nil
	}
	if err := r.storage.Session().TouchSession(ctx, sessionID, now); err != nil {
		return true, storeError(err)
	}
	return false, nil
}

func (r *Registry) lookup(ctx context.Context, sessionID uuid.UUID, now time.Time) (models.Session, bool, error) {
	s, err := r.storage.Session().GetSession(ctx, sessionID)
	switch {
	case errors.Is(err, apperrors.ErrSessionNotFound):
		return models.Session{}, true, nil
	case err != nil:
		return models.Session{}, true, storeError(err)
	case !s.Active(now):
		return s, true, nil
	case s.Idle(now, r.idleTimeout):
		if _, err := r.storage.Session().RevokeSession(ctx, sessionID, now, ReasonInactive); err != nil {
			return s, true, storeError(err)
		}
		return s, true, nil
	}
	return s, false, nil
}

// activeSince is the oldest last activity a live session may have, zero when idle sessions are allowed
func (r *Registry) activeSince(now time.Time) time.Time {
	if r.idleTimeout == 0 {
		return time.Time{}
	}
	return now.Add(-r.idleTimeout)
}

func (r *Registry) RevokeAll(ctx context.Context, accountID uuid.UUID, reason string) (int, error) {
	n, err := r.storage.Session().RevokeAccountSessions(ctx, accountID, r.now(), reason)
	if err != nil {
		return 0, storeError(err)
	}
	return n, nil
}

// List returns live sessions of the account, idle ones left out
func (r *Registry) List(ctx context.Context, accountID uuid.UUID) ([]models.Session, error) {
	now := r.now()
	sessions, err := r.storage.Session().ListActiveSessions(ctx, accountID, now)
	if err != nil {
		return nil, storeError(err)
	}

	live := sessions[:0]
	for _, s := range sessions {
		if !s.Idle(now, r.idleTimeout) {
			live = append(live, s)
		}
	}
	return live, nil
}

func (r *Registry) Get(ctx context.Context, sessionID uuid.UUID) (models.Session, error) {
	s, err := r.storage.Session().GetSession(ctx, sessionID)
	switch {
	case errors.Is(err, apperrors.ErrSessionNotFound):
		return models.Session{}, err
	case err != nil:
		return models.Session{}, storeError(err)
	}
	return s, nil
}

// RevokeIdle revokes every session idle longer than the idle timeout
func (r *Registry) RevokeIdle(ctx context.Context) (int, error) {
	if r.idleTimeout == 0 {
		return 0, nil
	}

	now := r.now()
	n, err := r.storage.Session().RevokeIdleSessions(ctx, r.activeSince(now), now, ReasonInactive)
	if err != nil {
		return 0, storeError(err)
	}
	return n, nil
}

// DeleteExpired removes sessions whose lifetime ended, revoked or not
func (r *Registry) DeleteExpired(ctx context.Context) (int, error) {
	n, err := r.storage.Session().DeleteExpired(ctx, r.now())
	if err != nil {
		return 0, storeError(err)
	}
	return n, nil
}

func storeError(err error) error {
	if errors.Is(err, apperrors.ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", apperrors.ErrStoreUnavailable, err)
}
