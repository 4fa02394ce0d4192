package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nkiryanov/authkeeper/internal/apperrors"
	"github.com/nkiryanov/authkeeper/internal/audit"
	"github.com/nkiryanov/authkeeper/internal/logger"
	"github.com/nkiryanov/authkeeper/internal/models"
	"github.com/nkiryanov/authkeeper/internal/repository"
	"github.com/nkiryanov/authkeeper/internal/service/lockout"
	"github.com/nkiryanov/authkeeper/internal/service/session"
	"github.com/nkiryanov/authkeeper/internal/service/tokens"
)

// Interface to create or verify stored password hashes
type PasswordHasher interface {
	HashEncoded(plaintext string) (string, error)

	// Must be protected against timing attacks
	VerifyEncoded(plaintext string, encoded string) bool

	// Same cost as VerifyEncoded, always false. Used for unknown identities
	VerifyDummy(plaintext string) bool

	NeedsRehash(encoded string) bool
}

type Config struct {
	// Transient store errors are retried this many times. If not set than default is used
	StoreRetries   int
	RetryBaseDelay time.Duration
}

type Deps struct {
	Storage  repository.Storage
	Hasher   PasswordHasher
	Guard    *lockout.Guard
	Sessions *session.Registry
	Tokens   *tokens.Manager
	Audit    audit.Sink
	Logger   logger.Logger
}

// Auth service
// Orchestrates lockout guard, credential store, password engine, token issuer and session registry
type AuthService struct {
	cfg Config

	storage  repository.Storage
	hasher   PasswordHasher
	guard    *lockout.Guard
	sessions *session.Registry
	tokens   *tokens.Manager
	audit    audit.Sink
	log      logger.Logger

	now func() time.Time
}

type Option func(*AuthService)

func WithClock(now func() time.Time) Option {
	return func(s *AuthService) {
		s.now = now
	}
}

func NewAuthService(cfg Config, deps Deps, opts ...Option) (*AuthService, error) {
	if deps.Storage == nil || deps.Hasher == nil || deps.Guard == nil || deps.Sessions == nil || deps.Tokens == nil {
		return nil, errors.New("storage, hasher, guard, sessions and tokens must not be nil")
	}
	if cfg.StoreRetries < 0 {
		return nil, errors.New("store retries must not be negative")
	}
	if cfg.StoreRetries == 0 {
		cfg.StoreRetries = defaultStoreRetries
	}
	if cfg.RetryBaseDelay == 0 {
		cfg.RetryBaseDelay = defaultRetryBaseDelay
	}
	if deps.Audit == nil {
		deps.Audit = audit.NoOpSink{}
	}
	if deps.Logger == nil {
		deps.Logger = logger.NewNoOpLogger()
	}

	s := &AuthService{
		cfg:      cfg,
		storage:  deps.Storage,
		hasher:   deps.Hasher,
		guard:    deps.Guard,
		sessions: deps.Sessions,
		tokens:   deps.Tokens,
		audit:    deps.Audit,
		log:      deps.Logger.With("component", "auth"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

func normalize(identity string) string {
	return strings.ToLower(strings.TrimSpace(identity))
}

// Register creates an active account. Returns apperrors.ErrAccountExists for taken identities
func (s *AuthService) Register(ctx context.Context, identity string, secret string) (models.Account, error) {
	hash, err := s.hasher.HashEncoded(secret)
	if err != nil {
		return models.Account{}, fmt.Errorf("can't use this as password, error=%w", err)
	}

	account, err := s.storage.Account().CreateAccount(ctx, normalize(identity), hash)
	switch {
	case errors.Is(err, apperrors.ErrAccountExists):
		return models.Account{}, err
	case err != nil:
		return models.Account{}, fmt.Errorf("%w: create account: %w", apperrors.ErrStoreUnavailable, err)
	}

	s.log.Info("Account registered", "account_id", account.ID)
	return account, nil
}

type LoginRequest struct {
	Identity  string
	Secret    string
	Source    string
	UserAgent string
}

// Login verifies the secret and opens a new session
// Caller facing errors: ErrInvalidCredentials, ErrAccountLocked (maybe *apperrors.LockedError), ErrStoreUnavailable
func (s *AuthService) Login(ctx context.Context, req LoginRequest) (models.TokenPair, error) {
	identity := normalize(req.Identity)
	event := audit.Event{Identity: identity, Source: req.Source}

	// Locked keys never reach the hasher
	if err := s.guard.Check(ctx, identity, req.Source); err != nil {
		if errors.Is(err, apperrors.ErrAccountLocked) {
			s.emit(ctx, event, audit.LoginRejectedLocked, false, "")
			return models.TokenPair{}, err
		}
		return models.TokenPair{}, s.storeUnavailable(ctx, event, "lockout check", err)
	}

	var account models.Account
	err := s.withRetry(ctx, "get account", func() error {
		var err error
		account, err = s.storage.Account().GetAccount(ctx, identity)
		return err
	})

	found := true
	switch {
	case errors.Is(err, apperrors.ErrAccountNotFound):
		found = false
	case err != nil:
		return models.TokenPair{}, s.storeUnavailable(ctx, event, "get account", err)
	}

	var verified bool
	if found {
		verified = s.hasher.VerifyEncoded(req.Secret, account.PasswordHash)
	} else {
		verified = s.hasher.VerifyDummy(req.Secret)
	}

	if !verified {
		return models.TokenPair{}, s.loginFailed(ctx, event, account.ID, "bad secret")
	}

	event.AccountID = account.ID
	switch account.Status {
	case models.AccountStatusDisabled:
		s.emit(ctx, event, audit.LoginFailed, false, "disabled")
		return models.TokenPair{}, apperrors.ErrInvalidCredentials
	case models.AccountStatusLocked:
		s.emit(ctx, event, audit.LoginRejectedLocked, false, "account status")
		return models.TokenPair{}, apperrors.ErrAccountLocked
	}

	// Hash before the transaction, the hasher is slow on purpose
	var rehash string
	if s.hasher.NeedsRehash(account.PasswordHash) {
		rehash, err = s.hasher.HashEncoded(req.Secret)
		if err != nil {
			s.log.Warn("Rehash failed, keeping old hash", "account_id", account.ID, "error", err)
			rehash = ""
		}
	}

	var (
		opened models.Session
		pair   models.TokenPair
	)
	err = s.withRetry(ctx, "open session", func() error {
		return s.storage.InTx(ctx, func(tx repository.Storage) error {
			var err error
			opened, pair, err = s.sessions.WithStorage(tx).Create(ctx, session.CreateParams{
				AccountID:  account.ID,
				Identity:   account.Identity,
				UserAgent:  req.UserAgent,
				SourceAddr: req.Source,
			})
			if err != nil {
				return err
			}

			if err := tx.Account().RecordSuccessfulLogin(ctx, account.Identity, s.now()); err != nil {
				return err
			}

			if rehash != "" {
				return tx.Account().UpdatePasswordHash(ctx, account.Identity, rehash)
			}
			return nil
		})
	})
	if err != nil {
		return models.TokenPair{}, s.storeUnavailable(ctx, event, "open session", err)
	}

	if err := s.guard.RecordSuccess(ctx, identity, req.Source); err != nil {
		s.log.Warn("Lockout counter reset failed", "account_id", account.ID, "error", err)
	}

	event.SessionID = opened.ID
	s.emit(ctx, event, audit.LoginSucceeded, false, "")
	if rehash != "" {
		s.log.Info("Password hash upgraded", "account_id", account.ID)
	}

	return pair, nil
}

func (s *AuthService) loginFailed(ctx context.Context, event audit.Event, accountID uuid.UUID, reason string) error {
	event.AccountID = accountID

	res, err := s.guard.RecordFailure(ctx, event.Identity, event.Source)
	s.emit(ctx, event, audit.LoginFailed, false, reason)
	if err != nil {
		return s.storeUnavailable(ctx, event, "lockout record", err)
	}

	if res.Triggered {
		s.emit(ctx, event, audit.LockoutTriggered, true, fmt.Sprintf("%s key locked until %s", res.Scope, res.LockedUntil.UTC().Format(time.RFC3339)))
	}

	return apperrors.ErrInvalidCredentials
}

// Refresh rotates the refresh token. Replays revoke the session and are raised as alerts
func (s *AuthService) Refresh(ctx context.Context, refresh string, source string) (models.TokenPair, error) {
	rotated, pair, err := s.sessions.Rotate(ctx, refresh)
	switch {
	case err == nil:
		return pair, nil

	case apperrors.IsSecurityIncident(err):
		s.emit(ctx, audit.Event{
			Identity:  rotated.Identity,
			AccountID: rotated.AccountID,
			SessionID: rotated.ID,
			Source:    source,
		}, audit.ReplayDetected, true, "rotated refresh token reused")
		return models.TokenPair{}, err

	case errors.Is(err, apperrors.ErrSessionInactive):
		s.emit(ctx, audit.Event{
			Identity:  rotated.Identity,
			AccountID: rotated.AccountID,
			SessionID: rotated.ID,
			Source:    source,
		}, audit.SessionRevoked, false, session.ReasonInactive)
		return models.TokenPair{}, err

	case errors.Is(err, apperrors.ErrStoreUnavailable):
		return models.TokenPair{}, s.storeUnavailable(ctx, audit.Event{Source: source}, "rotate", err)
	}

	return models.TokenPair{}, err
}

// Logout revokes the session of the refresh token
// Unknown, forged or expired tokens are accepted silently, the caller is logged out either way
func (s *AuthService) Logout(ctx context.Context, refresh string, source string) error {
	claims, err := s.tokens.ParseRefreshForLogout(refresh)
	if err != nil {
		s.log.Debug("Logout with unusable token", "error", err)
		return nil
	}

	var found bool
	err = s.withRetry(ctx, "revoke session", func() error {
		var err error
		found, err = s.sessions.Revoke(ctx, claims.SessionID, session.ReasonLogout)
		return err
	})
	if err != nil {
		return s.storeUnavailable(ctx, audit.Event{Source: source}, "revoke session", err)
	}

	if found {
		s.emit(ctx, audit.Event{
			Identity:  claims.Subject,
			AccountID: claims.AccountID,
			SessionID: claims.SessionID,
			Source:    source,
		}, audit.Logout, false, "")
	}
	return nil
}

// Authenticate verifies an access token and checks its session is still live
// The request counts as session activity
func (s *AuthService) Authenticate(ctx context.Context, access string) (models.Principal, error) {
	claims, err := s.tokens.ParseAccess(access)
	if err != nil {
		return models.Principal{}, err
	}

	principal, err := claims.Principal()
	if err != nil {
		return models.Principal{}, err
	}

	var revoked bool
	err = s.withRetry(ctx, "session lookup", func() error {
		var err error
		revoked, err = s.sessions.Touch(ctx, principal.SessionID)
		return err
	})
	if err != nil {
		return models.Principal{}, err
	}
	if revoked {
		return models.Principal{}, apperrors.ErrSessionRevoked
	}

	return principal, nil
}

// LogoutAll revokes every session of the principal's account, the current one included
func (s *AuthService) LogoutAll(ctx context.Context, p models.Principal, source string) (int, error) {
	var n int
	err := s.withRetry(ctx, "revoke all", func() error {
		var err error
		n, err = s.sessions.RevokeAll(ctx, p.AccountID, session.ReasonLogoutAll)
		return err
	})
	if err != nil {
		return 0, err
	}

	s.emit(ctx, audit.Event{
		Identity:  p.Identity,
		AccountID: p.AccountID,
		SessionID: p.SessionID,
		Source:    source,
	}, audit.SessionRevoked, false, fmt.Sprintf("logout all, %d sessions", n))
	return n, nil
}

func (s *AuthService) Sessions(ctx context.Context, p models.Principal) ([]models.Session, error) {
	var list []models.Session
	err := s.withRetry(ctx, "list sessions", func() error {
		var err error
		list, err = s.sessions.List(ctx, p.AccountID)
		return err
	})
	return list, err
}

// RevokeSession revokes one session of the principal's account
// Sessions of other accounts are reported as not found
func (s *AuthService) RevokeSession(ctx context.Context, p models.Principal, sessionID uuid.UUID, source string) error {
	var target models.Session
	err := s.withRetry(ctx, "get session", func() error {
		var err error
		target, err = s.sessions.Get(ctx, sessionID)
		return err
	})
	if err != nil {
		return err
	}
	if target.AccountID != p.AccountID {
		return apperrors.ErrSessionNotFound
	}

	err = s.withRetry(ctx, "revoke session", func() error {
		_, err := s.sessions.Revoke(ctx, sessionID, session.ReasonRevoked)
		return err
	})
	if err != nil {
		return err
	}

	s.emit(ctx, audit.Event{
		Identity:  p.Identity,
		AccountID: p.AccountID,
		SessionID: sessionID,
		Source:    source,
	}, audit.SessionRevoked, false, "revoked by owner")
	return nil
}

func (s *AuthService) emit(ctx context.Context, e audit.Event, typ audit.EventType, alert bool, reason string) {
	e.Time = s.now()
	e.Type = typ
	e.Alert = alert
	e.Reason = reason
	s.audit.Emit(ctx, e)
}

// storeUnavailable raises the outage and returns an error wrapping ErrStoreUnavailable
func (s *AuthService) storeUnavailable(ctx context.Context, e audit.Event, op string, err error) error {
	s.log.Error("Store unavailable", "op", op, "error", err)
	s.emit(ctx, e, audit.StoreUnavailable, true, op)

	if errors.Is(err, apperrors.ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", apperrors.ErrStoreUnavailable, op, err)
}
