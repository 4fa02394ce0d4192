// Package memory is an in-process repository.Storage for tests
// One mutex serializes every call, it is not meant to carry production load
package memory

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nkiryanov/authkeeper/internal/apperrors"
	"github.com/nkiryanov/authkeeper/internal/models"
	"github.com/nkiryanov/authkeeper/internal/repository"
)

type state struct {
	accounts map[string]models.Account
	sessions map[uuid.UUID]models.Session
}

func (s state) clone() state {
	c := state{
		accounts: make(map[string]models.Account, len(s.accounts)),
		sessions: make(map[uuid.UUID]models.Session, len(s.sessions)),
	}
	for k, v := range s.accounts {
		c.accounts[k] = v
	}
	for k, v := range s.sessions {
		c.sessions[k] = v
	}
	return c
}

// Storage guards all data with one mutex
// Transactions hold it for their whole duration and work on a copy, so they are serializable
type Storage struct {
	mu    *sync.Mutex
	state *state

	// Set inside a transaction: the lock is already held
	inTx bool

	// Fail makes every call return this error, used to simulate an unreachable store
	fail *failSwitch
}

type failSwitch struct {
	mu  sync.RWMutex
	err error
}

func New() *Storage {
	return &Storage{
		mu:    &sync.Mutex{},
		state: &state{accounts: map[string]models.Account{}, sessions: map[uuid.UUID]models.Session{}},
		fail:  &failSwitch{},
	}
}

// SetFailure makes every following call fail with err. Nil restores normal work
func (s *Storage) SetFailure(err error) {
	s.fail.mu.Lock()
	defer s.fail.mu.Unlock()
	s.fail.err = err
}

func (s *Storage) failure() error {
	s.fail.mu.RLock()
	defer s.fail.mu.RUnlock()
	return s.fail.err
}

func (s *Storage) Account() repository.AccountRepo {
	return &accountRepo{s: s}
}

func (s *Storage) Session() repository.SessionRepo {
	return &sessionRepo{s: s}
}

func (s *Storage) InTx(ctx context.Context, fn func(repository.Storage) error) error {
	if s.inTx {
		return fn(s)
	}
	if err := s.failure(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.state.clone()
	tx := &Storage{mu: s.mu, state: &work, inTx: true, fail: s.fail}

	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	*s.state = work
	return nil
}

// run executes fn under the lock unless a transaction already holds it
func (s *Storage) run(ctx context.Context, fn func(st *state) error) error {
	if err := s.failure(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if !s.inTx {
		s.mu.Lock()
		defer s.mu.Unlock()
	}
	return fn(s.state)
}

func normalize(identity string) string {
	return strings.ToLower(strings.TrimSpace(identity))
}

type accountRepo struct {
	s *Storage
}

func (r *accountRepo) CreateAccount(ctx context.Context, identity string, passwordHash string) (models.Account, error) {
	var account models.Account
	err := r.s.run(ctx, func(st *state) error {
		key := normalize(identity)
		if _, ok := st.accounts[key]; ok {
			return apperrors.ErrAccountExists
		}
		account = models.Account{
			ID:           uuid.New(),
			Identity:     key,
			CreatedAt:    time.Now(),
			PasswordHash: passwordHash,
			Status:       models.AccountStatusActive,
		}
		st.accounts[key] = account
		return nil
	})
	return account, err
}

func (r *accountRepo) GetAccount(ctx context.Context, identity string) (models.Account, error) {
	var account models.Account
	err := r.s.run(ctx, func(st *state) error {
		a, ok := st.accounts[normalize(identity)]
		if !ok {
			return apperrors.ErrAccountNotFound
		}
		account = a
		return nil
	})
	return account, err
}

func (r *accountRepo) RecordSuccessfulLogin(ctx context.Context, identity string, at time.Time) error {
	return r.update(ctx, identity, func(a *models.Account) {
		a.LastLoginAt = &at
	})
}

func (r *accountRepo) UpdatePasswordHash(ctx context.Context, identity string, passwordHash string) error {
	return r.update(ctx, identity, func(a *models.Account) {
		a.PasswordHash = passwordHash
	})
}

func (r *accountRepo) update(ctx context.Context, identity string, fn func(a *models.Account)) error {
	return r.s.run(ctx, func(st *state) error {
		key := normalize(identity)
		a, ok := st.accounts[key]
		if !ok {
			return apperrors.ErrAccountNotFound
		}
		fn(&a)
		st.accounts[key] = a
		return nil
	})
}

// SetStatus changes account status, there is no public API for it yet
func (s *Storage) SetStatus(identity string, status string) error {
	return (&accountRepo{s: s}).update(context.Background(), identity, func(a *models.Account) {
		a.Status = status
	})
}

type sessionRepo struct {
	s *Storage
}

func (r *sessionRepo) CreateSession(ctx context.Context, session models.Session) (models.Session, error) {
	if session.LastActivityAt.IsZero() {
		session.LastActivityAt = session.CreatedAt
	}

	err := r.s.run(ctx, func(st *state) error {
		if _, ok := st.sessions[session.ID]; ok {
			return errors.New("session id collision")
		}
		st.sessions[session.ID] = session
		return nil
	})
	return session, err
}

func (r *sessionRepo) GetSession(ctx context.Context, id uuid.UUID) (models.Session, error) {
	var session models.Session
	err := r.s.run(ctx, func(st *state) error {
		s, ok := st.sessions[id]
		if !ok {
			return apperrors.ErrSessionNotFound
		}
		session = s
		return nil
	})
	return session, err
}

func (r *sessionRepo) RotateRefresh(ctx context.Context, id uuid.UUID, current uuid.UUID, next uuid.UUID, now time.Time, activeSince time.Time) (models.Session, error) {
	var session models.Session
	err := r.s.run(ctx, func(st *state) error {
		s, ok := st.sessions[id]
		if !ok {
			return apperrors.ErrSessionNotFound
		}

		// Stored state is returned with the failure reason, like the postgres repo does
		session = s
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

		s.CurrentRefreshID = next
		s.RotatedAt = now
		if now.After(s.LastActivityAt) {
			s.LastActivityAt = now
		}
		st.sessions[id] = s
		session = s
		return nil
	})
	return session, err
}

func (r *sessionRepo) RevokeSession(ctx context.Context, id uuid.UUID, at time.Time, reason string) (bool, error) {
	found := false
	err := r.s.run(ctx, func(st *state) error {
		s, ok := st.sessions[id]
		if !ok {
			return nil
		}
		found = true
		if !s.Revoked() {
			s.RevokedAt = &at
			s.RevokeReason = reason
			st.sessions[id] = s
		}
		return nil
	})
	return found, err
}

func (r *sessionRepo) TouchSession(ctx context.Context, id uuid.UUID, at time.Time) error {
	return r.s.run(ctx, func(st *state) error {
		s, ok := st.sessions[id]
		if !ok || s.Revoked() || !s.LastActivityAt.Before(at) {
			return nil
		}
		s.LastActivityAt = at
		st.sessions[id] = s
		return nil
	})
}

func (r *sessionRepo) RevokeIdleSessions(ctx context.Context, activeSince time.Time, at time.Time, reason string) (int, error) {
	n := 0
	err := r.s.run(ctx, func(st *state) error {
		for id, s := range st.sessions {
			if !s.Active(at) || !s.LastActivityAt.Before(activeSince) {
				continue
			}
			s.RevokedAt = &at
			s.RevokeReason = reason
			st.sessions[id] = s
			n++
		}
		return nil
	})
	return n, err
}

func (r *sessionRepo) RevokeAccountSessions(ctx context.Context, accountID uuid.UUID, at time.Time, reason string) (int, error) {
	n := 0
	err := r.s.run(ctx, func(st *state) error {
		for id, s := range st.sessions {
			if s.AccountID != accountID || !s.Active(at) {
				continue
			}
			s.RevokedAt = &at
			s.RevokeReason = reason
			st.sessions[id] = s
			n++
		}
		return nil
	})
	return n, err
}

func (r *sessionRepo) ListActiveSessions(ctx context.Context, accountID uuid.UUID, now time.Time) ([]models.Session, error) {
	var out []models.Session
	err := r.s.run(ctx, func(st *state) error {
		for _, s := range st.sessions {
			if s.AccountID == accountID && s.Active(now) {
				out = append(out, s)
			}
		}
		return nil
	})

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, err
}

func (r *sessionRepo) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	n := 0
	err := r.s.run(ctx, func(st *state) error {
		for id, s := range st.sessions {
			if !before.Before(s.ExpiresAt) {
				delete(st.sessions, id)
				n++
			}
		}
		return nil
	})
	return n, err
}
