package postgres

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nkiryanov/authkeeper/internal/apperrors"
	"github.com/nkiryanov/authkeeper/internal/models"
	"github.com/nkiryanov/authkeeper/internal/repository"
	"github.com/nkiryanov/authkeeper/internal/testutil"
)

func Test_SessionRepo(t *testing.T) {
	t.Parallel()

	pg := testutil.StartPostgresContainer(t)
	t.Cleanup(pg.Terminate)

	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	newSession := func(t *testing.T, tx pgx.Tx) models.Session {
		account, err := (&AccountRepo{db: tx}).CreateAccount(t.Context(), uuid.NewString()+"@example.com", "hash")
		require.NoError(t, err)

		s, err := (&SessionRepo{db: tx}).CreateSession(t.Context(), models.Session{
			ID:               uuid.New(),
			AccountID:        account.ID,
			Identity:         account.Identity,
			CurrentRefreshID: uuid.New(),
			CreatedAt:        now,
			RotatedAt:        now,
			ExpiresAt:        now.Add(24 * time.Hour),
			UserAgent:        "curl/8.0",
			SourceAddr:       "10.0.0.1",
		})
		require.NoError(t, err)
		return s
	}

	t.Run("create and get", func(t *testing.T) {
		testutil.WithTx(pg.Pool, t, func(tx pgx.Tx) {
			r := SessionRepo{db: tx}
			created := newSession(t, tx)

			got, err := r.GetSession(t.Context(), created.ID)

			require.NoError(t, err)
			assert.Equal(t, created.CurrentRefreshID, got.CurrentRefreshID)
			assert.Equal(t, "curl/8.0", got.UserAgent)
			assert.True(t, now.Equal(got.CreatedAt))
			assert.False(t, got.Revoked())
		})
	})

	t.Run("get not found", func(t *testing.T) {
		testutil.WithTx(pg.Pool, t, func(tx pgx.Tx) {
			r := SessionRepo{db: tx}

			_, err := r.GetSession(t.Context(), uuid.New())

			require.ErrorIs(t, err, apperrors.ErrSessionNotFound)
		})
	})

	t.Run("rotate ok", func(t *testing.T) {
		testutil.WithTx(pg.Pool, t, func(tx pgx.Tx) {
			r := SessionRepo{db: tx}
			s := newSession(t, tx)
			next := uuid.New()

			rotated, err := r.RotateRefresh(t.Context(), s.ID, s.CurrentRefreshID, next, now.Add(time.Minute), time.Time{})

			require.NoError(t, err)
			assert.Equal(t, next, rotated.CurrentRefreshID)
			assert.True(t, now.Add(time.Minute).Equal(rotated.RotatedAt))
		})
	})

	t.Run("rotate reasons", func(t *testing.T) {
		testutil.WithTx(pg.Pool, t, func(tx pgx.Tx) {
			r := SessionRepo{db: tx}
			s := newSession(t, tx)

			_, err := r.RotateRefresh(t.Context(), s.ID, uuid.New(), uuid.New(), now, time.Time{})
			require.ErrorIs(t, err, apperrors.ErrRefreshMismatch)

			_, err = r.RotateRefresh(t.Context(), s.ID, s.CurrentRefreshID, uuid.New(), s.ExpiresAt, time.Time{})
			require.ErrorIs(t, err, apperrors.ErrTokenExpired)

			_, err = r.RotateRefresh(t.Context(), uuid.New(), s.CurrentRefreshID, uuid.New(), now, time.Time{})
			require.ErrorIs(t, err, apperrors.ErrSessionNotFound)

			ok, err := r.RevokeSession(t.Context(), s.ID, now, "logout")
			require.NoError(t, err)
			require.True(t, ok)

			_, err = r.RotateRefresh(t.Context(), s.ID, s.CurrentRefreshID, uuid.New(), now, time.Time{})
			require.ErrorIs(t, err, apperrors.ErrSessionRevoked)
		})
	})

	t.Run("activity", func(t *testing.T) {
		testutil.WithTx(pg.Pool, t, func(tx pgx.Tx) {
			r := SessionRepo{db: tx}
			s := newSession(t, tx)
			require.True(t, now.Equal(s.LastActivityAt), "activity starts at creation")

			require.NoError(t, r.TouchSession(t.Context(), s.ID, now.Add(10*time.Minute)))
			require.NoError(t, r.TouchSession(t.Context(), s.ID, now.Add(5*time.Minute)), "older activity is ignored")
			got, err := r.GetSession(t.Context(), s.ID)
			require.NoError(t, err)
			assert.True(t, now.Add(10*time.Minute).Equal(got.LastActivityAt))

			_, err = r.RotateRefresh(t.Context(), s.ID, s.CurrentRefreshID, uuid.New(), now.Add(time.Hour), now.Add(20*time.Minute))
			require.ErrorIs(t, err, apperrors.ErrSessionInactive)

			_, err = r.RotateRefresh(t.Context(), s.ID, uuid.New(), uuid.New(), now.Add(time.Hour), now.Add(20*time.Minute))
			require.ErrorIs(t, err, apperrors.ErrRefreshMismatch, "replay is reported even on idle session")

			rotated, err := r.RotateRefresh(t.Context(), s.ID, s.CurrentRefreshID, uuid.New(), now.Add(15*time.Minute), now.Add(10*time.Minute))
			require.NoError(t, err)
			assert.True(t, now.Add(15*time.Minute).Equal(rotated.LastActivityAt), "rotation is activity")

			n, err := r.RevokeIdleSessions(t.Context(), now.Add(15*time.Minute), now.Add(time.Hour), "inactivity_detected")
			require.NoError(t, err)
			assert.Equal(t, 0, n, "active at the boundary")

			n, err = r.RevokeIdleSessions(t.Context(), now.Add(16*time.Minute), now.Add(time.Hour), "inactivity_detected")
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			got, err = r.GetSession(t.Context(), s.ID)
			require.NoError(t, err)
			assert.True(t, got.Revoked())
			assert.Equal(t, "inactivity_detected", got.RevokeReason)

			require.NoError(t, r.TouchSession(t.Context(), s.ID, now.Add(2*time.Hour)))
			got, err = r.GetSession(t.Context(), s.ID)
			require.NoError(t, err)
			assert.True(t, now.Add(15*time.Minute).Equal(got.LastActivityAt), "revoked sessions are not touched")
		})
	})

	t.Run("revoke keeps first reason", func(t *testing.T) {
		testutil.WithTx(pg.Pool, t, func(tx pgx.Tx) {
			r := SessionRepo{db: tx}
			s := newSession(t, tx)

			_, err := r.RevokeSession(t.Context(), s.ID, now, "replay")
			require.NoError(t, err)
			_, err = r.RevokeSession(t.Context(), s.ID, now.Add(time.Hour), "logout")
			require.NoError(t, err)

			got, err := r.GetSession(t.Context(), s.ID)
			require.NoError(t, err)
			require.NotNil(t, got.RevokedAt)
			assert.True(t, now.Equal(*got.RevokedAt))
			assert.Equal(t, "replay", got.RevokeReason)

			ok, err := r.RevokeSession(t.Context(), uuid.New(), now, "logout")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	})

	t.Run("revoke all and list", func(t *testing.T) {
		testutil.WithTx(pg.Pool, t, func(tx pgx.Tx) {
			r := SessionRepo{db: tx}
			first := newSession(t, tx)

			second := first
			second.ID = uuid.New()
			second.CurrentRefreshID = uuid.New()
			second.CreatedAt = now.Add(time.Minute)
			_, err := r.CreateSession(t.Context(), second)
			require.NoError(t, err)

			list, err := r.ListActiveSessions(t.Context(), first.AccountID, now.Add(time.Hour))
			require.NoError(t, err)
			require.Len(t, list, 2)
			assert.Equal(t, second.ID, list[0].ID, "newest first")

			n, err := r.RevokeAccountSessions(t.Context(), first.AccountID, now.Add(time.Hour), "logout_all")
			require.NoError(t, err)
			assert.Equal(t, 2, n)

			list, err = r.ListActiveSessions(t.Context(), first.AccountID, now.Add(time.Hour))
			require.NoError(t, err)
			assert.Empty(t, list)
		})
	})

	t.Run("delete expired", func(t *testing.T) {
		testutil.WithTx(pg.Pool, t, func(tx pgx.Tx) {
			r := SessionRepo{db: tx}
			s := newSession(t, tx)

			n, err := r.DeleteExpired(t.Context(), s.ExpiresAt.Add(-time.Second))
			require.NoError(t, err)
			assert.Equal(t, 0, n)

			n, err = r.DeleteExpired(t.Context(), s.ExpiresAt)
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			_, err = r.GetSession(t.Context(), s.ID)
			require.ErrorIs(t, err, apperrors.ErrSessionNotFound)
		})
	})
}

// Rotation must stay single-winner across connections, so no shared test transaction here
func Test_SessionRepo_ConcurrentRotate(t *testing.T) {
	t.Parallel()

	pg := testutil.StartPostgresContainer(t)
	t.Cleanup(pg.Terminate)

	ctx := context.Background()
	storage := NewStorage(pg.Pool)
	now := time.Now().UTC()

	account, err := storage.Account().CreateAccount(ctx, "concurrent@example.com", "hash")
	require.NoError(t, err)

	s, err := storage.Session().CreateSession(ctx, models.Session{
		ID:               uuid.New(),
		AccountID:        account.ID,
		Identity:         account.Identity,
		CurrentRefreshID: uuid.New(),
		CreatedAt:        now,
		RotatedAt:        now,
		ExpiresAt:        now.Add(time.Hour),
	})
	require.NoError(t, err)

	const workers = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
		lost    int
	)
	start := make(chan struct{})

	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start

			_, err := storage.Session().RotateRefresh(ctx, s.ID, s.CurrentRefreshID, uuid.New(), time.Now().UTC(), time.Time{})

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				success++
			case assert.ErrorIs(t, err, apperrors.ErrRefreshMismatch):
				lost++
			}
		}()
	}
	close(start)
	wg.Wait()

	require.Equal(t, 1, success, "exactly one rotation wins")
	require.Equal(t, workers-1, lost)
}

func Test_Storage_InTx(t *testing.T) {
	t.Parallel()

	pg := testutil.StartPostgresContainer(t)
	t.Cleanup(pg.Terminate)

	ctx := context.Background()
	storage := NewStorage(pg.Pool)

	err := storage.InTx(ctx, func(s repository.Storage) error {
		_, err := s.Account().CreateAccount(ctx, "rollback@example.com", "hash")
		require.NoError(t, err)
		return apperrors.ErrStoreUnavailable
	})
	require.ErrorIs(t, err, apperrors.ErrStoreUnavailable)

	_, err = storage.Account().GetAccount(ctx, "rollback@example.com")
	require.ErrorIs(t, err, apperrors.ErrAccountNotFound, "rolled back")

	err = storage.InTx(ctx, func(s repository.Storage) error {
		_, err := s.Account().CreateAccount(ctx, "commit@example.com", "hash")
		return err
	})
	require.NoError(t, err)

	_, err = storage.Account().GetAccount(ctx, "commit@example.com")
	require.NoError(t, err)
}
