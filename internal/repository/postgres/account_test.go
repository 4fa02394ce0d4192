package postgres

import (
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nkiryanov/authkeeper/internal/apperrors"
	"github.com/nkiryanov/authkeeper/internal/models"
	"github.com/nkiryanov/authkeeper/internal/testutil"
)

func Test_AccountRepo(t *testing.T) {
	t.Parallel() // It's ok to run in parallel with other tests, but not with subtests

	pg := testutil.StartPostgresContainer(t)
	t.Cleanup(pg.Terminate)

	t.Run("create account ok", func(t *testing.T) {
		testutil.WithTx(pg.Pool, t, func(tx pgx.Tx) {
			r := AccountRepo{db: tx}

			account, err := r.CreateAccount(t.Context(), "Alice@Example.com", "$argon2id$hash")

			require.NoError(t, err)
			assert.Equal(t, "alice@example.com", account.Identity, "identity stored lower-case")
			assert.Equal(t, "$argon2id$hash", account.PasswordHash)
			assert.Equal(t, models.AccountStatusActive, account.Status)
			assert.Nil(t, account.LastLoginAt)
			assert.WithinDuration(t, time.Now(), account.CreatedAt, time.Second, "CreatedAt should be recent")
		})
	})

	t.Run("create account twice fail", func(t *testing.T) {
		testutil.WithTx(pg.Pool, t, func(tx pgx.Tx) {
			r := AccountRepo{db: tx}

			_, err := r.CreateAccount(t.Context(), "bob", "hash")
			require.NoError(t, err)

			_, err = r.CreateAccount(t.Context(), "BOB", "hash")

			require.ErrorIs(t, err, apperrors.ErrAccountExists)
		})
	})

	t.Run("get account any case", func(t *testing.T) {
		testutil.WithTx(pg.Pool, t, func(tx pgx.Tx) {
			r := AccountRepo{db: tx}
			created, err := r.CreateAccount(t.Context(), "carol", "hash")
			require.NoError(t, err)

			got, err := r.GetAccount(t.Context(), " Carol ")

			require.NoError(t, err)
			assert.Equal(t, created.ID, got.ID)
			assert.Equal(t, created.CreatedAt, got.CreatedAt)
		})
	})

	t.Run("get account not found", func(t *testing.T) {
		testutil.WithTx(pg.Pool, t, func(tx pgx.Tx) {
			r := AccountRepo{db: tx}

			_, err := r.GetAccount(t.Context(), "nobody")

			assert.ErrorIs(t, err, apperrors.ErrAccountNotFound, "should return well known error")
		})
	})

	t.Run("record successful login", func(t *testing.T) {
		testutil.WithTx(pg.Pool, t, func(tx pgx.Tx) {
			r := AccountRepo{db: tx}
			_, err := r.CreateAccount(t.Context(), "dave", "hash")
			require.NoError(t, err)
			at := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

			err = r.RecordSuccessfulLogin(t.Context(), "dave", at)
			require.NoError(t, err)

			got, err := r.GetAccount(t.Context(), "dave")
			require.NoError(t, err)
			require.NotNil(t, got.LastLoginAt)
			assert.True(t, at.Equal(*got.LastLoginAt))
		})
	})

	t.Run("record login unknown account", func(t *testing.T) {
		testutil.WithTx(pg.Pool, t, func(tx pgx.Tx) {
			r := AccountRepo{db: tx}

			err := r.RecordSuccessfulLogin(t.Context(), "nobody", time.Now())

			assert.ErrorIs(t, err, apperrors.ErrAccountNotFound)
		})
	})

	t.Run("update password hash", func(t *testing.T) {
		testutil.WithTx(pg.Pool, t, func(tx pgx.Tx) {
			r := AccountRepo{db: tx}
			_, err := r.CreateAccount(t.Context(), "erin", "old")
			require.NoError(t, err)

			err = r.UpdatePasswordHash(t.Context(), "ERIN", "new")
			require.NoError(t, err)

			got, err := r.GetAccount(t.Context(), "erin")
			require.NoError(t, err)
			assert.Equal(t, "new", got.PasswordHash)
		})
	})
}
