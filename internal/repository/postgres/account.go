package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/nkiryanov/authkeeper/internal/apperrors"
	"github.com/nkiryanov/authkeeper/internal/models"
)

type AccountRepo struct {
	db DBTX
}

func normalize(identity string) string {
	return strings.ToLower(strings.TrimSpace(identity))
}

const createAccount = `-- name: CreateAccount
INSERT INTO accounts (id, identity, password_hash)
VALUES ($1, $2, $3)
RETURNING id, identity, created_at, password_hash, status, last_login_at
`

func (r *AccountRepo) CreateAccount(ctx context.Context, identity string, passwordHash string) (models.Account, error) {
	rows, _ := r.db.Query(ctx, createAccount, uuid.New(), normalize(identity), passwordHash)
	account, err := pgx.CollectOneRow(rows, rowToAccount)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return account, apperrors.ErrAccountExists
		}

		return account, fmt.Errorf("db error: %w", err)
	}

	return account, nil
}

const getAccount = `-- name: GetAccount
SELECT id, identity, created_at, password_hash, status, last_login_at
FROM accounts
WHERE LOWER(identity) = $1
`

func (r *AccountRepo) GetAccount(ctx context.Context, identity string) (models.Account, error) {
	rows, _ := r.db.Query(ctx, getAccount, normalize(identity))
	account, err := pgx.CollectOneRow(rows, rowToAccount)

	switch {
	case err == nil:
		return account, nil
	case errors.Is(err, pgx.ErrNoRows):
		return account, apperrors.ErrAccountNotFound
	default:
		return account, fmt.Errorf("db error: %w", err)
	}
}

const recordSuccessfulLogin = `-- name: RecordSuccessfulLogin
UPDATE accounts
SET last_login_at = $2
WHERE LOWER(identity) = $1
`

func (r *AccountRepo) RecordSuccessfulLogin(ctx context.Context, identity string, at time.Time) error {
	tag, err := r.db.Exec(ctx, recordSuccessfulLogin, normalize(identity), at)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrAccountNotFound
	}
	return nil
}

const updatePasswordHash = `-- name: UpdatePasswordHash
UPDATE accounts
SET password_hash = $2
WHERE LOWER(identity) = $1
`

func (r *AccountRepo) UpdatePasswordHash(ctx context.Context, identity string, passwordHash string) error {
	tag, err := r.db.Exec(ctx, updatePasswordHash, normalize(identity), passwordHash)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrAccountNotFound
	}
	return nil
}

func rowToAccount(row pgx.CollectableRow) (models.Account, error) {
	var a models.Account
	err := row.Scan(&a.ID, &a.Identity, &a.CreatedAt, &a.PasswordHash, &a.Status, &a.LastLoginAt)
	return a, err
}
