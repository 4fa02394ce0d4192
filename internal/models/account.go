package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	AccountStatusActive   = "active"
	AccountStatusLocked   = "locked"
	AccountStatusDisabled = "disabled"
)

type Account struct {
	ID        uuid.UUID
	Identity  string
	CreatedAt time.Time

	// PHC encoded digest: algorithm, work factor, salt and key in one string
	PasswordHash string

	Status      string
	LastLoginAt *time.Time // nil if never logged in
}

// AttemptCounter tracks consecutive failed verifications for one lockout key
type AttemptCounter struct {
	Failures     int
	FirstFailure time.Time
	LastFailure  time.Time
	LockedUntil  time.Time

	// Lockout events inside the record lifetime, drives the backoff
	Lockouts int

	// Record is dropped after this moment
	ExpiresAt time.Time
}

// Zero value counter is considered as expired
func (c AttemptCounter) Expired(now time.Time) bool {
	return c.ExpiresAt.IsZero() || !now.Before(c.ExpiresAt)
}

func (c AttemptCounter) Locked(now time.Time) bool {
	return now.Before(c.LockedUntil)
}
