package models

import (
	"time"

	"github.com/google/uuid"
)

// Session is one rotation chain of refresh tokens
// Its ID doubles as the rotation-chain identifier
type Session struct {
	ID        uuid.UUID
	AccountID uuid.UUID
	Identity  string

	// Only this refresh token id may be rotated
	CurrentRefreshID uuid.UUID

	CreatedAt time.Time
	RotatedAt time.Time
	ExpiresAt time.Time

	// Last rotation or authenticated request, written with some staleness
	LastActivityAt time.Time

	RevokedAt    *time.Time // nil while the session is live
	RevokeReason string

	UserAgent  string
	SourceAddr string
}

func (s Session) Revoked() bool {
	return s.RevokedAt != nil
}

func (s Session) Active(now time.Time) bool {
	return !s.Revoked() && now.Before(s.ExpiresAt)
}

// Idle reports whether the session saw no activity for longer than timeout. Zero timeout disables
func (s Session) Idle(now time.Time, timeout time.Duration) bool {
	return timeout > 0 && now.Sub(s.LastActivityAt) > timeout
}
