package models

import (
	"time"

	"github.com/google/uuid"
)

type IssuedToken struct {
	Value     string
	ExpiresAt time.Time
}

// Token pair issued on login and on every refresh
type TokenPair struct {
	Access  IssuedToken
	Refresh IssuedToken
}

// Principal is the caller behind a verified access token
type Principal struct {
	AccountID uuid.UUID
	Identity  string
	SessionID uuid.UUID
	TokenID   uuid.UUID
	ExpiresAt time.Time
}
