package apperrors

import (
	"errors"
	"fmt"
	"time"
)

// Caller facing errors
// Messages are deliberately short: handlers never expose which factor failed
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountLocked      = errors.New("account locked")
	ErrStoreUnavailable   = errors.New("store unavailable")

	ErrTokenExpired   = errors.New("token expired")
	ErrTokenInvalid   = errors.New("token invalid")
	ErrSessionRevoked = errors.New("session revoked")

	// Replay of an already rotated refresh token. It is a session revocation too,
	// so errors.Is(ErrReplayDetected, ErrSessionRevoked) holds
	ErrReplayDetected = fmt.Errorf("refresh token replay detected: %w", ErrSessionRevoked)

	// Session revoked after staying idle longer than the idle timeout
	ErrSessionInactive = fmt.Errorf("session inactive: %w", ErrSessionRevoked)
)

// Internal errors, mapped to the caller facing ones by services
var (
	ErrAccountNotFound = errors.New("account not found")
	ErrAccountExists   = errors.New("account already exists")

	ErrSessionNotFound = errors.New("session not found")
	ErrRefreshMismatch = errors.New("refresh token is not the current one")
)

// LockedError reports an active lockout and when it ends
type LockedError struct {
	Until time.Time
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("account locked until %s", e.Until.UTC().Format(time.RFC3339))
}

func (e *LockedError) Is(target error) bool {
	return target == ErrAccountLocked
}

// RetryAfter returns how long the caller should wait, never less than one second
func (e *LockedError) RetryAfter(now time.Time) time.Duration {
	d := e.Until.Sub(now)
	if d < time.Second {
		return time.Second
	}
	return d.Round(time.Second)
}

// IsSecurityIncident reports whether err must be raised to the audit channel as an alert
func IsSecurityIncident(err error) bool {
	return errors.Is(err, ErrReplayDetected)
}
