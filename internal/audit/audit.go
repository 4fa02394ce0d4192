// Package audit carries security relevant events out of the request path
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nkiryanov/authkeeper/internal/logger"
)

type EventType string

const (
	LoginSucceeded      EventType = "login_succeeded"
	LoginFailed         EventType = "login_failed"
	LoginRejectedLocked EventType = "login_rejected_locked"
	LockoutTriggered    EventType = "lockout_triggered"
	ReplayDetected      EventType = "replay_detected"
	SessionRevoked      EventType = "session_revoked"
	Logout              EventType = "logout"
	StoreUnavailable    EventType = "store_unavailable"
)

// Event is what happened, never the secret or token itself
type Event struct {
	Time      time.Time
	Type      EventType
	Identity  string
	AccountID uuid.UUID
	SessionID uuid.UUID
	Source    string

	// Alert marks events that need a human: replay, lockouts, store outages
	Alert  bool
	Reason string
}

type Sink interface {
	Emit(ctx context.Context, event Event)
}

// NoOpSink drops events
type NoOpSink struct{}

func (NoOpSink) Emit(context.Context, Event) {}

// MultiSink fans one event out to every sink in order
type MultiSink []Sink

func (m MultiSink) Emit(ctx context.Context, event Event) {
	for _, s := range m {
		s.Emit(ctx, event)
	}
}

// LoggerSink writes events to the service log, alerts at warn level
type LoggerSink struct {
	log logger.Logger
}

func NewLoggerSink(log logger.Logger) *LoggerSink {
	return &LoggerSink{log: log.WithGroup("audit")}
}

func (s *LoggerSink) Emit(_ context.Context, e Event) {
	args := []any{
		"type", string(e.Type),
		"identity", e.Identity,
		"source", e.Source,
		"at", e.Time,
	}
	if e.AccountID != uuid.Nil {
		args = append(args, "account_id", e.AccountID.String())
	}
	if e.SessionID != uuid.Nil {
		args = append(args, "session_id", e.SessionID.String())
	}
	if e.Reason != "" {
		args = append(args, "reason", e.Reason)
	}

	if e.Alert {
		s.log.Warn("security event", args...)
		return
	}
	s.log.Info("security event", args...)
}

// Recorder keeps events in memory, for tests
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(_ context.Context, e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Of returns recorded events of the given type
func (r *Recorder) Of(t EventType) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
