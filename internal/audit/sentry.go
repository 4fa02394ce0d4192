package audit

import (
	"context"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
)

// SentrySink raises alert events to Sentry, everything else is ignored
type SentrySink struct {
	hub *sentry.Hub
}

// NewSentrySink binds the sink to a hub. Nil means the global hub set up by sentry.Init
func NewSentrySink(hub *sentry.Hub) *SentrySink {
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	return &SentrySink{hub: hub}
}

func (s *SentrySink) Emit(_ context.Context, e Event) {
	if !e.Alert {
		return
	}

	s.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentry.LevelWarning)
		scope.SetTag("event_type", string(e.Type))
		if e.Source != "" {
			scope.SetTag("source", e.Source)
		}
		if e.Reason != "" {
			scope.SetTag("reason", e.Reason)
		}
		if e.SessionID != uuid.Nil {
			scope.SetTag("session_id", e.SessionID.String())
		}

		user := sentry.User{Username: e.Identity}
		if e.AccountID != uuid.Nil {
			user.ID = e.AccountID.String()
		}
		scope.SetUser(user)

		s.hub.CaptureMessage("security event: " + string(e.Type))
	})
}

func (s *SentrySink) Flush(timeout time.Duration) bool {
	return s.hub.Flush(timeout)
}
