package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/nkiryanov/authkeeper/internal/apperrors"
	"github.com/nkiryanov/authkeeper/internal/handlers/render"
	"github.com/nkiryanov/authkeeper/internal/handlers/userctx"
	"github.com/nkiryanov/authkeeper/internal/logger"
)

func handleUserMe() http.Handler {
	type response struct {
		AccountID uuid.UUID `json:"account_id"`
		Identity  string    `json:"identity"`
		SessionID uuid.UUID `json:"session_id"`
		ExpiresAt time.Time `json:"expires_at"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, _ := userctx.FromContext(r.Context())
		render.JSON(w, response{AccountID: p.AccountID, Identity: p.Identity, SessionID: p.SessionID, ExpiresAt: p.ExpiresAt})
	})
}

func handleListSessions(authService authService, l logger.Logger) http.Handler {
	type session struct {
		ID        uuid.UUID `json:"id"`
		CreatedAt time.Time `json:"created_at"`
		RotatedAt time.Time `json:"rotated_at"`
		ExpiresAt time.Time `json:"expires_at"`
		UserAgent string    `json:"user_agent,omitempty"`
		Source    string    `json:"source,omitempty"`
		Current   bool      `json:"current"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := userctx.FromContext(r.Context())
		if !ok {
			render.ServiceError(w, "Internal service error", http.StatusInternalServerError)
			return
		}

		list, err := authService.Sessions(r.Context(), p)
		switch {
		case err == nil:
		case errors.Is(err, apperrors.ErrStoreUnavailable):
			storeUnavailable(w)
			return
		default:
			l.Error("Failed to list sessions", "error", err)
			render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
			return
		}

		res := make([]session, 0, len(list))
		for _, s := range list {
			res = append(res, session{
				ID:        s.ID,
				CreatedAt: s.CreatedAt,
				RotatedAt: s.RotatedAt,
				ExpiresAt: s.ExpiresAt,
				UserAgent: s.UserAgent,
				Source:    s.SourceAddr,
				Current:   s.ID == p.SessionID,
			})
		}
		render.JSON(w, res)
	})
}

func handleRevokeSession(authService authService, l logger.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := userctx.FromContext(r.Context())
		if !ok {
			render.ServiceError(w, "Internal service error", http.StatusInternalServerError)
			return
		}

		id, err := uuid.Parse(r.PathValue("id"))
		if err != nil {
			render.ServiceError(w, "Session not found", http.StatusNotFound)
			return
		}

		err = authService.RevokeSession(r.Context(), p, id, userctx.Source(r.Context()))
		switch {
		case err == nil:
			render.NoContent(w)
		case errors.Is(err, apperrors.ErrSessionNotFound):
			render.ServiceError(w, "Session not found", http.StatusNotFound)
		case errors.Is(err, apperrors.ErrStoreUnavailable):
			storeUnavailable(w)
		default:
			l.Error("Failed to revoke session", "error", err)
			render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
		}
	})
}

func handleLogoutAll(authService authService, l logger.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := userctx.FromContext(r.Context())
		if !ok {
			render.ServiceError(w, "Internal service error", http.StatusInternalServerError)
			return
		}

		_, err := authService.LogoutAll(r.Context(), p, userctx.Source(r.Context()))
		switch {
		case err == nil:
			render.NoContent(w)
		case errors.Is(err, apperrors.ErrStoreUnavailable):
			storeUnavailable(w)
		default:
			l.Error("Failed to revoke sessions", "error", err)
			render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
		}
	})
}
