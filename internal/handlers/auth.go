package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/nkiryanov/authkeeper/internal/apperrors"
	"github.com/nkiryanov/authkeeper/internal/handlers/middleware"
	"github.com/nkiryanov/authkeeper/internal/handlers/render"
	"github.com/nkiryanov/authkeeper/internal/handlers/userctx"
	"github.com/nkiryanov/authkeeper/internal/logger"
	"github.com/nkiryanov/authkeeper/internal/models"
	"github.com/nkiryanov/authkeeper/internal/service/auth"
)

type tokenPairResponse struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

func newTokenPairResponse(pair models.TokenPair) tokenPairResponse {
	return tokenPairResponse{
		AccessToken:      pair.Access.Value,
		RefreshToken:     pair.Refresh.Value,
		AccessExpiresAt:  pair.Access.ExpiresAt,
		RefreshExpiresAt: pair.Refresh.ExpiresAt,
	}
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required,max=4096"`
}

func storeUnavailable(w http.ResponseWriter) {
	render.ServiceErrorRetryAfter(w, "Service unavailable", http.StatusServiceUnavailable, middleware.StoreRetryAfter)
}

func handleRegister(authService authService, l logger.Logger) http.Handler {
	type request struct {
		Identity string `json:"identity" validate:"required,identity,max=254"`
		Secret   string `json:"secret" validate:"required,min=8,max=1024"`
	}
	type response struct {
		ID       string `json:"id"`
		Identity string `json:"identity"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, err := render.BindAndValidate[request](w, r)
		if err != nil {
			return
		}

		account, err := authService.Register(r.Context(), data.Identity, data.Secret)
		switch {
		case err == nil:
			render.JSONWithStatus(w, response{ID: account.ID.String(), Identity: account.Identity}, http.StatusCreated)
		case errors.Is(err, apperrors.ErrAccountExists):
			render.ServiceError(w, "Account already exists", http.StatusConflict)
		case errors.Is(err, apperrors.ErrStoreUnavailable):
			storeUnavailable(w)
		default:
			l.Error("Failed to register account", "error", err)
			render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
		}
	})
}

func handleLogin(authService authService, l logger.Logger) http.Handler {
	type request struct {
		Identity string `json:"identity" validate:"required,max=254"`
		Secret   string `json:"secret" validate:"required,max=1024"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, err := render.BindAndValidate[request](w, r)
		if err != nil {
			return
		}

		pair, err := authService.Login(r.Context(), auth.LoginRequest{
			Identity:  data.Identity,
			Secret:    data.Secret,
			Source:    userctx.Source(r.Context()),
			UserAgent: r.UserAgent(),
		})

		var locked *apperrors.LockedError
		switch {
		case err == nil:
			render.JSON(w, newTokenPairResponse(pair))
		case errors.As(err, &locked):
			render.ServiceErrorRetryAfter(w, "Account locked", http.StatusLocked, locked.RetryAfter(time.Now()))
		case errors.Is(err, apperrors.ErrAccountLocked):
			render.ServiceError(w, "Account locked", http.StatusLocked)
		case errors.Is(err, apperrors.ErrInvalidCredentials):
			render.ServiceError(w, "Invalid credentials", http.StatusUnauthorized)
		case errors.Is(err, apperrors.ErrStoreUnavailable):
			storeUnavailable(w)
		default:
			l.Error("Failed to login", "error", err)
			render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
		}
	})
}

func handleRefresh(authService authService, l logger.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, err := render.BindAndValidate[refreshRequest](w, r)
		if err != nil {
			return
		}

		pair, err := authService.Refresh(r.Context(), data.RefreshToken, userctx.Source(r.Context()))
		switch {
		case err == nil:
			render.JSON(w, newTokenPairResponse(pair))
		case errors.Is(err, apperrors.ErrTokenExpired):
			render.ServiceError(w, "Refresh token expired", http.StatusUnauthorized)
		case errors.Is(err, apperrors.ErrSessionInactive):
			render.ServiceError(w, "Session expired due to inactivity", http.StatusUnauthorized)
		case errors.Is(err, apperrors.ErrSessionRevoked):
			render.ServiceError(w, "Session revoked", http.StatusUnauthorized)
		case errors.Is(err, apperrors.ErrTokenInvalid):
			render.ServiceError(w, "Invalid refresh token", http.StatusUnauthorized)
		case errors.Is(err, apperrors.ErrStoreUnavailable):
			storeUnavailable(w)
		default:
			l.Error("Failed to refresh tokens", "error", err)
			render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
		}
	})
}

// Logout answers 204 for any token it can not use, the client is logged out either way
func handleLogout(authService authService, l logger.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, err := render.BindAndValidate[refreshRequest](w, r)
		if err != nil {
			return
		}

		err = authService.Logout(r.Context(), data.RefreshToken, userctx.Source(r.Context()))
		switch {
		case err == nil:
			render.NoContent(w)
		case errors.Is(err, apperrors.ErrStoreUnavailable):
			storeUnavailable(w)
		default:
			l.Error("Failed to logout", "error", err)
			render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
		}
	})
}

func handleHealth() http.Handler {
	type response struct {
		Status string `json:"status"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		render.JSON(w, response{Status: "ok"})
	})
}
