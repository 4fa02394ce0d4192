package handlers

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/nkiryanov/authkeeper/internal/handlers/middleware"
	"github.com/nkiryanov/authkeeper/internal/logger"
	"github.com/nkiryanov/authkeeper/internal/models"
	"github.com/nkiryanov/authkeeper/internal/service/auth"
)

// chain applies middlewares in the given order: m1(m2(...(h)))
func chain(h http.Handler, mds ...func(next http.Handler) http.Handler) http.Handler {
	for i := len(mds) - 1; i >= 0; i-- {
		h = mds[i](h)
	}
	return h
}

type RouterConfig struct {
	// Register endpoint is not mounted when false
	AllowRegistration bool

	// Honor X-Forwarded-For and X-Real-IP
	TrustProxy bool

	// Limits login, refresh and register per source. Nil disables throttling
	Throttler *middleware.Throttler
}

func NewRouter(authService authService, cfg RouterConfig, logger logger.Logger) http.Handler {
	withAuth := middleware.AuthMiddleware(authService)

	throttled := func(h http.Handler) http.Handler { return h }
	if cfg.Throttler != nil {
		throttled = cfg.Throttler.Middleware
	}

	apiauth := http.NewServeMux()

	apiauth.Handle("POST /login", throttled(handleLogin(authService, logger)))
	apiauth.Handle("POST /refresh", throttled(handleRefresh(authService, logger)))
	apiauth.Handle("POST /logout", handleLogout(authService, logger))
	if cfg.AllowRegistration {
		apiauth.Handle("POST /register", throttled(handleRegister(authService, logger)))
	}

	apiauth.Handle("GET /me", withAuth(handleUserMe()))
	apiauth.Handle("GET /sessions", withAuth(handleListSessions(authService, logger)))
	apiauth.Handle("POST /sessions/{id}/revoke", withAuth(handleRevokeSession(authService, logger)))
	apiauth.Handle("POST /logout-all", withAuth(handleLogoutAll(authService, logger)))

	root := http.NewServeMux()
	root.Handle("GET /api/v1/health", handleHealth())
	root.Handle("/api/v1/auth/", http.StripPrefix("/api/v1/auth", apiauth))

	handler := chain(root,
		middleware.SourceMiddleware(cfg.TrustProxy),
		middleware.LoggerMiddleware(logger),
	)

	return handler
}

type authService interface {
	// Has to return apperrors.ErrAccountExists if identity is taken
	Register(ctx context.Context, identity string, secret string) (models.Account, error)

	// Has to return apperrors.ErrInvalidCredentials for unknown identity or wrong secret,
	// apperrors.ErrAccountLocked (maybe *apperrors.LockedError) while locked
	Login(ctx context.Context, req auth.LoginRequest) (models.TokenPair, error)

	// Replays are reported as apperrors.ErrReplayDetected which is also apperrors.ErrSessionRevoked
	Refresh(ctx context.Context, refresh string, source string) (models.TokenPair, error)

	Logout(ctx context.Context, refresh string, source string) error

	// Verify access token and its session
	Authenticate(ctx context.Context, access string) (models.Principal, error)

	LogoutAll(ctx context.Context, p models.Principal, source string) (int, error)
	Sessions(ctx context.Context, p models.Principal) ([]models.Session, error)
	RevokeSession(ctx context.Context, p models.Principal, sessionID uuid.UUID, source string) error
}
