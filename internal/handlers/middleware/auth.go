package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/nkiryanov/authkeeper/internal/apperrors"
	"github.com/nkiryanov/authkeeper/internal/handlers/render"
	"github.com/nkiryanov/authkeeper/internal/handlers/userctx"
	"github.com/nkiryanov/authkeeper/internal/models"
)

// How long clients should wait when the session store is down
const StoreRetryAfter = 5 * time.Second

type authenticator interface {
	Authenticate(ctx context.Context, access string) (models.Principal, error)
}

func AuthMiddleware(a authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				unauthorized(w)
				return
			}

			principal, err := a.Authenticate(r.Context(), token)
			switch {
			case err == nil:
			case errors.Is(err, apperrors.ErrStoreUnavailable):
				render.ServiceErrorRetryAfter(w, "Service unavailable", http.StatusServiceUnavailable, StoreRetryAfter)
				return
			default:
				unauthorized(w)
				return
			}

			ctx := userctx.New(r.Context(), principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="authkeeper"`)
	render.ServiceError(w, "Unauthorized", http.StatusUnauthorized)
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}

	token = strings.TrimSpace(token)
	return token, token != ""
}
