package middleware

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/nkiryanov/authkeeper/internal/apperrors"
	"github.com/nkiryanov/authkeeper/internal/handlers/userctx"
	"github.com/nkiryanov/authkeeper/internal/models"
)

// Allow to use a function as authenticator
type authFunc func(ctx context.Context, access string) (models.Principal, error)

func (f authFunc) Authenticate(ctx context.Context, access string) (models.Principal, error) {
	return f(ctx, access)
}

func TestAuthMiddleware_Auth(t *testing.T) {
	// Simple handler that try to get principal from context
	// If ok write its identity to response
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Must always be true cause middleware has to set principal or write error to response
		p, ok := userctx.FromContext(r.Context())
		require.True(t, ok)

		w.WriteHeader(http.StatusOK)
		_, err := w.Write([]byte(p.Identity))
		require.NoError(t, err, "should write identity to response")
	})

	// Accepts only "good-token"
	middleware := AuthMiddleware(authFunc(func(ctx context.Context, access string) (models.Principal, error) {
		switch access {
		case "good-token":
			return models.Principal{AccountID: uuid.New(), Identity: "test-user"}, nil
		case "store-down":
			return models.Principal{}, fmt.Errorf("lookup: %w", apperrors.ErrStoreUnavailable)
		case "revoked":
			return models.Principal{}, apperrors.ErrSessionRevoked
		}
		return models.Principal{}, apperrors.ErrTokenInvalid
	}))

	srv := httptest.NewServer(middleware(handler))
	defer srv.Close()

	tests := []struct {
		name       string
		header     string
		wantStatus int
		wantBody   string
	}{
		{"auth ok", "Bearer good-token", http.StatusOK, "test-user"},
		{"scheme is case insensitive", "bearer good-token", http.StatusOK, "test-user"},
		{"no header", "", http.StatusUnauthorized, `{"error": "service_error", "message": "Unauthorized"}`},
		{"basic scheme", "Basic dXNlcjpwYXNz", http.StatusUnauthorized, `{"error": "service_error", "message": "Unauthorized"}`},
		{"empty token", "Bearer ", http.StatusUnauthorized, `{"error": "service_error", "message": "Unauthorized"}`},
		{"invalid token", "Bearer forged", http.StatusUnauthorized, `{"error": "service_error", "message": "Unauthorized"}`},
		{"revoked session", "Bearer revoked", http.StatusUnauthorized, `{"error": "service_error", "message": "Unauthorized"}`},
		{"store down", "Bearer store-down", http.StatusServiceUnavailable, `{"error": "service_error", "message": "Service unavailable"}`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodGet, srv.URL+"/test", nil)
			require.NoError(t, err)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}

			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err, "should make request to test server")
			body, err := io.ReadAll(resp.Body)
			require.NoError(t, err, "should read response body")
			defer resp.Body.Close() // nolint:errcheck

			require.Equalf(t, tc.wantStatus, resp.StatusCode, "unexpected status. Resp: %s", string(body))
			switch tc.wantStatus {
			case http.StatusOK:
				require.Equal(t, tc.wantBody, string(body))
			case http.StatusUnauthorized:
				require.JSONEq(t, tc.wantBody, string(body))
				require.Contains(t, resp.Header.Get("WWW-Authenticate"), "Bearer")
			case http.StatusServiceUnavailable:
				require.JSONEq(t, tc.wantBody, string(body))
				require.Equal(t, "5", resp.Header.Get("Retry-After"))
			}
		})
	}
}
