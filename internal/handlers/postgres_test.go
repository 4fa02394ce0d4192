package handlers

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"

	"github.com/nkiryanov/authkeeper/internal/repository/postgres"
	"github.com/nkiryanov/authkeeper/internal/testutil"
)

// Whole flow against real database, each case in a rolled back transaction
func Test_AuthHandlers_Postgres(t *testing.T) {
	t.Parallel()

	pg := testutil.StartPostgresContainer(t)
	t.Cleanup(pg.Terminate)

	withTx := func(t *testing.T, fn func(ts testServer)) {
		testutil.WithTx(pg.Pool, t, func(tx pgx.Tx) {
			url := serve(t, RouterConfig{AllowRegistration: true}, postgres.NewStorage(tx))
			fn(testServer{url: url})
		})
	}

	t.Run("register login refresh logout", func(t *testing.T) {
		withTx(t, func(ts testServer) {
			resp := ts.do(t, http.MethodPost, "/api/v1/auth/register", `{"identity": "NK@example.com", "secret": "StrongEnoughPassword"}`, "")
			require.Equalf(t, http.StatusCreated, resp.status, "not expected code. Body: %s", resp.body)

			first := ts.login(t, "nk@EXAMPLE.com", "StrongEnoughPassword")

			resp = ts.do(t, http.MethodGet, "/api/v1/auth/me", "", first.AccessToken)
			require.Equal(t, http.StatusOK, resp.status)
			require.Contains(t, resp.body, `"identity":"nk@example.com"`)

			resp = ts.do(t, http.MethodPost, "/api/v1/auth/refresh", `{"refresh_token": "`+first.RefreshToken+`"}`, "")
			require.Equalf(t, http.StatusOK, resp.status, "not expected code. Body: %s", resp.body)
			var second tokenPairResponse
			require.NoError(t, json.Unmarshal([]byte(resp.body), &second))

			resp = ts.do(t, http.MethodPost, "/api/v1/auth/logout", `{"refresh_token": "`+second.RefreshToken+`"}`, "")
			require.Equal(t, http.StatusNoContent, resp.status)

			resp = ts.do(t, http.MethodPost, "/api/v1/auth/refresh", `{"refresh_token": "`+second.RefreshToken+`"}`, "")
			require.Equal(t, http.StatusUnauthorized, resp.status)
			require.Equal(t, http.StatusUnauthorized, ts.do(t, http.MethodGet, "/api/v1/auth/me", "", second.AccessToken).status)
		})
	})

	t.Run("replay revokes session", func(t *testing.T) {
		withTx(t, func(ts testServer) {
			resp := ts.do(t, http.MethodPost, "/api/v1/auth/register", `{"identity": "nk", "secret": "StrongEnoughPassword"}`, "")
			require.Equal(t, http.StatusCreated, resp.status)
			first := ts.login(t, "nk", "StrongEnoughPassword")

			resp = ts.do(t, http.MethodPost, "/api/v1/auth/refresh", `{"refresh_token": "`+first.RefreshToken+`"}`, "")
			require.Equal(t, http.StatusOK, resp.status)
			var second tokenPairResponse
			require.NoError(t, json.Unmarshal([]byte(resp.body), &second))

			resp = ts.do(t, http.MethodPost, "/api/v1/auth/refresh", `{"refresh_token": "`+first.RefreshToken+`"}`, "")
			require.Equal(t, http.StatusUnauthorized, resp.status)

			resp = ts.do(t, http.MethodPost, "/api/v1/auth/refresh", `{"refresh_token": "`+second.RefreshToken+`"}`, "")
			require.Equal(t, http.StatusUnauthorized, resp.status, "legitimate holder is logged out too")

			resp = ts.do(t, http.MethodGet, "/api/v1/auth/sessions", "", second.AccessToken)
			require.Equal(t, http.StatusUnauthorized, resp.status)
		})
	})
}
