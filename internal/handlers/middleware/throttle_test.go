package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestThrottler(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	newThrottled := func() (*Throttler, http.Handler) {
		th := NewThrottler(1, 3)
		th.now = func() time.Time { return now }

		ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		})
		return th, SourceMiddleware(true)(th.Middleware(ok))
	}

	call := func(h http.Handler, source string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/login", nil)
		req.Header.Set("X-Forwarded-For", source)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	t.Run("burst then 429", func(t *testing.T) {
		_, h := newThrottled()

		for i := range 3 {
			require.Equal(t, http.StatusNoContent, call(h, "10.0.0.1").Code, "request %d within burst", i+1)
		}

		rec := call(h, "10.0.0.1")
		require.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.Equal(t, "1", rec.Header().Get("Retry-After"))

		require.Equal(t, http.StatusNoContent, call(h, "10.0.0.2").Code, "other clients have own budget")
	})

	t.Run("tokens refill", func(t *testing.T) {
		_, h := newThrottled()

		for range 4 {
			call(h, "10.0.0.1")
		}
		now = now.Add(time.Second)

		require.Equal(t, http.StatusNoContent, call(h, "10.0.0.1").Code)
	})

	t.Run("sweep idle clients", func(t *testing.T) {
		th, h := newThrottled()

		call(h, "10.0.0.1")
		call(h, "10.0.0.2")
		now = now.Add(time.Hour)
		call(h, "10.0.0.2")

		require.Equal(t, 1, th.Sweep(10*time.Minute))
		require.Len(t, th.clients, 1)
	})
}

func TestClientAddr(t *testing.T) {
	tests := []struct {
		name       string
		trustProxy bool
		headers    map[string]string
		want       string
	}{
		{"remote addr", false, nil, "192.0.2.1"},
		{"forwarded header ignored without trust", false, map[string]string{"X-Forwarded-For": "203.0.113.9"}, "192.0.2.1"},
		{"first forwarded hop", true, map[string]string{"X-Forwarded-For": "203.0.113.9, 10.0.0.1"}, "203.0.113.9"},
		{"real ip", true, map[string]string{"X-Real-IP": "2001:db8::1"}, "2001:db8::1"},
		{"trusted without headers", true, nil, "192.0.2.1"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = "192.0.2.1:41000"
			for k, v := range tc.headers {
				req.Header.Set(k, v)
			}

			assert.Equal(t, tc.want, clientAddr(req, tc.trustProxy))
		})
	}
}
