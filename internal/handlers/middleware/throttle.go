package middleware

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nkiryanov/authkeeper/internal/handlers/render"
	"github.com/nkiryanov/authkeeper/internal/handlers/userctx"
)

// Throttler limits request rate per client address
type Throttler struct {
	limit rate.Limit
	burst int
	now   func() time.Time

	mu      sync.Mutex
	clients map[string]*client
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewThrottler(rps float64, burst int) *Throttler {
	return &Throttler{
		limit:   rate.Limit(rps),
		burst:   burst,
		now:     time.Now,
		clients: make(map[string]*client),
	}
}

func (t *Throttler) allow(source string) (bool, time.Duration) {
	now := t.now()

	t.mu.Lock()
	c, ok := t.clients[source]
	if !ok {
		c = &client{limiter: rate.NewLimiter(t.limit, t.burst)}
		t.clients[source] = c
	}
	c.lastSeen = now
	t.mu.Unlock()

	r := c.limiter.ReserveN(now, 1)
	if !r.OK() {
		return false, time.Second
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// Sweep forgets clients idle longer than idle, returns how many were removed
func (t *Throttler) Sweep(idle time.Duration) int {
	cutoff := t.now().Add(-idle)

	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for source, c := range t.clients {
		if c.lastSeen.Before(cutoff) {
			delete(t.clients, source)
			removed++
		}
	}
	return removed
}

// Middleware answers 429 with Retry-After once the client runs out of tokens
// Requires SourceMiddleware earlier in the chain
func (t *Throttler) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ok, wait := t.allow(userctx.Source(r.Context()))
		if !ok {
			render.ServiceErrorRetryAfter(w, "Too many requests", http.StatusTooManyRequests, wait)
			return
		}
		next.ServeHTTP(w, r)
	})
}
