package lockout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nkiryanov/authkeeper/internal/apperrors"
	"github.com/nkiryanov/authkeeper/internal/models"
	"github.com/nkiryanov/authkeeper/internal/testutil"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Both stores must behave the same, so every case runs against each
func stores(t *testing.T) map[string]func() Store {
	return map[string]func() Store{
		"memory": func() Store {
			return NewMemoryStore()
		},
		"redis": func() Store {
			return NewRedisStore(testutil.StartRedis(t).Client, "lockout:")
		},
	}
}

func newGuard(t *testing.T, store Store, policy Policy) (*Guard, *clock) {
	clk := &clock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
	g, err := NewGuard(store, policy, WithClock(clk.Now))
	require.NoError(t, err)
	return g, clk
}

func Test_Guard(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	policy := DefaultPolicy

	for name, newStore := range stores(t) {
		t.Run(name, func(t *testing.T) {
			t.Run("clear -> warning -> locked", func(t *testing.T) {
				g, _ := newGuard(t, newStore(), policy)

				st, err := g.State(ctx, "alice", "10.0.0.1")
				require.NoError(t, err)
				require.Equal(t, StateClear, st)

				for i := 1; i < policy.Threshold; i++ {
					res, err := g.RecordFailure(ctx, "alice", "10.0.0.1")
					require.NoError(t, err)
					require.Equal(t, StateWarning, res.State)
					require.Equal(t, i, res.Failures)
					require.False(t, res.Triggered)
					require.NoError(t, g.Check(ctx, "alice", "10.0.0.1"))
				}

				res, err := g.RecordFailure(ctx, "alice", "10.0.0.1")
				require.NoError(t, err)
				require.Equal(t, StateLocked, res.State)
				require.True(t, res.Triggered)
				require.Equal(t, "identity", res.Scope)

				err = g.Check(ctx, "alice", "10.0.0.1")
				require.ErrorIs(t, err, apperrors.ErrAccountLocked)

				var locked *apperrors.LockedError
				require.ErrorAs(t, err, &locked)
				require.Equal(t, res.LockedUntil.UnixMilli(), locked.Until.UnixMilli())
			})

			t.Run("lock ends after backoff", func(t *testing.T) {
				g, clk := newGuard(t, newStore(), policy)

				for range policy.Threshold {
					_, err := g.RecordFailure(ctx, "bob", "10.0.0.1")
					require.NoError(t, err)
				}
				require.Error(t, g.Check(ctx, "bob", "10.0.0.1"))

				clk.Advance(policy.BaseLockout - time.Second)
				require.Error(t, g.Check(ctx, "bob", "10.0.0.1"))

				clk.Advance(time.Second)
				require.NoError(t, g.Check(ctx, "bob", "10.0.0.1"))
			})

			t.Run("repeated lockouts back off exponentially", func(t *testing.T) {
				g, clk := newGuard(t, newStore(), policy)

				lockOnce := func() Result {
					var res Result
					for range policy.Threshold {
						var err error
						res, err = g.RecordFailure(ctx, "carol", "10.0.0.1")
						require.NoError(t, err)
					}
					require.True(t, res.Triggered)
					return res
				}

				res := lockOnce()
				require.Equal(t, time.Minute, res.LockedUntil.Sub(clk.Now()))

				clk.Advance(time.Minute)
				res = lockOnce()
				require.Equal(t, 2*time.Minute, res.LockedUntil.Sub(clk.Now()))

				clk.Advance(2 * time.Minute)
				res = lockOnce()
				require.Equal(t, 4*time.Minute, res.LockedUntil.Sub(clk.Now()))
			})

			t.Run("window resets counter", func(t *testing.T) {
				g, clk := newGuard(t, newStore(), policy)

				for range policy.Threshold - 1 {
					_, err := g.RecordFailure(ctx, "dave", "10.0.0.1")
					require.NoError(t, err)
				}

				clk.Advance(policy.Window)

				st, err := g.State(ctx, "dave", "10.0.0.1")
				require.NoError(t, err)
				require.Equal(t, StateClear, st)

				res, err := g.RecordFailure(ctx, "dave", "10.0.0.1")
				require.NoError(t, err)
				require.Equal(t, 1, res.Failures)
			})

			t.Run("success resets identity key", func(t *testing.T) {
				g, _ := newGuard(t, newStore(), policy)

				for range policy.Threshold - 1 {
					_, err := g.RecordFailure(ctx, "erin", "10.0.0.1")
					require.NoError(t, err)
				}
				require.NoError(t, g.RecordSuccess(ctx, "erin", "10.0.0.1"))

				res, err := g.RecordFailure(ctx, "erin", "10.0.0.1")
				require.NoError(t, err)
				require.Equal(t, 1, res.Failures)
			})

			t.Run("identity is case insensitive", func(t *testing.T) {
				g, _ := newGuard(t, newStore(), policy)

				for range policy.Threshold {
					_, err := g.RecordFailure(ctx, "Frank", "10.0.0.1")
					require.NoError(t, err)
				}

				require.ErrorIs(t, g.Check(ctx, "frank", "10.0.0.1"), apperrors.ErrAccountLocked)
				require.ErrorIs(t, g.Check(ctx, "FRANK ", "10.0.0.1"), apperrors.ErrAccountLocked)
			})

			t.Run("other source is not locked", func(t *testing.T) {
				g, _ := newGuard(t, newStore(), policy)

				for range policy.Threshold {
					_, err := g.RecordFailure(ctx, "grace", "10.0.0.1")
					require.NoError(t, err)
				}

				require.Error(t, g.Check(ctx, "grace", "10.0.0.1"))
				require.NoError(t, g.Check(ctx, "grace", "10.0.0.2"))
				require.NoError(t, g.Check(ctx, "heidi", "10.0.0.1"))
			})

			t.Run("source key locks every identity from the bucket", func(t *testing.T) {
				p := policy
				p.SourceThreshold = 3
				g, _ := newGuard(t, newStore(), p)

				var res Result
				for _, identity := range []string{"u1", "u2", "u3"} {
					var err error
					res, err = g.RecordFailure(ctx, identity, "2001:db8::1")
					require.NoError(t, err)
				}
				require.True(t, res.Triggered)
				require.Equal(t, "source", res.Scope)
				require.Equal(t, StateLocked, res.State)

				// Same /64
				require.ErrorIs(t, g.Check(ctx, "u4", "2001:db8::ffff"), apperrors.ErrAccountLocked)
				require.NoError(t, g.Check(ctx, "u4", "2001:db9::1"))
			})
		})
	}
}

func Test_Guard_Concurrent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	policy := DefaultPolicy
	policy.Threshold = 1000
	policy.SourceThreshold = 0

	for name, newStore := range stores(t) {
		t.Run(name, func(t *testing.T) {
			g, _ := newGuard(t, newStore(), policy)

			const workers = 20
			const perWorker = 10

			var wg sync.WaitGroup
			for range workers {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for range perWorker {
						_, err := g.RecordFailure(ctx, "alice", "10.0.0.1")
						assert.NoError(t, err)
					}
				}()
			}
			wg.Wait()

			res, err := g.RecordFailure(ctx, "alice", "10.0.0.1")
			require.NoError(t, err)
			require.Equal(t, workers*perWorker+1, res.Failures, "no failure may be lost")
		})
	}
}

type brokenStore struct{}

var errBroken = errors.New("connection refused")

func (brokenStore) Get(context.Context, string, time.Time) (models.AttemptCounter, error) {
	return models.AttemptCounter{}, errBroken
}

func (brokenStore) RecordFailures(context.Context, time.Time, Policy, ...Failure) ([]models.AttemptCounter, error) {
	return nil, errBroken
}

func (brokenStore) Reset(context.Context, string) error {
	return errBroken
}

func Test_Guard_FailClosed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	g, _ := newGuard(t, brokenStore{}, DefaultPolicy)

	err := g.Check(ctx, "alice", "10.0.0.1")
	require.ErrorIs(t, err, apperrors.ErrStoreUnavailable)
	require.ErrorIs(t, err, errBroken)
	require.NotErrorIs(t, err, apperrors.ErrInvalidCredentials)

	_, err = g.RecordFailure(ctx, "alice", "10.0.0.1")
	require.ErrorIs(t, err, apperrors.ErrStoreUnavailable)

	require.ErrorIs(t, g.RecordSuccess(ctx, "alice", "10.0.0.1"), apperrors.ErrStoreUnavailable)
}

func Test_Guard_RedisDown(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })

	g, _ := newGuard(t, NewRedisStore(client, ""), DefaultPolicy)
	require.NoError(t, g.Check(context.Background(), "alice", "10.0.0.1"))

	mr.Close()

	err := g.Check(context.Background(), "alice", "10.0.0.1")
	require.ErrorIs(t, err, apperrors.ErrStoreUnavailable)
}

func Test_Guard_RecordFailureAllOrNothing(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	policy := DefaultPolicy
	bucket := policy.Bucket("10.0.0.1")

	t.Run("source key failure leaves identity uncounted", func(t *testing.T) {
		rs := testutil.StartRedis(t)
		store := NewRedisStore(rs.Client, "lockout:")
		g, _ := newGuard(t, store, policy)

		// A source key of the wrong type makes the script fail on its second key
		require.NoError(t, rs.Server.Set("lockout:"+sourceKey(bucket), "garbage"))

		_, err := g.RecordFailure(ctx, "alice", "10.0.0.1")
		require.ErrorIs(t, err, apperrors.ErrStoreUnavailable)

		require.False(t, rs.Server.Exists("lockout:"+identityKey("alice", bucket)), "identity must not be counted alone")
		state, err := g.State(ctx, "alice", "10.0.0.1")
		require.NoError(t, err)
		require.Equal(t, StateClear, state)

		rs.Server.Del("lockout:" + sourceKey(bucket))
		res, err := g.RecordFailure(ctx, "alice", "10.0.0.1")
		require.NoError(t, err)
		require.Equal(t, 1, res.Failures, "the failed call left nothing behind")
	})

	for name, newStore := range stores(t) {
		t.Run(name, func(t *testing.T) {
			store := newStore()
			g, clk := newGuard(t, store, policy)

			const workers = 10
			const perWorker = 4

			var wg sync.WaitGroup
			for w := range workers {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for range perWorker {
						_, err := g.RecordFailure(ctx, fmt.Sprintf("user-%d", w), "10.0.0.1")
						assert.NoError(t, err)
					}
				}()
			}
			wg.Wait()

			now := clk.Now()
			total := 0
			for w := range workers {
				c, err := store.Get(ctx, identityKey(fmt.Sprintf("user-%d", w), bucket), now)
				require.NoError(t, err)
				total += c.Failures
			}
			src, err := store.Get(ctx, sourceKey(bucket), now)
			require.NoError(t, err)
			require.Equal(t, workers*perWorker, total)
			require.Equal(t, total, src.Failures, "source and identity counters move together")

			// Cancelled call counts nothing on either key
			cctx, cancel := context.WithCancel(ctx)
			cancel()
			_, err = g.RecordFailure(cctx, "user-0", "10.0.0.1")
			require.ErrorIs(t, err, apperrors.ErrStoreUnavailable)

			src, err = store.Get(ctx, sourceKey(bucket), now)
			require.NoError(t, err)
			require.Equal(t, workers*perWorker, src.Failures)
		})
	}
}

func Test_MemoryStore_Sweep(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	_, err := s.RecordFailures(ctx, now, DefaultPolicy, Failure{Key: "a", Threshold: 5})
	require.NoError(t, err)
	_, err = s.RecordFailures(ctx, now.Add(10*time.Minute), DefaultPolicy, Failure{Key: "b", Threshold: 5})
	require.NoError(t, err)
	require.Equal(t, 2, s.Len())

	removed := s.Sweep(now.Add(DefaultPolicy.Window))
	require.Equal(t, 1, removed)
	require.Equal(t, 1, s.Len())
}

func Test_RedisStore_TTL(t *testing.T) {
	t.Parallel()

	rs := testutil.StartRedis(t)
	mr := rs.Server

	s := NewRedisStore(rs.Client, "lockout:")
	_, err := s.RecordFailures(context.Background(), time.Now(), DefaultPolicy, Failure{Key: "k", Threshold: 5})
	require.NoError(t, err)

	require.True(t, mr.Exists("lockout:k"))
	require.Equal(t, DefaultPolicy.Window, mr.TTL("lockout:k"))

	mr.FastForward(DefaultPolicy.Window)
	require.False(t, mr.Exists("lockout:k"))
}
