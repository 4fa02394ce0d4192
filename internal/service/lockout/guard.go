package lockout

import (
	"context"
	"fmt"
	"time"

	"github.com/nkiryanov/authkeeper/internal/apperrors"
	"github.com/nkiryanov/authkeeper/internal/models"
)

// Failure is one counter bump with the threshold of its key
type Failure struct {
	Key       string
	Threshold int
}

// Store keeps attempt counters.
// RecordFailures must be atomic as a whole: either every key is counted or none is.
// Counters are returned in the order of failures
type Store interface {
	Get(ctx context.Context, key string, now time.Time) (models.AttemptCounter, error)
	RecordFailures(ctx context.Context, now time.Time, p Policy, failures ...Failure) ([]models.AttemptCounter, error)
	Reset(ctx context.Context, key string) error
}

type State int

const (
	StateClear State = iota
	StateWarning
	StateLocked
)

func (s State) String() string {
	switch s {
	case StateClear:
		return "clear"
	case StateWarning:
		return "warning"
	case StateLocked:
		return "locked"
	}
	return "unknown"
}

func stateOf(c models.AttemptCounter, now time.Time) State {
	switch {
	case c.Expired(now):
		return StateClear
	case c.Locked(now):
		return StateLocked
	case c.Failures > 0:
		return StateWarning
	}
	return StateClear
}

// Outcome of one recorded failure
type Result struct {
	State       State
	Failures    int
	LockedUntil time.Time

	// True when this very failure moved a key into Locked.
	// A recorded failure leaves Failures at zero only when it triggers a lockout
	Triggered bool

	// Which key triggered: "identity" or "source"
	Scope string
}

type Guard struct {
	store  Store
	policy Policy
	now    func() time.Time
}

type Option func(*Guard)

// WithClock replaces time.Now, used in tests
func WithClock(now func() time.Time) Option {
	return func(g *Guard) {
		g.now = now
	}
}

func NewGuard(store Store, policy Policy, opts ...Option) (*Guard, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	g := &Guard{
		store:  store,
		policy: policy,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}

	return g, nil
}

func (g *Guard) Policy() Policy {
	return g.policy
}

// Check rejects the attempt if either key is locked
// Returns *apperrors.LockedError or an error wrapping ErrStoreUnavailable
func (g *Guard) Check(ctx context.Context, identity string, source string) error {
	now := g.now()
	bucket := g.policy.Bucket(source)

	keys := []string{identityKey(identity, bucket)}
	if g.policy.SourceThreshold > 0 {
		keys = append(keys, sourceKey(bucket))
	}

	var until time.Time
	for _, key := range keys {
		c, err := g.store.Get(ctx, key, now)
		if err != nil {
			return fmt.Errorf("%w: lockout check: %w", apperrors.ErrStoreUnavailable, err)
		}
		if stateOf(c, now) == StateLocked && c.LockedUntil.After(until) {
			until = c.LockedUntil
		}
	}

	if !until.IsZero() {
		return &apperrors.LockedError{Until: until}
	}
	return nil
}

// State reports the identity key state without changing it
func (g *Guard) State(ctx context.Context, identity string, source string) (State, error) {
	now := g.now()
	c, err := g.store.Get(ctx, identityKey(identity, g.policy.Bucket(source)), now)
	if err != nil {
		return StateClear, fmt.Errorf("%w: lockout state: %w", apperrors.ErrStoreUnavailable, err)
	}
	return stateOf(c, now), nil
}

// RecordFailure counts one failed verification for identity and source keys.
// Both keys are updated in one store call, an error means neither was counted
func (g *Guard) RecordFailure(ctx context.Context, identity string, source string) (Result, error) {
	now := g.now()
	bucket := g.policy.Bucket(source)

	failures := []Failure{{Key: identityKey(identity, bucket), Threshold: g.policy.Threshold}}
	if g.policy.SourceThreshold > 0 {
		failures = append(failures, Failure{Key: sourceKey(bucket), Threshold: g.policy.SourceThreshold})
	}

	counters, err := g.store.RecordFailures(ctx, now, g.policy, failures...)
	if err != nil {
		return Result{}, fmt.Errorf("%w: lockout record: %w", apperrors.ErrStoreUnavailable, err)
	}
	if len(counters) != len(failures) {
		return Result{}, fmt.Errorf("%w: lockout record: %d counters for %d keys", apperrors.ErrStoreUnavailable, len(counters), len(failures))
	}

	c := counters[0]
	res := Result{
		State:       stateOf(c, now),
		Failures:    c.Failures,
		LockedUntil: c.LockedUntil,
		Triggered:   c.Failures == 0,
		Scope:       "identity",
	}

	if len(counters) == 1 {
		return res, nil
	}

	sc := counters[1]
	sourceTriggered := sc.Failures == 0
	if sourceTriggered && !res.Triggered {
		res.Triggered = true
		res.Scope = "source"
	}
	if sc.LockedUntil.After(res.LockedUntil) && stateOf(sc, now) == StateLocked {
		res.State = StateLocked
		res.LockedUntil = sc.LockedUntil
	}

	return res, nil
}

// RecordSuccess resets the identity key. The source key only decays with the window
func (g *Guard) RecordSuccess(ctx context.Context, identity string, source string) error {
	if err := g.store.Reset(ctx, identityKey(identity, g.policy.Bucket(source))); err != nil {
		return fmt.Errorf("%w: lockout reset: %w", apperrors.ErrStoreUnavailable, err)
	}
	return nil
}
