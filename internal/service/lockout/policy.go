package lockout

import (
	"errors"
	"net/netip"
	"strings"
	"time"

	"github.com/nkiryanov/authkeeper/internal/models"
)

type Policy struct {
	// Consecutive failures per (identity, source bucket) before a lockout
	Threshold int

	// Failures from one source bucket across all identities. Zero disables the source key
	SourceThreshold int

	// Counter record lifetime after the last failure or lockout end
	Window time.Duration

	// First lockout lasts BaseLockout, each next one doubles until MaxLockout
	BaseLockout time.Duration
	MaxLockout  time.Duration

	IPv4PrefixBits int
	IPv6PrefixBits int
}

var DefaultPolicy = Policy{
	Threshold:       5,
	SourceThreshold: 50,
	Window:          15 * time.Minute,
	BaseLockout:     time.Minute,
	MaxLockout:      time.Hour,
	IPv4PrefixBits:  32,
	IPv6PrefixBits:  64,
}

func (p Policy) Validate() error {
	switch {
	case p.Threshold < 1:
		return errors.New("lockout threshold must be >= 1")
	case p.SourceThreshold < 0:
		return errors.New("source threshold must be >= 0")
	case p.Window <= 0:
		return errors.New("lockout window must be positive")
	case p.BaseLockout <= 0 || p.MaxLockout < p.BaseLockout:
		return errors.New("lockout durations must satisfy 0 < base <= max")
	case p.IPv4PrefixBits < 1 || p.IPv4PrefixBits > 32:
		return errors.New("ipv4 prefix bits must be in [1, 32]")
	case p.IPv6PrefixBits < 1 || p.IPv6PrefixBits > 128:
		return errors.New("ipv6 prefix bits must be in [1, 128]")
	}
	return nil
}

// Backoff returns lockout duration for the n-th lockout event (1-based)
func (p Policy) Backoff(lockouts int) time.Duration {
	d := p.BaseLockout
	for i := 1; i < lockouts; i++ {
		d *= 2
		if d >= p.MaxLockout {
			return p.MaxLockout
		}
	}
	return min(d, p.MaxLockout)
}

// Bucket masks the source address to the configured prefix
// Addresses that do not parse share the "unknown" bucket
func (p Policy) Bucket(source string) string {
	addr, err := netip.ParseAddr(source)
	if err != nil {
		if ap, err := netip.ParseAddrPort(source); err == nil {
			addr = ap.Addr()
		} else {
			return "unknown"
		}
	}
	addr = addr.Unmap()

	bits := p.IPv6PrefixBits
	if addr.Is4() {
		bits = p.IPv4PrefixBits
	}

	prefix, err := addr.WithZone("").Prefix(bits)
	if err != nil {
		return "unknown"
	}
	return prefix.String()
}

// Both keys of one bucket carry the same {hash tag} so a redis cluster keeps them in one slot
func identityKey(identity string, bucket string) string {
	return "{" + bucket + "}id:" + strings.ToLower(strings.TrimSpace(identity))
}

func sourceKey(bucket string) string {
	return "{" + bucket + "}src"
}

// step applies one failed attempt to the counter
// Every Store must produce the same result for the same input
func step(c models.AttemptCounter, now time.Time, threshold int, p Policy) models.AttemptCounter {
	if c.Expired(now) {
		c = models.AttemptCounter{}
	}

	if c.Failures == 0 {
		c.FirstFailure = now
	}
	c.Failures++
	c.LastFailure = now

	if c.Failures >= threshold {
		c.Lockouts++
		c.LockedUntil = now.Add(p.Backoff(c.Lockouts))
		c.Failures = 0
	}

	c.ExpiresAt = c.LastFailure.Add(p.Window)
	if c.LockedUntil.After(c.LastFailure) {
		c.ExpiresAt = c.LockedUntil.Add(p.Window)
	}

	return c
}
