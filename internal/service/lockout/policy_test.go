package lockout

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func Test_Policy_Backoff(t *testing.T) {
	t.Parallel()

	p := DefaultPolicy

	require.Equal(t, time.Minute, p.Backoff(1))
	require.Equal(t, 2*time.Minute, p.Backoff(2))
	require.Equal(t, 32*time.Minute, p.Backoff(6))
	require.Equal(t, time.Hour, p.Backoff(7))
	require.Equal(t, time.Hour, p.Backoff(1000), "must not overflow")
}

func Test_Policy_Bucket(t *testing.T) {
	t.Parallel()

	p := DefaultPolicy

	tests := []struct {
		source string
		want   string
	}{
		{"10.0.0.1", "10.0.0.1/32"},
		{"10.0.0.1:5555", "10.0.0.1/32"},
		{"::ffff:10.0.0.1", "10.0.0.1/32"},
		{"2001:db8::1", "2001:db8::/64"},
		{"[2001:db8:0:0:abcd::1]:443", "2001:db8::/64"},
		{"", "unknown"},
		{"not an ip", "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.source, func(t *testing.T) {
			require.Equal(t, tt.want, p.Bucket(tt.source))
		})
	}

	t.Run("coarser ipv4 prefix", func(t *testing.T) {
		p := DefaultPolicy
		p.IPv4PrefixBits = 24
		require.Equal(t, "10.0.0.0/24", p.Bucket("10.0.0.77"))
	})
}

func Test_Policy_Validate(t *testing.T) {
	t.Parallel()

	require.NoError(t, DefaultPolicy.Validate())

	for name, mutate := range map[string]func(p *Policy){
		"threshold":   func(p *Policy) { p.Threshold = 0 },
		"source":      func(p *Policy) { p.SourceThreshold = -1 },
		"window":      func(p *Policy) { p.Window = 0 },
		"base":        func(p *Policy) { p.BaseLockout = 0 },
		"max < base":  func(p *Policy) { p.MaxLockout = time.Second },
		"ipv4 prefix": func(p *Policy) { p.IPv4PrefixBits = 33 },
		"ipv6 prefix": func(p *Policy) { p.IPv6PrefixBits = 0 },
	} {
		t.Run(name, func(t *testing.T) {
			p := DefaultPolicy
			mutate(&p)
			require.Error(t, p.Validate())
		})
	}
}
