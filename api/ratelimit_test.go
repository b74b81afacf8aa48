package api

import (
	"net/http"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/backoffice/internal/clock"
)

func testClock() *clock.FakeClock {
	return clock.Fake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
}

func TestRateLimiter_AllowsBeforeThreshold(t *testing.T) {
	rl := newLoginRateLimiter(testClock())

	for i := 0; i < maxFailures-1; i++ {
		rl.recordFailure("agent@example.com")
		blocked, _ := rl.check("agent@example.com")
		assert.False(t, blocked, "should not block before reaching maxFailures")
	}
}

func TestRateLimiter_BlocksAfterThreshold(t *testing.T) {
	fake := testClock()
	rl := newLoginRateLimiter(fake)

	for i := 0; i < maxFailures; i++ {
		rl.recordFailure("agent@example.com")
	}

	blocked, retryAfter := rl.check("agent@example.com")
	require.True(t, blocked, "should block after maxFailures")
	assert.Equal(t, baseLockout, retryAfter)

	fake.Advance(baseLockout)
	blocked, _ = rl.check("agent@example.com")
	assert.False(t, blocked, "lockout should lapse")
}

func TestRateLimiter_ExponentialBackoff(t *testing.T) {
	rl := newLoginRateLimiter(testClock())

	for i := 0; i < maxFailures; i++ {
		rl.recordFailure("agent@example.com")
	}
	_, first := rl.check("agent@example.com")

	rl.recordFailure("agent@example.com")
	_, second := rl.check("agent@example.com")
	assert.Equal(t, 2*first, second, "lockout should double with each further failure")
}

func TestRateLimiter_SuccessResetsCounter(t *testing.T) {
	rl := newLoginRateLimiter(testClock())

	for i := 0; i < maxFailures; i++ {
		rl.recordFailure("agent@example.com")
	}
	blocked, _ := rl.check("agent@example.com")
	require.True(t, blocked)

	rl.recordSuccess("agent@example.com")

	blocked, _ = rl.check("agent@example.com")
	assert.False(t, blocked, "should not block after successful login")
}

func TestRateLimiter_IsolatesAccounts(t *testing.T) {
	rl := newLoginRateLimiter(testClock())

	for i := 0; i < maxFailures; i++ {
		rl.recordFailure("agent@example.com")
	}
	blocked, _ := rl.check("agent@example.com")
	require.True(t, blocked)

	blocked, _ = rl.check("owner@example.com")
	assert.False(t, blocked, "rate limit for one account should not affect another")
}

func TestRateLimiter_SweepRemovesExpired(t *testing.T) {
	fake := testClock()
	rl := newLoginRateLimiter(fake)

	rl.recordFailure("old@example.com")
	fake.Advance(attemptExpiry / 2)
	rl.recordFailure("recent@example.com")
	fake.Advance(attemptExpiry/2 + time.Second)

	rl.sweep()

	rl.mu.Lock()
	_, oldExists := rl.attempts["old@example.com"]
	_, recentExists := rl.attempts["recent@example.com"]
	rl.mu.Unlock()
	assert.False(t, oldExists, "sweep should remove expired records")
	assert.True(t, recentExists)
}

func TestRateLimiter_MaxLockoutCap(t *testing.T) {
	rl := newLoginRateLimiter(testClock())

	for i := 0; i < maxFailures+20; i++ {
		rl.recordFailure("agent@example.com")
	}

	_, retryAfter := rl.check("agent@example.com")
	assert.Equal(t, maxLockout, retryAfter)
}

func TestIPRateLimiter(t *testing.T) {
	rl := newIPRateLimiter(testClock())

	for i := 0; i < ipMaxFailures-1; i++ {
		rl.recordFailure("192.168.1.1")
	}
	blocked, _ := rl.check("192.168.1.1")
	require.False(t, blocked)

	rl.recordFailure("192.168.1.1")
	blocked, retryAfter := rl.check("192.168.1.1")
	require.True(t, blocked)
	assert.Equal(t, ipBaseLockout, retryAfter)

	blocked, _ = rl.check("192.168.1.2")
	assert.False(t, blocked, "other IPs should be unaffected")

	for i := 0; i < 30; i++ {
		rl.recordFailure("192.168.1.1")
	}
	_, retryAfter = rl.check("192.168.1.1")
	assert.Equal(t, ipMaxLockout, retryAfter)
}

func TestGlobalRateLimiter(t *testing.T) {
	fake := testClock()
	rl := newGlobalRateLimiter(fake)

	for i := 0; i < globalMaxFailures-1; i++ {
		rl.recordFailure()
	}
	blocked, _ := rl.check()
	require.False(t, blocked)

	rl.recordFailure()
	blocked, retryAfter := rl.check()
	require.True(t, blocked)
	assert.Equal(t, globalLockout, retryAfter)

	fake.Advance(globalLockout)
	blocked, _ = rl.check()
	assert.False(t, blocked)
}

func TestGlobalRateLimiter_SlidingWindowExpiry(t *testing.T) {
	fake := testClock()
	rl := newGlobalRateLimiter(fake)

	for i := 0; i < globalMaxFailures-1; i++ {
		rl.recordFailure()
	}
	// The earlier failures leave the window before the next one lands.
	fake.Advance(globalWindow + time.Second)
	rl.recordFailure()

	blocked, _ := rl.check()
	assert.False(t, blocked)
}

func TestActivityLimiter(t *testing.T) {
	fake := testClock()
	al := newActivityLimiter(fake)

	for i := 0; i < activityBurst; i++ {
		require.True(t, al.allow("token-1"), "burst %d", i)
	}
	assert.False(t, al.allow("token-1"))
	assert.True(t, al.allow("token-2"), "limits are per token")

	fake.Advance(time.Second)
	assert.True(t, al.allow("token-1"))

	al.forget("token-1")
	al.mu.Lock()
	_, ok := al.limiters["token-1"]
	al.mu.Unlock()
	assert.False(t, ok)
}

func TestRetryAfterString(t *testing.T) {
	assert.Equal(t, "1", retryAfterString(0))
	assert.Equal(t, "1", retryAfterString(300*time.Millisecond))
	assert.Equal(t, "90", retryAfterString(90*time.Second))
}

func TestExtractClientIP(t *testing.T) {
	trusted := []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}

	tests := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		trusted    []netip.Prefix
		want       string
	}{
		{
			name:       "remote ipv4",
			remoteAddr: "192.168.1.1:12345",
			want:       "192.168.1.1",
		},
		{
			name:       "remote ipv6",
			remoteAddr: "[::1]:8080",
			want:       "::1",
		},
		{
			name:       "headers ignored without trusted proxies",
			remoteAddr: "10.0.0.1:80",
			headers:    map[string]string{"X-Forwarded-For": "198.51.100.25"},
			want:       "10.0.0.1",
		},
		{
			name:       "trusted proxy honours xff",
			remoteAddr: "10.0.0.1:80",
			headers:    map[string]string{"X-Forwarded-For": "198.51.100.25, 203.0.113.9"},
			trusted:    trusted,
			want:       "198.51.100.25",
		},
		{
			name:       "xff skips invalid entries",
			remoteAddr: "10.0.0.1:80",
			headers:    map[string]string{"X-Forwarded-For": "unknown, not-an-ip, 203.0.113.7"},
			trusted:    trusted,
			want:       "203.0.113.7",
		},
		{
			name:       "forwarded fallback",
			remoteAddr: "10.0.0.1:80",
			headers:    map[string]string{"Forwarded": `for="[2001:db8::1]:4711";proto=https`},
			trusted:    trusted,
			want:       "2001:db8::1",
		},
		{
			name:       "x-real-ip fallback",
			remoteAddr: "10.0.0.1:80",
			headers:    map[string]string{"X-Real-IP": "203.0.113.11"},
			trusted:    trusted,
			want:       "203.0.113.11",
		},
		{
			name:       "untrusted peer cannot spoof",
			remoteAddr: "203.0.113.99:12345",
			headers: map[string]string{
				"X-Forwarded-For": "10.0.0.1",
				"Forwarded":       "for=10.0.0.2",
				"X-Real-IP":       "10.0.0.3",
			},
			trusted: trusted,
			want:    "203.0.113.99",
		},
		{
			name:       "empty when nothing parseable",
			remoteAddr: "not-a-hostport",
			want:       "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &http.Request{RemoteAddr: tt.remoteAddr, Header: make(http.Header)}
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, extractClientIP(r, tt.trusted))
		})
	}
}

func TestAPIClientIPUsesTrustedProxies(t *testing.T) {
	a := &API{trustedProxies: []netip.Prefix{netip.MustParsePrefix("10.0.0.1/32")}}

	r := &http.Request{
		RemoteAddr: "10.0.0.1:80",
		Header:     http.Header{"X-Forwarded-For": []string{"198.51.100.25"}},
	}
	assert.Equal(t, "198.51.100.25", a.clientIP(r))

	r.RemoteAddr = "10.0.0.2:80"
	assert.Equal(t, "10.0.0.2", a.clientIP(r), "adjacent IP is not trusted")
}

func TestParseTrustedProxies(t *testing.T) {
	tests := []struct {
		name    string
		in      []string
		want    []netip.Prefix
		wantErr bool
	}{
		{"cidrs", []string{"10.0.0.0/8", "172.16.0.0/12"}, []netip.Prefix{
			netip.MustParsePrefix("10.0.0.0/8"), netip.MustParsePrefix("172.16.0.0/12"),
		}, false},
		{"bare ipv4", []string{"10.0.0.1"}, []netip.Prefix{netip.MustParsePrefix("10.0.0.1/32")}, false},
		{"bare ipv6", []string{"::1"}, []netip.Prefix{netip.MustParsePrefix("::1/128")}, false},
		{"host bits masked", []string{"10.1.2.3/8"}, []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}, false},
		{"blank skipped", []string{" ", ""}, []netip.Prefix{}, false},
		{"invalid", []string{"10.0.0.0/8", "garbage"}, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTrustedProxies(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
