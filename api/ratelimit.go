package api

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/jmcleod/backoffice/internal/clock"
)

// attemptRecord is the failure history for one key.
type attemptRecord struct {
	failures    int
	lastFailure time.Time
	lockedUntil time.Time
}

// backoffLimiter locks a key out after maxFailures consecutive failures,
// doubling the lockout per further failure up to maxLockout.
type backoffLimiter struct {
	clock       clock.Clock
	maxFailures int
	baseLockout time.Duration
	maxLockout  time.Duration

	mu       sync.Mutex
	attempts map[string]*attemptRecord
}

const (
	// maxFailures is the number of consecutive failures per email before
	// lockout begins.
	maxFailures = 5
	baseLockout = 1 * time.Minute
	maxLockout  = 15 * time.Minute

	ipMaxFailures = 20
	ipBaseLockout = 1 * time.Minute
	ipMaxLockout  = 30 * time.Minute

	// attemptExpiry is how long after the last failure a record is kept.
	attemptExpiry = 1 * time.Hour
)

func newBackoffLimiter(clk clock.Clock, failures int, base, ceiling time.Duration) *backoffLimiter {
	return &backoffLimiter{
		clock:       clk,
		maxFailures: failures,
		baseLockout: base,
		maxLockout:  ceiling,
		attempts:    make(map[string]*attemptRecord),
	}
}

// check reports whether key is locked out and for how long.
func (rl *backoffLimiter) check(key string) (blocked bool, retryAfter time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rec, ok := rl.attempts[key]
	if !ok {
		return false, 0
	}
	now := rl.clock.Now()
	if now.Sub(rec.lastFailure) > attemptExpiry {
		delete(rl.attempts, key)
		return false, 0
	}
	if now.Before(rec.lockedUntil) {
		return true, rec.lockedUntil.Sub(now)
	}
	return false, 0
}

func (rl *backoffLimiter) recordFailure(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rec, ok := rl.attempts[key]
	if !ok {
		rec = &attemptRecord{}
		rl.attempts[key] = rec
	}
	now := rl.clock.Now()
	rec.failures++
	rec.lastFailure = now

	if rec.failures >= rl.maxFailures {
		// baseLockout * 2^(failures - maxFailures), capped.
		lockout := rl.baseLockout
		for i := 0; i < rec.failures-rl.maxFailures; i++ {
			lockout *= 2
			if lockout >= rl.maxLockout {
				lockout = rl.maxLockout
				break
			}
		}
		rec.lockedUntil = now.Add(lockout)
	}
}

func (rl *backoffLimiter) recordSuccess(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.attempts, key)
}

// sweep removes expired records.
func (rl *backoffLimiter) sweep() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.clock.Now()
	for key, rec := range rl.attempts {
		if now.Sub(rec.lastFailure) > attemptExpiry {
			delete(rl.attempts, key)
		}
	}
}

// loginRateLimiter tracks failed logins per normalized email.
type loginRateLimiter struct{ *backoffLimiter }

func newLoginRateLimiter(clk clock.Clock) *loginRateLimiter {
	return &loginRateLimiter{newBackoffLimiter(clk, maxFailures, baseLockout, maxLockout)}
}

// ipRateLimiter tracks failed logins per source IP.
type ipRateLimiter struct{ *backoffLimiter }

func newIPRateLimiter(clk clock.Clock) *ipRateLimiter {
	return &ipRateLimiter{newBackoffLimiter(clk, ipMaxFailures, ipBaseLockout, ipMaxLockout)}
}

const (
	globalWindow      = 1 * time.Minute
	globalMaxFailures = 100
	globalLockout     = 5 * time.Minute
)

// globalRateLimiter tracks failed logins across all accounts in a sliding
// window.
type globalRateLimiter struct {
	clock clock.Clock

	mu          sync.Mutex
	failures    []time.Time
	lockedUntil time.Time
}

func newGlobalRateLimiter(clk clock.Clock) *globalRateLimiter {
	return &globalRateLimiter{clock: clk}
}

func (rl *globalRateLimiter) check() (blocked bool, retryAfter time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.clock.Now()
	if now.Before(rl.lockedUntil) {
		return true, rl.lockedUntil.Sub(now)
	}
	return false, 0
}

func (rl *globalRateLimiter) recordFailure() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	rl.failures = trimWindow(append(rl.failures, now), now, globalWindow)
	if len(rl.failures) >= globalMaxFailures {
		rl.lockedUntil = now.Add(globalLockout)
	}
}

const (
	// activityRate is the sustained rate of activity reports accepted per
	// session. The SPA sends at most one per second.
	activityRate  = rate.Limit(2)
	activityBurst = 5
)

// activityLimiter throttles activity reports per session token.
type activityLimiter struct {
	clock clock.Clock

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newActivityLimiter(clk clock.Clock) *activityLimiter {
	return &activityLimiter{clock: clk, limiters: make(map[string]*rate.Limiter)}
}

func (al *activityLimiter) allow(token string) bool {
	al.mu.Lock()
	lim, ok := al.limiters[token]
	if !ok {
		lim = rate.NewLimiter(activityRate, activityBurst)
		al.limiters[token] = lim
	}
	al.mu.Unlock()
	return lim.AllowN(al.clock.Now(), 1)
}

func (al *activityLimiter) forget(token string) {
	al.mu.Lock()
	defer al.mu.Unlock()
	delete(al.limiters, token)
}

// writeRateLimited sends a 429 Too Many Requests response.
func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration, msg string) {
	w.Header().Set("Retry-After", retryAfterString(retryAfter))
	writeError(w, http.StatusTooManyRequests, msg)
}

func retryAfterString(d time.Duration) string {
	secs := int(d.Seconds())
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

// ParseTrustedProxies parses CIDR ranges for WithTrustedProxies. A bare
// IP is treated as a single-host range.
func ParseTrustedProxies(cidrs []string) ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(cidrs))
	for _, raw := range cidrs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if !strings.Contains(raw, "/") {
			addr, err := netip.ParseAddr(raw)
			if err != nil {
				return nil, fmt.Errorf("invalid trusted proxy %q: %w", raw, err)
			}
			prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		prefix, err := netip.ParsePrefix(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", raw, err)
		}
		prefixes = append(prefixes, prefix.Masked())
	}
	return prefixes, nil
}

// clientIP returns the client IP for rate limiting using the API's
// trusted proxies.
func (a *API) clientIP(r *http.Request) string {
	return extractClientIP(r, a.trustedProxies)
}

// extractClientIP returns the best-effort client IP address.
//
// Proxy headers (X-Forwarded-For, Forwarded, X-Real-IP) are only honoured
// when RemoteAddr falls within one of trustedProxies. With no trusted
// proxies RemoteAddr is always used.
func extractClientIP(r *http.Request, trustedProxies []netip.Prefix) string {
	remoteIP, _ := parseIPCandidate(r.RemoteAddr)

	proxyTrusted := false
	if len(trustedProxies) > 0 && remoteIP != "" {
		if addr, err := netip.ParseAddr(remoteIP); err == nil {
			for _, prefix := range trustedProxies {
				if prefix.Contains(addr) {
					proxyTrusted = true
					break
				}
			}
		}
	}

	if proxyTrusted {
		if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
			for _, part := range strings.Split(xff, ",") {
				if ip, ok := parseIPCandidate(part); ok {
					return ip
				}
			}
		}
		if fwd := strings.TrimSpace(r.Header.Get("Forwarded")); fwd != "" {
			for _, elem := range strings.Split(fwd, ",") {
				for _, param := range strings.Split(elem, ";") {
					param = strings.TrimSpace(param)
					if !strings.HasPrefix(strings.ToLower(param), "for=") {
						continue
					}
					if ip, ok := parseIPCandidate(param[4:]); ok {
						return ip
					}
				}
			}
		}
		if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
			if ip, ok := parseIPCandidate(xrip); ok {
				return ip
			}
		}
	}
	return remoteIP
}

func parseIPCandidate(raw string) (string, bool) {
	s := strings.Trim(strings.TrimSpace(raw), "\"")
	if s == "" {
		return "", false
	}
	// RFC 7239 quoted IPv6 may appear as [::1]:1234.
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	s = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
	if i := strings.IndexByte(s, '%'); i >= 0 {
		s = s[:i]
	}
	if addr, err := netip.ParseAddr(s); err == nil {
		return addr.String(), true
	}
	return "", false
}
