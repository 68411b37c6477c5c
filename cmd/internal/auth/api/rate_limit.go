package authapi

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"chatrooms/cmd/internal/httpx"
)

type lockoutTier struct {
	Threshold int
	Duration  time.Duration
}

// evaluateWindowThrottle blocks once max failures fall inside window. retry is the time until
// the oldest in-window failure ages out.
func evaluateWindowThrottle(now time.Time, failures []time.Time, max int, window time.Duration) (bool, time.Duration) {
	if max <= 0 || window <= 0 {
		return false, 0
	}
	cut := now.Add(-window)
	count := 0
	var oldest time.Time
	for _, f := range failures {
		if !f.After(cut) {
			continue
		}
		count++
		if oldest.IsZero() || f.Before(oldest) {
			oldest = f
		}
	}
	if count < max {
		return false, 0
	}
	return true, oldest.Add(window).Sub(now)
}

// evaluateProgressiveLockout applies the first tier (highest threshold first) whose threshold is
// met and whose lockout, counted from the latest failure, has not yet elapsed.
func evaluateProgressiveLockout(now time.Time, failures []time.Time, tiers []lockoutTier) (bool, time.Duration) {
	if len(failures) == 0 {
		return false, 0
	}
	latest := failures[0]
	for _, f := range failures[1:] {
		if f.After(latest) {
			latest = f
		}
	}
	for _, tier := range tiers {
		if tier.Threshold <= 0 || len(failures) < tier.Threshold {
			continue
		}
		if until := latest.Add(tier.Duration); until.After(now) {
			return true, until.Sub(now)
		}
	}
	return false, 0
}

// loginLimiter remembers recent failed logins per client IP and per username.
// State is process-local; a restart clears it.
type loginLimiter struct {
	cfg Config

	mu     sync.Mutex
	byIP   map[string][]time.Time
	byUser map[string][]time.Time
}

func newLoginLimiter(cfg Config) *loginLimiter {
	return &loginLimiter{
		cfg:    cfg,
		byIP:   make(map[string][]time.Time),
		byUser: make(map[string][]time.Time),
	}
}

func (l *loginLimiter) lookback() time.Duration {
	d := l.cfg.LoginIPWindow
	for _, t := range l.cfg.lockoutTiers() {
		if t.Duration > d {
			d = t.Duration
		}
	}
	return d
}

// check reports whether a login for (ip, user) is currently blocked.
func (l *loginLimiter) check(ip net.IP, user string, now time.Time) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if ip != nil {
		if blocked, retry := evaluateWindowThrottle(now, l.byIP[ip.String()], l.cfg.LoginIPMax, l.cfg.LoginIPWindow); blocked {
			return true, retry
		}
	}
	if user != "" {
		if blocked, retry := evaluateProgressiveLockout(now, l.byUser[user], l.cfg.lockoutTiers()); blocked {
			return true, retry
		}
	}
	return false, 0
}

func (l *loginLimiter) recordFailure(ip net.IP, user string, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cut := now.Add(-l.lookback())
	if ip != nil {
		k := ip.String()
		l.byIP[k] = append(prune(l.byIP[k], cut), now)
	}
	if user != "" {
		l.byUser[user] = append(prune(l.byUser[user], cut), now)
	}
}

func (l *loginLimiter) recordSuccess(user string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.byUser, user)
}

func prune(in []time.Time, cut time.Time) []time.Time {
	out := in[:0]
	for _, t := range in {
		if t.After(cut) {
			out = append(out, t)
		}
	}
	return out
}

func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	if retryAfter > 0 {
		secs := int64(retryAfter.Round(time.Second) / time.Second)
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	}
	httpx.WriteError(w, http.StatusTooManyRequests, "rate_limited", "too many attempts")
}
