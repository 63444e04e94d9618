// Package ratelimit implements the two independent quotas from spec §4.7:
// a sliding-window limit per client (IP/API-key) and a token-bucket quota
// per authenticated user. Both read their thresholds through
// config.GatewayConfig.RateLimit() on every check, so admin updates apply
// without a restart.
package ratelimit

import (
	"container/list"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/intelli-systems/agent-gateway/pkg/config"
)

// Limiter tracks per-client sliding windows and per-user token buckets.
type Limiter struct {
	cfg   *config.GatewayConfig
	clock func() time.Time

	mu      sync.Mutex
	windows map[string]*list.List // client key -> timestamps within the window
	buckets map[string]*rate.Limiter
}

// New builds a Limiter bound to cfg's live RateLimitConfig.
func New(cfg *config.GatewayConfig) *Limiter {
	return &Limiter{
		cfg:     cfg,
		clock:   time.Now,
		windows: make(map[string]*list.List),
		buckets: make(map[string]*rate.Limiter),
	}
}

// AllowClient applies the sliding-window check for clientKey (spec §4.7's
// "N requests per window, M burst"), pruning entries older than the window
// on every call per original_source's test_rate_limit.py semantics.
func (l *Limiter) AllowClient(clientKey string) (allowed bool, retryAfter time.Duration) {
	rl := l.cfg.RateLimit()
	if !rl.Enabled {
		return true, 0
	}

	now := l.clock()
	window := time.Duration(rl.ClientWindowSecs) * time.Second
	cutoff := now.Add(-window)

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[clientKey]
	if !ok {
		w = list.New()
		l.windows[clientKey] = w
	}
	for e := w.Front(); e != nil; {
		next := e.Next()
		if e.Value.(time.Time).Before(cutoff) {
			w.Remove(e)
		}
		e = next
	}

	limit := rl.ClientMaxRequests + rl.ClientBurst
	if w.Len() >= limit {
		oldest := w.Front().Value.(time.Time)
		return false, oldest.Add(window).Sub(now)
	}

	w.PushBack(now)
	return true, 0
}

// AllowUser applies the per-user token-bucket quota (spec §4.7), backed by
// golang.org/x/time/rate — already a direct teacher dependency — rather
// than a hand-rolled bucket.
func (l *Limiter) AllowUser(userKey string) (allowed bool, retryAfter time.Duration) {
	rl := l.cfg.RateLimit()
	if !rl.Enabled {
		return true, 0
	}

	l.mu.Lock()
	b, ok := l.buckets[userKey]
	if !ok {
		ratePerSec := float64(rl.UserMaxRequests) / float64(rl.UserWindowSecs)
		b = rate.NewLimiter(rate.Limit(ratePerSec), rl.UserMaxRequests)
		l.buckets[userKey] = b
	}
	l.mu.Unlock()

	res := b.ReserveN(l.clock(), 1)
	if !res.OK() {
		return false, 0
	}
	delay := res.DelayFrom(l.clock())
	if delay > 0 {
		res.Cancel()
		return false, delay
	}
	return true, 0
}

// ResetClient clears a single client's sliding window.
func (l *Limiter) ResetClient(clientKey string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.windows, clientKey)
}

// ResetUser clears a single user's token bucket.
func (l *Limiter) ResetUser(userKey string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, userKey)
}

// ResetAll clears every tracked client and user, per spec §4.7's admin
// "reset quotas" operation.
func (l *Limiter) ResetAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.windows = make(map[string]*list.List)
	l.buckets = make(map[string]*rate.Limiter)
}
