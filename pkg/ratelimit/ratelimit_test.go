package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/intelli-systems/agent-gateway/pkg/config"
)

func newTestLimiter(t *testing.T, rl config.RateLimitConfig) (*Limiter, *fakeClock) {
	t.Helper()
	cfg, err := config.Load()
	require.NoError(t, err)
	cfg.SetRateLimit(rl)

	l := New(cfg)
	fc := &fakeClock{now: time.Unix(0, 0)}
	l.clock = fc.Now
	return l, fc
}

type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time { return f.now }
func (f *fakeClock) advance(d time.Duration) { f.now = f.now.Add(d) }

func TestAllowClientWithinBurst(t *testing.T) {
	l, _ := newTestLimiter(t, config.RateLimitConfig{
		Enabled: true, ClientMaxRequests: 5, ClientWindowSecs: 60, ClientBurst: 5,
	})
	for i := 0; i < 10; i++ {
		ok, _ := l.AllowClient("client-a")
		require.True(t, ok, "request %d should be allowed within max+burst", i)
	}
	ok, retryAfter := l.AllowClient("client-a")
	require.False(t, ok)
	require.Greater(t, retryAfter, time.Duration(0))
}

func TestAllowClientWindowSlides(t *testing.T) {
	l, clock := newTestLimiter(t, config.RateLimitConfig{
		Enabled: true, ClientMaxRequests: 2, ClientWindowSecs: 10, ClientBurst: 2,
	})
	for i := 0; i < 4; i++ {
		ok, _ := l.AllowClient("client-b")
		require.True(t, ok, "request %d should be allowed within max+burst", i)
	}
	ok, _ := l.AllowClient("client-b")
	require.False(t, ok)

	clock.advance(11 * time.Second)
	ok, _ = l.AllowClient("client-b")
	require.True(t, ok, "old entries should have been pruned from the sliding window")
}

func TestAllowClientDisabledBypasses(t *testing.T) {
	l, _ := newTestLimiter(t, config.RateLimitConfig{Enabled: false})
	for i := 0; i < 1000; i++ {
		ok, _ := l.AllowClient("anyone")
		require.True(t, ok)
	}
}

func TestAllowUserQuota(t *testing.T) {
	l, _ := newTestLimiter(t, config.RateLimitConfig{
		Enabled: true, UserMaxRequests: 3, UserWindowSecs: 60,
	})
	for i := 0; i < 3; i++ {
		ok, _ := l.AllowUser("alice")
		require.True(t, ok, "request %d should be within the user's burst capacity", i)
	}
	ok, _ := l.AllowUser("alice")
	require.False(t, ok)
}

func TestResetClientAndUser(t *testing.T) {
	l, _ := newTestLimiter(t, config.RateLimitConfig{
		Enabled: true, ClientMaxRequests: 1, ClientWindowSecs: 60, ClientBurst: 0,
		UserMaxRequests: 1, UserWindowSecs: 60,
	})
	ok, _ := l.AllowClient("c")
	require.True(t, ok)
	ok, _ = l.AllowClient("c")
	require.False(t, ok)

	l.ResetClient("c")
	ok, _ = l.AllowClient("c")
	require.True(t, ok)

	ok, _ = l.AllowUser("u")
	require.True(t, ok)
	ok, _ = l.AllowUser("u")
	require.False(t, ok)

	l.ResetUser("u")
	ok, _ = l.AllowUser("u")
	require.True(t, ok)
}

func TestResetAllClearsEverything(t *testing.T) {
	l, _ := newTestLimiter(t, config.RateLimitConfig{
		Enabled: true, ClientMaxRequests: 1, ClientWindowSecs: 60, ClientBurst: 0,
		UserMaxRequests: 1, UserWindowSecs: 60,
	})
	l.AllowClient("c")
	l.AllowUser("u")
	l.ResetAll()

	ok, _ := l.AllowClient("c")
	require.True(t, ok)
	ok, _ = l.AllowUser("u")
	require.True(t, ok)
}
