package approval

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/intelli-systems/agent-gateway/pkg/contracts"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestSubmitCreatesPendingEntry(t *testing.T) {
	q := NewQueue(time.Second, nil)
	e := q.Submit("file.write", map[string]any{"path": "/tmp/x"}, "sess-1", "alice", contracts.RiskHigh)
	require.NotEmpty(t, e.ID)
	require.Equal(t, StatePending, e.State())
}

func TestApproveWakesWaiter(t *testing.T) {
	q := NewQueue(5*time.Second, nil)
	e := q.Submit("echo", nil, "", "", contracts.RiskLow)

	done := make(chan bool, 1)
	go func() { done <- q.WaitForDecision(e.ID, 5*time.Second) }()

	time.Sleep(10 * time.Millisecond)
	state, ok := q.Approve(e.ID)
	require.True(t, ok)
	require.Equal(t, StateApproved, state)
	require.True(t, <-done)
}

func TestDenyWakesWaiterWithFalse(t *testing.T) {
	q := NewQueue(5*time.Second, nil)
	e := q.Submit("echo", nil, "", "", contracts.RiskLow)

	done := make(chan bool, 1)
	go func() { done <- q.WaitForDecision(e.ID, 5*time.Second) }()

	time.Sleep(10 * time.Millisecond)
	state, ok := q.Deny(e.ID)
	require.True(t, ok)
	require.Equal(t, StateDenied, state)
	require.False(t, <-done)
}

func TestWaitForDecisionTimesOutAndExpires(t *testing.T) {
	q := NewQueue(20*time.Millisecond, nil)
	e := q.Submit("echo", nil, "", "", contracts.RiskLow)

	approved := q.WaitForDecision(e.ID, 20*time.Millisecond)
	require.False(t, approved)

	_, ok := q.Get(e.ID)
	require.False(t, ok, "entry should be purged once the waiter observes it")
	_ = e
}

func TestSecondConcurrentDecisionIsNoOp(t *testing.T) {
	q := NewQueue(5*time.Second, nil)
	e := q.Submit("echo", nil, "", "", contracts.RiskLow)

	first, ok := q.Approve(e.ID)
	require.True(t, ok)
	require.Equal(t, StateApproved, first)

	second, ok := q.Deny(e.ID)
	require.True(t, ok, "deciding an already-terminal entry is a no-op, not an error")
	require.Equal(t, StateApproved, second, "first write wins")
}

func TestListPendingFiltersBySessionAndActor(t *testing.T) {
	q := NewQueue(5*time.Second, nil)
	q.Submit("a", nil, "sess-1", "alice", contracts.RiskLow)
	q.Submit("b", nil, "sess-2", "bob", contracts.RiskLow)

	views := q.ListPending("sess-1", "")
	require.Len(t, views, 1)
	require.Equal(t, "a", views[0].Tool)

	views = q.ListPending("", "bob")
	require.Len(t, views, 1)
	require.Equal(t, "b", views[0].Tool)
}

func TestListPendingOmitsTerminalEntries(t *testing.T) {
	q := NewQueue(5*time.Second, nil)
	e := q.Submit("a", nil, "", "", contracts.RiskLow)
	q.Approve(e.ID)

	require.Empty(t, q.ListPending("", ""))
}

func TestSweepExpiredPurgesPastDeadlineEntries(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	q := NewQueue(time.Second, clock)
	e := q.Submit("a", nil, "", "", contracts.RiskLow)

	clock.advance(2 * time.Second)
	q.SweepExpired()

	_, ok := q.Get(e.ID)
	require.False(t, ok)
}

func TestDecideUnknownIDReturnsFalse(t *testing.T) {
	q := NewQueue(time.Second, nil)
	_, ok := q.Approve("does-not-exist")
	require.False(t, ok)
}
