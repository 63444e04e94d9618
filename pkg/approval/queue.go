// Package approval implements the Approval Queue from spec §4.5: pending
// tool calls block their submitter until a human approves, denies, or the
// wait times out. The queue does not persist across a process crash
// (spec §4.5's "Failure model").
package approval

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/intelli-systems/agent-gateway/pkg/contracts"
)

// State is the lifecycle stage of an ApprovalEntry.
type State string

const (
	StatePending  State = "pending"
	StateApproved State = "approved"
	StateDenied   State = "denied"
	StateExpired  State = "expired"
)

// Entry is a queued tool call awaiting a human decision.
type Entry struct {
	ID        string
	Tool      string
	Args      map[string]any
	SessionID string
	Actor     string
	Risk      contracts.RiskLevel
	CreatedAt time.Time
	ExpiresAt time.Time

	mu    sync.Mutex
	state State
	// decided is the one-shot wake signal: exactly one waiter reads from
	// it, closed exactly once by whichever of approve/deny/expire wins.
	decided chan struct{}
}

// State returns the entry's current lifecycle state.
func (e *Entry) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// PendingView is the read-only snapshot returned by ListPending, matching
// original_source's approval_gate.py list_pending() "expires_in" field.
type PendingView struct {
	ID         string
	Tool       string
	Args       map[string]any
	SessionID  string
	Actor      string
	Risk       contracts.RiskLevel
	CreatedAt  time.Time
	ExpiresIn  time.Duration
}

// Queue holds all pending entries. Exactly one waiter per id (the original
// submitter) observes the decided signal, per spec §4.5's invariants.
type Queue struct {
	mu             sync.Mutex
	entries        map[string]*Entry
	defaultTimeout time.Duration
	clock          contracts.Clock
}

// NewQueue builds a Queue with the given default wait timeout
// (INTELLI_APPROVAL_TIMEOUT, default 60s per spec §6).
func NewQueue(defaultTimeout time.Duration, clock contracts.Clock) *Queue {
	if clock == nil {
		clock = contracts.WallClock{}
	}
	return &Queue{
		entries:        make(map[string]*Entry),
		defaultTimeout: defaultTimeout,
		clock:          clock,
	}
}

// Submit creates a pending entry and returns its id immediately
// (non-blocking), per spec §4.5.
func (q *Queue) Submit(tool string, args map[string]any, sessionID, actor string, riskLevel contracts.RiskLevel) *Entry {
	now := q.clock.Now()
	e := &Entry{
		ID:        uuid.New().String()[:8],
		Tool:      tool,
		Args:      args,
		SessionID: sessionID,
		Actor:     actor,
		Risk:      riskLevel,
		CreatedAt: now,
		ExpiresAt: now.Add(q.defaultTimeout),
		state:     StatePending,
		decided:   make(chan struct{}),
	}

	q.mu.Lock()
	q.entries[e.ID] = e
	q.mu.Unlock()
	return e
}

// ListPending returns a snapshot of all pending entries, optionally
// filtered by session or actor. Terminal entries are never returned, per
// spec §4.5's invariant.
func (q *Queue) ListPending(sessionID, actor string) []PendingView {
	q.mu.Lock()
	entries := make([]*Entry, 0, len(q.entries))
	for _, e := range q.entries {
		entries = append(entries, e)
	}
	q.mu.Unlock()

	now := q.clock.Now()
	var out []PendingView
	for _, e := range entries {
		e.mu.Lock()
		state := e.state
		e.mu.Unlock()
		if state != StatePending {
			continue
		}
		if sessionID != "" && e.SessionID != sessionID {
			continue
		}
		if actor != "" && e.Actor != actor {
			continue
		}
		expiresIn := e.ExpiresAt.Sub(now)
		if expiresIn < 0 {
			expiresIn = 0
		}
		out = append(out, PendingView{
			ID: e.ID, Tool: e.Tool, Args: e.Args, SessionID: e.SessionID,
			Actor: e.Actor, Risk: e.Risk, CreatedAt: e.CreatedAt, ExpiresIn: expiresIn,
		})
	}
	return out
}

// Approve transitions id to approved and wakes its waiter. Idempotent:
// calling it again on an already-terminal entry is a no-op that returns
// the entry's (unchanged) previous state, per spec §4.5 and §8's
// round-trip property.
func (q *Queue) Approve(id string) (State, bool) {
	return q.decide(id, StateApproved)
}

// Deny transitions id to denied and wakes its waiter. Idempotent like Approve.
func (q *Queue) Deny(id string) (State, bool) {
	return q.decide(id, StateDenied)
}

func (q *Queue) decide(id string, target State) (State, bool) {
	q.mu.Lock()
	e, ok := q.entries[id]
	q.mu.Unlock()
	if !ok {
		return "", false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StatePending {
		// First write wins; a second concurrent decision is a no-op,
		// per spec §4.5: "if both arrive concurrently the first write
		// wins and the second is a no-op."
		return e.state, true
	}
	e.state = target
	close(e.decided)
	return e.state, true
}

// WaitForDecision blocks until id's signal fires or timeout elapses. On
// timeout the entry transitions to expired and the caller observes false,
// per spec §4.5. The entry is purged once observed (spec §3's invariant:
// "will be purged after the waiter observes it").
func (q *Queue) WaitForDecision(id string, timeout time.Duration) bool {
	q.mu.Lock()
	e, ok := q.entries[id]
	q.mu.Unlock()
	if !ok {
		return false
	}
	if timeout <= 0 {
		timeout = q.defaultTimeout
	}

	approved := false
	select {
	case <-e.decided:
		e.mu.Lock()
		approved = e.state == StateApproved
		e.mu.Unlock()
	case <-time.After(timeout):
		e.mu.Lock()
		if e.state == StatePending {
			e.state = StateExpired
			close(e.decided)
		}
		approved = e.state == StateApproved
		e.mu.Unlock()
	}

	q.mu.Lock()
	delete(q.entries, id)
	q.mu.Unlock()
	return approved
}

// Get returns an entry by id for inspection (e.g. read-only status checks).
func (q *Queue) Get(id string) (*Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[id]
	return e, ok
}

// SweepExpired purges pending entries past their deadline without an
// active waiter (e.g. the submitter disconnected). Intended to be driven
// by a periodic background tick.
func (q *Queue) SweepExpired() {
	now := q.clock.Now()
	q.mu.Lock()
	defer q.mu.Unlock()
	for id, e := range q.entries {
		e.mu.Lock()
		if e.state == StatePending && now.After(e.ExpiresAt) {
			e.state = StateExpired
			select {
			case <-e.decided:
			default:
				close(e.decided)
			}
			delete(q.entries, id)
		}
		e.mu.Unlock()
	}
}
