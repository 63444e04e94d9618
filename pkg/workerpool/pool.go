package workerpool

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Health is a point-in-time snapshot of pool occupancy, matching
// original_source's pool.py health_check() shape.
type Health struct {
	Size      int
	Alive     int
	Available int
}

// Pool manages a fixed number of persistent Worker subprocesses behind a
// bounded checkout channel, per spec §4.6: callers that find no worker
// available within their timeout get StatusWorkerUnavailable rather than
// queuing indefinitely.
type Pool struct {
	workers   []*Worker
	available chan *Worker
}

// NewPool spawns size workers running command and fills the checkout
// channel, per original_source/sandbox/pool.py's WorkerPool.__init__.
func NewPool(command []string, size int) (*Pool, error) {
	if size <= 0 {
		size = 1
	}
	p := &Pool{
		workers:   make([]*Worker, 0, size),
		available: make(chan *Worker, size),
	}
	for i := 0; i < size; i++ {
		w, err := NewWorker(command)
		if err != nil {
			p.Shutdown()
			return nil, fmt.Errorf("workerpool: spawn worker %d: %w", i, err)
		}
		p.workers = append(p.workers, w)
		p.available <- w
	}
	return p, nil
}

// Execute checks out a worker, runs action/params on it, and returns it to
// the pool. If no worker becomes available within timeout, it returns
// ErrUnavailable — the caller maps this to contracts.StatusWorkerUnavailable.
func (p *Pool) Execute(action string, params map[string]any, timeout time.Duration) (map[string]any, error) {
	var w *Worker
	select {
	case w = <-p.available:
	case <-time.After(timeout):
		return nil, ErrUnavailable
	}
	defer func() { p.available <- w }()

	id := uuid.New().String()[:8]
	return w.Call(id, action, params, timeout)
}

// ErrUnavailable is returned by Execute when no worker checks out in time.
var ErrUnavailable = fmt.Errorf("workerpool: no worker available")

// Health reports size/alive/available, per spec §4.6's documented gauges.
func (p *Pool) Health() Health {
	alive := 0
	for _, w := range p.workers {
		if w.Alive() {
			alive++
		}
	}
	return Health{
		Size:      len(p.workers),
		Alive:     alive,
		Available: len(p.available),
	}
}

// Shutdown kills every worker subprocess. Intended for process exit.
func (p *Pool) Shutdown() {
	for _, w := range p.workers {
		w.Kill()
	}
}
