// Package scheduler implements the periodic task dispatcher from spec
// §4.11: named tasks re-enter the Supervisor on a fixed interval through
// the caller's DispatchFunc, and no run starts while the kill-switch is
// active. The scheduler applies no rate limit of its own, and it does not
// exempt its calls from the Supervisor's: cmd/gateway dispatches them
// through ProcessCall under the "scheduler" client and user keys, so both
// the per-client and the per-user limits apply.
package scheduler

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// historySize bounds each task's run history, per spec §4.11.
const historySize = 100

// Task is a persisted scheduled tool call.
type Task struct {
	ID              string         `yaml:"id"`
	Name            string         `yaml:"name"`
	Tool            string         `yaml:"tool"`
	Args            map[string]any `yaml:"args"`
	IntervalSeconds int            `yaml:"interval_seconds"`
	Enabled         bool           `yaml:"enabled"`
	RunCount        int            `yaml:"run_count"`
}

// HistoryEntry is one recorded run outcome.
type HistoryEntry struct {
	Run             int       `yaml:"run"`
	Timestamp       time.Time `yaml:"timestamp"`
	OK              bool      `yaml:"ok"`
	DurationSeconds float64   `yaml:"duration_seconds"`
	Error           string    `yaml:"error,omitempty"`
}

// DispatchFunc re-enters the Supervisor for a scheduled task's tool call.
type DispatchFunc func(tool string, args map[string]any) error

// Scheduler owns the cron loop and persisted task definitions.
type Scheduler struct {
	mu       sync.Mutex
	tasks    map[string]*Task
	history  map[string][]HistoryEntry
	entryIDs map[string]cron.EntryID
	path     string
	cron     *cron.Cron
	dispatch DispatchFunc
	killed   func() bool
}

// New builds a Scheduler. dispatch re-enters the Supervisor; killed
// reports the current kill-switch state (checked before every run).
func New(path string, dispatch DispatchFunc, killed func() bool) *Scheduler {
	s := &Scheduler{
		tasks:    make(map[string]*Task),
		history:  make(map[string][]HistoryEntry),
		entryIDs: make(map[string]cron.EntryID),
		path:     path,
		cron:     cron.New(cron.WithSeconds()),
		dispatch: dispatch,
		killed:   killed,
	}
	return s
}

// Load reads persisted tasks from disk (if the file exists) and schedules
// each enabled one. Call once before Start.
func (s *Scheduler) Load() error {
	if s.path == "" {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("scheduler: read %s: %w", s.path, err)
	}

	var tasks []*Task
	if err := yaml.Unmarshal(data, &tasks); err != nil {
		return fmt.Errorf("scheduler: parse %s: %w", s.path, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range tasks {
		s.tasks[t.ID] = t
		if t.Enabled {
			s.scheduleLocked(t)
		}
	}
	return nil
}

// Start begins the cron dispatch loop.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the cron dispatch loop, waiting for in-flight runs.
func (s *Scheduler) Stop() { <-s.cron.Stop().Done() }

// AddTask creates and persists a new task, scheduling it if enabled.
func (s *Scheduler) AddTask(name, tool string, args map[string]any, intervalSeconds int, enabled bool) (*Task, error) {
	t := &Task{
		ID:              uuid.New().String(),
		Name:            name,
		Tool:            tool,
		Args:            args,
		IntervalSeconds: intervalSeconds,
		Enabled:         enabled,
	}

	s.mu.Lock()
	s.tasks[t.ID] = t
	if enabled {
		s.scheduleLocked(t)
	}
	s.mu.Unlock()

	return t, s.persist()
}

// ListTasks returns a snapshot of every task.
func (s *Scheduler) ListTasks() []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		cp := *t
		out = append(out, &cp)
	}
	return out
}

// GetTask returns a task by id.
func (s *Scheduler) GetTask(id string) (*Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, false
	}
	cp := *t
	return &cp, true
}

// DeleteTask removes a task and its cron entry.
func (s *Scheduler) DeleteTask(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return false
	}
	s.unscheduleLocked(id)
	delete(s.tasks, id)
	delete(s.history, id)
	_ = s.persistLocked()
	return true
}

// SetEnabled toggles a task's cron schedule on or off.
func (s *Scheduler) SetEnabled(id string, enabled bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return false
	}
	t.Enabled = enabled
	s.unscheduleLocked(id)
	if enabled {
		s.scheduleLocked(t)
	}
	_ = s.persistLocked()
	return true
}

// UpdateTask applies a partial update (nil fields left unchanged) and
// reschedules an enabled task if its interval changed. The enabled flag
// is changed through SetEnabled.
func (s *Scheduler) UpdateTask(id string, name, tool *string, args map[string]any, intervalSeconds *int) (*Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, false
	}
	if name != nil {
		t.Name = *name
	}
	if tool != nil {
		t.Tool = *tool
	}
	if args != nil {
		t.Args = args
	}
	rescheduled := false
	if intervalSeconds != nil && *intervalSeconds != t.IntervalSeconds {
		t.IntervalSeconds = *intervalSeconds
		rescheduled = true
	}
	if rescheduled && t.Enabled {
		s.unscheduleLocked(id)
		s.scheduleLocked(t)
	}
	_ = s.persistLocked()
	cp := *t
	return &cp, true
}

// History returns a task's recorded run outcomes, most recent last.
func (s *Scheduler) History(id string) []HistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]HistoryEntry(nil), s.history[id]...)
}

// Trigger runs a task immediately, outside its normal schedule, recording
// the outcome exactly like a scheduled run.
func (s *Scheduler) Trigger(id string) error {
	s.mu.Lock()
	t, ok := s.tasks[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("scheduler: unknown task %s", id)
	}
	s.run(t)
	return nil
}

func (s *Scheduler) scheduleLocked(t *Task) {
	spec := fmt.Sprintf("@every %ds", t.IntervalSeconds)
	id, err := s.cron.AddFunc(spec, func() { s.run(t) })
	if err != nil {
		return
	}
	s.entryIDs[t.ID] = id
}

func (s *Scheduler) unscheduleLocked(id string) {
	if entryID, ok := s.entryIDs[id]; ok {
		s.cron.Remove(entryID)
		delete(s.entryIDs, id)
	}
}

func (s *Scheduler) run(t *Task) {
	if s.killed != nil && s.killed() {
		return
	}

	start := time.Now()
	err := s.dispatch(t.Tool, t.Args)
	duration := time.Since(start).Seconds()

	s.mu.Lock()
	t.RunCount++
	entry := HistoryEntry{
		Run:             t.RunCount,
		Timestamp:       start,
		OK:              err == nil,
		DurationSeconds: duration,
	}
	if err != nil {
		entry.Error = err.Error()
	}
	hist := append(s.history[t.ID], entry)
	if len(hist) > historySize {
		hist = hist[len(hist)-historySize:]
	}
	s.history[t.ID] = hist
	_ = s.persistLocked()
	s.mu.Unlock()
}

func (s *Scheduler) persist() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked()
}

func (s *Scheduler) persistLocked() error {
	if s.path == "" {
		return nil
	}
	tasks := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	data, err := yaml.Marshal(tasks)
	if err != nil {
		return fmt.Errorf("scheduler: marshal tasks: %w", err)
	}
	return os.WriteFile(s.path, data, 0600)
}
