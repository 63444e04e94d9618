package scheduler

import (
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAddTaskRunsOnSchedule(t *testing.T) {
	dir := t.TempDir()
	var calls int32
	s := New(filepath.Join(dir, "schedule.yaml"), func(tool string, args map[string]any) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}, func() bool { return false })
	s.Start()
	defer s.Stop()

	task, err := s.AddTask("probe", "echo", map[string]any{}, 1, true)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&calls) >= 2
	}, 4*time.Second, 50*time.Millisecond)

	hist := s.History(task.ID)
	require.NotEmpty(t, hist)
	require.True(t, hist[0].OK)
}

func TestKillSwitchSuppressesRuns(t *testing.T) {
	dir := t.TempDir()
	var calls int32
	s := New(filepath.Join(dir, "schedule.yaml"), func(tool string, args map[string]any) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}, func() bool { return true })
	s.Start()
	defer s.Stop()

	task, err := s.AddTask("probe", "echo", nil, 1, true)
	require.NoError(t, err)

	time.Sleep(1200 * time.Millisecond)
	require.EqualValues(t, 0, calls)
	require.Empty(t, s.History(task.ID))
}

func TestDispatchErrorRecordedInHistory(t *testing.T) {
	dir := t.TempDir()
	s := New(filepath.Join(dir, "schedule.yaml"), func(tool string, args map[string]any) error {
		return fmt.Errorf("boom")
	}, func() bool { return false })

	task, err := s.AddTask("failing", "bad.tool", nil, 60, false)
	require.NoError(t, err)

	require.NoError(t, s.Trigger(task.ID))
	hist := s.History(task.ID)
	require.Len(t, hist, 1)
	require.False(t, hist[0].OK)
	require.Equal(t, "boom", hist[0].Error)
}

func TestSetEnabledAndDeleteTask(t *testing.T) {
	dir := t.TempDir()
	s := New(filepath.Join(dir, "schedule.yaml"), func(tool string, args map[string]any) error { return nil }, func() bool { return false })

	task, err := s.AddTask("toggle", "noop", nil, 60, false)
	require.NoError(t, err)

	require.True(t, s.SetEnabled(task.ID, true))
	got, ok := s.GetTask(task.ID)
	require.True(t, ok)
	require.True(t, got.Enabled)

	require.True(t, s.DeleteTask(task.ID))
	_, ok = s.GetTask(task.ID)
	require.False(t, ok)
}

func TestLoadPersistedTasks(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "schedule.yaml")

	s1 := New(path, func(tool string, args map[string]any) error { return nil }, func() bool { return false })
	_, err := s1.AddTask("persisted", "noop", nil, 60, true)
	require.NoError(t, err)

	s2 := New(path, func(tool string, args map[string]any) error { return nil }, func() bool { return false })
	require.NoError(t, s2.Load())

	tasks := s2.ListTasks()
	require.Len(t, tasks, 1)
	require.Equal(t, "persisted", tasks[0].Name)
}
