package compute

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// TaskTable tracks task executions for a backend that runs tasks itself.
// Entries freeze once they reach a terminal status.
// All methods are safe for concurrent use.
type TaskTable struct {
	mu    sync.RWMutex
	tasks map[string]*trackedTask
}

type trackedTask struct {
	exec      TaskExecution
	cancel    context.CancelFunc
	cancelled bool
}

// NewTaskTable creates an empty table.
func NewTaskTable() *TaskTable {
	return &TaskTable{tasks: make(map[string]*trackedTask)}
}

// Start records a running task. cancel aborts the task's context; it may be nil.
// Reusing the ID of a task that is still running is an error.
func (t *TaskTable) Start(envID, taskID string, cancel context.CancelFunc, now time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if prev, ok := t.tasks[taskID]; ok && !prev.exec.Status.IsTerminal() {
		return fmt.Errorf("task %s is already running", taskID)
	}
	t.tasks[taskID] = &trackedTask{
		exec: TaskExecution{
			ID:            taskID,
			EnvironmentID: envID,
			Status:        TaskRunning,
			StartedAt:     now,
		},
		cancel: cancel,
	}
	return nil
}

// Finish applies update to a running task and returns the result. A task
// marked cancelled finishes as TaskCancelled whatever update sets. Updates
// to a task that is already terminal are ignored.
func (t *TaskTable) Finish(taskID string, now time.Time, update func(*TaskExecution)) (TaskExecution, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tt, ok := t.tasks[taskID]
	if !ok {
		return TaskExecution{}, NewNotFound("task", taskID)
	}
	if tt.exec.Status.IsTerminal() {
		return tt.exec, nil
	}
	update(&tt.exec)
	if tt.cancelled {
		tt.exec.Status = TaskCancelled
	}
	if !tt.exec.Status.IsTerminal() {
		tt.exec.Status = TaskFailed
	}
	tt.exec.FinishedAt = now
	tt.cancel = nil
	return tt.exec, nil
}

// Abort finishes a started task as failed because setup went wrong before
// anything ran.
func (t *TaskTable) Abort(taskID string, now time.Time, cause error) {
	_, _ = t.Finish(taskID, now, func(e *TaskExecution) {
		e.Status, e.ExitCode, e.Error = TaskFailed, -1, cause.Error()
	})
}

// Get returns a copy of the task, which must belong to envID.
func (t *TaskTable) Get(envID, taskID string) (TaskExecution, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	tt, ok := t.tasks[taskID]
	if !ok || tt.exec.EnvironmentID != envID {
		return TaskExecution{}, NewNotFound("task", taskID)
	}
	return tt.exec, nil
}

// MarkCancelled flags a running task as cancelled and returns its cancel
// function. For a terminal task it returns nil and no error.
func (t *TaskTable) MarkCancelled(envID, taskID string) (context.CancelFunc, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tt, ok := t.tasks[taskID]
	if !ok || tt.exec.EnvironmentID != envID {
		return nil, NewNotFound("task", taskID)
	}
	if tt.exec.Status.IsTerminal() {
		return nil, nil
	}
	tt.cancelled = true
	if tt.cancel == nil {
		return func() {}, nil
	}
	return tt.cancel, nil
}

// Running returns the tasks that have not reached a terminal status.
func (t *TaskTable) Running() []TaskExecution {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []TaskExecution
	for _, tt := range t.tasks {
		if !tt.exec.Status.IsTerminal() {
			out = append(out, tt.exec)
		}
	}
	return out
}

// CancelAll marks every running task cancelled and aborts its context.
func (t *TaskTable) CancelAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, tt := range t.tasks {
		if tt.exec.Status.IsTerminal() {
			continue
		}
		tt.cancelled = true
		if tt.cancel != nil {
			tt.cancel()
		}
	}
}

// DropEnvironment forgets every terminal task that belonged to envID.
func (t *TaskTable) DropEnvironment(envID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, tt := range t.tasks {
		if tt.exec.EnvironmentID == envID && tt.exec.Status.IsTerminal() {
			delete(t.tasks, id)
		}
	}
}
