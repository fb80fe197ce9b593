package compute

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestTaskTableLifecycle(t *testing.T) {
	tbl := NewTaskTable()
	now := time.Unix(1000, 0)

	if err := tbl.Start("env-1", "t1", nil, now); err != nil {
		t.Fatal(err)
	}
	if err := tbl.Start("env-1", "t1", nil, now); err == nil {
		t.Fatal("starting a running task twice should fail")
	}

	got, err := tbl.Get("env-1", "t1")
	if err != nil || got.Status != TaskRunning {
		t.Fatalf("Get = %+v, %v", got, err)
	}
	if _, err := tbl.Get("env-2", "t1"); !IsNotFound(err) {
		t.Errorf("wrong environment: err = %v, want not found", err)
	}

	done, err := tbl.Finish("t1", now.Add(time.Second), func(e *TaskExecution) {
		e.Status = TaskCompleted
		e.Output = "ok"
	})
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != TaskCompleted || done.FinishedAt != now.Add(time.Second) {
		t.Errorf("Finish = %+v", done)
	}

	// Terminal executions are frozen.
	again, _ := tbl.Finish("t1", now.Add(time.Hour), func(e *TaskExecution) { e.Status = TaskFailed })
	if again.Status != TaskCompleted || again.Output != "ok" {
		t.Errorf("terminal task was modified: %+v", again)
	}
	cancel, err := tbl.MarkCancelled("env-1", "t1")
	if err != nil || cancel != nil {
		t.Errorf("MarkCancelled on terminal task = %v, %v; want nil, nil", cancel != nil, err)
	}
}

func TestTaskTableCancelWins(t *testing.T) {
	tbl := NewTaskTable()
	ctx, cancel := context.WithCancel(context.Background())
	_ = tbl.Start("env-1", "t1", cancel, time.Now())

	fn, err := tbl.MarkCancelled("env-1", "t1")
	if err != nil || fn == nil {
		t.Fatalf("MarkCancelled = %v, %v", fn != nil, err)
	}
	fn()
	if ctx.Err() == nil {
		t.Error("cancel func should abort the task context")
	}

	got, _ := tbl.Finish("t1", time.Now(), func(e *TaskExecution) {
		e.Status = TaskFailed
		e.ExitCode = 143
	})
	if got.Status != TaskCancelled || got.ExitCode != 143 {
		t.Errorf("Finish after cancel = %+v, want cancelled with exit code kept", got)
	}
}

func TestTaskTableNonTerminalUpdateBecomesFailed(t *testing.T) {
	tbl := NewTaskTable()
	_ = tbl.Start("env-1", "t1", nil, time.Now())
	got, _ := tbl.Finish("t1", time.Now(), func(e *TaskExecution) { e.Error = "lost" })
	if got.Status != TaskFailed {
		t.Errorf("Status = %s, want failed", got.Status)
	}
}

func TestTaskTableAbort(t *testing.T) {
	tbl := NewTaskTable()
	_ = tbl.Start("env-1", "t1", nil, time.Now())
	tbl.Abort("t1", time.Now(), errors.New("uploading input files: disk full"))

	got, err := tbl.Get("env-1", "t1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != TaskFailed || got.ExitCode != -1 || got.Error != "uploading input files: disk full" {
		t.Errorf("aborted task = %+v", got)
	}
	// The ID is free again once the aborted task is terminal.
	if err := tbl.Start("env-1", "t1", nil, time.Now()); err != nil {
		t.Errorf("restart after abort: %v", err)
	}
}

func TestTaskTableCancelAllAndDrop(t *testing.T) {
	tbl := NewTaskTable()
	ctx1, c1 := context.WithCancel(context.Background())
	ctx2, c2 := context.WithCancel(context.Background())
	_ = tbl.Start("env-1", "a", c1, time.Now())
	_ = tbl.Start("env-2", "b", c2, time.Now())

	if n := len(tbl.Running()); n != 2 {
		t.Fatalf("Running = %d, want 2", n)
	}
	tbl.CancelAll()
	if ctx1.Err() == nil || ctx2.Err() == nil {
		t.Fatal("CancelAll should cancel every running task")
	}
	_, _ = tbl.Finish("a", time.Now(), func(e *TaskExecution) {})
	tbl.DropEnvironment("env-1")
	if _, err := tbl.Get("env-1", "a"); !IsNotFound(err) {
		t.Errorf("dropped task still present: %v", err)
	}
	// b is still running and must survive DropEnvironment of its own env.
	tbl.DropEnvironment("env-2")
	if _, err := tbl.Get("env-2", "b"); err != nil {
		t.Errorf("running task dropped: %v", err)
	}
}
