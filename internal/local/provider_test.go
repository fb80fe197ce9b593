package local

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/l2succes/remote-claude-sub003/internal/compute"
)

func newTestProvider(t *testing.T, starter ProcessStarter) *Provider {
	t.Helper()
	return NewProvider("local", Config{
		Root:            t.TempDir(),
		KillGrace:       500 * time.Millisecond,
		LogPollInterval: 5 * time.Millisecond,
	}, starter)
}

func createEnv(t *testing.T, p *Provider) *compute.Environment {
	t.Helper()
	env, err := p.CreateEnvironment(context.Background(), compute.EnvironmentOptions{})
	if err != nil {
		t.Fatalf("CreateEnvironment: %v", err)
	}
	return env
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

// fakeProcess exits when finish is called or when it receives SIGTERM/SIGKILL.
type fakeProcess struct {
	pid  int
	exit chan error
	once sync.Once

	mu      sync.Mutex
	signals []syscall.Signal
}

func newFakeProcess(pid int) *fakeProcess {
	return &fakeProcess{pid: pid, exit: make(chan error, 1)}
}

func (f *fakeProcess) Wait() error { return <-f.exit }
func (f *fakeProcess) PID() int    { return f.pid }

func (f *fakeProcess) Signal(sig syscall.Signal) error {
	f.mu.Lock()
	f.signals = append(f.signals, sig)
	f.mu.Unlock()
	f.finish(errors.New("signal: " + sig.String()))
	return nil
}

func (f *fakeProcess) finish(err error) {
	f.once.Do(func() { f.exit <- err })
}

func (f *fakeProcess) received() []syscall.Signal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]syscall.Signal(nil), f.signals...)
}

type exitStatus int

func (e exitStatus) Error() string { return "exit status" }
func (e exitStatus) ExitCode() int { return int(e) }

func TestEnvironmentLifecycle(t *testing.T) {
	p := newTestProvider(t, nil)
	ctx := context.Background()

	env := createEnv(t, p)
	dir := env.Metadata[MetaDir]
	if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
		t.Fatalf("environment dir %s: %v", dir, err)
	}
	if env.Status != compute.EnvironmentRunning || env.Provider != "local" {
		t.Errorf("env = %+v", env)
	}

	createEnv(t, p)
	list, _ := p.ListEnvironments(ctx)
	if len(list) != 2 {
		t.Errorf("ListEnvironments = %d, want 2", len(list))
	}

	if err := p.DestroyEnvironment(ctx, env.ID); err != nil {
		t.Fatalf("first destroy: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("dir still present: %v", err)
	}
	if err := p.DestroyEnvironment(ctx, env.ID); !compute.IsNotFound(err) {
		t.Errorf("second destroy: err = %v, want not found", err)
	}
	if _, err := p.GetEnvironment(ctx, env.ID); !compute.IsNotFound(err) {
		t.Errorf("get after destroy: err = %v", err)
	}
}

func TestCreateRejectsGPU(t *testing.T) {
	p := newTestProvider(t, nil)
	_, err := p.CreateEnvironment(context.Background(), compute.EnvironmentOptions{Resources: compute.Resources{GPUs: 1}})
	if !compute.IsProvisionError(err) || !errors.Is(err, compute.ErrNoCapableProvider) {
		t.Errorf("err = %v", err)
	}
}

func TestCreateClonesRepository(t *testing.T) {
	var (
		mu   sync.Mutex
		cmds []string
	)
	fail := false
	starter := func(_ context.Context, spec ProcessSpec) (Process, error) {
		mu.Lock()
		cmds = append(cmds, spec.Command)
		mu.Unlock()
		proc := newFakeProcess(1)
		if fail {
			_, _ = spec.Stdout.Write([]byte("fatal: repository not found\n"))
			proc.finish(exitStatus(128))
		} else {
			proc.finish(nil)
		}
		return proc, nil
	}
	p := newTestProvider(t, starter)

	env, err := p.CreateEnvironment(context.Background(), compute.EnvironmentOptions{Repository: "https://x/r.git", Branch: "dev"})
	if err != nil {
		t.Fatalf("CreateEnvironment: %v", err)
	}
	if want := "git clone --quiet --branch dev -- https://x/r.git src"; len(cmds) != 1 || cmds[0] != want {
		t.Errorf("commands = %q, want %q", cmds, want)
	}
	if env.Metadata[MetaRepository] != "https://x/r.git" || env.Metadata[MetaBranch] != "dev" {
		t.Errorf("metadata = %v", env.Metadata)
	}

	fail = true
	_, err = p.CreateEnvironment(context.Background(), compute.EnvironmentOptions{Repository: "https://x/missing.git"})
	if !compute.IsProvisionError(err) || !strings.Contains(err.Error(), "repository not found") {
		t.Fatalf("err = %v, want ProvisionError with clone output", err)
	}
	entries, _ := os.ReadDir(p.cfg.Root)
	if len(entries) != 1 {
		t.Errorf("failed clone left %d directories, want 1", len(entries))
	}
}

func TestExecuteTask(t *testing.T) {
	tests := []struct {
		name       string
		task       compute.TaskDefinition
		wantStatus compute.TaskStatus
		wantExit   int
		wantOutput string
		wantErr    string
	}{
		{
			name:       "success",
			task:       compute.TaskDefinition{Command: "echo hello"},
			wantStatus: compute.TaskCompleted,
			wantOutput: "hello\n",
		},
		{
			name:       "non-zero exit",
			task:       compute.TaskDefinition{Command: "echo oops >&2; exit 3"},
			wantStatus: compute.TaskFailed,
			wantExit:   3,
			wantOutput: "oops\n",
			wantErr:    "exited with status 3",
		},
		{
			name:       "env and workdir",
			task:       compute.TaskDefinition{Command: `printf '%s %s' "$GREETING" "$(basename "$PWD")"`, Env: map[string]string{"GREETING": "hi"}, WorkDir: "sub", InputFiles: []compute.File{{Path: "sub/x", Content: []byte("x")}}},
			wantStatus: compute.TaskCompleted,
			wantOutput: "hi sub",
		},
		{
			name:       "input files",
			task:       compute.TaskDefinition{Command: "cat in.txt", InputFiles: []compute.File{{Path: "in.txt", Content: []byte("data")}}},
			wantStatus: compute.TaskCompleted,
			wantOutput: "data",
		},
		{
			name:       "timeout",
			task:       compute.TaskDefinition{Command: "sleep 5", Timeout: 100 * time.Millisecond},
			wantStatus: compute.TaskFailed,
			wantErr:    "timed out after 100ms",
			wantExit:   -2,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestProvider(t, nil)
			env := createEnv(t, p)
			exec, err := p.ExecuteTask(context.Background(), env, tt.task)
			if err != nil {
				t.Fatalf("ExecuteTask: %v", err)
			}
			if exec.Status != tt.wantStatus {
				t.Errorf("status = %s, want %s (%+v)", exec.Status, tt.wantStatus, exec)
			}
			if tt.wantExit != -2 && exec.ExitCode != tt.wantExit {
				t.Errorf("exit = %d, want %d", exec.ExitCode, tt.wantExit)
			}
			if tt.wantOutput != "" && exec.Output != tt.wantOutput {
				t.Errorf("output = %q, want %q", exec.Output, tt.wantOutput)
			}
			if tt.wantErr != "" && !strings.Contains(exec.Error, tt.wantErr) {
				t.Errorf("error = %q, want %q", exec.Error, tt.wantErr)
			}
			if exec.ID == "" || exec.FinishedAt.Before(exec.StartedAt) {
				t.Errorf("exec = %+v", exec)
			}

			got, err := p.GetTaskStatus(context.Background(), env.ID, exec.ID)
			if err != nil || got.Status != exec.Status {
				t.Errorf("GetTaskStatus = %+v, %v", got, err)
			}
		})
	}
}

func TestExecuteTaskRejectsEscapingWorkDir(t *testing.T) {
	p := newTestProvider(t, nil)
	env := createEnv(t, p)
	if _, err := p.ExecuteTask(context.Background(), env, compute.TaskDefinition{Command: "true", WorkDir: "../.."}); err == nil {
		t.Error("workdir outside the environment accepted")
	}
	if _, err := p.ExecuteTask(context.Background(), &compute.Environment{ID: "nope"}, compute.TaskDefinition{Command: "true"}); !compute.IsNotFound(err) {
		t.Errorf("unknown environment: err = %v", err)
	}
}

func readLog(env *compute.Environment, taskID string) string {
	data, _ := os.ReadFile(taskLogPath(env.Metadata[MetaDir], taskID))
	return string(data)
}

func TestCancelTaskKeepsPartialOutput(t *testing.T) {
	p := newTestProvider(t, nil)
	env := createEnv(t, p)
	ctx := context.Background()

	done := make(chan *compute.TaskExecution, 1)
	go func() {
		exec, err := p.ExecuteTask(ctx, env, compute.TaskDefinition{ID: "t1", Command: "echo started; sleep 10; echo never"})
		if err != nil {
			t.Errorf("ExecuteTask: %v", err)
		}
		done <- exec
	}()
	waitFor(t, func() bool { return strings.Contains(readLog(env, "t1"), "started") })

	if err := p.DestroyEnvironment(ctx, env.ID); !errors.Is(err, ErrEnvironmentBusy) {
		t.Errorf("destroy while running: err = %v, want busy", err)
	}
	if err := p.CancelTask(ctx, env.ID, "t1"); err != nil {
		t.Fatalf("CancelTask: %v", err)
	}

	select {
	case exec := <-done:
		if exec == nil || exec.Status != compute.TaskCancelled {
			t.Fatalf("exec = %+v, want cancelled", exec)
		}
		if exec.Output != "started\n" {
			t.Errorf("output = %q, want the output before cancel", exec.Output)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("task did not stop after cancel")
	}

	// Cancelling again is a no-op; the result stays frozen.
	if err := p.CancelTask(ctx, env.ID, "t1"); err != nil {
		t.Errorf("second cancel: %v", err)
	}
	if err := p.CancelTask(ctx, env.ID, "nope"); !compute.IsNotFound(err) {
		t.Errorf("unknown task: err = %v", err)
	}
	if err := p.DestroyEnvironment(ctx, env.ID); err != nil {
		t.Errorf("destroy after cancel: %v", err)
	}
}

func TestDuplicateTaskLeavesRunningTaskAlone(t *testing.T) {
	p := newTestProvider(t, nil)
	env := createEnv(t, p)
	ctx := context.Background()

	done := make(chan *compute.TaskExecution, 1)
	go func() {
		exec, _ := p.ExecuteTask(ctx, env, compute.TaskDefinition{ID: "t1", Command: "echo started; sleep 10"})
		done <- exec
	}()
	waitFor(t, func() bool { return readLog(env, "t1") == "started\n" })

	_, err := p.ExecuteTask(ctx, env, compute.TaskDefinition{
		ID:         "t1",
		Command:    "echo second",
		InputFiles: []compute.File{{Path: "dup.txt", Content: []byte("x")}},
	})
	if err == nil || !strings.Contains(err.Error(), "already running") {
		t.Fatalf("duplicate submit: err = %v, want already running", err)
	}
	if got := readLog(env, "t1"); got != "started\n" {
		t.Errorf("log after duplicate = %q, want the running task's output", got)
	}
	if _, err := os.Stat(filepath.Join(env.Metadata[MetaDir], "dup.txt")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("duplicate's input file written: stat err = %v", err)
	}
	if e, err := p.GetTaskStatus(ctx, env.ID, "t1"); err != nil || e.Status != compute.TaskRunning {
		t.Fatalf("original task = %+v, %v; want running", e, err)
	}

	if err := p.CancelTask(ctx, env.ID, "t1"); err != nil {
		t.Fatal(err)
	}
	select {
	case exec := <-done:
		if exec == nil || exec.Output != "started\n" {
			t.Errorf("original exec = %+v", exec)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("task did not stop after cancel")
	}
}

func TestStreamLogsStartsAtCurrentEnd(t *testing.T) {
	p := newTestProvider(t, nil)
	env := createEnv(t, p)
	ctx := context.Background()

	go func() {
		_, _ = p.ExecuteTask(ctx, env, compute.TaskDefinition{ID: "t1", Command: "echo old; sleep 0.3; echo new; echo more"})
	}()
	waitFor(t, func() bool { return strings.Contains(readLog(env, "t1"), "old") })

	ch, err := p.StreamLogs(ctx, env.ID, "t1")
	if err != nil {
		t.Fatalf("StreamLogs: %v", err)
	}
	var got strings.Builder
	for chunk := range ch {
		if chunk.Err != nil {
			t.Fatalf("chunk error: %v", chunk.Err)
		}
		got.Write(chunk.Data)
	}
	if got.String() != "new\nmore\n" {
		t.Errorf("streamed %q, want only output after subscription", got.String())
	}

	if _, err := p.StreamLogs(ctx, env.ID, "nope"); !compute.IsNotFound(err) {
		t.Errorf("unknown task: err = %v", err)
	}
}

func TestFilesRoundTrip(t *testing.T) {
	p := newTestProvider(t, nil)
	env := createEnv(t, p)
	ctx := context.Background()

	err := p.UploadFiles(ctx, env.ID, []compute.File{
		{Path: "a/b.txt", Content: []byte("b"), Mode: 0o600},
		{Path: "c.sh", Content: []byte("#!/bin/sh\n"), Mode: 0o755},
	})
	if err != nil {
		t.Fatalf("UploadFiles: %v", err)
	}
	files, err := p.DownloadResults(ctx, env.ID, []string{"a/b.txt", "./c.sh"})
	if err != nil {
		t.Fatalf("DownloadResults: %v", err)
	}
	if len(files) != 2 || string(files[0].Content) != "b" || files[0].Mode != 0o600 || files[1].Path != "c.sh" || files[1].Mode != 0o755 {
		t.Errorf("files = %+v", files)
	}

	if _, err := p.DownloadResults(ctx, env.ID, []string{"missing"}); !compute.IsNotFound(err) {
		t.Errorf("missing file: err = %v", err)
	}
	if err := p.UploadFiles(ctx, env.ID, []compute.File{{Path: "../escape"}}); err == nil {
		t.Error("escaping upload accepted")
	}
	if _, err := os.Stat(filepath.Join(p.cfg.Root, "escape")); !os.IsNotExist(err) {
		t.Error("file written outside the environment")
	}
}

func TestInitializeStartsAndStopsServer(t *testing.T) {
	server := newFakeProcess(42)
	var specs []ProcessSpec
	starter := func(_ context.Context, spec ProcessSpec) (Process, error) {
		specs = append(specs, spec)
		return server, nil
	}
	p := NewProvider("local", Config{Root: t.TempDir(), ServerCmd: "agent serve", ServerSettle: 20 * time.Millisecond}, starter)

	if err := p.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := p.Initialize(context.Background()); err != nil {
		t.Fatalf("second Initialize: %v", err)
	}
	if len(specs) != 1 || specs[0].Command != "agent serve" || specs[0].Shell != DefaultShell {
		t.Fatalf("specs = %+v, want one server start", specs)
	}

	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if got := server.received(); len(got) != 1 || got[0] != syscall.SIGTERM {
		t.Errorf("server signals = %v, want [SIGTERM]", got)
	}
}

func TestInitializeFailsWhenServerExitsEarly(t *testing.T) {
	starter := func(context.Context, ProcessSpec) (Process, error) {
		proc := newFakeProcess(7)
		proc.finish(exitStatus(1))
		return proc, nil
	}
	p := NewProvider("local", Config{Root: t.TempDir(), ServerCmd: "agent serve"}, starter)

	start := time.Now()
	err := p.Initialize(context.Background())
	if err == nil || !strings.Contains(err.Error(), "exited during startup") {
		t.Fatalf("err = %v", err)
	}
	if time.Since(start) > MaxServerSettle {
		t.Errorf("Initialize waited %v after the server died", time.Since(start))
	}
}

func TestShutdownCancelsTasksAndRemovesEnvironments(t *testing.T) {
	p := newTestProvider(t, nil)
	env := createEnv(t, p)
	ctx := context.Background()

	done := make(chan *compute.TaskExecution, 1)
	go func() {
		exec, _ := p.ExecuteTask(ctx, env, compute.TaskDefinition{ID: "t1", Command: "sleep 10"})
		done <- exec
	}()
	waitFor(t, func() bool {
		exec, err := p.GetTaskStatus(ctx, env.ID, "t1")
		return err == nil && exec.Status == compute.TaskRunning
	})

	if err := p.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if exec := <-done; exec == nil || exec.Status != compute.TaskCancelled {
		t.Errorf("exec = %+v, want cancelled", exec)
	}
	if _, err := os.Stat(env.Metadata[MetaDir]); !os.IsNotExist(err) {
		t.Errorf("environment dir survived shutdown: %v", err)
	}
	if list, _ := p.ListEnvironments(ctx); len(list) != 0 {
		t.Errorf("environments left: %v", list)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{name: "relative root", cfg: Config{Root: "rel"}, wantErr: "absolute path"},
		{name: "slash root", cfg: Config{Root: "/"}, wantErr: "must not be /"},
		{name: "settle too long", cfg: Config{Root: "/tmp/x", ServerCmd: "s", ServerSettle: 5 * time.Second}, wantErr: "server_settle"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			cfg.ApplyDefaults()
			res := Validate(cfg)
			if res.Valid || !strings.Contains(strings.Join(res.Errors, "; "), tt.wantErr) {
				t.Errorf("res = %+v, want error %q", res, tt.wantErr)
			}
		})
	}
}

func TestFactory(t *testing.T) {
	var node yaml.Node
	if err := yaml.Unmarshal([]byte("root: /var/tmp/rc\nmax_concurrency: 3\n"), &node); err != nil {
		t.Fatal(err)
	}
	p, err := Factory(compute.ProviderConfig{Name: "dev", Type: ProviderType, Config: *node.Content[0]}, compute.Deps{})
	if err != nil {
		t.Fatal(err)
	}
	if res := p.ValidateConfig(); !res.Valid {
		t.Errorf("ValidateConfig = %+v", res)
	}
	caps := p.Capabilities()
	if !caps.LowLatency || caps.SupportsGPU || caps.MaxConcurrency != 3 {
		t.Errorf("caps = %+v", caps)
	}

	if err := yaml.Unmarshal([]byte("rooot: /x\n"), &node); err != nil {
		t.Fatal(err)
	}
	if _, err := Factory(compute.ProviderConfig{Name: "dev", Type: ProviderType, Config: *node.Content[0]}, compute.Deps{}); err == nil {
		t.Error("unknown key accepted")
	}
}

func TestExitCode(t *testing.T) {
	if code, ok := exitCode(nil); code != 0 || !ok {
		t.Errorf("nil = %d, %v", code, ok)
	}
	if code, ok := exitCode(exitStatus(4)); code != 4 || !ok {
		t.Errorf("coded = %d, %v", code, ok)
	}
	if code, ok := exitCode(errors.New("boom")); code != -1 || ok {
		t.Errorf("plain = %d, %v", code, ok)
	}
}
