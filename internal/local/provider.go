package local

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/l2succes/remote-claude-sub003/internal/compute"
	"github.com/l2succes/remote-claude-sub003/internal/remote"
)

// ErrEnvironmentBusy is returned when destroying an environment that still
// has running tasks.
var ErrEnvironmentBusy = errors.New("environment has running tasks")

// Metadata keys set on local environments.
const (
	MetaDir        = "dir"
	MetaRepository = "repository"
	MetaBranch     = "branch"
)

const stateDir = ".rc"

type environment struct {
	id        string
	dir       string
	createdAt time.Time
	meta      map[string]string
	running   int
}

// Provider is the local subprocess backend.
type Provider struct {
	name  string
	cfg   Config
	start ProcessStarter
	tasks *compute.TaskTable
	log   *slog.Logger
	now   func() time.Time

	mu          sync.Mutex
	initialized bool
	server      Process
	serverDone  chan error
	envs        map[string]*environment
	inflight    sync.WaitGroup
}

var _ compute.Provider = (*Provider)(nil)

// NewProvider creates a local backend. A nil starter runs real processes.
func NewProvider(name string, cfg Config, starter ProcessStarter) *Provider {
	cfg.ApplyDefaults()
	if starter == nil {
		starter = ExecProcessStarter
	}
	return &Provider{
		name:  name,
		cfg:   cfg,
		start: starter,
		tasks: compute.NewTaskTable(),
		log:   cfg.Logger.With("provider", name),
		now:   time.Now,
		envs:  make(map[string]*environment),
	}
}

// Factory builds a local backend from a provider file entry.
func Factory(pc compute.ProviderConfig, deps compute.Deps) (compute.Provider, error) {
	var cfg Config
	if err := compute.DecodeStrict(pc.Config, &cfg); err != nil {
		return nil, fmt.Errorf("provider %s: %w", pc.Name, err)
	}
	cfg.Logger = deps.Logger
	return NewProvider(pc.Name, cfg, nil), nil
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) ValidateConfig() compute.ValidationResult { return Validate(p.cfg) }

func (p *Provider) Capabilities() compute.Capabilities {
	return compute.Capabilities{
		LowLatency:     true,
		CostOptimized:  true,
		MaxConcurrency: p.cfg.MaxConcurrency,
		MaxDuration:    time.Hour,
		Regions:        []string{"local"},
	}
}

// Initialize creates the root directory and starts the managed server, if
// one is configured. After starting the server it waits a bounded settle
// delay and fails if the server exited in that window.
func (p *Provider) Initialize(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.initialized {
		return nil
	}
	if err := os.MkdirAll(p.cfg.Root, 0o700); err != nil {
		return fmt.Errorf("creating root %s: %w", p.cfg.Root, err)
	}
	if p.cfg.ServerCmd != "" {
		if err := p.startServer(ctx); err != nil {
			return err
		}
	}
	p.initialized = true
	p.log.Info("local backend ready", "root", p.cfg.Root)
	return nil
}

func (p *Provider) startServer(ctx context.Context) error {
	logFile, err := openLog(filepath.Join(p.cfg.Root, "server.log"), false)
	if err != nil {
		return err
	}
	proc, err := p.start(ctx, ProcessSpec{
		Shell:   p.cfg.Shell,
		Command: p.cfg.ServerCmd,
		Dir:     p.cfg.Root,
		Stdout:  logFile,
	})
	if err != nil {
		_ = logFile.Close()
		return fmt.Errorf("starting server: %w", err)
	}
	done := make(chan error, 1)
	go func() {
		done <- proc.Wait()
		_ = logFile.Close()
	}()

	settle := min(p.cfg.ServerSettle, MaxServerSettle)
	timer := time.NewTimer(settle)
	defer timer.Stop()
	select {
	case err := <-done:
		return fmt.Errorf("server %q exited during startup: %v", p.cfg.ServerCmd, err)
	case <-ctx.Done():
		_ = proc.Signal(syscall.SIGKILL)
		<-done
		return ctx.Err()
	case <-timer.C:
	}
	p.server, p.serverDone = proc, done
	p.log.Info("managed server started", "pid", proc.PID())
	return nil
}

// Shutdown cancels running tasks, waits for them to finish, removes every
// environment directory and stops the managed server. Failures are
// aggregated; no step is skipped.
func (p *Provider) Shutdown(ctx context.Context) error {
	p.tasks.CancelAll()

	waited := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(waited)
	}()
	var errs error
	select {
	case <-waited:
	case <-ctx.Done():
		errs = multierr.Append(errs, fmt.Errorf("waiting for tasks: %w", ctx.Err()))
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for id, env := range p.envs {
		if err := os.RemoveAll(env.dir); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("removing environment %s: %w", id, err))
			continue
		}
		delete(p.envs, id)
		p.tasks.DropEnvironment(id)
	}
	if p.server != nil {
		errs = multierr.Append(errs, p.stopServer(ctx))
		p.server, p.serverDone = nil, nil
	}
	p.initialized = false
	return errs
}

func (p *Provider) stopServer(ctx context.Context) error {
	if err := p.server.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("stopping server: %w", err)
	}
	timer := time.NewTimer(p.cfg.KillGrace)
	defer timer.Stop()
	select {
	case <-p.serverDone:
		return nil
	case <-ctx.Done():
	case <-timer.C:
	}
	_ = p.server.Signal(syscall.SIGKILL)
	<-p.serverDone
	return nil
}

// CreateEnvironment makes a fresh directory and, when a repository is
// given, clones it there.
func (p *Provider) CreateEnvironment(ctx context.Context, opts compute.EnvironmentOptions) (*compute.Environment, error) {
	if opts.Resources.GPUs > 0 {
		return nil, &compute.ProvisionError{Provider: p.name, Err: fmt.Errorf("%d GPUs requested: %w", opts.Resources.GPUs, compute.ErrNoCapableProvider)}
	}
	id := uuid.NewString()
	dir := filepath.Join(p.cfg.Root, id)
	if err := os.MkdirAll(filepath.Join(dir, stateDir), 0o700); err != nil {
		return nil, &compute.ProvisionError{Provider: p.name, Err: err}
	}

	meta := map[string]string{MetaDir: dir}
	for k, v := range opts.Metadata {
		meta[k] = v
	}
	if opts.Repository != "" {
		meta[MetaRepository] = opts.Repository
		if opts.Branch != "" {
			meta[MetaBranch] = opts.Branch
		}
		if err := p.clone(ctx, dir, opts.Repository, opts.Branch); err != nil {
			if rmErr := os.RemoveAll(dir); rmErr != nil {
				err = multierr.Append(err, rmErr)
			}
			return nil, &compute.ProvisionError{Provider: p.name, Err: err}
		}
	}

	env := &environment{id: id, dir: dir, createdAt: p.now(), meta: meta}
	p.mu.Lock()
	p.envs[id] = env
	p.mu.Unlock()

	p.log.Info("environment created", "env_id", id, "dir", dir)
	return p.toEnvironment(env), nil
}

// clone checks the repository out into a "src" directory. The state
// directory already exists, so the environment root itself is not empty.
func (p *Provider) clone(ctx context.Context, dir, repo, branch string) error {
	args := []string{"git", "clone", "--quiet"}
	if branch != "" {
		args = append(args, "--branch", branch)
	}
	args = append(args, "--", repo, "src")

	var out bytes.Buffer
	proc, err := p.start(ctx, ProcessSpec{Shell: p.cfg.Shell, Command: remote.Join(args...), Dir: dir, Stdout: &out})
	if err != nil {
		return err
	}
	if err := proc.Wait(); err != nil {
		return fmt.Errorf("cloning %s: %w: %s", repo, err, bytes.TrimSpace(out.Bytes()))
	}
	return nil
}

func (p *Provider) toEnvironment(env *environment) *compute.Environment {
	meta := make(map[string]string, len(env.meta))
	for k, v := range env.meta {
		meta[k] = v
	}
	return &compute.Environment{
		ID:        env.id,
		Provider:  p.name,
		Status:    compute.EnvironmentRunning,
		CreatedAt: env.createdAt,
		Metadata:  meta,
	}
}

func (p *Provider) environment(id string) (*environment, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	env, ok := p.envs[id]
	if !ok {
		return nil, compute.NewNotFound("environment", id)
	}
	return env, nil
}

func (p *Provider) GetEnvironment(_ context.Context, id string) (*compute.Environment, error) {
	env, err := p.environment(id)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.toEnvironment(env), nil
}

func (p *Provider) ListEnvironments(context.Context) ([]compute.Environment, error) {
	p.mu.Lock()
	out := make([]compute.Environment, 0, len(p.envs))
	for _, env := range p.envs {
		out = append(out, *p.toEnvironment(env))
	}
	p.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// DestroyEnvironment removes the environment directory. It fails with
// ErrEnvironmentBusy while tasks are running there.
func (p *Provider) DestroyEnvironment(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	env, ok := p.envs[id]
	if !ok {
		return compute.NewNotFound("environment", id)
	}
	if env.running > 0 {
		return fmt.Errorf("environment %s: %w", id, ErrEnvironmentBusy)
	}
	if err := os.RemoveAll(env.dir); err != nil {
		return fmt.Errorf("removing environment %s: %w", id, err)
	}
	delete(p.envs, id)
	p.tasks.DropEnvironment(id)
	p.log.Info("environment destroyed", "env_id", id)
	return nil
}

func taskLogPath(dir, taskID string) string {
	return filepath.Join(dir, stateDir, filepath.Base(taskID)+".log")
}

// openLog opens a log file owner-only, creating its directory if needed.
func openLog(path string, truncate bool) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if truncate {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening log file %s: %w", path, err)
	}
	return f, nil
}

// ExecuteTask runs the command in the environment directory and waits for
// it. Cancellation and timeouts signal the process group, then kill it after
// the grace period.
func (p *Provider) ExecuteTask(ctx context.Context, envHandle *compute.Environment, task compute.TaskDefinition) (*compute.TaskExecution, error) {
	if task.Command == "" {
		return nil, errors.New("task command is required")
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}

	p.mu.Lock()
	env, ok := p.envs[envHandle.ID]
	if !ok {
		p.mu.Unlock()
		return nil, compute.NewNotFound("environment", envHandle.ID)
	}
	env.running++
	p.inflight.Add(1)
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		env.running--
		p.mu.Unlock()
		p.inflight.Done()
	}()

	workDir := env.dir
	if task.WorkDir != "" {
		rel, err := compute.CleanWorkspacePath(task.WorkDir)
		if err != nil {
			return nil, err
		}
		workDir = filepath.Join(env.dir, filepath.FromSlash(rel))
	}
	// Nothing on disk is touched until the ID is claimed, so a rejected
	// duplicate leaves the running task's inputs and log alone.
	runCtx, cancel := context.WithCancel(ctx)
	if task.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, task.Timeout)
	}
	defer cancel()
	if err := p.tasks.Start(env.id, task.ID, cancel, p.now()); err != nil {
		return nil, err
	}

	if len(task.InputFiles) > 0 {
		if err := writeFiles(env.dir, task.InputFiles); err != nil {
			err = fmt.Errorf("uploading input files: %w", err)
			p.tasks.Abort(task.ID, p.now(), err)
			return nil, err
		}
	}

	logPath := taskLogPath(env.dir, task.ID)
	logFile, err := openLog(logPath, true)
	if err != nil {
		p.tasks.Abort(task.ID, p.now(), err)
		return nil, err
	}
	defer func() { _ = logFile.Close() }()

	proc, startErr := p.start(runCtx, ProcessSpec{
		Shell:   p.cfg.Shell,
		Command: task.Command,
		Dir:     workDir,
		Env:     taskEnv(env.id, task),
		Stdout:  logFile,
	})
	var waitErr error
	if startErr == nil {
		p.log.Debug("task started", "env_id", env.id, "task_id", task.ID, "pid", proc.PID())
		waitErr = p.wait(runCtx, proc)
	}

	output, readErr := os.ReadFile(logPath)
	if readErr != nil {
		p.log.Warn("reading task output failed", "task_id", task.ID, "error", readErr)
	}

	exec, err := p.tasks.Finish(task.ID, p.now(), func(e *compute.TaskExecution) {
		e.Output = string(output)
		if startErr != nil {
			e.Status, e.ExitCode, e.Error = compute.TaskFailed, -1, startErr.Error()
			return
		}
		code, known := exitCode(waitErr)
		switch {
		case errors.Is(runCtx.Err(), context.DeadlineExceeded):
			e.Status, e.ExitCode = compute.TaskFailed, code
			e.Error = fmt.Sprintf("timed out after %v", task.Timeout)
		case waitErr == nil:
			e.Status = compute.TaskCompleted
		case known:
			e.Status, e.ExitCode = compute.TaskFailed, code
			e.Error = fmt.Sprintf("exited with status %d", code)
		default:
			e.Status, e.ExitCode, e.Error = compute.TaskFailed, -1, waitErr.Error()
		}
	})
	if err != nil {
		return nil, err
	}
	return &exec, nil
}

// wait blocks until proc exits. When ctx ends first the process group gets
// SIGTERM, then SIGKILL after the grace period.
func (p *Provider) wait(ctx context.Context, proc Process) error {
	done := make(chan error, 1)
	go func() { done <- proc.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		p.log.Warn("signalling task failed", "pid", proc.PID(), "error", err)
	}
	timer := time.NewTimer(p.cfg.KillGrace)
	defer timer.Stop()
	select {
	case err := <-done:
		return err
	case <-timer.C:
	}
	_ = proc.Signal(syscall.SIGKILL)
	return <-done
}

func taskEnv(envID string, task compute.TaskDefinition) []string {
	keys := make([]string, 0, len(task.Env))
	for k := range task.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys)+2)
	out = append(out, "RC_ENVIRONMENT_ID="+envID, "RC_TASK_ID="+task.ID)
	for _, k := range keys {
		out = append(out, k+"="+task.Env[k])
	}
	return out
}

func (p *Provider) GetTaskStatus(_ context.Context, envID, taskID string) (*compute.TaskExecution, error) {
	exec, err := p.tasks.Get(envID, taskID)
	if err != nil {
		return nil, err
	}
	return &exec, nil
}

// CancelTask aborts a running task. Output written before the signal is
// kept. Cancelling a finished task does nothing.
func (p *Provider) CancelTask(_ context.Context, envID, taskID string) error {
	cancel, err := p.tasks.MarkCancelled(envID, taskID)
	if err != nil || cancel == nil {
		return err
	}
	cancel()
	return nil
}

// StreamLogs follows the task's log file from its current end.
func (p *Provider) StreamLogs(ctx context.Context, envID, taskID string) (<-chan compute.LogChunk, error) {
	env, err := p.environment(envID)
	if err != nil {
		return nil, err
	}
	if _, err := p.tasks.Get(envID, taskID); err != nil {
		return nil, err
	}
	logPath := taskLogPath(env.dir, taskID)
	var start int64
	if fi, err := os.Stat(logPath); err == nil {
		start = fi.Size()
	}

	fetch := func(_ context.Context, offset int64) ([]byte, int64, bool, error) {
		exec, err := p.tasks.Get(envID, taskID)
		if err != nil {
			return nil, offset, false, err
		}
		done := exec.Status.IsTerminal()
		data, err := readFrom(logPath, offset)
		if err != nil {
			return nil, offset, false, err
		}
		return data, offset + int64(len(data)), done, nil
	}
	return compute.PollLogs(ctx, taskID, start, p.cfg.LogPollInterval, fetch), nil
}

func readFrom(path string, offset int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer func() { _ = f.Close() }()
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, err
	}
	return io.ReadAll(f)
}

func (p *Provider) UploadFiles(_ context.Context, envID string, files []compute.File) error {
	env, err := p.environment(envID)
	if err != nil {
		return err
	}
	return writeFiles(env.dir, files)
}

func writeFiles(dir string, files []compute.File) error {
	for _, f := range files {
		rel, err := compute.CleanWorkspacePath(f.Path)
		if err != nil {
			return err
		}
		dst := filepath.Join(dir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
			return fmt.Errorf("creating directory for %s: %w", rel, err)
		}
		mode := os.FileMode(f.Mode)
		if mode == 0 {
			mode = 0o644
		}
		if err := os.WriteFile(dst, f.Content, mode); err != nil {
			return fmt.Errorf("writing %s: %w", rel, err)
		}
		// WriteFile only applies mode on create.
		if err := os.Chmod(dst, mode); err != nil {
			return fmt.Errorf("chmod %s: %w", rel, err)
		}
	}
	return nil
}

func (p *Provider) DownloadResults(_ context.Context, envID string, paths []string) ([]compute.File, error) {
	env, err := p.environment(envID)
	if err != nil {
		return nil, err
	}
	out := make([]compute.File, 0, len(paths))
	for _, raw := range paths {
		rel, err := compute.CleanWorkspacePath(raw)
		if err != nil {
			return nil, err
		}
		src := filepath.Join(env.dir, filepath.FromSlash(rel))
		fi, err := os.Stat(src)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, compute.NewNotFound("file", rel)
			}
			return nil, err
		}
		data, err := os.ReadFile(src)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", rel, err)
		}
		out = append(out, compute.File{Path: rel, Content: data, Mode: uint32(fi.Mode().Perm())})
	}
	return out, nil
}
