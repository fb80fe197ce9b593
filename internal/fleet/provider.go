package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/l2succes/remote-claude-sub003/internal/compute"
	"github.com/l2succes/remote-claude-sub003/internal/remote"
)

// Metadata keys set on fleet environments.
const (
	MetaRepository = "repository"
	MetaBranch     = "branch"
	MetaHost       = "host"
	MetaContainer  = "container"
	MetaSSHPort    = "ssh_port"
	MetaAgentPort  = "agent_port"
	MetaWorkspace  = "workspace"
)

// exitCommandNotFound is the shell's status for a missing executable.
const exitCommandNotFound = 127

// Provider is the shared-fleet backend. An environment is the container of
// one repository; creating an environment for a repository that already has
// one returns the existing container.
type Provider struct {
	name  string
	cfg   Config
	orch  *Orchestrator
	tasks *compute.TaskTable
	log   *slog.Logger
	now   func() time.Time

	mu          sync.Mutex
	initialized bool
}

var _ compute.Provider = (*Provider)(nil)

// NewProvider creates a fleet backend. A nil transport selects SSH, or the
// local shell when cfg.Local is set.
func NewProvider(name string, cfg Config, transport remote.Transport, m *metrics) *Provider {
	cfg.ApplyDefaults()
	if transport == nil {
		if cfg.Local {
			transport = remote.LocalTransport{}
		} else {
			transport = remote.NewSSHTransport(cfg.SSH)
		}
	}
	return &Provider{
		name:  name,
		cfg:   cfg,
		orch:  NewOrchestrator(name, cfg, transport, m),
		tasks: compute.NewTaskTable(),
		log:   cfg.Logger.With("provider", name),
		now:   time.Now,
	}
}

// Factory builds a fleet backend from a provider file entry. The SSH key
// may come from settings as "<name>.ssh_key_file" when the block omits it.
func Factory(pc compute.ProviderConfig, deps compute.Deps) (compute.Provider, error) {
	var cfg Config
	if err := compute.DecodeStrict(pc.Config, &cfg); err != nil {
		return nil, fmt.Errorf("provider %s: %w", pc.Name, err)
	}
	if deps.Settings != nil && cfg.SSH.KeyFile == "" {
		if v, ok := deps.Settings.Get(pc.Name + ".ssh_key_file"); ok {
			if s, isStr := v.(string); isStr {
				cfg.SSH.KeyFile = s
			}
		}
	}
	cfg.Logger = deps.Logger
	m, err := newMetrics(pc.Name, deps.Metrics)
	if err != nil {
		return nil, fmt.Errorf("provider %s: registering metrics: %w", pc.Name, err)
	}
	return NewProvider(pc.Name, cfg, nil, m), nil
}

func (p *Provider) Name() string { return p.name }

// Orchestrator exposes the container orchestrator for fleet-specific tooling.
func (p *Provider) Orchestrator() *Orchestrator { return p.orch }

func (p *Provider) ValidateConfig() compute.ValidationResult { return Validate(p.cfg) }

func (p *Provider) Capabilities() compute.Capabilities {
	return compute.Capabilities{
		SupportsGPU:    p.cfg.Capabilities.SupportsGPU,
		LowLatency:     p.cfg.Capabilities.LowLatency,
		CostOptimized:  true,
		CostPerHour:    p.cfg.Capabilities.CostPerHour,
		MaxConcurrency: p.cfg.capacity(),
		Regions:        append([]string(nil), p.cfg.Capabilities.Regions...),
	}
}

// Initialize checks every host has a reachable container runtime and
// prepares the workspace and archive roots. A host without the runtime
// means the fleet was never provisioned.
func (p *Provider) Initialize(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.initialized {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, host := range p.cfg.Hosts {
		g.Go(func() error { return p.prepareHost(gctx, host) })
	}
	if err := g.Wait(); err != nil {
		return err
	}
	p.initialized = true
	p.log.Info("fleet ready", "hosts", len(p.cfg.Hosts))
	return nil
}

func (p *Provider) prepareHost(ctx context.Context, host string) error {
	return p.orch.withSession(ctx, host, func(s remote.Session) error {
		if _, err := p.orch.run(ctx, s, host, "docker version --format '{{.Server.Version}}'"); err != nil {
			var cmdErr *remote.CommandError
			if errors.As(err, &cmdErr) && cmdErr.ExitCode == exitCommandNotFound {
				return fmt.Errorf("host %s has no container runtime: %w", host, compute.ErrInfrastructureNotProvisioned)
			}
			return fmt.Errorf("host %s: %w", host, err)
		}
		_, err := p.orch.run(ctx, s, host, remote.Join("mkdir", "-p", p.cfg.WorkspaceRoot, p.cfg.ArchiveRoot))
		return err
	})
}

// Shutdown cancels running tasks and tears down every container, continuing
// past failures.
func (p *Provider) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.tasks.CancelAll()

	var (
		mu   sync.Mutex
		errs error
		g    errgroup.Group
	)
	for _, c := range p.orch.List() {
		g.Go(func() error {
			if err := p.orch.RemoveContainer(ctx, c.Repository); err != nil && !compute.IsNotFound(err) {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	p.initialized = false
	return errs
}

// CreateEnvironment returns the repository's container, creating it if needed.
func (p *Provider) CreateEnvironment(ctx context.Context, opts compute.EnvironmentOptions) (*compute.Environment, error) {
	if opts.Repository == "" {
		return nil, &compute.ProvisionError{Provider: p.name, Err: errors.New("repository is required")}
	}
	if opts.Resources.GPUs > 0 && !p.cfg.Capabilities.SupportsGPU {
		return nil, &compute.ProvisionError{Provider: p.name, Err: fmt.Errorf("%d GPUs requested: %w", opts.Resources.GPUs, compute.ErrNoCapableProvider)}
	}
	host := hostFor(opts.Repository, p.cfg.Hosts)
	c, err := p.orch.GetOrCreateContainer(ctx, host, ContainerConfig{
		Repository: opts.Repository,
		Branch:     opts.Branch,
		Image:      opts.Image,
		Resources:  opts.Resources,
		Env:        opts.Env,
	})
	if err != nil {
		return nil, err
	}
	env := p.toEnvironment(c)
	for k, v := range opts.Metadata {
		if _, reserved := env.Metadata[k]; !reserved {
			env.Metadata[k] = v
		}
	}
	return env, nil
}

func (p *Provider) toEnvironment(c ContainerInfo) *compute.Environment {
	status := compute.EnvironmentRunning
	switch c.Status {
	case ContainerError:
		status = compute.EnvironmentError
	case ContainerStopped:
		status = compute.EnvironmentStopped
	}
	meta := map[string]string{
		MetaRepository: c.Repository,
		MetaHost:       c.Host,
		MetaContainer:  c.Name,
		MetaSSHPort:    strconv.Itoa(c.SSHPort),
		MetaAgentPort:  strconv.Itoa(c.AgentPort),
		MetaWorkspace:  c.WorkspacePath,
	}
	if c.Branch != "" {
		meta[MetaBranch] = c.Branch
	}
	return &compute.Environment{
		ID:        c.ID,
		Provider:  p.name,
		Status:    status,
		CreatedAt: c.StartedAt,
		Metadata:  meta,
	}
}

func (p *Provider) container(id string) (ContainerInfo, error) {
	c, ok := p.orch.ContainerByID(id)
	if !ok {
		return ContainerInfo{}, compute.NewNotFound("environment", id)
	}
	return c, nil
}

// GetEnvironment reports the container's state, consulting the runtime so a
// container that died on the host shows as stopped.
func (p *Provider) GetEnvironment(ctx context.Context, id string) (*compute.Environment, error) {
	c, err := p.container(id)
	if err != nil {
		return nil, err
	}
	env := p.toEnvironment(c)
	if c.Status == ContainerRunning {
		state, err := p.orch.InspectStatus(ctx, c.Repository)
		switch {
		case err != nil:
			p.log.Debug("inspect failed, using recorded status", "environment_id", id, "error", err)
		case state != "running":
			env.Status = compute.EnvironmentStopped
			env.Metadata["runtime_state"] = state
		}
	}
	return env, nil
}

func (p *Provider) ListEnvironments(ctx context.Context) ([]compute.Environment, error) {
	list := p.orch.List()
	out := make([]compute.Environment, 0, len(list))
	for _, c := range list {
		out = append(out, *p.toEnvironment(c))
	}
	return out, nil
}

// DestroyEnvironment tears the container down. It fails with ErrContainerBusy
// while tasks are attached.
func (p *Provider) DestroyEnvironment(ctx context.Context, id string) error {
	c, err := p.container(id)
	if err != nil {
		return err
	}
	stopped, err := p.orch.StopContainerIfEmpty(ctx, c.Repository)
	if err != nil {
		if compute.IsNotFound(err) {
			return compute.NewNotFound("environment", id)
		}
		return err
	}
	if !stopped {
		return fmt.Errorf("environment %s: %w", id, ErrContainerBusy)
	}
	p.tasks.DropEnvironment(id)
	return nil
}

func (p *Provider) taskLogPath(taskID string) string {
	return path.Join(taskStateDir, taskID+".log")
}

// ExecuteTask runs the task in the environment's container and waits for it.
func (p *Provider) ExecuteTask(ctx context.Context, env *compute.Environment, task compute.TaskDefinition) (*compute.TaskExecution, error) {
	c, err := p.container(env.ID)
	if err != nil {
		return nil, err
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Command == "" {
		return nil, errors.New("task command is required")
	}

	runCtx, cancel := context.WithCancel(ctx)
	if task.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, task.Timeout)
	}
	defer cancel()
	// Claim the ID before attaching: a rejected duplicate must not detach
	// the running task from its container on the way out.
	if err := p.tasks.Start(env.ID, task.ID, cancel, p.now()); err != nil {
		return nil, err
	}

	if err := p.orch.AddTaskToContainer(c.Repository, task.ID); err != nil {
		p.tasks.Abort(task.ID, p.now(), err)
		return nil, err
	}
	defer func() {
		if err := p.orch.RemoveTaskFromContainer(c.Repository, task.ID); err != nil && !compute.IsNotFound(err) {
			p.log.Warn("detaching task failed", "task_id", task.ID, "error", err)
		}
	}()

	if len(task.InputFiles) > 0 {
		if err := p.orch.WriteWorkspaceFiles(ctx, c.Repository, task.InputFiles); err != nil {
			err = fmt.Errorf("uploading input files: %w", err)
			p.tasks.Abort(task.ID, p.now(), err)
			return nil, err
		}
	}

	_, runErr := p.orch.ExecuteInContainer(runCtx, c.Repository, task.WorkDir, task.Env, taskScript(task.ID, task.Command))
	if runCtx.Err() != nil {
		// Dropping the exec session does not stop the process in the container.
		if _, err := p.orch.ExecuteInContainer(context.WithoutCancel(ctx), c.Repository, "", nil, killScript(task.ID)); err != nil {
			p.log.Warn("signalling task failed", "task_id", task.ID, "error", err)
		}
	}

	// Read output on the caller's context; runCtx may be done.
	output, readErr := p.orch.ReadWorkspaceFrom(context.WithoutCancel(ctx), c.Repository, p.taskLogPath(task.ID), 0)
	if readErr != nil {
		p.log.Warn("reading task output failed", "task_id", task.ID, "error", readErr)
	}

	exec, err := p.tasks.Finish(task.ID, p.now(), func(e *compute.TaskExecution) {
		e.Output = string(output)
		var cmdErr *remote.CommandError
		switch {
		case runErr == nil:
			e.Status = compute.TaskCompleted
		case errors.As(runErr, &cmdErr):
			e.Status = compute.TaskFailed
			e.ExitCode = cmdErr.ExitCode
			e.Error = fmt.Sprintf("exited with status %d", cmdErr.ExitCode)
		case errors.Is(runCtx.Err(), context.DeadlineExceeded):
			e.Status = compute.TaskFailed
			e.ExitCode = -1
			e.Error = fmt.Sprintf("timed out after %v", task.Timeout)
		default:
			e.Status = compute.TaskFailed
			e.ExitCode = -1
			e.Error = runErr.Error()
		}
	})
	if err != nil {
		return nil, err
	}
	return &exec, nil
}

func (p *Provider) GetTaskStatus(ctx context.Context, envID, taskID string) (*compute.TaskExecution, error) {
	exec, err := p.tasks.Get(envID, taskID)
	if err != nil {
		return nil, err
	}
	return &exec, nil
}

// CancelTask signals the task's process through its pid file, then aborts
// the command. Output produced before the signal is kept.
func (p *Provider) CancelTask(ctx context.Context, envID, taskID string) error {
	c, err := p.container(envID)
	if err != nil {
		return err
	}
	cancel, err := p.tasks.MarkCancelled(envID, taskID)
	if err != nil || cancel == nil {
		return err
	}
	if _, err := p.orch.ExecuteInContainer(ctx, c.Repository, "", nil, killScript(taskID)); err != nil {
		p.log.Warn("signalling task failed", "task_id", taskID, "error", err)
	}
	cancel()
	return nil
}

// StreamLogs follows the task's log file from its current end.
func (p *Provider) StreamLogs(ctx context.Context, envID, taskID string) (<-chan compute.LogChunk, error) {
	c, err := p.container(envID)
	if err != nil {
		return nil, err
	}
	if _, err := p.tasks.Get(envID, taskID); err != nil {
		return nil, err
	}
	logPath := p.taskLogPath(taskID)
	start, err := p.orch.WorkspaceFileSize(ctx, c.Repository, logPath)
	if err != nil {
		return nil, err
	}

	fetch := func(ctx context.Context, offset int64) ([]byte, int64, bool, error) {
		// Check for completion before reading so the final read sees all output.
		exec, err := p.tasks.Get(envID, taskID)
		if err != nil {
			return nil, offset, false, err
		}
		done := exec.Status.IsTerminal()
		data, err := p.orch.ReadWorkspaceFrom(ctx, c.Repository, logPath, offset)
		if err != nil {
			return nil, offset, false, err
		}
		return data, offset + int64(len(data)), done, nil
	}
	return compute.PollLogs(ctx, taskID, start, p.cfg.LogPollInterval, fetch), nil
}

func (p *Provider) UploadFiles(ctx context.Context, envID string, files []compute.File) error {
	c, err := p.container(envID)
	if err != nil {
		return err
	}
	return p.orch.WriteWorkspaceFiles(ctx, c.Repository, files)
}

func (p *Provider) DownloadResults(ctx context.Context, envID string, paths []string) ([]compute.File, error) {
	c, err := p.container(envID)
	if err != nil {
		return nil, err
	}
	return p.orch.ReadWorkspaceFiles(ctx, c.Repository, paths)
}

// Stats samples every managed container running on any host, whichever
// process created it.
func (p *Provider) Stats(ctx context.Context) ([]ContainerStats, error) {
	return acrossHosts(ctx, p.cfg.Hosts, p.orch.HostStats)
}

// Discover lists the managed containers every host's runtime reports.
func (p *Provider) Discover(ctx context.Context) ([]RuntimeContainer, error) {
	return acrossHosts(ctx, p.cfg.Hosts, p.orch.Discover)
}

// acrossHosts calls fn for every host concurrently and concatenates the
// results. A failing host does not hide the others' results.
func acrossHosts[T any](ctx context.Context, hosts []string, fn func(context.Context, string) ([]T, error)) ([]T, error) {
	var (
		mu   sync.Mutex
		all  []T
		errs error
		g    errgroup.Group
	)
	for _, host := range hosts {
		g.Go(func() error {
			got, err := fn(ctx, host)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("host %s: %w", host, err))
				return nil
			}
			all = append(all, got...)
			return nil
		})
	}
	_ = g.Wait()
	return all, errs
}
