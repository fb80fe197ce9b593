package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/l2succes/remote-claude-sub003/internal/compute"
	"github.com/l2succes/remote-claude-sub003/internal/remote"
)

var (
	// ErrContainerBusy is returned when a container cannot be torn down
	// because tasks are still attached.
	ErrContainerBusy = errors.New("container has active tasks")

	// ErrContainerNotRunning is returned when a task tries to attach to a
	// container that is not in the running state.
	ErrContainerNotRunning = errors.New("container is not running")
)

// ContainerStatus is the lifecycle state of a registered container.
type ContainerStatus string

const (
	ContainerRunning ContainerStatus = "running"
	ContainerStopped ContainerStatus = "stopped"
	ContainerError   ContainerStatus = "error"
)

// ContainerConfig describes the container a repository needs.
type ContainerConfig struct {
	Repository string
	Branch     string
	Image      string
	Resources  compute.Resources
	Env        map[string]string
}

// ContainerInfo is the orchestrator's record of one repository's container.
// Values handed out by the orchestrator are copies.
type ContainerInfo struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Key           string          `json:"key"`
	Repository    string          `json:"repository"`
	Branch        string          `json:"branch,omitempty"`
	Host          string          `json:"host"`
	Status        ContainerStatus `json:"status"`
	StartedAt     time.Time       `json:"started_at"`
	WorkspacePath string          `json:"workspace_path"`
	ActiveTasks   []string        `json:"active_tasks"`
	SSHPort       int             `json:"ssh_port"`
	AgentPort     int             `json:"agent_port"`
	LastError     string          `json:"last_error,omitempty"`

	tasks map[string]struct{}
}

func (c *ContainerInfo) snapshot() ContainerInfo {
	cp := *c
	cp.tasks = nil
	cp.ActiveTasks = make([]string, 0, len(c.tasks))
	for id := range c.tasks {
		cp.ActiveTasks = append(cp.ActiveTasks, id)
	}
	sort.Strings(cp.ActiveTasks)
	return cp
}

// Orchestrator owns per-repository containers on a set of fleet hosts.
//
// Create, attach, detach and teardown for one repository are totally
// ordered by a per-repository lock. Different repositories proceed in
// parallel and only meet at the port allocator. Every method acquires its
// own transport session and closes it before returning.
type Orchestrator struct {
	name      string
	cfg       Config
	transport remote.Transport
	ports     *PortAllocator
	locks     keyedMutex
	metrics   *metrics
	log       *slog.Logger

	mu         sync.RWMutex
	containers map[string]*ContainerInfo // by repository URL

	now   func() time.Time
	newID func() string
}

// NewOrchestrator creates an orchestrator. cfg must already have defaults applied.
func NewOrchestrator(name string, cfg Config, transport remote.Transport, m *metrics) *Orchestrator {
	if m == nil {
		m, _ = newMetrics(name, nil)
	}
	return &Orchestrator{
		name:       name,
		cfg:        cfg,
		transport:  transport,
		ports:      NewPortAllocator(cfg.PortRange.Min, cfg.PortRange.Max),
		metrics:    m,
		log:        cfg.Logger.With("provider", name),
		containers: make(map[string]*ContainerInfo),
		now:        time.Now,
		newID:      func() string { return uuid.NewString()[:8] },
	}
}

// withSession connects to host, runs fn, and always disconnects.
func (o *Orchestrator) withSession(ctx context.Context, host string, fn func(s remote.Session) error) error {
	s, err := o.transport.Connect(ctx, host)
	if err != nil {
		o.metrics.remoteCommands.WithLabelValues("error").Inc()
		return fmt.Errorf("connecting to %s: %w", host, err)
	}
	defer func() {
		if cerr := s.Close(); cerr != nil {
			o.log.Debug("closing session failed", "host", host, "error", cerr)
		}
	}()
	return fn(s)
}

// run executes cmd, counts it, and turns a non-zero exit into a *remote.CommandError.
func (o *Orchestrator) run(ctx context.Context, s remote.Session, host, cmd string) (remote.Result, error) {
	res, err := remote.Run(ctx, s, host, cmd)
	switch {
	case remote.IsCommandError(err):
		o.metrics.remoteCommands.WithLabelValues("nonzero").Inc()
	case err != nil:
		o.metrics.remoteCommands.WithLabelValues("error").Inc()
	default:
		o.metrics.remoteCommands.WithLabelValues("ok").Inc()
	}
	return res, err
}

func (o *Orchestrator) lookup(repository string) (*ContainerInfo, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	c, ok := o.containers[repository]
	return c, ok
}

func (o *Orchestrator) store(c *ContainerInfo) {
	o.mu.Lock()
	o.containers[c.Repository] = c
	o.mu.Unlock()
	o.syncGauges()
}

func (o *Orchestrator) forget(repository string) {
	o.mu.Lock()
	delete(o.containers, repository)
	o.mu.Unlock()
	o.syncGauges()
}

func (o *Orchestrator) syncGauges() {
	o.mu.RLock()
	running := 0
	for _, c := range o.containers {
		if c.Status == ContainerRunning {
			running++
		}
	}
	o.mu.RUnlock()
	o.metrics.containersRunning.Set(float64(running))
	o.metrics.portsAllocated.Set(float64(o.ports.InUse()))
}

// GetOrCreateContainer returns the running container for cfg.Repository,
// creating it on host if there is none. Concurrent callers for the same
// repository observe a single creation.
//
// A container left in the error state is torn down and replaced, provided
// no tasks are attached to it.
func (o *Orchestrator) GetOrCreateContainer(ctx context.Context, host string, cfg ContainerConfig) (ContainerInfo, error) {
	if cfg.Repository == "" {
		return ContainerInfo{}, fmt.Errorf("repository is required")
	}
	unlock := o.locks.Lock(cfg.Repository)
	defer unlock()

	if c, ok := o.lookup(cfg.Repository); ok {
		switch {
		case c.Status == ContainerRunning:
			return c.snapshot(), nil
		case len(c.tasks) > 0:
			return ContainerInfo{}, fmt.Errorf("container %s is %s with %d tasks attached: %w", c.Name, c.Status, len(c.tasks), ErrContainerBusy)
		}
		o.log.Info("replacing container", "repository", c.Repository, "container", c.Name, "status", c.Status, "last_error", c.LastError)
		if err := o.teardownLocked(ctx, c); err != nil {
			return ContainerInfo{}, &compute.ProvisionError{Provider: o.name, Err: fmt.Errorf("clearing failed container: %w", err)}
		}
	}

	start := o.now()
	c, err := o.createLocked(ctx, host, cfg)
	if err != nil {
		return ContainerInfo{}, &compute.ProvisionError{Provider: o.name, Err: err}
	}
	o.metrics.createSeconds.Observe(o.now().Sub(start).Seconds())
	o.store(c)
	o.log.Info("container started",
		"repository", c.Repository, "container", c.Name, "host", c.Host,
		"ssh_port", c.SSHPort, "agent_port", c.AgentPort)
	return c.snapshot(), nil
}

// creation records how far createLocked got so a failure can be unwound.
type creation struct {
	portsHeld        bool
	workspaceCreated bool
	cloned           bool
	started          bool
}

func (o *Orchestrator) createLocked(ctx context.Context, host string, cfg ContainerConfig) (*ContainerInfo, error) {
	key := repoKey(cfg.Repository)
	suffix := o.newID()
	c := &ContainerInfo{
		ID:            key + "-" + suffix,
		Name:          containerName(key, suffix),
		Key:           key,
		Repository:    cfg.Repository,
		Branch:        cfg.Branch,
		Host:          host,
		WorkspacePath: workspacePath(o.cfg.WorkspaceRoot, key, suffix),
		tasks:         make(map[string]struct{}),
	}

	var progress creation
	ports, err := o.ports.Allocate(c.ID, portsPerContainer)
	if err != nil {
		return nil, err
	}
	progress.portsHeld = true
	c.SSHPort, c.AgentPort = ports[0], ports[1]

	err = o.withSession(ctx, host, func(s remote.Session) error {
		if _, err := o.run(ctx, s, host, createWorkspaceCommand(c.WorkspacePath)); err != nil {
			return fmt.Errorf("creating workspace: %w", err)
		}
		progress.workspaceCreated = true

		if _, err := o.run(ctx, s, host, cloneCommand(cfg.Repository, cfg.Branch, c.WorkspacePath)); err != nil {
			return fmt.Errorf("cloning %s: %w", cfg.Repository, err)
		}
		progress.cloned = true

		spec, err := o.runSpec(c, cfg)
		if err != nil {
			return err
		}
		if _, err := o.run(ctx, s, host, remote.Join(dockerRunArgs(spec)...)); err != nil {
			return fmt.Errorf("starting container: %w", err)
		}
		progress.started = true
		return nil
	})
	if err != nil {
		if rbErr := o.rollback(ctx, c, progress); rbErr != nil {
			err = multierr.Append(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return nil, err
	}

	c.Status = ContainerRunning
	c.StartedAt = o.now()
	return c, nil
}

func (o *Orchestrator) runSpec(c *ContainerInfo, cfg ContainerConfig) (runSpec, error) {
	pm, err := portMap(map[int]int{
		o.cfg.ContainerSSHPort:   c.SSHPort,
		o.cfg.ContainerAgentPort: c.AgentPort,
	})
	if err != nil {
		return runSpec{}, err
	}
	spec := runSpec{
		Name:      c.Name,
		Image:     firstNonEmpty(cfg.Image, o.cfg.Image),
		Network:   o.cfg.Network,
		Workspace: c.WorkspacePath,
		CPUs:      o.cfg.CPUs,
		MemoryMB:  o.cfg.MemoryMB,
		DiskGB:    o.cfg.DiskGB,
		Ports:     pm,
		Env:       make(map[string]string, len(cfg.Env)+2),
		Labels: map[string]string{
			labelManaged:    "true",
			labelRepository: c.Key,
		},
	}
	if cfg.Resources.CPUs > 0 {
		spec.CPUs = cfg.Resources.CPUs
	}
	if cfg.Resources.MemoryMB > 0 {
		spec.MemoryMB = cfg.Resources.MemoryMB
	}
	if cfg.Resources.DiskGB > 0 {
		spec.DiskGB = cfg.Resources.DiskGB
	}
	for k, v := range cfg.Env {
		spec.Env[k] = v
	}
	spec.Env["RC_REPOSITORY"] = cfg.Repository
	spec.Env["RC_WORKSPACE"] = containerWorkspace
	return spec, nil
}

// rollback removes whatever createLocked managed to create. It runs on a
// context detached from the caller's cancellation.
func (o *Orchestrator) rollback(ctx context.Context, c *ContainerInfo, p creation) error {
	ctx = context.WithoutCancel(ctx)
	var errs error
	if p.started || p.cloned {
		// A failed `docker run` can still leave a created container behind.
		err := o.withSession(ctx, c.Host, func(s remote.Session) error {
			var rmErr error
			if _, err := o.run(ctx, s, c.Host, forceRemoveCommand(c.Name)); err != nil && p.started {
				rmErr = err
			}
			return rmErr
		})
		errs = multierr.Append(errs, err)
	}
	if p.workspaceCreated {
		errs = multierr.Append(errs, o.withSession(ctx, c.Host, func(s remote.Session) error {
			_, err := o.run(ctx, s, c.Host, removeWorkspaceCommand(c.WorkspacePath))
			return err
		}))
	}
	if p.portsHeld {
		o.ports.Release(c.ID)
	}
	o.log.Warn("container creation rolled back",
		"repository", c.Repository, "container", c.Name,
		"workspace_created", p.workspaceCreated, "cloned", p.cloned, "started", p.started,
		"rollback_error", errs)
	return errs
}

// AddTaskToContainer attaches taskID to the repository's running container.
func (o *Orchestrator) AddTaskToContainer(repository, taskID string) error {
	unlock := o.locks.Lock(repository)
	defer unlock()

	c, ok := o.lookup(repository)
	if !ok {
		return compute.NewNotFound("container", repository)
	}
	if c.Status != ContainerRunning {
		return fmt.Errorf("container %s is %s: %w", c.Name, c.Status, ErrContainerNotRunning)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, dup := c.tasks[taskID]; dup {
		return fmt.Errorf("task %s is already attached to %s", taskID, c.Name)
	}
	c.tasks[taskID] = struct{}{}
	return nil
}

// RemoveTaskFromContainer detaches taskID. It never stops the container.
func (o *Orchestrator) RemoveTaskFromContainer(repository, taskID string) error {
	unlock := o.locks.Lock(repository)
	defer unlock()

	c, ok := o.lookup(repository)
	if !ok {
		return compute.NewNotFound("container", repository)
	}
	o.mu.Lock()
	delete(c.tasks, taskID)
	o.mu.Unlock()
	return nil
}

// StopContainerIfEmpty tears down the repository's container unless tasks
// are attached. It reports whether the container was removed. The
// container's own host is used, so callers need not track placement.
//
// Teardown stops and removes the container, archives the workspace, deletes
// it, releases the ports and forgets the entry. If a remote step fails the
// entry is kept in the error state and the error is returned.
func (o *Orchestrator) StopContainerIfEmpty(ctx context.Context, repository string) (bool, error) {
	unlock := o.locks.Lock(repository)
	defer unlock()

	c, ok := o.lookup(repository)
	if !ok {
		return false, compute.NewNotFound("container", repository)
	}
	if len(c.tasks) > 0 {
		o.log.Debug("container still in use", "repository", repository, "active_tasks", len(c.tasks))
		return false, nil
	}
	if err := o.teardownLocked(ctx, c); err != nil {
		return false, err
	}
	return true, nil
}

// RemoveContainer tears the container down regardless of attached tasks.
// It is used on backend shutdown.
func (o *Orchestrator) RemoveContainer(ctx context.Context, repository string) error {
	unlock := o.locks.Lock(repository)
	defer unlock()

	c, ok := o.lookup(repository)
	if !ok {
		return compute.NewNotFound("container", repository)
	}
	o.mu.Lock()
	clear(c.tasks)
	o.mu.Unlock()
	return o.teardownLocked(ctx, c)
}

func (o *Orchestrator) teardownLocked(ctx context.Context, c *ContainerInfo) error {
	archive := archivePath(o.cfg.ArchiveRoot, c.Key, o.now().UTC().Format("20060102T150405Z"))
	err := o.withSession(ctx, c.Host, func(s remote.Session) error {
		if _, err := o.run(ctx, s, c.Host, stopCommand(c.Name, int(o.cfg.StopTimeout.Seconds()))); err != nil {
			return fmt.Errorf("stopping container: %w", err)
		}
		if _, err := o.run(ctx, s, c.Host, archiveCommand(c.WorkspacePath, archive)); err != nil {
			return fmt.Errorf("archiving workspace: %w", err)
		}
		if _, err := o.run(ctx, s, c.Host, removeWorkspaceCommand(c.WorkspacePath)); err != nil {
			return fmt.Errorf("removing workspace: %w", err)
		}
		return nil
	})
	if err != nil {
		o.mu.Lock()
		c.Status = ContainerError
		c.LastError = err.Error()
		o.mu.Unlock()
		o.syncGauges()
		o.log.Error("container teardown failed", "repository", c.Repository, "container", c.Name, "error", err)
		return fmt.Errorf("tearing down %s: %w", c.Name, err)
	}

	o.ports.Release(c.ID)
	o.forget(c.Repository)
	o.log.Info("container removed", "repository", c.Repository, "container", c.Name, "archive", archive)
	return nil
}

// snapshotFor returns a copy of the repository's container without taking
// the repository lock. Pass-through operations use it so long-running
// commands do not block lifecycle changes.
func (o *Orchestrator) snapshotFor(repository string) (ContainerInfo, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	c, ok := o.containers[repository]
	if !ok {
		return ContainerInfo{}, compute.NewNotFound("container", repository)
	}
	return c.snapshot(), nil
}

// GetContainerLogs returns the last tail lines of the container's output.
// tail <= 0 returns everything.
func (o *Orchestrator) GetContainerLogs(ctx context.Context, repository string, tail int) (string, error) {
	c, err := o.snapshotFor(repository)
	if err != nil {
		return "", err
	}
	var out string
	err = o.withSession(ctx, c.Host, func(s remote.Session) error {
		res, err := o.run(ctx, s, c.Host, logsCommand(c.Name, tail))
		out = res.Stdout
		return err
	})
	return out, err
}

// ExecuteInContainer runs command with `sh -c` in the container. workdir is
// relative to the workspace. A non-zero exit returns the result together
// with a *remote.CommandError.
func (o *Orchestrator) ExecuteInContainer(ctx context.Context, repository, workdir string, env map[string]string, command string) (remote.Result, error) {
	c, err := o.snapshotFor(repository)
	if err != nil {
		return remote.Result{}, err
	}
	if c.Status != ContainerRunning {
		return remote.Result{}, fmt.Errorf("container %s is %s: %w", c.Name, c.Status, ErrContainerNotRunning)
	}
	dir := containerWorkspace
	if workdir != "" {
		rel, err := compute.CleanWorkspacePath(workdir)
		if err != nil {
			return remote.Result{}, err
		}
		dir = path.Join(containerWorkspace, rel)
	}

	var res remote.Result
	err = o.withSession(ctx, c.Host, func(s remote.Session) error {
		var err error
		res, err = o.run(ctx, s, c.Host, execCommand(c.Name, dir, env, command))
		return err
	})
	return res, err
}

// GetContainerStats samples resource usage for the registered running
// containers on host. Lines the runtime prints that cannot be parsed are
// skipped.
func (o *Orchestrator) GetContainerStats(ctx context.Context, host string) ([]ContainerStats, error) {
	var names []string
	for _, c := range o.List() {
		if c.Host == host && c.Status == ContainerRunning {
			names = append(names, c.Name)
		}
	}
	if len(names) == 0 {
		return nil, nil
	}

	var stats []ContainerStats
	err := o.withSession(ctx, host, func(s remote.Session) error {
		var err error
		stats, err = o.sampleStats(ctx, s, host, names)
		return err
	})
	return stats, err
}

// HostStats samples every managed container the runtime on host reports as
// running, including ones another process created.
func (o *Orchestrator) HostStats(ctx context.Context, host string) ([]ContainerStats, error) {
	var stats []ContainerStats
	err := o.withSession(ctx, host, func(s remote.Session) error {
		found, err := o.discover(ctx, s, host)
		if err != nil {
			return err
		}
		var names []string
		for _, c := range found {
			if c.State == "running" {
				names = append(names, c.Name)
			}
		}
		if len(names) == 0 {
			return nil
		}
		stats, err = o.sampleStats(ctx, s, host, names)
		return err
	})
	return stats, err
}

func (o *Orchestrator) sampleStats(ctx context.Context, s remote.Session, host string, names []string) ([]ContainerStats, error) {
	res, err := o.run(ctx, s, host, statsCommand(names))
	if err != nil {
		return nil, err
	}
	stats, skipped := parseStats(host, res.Stdout)
	for _, e := range skipped {
		o.log.Debug("skipping stats line", "host", host, "error", e)
	}
	return stats, nil
}

// Discover lists the managed containers the runtime on host knows about,
// in any state. It reads the runtime only; nothing is registered.
func (o *Orchestrator) Discover(ctx context.Context, host string) ([]RuntimeContainer, error) {
	var found []RuntimeContainer
	err := o.withSession(ctx, host, func(s remote.Session) error {
		var err error
		found, err = o.discover(ctx, s, host)
		return err
	})
	return found, err
}

func (o *Orchestrator) discover(ctx context.Context, s remote.Session, host string) ([]RuntimeContainer, error) {
	res, err := o.run(ctx, s, host, psCommand())
	if err != nil {
		return nil, err
	}
	found, skipped := parsePS(host, res.Stdout)
	for _, e := range skipped {
		o.log.Debug("skipping ps line", "host", host, "error", e)
	}
	return found, nil
}

// InspectStatus asks the container runtime for the container's state
// ("running", "exited", ...).
func (o *Orchestrator) InspectStatus(ctx context.Context, repository string) (string, error) {
	c, err := o.snapshotFor(repository)
	if err != nil {
		return "", err
	}
	var status string
	err = o.withSession(ctx, c.Host, func(s remote.Session) error {
		res, err := o.run(ctx, s, c.Host, inspectStatusCommand(c.Name))
		status = strings.TrimSpace(res.Stdout)
		return err
	})
	if err == nil && status != "" && status != "running" {
		o.markStopped(repository, c.ID, status)
	}
	return status, err
}

// markStopped records that the runtime no longer runs the container. The
// entry is kept so its tasks, ports and workspace are still accounted for;
// the next GetOrCreateContainer replaces it once no tasks are attached.
func (o *Orchestrator) markStopped(repository, id, state string) {
	unlock := o.locks.Lock(repository)
	defer unlock()

	o.mu.Lock()
	c, ok := o.containers[repository]
	changed := ok && c.ID == id && c.Status == ContainerRunning
	if changed {
		c.Status = ContainerStopped
		c.LastError = "runtime reports " + state
	}
	o.mu.Unlock()
	if changed {
		o.log.Warn("container no longer running", "repository", repository, "container", c.Name, "state", state)
		o.syncGauges()
	}
}

// WriteWorkspaceFiles writes files into the container's workspace. Paths
// are workspace-relative.
func (o *Orchestrator) WriteWorkspaceFiles(ctx context.Context, repository string, files []compute.File) error {
	c, err := o.snapshotFor(repository)
	if err != nil {
		return err
	}
	return o.withSession(ctx, c.Host, func(s remote.Session) error {
		for _, f := range files {
			rel, err := compute.CleanWorkspacePath(f.Path)
			if err != nil {
				return err
			}
			if err := remote.WriteFile(ctx, s, c.Host, path.Join(c.WorkspacePath, rel), f.Content, f.Mode); err != nil {
				return err
			}
		}
		return nil
	})
}

// ReadWorkspaceFiles reads files from the container's workspace.
func (o *Orchestrator) ReadWorkspaceFiles(ctx context.Context, repository string, paths []string) ([]compute.File, error) {
	c, err := o.snapshotFor(repository)
	if err != nil {
		return nil, err
	}
	files := make([]compute.File, 0, len(paths))
	err = o.withSession(ctx, c.Host, func(s remote.Session) error {
		for _, p := range paths {
			rel, err := compute.CleanWorkspacePath(p)
			if err != nil {
				return err
			}
			data, err := remote.ReadFile(ctx, s, c.Host, path.Join(c.WorkspacePath, rel))
			if err != nil {
				return fmt.Errorf("reading %s: %w", p, err)
			}
			files = append(files, compute.File{Path: p, Content: data})
		}
		return nil
	})
	return files, err
}

// WorkspaceFileSize returns the size of a workspace file, or 0 if it does not exist.
func (o *Orchestrator) WorkspaceFileSize(ctx context.Context, repository, rel string) (int64, error) {
	c, err := o.snapshotFor(repository)
	if err != nil {
		return 0, err
	}
	var size int64
	err = o.withSession(ctx, c.Host, func(s remote.Session) error {
		res, err := o.run(ctx, s, c.Host, fileSizeCommand(path.Join(c.WorkspacePath, rel)))
		if err != nil {
			return err
		}
		size, err = trimNumber(res.Stdout)
		return err
	})
	return size, err
}

// ReadWorkspaceFrom returns a workspace file's bytes from offset onward.
func (o *Orchestrator) ReadWorkspaceFrom(ctx context.Context, repository, rel string, offset int64) ([]byte, error) {
	c, err := o.snapshotFor(repository)
	if err != nil {
		return nil, err
	}
	var data []byte
	err = o.withSession(ctx, c.Host, func(s remote.Session) error {
		res, err := o.run(ctx, s, c.Host, readFromCommand(path.Join(c.WorkspacePath, rel), offset))
		data = []byte(res.Stdout)
		return err
	})
	return data, err
}

// Container returns the repository's container.
func (o *Orchestrator) Container(repository string) (ContainerInfo, bool) {
	c, err := o.snapshotFor(repository)
	return c, err == nil
}

// ContainerByID finds a container by its generated identifier.
func (o *Orchestrator) ContainerByID(id string) (ContainerInfo, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, c := range o.containers {
		if c.ID == id {
			return c.snapshot(), true
		}
	}
	return ContainerInfo{}, false
}

// List returns every registered container ordered by repository.
func (o *Orchestrator) List() []ContainerInfo {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]ContainerInfo, 0, len(o.containers))
	for _, c := range o.containers {
		out = append(out, c.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Repository < out[j].Repository })
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
