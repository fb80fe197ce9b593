package compute

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// DefaultCleanupConcurrency bounds how many environments Cleanup destroys at once.
const DefaultCleanupConcurrency = 8

// Manager is the façade over the registered backends. It keeps a local,
// non-authoritative cache of environments and re-derives state from the
// backends whenever the cache cannot answer.
// All methods are safe for concurrent use.
type Manager struct {
	source ProviderSource
	active string
	cache  *ttlcache.Cache[string, Environment]
	sink   EventSink
	log    *slog.Logger
	now    func() time.Time

	cleanupConcurrency int
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.log = l }
}

// WithEventSink routes lifecycle events to sink.
func WithEventSink(sink EventSink) ManagerOption {
	return func(m *Manager) { m.sink = sink }
}

// WithActiveProvider sets the backend used when EnvironmentOptions.Provider is empty.
func WithActiveProvider(name string) ManagerOption {
	return func(m *Manager) { m.active = name }
}

// WithCacheTTL expires cached environments after ttl. Zero disables expiry.
func WithCacheTTL(ttl time.Duration) ManagerOption {
	return func(m *Manager) {
		if ttl > 0 {
			m.cache = newEnvCache(ttl)
		}
	}
}

// WithCleanupConcurrency bounds parallel destroys in Cleanup.
func WithCleanupConcurrency(n int) ManagerOption {
	return func(m *Manager) { m.cleanupConcurrency = n }
}

func newEnvCache(ttl time.Duration) *ttlcache.Cache[string, Environment] {
	return ttlcache.New[string, Environment](
		ttlcache.WithTTL[string, Environment](ttl),
		ttlcache.WithDisableTouchOnHit[string, Environment](),
	)
}

// NewManager creates a manager over source.
func NewManager(source ProviderSource, opts ...ManagerOption) *Manager {
	m := &Manager{
		source:             source,
		cache:              newEnvCache(ttlcache.NoTTL),
		sink:               discardSink{},
		log:                slog.Default(),
		now:                time.Now,
		cleanupConcurrency: DefaultCleanupConcurrency,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.sink == nil {
		m.sink = discardSink{}
	}
	if m.cleanupConcurrency <= 0 {
		m.cleanupConcurrency = DefaultCleanupConcurrency
	}
	return m
}

func (m *Manager) emit(typ EventType, provider, envID, taskID string, err error) {
	ev := Event{
		Type:          typ,
		Provider:      provider,
		EnvironmentID: envID,
		TaskID:        taskID,
		Time:          m.now(),
	}
	if err != nil {
		ev.Err = err.Error()
	}
	m.sink.Emit(ev)
}

// CreateEnvironment creates an environment on opts.Provider, the active
// backend, or the default backend, in that order of preference.
func (m *Manager) CreateEnvironment(ctx context.Context, opts EnvironmentOptions) (*Environment, error) {
	name := opts.Provider
	if name == "" {
		name = m.active
	}
	p, err := m.source.Provider(name)
	if err != nil {
		return nil, fmt.Errorf("resolving provider: %w", err)
	}

	env, err := p.CreateEnvironment(ctx, opts)
	if err != nil {
		m.log.Error("create environment failed", "provider", p.Name(), "repository", opts.Repository, "error", err)
		m.emit(EventEnvironmentError, p.Name(), "", "", err)
		return nil, err
	}
	if env.Provider == "" {
		env.Provider = p.Name()
	}

	m.cache.Set(env.ID, *env, ttlcache.DefaultTTL)
	m.log.Info("environment created", "provider", env.Provider, "environment_id", env.ID, "status", env.Status)
	m.emit(EventEnvironmentCreated, env.Provider, env.ID, "", nil)
	if env.Status == EnvironmentRunning {
		m.emit(EventEnvironmentStarted, env.Provider, env.ID, "", nil)
	}
	return env, nil
}

// GetEnvironment returns the current state of an environment. A cached
// environment is refreshed from its owning backend; an uncached one is
// searched for across every backend's listing.
func (m *Manager) GetEnvironment(ctx context.Context, id string) (*Environment, error) {
	env, _, err := m.resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	return env, nil
}

// resolve finds an environment and its owning backend.
func (m *Manager) resolve(ctx context.Context, id string) (*Environment, Provider, error) {
	if item := m.cache.Get(id); item != nil {
		cached := item.Value()
		p, err := m.source.Provider(cached.Provider)
		if err != nil {
			return nil, nil, fmt.Errorf("environment %s: provider %s: %w", id, cached.Provider, ErrProviderUnavailable)
		}
		fresh, err := p.GetEnvironment(ctx, id)
		if err != nil {
			if IsNotFound(err) {
				m.cache.Delete(id)
				return nil, nil, NewNotFound("environment", id)
			}
			return nil, nil, fmt.Errorf("refreshing environment %s: %w", id, err)
		}
		if fresh.Provider == "" {
			fresh.Provider = p.Name()
		}
		m.cache.Set(id, *fresh, ttlcache.DefaultTTL)
		return fresh, p, nil
	}

	for _, name := range m.source.AvailableProviders() {
		p, err := m.source.Provider(name)
		if err != nil {
			continue
		}
		envs, err := p.ListEnvironments(ctx)
		if err != nil {
			m.log.Warn("listing environments failed", "provider", name, "error", err)
			continue
		}
		for i := range envs {
			if envs[i].ID != id {
				continue
			}
			env := envs[i]
			if env.Provider == "" {
				env.Provider = name
			}
			m.cache.Set(id, env, ttlcache.DefaultTTL)
			return &env, p, nil
		}
	}
	return nil, nil, NewNotFound("environment", id)
}

// ListEnvironments returns the environments of every available backend.
// A backend whose listing fails is logged and skipped.
func (m *Manager) ListEnvironments(ctx context.Context) ([]Environment, error) {
	var out []Environment
	for _, name := range m.source.AvailableProviders() {
		p, err := m.source.Provider(name)
		if err != nil {
			continue
		}
		envs, err := p.ListEnvironments(ctx)
		if err != nil {
			m.log.Warn("listing environments failed", "provider", name, "error", err)
			continue
		}
		for _, env := range envs {
			if env.Provider == "" {
				env.Provider = name
			}
			m.cache.Set(env.ID, env, ttlcache.DefaultTTL)
			out = append(out, env)
		}
	}
	return out, nil
}

// DestroyEnvironment destroys an environment through its owning backend.
// Destroying an already destroyed environment returns a *NotFoundError.
func (m *Manager) DestroyEnvironment(ctx context.Context, id string) error {
	env, p, err := m.resolve(ctx, id)
	if err != nil {
		return err
	}
	if err := p.DestroyEnvironment(ctx, id); err != nil {
		if IsNotFound(err) {
			m.cache.Delete(id)
			return err
		}
		m.log.Error("destroy environment failed", "provider", env.Provider, "environment_id", id, "error", err)
		m.emit(EventEnvironmentError, env.Provider, id, "", err)
		return err
	}
	m.cache.Delete(id)
	m.log.Info("environment destroyed", "provider", env.Provider, "environment_id", id)
	m.emit(EventEnvironmentStopped, env.Provider, id, "", nil)
	return nil
}

// ExecuteTask runs a task on an environment. The returned execution's
// status decides between TaskCompleted, TaskFailed and TaskCancelled events
// (a backend that hands back a non-terminal execution emits none);
// a backend error emits TaskFailed and is returned unchanged.
func (m *Manager) ExecuteTask(ctx context.Context, envID string, task TaskDefinition) (*TaskExecution, error) {
	env, p, err := m.resolve(ctx, envID)
	if err != nil {
		return nil, err
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}

	m.log.Info("task started", "provider", env.Provider, "environment_id", envID, "task_id", task.ID)
	m.emit(EventTaskStarted, env.Provider, envID, task.ID, nil)

	exec, err := p.ExecuteTask(ctx, env, task)
	if err == nil && exec == nil {
		err = fmt.Errorf("provider %s returned no execution for task %s", env.Provider, task.ID)
	}
	if err != nil {
		m.log.Error("task failed", "provider", env.Provider, "environment_id", envID, "task_id", task.ID, "error", err)
		m.emit(EventTaskFailed, env.Provider, envID, task.ID, err)
		return nil, err
	}

	switch exec.Status {
	case TaskCompleted:
		m.emit(EventTaskCompleted, env.Provider, envID, task.ID, nil)
	case TaskCancelled:
		m.emit(EventTaskCancelled, env.Provider, envID, task.ID, nil)
	case TaskFailed:
		var taskErr error
		if exec.Error != "" {
			taskErr = fmt.Errorf("%s", exec.Error)
		}
		m.emit(EventTaskFailed, env.Provider, envID, task.ID, taskErr)
	}
	m.log.Info("task finished",
		"provider", env.Provider,
		"environment_id", envID,
		"task_id", task.ID,
		"status", exec.Status,
		"exit_code", exec.ExitCode,
	)
	return exec, nil
}

// GetTaskStatus returns the latest observed state of a task.
func (m *Manager) GetTaskStatus(ctx context.Context, envID, taskID string) (*TaskExecution, error) {
	_, p, err := m.resolve(ctx, envID)
	if err != nil {
		return nil, err
	}
	return p.GetTaskStatus(ctx, envID, taskID)
}

// CancelTask asks the owning backend to stop a task. Cancellation is
// advisory: output observed before the cancellation stays valid.
func (m *Manager) CancelTask(ctx context.Context, envID, taskID string) error {
	env, p, err := m.resolve(ctx, envID)
	if err != nil {
		return err
	}
	if err := p.CancelTask(ctx, envID, taskID); err != nil {
		return err
	}
	m.log.Info("task cancelled", "provider", env.Provider, "environment_id", envID, "task_id", taskID)
	m.emit(EventTaskCancelled, env.Provider, envID, taskID, nil)
	return nil
}

// StreamLogs streams a task's output from now on.
func (m *Manager) StreamLogs(ctx context.Context, envID, taskID string) (<-chan LogChunk, error) {
	_, p, err := m.resolve(ctx, envID)
	if err != nil {
		return nil, err
	}
	return p.StreamLogs(ctx, envID, taskID)
}

// UploadFiles copies files into the environment's workspace.
func (m *Manager) UploadFiles(ctx context.Context, envID string, files []File) error {
	_, p, err := m.resolve(ctx, envID)
	if err != nil {
		return err
	}
	return p.UploadFiles(ctx, envID, files)
}

// DownloadResults reads files from the environment's workspace.
func (m *Manager) DownloadResults(ctx context.Context, envID string, paths []string) ([]File, error) {
	_, p, err := m.resolve(ctx, envID)
	if err != nil {
		return nil, err
	}
	return p.DownloadResults(ctx, envID, paths)
}

// CachedEnvironmentIDs returns the ids currently held in the cache.
func (m *Manager) CachedEnvironmentIDs() []string {
	return m.cache.Keys()
}

// Cleanup destroys every cached environment concurrently. Each destroy
// succeeds or fails on its own; failures are aggregated into the returned
// error and never stop the remaining destroys.
func (m *Manager) Cleanup(ctx context.Context) error {
	ids := m.cache.Keys()
	if len(ids) == 0 {
		return nil
	}

	var (
		mu   sync.Mutex
		errs error
		g    errgroup.Group
	)
	g.SetLimit(m.cleanupConcurrency)
	for _, id := range ids {
		g.Go(func() error {
			err := m.DestroyEnvironment(ctx, id)
			if err != nil && !IsNotFound(err) {
				mu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("environment %s: %w", id, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	m.log.Info("cleanup finished", "environments", len(ids), "failures", len(multierr.Errors(errs)))
	return errs
}
