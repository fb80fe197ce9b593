package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/l2succes/remote-claude-sub003/internal/compute"
)

// MetaRegion is the environment metadata key carrying the cluster region.
const MetaRegion = "region"

// Provider is the managed-cluster backend. The cluster service is the
// source of truth for environments and tasks; the provider remembers only
// which environments it created so Shutdown can release them.
type Provider struct {
	name   string
	cfg    Config
	client *Client
	log    *slog.Logger

	mu          sync.Mutex
	initialized bool
	owned       map[string]struct{}
}

var _ compute.Provider = (*Provider)(nil)

// NewProvider creates a managed-cluster backend.
func NewProvider(name string, cfg Config) *Provider {
	cfg.ApplyDefaults()
	return &Provider{
		name:   name,
		cfg:    cfg,
		client: NewClient(cfg.Endpoint, cfg.Token, cfg.RequestTimeout),
		log:    cfg.Logger.With("provider", name),
		owned:  make(map[string]struct{}),
	}
}

// Factory builds a managed-cluster backend from a provider file entry. The
// token may come from settings as "<name>.token" or "cluster.token".
func Factory(pc compute.ProviderConfig, deps compute.Deps) (compute.Provider, error) {
	var cfg Config
	if err := compute.DecodeStrict(pc.Config, &cfg); err != nil {
		return nil, fmt.Errorf("provider %s: %w", pc.Name, err)
	}
	if cfg.Token == "" && deps.Settings != nil {
		for _, key := range []string{pc.Name + ".token", "cluster.token"} {
			if v, ok := deps.Settings.Get(key); ok {
				if s, isStr := v.(string); isStr && s != "" {
					cfg.Token = s
					break
				}
			}
		}
	}
	cfg.Logger = deps.Logger
	return NewProvider(pc.Name, cfg), nil
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) ValidateConfig() compute.ValidationResult { return Validate(p.cfg) }

func (p *Provider) Capabilities() compute.Capabilities {
	caps := p.cfg.Capabilities
	return compute.Capabilities{
		SupportsGPU:    caps.SupportsGPU,
		SupportsSpot:   caps.SupportsSpot,
		LowLatency:     caps.LowLatency,
		CostOptimized:  caps.CostOptimized,
		CostPerHour:    caps.CostPerHour,
		MaxConcurrency: caps.MaxConcurrency,
		MinDuration:    caps.MinDuration,
		MaxDuration:    caps.MaxDuration,
		Regions:        append([]string(nil), caps.Regions...),
	}
}

// Initialize checks that the cluster API answers.
func (p *Provider) Initialize(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.initialized {
		return nil
	}
	if err := p.client.Health(ctx); err != nil {
		return fmt.Errorf("cluster %s: %w", p.cfg.Endpoint, err)
	}
	p.initialized = true
	p.log.Info("cluster ready", "endpoint", p.cfg.Endpoint, "region", p.cfg.Region)
	return nil
}

// Shutdown deletes every environment this provider created, continuing
// past failures. Environments the cluster already forgot are skipped.
func (p *Provider) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	ids := make([]string, 0, len(p.owned))
	for id := range p.owned {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	var (
		mu   sync.Mutex
		errs error
		g    errgroup.Group
	)
	g.SetLimit(8)
	for _, id := range ids {
		g.Go(func() error {
			err := p.client.DeleteEnvironment(ctx, id)
			if err != nil && !isStatus(err, http.StatusNotFound) {
				mu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("deleting environment %s: %w", id, err))
				mu.Unlock()
				return nil
			}
			p.forget(id)
			return nil
		})
	}
	_ = g.Wait()

	p.mu.Lock()
	p.initialized = false
	p.mu.Unlock()
	return errs
}

func (p *Provider) forget(id string) {
	p.mu.Lock()
	delete(p.owned, id)
	p.mu.Unlock()
}

func (p *Provider) CreateEnvironment(ctx context.Context, opts compute.EnvironmentOptions) (*compute.Environment, error) {
	if opts.Resources.GPUs > 0 && !p.cfg.Capabilities.SupportsGPU {
		return nil, &compute.ProvisionError{Provider: p.name, Err: fmt.Errorf("%d GPUs requested: %w", opts.Resources.GPUs, compute.ErrNoCapableProvider)}
	}
	obj, err := p.client.CreateEnvironment(ctx, envRequest{
		Name:       opts.Name,
		Repository: opts.Repository,
		Branch:     opts.Branch,
		Image:      firstNonEmpty(opts.Image, p.cfg.Image),
		Region:     p.cfg.Region,
		Resources:  opts.Resources,
		Env:        opts.Env,
		Metadata:   opts.Metadata,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Code == codeCapacityExhausted {
			p.log.Warn("cluster out of capacity", "region", p.cfg.Region)
		}
		return nil, &compute.ProvisionError{Provider: p.name, Err: err}
	}
	if obj.ID == "" {
		return nil, &compute.ProvisionError{Provider: p.name, Err: errors.New("cluster returned an environment without an id")}
	}

	p.mu.Lock()
	p.owned[obj.ID] = struct{}{}
	p.mu.Unlock()

	p.log.Info("environment created", "env_id", obj.ID, "status", obj.Status)
	return p.toEnvironment(obj), nil
}

func (p *Provider) GetEnvironment(ctx context.Context, id string) (*compute.Environment, error) {
	obj, err := p.client.GetEnvironment(ctx, id)
	if err != nil {
		return nil, p.mapNotFound(err, "environment", id)
	}
	return p.toEnvironment(obj), nil
}

func (p *Provider) ListEnvironments(ctx context.Context) ([]compute.Environment, error) {
	objs, err := p.client.ListEnvironments(ctx)
	if err != nil {
		return nil, err
	}
	envs := make([]compute.Environment, 0, len(objs))
	for _, obj := range objs {
		envs = append(envs, *p.toEnvironment(obj))
	}
	return envs, nil
}

func (p *Provider) DestroyEnvironment(ctx context.Context, id string) error {
	if err := p.client.DeleteEnvironment(ctx, id); err != nil {
		if isStatus(err, http.StatusNotFound) {
			p.forget(id)
		}
		return p.mapNotFound(err, "environment", id)
	}
	p.forget(id)
	p.log.Info("environment destroyed", "env_id", id)
	return nil
}

// ExecuteTask uploads the task's input files, submits it and polls until
// the cluster reports a terminal status. If ctx ends first the remote task
// is cancelled and ctx's error is returned.
func (p *Provider) ExecuteTask(ctx context.Context, env *compute.Environment, task compute.TaskDefinition) (*compute.TaskExecution, error) {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if len(task.InputFiles) > 0 {
		if err := p.UploadFiles(ctx, env.ID, task.InputFiles); err != nil {
			return nil, fmt.Errorf("uploading input files: %w", err)
		}
	}
	req := taskRequest{
		ID:      task.ID,
		Command: task.Command,
		WorkDir: task.WorkDir,
		Env:     task.Env,
	}
	if task.Timeout > 0 {
		req.TimeoutSeconds = int((task.Timeout + time.Second - 1) / time.Second)
	}
	obj, err := p.client.SubmitTask(ctx, env.ID, req)
	if err != nil {
		return nil, p.mapNotFound(err, "environment", env.ID)
	}
	p.log.Debug("task submitted", "env_id", env.ID, "task_id", obj.ID)

	ticker := time.NewTicker(p.cfg.TaskPollInterval)
	defer ticker.Stop()
	for {
		exec := toExecution(obj)
		if exec.Status.IsTerminal() {
			return exec, nil
		}
		select {
		case <-ctx.Done():
			cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.RequestTimeout)
			if err := p.client.CancelTask(cctx, env.ID, task.ID); err != nil {
				p.log.Warn("cancelling abandoned task", "task_id", task.ID, "error", err)
			}
			cancel()
			return nil, ctx.Err()
		case <-ticker.C:
		}
		obj, err = p.client.GetTask(ctx, env.ID, task.ID)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			return nil, p.mapNotFound(err, "task", task.ID)
		}
	}
}

func (p *Provider) GetTaskStatus(ctx context.Context, envID, taskID string) (*compute.TaskExecution, error) {
	obj, err := p.client.GetTask(ctx, envID, taskID)
	if err != nil {
		return nil, p.mapNotFound(err, "task", taskID)
	}
	return toExecution(obj), nil
}

func (p *Provider) CancelTask(ctx context.Context, envID, taskID string) error {
	// A task that already finished answers 409; cancelling it is a no-op.
	err := p.client.CancelTask(ctx, envID, taskID)
	if isStatus(err, http.StatusConflict) {
		return nil
	}
	return p.mapNotFound(err, "task", taskID)
}

func (p *Provider) StreamLogs(ctx context.Context, envID, taskID string) (<-chan compute.LogChunk, error) {
	head, err := p.client.Logs(ctx, envID, taskID, -1)
	if err != nil {
		return nil, p.mapNotFound(err, "task", taskID)
	}
	fetch := func(ctx context.Context, offset int64) ([]byte, int64, bool, error) {
		page, err := p.client.Logs(ctx, envID, taskID, offset)
		if err != nil {
			return nil, offset, false, err
		}
		return page.Data, page.NextOffset, page.Done, nil
	}
	return compute.PollLogs(ctx, taskID, head.NextOffset, p.cfg.LogPollInterval, fetch), nil
}

func (p *Provider) UploadFiles(ctx context.Context, envID string, files []compute.File) error {
	objs := make([]fileObject, 0, len(files))
	for _, f := range files {
		rel, err := compute.CleanWorkspacePath(f.Path)
		if err != nil {
			return err
		}
		objs = append(objs, fileObject{Path: rel, Content: f.Content, Mode: f.Mode})
	}
	return p.mapNotFound(p.client.PutFiles(ctx, envID, objs), "environment", envID)
}

func (p *Provider) DownloadResults(ctx context.Context, envID string, paths []string) ([]compute.File, error) {
	clean := make([]string, 0, len(paths))
	for _, raw := range paths {
		rel, err := compute.CleanWorkspacePath(raw)
		if err != nil {
			return nil, err
		}
		clean = append(clean, rel)
	}
	objs, err := p.client.GetFiles(ctx, envID, clean)
	if err != nil {
		return nil, p.mapNotFound(err, "environment", envID)
	}
	files := make([]compute.File, 0, len(objs))
	for _, o := range objs {
		files = append(files, compute.File{Path: o.Path, Content: o.Content, Mode: o.Mode})
	}
	return files, nil
}

func (p *Provider) mapNotFound(err error, kind, id string) error {
	if err == nil {
		return nil
	}
	if isStatus(err, http.StatusNotFound) {
		return fmt.Errorf("%w: %v", compute.NewNotFound(kind, id), err)
	}
	return err
}

func (p *Provider) toEnvironment(obj envObject) *compute.Environment {
	meta := make(map[string]string, len(obj.Metadata)+1)
	for k, v := range obj.Metadata {
		meta[k] = v
	}
	if p.cfg.Region != "" {
		meta[MetaRegion] = p.cfg.Region
	}
	return &compute.Environment{
		ID:        obj.ID,
		Provider:  p.name,
		Status:    mapEnvironmentStatus(obj.Status),
		CreatedAt: obj.CreatedAt,
		Metadata:  meta,
	}
}

func toExecution(obj taskObject) *compute.TaskExecution {
	exec := &compute.TaskExecution{
		ID:            obj.ID,
		EnvironmentID: obj.EnvironmentID,
		Status:        mapTaskStatus(obj.Status),
		ExitCode:      obj.ExitCode,
		Output:        obj.Output,
		Error:         obj.Error,
		StartedAt:     obj.StartedAt,
	}
	if obj.FinishedAt != nil {
		exec.FinishedAt = *obj.FinishedAt
	}
	return exec
}

func mapEnvironmentStatus(s string) compute.EnvironmentStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pending", "provisioning", "creating":
		return compute.EnvironmentCreating
	case "starting", "warming":
		return compute.EnvironmentStarting
	case "running", "active", "ready":
		return compute.EnvironmentRunning
	case "stopping", "draining":
		return compute.EnvironmentStopping
	case "stopped", "terminated", "deleted":
		return compute.EnvironmentStopped
	default:
		return compute.EnvironmentError
	}
}

func mapTaskStatus(s string) compute.TaskStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "queued", "pending", "scheduled":
		return compute.TaskPending
	case "running", "started":
		return compute.TaskRunning
	case "succeeded", "completed", "success":
		return compute.TaskCompleted
	case "cancelled", "canceled":
		return compute.TaskCancelled
	default:
		return compute.TaskFailed
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
