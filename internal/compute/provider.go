// Package compute is the compute orchestration layer.
//
// It defines the capability contract every backend implements (Provider),
// the registry that discovers and initializes configured backends, the
// routing policy that picks a backend for a task, and the Manager façade that
// dispatches environment and task operations across backends while emitting
// lifecycle events.
package compute

import (
	"context"
	"time"
)

// EnvironmentStatus is the normalized lifecycle state of an environment.
type EnvironmentStatus string

const (
	EnvironmentCreating EnvironmentStatus = "creating"
	EnvironmentStarting EnvironmentStatus = "starting"
	EnvironmentRunning  EnvironmentStatus = "running"
	EnvironmentStopping EnvironmentStatus = "stopping"
	EnvironmentStopped  EnvironmentStatus = "stopped"
	EnvironmentError    EnvironmentStatus = "error"
)

// Environment is a logical handle to compute capacity owned by a backend.
type Environment struct {
	ID        string            `json:"id"`
	Provider  string            `json:"provider"`
	Status    EnvironmentStatus `json:"status"`
	CreatedAt time.Time         `json:"created_at"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Resources are the requested limits for an environment.
// Zero values mean "use the backend default".
type Resources struct {
	CPUs     float64 `json:"cpus,omitempty"`
	MemoryMB int     `json:"memory_mb,omitempty"`
	DiskGB   int     `json:"disk_gb,omitempty"`
	GPUs     int     `json:"gpus,omitempty"`
}

// EnvironmentOptions is the normalized create request.
type EnvironmentOptions struct {
	// Provider selects a backend explicitly. Empty means the manager's
	// active backend, or the registry default.
	Provider   string            `json:"provider,omitempty"`
	Name       string            `json:"name,omitempty"`
	Repository string            `json:"repository,omitempty"`
	Branch     string            `json:"branch,omitempty"`
	Image      string            `json:"image,omitempty"`
	Resources  Resources         `json:"resources"`
	Env        map[string]string `json:"env,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// TaskStatus is the observed state of a task execution.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are possible.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// File is a unit of bulk transfer. Path is relative to the environment's
// workspace.
type File struct {
	Path    string `json:"path"`
	Content []byte `json:"content"`
	Mode    uint32 `json:"mode,omitempty"`
}

// TaskDefinition is a unit of work submitted to an environment.
type TaskDefinition struct {
	// ID identifies the task. When empty the manager assigns one, but callers
	// that want to cancel or stream a task while it runs should set it.
	ID         string            `json:"id,omitempty"`
	Command    string            `json:"command"`
	WorkDir    string            `json:"work_dir,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	InputFiles []File            `json:"input_files,omitempty"`
	Timeout    time.Duration     `json:"timeout,omitempty"`
}

// TaskExecution is the observed outcome of a dispatched task.
// Once Status is terminal the value is never modified again.
type TaskExecution struct {
	ID            string     `json:"id"`
	EnvironmentID string     `json:"environment_id"`
	Status        TaskStatus `json:"status"`
	ExitCode      int        `json:"exit_code"`
	Output        string     `json:"output,omitempty"`
	Error         string     `json:"error,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    time.Time  `json:"finished_at,omitempty"`
}

// LogChunk is one piece of task output delivered by StreamLogs.
// A chunk with a non-nil Err is the last one on the channel.
type LogChunk struct {
	TaskID string
	Data   []byte
	Time   time.Time
	Err    error
}

// Capabilities is the static descriptor the selector routes on.
type Capabilities struct {
	SupportsGPU    bool          `json:"supports_gpu"`
	SupportsSpot   bool          `json:"supports_spot"`
	LowLatency     bool          `json:"low_latency"`
	CostOptimized  bool          `json:"cost_optimized"`
	CostPerHour    float64       `json:"cost_per_hour,omitempty"`
	MaxConcurrency int           `json:"max_concurrency,omitempty"`
	MinDuration    time.Duration `json:"min_duration,omitempty"`
	MaxDuration    time.Duration `json:"max_duration,omitempty"`
	Regions        []string      `json:"regions,omitempty"`
}

// ValidationResult is the structured outcome of a config check.
type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// NewValidationResult returns a passing result for checks to append to.
func NewValidationResult() ValidationResult {
	return ValidationResult{Valid: true}
}

// Errorf records a validation error and marks the result invalid.
func (r *ValidationResult) Errorf(format string, args ...any) {
	r.Errors = append(r.Errors, sprintf(format, args...))
	r.Valid = false
}

// Warnf records a non-fatal validation finding.
func (r *ValidationResult) Warnf(format string, args ...any) {
	r.Warnings = append(r.Warnings, sprintf(format, args...))
}

// Provider is the capability contract every backend satisfies.
//
// Implementations must be safe for concurrent use. Initialize and Shutdown
// are idempotent; Shutdown releases everything the backend created on a
// best-effort basis and reports the aggregated failure without stopping early.
type Provider interface {
	Name() string

	Initialize(ctx context.Context) error
	Shutdown(ctx context.Context) error

	// CreateEnvironment returns a *ProvisionError when capacity cannot be allocated.
	CreateEnvironment(ctx context.Context, opts EnvironmentOptions) (*Environment, error)
	GetEnvironment(ctx context.Context, id string) (*Environment, error)
	ListEnvironments(ctx context.Context) ([]Environment, error)
	// DestroyEnvironment returns a *NotFoundError for unknown ids, including
	// ids that were already destroyed.
	DestroyEnvironment(ctx context.Context, id string) error

	ExecuteTask(ctx context.Context, env *Environment, task TaskDefinition) (*TaskExecution, error)
	GetTaskStatus(ctx context.Context, envID, taskID string) (*TaskExecution, error)
	CancelTask(ctx context.Context, envID, taskID string) error
	// StreamLogs starts at the current end of the task's output and closes
	// the channel once the task is terminal or ctx is cancelled.
	StreamLogs(ctx context.Context, envID, taskID string) (<-chan LogChunk, error)

	UploadFiles(ctx context.Context, envID string, files []File) error
	DownloadResults(ctx context.Context, envID string, paths []string) ([]File, error)

	ValidateConfig() ValidationResult
	Capabilities() Capabilities
}
