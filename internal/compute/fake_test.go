package compute

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// fakeProvider is an in-memory backend. Environments, tasks and files live
// in maps; hooks inject failures.
type fakeProvider struct {
	name string
	caps Capabilities

	mu        sync.Mutex
	envs      map[string]*Environment
	tasks     map[string]*TaskExecution
	files     map[string]map[string][]byte
	nextID    int
	initCalls int
	shutdowns int

	initErr     error
	shutdownErr error
	createErr   error
	destroyErr  error
	executeErr  error
	executeNil  bool
	validation  *ValidationResult
	taskStatus  TaskStatus
	destroyWait chan struct{}
}

func newFakeProvider(name string) *fakeProvider {
	return &fakeProvider{
		name:  name,
		envs:  make(map[string]*Environment),
		tasks: make(map[string]*TaskExecution),
		files: make(map[string]map[string][]byte),
	}
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Initialize(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initCalls++
	return f.initErr
}

func (f *fakeProvider) Shutdown(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdowns++
	return f.shutdownErr
}

func (f *fakeProvider) CreateEnvironment(ctx context.Context, opts EnvironmentOptions) (*Environment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, &ProvisionError{Provider: f.name, Err: f.createErr}
	}
	f.nextID++
	env := &Environment{
		ID:        fmt.Sprintf("%s-env-%d", f.name, f.nextID),
		Provider:  f.name,
		Status:    EnvironmentRunning,
		CreatedAt: time.Now(),
		Metadata:  map[string]string{"repository": opts.Repository},
	}
	f.envs[env.ID] = env
	f.files[env.ID] = make(map[string][]byte)
	cp := *env
	return &cp, nil
}

func (f *fakeProvider) GetEnvironment(ctx context.Context, id string) (*Environment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	env, ok := f.envs[id]
	if !ok {
		return nil, NewNotFound("environment", id)
	}
	cp := *env
	return &cp, nil
}

func (f *fakeProvider) ListEnvironments(ctx context.Context) ([]Environment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Environment, 0, len(f.envs))
	for _, env := range f.envs {
		out = append(out, *env)
	}
	return out, nil
}

func (f *fakeProvider) DestroyEnvironment(ctx context.Context, id string) error {
	if f.destroyWait != nil {
		<-f.destroyWait
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.destroyErr != nil {
		return f.destroyErr
	}
	if _, ok := f.envs[id]; !ok {
		return NewNotFound("environment", id)
	}
	delete(f.envs, id)
	delete(f.files, id)
	return nil
}

func (f *fakeProvider) ExecuteTask(ctx context.Context, env *Environment, task TaskDefinition) (*TaskExecution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.executeErr != nil || f.executeNil {
		return nil, f.executeErr
	}
	status := f.taskStatus
	if status == "" {
		status = TaskCompleted
	}
	exec := &TaskExecution{
		ID:            task.ID,
		EnvironmentID: env.ID,
		Status:        status,
		Output:        "ran " + task.Command,
		StartedAt:     time.Now(),
		FinishedAt:    time.Now(),
	}
	if status == TaskFailed {
		exec.ExitCode = 1
		exec.Error = "exit status 1"
	}
	f.tasks[task.ID] = exec
	cp := *exec
	return &cp, nil
}

func (f *fakeProvider) GetTaskStatus(ctx context.Context, envID, taskID string) (*TaskExecution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	exec, ok := f.tasks[taskID]
	if !ok {
		return nil, NewNotFound("task", taskID)
	}
	cp := *exec
	return &cp, nil
}

func (f *fakeProvider) CancelTask(ctx context.Context, envID, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	exec, ok := f.tasks[taskID]
	if !ok {
		return NewNotFound("task", taskID)
	}
	if !exec.Status.IsTerminal() {
		exec.Status = TaskCancelled
	}
	return nil
}

func (f *fakeProvider) StreamLogs(ctx context.Context, envID, taskID string) (<-chan LogChunk, error) {
	out := make(chan LogChunk, 1)
	out <- LogChunk{TaskID: taskID, Data: []byte("log line\n"), Time: time.Now()}
	close(out)
	return out, nil
}

func (f *fakeProvider) UploadFiles(ctx context.Context, envID string, files []File) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	store, ok := f.files[envID]
	if !ok {
		return NewNotFound("environment", envID)
	}
	for _, file := range files {
		p, err := CleanWorkspacePath(file.Path)
		if err != nil {
			return err
		}
		store[p] = append([]byte(nil), file.Content...)
	}
	return nil
}

func (f *fakeProvider) DownloadResults(ctx context.Context, envID string, paths []string) ([]File, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	store, ok := f.files[envID]
	if !ok {
		return nil, NewNotFound("environment", envID)
	}
	out := make([]File, 0, len(paths))
	for _, raw := range paths {
		p, err := CleanWorkspacePath(raw)
		if err != nil {
			return nil, err
		}
		data, ok := store[p]
		if !ok {
			return nil, NewNotFound("file", p)
		}
		out = append(out, File{Path: p, Content: append([]byte(nil), data...)})
	}
	return out, nil
}

func (f *fakeProvider) ValidateConfig() ValidationResult {
	if f.validation != nil {
		return *f.validation
	}
	return ValidationResult{Valid: true}
}

func (f *fakeProvider) Capabilities() Capabilities { return f.caps }
