package compute

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

var (
	// ErrNotFound matches every *NotFoundError via errors.Is.
	ErrNotFound = errors.New("not found")

	// ErrNoProvider is returned when no backend is available at all.
	ErrNoProvider = errors.New("no provider available")

	// ErrNoCapableProvider is returned when backends exist but none can
	// satisfy a hard requirement such as a GPU.
	ErrNoCapableProvider = errors.New("no capable provider available")

	// ErrProviderUnavailable is returned when an environment's owning backend
	// is no longer registered.
	ErrProviderUnavailable = errors.New("provider unavailable")

	// ErrInfrastructureNotProvisioned aborts registry initialization. Backends
	// configured after the failing one are assumed unreachable for the same cause.
	ErrInfrastructureNotProvisioned = errors.New("infrastructure not provisioned")
)

// NotFoundError reports an unknown environment, task, container or backend.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// Is lets errors.Is(err, ErrNotFound) match any NotFoundError.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// NewNotFound builds a *NotFoundError.
func NewNotFound(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

// IsNotFound reports whether err is (or wraps) a NotFoundError.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// ProvisionError reports that a backend could not allocate an environment.
type ProvisionError struct {
	Provider string
	Err      error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("provider %s: provisioning failed: %v", e.Provider, e.Err)
}

func (e *ProvisionError) Unwrap() error { return e.Err }

// IsProvisionError reports whether err is (or wraps) a ProvisionError.
func IsProvisionError(err error) bool {
	var target *ProvisionError
	return errors.As(err, &target)
}

// CleanWorkspacePath normalizes a workspace-relative path and rejects paths
// that are absolute or escape the workspace.
func CleanWorkspacePath(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("empty path")
	}
	if strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("path %q must be relative to the workspace", p)
	}
	clean := path.Clean(p)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("path %q escapes the workspace", p)
	}
	return clean, nil
}

func sprintf(format string, args ...any) string {
	if len(args) == 0 {
		return format
	}
	return fmt.Sprintf(format, args...)
}
