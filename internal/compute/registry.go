package compute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// ProviderSource is what the Manager needs from a set of backends.
// *Registry and StaticProviders both satisfy it.
type ProviderSource interface {
	// Provider resolves a backend by name; "" means the default backend.
	Provider(name string) (Provider, error)
	// AvailableProviders returns live backend names in configuration order.
	AvailableProviders() []string
}

// Registry is the single source of truth for which backends are configured
// and alive. Construct one per process and pass it to consumers.
// All methods are safe for concurrent use.
type Registry struct {
	mu          sync.RWMutex
	file        FileConfig
	deps        Deps
	factories   map[string]Factory
	providers   map[string]Provider
	order       []string // live names, configuration order
	initialized bool
	log         *slog.Logger
}

// NewRegistry creates an uninitialized registry over the given file config.
func NewRegistry(file FileConfig, deps Deps) *Registry {
	file.ApplyDefaults()
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Registry{
		file:      file,
		deps:      deps,
		factories: make(map[string]Factory),
		providers: make(map[string]Provider),
		log:       deps.Logger,
	}
}

// RegisterFactory binds a backend type tag to its constructor.
// Registering the same type twice replaces the earlier factory.
func (r *Registry) RegisterFactory(typ string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[typ] = f
}

// Initialize constructs and initializes every enabled backend, in
// configuration order. A backend that fails construction, validation or
// Initialize is logged and left out of the live set. The exception is
// ErrInfrastructureNotProvisioned: initialization stops, backends started so
// far are shut down, and the error is returned.
//
// Calling Initialize on an initialized registry is a no-op.
func (r *Registry) Initialize(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.initialized {
		return nil
	}

	for _, pc := range r.file.Providers {
		if !pc.Enabled {
			r.log.Debug("provider disabled, skipping", "provider", pc.Name)
			continue
		}

		factory, ok := r.factories[pc.Type]
		if !ok {
			r.log.Error("no factory for provider type", "provider", pc.Name, "type", pc.Type)
			continue
		}

		deps := r.deps
		deps.Logger = r.log.With("provider", pc.Name)
		p, err := factory(pc, deps)
		if err != nil {
			if errors.Is(err, ErrInfrastructureNotProvisioned) {
				return r.abortLocked(ctx, pc.Name, err)
			}
			r.log.Error("failed to construct provider", "provider", pc.Name, "type", pc.Type, "error", err)
			continue
		}

		vr := p.ValidateConfig()
		for _, w := range vr.Warnings {
			r.log.Warn("provider config warning", "provider", pc.Name, "warning", w)
		}
		if !vr.Valid {
			r.log.Error("invalid provider config", "provider", pc.Name, "errors", vr.Errors)
			continue
		}

		if err := p.Initialize(ctx); err != nil {
			if errors.Is(err, ErrInfrastructureNotProvisioned) {
				return r.abortLocked(ctx, pc.Name, err)
			}
			r.log.Error("failed to initialize provider", "provider", pc.Name, "error", err)
			continue
		}

		r.providers[pc.Name] = p
		r.order = append(r.order, pc.Name)
		r.log.Info("provider initialized", "provider", pc.Name, "type", pc.Type)
	}

	r.initialized = true
	r.log.Info("registry initialized", "providers", r.order)
	return nil
}

// abortLocked unwinds a partially initialized registry. Caller holds r.mu.
func (r *Registry) abortLocked(ctx context.Context, name string, cause error) error {
	r.log.Error("infrastructure not provisioned, aborting initialization", "provider", name, "error", cause)
	if err := r.shutdownLocked(ctx); err != nil {
		r.log.Warn("shutdown after aborted initialization failed", "error", err)
	}
	return fmt.Errorf("initializing provider %s: %w", name, cause)
}

// Provider resolves a live backend. An empty name resolves the configured
// default, falling back to the first live backend.
func (r *Registry) Provider(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if name != "" {
		p, ok := r.providers[name]
		if !ok {
			return nil, NewNotFound("provider", name)
		}
		return p, nil
	}

	if def, err := DefaultProviderName(r.file.Providers); err == nil {
		if p, ok := r.providers[def]; ok {
			return p, nil
		}
	}
	if len(r.order) > 0 {
		return r.providers[r.order[0]], nil
	}
	return nil, NewNotFound("provider", "default")
}

// DefaultProviderName returns the configured default backend name, whether
// or not it is currently live.
func (r *Registry) DefaultProviderName() (string, error) {
	return DefaultProviderName(r.file.Providers)
}

// AvailableProviders returns live backend names in configuration order.
func (r *Registry) AvailableProviders() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Candidates returns live backends with their capabilities, in
// configuration order.
func (r *Registry) Candidates() []Candidate {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Candidate, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, Candidate{Name: name, Capabilities: r.providers[name].Capabilities()})
	}
	return out
}

// Selector returns the routing policy configured for this registry.
func (r *Registry) Selector() Selector {
	return Selector{
		ProductionDefault:  r.file.ProductionDefault,
		ShortTaskThreshold: r.file.ShortTaskThreshold,
	}
}

// SelectForTask routes a task over the live backends.
func (r *Registry) SelectForTask(hints TaskHints) (string, error) {
	return r.Selector().SelectProviderForTask(hints, r.Candidates())
}

// Initialized reports whether Initialize has completed.
func (r *Registry) Initialized() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.initialized
}

// Shutdown shuts down every live backend concurrently. One backend failing
// does not prevent the others from shutting down. The registry is reset to
// uninitialized either way.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.shutdownLocked(ctx)
}

func (r *Registry) shutdownLocked(ctx context.Context) error {
	var (
		errMu sync.Mutex
		errs  error
		g     errgroup.Group
	)
	for name, p := range r.providers {
		g.Go(func() error {
			if err := p.Shutdown(ctx); err != nil {
				r.log.Error("provider shutdown failed", "provider", name, "error", err)
				errMu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("provider %s: %w", name, err))
				errMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	r.providers = make(map[string]Provider)
	r.order = nil
	r.initialized = false
	return errs
}

// StaticProviders is a fixed, ordered backend set for direct injection.
// The first entry is the default.
type StaticProviders []Provider

func (s StaticProviders) Provider(name string) (Provider, error) {
	if name == "" {
		if len(s) == 0 {
			return nil, NewNotFound("provider", "default")
		}
		return s[0], nil
	}
	for _, p := range s {
		if p.Name() == name {
			return p, nil
		}
	}
	return nil, NewNotFound("provider", name)
}

func (s StaticProviders) AvailableProviders() []string {
	out := make([]string, 0, len(s))
	for _, p := range s {
		out = append(out, p.Name())
	}
	return out
}
