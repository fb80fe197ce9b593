package compute

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testRegistry builds a registry whose "fake" factory hands out the
// providers in byName, keyed by config name.
func testRegistry(t *testing.T, file FileConfig, byName map[string]*fakeProvider) *Registry {
	t.Helper()
	r := NewRegistry(file, Deps{Logger: quietLogger()})
	r.RegisterFactory("fake", func(cfg ProviderConfig, deps Deps) (Provider, error) {
		p, ok := byName[cfg.Name]
		if !ok {
			return nil, fmt.Errorf("no fake for %s", cfg.Name)
		}
		return p, nil
	})
	return r
}

func entry(name string, enabled, def bool) ProviderConfig {
	return ProviderConfig{Name: name, Type: "fake", Enabled: enabled, Default: def}
}

func TestRegistryInitializeSkipsFailingProviders(t *testing.T) {
	a := newFakeProvider("a")
	b := newFakeProvider("b")
	b.initErr = errors.New("credentials rejected")
	c := newFakeProvider("c")
	invalid := newFakeProvider("invalid")
	invalid.validation = &ValidationResult{Valid: false, Errors: []string{"hosts is required"}}

	r := testRegistry(t, FileConfig{Providers: []ProviderConfig{
		entry("a", true, false),
		entry("b", true, false),
		entry("disabled", false, false),
		entry("unbuildable", true, false),
		entry("invalid", true, false),
		entry("c", true, false),
	}}, map[string]*fakeProvider{"a": a, "b": b, "c": c, "invalid": invalid})

	if err := r.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	if diff := cmp.Diff([]string{"a", "c"}, r.AvailableProviders()); diff != "" {
		t.Errorf("AvailableProviders mismatch (-want +got):\n%s", diff)
	}
	if invalid.initCalls != 0 {
		t.Error("provider with invalid config should not be initialized")
	}
}

func TestRegistryInitializeIdempotent(t *testing.T) {
	a := newFakeProvider("a")
	r := testRegistry(t, FileConfig{Providers: []ProviderConfig{entry("a", true, false)}},
		map[string]*fakeProvider{"a": a})

	for i := 0; i < 3; i++ {
		if err := r.Initialize(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if a.initCalls != 1 {
		t.Errorf("initCalls = %d, want 1", a.initCalls)
	}
}

func TestRegistryInitializeFailsFastOnUnprovisionedInfrastructure(t *testing.T) {
	a := newFakeProvider("a")
	b := newFakeProvider("b")
	b.initErr = fmt.Errorf("cluster api: %w", ErrInfrastructureNotProvisioned)
	c := newFakeProvider("c")

	r := testRegistry(t, FileConfig{Providers: []ProviderConfig{
		entry("a", true, false),
		entry("b", true, false),
		entry("c", true, false),
	}}, map[string]*fakeProvider{"a": a, "b": b, "c": c})

	err := r.Initialize(context.Background())
	if !errors.Is(err, ErrInfrastructureNotProvisioned) {
		t.Fatalf("err = %v, want ErrInfrastructureNotProvisioned", err)
	}
	if c.initCalls != 0 {
		t.Error("providers after the failing one must not be initialized")
	}
	if a.shutdowns != 1 {
		t.Errorf("provider started before the abort should be shut down, shutdowns = %d", a.shutdowns)
	}
	if r.Initialized() {
		t.Error("registry should stay uninitialized")
	}
	if got := r.AvailableProviders(); len(got) != 0 {
		t.Errorf("AvailableProviders = %v, want empty", got)
	}
}

func TestRegistryProviderResolution(t *testing.T) {
	tests := []struct {
		name    string
		configs []ProviderConfig
		live    []string
		want    string
		wantErr bool
	}{
		{
			name:    "marked default",
			configs: []ProviderConfig{entry("a", true, false), entry("b", true, true)},
			live:    []string{"a", "b"},
			want:    "b",
		},
		{
			name:    "first enabled when no default",
			configs: []ProviderConfig{entry("a", false, false), entry("b", true, false), entry("c", true, false)},
			live:    []string{"b", "c"},
			want:    "b",
		},
		{
			name:    "default not live falls back to first live",
			configs: []ProviderConfig{entry("a", true, false), entry("b", true, true)},
			live:    []string{"a"},
			want:    "a",
		},
		{
			name:    "nothing live",
			configs: []ProviderConfig{entry("a", true, false)},
			live:    nil,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			byName := make(map[string]*fakeProvider)
			for _, n := range tt.live {
				byName[n] = newFakeProvider(n)
			}
			r := testRegistry(t, FileConfig{Providers: tt.configs}, byName)
			if err := r.Initialize(context.Background()); err != nil {
				t.Fatal(err)
			}

			p, err := r.Provider("")
			if tt.wantErr {
				if !IsNotFound(err) {
					t.Fatalf("err = %v, want NotFoundError", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if p.Name() != tt.want {
				t.Errorf("Provider(\"\") = %q, want %q", p.Name(), tt.want)
			}
		})
	}
}

func TestRegistryProviderByNameNotFound(t *testing.T) {
	r := testRegistry(t, FileConfig{}, nil)
	if err := r.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Provider("ghost"); !IsNotFound(err) {
		t.Errorf("err = %v, want NotFoundError", err)
	}
}

func TestDefaultProviderName(t *testing.T) {
	tests := []struct {
		name    string
		configs []ProviderConfig
		want    string
		wantErr bool
	}{
		{name: "marked and enabled", configs: []ProviderConfig{entry("a", true, false), entry("b", true, true)}, want: "b"},
		{name: "marked but disabled", configs: []ProviderConfig{entry("a", true, false), entry("b", false, true)}, want: "a"},
		{name: "first enabled", configs: []ProviderConfig{entry("a", false, false), entry("b", true, false)}, want: "b"},
		{name: "none enabled", configs: []ProviderConfig{entry("a", false, true)}, wantErr: true},
		{name: "empty", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DefaultProviderName(tt.configs)
			if tt.wantErr {
				if !IsNotFound(err) {
					t.Fatalf("err = %v, want NotFoundError", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("DefaultProviderName = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRegistryShutdownContinuesPastFailures(t *testing.T) {
	a := newFakeProvider("a")
	a.shutdownErr = errors.New("stuck")
	b := newFakeProvider("b")
	r := testRegistry(t, FileConfig{Providers: []ProviderConfig{entry("a", true, false), entry("b", true, false)}},
		map[string]*fakeProvider{"a": a, "b": b})
	if err := r.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}

	err := r.Shutdown(context.Background())
	if err == nil || !strings.Contains(err.Error(), "stuck") {
		t.Fatalf("err = %v, want aggregated shutdown failure", err)
	}
	if b.shutdowns != 1 {
		t.Errorf("b.shutdowns = %d, want 1", b.shutdowns)
	}
	if r.Initialized() {
		t.Error("registry should be reset to uninitialized")
	}
	if len(r.AvailableProviders()) != 0 {
		t.Error("live set should be cleared")
	}

	// A reset registry can be initialized again.
	a.shutdownErr = nil
	if err := r.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	if a.initCalls != 2 {
		t.Errorf("a.initCalls = %d, want 2", a.initCalls)
	}
}

func TestRegistrySelectForTask(t *testing.T) {
	fast := newFakeProvider("fast")
	fast.caps = Capabilities{LowLatency: true}
	gpu := newFakeProvider("gpu")
	gpu.caps = Capabilities{SupportsGPU: true}

	r := testRegistry(t, FileConfig{
		ProductionDefault: "gpu",
		Providers:         []ProviderConfig{entry("fast", true, false), entry("gpu", true, false)},
	}, map[string]*fakeProvider{"fast": fast, "gpu": gpu})
	if err := r.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}

	got, err := r.SelectForTask(TaskHints{ExpectedDuration: DefaultShortTaskThreshold * 2})
	if err != nil {
		t.Fatal(err)
	}
	if got != "gpu" {
		t.Errorf("SelectForTask = %q, want production default %q", got, "gpu")
	}
}
