package compute

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v3"
)

const (
	DefaultConfigFile = "rc.yaml"

	// DefaultShortTaskThreshold is the expected duration below which a task
	// prefers a low-latency backend.
	DefaultShortTaskThreshold = 300 * time.Second
)

// validProviderName restricts backend names to characters that are safe in
// log fields, metric labels and CLI arguments.
var validProviderName = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// ProviderConfig is one backend entry from the provider file. It is loaded
// once and never mutated; changes require re-initializing the registry.
type ProviderConfig struct {
	Name    string `yaml:"name"`
	Type    string `yaml:"type"`
	Enabled bool   `yaml:"enabled"`
	Default bool   `yaml:"default"`

	// Config is the backend-specific block. Each backend decodes it into its
	// own typed struct with DecodeStrict.
	Config yaml.Node `yaml:"config"`
}

// FileConfig is the top-level provider file.
//
//	production_default: cluster
//	cache_ttl: 10m
//	providers:
//	  - name: fleet
//	    type: shared-fleet
//	    enabled: true
//	    default: true
//	    config:
//	      hosts: [build-1.internal]
//	settings:
//	  cluster:
//	    token: ...
type FileConfig struct {
	// ProductionDefault is the backend the selector falls back to when no
	// latency, capability or budget rule matches.
	ProductionDefault string `yaml:"production_default"`

	// ShortTaskThreshold overrides DefaultShortTaskThreshold.
	ShortTaskThreshold time.Duration `yaml:"short_task_threshold"`

	// CacheTTL bounds how long the manager keeps an environment in its cache.
	// Zero keeps entries until they are destroyed.
	CacheTTL time.Duration `yaml:"cache_ttl"`

	// Providers are kept in file order. Order is significant: it breaks ties
	// in selection and picks the default when none is marked.
	Providers []ProviderConfig `yaml:"providers"`

	// Settings is the tree behind the dotted-key configuration source.
	Settings map[string]any `yaml:"settings"`
}

// ApplyDefaults fills in zero-valued fields.
func (c *FileConfig) ApplyDefaults() {
	if c.ShortTaskThreshold == 0 {
		c.ShortTaskThreshold = DefaultShortTaskThreshold
	}
}

// Validate checks structural invariants. Backend blocks are validated by
// the backends themselves during registry initialization.
func (c *FileConfig) Validate() error {
	seen := make(map[string]bool, len(c.Providers))
	defaults := 0
	for i, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("providers[%d]: name is required", i)
		}
		if !validProviderName.MatchString(p.Name) {
			return fmt.Errorf("providers[%d]: name %q contains invalid characters (allowed: letters, digits, hyphens, underscores, dots)", i, p.Name)
		}
		if seen[p.Name] {
			return fmt.Errorf("providers[%d]: duplicate name %q", i, p.Name)
		}
		seen[p.Name] = true
		if p.Type == "" {
			return fmt.Errorf("provider %s: type is required", p.Name)
		}
		if p.Default {
			defaults++
		}
	}
	if defaults > 1 {
		return fmt.Errorf("at most one provider may be marked default, got %d", defaults)
	}
	if c.ProductionDefault != "" && !seen[c.ProductionDefault] {
		return fmt.Errorf("production_default %q is not a configured provider", c.ProductionDefault)
	}
	if c.ShortTaskThreshold < 0 {
		return fmt.Errorf("short_task_threshold must be non-negative, got %v", c.ShortTaskThreshold)
	}
	if c.CacheTTL < 0 {
		return fmt.Errorf("cache_ttl must be non-negative, got %v", c.CacheTTL)
	}
	return nil
}

// LoadFile reads, strictly decodes, defaults and validates a provider file.
func LoadFile(path string) (FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return FileConfig{}, fmt.Errorf("reading config file %s: %w", path, err)
	}
	cfg, err := ParseFile(bytes.NewReader(data))
	if err != nil {
		return FileConfig{}, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

// ParseFile decodes a provider file from r, rejecting unknown keys.
func ParseFile(r io.Reader) (FileConfig, error) {
	var cfg FileConfig
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return FileConfig{}, fmt.Errorf("parsing: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return FileConfig{}, err
	}
	return cfg, nil
}

// DecodeStrict decodes a backend config block into out, rejecting keys the
// typed struct does not declare. An empty block leaves out untouched.
func DecodeStrict(node yaml.Node, out any) error {
	if node.Kind == 0 {
		return nil
	}
	raw, err := yaml.Marshal(&node)
	if err != nil {
		return fmt.Errorf("re-encoding config block: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// DefaultProviderName returns the explicitly marked default when it is
// enabled, otherwise the first enabled provider.
func DefaultProviderName(configs []ProviderConfig) (string, error) {
	for _, p := range configs {
		if p.Default && p.Enabled {
			return p.Name, nil
		}
	}
	for _, p := range configs {
		if p.Enabled {
			return p.Name, nil
		}
	}
	return "", NewNotFound("default provider", "")
}

// Settings is the dotted-key configuration source backends read secrets and
// deployment facts from.
type Settings interface {
	Get(key string) (any, bool)
}

// Deps are the shared collaborators handed to backend factories.
type Deps struct {
	Logger   *slog.Logger
	Settings Settings

	// Metrics is where backends register collectors. Nil disables metrics.
	Metrics prometheus.Registerer
}

// Factory constructs a backend from its config entry.
type Factory func(cfg ProviderConfig, deps Deps) (Provider, error)
