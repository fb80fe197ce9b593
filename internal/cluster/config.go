package cluster

import (
	"log/slog"
	"net/url"
	"time"

	"github.com/l2succes/remote-claude-sub003/internal/compute"
)

// ProviderType is the type tag for this backend in the provider file.
const ProviderType = "managed-cluster"

const (
	DefaultRequestTimeout   = 15 * time.Second
	DefaultTaskPollInterval = 2 * time.Second
	DefaultCostPerHour      = 0.40
	DefaultMaxConcurrency   = 100
)

// CapabilityConfig declares what the cluster offers.
type CapabilityConfig struct {
	SupportsGPU    bool          `yaml:"supports_gpu"`
	SupportsSpot   bool          `yaml:"supports_spot"`
	LowLatency     bool          `yaml:"low_latency"`
	CostOptimized  bool          `yaml:"cost_optimized"`
	CostPerHour    float64       `yaml:"cost_per_hour"`
	MaxConcurrency int           `yaml:"max_concurrency"`
	MinDuration    time.Duration `yaml:"min_duration"`
	MaxDuration    time.Duration `yaml:"max_duration"`
	Regions        []string      `yaml:"regions"`
}

// Config is the managed-cluster backend configuration.
//
//	config:
//	  endpoint: https://cluster.example.com
//	  region: us-east-1
//	  capabilities:
//	    supports_gpu: true
//
// The token is usually supplied through settings ("<name>.token" or
// "cluster.token") rather than written into the file.
type Config struct {
	Endpoint string `yaml:"endpoint"`
	Token    string `yaml:"token"`
	Region   string `yaml:"region"`
	Image    string `yaml:"image"`

	RequestTimeout   time.Duration `yaml:"request_timeout"`
	TaskPollInterval time.Duration `yaml:"task_poll_interval"`
	LogPollInterval  time.Duration `yaml:"log_poll_interval"`

	Capabilities CapabilityConfig `yaml:"capabilities"`

	Logger *slog.Logger `yaml:"-"`
}

// ApplyDefaults fills in zero-valued fields.
func (c *Config) ApplyDefaults() {
	if c.RequestTimeout == 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.TaskPollInterval == 0 {
		c.TaskPollInterval = DefaultTaskPollInterval
	}
	if c.LogPollInterval == 0 {
		c.LogPollInterval = compute.DefaultLogPollInterval
	}
	if c.Capabilities.CostPerHour == 0 {
		c.Capabilities.CostPerHour = DefaultCostPerHour
	}
	if c.Capabilities.MaxConcurrency == 0 {
		c.Capabilities.MaxConcurrency = DefaultMaxConcurrency
	}
	if len(c.Capabilities.Regions) == 0 && c.Region != "" {
		c.Capabilities.Regions = []string{c.Region}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Validate reports every problem with cfg. It expects defaults to have
// been applied.
func Validate(cfg Config) compute.ValidationResult {
	res := compute.NewValidationResult()
	if cfg.Endpoint == "" {
		res.Errorf("endpoint is required")
	} else if u, err := url.Parse(cfg.Endpoint); err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		res.Errorf("endpoint %q must be an http(s) URL", cfg.Endpoint)
	} else if u.Scheme == "http" {
		res.Warnf("endpoint uses plain http; the token is sent unencrypted")
	}
	if cfg.Token == "" {
		res.Errorf("token is required (set it in the block or in settings)")
	}
	if cfg.Region == "" {
		res.Warnf("region is empty; the cluster chooses one")
	}
	if cfg.RequestTimeout <= 0 || cfg.TaskPollInterval <= 0 || cfg.LogPollInterval <= 0 {
		res.Errorf("request_timeout, task_poll_interval and log_poll_interval must be positive")
	}
	caps := cfg.Capabilities
	if caps.CostPerHour < 0 {
		res.Errorf("capabilities.cost_per_hour must be non-negative")
	}
	if caps.MaxConcurrency < 0 {
		res.Errorf("capabilities.max_concurrency must be non-negative")
	}
	if caps.MaxDuration > 0 && caps.MinDuration > caps.MaxDuration {
		res.Errorf("capabilities.min_duration %v exceeds max_duration %v", caps.MinDuration, caps.MaxDuration)
	}
	return res
}
