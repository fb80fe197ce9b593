package fleet

import (
	"log/slog"
	"path"
	"time"

	"github.com/l2succes/remote-claude-sub003/internal/compute"
	"github.com/l2succes/remote-claude-sub003/internal/remote"
)

// ProviderType is the type tag for this backend in the provider file.
const ProviderType = "shared-fleet"

const (
	DefaultImage          = "ghcr.io/l2succes/rc-agent:latest"
	DefaultPortRangeMin   = 20000
	DefaultPortRangeMax   = 29999
	DefaultWorkspaceRoot  = "/var/lib/rc/workspaces"
	DefaultArchiveRoot    = "/var/lib/rc/archives"
	DefaultContainerSSH   = 22
	DefaultContainerAgent = 8080
	DefaultCPUs           = 2
	DefaultMemoryMB       = 4096
	DefaultDiskGB         = 20
	DefaultStopTimeout    = 10 * time.Second
	DefaultCostPerHour    = 0.05
)

// PortRange is an inclusive range of host ports handed to containers.
type PortRange struct {
	Min int `yaml:"min"`
	Max int `yaml:"max"`
}

// CapabilityConfig declares deployment facts the backend cannot discover.
type CapabilityConfig struct {
	SupportsGPU bool     `yaml:"supports_gpu"`
	LowLatency  bool     `yaml:"low_latency"`
	CostPerHour float64  `yaml:"cost_per_hour"`
	Regions     []string `yaml:"regions"`
}

// Config is the shared-fleet backend configuration.
//
//	config:
//	  hosts: [build-1.internal, build-2.internal]
//	  ssh:
//	    user: rc
//	    key_file: ~/.ssh/rc_fleet
//	    known_hosts_file: ~/.ssh/known_hosts
//	  image: ghcr.io/l2succes/rc-agent:latest
//	  network: rc
type Config struct {
	Hosts []string `yaml:"hosts"`

	// Local runs remote commands on this machine instead of over SSH.
	Local bool             `yaml:"local"`
	SSH   remote.SSHConfig `yaml:"ssh"`

	Image     string    `yaml:"image"`
	Network   string    `yaml:"network"`
	PortRange PortRange `yaml:"port_range"`

	WorkspaceRoot string `yaml:"workspace_root"`
	ArchiveRoot   string `yaml:"archive_root"`

	// Ports inside the container that are published on the allocated host ports.
	ContainerSSHPort   int `yaml:"container_ssh_port"`
	ContainerAgentPort int `yaml:"container_agent_port"`

	CPUs     float64 `yaml:"cpus"`
	MemoryMB int     `yaml:"memory_mb"`
	DiskGB   int     `yaml:"disk_gb"`

	StopTimeout     time.Duration    `yaml:"stop_timeout"`
	LogPollInterval time.Duration    `yaml:"log_poll_interval"`
	Capabilities    CapabilityConfig `yaml:"capabilities"`

	Logger *slog.Logger `yaml:"-"`
}

// DefaultConfig returns the values used for fields a provider file leaves unset.
func DefaultConfig() Config {
	return Config{
		Image:              DefaultImage,
		PortRange:          PortRange{Min: DefaultPortRangeMin, Max: DefaultPortRangeMax},
		WorkspaceRoot:      DefaultWorkspaceRoot,
		ArchiveRoot:        DefaultArchiveRoot,
		ContainerSSHPort:   DefaultContainerSSH,
		ContainerAgentPort: DefaultContainerAgent,
		CPUs:               DefaultCPUs,
		MemoryMB:           DefaultMemoryMB,
		DiskGB:             DefaultDiskGB,
		StopTimeout:        DefaultStopTimeout,
		LogPollInterval:    compute.DefaultLogPollInterval,
		Capabilities:       CapabilityConfig{CostPerHour: DefaultCostPerHour},
	}
}

// ApplyDefaults fills zero-valued fields from DefaultConfig.
func (c *Config) ApplyDefaults() {
	d := DefaultConfig()
	mergeConfig(&d, c)
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if !c.Local {
		c.SSH.ApplyDefaults()
	}
}

// mergeConfig copies non-zero fields from src into dst where dst has the
// zero value.
func mergeConfig(src, dst *Config) {
	if dst.Image == "" {
		dst.Image = src.Image
	}
	if dst.Network == "" {
		dst.Network = src.Network
	}
	if dst.PortRange.Min == 0 && dst.PortRange.Max == 0 {
		dst.PortRange = src.PortRange
	}
	if dst.WorkspaceRoot == "" {
		dst.WorkspaceRoot = src.WorkspaceRoot
	}
	if dst.ArchiveRoot == "" {
		dst.ArchiveRoot = src.ArchiveRoot
	}
	if dst.ContainerSSHPort == 0 {
		dst.ContainerSSHPort = src.ContainerSSHPort
	}
	if dst.ContainerAgentPort == 0 {
		dst.ContainerAgentPort = src.ContainerAgentPort
	}
	if dst.CPUs == 0 {
		dst.CPUs = src.CPUs
	}
	if dst.MemoryMB == 0 {
		dst.MemoryMB = src.MemoryMB
	}
	if dst.DiskGB == 0 {
		dst.DiskGB = src.DiskGB
	}
	if dst.StopTimeout == 0 {
		dst.StopTimeout = src.StopTimeout
	}
	if dst.LogPollInterval == 0 {
		dst.LogPollInterval = src.LogPollInterval
	}
	if dst.Capabilities.CostPerHour == 0 {
		dst.Capabilities.CostPerHour = src.Capabilities.CostPerHour
	}
	if len(dst.Hosts) == 0 {
		dst.Hosts = src.Hosts
	}
}

// Validate reports every problem with cfg. It expects defaults to have
// been applied.
func Validate(cfg Config) compute.ValidationResult {
	res := compute.NewValidationResult()
	if len(cfg.Hosts) == 0 {
		res.Errorf("hosts: at least one host is required")
	}
	seen := make(map[string]bool, len(cfg.Hosts))
	for _, h := range cfg.Hosts {
		if h == "" {
			res.Errorf("hosts: empty host address")
		}
		if seen[h] {
			res.Errorf("hosts: duplicate host %q", h)
		}
		seen[h] = true
	}
	if !cfg.Local {
		if err := cfg.SSH.Validate(); err != nil {
			res.Errorf("%v", err)
		}
	} else if len(cfg.Hosts) > 1 {
		res.Warnf("local transport ignores host addresses; %d hosts configured", len(cfg.Hosts))
	}
	if cfg.Image == "" {
		res.Errorf("image is required")
	}
	if cfg.PortRange.Min < 1024 || cfg.PortRange.Max > 65535 || cfg.PortRange.Min > cfg.PortRange.Max {
		res.Errorf("port_range must satisfy 1024 <= min <= max <= 65535, got %d-%d", cfg.PortRange.Min, cfg.PortRange.Max)
	} else if cfg.PortRange.Max-cfg.PortRange.Min+1 < portsPerContainer {
		res.Errorf("port_range %d-%d holds fewer than %d ports", cfg.PortRange.Min, cfg.PortRange.Max, portsPerContainer)
	}
	for _, root := range []struct{ name, dir string }{
		{"workspace_root", cfg.WorkspaceRoot},
		{"archive_root", cfg.ArchiveRoot},
	} {
		if !path.IsAbs(root.dir) {
			res.Errorf("%s must be an absolute path, got %q", root.name, root.dir)
		} else if path.Clean(root.dir) == "/" {
			res.Errorf("%s must not be /", root.name)
		}
	}
	if cfg.WorkspaceRoot != "" && path.Clean(cfg.WorkspaceRoot) == path.Clean(cfg.ArchiveRoot) {
		res.Errorf("workspace_root and archive_root must differ")
	}
	if cfg.CPUs <= 0 {
		res.Errorf("cpus must be positive, got %v", cfg.CPUs)
	}
	if cfg.MemoryMB < 64 {
		res.Errorf("memory_mb must be at least 64, got %d", cfg.MemoryMB)
	}
	if cfg.DiskGB <= 0 {
		res.Errorf("disk_gb must be positive, got %d", cfg.DiskGB)
	}
	if cfg.Network == "" {
		res.Warnf("network is empty; containers join the default bridge")
	}
	if cfg.Capabilities.CostPerHour < 0 {
		res.Errorf("capabilities.cost_per_hour must be non-negative")
	}
	return res
}

// capacity is the number of containers the port range can hold.
func (c Config) capacity() int {
	return (c.PortRange.Max - c.PortRange.Min + 1) / portsPerContainer
}
