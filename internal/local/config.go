// Package local implements a low-latency backend that runs tasks as
// subprocesses on the machine running the manager. Environments are
// directories under a root.
package local

import (
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/l2succes/remote-claude-sub003/internal/compute"
)

// ProviderType is the type tag for this backend in the provider file.
const ProviderType = "local"

const (
	DefaultShell = "sh"

	// MaxServerSettle bounds how long Initialize waits after starting the
	// managed server.
	MaxServerSettle = time.Second

	// DefaultKillGrace is how long a signalled task gets before SIGKILL.
	DefaultKillGrace = 2 * time.Second
)

// DefaultRoot is where environment directories live when root is unset.
func DefaultRoot() string {
	return filepath.Join(os.TempDir(), "rc-local")
}

// Config is the local backend configuration.
//
//	config:
//	  root: /var/tmp/rc
//	  server_cmd: "rc-agent serve --port 7400"
type Config struct {
	Root  string `yaml:"root"`
	Shell string `yaml:"shell"`

	// ServerCmd, when set, is started by Initialize and stopped by Shutdown.
	ServerCmd    string        `yaml:"server_cmd"`
	ServerSettle time.Duration `yaml:"server_settle"`

	KillGrace       time.Duration `yaml:"kill_grace"`
	LogPollInterval time.Duration `yaml:"log_poll_interval"`
	MaxConcurrency  int           `yaml:"max_concurrency"`

	Logger *slog.Logger `yaml:"-"`
}

// ApplyDefaults fills in zero-valued fields.
func (c *Config) ApplyDefaults() {
	if c.Root == "" {
		c.Root = DefaultRoot()
	}
	if c.Shell == "" {
		c.Shell = DefaultShell
	}
	if c.ServerCmd != "" && c.ServerSettle == 0 {
		c.ServerSettle = MaxServerSettle
	}
	if c.KillGrace == 0 {
		c.KillGrace = DefaultKillGrace
	}
	if c.LogPollInterval == 0 {
		c.LogPollInterval = compute.DefaultLogPollInterval
	}
	if c.MaxConcurrency == 0 {
		c.MaxConcurrency = runtime.NumCPU()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Validate reports every problem with cfg. It expects defaults to have
// been applied.
func Validate(cfg Config) compute.ValidationResult {
	res := compute.NewValidationResult()
	if !filepath.IsAbs(cfg.Root) {
		res.Errorf("root %q must be an absolute path", cfg.Root)
	} else if filepath.Clean(cfg.Root) == "/" {
		res.Errorf("root must not be /")
	}
	if cfg.Shell == "" {
		res.Errorf("shell is required")
	}
	if cfg.ServerSettle < 0 || cfg.ServerSettle > MaxServerSettle {
		res.Errorf("server_settle must be between 0 and %v", MaxServerSettle)
	}
	if cfg.ServerSettle > 0 && cfg.ServerCmd == "" {
		res.Warnf("server_settle has no effect without server_cmd")
	}
	if cfg.KillGrace <= 0 || cfg.LogPollInterval <= 0 {
		res.Errorf("kill_grace and log_poll_interval must be positive")
	}
	if cfg.MaxConcurrency < 0 {
		res.Errorf("max_concurrency must be non-negative")
	}
	return res
}
