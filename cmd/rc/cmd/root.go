package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/l2succes/remote-claude-sub003/internal/backends"
	"github.com/l2succes/remote-claude-sub003/internal/compute"
	"github.com/l2succes/remote-claude-sub003/internal/term"
)

// shutdownTimeout bounds registry shutdown after a command finishes.
const shutdownTimeout = 30 * time.Second

var rootCmd = &cobra.Command{
	Use:   "rc",
	Short: "Run work on remote compute backends",
	Long: `rc drives the compute orchestration layer from the command line.

Backends are declared in a provider file (rc.yaml by default): a shared
container fleet reached over SSH, a managed cluster API, or plain local
processes. rc initializes every enabled backend, routes work to one of
them, and reports what happened.

Environments on a managed cluster outlive a single rc invocation. Fleet
and local environments belong to the process that created them, so use
"rc task run" for one-shot work on those backends.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if off, _ := cmd.Flags().GetBool("no-color"); off {
			term.Disable(true)
		}
	},
}

// SetVersion sets the version reported by --version.
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute runs the root command. An interrupt cancels the command's context.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", compute.DefaultConfigFile, "provider file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "log backend activity to stderr")
	rootCmd.PersistentFlags().Bool("no-color", false, "disable colored output")
}

func newLogger(cmd *cobra.Command) *slog.Logger {
	level := slog.LevelWarn
	if v, _ := cmd.Flags().GetBool("verbose"); v {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func loadFile(cmd *cobra.Command) compute.FileConfig {
	path, _ := cmd.Flags().GetString("config")
	file, err := compute.LoadFile(path)
	if err != nil {
		Fatal("%v", err)
	}
	return file
}

// openRegistry loads the provider file and initializes every enabled
// backend. Metrics go to a private registry since rc serves no endpoint.
func openRegistry(cmd *cobra.Command) (*compute.Registry, compute.FileConfig, *slog.Logger) {
	file := loadFile(cmd)
	log := newLogger(cmd)
	reg := backends.NewRegistry(file, log, prometheus.NewRegistry())
	if err := reg.Initialize(cmd.Context()); err != nil {
		Fatal("initializing backends: %v", err)
	}
	return reg, file, log
}

// closeRegistry shuts the registry down. Backends destroy environments they
// own, so commands that leave environments behind skip it.
func closeRegistry(cmd *cobra.Command, reg *compute.Registry, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(cmd.Context()), shutdownTimeout)
	defer cancel()
	if err := reg.Shutdown(ctx); err != nil {
		log.Warn("shutdown incomplete", "error", err)
	}
}

func newManager(reg *compute.Registry, file compute.FileConfig, log *slog.Logger, opts ...compute.ManagerOption) *compute.Manager {
	base := []compute.ManagerOption{
		compute.WithLogger(log),
		compute.WithCacheTTL(file.CacheTTL),
	}
	return compute.NewManager(reg, append(base, opts...)...)
}

// Fatal prints an error and exits.
func Fatal(msg string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+msg+"\n", args...)
	os.Exit(1)
}
