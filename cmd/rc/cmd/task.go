package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/l2succes/remote-claude-sub003/internal/compute"
	"github.com/l2succes/remote-claude-sub003/internal/term"
)

const (
	// streamRetry is how often --follow retries until the backend knows the task.
	streamRetry = 50 * time.Millisecond

	// streamDrain bounds how long --follow waits for trailing output once
	// the task has returned.
	streamDrain = 2 * time.Second
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Run and inspect tasks",
}

var taskRunCmd = &cobra.Command{
	Use:   "run [flags] -- <command>...",
	Short: "Run a command on a routed backend",
	Long: `Run a shell command in a fresh environment and print its output.

Without --env-id, rc routes the task with the same rules as "rc select"
(or uses --provider), creates an environment, runs the command and
destroys the environment again. --keep leaves it running.

Use --follow to stream output while the task runs. --input copies local
files into the workspace first; --result downloads workspace files into
--out-dir afterwards.

The exit status mirrors the task's exit code.`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		opts, err := environmentOptions(cmd)
		if err != nil {
			Fatal("%v", err)
		}
		task, err := taskDefinition(cmd, args)
		if err != nil {
			Fatal("%v", err)
		}
		os.Exit(runTask(cmd, opts, task))
	},
}

var taskStatusCmd = &cobra.Command{
	Use:   "status <env-id> <task-id>",
	Short: "Show a task's latest state",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		reg, file, log := openRegistry(cmd)
		m := newManager(reg, file, log)

		exec, err := m.GetTaskStatus(cmd.Context(), args[0], args[1])
		if err != nil {
			Fatal("%v", err)
		}
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			writeJSON(cmd.OutOrStdout(), exec)
			return
		}
		writeExecution(cmd.OutOrStdout(), exec)
	},
}

var taskCancelCmd = &cobra.Command{
	Use:   "cancel <env-id> <task-id>",
	Short: "Cancel a running task",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		reg, file, log := openRegistry(cmd)
		m := newManager(reg, file, log)

		if err := m.CancelTask(cmd.Context(), args[0], args[1]); err != nil {
			Fatal("%v", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "cancelled %s\n", args[1])
	},
}

func init() {
	addEnvironmentFlags(taskRunCmd)
	addHintFlags(taskRunCmd)
	f := taskRunCmd.Flags()
	f.String("env-id", "", "run in an existing environment")
	f.String("workdir", "", "working directory relative to the workspace")
	f.Duration("timeout", 0, "kill the task after this long")
	f.StringArray("input", nil, "local file to copy into the workspace (repeatable)")
	f.StringArray("result", nil, "workspace file to download afterwards (repeatable)")
	f.String("out-dir", ".", "directory for downloaded results")
	f.BoolP("follow", "f", false, "stream output while the task runs")
	f.Bool("keep", false, "leave the environment running")

	taskStatusCmd.Flags().Bool("json", false, "output JSON")
	taskCmd.AddCommand(taskRunCmd, taskStatusCmd, taskCancelCmd)
	rootCmd.AddCommand(taskCmd)
}

func taskDefinition(cmd *cobra.Command, args []string) (compute.TaskDefinition, error) {
	f := cmd.Flags()
	pairs, _ := f.GetStringArray("env")
	env, err := parseEnv(pairs)
	if err != nil {
		return compute.TaskDefinition{}, err
	}
	inputs, _ := f.GetStringArray("input")
	files, err := readInputs(inputs)
	if err != nil {
		return compute.TaskDefinition{}, err
	}
	task := compute.TaskDefinition{
		ID:         uuid.NewString(),
		Command:    strings.Join(args, " "),
		Env:        env,
		InputFiles: files,
	}
	task.WorkDir, _ = f.GetString("workdir")
	task.Timeout, _ = f.GetDuration("timeout")
	return task, nil
}

// readInputs loads local files for upload. Each lands in the workspace
// under its base name.
func readInputs(paths []string) ([]compute.File, error) {
	files := make([]compute.File, 0, len(paths))
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("input %s: %w", p, err)
		}
		if info.IsDir() {
			return nil, fmt.Errorf("input %s: is a directory", p)
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("input %s: %w", p, err)
		}
		files = append(files, compute.File{
			Path:    filepath.Base(p),
			Content: data,
			Mode:    uint32(info.Mode().Perm()),
		})
	}
	return files, nil
}

// runTask runs one task end to end and returns the process exit status.
func runTask(cmd *cobra.Command, opts compute.EnvironmentOptions, task compute.TaskDefinition) int {
	ctx := cmd.Context()
	reg, file, log := openRegistry(cmd)
	keep, _ := cmd.Flags().GetBool("keep")
	follow, _ := cmd.Flags().GetBool("follow")
	stderr := cmd.ErrOrStderr()

	started := make(chan struct{})
	m := newManager(reg, file, log, compute.WithEventSink(compute.EventSinkFunc(func(ev compute.Event) {
		if ev.Type == compute.EventTaskStarted && ev.TaskID == task.ID {
			close(started)
		}
	})))

	envID, _ := cmd.Flags().GetString("env-id")
	created := false
	defer func() {
		if keep {
			return
		}
		if created {
			dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			if err := m.DestroyEnvironment(dctx, envID); err != nil && !compute.IsNotFound(err) {
				log.Warn("destroying environment failed", "environment_id", envID, "error", err)
			}
		}
		closeRegistry(cmd, reg, log)
	}()

	if envID == "" {
		if opts.Provider == "" {
			hints := hintsFromFlags(cmd)
			hints.RequiresGPU = hints.RequiresGPU || opts.Resources.GPUs > 0
			if hints.ExpectedDuration == 0 {
				hints.ExpectedDuration = task.Timeout
			}
			name, err := reg.SelectForTask(hints)
			if err != nil {
				fmt.Fprintf(stderr, "error: routing task: %v\n", err)
				return 1
			}
			opts.Provider = name
		}
		env, err := m.CreateEnvironment(ctx, opts)
		if err != nil {
			fmt.Fprintf(stderr, "error: %v\n", err)
			return 1
		}
		envID, created = env.ID, true
		fmt.Fprintf(stderr, "%s environment %s on %s\n", term.Dim("created"), env.ID, env.Provider)
	}

	var streamed <-chan int64
	var stopStream context.CancelFunc = func() {}
	if follow {
		var sctx context.Context
		sctx, stopStream = context.WithCancel(ctx)
		streamed = followTask(sctx, m, envID, task.ID, started, cmd.OutOrStdout(), log)
	}

	exec, err := m.ExecuteTask(ctx, envID, task)
	if err != nil {
		stopStream()
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}

	printed := int64(0)
	if follow {
		select {
		case printed = <-streamed:
		case <-time.After(streamDrain):
			stopStream()
			printed = <-streamed
		}
	}
	stopStream()
	if printed == 0 {
		fmt.Fprint(cmd.OutOrStdout(), exec.Output)
	}

	if results, _ := cmd.Flags().GetStringArray("result"); len(results) > 0 {
		outDir, _ := cmd.Flags().GetString("out-dir")
		if err := downloadResults(ctx, m, envID, results, outDir); err != nil {
			fmt.Fprintf(stderr, "error: %v\n", err)
			return 1
		}
	}

	fmt.Fprintf(stderr, "task %s %s", exec.ID, term.Status(string(exec.Status)))
	if exec.Error != "" {
		fmt.Fprintf(stderr, ": %s", exec.Error)
	}
	fmt.Fprintln(stderr)
	if keep {
		fmt.Fprintf(stderr, "environment %s kept\n", envID)
	}
	return exitStatus(exec)
}

// followTask copies a task's output to w once the task has started. The
// returned channel yields the number of bytes written when streaming ends.
func followTask(ctx context.Context, m *compute.Manager, envID, taskID string, started <-chan struct{}, w io.Writer, log *slog.Logger) <-chan int64 {
	out := make(chan int64, 1)
	go func() {
		var n int64
		defer func() { out <- n }()

		select {
		case <-started:
		case <-ctx.Done():
			return
		}

		var chunks <-chan compute.LogChunk
		for {
			var err error
			chunks, err = m.StreamLogs(ctx, envID, taskID)
			if err == nil {
				break
			}
			if !compute.IsNotFound(err) {
				log.Warn("streaming logs failed", "task_id", taskID, "error", err)
				return
			}
			// The backend registers the task just after the start event.
			select {
			case <-time.After(streamRetry):
			case <-ctx.Done():
				return
			}
		}

		for c := range chunks {
			if c.Err != nil {
				if !errors.Is(c.Err, context.Canceled) {
					log.Warn("log stream ended", "task_id", taskID, "error", c.Err)
				}
				return
			}
			written, _ := w.Write(c.Data)
			n += int64(written)
		}
	}()
	return out
}

func downloadResults(ctx context.Context, m *compute.Manager, envID string, paths []string, outDir string) error {
	files, err := m.DownloadResults(ctx, envID, paths)
	if err != nil {
		return fmt.Errorf("downloading results: %w", err)
	}
	for _, f := range files {
		dst := filepath.Join(outDir, filepath.FromSlash(f.Path))
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return err
		}
		mode := os.FileMode(f.Mode).Perm()
		if mode == 0 {
			mode = 0o644
		}
		if err := os.WriteFile(dst, f.Content, mode); err != nil {
			return fmt.Errorf("writing result %s: %w", f.Path, err)
		}
	}
	return nil
}

func exitStatus(exec *compute.TaskExecution) int {
	switch {
	case exec.Status == compute.TaskCompleted:
		return 0
	case exec.ExitCode > 0 && exec.ExitCode < 256:
		return exec.ExitCode
	default:
		return 1
	}
}

func writeExecution(w io.Writer, exec *compute.TaskExecution) {
	fmt.Fprintf(w, "%s  %s\n", term.Bold(exec.ID), term.Status(string(exec.Status)))
	fmt.Fprintf(w, "  environment: %s\n", exec.EnvironmentID)
	fmt.Fprintf(w, "  exit code:   %d\n", exec.ExitCode)
	if !exec.StartedAt.IsZero() {
		fmt.Fprintf(w, "  started:     %s\n", exec.StartedAt.Format(time.RFC3339))
	}
	if !exec.FinishedAt.IsZero() {
		fmt.Fprintf(w, "  took:        %s\n", exec.FinishedAt.Sub(exec.StartedAt).Round(time.Millisecond))
	}
	if exec.Error != "" {
		fmt.Fprintf(w, "  error:       %s\n", exec.Error)
	}
	if exec.Output != "" {
		fmt.Fprintf(w, "\n%s", exec.Output)
	}
}
