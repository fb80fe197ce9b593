package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
)

// Process is the handle to a started task or server process.
type Process interface {
	// Wait blocks until the process exits and returns the exit error (nil for success).
	Wait() error
	PID() int
	// Signal delivers sig to the process and everything it spawned.
	Signal(sig syscall.Signal) error
}

// ProcessSpec describes a shell command to start.
type ProcessSpec struct {
	Shell   string
	Command string
	Dir     string
	Env     []string
	Stdout  io.Writer
}

// ProcessStarter starts a process. Swapped for a fake in tests.
type ProcessStarter func(ctx context.Context, spec ProcessSpec) (Process, error)

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) Wait() error { return p.cmd.Wait() }
func (p *execProcess) PID() int    { return p.cmd.Process.Pid }

// Signal targets the process group; the process leads its own session.
func (p *execProcess) Signal(sig syscall.Signal) error {
	return syscall.Kill(-p.cmd.Process.Pid, sig)
}

// ExecProcessStarter runs spec.Command with "<shell> -c" in its own session
// so signals reach the whole process tree. The process is not tied to ctx;
// callers stop it through Signal.
func ExecProcessStarter(_ context.Context, spec ProcessSpec) (Process, error) {
	cmd := exec.Command(spec.Shell, "-c", spec.Command)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stdout

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %q: %w", spec.Command, err)
	}
	return &execProcess{cmd: cmd}, nil
}

// exitCode extracts the process exit status from a Wait error.
func exitCode(err error) (int, bool) {
	if err == nil {
		return 0, true
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, isWait := exitErr.Sys().(syscall.WaitStatus); isWait && status.Signaled() {
			return 128 + int(status.Signal()), true
		}
		return exitErr.ExitCode(), true
	}
	var coded interface{ ExitCode() int }
	if errors.As(err, &coded) {
		return coded.ExitCode(), true
	}
	return -1, false
}
