package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
)

// CommandRunner executes a shell command and returns its output and exit code.
// This is the seam for testing: swap the real exec with a fake.
type CommandRunner func(ctx context.Context, cmd string, stdin io.Reader) (Result, error)

// ExecCommandRunner runs cmd with `sh -c` on this machine.
func ExecCommandRunner(ctx context.Context, cmd string, stdin io.Reader) (Result, error) {
	c := exec.CommandContext(ctx, "sh", "-c", cmd)
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr
	if stdin != nil {
		c.Stdin = stdin
	}

	err := c.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return res, ctxErr
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, fmt.Errorf("running %q: %w", firstWord(cmd), err)
	}
	return res, nil
}

// LocalTransport treats this machine as the fleet host. It is meant for a
// single-host fleet and for development.
type LocalTransport struct {
	Runner CommandRunner
}

// Connect ignores host and returns a session that runs commands locally.
func (t LocalTransport) Connect(ctx context.Context, host string) (Session, error) {
	runner := t.Runner
	if runner == nil {
		runner = ExecCommandRunner
	}
	return localSession{run: runner}, nil
}

type localSession struct {
	run CommandRunner
}

func (s localSession) Exec(ctx context.Context, cmd string, stdin io.Reader) (Result, error) {
	return s.run(ctx, cmd, stdin)
}

func (localSession) Close() error { return nil }
