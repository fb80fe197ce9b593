// Package remote provides authenticated command execution and file movement
// against a single remote host.
//
// A Transport opens Sessions; each Session is used by exactly one operation
// and closed when that operation returns. A non-zero exit code is not a
// transport failure: Exec reports it in Result, and Run turns it into a
// *CommandError the caller can inspect.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Result is the captured outcome of one remote command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Session is a connected channel to one host.
type Session interface {
	// Exec runs a shell command. stdin may be nil.
	Exec(ctx context.Context, cmd string, stdin io.Reader) (Result, error)
	// Close disconnects. It is safe to call more than once.
	Close() error
}

// Transport connects to hosts.
type Transport interface {
	Connect(ctx context.Context, host string) (Session, error)
}

// CommandError reports a remote command that exited non-zero.
type CommandError struct {
	Host     string
	Command  string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if len(msg) > 512 {
		msg = msg[:512] + "..."
	}
	if msg == "" {
		return fmt.Sprintf("%s: command %q exited with status %d", e.Host, firstWord(e.Command), e.ExitCode)
	}
	return fmt.Sprintf("%s: command %q exited with status %d: %s", e.Host, firstWord(e.Command), e.ExitCode, msg)
}

// IsCommandError reports whether err is (or wraps) a CommandError.
func IsCommandError(err error) bool {
	var target *CommandError
	return errors.As(err, &target)
}

// Run executes cmd and converts a non-zero exit into a *CommandError.
func Run(ctx context.Context, s Session, host, cmd string) (Result, error) {
	res, err := s.Exec(ctx, cmd, nil)
	if err != nil {
		return res, fmt.Errorf("%s: exec: %w", host, err)
	}
	if res.ExitCode != 0 {
		return res, &CommandError{Host: host, Command: cmd, ExitCode: res.ExitCode, Stderr: res.Stderr}
	}
	return res, nil
}

// WriteFile creates parent directories and writes data to path on the host.
func WriteFile(ctx context.Context, s Session, host, path string, data []byte, mode uint32) error {
	dir := path[:max(strings.LastIndex(path, "/"), 0)]
	cmd := "cat > " + Quote(path)
	if dir != "" {
		cmd = "mkdir -p " + Quote(dir) + " && " + cmd
	}
	if mode != 0 {
		cmd += fmt.Sprintf(" && chmod %o %s", mode, Quote(path))
	}
	res, err := s.Exec(ctx, cmd, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%s: writing %s: %w", host, path, err)
	}
	if res.ExitCode != 0 {
		return &CommandError{Host: host, Command: cmd, ExitCode: res.ExitCode, Stderr: res.Stderr}
	}
	return nil
}

// ReadFile returns the contents of path on the host.
func ReadFile(ctx context.Context, s Session, host, path string) ([]byte, error) {
	res, err := Run(ctx, s, host, "cat "+Quote(path))
	if err != nil {
		return nil, err
	}
	return []byte(res.Stdout), nil
}

// Quote wraps s in single quotes for a POSIX shell.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	if strings.IndexFunc(s, needsQuote) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func needsQuote(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return false
	}
	return !strings.ContainsRune("-_./:=@,+%", r)
}

// Join quotes each argument and joins them with spaces.
func Join(args ...string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = Quote(a)
	}
	return strings.Join(quoted, " ")
}

func firstWord(cmd string) string {
	if i := strings.IndexByte(cmd, ' '); i > 0 {
		return cmd[:i]
	}
	return cmd
}
