package fleet

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/l2succes/remote-claude-sub003/internal/remote"
)

// fakeTransport emulates a fleet host: it records every command, keeps an
// in-memory filesystem for the file helpers, and answers docker commands.
type fakeTransport struct {
	mu       sync.Mutex
	commands []string
	files    map[string][]byte
	connects int
	closes   int

	connectErr error
	runDelay   time.Duration

	// fail overrides the result for a command when it returns true.
	fail func(cmd string) (remote.Result, bool)
	// exec answers `docker exec`. Nil means exit 0.
	exec func(ctx context.Context, cmd string) remote.Result
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{files: make(map[string][]byte)}
}

func (f *fakeTransport) Connect(ctx context.Context, host string) (remote.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return nil, f.connectErr
	}
	f.connects++
	return &fakeSession{f: f}, nil
}

func (f *fakeTransport) setFile(path string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[path] = append([]byte(nil), data...)
}

func (f *fakeTransport) file(path string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.files[path]
	return d, ok
}

func (f *fakeTransport) count(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.commands {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func (f *fakeTransport) has(substr string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.commands {
		if strings.Contains(c, substr) {
			return true
		}
	}
	return false
}

func (f *fakeTransport) balanced() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects, f.closes
}

// failOn makes every command containing substr exit with code.
func (f *fakeTransport) failOn(substr string, code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = func(cmd string) (remote.Result, bool) {
		if strings.Contains(cmd, substr) {
			return remote.Result{ExitCode: code, Stderr: "injected failure"}, true
		}
		return remote.Result{}, false
	}
}

func (f *fakeTransport) clearFail() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = nil
}

type fakeSession struct {
	f      *fakeTransport
	once   sync.Once
	closed bool
}

var (
	catWriteRe = regexp.MustCompile(`cat > (\S+)`)
	tailRe     = regexp.MustCompile(`tail -c \+(\d+) (\S+); fi$`)
	sizeRe     = regexp.MustCompile(`^if \[ -f (\S+) \]; then wc -c`)
)

func (s *fakeSession) Exec(ctx context.Context, cmd string, stdin io.Reader) (remote.Result, error) {
	f := s.f
	f.mu.Lock()
	if s.closed {
		f.mu.Unlock()
		return remote.Result{}, errors.New("session closed")
	}
	f.commands = append(f.commands, cmd)
	fail, execFn, delay := f.fail, f.exec, f.runDelay
	f.mu.Unlock()

	if fail != nil {
		if res, ok := fail(cmd); ok {
			return res, nil
		}
	}

	switch {
	case strings.HasPrefix(cmd, "docker run"):
		if delay > 0 {
			time.Sleep(delay)
		}
		return remote.Result{Stdout: "3f4e5d6c7b8a\n"}, nil

	case strings.HasPrefix(cmd, "docker exec"):
		if execFn == nil {
			return remote.Result{}, nil
		}
		return execFn(ctx, cmd), nil

	case catWriteRe.MatchString(cmd):
		p := unquote(catWriteRe.FindStringSubmatch(cmd)[1])
		data, err := io.ReadAll(stdin)
		if err != nil {
			return remote.Result{}, err
		}
		f.setFile(p, data)
		return remote.Result{}, nil

	case strings.HasPrefix(cmd, "cat "):
		p := unquote(strings.TrimPrefix(cmd, "cat "))
		data, ok := f.file(p)
		if !ok {
			return remote.Result{ExitCode: 1, Stderr: "cat: " + p + ": No such file or directory"}, nil
		}
		return remote.Result{Stdout: string(data)}, nil

	case tailRe.MatchString(cmd):
		m := tailRe.FindStringSubmatch(cmd)
		from, _ := strconv.Atoi(m[1])
		data, _ := f.file(unquote(m[2]))
		if from-1 >= len(data) {
			return remote.Result{}, nil
		}
		return remote.Result{Stdout: string(data[from-1:])}, nil

	case sizeRe.MatchString(cmd):
		data, _ := f.file(unquote(sizeRe.FindStringSubmatch(cmd)[1]))
		return remote.Result{Stdout: strconv.Itoa(len(data)) + "\n"}, nil

	case strings.HasPrefix(cmd, "docker inspect -f"):
		return remote.Result{Stdout: "running\n"}, nil
	}
	return remote.Result{}, nil
}

func (s *fakeSession) Close() error {
	s.once.Do(func() {
		s.f.mu.Lock()
		s.closed = true
		s.f.closes++
		s.f.mu.Unlock()
	})
	return nil
}

func unquote(s string) string {
	if len(s) >= 2 && s[0] == '\'' && s[len(s)-1] == '\'' {
		return strings.ReplaceAll(s[1:len(s)-1], `'\''`, "'")
	}
	return s
}

func testConfig() Config {
	cfg := Config{
		Hosts:         []string{"host-a", "host-b"},
		Local:         true,
		Network:       "rc",
		WorkspaceRoot: "/srv/ws",
		ArchiveRoot:   "/srv/archive",
		PortRange:     PortRange{Min: 30000, Max: 30099},
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	cfg.ApplyDefaults()
	return cfg
}

func newTestOrchestrator(t *testing.T, ft *fakeTransport) *Orchestrator {
	t.Helper()
	m, err := newMetrics("fleet", nil)
	if err != nil {
		t.Fatal(err)
	}
	o := NewOrchestrator("fleet", testConfig(), ft, m)
	var n int
	var mu sync.Mutex
	o.newID = func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return "id" + strconv.Itoa(n)
	}
	return o
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within 2s")
}
