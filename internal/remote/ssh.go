package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const (
	DefaultSSHPort        = 22
	DefaultSSHDialTimeout = 10 * time.Second
)

// SSHConfig configures the SSH transport.
type SSHConfig struct {
	User string `yaml:"user"`
	Port int    `yaml:"port"`

	// KeyFile is a PEM private key. KeyPEM, when set, takes precedence.
	KeyFile string `yaml:"key_file"`
	KeyPEM  []byte `yaml:"-"`

	// KnownHostsFile verifies host keys. Required unless InsecureIgnoreHostKey is set.
	KnownHostsFile        string `yaml:"known_hosts_file"`
	InsecureIgnoreHostKey bool   `yaml:"insecure_ignore_host_key"`

	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// ApplyDefaults fills in zero-valued fields.
func (c *SSHConfig) ApplyDefaults() {
	if c.Port == 0 {
		c.Port = DefaultSSHPort
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = DefaultSSHDialTimeout
	}
}

// Validate checks that configuration values are usable.
func (c *SSHConfig) Validate() error {
	if c.User == "" {
		return fmt.Errorf("ssh user is required")
	}
	if c.KeyFile == "" && len(c.KeyPEM) == 0 {
		return fmt.Errorf("ssh key_file is required")
	}
	if c.KnownHostsFile == "" && !c.InsecureIgnoreHostKey {
		return fmt.Errorf("ssh known_hosts_file is required (or set insecure_ignore_host_key)")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("ssh port must be in 1-65535, got %d", c.Port)
	}
	return nil
}

// SSHTransport executes commands over SSH.
type SSHTransport struct {
	cfg    SSHConfig
	once   sync.Once
	client *ssh.ClientConfig
	err    error
}

// NewSSHTransport creates an SSH transport. Keys are loaded on first Connect.
func NewSSHTransport(cfg SSHConfig) *SSHTransport {
	cfg.ApplyDefaults()
	return &SSHTransport{cfg: cfg}
}

func (t *SSHTransport) clientConfig() (*ssh.ClientConfig, error) {
	t.once.Do(func() {
		key := t.cfg.KeyPEM
		if len(key) == 0 {
			data, err := os.ReadFile(t.cfg.KeyFile)
			if err != nil {
				t.err = fmt.Errorf("reading ssh key %s: %w", t.cfg.KeyFile, err)
				return
			}
			key = data
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			t.err = fmt.Errorf("parsing ssh key: %w", err)
			return
		}

		hostKey := ssh.InsecureIgnoreHostKey()
		if !t.cfg.InsecureIgnoreHostKey {
			hostKey, err = knownhosts.New(t.cfg.KnownHostsFile)
			if err != nil {
				t.err = fmt.Errorf("loading known hosts %s: %w", t.cfg.KnownHostsFile, err)
				return
			}
		}

		t.client = &ssh.ClientConfig{
			User:            t.cfg.User,
			Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
			HostKeyCallback: hostKey,
			Timeout:         t.cfg.DialTimeout,
		}
	})
	return t.client, t.err
}

// Connect dials host and completes the SSH handshake.
func (t *SSHTransport) Connect(ctx context.Context, host string) (Session, error) {
	cfg, err := t.clientConfig()
	if err != nil {
		return nil, err
	}

	addr := host
	if _, _, splitErr := net.SplitHostPort(host); splitErr != nil {
		addr = net.JoinHostPort(host, strconv.Itoa(t.cfg.Port))
	}

	dialer := net.Dialer{Timeout: t.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	return &sshSession{client: ssh.NewClient(c, chans, reqs)}, nil
}

type sshSession struct {
	client    *ssh.Client
	closeOnce sync.Once
	closeErr  error
}

func (s *sshSession) Exec(ctx context.Context, cmd string, stdin io.Reader) (Result, error) {
	sess, err := s.client.NewSession()
	if err != nil {
		return Result{}, fmt.Errorf("opening ssh session: %w", err)
	}
	defer func() { _ = sess.Close() }()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr
	if stdin != nil {
		sess.Stdin = stdin
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = sess.Signal(ssh.SIGKILL)
			_ = sess.Close()
		case <-done:
		}
	}()

	err = sess.Run(cmd)
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return res, ctxErr
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
			return res, nil
		}
		return res, fmt.Errorf("running remote command: %w", err)
	}
	return res, nil
}

func (s *sshSession) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.client.Close()
	})
	return s.closeErr
}
