package builder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/fall-out-bug/sdp-sub003/pkg/engine"
)

// AuthMethod selects how the SSH builder authenticates.
type AuthMethod string

const (
	AuthMethodKey      AuthMethod = "key"
	AuthMethodPassword AuthMethod = "password"
)

// SSHConfig describes the remote build host.
type SSHConfig struct {
	Host string
	Port int
	User string

	AuthMethod           AuthMethod
	Password             string
	PrivateKeyPath       string
	PrivateKeyPassphrase string

	// KnownHostsPath verifies the host key. InsecureIgnoreHostKey skips
	// verification entirely.
	KnownHostsPath        string
	InsecureIgnoreHostKey bool

	ConnectTimeout time.Duration
}

// DefaultSSHConfig returns key authentication against ~/.ssh/known_hosts.
func DefaultSSHConfig(host, user string) SSHConfig {
	home, _ := os.UserHomeDir()
	return SSHConfig{
		Host:           host,
		Port:           22,
		User:           user,
		AuthMethod:     AuthMethodKey,
		KnownHostsPath: filepath.Join(home, ".ssh", "known_hosts"),
		ConnectTimeout: 30 * time.Second,
	}
}

// ParseSSHTarget parses user@host[:port] on top of DefaultSSHConfig. A
// missing user falls back to $USER.
func ParseSSHTarget(target string) (SSHConfig, error) {
	user := os.Getenv("USER")
	hostport := target
	if i := strings.LastIndex(target, "@"); i >= 0 {
		user, hostport = target[:i], target[i+1:]
	}

	host, port := hostport, 22
	if h, p, err := net.SplitHostPort(hostport); err == nil {
		n, err := strconv.Atoi(p)
		if err != nil {
			return SSHConfig{}, fmt.Errorf("invalid port in %q", target)
		}
		host, port = h, n
	}

	cfg := DefaultSSHConfig(host, user)
	cfg.Port = port
	return cfg, cfg.validateAddress()
}

func (c *SSHConfig) validateAddress() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.User == "" {
		return fmt.Errorf("user is required")
	}
	return nil
}

// Validate checks the configuration and fills in a default private key.
func (c *SSHConfig) Validate() error {
	if err := c.validateAddress(); err != nil {
		return err
	}

	switch c.AuthMethod {
	case AuthMethodPassword:
		if c.Password == "" {
			return fmt.Errorf("password is required for password authentication")
		}
	case AuthMethodKey, "":
		c.AuthMethod = AuthMethodKey
		if c.PrivateKeyPath == "" {
			home, _ := os.UserHomeDir()
			for _, name := range []string{"id_ed25519", "id_ecdsa", "id_rsa"} {
				keyPath := filepath.Join(home, ".ssh", name)
				if _, err := os.Stat(keyPath); err == nil {
					c.PrivateKeyPath = keyPath
					break
				}
			}
			if c.PrivateKeyPath == "" {
				return fmt.Errorf("private key path is required and no default key was found")
			}
		}
		if _, err := os.Stat(c.PrivateKeyPath); err != nil {
			return fmt.Errorf("private key file not found: %s", c.PrivateKeyPath)
		}
	default:
		return fmt.Errorf("unsupported auth method: %s", c.AuthMethod)
	}

	if !c.InsecureIgnoreHostKey && c.KnownHostsPath == "" {
		return fmt.Errorf("known hosts file is required unless host key checking is disabled")
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	return nil
}

// Address returns host:port.
func (c *SSHConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// ClientConfig builds the ssh.ClientConfig for the host.
func (c *SSHConfig) ClientConfig() (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod

	switch c.AuthMethod {
	case AuthMethodPassword:
		auth = append(auth,
			ssh.Password(c.Password),
			// Many servers only prompt through keyboard-interactive.
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = c.Password
				}
				return answers, nil
			}),
		)
	default:
		key, err := os.ReadFile(c.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}
		var signer ssh.Signer
		if c.PrivateKeyPassphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(key, []byte(c.PrivateKeyPassphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(key)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if !c.InsecureIgnoreHostKey {
		cb, err := knownhosts.New(c.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
		hostKeyCallback = cb
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.ConnectTimeout,
	}, nil
}

// SSHBuilder runs the attempt command on a remote host. One connection is
// shared by all attempts; each attempt gets its own session.
type SSHBuilder struct {
	Config  SSHConfig
	Command string

	// WorkDir is the remote working directory.
	WorkDir string

	// Env is exported before the command runs.
	Env map[string]string

	MaxOutput int

	mu     sync.Mutex
	client *ssh.Client
}

// NewSSHBuilder validates cfg and returns a builder. The connection is made
// on the first attempt.
func NewSSHBuilder(cfg SSHConfig, command string) (*SSHBuilder, error) {
	if command == "" {
		return nil, fmt.Errorf("command is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid ssh config: %w", err)
	}
	return &SSHBuilder{Config: cfg, Command: command}, nil
}

// Build runs one attempt in a new session. Connection and session failures
// are returned as errors; a non-zero exit is a failed outcome.
func (b *SSHBuilder) Build(ctx context.Context, req engine.BuildRequest) (*engine.BuildOutcome, error) {
	session, err := b.newSession(ctx)
	if err != nil {
		return nil, err
	}
	defer session.Close()

	stdout, stderr := newOutputBuffers(b.MaxOutput)
	session.Stdout = stdout
	session.Stderr = stderr

	script := b.remoteCommand(req)
	log.Debug().
		Str("host", b.Config.Address()).
		Str("workstream", req.Item.ID).
		Int("attempt", req.Attempt).
		Msg("Running remote build attempt")

	done := make(chan error, 1)
	go func() {
		done <- session.Run(script)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		<-done
		return &engine.BuildOutcome{
			Output:      stdout.String(),
			Diagnostics: stderr.String(),
			Error:       fmt.Sprintf("command interrupted: %v", ctx.Err()),
		}, nil
	case runErr = <-done:
	}

	outcome := &engine.BuildOutcome{
		Output:      stdout.String(),
		Diagnostics: stderr.String(),
	}

	var exitErr *ssh.ExitError
	var missingErr *ssh.ExitMissingError
	switch {
	case runErr == nil:
		outcome.Success = true
	case errors.As(runErr, &exitErr):
		if exitErr.Signal() != "" {
			outcome.Error = fmt.Sprintf("command killed by signal %s", exitErr.Signal())
		} else {
			outcome.Error = fmt.Sprintf("command exited with status %d", exitErr.ExitStatus())
		}
	case errors.As(runErr, &missingErr):
		outcome.Error = "command ended without an exit status"
	default:
		// The connection is likely gone; the next attempt redials.
		b.dropClient()
		return nil, fmt.Errorf("failed to run remote command: %w", runErr)
	}
	return outcome, nil
}

// Stage copies a local file to remotePath over SFTP and sets its mode.
// Missing remote directories are created.
func (b *SSHBuilder) Stage(ctx context.Context, localPath, remotePath string, mode os.FileMode) error {
	local, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", localPath, err)
	}
	defer local.Close()

	client, err := b.connect(ctx)
	if err != nil {
		return err
	}
	sc, err := sftp.NewClient(client)
	if err != nil {
		return fmt.Errorf("failed to start sftp: %w", err)
	}
	defer sc.Close()

	if dir := path.Dir(remotePath); dir != "." {
		if err := sc.MkdirAll(dir); err != nil {
			return fmt.Errorf("failed to create remote directory %s: %w", dir, err)
		}
	}
	remote, err := sc.Create(remotePath)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", remotePath, err)
	}
	n, err := io.Copy(remote, local)
	if cerr := remote.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", localPath, err)
	}
	if err := sc.Chmod(remotePath, mode); err != nil {
		return fmt.Errorf("failed to set mode of %s: %w", remotePath, err)
	}

	log.Info().
		Str("local", localPath).
		Str("remote", remotePath).
		Int64("bytes", n).
		Msg("Staged file on build host")
	return nil
}

// Close disconnects from the host.
func (b *SSHBuilder) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client == nil {
		return nil
	}
	err := b.client.Close()
	b.client = nil
	return err
}

func (b *SSHBuilder) newSession(ctx context.Context) (*ssh.Session, error) {
	client, err := b.connect(ctx)
	if err != nil {
		return nil, err
	}
	session, err := client.NewSession()
	if err == nil {
		return session, nil
	}

	log.Warn().Err(err).Str("host", b.Config.Address()).Msg("SSH session failed, reconnecting")
	b.dropClient()
	if client, err = b.connect(ctx); err != nil {
		return nil, err
	}
	session, err = client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return session, nil
}

func (b *SSHBuilder) connect(ctx context.Context) (*ssh.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client != nil {
		return b.client, nil
	}

	clientConfig, err := b.Config.ClientConfig()
	if err != nil {
		return nil, err
	}

	address := b.Config.Address()
	dialer := net.Dialer{Timeout: clientConfig.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", address, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, address, clientConfig)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s failed: %w", address, err)
	}
	_ = conn.SetDeadline(time.Time{})

	b.client = ssh.NewClient(c, chans, reqs)
	log.Debug().Str("host", address).Str("user", b.Config.User).Msg("SSH connection established")
	return b.client, nil
}

func (b *SSHBuilder) dropClient() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client != nil {
		_ = b.client.Close()
		b.client = nil
	}
}

// remoteCommand exports the attempt environment inline, since most servers
// refuse session env requests.
func (b *SSHBuilder) remoteCommand(req engine.BuildRequest) string {
	var sb strings.Builder
	for _, kv := range attemptEnv(req, b.Env) {
		k, v, _ := strings.Cut(kv, "=")
		fmt.Fprintf(&sb, "export %s=%s; ", k, shellQuote(v))
	}
	if b.WorkDir != "" {
		fmt.Fprintf(&sb, "cd %s && ", shellQuote(b.WorkDir))
	}
	sb.WriteString(b.Command)
	return sb.String()
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
