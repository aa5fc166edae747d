package wifi

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Runner executes a command and returns its combined output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// ExecRunner runs commands on the local host.
type ExecRunner struct{}

// Run executes name with args.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		return out.String(), fmt.Errorf("%s failed: %w: %s", name, err, strings.TrimSpace(out.String()))
	}
	return out.String(), nil
}

// SSHConfig holds SSH access to a remote router.
type SSHConfig struct {
	Address    string
	Port       int
	Username   string
	Password   string
	PrivateKey string
	// KnownHosts is an OpenSSH known_hosts file used to verify the router.
	// When empty the host key is not checked.
	KnownHosts string
	Timeout    time.Duration
}

// SSHRunner runs commands on a remote host over SSH, one session per command.
type SSHRunner struct {
	addr      string
	sshConfig *ssh.ClientConfig
	logger    *zap.Logger
}

// NewSSHRunner creates a runner for the given router.
func NewSSHRunner(config SSHConfig, logger *zap.Logger) (*SSHRunner, error) {
	if config.Port == 0 {
		config.Port = 22
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var authMethods []ssh.AuthMethod

	if config.Password != "" {
		authMethods = append(authMethods, ssh.Password(config.Password))
	}

	if config.PrivateKey != "" {
		signer, err := ssh.ParsePrivateKey([]byte(config.PrivateKey))
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		authMethods = append(authMethods, ssh.PublicKeys(signer))
	}

	if len(authMethods) == 0 {
		return nil, fmt.Errorf("no authentication method provided (password or private key required)")
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if config.KnownHosts != "" {
		cb, err := knownhosts.New(config.KnownHosts)
		if err != nil {
			return nil, fmt.Errorf("failed to load known hosts: %w", err)
		}
		hostKeyCallback = cb
	} else {
		logger.Warn("router host key is not verified, set openwrt.known_hosts",
			zap.String("address", config.Address))
	}

	sshConfig := &ssh.ClientConfig{
		User:            config.Username,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         config.Timeout,
	}

	return &SSHRunner{
		addr:      net.JoinHostPort(config.Address, fmt.Sprintf("%d", config.Port)),
		sshConfig: sshConfig,
		logger:    logger,
	}, nil
}

// Run executes the command remotely. Arguments are shell-quoted.
func (r *SSHRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	dialer := net.Dialer{Timeout: r.sshConfig.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", r.addr)
	if err != nil {
		return "", fmt.Errorf("SSH connection failed: %w", err)
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, r.addr, r.sshConfig)
	if err != nil {
		conn.Close()
		return "", fmt.Errorf("SSH handshake failed: %w", err)
	}
	client := ssh.NewClient(c, chans, reqs)
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("failed to create SSH session: %w", err)
	}
	defer session.Close()

	stop := context.AfterFunc(ctx, func() { client.Close() })
	defer stop()

	cmd := commandLine(name, args...)
	r.logger.Debug("running remote command", zap.String("cmd", name))

	output, err := session.CombinedOutput(cmd)
	if err != nil {
		return string(output), fmt.Errorf("command %s failed: %w", name, err)
	}
	return string(output), nil
}

func commandLine(name string, args ...string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, shellQuote(name))
	for _, a := range args {
		parts = append(parts, shellQuote(a))
	}
	return strings.Join(parts, " ")
}

// shellQuote quotes s for a POSIX shell unless it only has safe characters.
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./=:@%+,", r)) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
