package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const (
	defaultSSHPort        = 22
	defaultDialTimeout    = 10 * time.Second
	defaultCommandTimeout = time.Minute
)

// SSHOptions configures the native SSH transport.
type SSHOptions struct {
	User                  string
	Port                  int
	IdentityFile          string
	Signers               []ssh.Signer
	KnownHostsFile        string
	InsecureIgnoreHostKey bool
	DialTimeout           time.Duration
	CommandTimeout        time.Duration
}

// SSHExecutor runs commands over a fresh SSH connection per call. Devices
// drop connections when they reboot and may come back under a new name, so
// no connection is cached between calls.
type SSHExecutor struct {
	config         *ssh.ClientConfig
	port           int
	dialTimeout    time.Duration
	commandTimeout time.Duration
	dial           func(ctx context.Context, network, addr string) (net.Conn, error)
}

// NewSSHExecutor validates opts and builds an executor.
func NewSSHExecutor(opts SSHOptions) (*SSHExecutor, error) {
	user := strings.TrimSpace(opts.User)
	if user == "" {
		return nil, errors.New("ssh executor requires a user")
	}

	signers := append([]ssh.Signer(nil), opts.Signers...)
	if path := strings.TrimSpace(opts.IdentityFile); path != "" {
		signer, err := loadSigner(path)
		if err != nil {
			return nil, err
		}
		signers = append(signers, signer)
	}
	if len(signers) == 0 {
		return nil, errors.New("ssh executor requires an identity file or signer")
	}

	var hostKeyCallback ssh.HostKeyCallback
	switch {
	case strings.TrimSpace(opts.KnownHostsFile) != "":
		cb, err := knownhosts.New(opts.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("load known hosts: %w", err)
		}
		hostKeyCallback = cb
	case opts.InsecureIgnoreHostKey:
		// Devices regenerate host keys when reprovisioned.
		hostKeyCallback = ssh.InsecureIgnoreHostKey() // #nosec G106 -- explicit opt-in
	default:
		return nil, errors.New("ssh executor requires known_hosts_file or insecure_ignore_host_key")
	}

	port := opts.Port
	if port <= 0 {
		port = defaultSSHPort
	}
	dialTimeout := opts.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = defaultDialTimeout
	}
	commandTimeout := opts.CommandTimeout
	if commandTimeout <= 0 {
		commandTimeout = defaultCommandTimeout
	}

	dialer := &net.Dialer{Timeout: dialTimeout}
	return &SSHExecutor{
		config: &ssh.ClientConfig{
			User:            user,
			Auth:            []ssh.AuthMethod{ssh.PublicKeys(signers...)},
			HostKeyCallback: hostKeyCallback,
			Timeout:         dialTimeout,
		},
		port:           port,
		dialTimeout:    dialTimeout,
		commandTimeout: commandTimeout,
		dial:           dialer.DialContext,
	}, nil
}

func loadSigner(path string) (ssh.Signer, error) {
	key, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read identity file: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parse identity file %s: %w", path, err)
	}
	return signer, nil
}

// Address returns the dial address for host, keeping an explicit port when present.
func (e *SSHExecutor) Address(host string) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	return net.JoinHostPort(host, strconv.Itoa(e.port))
}

// Execute implements Executor.
func (e *SSHExecutor) Execute(ctx context.Context, host, command string) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cmdCtx, cancel := context.WithTimeout(ctx, e.commandTimeout)
	defer cancel()

	addr := e.Address(host)
	conn, err := e.dial(cmdCtx, "tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", &ExecutionError{Host: host, Command: command, Kind: KindUnreachable, Err: err}
	}

	_ = conn.SetDeadline(time.Now().Add(e.dialTimeout))
	clientConn, chans, reqs, err := ssh.NewClientConn(conn, addr, e.config)
	if err != nil {
		_ = conn.Close()
		kind, err := classifyHandshake(err)
		return "", &ExecutionError{Host: host, Command: command, Kind: kind, Err: err}
	}
	_ = conn.SetDeadline(time.Time{})
	client := ssh.NewClient(clientConn, chans, reqs)
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return "", &ExecutionError{Host: host, Command: command, Kind: KindUnreachable, Err: fmt.Errorf("open session: %w", err)}
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() {
		done <- session.Run(command)
	}()

	select {
	case <-cmdCtx.Done():
		_ = client.Close()
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", &ExecutionError{Host: host, Command: command, Kind: KindTimeout, Err: cmdCtx.Err()}
	case err := <-done:
		if err == nil {
			return trimOutput(stdout.String()), nil
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return trimOutput(stdout.String()), &ExecutionError{
				Host:     host,
				Command:  command,
				Kind:     KindExit,
				ExitCode: exitErr.ExitStatus(),
				Stderr:   stderr.String(),
			}
		}
		return "", &ExecutionError{Host: host, Command: command, Kind: KindUnreachable, Stderr: stderr.String(), Err: err}
	}
}

// classifyHandshake separates credential and host key rejections, which
// retrying cannot fix, from transient handshake failures.
func classifyHandshake(err error) (Kind, error) {
	var keyErr *knownhosts.KeyError
	if errors.As(err, &keyErr) {
		if len(keyErr.Want) == 0 {
			// A renamed device is never listed under its new name.
			return KindHostKey, fmt.Errorf("%w (renamed devices need a wildcard known_hosts entry such as *.local, or insecure_ignore_host_key)", err)
		}
		return KindHostKey, err
	}
	var revoked *knownhosts.RevokedError
	if errors.As(err, &revoked) {
		return KindHostKey, err
	}
	if strings.Contains(err.Error(), "unable to authenticate") {
		return KindAuth, err
	}
	return KindUnreachable, err
}

var _ Executor = (*SSHExecutor)(nil)
