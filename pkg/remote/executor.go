// Package remote runs shell commands on devices under test.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"golang.org/x/crypto/ssh"
)

// Executor runs a command string against a host identity and returns its
// trimmed standard output. Implementations never retry.
type Executor interface {
	Execute(ctx context.Context, host, command string) (string, error)
}

// ExecutorFunc adapts a function into an Executor.
type ExecutorFunc func(ctx context.Context, host, command string) (string, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, host, command string) (string, error) {
	return f(ctx, host, command)
}

// Kind classifies why a remote command did not produce a usable result.
type Kind string

const (
	// KindUnreachable covers dial failures, handshake failures and dropped connections.
	KindUnreachable Kind = "unreachable"
	// KindExit means the command ran and exited non-zero.
	KindExit Kind = "exit"
	// KindAuth means the host answered but rejected our credentials.
	KindAuth Kind = "auth"
	// KindTimeout means the per-command deadline elapsed.
	KindTimeout Kind = "timeout"
	// KindHostKey means the host key is unknown, changed or revoked.
	KindHostKey Kind = "host_key"
)

// ExecutionError reports a remote command that could not run or exited non-zero.
type ExecutionError struct {
	Host     string
	Command  string
	Kind     Kind
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ExecutionError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: command %q", e.Host, e.Command)
	switch e.Kind {
	case KindExit:
		fmt.Fprintf(&b, " exited with status %d", e.ExitCode)
	default:
		fmt.Fprintf(&b, " failed (%s)", e.Kind)
	}
	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		fmt.Fprintf(&b, ": %s", stderr)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// IsConnectionLoss reports whether err indicates the link to the host was lost
// or never established, as happens while a device reboots.
func IsConnectionLoss(err error) bool {
	if err == nil {
		return false
	}
	var execErr *ExecutionError
	if errors.As(err, &execErr) {
		switch execErr.Kind {
		case KindUnreachable, KindTimeout:
			return true
		}
	}
	if errors.Is(err, io.EOF) {
		return true
	}
	var missing *ssh.ExitMissingError
	if errors.As(err, &missing) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// IsFatal classifies errors that will not resolve by polling again. Credential
// and host key rejections are fatal; unreachability and non-zero exits are
// not, since both are expected while a device is still booting.
func IsFatal(err error) bool {
	var execErr *ExecutionError
	if errors.As(err, &execErr) {
		return execErr.Kind == KindAuth || execErr.Kind == KindHostKey
	}
	return false
}

func trimOutput(s string) string {
	return strings.TrimSpace(s)
}
