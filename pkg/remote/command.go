package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// HostPlaceholder is substituted with the target host in command templates.
const HostPlaceholder = "{host}"

// CommandExecutor shells out to a local program, typically the OpenSSH client,
// appending the remote command as the final argument.
type CommandExecutor struct {
	template    []string
	unreachable map[int]struct{}
}

// NewCommandExecutor builds an executor from an argv template such as
// ["ssh", "-p", "22222", "root@{host}"]. Exit codes listed in unreachableCodes
// are reported as KindUnreachable; when nil, 255 (the ssh client convention) is used.
func NewCommandExecutor(template []string, unreachableCodes []int) (*CommandExecutor, error) {
	if len(template) == 0 || strings.TrimSpace(template[0]) == "" {
		return nil, errors.New("command executor template is empty")
	}
	if unreachableCodes == nil {
		unreachableCodes = []int{255}
	}
	codes := make(map[int]struct{}, len(unreachableCodes))
	for _, c := range unreachableCodes {
		codes[c] = struct{}{}
	}
	return &CommandExecutor{
		template:    append([]string(nil), template...),
		unreachable: codes,
	}, nil
}

// Argv returns the full argument vector used for host and command.
func (e *CommandExecutor) Argv(host, command string) []string {
	argv := make([]string, 0, len(e.template)+1)
	for _, arg := range e.template {
		argv = append(argv, strings.ReplaceAll(arg, HostPlaceholder, host))
	}
	return append(argv, command)
}

// Execute implements Executor.
func (e *CommandExecutor) Execute(ctx context.Context, host, command string) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	argv := e.Argv(host, command)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return "", &ExecutionError{Host: host, Command: command, Kind: KindTimeout, Stderr: stderr.String(), Err: ctxErr}
		}
		return "", ctxErr
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code := exitErr.ExitCode()
			kind := KindExit
			if _, ok := e.unreachable[code]; ok {
				kind = KindUnreachable
			}
			return trimOutput(stdout.String()), &ExecutionError{
				Host:     host,
				Command:  command,
				Kind:     kind,
				ExitCode: code,
				Stderr:   stderr.String(),
			}
		}
		return "", &ExecutionError{Host: host, Command: command, Kind: KindUnreachable, Err: fmt.Errorf("run %s: %w", argv[0], err)}
	}
	return trimOutput(stdout.String()), nil
}

var _ Executor = (*CommandExecutor)(nil)
