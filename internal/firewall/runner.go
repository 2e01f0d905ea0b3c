package firewall

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// CommandRunner executes one OS command and returns its combined output. A
// non-zero exit status is an error.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// CommandError is a command that ran and failed.
type CommandError struct {
	Command string
	Output  string
	Err     error
}

func (e *CommandError) Error() string {
	if e.Output == "" {
		return fmt.Sprintf("firewall: %s: %v", e.Command, e.Err)
	}
	return fmt.Sprintf("firewall: %s: %v: %s", e.Command, e.Err, e.Output)
}

func (e *CommandError) Unwrap() error { return e.Err }

// ErrCommandTimeout is wrapped by errors from commands that exceeded the
// runner's timeout.
var ErrCommandTimeout = errors.New("firewall: command timed out")

// ExecRunner runs commands with os/exec. Each command is bounded by Timeout
// when it is positive.
type ExecRunner struct {
	Timeout time.Duration
}

// Run implements CommandRunner.
func (r ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	c := exec.CommandContext(ctx, name, args...)
	// Grandchildren holding the output pipe must not outlive the timeout.
	c.WaitDelay = time.Second
	out, err := c.CombinedOutput()
	if err == nil {
		return out, nil
	}
	cmd := name + " " + strings.Join(args, " ")
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return out, fmt.Errorf("%w after %v: %s", ErrCommandTimeout, r.Timeout, cmd)
	}
	return out, &CommandError{Command: cmd, Output: strings.TrimSpace(string(out)), Err: err}
}
