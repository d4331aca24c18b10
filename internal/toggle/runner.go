package toggle

import (
	"context"
	"errors"
	"os/exec"

	"github.com/harrison/nbjstest/internal/procenv"
)

// CommandRunner abstracts toggle tool execution for testability.
// exitCode is -1 when the process never ran or was killed; err is non-nil
// only in that case.
type CommandRunner interface {
	Run(ctx context.Context, env []string, name string, args ...string) (output string, exitCode int, err error)
}

// ExecCommandRunner runs the tool as a real subprocess and returns its
// combined stdout/stderr.
type ExecCommandRunner struct{}

// NewExecCommandRunner creates a CommandRunner backed by os/exec.
func NewExecCommandRunner() *ExecCommandRunner {
	return &ExecCommandRunner{}
}

// Run executes name with args in env (nil env inherits the current one).
func (r *ExecCommandRunner) Run(ctx context.Context, env []string, name string, args ...string) (string, int, error) {
	path, err := procenv.LookPath(name, env)
	if err != nil {
		return "", -1, err
	}

	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Env = env

	output, err := cmd.CombinedOutput()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return string(output), -1, ctxErr
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return string(output), exitErr.ExitCode(), nil
		}
		return string(output), -1, err
	}
	return string(output), 0, nil
}
