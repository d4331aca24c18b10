// Package launcher starts the external test runner for a section with a
// controlled environment and argument list, and wires its output streams to
// capturers.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/harrison/nbjstest/internal/capture"
	"github.com/harrison/nbjstest/internal/models"
	"github.com/harrison/nbjstest/internal/procenv"
)

// Defaults for the runner invocation.
const (
	DefaultBinary = "casperjs"
	DefaultEngine = "phantomjs"
)

// haltGrace bounds how long Wait drains pipes after the runner has exited.
// Grandchildren that inherited the pipe can keep it open indefinitely.
const haltGrace = 5 * time.Second

// BuildCommand returns the runner argv:
//
//	<binary> test --includes=<a,b> --engine=<engine> <cases...> [extra...]
//
// On windows the runner is a batch shim, so ".cmd" is appended to the binary
// name. Nothing else is platform dependent.
func BuildCommand(binary, goos, engine string, includes, testCases, extra []string) []string {
	if goos == "windows" && !strings.HasSuffix(strings.ToLower(binary), ".cmd") {
		binary += ".cmd"
	}

	argv := make([]string, 0, 4+len(testCases)+len(extra))
	argv = append(argv, binary, "test",
		"--includes="+strings.Join(includes, ","),
		"--engine="+engine,
	)
	argv = append(argv, testCases...)
	argv = append(argv, extra...)
	return argv
}

// MergeEnv overlays overrides onto base. Overrides win; base order is kept.
func MergeEnv(base []string, overrides map[string]string) []string {
	return procenv.Merge(base, overrides)
}

// Spec describes one runner invocation.
type Spec struct {
	Section   string
	TestCases []string
	Includes  []string
	Env       map[string]string // Overrides on top of the current environment
	Extra     []string          // Appended after the test cases

	Capture bool      // Capture stdout; otherwise stdout goes straight to the console
	Echo    bool      // Echo captured stdout live
	EchoTo  io.Writer // Echo destination, os.Stdout when nil
}

// Launcher starts runner processes. The zero value is not usable; use New.
type Launcher struct {
	Binary string // Runner name, resolved against the child PATH
	Engine string // Value of --engine
	GOOS   string // Target OS for the command line, runtime.GOOS normally

	baseEnv func() []string
}

// New creates a Launcher for binary and engine on goos.
func New(binary, engine, goos string) *Launcher {
	if binary == "" {
		binary = DefaultBinary
	}
	if engine == "" {
		engine = DefaultEngine
	}
	return &Launcher{
		Binary:  binary,
		Engine:  engine,
		GOOS:    goos,
		baseEnv: os.Environ,
	}
}

// Command returns the argv that Launch would run for spec.
func (l *Launcher) Command(spec Spec) []string {
	return BuildCommand(l.Binary, l.GOOS, l.Engine, spec.Includes, spec.TestCases, spec.Extra)
}

// Launch starts the runner and returns immediately. The binary is resolved
// against the merged environment's PATH. Any failure to start is a
// *models.LaunchError.
func (l *Launcher) Launch(ctx context.Context, spec Spec) (*ProcessHandle, error) {
	argv := l.Command(spec)
	env := MergeEnv(l.baseEnv(), spec.Env)

	path, err := procenv.LookPath(argv[0], env)
	if err != nil {
		return nil, &models.LaunchError{Section: spec.Section, Binary: argv[0], Err: err}
	}

	cmd := exec.Command(path, argv[1:]...)
	cmd.Env = env

	var pipes []*os.File
	closeAll := func() {
		for _, f := range pipes {
			f.Close()
		}
	}

	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		return nil, &models.LaunchError{Section: spec.Section, Binary: argv[0], Err: fmt.Errorf("failed to create stderr pipe: %w", err)}
	}
	pipes = append(pipes, stderrR, stderrW)
	cmd.Stderr = stderrW

	var stdoutR, stdoutW *os.File
	if spec.Capture {
		stdoutR, stdoutW, err = os.Pipe()
		if err != nil {
			closeAll()
			return nil, &models.LaunchError{Section: spec.Section, Binary: argv[0], Err: fmt.Errorf("failed to create stdout pipe: %w", err)}
		}
		pipes = append(pipes, stdoutR, stdoutW)
		cmd.Stdout = stdoutW
	} else {
		cmd.Stdout = os.Stdout
	}

	if err := cmd.Start(); err != nil {
		closeAll()
		return nil, &models.LaunchError{Section: spec.Section, Binary: argv[0], Err: err}
	}

	// The child holds its own copies; the parent's write ends must close so
	// the readers see EOF when the child exits.
	stderrW.Close()
	if stdoutW != nil {
		stdoutW.Close()
	}

	h := &ProcessHandle{
		Args:    argv,
		Env:     env,
		PID:     cmd.Process.Pid,
		Stderr:  capture.New(false, nil),
		section: spec.Section,
		cmd:     cmd,
		exited:  make(chan struct{}),
	}
	h.Stderr.Start(stderrR)
	if stdoutR != nil {
		h.Stdout = capture.New(spec.Echo, spec.EchoTo)
		h.Stdout.Start(stdoutR)
	}

	go h.reap()

	return h, nil
}

// ProcessHandle is a started runner. Stdout is nil when stdout was not
// captured.
type ProcessHandle struct {
	Args   []string
	Env    []string
	PID    int
	Stdout *capture.StreamCapturer
	Stderr *capture.StreamCapturer

	section  string
	cmd      *exec.Cmd
	exited   chan struct{}
	waitErr  error
	killOnce sync.Once
	mu       sync.Mutex
	halted   bool
}

// reap waits for the process in the background so Wait can select on it.
func (h *ProcessHandle) reap() {
	h.waitErr = h.cmd.Wait()
	close(h.exited)
}

// Wait blocks until the runner exits and both capturers have drained. If ctx
// ends first the process is killed; a deadline yields a *models.TimeoutError.
// The exit code is -1 when the process did not exit normally.
func (h *ProcessHandle) Wait(ctx context.Context) (int, error) {
	start := time.Now()

	var ctxErr error
	select {
	case <-h.exited:
	case <-ctx.Done():
		h.Kill()
		<-h.exited
		ctxErr = ctx.Err()
	}

	haltErr := h.halt()

	if ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return -1, &models.TimeoutError{Section: h.section, Op: "runner", Timeout: deadlineBudget(ctx, start)}
		}
		return -1, ctxErr
	}

	code := h.cmd.ProcessState.ExitCode()
	if h.waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(h.waitErr, &exitErr) {
			return code, fmt.Errorf("failed to wait for runner: %w", h.waitErr)
		}
	}
	if haltErr != nil {
		return code, fmt.Errorf("failed to collect runner output: %w", haltErr)
	}
	return code, nil
}

// Kill terminates the runner. It is safe to call more than once.
func (h *ProcessHandle) Kill() {
	h.killOnce.Do(func() {
		if h.cmd.Process != nil {
			h.cmd.Process.Kill()
		}
	})
}

// halt stops both capturers once; later calls are no-ops.
func (h *ProcessHandle) halt() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.halted {
		return nil
	}
	h.halted = true

	ctx, cancel := context.WithTimeout(context.Background(), haltGrace)
	defer cancel()

	var errs []error
	if h.Stdout != nil {
		if err := h.Stdout.Halt(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stdout: %w", err))
		}
	}
	if err := h.Stderr.Halt(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stderr: %w", err))
	}
	return errors.Join(errs...)
}

// deadlineBudget reports how long ctx allowed from start, for error messages.
func deadlineBudget(ctx context.Context, start time.Time) time.Duration {
	if dl, ok := ctx.Deadline(); ok {
		return dl.Sub(start).Round(time.Millisecond)
	}
	return 0
}
