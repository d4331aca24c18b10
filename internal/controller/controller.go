// Package controller drives one test section through its lifecycle:
// configure extensions, launch the runner, wait for it, collect its output,
// and write the diagnostic record.
package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harrison/nbjstest/internal/config"
	"github.com/harrison/nbjstest/internal/discovery"
	"github.com/harrison/nbjstest/internal/launcher"
	"github.com/harrison/nbjstest/internal/models"
	"github.com/harrison/nbjstest/internal/procenv"
	"github.com/harrison/nbjstest/internal/toggle"
)

var (
	// ErrControllerReused is returned when a controller that already left
	// Idle is driven again. Controllers are single-use.
	ErrControllerReused = errors.New("controller already used")
	// ErrInvalidTransition is returned when a lifecycle step is called out of
	// order.
	ErrInvalidTransition = errors.New("invalid lifecycle transition")
)

// Controller is one section's lifecycle.
type Controller interface {
	Section() string
	Configure(ctx context.Context) error
	Launch(ctx context.Context) error
	Wait(ctx context.Context) (int, error)
	Cleanup() error
	State() models.LifecycleState
	Result() models.SectionResult
}

// OutputLog is the part of the diagnostic log a controller writes to.
type OutputLog interface {
	Appendf(format string, args ...interface{}) error
	LogSectionOutput(section string, command []string, stdout, stderr string) error
}

// Toggler installs and toggles extensions for a section.
type Toggler interface {
	Install(ctx context.Context, section string, env []string) ([]models.StepResult, error)
	Apply(ctx context.Context, section string, mode models.AuthMode, env []string) ([]models.StepResult, error)
	Audit(ctx context.Context, section string, env []string) []models.StepResult
}

// Starter launches the runner.
type Starter interface {
	Command(spec launcher.Spec) []string
	Launch(ctx context.Context, spec launcher.Spec) (*launcher.ProcessHandle, error)
}

var (
	_ Toggler = (*toggle.Matrix)(nil)
	_ Starter = (*launcher.Launcher)(nil)
)

// Options configure a single section.
type Options struct {
	Section   string
	TestRoot  string        // Directory holding js/<section>/test_*.js and js/_*.js
	JSTestDir string        // Directory holding util.js
	BinDir    string        // Appended to the child PATH, e.g. node_modules/.bin
	ExtraArgs []string      // Appended to the runner command
	Timeout   time.Duration // Bound on the runner, 0 = unbounded

	BufferOutput  bool // Capture without live echo
	CaptureOutput bool // Capture with live echo
	EchoTo        io.Writer

	Xunit    bool
	XunitDir string

	TempDir string // Parent of the section home, os.TempDir() when empty
}

// Deps are the collaborators a controller uses. Log and Status may be nil.
type Deps struct {
	Toggler Toggler
	Starter Starter
	Run     config.RunConfig
	Log     OutputLog
	Status  StatusLogger
}

// SectionController is the Controller for one notebook test section.
type SectionController struct {
	opts Options
	deps Deps

	mu      sync.Mutex
	state   models.LifecycleState
	section models.Section
	mode    models.AuthMode
	home    string
	env     []string
	handle  *launcher.ProcessHandle
	result  models.SectionResult
	started time.Time
	spawns  int
	cleaned bool
}

// New creates an idle controller.
func New(opts Options, deps Deps) *SectionController {
	mode := toggle.ResolveAuthMode(opts.Section, deps.Run.UseToken)
	return &SectionController{
		opts:    opts,
		deps:    deps,
		state:   models.StateIdle,
		section: models.NewSection(opts.Section),
		mode:    mode,
		result: models.SectionResult{
			Section:  opts.Section,
			AuthMode: mode,
			State:    models.StateIdle,
			ExitCode: -1,
		},
	}
}

// Section returns the section name.
func (c *SectionController) Section() string {
	return c.opts.Section
}

// AuthMode returns how the section authenticates.
func (c *SectionController) AuthMode() models.AuthMode {
	return c.mode
}

// State returns the current lifecycle state.
func (c *SectionController) State() models.LifecycleState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Spawns returns how many runner processes this controller started.
func (c *SectionController) Spawns() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.spawns
}

// Result returns a snapshot of the section result.
func (c *SectionController) Result() models.SectionResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.result
	r.State = c.state
	r.Command = append([]string(nil), c.section.Command...)
	return r
}

// Configure prepares the section home, installs the primary extension,
// copies the auth token when one is in use, and applies the toggle matrix.
// Any failure is a *models.SetupFailure and moves the section to Failed.
func (c *SectionController) Configure(ctx context.Context) error {
	c.mu.Lock()
	if c.state != models.StateIdle {
		c.mu.Unlock()
		return ErrControllerReused
	}
	c.started = time.Now()
	c.mu.Unlock()

	if err := c.configure(ctx); err != nil {
		return c.fail(err)
	}
	return c.transition(models.StateIdle, models.StateToggledConfigured)
}

func (c *SectionController) configure(ctx context.Context) error {
	name := c.opts.Section

	testCases, err := discovery.TestCases(c.opts.TestRoot, name)
	if err != nil {
		return &models.SetupFailure{Section: name, Err: err}
	}
	includes, err := discovery.Includes(c.opts.TestRoot, c.opts.JSTestDir)
	if err != nil {
		return &models.SetupFailure{Section: name, Err: err}
	}

	home, err := os.MkdirTemp(c.opts.TempDir, "nbjstest-"+name+"-")
	if err != nil {
		return &models.SetupFailure{Section: name, Err: fmt.Errorf("failed to create section home: %w", err)}
	}

	overrides := map[string]string{
		"HOME":               home,
		"JUPYTER_CONFIG_DIR": filepath.Join(home, ".jupyter"),
		"JUPYTER_DATA_DIR":   filepath.Join(home, ".local", "share", "jupyter"),
	}
	if c.opts.BinDir != "" {
		binDir, err := filepath.Abs(c.opts.BinDir)
		if err != nil {
			return &models.SetupFailure{Section: name, Err: err}
		}
		overrides["PATH"] = procenv.AppendPath(os.Getenv("PATH"), binDir)
	}

	c.mu.Lock()
	c.home = home
	c.section.TestCases = testCases
	c.section.Includes = includes
	c.section.Env = overrides
	c.env = procenv.Merge(os.Environ(), overrides)
	env := c.env
	c.mu.Unlock()

	GracefulInfo(c.deps.Status, "Section %s: %d test case(s), auth mode %s", name, len(testCases), c.mode)
	for _, key := range sortedKeys(overrides) {
		GracefulDebug(c.deps.Status, "Section %s: env %s=%s", name, key, overrides[key])
	}

	if _, err := c.deps.Toggler.Install(ctx, name, env); err != nil {
		return err
	}

	if c.mode == models.AuthToken {
		if err := c.copyToken(home); err != nil {
			return &models.SetupFailure{Section: name, Err: err}
		}
	}

	if _, err := c.deps.Toggler.Apply(ctx, name, c.mode, env); err != nil {
		return err
	}

	for _, r := range c.deps.Toggler.Audit(ctx, name, env) {
		if r.Failed() {
			GracefulWarn(c.deps.Status, "Section %s: %v failed (exit %d): %v", name, r.Args, r.ExitCode, r.Err)
		}
	}
	return nil
}

// copyToken copies the user's data directory, which holds the login token,
// into the section home. A missing source is skipped; an existing
// destination is an error.
func (c *SectionController) copyToken(home string) error {
	run := c.deps.Run
	dst, err := TokenDestination(home, run.Home, run.UserDataDir)
	if err != nil {
		return err
	}

	c.appendLog("\nCopying auth token to %s\n", dst)

	copied, err := CopyTree(run.UserDataDir, dst)
	if err != nil {
		return err
	}
	if !copied {
		c.appendLog("\nNo auth token at %s, skipping copy\n", run.UserDataDir)
		GracefulWarn(c.deps.Status, "Section %s: no auth token at %s", c.opts.Section, run.UserDataDir)
	}
	return nil
}

// Launch starts the runner. Failure is a *models.LaunchError and moves the
// section to Failed.
func (c *SectionController) Launch(ctx context.Context) error {
	if err := c.expect(models.StateToggledConfigured); err != nil {
		return err
	}

	spec := c.spec()
	command := c.deps.Starter.Command(spec)
	c.mu.Lock()
	c.section.Command = command
	c.mu.Unlock()

	GracefulDebug(c.deps.Status, "Section %s: runner command: %s", c.opts.Section, strings.Join(command, " "))

	handle, err := c.deps.Starter.Launch(ctx, spec)
	if err != nil {
		var launchErr *models.LaunchError
		if !errors.As(err, &launchErr) {
			err = &models.LaunchError{Section: c.opts.Section, Binary: command[0], Err: err}
		}
		return c.fail(err)
	}

	c.mu.Lock()
	c.handle = handle
	c.spawns++
	c.mu.Unlock()

	return c.transition(models.StateToggledConfigured, models.StateRunning)
}

// Preview discovers the section's tests and returns the runner command line
// Launch would use. Nothing is created, toggled or started.
func (c *SectionController) Preview() ([]string, error) {
	name := c.opts.Section
	testCases, err := discovery.TestCases(c.opts.TestRoot, name)
	if err != nil {
		return nil, &models.SetupFailure{Section: name, Err: err}
	}
	includes, err := discovery.Includes(c.opts.TestRoot, c.opts.JSTestDir)
	if err != nil {
		return nil, &models.SetupFailure{Section: name, Err: err}
	}

	spec := c.baseSpec()
	spec.TestCases = testCases
	spec.Includes = includes
	return c.deps.Starter.Command(spec), nil
}

func (c *SectionController) spec() launcher.Spec {
	spec := c.baseSpec()

	c.mu.Lock()
	defer c.mu.Unlock()
	spec.TestCases = c.section.TestCases
	spec.Includes = c.section.Includes
	spec.Env = c.section.Env
	return spec
}

func (c *SectionController) baseSpec() launcher.Spec {
	extra := append([]string(nil), c.opts.ExtraArgs...)
	if c.opts.Xunit {
		dir := c.opts.XunitDir
		if dir == "" {
			dir = "."
		}
		extra = append(extra, "--xunit="+filepath.Join(dir, c.opts.Section+".xml"))
	}

	return launcher.Spec{
		Section: c.opts.Section,
		Extra:   extra,
		Capture: c.opts.BufferOutput || c.opts.CaptureOutput,
		Echo:    !c.opts.BufferOutput,
		EchoTo:  c.opts.EchoTo,
	}
}

// Wait blocks until the runner exits, bounded by the configured timeout,
// then collects and decodes its output. A nonzero exit or timeout is a
// *models.RuntimeFailure; the section still proceeds to Cleanup.
func (c *SectionController) Wait(ctx context.Context) (int, error) {
	if err := c.expect(models.StateRunning); err != nil {
		return -1, err
	}

	waitCtx := ctx
	if c.opts.Timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}

	c.mu.Lock()
	handle := c.handle
	c.mu.Unlock()

	code, waitErr := handle.Wait(waitCtx)

	var runErr error
	var timeout *models.TimeoutError
	switch {
	case errors.As(waitErr, &timeout):
		if c.opts.Timeout > 0 {
			timeout.Timeout = c.opts.Timeout
		}
		runErr = &models.RuntimeFailure{Section: c.opts.Section, ExitCode: code, Err: timeout}
	case waitErr != nil && code < 0:
		runErr = &models.RuntimeFailure{Section: c.opts.Section, ExitCode: code, Err: waitErr}
	default:
		if waitErr != nil {
			GracefulWarn(c.deps.Status, "Section %s: %v", c.opts.Section, waitErr)
		}
		if code != 0 {
			runErr = &models.RuntimeFailure{Section: c.opts.Section, ExitCode: code}
		}
	}

	c.mu.Lock()
	c.result.ExitCode = code
	if runErr != nil && c.result.Err == nil {
		c.result.Err = runErr
	}
	c.mu.Unlock()

	if err := c.transition(models.StateRunning, models.StateWaited); err != nil {
		return code, err
	}

	c.collect(handle)

	if err := c.transition(models.StateWaited, models.StateCollectedOutput); err != nil {
		return code, err
	}
	return code, runErr
}

// collect decodes whatever the capturers hold. Undecodable bytes are
// replaced, never reported.
func (c *SectionController) collect(handle *launcher.ProcessHandle) {
	var stdout, stderr string
	if handle.Stdout != nil {
		stdout, _ = handle.Stdout.Text()
	}
	if handle.Stderr != nil {
		stderr, _ = handle.Stderr.Text()
	}

	c.mu.Lock()
	c.result.Stdout = stdout
	c.result.Stderr = stderr
	c.mu.Unlock()

	GracefulDebug(c.deps.Status, "Section %s: captured %d byte(s) of stdout, %d byte(s) of stderr",
		c.opts.Section, len(stdout), len(stderr))
}

// Cleanup writes the section's output block to the diagnostic log and
// removes the section home. It is valid in any state after Configure was
// attempted. A section that collected output with no error ends in Done;
// every other section ends in Failed.
func (c *SectionController) Cleanup() error {
	c.mu.Lock()
	if c.cleaned {
		c.mu.Unlock()
		return fmt.Errorf("%w: already cleaned up", ErrInvalidTransition)
	}
	state := c.state
	if state == models.StateIdle {
		c.mu.Unlock()
		return fmt.Errorf("%w: cleanup from %s", ErrInvalidTransition, state)
	}
	c.cleaned = true
	handle := c.handle
	home := c.home
	name := c.opts.Section
	command := append([]string(nil), c.section.Command...)
	stdout, stderr := c.result.Stdout, c.result.Stderr
	c.mu.Unlock()

	if state == models.StateRunning && handle != nil {
		// Wait was never called; do not leave the runner behind.
		handle.Kill()
		handle.Wait(context.Background())
		c.collect(handle)
		c.mu.Lock()
		stdout, stderr = c.result.Stdout, c.result.Stderr
		c.mu.Unlock()
	}

	var logErr error
	if handle != nil && c.deps.Log != nil {
		logErr = c.deps.Log.LogSectionOutput(name, command, stdout, stderr)
		if logErr != nil {
			GracefulWarn(c.deps.Status, "Section %s: failed to write diagnostic log: %v", name, logErr)
		}
	}

	if home != "" {
		if err := os.RemoveAll(home); err != nil {
			GracefulWarn(c.deps.Status, "Section %s: failed to remove %s: %v", name, home, err)
		}
	}

	c.mu.Lock()
	c.handle = nil
	c.result.Duration = time.Since(c.started)

	if c.state == models.StateCollectedOutput {
		c.state = models.StateCleanedUp
		if c.result.Err == nil && c.result.ExitCode == 0 {
			c.state = models.StateDone
			c.mu.Unlock()
			return logErr
		}
	}
	if c.result.Err == nil {
		c.result.Err = fmt.Errorf("section %s: lifecycle ended in %s", name, state)
	}
	c.state = models.StateFailed
	sectionErr := c.result.Err
	c.mu.Unlock()

	GracefulError(c.deps.Status, "Section %s failed: %v", name, sectionErr)
	return logErr
}

// Run drives c from Idle to a terminal state and returns its result. Steps
// after a failure are skipped but Cleanup always runs.
func Run(ctx context.Context, c Controller) models.SectionResult {
	if c.State() != models.StateIdle {
		r := c.Result()
		r.Err = ErrControllerReused
		return r
	}

	if err := c.Configure(ctx); err == nil {
		if err := c.Launch(ctx); err == nil {
			c.Wait(ctx)
		}
	}
	c.Cleanup()
	return c.Result()
}

func (c *SectionController) expect(state models.LifecycleState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != state {
		return fmt.Errorf("%w: expected %s, in %s", ErrInvalidTransition, state, c.state)
	}
	return nil
}

func (c *SectionController) transition(from, to models.LifecycleState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != from {
		return fmt.Errorf("%w: %s -> %s from %s", ErrInvalidTransition, from, to, c.state)
	}
	c.state = to
	return nil
}

// fail records err as the section error and moves to Failed.
func (c *SectionController) fail(err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.result.Err == nil {
		c.result.Err = err
	}
	c.state = models.StateFailed
	return err
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (c *SectionController) appendLog(format string, args ...interface{}) {
	if c.deps.Log == nil {
		return
	}
	if err := c.deps.Log.Appendf(format, args...); err != nil {
		GracefulWarn(c.deps.Status, "Section %s: failed to write diagnostic log: %v", c.opts.Section, err)
	}
}
