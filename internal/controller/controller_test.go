package controller

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harrison/nbjstest/internal/config"
	"github.com/harrison/nbjstest/internal/launcher"
	"github.com/harrison/nbjstest/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeToggler records calls and fails the configured step.
type fakeToggler struct {
	mu         sync.Mutex
	calls      []string
	modes      []models.AuthMode
	envs       [][]string
	failIn     string // "install" or "apply"
	auditFails bool
}

func (f *fakeToggler) record(call string, env []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	f.envs = append(f.envs, env)
}

func (f *fakeToggler) Install(ctx context.Context, section string, env []string) ([]models.StepResult, error) {
	f.record("install", env)
	if f.failIn == "install" {
		results := []models.StepResult{{Args: []string{"jupyter", "nbextension", "install"}, ExitCode: 1, Output: "boom"}}
		return results, &models.SetupFailure{Section: section, Results: results}
	}
	return nil, nil
}

func (f *fakeToggler) Apply(ctx context.Context, section string, mode models.AuthMode, env []string) ([]models.StepResult, error) {
	f.record("apply", env)
	f.mu.Lock()
	f.modes = append(f.modes, mode)
	f.mu.Unlock()
	if f.failIn == "apply" {
		results := []models.StepResult{{Args: []string{"jupyter", "serverextension", "enable"}, ExitCode: 2}}
		return results, &models.SetupFailure{Section: section, Results: results}
	}
	return nil, nil
}

func (f *fakeToggler) Audit(ctx context.Context, section string, env []string) []models.StepResult {
	f.record("audit", env)
	if f.auditFails {
		return []models.StepResult{{Args: []string{"jupyter", "nbextension", "list"}, ExitCode: 1}}
	}
	return nil
}

// countingStarter counts launches.
type countingStarter struct {
	*launcher.Launcher
	mu       sync.Mutex
	launches int
}

func (s *countingStarter) Launch(ctx context.Context, spec launcher.Spec) (*launcher.ProcessHandle, error) {
	s.mu.Lock()
	s.launches++
	s.mu.Unlock()
	return s.Launcher.Launch(ctx, spec)
}

// memLog is an in-memory OutputLog.
type memLog struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (m *memLog) Appendf(format string, args ...interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	fmt.Fprintf(&m.buf, format, args...)
	return nil
}

func (m *memLog) LogSectionOutput(section string, command []string, stdout, stderr string) error {
	return m.Appendf("-----------------------\n%s results:\n%s\n%s[stderr]%s\n", section, strings.Join(command, " "), stdout, stderr)
}

func (m *memLog) String() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buf.String()
}

// recordingStatus captures StatusLogger calls.
type recordingStatus struct {
	mu     sync.Mutex
	debugs []string
	warns  []string
	errs   []string
}

func (r *recordingStatus) Debugf(format string, args ...interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.debugs = append(r.debugs, fmt.Sprintf(format, args...))
}

func (r *recordingStatus) Infof(format string, args ...interface{}) {}

func (r *recordingStatus) Warnf(format string, args ...interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.warns = append(r.warns, fmt.Sprintf(format, args...))
}

func (r *recordingStatus) Errorf(format string, args ...interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, fmt.Sprintf(format, args...))
}

type fixture struct {
	testRoot string
	binDir   string
	tempDir  string
	toggler  *fakeToggler
	starter  *countingStarter
	log      *memLog
	status   *recordingStatus
}

// newFixture lays out a test root with one test per section and a runner
// script named "runner" whose body is script.
func newFixture(t *testing.T, script string) *fixture {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script runners need a unix shell")
	}

	root := t.TempDir()
	for _, p := range []string{
		"js/_shared.js",
		"js/auth/test_login.js",
		"js/noauth/test_menu.js",
	} {
		full := filepath.Join(root, p)
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0755))
		require.NoError(t, os.WriteFile(full, []byte("// test\n"), 0644))
	}

	bin := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(bin, "runner"), []byte("#!/bin/sh\n"+script), 0755))

	return &fixture{
		testRoot: root,
		binDir:   bin,
		tempDir:  t.TempDir(),
		toggler:  &fakeToggler{},
		starter:  &countingStarter{Launcher: launcher.New("runner", "phantomjs", runtime.GOOS)},
		log:      &memLog{},
		status:   &recordingStatus{},
	}
}

func (f *fixture) controller(section string, rc config.RunConfig) *SectionController {
	return New(Options{
		Section:       section,
		TestRoot:      f.testRoot,
		JSTestDir:     f.testRoot,
		BinDir:        f.binDir,
		CaptureOutput: true,
		EchoTo:        &bytes.Buffer{},
		TempDir:       f.tempDir,
		Timeout:       30 * time.Second,
	}, Deps{
		Toggler: f.toggler,
		Starter: f.starter,
		Run:     rc,
		Log:     f.log,
		Status:  f.status,
	})
}

func TestRun_Passes(t *testing.T) {
	f := newFixture(t, "echo \"ran $*\"\necho \"home=$HOME\"\nexit 0\n")
	c := f.controller("noauth", config.RunConfig{})

	result := Run(context.Background(), c)

	require.NoError(t, result.Err)
	assert.Equal(t, models.StateDone, result.State)
	assert.True(t, result.Passed())
	assert.Equal(t, 0, result.ExitCode)
	assert.Equal(t, models.AuthNone, result.AuthMode)
	assert.Equal(t, []string{"install", "apply", "audit"}, f.toggler.calls)
	assert.Equal(t, 1, c.Spawns())

	testFile := filepath.Join(f.testRoot, "js", "noauth", "test_menu.js")
	assert.Contains(t, result.Stdout, "ran test --includes=")
	assert.Contains(t, result.Stdout, "--engine=phantomjs "+testFile)
	assert.Contains(t, result.Stdout, "home="+f.tempDir)
	assert.Equal(t, "runner", result.Command[0])

	logText := f.log.String()
	assert.Contains(t, logText, "noauth results:\nrunner test ")
	assert.Contains(t, logText, result.Stdout)

	entries, err := os.ReadDir(f.tempDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "section home is removed at cleanup")
}

func TestRun_SetupFailureNeverSpawns(t *testing.T) {
	for _, step := range []string{"install", "apply"} {
		t.Run(step, func(t *testing.T) {
			f := newFixture(t, "exit 0\n")
			f.toggler.failIn = step
			c := f.controller("auth", config.RunConfig{})

			result := Run(context.Background(), c)

			assert.Equal(t, models.StateFailed, result.State)
			assert.Equal(t, models.StatusSetup, result.Status())
			var setup *models.SetupFailure
			assert.True(t, errors.As(result.Err, &setup))
			assert.Equal(t, 0, f.starter.launches)
			assert.Equal(t, 0, c.Spawns())
			assert.NotContains(t, f.log.String(), "results:")
		})
	}
}

func TestRun_NonzeroExitIsRuntimeFailure(t *testing.T) {
	f := newFixture(t, "echo failing output\nexit 4\n")
	c := f.controller("auth", config.RunConfig{})

	result := Run(context.Background(), c)

	assert.Equal(t, models.StateFailed, result.State)
	assert.Equal(t, 4, result.ExitCode)
	assert.Equal(t, models.StatusFailed, result.Status())

	var runtimeErr *models.RuntimeFailure
	require.True(t, errors.As(result.Err, &runtimeErr))
	assert.Equal(t, 4, runtimeErr.ExitCode)

	// The output block is still written.
	assert.Contains(t, f.log.String(), "auth results:")
	assert.Contains(t, f.log.String(), "failing output")

	require.Len(t, f.status.errs, 1)
	assert.Contains(t, f.status.errs[0], "Section auth failed: section auth: runner exited with code 4")
}

func TestRun_DebugDetails(t *testing.T) {
	f := newFixture(t, "echo 12345\nexit 0\n")
	c := f.controller("noauth", config.RunConfig{})

	result := Run(context.Background(), c)
	require.NoError(t, result.Err)

	debug := strings.Join(f.status.debugs, "\n")
	assert.Contains(t, debug, "Section noauth: env HOME="+filepath.Join(f.tempDir, "nbjstest-noauth-"))
	assert.Contains(t, debug, "Section noauth: env PATH=")
	assert.Contains(t, debug, "Section noauth: runner command: runner test --includes=")
	assert.Contains(t, debug, "Section noauth: captured 6 byte(s) of stdout, 0 byte(s) of stderr")
	assert.Empty(t, f.status.errs, "a passing section logs no error")
}

func TestRun_AuthWithoutTokenUsesPatched(t *testing.T) {
	f := newFixture(t, "exit 0\n")
	c := f.controller("auth", config.RunConfig{UseToken: false})

	Run(context.Background(), c)

	assert.Equal(t, []models.AuthMode{models.AuthPatchedCredential}, f.toggler.modes)
}

func TestRun_LaunchError(t *testing.T) {
	f := newFixture(t, "exit 0\n")
	f.starter.Launcher = launcher.New("no-such-runner", "phantomjs", runtime.GOOS)
	c := f.controller("noauth", config.RunConfig{})

	result := Run(context.Background(), c)

	assert.Equal(t, models.StateFailed, result.State)
	assert.Equal(t, models.StatusLaunch, result.Status())
	assert.Equal(t, 0, c.Spawns())
}

func TestRun_Timeout(t *testing.T) {
	f := newFixture(t, "exec sleep 30\n")
	c := f.controller("noauth", config.RunConfig{})
	c.opts.Timeout = 200 * time.Millisecond

	result := Run(context.Background(), c)

	assert.Equal(t, models.StateFailed, result.State)
	var timeout *models.TimeoutError
	require.True(t, errors.As(result.Err, &timeout))
	assert.Equal(t, 200*time.Millisecond, timeout.Timeout)
	var runtimeErr *models.RuntimeFailure
	assert.True(t, errors.As(result.Err, &runtimeErr))
}

func TestRun_AuditFailureIsOnlyLogged(t *testing.T) {
	f := newFixture(t, "exit 0\n")
	f.toggler.auditFails = true
	c := f.controller("noauth", config.RunConfig{})

	result := Run(context.Background(), c)

	assert.True(t, result.Passed())
	require.Len(t, f.status.warns, 1)
	assert.Contains(t, f.status.warns[0], "nbextension list")
}

func TestRun_ControllerReused(t *testing.T) {
	f := newFixture(t, "exit 0\n")
	c := f.controller("noauth", config.RunConfig{})

	first := Run(context.Background(), c)
	require.True(t, first.Passed())

	second := Run(context.Background(), c)
	assert.ErrorIs(t, second.Err, ErrControllerReused)
	assert.Equal(t, 1, c.Spawns())
	assert.ErrorIs(t, c.Configure(context.Background()), ErrControllerReused)
}

func TestLifecycle_OutOfOrder(t *testing.T) {
	f := newFixture(t, "exit 0\n")
	c := f.controller("noauth", config.RunConfig{})

	assert.ErrorIs(t, c.Launch(context.Background()), ErrInvalidTransition)
	_, err := c.Wait(context.Background())
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.ErrorIs(t, c.Cleanup(), ErrInvalidTransition)
	assert.Equal(t, models.StateIdle, c.State())
}

func TestLifecycle_StepByStep(t *testing.T) {
	f := newFixture(t, "echo hi\nexit 0\n")
	c := f.controller("noauth", config.RunConfig{})
	ctx := context.Background()

	require.NoError(t, c.Configure(ctx))
	assert.Equal(t, models.StateToggledConfigured, c.State())

	require.NoError(t, c.Launch(ctx))
	assert.Equal(t, models.StateRunning, c.State())

	code, err := c.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, models.StateCollectedOutput, c.State())

	require.NoError(t, c.Cleanup())
	assert.Equal(t, models.StateDone, c.State())
	assert.Equal(t, "hi\n", c.Result().Stdout)

	assert.ErrorIs(t, c.Cleanup(), ErrInvalidTransition)
}

func TestConfigure_SectionEnvironment(t *testing.T) {
	f := newFixture(t, "exit 0\n")
	c := f.controller("noauth", config.RunConfig{})

	require.NoError(t, c.Configure(context.Background()))
	defer c.Cleanup()

	env := f.toggler.envs[0]
	home := c.home
	assert.Contains(t, env, "HOME="+home)
	assert.Contains(t, env, "JUPYTER_CONFIG_DIR="+filepath.Join(home, ".jupyter"))
	assert.Contains(t, env, "JUPYTER_DATA_DIR="+filepath.Join(home, ".local", "share", "jupyter"))

	var path string
	for _, kv := range env {
		if strings.HasPrefix(kv, "PATH=") {
			path = kv
		}
	}
	assert.True(t, strings.HasSuffix(path, string(os.PathListSeparator)+f.binDir), "bin dir appended to PATH: %s", path)
}

func TestRun_XunitArgument(t *testing.T) {
	f := newFixture(t, "echo \"$*\"\nexit 0\n")
	c := f.controller("auth", config.RunConfig{})
	c.opts.Xunit = true
	c.opts.XunitDir = "reports"

	result := Run(context.Background(), c)

	assert.Equal(t, "--xunit="+filepath.Join("reports", "auth.xml"), result.Command[len(result.Command)-1])
}

func TestRun_TokenCopy(t *testing.T) {
	f := newFixture(t, "test -f \"$HOME/.local/share/binstar/token\" && echo token-present\nexit 0\n")

	home := t.TempDir()
	dataDir := filepath.Join(home, ".local", "share", "binstar")
	require.NoError(t, os.MkdirAll(dataDir, 0700))
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "token"), []byte("secret"), 0600))

	c := f.controller("auth", config.RunConfig{UseToken: true, Home: home, UserDataDir: dataDir})
	result := Run(context.Background(), c)

	require.NoError(t, result.Err)
	assert.Equal(t, models.AuthToken, result.AuthMode)
	assert.Equal(t, []models.AuthMode{models.AuthToken}, f.toggler.modes)
	assert.Contains(t, result.Stdout, "token-present")
	assert.Contains(t, f.log.String(), "Copying auth token to ")
}

func TestRun_TokenMissingIsSkipped(t *testing.T) {
	f := newFixture(t, "exit 0\n")
	home := t.TempDir()
	c := f.controller("auth", config.RunConfig{UseToken: true, Home: home, UserDataDir: filepath.Join(home, "absent")})

	result := Run(context.Background(), c)

	require.NoError(t, result.Err)
	assert.Contains(t, f.log.String(), "No auth token at ")
	assert.Len(t, f.status.warns, 1)
}

func TestPreview(t *testing.T) {
	f := newFixture(t, "exit 0\n")
	c := f.controller("auth", config.RunConfig{})
	c.opts.ExtraArgs = []string{"--verbose"}

	command, err := c.Preview()
	require.NoError(t, err)

	assert.Equal(t, "runner", command[0])
	assert.Equal(t, filepath.Join(f.testRoot, "js", "auth", "test_login.js"), command[len(command)-2])
	assert.Equal(t, "--verbose", command[len(command)-1])
	assert.Equal(t, models.StateIdle, c.State())
	assert.Empty(t, f.toggler.calls)
	assert.Equal(t, 0, f.starter.launches)

	entries, err := os.ReadDir(f.tempDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPreview_SectionWithoutTests(t *testing.T) {
	f := newFixture(t, "exit 0\n")
	c := f.controller("missing", config.RunConfig{})

	command, err := c.Preview()
	require.NoError(t, err)
	assert.Equal(t, "--engine=phantomjs", command[len(command)-1])
}
