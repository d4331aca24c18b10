package launcher

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/harrison/nbjstest/internal/models"
	"github.com/harrison/nbjstest/internal/procenv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildCommand(t *testing.T) {
	got := BuildCommand("runner", "linux", "phantomjs",
		[]string{"util.js", "_shared.js"},
		[]string{"a.js", "b.js"},
		nil)
	assert.Equal(t, "runner test --includes=util.js,_shared.js --engine=phantomjs a.js b.js", strings.Join(got, " "))
}

func TestBuildCommand_Windows(t *testing.T) {
	got := BuildCommand("casperjs", "windows", "slimerjs", []string{"util.js"}, []string{"t.js"}, []string{"--xunit=out.xml"})
	assert.Equal(t, []string{"casperjs.cmd", "test", "--includes=util.js", "--engine=slimerjs", "t.js", "--xunit=out.xml"}, got)

	// Already suffixed names are left alone.
	got = BuildCommand("casperjs.cmd", "windows", "phantomjs", nil, nil, nil)
	assert.Equal(t, "casperjs.cmd", got[0])
	assert.Equal(t, "--includes=", got[2])
}

func TestBuildCommand_ExtraAfterCases(t *testing.T) {
	got := BuildCommand("r", "darwin", "e", nil, []string{"x.js"}, []string{"--verbose", "--log-level=debug"})
	assert.Equal(t, []string{"x.js", "--verbose", "--log-level=debug"}, got[4:])
}

func TestMergeEnv(t *testing.T) {
	got := MergeEnv([]string{"HOME=/home/dev", "PATH=/bin"}, map[string]string{"HOME": "/tmp/s"})
	assert.Equal(t, []string{"HOME=/tmp/s", "PATH=/bin"}, got)
}

// writeRunner installs an executable shell script named name in a new
// directory and returns that directory.
func writeRunner(t *testing.T, name, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script runners need a unix shell")
	}
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("#!/bin/sh\n"+body), 0755))
	return dir
}

// newTestLauncher returns a Launcher whose base environment is env.
func newTestLauncher(binary string, env []string) *Launcher {
	l := New(binary, "phantomjs", runtime.GOOS)
	l.baseEnv = func() []string { return env }
	return l
}

func TestLaunch_CapturesStdoutAndStderr(t *testing.T) {
	dir := writeRunner(t, "fakerunner", `echo "args: $*"
echo "home: $HOME"
echo "oops" 1>&2
exit 0
`)
	l := newTestLauncher("fakerunner", []string{"PATH=/usr/bin:/bin"})

	var echoed bytes.Buffer
	h, err := l.Launch(context.Background(), Spec{
		Section:   "noauth",
		TestCases: []string{"a.js"},
		Includes:  []string{"util.js"},
		Env:       map[string]string{"PATH": procenv.AppendPath("/usr/bin:/bin", dir), "HOME": "/tmp/section"},
		Capture:   true,
		Echo:      true,
		EchoTo:    &echoed,
	})
	require.NoError(t, err)
	assert.Greater(t, h.PID, 0)

	code, err := h.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, code)

	stdout, err := h.Stdout.Text()
	require.NoError(t, err)
	assert.Equal(t, "args: test --includes=util.js --engine=phantomjs a.js\nhome: /tmp/section\n", stdout)
	assert.Equal(t, stdout, echoed.String())

	stderr, err := h.Stderr.Text()
	require.NoError(t, err)
	assert.Equal(t, "oops\n", stderr)
}

func TestLaunch_NonzeroExit(t *testing.T) {
	dir := writeRunner(t, "failing", "echo partial\nexit 3\n")
	l := newTestLauncher("failing", []string{"PATH=" + dir})

	h, err := l.Launch(context.Background(), Spec{Section: "auth", Capture: true})
	require.NoError(t, err)

	code, err := h.Wait(context.Background())
	require.NoError(t, err, "a nonzero exit is reported through the code, not an error")
	assert.Equal(t, 3, code)

	out, err := h.Stdout.Text()
	require.NoError(t, err)
	assert.Equal(t, "partial\n", out)
}

func TestLaunch_UncapturedStdout(t *testing.T) {
	dir := writeRunner(t, "quiet", "exit 0\n")
	l := newTestLauncher("quiet", []string{"PATH=" + dir})

	h, err := l.Launch(context.Background(), Spec{Section: "noauth"})
	require.NoError(t, err)
	assert.Nil(t, h.Stdout)
	assert.NotNil(t, h.Stderr)

	code, err := h.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, code)
}

func TestLaunch_MissingBinary(t *testing.T) {
	l := newTestLauncher("definitely-not-a-runner", []string{"PATH=" + t.TempDir()})

	h, err := l.Launch(context.Background(), Spec{Section: "auth"})
	assert.Nil(t, h)

	var launchErr *models.LaunchError
	require.True(t, errors.As(err, &launchErr))
	assert.Equal(t, "auth", launchErr.Section)
	assert.ErrorIs(t, err, procenv.ErrNotFound)
}

func TestLaunch_LargeOutputDoesNotDeadlock(t *testing.T) {
	// Well past any pipe buffer on both streams at once.
	dir := writeRunner(t, "chatty", `i=0
while [ $i -lt 4000 ]; do
  echo "stdout line $i ................................................"
  echo "stderr line $i ................................................" 1>&2
  i=$((i+1))
done
`)
	l := newTestLauncher("chatty", []string{"PATH=/usr/bin:/bin:" + dir})

	h, err := l.Launch(context.Background(), Spec{Section: "noauth", Capture: true})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	code, err := h.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, code)

	out, _ := h.Stdout.Buffer()
	errOut, _ := h.Stderr.Buffer()
	assert.Equal(t, 4000, bytes.Count(out, []byte("\n")))
	assert.Equal(t, 4000, bytes.Count(errOut, []byte("\n")))
	assert.True(t, strings.HasSuffix(string(out), "stdout line 3999 ................................................\n"))
}

func TestWait_TimeoutKillsRunner(t *testing.T) {
	dir := writeRunner(t, "hang", "echo started\nexec sleep 30\n")
	l := newTestLauncher("hang", []string{"PATH=/usr/bin:/bin:" + dir})

	h, err := l.Launch(context.Background(), Spec{Section: "auth", Capture: true})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	start := time.Now()
	code, err := h.Wait(ctx)
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Equal(t, -1, code)

	var timeout *models.TimeoutError
	require.True(t, errors.As(err, &timeout))
	assert.Equal(t, "auth", timeout.Section)
	assert.Equal(t, "runner", timeout.Op)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	out, err := h.Stdout.Text()
	require.NoError(t, err)
	assert.Equal(t, "started\n", out)
}

func TestKill_Idempotent(t *testing.T) {
	dir := writeRunner(t, "sleeper", "exec sleep 30\n")
	l := newTestLauncher("sleeper", []string{"PATH=/usr/bin:/bin:" + dir})

	h, err := l.Launch(context.Background(), Spec{Section: "noauth"})
	require.NoError(t, err)

	h.Kill()
	h.Kill()

	code, err := h.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, -1, code, "signalled processes report -1")
}
