// Package toggle decides and applies which of two cooperating notebook
// extensions is active for a test section.
//
// The primary extension and its patched alternate are always in opposite
// states. The auth section without a real token swaps in the patched
// alternate, which fakes a logged-in user; every other case runs the primary.
package toggle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/harrison/nbjstest/internal/models"
)

// Defaults for the toggle tool and the extension pair.
const (
	DefaultTool      = "jupyter"
	DefaultPrimary   = "nb_anacondacloud"
	DefaultAlternate = "nb_anacondacloud.tests.patched"
)

const (
	objServerExtension = "serverextension"
	objNBExtension     = "nbextension"
	flagSysPrefix      = "--sys-prefix"
	flagPy             = "--py"
)

// ErrStatesNotOpposite reports a toggle set that would enable or disable both
// extensions at once.
var ErrStatesNotOpposite = errors.New("primary and alternate extensions must be in opposite states")

// DecisionLog receives toggle decisions and tool output for audit.
type DecisionLog interface {
	LogToggleDecision(section string, mode models.AuthMode, entries []models.ToggleEntry) error
	LogSteps(section, label string, results []models.StepResult) error
}

// Reporter receives per-step detail and problems writing the DecisionLog.
type Reporter interface {
	Tracef(format string, args ...interface{})
	Debugf(format string, args ...interface{})
	Warnf(format string, args ...interface{})
}

// ResolveAuthMode picks how a section is authenticated.
func ResolveAuthMode(section string, useToken bool) models.AuthMode {
	if section != models.SectionAuth {
		return models.AuthNone
	}
	if useToken {
		return models.AuthToken
	}
	return models.AuthPatchedCredential
}

// Compute returns the toggle entries for mode, primary first.
func Compute(primary, alternate string, mode models.AuthMode) []models.ToggleEntry {
	primaryState := models.ExtensionEnabled
	if mode == models.AuthPatchedCredential {
		primaryState = models.ExtensionDisabled
	}
	return []models.ToggleEntry{
		{Extension: primary, State: primaryState},
		{Extension: alternate, State: primaryState.Opposite()},
	}
}

// CheckOpposite verifies that a two-entry toggle set has opposite states.
func CheckOpposite(entries []models.ToggleEntry) error {
	if len(entries) != 2 {
		return fmt.Errorf("%w: expected 2 entries, got %d", ErrStatesNotOpposite, len(entries))
	}
	if entries[0].State == entries[1].State {
		return fmt.Errorf("%w: %s and %s", ErrStatesNotOpposite, entries[0], entries[1])
	}
	return nil
}

// Matrix installs the primary extension and applies toggle entries by
// invoking the toggle tool once per step, sequentially.
type Matrix struct {
	Tool      string        // Toggle tool binary, "jupyter" by default
	Primary   string        // Real extension package
	Alternate string        // Patched extension package
	Runner    CommandRunner // Executes the tool
	Timeout   time.Duration // Bound per invocation, 0 = unbounded
	Log       DecisionLog   // Optional audit sink
	Status    Reporter      // Optional
}

// NewMatrix creates a Matrix with the default tool and extension names.
func NewMatrix(runner CommandRunner, log DecisionLog) *Matrix {
	return &Matrix{
		Tool:      DefaultTool,
		Primary:   DefaultPrimary,
		Alternate: DefaultAlternate,
		Runner:    runner,
		Log:       log,
	}
}

// Entries returns the toggle entries for mode.
func (m *Matrix) Entries(mode models.AuthMode) []models.ToggleEntry {
	return Compute(m.Primary, m.Alternate, mode)
}

// InstallSteps returns the argv (without the tool) of the base install steps.
func (m *Matrix) InstallSteps() [][]string {
	pkg := []string{flagSysPrefix, flagPy, m.Primary}
	return [][]string{
		append([]string{objServerExtension, "enable"}, pkg...),
		append([]string{objNBExtension, "install"}, pkg...),
		append([]string{objNBExtension, "enable"}, pkg...),
	}
}

// ToggleSteps returns the argv (without the tool) that applies entries.
func (m *Matrix) ToggleSteps(entries []models.ToggleEntry) [][]string {
	steps := make([][]string, 0, len(entries))
	for _, e := range entries {
		steps = append(steps, []string{objServerExtension, string(e.State), flagSysPrefix, e.Extension})
	}
	return steps
}

// Install enables the server extension and installs/enables the nbextension
// of the primary package. All steps run; if any failed, a *SetupFailure
// carrying every result is returned.
func (m *Matrix) Install(ctx context.Context, section string, env []string) ([]models.StepResult, error) {
	results := make([]models.StepResult, 0, 3)
	for _, step := range m.InstallSteps() {
		results = append(results, m.run(ctx, section, env, step))
	}

	m.logSteps(section, "install", results)

	if failure := setupFailure(section, results); failure != nil {
		return results, failure
	}
	return results, nil
}

// Apply records the decision for mode and then toggles each extension in
// order, stopping at the first failed step.
func (m *Matrix) Apply(ctx context.Context, section string, mode models.AuthMode, env []string) ([]models.StepResult, error) {
	entries := m.Entries(mode)
	if err := CheckOpposite(entries); err != nil {
		return nil, &models.SetupFailure{Section: section, Err: err}
	}

	if m.Log != nil {
		if err := m.Log.LogToggleDecision(section, mode, entries); err != nil {
			m.warnf("Section %s: failed to write diagnostic log: %v", section, err)
		}
	}

	results := make([]models.StepResult, 0, len(entries))
	for _, step := range m.ToggleSteps(entries) {
		r := m.run(ctx, section, env, step)
		results = append(results, r)
		if r.Failed() {
			break
		}
	}

	m.logSteps(section, "toggle", results)

	if failure := setupFailure(section, results); failure != nil {
		return results, failure
	}
	return results, nil
}

// Audit lists nbextension and serverextension state. Failures are recorded
// but never abort the section.
func (m *Matrix) Audit(ctx context.Context, section string, env []string) []models.StepResult {
	results := []models.StepResult{
		m.run(ctx, section, env, []string{objNBExtension, "list"}),
		m.run(ctx, section, env, []string{objServerExtension, "list"}),
	}
	m.logSteps(section, "extension state", results)
	return results
}

// run invokes the tool once, bounded by m.Timeout.
func (m *Matrix) run(ctx context.Context, section string, env []string, args []string) models.StepResult {
	argv := append([]string{m.Tool}, args...)

	runCtx := ctx
	if m.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, m.Timeout)
		defer cancel()
	}

	output, code, err := m.Runner.Run(runCtx, env, m.Tool, args...)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		err = &models.TimeoutError{Section: section, Op: strings.Join(argv, " "), Timeout: m.Timeout}
	}

	if m.Status != nil {
		m.Status.Debugf("Section %s: %s (exit %d)", section, strings.Join(argv, " "), code)
		if output != "" {
			m.Status.Tracef("Section %s: %s output:\n%s", section, argv[1], strings.TrimRight(output, "\n"))
		}
	}

	return models.StepResult{
		Args:     argv,
		Output:   output,
		ExitCode: code,
		Err:      err,
	}
}

func (m *Matrix) logSteps(section, label string, results []models.StepResult) {
	if m.Log == nil || len(results) == 0 {
		return
	}
	if err := m.Log.LogSteps(section, label, results); err != nil {
		m.warnf("Section %s: failed to write diagnostic log: %v", section, err)
	}
}

func (m *Matrix) warnf(format string, args ...interface{}) {
	if m.Status != nil {
		m.Status.Warnf(format, args...)
	}
}

// setupFailure returns a SetupFailure when any result failed.
func setupFailure(section string, results []models.StepResult) *models.SetupFailure {
	var cause error
	failed := false
	for _, r := range results {
		if r.Failed() {
			failed = true
			if cause == nil && r.Err != nil {
				cause = r.Err
			}
		}
	}
	if !failed {
		return nil
	}
	return &models.SetupFailure{Section: section, Results: results, Err: cause}
}
