package models

import (
	"errors"
	"time"
)

// Section status constants used in console output, reports and history.
const (
	StatusPassed  = "PASSED"  // Runner exited 0
	StatusFailed  = "FAILED"  // Runner exited nonzero or timed out
	StatusSetup   = "SETUP"   // Extension install/toggle failed, runner never started
	StatusLaunch  = "LAUNCH"  // Runner binary could not be started
	StatusUnknown = "UNKNOWN" // Section did not reach a terminal state
)

// StepResult records a single toggle tool invocation.
type StepResult struct {
	Args     []string // Full argv, tool name first
	Output   string   // Combined stdout/stderr
	ExitCode int      // Exit code, -1 when the process never ran
	Err      error    // Spawn error or timeout
}

// Failed reports whether the step should abort section setup.
func (r StepResult) Failed() bool {
	return r.Err != nil || r.ExitCode != 0
}

// SectionResult is what a section reports to the aggregator.
type SectionResult struct {
	Section  string         // Section name
	AuthMode AuthMode       // Authentication strategy used for the section
	State    LifecycleState // Terminal state reached
	ExitCode int            // Runner exit code, -1 when the runner never exited normally
	Command  []string       // Runner command line
	Stdout   string         // Captured stdout, decoded
	Stderr   string         // Captured stderr, decoded
	Duration time.Duration  // Wall time from configure to cleanup
	Err      error          // First error encountered, nil on success
}

// Passed reports whether the section completed with a zero exit code.
func (r SectionResult) Passed() bool {
	return r.State == StateDone && r.ExitCode == 0 && r.Err == nil
}

// Status classifies the result for display.
func (r SectionResult) Status() string {
	if r.Passed() {
		return StatusPassed
	}
	var setup *SetupFailure
	if errors.As(r.Err, &setup) {
		return StatusSetup
	}
	var launch *LaunchError
	if errors.As(r.Err, &launch) {
		return StatusLaunch
	}
	if !r.State.IsTerminal() {
		return StatusUnknown
	}
	return StatusFailed
}

// RunResult aggregates every section of one invocation.
type RunResult struct {
	RunID     string
	StartedAt time.Time
	Duration  time.Duration
	Sections  []SectionResult
}

// Passed reports whether every section passed. An empty run does not pass.
func (r RunResult) Passed() bool {
	if len(r.Sections) == 0 {
		return false
	}
	for _, s := range r.Sections {
		if !s.Passed() {
			return false
		}
	}
	return true
}

// Failed returns the sections that did not pass.
func (r RunResult) Failed() []SectionResult {
	var failed []SectionResult
	for _, s := range r.Sections {
		if !s.Passed() {
			failed = append(failed, s)
		}
	}
	return failed
}
