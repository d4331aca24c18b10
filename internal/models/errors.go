package models

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// SetupFailure means extension install or toggling failed for a section.
// The runner is never started after a SetupFailure.
type SetupFailure struct {
	Section string       // Section whose setup failed
	Results []StepResult // Every step result collected so far, failed or not
	Err     error        // Underlying cause (timeout, copy error), optional
}

// Error implements the error interface for SetupFailure.
func (e *SetupFailure) Error() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("section %s: setup failed", e.Section))

	var failed []string
	causeListed := false
	for _, r := range e.Results {
		if !r.Failed() {
			continue
		}
		if r.Err != nil {
			if r.Err == e.Err {
				causeListed = true
			}
			failed = append(failed, fmt.Sprintf("%q: %v", strings.Join(r.Args, " "), r.Err))
		} else {
			failed = append(failed, fmt.Sprintf("%q: exit %d", strings.Join(r.Args, " "), r.ExitCode))
		}
	}
	if len(failed) > 0 {
		sb.WriteString(": ")
		sb.WriteString(strings.Join(failed, "; "))
	}
	if e.Err != nil && !causeListed {
		sb.WriteString(fmt.Sprintf(": %v", e.Err))
	}
	return sb.String()
}

// Unwrap returns the underlying error for error wrapping support.
func (e *SetupFailure) Unwrap() error {
	return e.Err
}

// LaunchError means the runner binary could not be found or spawned.
type LaunchError struct {
	Section string
	Binary  string
	Err     error
}

// Error implements the error interface for LaunchError.
func (e *LaunchError) Error() string {
	return fmt.Sprintf("section %s: failed to launch %s: %v", e.Section, e.Binary, e.Err)
}

// Unwrap returns the underlying error for error wrapping support.
func (e *LaunchError) Unwrap() error {
	return e.Err
}

// RuntimeFailure means the runner exited nonzero or did not exit in time.
type RuntimeFailure struct {
	Section  string
	ExitCode int
	Err      error // *TimeoutError when the runner was killed, otherwise nil
}

// Error implements the error interface for RuntimeFailure.
func (e *RuntimeFailure) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("section %s: runner failed: %v", e.Section, e.Err)
	}
	return fmt.Sprintf("section %s: runner exited with code %d", e.Section, e.ExitCode)
}

// Unwrap returns the underlying error for error wrapping support.
func (e *RuntimeFailure) Unwrap() error {
	return e.Err
}

// TimeoutError reports an external invocation that exceeded its bound.
// It unwraps to context.DeadlineExceeded.
type TimeoutError struct {
	Section string
	Op      string // What timed out, e.g. "runner" or "jupyter serverextension enable"
	Timeout time.Duration
}

// Error implements the error interface for TimeoutError.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("section %s: %s timed out after %v", e.Section, e.Op, e.Timeout)
}

// Unwrap returns context.DeadlineExceeded.
func (e *TimeoutError) Unwrap() error {
	return context.DeadlineExceeded
}
