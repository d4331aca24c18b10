package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/harrison/nbjstest/internal/filelock"
	"github.com/harrison/nbjstest/internal/models"
)

// DefaultDiagnosticLog is the log file name, relative to the working directory.
const DefaultDiagnosticLog = ".jupyter-jstest.log"

const (
	decisionDelimiter = "-------------"
	resultDelimiter   = "-----------------------"
)

// DiagnosticLog is the append-only text log shared by every section of a run.
// It is never truncated: each write is a single append, serialized in-process
// by a mutex and across processes by a lock file next to the log, then synced
// so the file can be tailed while tests run.
type DiagnosticLog struct {
	path       string
	file       *os.File
	lock       *filelock.FileLock
	mu         sync.Mutex
	onLockWait func(lockPath string)
	waited     bool
}

// OpenDiagnosticLog opens path for appending, creating it and its parent
// directory when missing.
func OpenDiagnosticLog(path string) (*DiagnosticLog, error) {
	if path == "" {
		path = DefaultDiagnosticLog
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open diagnostic log: %w", err)
	}

	return &DiagnosticLog{
		path: path,
		file: file,
		lock: filelock.ForFile(path),
	}, nil
}

// Path returns the log file path.
func (d *DiagnosticLog) Path() string {
	return d.path
}

// OnLockWait sets fn to be called the first time an append has to wait for
// another process holding the log's lock file.
func (d *DiagnosticLog) OnLockWait(fn func(lockPath string)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onLockWait = fn
}

// Append writes text as one block.
func (d *DiagnosticLog) Append(text string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.file == nil {
		return fmt.Errorf("diagnostic log %s is closed", d.path)
	}

	err := d.lock.LockNotify(func() {
		if d.onLockWait != nil && !d.waited {
			d.waited = true
			d.onLockWait(d.lock.Path())
		}
	})
	if err != nil {
		return err
	}
	defer d.lock.Unlock()

	if _, err := d.file.WriteString(text); err != nil {
		return fmt.Errorf("failed to write diagnostic log: %w", err)
	}
	return d.file.Sync()
}

// Appendf formats and appends a block.
func (d *DiagnosticLog) Appendf(format string, args ...interface{}) error {
	return d.Append(fmt.Sprintf(format, args...))
}

// LogRunStart writes the run header.
func (d *DiagnosticLog) LogRunStart(runID string, sections []string) error {
	return d.Appendf("\n=== nbjstest run %s ===\nStarted at: %s\nSections: %s\n",
		runID, time.Now().Format(time.RFC3339), strings.Join(sections, ", "))
}

// LogToggleDecision records which extension states a section is about to
// apply, e.g. "auth nb_anacondacloud:disable nb_anacondacloud.tests.patched:enable".
func (d *DiagnosticLog) LogToggleDecision(section string, mode models.AuthMode, entries []models.ToggleEntry) error {
	parts := make([]string, 0, len(entries))
	for _, e := range entries {
		parts = append(parts, fmt.Sprintf("%s:%s", e.Extension, e.State))
	}
	return d.Appendf("\n\n\n%s\n%s %s (auth: %s)\n", decisionDelimiter, section, strings.Join(parts, " "), mode)
}

// LogSteps records toggle tool invocations under a label.
func (d *DiagnosticLog) LogSteps(section, label string, results []models.StepResult) error {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("\n%s %s:\n", section, label))
	for _, r := range results {
		sb.WriteString(fmt.Sprintf("$ %s (exit %d)\n", strings.Join(r.Args, " "), r.ExitCode))
		if r.Err != nil {
			sb.WriteString(fmt.Sprintf("error: %v\n", r.Err))
		}
		if r.Output != "" {
			sb.WriteString(r.Output)
			if !strings.HasSuffix(r.Output, "\n") {
				sb.WriteString("\n")
			}
		}
	}
	return d.Append(sb.String())
}

// LogSectionOutput appends the labeled dump of a section's captured output.
// stdout is written verbatim; stderr follows under its own label when present.
func (d *DiagnosticLog) LogSectionOutput(section string, command []string, stdout, stderr string) error {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%s\n%s results:\n%s\n", resultDelimiter, section, strings.Join(command, " ")))
	sb.WriteString(stdout)
	if stderr != "" {
		sb.WriteString(fmt.Sprintf("\n%s stderr:\n", section))
		sb.WriteString(stderr)
	}
	sb.WriteString("\n")
	return d.Append(sb.String())
}

// LogSectionStart records the start of a section.
func (d *DiagnosticLog) LogSectionStart(section string, mode models.AuthMode) {
	d.Appendf("[%s] section %s starting (auth: %s)\n", timestamp(), section, mode)
}

// LogSectionResult records a section's terminal status and error, if any.
func (d *DiagnosticLog) LogSectionResult(result models.SectionResult) error {
	msg := fmt.Sprintf("[%s] section %s %s: state=%s exit=%d duration=%.1fs\n",
		timestamp(), result.Section, result.Status(), result.State, result.ExitCode, result.Duration.Seconds())
	if result.Err != nil {
		msg += fmt.Sprintf("[%s] section %s error: %v\n", timestamp(), result.Section, result.Err)
	}
	return d.Append(msg)
}

// LogSummary records the overall outcome of the run.
func (d *DiagnosticLog) LogSummary(result models.RunResult) {
	status := "SUCCESS"
	if !result.Passed() {
		status = "FAILED"
	}
	d.Appendf("\n=== run %s %s: %d section(s), %d failed, %.1fs ===\n",
		result.RunID, status, len(result.Sections), len(result.Failed()), result.Duration.Seconds())
}

// Close syncs and closes the log file.
func (d *DiagnosticLog) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.file == nil {
		return nil
	}
	if err := d.file.Sync(); err != nil {
		d.file.Close()
		d.file = nil
		return fmt.Errorf("failed to sync diagnostic log: %w", err)
	}
	err := d.file.Close()
	d.file = nil
	if err != nil {
		return fmt.Errorf("failed to close diagnostic log: %w", err)
	}
	return nil
}
