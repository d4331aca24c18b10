package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"time"

	"github.com/harrison/nbjstest/internal/config"
	"github.com/harrison/nbjstest/internal/controller"
	"github.com/harrison/nbjstest/internal/history"
	"github.com/harrison/nbjstest/internal/launcher"
	"github.com/harrison/nbjstest/internal/logger"
	"github.com/harrison/nbjstest/internal/models"
	"github.com/harrison/nbjstest/internal/registry"
	"github.com/harrison/nbjstest/internal/report"
	"github.com/harrison/nbjstest/internal/toggle"
	"github.com/spf13/cobra"
)

// NewRunCommand creates the run command
func NewRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [-- runner-args...]",
		Short: "Run the JavaScript test sections",
		Long: `Run every configured test section and report the combined result.

Each section gets a private home directory, installs the extension,
toggles the real or patched extension for its auth mode and runs the
test runner over js/<section>/test_*.js. Sections run one at a time,
since the extension toggles are shared by the whole environment. A
failing section never stops the others; the command fails if any
section failed.

Set USE_ANACONDA_TOKEN to run the auth section with your real login
token instead of the patched extension.

Configuration is loaded from .nbjstest/config.yaml if present.
CLI flags override configuration file settings. Arguments after "--"
are passed to the runner.

Examples:
  nbjstest run
  nbjstest run --section auth
  nbjstest run --buffer --report run.html
  nbjstest run --dry-run
  nbjstest run -- --fail-fast`,
		Args: cobra.ArbitraryArgs,
		RunE: runCommand,
	}

	addConfigFlag(cmd)
	cmd.Flags().StringSlice("section", nil, "Section(s) to run, in order (default: all configured)")
	cmd.Flags().String("timeout", "", "Bound on each runner process (e.g. 10m, 0 = unbounded)")
	cmd.Flags().String("engine", "", "Browser engine passed to the runner")
	cmd.Flags().Bool("buffer", false, "Capture runner output without echoing it live")
	cmd.Flags().Bool("dry-run", false, "Print each section's runner command without running anything")
	cmd.Flags().String("report", "", "Write a run report (.md or .html)")
	cmd.Flags().String("log-level", "", "Console log level (trace, debug, info, warn, error)")
	cmd.Flags().Bool("verbose", false, "Shorthand for --log-level debug")
	cmd.Flags().Bool("no-history", false, "Do not record this run in the history database")

	return cmd
}

// runCommand implements the run command logic
func runCommand(cmd *cobra.Command, args []string) error {
	cfg, projectDir, err := loadProjectConfig(cmd)
	if err != nil {
		return err
	}

	if err := mergeRunFlags(cmd, cfg); err != nil {
		return err
	}
	cfg.ExtraArgs = append(cfg.ExtraArgs, args...)

	// Validate merged configuration
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	out := cmd.OutOrStdout()
	runCfg := config.LoadRunConfig(os.Getenv, nil)

	if cfg.DryRun {
		return printDryRun(out, cfg, runCfg)
	}

	diag, err := logger.OpenDiagnosticLog(cfg.DiagnosticLog)
	if err != nil {
		return err
	}
	defer diag.Close()

	consoleLog := logger.NewConsoleLogger(out, cfg.LogLevel)
	diag.OnLockWait(func(lockPath string) {
		consoleLog.Warnf("Diagnostic log is locked by another process (%s), waiting", lockPath)
	})
	consoleLog.EnableProgress(len(cfg.Sections))

	reg := registry.NewSectionRegistry(cfg, runCfg, registry.Deps{
		Toggler: newMatrix(cfg, diag, consoleLog),
		Starter: launcher.New(cfg.Runner, cfg.Engine, runtime.GOOS),
		Log:     diag,
		Status:  consoleLog,
		EchoTo:  out,
	})

	multiLog := &multiLogger{loggers: []registry.Logger{consoleLog, diag}}
	agg := registry.NewAggregator(reg, multiLog)

	// Interrupting kills the running sections; they still clean up.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	result, err := agg.Run(ctx)
	if err != nil {
		return fmt.Errorf("run failed: %w", err)
	}

	if cfg.History.Enabled && !flagBool(cmd, "no-history") {
		if err := recordHistory(ctx, projectDir, cfg, result); err != nil {
			consoleLog.Warnf("Run history not recorded: %v", err)
		}
	}

	if reportPath, _ := cmd.Flags().GetString("report"); reportPath != "" {
		if err := report.Write(reportPath, result, report.Options{}); err != nil {
			consoleLog.Warnf("%v", err)
		} else {
			fmt.Fprintf(out, "Report written to: %s\n", reportPath)
		}
	}

	fmt.Fprintf(out, "Diagnostic log: %s\n", diag.Path())

	if !result.Passed() {
		if len(result.Sections) == 0 {
			return fmt.Errorf("no sections ran")
		}
		return fmt.Errorf("%d of %d section(s) failed", len(result.Failed()), len(result.Sections))
	}
	return nil
}

// mergeRunFlags applies the flags the user set on top of cfg.
func mergeRunFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()

	// Build flag pointers for merge (only values set on the command line)
	var sectionsPtr *[]string
	if flags.Changed("section") {
		sections, _ := flags.GetStringSlice("section")
		sectionsPtr = &sections
	}

	var timeoutPtr *time.Duration
	if flags.Changed("timeout") {
		timeoutStr, _ := flags.GetString("timeout")
		timeout, err := time.ParseDuration(timeoutStr)
		if err != nil {
			return fmt.Errorf("invalid timeout format %q: %w", timeoutStr, err)
		}
		timeoutPtr = &timeout
	}

	var enginePtr *string
	if flags.Changed("engine") {
		engine, _ := flags.GetString("engine")
		enginePtr = &engine
	}

	var bufferPtr *bool
	if flags.Changed("buffer") {
		buffer, _ := flags.GetBool("buffer")
		bufferPtr = &buffer
	}

	var dryRunPtr *bool
	if flags.Changed("dry-run") {
		dryRun, _ := flags.GetBool("dry-run")
		dryRunPtr = &dryRun
	}

	// --verbose wins over --log-level
	var logLevelPtr *string
	if flags.Changed("log-level") {
		level, _ := flags.GetString("log-level")
		logLevelPtr = &level
	}
	if flagBool(cmd, "verbose") {
		level := "debug"
		logLevelPtr = &level
	}

	cfg.MergeWithFlags(sectionsPtr, timeoutPtr, enginePtr, bufferPtr, dryRunPtr, logLevelPtr)
	return nil
}

func flagBool(cmd *cobra.Command, name string) bool {
	v, _ := cmd.Flags().GetBool(name)
	return v
}

// newMatrix builds the toggle matrix from the extensions config. status may
// be nil.
func newMatrix(cfg *config.Config, log toggle.DecisionLog, status toggle.Reporter) *toggle.Matrix {
	m := toggle.NewMatrix(toggle.NewExecCommandRunner(), log)
	m.Status = status
	m.Tool = cfg.Extensions.Tool
	m.Primary = cfg.Extensions.Primary
	m.Alternate = cfg.Extensions.Alternate
	m.Timeout = cfg.ToggleTimeout
	return m
}

// printDryRun shows, per section, the auth mode, the toggle decision and the
// runner command.
func printDryRun(out io.Writer, cfg *config.Config, runCfg config.RunConfig) error {
	matrix := newMatrix(cfg, nil, nil)
	reg := registry.NewSectionRegistry(cfg, runCfg, registry.Deps{
		Toggler: matrix,
		Starter: launcher.New(cfg.Runner, cfg.Engine, runtime.GOOS),
	})

	controllers, err := reg.ListControllers()
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Dry-run mode: %d section(s)\n", len(controllers))
	for _, c := range controllers {
		sc, ok := c.(*controller.SectionController)
		if !ok {
			continue
		}

		mode := sc.AuthMode()
		var toggles []string
		for _, e := range matrix.Entries(mode) {
			toggles = append(toggles, e.String())
		}

		fmt.Fprintf(out, "\nSection %s (auth: %s)\n", sc.Section(), mode)
		fmt.Fprintf(out, "  toggles: %s\n", strings.Join(toggles, " "))

		command, err := sc.Preview()
		if err != nil {
			fmt.Fprintf(out, "  error: %v\n", err)
			continue
		}
		fmt.Fprintf(out, "  command: %s\n", strings.Join(command, " "))
	}
	return nil
}

// recordHistory stores result in the project's history database.
func recordHistory(ctx context.Context, projectDir string, cfg *config.Config, result models.RunResult) error {
	dbPath, err := config.HistoryDBPath(projectDir, cfg)
	if err != nil {
		return err
	}

	store, err := history.NewStore(dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	// A cancelled run is still worth recording.
	return store.Record(context.WithoutCancel(ctx), result)
}

// multiLogger implements registry.Logger by delegating to multiple loggers
type multiLogger struct {
	loggers []registry.Logger
}

// LogRunStart forwards to the loggers that record a run header
func (ml *multiLogger) LogRunStart(runID string, sections []string) error {
	var lastErr error
	for _, l := range ml.loggers {
		if rs, ok := l.(interface {
			LogRunStart(runID string, sections []string) error
		}); ok {
			if err := rs.LogRunStart(runID, sections); err != nil {
				lastErr = err
			}
		}
	}
	return lastErr
}

// LogSectionStart forwards to all loggers
func (ml *multiLogger) LogSectionStart(section string, mode models.AuthMode) {
	for _, l := range ml.loggers {
		l.LogSectionStart(section, mode)
	}
}

// LogSectionResult forwards to all loggers
func (ml *multiLogger) LogSectionResult(result models.SectionResult) error {
	var lastErr error
	for _, l := range ml.loggers {
		if err := l.LogSectionResult(result); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// LogSummary forwards to all loggers
func (ml *multiLogger) LogSummary(result models.RunResult) {
	for _, l := range ml.loggers {
		l.LogSummary(result)
	}
}
