package cmd

import (
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/fatih/color"
	"github.com/harrison/nbjstest/internal/discovery"
	"github.com/harrison/nbjstest/internal/launcher"
	"github.com/harrison/nbjstest/internal/logger"
	"github.com/harrison/nbjstest/internal/procenv"
	"github.com/spf13/cobra"
)

// NewValidateCommand creates and returns the validate subcommand
func NewValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration and test environment",
		Long: `Check that a run could start:
  - The configuration file parses and its values are valid
  - The runner and the extension tool resolve on PATH (plus bin_dir)
  - Every section has at least one test file

Exit code: 0 if valid, 1 if errors found`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return validateProject(cmd, cmd.OutOrStdout())
		},
		SilenceUsage: true,
	}

	addConfigFlag(cmd)

	return cmd
}

// validateProject runs every check and reports each one; it fails if any
// check failed.
func validateProject(cmd *cobra.Command, out io.Writer) error {
	cfg, projectDir, err := loadProjectConfig(cmd)
	if err != nil {
		return err
	}

	useColor := logger.IsTerminal(out)
	ok := func(format string, args ...interface{}) {
		mark := "✓"
		if useColor {
			mark = color.New(color.FgGreen).Sprint(mark)
		}
		fmt.Fprintf(out, "%s %s\n", mark, fmt.Sprintf(format, args...))
	}
	failures := 0
	fail := func(format string, args ...interface{}) {
		failures++
		mark := "✗"
		if useColor {
			mark = color.New(color.FgRed).Sprint(mark)
		}
		fmt.Fprintf(out, "%s %s\n", mark, fmt.Sprintf(format, args...))
	}

	fmt.Fprintf(out, "Project: %s\n", projectDir)

	if err := cfg.Validate(); err != nil {
		fail("configuration: %v", err)
		return fmt.Errorf("validation failed: %d error(s)", failures)
	}
	ok("configuration")

	env := os.Environ()
	if cfg.BinDir != "" {
		env = procenv.Merge(env, map[string]string{
			"PATH": procenv.AppendPath(os.Getenv("PATH"), cfg.BinDir),
		})
	}

	runner := launcher.New(cfg.Runner, cfg.Engine, runtime.GOOS).Command(launcher.Spec{})[0]
	for _, bin := range []string{runner, cfg.Extensions.Tool} {
		if path, err := procenv.LookPath(bin, env); err != nil {
			fail("%s not found on PATH", bin)
		} else {
			ok("%s: %s", bin, path)
		}
	}

	for _, name := range cfg.Sections {
		testCases, err := discovery.TestCases(cfg.TestRoot, name)
		switch {
		case err != nil:
			fail("section %s: %v", name, err)
		case len(testCases) == 0:
			fail("section %s: no test files in %s", name, discovery.SectionDir(cfg.TestRoot, name))
		default:
			ok("section %s: %d test file(s)", name, len(testCases))
		}
	}

	if failures > 0 {
		return fmt.Errorf("validation failed: %d error(s)", failures)
	}
	fmt.Fprintf(out, "Ready to run.\n")
	return nil
}
