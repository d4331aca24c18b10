package cmd

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/harrison/nbjstest/internal/config"
	"github.com/harrison/nbjstest/internal/discovery"
	"github.com/harrison/nbjstest/internal/logger"
	"github.com/harrison/nbjstest/internal/toggle"
	"github.com/spf13/cobra"
)

// NewSectionsCommand creates the 'nbjstest sections' command
func NewSectionsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sections",
		Short: "List the configured test sections",
		Long: `List every configured section with the auth mode it would run in
and the test files discovered for it.`,
		Args: cobra.NoArgs,
		RunE: runSections,
	}

	addConfigFlag(cmd)

	return cmd
}

func runSections(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadProjectConfig(cmd)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	runCfg := config.LoadRunConfig(os.Getenv, nil)
	bold := color.New(color.Bold)
	if !logger.IsTerminal(out) {
		bold.DisableColor()
	}

	for _, name := range cfg.Sections {
		mode := toggle.ResolveAuthMode(name, runCfg.UseToken)
		testCases, err := discovery.TestCases(cfg.TestRoot, name)
		if err != nil {
			return fmt.Errorf("section %s: %w", name, err)
		}

		fmt.Fprintf(out, "%s (auth: %s, %d test file(s))\n", bold.Sprint(name), mode, len(testCases))
		for _, tc := range testCases {
			fmt.Fprintf(out, "  - %s\n", tc)
		}
	}
	return nil
}
