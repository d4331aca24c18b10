package cmd

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/harrison/nbjstest/internal/config"
	"github.com/harrison/nbjstest/internal/history"
	"github.com/harrison/nbjstest/internal/logger"
	"github.com/harrison/nbjstest/internal/models"
	"github.com/spf13/cobra"
)

// NewHistoryCommand creates the 'nbjstest history' command
func NewHistoryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent runs",
		Long: `Show the most recent runs recorded in the project's history database,
newest first, with the status of every section.

With --stats, show each section's pass rate across all recorded runs
instead, which helps spot flaky sections.`,
		Args: cobra.NoArgs,
		RunE: runHistory,
	}

	addConfigFlag(cmd)
	cmd.Flags().Int("limit", 10, "Number of runs to show")
	cmd.Flags().Bool("stats", false, "Show per-section pass rates instead of runs")

	return cmd
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, projectDir, err := loadProjectConfig(cmd)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	dbPath := config.ResolvePath(projectDir, cfg.History.DBPath)
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		fmt.Fprintf(out, "No run history found.\n")
		fmt.Fprintf(out, "Database path: %s\n", dbPath)
		return nil
	}

	store, err := history.NewStore(dbPath)
	if err != nil {
		return fmt.Errorf("open history store: %w", err)
	}
	defer store.Close()

	useColor := logger.IsTerminal(out)

	if stats, _ := cmd.Flags().GetBool("stats"); stats {
		sectionStats, err := store.Stats(cmd.Context())
		if err != nil {
			return err
		}
		printSectionStats(out, sectionStats, useColor)

		version, err := store.Version()
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "\nDatabase: %s (schema v%d)\n", store.Path(), version)
		return nil
	}

	limit, _ := cmd.Flags().GetInt("limit")
	runs, err := store.RecentRuns(cmd.Context(), limit)
	if err != nil {
		return err
	}
	printRuns(out, runs, useColor)
	return nil
}

// printRuns lists runs with one indented line per section.
func printRuns(out io.Writer, runs []*history.RunRecord, useColor bool) {
	if len(runs) == 0 {
		fmt.Fprintf(out, "No run history found.\n")
		return
	}

	for _, run := range runs {
		status := models.StatusPassed
		if !run.Passed {
			status = models.StatusFailed
		}
		fmt.Fprintf(out, "%s  %s  %s  %d section(s), %d failed, %v\n",
			run.StartedAt.Local().Format("2006-01-02 15:04:05"),
			run.RunID,
			colorStatus(status, useColor),
			run.SectionCount, run.FailedCount, run.Duration.Round(time.Millisecond))

		for _, s := range run.Sections {
			fmt.Fprintf(out, "    %-10s %-8s auth=%-8s exit=%d\n",
				s.Section, colorStatus(s.Status, useColor), s.AuthMode, s.ExitCode)
			if s.ErrorMessage != "" {
				fmt.Fprintf(out, "               %s\n", s.ErrorMessage)
			}
		}
	}
}

// printSectionStats prints pass rates per section.
func printSectionStats(out io.Writer, stats []history.SectionStats, useColor bool) {
	if len(stats) == 0 {
		fmt.Fprintf(out, "No run history found.\n")
		return
	}

	fmt.Fprintf(out, "%-10s %6s %6s %8s  %s\n", "SECTION", "RUNS", "PASSED", "RATE", "LAST")
	for _, s := range stats {
		fmt.Fprintf(out, "%-10s %6d %6d %7.1f%%  %s\n",
			s.Section, s.Runs, s.Passed, s.PassRate()*100, colorStatus(s.LastStatus, useColor))
	}
}

func colorStatus(status string, useColor bool) string {
	if !useColor {
		return status
	}
	if status == models.StatusPassed {
		return color.New(color.FgGreen).Sprint(status)
	}
	return color.New(color.FgRed).Sprint(status)
}
