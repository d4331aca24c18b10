package cmd

import (
	"github.com/spf13/cobra"
)

// Version is injected at build time via -ldflags
var Version = "dev"

// NewRootCommand creates and returns the root cobra command for nbjstest
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "nbjstest",
		Short: "Notebook extension JavaScript test controller",
		Long: `nbjstest runs the browser test suite of a notebook extension in
independent sections.

Each section gets its own home directory and extension configuration:
the "auth" section runs logged in (with a real token or the patched
extension), the "noauth" section runs the real extension logged out.
Every section runs to completion and the run fails if any section fails.`,
		Version: Version,
		// Silence usage on errors to avoid duplicate help text
		SilenceUsage: true,
	}

	// Add subcommands
	cmd.AddCommand(NewRunCommand())
	cmd.AddCommand(NewSectionsCommand())
	cmd.AddCommand(NewValidateCommand())
	cmd.AddCommand(NewHistoryCommand())

	return cmd
}
