package cmd

import (
	"fmt"

	"github.com/harrison/nbjstest/internal/config"
	"github.com/spf13/cobra"
)

// addConfigFlag registers --config on cmd.
func addConfigFlag(cmd *cobra.Command) {
	cmd.Flags().String("config", "", "Path to config file (default: .nbjstest/config.yaml in the project)")
}

// loadProjectConfig finds the project directory, loads its configuration
// (or the file named by --config) and resolves relative paths against the
// project directory. The result is not validated yet so callers can merge
// flags first.
func loadProjectConfig(cmd *cobra.Command) (*config.Config, string, error) {
	projectDir, err := config.FindProjectDir(".")
	if err != nil {
		return nil, "", fmt.Errorf("failed to locate project: %w", err)
	}

	configPath, _ := cmd.Flags().GetString("config")

	var cfg *config.Config
	if configPath != "" {
		cfg, err = config.LoadConfig(configPath)
		if err != nil {
			return nil, "", fmt.Errorf("failed to load config from %s: %w", configPath, err)
		}
	} else {
		cfg, err = config.LoadConfigFromDir(projectDir)
		if err != nil {
			return nil, "", fmt.Errorf("failed to load config: %w", err)
		}
	}

	cfg.ResolvePaths(projectDir)
	return cfg, projectDir, nil
}
