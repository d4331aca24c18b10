package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// EnvProjectDir overrides project directory discovery.
const EnvProjectDir = "NBJSTEST_HOME"

// FindProjectDir returns the directory whose .nbjstest holds the config.
// Priority order:
//  1. NBJSTEST_HOME environment variable (if set)
//  2. The nearest ancestor of start containing a .nbjstest directory
//  3. start itself (fallback)
func FindProjectDir(start string) (string, error) {
	if dir := os.Getenv(EnvProjectDir); dir != "" {
		return dir, nil
	}

	current, err := filepath.Abs(start)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", start, err)
	}
	origin := current

	for {
		if info, err := os.Stat(filepath.Join(current, ConfigDir)); err == nil && info.IsDir() {
			return current, nil
		}

		parent := filepath.Dir(current)
		if parent == current {
			// Reached filesystem root
			break
		}
		current = parent
	}

	return origin, nil
}

// ResolvePath makes a relative config path absolute against the project dir.
func ResolvePath(projectDir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(projectDir, path)
}

// HistoryDBPath returns the absolute history database path for cfg, creating
// its parent directory.
func HistoryDBPath(projectDir string, cfg *Config) (string, error) {
	path := ResolvePath(projectDir, cfg.History.DBPath)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("create history directory: %w", err)
	}
	return path, nil
}

// ResolvePaths makes every relative path in c absolute against projectDir.
// The history database path is resolved separately by HistoryDBPath.
func (c *Config) ResolvePaths(projectDir string) {
	c.TestRoot = ResolvePath(projectDir, c.TestRoot)
	c.JSTestDir = ResolvePath(projectDir, c.JSTestDir)
	c.BinDir = ResolvePath(projectDir, c.BinDir)
	c.DiagnosticLog = ResolvePath(projectDir, c.DiagnosticLog)
	c.XunitDir = ResolvePath(projectDir, c.XunitDir)
}
