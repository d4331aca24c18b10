package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigDir is the per-project directory holding config.yaml and run history.
const ConfigDir = ".nbjstest"

// ExtensionsConfig names the toggle tool and the extension pair it switches.
type ExtensionsConfig struct {
	// Tool is the extension management binary
	Tool string `yaml:"tool"`

	// Primary is the real extension package
	Primary string `yaml:"primary"`

	// Alternate is the patched extension that fakes a logged-in user
	Alternate string `yaml:"alternate"`
}

// HistoryConfig represents run history configuration
type HistoryConfig struct {
	// Enabled records every run in the history database
	Enabled bool `yaml:"enabled"`

	// DBPath is the path to the history database
	DBPath string `yaml:"db_path"`
}

// ErrConcurrencyUnsupported is returned for a config that sets max_concurrency.
// Every section toggles the same --sys-prefix extension config, so sections
// always run one at a time.
var ErrConcurrencyUnsupported = errors.New("max_concurrency is not supported: sections share the --sys-prefix extension config and run one at a time")

// Config represents nbjstest configuration options
type Config struct {
	// Runner is the test runner binary, resolved against the section PATH
	Runner string `yaml:"runner"`

	// Engine is passed to the runner as --engine
	Engine string `yaml:"engine"`

	// TestRoot holds js/<section>/test_*.js and the js/_*.js includes
	TestRoot string `yaml:"test_root"`

	// JSTestDir holds the runner's util.js
	JSTestDir string `yaml:"js_test_dir"`

	// BinDir is appended to PATH for every child process
	BinDir string `yaml:"bin_dir"`

	// ExtraArgs are appended to every runner command line
	ExtraArgs []string `yaml:"extra_args"`

	// Sections lists the sections to run, in order
	Sections []string `yaml:"sections"`

	// Timeout bounds each runner process (0 = unbounded)
	Timeout time.Duration `yaml:"timeout"`

	// ToggleTimeout bounds each extension tool invocation (0 = unbounded)
	ToggleTimeout time.Duration `yaml:"toggle_timeout"`

	// LogLevel sets the logging verbosity (trace, debug, info, warn, error)
	LogLevel string `yaml:"log_level"`

	// DiagnosticLog is the append-only log shared by all sections
	DiagnosticLog string `yaml:"diagnostic_log"`

	// BufferOutput captures runner output without echoing it live
	BufferOutput bool `yaml:"buffer_output"`

	// CaptureOutput captures runner output and echoes it live
	CaptureOutput bool `yaml:"capture_output"`

	// Xunit asks the runner to write <xunit_dir>/<section>.xml
	Xunit bool `yaml:"xunit"`

	// XunitDir is where xunit reports go
	XunitDir string `yaml:"xunit_dir"`

	// DryRun prints the computed commands without running anything
	DryRun bool `yaml:"dry_run"`

	// Extensions configures the toggle tool
	Extensions ExtensionsConfig `yaml:"extensions"`

	// History contains run history configuration
	History HistoryConfig `yaml:"history"`
}

// DefaultConfig returns a Config with sensible default values
func DefaultConfig() *Config {
	return &Config{
		Runner:        "casperjs",
		Engine:        "phantomjs",
		TestRoot:      ".",
		JSTestDir:     ".",
		BinDir:        filepath.Join("node_modules", ".bin"),
		ExtraArgs:     nil,
		Sections:      []string{"auth", "noauth"},
		Timeout:       30 * time.Minute,
		ToggleTimeout: 2 * time.Minute,
		LogLevel:      "info",
		DiagnosticLog: ".jupyter-jstest.log",
		BufferOutput:  false,
		CaptureOutput: true,
		Xunit:         true,
		XunitDir:      ".",
		DryRun:        false,
		Extensions: ExtensionsConfig{
			Tool:      "jupyter",
			Primary:   "nb_anacondacloud",
			Alternate: "nb_anacondacloud.tests.patched",
		},
		History: HistoryConfig{
			Enabled: true,
			DBPath:  filepath.Join(ConfigDir, "history.db"),
		},
	}
}

// LoadConfig loads configuration from the specified file path
// If the file doesn't exist, returns default configuration without error
// If the file exists but is malformed, returns an error
func LoadConfig(path string) (*Config, error) {
	// Start with defaults
	cfg := DefaultConfig()

	// Check if file exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		// File doesn't exist, return defaults (not an error)
		return cfg, nil
	}

	// Read the file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Parse YAML
	// Use a temporary struct to handle duration parsing
	type yamlConfig struct {
		Runner        string           `yaml:"runner"`
		Engine        string           `yaml:"engine"`
		TestRoot      string           `yaml:"test_root"`
		JSTestDir     string           `yaml:"js_test_dir"`
		BinDir        string           `yaml:"bin_dir"`
		ExtraArgs     []string         `yaml:"extra_args"`
		Sections      []string         `yaml:"sections"`
		Timeout       string           `yaml:"timeout"`
		ToggleTimeout string           `yaml:"toggle_timeout"`
		LogLevel      string           `yaml:"log_level"`
		DiagnosticLog string           `yaml:"diagnostic_log"`
		BufferOutput  bool             `yaml:"buffer_output"`
		CaptureOutput bool             `yaml:"capture_output"`
		Xunit         bool             `yaml:"xunit"`
		XunitDir      string           `yaml:"xunit_dir"`
		DryRun        bool             `yaml:"dry_run"`
		Extensions    ExtensionsConfig `yaml:"extensions"`
		History       HistoryConfig    `yaml:"history"`
	}

	var yamlCfg yamlConfig
	if err := yaml.Unmarshal(data, &yamlCfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Booleans default to true in places, so presence decides, not value
	var rawMap map[string]interface{}
	if err := yaml.Unmarshal(data, &rawMap); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	present := func(m map[string]interface{}, key string) bool {
		_, ok := m[key]
		return ok
	}
	if present(rawMap, "max_concurrency") {
		return nil, ErrConcurrencyUnsupported
	}

	// Apply non-zero values from file (merging with defaults)
	if yamlCfg.Runner != "" {
		cfg.Runner = yamlCfg.Runner
	}
	if yamlCfg.Engine != "" {
		cfg.Engine = yamlCfg.Engine
	}
	if yamlCfg.TestRoot != "" {
		cfg.TestRoot = yamlCfg.TestRoot
	}
	if yamlCfg.JSTestDir != "" {
		cfg.JSTestDir = yamlCfg.JSTestDir
	}
	if present(rawMap, "bin_dir") {
		// Explicitly set bin_dir, even if empty string
		cfg.BinDir = yamlCfg.BinDir
	}
	if yamlCfg.ExtraArgs != nil {
		cfg.ExtraArgs = yamlCfg.ExtraArgs
	}
	if len(yamlCfg.Sections) > 0 {
		cfg.Sections = yamlCfg.Sections
	}
	if yamlCfg.Timeout != "" {
		timeout, err := time.ParseDuration(yamlCfg.Timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid timeout format %q: %w", yamlCfg.Timeout, err)
		}
		cfg.Timeout = timeout
	}
	if yamlCfg.ToggleTimeout != "" {
		timeout, err := time.ParseDuration(yamlCfg.ToggleTimeout)
		if err != nil {
			return nil, fmt.Errorf("invalid toggle_timeout format %q: %w", yamlCfg.ToggleTimeout, err)
		}
		cfg.ToggleTimeout = timeout
	}
	if yamlCfg.LogLevel != "" {
		cfg.LogLevel = yamlCfg.LogLevel
	}
	if yamlCfg.DiagnosticLog != "" {
		cfg.DiagnosticLog = yamlCfg.DiagnosticLog
	}
	if present(rawMap, "buffer_output") {
		cfg.BufferOutput = yamlCfg.BufferOutput
	}
	if present(rawMap, "capture_output") {
		cfg.CaptureOutput = yamlCfg.CaptureOutput
	}
	if present(rawMap, "xunit") {
		cfg.Xunit = yamlCfg.Xunit
	}
	if yamlCfg.XunitDir != "" {
		cfg.XunitDir = yamlCfg.XunitDir
	}
	// DryRun is explicitly set if present in YAML
	if yamlCfg.DryRun {
		cfg.DryRun = yamlCfg.DryRun
	}

	if ext := yamlCfg.Extensions; ext.Tool != "" || ext.Primary != "" || ext.Alternate != "" {
		if ext.Tool != "" {
			cfg.Extensions.Tool = ext.Tool
		}
		if ext.Primary != "" {
			cfg.Extensions.Primary = ext.Primary
		}
		if ext.Alternate != "" {
			cfg.Extensions.Alternate = ext.Alternate
		}
	}

	// Merge History config - need to check if the section was provided at all
	if historySection, exists := rawMap["history"]; exists && historySection != nil {
		historyMap, _ := historySection.(map[string]interface{})

		if present(historyMap, "enabled") {
			cfg.History.Enabled = yamlCfg.History.Enabled
		}
		if present(historyMap, "db_path") {
			// Explicitly set db_path, even if empty string
			cfg.History.DBPath = yamlCfg.History.DBPath
		}
	}

	return cfg, nil
}

// LoadConfigFromDir loads configuration from .nbjstest/config.yaml in the specified directory
// If the directory or file doesn't exist, returns default configuration without error
func LoadConfigFromDir(dir string) (*Config, error) {
	configPath := filepath.Join(dir, ConfigDir, "config.yaml")
	return LoadConfig(configPath)
}

// MergeWithFlags merges CLI flags into the configuration
// Non-nil flag values override configuration values
// This allows CLI flags to take precedence over config file settings
func (c *Config) MergeWithFlags(sections *[]string, timeout *time.Duration, engine *string, bufferOutput *bool, dryRun *bool, logLevel *string) {
	if sections != nil && len(*sections) > 0 {
		c.Sections = *sections
	}
	if timeout != nil {
		c.Timeout = *timeout
	}
	if engine != nil {
		c.Engine = *engine
	}
	if bufferOutput != nil {
		c.BufferOutput = *bufferOutput
	}
	if dryRun != nil {
		c.DryRun = *dryRun
	}
	if logLevel != nil {
		c.LogLevel = *logLevel
	}
}

// Validate validates the configuration values
// Returns an error if any values are invalid
func (c *Config) Validate() error {
	if c.Runner == "" {
		return fmt.Errorf("runner cannot be empty")
	}
	if c.Engine == "" {
		return fmt.Errorf("engine cannot be empty")
	}

	// Validate sections
	if len(c.Sections) == 0 {
		return fmt.Errorf("sections cannot be empty")
	}
	seen := make(map[string]bool, len(c.Sections))
	for _, s := range c.Sections {
		if s == "" {
			return fmt.Errorf("section names cannot be empty")
		}
		if seen[s] {
			return fmt.Errorf("duplicate section %q", s)
		}
		seen[s] = true
	}

	// Validate log_level
	validLevels := map[string]bool{
		"trace": true,
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("invalid log_level %q, must be one of: trace, debug, info, warn, error", c.LogLevel)
	}

	// Timeouts can be 0 (no timeout) or positive, negative is invalid
	if c.Timeout < 0 {
		return fmt.Errorf("timeout must be >= 0, got %v", c.Timeout)
	}
	if c.ToggleTimeout < 0 {
		return fmt.Errorf("toggle_timeout must be >= 0, got %v", c.ToggleTimeout)
	}

	if c.DiagnosticLog == "" {
		return fmt.Errorf("diagnostic_log cannot be empty")
	}

	// Validate extensions
	if c.Extensions.Tool == "" {
		return fmt.Errorf("extensions.tool cannot be empty")
	}
	if c.Extensions.Primary == "" || c.Extensions.Alternate == "" {
		return fmt.Errorf("extensions.primary and extensions.alternate are required")
	}
	if c.Extensions.Primary == c.Extensions.Alternate {
		return fmt.Errorf("extensions.primary and extensions.alternate must differ, both are %q", c.Extensions.Primary)
	}

	// Validate history configuration
	if c.History.Enabled && c.History.DBPath == "" {
		return fmt.Errorf("history.db_path cannot be empty when history is enabled")
	}

	return nil
}
