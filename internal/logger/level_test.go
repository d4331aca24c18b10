package logger

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/harrison/nbjstest/internal/models"
)

// TestLogLevelFiltering verifies that messages are filtered based on log level
func TestLogLevelFiltering(t *testing.T) {
	tests := []struct {
		name            string
		logLevel        string
		messageLevel    string
		message         string
		shouldAppear    bool
	}{
		// trace level - should see everything
		{name: "trace sees trace", logLevel: "trace", messageLevel: "trace", message: "trace msg", shouldAppear: true},
		{name: "trace sees debug", logLevel: "trace", messageLevel: "debug", message: "debug msg", shouldAppear: true},
		{name: "trace sees info", logLevel: "trace", messageLevel: "info", message: "info msg", shouldAppear: true},
		{name: "trace sees warn", logLevel: "trace", messageLevel: "warn", message: "warn msg", shouldAppear: true},
		{name: "trace sees error", logLevel: "trace", messageLevel: "error", message: "error msg", shouldAppear: true},

		// debug level - should not see trace
		{name: "debug blocks trace", logLevel: "debug", messageLevel: "trace", message: "trace msg", shouldAppear: false},
		{name: "debug sees debug", logLevel: "debug", messageLevel: "debug", message: "debug msg", shouldAppear: true},
		{name: "debug sees info", logLevel: "debug", messageLevel: "info", message: "info msg", shouldAppear: true},
		{name: "debug sees warn", logLevel: "debug", messageLevel: "warn", message: "warn msg", shouldAppear: true},
		{name: "debug sees error", logLevel: "debug", messageLevel: "error", message: "error msg", shouldAppear: true},

		// info level - should not see trace/debug
		{name: "info blocks trace", logLevel: "info", messageLevel: "trace", message: "trace msg", shouldAppear: false},
		{name: "info blocks debug", logLevel: "info", messageLevel: "debug", message: "debug msg", shouldAppear: false},
		{name: "info sees info", logLevel: "info", messageLevel: "info", message: "info msg", shouldAppear: true},
		{name: "info sees warn", logLevel: "info", messageLevel: "warn", message: "warn msg", shouldAppear: true},
		{name: "info sees error", logLevel: "info", messageLevel: "error", message: "error msg", shouldAppear: true},

		// warn level - should only see warn/error
		{name: "warn blocks trace", logLevel: "warn", messageLevel: "trace", message: "trace msg", shouldAppear: false},
		{name: "warn blocks debug", logLevel: "warn", messageLevel: "debug", message: "debug msg", shouldAppear: false},
		{name: "warn blocks info", logLevel: "warn", messageLevel: "info", message: "info msg", shouldAppear: false},
		{name: "warn sees warn", logLevel: "warn", messageLevel: "warn", message: "warn msg", shouldAppear: true},
		{name: "warn sees error", logLevel: "warn", messageLevel: "error", message: "error msg", shouldAppear: true},

		// error level - should only see error
		{name: "error blocks trace", logLevel: "error", messageLevel: "trace", message: "trace msg", shouldAppear: false},
		{name: "error blocks debug", logLevel: "error", messageLevel: "debug", message: "debug msg", shouldAppear: false},
		{name: "error blocks info", logLevel: "error", messageLevel: "info", message: "info msg", shouldAppear: false},
		{name: "error blocks warn", logLevel: "error", messageLevel: "warn", message: "warn msg", shouldAppear: false},
		{name: "error sees error", logLevel: "error", messageLevel: "error", message: "error msg", shouldAppear: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			logger := NewConsoleLogger(buf, tt.logLevel)

			// Log message at specified level
			switch tt.messageLevel {
			case "trace":
				logger.Tracef("%s", tt.message)
			case "debug":
				logger.Debugf("%s", tt.message)
			case "info":
				logger.Infof("%s", tt.message)
			case "warn":
				logger.Warnf("%s", tt.message)
			case "error":
				logger.Errorf("%s", tt.message)
			}

			output := buf.String()
			contains := strings.Contains(output, tt.message)

			if tt.shouldAppear && !contains {
				t.Errorf("Expected message %q to appear in output, but it didn't. Output: %q", tt.message, output)
			}
			if !tt.shouldAppear && contains {
				t.Errorf("Expected message %q NOT to appear in output, but it did. Output: %q", tt.message, output)
			}
		})
	}
}

// TestConsoleLoggerWithLogLevel verifies ConsoleLogger respects log level
func TestConsoleLoggerWithLogLevel(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := NewConsoleLogger(buf, "warn")

	// These should be filtered out
	logger.Tracef("trace message")
	logger.Debugf("debug message")
	logger.Infof("info message")

	// These should appear
	logger.Warnf("warn message")
	logger.Errorf("error message")

	output := buf.String()

	// Verify filtered messages don't appear
	if strings.Contains(output, "trace message") {
		t.Error("trace message should be filtered at warn level")
	}
	if strings.Contains(output, "debug message") {
		t.Error("debug message should be filtered at warn level")
	}
	if strings.Contains(output, "info message") {
		t.Error("info message should be filtered at warn level")
	}

	// Verify unfiltered messages appear
	if !strings.Contains(output, "warn message") {
		t.Error("warn message should appear at warn level")
	}
	if !strings.Contains(output, "error message") {
		t.Error("error message should appear at warn level")
	}
}

// TestSectionMethodsRespectLogLevel verifies section start/result/summary respect log level
func TestSectionMethodsRespectLogLevel(t *testing.T) {
	tests := []struct {
		name         string
		logLevel     string
		shouldAppear bool
	}{
		{name: "info level shows sections", logLevel: "info", shouldAppear: true},
		{name: "warn level hides sections", logLevel: "warn", shouldAppear: false},
		{name: "error level hides sections", logLevel: "error", shouldAppear: false},
		{name: "trace level shows sections", logLevel: "trace", shouldAppear: true},
		{name: "debug level shows sections", logLevel: "debug", shouldAppear: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			logger := NewConsoleLogger(buf, tt.logLevel)

			logger.LogSectionStart("noauth", models.AuthNone)
			logger.LogSectionResult(models.SectionResult{
				Section:  "noauth",
				State:    models.StateDone,
				Duration: 5 * time.Second,
			})
			logger.LogSummary(models.RunResult{
				Sections: []models.SectionResult{{Section: "noauth", State: models.StateDone}},
				Duration: 5 * time.Second,
			})

			output := buf.String()
			contains := strings.Contains(output, "noauth")

			if tt.shouldAppear && !contains {
				t.Errorf("Expected section messages to appear at %s level, but they didn't", tt.logLevel)
			}
			if !tt.shouldAppear && contains {
				t.Errorf("Expected section messages NOT to appear at %s level, but they did", tt.logLevel)
			}
		})
	}
}

// TestLogLevelEdgeCases verifies handling of invalid/unknown log levels
func TestLogLevelEdgeCases(t *testing.T) {
	tests := []struct {
		name           string
		logLevel       string
		expectedLevel  string
	}{
		{name: "empty string defaults to info", logLevel: "", expectedLevel: "info"},
		{name: "unknown level defaults to info", logLevel: "unknown", expectedLevel: "info"},
		{name: "uppercase level normalized", logLevel: "DEBUG", expectedLevel: "debug"},
		{name: "mixed case normalized", logLevel: "WaRn", expectedLevel: "warn"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			logger := NewConsoleLogger(buf, tt.logLevel)

			// Test that the logger behaves as if it has the expected level
			// If expected level is info, debug should be filtered, info should pass
			logger.Debugf("debug message")
			logger.Infof("info message")

			output := buf.String()

			if tt.expectedLevel == "info" {
				if strings.Contains(output, "debug message") {
					t.Error("debug message should be filtered when defaulting to info level")
				}
				if !strings.Contains(output, "info message") {
					t.Error("info message should appear when defaulting to info level")
				}
			}
		})
	}
}

// TestNewConsoleLoggerWithLevel verifies constructor with log level
func TestNewConsoleLoggerWithLevel(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := NewConsoleLogger(buf, "debug")

	if logger == nil {
		t.Fatal("expected non-nil logger")
	}

	// Verify log level is set correctly by testing filtering behavior
	logger.Tracef("should not appear")
	logger.Debugf("should appear")

	output := buf.String()
	if strings.Contains(output, "should not appear") {
		t.Error("trace should be filtered at debug level")
	}
	if !strings.Contains(output, "should appear") {
		t.Error("debug should appear at debug level")
	}
}
