package config

import (
	"path/filepath"
	"runtime"
)

// Environment variables read once at startup.
const (
	EnvUseToken    = "USE_ANACONDA_TOKEN"
	EnvHome        = "HOME"
	EnvUserDataDir = "NBJSTEST_USER_DATA_DIR"
)

// goos is a variable so tests can exercise other platforms' defaults.
var goos = runtime.GOOS

// RunConfig is the process environment as the run sees it, captured once at
// startup and passed down instead of being read mid-run.
type RunConfig struct {
	// UseToken is set when a real login token should be used for the auth section
	UseToken bool

	// Home is the user's home directory
	Home string

	// UserDataDir holds the login token; it lives under Home
	UserDataDir string
}

// DataDirLocator returns the directory the token client stores its data in.
type DataDirLocator interface {
	UserDataDir(home string) string
}

// LoadRunConfig builds a RunConfig from getenv. A nil locator uses the
// client's per-OS default.
func LoadRunConfig(getenv func(string) string, locator DataDirLocator) RunConfig {
	if locator == nil {
		locator = ClientDataDir{GOOS: goos, Getenv: getenv}
	}

	home := getenv(EnvHome)
	dataDir := getenv(EnvUserDataDir)
	if dataDir == "" {
		dataDir = locator.UserDataDir(home)
	}

	return RunConfig{
		// Presence alone enables token mode, whatever the value.
		UseToken:    getenv(EnvUseToken) != "",
		Home:        home,
		UserDataDir: dataDir,
	}
}

// ClientDataDir locates the token client's data directory the way the client
// does on each OS.
type ClientDataDir struct {
	GOOS   string
	Getenv func(string) string
}

const (
	clientAppName   = "binstar"
	clientAppAuthor = "ContinuumIO"
)

// UserDataDir implements DataDirLocator.
func (d ClientDataDir) UserDataDir(home string) string {
	getenv := d.Getenv
	if getenv == nil {
		getenv = func(string) string { return "" }
	}

	switch d.GOOS {
	case "windows":
		base := getenv("LOCALAPPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Local")
		}
		return filepath.Join(base, clientAppAuthor, clientAppName)
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", clientAppName)
	default:
		base := getenv("XDG_DATA_HOME")
		if base == "" {
			base = filepath.Join(home, ".local", "share")
		}
		return filepath.Join(base, clientAppName)
	}
}
