package models

import "fmt"

// Section names the two configurations the notebook extension is tested in.
const (
	SectionAuth   = "auth"
	SectionNoAuth = "noauth"
)

// DefaultSections is the fixed section list used when configuration does not
// override it.
var DefaultSections = []string{SectionAuth, SectionNoAuth}

// Section is a named, independently configured test run.
// Name never changes after construction; the remaining fields are computed
// while the section is being configured.
type Section struct {
	Name      string            // Section identifier ("auth", "noauth")
	TestCases []string          // Discovered test_*.js files for this section
	Includes  []string          // Shared include files passed via --includes
	Env       map[string]string // Environment overrides applied on top of os.Environ()
	Command   []string          // Computed runner command line
}

// NewSection creates a Section with an empty environment override map.
func NewSection(name string) Section {
	return Section{
		Name: name,
		Env:  make(map[string]string),
	}
}

// ExtensionState is the desired activation state of an extension.
// The values double as the toggle tool's sub-action.
type ExtensionState string

const (
	ExtensionEnabled  ExtensionState = "enable"
	ExtensionDisabled ExtensionState = "disable"
)

// Opposite returns the other state.
func (s ExtensionState) Opposite() ExtensionState {
	if s == ExtensionEnabled {
		return ExtensionDisabled
	}
	return ExtensionEnabled
}

// ToggleEntry pairs an extension name with the state it must be put in.
type ToggleEntry struct {
	Extension string
	State     ExtensionState
}

func (e ToggleEntry) String() string {
	return fmt.Sprintf("%s=%s", e.Extension, e.State)
}

// AuthMode describes how a section obtains its authenticated state.
type AuthMode int

const (
	// AuthNone runs with the real extension and no credentials.
	AuthNone AuthMode = iota
	// AuthToken runs with the real extension and a copied user token.
	AuthToken
	// AuthPatchedCredential swaps in the patched extension that fakes a login.
	AuthPatchedCredential
)

// String returns the string representation of AuthMode.
func (m AuthMode) String() string {
	switch m {
	case AuthNone:
		return "none"
	case AuthToken:
		return "token"
	case AuthPatchedCredential:
		return "patched"
	default:
		return "unknown"
	}
}
