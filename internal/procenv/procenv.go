// Package procenv builds child-process environments and resolves binaries
// against them.
//
// exec.Command resolves a bare name against the parent's PATH. Sections
// extend PATH for their children, so lookups here use the child's PATH.
package procenv

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
)

// ErrNotFound is returned when a binary is not present on the given PATH.
var ErrNotFound = errors.New("executable file not found in PATH")

// Merge overlays overrides onto base (KEY=VALUE entries). Existing keys are
// replaced in place; new keys are appended in sorted order so the result is
// deterministic.
func Merge(base []string, overrides map[string]string) []string {
	out := make([]string, 0, len(base)+len(overrides))
	seen := make(map[string]bool, len(overrides))

	for _, kv := range base {
		key, _, ok := strings.Cut(kv, "=")
		if !ok {
			out = append(out, kv)
			continue
		}
		if v, override := lookupKey(overrides, key); override {
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, key+"="+v)
			continue
		}
		out = append(out, kv)
	}

	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !seenKey(seen, k) {
			out = append(out, k+"="+overrides[k])
		}
	}
	return out
}

// Get returns the value of key in env, or "" when absent. The last entry wins,
// as with exec.Cmd.
func Get(env []string, key string) string {
	var val string
	for _, kv := range env {
		k, v, ok := strings.Cut(kv, "=")
		if ok && keyEqual(k, key) {
			val = v
		}
	}
	return val
}

// AppendPath returns pathList with dir appended using the OS list separator.
func AppendPath(pathList, dir string) string {
	if pathList == "" {
		return dir
	}
	return pathList + string(os.PathListSeparator) + dir
}

// LookPath resolves name against the PATH found in env. Names containing a
// path separator are checked directly. A nil env falls back to exec.LookPath.
func LookPath(name string, env []string) (string, error) {
	if env == nil || strings.ContainsRune(name, os.PathSeparator) || strings.ContainsRune(name, '/') {
		return exec.LookPath(name)
	}

	for _, dir := range filepath.SplitList(Get(env, "PATH")) {
		candidate := filepath.Join(dir, name)
		if dir == "" {
			// An empty entry is the working directory. The separator keeps
			// exec.LookPath from searching this process's PATH instead.
			candidate = "." + string(os.PathSeparator) + name
		}
		// LookPath on a path with a separator only checks that file.
		if path, err := exec.LookPath(candidate); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("%s: %w", name, ErrNotFound)
}

// keyEqual compares environment keys; Windows keys are case-insensitive.
func keyEqual(a, b string) bool {
	if runtime.GOOS == "windows" {
		return strings.EqualFold(a, b)
	}
	return a == b
}

func lookupKey(m map[string]string, key string) (string, bool) {
	if v, ok := m[key]; ok {
		return v, true
	}
	if runtime.GOOS == "windows" {
		for k, v := range m {
			if strings.EqualFold(k, key) {
				return v, true
			}
		}
	}
	return "", false
}

func seenKey(seen map[string]bool, key string) bool {
	if seen[key] {
		return true
	}
	if runtime.GOOS == "windows" {
		for k := range seen {
			if strings.EqualFold(k, key) {
				return true
			}
		}
	}
	return false
}
