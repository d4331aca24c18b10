// Package discovery locates the JavaScript test files for a section.
//
// Layout under the test root:
//
//	<root>/js/_*.js               shared includes, loaded before every test
//	<root>/js/<section>/test_*.js test cases of one section
//
// The runner's own utility file (util.js from the notebook js test dir) is
// always the first include.
package discovery

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// RunnerUtil is the runner-provided helper loaded ahead of the shared includes.
const RunnerUtil = "util.js"

const (
	jsDir         = "js"
	testPrefix    = "test_"
	includePrefix = "_"
	jsExt         = ".js"
)

// TestCases returns the sorted absolute paths matching
// <testRoot>/js/<section>/test_*.js. A missing section directory yields no
// test cases rather than an error, like a shell glob.
func TestCases(testRoot, section string) ([]string, error) {
	if section == "" {
		return nil, fmt.Errorf("section name is required")
	}
	return scan(SectionDir(testRoot, section), testPrefix, jsExt)
}

// SectionDir returns the directory holding section's test cases.
func SectionDir(testRoot, section string) string {
	return filepath.Join(testRoot, jsDir, section)
}

// Includes returns <jsTestDir>/util.js followed by the sorted
// <testRoot>/js/_*.js files.
func Includes(testRoot, jsTestDir string) ([]string, error) {
	util, err := filepath.Abs(filepath.Join(jsTestDir, RunnerUtil))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", RunnerUtil, err)
	}

	shared, err := scan(filepath.Join(testRoot, jsDir), includePrefix, jsExt)
	if err != nil {
		return nil, err
	}
	return append([]string{util}, shared...), nil
}

// scan lists the regular files directly inside dir whose names start with
// prefix and end with ext (case-insensitive), as sorted absolute paths.
func scan(dir, prefix, ext string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", dir, err)
	}

	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasPrefix(name, prefix) || !strings.EqualFold(filepath.Ext(name), ext) {
			continue
		}
		abs, err := filepath.Abs(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("failed to resolve path %s: %w", name, err)
		}
		files = append(files, abs)
	}

	sort.Strings(files)
	return files, nil
}
