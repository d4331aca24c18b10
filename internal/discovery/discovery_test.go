package discovery

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeTree creates empty files relative to root.
func writeTree(t *testing.T, root string, files ...string) {
	t.Helper()
	for _, f := range files {
		path := filepath.Join(root, f)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, nil, 0644))
	}
}

func TestTestCases(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root,
		"js/auth/test_login.js",
		"js/auth/test_badge.js",
		"js/auth/helper.js",
		"js/auth/test_notes.txt",
		"js/auth/nested/test_deep.js",
		"js/noauth/test_hidden.js",
	)

	got, err := TestCases(root, "auth")
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(root, "js", "auth", "test_badge.js"),
		filepath.Join(root, "js", "auth", "test_login.js"),
	}, got)
}

func TestTestCases_MissingSectionDir(t *testing.T) {
	got, err := TestCases(t.TempDir(), "noauth")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestTestCases_EmptySection(t *testing.T) {
	_, err := TestCases(t.TempDir(), "")
	assert.Error(t, err)
}

func TestIncludes_UtilFirst(t *testing.T) {
	root := t.TempDir()
	jsTestDir := filepath.Join(root, "notebook", "tests")
	writeTree(t, root,
		"js/_shared.js",
		"js/_aaa.js",
		"js/test_not_an_include.js",
		"js/auth/_section_local.js",
	)

	got, err := Includes(root, jsTestDir)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(jsTestDir, "util.js"),
		filepath.Join(root, "js", "_aaa.js"),
		filepath.Join(root, "js", "_shared.js"),
	}, got)
}

func TestIncludes_NoSharedFiles(t *testing.T) {
	root := t.TempDir()
	got, err := Includes(root, root)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(root, "util.js")}, got)
}
