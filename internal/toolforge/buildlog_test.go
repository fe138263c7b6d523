package toolforge

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildLogRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	l, err := NewBuildLog(dir, "release")
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(l.Path, ".log.xz"))
	require.Contains(t, filepath.Base(l.Path), "-release-"+l.ID[:8])

	l.Record(CompilationResult{Type: ResultProgress, Stage: "build", Message: "> Task :app:assembleRelease"})
	l.Record(CompilationResult{
		Type:        ResultError,
		Stage:       "build",
		Message:     "build failed",
		Err:         errors.New("gradlew exited with code 1"),
		Diagnostics: []Diagnostic{{File: "Main.kt", Line: 3, Column: 1, Severity: "error", Message: "boom"}},
	})
	require.NoError(t, l.Close())

	lines, err := ReadBuildLog(l.Path)
	require.NoError(t, err)
	require.Equal(t, []string{
		"# run " + l.ID + ": release",
		"[build] > Task :app:assembleRelease",
		"[build] ERROR: build failed",
		"  Main.kt:3:1 error: boom",
	}, lines)

	logs, err := ListBuildLogs(dir)
	require.NoError(t, err)
	require.Equal(t, []string{l.Path}, logs)
}

func TestListBuildLogsNewestFirst(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"20240101-100000-build-aaaa.log.xz", "20250101-100000-cargo-bbbb.log.xz", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}
	logs, err := ListBuildLogs(dir)
	require.NoError(t, err)
	require.Equal(t, []string{
		filepath.Join(dir, "20250101-100000-cargo-bbbb.log.xz"),
		filepath.Join(dir, "20240101-100000-build-aaaa.log.xz"),
	}, logs)

	logs, err = ListBuildLogs(filepath.Join(dir, "missing"))
	require.NoError(t, err)
	require.Empty(t, logs)
}
