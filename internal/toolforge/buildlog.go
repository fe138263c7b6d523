package toolforge

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ulikunitz/xz"
)

const logSuffix = ".log.xz"

// BuildLog records every event of one CLI build run, xz compressed.
type BuildLog struct {
	ID   string
	Path string

	f  *os.File
	xw *xz.Writer
	bw *bufio.Writer
}

// NewBuildLog opens <dir>/<timestamp>-<command>-<id>.log.xz.
func NewBuildLog(dir, command string) (*BuildLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory %s: %w", dir, err)
	}
	id := uuid.NewString()
	name := fmt.Sprintf("%s-%s-%s%s", time.Now().Format("20060102-150405"), command, id[:8], logSuffix)
	path := filepath.Join(dir, name)

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create log %s: %w", path, err)
	}
	xw, err := xz.NewWriter(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create xz writer: %w", err)
	}
	l := &BuildLog{ID: id, Path: path, f: f, xw: xw, bw: bufio.NewWriter(xw)}
	fmt.Fprintf(l.bw, "# run %s: %s\n", id, command)
	return l, nil
}

// Record appends one result. Terminal results also list their diagnostics.
func (l *BuildLog) Record(r CompilationResult) {
	if r.Type == ResultProgress {
		fmt.Fprintf(l.bw, "[%s] %s\n", r.Stage, r.Message)
		return
	}
	fmt.Fprintf(l.bw, "[%s] %s: %s\n", r.Stage, strings.ToUpper(r.Type.String()), r.Message)
	for _, d := range r.Diagnostics {
		fmt.Fprintf(l.bw, "  %s:%d:%d %s: %s\n", d.File, d.Line, d.Column, d.Severity, d.Message)
	}
}

// Close flushes and finalizes the xz stream.
func (l *BuildLog) Close() error {
	if err := l.bw.Flush(); err != nil {
		l.f.Close()
		return err
	}
	if err := l.xw.Close(); err != nil {
		l.f.Close()
		return err
	}
	return l.f.Close()
}

// ListBuildLogs returns log paths under dir, newest first.
func ListBuildLogs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var logs []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), logSuffix) {
			logs = append(logs, filepath.Join(dir, e.Name()))
		}
	}
	// Names start with a sortable timestamp.
	sort.Sort(sort.Reverse(sort.StringSlice(logs)))
	return logs, nil
}

// ReadBuildLog decompresses a log into lines.
func ReadBuildLog(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	xr, err := xz.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("error creating xz reader: %w", err)
	}
	data, err := io.ReadAll(xr)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return strings.Split(strings.TrimRight(string(data), "\n"), "\n"), nil
}
