package toolforge

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"
)

var (
	ErrUnknownKind    = errors.New("unknown toolchain kind")
	ErrUnknownVersion = errors.New("unknown toolchain version")
	ErrEmptyCommand   = errors.New("command is required")
)

// LaunchError means the executable could not be spawned at all.
type LaunchError struct {
	Command string
	Err     error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("failed to start %s: %v", e.Command, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// NetworkError covers every failure while fetching an archive.
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("download %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ExtractionError means the archive is corrupt or could not be written out.
// The destination may hold a partial tree and needs a full re-extraction.
type ExtractionError struct {
	Archive string
	Entry   string
	Err     error
}

func (e *ExtractionError) Error() string {
	if e.Entry != "" {
		return fmt.Sprintf("extract %s (entry %s): %v", e.Archive, e.Entry, e.Err)
	}
	return fmt.Sprintf("extract %s: %v", e.Archive, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// ToolNotFoundError is raised before any process is spawned.
type ToolNotFoundError struct {
	Tool string
	Hint string
}

func (e *ToolNotFoundError) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("%s not found (%s)", e.Tool, e.Hint)
	}
	return fmt.Sprintf("%s not found", e.Tool)
}

// ProcessExitError is a child that ran to completion with a non-zero status.
type ProcessExitError struct {
	Command  string
	ExitCode int
	Output   string
}

func (e *ProcessExitError) Error() string {
	return fmt.Sprintf("%s exited with code %d", e.Command, e.ExitCode)
}

// TimeoutError is a child that was killed because its deadline elapsed.
type TimeoutError struct {
	Command string
	Timeout time.Duration
	Output  string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Command, e.Timeout)
}

// ProtocolParseError wraps malformed structured data (catalog files, tool output).
type ProtocolParseError struct {
	Source string
	Err    error
}

func (e *ProtocolParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.Source, e.Err)
}

func (e *ProtocolParseError) Unwrap() error { return e.Err }

// resultError maps a finished process to the taxonomy: nil on success,
// TimeoutError when killed by the deadline, ProcessExitError otherwise.
func resultError(argv []string, timeout time.Duration, res *ProcessResult) error {
	name := commandName(argv)
	switch {
	case res.TimedOut:
		return &TimeoutError{Command: name, Timeout: timeout, Output: res.Output()}
	case res.Canceled:
		return fmt.Errorf("%s: %w", name, errCanceled)
	case res.ExitCode == nil:
		return &ProcessExitError{Command: name, ExitCode: -1, Output: res.Output()}
	case *res.ExitCode != 0:
		return &ProcessExitError{Command: name, ExitCode: *res.ExitCode, Output: res.Output()}
	}
	return nil
}

var errCanceled = errors.New("canceled")

func commandName(argv []string) string {
	if len(argv) == 0 {
		return "<empty>"
	}
	return filepath.Base(argv[0])
}
