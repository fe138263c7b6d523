package toolforge

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func sh(script string) []string { return []string{"sh", "-c", script} }

func newTestExecutor() *Executor {
	e := NewExecutor(DetectCapabilities())
	e.ReaderGrace = 500 * time.Millisecond
	return e
}

func TestRunSeparatesStreams(t *testing.T) {
	t.Parallel()

	res, err := newTestExecutor().Run(context.Background(), ProcessRequest{
		Argv: sh("echo out; echo err 1>&2; exit 3"),
	})
	require.NoError(t, err)
	require.NotNil(t, res.ExitCode)
	require.Equal(t, 3, *res.ExitCode)
	require.Equal(t, "out\n", res.Stdout)
	require.Equal(t, "err\n", res.Stderr)
	require.False(t, res.Success())
	require.False(t, res.TimedOut)
	require.False(t, res.Abandoned)
}

func TestRunMergedStreams(t *testing.T) {
	t.Parallel()

	res, err := newTestExecutor().Run(context.Background(), ProcessRequest{
		Argv:         sh("echo one; echo two 1>&2; echo three"),
		MergeStreams: true,
	})
	require.NoError(t, err)
	require.True(t, res.Success())
	require.Equal(t, "one\ntwo\nthree\n", res.Stdout)
	require.Empty(t, res.Stderr)
	require.Equal(t, res.Stdout, res.Output())
}

func TestRunStreamsLines(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	got := map[Stream][]string{}
	res, err := newTestExecutor().Run(context.Background(), ProcessRequest{
		Argv: sh("echo a; echo b 1>&2; printf 'no newline'"),
		OnLine: func(s Stream, line string) {
			mu.Lock()
			got[s] = append(got[s], line)
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	require.True(t, res.Success())
	require.Equal(t, []string{"a", "no newline"}, got[StreamStdout])
	require.Equal(t, []string{"b"}, got[StreamStderr])
}

func TestRunBlockedCallbackDoesNotHang(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	defer close(release)
	var calls atomic.Int32

	e := newTestExecutor()
	e.ReaderGrace = 200 * time.Millisecond
	start := time.Now()
	res, err := e.Run(context.Background(), ProcessRequest{
		Argv:    sh("echo hi; echo there; sleep 30"),
		Timeout: 200 * time.Millisecond,
		OnLine: func(Stream, string) {
			calls.Add(1)
			<-release
		},
	})
	require.NoError(t, err)
	require.Less(t, time.Since(start), 2*time.Second)
	require.True(t, res.TimedOut)
	require.True(t, res.Abandoned)
	require.Equal(t, "hi\nthere\n", res.Stdout)

	// The stuck call is the only one; nothing new starts after Run returned.
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int32(1), calls.Load())
}

func TestRunTimeoutKillsGroup(t *testing.T) {
	t.Parallel()

	// The background sleep inherits stdout; unless the whole group is killed
	// the readers would be abandoned.
	start := time.Now()
	res, err := newTestExecutor().Run(context.Background(), ProcessRequest{
		Argv:    sh("sleep 30 & sleep 30"),
		Timeout: 200 * time.Millisecond,
	})
	require.NoError(t, err)
	require.True(t, res.TimedOut)
	require.Nil(t, res.ExitCode)
	require.False(t, res.Abandoned)
	require.Less(t, time.Since(start), 5*time.Second)

	terr := resultError(sh(""), 200*time.Millisecond, res)
	var timeout *TimeoutError
	require.True(t, errors.As(terr, &timeout))
}

func TestRunAbandonsReaders(t *testing.T) {
	t.Parallel()

	// Without process groups nothing kills the background sleep, which keeps
	// the stdout pipe open after sh exits.
	e := &Executor{Caps: Capabilities{}, ReaderGrace: 200 * time.Millisecond}
	start := time.Now()
	res, err := e.Run(context.Background(), ProcessRequest{
		Argv: sh("echo started; sleep 3 &"),
	})
	require.NoError(t, err)
	require.True(t, res.Abandoned)
	require.True(t, res.Success())
	require.Equal(t, "started\n", res.Stdout)
	require.Less(t, time.Since(start), 2*time.Second)
}

func TestRunContextCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)
	res, err := newTestExecutor().Run(ctx, ProcessRequest{Argv: sh("sleep 30")})
	require.NoError(t, err)
	require.True(t, res.Canceled)
	require.False(t, res.TimedOut)
	require.Nil(t, res.ExitCode)
}

func TestRunAlreadyCanceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := newTestExecutor().Run(ctx, ProcessRequest{Argv: []string{"/nonexistent/never-run"}})
	require.NoError(t, err)
	require.True(t, res.Canceled)
}

func TestRunLaunchError(t *testing.T) {
	t.Parallel()

	res, err := newTestExecutor().Run(context.Background(), ProcessRequest{
		Argv: []string{"/nonexistent/toolforge-missing-binary"},
	})
	require.Nil(t, res)
	var launch *LaunchError
	require.ErrorAs(t, err, &launch)
	require.Equal(t, "/nonexistent/toolforge-missing-binary", launch.Command)

	_, err = newTestExecutor().Run(context.Background(), ProcessRequest{})
	require.ErrorIs(t, err, ErrEmptyCommand)
}

func TestRunEnvAndStdin(t *testing.T) {
	t.Parallel()

	res, err := newTestExecutor().Run(context.Background(), ProcessRequest{
		Argv:  sh(`printf '%s:' "$TOOLFORGE_TEST_VAR"; cat`),
		Env:   map[string]string{"TOOLFORGE_TEST_VAR": "override"},
		Stdin: "y\ny\n",
	})
	require.NoError(t, err)
	require.True(t, res.Success())
	require.Equal(t, "override:y\ny\n", res.Stdout)
}

func TestRunWorkingDir(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(dir+"/marker", nil, 0o644))
	res, err := newTestExecutor().Run(context.Background(), ProcessRequest{
		Argv: sh("ls"),
		Dir:  dir,
	})
	require.NoError(t, err)
	require.Equal(t, "marker\n", res.Stdout)
}

func TestMergeEnv(t *testing.T) {
	base := []string{"PATH=/usr/bin", "HOME=/root", "LANG=C"}
	out := mergeEnv(base, map[string]string{"PATH": "/opt/bin", "B": "2", "A": "1"})
	require.Equal(t, []string{"HOME=/root", "LANG=C", "A=1", "B=2", "PATH=/opt/bin"}, out)
	require.Equal(t, base, mergeEnv(base, nil))
}

func TestResultError(t *testing.T) {
	zero, two := 0, 2
	require.NoError(t, resultError([]string{"/bin/true"}, 0, &ProcessResult{ExitCode: &zero}))

	err := resultError([]string{"/usr/bin/javac"}, 0, &ProcessResult{ExitCode: &two, Stderr: "boom"})
	var exit *ProcessExitError
	require.ErrorAs(t, err, &exit)
	require.Equal(t, "javac", exit.Command)
	require.Equal(t, 2, exit.ExitCode)
	require.Equal(t, "boom", exit.Output)

	require.ErrorIs(t, resultError([]string{"x"}, 0, &ProcessResult{Canceled: true}), errCanceled)
}
