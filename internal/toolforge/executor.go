package toolforge

import (
	"bufio"
	"context"
	"errors"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// DefaultReaderGrace bounds how long Run waits for the output readers once the
// child is gone. A grandchild that inherited the pipes can keep them open
// forever; after the grace period the readers are abandoned.
const DefaultReaderGrace = 2 * time.Second

// Stream identifies which child stream a line came from.
type Stream int

const (
	StreamStdout Stream = iota
	StreamStderr
)

func (s Stream) String() string {
	if s == StreamStderr {
		return "stderr"
	}
	return "stdout"
}

// ProcessRequest describes one external command.
type ProcessRequest struct {
	Argv         []string
	Dir          string
	Env          map[string]string // merged over os.Environ(), overrides win
	Timeout      time.Duration     // zero means no deadline
	MergeStreams bool              // stderr goes into the stdout pipe
	Stdin        string

	// OnLine is called for every line as it arrives, from one goroutine, in
	// the order the readers saw the lines. No call starts after Run returns;
	// a call still blocked when the grace period ends is left behind.
	OnLine func(stream Stream, line string)
}

// ProcessResult is what a finished (or killed) child left behind.
type ProcessResult struct {
	ExitCode  *int // nil when the child was killed by timeout or cancellation
	Stdout    string
	Stderr    string
	TimedOut  bool
	Canceled  bool
	Abandoned bool // readers or OnLine did not finish within the grace period
	Duration  time.Duration
}

// Output returns everything the child printed, stdout first.
func (r *ProcessResult) Output() string {
	switch {
	case r.Stderr == "":
		return r.Stdout
	case r.Stdout == "":
		return r.Stderr
	}
	return r.Stdout + r.Stderr
}

// Success reports a zero exit status.
func (r *ProcessResult) Success() bool {
	return r.ExitCode != nil && *r.ExitCode == 0
}

// Runner executes a single request. Every pipeline depends on this, not on
// *Executor, so a spy can be injected.
type Runner interface {
	Run(ctx context.Context, req ProcessRequest) (*ProcessResult, error)
}

// Executor is the os/exec backed Runner.
type Executor struct {
	Caps        Capabilities
	ReaderGrace time.Duration
}

// NewExecutor returns an executor bound to the given host capabilities.
func NewExecutor(caps Capabilities) *Executor {
	return &Executor{Caps: caps, ReaderGrace: DefaultReaderGrace}
}

// lineBuffer is appended to by one reader and snapshotted by Run; the lock
// covers readers that are still running after being abandoned.
type lineBuffer struct {
	mu sync.Mutex
	b  strings.Builder
}

func (l *lineBuffer) append(s string) {
	l.mu.Lock()
	l.b.WriteString(s)
	l.mu.Unlock()
}

func (l *lineBuffer) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.String()
}

// Run starts the command, drains both output streams concurrently and waits
// for it under the request timeout and ctx. A non-zero exit is not an error;
// only a failure to spawn is.
func (e *Executor) Run(ctx context.Context, req ProcessRequest) (*ProcessResult, error) {
	if len(req.Argv) == 0 || req.Argv[0] == "" {
		return nil, &LaunchError{Command: "<empty>", Err: ErrEmptyCommand}
	}
	if ctx.Err() != nil {
		return &ProcessResult{Canceled: true}, nil
	}

	// --- Phase 1: build the command ---
	cmd := exec.Command(req.Argv[0], req.Argv[1:]...)
	cmd.Dir = req.Dir
	cmd.Env = mergeEnv(os.Environ(), req.Env)
	if req.Stdin != "" {
		cmd.Stdin = strings.NewReader(req.Stdin)
	}
	if e.Caps.ProcessGroups {
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	}

	// --- Phase 2: wire up one pipe per stream (one shared pipe when merged) ---
	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, &LaunchError{Command: req.Argv[0], Err: err}
	}
	var errR, errW *os.File
	cmd.Stdout = outW
	if req.MergeStreams {
		cmd.Stderr = outW
	} else {
		if errR, errW, err = os.Pipe(); err != nil {
			outR.Close()
			outW.Close()
			return nil, &LaunchError{Command: req.Argv[0], Err: err}
		}
		cmd.Stderr = errW
	}
	closeReadEnds := func() {
		outR.Close()
		if errR != nil {
			errR.Close()
		}
	}

	// --- Phase 3: start ---
	debugf("Running: %s\n", strings.Join(req.Argv, " "))
	start := time.Now()
	if err := cmd.Start(); err != nil {
		outW.Close()
		if errW != nil {
			errW.Close()
		}
		closeReadEnds()
		return nil, &LaunchError{Command: req.Argv[0], Err: err}
	}
	// The child holds its own copies of the write ends.
	outW.Close()
	if errW != nil {
		errW.Close()
	}

	res := &ProcessResult{}
	var stdout, stderr lineBuffer
	var readers sync.WaitGroup

	queue := newLineQueue()
	defer queue.stop()
	dispatched := make(chan struct{})
	if req.OnLine != nil {
		go queue.dispatch(req.OnLine, dispatched)
	} else {
		close(dispatched)
	}
	drain := func(r *os.File, s Stream, dst *lineBuffer) {
		defer readers.Done()
		br := bufio.NewReader(r)
		for {
			line, err := br.ReadString('\n')
			if len(line) > 0 {
				dst.append(line)
				if req.OnLine != nil {
					queue.push(s, strings.TrimRight(line, "\r\n"))
				}
			}
			if err != nil {
				return
			}
		}
	}
	readers.Add(1)
	go drain(outR, StreamStdout, &stdout)
	if errR != nil {
		readers.Add(1)
		go drain(errR, StreamStderr, &stderr)
	}

	// --- Phase 4: wait under timeout and cancellation ---
	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	var deadline <-chan time.Time
	if req.Timeout > 0 {
		timer := time.NewTimer(req.Timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	var waitErr error
	select {
	case waitErr = <-waitCh:
	case <-deadline:
		res.TimedOut = true
		e.kill(cmd)
		waitErr = <-waitCh
		debugf("%s timed out after %s, killed\n", req.Argv[0], req.Timeout)
	case <-ctx.Done():
		res.Canceled = true
		e.kill(cmd)
		waitErr = <-waitCh
		debugf("%s aborted: %v\n", req.Argv[0], ctx.Err())
	}
	res.Duration = time.Since(start)

	// --- Phase 5: join readers and callbacks with a bounded grace period ---
	joined := make(chan struct{})
	go func() {
		readers.Wait()
		close(joined)
	}()
	grace := time.NewTimer(e.grace())
	defer grace.Stop()
	select {
	case <-joined:
		closeReadEnds()
		queue.close()
		select {
		case <-dispatched:
		case <-grace.C:
			res.Abandoned = true
			debugf("%s: line callback still busy after %s, abandoned\n", req.Argv[0], e.grace())
		}
	case <-grace.C:
		res.Abandoned = true
		closeReadEnds()
		queue.close()
		debugf("%s: output readers abandoned after %s\n", req.Argv[0], e.grace())
	}

	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	if !res.TimedOut && !res.Canceled {
		code := exitCode(cmd, waitErr)
		res.ExitCode = &code
	}
	return res, nil
}

type streamLine struct {
	stream Stream
	text   string
}

// lineQueue hands lines from the readers to a single callback goroutine. The
// readers never block on it, so a slow callback cannot stall the child or Run.
type lineQueue struct {
	mu      sync.Mutex
	lines   []streamLine
	closed  bool
	stopped bool
	ready   chan struct{}
}

func newLineQueue() *lineQueue {
	return &lineQueue{ready: make(chan struct{}, 1)}
}

func (q *lineQueue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *lineQueue) push(s Stream, text string) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.lines = append(q.lines, streamLine{s, text})
	q.mu.Unlock()
	q.signal()
}

// close means no more lines will be pushed.
func (q *lineQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

// stop prevents any further callback from starting.
func (q *lineQueue) stop() {
	q.mu.Lock()
	q.stopped = true
	q.mu.Unlock()
	q.signal()
}

func (q *lineQueue) take() ([]streamLine, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	lines := q.lines
	q.lines = nil
	return lines, q.closed || q.stopped
}

func (q *lineQueue) allowed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return !q.stopped
}

// dispatch calls fn for every queued line in arrival order until the queue is
// closed and empty, or stopped.
func (q *lineQueue) dispatch(fn func(Stream, string), done chan<- struct{}) {
	defer close(done)
	for range q.ready {
		lines, last := q.take()
		for _, l := range lines {
			if !q.allowed() {
				return
			}
			fn(l.stream, l.text)
		}
		if last {
			return
		}
	}
}

func (e *Executor) grace() time.Duration {
	if e.ReaderGrace > 0 {
		return e.ReaderGrace
	}
	return DefaultReaderGrace
}

// kill sends SIGKILL to the whole process group so build daemons and compiler
// workers go down with the child. Many of these tools ignore SIGINT.
func (e *Executor) kill(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	if e.Caps.ProcessGroups {
		if err := unix.Kill(-cmd.Process.Pid, unix.SIGKILL); err == nil {
			return
		}
	}
	_ = cmd.Process.Kill()
}

func exitCode(cmd *exec.Cmd, waitErr error) int {
	if waitErr == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitCode()
	}
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	return -1
}

// mergeEnv overlays overrides on base (KEY=VALUE form). Overrides win and are
// appended in key order so the result is deterministic.
func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	out := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if _, ok := overrides[key]; ok {
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
		out = append(out, k+"="+overrides[k])
	}
	return out
}
