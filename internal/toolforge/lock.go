package toolforge

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// kindLocks serialises installs of the same kind. The channel semaphore
// covers goroutines of this process; the flock on <root>/.locks/<kind>.lock
// covers other toolforge processes sharing the SDK root.
type kindLocks struct {
	dir string

	mu   sync.Mutex
	sems map[Kind]chan struct{}
}

func newKindLocks(dir string) *kindLocks {
	return &kindLocks{dir: dir, sems: make(map[Kind]chan struct{})}
}

func (l *kindLocks) sem(k Kind) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.sems[k]
	if !ok {
		s = make(chan struct{}, 1)
		l.sems[k] = s
	}
	return s
}

// acquire blocks until the kind is free or ctx is done. The returned func
// releases both locks.
func (l *kindLocks) acquire(ctx context.Context, k Kind) (func(), error) {
	sem := l.sem(k)
	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		<-sem
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	lockPath := filepath.Join(l.dir, k.String()+".lock")
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		<-sem
		return nil, fmt.Errorf("failed to create lock file: %w", err)
	}

	if err := flockContext(ctx, f, lockPath); err != nil {
		f.Close()
		<-sem
		return nil, err
	}

	return func() {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
		<-sem
	}, nil
}

// flockContext takes an exclusive flock on f. flock has no deadline, so the
// non-blocking form is polled and ctx still wins.
func flockContext(ctx context.Context, f *os.File, path string) error {
	for waited := false; ; waited = true {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return nil
		}
		if err != unix.EWOULDBLOCK {
			return fmt.Errorf("failed to lock %s: %w", path, err)
		}
		if !waited {
			debugf("%s is locked by another process, waiting\n", path)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}
}
