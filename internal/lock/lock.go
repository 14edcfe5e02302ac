// Package lock guards the runs directory against concurrent harness
// invocations with an advisory flock. Two sessions driving tmux panes out
// of the same runs directory would interleave artifacts.
package lock

import (
	"fmt"
	"os"
	"syscall"
)

// RunLock is an exclusive advisory lock on a runs directory.
type RunLock struct {
	path string
	file *os.File
}

// Acquire takes the lock, failing immediately if another process holds it.
// The holder's PID is written to the lock file for diagnostics.
func Acquire(path string) (*RunLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("acquire run lock (another benchmark run may be active): %w", err)
	}

	if err := f.Truncate(0); err == nil {
		if _, err := f.Seek(0, 0); err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Sync()
		}
	}

	return &RunLock{path: path, file: f}, nil
}

// Release drops the lock and removes the lock file. Safe to call twice.
func (l *RunLock) Release() error {
	if l.file == nil {
		return nil
	}

	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		l.file.Close()
		l.file = nil
		return fmt.Errorf("release run lock: %w", err)
	}

	err := l.file.Close()
	l.file = nil
	os.Remove(l.path)
	return err
}
