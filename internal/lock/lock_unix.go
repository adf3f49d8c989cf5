//go:build unix

package lock

import (
	"errors"
	"fmt"
	"os"
	"syscall"
)

func openLocked(lockPath string) (*os.File, error) {
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w: %s (pid %d)", ErrHeld, lockPath, Holder(lockPath))
		}
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	return f, nil
}

func unlock(f *os.File) {
	_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
}

// The file stays behind; flock state dies with the descriptor.
func release(string) {}
