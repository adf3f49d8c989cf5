//go:build !unix

package lock

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// Without flock the lock is the exclusive creation of the file itself. A
// file left by a crashed host must be removed by hand.
func openLocked(lockPath string) (*os.File, error) {
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("%w: %s (pid %d)", ErrHeld, lockPath, Holder(lockPath))
		}
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	return f, nil
}

func unlock(*os.File) {}

func release(path string) { _ = os.Remove(path) }
