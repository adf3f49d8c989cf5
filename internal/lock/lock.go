// Package lock keeps a single conduit host per state database. The host
// finalizes runs it finds still running at startup, which is only safe when
// no other host owns the same database.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrHeld is returned when another live process holds the lock.
var ErrHeld = errors.New("lock held by another process")

// HostLock is an exclusive lock on a PID file. Keep the lock alive by
// keeping the value around; Release gives it up.
type HostLock struct {
	path string
	f    *os.File
}

// PathFor returns the lock file guarding the database at statePath.
func PathFor(statePath string) string {
	dir := filepath.Dir(statePath)
	base := filepath.Base(statePath)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	if name == "" || statePath == ":memory:" {
		name = "conduit"
	}
	return filepath.Join(dir, name+".pid")
}

// Acquire takes the lock at lockPath without blocking and records the
// current PID in it.
func Acquire(lockPath string) (*HostLock, error) {
	if lockPath == "" {
		return nil, fmt.Errorf("lock path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	f, err := openLocked(lockPath)
	if err != nil {
		return nil, err
	}

	if err := writePID(f); err != nil {
		unlock(f)
		_ = f.Close()
		return nil, err
	}
	return &HostLock{path: lockPath, f: f}, nil
}

func writePID(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("truncate lock file: %w", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		return fmt.Errorf("seek lock file: %w", err)
	}
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		return fmt.Errorf("write pid: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync lock file: %w", err)
	}
	return nil
}

// Holder reads the PID recorded at lockPath. It reports 0 when the file is
// missing or unreadable.
func Holder(lockPath string) int {
	b, err := os.ReadFile(lockPath)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0
	}
	return pid
}

func (l *HostLock) Path() string { return l.path }

// Release gives the lock up. It is safe on a nil or released lock.
func (l *HostLock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	unlock(l.f)
	err := l.f.Close()
	l.f = nil
	release(l.path)
	return err
}
