// Package lockfile keeps two clients from sharing one backlog database.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ErrLocked is returned when another live process holds the lock.
var ErrLocked = errors.New("another robust instance is running")

// Lockfile is an exclusive, pid-stamped lock file.
type Lockfile struct {
	path   string
	file   *os.File
	locked bool
}

// ForDatabase returns the lock guarding the database at dbPath.
func ForDatabase(dbPath string) *Lockfile {
	return New(dbPath + ".lock")
}

func New(path string) *Lockfile {
	return &Lockfile{path: path}
}

// TryAcquire creates the lock file. A file left behind by a process that is
// no longer running is replaced.
func (l *Lockfile) TryAcquire() error {
	if l.locked {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o700); err != nil {
		return fmt.Errorf("create lock directory: %w", err)
	}

	file, err := l.create()
	if errors.Is(err, os.ErrExist) {
		owner, alive := l.owner()
		if alive {
			return fmt.Errorf("%w (pid %d holds %s)", ErrLocked, owner, l.path)
		}
		if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove stale lock: %w", err)
		}
		file, err = l.create()
	}
	if err != nil {
		return fmt.Errorf("create lock: %w", err)
	}

	l.file = file
	l.locked = true
	content := fmt.Sprintf("%d\n%s\n", os.Getpid(), time.Now().Format(time.RFC3339))
	if _, err := file.WriteString(content); err != nil {
		l.Release()
		return fmt.Errorf("write lock: %w", err)
	}
	if err := file.Sync(); err != nil {
		l.Release()
		return fmt.Errorf("sync lock: %w", err)
	}
	return nil
}

func (l *Lockfile) create() (*os.File, error) {
	return os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600)
}

// owner reads the pid from an existing lock. Unreadable locks count as stale.
func (l *Lockfile) owner() (int, bool) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return 0, false
	}
	first, _, _ := strings.Cut(strings.TrimSpace(string(data)), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(first))
	if err != nil || pid <= 0 {
		return 0, false
	}
	if pid == os.Getpid() {
		return pid, true
	}
	return pid, isProcessRunning(pid)
}

// Release closes and removes the lock file. Releasing twice is a no-op.
func (l *Lockfile) Release() error {
	if !l.locked {
		return nil
	}
	l.locked = false

	var errs []error
	if l.file != nil {
		errs = append(errs, l.file.Close())
		l.file = nil
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		errs = append(errs, fmt.Errorf("remove lock: %w", err))
	}
	return errors.Join(errs...)
}

func (l *Lockfile) Locked() bool { return l.locked }

func (l *Lockfile) Path() string { return l.path }
