// Package lockfile coordinates multi-process use of one capture device with
// a pid advisory lock. The file's only content is the owning pid; a lock
// whose owner no longer exists is stale and is discarded on acquire.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// ErrHeld is returned when a live process owns the lock.
var ErrHeld = errors.New("lockfile: held by another process")

// Lock is an acquired advisory lock.
type Lock struct {
	path     string
	released bool
}

// Acquire takes the lock at path for the current process. A stale lock is
// removed and re-acquired; a live owner yields ErrHeld.
func Acquire(path string) (*Lock, error) {
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			_, werr := fmt.Fprintf(f, "%d\n", os.Getpid())
			cerr := f.Close()
			if werr != nil || cerr != nil {
				os.Remove(path)
				return nil, fmt.Errorf("lockfile: write %s: %v", path, werr)
			}
			return &Lock{path: path}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("lockfile: create %s: %w", path, err)
		}

		pid, perr := readOwner(path)
		if perr == nil && ownerAlive(pid) {
			return nil, fmt.Errorf("%w (pid %d)", ErrHeld, pid)
		}

		// Stale or unreadable entry; discard and retry once.
		log.WithFields(log.Fields{"path": path, "pid": pid}).Info("discarding stale lock")
		os.Remove(path)
	}
	return nil, ErrHeld
}

// AcquireWait tries to take the lock, waiting up to timeout for a live owner
// to release it. Release is observed through a directory watch with a
// periodic retry as a fallback.
func AcquireWait(path string, timeout time.Duration) (*Lock, error) {
	l, err := Acquire(path)
	if err == nil || !errors.Is(err, ErrHeld) {
		return l, err
	}

	watcher, werr := fsnotify.NewWatcher()
	if werr == nil {
		defer watcher.Close()
		if werr = watcher.Add(filepath.Dir(path)); werr != nil {
			watcher = nil
		}
	} else {
		watcher = nil
	}

	deadline := time.Now().Add(timeout)
	retry := time.NewTicker(time.Second)
	defer retry.Stop()

	for time.Now().Before(deadline) {
		if watcher != nil {
			select {
			case ev := <-watcher.Events:
				if ev.Name != path || !ev.Has(fsnotify.Remove) {
					continue
				}
			case <-watcher.Errors:
			case <-retry.C:
			case <-time.After(time.Until(deadline)):
			}
		} else {
			select {
			case <-retry.C:
			case <-time.After(time.Until(deadline)):
			}
		}

		l, err = Acquire(path)
		if err == nil || !errors.Is(err, ErrHeld) {
			return l, err
		}
	}
	return nil, err
}

// Release removes the lock file. Idempotent.
func (l *Lock) Release() error {
	if l == nil || l.released {
		return nil
	}
	l.released = true
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("lockfile: remove %s: %w", l.path, err)
	}
	return nil
}

func readOwner(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

// ownerAlive reports whether pid names a running process.
func ownerAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
