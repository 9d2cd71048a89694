// Package lockfile provides advisory file locking for the data file, the
// sync and ledger lock files, and the daemon PID file.
//
// Two mechanisms are used. The data file takes shared/exclusive flocks on
// the file itself (readers may hold shared locks while a writer waits).
// The coordination locks (.sync.lock, .ledger.lock, daemon.pid) are
// separate lock files managed through github.com/gofrs/flock so they work
// uniformly across platforms and survive rename-based rewrites of the
// files they guard.
package lockfile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/flock"
)

// ErrLockBusy is returned when a non-blocking acquisition finds the lock
// already held by another process.
var ErrLockBusy = errors.New("lock already held by another process")

// DefaultAcquireTimeout bounds how long bounded acquisitions wait.
const DefaultAcquireTimeout = 10 * time.Second

// Lock is an advisory lock on a dedicated lock file.
type Lock struct {
	path string
	fl   *flock.Flock
}

// New returns a lock for the given lock file path. The file is created on
// first acquisition and intentionally never deleted: deleting a lock file
// races with another process opening it.
func New(path string) *Lock {
	return &Lock{path: path, fl: flock.New(path)}
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// TryLock attempts a non-blocking exclusive acquisition.
func (l *Lock) TryLock() error {
	ok, err := l.fl.TryLock()
	if err != nil {
		return fmt.Errorf("acquiring lock %s: %w", l.path, err)
	}
	if !ok {
		return ErrLockBusy
	}
	return nil
}

// LockWithTimeout acquires the lock exclusively, retrying until the timeout
// elapses. Returns ErrLockBusy (wrapped) on expiry.
func (l *Lock) LockWithTimeout(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultAcquireTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	ok, err := l.fl.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("timed out after %s: %w", timeout, ErrLockBusy)
		}
		return fmt.Errorf("acquiring lock %s: %w", l.path, err)
	}
	if !ok {
		return ErrLockBusy
	}
	return nil
}

// TryRLock attempts a non-blocking shared acquisition.
func (l *Lock) TryRLock() error {
	ok, err := l.fl.TryRLock()
	if err != nil {
		return fmt.Errorf("acquiring shared lock %s: %w", l.path, err)
	}
	if !ok {
		return ErrLockBusy
	}
	return nil
}

// Unlock releases the lock. Safe to call when not held.
func (l *Lock) Unlock() error {
	return l.fl.Unlock()
}

// PIDFile writes the current process ID to path, guarded by an exclusive
// lock on the file, and reports whether another live daemon already owns it.
type PIDFile struct {
	path string
	lock *Lock
}

// NewPIDFile returns a PID file handle for path.
func NewPIDFile(path string) *PIDFile {
	return &PIDFile{path: path, lock: New(path + ".lock")}
}

// Acquire claims the PID file for this process. If a previous owner is
// still running its PID is returned with ErrLockBusy; a stale file from a
// dead process is overwritten.
func (p *PIDFile) Acquire() (int, error) {
	if err := p.lock.TryLock(); err != nil {
		if pid, rerr := p.Read(); rerr == nil {
			return pid, err
		}
		return 0, err
	}

	if pid, err := p.Read(); err == nil && pid != os.Getpid() && isProcessRunning(pid) {
		_ = p.lock.Unlock()
		return pid, ErrLockBusy
	}

	if err := os.WriteFile(p.path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0600); err != nil {
		_ = p.lock.Unlock()
		return 0, fmt.Errorf("writing pid file: %w", err)
	}
	return os.Getpid(), nil
}

// Read returns the PID recorded in the file.
func (p *PIDFile) Read() (int, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("malformed pid file %s: %w", p.path, err)
	}
	return pid, nil
}

// Release removes the PID file and drops the lock.
func (p *PIDFile) Release() error {
	err := os.Remove(p.path)
	if uerr := p.lock.Unlock(); uerr != nil && err == nil {
		err = uerr
	}
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

// IsOwnerRunning reports whether the recorded PID belongs to a live process.
func (p *PIDFile) IsOwnerRunning() bool {
	pid, err := p.Read()
	if err != nil {
		return false
	}
	return isProcessRunning(pid)
}
