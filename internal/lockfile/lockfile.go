// Package lockfile provides advisory sidecar locks for record files.
// Every mutation in the system goes through WithLock; lock scope is the
// individual target file, so unrelated threads never contend.
package lockfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"
)

// ErrLockTimeout is returned when the lock cannot be acquired within the
// configured timeout. Callers treat it as retryable.
var ErrLockTimeout = errors.New("lock timeout")

const (
	// DefaultTimeout bounds how long Acquire blocks.
	DefaultTimeout = 10 * time.Second
	pollInterval   = 50 * time.Millisecond
)

// lockInfo is the sidecar file payload, used for stale-holder detection.
type lockInfo struct {
	PID        int   `json:"pid"`
	AcquiredAt int64 `json:"acquired_at"`
}

// Lock is a held advisory lock.
type Lock struct {
	path string
	file *os.File
}

// LockPath returns the sidecar path for a target file.
func LockPath(target string) string {
	return target + ".lock"
}

// Acquire blocks until the sidecar lock for target is held or the timeout
// expires. A sidecar whose holder process is no longer alive is reclaimed.
func Acquire(target string, timeout time.Duration) (*Lock, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	lockPath := LockPath(target)
	deadline := time.Now().Add(timeout)
	for {
		file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
		if err == nil {
			info := lockInfo{PID: os.Getpid(), AcquiredAt: time.Now().Unix()}
			data, merr := json.Marshal(info)
			if merr == nil {
				_, _ = file.Write(data)
			}
			return &Lock{path: lockPath, file: file}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("create lock %s: %w", lockPath, err)
		}
		if reclaimStale(lockPath) {
			continue
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %s", ErrLockTimeout, lockPath)
		}
		time.Sleep(pollInterval)
	}
}

// reclaimStale removes the sidecar when its holder is provably gone.
// Returns true when a retry should happen immediately.
func reclaimStale(lockPath string) bool {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		// Holder may have released between our open and read.
		return os.IsNotExist(err)
	}
	var info lockInfo
	if json.Unmarshal(data, &info) != nil || info.PID == 0 {
		// Unreadable sidecar: reclaim only once it is older than any
		// plausible in-flight write.
		if stat, serr := os.Stat(lockPath); serr == nil && time.Since(stat.ModTime()) > 2*DefaultTimeout {
			return os.Remove(lockPath) == nil
		}
		return false
	}
	if syscall.Kill(info.PID, 0) == nil {
		return false
	}
	return os.Remove(lockPath) == nil
}

// Release drops the lock. Safe to call twice.
func (l *Lock) Release() error {
	if l.file != nil {
		_ = l.file.Close()
		l.file = nil
	}
	err := os.Remove(l.path)
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

// WithLock runs fn while holding the lock for target, releasing on every
// exit path.
func WithLock(target string, fn func() error) error {
	return WithLockTimeout(target, DefaultTimeout, fn)
}

// WithLockTimeout is WithLock with an explicit acquisition timeout.
func WithLockTimeout(target string, timeout time.Duration, fn func() error) error {
	lock, err := Acquire(target, timeout)
	if err != nil {
		return err
	}
	defer lock.Release()
	return fn()
}
