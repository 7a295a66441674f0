package camera

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"
)

const (
	// lockGrace is headroom added to the caller's duration estimate.
	lockGrace = 10 * time.Second

	// lockMinTTL is the floor for a computed expiry, so very short
	// estimates still survive slow subprocess startup.
	lockMinTTL = 30 * time.Second

	// lockFallbackTTL applies when a lock record carries no usable
	// expiry of its own.
	lockFallbackTTL = 2 * time.Minute
)

// lockRecord is the JSON payload persisted to the lock file.
type lockRecord struct {
	PID       int       `json:"pid"`
	Note      string    `json:"note,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ResourceLock is the dual-layer mutual exclusion guarding the physical
// camera: an in-process flag plus a durable lock file with staleness
// detection, so a crashed holder cannot wedge the device forever.
type ResourceLock struct {
	path string
	log  *slog.Logger
	now  func() time.Time

	mu   sync.Mutex
	held bool
}

// NewResourceLock returns a lock backed by the file at path.
func NewResourceLock(path string, log *slog.Logger) *ResourceLock {
	return &ResourceLock{path: path, log: log, now: time.Now}
}

// TryAcquire attempts to take the lock for roughly expected duration.
// It returns (false, nil) when the lock is held; acquisition failures are
// a boolean, never an error, so callers can answer "busy" directly.
// Only unexpected lock-file I/O faults surface as the error value.
func (l *ResourceLock) TryAcquire(expected time.Duration, note string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.cleanupStaleLocked(); err != nil {
		return false, err
	}
	if l.held {
		return false, nil
	}

	ok, err := l.createLocked(expected, note)
	if err != nil {
		return false, err
	}
	if !ok {
		// A record exists. Re-check staleness once and retry, in case
		// the holder expired between our cleanup and the create.
		if err := l.cleanupStaleLocked(); err != nil {
			return false, err
		}
		ok, err = l.createLocked(expected, note)
		if err != nil {
			return false, err
		}
	}
	if ok {
		l.held = true
	}
	return ok, nil
}

// Release clears the in-process flag and deletes the lock record. It is
// idempotent and tolerates the record already being absent.
func (l *ResourceLock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.held = false
	if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove lock file: %w", err)
	}
	return nil
}

// IsBusy reports whether the in-process flag is set or a non-stale lock
// record exists. Stale records are deleted as a side effect.
func (l *ResourceLock) IsBusy() (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held {
		return true, nil
	}
	if err := l.cleanupStaleLocked(); err != nil {
		return false, err
	}
	if _, err := os.Stat(l.path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("stat lock file: %w", err)
	}
	return true, nil
}

// createLocked attempts the exclusive create-only write of a lock record.
// It returns (false, nil) when the file already exists.
func (l *ResourceLock) createLocked(expected time.Duration, note string) (bool, error) {
	now := l.now()
	expiry := now.Add(expected + lockGrace)
	if floor := now.Add(lockMinTTL); expiry.Before(floor) {
		expiry = floor
	}

	f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return false, nil
		}
		return false, fmt.Errorf("create lock file: %w", err)
	}
	defer f.Close()

	rec := lockRecord{
		PID:       os.Getpid(),
		Note:      note,
		CreatedAt: now.UTC(),
		ExpiresAt: expiry.UTC(),
	}
	if err := json.NewEncoder(f).Encode(&rec); err != nil {
		os.Remove(l.path)
		return false, fmt.Errorf("write lock record: %w", err)
	}
	return true, nil
}

// cleanupStaleLocked deletes the lock record if its computed expiry has
// passed. Absence of the record is not an error.
func (l *ResourceLock) cleanupStaleLocked() error {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read lock file: %w", err)
	}

	expiry := l.expiryOf(data)
	if !l.now().After(expiry) {
		return nil
	}

	if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove stale lock file: %w", err)
	}
	l.log.Info("removed stale camera lock", slog.String("path", l.path), slog.Time("expired_at", expiry))
	return nil
}

// expiryOf derives the lock's expiry from, in order of preference: the
// record's declared expires_at, its created_at plus the fallback TTL, or
// the file's mtime plus the fallback TTL when the record is unparseable.
func (l *ResourceLock) expiryOf(data []byte) time.Time {
	var rec lockRecord
	if err := json.Unmarshal(data, &rec); err == nil {
		if !rec.ExpiresAt.IsZero() {
			return rec.ExpiresAt
		}
		if !rec.CreatedAt.IsZero() {
			return rec.CreatedAt.Add(lockFallbackTTL)
		}
	}
	if info, err := os.Stat(l.path); err == nil {
		return info.ModTime().Add(lockFallbackTTL)
	}
	// The file vanished mid-check; treat as already expired.
	return time.Time{}
}
