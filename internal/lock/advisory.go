// Package lock provides MySQL advisory locks that keep two dbusreplay
// instances from rewriting the same catalog capture at once.
package lock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"time"
)

// ErrLockTimeout is returned when another session holds the lock.
var ErrLockTimeout = errors.New("lock acquisition timed out")

// Timeouts for GET_LOCK, in seconds.
const (
	TimeoutImmediate = 0
	TimeoutShort     = 1
	TimeoutMedium    = 10
	// TimeoutInfinite waits until the lock is free. MySQL treats negative
	// values as no timeout.
	TimeoutInfinite = -1
)

// maxLockNameLen is the MySQL limit on GET_LOCK names.
const maxLockNameLen = 64

const captureLockPrefix = "dbusreplay:capture:"

// AdvisoryLock is a named GET_LOCK held on one pinned connection. MySQL
// ties the lock to the session, so acquire and release must share it.
type AdvisoryLock struct {
	db       *sql.DB
	conn     *sql.Conn
	lockName string
}

// NewAdvisoryLock creates an unacquired lock called lockName.
func NewAdvisoryLock(db *sql.DB, lockName string) *AdvisoryLock {
	return &AdvisoryLock{db: db, lockName: lockName}
}

// NewCaptureLock creates the lock guarding the catalog capture called name.
func NewCaptureLock(db *sql.DB, name string) *AdvisoryLock {
	return NewAdvisoryLock(db, CaptureLockName(name))
}

// CaptureLockName builds "dbusreplay:capture:{name}". Characters outside
// [A-Za-z0-9_-] become underscores. Names that would exceed the MySQL limit
// are cut and suffixed with a hash of the full name so they stay distinct.
func CaptureLockName(name string) string {
	sanitized := strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			return r
		}
		return '_'
	}, name)

	full := captureLockPrefix + sanitized
	if len(full) <= maxLockNameLen {
		return full
	}
	h := fnv.New32a()
	h.Write([]byte(name))
	suffix := fmt.Sprintf("-%08x", h.Sum32())
	return full[:maxLockNameLen-len(suffix)] + suffix
}

// AcquireLock runs GET_LOCK with the given timeout in seconds. It reports
// false when the timeout elapsed with the lock held elsewhere.
//
// GET_LOCK returns 1 on success, 0 on timeout and NULL on error.
func (a *AdvisoryLock) AcquireLock(ctx context.Context, timeoutSeconds int) (bool, error) {
	if a.conn != nil {
		return true, nil
	}

	conn, err := a.db.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to reserve connection for lock %q: %w", a.lockName, err)
	}

	var result sql.NullInt64
	if err := conn.QueryRowContext(ctx, "SELECT GET_LOCK(?, ?)", a.lockName, timeoutSeconds).Scan(&result); err != nil {
		conn.Close()
		return false, fmt.Errorf("failed to execute GET_LOCK: %w", err)
	}
	if !result.Valid {
		conn.Close()
		return false, fmt.Errorf("GET_LOCK returned NULL for lock %q", a.lockName)
	}

	switch result.Int64 {
	case 1:
		a.conn = conn
		return true, nil
	case 0:
		conn.Close()
		return false, nil
	default:
		conn.Close()
		return false, fmt.Errorf("unexpected GET_LOCK return value: %d", result.Int64)
	}
}

// ReleaseLock runs RELEASE_LOCK and returns the pinned connection to the
// pool. It reports false when the lock was not held.
func (a *AdvisoryLock) ReleaseLock(ctx context.Context) (bool, error) {
	if a.conn == nil {
		return false, nil
	}
	conn := a.conn
	a.conn = nil
	defer conn.Close()

	var result sql.NullInt64
	if err := conn.QueryRowContext(ctx, "SELECT RELEASE_LOCK(?)", a.lockName).Scan(&result); err != nil {
		return false, fmt.Errorf("failed to execute RELEASE_LOCK: %w", err)
	}
	if !result.Valid {
		return false, fmt.Errorf("RELEASE_LOCK returned NULL for lock %q (lock did not exist)", a.lockName)
	}
	return result.Int64 == 1, nil
}

// IsHeld reports whether this instance holds the lock.
func (a *AdvisoryLock) IsHeld() bool {
	return a.conn != nil
}

// LockName returns the GET_LOCK name.
func (a *AdvisoryLock) LockName() string {
	return a.lockName
}

// TryAcquire is AcquireLock without waiting.
func (a *AdvisoryLock) TryAcquire(ctx context.Context) (bool, error) {
	return a.AcquireLock(ctx, TimeoutImmediate)
}

// AcquireOrFail waits TimeoutShort and returns ErrLockTimeout if the lock
// is still held elsewhere.
func (a *AdvisoryLock) AcquireOrFail(ctx context.Context) error {
	acquired, err := a.AcquireLock(ctx, TimeoutShort)
	if err != nil {
		return err
	}
	if !acquired {
		return fmt.Errorf("%w: lock %q is held by another instance", ErrLockTimeout, a.lockName)
	}
	return nil
}

// WithLock runs fn while holding the lock. The lock is released on every
// exit path, including a panic in fn.
func (a *AdvisoryLock) WithLock(ctx context.Context, timeoutSeconds int, fn func() error) error {
	acquired, err := a.AcquireLock(ctx, timeoutSeconds)
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !acquired {
		return fmt.Errorf("%w: lock %q is held by another instance", ErrLockTimeout, a.lockName)
	}

	defer func() {
		// ctx may already be cancelled here.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _ = a.ReleaseLock(releaseCtx)
	}()

	return fn()
}

// WithCaptureLock runs fn while holding the lock for capture name, failing
// fast with ErrLockTimeout when another writer has it.
func WithCaptureLock(ctx context.Context, db *sql.DB, name string, fn func() error) error {
	return NewCaptureLock(db, name).WithLock(ctx, TimeoutShort, fn)
}
