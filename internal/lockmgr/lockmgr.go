// Package lockmgr provides short-lived, single-owner locks used to make sure
// only one drain pass runs at a time across every service instance.
//
// A lock is acquired with one atomic conditional write that creates the lock
// entry when it is absent or expired and sets its expiry in the same step.
// Each successful acquisition draws a fresh random owner id and a fencing
// token that increases by one on every grant of the same lock id. Callers
// that need strict exclusivity can compare tokens before writing; the drain
// pipeline only logs them.
//
// Release is best-effort: it clears the entry only while the caller's owner
// id is still the recorded one, so a holder whose lease already lapsed cannot
// drop a successor's lock. An unreleased lock expires on its own.
package lockmgr

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrInvalidLockID reports an empty lock id.
	ErrInvalidLockID = errors.New("lockmgr: lock id required")
	// ErrInvalidTTL reports a non-positive lock ttl.
	ErrInvalidTTL = errors.New("lockmgr: ttl must be positive")
)

// Lease describes a granted lock.
type Lease struct {
	LockID    string
	Owner     string
	Token     int64
	ExpiresAt time.Time
}

// Manager is implemented by every lock backend.
type Manager interface {
	// TryAcquire returns ok=false with a nil error when another owner holds the lock.
	TryAcquire(ctx context.Context, lockID string, ttl time.Duration) (lease Lease, ok bool, err error)
	// Release gives the lock back. Releasing a lock that is no longer owned is a no-op.
	Release(ctx context.Context, lease Lease) error
}

func validateAcquire(ctx context.Context, lockID string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if lockID == "" {
		return ErrInvalidLockID
	}
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	return nil
}

func newOwnerID() (string, error) {
	owner, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return owner.String(), nil
}
