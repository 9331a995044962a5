package lockmgr

import (
	"context"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

var _ Manager = (*MemoryManager)(nil)

type memoryLock struct {
	owner     string
	token     int64
	expiresAt time.Time
}

// MemoryManager arbitrates locks between goroutines of a single process.
// Released entries are kept so fencing tokens keep increasing.
type MemoryManager struct {
	locks *xsync.MapOf[string, memoryLock]
	clock func() time.Time
}

// NewMemoryManager constructs an in-process lock manager.
func NewMemoryManager(clock func() time.Time) *MemoryManager {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryManager{
		locks: xsync.NewMapOf[string, memoryLock](),
		clock: clock,
	}
}

func (m *MemoryManager) TryAcquire(ctx context.Context, lockID string, ttl time.Duration) (Lease, bool, error) {
	if err := validateAcquire(ctx, lockID, ttl); err != nil {
		return Lease{}, false, err
	}
	owner, err := newOwnerID()
	if err != nil {
		return Lease{}, false, err
	}

	now := m.clock()
	granted := false
	current, _ := m.locks.Compute(lockID, func(old memoryLock, loaded bool) (memoryLock, bool) {
		if loaded && now.Before(old.expiresAt) {
			return old, false
		}
		granted = true
		return memoryLock{owner: owner, token: old.token + 1, expiresAt: now.Add(ttl)}, false
	})
	if !granted {
		return Lease{}, false, nil
	}
	return Lease{LockID: lockID, Owner: owner, Token: current.token, ExpiresAt: current.expiresAt}, true, nil
}

func (m *MemoryManager) Release(ctx context.Context, lease Lease) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.locks.Compute(lease.LockID, func(old memoryLock, loaded bool) (memoryLock, bool) {
		if !loaded {
			return old, true
		}
		if old.owner != lease.Owner {
			return old, false
		}
		return memoryLock{token: old.token}, false
	})
	return nil
}
