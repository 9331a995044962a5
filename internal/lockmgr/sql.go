package lockmgr

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	columnLockID      = "lock_id"
	columnOwner       = "owner"
	columnToken       = "token"
	columnExpiresAtMs = "expires_at_ms"
	queryLockOwner    = columnLockID + " = ? AND " + columnOwner + " = ?"
)

var (
	_ Manager = (*SQLManager)(nil)

	errMissingDatabase = errors.New("lockmgr: database handle is required")
)

// LockRecord is the persisted state of one named lock. A zero expiry marks a
// released lock; the row itself is kept so the token keeps increasing.
type LockRecord struct {
	LockID      string `gorm:"column:lock_id;primaryKey;size:190;not null"`
	Owner       string `gorm:"column:owner;size:64;not null;default:''"`
	Token       int64  `gorm:"column:token;not null;default:0"`
	ExpiresAtMs int64  `gorm:"column:expires_at_ms;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (LockRecord) TableName() string {
	return "drain_locks"
}

// SQLManager implements Manager on a relational table whose primary key is the
// lock id. Acquisition is a single upsert that only overwrites an expired row.
type SQLManager struct {
	db    *gorm.DB
	clock func() time.Time
}

// NewSQLManager constructs a lock manager over an already migrated database.
func NewSQLManager(db *gorm.DB, clock func() time.Time) (*SQLManager, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	if clock == nil {
		clock = time.Now
	}
	return &SQLManager{db: db, clock: clock}, nil
}

func (m *SQLManager) TryAcquire(ctx context.Context, lockID string, ttl time.Duration) (Lease, bool, error) {
	if err := validateAcquire(ctx, lockID, ttl); err != nil {
		return Lease{}, false, err
	}
	owner, err := newOwnerID()
	if err != nil {
		return Lease{}, false, err
	}

	now := m.clock()
	expiresAt := now.Add(ttl)
	record := LockRecord{
		LockID:      lockID,
		Owner:       owner,
		Token:       1,
		ExpiresAtMs: expiresAt.UnixMilli(),
	}

	// INSERT ... ON CONFLICT (lock_id) DO UPDATE ... WHERE drain_locks.expires_at_ms <= now
	result := m.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: columnLockID}},
			DoUpdates: clause.Set{
				{Column: clause.Column{Name: columnOwner}, Value: owner},
				{Column: clause.Column{Name: columnExpiresAtMs}, Value: expiresAt.UnixMilli()},
				{Column: clause.Column{Name: columnToken}, Value: gorm.Expr(record.TableName() + "." + columnToken + " + 1")},
			},
			Where: clause.Where{Exprs: []clause.Expression{
				gorm.Expr(record.TableName()+"."+columnExpiresAtMs+" <= ?", now.UnixMilli()),
			}},
		}).
		Create(&record)
	if result.Error != nil {
		return Lease{}, false, result.Error
	}
	if result.RowsAffected == 0 {
		return Lease{}, false, nil
	}

	var granted LockRecord
	err = m.db.WithContext(ctx).
		Where(queryLockOwner, lockID, owner).
		Take(&granted).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// the ttl lapsed and someone else took over before we read our row back
		return Lease{}, false, nil
	}
	if err != nil {
		return Lease{}, false, err
	}

	return Lease{
		LockID:    lockID,
		Owner:     owner,
		Token:     granted.Token,
		ExpiresAt: time.UnixMilli(granted.ExpiresAtMs),
	}, true, nil
}

func (m *SQLManager) Release(ctx context.Context, lease Lease) error {
	return m.db.WithContext(ctx).
		Model(&LockRecord{}).
		Where(queryLockOwner, lease.LockID, lease.Owner).
		Update(columnExpiresAtMs, 0).Error
}
