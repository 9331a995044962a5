package staging

import (
	"context"
	"errors"
	"time"
	"unicode/utf8"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	columnStageKey    = "stage_key"
	columnField       = "field"
	columnValue       = "value"
	columnUpdatedAtMs = "updated_at_ms"
	columnExpiresAtMs = "expires_at_ms"
	queryStageKey     = columnStageKey + " = ?"
	queryLive         = "(" + columnExpiresAtMs + " = 0 OR " + columnExpiresAtMs + " > ?)"
	queryPrefix       = "substr(" + columnStageKey + ", 1, ?) = ?"
	queryAfterCursor  = columnStageKey + " > ?"
	queryExpired      = columnExpiresAtMs + " > 0 AND " + columnExpiresAtMs + " <= ?"
)

var (
	_ Store = (*SQLStore)(nil)
	_ Store = (*MemoryStore)(nil)

	errMissingDatabase = errors.New("staging: database handle is required")
)

// StagedField stores one field of one staged key. Every row of a key carries
// the same expiry once ResetExpiry has run.
type StagedField struct {
	StageKey    string `gorm:"column:stage_key;primaryKey;size:2048;not null"`
	Field       string `gorm:"column:field;primaryKey;size:64;not null"`
	Value       string `gorm:"column:value;type:text;not null"`
	UpdatedAtMs int64  `gorm:"column:updated_at_ms;not null"`
	ExpiresAtMs int64  `gorm:"column:expires_at_ms;not null;default:0;index:idx_staged_fields_expiry"`
}

// TableName provides the explicit table binding for GORM.
func (StagedField) TableName() string {
	return "staged_fields"
}

// SQLStoreConfig configures the relational store.
type SQLStoreConfig struct {
	Database    *gorm.DB
	FallbackTTL time.Duration
	Clock       func() time.Time
}

// SQLStore keeps staged hashes in a relational table so every service instance
// pointed at the same database shares one coalescing store.
type SQLStore struct {
	db          *gorm.DB
	fallbackTTL time.Duration
	clock       func() time.Time
}

// NewSQLStore constructs the relational store. The schema is expected to be
// migrated by the database package.
func NewSQLStore(cfg SQLStoreConfig) (*SQLStore, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	fallback := cfg.FallbackTTL
	if fallback <= 0 {
		fallback = DefaultTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &SQLStore{
		db:          cfg.Database,
		fallbackTTL: fallback,
		clock:       clock,
	}, nil
}

// StageField upserts a single field. The row gets the fallback expiry so a key
// is never left without one when the following ResetExpiry does not land.
func (s *SQLStore) StageField(ctx context.Context, key, field, value string) error {
	if err := validateWrite(ctx, key, field); err != nil {
		return err
	}
	now := s.clock()
	row := StagedField{
		StageKey:    key,
		Field:       field,
		Value:       value,
		UpdatedAtMs: now.UnixMilli(),
		ExpiresAtMs: now.Add(s.fallbackTTL).UnixMilli(),
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: columnStageKey}, {Name: columnField}},
			DoUpdates: clause.AssignmentColumns([]string{columnValue, columnUpdatedAtMs, columnExpiresAtMs}),
		}).
		Create(&row).Error
}

func (s *SQLStore) ResetExpiry(ctx context.Context, key string, ttl time.Duration) error {
	if key == "" {
		return ErrInvalidKey
	}
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	now := s.clock()
	return s.db.WithContext(ctx).
		Model(&StagedField{}).
		Where(queryStageKey, key).
		Where(queryLive, now.UnixMilli()).
		Update(columnExpiresAtMs, now.Add(ttl).UnixMilli()).Error
}

func (s *SQLStore) ListFields(ctx context.Context, key string) (map[string]string, error) {
	var rows []StagedField
	if err := s.db.WithContext(ctx).
		Where(queryStageKey, key).
		Where(queryLive, s.clock().UnixMilli()).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	fields := make(map[string]string, len(rows))
	for _, row := range rows {
		fields[row.Field] = row.Value
	}
	return fields, nil
}

// Scan uses keyset pagination on the primary key, so pages stay stable while
// keys are deleted behind the cursor.
func (s *SQLStore) Scan(ctx context.Context, cursor, match string, count int) ([]string, string, error) {
	count = normalizeCount(count)
	matcher := parsePattern(match)

	query := s.db.WithContext(ctx).
		Model(&StagedField{}).
		Distinct(columnStageKey).
		Where(queryLive, s.clock().UnixMilli())
	if matcher.prefix {
		if matcher.value != "" {
			query = query.Where(queryPrefix, utf8.RuneCountInString(matcher.value), matcher.value)
		}
	} else {
		query = query.Where(queryStageKey, matcher.value)
	}
	if cursor != "" {
		query = query.Where(queryAfterCursor, cursor)
	}

	var keys []string
	if err := query.Order(columnStageKey + " ASC").Limit(count).Pluck(columnStageKey, &keys).Error; err != nil {
		return nil, "", err
	}
	return keys, nextCursor(keys, count), nil
}

func (s *SQLStore) DeleteKey(ctx context.Context, key string) error {
	return s.db.WithContext(ctx).
		Where(queryStageKey, key).
		Delete(&StagedField{}).Error
}

// Purge deletes expired rows and reports how many were removed.
func (s *SQLStore) Purge(ctx context.Context) (int, error) {
	result := s.db.WithContext(ctx).
		Where(queryExpired, s.clock().UnixMilli()).
		Delete(&StagedField{})
	if result.Error != nil {
		return 0, result.Error
	}
	return int(result.RowsAffected), nil
}
