// Package staging implements the coalescing store: a shared keyed store where
// each key holds a set of named fields, writes merge per field with the last
// write winning, and every key carries a rolling expiry.
package staging

import (
	"context"
	"errors"
	"iter"
	"strings"
	"time"
)

const (
	// DefaultTTL is the rolling expiry applied to staged keys.
	DefaultTTL = time.Hour
	// DefaultPageSize bounds the number of keys returned by one Scan call.
	DefaultPageSize = 100
)

var (
	// ErrInvalidKey reports an empty staging key.
	ErrInvalidKey = errors.New("staging: key required")
	// ErrInvalidField reports an empty field name.
	ErrInvalidField = errors.New("staging: field required")
	// ErrInvalidTTL reports a non-positive expiry.
	ErrInvalidTTL = errors.New("staging: ttl must be positive")
)

// Store is the contract shared by every coalescing store backend.
//
// Scan pages through live keys matching match in key order. An empty cursor
// starts a scan and an empty next cursor signals completion. match is either
// an exact key or a prefix followed by a single trailing "*".
type Store interface {
	StageField(ctx context.Context, key, field, value string) error
	ResetExpiry(ctx context.Context, key string, ttl time.Duration) error
	ListFields(ctx context.Context, key string) (map[string]string, error)
	Scan(ctx context.Context, cursor, match string, count int) (keys []string, next string, err error)
	DeleteKey(ctx context.Context, key string) error
}

// ScanAll lazily walks every key matching match, one Scan page at a time.
// Keys deleted or added while the walk is in progress may or may not be seen.
func ScanAll(ctx context.Context, store Store, match string, pageSize int) iter.Seq2[string, error] {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return func(yield func(string, error) bool) {
		cursor := ""
		for {
			if err := ctx.Err(); err != nil {
				yield("", err)
				return
			}
			keys, next, err := store.Scan(ctx, cursor, match, pageSize)
			if err != nil {
				yield("", err)
				return
			}
			for _, key := range keys {
				if !yield(key, nil) {
					return
				}
			}
			if next == "" {
				return
			}
			cursor = next
		}
	}
}

// pattern is a parsed scan match expression.
type pattern struct {
	value  string
	prefix bool
}

func parsePattern(match string) pattern {
	if strings.HasSuffix(match, "*") {
		return pattern{value: strings.TrimSuffix(match, "*"), prefix: true}
	}
	return pattern{value: match}
}

func (p pattern) matches(key string) bool {
	if p.prefix {
		return strings.HasPrefix(key, p.value)
	}
	return key == p.value
}

// nextCursor returns the cursor following a page; a short page ends the scan.
func nextCursor(keys []string, count int) string {
	if len(keys) < count || len(keys) == 0 {
		return ""
	}
	return keys[len(keys)-1]
}

func normalizeCount(count int) int {
	if count <= 0 {
		return DefaultPageSize
	}
	return count
}
