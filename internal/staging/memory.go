package staging

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

const defaultGCInterval = time.Minute

// MemoryStoreConfig configures an in-process store.
type MemoryStoreConfig struct {
	// FallbackTTL is applied to keys created by StageField until ResetExpiry runs.
	FallbackTTL time.Duration
	// GCInterval controls how often expired keys are purged. Negative disables the collector.
	GCInterval time.Duration
	Clock      func() time.Time
}

// MemoryStore keeps staged hashes in process memory. It only coalesces writes
// made inside one process and is meant for single-instance deployments and tests.
//
// Entries are never mutated in place: every write computes a fresh entry under
// the per-key Compute so readers always see a consistent field set.
type MemoryStore struct {
	entries     *xsync.MapOf[string, memoryEntry]
	fallbackTTL time.Duration
	clock       func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

type memoryEntry struct {
	fields    map[string]string
	expiresAt time.Time
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// NewMemoryStore constructs an in-process store and starts its collector.
func NewMemoryStore(cfg MemoryStoreConfig) *MemoryStore {
	fallback := cfg.FallbackTTL
	if fallback <= 0 {
		fallback = DefaultTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	store := &MemoryStore{
		entries:     xsync.NewMapOf[string, memoryEntry](),
		fallbackTTL: fallback,
		clock:       clock,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}

	interval := cfg.GCInterval
	if interval == 0 {
		interval = defaultGCInterval
	}
	if interval > 0 {
		go store.collect(interval)
	} else {
		close(store.done)
	}
	return store
}

// Close stops the collector.
func (s *MemoryStore) Close() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
	<-s.done
}

func (s *MemoryStore) StageField(ctx context.Context, key, field, value string) error {
	if err := validateWrite(ctx, key, field); err != nil {
		return err
	}
	now := s.clock()
	s.entries.Compute(key, func(old memoryEntry, loaded bool) (memoryEntry, bool) {
		next := memoryEntry{expiresAt: now.Add(s.fallbackTTL)}
		if loaded && !old.expired(now) {
			next.fields = maps.Clone(old.fields)
			next.expiresAt = old.expiresAt
		}
		if next.fields == nil {
			next.fields = make(map[string]string, 1)
		}
		next.fields[field] = value
		return next, false
	})
	return nil
}

func (s *MemoryStore) ResetExpiry(ctx context.Context, key string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if key == "" {
		return ErrInvalidKey
	}
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	now := s.clock()
	s.entries.Compute(key, func(old memoryEntry, loaded bool) (memoryEntry, bool) {
		if !loaded || old.expired(now) {
			return old, true
		}
		return memoryEntry{fields: old.fields, expiresAt: now.Add(ttl)}, false
	})
	return nil
}

func (s *MemoryStore) ListFields(ctx context.Context, key string) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entry, ok := s.entries.Load(key)
	if !ok || entry.expired(s.clock()) {
		return map[string]string{}, nil
	}
	return maps.Clone(entry.fields), nil
}

// Scan walks a sorted snapshot of the live keys, so each call costs O(n) in the
// number of staged keys.
func (s *MemoryStore) Scan(ctx context.Context, cursor, match string, count int) ([]string, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	count = normalizeCount(count)
	matcher := parsePattern(match)
	now := s.clock()

	candidates := make([]string, 0)
	s.entries.Range(func(key string, entry memoryEntry) bool {
		if key > cursor && matcher.matches(key) && !entry.expired(now) {
			candidates = append(candidates, key)
		}
		return true
	})
	slices.Sort(candidates)
	if len(candidates) > count {
		candidates = candidates[:count]
	}
	return candidates, nextCursor(candidates, count), nil
}

func (s *MemoryStore) DeleteKey(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.entries.Delete(key)
	return nil
}

// Purge removes every expired key and reports how many were dropped.
func (s *MemoryStore) Purge(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	now := s.clock()
	expired := make([]string, 0)
	s.entries.Range(func(key string, entry memoryEntry) bool {
		if entry.expired(now) {
			expired = append(expired, key)
		}
		return true
	})

	purged := 0
	for _, key := range expired {
		s.entries.Compute(key, func(old memoryEntry, loaded bool) (memoryEntry, bool) {
			// re-check: the key may have been rewritten since the range snapshot
			if loaded && old.expired(now) {
				purged++
				return old, true
			}
			return old, !loaded
		})
	}
	return purged, nil
}

// Len returns the number of live keys.
func (s *MemoryStore) Len() int {
	now := s.clock()
	live := 0
	s.entries.Range(func(_ string, entry memoryEntry) bool {
		if !entry.expired(now) {
			live++
		}
		return true
	})
	return live
}

func (s *MemoryStore) collect(interval time.Duration) {
	defer close(s.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			_, _ = s.Purge(context.Background())
		}
	}
}

func validateWrite(ctx context.Context, key, field string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if key == "" {
		return ErrInvalidKey
	}
	if field == "" {
		return ErrInvalidField
	}
	return nil
}
