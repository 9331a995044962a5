package staging

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type purger interface {
	Purge(ctx context.Context) (int, error)
}

type storeFactory func(t *testing.T, clock *fakeClock) Store

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "staging.db")), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&StagedField{}))
	return db
}

func backends() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T, clock *fakeClock) Store {
			store := NewMemoryStore(MemoryStoreConfig{Clock: clock.Now, GCInterval: -1})
			t.Cleanup(store.Close)
			return store
		},
		"sql": func(t *testing.T, clock *fakeClock) Store {
			store, err := NewSQLStore(SQLStoreConfig{Database: openTestDatabase(t), Clock: clock.Now})
			require.NoError(t, err)
			return store
		},
	}
}

func forEachBackend(t *testing.T, run func(t *testing.T, store Store, clock *fakeClock)) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			clock := newFakeClock()
			run(t, factory(t, clock), clock)
		})
	}
}

func TestStoreLastWriteWinsPerField(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store, _ *fakeClock) {
		ctx := context.Background()
		require.NoError(t, store.StageField(ctx, "k1", "title", "A"))
		require.NoError(t, store.StageField(ctx, "k1", "note", "first"))
		require.NoError(t, store.StageField(ctx, "k1", "title", "B"))
		require.NoError(t, store.StageField(ctx, "k1", "note", "x"))
		require.NoError(t, store.ResetExpiry(ctx, "k1", DefaultTTL))

		fields, err := store.ListFields(ctx, "k1")
		require.NoError(t, err)
		if diff := cmp.Diff(map[string]string{"title": "B", "note": "x"}, fields); diff != "" {
			t.Fatalf("unexpected fields (-want +got):\n%s", diff)
		}
	})
}

func TestStoreKeysAreIsolated(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store, _ *fakeClock) {
		ctx := context.Background()
		require.NoError(t, store.StageField(ctx, "k1", "title", "one"))
		require.NoError(t, store.StageField(ctx, "k2", "title", "two"))

		first, err := store.ListFields(ctx, "k1")
		require.NoError(t, err)
		second, err := store.ListFields(ctx, "k2")
		require.NoError(t, err)
		assert.Equal(t, "one", first["title"])
		assert.Equal(t, "two", second["title"])

		missing, err := store.ListFields(ctx, "absent")
		require.NoError(t, err)
		assert.Empty(t, missing)
	})
}

func TestStoreExpiredKeysDisappear(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store, clock *fakeClock) {
		ctx := context.Background()
		require.NoError(t, store.StageField(ctx, "bookmarks:update:stale", "title", "old"))
		require.NoError(t, store.ResetExpiry(ctx, "bookmarks:update:stale", time.Minute))
		require.NoError(t, store.StageField(ctx, "bookmarks:update:fresh", "title", "new"))
		require.NoError(t, store.ResetExpiry(ctx, "bookmarks:update:fresh", time.Hour))

		clock.Advance(2 * time.Minute)

		keys, next, err := store.Scan(ctx, "", "bookmarks:update:*", 10)
		require.NoError(t, err)
		assert.Equal(t, []string{"bookmarks:update:fresh"}, keys)
		assert.Empty(t, next)

		fields, err := store.ListFields(ctx, "bookmarks:update:stale")
		require.NoError(t, err)
		assert.Empty(t, fields)

		purged, err := store.(purger).Purge(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, purged)
	})
}

func TestStoreResetExpiryExtendsLifetime(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store, clock *fakeClock) {
		ctx := context.Background()
		require.NoError(t, store.StageField(ctx, "k", "title", "a"))
		require.NoError(t, store.ResetExpiry(ctx, "k", time.Minute))
		clock.Advance(50 * time.Second)
		require.NoError(t, store.StageField(ctx, "k", "note", "b"))
		require.NoError(t, store.ResetExpiry(ctx, "k", time.Minute))
		clock.Advance(50 * time.Second)

		fields, err := store.ListFields(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"title": "a", "note": "b"}, fields)
	})
}

func TestStoreFieldWriteWithoutResetStillExpires(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store, clock *fakeClock) {
		ctx := context.Background()
		require.NoError(t, store.StageField(ctx, "k", "title", "orphan"))
		clock.Advance(DefaultTTL + time.Second)

		keys, _, err := store.Scan(ctx, "", "*", 10)
		require.NoError(t, err)
		assert.Empty(t, keys)
	})
}

func TestStoreScanPagesWithCursor(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store, _ *fakeClock) {
		ctx := context.Background()
		expected := make([]string, 0, 25)
		for index := 0; index < 25; index++ {
			key := fmt.Sprintf("bookmarks:update:%03d", index)
			expected = append(expected, key)
			require.NoError(t, store.StageField(ctx, key, "title", "t"))
			require.NoError(t, store.StageField(ctx, key, "note", "n"))
		}
		require.NoError(t, store.StageField(ctx, "other:update:1", "title", "t"))

		seen := make([]string, 0, 25)
		cursor := ""
		pages := 0
		for {
			keys, next, err := store.Scan(ctx, cursor, "bookmarks:update:*", 10)
			require.NoError(t, err)
			assert.LessOrEqual(t, len(keys), 10)
			seen = append(seen, keys...)
			pages++
			if next == "" {
				break
			}
			cursor = next
		}
		assert.Equal(t, 3, pages)
		assert.Equal(t, expected, seen)
	})
}

func TestStoreScanToleratesDeletesDuringIteration(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store, _ *fakeClock) {
		ctx := context.Background()
		for index := 0; index < 12; index++ {
			require.NoError(t, store.StageField(ctx, fmt.Sprintf("k:%02d", index), "title", "t"))
		}

		seen := make([]string, 0, 12)
		for key, err := range ScanAll(ctx, store, "k:*", 5) {
			require.NoError(t, err)
			seen = append(seen, key)
			require.NoError(t, store.DeleteKey(ctx, key))
		}
		assert.Len(t, seen, 12)
		assert.True(t, sort.StringsAreSorted(seen))

		keys, _, err := store.Scan(ctx, "", "k:*", 5)
		require.NoError(t, err)
		assert.Empty(t, keys)
	})
}

func TestStoreDeleteMissingKeyIsNoop(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store, _ *fakeClock) {
		ctx := context.Background()
		require.NoError(t, store.DeleteKey(ctx, "never-staged"))
		require.NoError(t, store.StageField(ctx, "k", "title", "t"))
		require.NoError(t, store.DeleteKey(ctx, "k"))
		require.NoError(t, store.DeleteKey(ctx, "k"))
	})
}

func TestStoreExactMatchScan(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store, _ *fakeClock) {
		ctx := context.Background()
		require.NoError(t, store.StageField(ctx, "k:1", "title", "t"))
		require.NoError(t, store.StageField(ctx, "k:10", "title", "t"))

		keys, _, err := store.Scan(ctx, "", "k:1", 10)
		require.NoError(t, err)
		assert.Equal(t, []string{"k:1"}, keys)
	})
}

func TestStoreRejectsInvalidWrites(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store, _ *fakeClock) {
		ctx := context.Background()
		assert.ErrorIs(t, store.StageField(ctx, "", "title", "t"), ErrInvalidKey)
		assert.ErrorIs(t, store.StageField(ctx, "k", "", "t"), ErrInvalidField)
		assert.ErrorIs(t, store.ResetExpiry(ctx, "k", 0), ErrInvalidTTL)
	})
}

func TestStoreConcurrentWritersKeepLastValuePerField(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store, _ *fakeClock) {
		ctx := context.Background()
		fieldNames := []string{"title", "note", "url", "excerpt"}

		var wg sync.WaitGroup
		for _, field := range fieldNames {
			wg.Add(1)
			go func(field string) {
				defer wg.Done()
				for revision := 0; revision < 20; revision++ {
					assert.NoError(t, store.StageField(ctx, "k", field, fmt.Sprintf("%s-%02d", field, revision)))
				}
			}(field)
		}
		wg.Wait()

		fields, err := store.ListFields(ctx, "k")
		require.NoError(t, err)
		for _, field := range fieldNames {
			assert.Equal(t, field+"-19", fields[field])
		}
	})
}

func TestMemoryStoreCollectorPurgesExpiredKeys(t *testing.T) {
	store := NewMemoryStore(MemoryStoreConfig{GCInterval: 5 * time.Millisecond})
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.StageField(ctx, "k", "title", "t"))
	require.NoError(t, store.ResetExpiry(ctx, "k", time.Millisecond))

	require.Eventually(t, func() bool {
		_, ok := store.entries.Load("k")
		return !ok
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, store.Len())
}
