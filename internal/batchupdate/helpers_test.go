package batchupdate

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/bookmarks/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/bookmarks/backend/internal/bookmarks"
	"github.com/MarcoPoloResearchLab/bookmarks/backend/internal/lockmgr"
	"github.com/MarcoPoloResearchLab/bookmarks/backend/internal/stagekey"
	"github.com/MarcoPoloResearchLab/bookmarks/backend/internal/staging"
	sqlite "github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const (
	testKeyHex        = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"
	testSigningSecret = "drain-secret"
	testIssuer        = "bookmarkd"
	testOwner         = "user-1"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
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

type idSequence struct {
	mu   sync.Mutex
	next int
}

func (s *idSequence) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	return fmt.Sprintf("id-%d", s.next), nil
}

// pipeline wires a stager and drainer over in-memory staging, in-memory locks
// and a sqlite system of record, all driven by one fake clock.
type pipeline struct {
	clock     *fakeClock
	store     *staging.MemoryStore
	locks     *lockmgr.MemoryManager
	codec     *stagekey.AESCodec
	issuer    *auth.SessionIssuer
	service   *bookmarks.Service
	stager    *Stager
	drainer   *Drainer
	applier   *Applier
	registry  *prometheus.Registry
	metrics   *Metrics
	db        *gorm.DB
	ownerID   bookmarks.OwnerID
	ownerAuth string
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)}

	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(bookmarks.Models()...))

	service, err := bookmarks.NewService(bookmarks.ServiceConfig{
		Database:   db,
		Clock:      clock.Now,
		IDProvider: &idSequence{},
	})
	require.NoError(t, err)

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		Clock:         clock.Now,
	})
	require.NoError(t, err)
	issuer, err := auth.NewSessionIssuer(auth.SessionIssuerConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		TokenTTL:      time.Hour,
		Clock:         clock.Now,
	})
	require.NoError(t, err)

	codec, err := stagekey.NewAESCodec(stagekey.Config{KeyHex: testKeyHex})
	require.NoError(t, err)

	store := staging.NewMemoryStore(staging.MemoryStoreConfig{GCInterval: -1, Clock: clock.Now})
	t.Cleanup(store.Close)
	locks := lockmgr.NewMemoryManager(clock.Now)

	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)

	stager, err := NewStager(StagerConfig{Store: store, Codec: codec, Metrics: metrics})
	require.NoError(t, err)
	applier, err := NewApplier(ApplierConfig{Validator: validator, Bookmarks: service})
	require.NoError(t, err)
	drainer, err := NewDrainer(DrainerConfig{
		Store:    store,
		Locks:    locks,
		Codec:    codec,
		Applier:  applier,
		PageSize: 2,
		Metrics:  metrics,
		Clock:    clock.Now,
	})
	require.NoError(t, err)

	ownerAuth, _, err := issuer.Issue(testOwner, "")
	require.NoError(t, err)

	return &pipeline{
		clock:     clock,
		store:     store,
		locks:     locks,
		codec:     codec,
		issuer:    issuer,
		service:   service,
		stager:    stager,
		drainer:   drainer,
		applier:   applier,
		registry:  registry,
		metrics:   metrics,
		db:        db,
		ownerID:   bookmarks.OwnerID(testOwner),
		ownerAuth: ownerAuth,
	}
}

func (p *pipeline) seed(t *testing.T, draft bookmarks.Draft) {
	t.Helper()
	_, err := p.service.CreateBookmark(context.Background(), p.ownerID, draft)
	require.NoError(t, err)
}

func (p *pipeline) bookmark(t *testing.T, id string) bookmarks.Bookmark {
	t.Helper()
	record, err := p.service.GetBookmark(context.Background(), p.ownerID, bookmarks.BookmarkID(id))
	require.NoError(t, err)
	return record
}

func (p *pipeline) schedule(t *testing.T, request UpdateRequest) Ack {
	t.Helper()
	if request.Credential == "" {
		request.Credential = p.ownerAuth
	}
	ack, err := p.stager.ScheduleUpdate(context.Background(), request)
	require.NoError(t, err)
	return ack
}

func stringPointer(value string) *string {
	return &value
}
