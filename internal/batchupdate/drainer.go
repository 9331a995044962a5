package batchupdate

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/bookmarks/backend/internal/bookmarks"
	"github.com/MarcoPoloResearchLab/bookmarks/backend/internal/lockmgr"
	"github.com/MarcoPoloResearchLab/bookmarks/backend/internal/stagekey"
	"github.com/MarcoPoloResearchLab/bookmarks/backend/internal/staging"
	"go.uber.org/zap"
)

const (
	// DefaultLockID names the lock shared by every drainer in the cluster.
	DefaultLockID = "bookmarks:batch-update:lock"
	// DefaultLockTTL bounds how long a crashed drainer can block the others.
	DefaultLockTTL = 10 * time.Second
	// DefaultInterval is the drain cadence.
	DefaultInterval = time.Second

	releaseTimeout = 2 * time.Second
)

var (
	errMissingLocks   = errors.New("batchupdate: lock manager is required")
	errMissingApplier = errors.New("batchupdate: applier is required")
)

// State is the drainer's position in its acquire/drain/release cycle.
type State int32

const (
	StateIdle State = iota
	StateAcquiring
	StateDraining
	StateReleasing
)

func (s State) String() string {
	switch s {
	case StateAcquiring:
		return "acquiring"
	case StateDraining:
		return "draining"
	case StateReleasing:
		return "releasing"
	default:
		return "idle"
	}
}

// UpdateApplier commits one key's coalesced fields.
type UpdateApplier interface {
	Apply(ctx context.Context, resourceID, credential string, fields map[string]string) (bookmarks.Bookmark, error)
}

// Purger is implemented by stores that can drop expired entries on demand.
type Purger interface {
	Purge(ctx context.Context) (int, error)
}

type DrainerConfig struct {
	Store    staging.Store
	Locks    lockmgr.Manager
	Codec    stagekey.Codec
	Applier  UpdateApplier
	LockID   string
	LockTTL  time.Duration
	Interval time.Duration
	PageSize int
	Metrics  *Metrics
	// OnApplied, when set, is called after each successful apply.
	OnApplied func(bookmarks.Bookmark)
	Clock     func() time.Time
	Logger    *zap.Logger
}

// PassReport summarizes one tick.
type PassReport struct {
	// Skipped is set when the tick found a pass already running in this process.
	Skipped     bool
	LockGranted bool
	Token       int64
	Purged      int
	Scanned     int
	Applied     int
	// Dropped counts keys deleted without a successful apply, by error class.
	Dropped  map[string]int
	Duration time.Duration
}

// Drainer periodically moves coalesced updates from the staging store into
// the system of record. Only the lock holder drains; every other tick is a no-op.
type Drainer struct {
	store     staging.Store
	locks     lockmgr.Manager
	codec     stagekey.Codec
	applier   UpdateApplier
	lockID    string
	lockTTL   time.Duration
	interval  time.Duration
	pageSize  int
	metrics   *Metrics
	onApplied func(bookmarks.Bookmark)
	clock     func() time.Time
	logger    *zap.Logger

	state atomic.Int32
}

func NewDrainer(cfg DrainerConfig) (*Drainer, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Locks == nil {
		return nil, errMissingLocks
	}
	if cfg.Codec == nil {
		return nil, errMissingCodec
	}
	if cfg.Applier == nil {
		return nil, errMissingApplier
	}

	lockID := cfg.LockID
	if lockID == "" {
		lockID = DefaultLockID
	}
	lockTTL := cfg.LockTTL
	if lockTTL <= 0 {
		lockTTL = DefaultLockTTL
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = staging.DefaultPageSize
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Drainer{
		store:     cfg.Store,
		locks:     cfg.Locks,
		codec:     cfg.Codec,
		applier:   cfg.Applier,
		lockID:    lockID,
		lockTTL:   lockTTL,
		interval:  interval,
		pageSize:  pageSize,
		metrics:   cfg.Metrics,
		onApplied: cfg.OnApplied,
		clock:     clock,
		logger:    logger,
	}, nil
}

// State reports the drainer's current state.
func (d *Drainer) State() State {
	return State(d.state.Load())
}

// Run ticks at the configured interval until ctx is cancelled. Pass failures
// are logged and never stop the loop.
func (d *Drainer) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.logger.Info("drainer started",
		zap.String("lock_id", d.lockID),
		zap.Duration("interval", d.interval),
		zap.Duration("lock_ttl", d.lockTTL))

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("drainer stopped")
			return nil
		case <-ticker.C:
			if _, err := d.RunOnce(ctx); err != nil && ctx.Err() == nil {
				d.logger.Error("drain pass failed",
					zap.String("operation", "batchupdate.drain"),
					zap.String("reason", "pass_failed"),
					zap.Error(err))
			}
		}
	}
}

// RunOnce performs a single acquire, drain, release cycle. A call made while
// another pass of this drainer is in flight returns immediately with Skipped set.
func (d *Drainer) RunOnce(ctx context.Context) (PassReport, error) {
	if !d.state.CompareAndSwap(int32(StateIdle), int32(StateAcquiring)) {
		d.metrics.observePass(passSkipped)
		return PassReport{Skipped: true}, nil
	}
	defer d.state.Store(int32(StateIdle))

	lease, granted, err := d.locks.TryAcquire(ctx, d.lockID, d.lockTTL)
	if err != nil {
		d.metrics.observePass(passFailed)
		return PassReport{}, err
	}
	if !granted {
		d.metrics.observePass(passDenied)
		d.logger.Debug("drain lock held elsewhere", zap.String("lock_id", d.lockID))
		return PassReport{}, nil
	}
	d.metrics.observePass(passGranted)

	defer func() {
		d.state.Store(int32(StateReleasing))
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if releaseErr := d.locks.Release(releaseCtx, lease); releaseErr != nil {
			d.logger.Warn("drain lock release failed",
				zap.String("lock_id", d.lockID),
				zap.Int64("token", lease.Token),
				zap.Error(releaseErr))
		}
	}()

	d.state.Store(int32(StateDraining))
	started := d.clock()
	report, err := d.drain(ctx)
	report.LockGranted = true
	report.Token = lease.Token
	report.Duration = d.clock().Sub(started)
	d.metrics.observeDuration(report.Duration)

	if report.Scanned > 0 || err != nil {
		d.logger.Info("drain pass complete",
			zap.Int64("token", report.Token),
			zap.Int("scanned", report.Scanned),
			zap.Int("applied", report.Applied),
			zap.Any("dropped", report.Dropped),
			zap.Duration("duration", report.Duration))
	}
	return report, err
}

func (d *Drainer) drain(ctx context.Context) (PassReport, error) {
	report := PassReport{Dropped: map[string]int{}}

	if purger, ok := d.store.(Purger); ok {
		purged, err := purger.Purge(ctx)
		if err != nil {
			d.logger.Warn("purge expired staged entries failed", zap.Error(err))
		}
		report.Purged = purged
		d.metrics.observePurged(purged)
	}

	for key, err := range staging.ScanAll(ctx, d.store, d.codec.Pattern(), d.pageSize) {
		if err != nil {
			return report, err
		}
		report.Scanned++
		d.drainKey(ctx, key, &report)
	}
	return report, nil
}

// drainKey applies one key and deletes it whatever the outcome. A key whose
// fields could not be read is left for the next pass.
func (d *Drainer) drainKey(ctx context.Context, key string, report *PassReport) {
	fields, err := d.store.ListFields(ctx, key)
	if err != nil {
		d.logger.Warn("read staged fields failed", zap.Error(err))
		return
	}
	defer d.deleteKey(ctx, key)

	if len(fields) == 0 {
		d.metrics.observeKey(keyEmpty)
		return
	}

	resourceID, credential, err := d.codec.Decode(key)
	if err != nil {
		d.drop(report, "", err)
		return
	}

	updated, err := d.applier.Apply(ctx, resourceID, credential, fields)
	if err != nil {
		d.drop(report, resourceID, err)
		return
	}
	report.Applied++
	if d.onApplied != nil {
		d.onApplied(updated)
	}
	d.metrics.observeKey(keyApplied)
	d.logger.Debug("staged update applied",
		zap.String("resource_id", resourceID),
		zap.Int("fields", len(fields)))
}

func (d *Drainer) drop(report *PassReport, resourceID string, err error) {
	class := Classify(err)
	report.Dropped[class]++
	d.metrics.observeKey(class)

	fields := []zap.Field{
		zap.String("operation", "batchupdate.apply"),
		zap.String("reason", class),
		zap.Error(err),
	}
	if resourceID != "" {
		fields = append(fields, zap.String("resource_id", resourceID))
	}
	switch class {
	case ClassApply, ClassConflict:
		d.logger.Error("staged update dropped", fields...)
	default:
		d.logger.Warn("staged update dropped", fields...)
	}
}

func (d *Drainer) deleteKey(ctx context.Context, key string) {
	if err := d.store.DeleteKey(context.WithoutCancel(ctx), key); err != nil {
		d.logger.Warn("delete staged key failed", zap.Error(err))
	}
}
