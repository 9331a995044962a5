package batchupdate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/bookmarks/backend/internal/stagekey"
	"github.com/MarcoPoloResearchLab/bookmarks/backend/internal/staging"
	"go.uber.org/zap"
)

var (
	errMissingStore = errors.New("batchupdate: staging store is required")
	errMissingCodec = errors.New("batchupdate: key codec is required")
)

// Ack acknowledges a scheduled update. Fields counts the staged fields.
type Ack struct {
	ResourceID string
	Fields     int
}

type StagerConfig struct {
	Store   staging.Store
	Codec   stagekey.Codec
	TTL     time.Duration
	Metrics *Metrics
	Logger  *zap.Logger
}

// Stager writes partial updates into the coalescing store. It never touches
// the system of record.
type Stager struct {
	store   staging.Store
	codec   stagekey.Codec
	ttl     time.Duration
	metrics *Metrics
	logger  *zap.Logger
}

func NewStager(cfg StagerConfig) (*Stager, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Codec == nil {
		return nil, errMissingCodec
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = staging.DefaultTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Stager{
		store:   cfg.Store,
		codec:   cfg.Codec,
		ttl:     ttl,
		metrics: cfg.Metrics,
		logger:  logger,
	}, nil
}

// ScheduleUpdate stages every provided field under the (resource, credential)
// key and then pushes the key's expiry out by the configured TTL.
func (s *Stager) ScheduleUpdate(ctx context.Context, request UpdateRequest) (Ack, error) {
	resourceID := strings.TrimSpace(request.ResourceID)
	if resourceID == "" {
		return Ack{}, fmt.Errorf("%w: resource id required", ErrInvalidRequest)
	}
	if strings.TrimSpace(request.Credential) == "" {
		return Ack{}, fmt.Errorf("%w: credential required", ErrInvalidRequest)
	}

	key, err := s.codec.Encode(resourceID, request.Credential)
	if err != nil {
		if errors.Is(err, stagekey.ErrInvalidResourceID) {
			return Ack{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		s.logError("encode_failed", err, resourceID)
		return Ack{}, err
	}

	fields, err := request.stagedFields()
	if err != nil {
		return Ack{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	for name, value := range fields {
		if err := s.store.StageField(ctx, key, name, value); err != nil {
			s.logError("stage_failed", err, resourceID, zap.String("field", name))
			return Ack{}, err
		}
	}
	if len(fields) > 0 {
		if err := s.store.ResetExpiry(ctx, key, s.ttl); err != nil {
			s.logError("expire_failed", err, resourceID)
			return Ack{}, err
		}
	}

	s.metrics.observeScheduled(len(fields))
	s.logger.Debug("update scheduled",
		zap.String("resource_id", resourceID),
		zap.Int("fields", len(fields)))
	return Ack{ResourceID: resourceID, Fields: len(fields)}, nil
}

func (s *Stager) logError(reason string, err error, resourceID string, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", "batchupdate.schedule"),
		zap.String("reason", reason),
		zap.String("resource_id", resourceID),
		zap.Error(err),
	}
	s.logger.Error("schedule update failed", append(attrs, fields...)...)
}
