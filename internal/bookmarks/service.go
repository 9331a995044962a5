package bookmarks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew           = "bookmarks.service.new"
	opApplyBookmarkUpdate  = "bookmarks.apply_update"
	opCreateBookmark       = "bookmarks.create"
	opGetBookmark          = "bookmarks.get"
	fieldOwnerID           = "owner_id"
	fieldBookmarkID        = "bookmark_id"
	queryOwnerBookmark     = "owner_id = ? AND bookmark_id = ?"
	reasonMissingDatabase  = "missing_database"
	reasonNotFound         = "not_found"
	reasonSelectFailed     = "select_failed"
	reasonInvalidPatch     = "invalid_patch"
	reasonCollectionFailed = "collection_failed"
	reasonTagsFailed       = "tags_failed"
	reasonUpdateFailed     = "update_failed"
	reasonInsertFailed     = "insert_failed"
	reasonIDFailed         = "id_generation_failed"
	reasonLoadFailed       = "load_failed"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

type IDProvider interface {
	NewID() (string, error)
}

// Service is the system of record for bookmarks, their collection and their tags.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDatabase, errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// ApplyBookmarkUpdate commits a coalesced patch to one bookmark. Collection
// names are resolved (or created) and the tag set is reconciled inside the
// same transaction as the scalar assignments.
func (s *Service) ApplyBookmarkUpdate(ctx context.Context, ownerID OwnerID, bookmarkID BookmarkID, patch Patch) (Bookmark, error) {
	if s.db == nil {
		s.logError(opApplyBookmarkUpdate, reasonMissingDatabase, errMissingDatabase)
		return Bookmark{}, newServiceError(opApplyBookmarkUpdate, reasonMissingDatabase, errMissingDatabase)
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Bookmark
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where(queryOwnerBookmark, ownerID.String(), bookmarkID.String()).
			Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opApplyBookmarkUpdate, reasonNotFound, ErrBookmarkNotFound)
		}
		if err != nil {
			s.logError(opApplyBookmarkUpdate, reasonSelectFailed, err,
				zap.String(fieldOwnerID, ownerID.String()),
				zap.String(fieldBookmarkID, bookmarkID.String()))
			return newServiceError(opApplyBookmarkUpdate, reasonSelectFailed, err)
		}
		return s.applyPatch(tx, opApplyBookmarkUpdate, existing, patch)
	})
	if txErr != nil {
		return Bookmark{}, txErr
	}

	return s.GetBookmark(ctx, ownerID, bookmarkID)
}

// CreateBookmark inserts a bookmark and applies the draft's collection and tags.
func (s *Service) CreateBookmark(ctx context.Context, ownerID OwnerID, draft Draft) (Bookmark, error) {
	if s.db == nil {
		s.logError(opCreateBookmark, reasonMissingDatabase, errMissingDatabase)
		return Bookmark{}, newServiceError(opCreateBookmark, reasonMissingDatabase, errMissingDatabase)
	}
	if strings.TrimSpace(draft.URL) == "" {
		return Bookmark{}, newServiceError(opCreateBookmark, reasonInvalidPatch, fmt.Errorf("%w: url required", ErrInvalidPatch))
	}

	rawID := draft.BookmarkID
	if rawID == "" {
		generated, err := s.idProvider.NewID()
		if err != nil {
			s.logError(opCreateBookmark, reasonIDFailed, err, zap.String(fieldOwnerID, ownerID.String()))
			return Bookmark{}, newServiceError(opCreateBookmark, reasonIDFailed, err)
		}
		rawID = generated
	}
	bookmarkID, err := NewBookmarkID(rawID)
	if err != nil {
		return Bookmark{}, newServiceError(opCreateBookmark, reasonInvalidPatch, err)
	}

	nowSeconds := s.clock().UTC().Unix()
	record := Bookmark{
		BookmarkID:       bookmarkID.String(),
		OwnerID:          ownerID.String(),
		URL:              strings.TrimSpace(draft.URL),
		Title:            draft.Title,
		Note:             draft.Note,
		Excerpt:          draft.Excerpt,
		FaviconURL:       draft.FaviconURL,
		CreatedAtSeconds: nowSeconds,
		UpdatedAtSeconds: nowSeconds,
		Version:          1,
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&record).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return newServiceError(opCreateBookmark, reasonInsertFailed, fmt.Errorf("%w: bookmark %s", ErrNameConflict, bookmarkID))
			}
			s.logError(opCreateBookmark, reasonInsertFailed, err,
				zap.String(fieldOwnerID, ownerID.String()),
				zap.String(fieldBookmarkID, bookmarkID.String()))
			return newServiceError(opCreateBookmark, reasonInsertFailed, err)
		}
		if draft.Collection == "" && len(draft.TagNames) == 0 {
			return nil
		}
		patch := Patch{TagNames: draft.TagNames, SetTags: len(draft.TagNames) > 0}
		if draft.Collection != "" {
			collection := draft.Collection
			patch.CollectionName = &collection
		}
		return s.assignRelations(tx, opCreateBookmark, record, patch, nowSeconds, nil)
	})
	if txErr != nil {
		return Bookmark{}, txErr
	}

	return s.GetBookmark(ctx, ownerID, bookmarkID)
}

// GetBookmark loads a bookmark with its collection name and sorted tag names.
func (s *Service) GetBookmark(ctx context.Context, ownerID OwnerID, bookmarkID BookmarkID) (Bookmark, error) {
	if s.db == nil {
		s.logError(opGetBookmark, reasonMissingDatabase, errMissingDatabase)
		return Bookmark{}, newServiceError(opGetBookmark, reasonMissingDatabase, errMissingDatabase)
	}

	db := s.db.WithContext(ctx)
	var record Bookmark
	err := db.Where(queryOwnerBookmark, ownerID.String(), bookmarkID.String()).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Bookmark{}, newServiceError(opGetBookmark, reasonNotFound, ErrBookmarkNotFound)
	}
	if err != nil {
		s.logError(opGetBookmark, reasonSelectFailed, err,
			zap.String(fieldOwnerID, ownerID.String()),
			zap.String(fieldBookmarkID, bookmarkID.String()))
		return Bookmark{}, newServiceError(opGetBookmark, reasonSelectFailed, err)
	}

	tagNames, err := loadTagNames(db, record.BookmarkID)
	if err != nil {
		s.logError(opGetBookmark, reasonLoadFailed, err, zap.String(fieldBookmarkID, record.BookmarkID))
		return Bookmark{}, newServiceError(opGetBookmark, reasonLoadFailed, err)
	}
	record.TagNames = tagNames

	if record.CollectionID != nil {
		var collection Collection
		if err := db.Where("collection_id = ?", *record.CollectionID).Take(&collection).Error; err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			s.logError(opGetBookmark, reasonLoadFailed, err, zap.String(fieldBookmarkID, record.BookmarkID))
			return Bookmark{}, newServiceError(opGetBookmark, reasonLoadFailed, err)
		}
		record.CollectionName = collection.Name
	}

	return record, nil
}

func (s *Service) applyPatch(tx *gorm.DB, operation string, existing Bookmark, patch Patch) error {
	if patch.IsEmpty() {
		return nil
	}

	updates := map[string]interface{}{}
	if patch.Title != nil {
		updates["title"] = *patch.Title
	}
	if patch.Note != nil {
		updates["note"] = *patch.Note
	}
	if patch.Excerpt != nil {
		updates["excerpt"] = *patch.Excerpt
	}
	if patch.FaviconURL != nil {
		updates["favicon_url"] = strings.TrimSpace(*patch.FaviconURL)
	}
	if patch.URL != nil {
		trimmed := strings.TrimSpace(*patch.URL)
		if trimmed == "" {
			return newServiceError(operation, reasonInvalidPatch, fmt.Errorf("%w: url must not be empty", ErrInvalidPatch))
		}
		updates["url"] = trimmed
	}

	nowSeconds := s.clock().UTC().Unix()
	if err := s.assignRelations(tx, operation, existing, patch, nowSeconds, updates); err != nil {
		return err
	}

	updates["updated_at_s"] = nowSeconds
	updates["version"] = gorm.Expr("version + 1")
	if err := tx.Model(&Bookmark{}).
		Where(queryOwnerBookmark, existing.OwnerID, existing.BookmarkID).
		Updates(updates).Error; err != nil {
		s.logError(operation, reasonUpdateFailed, err,
			zap.String(fieldOwnerID, existing.OwnerID),
			zap.String(fieldBookmarkID, existing.BookmarkID))
		return newServiceError(operation, reasonUpdateFailed, err)
	}
	return nil
}

// assignRelations resolves the collection and reconciles tags. When updates is
// nil the collection id is written directly instead of being folded into it.
func (s *Service) assignRelations(tx *gorm.DB, operation string, record Bookmark, patch Patch, nowSeconds int64, updates map[string]interface{}) error {
	ownerID := OwnerID(record.OwnerID)

	if patch.CollectionName != nil {
		var collectionID *string
		name := strings.TrimSpace(*patch.CollectionName)
		if name != "" {
			collection, err := s.resolveCollection(tx, ownerID, name, nowSeconds)
			if err != nil {
				s.logError(operation, reasonCollectionFailed, err,
					zap.String(fieldOwnerID, record.OwnerID),
					zap.String(fieldBookmarkID, record.BookmarkID))
				return newServiceError(operation, reasonCollectionFailed, err)
			}
			collectionID = &collection.CollectionID
		}
		if updates != nil {
			updates["collection_id"] = collectionID
		} else if err := tx.Model(&Bookmark{}).
			Where(queryOwnerBookmark, record.OwnerID, record.BookmarkID).
			Update("collection_id", collectionID).Error; err != nil {
			return newServiceError(operation, reasonCollectionFailed, err)
		}
	}

	if patch.SetTags {
		if err := s.reconcileTags(tx, ownerID, BookmarkID(record.BookmarkID), patch.TagNames, nowSeconds); err != nil {
			s.logError(operation, reasonTagsFailed, err,
				zap.String(fieldOwnerID, record.OwnerID),
				zap.String(fieldBookmarkID, record.BookmarkID))
			return newServiceError(operation, reasonTagsFailed, err)
		}
	}
	return nil
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil {
		return noOpLogger
	}
	if s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("bookmarks service error", attrs...)
}
