package bookmarks

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidBookmarkID indicates that a bookmark identifier is empty or exceeds storage bounds.
	ErrInvalidBookmarkID = errors.New("bookmarks: invalid bookmark id")
	// ErrInvalidOwnerID indicates that an owner identifier is empty or exceeds storage bounds.
	ErrInvalidOwnerID = errors.New("bookmarks: invalid owner id")
	// ErrInvalidPatch indicates that a patch carries a value the record cannot hold.
	ErrInvalidPatch = errors.New("bookmarks: invalid patch")
	// ErrBookmarkNotFound indicates that the bookmark does not exist for the owner.
	ErrBookmarkNotFound = errors.New("bookmarks: bookmark not found")
	// ErrNameConflict indicates a uniqueness collision while creating a tag or collection.
	ErrNameConflict = errors.New("bookmarks: name conflict")
)

// BookmarkID represents a validated bookmark identifier.
type BookmarkID string

// NewBookmarkID validates raw input and returns a BookmarkID.
func NewBookmarkID(rawInput string) (BookmarkID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidBookmarkID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidBookmarkID, maxIdentifierLength)
	}
	return BookmarkID(trimmed), nil
}

// String returns the underlying string identifier.
func (id BookmarkID) String() string {
	return string(id)
}

// OwnerID represents a validated owner identifier.
type OwnerID string

// NewOwnerID validates raw input and returns an OwnerID.
func NewOwnerID(rawInput string) (OwnerID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidOwnerID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidOwnerID, maxIdentifierLength)
	}
	return OwnerID(trimmed), nil
}

// String returns the underlying string identifier.
func (id OwnerID) String() string {
	return string(id)
}

// Bookmark is the system-of-record row for a saved link.
type Bookmark struct {
	BookmarkID       string  `gorm:"column:bookmark_id;primaryKey;size:190;not null"`
	OwnerID          string  `gorm:"column:owner_id;size:190;not null;index:idx_bookmarks_owner_updated,priority:1"`
	URL              string  `gorm:"column:url;type:text;not null"`
	Title            string  `gorm:"column:title;type:text;not null;default:''"`
	Note             string  `gorm:"column:note;type:text;not null;default:''"`
	Excerpt          string  `gorm:"column:excerpt;type:text;not null;default:''"`
	FaviconURL       string  `gorm:"column:favicon_url;type:text;not null;default:''"`
	CollectionID     *string `gorm:"column:collection_id;size:190;index"`
	CreatedAtSeconds int64   `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64   `gorm:"column:updated_at_s;not null;index:idx_bookmarks_owner_updated,priority:2"`
	Version          int64   `gorm:"column:version;not null;default:1"`

	CollectionName string   `gorm:"-"`
	TagNames       []string `gorm:"-"`
}

// TableName provides the explicit table binding for GORM.
func (Bookmark) TableName() string {
	return "bookmarks"
}

// Collection groups bookmarks under an owner-scoped unique name.
type Collection struct {
	CollectionID     string `gorm:"column:collection_id;primaryKey;size:190;not null"`
	OwnerID          string `gorm:"column:owner_id;size:190;not null;uniqueIndex:idx_collections_owner_name,priority:1"`
	Name             string `gorm:"column:name;size:190;not null;uniqueIndex:idx_collections_owner_name,priority:2"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Collection) TableName() string {
	return "collections"
}

// Tag is an owner-scoped label that can be joined to many bookmarks.
type Tag struct {
	TagID            string `gorm:"column:tag_id;primaryKey;size:190;not null"`
	OwnerID          string `gorm:"column:owner_id;size:190;not null;uniqueIndex:idx_tags_owner_name,priority:1"`
	Name             string `gorm:"column:name;size:190;not null;uniqueIndex:idx_tags_owner_name,priority:2"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Tag) TableName() string {
	return "tags"
}

// BookmarkTag joins a bookmark to a tag.
type BookmarkTag struct {
	BookmarkID       string `gorm:"column:bookmark_id;primaryKey;size:190;not null"`
	TagID            string `gorm:"column:tag_id;primaryKey;size:190;not null;index"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (BookmarkTag) TableName() string {
	return "bookmark_tags"
}

// Models lists every table owned by this package, in migration order.
func Models() []any {
	return []any{&Bookmark{}, &Collection{}, &Tag{}, &BookmarkTag{}}
}

// Patch carries a partial update. A nil field is left untouched; a non-nil
// field is assigned, including the empty string.
type Patch struct {
	Title          *string
	Note           *string
	URL            *string
	Excerpt        *string
	FaviconURL     *string
	CollectionName *string
	// TagNames replaces the bookmark's tag set when non-nil. An empty slice clears it.
	TagNames []string
	SetTags  bool
}

// IsEmpty reports whether the patch changes nothing.
func (p Patch) IsEmpty() bool {
	return p.Title == nil &&
		p.Note == nil &&
		p.URL == nil &&
		p.Excerpt == nil &&
		p.FaviconURL == nil &&
		p.CollectionName == nil &&
		!p.SetTags
}

// Draft describes a bookmark to create.
type Draft struct {
	BookmarkID string
	URL        string
	Title      string
	Note       string
	Excerpt    string
	FaviconURL string
	Collection string
	TagNames   []string
}

func normalizeNames(names []string) ([]string, error) {
	seen := make(map[string]struct{}, len(names))
	normalized := make([]string, 0, len(names))
	for _, raw := range names {
		name := strings.TrimSpace(raw)
		if name == "" {
			continue
		}
		if len(name) > maxIdentifierLength {
			return nil, fmt.Errorf("%w: name exceeds %d characters", ErrInvalidPatch, maxIdentifierLength)
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		normalized = append(normalized, name)
	}
	return normalized, nil
}
