package batchupdate

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/bookmarks/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/bookmarks/backend/internal/bookmarks"
)

var (
	errMissingValidator = errors.New("batchupdate: credential validator is required")
	errMissingBookmarks = errors.New("batchupdate: bookmark service is required")
)

// CredentialValidator re-validates the caller credential captured at ingress.
type CredentialValidator interface {
	ValidateToken(token string) (auth.SessionClaims, error)
}

// BookmarkUpdater commits a patch to the system of record.
type BookmarkUpdater interface {
	ApplyBookmarkUpdate(ctx context.Context, ownerID bookmarks.OwnerID, bookmarkID bookmarks.BookmarkID, patch bookmarks.Patch) (bookmarks.Bookmark, error)
}

type ApplierConfig struct {
	Validator CredentialValidator
	Bookmarks BookmarkUpdater
}

// Applier turns one key's coalesced fields into a single bookmark update.
type Applier struct {
	validator CredentialValidator
	bookmarks BookmarkUpdater
}

func NewApplier(cfg ApplierConfig) (*Applier, error) {
	if cfg.Validator == nil {
		return nil, errMissingValidator
	}
	if cfg.Bookmarks == nil {
		return nil, errMissingBookmarks
	}
	return &Applier{validator: cfg.Validator, bookmarks: cfg.Bookmarks}, nil
}

// Apply validates the credential, builds the patch and commits it as the
// credential's owner. Returned errors wrap ErrUnauthorized, ErrNotFound,
// ErrConflict or ErrApply.
func (a *Applier) Apply(ctx context.Context, resourceID, credential string, fields map[string]string) (bookmarks.Bookmark, error) {
	claims, err := a.validator.ValidateToken(credential)
	if err != nil {
		return bookmarks.Bookmark{}, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	ownerID, err := bookmarks.NewOwnerID(claims.UserID)
	if err != nil {
		return bookmarks.Bookmark{}, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	bookmarkID, err := bookmarks.NewBookmarkID(resourceID)
	if err != nil {
		return bookmarks.Bookmark{}, fmt.Errorf("%w: %w", ErrNotFound, err)
	}

	patch, err := buildPatch(fields)
	if err != nil {
		return bookmarks.Bookmark{}, err
	}

	updated, err := a.bookmarks.ApplyBookmarkUpdate(ctx, ownerID, bookmarkID, patch)
	switch {
	case err == nil:
		return updated, nil
	case errors.Is(err, bookmarks.ErrBookmarkNotFound):
		return bookmarks.Bookmark{}, fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, bookmarks.ErrNameConflict):
		return bookmarks.Bookmark{}, fmt.Errorf("%w: %w", ErrConflict, err)
	default:
		return bookmarks.Bookmark{}, fmt.Errorf("%w: %w", ErrApply, err)
	}
}
