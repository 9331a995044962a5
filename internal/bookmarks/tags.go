package bookmarks

import (
	"errors"
	"fmt"
	"sort"

	"gorm.io/gorm"
)

// reconcileTags makes the bookmark's tag set equal to desired. Missing owner
// tags are created; join rows of other bookmarks are never touched.
func (s *Service) reconcileTags(tx *gorm.DB, ownerID OwnerID, bookmarkID BookmarkID, desired []string, nowSeconds int64) error {
	names, err := normalizeNames(desired)
	if err != nil {
		return err
	}

	tagIDs := make(map[string]string, len(names))
	if len(names) > 0 {
		var existing []Tag
		if err := tx.Where("owner_id = ? AND name IN ?", ownerID.String(), names).Find(&existing).Error; err != nil {
			return err
		}
		for _, tag := range existing {
			tagIDs[tag.Name] = tag.TagID
		}
	}

	for _, name := range names {
		if _, ok := tagIDs[name]; ok {
			continue
		}
		tagID, err := s.idProvider.NewID()
		if err != nil {
			return err
		}
		tag := Tag{TagID: tagID, OwnerID: ownerID.String(), Name: name, CreatedAtSeconds: nowSeconds}
		if err := tx.Create(&tag).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return fmt.Errorf("%w: tag %q", ErrNameConflict, name)
			}
			return err
		}
		tagIDs[name] = tagID
	}

	var current []BookmarkTag
	if err := tx.Where("bookmark_id = ?", bookmarkID.String()).Find(&current).Error; err != nil {
		return err
	}

	wanted := make(map[string]struct{}, len(tagIDs))
	for _, tagID := range tagIDs {
		wanted[tagID] = struct{}{}
	}

	linked := make(map[string]struct{}, len(current))
	stale := make([]string, 0)
	for _, join := range current {
		linked[join.TagID] = struct{}{}
		if _, keep := wanted[join.TagID]; !keep {
			stale = append(stale, join.TagID)
		}
	}

	if len(stale) > 0 {
		if err := tx.Where("bookmark_id = ? AND tag_id IN ?", bookmarkID.String(), stale).
			Delete(&BookmarkTag{}).Error; err != nil {
			return err
		}
	}

	additions := make([]BookmarkTag, 0, len(names))
	for _, name := range names {
		tagID := tagIDs[name]
		if _, ok := linked[tagID]; ok {
			continue
		}
		additions = append(additions, BookmarkTag{BookmarkID: bookmarkID.String(), TagID: tagID, CreatedAtSeconds: nowSeconds})
	}
	if len(additions) > 0 {
		if err := tx.Create(&additions).Error; err != nil {
			return err
		}
	}
	return nil
}

func loadTagNames(db *gorm.DB, bookmarkID string) ([]string, error) {
	var names []string
	err := db.Model(&Tag{}).
		Joins("JOIN bookmark_tags ON bookmark_tags.tag_id = tags.tag_id").
		Where("bookmark_tags.bookmark_id = ?", bookmarkID).
		Pluck("tags.name", &names).Error
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}
