package bookmarks

import (
	"errors"
	"fmt"

	"gorm.io/gorm"
)

const queryOwnerName = "owner_id = ? AND name = ?"

// resolveCollection finds the owner's collection by name, creating it when absent.
func (s *Service) resolveCollection(tx *gorm.DB, ownerID OwnerID, name string, nowSeconds int64) (Collection, error) {
	normalized, err := normalizeNames([]string{name})
	if err != nil {
		return Collection{}, err
	}
	if len(normalized) == 0 {
		return Collection{}, fmt.Errorf("%w: empty collection name", ErrInvalidPatch)
	}
	name = normalized[0]

	var collection Collection
	err = tx.Where(queryOwnerName, ownerID.String(), name).Take(&collection).Error
	if err == nil {
		return collection, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return Collection{}, err
	}

	collectionID, err := s.idProvider.NewID()
	if err != nil {
		return Collection{}, err
	}
	collection = Collection{
		CollectionID:     collectionID,
		OwnerID:          ownerID.String(),
		Name:             name,
		CreatedAtSeconds: nowSeconds,
	}
	if err := tx.Create(&collection).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return Collection{}, fmt.Errorf("%w: collection %q", ErrNameConflict, name)
		}
		return Collection{}, err
	}
	return collection, nil
}
