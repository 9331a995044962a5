package database

import (
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/bookmarks/backend/internal/bookmarks"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationTrimTagNames = "2024-09-01_trim_tag_names"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationTrimTagNames, apply: trimTagNames},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		})
		if err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// trimTagNames strips surrounding whitespace from stored tag names. When the
// trimmed name already exists for the owner, the padded tag's joins are moved
// onto the existing tag and the padded tag is removed.
func trimTagNames(db *gorm.DB) error {
	var padded []bookmarks.Tag
	if err := db.Where("name <> trim(name)").Find(&padded).Error; err != nil {
		return err
	}

	for _, tag := range padded {
		trimmed := strings.TrimSpace(tag.Name)

		var existing bookmarks.Tag
		err := db.Where("owner_id = ? AND name = ?", tag.OwnerID, trimmed).Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) && trimmed != "" {
			if err := db.Model(&bookmarks.Tag{}).Where("tag_id = ?", tag.TagID).Update("name", trimmed).Error; err != nil {
				return err
			}
			continue
		}
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		if trimmed != "" {
			// drop joins that would duplicate an existing association, then repoint the rest
			if err := db.Exec(
				"DELETE FROM bookmark_tags WHERE tag_id = ? AND bookmark_id IN (SELECT bookmark_id FROM bookmark_tags WHERE tag_id = ?)",
				tag.TagID, existing.TagID,
			).Error; err != nil {
				return err
			}
			if err := db.Model(&bookmarks.BookmarkTag{}).Where("tag_id = ?", tag.TagID).Update("tag_id", existing.TagID).Error; err != nil {
				return err
			}
		} else if err := db.Where("tag_id = ?", tag.TagID).Delete(&bookmarks.BookmarkTag{}).Error; err != nil {
			return err
		}
		if err := db.Where("tag_id = ?", tag.TagID).Delete(&bookmarks.Tag{}).Error; err != nil {
			return err
		}
	}
	return nil
}
