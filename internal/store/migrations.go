package store

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillSyncIndexes = "2026-06-18_backfill_sync_indexes"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB, []Collection) error
}

func applyMigrations(db *gorm.DB, collections []Collection, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillSyncIndexes, apply: backfillSyncIndexes},
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
		if err := migration.apply(db, collections); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillSyncIndexes guarantees the sync_status and is_deleted indexes on
// every syncable table. Databases created by current auto-migration already
// carry them from the envelope tags; stores written by earlier application
// versions may not.
func backfillSyncIndexes(db *gorm.DB, collections []Collection) error {
	for _, collection := range collections {
		if !collection.Syncable() {
			continue
		}
		name := collection.Name()
		statusIndex := fmt.Sprintf(
			"CREATE INDEX IF NOT EXISTS idx_%s_sync_status ON %s (sync_status);", name, name)
		if err := db.Exec(statusIndex).Error; err != nil {
			return err
		}
		deletedIndex := fmt.Sprintf(
			"CREATE INDEX IF NOT EXISTS idx_%s_is_deleted ON %s (is_deleted);", name, name)
		if err := db.Exec(deletedIndex).Error; err != nil {
			return err
		}
	}
	return nil
}
