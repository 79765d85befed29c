package database

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/docvault/internal/content"
	"github.com/MarcoPoloResearchLab/docvault/internal/locks"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationNormalizeLegacyEditLocks = "2025-01-20_normalize_legacy_edit_locks"

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
		{name: migrationNormalizeLegacyEditLocks, apply: normalizeLegacyEditLocks},
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
		if err := migration.apply(db); err != nil {
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

// normalizeLegacyEditLocks rewrites "<unix>:<holder>" lock values into the
// "<refreshed>:<acquired>:<holder>" layout, treating the single timestamp as both.
func normalizeLegacyEditLocks(db *gorm.DB) error {
	var rows []content.Meta
	if err := db.Where("meta_key = ?", locks.MetaKey).Find(&rows).Error; err != nil {
		return err
	}
	for _, row := range rows {
		stamp, holder, ok := legacyLockValue(row.Value)
		if !ok {
			continue
		}
		at := time.Unix(stamp, 0).UTC()
		if err := db.Model(&content.Meta{}).
			Where("record_id = ? AND meta_key = ? AND meta_value = ?", row.RecordID, row.Key, row.Value).
			Update("meta_value", locks.EncodeValue(holder, at, at)).Error; err != nil {
			return err
		}
	}
	return nil
}

func legacyLockValue(raw string) (int64, string, bool) {
	parts := strings.SplitN(raw, ":", 3)
	if len(parts) < 2 {
		return 0, "", false
	}
	stamp, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, "", false
	}
	if len(parts) == 3 {
		if _, err := strconv.ParseInt(parts[1], 10, 64); err == nil {
			return 0, "", false
		}
	}
	holder := strings.SplitN(raw, ":", 2)[1]
	if holder == "" {
		return 0, "", false
	}
	return stamp, holder, true
}
