package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/melowod/internal/store"
	"github.com/MarcoPoloResearchLab/melowod/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	migrationNormalizeResultLevels   = "2026-03-01_normalize_result_levels"
	migrationBackfillIdentityRecords = "2026-03-08_backfill_identity_stats"
)

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
		{name: migrationNormalizeResultLevels, apply: normalizeResultLevels},
		{name: migrationBackfillIdentityRecords, apply: backfillIdentityRecords},
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

// normalizeResultLevels rewrites legacy mixed-case tiers ("RX", " Scaled") to the canonical form.
func normalizeResultLevels(db *gorm.DB) error {
	return db.Model(&store.ResultRecord{}).
		Where("level <> lower(trim(level))").
		Update("level", gorm.Expr("lower(trim(level))")).Error
}

// backfillIdentityRecords gives every known identity default stats and profile rows.
func backfillIdentityRecords(db *gorm.DB) error {
	var userIDs []string
	if err := db.Model(&users.Identity{}).Distinct().Pluck("user_id", &userIDs).Error; err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, userID := range userIDs {
		if err := db.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&store.UserStats{UserID: userID, LastUpdated: now}).Error; err != nil {
			return err
		}
		if err := db.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&store.Profile{UserID: userID, UpdatedAt: now}).Error; err != nil {
			return err
		}
	}
	return nil
}
