package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/findmyfood/internal/feed"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationTrimPostLocations = "2024-06-01_trim_post_locations"
	migrationRecountPostLikes  = "2024-06-15_recount_post_likes"
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
		{name: migrationTrimPostLocations, apply: trimPostLocations},
		{name: migrationRecountPostLikes, apply: recountPostLikes},
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

// trimPostLocations strips whitespace older clients left around "lat,lng" strings.
func trimPostLocations(db *gorm.DB) error {
	return db.Model(&feed.PostRow{}).
		Where("location <> TRIM(location)").
		Update("location", gorm.Expr("TRIM(location)")).Error
}

// recountPostLikes rebuilds like_count from the like rows.
func recountPostLikes(db *gorm.DB) error {
	likeCount := db.Model(&feed.LikeRow{}).
		Select("COUNT(*)").
		Where("post_likes.post_id = posts.post_id")
	return db.Model(&feed.PostRow{}).
		Where("1 = 1").
		Update("like_count", likeCount).Error
}
