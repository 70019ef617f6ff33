package database

import (
	"time"

	gormigrate "github.com/go-gormigrate/gormigrate/v2"
	"github.com/modhub/modhub/pkg/models"
	"gorm.io/gorm"
)

// modsV1 is the first five column table.
type modsV1 struct {
	ID        string `gorm:"primaryKey;type:text"`
	Title     string `gorm:"type:text"`
	Version   string `gorm:"type:text"`
	Thumbnail string `gorm:"type:text"`
	FilePath  string `gorm:"type:text"`
}

func (modsV1) TableName() string { return "mods" }

// modsV2 adds archive bookkeeping and timestamps.
type modsV2 struct {
	ID        string `gorm:"primaryKey;type:text"`
	Title     string `gorm:"type:text"`
	Version   string `gorm:"type:text"`
	Thumbnail string `gorm:"type:text"`
	FilePath  string `gorm:"type:text"`
	Checksum  string `gorm:"type:text"`
	Size      int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (modsV2) TableName() string { return "mods" }

var (
	migrations = []*gormigrate.Migration{
		// create mods table
		{
			ID: "202410180000",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&modsV1{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("mods")
			},
		},
		// add checksum, size and timestamps
		{
			ID: "202410210000",
			Migrate: func(tx *gorm.DB) error {
				if err := tx.AutoMigrate(&modsV2{}); err != nil {
					return err
				}

				now := time.Now()
				return tx.Exec(`UPDATE mods SET
					checksum = COALESCE(checksum, ''),
					size = COALESCE(size, 0),
					created_at = COALESCE(created_at, ?),
					updated_at = COALESCE(updated_at, ?)`, now, now).Error
			},
			Rollback: func(tx *gorm.DB) (err error) {
				for _, column := range []string{"Checksum", "Size", "CreatedAt", "UpdatedAt"} {
					if err = tx.Migrator().DropColumn(&modsV2{}, column); err != nil {
						return
					}
				}
				return
			},
		},
	}
)

func migrator(db *gorm.DB) *gormigrate.Gormigrate {
	return gormigrate.New(db, gormigrate.DefaultOptions, migrations)
}

// Migrate brings the schema up to date. It is safe to call repeatedly.
func Migrate(db *gorm.DB) error {
	m := migrator(db)

	if err := m.Migrate(); err != nil {
		return err
	}

	return db.AutoMigrate(&models.ModPackage{})
}
