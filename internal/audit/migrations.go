package audit

import (
	"log/slog"
	"time"

	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

func GetMigrator(db *gorm.DB) *gormigrate.Gormigrate {
	migrator := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		{
			ID:       "0",
			Migrate:  migration0,
			Rollback: rollback0,
		},
	})

	migrator.InitSchema(func(txn *gorm.DB) error {
		slog.Info("clean audit database detected, running full schema initialization")
		return txn.AutoMigrate(&PredictionRecord{})
	})

	return migrator
}

// Schema as of migration 0; later changes to PredictionRecord get their own migration.
type predictionRecordV0 struct {
	Id            uuid.UUID `gorm:"type:uuid;primaryKey"`
	Kind          string    `gorm:"size:16;not null;index"`
	Prediction    string    `gorm:"size:64;not null"`
	Probabilities datatypes.JSON
	CreationTime  time.Time `gorm:"not null;index"`
}

func (predictionRecordV0) TableName() string {
	return "prediction_records"
}

func migration0(db *gorm.DB) error {
	return db.AutoMigrate(&predictionRecordV0{})
}

func rollback0(db *gorm.DB) error {
	return db.Migrator().DropTable(&predictionRecordV0{})
}
