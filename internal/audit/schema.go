package audit

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	KindCSV   = "csv"
	KindImage = "image"
)

type PredictionRecord struct {
	Id            uuid.UUID `gorm:"type:uuid;primaryKey"`
	Kind          string    `gorm:"size:16;not null;index"`
	Prediction    string    `gorm:"size:64;not null"`
	Probabilities datatypes.JSON
	CreationTime  time.Time `gorm:"not null;index"`
}
