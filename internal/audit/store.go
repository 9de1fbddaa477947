package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Brownie44l1/alzheimers-api/internal/model"
	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// Store persists prediction results for later review.
type Store struct {
	db *gorm.DB
}

// Open opens (creating if needed) the SQLite database at path and migrates it.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}

	if err := GetMigrator(db).Migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate audit database: %w", err)
	}

	return NewStore(db), nil
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Record(ctx context.Context, kind string, result *model.PredictionResult) (*PredictionRecord, error) {
	probs, err := json.Marshal(result.Probabilities)
	if err != nil {
		return nil, fmt.Errorf("error encoding probabilities: %w", err)
	}

	record := &PredictionRecord{
		Id:            uuid.New(),
		Kind:          kind,
		Prediction:    result.Prediction,
		Probabilities: probs,
		CreationTime:  time.Now().UTC(),
	}

	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		return nil, fmt.Errorf("error saving prediction record: %w", err)
	}

	return record, nil
}

// List returns the newest records first. An empty kind matches all kinds and
// limit is clamped to [1, MaxListLimit], with 0 meaning DefaultListLimit.
func (s *Store) List(ctx context.Context, kind string, limit int) ([]PredictionRecord, error) {
	switch {
	case limit <= 0:
		limit = DefaultListLimit
	case limit > MaxListLimit:
		limit = MaxListLimit
	}

	query := s.db.WithContext(ctx).Order("creation_time DESC").Limit(limit)
	if kind != "" {
		query = query.Where("kind = ?", kind)
	}

	var records []PredictionRecord
	if err := query.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("error listing prediction records: %w", err)
	}
	return records, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
