package credstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/teachflow/teachflow-live/pkg/database"
)

// entryModel is the GORM model for the client_state table.
type entryModel struct {
	Key       string    `gorm:"column:state_key;type:varchar(64);primaryKey"`
	Value     string    `gorm:"type:text;not null"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

func (entryModel) TableName() string {
	return "client_state"
}

// GormStore persists client state in a database, by default a sqlite file in
// the user's config directory.
type GormStore struct {
	db *gorm.DB
}

// OpenSQLite opens (creating if needed) a sqlite-backed store at path.
func OpenSQLite(path string) (*GormStore, error) {
	db, err := database.New(&database.Config{
		Driver:       "sqlite",
		FilePath:     path,
		MaxOpenConns: 1,
	})
	if err != nil {
		return nil, err
	}
	return NewGormStore(db)
}

// NewGormStore migrates the client_state table on db.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := database.AutoMigrate(db, &entryModel{}); err != nil {
		return nil, fmt.Errorf("migrate client_state: %w", err)
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) Get(ctx context.Context, key string) (string, error) {
	var e entryModel
	err := s.db.WithContext(ctx).First(&e, "state_key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return e.Value, nil
}

func (s *GormStore) Set(ctx context.Context, key, value string) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "state_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&entryModel{Key: key, Value: value}).Error
}

func (s *GormStore) Delete(ctx context.Context, key string) error {
	return s.db.WithContext(ctx).Delete(&entryModel{}, "state_key = ?", key).Error
}

func (s *GormStore) Clear(ctx context.Context) error {
	return s.db.WithContext(ctx).Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&entryModel{}).Error
}

// Close releases the underlying database.
func (s *GormStore) Close() error {
	return database.Close(s.db)
}
