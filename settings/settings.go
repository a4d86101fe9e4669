// Package settings persists runtime-mutable configuration in the catalog so
// edits made through the API survive restarts and win over the config file.
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/projecteru2/lumen/config"
	"github.com/projecteru2/lumen/types"
)

// ErrNotFound means no row exists for the requested key.
var ErrNotFound = errors.New("setting not found")

// storageConfigKey is where the applied storage layout lives.
const storageConfigKey = "config"

// Store reads and writes the settings table.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Get returns the raw value of one setting.
func (s *Store) Get(ctx context.Context, category, key string) (string, error) {
	var row types.Setting
	err := s.db.WithContext(ctx).
		Where("category = ? AND key = ?", category, key).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", fmt.Errorf("%s/%s: %w", category, key, ErrNotFound)
		}
		return "", fmt.Errorf("get setting %s/%s: %w", category, key, err)
	}
	return row.Value, nil
}

// Set upserts one setting.
func (s *Store) Set(ctx context.Context, category, key, valueType, value string) error {
	row := types.Setting{Category: category, Key: key, Type: valueType, Value: value}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "category"}, {Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"type", "value", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("set setting %s/%s: %w", category, key, err)
	}
	return nil
}

// GetJSON decodes a json-typed setting into out.
func (s *Store) GetJSON(ctx context.Context, category, key string, out any) error {
	raw, err := s.Get(ctx, category, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("decode setting %s/%s: %w", category, key, err)
	}
	return nil
}

// SetJSON encodes v and upserts it as a json-typed setting.
func (s *Store) SetJSON(ctx context.Context, category, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode setting %s/%s: %w", category, key, err)
	}
	return s.Set(ctx, category, key, types.SettingTypeJSON, string(data))
}

// LoadStorageConfig returns the persisted storage layout. found is false when
// nothing was ever saved, in which case the file config applies.
func (s *Store) LoadStorageConfig(ctx context.Context) (config.StorageConfig, bool, error) {
	var cfg config.StorageConfig
	err := s.GetJSON(ctx, types.SettingStorage, storageConfigKey, &cfg)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return config.StorageConfig{}, false, nil
		}
		return config.StorageConfig{}, false, err
	}
	return cfg, true, nil
}

// SaveStorageConfig persists the applied storage layout.
func (s *Store) SaveStorageConfig(ctx context.Context, cfg config.StorageConfig) error {
	return s.SetJSON(ctx, types.SettingStorage, storageConfigKey, cfg)
}
