// Package core holds helpers shared by all command handlers.
package core

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/projecteru2/lumen/config"
	"github.com/projecteru2/lumen/database"
	"github.com/projecteru2/lumen/settings"
	"github.com/projecteru2/lumen/storage"
	"github.com/projecteru2/lumen/storage/factory"
)

// BaseHandler provides shared config access for all command handlers.
type BaseHandler struct {
	ConfProvider func() *config.Config
}

// Init returns the command context and validated config in one call.
func (h BaseHandler) Init(cmd *cobra.Command) (context.Context, *config.Config, error) {
	conf, err := h.Conf()
	if err != nil {
		return nil, nil, err
	}
	return CommandContext(cmd), conf, nil
}

// Conf validates and returns the config. All handlers call this first.
func (h BaseHandler) Conf() (*config.Config, error) {
	if h.ConfProvider == nil {
		return nil, fmt.Errorf("config provider is nil")
	}
	conf := h.ConfProvider()
	if conf == nil {
		return nil, fmt.Errorf("config not initialized")
	}
	return conf, nil
}

// CommandContext returns command context, falling back to Background.
func CommandContext(cmd *cobra.Command) context.Context {
	if cmd != nil && cmd.Context() != nil {
		return cmd.Context()
	}
	return context.Background()
}

// OpenDatabase ensures data directories exist and opens the catalog.
func OpenDatabase(ctx context.Context, conf *config.Config) (*gorm.DB, error) {
	if err := conf.EnsureDirs(); err != nil {
		return nil, err
	}
	return database.Open(ctx, conf.DatabasePath())
}

// EffectiveStorageConfig prefers the settings-persisted storage config over
// the config file, so edits made through the running server win.
func EffectiveStorageConfig(ctx context.Context, db *gorm.DB, conf *config.Config) (config.StorageConfig, error) {
	saved, found, err := settings.NewStore(db).LoadStorageConfig(ctx)
	if err != nil {
		return config.StorageConfig{}, err
	}
	if found {
		return saved, nil
	}
	return conf.Storage, nil
}

// InitManager opens the catalog and builds the storage manager from the
// effective storage config.
func InitManager(ctx context.Context, conf *config.Config) (*gorm.DB, *storage.Manager, error) {
	db, err := OpenDatabase(ctx, conf)
	if err != nil {
		return nil, nil, err
	}
	storageConf, err := EffectiveStorageConfig(ctx, db, conf)
	if err != nil {
		return nil, nil, err
	}
	m := storage.NewManager(db)
	if err := factory.Apply(ctx, m, conf.RootDir, storageConf); err != nil {
		return nil, nil, fmt.Errorf("init storage backends: %w", err)
	}
	return db, m, nil
}
