// Package database owns the SQLite catalog: connection setup, schema
// migration and the transaction helper the write paths share.
package database

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/projecteru2/core/log"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/projecteru2/lumen/types"
	"github.com/projecteru2/lumen/utils"
)

// models is every table the schema migrator manages.
var models = []any{
	&types.Image{},
	&types.Album{},
	&types.AlbumImage{},
	&types.Tag{},
	&types.ImageTag{},
	&types.ImageEmbedding{},
	&types.TagEmbedding{},
	&types.AIQueue{},
	&types.AITaskItem{},
	&types.MigrationTask{},
	&types.MigrationFileRecord{},
	&types.Setting{},
	&types.SmartAlbumTask{},
}

// Open connects to the SQLite file at path, applies connection pragmas and
// migrates the schema. The parent directory is created if missing.
func Open(ctx context.Context, path string) (*gorm.DB, error) {
	if err := utils.EnsureDirs(filepath.Dir(path)); err != nil {
		return nil, err
	}

	// busy_timeout covers writer contention between the HTTP handlers and
	// the background workers; WAL lets readers proceed during writes.
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.WithContext(ctx).AutoMigrate(models...); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	log.WithFunc("database.Open").Infof(ctx, "database ready at %s", path)
	return db, nil
}

// OpenMemory opens a fresh in-memory database with the full schema. Test
// helper; each call is an isolated catalog.
func OpenMemory(ctx context.Context) (*gorm.DB, error) {
	// One pinned connection keeps the in-memory database alive for the
	// lifetime of the handle; a second connection would see an empty db.
	db, err := gorm.Open(sqlite.Open("file::memory:?_foreign_keys=on"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open in-memory database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.WithContext(ctx).AutoMigrate(models...); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return db, nil
}

// Transaction runs fn in one transaction with the context attached.
func Transaction(ctx context.Context, db *gorm.DB, fn func(tx *gorm.DB) error) error {
	return db.WithContext(ctx).Transaction(fn)
}
