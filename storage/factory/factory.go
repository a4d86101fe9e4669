// Package factory turns a storage configuration into a live backend
// registry. It is the only place concrete backend packages meet the manager.
package factory

import (
	"context"
	"fmt"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/lumen/config"
	"github.com/projecteru2/lumen/storage"
	"github.com/projecteru2/lumen/storage/aliyunpan"
	"github.com/projecteru2/lumen/storage/local"
	"github.com/projecteru2/lumen/storage/s3"
	"github.com/projecteru2/lumen/types"
)

// Build constructs every configured backend and resolves the default id.
// The local backend is mandatory and fails the build; a cloud account that
// cannot initialize (dead token, unreachable endpoint) is skipped with a
// warning so one broken account never takes the library down.
func Build(ctx context.Context, rootDir string, cfg config.StorageConfig) (storage.Registry, types.BackendID, error) {
	logger := log.WithFunc("factory.Build")
	reg := storage.Registry{}

	lb, err := local.New(cfg.Local.BasePathOr(rootDir))
	if err != nil {
		return nil, "", fmt.Errorf("init local backend: %w", err)
	}
	reg[types.LocalBackendID] = lb

	for _, entry := range cfg.S3 {
		id := types.S3BackendID(entry.ID)
		backend, err := s3.New(ctx, s3.Options{
			ID:        id,
			Endpoint:  entry.Endpoint,
			Region:    entry.Region,
			Bucket:    entry.Bucket,
			AccessKey: entry.AccessKey,
			SecretKey: entry.SecretKey,
			PathStyle: entry.PathStyle,
			SSL:       entry.SSL,
			Proxy:     entry.Proxy,
			URLPrefix: entry.URLPrefix,
		})
		if err != nil {
			logger.Warnf(ctx, "s3 backend %s skipped: %v", id, err)
			continue
		}
		reg[id] = backend
	}

	for i, entry := range cfg.Aliyunpan {
		chunkSize, err := entry.ChunkBytes()
		if err != nil {
			return nil, "", fmt.Errorf("aliyunpan entry %d: %w", i, err)
		}
		backend, err := aliyunpan.New(ctx, aliyunpan.Options{
			RefreshToken: entry.RefreshToken,
			BasePath:     entry.BasePath,
			DriveType:    entry.DriveType,
			ChunkSize:    chunkSize,
			Concurrency:  entry.Concurrency,
		})
		if err != nil {
			logger.Warnf(ctx, "aliyunpan entry %d skipped: %v", i, err)
			continue
		}
		reg[backend.Type()] = backend
	}

	defaultID := types.BackendID(cfg.DefaultID)
	if defaultID == "" {
		defaultID = types.LocalBackendID
	}
	if _, ok := reg[defaultID]; !ok {
		logger.Warnf(ctx, "default backend %s unavailable, falling back to local", defaultID)
		defaultID = types.LocalBackendID
	}
	return reg, defaultID, nil
}

// Apply rebuilds the registry from cfg and swaps it into the manager.
func Apply(ctx context.Context, m *storage.Manager, rootDir string, cfg config.StorageConfig) error {
	reg, defaultID, err := Build(ctx, rootDir, cfg)
	if err != nil {
		return err
	}
	return m.ApplyRegistry(reg, defaultID)
}
