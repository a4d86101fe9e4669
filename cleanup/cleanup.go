// Package cleanup purges trashed images whose retention has lapsed: blobs
// first, then the catalog row and everything hanging off it.
package cleanup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/projecteru2/core/log"
	"gorm.io/gorm"

	"github.com/projecteru2/lumen/config"
	"github.com/projecteru2/lumen/lock"
	"github.com/projecteru2/lumen/notify"
	"github.com/projecteru2/lumen/storage"
	"github.com/projecteru2/lumen/types"
)

// sweepBatch bounds how many images one sweep round loads.
const sweepBatch = 200

// Runner is the background purge loop. The flock makes it a per-host
// singleton like the dispatcher.
type Runner struct {
	db     *gorm.DB
	store  *storage.Manager
	bus    *notify.Bus
	conf   config.CleanupConfig
	locker lock.Locker

	active bool
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRunner(db *gorm.DB, store *storage.Manager, bus *notify.Bus, conf config.CleanupConfig, locker lock.Locker) *Runner {
	return &Runner{db: db, store: store, bus: bus, conf: conf, locker: locker}
}

// Start launches the sweep loop unless disabled or another process holds
// the lock.
func (r *Runner) Start(ctx context.Context) error {
	logger := log.WithFunc("cleanup.Start")
	if !r.conf.Enabled {
		logger.Infof(ctx, "trash purge disabled")
		return nil
	}
	acquired, err := r.locker.TryLock(ctx)
	if err != nil {
		return fmt.Errorf("acquire cleanup lock: %w", err)
	}
	if !acquired {
		logger.Infof(ctx, "cleanup lock held elsewhere, staying passive")
		return nil
	}
	r.active = true

	runCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.loop(runCtx)
	}()
	logger.Infof(ctx, "trash purge running every %s, retention %s",
		r.conf.Interval.D(), r.conf.Retention.D())
	return nil
}

// Stop halts the loop and releases the lock.
func (r *Runner) Stop(ctx context.Context) {
	if !r.active {
		return
	}
	r.cancel()
	r.wg.Wait()
	if err := r.locker.Unlock(ctx); err != nil {
		log.WithFunc("cleanup.Stop").Warnf(ctx, "release cleanup lock: %v", err)
	}
}

func (r *Runner) loop(ctx context.Context) {
	ticker := time.NewTicker(r.conf.Interval.D())
	defer ticker.Stop()
	for {
		if n, err := r.Sweep(ctx); err != nil {
			log.WithFunc("cleanup.loop").Warnf(ctx, "sweep: %v", err)
		} else if n > 0 {
			log.WithFunc("cleanup.loop").Infof(ctx, "purged %d trashed images", n)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// Sweep purges one batch of expired images and reports how many went.
// Exposed so an admin call can force a pass.
func (r *Runner) Sweep(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-r.conf.Retention.D())
	var expired []types.Image
	err := r.db.WithContext(ctx).
		Where("trashed_at IS NOT NULL AND trashed_at < ?", cutoff).
		Limit(sweepBatch).Find(&expired).Error
	if err != nil {
		return 0, fmt.Errorf("find expired images: %w", err)
	}

	purged := 0
	for i := range expired {
		if ctx.Err() != nil {
			break
		}
		if err := r.purge(ctx, &expired[i]); err != nil {
			log.WithFunc("cleanup.Sweep").Warnf(ctx, "image %d: %v", expired[i].ID, err)
			continue
		}
		purged++
	}

	if purged > 0 && r.bus != nil {
		var count int64
		if err := r.db.WithContext(ctx).Model(&types.Image{}).Count(&count).Error; err == nil {
			r.bus.Publish(ctx, notify.TopicImageCount, count)
		}
	}
	return purged, nil
}

// purge removes one image's blobs and then its rows. Blob deletes come
// first: a dangling catalog row is recoverable, a dangling blob is invisible.
func (r *Runner) purge(ctx context.Context, img *types.Image) error {
	if err := r.deleteBlob(ctx, img.StorageID, img.StoragePath); err != nil {
		return err
	}
	if img.ThumbnailPath != "" {
		if err := r.deleteBlob(ctx, img.ThumbnailStorageID, img.ThumbnailPath); err != nil {
			return err
		}
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, model := range []any{
			&types.ImageEmbedding{}, &types.ImageTag{}, &types.AlbumImage{},
		} {
			if err := tx.Where("image_id = ?", img.ID).Delete(model).Error; err != nil {
				return err
			}
		}
		return tx.Delete(&types.Image{}, img.ID).Error
	})
}

func (r *Runner) deleteBlob(ctx context.Context, id types.BackendID, path string) error {
	backend, err := r.store.Backend(id)
	if err != nil {
		return err
	}
	if err := backend.Delete(ctx, path); err != nil && !storage.IsNotFound(err) {
		return fmt.Errorf("delete blob %s on %s: %w", path, id, err)
	}
	return nil
}
