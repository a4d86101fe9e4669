package migration

import (
	"context"
	"encoding/json"
	"fmt"

	"gorm.io/gorm"

	"github.com/projecteru2/lumen/types"
)

// planBatch is the page size when materializing file records.
const planBatch = 500

// Preview summarizes what a migration request would cover without creating
// anything.
type Preview struct {
	Files      int64 `json:"files"`
	TotalBytes int64 `json:"total_bytes"`
}

// filterQuery builds the catalog query for images whose blob of the given
// kind lives on source and matches the filter.
func filterQuery(db *gorm.DB, kind types.MigrationKind, source types.BackendID, f *types.MigrationFilter) *gorm.DB {
	q := db.Model(&types.Image{})
	if kind == types.MigrationThumbnail {
		q = q.Where("thumbnail_storage_id = ? AND thumbnail_path <> ''", source)
	} else {
		q = q.Where("storage_id = ?", source)
	}
	if len(f.AlbumIDs) > 0 {
		q = q.Where("id IN (?)", db.Model(&types.AlbumImage{}).
			Select("image_id").Where("album_id IN ?", f.AlbumIDs))
	}
	if f.TakenAfter != nil {
		q = q.Where("taken_at >= ?", f.TakenAfter)
	}
	if f.TakenBefore != nil {
		q = q.Where("taken_at < ?", f.TakenBefore)
	}
	if f.MinSize > 0 {
		q = q.Where("size >= ?", f.MinSize)
	}
	if f.MaxSize > 0 {
		q = q.Where("size <= ?", f.MaxSize)
	}
	return q
}

// preview aggregates the covered set.
func (e *Engine) preview(ctx context.Context, kind types.MigrationKind, source types.BackendID, f *types.MigrationFilter) (*Preview, error) {
	var out Preview
	err := filterQuery(e.db.WithContext(ctx), kind, source, f).
		Select("COUNT(*) AS files, COALESCE(SUM(size), 0) AS total_bytes").
		Scan(&out).Error
	if err != nil {
		return nil, fmt.Errorf("preview migration: %w", err)
	}
	return &out, nil
}

// plan creates the task row and one file record per covered image, all in
// one transaction so a half-planned task can never be observed.
func (e *Engine) plan(ctx context.Context, task *types.MigrationTask, f *types.MigrationFilter) error {
	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		filterJSON, err := json.Marshal(f)
		if err != nil {
			return fmt.Errorf("encode migration filter: %w", err)
		}
		task.FilterJSON = string(filterJSON)
		task.Status = types.MigrationPending
		if err := tx.Create(task).Error; err != nil {
			return fmt.Errorf("create migration task: %w", err)
		}

		var total int
		var page []types.Image
		err = filterQuery(tx, task.Kind, task.SourceID, f).
			Select("id").FindInBatches(&page, planBatch, func(_ *gorm.DB, _ int) error {
				records := make([]types.MigrationFileRecord, len(page))
				for i, img := range page {
					records[i] = types.MigrationFileRecord{
						TaskID:  task.ID,
						ImageID: img.ID,
						Status:  types.RecordPending,
					}
				}
				total += len(records)
				return tx.Create(&records).Error
			}).Error
		if err != nil {
			return fmt.Errorf("plan migration files: %w", err)
		}

		task.TotalFiles = total
		return tx.Model(task).Update("total_files", total).Error
	})
}
