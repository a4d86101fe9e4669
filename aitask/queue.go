// Package aitask runs deferred AI work: persistent per-(kind, model) queues,
// a dispatcher draining them and the processors doing the actual inference.
package aitask

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/projecteru2/lumen/types"
)

// Queue is the persistence layer of the task system. All mutations are
// single statements or small transactions; several processes may share the
// table safely.
type Queue struct {
	db *gorm.DB
}

func NewQueue(db *gorm.DB) *Queue {
	return &Queue{db: db}
}

// Enqueue adds items to the (kind, model) queue and returns how many were
// actually new. Re-enqueueing an item that is already pending or failed is a
// no-op; a failed item stays failed until an explicit retry.
func (q *Queue) Enqueue(ctx context.Context, kind types.TaskKind, modelName string, itemIDs ...int64) (int64, error) {
	if len(itemIDs) == 0 {
		return 0, nil
	}
	key := types.QueueKey(kind, modelName)

	queue := types.AIQueue{QueueKey: key, TaskKind: kind, ModelName: modelName, Status: types.QueueIdle}
	if err := q.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "queue_key"}},
		DoNothing: true,
	}).Create(&queue).Error; err != nil {
		return 0, fmt.Errorf("ensure queue %s: %w", key, err)
	}

	items := make([]types.AITaskItem, len(itemIDs))
	for i, id := range itemIDs {
		items[i] = types.AITaskItem{QueueKey: key, ItemID: id, Status: types.ItemPending}
	}
	res := q.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "queue_key"}, {Name: "item_id"}},
		DoNothing: true,
	}).Create(&items)
	if res.Error != nil {
		return 0, fmt.Errorf("enqueue %d items to %s: %w", len(itemIDs), key, res.Error)
	}
	return res.RowsAffected, nil
}

// NextPending returns up to limit pending items of one queue, oldest first.
func (q *Queue) NextPending(ctx context.Context, key string, limit int) ([]types.AITaskItem, error) {
	var items []types.AITaskItem
	err := q.db.WithContext(ctx).
		Where("queue_key = ? AND status = ?", key, types.ItemPending).
		Order("id").Limit(limit).Find(&items).Error
	if err != nil {
		return nil, fmt.Errorf("next pending of %s: %w", key, err)
	}
	return items, nil
}

// Complete removes a finished item. Success leaves no trace in the table.
func (q *Queue) Complete(ctx context.Context, item *types.AITaskItem) error {
	if err := q.db.WithContext(ctx).Delete(item).Error; err != nil {
		return fmt.Errorf("complete item %d of %s: %w", item.ItemID, item.QueueKey, err)
	}
	return nil
}

// Fail parks an item with its error until someone retries or ignores it.
func (q *Queue) Fail(ctx context.Context, item *types.AITaskItem, cause error) error {
	msg := cause.Error()
	if len(msg) > types.ItemErrorWidth {
		msg = msg[:types.ItemErrorWidth]
	}
	err := q.db.WithContext(ctx).Model(item).
		Updates(map[string]any{"status": types.ItemFailed, "error": msg}).Error
	if err != nil {
		return fmt.Errorf("fail item %d of %s: %w", item.ItemID, item.QueueKey, err)
	}
	return nil
}

// Retry requeues one failed item.
func (q *Queue) Retry(ctx context.Context, key string, itemID int64) error {
	err := q.db.WithContext(ctx).Model(&types.AITaskItem{}).
		Where("queue_key = ? AND item_id = ? AND status = ?", key, itemID, types.ItemFailed).
		Updates(map[string]any{"status": types.ItemPending, "error": ""}).Error
	if err != nil {
		return fmt.Errorf("retry item %d of %s: %w", itemID, key, err)
	}
	return nil
}

// RetryAllFailed requeues every failed item of a queue and reports the count.
func (q *Queue) RetryAllFailed(ctx context.Context, key string) (int64, error) {
	res := q.db.WithContext(ctx).Model(&types.AITaskItem{}).
		Where("queue_key = ? AND status = ?", key, types.ItemFailed).
		Updates(map[string]any{"status": types.ItemPending, "error": ""})
	if res.Error != nil {
		return 0, fmt.Errorf("retry failed of %s: %w", key, res.Error)
	}
	return res.RowsAffected, nil
}

// Ignore drops a failed item without running it.
func (q *Queue) Ignore(ctx context.Context, key string, itemID int64) error {
	err := q.db.WithContext(ctx).
		Where("queue_key = ? AND item_id = ? AND status = ?", key, itemID, types.ItemFailed).
		Delete(&types.AITaskItem{}).Error
	if err != nil {
		return fmt.Errorf("ignore item %d of %s: %w", itemID, key, err)
	}
	return nil
}

// SetStatus flips the queue between idle and processing.
func (q *Queue) SetStatus(ctx context.Context, key, status string) error {
	err := q.db.WithContext(ctx).Model(&types.AIQueue{}).
		Where("queue_key = ?", key).Update("status", status).Error
	if err != nil {
		return fmt.Errorf("set queue %s status %s: %w", key, status, err)
	}
	return nil
}

// Status summarizes one queue with live counts.
func (q *Queue) Status(ctx context.Context, key string) (*types.QueueStatus, error) {
	var queue types.AIQueue
	if err := q.db.WithContext(ctx).Where("queue_key = ?", key).First(&queue).Error; err != nil {
		return nil, fmt.Errorf("load queue %s: %w", key, err)
	}
	out := &types.QueueStatus{
		QueueKey:  queue.QueueKey,
		TaskKind:  queue.TaskKind,
		ModelName: queue.ModelName,
		Status:    queue.Status,
	}
	err := q.db.WithContext(ctx).Model(&types.AITaskItem{}).
		Where("queue_key = ? AND status = ?", key, types.ItemPending).
		Count(&out.PendingCount).Error
	if err != nil {
		return nil, fmt.Errorf("count pending of %s: %w", key, err)
	}
	err = q.db.WithContext(ctx).Model(&types.AITaskItem{}).
		Where("queue_key = ? AND status = ?", key, types.ItemFailed).
		Count(&out.FailedCount).Error
	if err != nil {
		return nil, fmt.Errorf("count failed of %s: %w", key, err)
	}
	return out, nil
}

// Queues lists every queue ever created.
func (q *Queue) Queues(ctx context.Context) ([]types.AIQueue, error) {
	var queues []types.AIQueue
	if err := q.db.WithContext(ctx).Order("queue_key").Find(&queues).Error; err != nil {
		return nil, fmt.Errorf("list queues: %w", err)
	}
	return queues, nil
}

// PendingQueueKeys returns the keys that currently hold pending items. The
// dispatcher's discovery sweep uses this to notice work written by other
// processes.
func (q *Queue) PendingQueueKeys(ctx context.Context) ([]string, error) {
	var keys []string
	err := q.db.WithContext(ctx).Model(&types.AITaskItem{}).
		Where("status = ?", types.ItemPending).
		Distinct("queue_key").Pluck("queue_key", &keys).Error
	if err != nil {
		return nil, fmt.Errorf("scan pending queues: %w", err)
	}
	return keys, nil
}
