package types

import "time"

// TaskKind names one kind of deferred AI work. Each kind has a processor.
type TaskKind string

const (
	TaskImageEmbedding TaskKind = "image_embedding"
	TaskTagEmbedding   TaskKind = "tag_embedding"
	TaskAestheticScore TaskKind = "aesthetic_score"
	TaskAlbumNaming    TaskKind = "album_naming"
	TaskSmartAlbum     TaskKind = "smart_album"
)

// Queue statuses.
const (
	QueueIdle       = "idle"
	QueueProcessing = "processing"
)

// Item statuses. Successful items are deleted, so there is no success status.
const (
	ItemPending = "pending"
	ItemFailed  = "failed"
)

// ItemErrorWidth is the storage width of AITaskItem.Error; longer messages
// are truncated before persisting.
const ItemErrorWidth = 500

// QueueKey derives the identity under which work for one (kind, model) tuple
// is grouped.
func QueueKey(kind TaskKind, modelName string) string {
	return string(kind) + ":" + modelName
}

// AIQueue is the persistent backlog head for one (task kind, model) tuple.
// Queue rows are created lazily and never deleted.
type AIQueue struct {
	ID        int64     `gorm:"primaryKey" json:"id"`
	QueueKey  string    `gorm:"size:192;uniqueIndex" json:"queue_key"`
	TaskKind  TaskKind  `gorm:"size:64" json:"task_kind"`
	ModelName string    `gorm:"size:128" json:"model_name"`
	Status    string    `gorm:"size:16;default:idle" json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AITaskItem is one unit of enqueued work. Identity is (queue_key, item_id);
// the unique index makes enqueue idempotent. Success deletes the row, failure
// keeps it with status failed until an explicit retry or ignore.
type AITaskItem struct {
	ID        int64     `gorm:"primaryKey" json:"id"`
	QueueKey  string    `gorm:"size:192;uniqueIndex:uidx_queue_item" json:"queue_key"`
	ItemID    int64     `gorm:"uniqueIndex:uidx_queue_item" json:"item_id"`
	Status    string    `gorm:"size:16;index;default:pending" json:"status"`
	Error     string    `gorm:"size:500" json:"error,omitempty"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// QueueStatus is the notifier payload for the ai_queue_status topic.
type QueueStatus struct {
	QueueKey     string   `json:"queue_key"`
	TaskKind     TaskKind `json:"task_kind"`
	ModelName    string   `json:"model_name"`
	Status       string   `json:"status"`
	PendingCount int64    `json:"pending_count"`
	FailedCount  int64    `json:"failed_count"`
}
