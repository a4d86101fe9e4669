package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// MigrationKind selects which blob reference of an image a task moves.
type MigrationKind string

const (
	MigrationOriginal  MigrationKind = "original"
	MigrationThumbnail MigrationKind = "thumbnail"
)

// Migration task statuses.
const (
	MigrationPending   = "pending"
	MigrationRunning   = "running"
	MigrationPaused    = "paused"
	MigrationCompleted = "completed"
	MigrationFailed    = "failed"
	MigrationCancelled = "cancelled"
)

// Migration file record statuses.
const (
	RecordPending    = "pending"
	RecordInProgress = "in_progress"
	RecordSuccess    = "success"
	RecordFailed     = "failed"
	RecordCancelled  = "cancelled"
)

// MigrationFilter narrows which catalog rows a migration covers.
// Zero fields match everything.
type MigrationFilter struct {
	AlbumIDs    []int64    `json:"album_ids,omitempty"`
	TakenAfter  *time.Time `json:"taken_after,omitempty"`
	TakenBefore *time.Time `json:"taken_before,omitempty"`
	MinSize     int64      `json:"min_size,omitempty"`
	MaxSize     int64      `json:"max_size,omitempty"`
}

// MigrationTask is one storage migration between two backends.
type MigrationTask struct {
	ID   int64         `gorm:"primaryKey" json:"id"`
	Kind MigrationKind `gorm:"size:16" json:"kind"`

	SourceID BackendID `gorm:"size:64" json:"source_id"`
	TargetID BackendID `gorm:"size:64" json:"target_id"`

	// FilterJSON is the JSON-encoded MigrationFilter used by the planner.
	FilterJSON string `gorm:"size:2048" json:"filter_json"`

	Status     string `gorm:"size:16;index" json:"status"`
	TotalFiles int    `json:"total_files"`
	Processed  int    `json:"processed"`
	Failed     int    `json:"failed"`

	DeleteSourceAfter bool `json:"delete_source_after"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Filter decodes FilterJSON; an empty string yields a match-all filter.
func (t *MigrationTask) Filter() (*MigrationFilter, error) {
	f := &MigrationFilter{}
	if t.FilterJSON == "" {
		return f, nil
	}
	if err := json.Unmarshal([]byte(t.FilterJSON), f); err != nil {
		return nil, fmt.Errorf("decode migration filter: %w", err)
	}
	return f, nil
}

// Progress returns the completion percentage with a zero-safe denominator.
func (t *MigrationTask) Progress() float64 {
	if t.TotalFiles == 0 {
		return 0
	}
	return float64(t.Processed) / float64(t.TotalFiles) * 100
}

// MigrationFileRecord is one planned file of a migration task. Records make
// a task resumable: success rows are skipped on resume without replanning.
type MigrationFileRecord struct {
	ID        int64     `gorm:"primaryKey" json:"id"`
	TaskID    int64     `gorm:"index" json:"task_id"`
	ImageID   int64     `json:"image_id"`
	Status    string    `gorm:"size:16;index" json:"status"`
	Error     string    `gorm:"size:500" json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MigrationStatus is the notifier payload for the migration_progress topic.
type MigrationStatus struct {
	TaskID    int64   `json:"task_id"`
	Status    string  `json:"status"`
	Total     int     `json:"total"`
	Processed int     `json:"processed"`
	Failed    int     `json:"failed"`
	Percent   float64 `json:"percent"`
}
