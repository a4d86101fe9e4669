package types

import "time"

// Setting categories.
const (
	SettingAuth    = "auth"
	SettingStorage = "storage"
	SettingCleanup = "cleanup"
	SettingAI      = "ai"
)

// Setting value types.
const (
	SettingTypeString = "string"
	SettingTypeInt    = "int"
	SettingTypeBool   = "bool"
	SettingTypeJSON   = "json"
)

// Setting is one row of the flat key/value settings table. Runtime-mutable
// configuration (storage backends, AI toggles, cleanup retention) lives here
// so a restart reproduces the last applied state.
type Setting struct {
	ID        int64     `gorm:"primaryKey" json:"id"`
	Category  string    `gorm:"size:32;uniqueIndex:uidx_category_key" json:"category"`
	Key       string    `gorm:"size:64;uniqueIndex:uidx_category_key" json:"key"`
	Type      string    `gorm:"size:16" json:"type"`
	Value     string    `gorm:"size:8192" json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SmartAlbumTask is a pending clustering request for one model. The smart
// album processor's discovery reads these.
type SmartAlbumTask struct {
	ID        int64     `gorm:"primaryKey" json:"id"`
	ModelName string    `gorm:"size:128" json:"model_name"`
	Status    string    `gorm:"size:16;index;default:pending" json:"status"`
	Error     string    `gorm:"size:500" json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Smart album task statuses.
const (
	SmartAlbumPending   = "pending"
	SmartAlbumCompleted = "completed"
	SmartAlbumFailed    = "failed"
)
