package types

import "time"

// Album groups images. Smart albums are produced by the clustering processor
// and carry IsSmart so their monotonically increasing names can be derived.
type Album struct {
	ID           int64     `gorm:"primaryKey" json:"id"`
	Name         string    `gorm:"size:128" json:"name"`
	Description  string    `gorm:"size:1024" json:"description"`
	CoverImageID *int64    `json:"cover_image_id,omitempty"`
	IsSmart      bool      `gorm:"index" json:"is_smart"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// AlbumImage is the album-image join row.
type AlbumImage struct {
	AlbumID int64 `gorm:"primaryKey;autoIncrement:false" json:"album_id"`
	ImageID int64 `gorm:"primaryKey;autoIncrement:false" json:"image_id"`
}

// Tag is a user-defined label with a text description that tag-embedding
// vectorizes. DescUpdatedAt moves whenever the description changes so stale
// vectors can be discovered.
type Tag struct {
	ID            int64     `gorm:"primaryKey" json:"id"`
	Name          string    `gorm:"size:64;uniqueIndex" json:"name"`
	Description   string    `gorm:"size:1024" json:"description"`
	DescUpdatedAt time.Time `json:"desc_updated_at"`
	CreatedAt     time.Time `json:"created_at"`
}

// ImageTag is the image-tag join row.
type ImageTag struct {
	ImageID int64 `gorm:"primaryKey;autoIncrement:false" json:"image_id"`
	TagID   int64 `gorm:"primaryKey;autoIncrement:false" json:"tag_id"`
}
