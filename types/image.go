package types

import "time"

// Image is one catalog row for an original photo. The storage core reads most
// fields and writes only the blob references (backend id + path pairs) during
// migration; everything else belongs to the catalog layer.
type Image struct {
	ID           int64  `gorm:"primaryKey" json:"id"`
	OriginalName string `gorm:"size:255" json:"original_name"`

	StorageID   BackendID `gorm:"size:64;index" json:"storage_id"`
	StoragePath string    `gorm:"size:512" json:"storage_path"`

	ThumbnailStorageID BackendID `gorm:"size:64" json:"thumbnail_storage_id"`
	ThumbnailPath      string    `gorm:"size:512" json:"thumbnail_path"`

	// Hash is the SHA-256 of the original bytes, the dedup key on upload.
	Hash string `gorm:"size:64;uniqueIndex" json:"hash"`
	Size int64  `json:"size"`

	AestheticScore *float64 `json:"aesthetic_score,omitempty"`

	TakenAt   *time.Time `gorm:"index" json:"taken_at,omitempty"`
	TrashedAt *time.Time `gorm:"index" json:"trashed_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// BlobRef returns the (backend id, path) pair for the requested migration
// kind. A path is meaningless without its backend id.
func (i *Image) BlobRef(kind MigrationKind) (BackendID, string) {
	if kind == MigrationThumbnail {
		return i.ThumbnailStorageID, i.ThumbnailPath
	}
	return i.StorageID, i.StoragePath
}

// SetBlobRef repoints the blob reference for the requested migration kind.
func (i *Image) SetBlobRef(kind MigrationKind, id BackendID, path string) {
	if kind == MigrationThumbnail {
		i.ThumbnailStorageID, i.ThumbnailPath = id, path
		return
	}
	i.StorageID, i.StoragePath = id, path
}
