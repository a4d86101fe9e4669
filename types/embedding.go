package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// ImageEmbedding is one vector produced by an embedding model for an image.
// (image_id, model_name) is unique: re-embedding with the same model replaces
// the row.
type ImageEmbedding struct {
	ID        int64     `gorm:"primaryKey" json:"id"`
	ImageID   int64     `gorm:"uniqueIndex:uidx_image_model" json:"image_id"`
	ModelName string    `gorm:"size:128;uniqueIndex:uidx_image_model" json:"model_name"`
	ModelID   string    `gorm:"size:128" json:"model_id"`
	Dimension int       `json:"dimension"`
	Vector    []byte    `gorm:"type:blob" json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// TagEmbedding is one vector for a tag description.
type TagEmbedding struct {
	ID        int64     `gorm:"primaryKey" json:"id"`
	TagID     int64     `gorm:"uniqueIndex:uidx_tag_model" json:"tag_id"`
	ModelName string    `gorm:"size:128;uniqueIndex:uidx_tag_model" json:"model_name"`
	Dimension int       `json:"dimension"`
	Vector    []byte    `gorm:"type:blob" json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EncodeVector serializes a float vector for blob storage.
func EncodeVector(v []float32) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode vector: %w", err)
	}
	return data, nil
}

// DecodeVector deserializes a stored vector blob.
func DecodeVector(data []byte) ([]float32, error) {
	var v []float32
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decode vector: %w", err)
	}
	return v, nil
}
