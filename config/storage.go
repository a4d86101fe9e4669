package config

import (
	"fmt"
	"path/filepath"

	units "github.com/docker/go-units"
)

// StorageConfig describes every configured blob backend. It lives in the
// config file for bootstrap and is mirrored into the settings table so
// runtime edits survive restarts.
type StorageConfig struct {
	// DefaultID routes operations that carry no explicit backend override.
	// Empty means the local backend.
	DefaultID string `json:"default_id"`

	Local     LocalConfig       `json:"local"`
	Aliyunpan []AliyunpanConfig `json:"aliyunpan"`
	S3        []S3Config        `json:"s3"`
}

// LocalConfig is the filesystem backend.
type LocalConfig struct {
	// BasePath is the blob root. Empty means {RootDir}/blobs.
	BasePath string `json:"base_path"`
}

// BasePathOr resolves the blob root against the data root.
func (l LocalConfig) BasePathOr(rootDir string) string {
	if l.BasePath != "" {
		return l.BasePath
	}
	return filepath.Join(rootDir, "blobs")
}

// AliyunpanConfig is one drive account.
type AliyunpanConfig struct {
	RefreshToken string `json:"refresh_token"`
	BasePath     string `json:"base_path"`
	// DriveType selects the account drive: "file" (default), "album" or
	// "resource".
	DriveType string `json:"drive_type"`
	// ChunkSize is a human size ("512KiB", "4MiB") for download chunking.
	ChunkSize string `json:"chunk_size"`
	// Concurrency is the download worker count. Zero means the backend
	// default.
	Concurrency int `json:"concurrency"`
}

// ChunkBytes parses ChunkSize; zero means unset.
func (a AliyunpanConfig) ChunkBytes() (int64, error) {
	if a.ChunkSize == "" {
		return 0, nil
	}
	n, err := units.RAMInBytes(a.ChunkSize)
	if err != nil {
		return 0, fmt.Errorf("parse chunk_size %q: %w", a.ChunkSize, err)
	}
	return n, nil
}

// S3Config is one bucket on one S3-compatible endpoint.
type S3Config struct {
	// ID must be unique among S3 entries; the backend id is "s3:<id>".
	ID        string `json:"id"`
	Endpoint  string `json:"endpoint"`
	Region    string `json:"region"`
	Bucket    string `json:"bucket"`
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
	PathStyle bool   `json:"path_style"`
	SSL       bool   `json:"ssl"`
	Proxy     string `json:"proxy"`
	// URLPrefix serves blob URLs from a CDN in front of the bucket instead
	// of presigning.
	URLPrefix string `json:"url_prefix"`
}

// DefaultStorageConfig is local-only storage under the data root.
func DefaultStorageConfig() StorageConfig {
	return StorageConfig{}
}
