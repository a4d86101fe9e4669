package aitask

import (
	"context"
	"fmt"
	"io"
	"math"
	"path"

	"gorm.io/gorm"

	"github.com/projecteru2/lumen/config"
	"github.com/projecteru2/lumen/notify"
	"github.com/projecteru2/lumen/progress"
	"github.com/projecteru2/lumen/storage"
	"github.com/projecteru2/lumen/types"
)

// maxImageBytes caps what a processor will pull into memory for inference.
const maxImageBytes = 32 << 20

// Env is what every processor gets to work with.
type Env struct {
	DB      *gorm.DB
	Store   *storage.Manager
	Pool    *Pool
	Bus     *notify.Bus
	Conf    config.AIConfig
	Tracker progress.Tracker
}

// Processor handles one task kind. Process runs one item against one model
// and returns an error to park the item as failed.
type Processor interface {
	Kind() types.TaskKind
	// Capability names the model capability this kind needs; empty means any
	// model applies.
	Capability() string
	// FindPending returns catalog items still missing this kind's artifact
	// for the model, in creation order, capped at limit. Kinds that are only
	// triggered explicitly return nothing.
	FindPending(ctx context.Context, modelName string, limit int) ([]int64, error)
	Process(ctx context.Context, modelName string, itemID int64) error
}

// Processors builds the full processor set.
func Processors(env *Env) []Processor {
	if env.Tracker == nil {
		env.Tracker = progress.Nop
	}
	return []Processor{
		&imageEmbeddingProcessor{env},
		&tagEmbeddingProcessor{env},
		&aestheticProcessor{env},
		&albumNamingProcessor{env},
		&smartAlbumProcessor{env},
	}
}

// loadImageBytes pulls an image blob into memory, preferring the thumbnail:
// models downscale anyway and thumbnails skip the cloud round trip for
// originals parked on a drive.
func (e *Env) loadImageBytes(ctx context.Context, img *types.Image) ([]byte, string, error) {
	backendID, blobPath := img.ThumbnailStorageID, img.ThumbnailPath
	if blobPath == "" {
		backendID, blobPath = img.StorageID, img.StoragePath
	}
	backend, err := e.Store.Backend(backendID)
	if err != nil {
		return nil, "", err
	}
	rc, err := backend.Download(ctx, blobPath)
	if err != nil {
		return nil, "", fmt.Errorf("download %s: %w", blobPath, err)
	}
	defer rc.Close() //nolint:errcheck

	data, err := io.ReadAll(io.LimitReader(rc, maxImageBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("read %s: %w", blobPath, err)
	}
	if len(data) > maxImageBytes {
		return nil, "", fmt.Errorf("image %d blob exceeds %d bytes", img.ID, maxImageBytes)
	}
	return data, mimeForPath(blobPath), nil
}

func mimeForPath(p string) string {
	switch path.Ext(p) {
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	case ".gif":
		return "image/gif"
	default:
		return "image/jpeg"
	}
}

// cosine similarity of two equal-length vectors; 0 when either is degenerate.
func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// meanVector averages a set of equal-length vectors.
func meanVector(vectors [][]float32) []float32 {
	if len(vectors) == 0 {
		return nil
	}
	mean := make([]float32, len(vectors[0]))
	for _, v := range vectors {
		for i := range mean {
			mean[i] += v[i]
		}
	}
	for i := range mean {
		mean[i] /= float32(len(vectors))
	}
	return mean
}
