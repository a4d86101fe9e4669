package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/projecteru2/core/log"
	"gorm.io/gorm"

	"github.com/projecteru2/lumen/types"
	"github.com/projecteru2/lumen/utils"
)

// Registry is one immutable generation of configured backends.
type Registry map[types.BackendID]Storage

// Manager routes Storage calls to a backend resolved from the ambient
// context override or the default id. The registry is copy-on-write: writers
// build a complete replacement and swap it under the write lock, so readers
// never observe a half-built generation. Long-running operations keep the
// backend reference they resolved and are unaffected by later swaps.
type Manager struct {
	mu        sync.RWMutex
	backends  Registry
	defaultID types.BackendID

	db *gorm.DB

	// onImageCreated fires after UploadImage commits a new catalog row,
	// letting the AI dispatcher enqueue derived work without a package cycle.
	onImageCreated func(ctx context.Context, img *types.Image)
}

// NewManager creates an empty manager. ApplyRegistry must run before any
// routing call succeeds. db may be nil when catalog features are unused.
func NewManager(db *gorm.DB) *Manager {
	return &Manager{backends: Registry{}, db: db}
}

// OnImageCreated registers the post-upload hook.
func (m *Manager) OnImageCreated(fn func(ctx context.Context, img *types.Image)) {
	m.onImageCreated = fn
}

// ApplyRegistry atomically publishes a fully built registry generation.
func (m *Manager) ApplyRegistry(reg Registry, defaultID types.BackendID) error {
	if len(reg) == 0 {
		return fmt.Errorf("apply registry: no backends configured")
	}
	if _, ok := reg[defaultID]; !ok {
		return fmt.Errorf("apply registry: default backend %q: %w", defaultID, ErrBackendNotInitialized)
	}
	m.mu.Lock()
	m.backends = reg
	m.defaultID = defaultID
	m.mu.Unlock()
	return nil
}

// DefaultID returns the current default backend id.
func (m *Manager) DefaultID() types.BackendID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.defaultID
}

// Backend resolves an explicit backend id.
func (m *Manager) Backend(id types.BackendID) (Storage, error) {
	m.mu.RLock()
	b, ok := m.backends[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("backend %q: %w", id, ErrBackendNotInitialized)
	}
	return b, nil
}

// Resolve picks the backend for this request: the context override when one
// is set, the default otherwise.
func (m *Manager) Resolve(ctx context.Context) (Storage, error) {
	if id, ok := BackendFromContext(ctx); ok {
		return m.Backend(id)
	}
	m.mu.RLock()
	id := m.defaultID
	m.mu.RUnlock()
	return m.Backend(id)
}

func (m *Manager) Upload(ctx context.Context, r io.Reader, p string) (string, error) {
	b, err := m.Resolve(ctx)
	if err != nil {
		return "", err
	}
	return b.Upload(ctx, r, p)
}

func (m *Manager) Download(ctx context.Context, p string) (io.ReadCloser, error) {
	b, err := m.Resolve(ctx)
	if err != nil {
		return nil, err
	}
	return b.Download(ctx, p)
}

func (m *Manager) Delete(ctx context.Context, p string) error {
	b, err := m.Resolve(ctx)
	if err != nil {
		return err
	}
	return b.Delete(ctx, p)
}

func (m *Manager) DeleteBatch(ctx context.Context, paths []string) []error {
	b, err := m.Resolve(ctx)
	if err != nil {
		errs := make([]error, len(paths))
		for i := range errs {
			errs[i] = err
		}
		return errs
	}
	return b.DeleteBatch(ctx, paths)
}

func (m *Manager) Exists(ctx context.Context, p string) (bool, error) {
	b, err := m.Resolve(ctx)
	if err != nil {
		return false, err
	}
	return b.Exists(ctx, p)
}

func (m *Manager) URL(ctx context.Context, p string) (string, error) {
	b, err := m.Resolve(ctx)
	if err != nil {
		return "", err
	}
	return b.URL(ctx, p)
}

func (m *Manager) Move(ctx context.Context, oldPath, newPath string) error {
	b, err := m.Resolve(ctx)
	if err != nil {
		return err
	}
	return b.Move(ctx, oldPath, newPath)
}

func (m *Manager) Stats(ctx context.Context) (types.StorageStats, error) {
	b, err := m.Resolve(ctx)
	if err != nil {
		return types.StorageStats{}, err
	}
	return b.Stats(ctx)
}

// MultiStats reports capacity for every live backend. A failing backend
// contributes zeros so one broken account cannot hide the rest.
func (m *Manager) MultiStats(ctx context.Context) []types.BackendStats {
	m.mu.RLock()
	defaultID := m.defaultID
	backends := make(map[types.BackendID]Storage, len(m.backends))
	for id, b := range m.backends {
		backends[id] = b
	}
	m.mu.RUnlock()

	logger := log.WithFunc("storage.MultiStats")
	result := make([]types.BackendStats, 0, len(backends))
	for id, b := range backends {
		stats, err := b.Stats(ctx)
		if err != nil {
			logger.Warnf(ctx, "stats for %s failed: %v", id, err)
			stats = types.StorageStats{}
		}
		result = append(result, types.BackendStats{
			ID:          id,
			DisplayName: displayName(id),
			UsedBytes:   stats.UsedBytes,
			TotalBytes:  stats.TotalBytes,
			IsDefault:   id == defaultID,
		})
	}
	return result
}

func displayName(id types.BackendID) string {
	kind, qualifier := id.Parse()
	switch kind {
	case types.KindLocal:
		return "本地存储"
	case types.KindAliyunpan:
		return "阿里云盘 " + qualifier
	default:
		return string(id)
	}
}

// ImageURL resolves accessible URLs for an image's original and thumbnail
// blobs. Backends without URL support (local) fall back to the server's own
// file route.
func (m *Manager) ImageURL(ctx context.Context, img *types.Image) (original, thumbnail string) {
	original = m.blobURL(ctx, img.StorageID, img.StoragePath,
		fmt.Sprintf("/api/v1/images/%d/original", img.ID))
	if img.ThumbnailPath != "" {
		thumbnail = m.blobURL(ctx, img.ThumbnailStorageID, img.ThumbnailPath,
			fmt.Sprintf("/api/v1/images/%d/thumbnail", img.ID))
	}
	return original, thumbnail
}

func (m *Manager) blobURL(ctx context.Context, id types.BackendID, p, fallback string) string {
	b, err := m.Backend(id)
	if err != nil {
		return ""
	}
	u, err := b.URL(ctx, p)
	if err != nil {
		if errors.Is(err, ErrNotSupported) {
			return fallback
		}
		log.WithFunc("storage.blobURL").Warnf(ctx, "url for %s %s failed: %v", id, p, err)
		return ""
	}
	return u
}

// UploadImage is the catalog write path: spool the stream while hashing,
// dedup by content hash, store the blob under YYYY/MM/<hash><ext>, insert the
// catalog row and fire the image-created hook.
func (m *Manager) UploadImage(ctx context.Context, r io.Reader, filename string) (*types.Image, error) {
	if m.db == nil {
		return nil, fmt.Errorf("upload image: catalog not attached")
	}
	b, err := m.Resolve(ctx)
	if err != nil {
		return nil, err
	}

	tmp, err := os.CreateTemp("", "lumen-upload-*")
	if err != nil {
		return nil, fmt.Errorf("create spool file: %w", err)
	}
	defer utils.RemoveTemp(ctx, tmp)

	h := sha256.New()
	size, err := io.Copy(tmp, io.TeeReader(r, h))
	if err != nil {
		return nil, fmt.Errorf("spool upload: %w", err)
	}
	hash := hex.EncodeToString(h.Sum(nil))

	var count int64
	if err := m.db.WithContext(ctx).Model(&types.Image{}).Where("hash = ?", hash).Count(&count).Error; err != nil {
		return nil, fmt.Errorf("dedup lookup: %w", err)
	}
	if count > 0 {
		return nil, fmt.Errorf("image with hash %s: %w", hash, ErrAlreadyExists)
	}

	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewind spool file: %w", err)
	}

	ext := strings.ToLower(path.Ext(filename))
	storedPath, err := b.Upload(ctx, tmp, path.Join(time.Now().Format("2006/01"), hash+ext))
	if err != nil {
		return nil, fmt.Errorf("upload blob: %w", err)
	}

	img := &types.Image{
		OriginalName: filename,
		StorageID:    b.Type(),
		StoragePath:  storedPath,
		Hash:         hash,
		Size:         size,
	}
	if err := m.db.WithContext(ctx).Create(img).Error; err != nil {
		// Keep catalog and blob consistent: remove the orphan blob.
		if delErr := b.Delete(ctx, storedPath); delErr != nil {
			log.WithFunc("storage.UploadImage").Warnf(ctx, "orphan blob %s on %s not removed: %v", storedPath, b.Type(), delErr)
		}
		return nil, fmt.Errorf("create image row: %w", err)
	}

	if m.onImageCreated != nil {
		m.onImageCreated(ctx, img)
	}
	return img, nil
}
