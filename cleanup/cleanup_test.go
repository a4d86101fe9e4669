package cleanup

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/projecteru2/lumen/config"
	"github.com/projecteru2/lumen/database"
	"github.com/projecteru2/lumen/lock/flock"
	"github.com/projecteru2/lumen/storage"
	"github.com/projecteru2/lumen/storage/local"
	"github.com/projecteru2/lumen/types"
)

func newTestRunner(t *testing.T, retention time.Duration) (*Runner, *gorm.DB, storage.Storage) {
	t.Helper()
	ctx := context.Background()
	db, err := database.OpenMemory(ctx)
	require.NoError(t, err)

	backend, err := local.New(t.TempDir())
	require.NoError(t, err)
	m := storage.NewManager(db)
	require.NoError(t, m.ApplyRegistry(
		storage.Registry{types.LocalBackendID: backend}, types.LocalBackendID))

	r := NewRunner(db, m, nil, config.CleanupConfig{
		Enabled:   true,
		Retention: config.Duration(retention),
		Interval:  config.Duration(time.Hour),
	}, flock.New(filepath.Join(t.TempDir(), "cleanup.lock")))
	return r, db, backend
}

func seedTrashed(t *testing.T, db *gorm.DB, backend storage.Storage, name string, trashedAt *time.Time) types.Image {
	t.Helper()
	p, err := backend.Upload(context.Background(), strings.NewReader("data-"+name), "2024/01/"+name)
	require.NoError(t, err)
	img := types.Image{
		OriginalName: name,
		StorageID:    types.LocalBackendID,
		StoragePath:  p,
		Hash:         "hash-" + name,
		TrashedAt:    trashedAt,
	}
	require.NoError(t, db.Create(&img).Error)
	require.NoError(t, db.Create(&types.ImageEmbedding{
		ImageID: img.ID, ModelName: "clip", Vector: []byte("[1]"),
	}).Error)
	return img
}

func TestSweepPurgesOnlyExpired(t *testing.T) {
	ctx := context.Background()
	r, db, backend := newTestRunner(t, 24*time.Hour)

	old := time.Now().Add(-48 * time.Hour)
	fresh := time.Now().Add(-time.Hour)
	expired := seedTrashed(t, db, backend, "old.jpg", &old)
	recent := seedTrashed(t, db, backend, "fresh.jpg", &fresh)
	live := seedTrashed(t, db, backend, "live.jpg", nil)

	n, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var count int64
	require.NoError(t, db.Model(&types.Image{}).Count(&count).Error)
	assert.EqualValues(t, 2, count)

	exists, err := backend.Exists(ctx, expired.StoragePath)
	require.NoError(t, err)
	assert.False(t, exists)
	for _, img := range []types.Image{recent, live} {
		exists, err := backend.Exists(ctx, img.StoragePath)
		require.NoError(t, err)
		assert.True(t, exists)
	}

	// Dependent rows of the purged image are gone too.
	var embeddings int64
	require.NoError(t, db.Model(&types.ImageEmbedding{}).
		Where("image_id = ?", expired.ID).Count(&embeddings).Error)
	assert.Zero(t, embeddings)
}

func TestSweepSurvivesMissingBlob(t *testing.T) {
	ctx := context.Background()
	r, db, backend := newTestRunner(t, time.Hour)

	old := time.Now().Add(-2 * time.Hour)
	img := seedTrashed(t, db, backend, "gone.jpg", &old)
	require.NoError(t, backend.Delete(ctx, img.StoragePath))

	n, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var count int64
	require.NoError(t, db.Model(&types.Image{}).Count(&count).Error)
	assert.Zero(t, count)
}
