package storage_test

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/projecteru2/lumen/database"
	"github.com/projecteru2/lumen/storage"
	"github.com/projecteru2/lumen/storage/local"
	"github.com/projecteru2/lumen/types"
)

// namedBackend gives a second local backend a distinct id inside one registry.
type namedBackend struct {
	storage.Storage
	id types.BackendID
}

func (n namedBackend) Type() types.BackendID { return n.id }

// brokenStats fails every Stats call.
type brokenStats struct {
	storage.Storage
	id types.BackendID
}

func (b brokenStats) Type() types.BackendID { return b.id }

func (b brokenStats) Stats(context.Context) (types.StorageStats, error) {
	return types.StorageStats{}, errors.New("account unreachable")
}

func newTwoBackendManager(t *testing.T) (*storage.Manager, types.BackendID, types.BackendID) {
	t.Helper()
	first, err := local.New(t.TempDir())
	require.NoError(t, err)
	second, err := local.New(t.TempDir())
	require.NoError(t, err)

	otherID := types.BackendID("s3:test")
	m := storage.NewManager(nil)
	require.NoError(t, m.ApplyRegistry(storage.Registry{
		types.LocalBackendID: first,
		otherID:              namedBackend{Storage: second, id: otherID},
	}, types.LocalBackendID))
	return m, types.LocalBackendID, otherID
}

func TestContextOverrideRouting(t *testing.T) {
	ctx := context.Background()
	m, defaultID, otherID := newTwoBackendManager(t)
	assert.Equal(t, defaultID, m.DefaultID())

	// Default routing.
	_, err := m.Upload(ctx, strings.NewReader("on default"), "a.jpg")
	require.NoError(t, err)

	// Override routes to the other backend without touching the default.
	overridden := storage.WithBackend(ctx, otherID)
	_, err = m.Upload(overridden, strings.NewReader("on other"), "b.jpg")
	require.NoError(t, err)

	exists, err := m.Exists(ctx, "b.jpg")
	require.NoError(t, err)
	assert.False(t, exists)
	exists, err = m.Exists(overridden, "b.jpg")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestUnknownBackendFails(t *testing.T) {
	m, _, _ := newTwoBackendManager(t)

	_, err := m.Backend("aliyunpan:nobody")
	require.ErrorIs(t, err, storage.ErrBackendNotInitialized)

	ctx := storage.WithBackend(context.Background(), "aliyunpan:nobody")
	_, err = m.Download(ctx, "a.jpg")
	require.ErrorIs(t, err, storage.ErrBackendNotInitialized)
}

func TestApplyRegistryValidation(t *testing.T) {
	m := storage.NewManager(nil)
	require.Error(t, m.ApplyRegistry(storage.Registry{}, types.LocalBackendID))

	backend, err := local.New(t.TempDir())
	require.NoError(t, err)
	err = m.ApplyRegistry(storage.Registry{types.LocalBackendID: backend}, "s3:missing")
	require.ErrorIs(t, err, storage.ErrBackendNotInitialized)
}

func TestRegistrySwapIsAtomic(t *testing.T) {
	ctx := context.Background()
	m, _, otherID := newTwoBackendManager(t)

	// An in-flight handle resolved before the swap keeps working.
	before, err := m.Backend(otherID)
	require.NoError(t, err)

	replacement, err := local.New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, m.ApplyRegistry(
		storage.Registry{types.LocalBackendID: replacement}, types.LocalBackendID))

	_, err = m.Backend(otherID)
	require.ErrorIs(t, err, storage.ErrBackendNotInitialized)
	_, err = before.Upload(ctx, strings.NewReader("still alive"), "late.jpg")
	require.NoError(t, err)
}

func TestMultiStatsToleratesFailingBackend(t *testing.T) {
	ctx := context.Background()
	healthy, err := local.New(t.TempDir())
	require.NoError(t, err)

	brokenID := types.BackendID("aliyunpan:42")
	m := storage.NewManager(nil)
	require.NoError(t, m.ApplyRegistry(storage.Registry{
		types.LocalBackendID: healthy,
		brokenID:             brokenStats{Storage: healthy, id: brokenID},
	}, types.LocalBackendID))

	stats := m.MultiStats(ctx)
	require.Len(t, stats, 2)
	for _, s := range stats {
		switch s.ID {
		case brokenID:
			assert.Zero(t, s.UsedBytes)
			assert.Zero(t, s.TotalBytes)
			assert.False(t, s.IsDefault)
			assert.Equal(t, "阿里云盘 42", s.DisplayName)
		case types.LocalBackendID:
			assert.True(t, s.IsDefault)
			assert.Equal(t, "本地存储", s.DisplayName)
		default:
			t.Fatalf("unexpected backend %s", s.ID)
		}
	}
}

func TestUploadImageDedupAndHook(t *testing.T) {
	ctx := context.Background()
	db, err := database.OpenMemory(ctx)
	require.NoError(t, err)
	backend, err := local.New(t.TempDir())
	require.NoError(t, err)

	m := storage.NewManager(db)
	require.NoError(t, m.ApplyRegistry(
		storage.Registry{types.LocalBackendID: backend}, types.LocalBackendID))

	var hooked []int64
	m.OnImageCreated(func(_ context.Context, img *types.Image) {
		hooked = append(hooked, img.ID)
	})

	img, err := m.UploadImage(ctx, strings.NewReader("raw image bytes"), "IMG_0001.JPG")
	require.NoError(t, err)
	assert.Equal(t, types.LocalBackendID, img.StorageID)
	assert.EqualValues(t, len("raw image bytes"), img.Size)
	assert.Len(t, img.Hash, 64)
	assert.Equal(t, []int64{img.ID}, hooked)

	// Blob lands under YYYY/MM/<hash><ext> with a lowercased extension.
	prefix := time.Now().Format("2006/01") + "/"
	assert.True(t, strings.HasPrefix(img.StoragePath, prefix), img.StoragePath)
	assert.True(t, strings.HasSuffix(img.StoragePath, img.Hash+".jpg"), img.StoragePath)

	rc, err := m.Download(ctx, img.StoragePath)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "raw image bytes", string(data))

	// Same content again is rejected, and the hook does not re-fire.
	_, err = m.UploadImage(ctx, strings.NewReader("raw image bytes"), "copy.jpg")
	require.ErrorIs(t, err, storage.ErrAlreadyExists)
	assert.Len(t, hooked, 1)
}
