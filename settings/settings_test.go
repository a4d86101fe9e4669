package settings

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/projecteru2/lumen/config"
	"github.com/projecteru2/lumen/database"
	"github.com/projecteru2/lumen/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := database.OpenMemory(context.Background())
	require.NoError(t, err)
	return NewStore(db)
}

func TestSetGetUpsert(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.Get(ctx, types.SettingStorage, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Set(ctx, types.SettingStorage, "mode", types.SettingTypeString, "fast"))
	v, err := s.Get(ctx, types.SettingStorage, "mode")
	require.NoError(t, err)
	assert.Equal(t, "fast", v)

	// Same key again replaces the value instead of duplicating the row.
	require.NoError(t, s.Set(ctx, types.SettingStorage, "mode", types.SettingTypeString, "safe"))
	v, err = s.Get(ctx, types.SettingStorage, "mode")
	require.NoError(t, err)
	assert.Equal(t, "safe", v)

	var count int64
	require.NoError(t, s.db.Model(&types.Setting{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestStorageConfigRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, found, err := s.LoadStorageConfig(ctx)
	require.NoError(t, err)
	assert.False(t, found)

	cfg := config.DefaultStorageConfig()
	cfg.DefaultID = "aliyunpan:42"
	cfg.Aliyunpan = []config.AliyunpanConfig{{
		RefreshToken: "tok",
		BasePath:     "/lumen",
		ChunkSize:    "512K",
	}}
	require.NoError(t, s.SaveStorageConfig(ctx, cfg))

	loaded, found, err := s.LoadStorageConfig(ctx)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, cfg, loaded)
}
