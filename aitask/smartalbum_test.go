package aitask

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/projecteru2/lumen/config"
	"github.com/projecteru2/lumen/database"
	"github.com/projecteru2/lumen/types"
)

func seedEmbeddings(t *testing.T, db *gorm.DB, model string, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		img := types.Image{
			OriginalName: "x.jpg",
			StorageID:    types.LocalBackendID,
			StoragePath:  "p",
			Hash:         string(rune('a'+i)) + "-hash",
		}
		require.NoError(t, db.Create(&img).Error)
		blob, err := types.EncodeVector([]float32{float32(i), 1})
		require.NoError(t, err)
		require.NoError(t, db.Create(&types.ImageEmbedding{
			ImageID:   img.ID,
			ModelName: model,
			Dimension: 2,
			Vector:    blob,
		}).Error)
	}
}

func clusteringServer(t *testing.T, clusters func(ids []int64) [][]int64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req clusterRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Embeddings, len(req.ImageIDs))
		groups := clusters(req.ImageIDs)
		out := clusterResponse{NClusters: len(groups)}
		for i, ids := range groups {
			out.Clusters = append(out.Clusters, clusterGroup{ClusterID: i, ImageIDs: ids})
		}
		json.NewEncoder(w).Encode(out) //nolint:errcheck
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSmartAlbumCreatesNumberedAlbums(t *testing.T) {
	ctx := context.Background()
	db, err := database.OpenMemory(ctx)
	require.NoError(t, err)
	seedEmbeddings(t, db, "clip", 6)

	srv := clusteringServer(t, func(ids []int64) [][]int64 {
		return [][]int64{
			{ids[0], ids[1], ids[2]},
			{ids[3], ids[4]},
			{ids[5]}, // below minimum size, dropped
		}
	})

	// A manually created smart album occupies #3; new ones continue after it.
	require.NoError(t, db.Create(&types.Album{Name: "智能相册 #3", IsSmart: true}).Error)

	env := &Env{DB: db, Conf: config.AIConfig{ClusteringEndpoint: srv.URL}}
	p := &smartAlbumProcessor{env: env}
	Processors(env) // normalizes the tracker

	task := &types.SmartAlbumTask{ModelName: "clip", Status: types.SmartAlbumPending}
	require.NoError(t, db.Create(task).Error)
	require.NoError(t, p.Process(ctx, "clip", task.ID))

	var albums []types.Album
	require.NoError(t, db.Where("is_smart = ?", true).Order("id").Find(&albums).Error)
	require.Len(t, albums, 3)
	assert.Equal(t, "智能相册 #4", albums[1].Name)
	assert.Equal(t, "智能相册 #5", albums[2].Name)

	var joins []types.AlbumImage
	require.NoError(t, db.Where("album_id = ?", albums[1].ID).Find(&joins).Error)
	assert.Len(t, joins, 3)

	var fresh types.SmartAlbumTask
	require.NoError(t, db.First(&fresh, task.ID).Error)
	assert.Equal(t, types.SmartAlbumCompleted, fresh.Status)
}

func TestSmartAlbumNeedsTwoImages(t *testing.T) {
	ctx := context.Background()
	db, err := database.OpenMemory(ctx)
	require.NoError(t, err)
	seedEmbeddings(t, db, "clip", 1)

	env := &Env{DB: db, Conf: config.AIConfig{ClusteringEndpoint: "http://unused"}}
	p := &smartAlbumProcessor{env: env}
	Processors(env)

	task := &types.SmartAlbumTask{ModelName: "clip", Status: types.SmartAlbumPending}
	require.NoError(t, db.Create(task).Error)

	err = p.Process(ctx, "clip", task.ID)
	require.ErrorIs(t, err, ErrNotEnoughImages)
	assert.Equal(t, "至少需要 2 张图片", ErrNotEnoughImages.Error())

	var fresh types.SmartAlbumTask
	require.NoError(t, db.First(&fresh, task.ID).Error)
	assert.Equal(t, types.SmartAlbumFailed, fresh.Status)
	assert.Equal(t, "至少需要 2 张图片", fresh.Error)
}

func TestSmartAlbumSkipsTrashedImages(t *testing.T) {
	ctx := context.Background()
	db, err := database.OpenMemory(ctx)
	require.NoError(t, err)
	seedEmbeddings(t, db, "clip", 3)

	// Trash one image; its embedding stays but must not cluster.
	require.NoError(t, db.Model(&types.Image{}).Where("id = ?", 1).
		Update("trashed_at", gorm.Expr("CURRENT_TIMESTAMP")).Error)

	var got []int64
	srv := clusteringServer(t, func(ids []int64) [][]int64 {
		got = ids
		return [][]int64{ids}
	})

	env := &Env{DB: db, Conf: config.AIConfig{ClusteringEndpoint: srv.URL}}
	p := &smartAlbumProcessor{env: env}
	Processors(env)

	task := &types.SmartAlbumTask{ModelName: "clip", Status: types.SmartAlbumPending}
	require.NoError(t, db.Create(task).Error)
	require.NoError(t, p.Process(ctx, "clip", task.ID))

	assert.NotContains(t, got, int64(1))
	assert.Len(t, got, 2)
}

func TestSanitizeAlbumName(t *testing.T) {
	cases := []struct{ in, want string }{
		{"“山间晨雾”", "山间晨雾"},
		{"相册名：夏日海岸\n这个名字体现了...", "夏日海岸"},
		{"  Sunset Drive  ", "Sunset Drive"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, sanitizeAlbumName(c.in))
	}
	long := make([]rune, 80)
	for i := range long {
		long[i] = '山'
	}
	assert.Len(t, []rune(sanitizeAlbumName(string(long))), albumNameMaxRunes)
}
