package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	conf, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/lumen", conf.RootDir)
	assert.Equal(t, ":8080", conf.ListenAddr)
	assert.Equal(t, "info", conf.Log.Level)
	assert.True(t, conf.Cleanup.Enabled)

	// A missing file is the same as no file.
	conf, err = LoadConfig(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	assert.Equal(t, ":8080", conf.ListenAddr)
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lumen.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"root_dir": "/srv/lumen",
		"listen_addr": ":9000",
		"storage": {
			"default_id": "aliyunpan:42",
			"aliyunpan": [{"refresh_token": "tok", "chunk_size": "1M", "concurrency": 4}]
		},
		"ai": {"dispatch_interval": "2s"},
		"cleanup": {"retention": "168h", "enabled": false}
	}`), 0o600))

	conf, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/srv/lumen", conf.RootDir)
	assert.Equal(t, ":9000", conf.ListenAddr)
	assert.Equal(t, "aliyunpan:42", conf.Storage.DefaultID)
	assert.Equal(t, 2*time.Second, conf.AI.DispatchInterval.D())
	assert.Equal(t, 7*24*time.Hour, conf.Cleanup.Retention.D())
	assert.False(t, conf.Cleanup.Enabled)

	require.Len(t, conf.Storage.Aliyunpan, 1)
	chunk, err := conf.Storage.Aliyunpan[0].ChunkBytes()
	require.NoError(t, err)
	assert.EqualValues(t, 1024*1024, chunk)
}

func TestDurationJSON(t *testing.T) {
	var d Duration
	require.NoError(t, json.Unmarshal([]byte(`"90s"`), &d))
	assert.Equal(t, 90*time.Second, d.D())

	// Plain numbers are nanoseconds, matching time.Duration.
	require.NoError(t, json.Unmarshal([]byte(`5000000000`), &d))
	assert.Equal(t, 5*time.Second, d.D())

	require.Error(t, json.Unmarshal([]byte(`"fast"`), &d))

	out, err := json.Marshal(Duration(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, `"1m0s"`, string(out))
}

func TestPathHelpers(t *testing.T) {
	conf := DefaultConfig()
	conf.RootDir = "/data"
	assert.Equal(t, "/data/db/lumen.db", conf.DatabasePath())
	assert.Equal(t, "/data/locks/dispatcher.lock", conf.DispatcherLock())
	assert.Equal(t, "/data/locks/cleanup.lock", conf.CleanupLock())
	assert.Equal(t, "/data/blobs", conf.Storage.Local.BasePathOr(conf.RootDir))

	conf.Storage.Local.BasePath = "/mnt/photos"
	assert.Equal(t, "/mnt/photos", conf.Storage.Local.BasePathOr(conf.RootDir))
}
