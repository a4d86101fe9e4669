package local

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/projecteru2/lumen/storage"
)

func newTestBackend(t *testing.T) *Local {
	t.Helper()
	l, err := New(t.TempDir())
	require.NoError(t, err)
	return l
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	ctx := context.Background()
	l := newTestBackend(t)

	stored, err := l.Upload(ctx, strings.NewReader("hello blob"), "2024/01/photo.jpg")
	require.NoError(t, err)
	assert.Equal(t, "2024/01/photo.jpg", stored)

	rc, err := l.Download(ctx, stored)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "hello blob", string(data))

	exists, err := l.Exists(ctx, stored)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestDownloadMissingIsNotFound(t *testing.T) {
	l := newTestBackend(t)
	_, err := l.Download(context.Background(), "nope.jpg")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	l := newTestBackend(t)

	_, err := l.Upload(ctx, strings.NewReader("x"), "a/b.jpg")
	require.NoError(t, err)
	require.NoError(t, l.Delete(ctx, "a/b.jpg"))
	// Second delete of the same path is still success.
	require.NoError(t, l.Delete(ctx, "a/b.jpg"))

	exists, err := l.Exists(ctx, "a/b.jpg")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestPathsAreConfinedToRoot(t *testing.T) {
	ctx := context.Background()
	l := newTestBackend(t)

	for _, p := range []string{"", "/", ".", ".."} {
		_, err := l.Upload(ctx, strings.NewReader("x"), p)
		assert.Error(t, err, "path %q", p)
	}

	// Traversal components collapse inside the root instead of escaping it.
	stored, err := l.Upload(ctx, strings.NewReader("x"), "../../etc/passwd")
	require.NoError(t, err)
	assert.Equal(t, "../../etc/passwd", stored)
	exists, err := l.Exists(ctx, "etc/passwd")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestMoveCreatesParents(t *testing.T) {
	ctx := context.Background()
	l := newTestBackend(t)

	_, err := l.Upload(ctx, strings.NewReader("x"), "old/p.jpg")
	require.NoError(t, err)
	require.NoError(t, l.Move(ctx, "old/p.jpg", "new/deep/p.jpg"))

	exists, err := l.Exists(ctx, "new/deep/p.jpg")
	require.NoError(t, err)
	assert.True(t, exists)
	exists, err = l.Exists(ctx, "old/p.jpg")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestURLIsNotSupported(t *testing.T) {
	l := newTestBackend(t)
	_, err := l.URL(context.Background(), "a.jpg")
	require.ErrorIs(t, err, storage.ErrNotSupported)
}

func TestDeleteBatch(t *testing.T) {
	ctx := context.Background()
	l := newTestBackend(t)

	paths := []string{"a.jpg", "b.jpg", "c.jpg"}
	for _, p := range paths {
		_, err := l.Upload(ctx, strings.NewReader("x"), p)
		require.NoError(t, err)
	}
	for _, err := range l.DeleteBatch(ctx, paths) {
		assert.NoError(t, err)
	}
}
