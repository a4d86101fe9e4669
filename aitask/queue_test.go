package aitask

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/projecteru2/lumen/database"
	"github.com/projecteru2/lumen/types"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	db, err := database.OpenMemory(context.Background())
	require.NoError(t, err)
	return NewQueue(db)
}

func TestEnqueueIsIdempotent(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	added, err := q.Enqueue(ctx, types.TaskImageEmbedding, "clip", 1, 2, 3)
	require.NoError(t, err)
	assert.EqualValues(t, 3, added)

	// Same items again, plus one new.
	added, err = q.Enqueue(ctx, types.TaskImageEmbedding, "clip", 1, 2, 3, 4)
	require.NoError(t, err)
	assert.EqualValues(t, 1, added)

	added, err = q.Enqueue(ctx, types.TaskImageEmbedding, "clip", 1, 2, 3, 4)
	require.NoError(t, err)
	assert.EqualValues(t, 0, added)

	// Same items under a different model are a separate queue.
	added, err = q.Enqueue(ctx, types.TaskImageEmbedding, "siglip", 1, 2)
	require.NoError(t, err)
	assert.EqualValues(t, 2, added)

	status, err := q.Status(ctx, types.QueueKey(types.TaskImageEmbedding, "clip"))
	require.NoError(t, err)
	assert.EqualValues(t, 4, status.PendingCount)
}

func TestEnqueueDoesNotResurrectFailedItems(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	key := types.QueueKey(types.TaskAestheticScore, "vision")

	_, err := q.Enqueue(ctx, types.TaskAestheticScore, "vision", 7)
	require.NoError(t, err)

	items, err := q.NextPending(ctx, key, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.NoError(t, q.Fail(ctx, &items[0], errors.New("model exploded")))

	// Re-enqueueing must not flip it back to pending.
	added, err := q.Enqueue(ctx, types.TaskAestheticScore, "vision", 7)
	require.NoError(t, err)
	assert.EqualValues(t, 0, added)

	pending, err := q.NextPending(ctx, key, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	status, err := q.Status(ctx, key)
	require.NoError(t, err)
	assert.EqualValues(t, 1, status.FailedCount)

	// Explicit retry does.
	require.NoError(t, q.Retry(ctx, key, 7))
	pending, err = q.NextPending(ctx, key, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
	assert.Empty(t, pending[0].Error)
}

func TestFailedErrorTruncated(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	key := types.QueueKey(types.TaskTagEmbedding, "clip")

	_, err := q.Enqueue(ctx, types.TaskTagEmbedding, "clip", 1)
	require.NoError(t, err)
	items, err := q.NextPending(ctx, key, 1)
	require.NoError(t, err)

	long := make([]byte, 2*types.ItemErrorWidth)
	for i := range long {
		long[i] = 'x'
	}
	require.NoError(t, q.Fail(ctx, &items[0], errors.New(string(long))))

	status, err := q.Status(ctx, key)
	require.NoError(t, err)
	assert.EqualValues(t, 1, status.FailedCount)
}

func TestRetryAllAndIgnore(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	key := types.QueueKey(types.TaskImageEmbedding, "clip")

	_, err := q.Enqueue(ctx, types.TaskImageEmbedding, "clip", 1, 2, 3)
	require.NoError(t, err)
	items, err := q.NextPending(ctx, key, 10)
	require.NoError(t, err)
	for i := range items {
		require.NoError(t, q.Fail(ctx, &items[i], errors.New("boom")))
	}

	require.NoError(t, q.Ignore(ctx, key, 2))

	n, err := q.RetryAllFailed(ctx, key)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	pending, err := q.NextPending(ctx, key, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.EqualValues(t, 1, pending[0].ItemID)
	assert.EqualValues(t, 3, pending[1].ItemID)
}

func TestCompleteDeletesItem(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	key := types.QueueKey(types.TaskImageEmbedding, "clip")

	_, err := q.Enqueue(ctx, types.TaskImageEmbedding, "clip", 11)
	require.NoError(t, err)
	items, err := q.NextPending(ctx, key, 1)
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, &items[0]))

	status, err := q.Status(ctx, key)
	require.NoError(t, err)
	assert.Zero(t, status.PendingCount)
	assert.Zero(t, status.FailedCount)

	// Completed item can be enqueued again (re-embedding after model change).
	added, err := q.Enqueue(ctx, types.TaskImageEmbedding, "clip", 11)
	require.NoError(t, err)
	assert.EqualValues(t, 1, added)

	keys, err := q.PendingQueueKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{key}, keys)
}
