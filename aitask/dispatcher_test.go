package aitask

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/projecteru2/lumen/config"
	"github.com/projecteru2/lumen/database"
	"github.com/projecteru2/lumen/lock/flock"
	"github.com/projecteru2/lumen/types"
)

// stubProcessor fails the item ids in failIDs and counts every call.
type stubProcessor struct {
	kind    types.TaskKind
	failIDs map[int64]bool
	calls   atomic.Int64
}

func (s *stubProcessor) Kind() types.TaskKind { return s.kind }

func (s *stubProcessor) Capability() string { return "" }

func (s *stubProcessor) FindPending(context.Context, string, int) ([]int64, error) {
	return nil, nil
}

func (s *stubProcessor) Process(_ context.Context, _ string, itemID int64) error {
	s.calls.Add(1)
	if s.failIDs[itemID] {
		return fmt.Errorf("item %d is cursed", itemID)
	}
	return nil
}

func newTestDispatcher(t *testing.T, stub *stubProcessor) (*Dispatcher, *gorm.DB) {
	t.Helper()
	db, err := database.OpenMemory(context.Background())
	require.NoError(t, err)

	env := &Env{
		DB:   db,
		Pool: NewPool(config.AIConfig{}),
		Conf: config.AIConfig{
			DispatchInterval:  config.Duration(20 * time.Millisecond),
			DiscoveryInterval: config.Duration(50 * time.Millisecond),
		},
	}
	d := NewDispatcher(env, flock.New(filepath.Join(t.TempDir(), "dispatcher.lock")))
	d.processors[stub.kind] = stub

	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(func() { d.Stop(context.Background()) })
	return d, db
}

func TestDispatcherDrainsQueue(t *testing.T) {
	ctx := context.Background()
	stub := &stubProcessor{
		kind:    types.TaskImageEmbedding,
		failIDs: map[int64]bool{7: true, 42: true},
	}
	d, db := newTestDispatcher(t, stub)

	ids := make([]int64, 100)
	for i := range ids {
		ids[i] = int64(i + 1)
	}
	added, err := d.Enqueue(ctx, types.TaskImageEmbedding, "clip", ids...)
	require.NoError(t, err)
	require.EqualValues(t, 100, added)

	key := types.QueueKey(types.TaskImageEmbedding, "clip")
	require.Eventually(t, func() bool {
		status, err := d.Queue().Status(ctx, key)
		require.NoError(t, err)
		return status.PendingCount == 0
	}, 10*time.Second, 20*time.Millisecond)

	// Successes are deleted, failures parked.
	var remaining []types.AITaskItem
	require.NoError(t, db.Find(&remaining).Error)
	require.Len(t, remaining, 2)
	for _, item := range remaining {
		assert.Equal(t, types.ItemFailed, item.Status)
		assert.Contains(t, []int64{7, 42}, item.ItemID)
		assert.NotEmpty(t, item.Error)
	}
	assert.EqualValues(t, 100, stub.calls.Load())

	status, err := d.Queue().Status(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, types.QueueIdle, status.Status)
	assert.EqualValues(t, 2, status.FailedCount)
}

func TestDiscoveryPicksUpForeignWrites(t *testing.T) {
	ctx := context.Background()
	stub := &stubProcessor{kind: types.TaskTagEmbedding}
	d, db := newTestDispatcher(t, stub)

	// Simulate another process writing items directly, without a nudge.
	other := NewQueue(db)
	_, err := other.Enqueue(ctx, types.TaskTagEmbedding, "clip", 1, 2, 3)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return stub.calls.Load() == 3
	}, 10*time.Second, 20*time.Millisecond)

	status, err := d.Queue().Status(ctx, types.QueueKey(types.TaskTagEmbedding, "clip"))
	require.NoError(t, err)
	assert.Zero(t, status.PendingCount)
}

func TestSecondDispatcherStaysPassive(t *testing.T) {
	ctx := context.Background()
	db, err := database.OpenMemory(ctx)
	require.NoError(t, err)

	lockPath := filepath.Join(t.TempDir(), "dispatcher.lock")
	env := &Env{DB: db, Pool: NewPool(config.AIConfig{}), Conf: config.DefaultAIConfig()}

	first := NewDispatcher(env, flock.New(lockPath))
	require.NoError(t, first.Start(ctx))
	defer first.Stop(ctx)

	second := NewDispatcher(env, flock.New(lockPath))
	require.NoError(t, second.Start(ctx))
	assert.False(t, second.active)

	// A passive dispatcher still persists enqueues.
	added, err := second.Enqueue(ctx, types.TaskImageEmbedding, "clip", 1)
	require.NoError(t, err)
	assert.EqualValues(t, 1, added)
}
