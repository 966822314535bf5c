package dispatcher

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kryptoslogic/assemblyline-core/core/go/queue"
)

func TestDispatchHash_FileRegistration(t *testing.T) {
	ctx := context.Background()
	dh := NewDispatchHash(queue.NewMemoryFactory(), "some-sid")

	added, err := dh.AddFile(ctx, "aaaa", "unknown", 0)
	require.NoError(t, err)
	require.True(t, added)
	added, err = dh.AddFile(ctx, "aaaa", "unknown", 0)
	require.NoError(t, err)
	require.False(t, added)
	added, err = dh.AddFile(ctx, "bbbb", "zip", 1)
	require.NoError(t, err)
	require.True(t, added)

	files, err := dh.Files(ctx)
	require.NoError(t, err)
	require.Len(t, files, 2)
	n, err := dh.FileCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestDispatchHash_DispatchLifecycle(t *testing.T) {
	ctx := context.Background()
	dh := NewDispatchHash(queue.NewMemoryFactory(), "some-sid")

	_, ok, err := dh.Dispatched(ctx, "aaaa", "extract")
	require.NoError(t, err)
	require.False(t, ok)

	ts := time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, dh.MarkDispatched(ctx, "aaaa", "extract", ts))
	got, ok, err := dh.Dispatched(ctx, "aaaa", "extract")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, got.Equal(ts))

	// Finishing clears the outstanding-task marker.
	require.NoError(t, dh.MarkFinished(ctx, "aaaa", "extract", &FinishRecord{ResultKey: "rk"}))
	_, ok, err = dh.Dispatched(ctx, "aaaa", "extract")
	require.NoError(t, err)
	require.False(t, ok)
	rec, err := dh.Finished(ctx, "aaaa", "extract")
	require.NoError(t, err)
	require.Equal(t, "rk", rec.ResultKey)
}

func TestDispatchHash_CompleteClaimedOnce(t *testing.T) {
	ctx := context.Background()
	dh := NewDispatchHash(queue.NewMemoryFactory(), "some-sid")

	claimed, err := dh.MarkComplete(ctx)
	require.NoError(t, err)
	require.True(t, claimed)
	claimed, err = dh.MarkComplete(ctx)
	require.NoError(t, err)
	require.False(t, claimed)
}

func TestDispatchHash_ErrorKeysAndDestroy(t *testing.T) {
	ctx := context.Background()
	factory := queue.NewMemoryFactory()
	dh := NewDispatchHash(factory, "some-sid")

	require.NoError(t, dh.AddError(ctx, "key-1"))
	require.NoError(t, dh.AddError(ctx, "key-2"))
	keys, err := dh.ErrorKeys(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"key-1", "key-2"}, keys)

	require.NoError(t, dh.Destroy(ctx))
	keys, err = NewDispatchHash(factory, "some-sid").ErrorKeys(ctx)
	require.NoError(t, err)
	require.Empty(t, keys)
}
