package watcher

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kryptoslogic/assemblyline-core/core/go/queue"
	"github.com/kryptoslogic/assemblyline-core/go/now"
)

var baseTime = time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)

func TestWatcher_DeliversDueMessage(t *testing.T) {
	ctx := now.TimeTravelingContext(baseTime)
	f := queue.NewMemoryFactory()
	client := NewClient(f)
	server := NewServer(f, time.Millisecond)

	require.NoError(t, client.Touch(ctx, "sub-1", time.Minute, "timeouts", []byte("msg-1")))

	// Not due yet.
	require.NoError(t, server.ScanOnce(ctx))
	data, err := f.NamedQueue("timeouts").PopNow(ctx)
	require.NoError(t, err)
	require.Nil(t, data)

	// Due exactly at the deadline.
	ctx.AdvanceTime(time.Minute)
	require.NoError(t, server.ScanOnce(ctx))
	data, err = f.NamedQueue("timeouts").PopNow(ctx)
	require.NoError(t, err)
	require.Equal(t, "msg-1", string(data))

	// Fired entries are removed; a second scan delivers nothing.
	require.NoError(t, server.ScanOnce(ctx))
	data, err = f.NamedQueue("timeouts").PopNow(ctx)
	require.NoError(t, err)
	require.Nil(t, data)
}

func TestWatcher_TouchPushesDeadlineBack(t *testing.T) {
	ctx := now.TimeTravelingContext(baseTime)
	f := queue.NewMemoryFactory()
	client := NewClient(f)
	server := NewServer(f, time.Millisecond)

	require.NoError(t, client.Touch(ctx, "sub-1", time.Minute, "timeouts", []byte("msg-1")))
	ctx.AdvanceTime(30 * time.Second)
	require.NoError(t, client.Touch(ctx, "sub-1", time.Minute, "timeouts", []byte("msg-2")))

	// The original deadline has passed, but the touch replaced it.
	ctx.AdvanceTime(45 * time.Second)
	require.NoError(t, server.ScanOnce(ctx))
	data, err := f.NamedQueue("timeouts").PopNow(ctx)
	require.NoError(t, err)
	require.Nil(t, data)

	// The replacement message is the one delivered.
	ctx.AdvanceTime(15 * time.Second)
	require.NoError(t, server.ScanOnce(ctx))
	data, err = f.NamedQueue("timeouts").PopNow(ctx)
	require.NoError(t, err)
	require.Equal(t, "msg-2", string(data))
}

func TestWatcher_Cancel(t *testing.T) {
	ctx := now.TimeTravelingContext(baseTime)
	f := queue.NewMemoryFactory()
	client := NewClient(f)
	server := NewServer(f, time.Millisecond)

	require.NoError(t, client.Touch(ctx, "sub-1", time.Minute, "timeouts", []byte("msg-1")))
	require.NoError(t, client.Cancel(ctx, "sub-1"))

	ctx.AdvanceTime(2 * time.Minute)
	require.NoError(t, server.ScanOnce(ctx))
	data, err := f.NamedQueue("timeouts").PopNow(ctx)
	require.NoError(t, err)
	require.Nil(t, data)

	// Cancelling twice is fine.
	require.NoError(t, client.Cancel(ctx, "sub-1"))
}

func TestWatcher_StartLoopDelivers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := queue.NewMemoryFactory()
	client := NewClient(f)
	server := NewServer(f, 5*time.Millisecond)

	require.NoError(t, client.Touch(ctx, "sub-1", 20*time.Millisecond, "timeouts", []byte("msg-1")))
	go server.Start(ctx)

	data, err := f.NamedQueue("timeouts").Pop(ctx, 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, "msg-1", string(data))
}
