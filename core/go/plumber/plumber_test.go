package plumber

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kryptoslogic/assemblyline-core/core/go/config"
	"github.com/kryptoslogic/assemblyline-core/core/go/dispatcher"
	"github.com/kryptoslogic/assemblyline-core/core/go/queue"
	"github.com/kryptoslogic/assemblyline-core/core/go/scheduler"
	"github.com/kryptoslogic/assemblyline-core/core/go/store"
	"github.com/kryptoslogic/assemblyline-core/core/go/types"
)

func TestSweepOnce(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()
	factory := queue.NewMemoryFactory()
	ds := store.NewMemoryDatastore()

	require.NoError(t, ds.Services().Save(ctx, &types.Service{
		Name: "live", Category: types.CategoryCore, Enabled: true,
	}))
	require.NoError(t, ds.Services().Save(ctx, &types.Service{
		Name: "dead", Category: types.CategoryCore, Enabled: false,
	}))
	require.NoError(t, ds.Submissions().Save(ctx, &types.Submission{
		SID:   "the-sid",
		Files: []types.File{{SHA256: "aaaa"}},
		State: types.StateSubmitted,
	}))

	push := func(service string) {
		data, err := json.Marshal(&types.ServiceTask{
			SID:         "the-sid",
			FileHash:    "aaaa",
			ServiceName: service,
		})
		require.NoError(t, err)
		require.NoError(t, factory.NamedQueue(types.ServiceQueue(service)).Push(ctx, data))
	}
	push("live")
	push("dead")

	client := dispatcher.NewClient(cfg, factory, ds, scheduler.New(ds.Services(), cfg))
	p := New(factory, ds, client, time.Minute)
	require.NoError(t, p.SweepOnce(ctx))

	// The live queue is untouched, the dead one was drained with a terminal
	// error.
	n, err := factory.NamedQueue(types.ServiceQueue("live")).Length(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
	n, err = factory.NamedQueue(types.ServiceQueue("dead")).Length(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 0, n)

	aerr, err := ds.Errors().Get(ctx, store.TerminalErrorKey("aaaa", "dead"))
	require.NoError(t, err)
	require.NotNil(t, aerr)
	require.Equal(t, "Service disabled", aerr.Message)

	// The file went back to the dispatcher to continue its walk.
	data, err := factory.NamedQueue(types.FileDispatch).PopNow(ctx)
	require.NoError(t, err)
	require.NotNil(t, data)
}
