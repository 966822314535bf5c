package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kryptoslogic/assemblyline-core/core/go/types"
)

func TestMemSubmissionStore(t *testing.T) {
	ctx := context.Background()
	ds := NewMemoryDatastore()

	sub, err := ds.Submissions().Get(ctx, "missing")
	require.NoError(t, err)
	require.Nil(t, sub)

	want := &types.Submission{
		SID:     "sid-1",
		ScanKey: "key-1",
		Files: []types.File{
			{SHA256: "aaaa", Size: 100, Name: "a.bin"},
		},
		State:      types.StateSubmitted,
		SubmitTime: time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, ds.Submissions().Save(ctx, want))

	got, err := ds.Submissions().Get(ctx, "sid-1")
	require.NoError(t, err)
	require.Equal(t, want, got)

	// Saved records are copies; mutating the original does not leak through.
	want.State = types.StateCompleted
	got, err = ds.Submissions().Get(ctx, "sid-1")
	require.NoError(t, err)
	require.Equal(t, types.StateSubmitted, got.State)
}

func TestMemErrorStore_CountsFailures(t *testing.T) {
	ctx := context.Background()
	ds := NewMemoryDatastore()

	n, err := ds.Errors().CountFailures(ctx, "sid", "aaaa", "core-a")
	require.NoError(t, err)
	require.Equal(t, 0, n)

	// Timeout and crash errors count toward the failure limit.
	for i := 0; i < 2; i++ {
		require.NoError(t, ds.Errors().Save(ctx, NewErrorKey("aaaa", "core-a"), &types.Error{
			SHA256:      "aaaa",
			SID:         "sid",
			ServiceName: "core-a",
			Category:    types.ErrorCategoryTimeout,
		}))
	}
	require.NoError(t, ds.Errors().Save(ctx, NewErrorKey("aaaa", "core-a"), &types.Error{
		SHA256:      "aaaa",
		SID:         "sid",
		ServiceName: "core-a",
		Category:    types.ErrorCategoryCrash,
	}))

	// Terminal errors do not.
	require.NoError(t, ds.Errors().Save(ctx, TerminalErrorKey("aaaa", "core-a"), &types.Error{
		SHA256:      "aaaa",
		SID:         "sid",
		ServiceName: "core-a",
		Category:    types.ErrorCategoryTerminal,
	}))

	n, err = ds.Errors().CountFailures(ctx, "sid", "aaaa", "core-a")
	require.NoError(t, err)
	require.Equal(t, 3, n)

	// Other triples are unaffected.
	n, err = ds.Errors().CountFailures(ctx, "sid", "aaaa", "core-b")
	require.NoError(t, err)
	require.Equal(t, 0, n)
	n, err = ds.Errors().CountFailures(ctx, "sid-2", "aaaa", "core-a")
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestTerminalErrorKey_Deterministic(t *testing.T) {
	require.Equal(t, TerminalErrorKey("aaaa", "core-a"), TerminalErrorKey("aaaa", "core-a"))
	require.NotEqual(t, TerminalErrorKey("aaaa", "core-a"), TerminalErrorKey("aaaa", "core-b"))
	require.NotEqual(t, NewErrorKey("aaaa", "core-a"), NewErrorKey("aaaa", "core-a"))
}

func TestMemFileScoreStore(t *testing.T) {
	ctx := context.Background()
	ds := NewMemoryDatastore()

	entry, err := ds.FileScores().Get(ctx, "key-1")
	require.NoError(t, err)
	require.Nil(t, entry)

	want := &types.FileScoreEntry{
		Score:  500,
		SID:    "sid-1",
		Errors: 1,
		Time:   time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, ds.FileScores().Save(ctx, "key-1", want))

	got, err := ds.FileScores().Get(ctx, "key-1")
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestMemServiceStore_ListSorted(t *testing.T) {
	ctx := context.Background()
	ds := NewMemoryDatastore()

	for _, name := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, ds.Services().Save(ctx, &types.Service{
			Name:     name,
			Category: types.CategoryCore,
			Enabled:  true,
		}))
	}

	services, err := ds.Services().List(ctx)
	require.NoError(t, err)
	require.Len(t, services, 3)
	require.Equal(t, "alpha", services[0].Name)
	require.Equal(t, "mid", services[1].Name)
	require.Equal(t, "zeta", services[2].Name)
}
