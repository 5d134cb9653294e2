package reconcile

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/plendy/sharesync/pkg/logger"
	"github.com/plendy/sharesync/pkg/storage"
	"github.com/plendy/sharesync/pkg/storage/memory"
)

func TestRunRebuildsDriftedAccessSets(t *testing.T) {
	ctx := context.Background()
	ds := memory.New()

	// e1 drifted: its cache holds a stale member and misses a live one.
	require.NoError(t, ds.WriteExperience(ctx, &storage.Experience{
		ID: "e1", Owner: "u1", PrimaryCategory: "catA", AccessSet: []string{"stale"},
	}))
	require.NoError(t, ds.WriteExperience(ctx, &storage.Experience{
		ID: "e2", Owner: "u1", PrimaryCategory: "catA", AccessSet: []string{"u2"},
	}))
	require.NoError(t, ds.WriteGrant(ctx, &storage.Grant{
		ID: "g1", Owner: "u1", Scope: storage.ScopeCategory, ScopeID: "catA", Grantee: "u2",
	}))

	summary, err := NewJob(ds, logger.NewNoopLogger()).Run(ctx, Options{PagePause: -1})
	require.NoError(t, err)
	require.Equal(t, 2, summary.Processed)
	require.Equal(t, 1, summary.Updated)
	require.Zero(t, summary.Failed)
	require.Empty(t, summary.Cursor)

	e, err := ds.GetExperience(ctx, "e1")
	require.NoError(t, err)
	require.Equal(t, []string{"u2"}, e.AccessSet)
}

func TestRunDryRunWritesNothing(t *testing.T) {
	ctx := context.Background()
	ds := memory.New()

	require.NoError(t, ds.WriteExperience(ctx, &storage.Experience{
		ID: "e1", Owner: "u1", AccessSet: []string{"stale"},
	}))

	summary, err := NewJob(ds, logger.NewNoopLogger()).Run(ctx, Options{DryRun: true, PagePause: -1})
	require.NoError(t, err)
	require.Equal(t, 1, summary.Processed)
	require.Equal(t, 1, summary.Updated)
	require.True(t, summary.DryRun)

	e, err := ds.GetExperience(ctx, "e1")
	require.NoError(t, err)
	require.Equal(t, []string{"stale"}, e.AccessSet)
}

func TestRunResumesFromCursor(t *testing.T) {
	ctx := context.Background()
	ds := memory.New()

	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, ds.WriteExperience(ctx, &storage.Experience{
			ID:        fmt.Sprintf("e%d", i),
			Owner:     "u1",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
			AccessSet: []string{"stale"},
		}))
	}

	job := NewJob(ds, logger.NewNoopLogger())

	first, err := job.Run(ctx, Options{BatchSize: 2, MaxItems: 2, PagePause: -1})
	require.NoError(t, err)
	require.Equal(t, 2, first.Processed)
	require.NotEmpty(t, first.Cursor)

	second, err := job.Run(ctx, Options{BatchSize: 2, Cursor: first.Cursor, PagePause: -1})
	require.NoError(t, err)
	require.Equal(t, 3, second.Processed)
	require.Empty(t, second.Cursor)

	for i := 0; i < 5; i++ {
		e, err := ds.GetExperience(ctx, fmt.Sprintf("e%d", i))
		require.NoError(t, err)
		require.Empty(t, e.AccessSet)
	}
}

func TestRunHonorsMaxItems(t *testing.T) {
	ctx := context.Background()
	ds := memory.New()

	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		require.NoError(t, ds.WriteExperience(ctx, &storage.Experience{
			ID:        fmt.Sprintf("e%d", i),
			Owner:     "u1",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	summary, err := NewJob(ds, logger.NewNoopLogger()).Run(ctx, Options{BatchSize: 4, MaxItems: 6, PagePause: -1})
	require.NoError(t, err)
	require.Equal(t, 6, summary.Processed)
	require.NotEmpty(t, summary.Cursor)
}

func TestRunUnchangedSetsStayUntouched(t *testing.T) {
	ctx := context.Background()
	ds := memory.New()

	require.NoError(t, ds.WriteExperience(ctx, &storage.Experience{
		ID: "e1", Owner: "u1", PrimaryCategory: "catA", AccessSet: []string{"u2"},
	}))
	require.NoError(t, ds.WriteGrant(ctx, &storage.Grant{
		ID: "g1", Owner: "u1", Scope: storage.ScopeCategory, ScopeID: "catA", Grantee: "u2",
	}))

	summary, err := NewJob(ds, logger.NewNoopLogger()).Run(ctx, Options{PagePause: -1})
	require.NoError(t, err)
	require.Equal(t, 1, summary.Processed)
	require.Zero(t, summary.Updated)
}

func TestRunAbortsOnBadCursor(t *testing.T) {
	ctx := context.Background()
	ds := memory.New()

	require.NoError(t, ds.WriteExperience(ctx, &storage.Experience{ID: "e1", Owner: "u1"}))

	_, err := NewJob(ds, logger.NewNoopLogger()).Run(ctx, Options{Cursor: "garbage", PagePause: -1})
	require.ErrorIs(t, err, storage.ErrInvalidContinuationToken)
}

func TestSameSet(t *testing.T) {
	require.True(t, sameSet(nil, nil))
	require.True(t, sameSet([]string{"a", "b"}, []string{"b", "a"}))
	require.False(t, sameSet([]string{"a"}, []string{"a", "b"}))
	require.False(t, sameSet([]string{"a"}, []string{"b"}))
}
