package propagation

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/plendy/sharesync/pkg/storage"
	"github.com/plendy/sharesync/pkg/storage/memory"
)

func TestStillHasAccessDirectGrant(t *testing.T) {
	ctx := context.Background()
	ds := memory.New()

	require.NoError(t, ds.WriteGrant(ctx, &storage.Grant{
		ID: "g1", Owner: "u1", Scope: storage.ScopeExperience, ScopeID: "e1", Grantee: "u2",
	}))

	experience := &storage.Experience{ID: "e1", Owner: "u1", PrimaryCategory: "catA"}

	keep, err := NewEvaluator(ds).StillHasAccess(ctx, "u1", "u2", experience)
	require.NoError(t, err)
	require.True(t, keep)
}

func TestStillHasAccessCategoryGrant(t *testing.T) {
	ctx := context.Background()
	ds := memory.New()

	require.NoError(t, ds.WriteGrant(ctx, &storage.Grant{
		ID: "g1", Owner: "u1", Scope: storage.ScopeCategory, ScopeID: "catB", Grantee: "u2",
	}))

	evaluator := NewEvaluator(ds)

	keep, err := evaluator.StillHasAccess(ctx, "u1", "u2", &storage.Experience{
		ID: "e1", Owner: "u1", PrimaryCategory: "catA", SecondaryCategories: []string{"catB"},
	})
	require.NoError(t, err)
	require.True(t, keep)

	keep, err = evaluator.StillHasAccess(ctx, "u1", "u2", &storage.Experience{
		ID: "e2", Owner: "u1", PrimaryCategory: "catA",
	})
	require.NoError(t, err)
	require.False(t, keep)
}

func TestStillHasAccessColorGrant(t *testing.T) {
	ctx := context.Background()
	ds := memory.New()

	require.NoError(t, ds.WriteGrant(ctx, &storage.Grant{
		ID: "g1", Owner: "u1", Scope: storage.ScopeColorCategory, ScopeID: "red", Grantee: "u2",
	}))

	evaluator := NewEvaluator(ds)

	keep, err := evaluator.StillHasAccess(ctx, "u1", "u2", &storage.Experience{
		ID: "e1", Owner: "u1", ColorCategory: "red",
	})
	require.NoError(t, err)
	require.True(t, keep)

	// A plain category grant on "red" does not reach the color membership.
	keep, err = evaluator.StillHasAccess(ctx, "u1", "u3", &storage.Experience{
		ID: "e1", Owner: "u1", ColorCategory: "red",
	})
	require.NoError(t, err)
	require.False(t, keep)
}

func TestStillHasAccessChunksCategoryLookups(t *testing.T) {
	ctx := context.Background()
	ds := memory.New(memory.WithMaxScopeIDsPerQuery(2))

	// The granted category lands beyond the first predicate chunk.
	var secondaries []string
	for i := 0; i < 7; i++ {
		secondaries = append(secondaries, fmt.Sprintf("cat%d", i))
	}
	require.NoError(t, ds.WriteGrant(ctx, &storage.Grant{
		ID: "g1", Owner: "u1", Scope: storage.ScopeCategory, ScopeID: "cat6", Grantee: "u2",
	}))

	keep, err := NewEvaluator(ds).StillHasAccess(ctx, "u1", "u2", &storage.Experience{
		ID: "e1", Owner: "u1", SecondaryCategories: secondaries,
	})
	require.NoError(t, err)
	require.True(t, keep)
}

func TestChunkIDs(t *testing.T) {
	require.Nil(t, chunkIDs(nil, 3))
	require.Nil(t, chunkIDs([]string{"a"}, 0))

	chunks := chunkIDs([]string{"a", "b", "c", "d", "e"}, 2)
	require.Equal(t, [][]string{{"a", "b"}, {"c", "d"}, {"e"}}, chunks)
}

func TestGranteesWithAccess(t *testing.T) {
	ctx := context.Background()
	ds := memory.New()

	experience := &storage.Experience{
		ID:                  "e1",
		Owner:               "u1",
		PrimaryCategory:     "catA",
		SecondaryCategories: []string{"catB"},
		ColorCategory:       "red",
	}
	require.NoError(t, ds.WriteExperience(ctx, experience))

	grants := []*storage.Grant{
		{ID: "g1", Owner: "u1", Scope: storage.ScopeExperience, ScopeID: "e1", Grantee: "u2"},
		{ID: "g2", Owner: "u1", Scope: storage.ScopeCategory, ScopeID: "catB", Grantee: "u3"},
		{ID: "g3", Owner: "u1", Scope: storage.ScopeColorCategory, ScopeID: "red", Grantee: "u4"},
		// Self-grants never contribute.
		{ID: "g4", Owner: "u1", Scope: storage.ScopeCategory, ScopeID: "catA", Grantee: "u1"},
		// Unrelated category.
		{ID: "g5", Owner: "u1", Scope: storage.ScopeCategory, ScopeID: "catZ", Grantee: "u5"},
		// Other owner's grant on a same-named category.
		{ID: "g6", Owner: "other", Scope: storage.ScopeCategory, ScopeID: "catA", Grantee: "u6"},
	}
	for _, g := range grants {
		require.NoError(t, ds.WriteGrant(ctx, g))
	}

	got, err := GranteesWithAccess(ctx, ds, experience)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"u2", "u3", "u4"}, got)
}
