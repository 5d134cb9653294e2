package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/plendy/sharesync/pkg/storage"
)

func TestGrantReadWrite(t *testing.T) {
	ctx := context.Background()
	ds := New()

	grant := &storage.Grant{
		ID:          "g1",
		Owner:       "u1",
		Scope:       storage.ScopeCategory,
		ScopeID:     "catA",
		Grantee:     "u2",
		AccessLevel: storage.AccessLevelView,
	}
	require.NoError(t, ds.WriteGrant(ctx, grant))

	got, err := ds.GetGrant(ctx, "g1")
	require.NoError(t, err)
	require.Equal(t, grant, got)

	_, err = ds.GetGrant(ctx, "missing")
	require.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, ds.DeleteGrant(ctx, "g1"))
	_, err = ds.GetGrant(ctx, "g1")
	require.ErrorIs(t, err, storage.ErrNotFound)

	// Deleting an absent grant is not an error.
	require.NoError(t, ds.DeleteGrant(ctx, "g1"))
}

func TestReadGrantsFiltering(t *testing.T) {
	ctx := context.Background()
	ds := New()

	grants := []*storage.Grant{
		{ID: "g1", Owner: "u1", Scope: storage.ScopeCategory, ScopeID: "catA", Grantee: "u2"},
		{ID: "g2", Owner: "u1", Scope: storage.ScopeCategory, ScopeID: "catB", Grantee: "u3"},
		{ID: "g3", Owner: "u1", Scope: storage.ScopeExperience, ScopeID: "e1", Grantee: "u2"},
		{ID: "g4", Owner: "other", Scope: storage.ScopeCategory, ScopeID: "catA", Grantee: "u2"},
	}
	for _, g := range grants {
		require.NoError(t, ds.WriteGrant(ctx, g))
	}

	got, err := ds.ReadGrants(ctx, storage.GrantFilter{Owner: "u1", Scope: storage.ScopeCategory})
	require.NoError(t, err)
	require.Len(t, got, 2)

	got, err = ds.ReadGrants(ctx, storage.GrantFilter{
		Owner:    "u1",
		Grantee:  "u2",
		Scope:    storage.ScopeCategory,
		ScopeIDs: []string{"catA", "catB"},
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "g1", got[0].ID)
}

func TestReadGrantsScopeIDCap(t *testing.T) {
	ctx := context.Background()
	ds := New(WithMaxScopeIDsPerQuery(2))

	_, err := ds.ReadGrants(ctx, storage.GrantFilter{
		Owner:    "u1",
		ScopeIDs: []string{"a", "b", "c"},
	})
	require.ErrorIs(t, err, storage.ErrTooManyScopeIDs)
}

func TestReadExperiencesByCategory(t *testing.T) {
	ctx := context.Background()
	ds := New()

	experiences := []*storage.Experience{
		{ID: "e1", Owner: "u1", PrimaryCategory: "catA"},
		{ID: "e2", Owner: "u1", SecondaryCategories: []string{"catA", "catB"}},
		{ID: "e3", Owner: "u1", ColorCategory: "red"},
		{ID: "e4", Owner: "other", PrimaryCategory: "catA"},
	}
	for _, e := range experiences {
		require.NoError(t, ds.WriteExperience(ctx, e))
	}

	got, err := ds.ReadExperiencesByCategory(ctx, "u1", storage.ExperienceCategoryFilter{
		Membership: storage.MembershipPrimary,
		CategoryID: "catA",
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "e1", got[0].ID)

	got, err = ds.ReadExperiencesByCategory(ctx, "u1", storage.ExperienceCategoryFilter{
		Membership: storage.MembershipSecondary,
		CategoryID: "catA",
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "e2", got[0].ID)

	got, err = ds.ReadExperiencesByCategory(ctx, "u1", storage.ExperienceCategoryFilter{
		Membership: storage.MembershipColor,
		CategoryID: "red",
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "e3", got[0].ID)
}

func TestReadExperiencePagePagination(t *testing.T) {
	ctx := context.Background()
	ds := New()

	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, ds.WriteExperience(ctx, &storage.Experience{
			ID:        fmt.Sprintf("e%d", i),
			Owner:     "u1",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	var seen []string
	contToken := ""
	pages := 0
	for {
		page, token, err := ds.ReadExperiencePage(ctx, storage.PaginationOptions{
			PageSize: 2,
			From:     contToken,
		})
		require.NoError(t, err)
		for _, e := range page {
			seen = append(seen, e.ID)
		}
		pages++
		if token == "" {
			break
		}
		contToken = token
	}

	require.Equal(t, 3, pages)
	// Newest first.
	require.Equal(t, []string{"e4", "e3", "e2", "e1", "e0"}, seen)
}

func TestReadExperiencePageTiebreak(t *testing.T) {
	ctx := context.Background()
	ds := New()

	createdAt := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, ds.WriteExperience(ctx, &storage.Experience{
			ID:        id,
			Owner:     "u1",
			CreatedAt: createdAt,
		}))
	}

	page, token, err := ds.ReadExperiencePage(ctx, storage.PaginationOptions{PageSize: 2})
	require.NoError(t, err)
	require.Equal(t, []string{"c", "b"}, []string{page[0].ID, page[1].ID})
	require.NotEmpty(t, token)

	page, token, err = ds.ReadExperiencePage(ctx, storage.PaginationOptions{PageSize: 2, From: token})
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Equal(t, "a", page[0].ID)
	require.Empty(t, token)
}

func TestReadExperiencePageBadToken(t *testing.T) {
	ctx := context.Background()
	ds := New()

	_, _, err := ds.ReadExperiencePage(ctx, storage.PaginationOptions{From: "garbage"})
	require.ErrorIs(t, err, storage.ErrInvalidContinuationToken)
}

func TestUpdateAccessSets(t *testing.T) {
	ctx := context.Background()
	ds := New()

	require.NoError(t, ds.WriteExperience(ctx, &storage.Experience{ID: "e1", Owner: "u1"}))

	// Add is idempotent.
	for i := 0; i < 2; i++ {
		require.NoError(t, ds.UpdateAccessSets(ctx, []storage.AccessSetUpdate{
			{ExperienceID: "e1", Op: storage.AccessSetAdd, Grantee: "u2"},
		}))
	}
	e, err := ds.GetExperience(ctx, "e1")
	require.NoError(t, err)
	require.Equal(t, []string{"u2"}, e.AccessSet)

	// Removing an absent member is a no-op; updates to missing experiences
	// are skipped.
	require.NoError(t, ds.UpdateAccessSets(ctx, []storage.AccessSetUpdate{
		{ExperienceID: "e1", Op: storage.AccessSetRemove, Grantee: "u9"},
		{ExperienceID: "missing", Op: storage.AccessSetAdd, Grantee: "u2"},
	}))
	e, err = ds.GetExperience(ctx, "e1")
	require.NoError(t, err)
	require.Equal(t, []string{"u2"}, e.AccessSet)

	require.NoError(t, ds.UpdateAccessSets(ctx, []storage.AccessSetUpdate{
		{ExperienceID: "e1", Op: storage.AccessSetReplace, Members: []string{"u3", "u4", "u3"}},
	}))
	e, err = ds.GetExperience(ctx, "e1")
	require.NoError(t, err)
	require.Equal(t, []string{"u3", "u4"}, e.AccessSet)

	require.NoError(t, ds.UpdateAccessSets(ctx, []storage.AccessSetUpdate{
		{ExperienceID: "e1", Op: storage.AccessSetRemove, Grantee: "u3"},
	}))
	e, err = ds.GetExperience(ctx, "e1")
	require.NoError(t, err)
	require.Equal(t, []string{"u4"}, e.AccessSet)
}

func TestUpdateAccessSetsBatchCap(t *testing.T) {
	ctx := context.Background()
	ds := New(WithMaxAccessUpdatesPerBatch(1))

	err := ds.UpdateAccessSets(ctx, []storage.AccessSetUpdate{
		{ExperienceID: "e1", Op: storage.AccessSetAdd, Grantee: "u2"},
		{ExperienceID: "e2", Op: storage.AccessSetAdd, Grantee: "u2"},
	})
	require.ErrorIs(t, err, storage.ErrExceededBatchLimit)
}

func TestCategoryReadWrite(t *testing.T) {
	ctx := context.Background()
	ds := New()

	require.NoError(t, ds.WriteCategory(ctx, &storage.Category{ID: "catA", Owner: "u1", Name: "Restaurants"}))
	require.NoError(t, ds.WriteColorCategory(ctx, &storage.ColorCategory{ID: "red", Owner: "u1", ColorHex: "#ff0000"}))

	c, err := ds.GetCategory(ctx, "u1", "catA")
	require.NoError(t, err)
	require.Equal(t, "Restaurants", c.Name)

	// Category IDs are scoped per owner.
	_, err = ds.GetCategory(ctx, "u2", "catA")
	require.ErrorIs(t, err, storage.ErrNotFound)

	cc, err := ds.GetColorCategory(ctx, "u1", "red")
	require.NoError(t, err)
	require.Equal(t, "#ff0000", cc.ColorHex)

	_, err = ds.GetColorCategory(ctx, "u1", "blue")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestReadsReturnCopies(t *testing.T) {
	ctx := context.Background()
	ds := New()

	require.NoError(t, ds.WriteExperience(ctx, &storage.Experience{
		ID:        "e1",
		Owner:     "u1",
		AccessSet: []string{"u2"},
	}))

	e, err := ds.GetExperience(ctx, "e1")
	require.NoError(t, err)
	e.AccessSet[0] = "mutated"

	e, err = ds.GetExperience(ctx, "e1")
	require.NoError(t, err)
	require.Equal(t, []string{"u2"}, e.AccessSet)
}
