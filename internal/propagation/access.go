package propagation

import (
	"context"

	"github.com/plendy/sharesync/pkg/storage"
)

// chunkIDs splits ids into chunks no larger than size.
func chunkIDs(ids []string, size int) [][]string {
	if size <= 0 || len(ids) == 0 {
		return nil
	}

	chunks := make([][]string, 0, (len(ids)+size-1)/size)
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		chunks = append(chunks, ids[start:end])
	}
	return chunks
}

// plainCategoryIDs returns the deduplicated primary plus secondary category
// IDs of an experience. The color category is handled separately because it
// is matched by a different grant scope.
func plainCategoryIDs(e *storage.Experience) []string {
	seen := make(map[string]struct{}, len(e.SecondaryCategories)+1)
	var ids []string

	if e.PrimaryCategory != "" {
		seen[e.PrimaryCategory] = struct{}{}
		ids = append(ids, e.PrimaryCategory)
	}
	for _, id := range e.SecondaryCategories {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}

	return ids
}

// GranteesWithAccess computes the ground-truth set of user IDs with access to
// the experience from the live grant table: direct grants on the experience,
// category grants over its primary and secondary categories, and a color
// grant on its color category. The owner is never included. Category ID lists
// larger than the store's predicate cap are chunked and unioned.
func GranteesWithAccess(ctx context.Context, ds storage.Datastore, experience *storage.Experience) ([]string, error) {
	grantees := make(map[string]struct{})

	collect := func(grants []*storage.Grant) {
		for _, g := range grants {
			if g.Grantee == "" || g.Grantee == experience.Owner {
				continue
			}
			grantees[g.Grantee] = struct{}{}
		}
	}

	direct, err := ds.ReadGrants(ctx, storage.GrantFilter{
		Owner:    experience.Owner,
		Scope:    storage.ScopeExperience,
		ScopeIDs: []string{experience.ID},
	})
	if err != nil {
		return nil, err
	}
	collect(direct)

	for _, chunk := range chunkIDs(plainCategoryIDs(experience), ds.MaxScopeIDsPerQuery()) {
		grants, err := ds.ReadGrants(ctx, storage.GrantFilter{
			Owner:    experience.Owner,
			Scope:    storage.ScopeCategory,
			ScopeIDs: chunk,
		})
		if err != nil {
			return nil, err
		}
		collect(grants)
	}

	if experience.ColorCategory != "" {
		grants, err := ds.ReadGrants(ctx, storage.GrantFilter{
			Owner:    experience.Owner,
			Scope:    storage.ScopeColorCategory,
			ScopeIDs: []string{experience.ColorCategory},
		})
		if err != nil {
			return nil, err
		}
		collect(grants)
	}

	ids := make([]string, 0, len(grantees))
	for id := range grantees {
		ids = append(ids, id)
	}
	return ids, nil
}
