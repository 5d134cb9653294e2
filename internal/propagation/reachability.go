package propagation

import (
	"context"

	"github.com/plendy/sharesync/pkg/storage"
	"github.com/plendy/sharesync/pkg/telemetry"
)

// Evaluator decides whether a grantee still has a live path to an experience.
// It is consulted on the revocation path before removing anyone from an
// access-set: a sibling category grant or a direct grant must keep the
// grantee in place.
type Evaluator struct {
	ds storage.Datastore
}

// NewEvaluator creates an Evaluator backed by ds.
func NewEvaluator(ds storage.Datastore) *Evaluator {
	return &Evaluator{ds: ds}
}

// StillHasAccess reports whether any live grant from owner to grantee still
// covers the experience: a direct grant on it, a category grant on any of its
// primary or secondary categories, or a color grant on its color category.
// It short-circuits on the first hit and returns false only after an
// exhaustive check of all sources.
func (e *Evaluator) StillHasAccess(ctx context.Context, owner, grantee string, experience *storage.Experience) (bool, error) {
	ctx, span := tracer.Start(ctx, "evaluator.StillHasAccess")
	defer span.End()

	direct, err := e.ds.ReadGrants(ctx, storage.GrantFilter{
		Owner:    owner,
		Grantee:  grantee,
		Scope:    storage.ScopeExperience,
		ScopeIDs: []string{experience.ID},
	})
	if err != nil {
		telemetry.TraceError(span, err)
		return false, err
	}
	if len(direct) > 0 {
		return true, nil
	}

	for _, chunk := range chunkIDs(plainCategoryIDs(experience), e.ds.MaxScopeIDsPerQuery()) {
		grants, err := e.ds.ReadGrants(ctx, storage.GrantFilter{
			Owner:    owner,
			Grantee:  grantee,
			Scope:    storage.ScopeCategory,
			ScopeIDs: chunk,
		})
		if err != nil {
			telemetry.TraceError(span, err)
			return false, err
		}
		if len(grants) > 0 {
			return true, nil
		}
	}

	if experience.ColorCategory != "" {
		grants, err := e.ds.ReadGrants(ctx, storage.GrantFilter{
			Owner:    owner,
			Grantee:  grantee,
			Scope:    storage.ScopeColorCategory,
			ScopeIDs: []string{experience.ColorCategory},
		})
		if err != nil {
			telemetry.TraceError(span, err)
			return false, err
		}
		if len(grants) > 0 {
			return true, nil
		}
	}

	return false, nil
}
