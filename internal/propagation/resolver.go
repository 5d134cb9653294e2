// Package propagation keeps the denormalized access-set on every experience
// consistent with the normalized grant table as grants are created, updated,
// and deleted.
package propagation

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/plendy/sharesync/pkg/logger"
	"github.com/plendy/sharesync/pkg/storage"
	"github.com/plendy/sharesync/pkg/telemetry"
)

var tracer = otel.Tracer("sharesync/internal/propagation")

// Resolver finds the experiences a category grant covers.
type Resolver struct {
	ds     storage.Datastore
	logger logger.Logger
}

// NewResolver creates a Resolver backed by ds.
func NewResolver(ds storage.Datastore, l logger.Logger) *Resolver {
	return &Resolver{
		ds:     ds,
		logger: l,
	}
}

// ExperiencesForCategory returns every experience owned by owner that belongs
// to the given category. For color categories this is the single color
// membership scan; for plain categories it is the union of the primary and
// secondary membership scans, deduplicated by experience ID since an
// experience may match both.
func (r *Resolver) ExperiencesForCategory(ctx context.Context, owner, categoryID string, color bool) ([]*storage.Experience, error) {
	ctx, span := tracer.Start(ctx, "resolver.ExperiencesForCategory")
	defer span.End()

	if color {
		experiences, err := r.ds.ReadExperiencesByCategory(ctx, owner, storage.ExperienceCategoryFilter{
			Membership: storage.MembershipColor,
			CategoryID: categoryID,
		})
		if err != nil {
			telemetry.TraceError(span, err)
			return nil, err
		}
		return experiences, nil
	}

	primary, err := r.ds.ReadExperiencesByCategory(ctx, owner, storage.ExperienceCategoryFilter{
		Membership: storage.MembershipPrimary,
		CategoryID: categoryID,
	})
	if err != nil {
		telemetry.TraceError(span, err)
		return nil, err
	}

	secondary, err := r.ds.ReadExperiencesByCategory(ctx, owner, storage.ExperienceCategoryFilter{
		Membership: storage.MembershipSecondary,
		CategoryID: categoryID,
	})
	if err != nil {
		telemetry.TraceError(span, err)
		return nil, err
	}

	seen := make(map[string]struct{}, len(primary)+len(secondary))
	experiences := make([]*storage.Experience, 0, len(primary)+len(secondary))
	for _, e := range append(primary, secondary...) {
		if _, ok := seen[e.ID]; ok {
			continue
		}
		seen[e.ID] = struct{}{}
		experiences = append(experiences, e)
	}

	r.logger.Debug("resolved category membership",
		zap.String("owner", owner),
		zap.String("category_id", categoryID),
		zap.Bool("color", color),
		zap.Int("experiences", len(experiences)),
	)

	return experiences, nil
}
