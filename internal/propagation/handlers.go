package propagation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/plendy/sharesync/internal/concurrency"
	"github.com/plendy/sharesync/pkg/logger"
	"github.com/plendy/sharesync/pkg/storage"
	"github.com/plendy/sharesync/pkg/telemetry"
)

const (
	defaultBatchPause      = 100 * time.Millisecond
	defaultEvalConcurrency = 8
)

const (
	eventCreated = "created"
	eventUpdated = "updated"
	eventDeleted = "deleted"
)

// ErrInvalidGrant marks malformed grant events. They are dropped rather than
// retried since malformed data will not self-correct on redelivery.
var ErrInvalidGrant = errors.New("invalid grant event")

func validateGrant(g *storage.Grant) error {
	if g == nil {
		return fmt.Errorf("missing grant: %w", ErrInvalidGrant)
	}
	if g.Owner == "" {
		return fmt.Errorf("missing owner: %w", ErrInvalidGrant)
	}
	if g.Grantee == "" {
		return fmt.Errorf("missing grantee: %w", ErrInvalidGrant)
	}
	if g.ScopeID == "" {
		return fmt.Errorf("missing scope ID: %w", ErrInvalidGrant)
	}
	if !g.Scope.Valid() {
		return fmt.Errorf("unknown scope %q: %w", g.Scope, ErrInvalidGrant)
	}
	return nil
}

// Propagator reacts to grant lifecycle events by mutating the denormalized
// access-set on every affected experience. All mutations are expressed as
// set-union or set-remove primitives, so concurrent handlers for unrelated
// grants touching the same experience commute without locking.
// Instances may be safely shared by multiple goroutines.
type Propagator struct {
	ds        storage.Datastore
	logger    logger.Logger
	resolver  *Resolver
	evaluator *Evaluator

	batchPause      time.Duration
	evalConcurrency int
}

// Option configures a Propagator.
type Option func(*Propagator)

// WithBatchPause sets the pause inserted between access-set write batches.
// The pause bounds write throughput against the store; it is not needed for
// correctness.
func WithBatchPause(d time.Duration) Option {
	return func(p *Propagator) { p.batchPause = d }
}

// WithEvaluationConcurrency bounds the number of concurrent reachability
// evaluations on the revocation path.
func WithEvaluationConcurrency(n int) Option {
	return func(p *Propagator) { p.evalConcurrency = n }
}

// NewPropagator creates a Propagator backed by ds.
func NewPropagator(ds storage.Datastore, l logger.Logger, opts ...Option) *Propagator {
	p := &Propagator{
		ds:              ds,
		logger:          l,
		resolver:        NewResolver(ds, l),
		evaluator:       NewEvaluator(ds),
		batchPause:      defaultBatchPause,
		evalConcurrency: defaultEvalConcurrency,
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// OnGrantCreated unions the grantee into the access-set of every experience
// the new grant covers.
func (p *Propagator) OnGrantCreated(ctx context.Context, grant *storage.Grant) error {
	ctx, span := tracer.Start(ctx, "propagation.OnGrantCreated")
	defer span.End()

	return p.grantAccess(ctx, eventCreated, grant)
}

// OnGrantUpdated handles grant modifications. An access-level change alone
// does not affect access-set membership. If the grantee itself changed, the
// handler degrades to re-running the create-side union for the new grantee;
// removal of the old grantee is driven by the deletion of the old grant
// document, never from here.
func (p *Propagator) OnGrantUpdated(ctx context.Context, before, after *storage.Grant) error {
	ctx, span := tracer.Start(ctx, "propagation.OnGrantUpdated")
	defer span.End()

	if err := validateGrant(after); err != nil {
		grantEventsCounter.WithLabelValues(eventUpdated, outcomeDropped).Inc()
		p.logger.Warn("dropping malformed grant event", zap.String("event", eventUpdated), zap.Error(err))
		return err
	}

	if after.SelfGrant() {
		grantEventsCounter.WithLabelValues(eventUpdated, outcomeSkipped).Inc()
		return nil
	}

	if before != nil && before.Grantee != "" && before.Grantee != after.Grantee {
		p.logger.Warn("grantee changed on grant update, re-running union for new grantee",
			zap.String("grant_id", after.ID),
			zap.String("owner", after.Owner),
		)
		return p.grantAccess(ctx, eventUpdated, after)
	}

	if before != nil && before.AccessLevel != after.AccessLevel {
		p.logger.Debug("access level changed",
			zap.String("grant_id", after.ID),
			zap.String("before", string(before.AccessLevel)),
			zap.String("after", string(after.AccessLevel)),
		)
	}

	grantEventsCounter.WithLabelValues(eventUpdated, outcomeSkipped).Inc()
	return nil
}

// OnGrantDeleted removes the grantee from the access-set of every experience
// the deleted grant covered, unless another live grant still justifies the
// access.
func (p *Propagator) OnGrantDeleted(ctx context.Context, grant *storage.Grant) error {
	ctx, span := tracer.Start(ctx, "propagation.OnGrantDeleted")
	defer span.End()

	if err := validateGrant(grant); err != nil {
		grantEventsCounter.WithLabelValues(eventDeleted, outcomeDropped).Inc()
		p.logger.Warn("dropping malformed grant event", zap.String("event", eventDeleted), zap.Error(err))
		return err
	}

	if grant.SelfGrant() {
		grantEventsCounter.WithLabelValues(eventDeleted, outcomeSkipped).Inc()
		return nil
	}

	if grant.Scope == storage.ScopeExperience {
		// Only one direct grant can exist per (owner, experience, grantee),
		// and it is gone: category paths are checked below only for
		// category revocations, but a direct removal must still respect
		// surviving category grants.
		experience, err := p.ds.GetExperience(ctx, grant.ScopeID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				grantEventsCounter.WithLabelValues(eventDeleted, outcomeSkipped).Inc()
				p.logger.Debug("experience gone, nothing to revoke", zap.String("experience_id", grant.ScopeID))
				return nil
			}
			grantEventsCounter.WithLabelValues(eventDeleted, outcomeError).Inc()
			telemetry.TraceError(span, err)
			return err
		}

		keep, err := p.evaluator.StillHasAccess(ctx, grant.Owner, grant.Grantee, experience)
		if err != nil {
			grantEventsCounter.WithLabelValues(eventDeleted, outcomeError).Inc()
			telemetry.TraceError(span, err)
			return err
		}
		if keep {
			grantEventsCounter.WithLabelValues(eventDeleted, outcomeSkipped).Inc()
			return nil
		}

		if err := p.applyInBatches(ctx, []storage.AccessSetUpdate{{
			ExperienceID: grant.ScopeID,
			Op:           storage.AccessSetRemove,
			Grantee:      grant.Grantee,
		}}); err != nil {
			grantEventsCounter.WithLabelValues(eventDeleted, outcomeError).Inc()
			telemetry.TraceError(span, err)
			return err
		}

		grantEventsCounter.WithLabelValues(eventDeleted, outcomeApplied).Inc()
		return nil
	}

	experiences, err := p.resolver.ExperiencesForCategory(ctx, grant.Owner, grant.ScopeID, grant.Scope == storage.ScopeColorCategory)
	if err != nil {
		grantEventsCounter.WithLabelValues(eventDeleted, outcomeError).Inc()
		telemetry.TraceError(span, err)
		return err
	}

	if len(experiences) == 0 {
		grantEventsCounter.WithLabelValues(eventDeleted, outcomeApplied).Inc()
		return nil
	}

	// Remove only where no sibling category grant or direct grant keeps the
	// grantee reachable. This read-then-conditionally-remove is the one
	// non-commutative step in the engine; the reconciliation job repairs the
	// narrow race against a concurrently created competing grant.
	var mu sync.Mutex
	var removals []storage.AccessSetUpdate

	evalPool := concurrency.NewPool(ctx, p.evalConcurrency)
	for _, experience := range experiences {
		experience := experience
		evalPool.Go(func(ctx context.Context) error {
			keep, err := p.evaluator.StillHasAccess(ctx, grant.Owner, grant.Grantee, experience)
			if err != nil {
				return err
			}
			if !keep {
				mu.Lock()
				removals = append(removals, storage.AccessSetUpdate{
					ExperienceID: experience.ID,
					Op:           storage.AccessSetRemove,
					Grantee:      grant.Grantee,
				})
				mu.Unlock()
			}
			return nil
		})
	}
	if err := evalPool.Wait(); err != nil {
		grantEventsCounter.WithLabelValues(eventDeleted, outcomeError).Inc()
		telemetry.TraceError(span, err)
		return err
	}

	if err := p.applyInBatches(ctx, removals); err != nil {
		grantEventsCounter.WithLabelValues(eventDeleted, outcomeError).Inc()
		telemetry.TraceError(span, err)
		return err
	}

	grantEventsCounter.WithLabelValues(eventDeleted, outcomeApplied).Inc()
	p.logger.Info("revoked access",
		zap.String("owner", grant.Owner),
		zap.String("grantee", grant.Grantee),
		zap.String("category_id", grant.ScopeID),
		zap.Int("experiences", len(experiences)),
		zap.Int("removed", len(removals)),
	)

	return nil
}

// grantAccess performs the create-side union of the grantee into every
// experience the grant covers.
func (p *Propagator) grantAccess(ctx context.Context, event string, grant *storage.Grant) error {
	if err := validateGrant(grant); err != nil {
		grantEventsCounter.WithLabelValues(event, outcomeDropped).Inc()
		p.logger.Warn("dropping malformed grant event", zap.String("event", event), zap.Error(err))
		return err
	}

	if grant.SelfGrant() {
		grantEventsCounter.WithLabelValues(event, outcomeSkipped).Inc()
		p.logger.Debug("ignoring self-grant",
			zap.String("owner", grant.Owner),
			zap.String("scope_id", grant.ScopeID),
		)
		return nil
	}

	if grant.Scope == storage.ScopeExperience {
		if err := p.applyInBatches(ctx, []storage.AccessSetUpdate{{
			ExperienceID: grant.ScopeID,
			Op:           storage.AccessSetAdd,
			Grantee:      grant.Grantee,
		}}); err != nil {
			grantEventsCounter.WithLabelValues(event, outcomeError).Inc()
			return err
		}

		grantEventsCounter.WithLabelValues(event, outcomeApplied).Inc()
		return nil
	}

	p.checkScopeTarget(ctx, grant)

	experiences, err := p.resolver.ExperiencesForCategory(ctx, grant.Owner, grant.ScopeID, grant.Scope == storage.ScopeColorCategory)
	if err != nil {
		grantEventsCounter.WithLabelValues(event, outcomeError).Inc()
		return err
	}

	if len(experiences) == 0 {
		grantEventsCounter.WithLabelValues(event, outcomeApplied).Inc()
		p.logger.Debug("no experiences in shared category",
			zap.String("owner", grant.Owner),
			zap.String("category_id", grant.ScopeID),
		)
		return nil
	}

	updates := make([]storage.AccessSetUpdate, 0, len(experiences))
	for _, experience := range experiences {
		updates = append(updates, storage.AccessSetUpdate{
			ExperienceID: experience.ID,
			Op:           storage.AccessSetAdd,
			Grantee:      grant.Grantee,
		})
	}

	if err := p.applyInBatches(ctx, updates); err != nil {
		grantEventsCounter.WithLabelValues(event, outcomeError).Inc()
		return err
	}

	grantEventsCounter.WithLabelValues(event, outcomeApplied).Inc()
	p.logger.Info("granted access",
		zap.String("owner", grant.Owner),
		zap.String("grantee", grant.Grantee),
		zap.String("category_id", grant.ScopeID),
		zap.Int("experiences", len(experiences)),
	)

	return nil
}

// checkScopeTarget logs when a category grant references a category record
// that does not exist. The scope tag on the grant stays authoritative either
// way; this is diagnostics, not inference.
func (p *Propagator) checkScopeTarget(ctx context.Context, grant *storage.Grant) {
	var err error
	switch grant.Scope {
	case storage.ScopeCategory:
		_, err = p.ds.GetCategory(ctx, grant.Owner, grant.ScopeID)
	case storage.ScopeColorCategory:
		_, err = p.ds.GetColorCategory(ctx, grant.Owner, grant.ScopeID)
	default:
		return
	}

	if errors.Is(err, storage.ErrNotFound) {
		p.logger.Warn("grant references a missing category",
			zap.String("owner", grant.Owner),
			zap.String("scope", string(grant.Scope)),
			zap.String("scope_id", grant.ScopeID),
		)
	}
}

// applyInBatches applies updates in store-bounded batches with a short pause
// between batches to bound write throughput.
func (p *Propagator) applyInBatches(ctx context.Context, updates []storage.AccessSetUpdate) error {
	if len(updates) == 0 {
		return nil
	}

	batchSize := p.ds.MaxAccessUpdatesPerBatch()
	for start := 0; start < len(updates); start += batchSize {
		if start > 0 && p.batchPause > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.batchPause):
			}
		}

		end := start + batchSize
		if end > len(updates) {
			end = len(updates)
		}

		batch := updates[start:end]
		if err := p.ds.UpdateAccessSets(ctx, batch); err != nil {
			return err
		}

		for _, update := range batch {
			accessSetMutationsCounter.WithLabelValues(opLabel(update.Op)).Inc()
		}
	}

	return nil
}

func opLabel(op storage.AccessSetOp) string {
	switch op {
	case storage.AccessSetAdd:
		return "add"
	case storage.AccessSetRemove:
		return "remove"
	case storage.AccessSetReplace:
		return "replace"
	default:
		return "unknown"
	}
}
