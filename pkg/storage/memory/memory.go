// Package memory provides an ephemeral, memory-backed implementation of
// [storage.Datastore]. Instances may be safely shared by multiple goroutines.
package memory

import (
	"context"
	"sort"
	"sync"

	"go.opentelemetry.io/otel"

	"github.com/plendy/sharesync/pkg/storage"
)

var tracer = otel.Tracer("sharesync/pkg/storage/memory")

// StorageOption defines a function type used for configuring a [MemoryBackend] instance.
type StorageOption func(dataStore *MemoryBackend)

// MemoryBackend provides an ephemeral memory-backed implementation of [storage.Datastore].
type MemoryBackend struct {
	maxScopeIDsPerQuery      int
	maxAccessUpdatesPerBatch int

	// map: grant id => grant
	grants      map[string]*storage.Grant // GUARDED_BY(mutexGrants).
	mutexGrants sync.RWMutex

	// map: experience id => experience
	experiences      map[string]*storage.Experience // GUARDED_BY(mutexExperiences).
	mutexExperiences sync.RWMutex

	// map: owner | category id => category
	categories      map[string]*storage.Category      // GUARDED_BY(mutexCategories).
	colorCategories map[string]*storage.ColorCategory // GUARDED_BY(mutexCategories).
	mutexCategories sync.RWMutex
}

// Ensures that [MemoryBackend] implements the [storage.Datastore] interface.
var _ storage.Datastore = (*MemoryBackend)(nil)

// New creates a new [MemoryBackend] given the options.
func New(opts ...StorageOption) *MemoryBackend {
	ds := &MemoryBackend{
		maxScopeIDsPerQuery:      storage.DefaultMaxScopeIDsPerQuery,
		maxAccessUpdatesPerBatch: storage.DefaultMaxAccessUpdatesPerBatch,
		grants:                   make(map[string]*storage.Grant),
		experiences:              make(map[string]*storage.Experience),
		categories:               make(map[string]*storage.Category),
		colorCategories:          make(map[string]*storage.ColorCategory),
	}

	for _, opt := range opts {
		opt(ds)
	}

	return ds
}

// WithMaxScopeIDsPerQuery returns a [StorageOption] that sets the scope ID
// predicate cap for grant queries.
func WithMaxScopeIDsPerQuery(n int) StorageOption {
	return func(ds *MemoryBackend) { ds.maxScopeIDsPerQuery = n }
}

// WithMaxAccessUpdatesPerBatch returns a [StorageOption] that sets the
// access-set batch write cap.
func WithMaxAccessUpdatesPerBatch(n int) StorageOption {
	return func(ds *MemoryBackend) { ds.maxAccessUpdatesPerBatch = n }
}

// Close does not do anything for [MemoryBackend].
func (s *MemoryBackend) Close() {}

// IsReady see [storage.Datastore].IsReady.
func (s *MemoryBackend) IsReady(_ context.Context) (storage.ReadinessStatus, error) {
	return storage.ReadinessStatus{IsReady: true}, nil
}

// WriteGrant see [storage.GrantBackend].WriteGrant.
func (s *MemoryBackend) WriteGrant(ctx context.Context, grant *storage.Grant) error {
	_, span := tracer.Start(ctx, "memory.WriteGrant")
	defer span.End()

	s.mutexGrants.Lock()
	defer s.mutexGrants.Unlock()

	g := *grant
	s.grants[g.ID] = &g
	return nil
}

// GetGrant see [storage.GrantBackend].GetGrant.
func (s *MemoryBackend) GetGrant(ctx context.Context, id string) (*storage.Grant, error) {
	_, span := tracer.Start(ctx, "memory.GetGrant")
	defer span.End()

	s.mutexGrants.RLock()
	defer s.mutexGrants.RUnlock()

	g, ok := s.grants[id]
	if !ok {
		return nil, storage.ErrNotFound
	}

	cpy := *g
	return &cpy, nil
}

// DeleteGrant see [storage.GrantBackend].DeleteGrant.
func (s *MemoryBackend) DeleteGrant(ctx context.Context, id string) error {
	_, span := tracer.Start(ctx, "memory.DeleteGrant")
	defer span.End()

	s.mutexGrants.Lock()
	defer s.mutexGrants.Unlock()

	delete(s.grants, id)
	return nil
}

// matchGrant returns true if all the non-zero fields in the filter are equal
// to the same field in g. An empty ScopeIDs list is ignored.
func matchGrant(g *storage.Grant, filter storage.GrantFilter) bool {
	if filter.Owner != "" && g.Owner != filter.Owner {
		return false
	}
	if filter.Grantee != "" && g.Grantee != filter.Grantee {
		return false
	}
	if filter.Scope != "" && g.Scope != filter.Scope {
		return false
	}
	if len(filter.ScopeIDs) > 0 {
		found := false
		for _, id := range filter.ScopeIDs {
			if g.ScopeID == id {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// ReadGrants see [storage.GrantBackend].ReadGrants.
func (s *MemoryBackend) ReadGrants(ctx context.Context, filter storage.GrantFilter) ([]*storage.Grant, error) {
	_, span := tracer.Start(ctx, "memory.ReadGrants")
	defer span.End()

	if len(filter.ScopeIDs) > s.maxScopeIDsPerQuery {
		return nil, storage.TooManyScopeIDsError(len(filter.ScopeIDs), s.maxScopeIDsPerQuery)
	}

	s.mutexGrants.RLock()
	defer s.mutexGrants.RUnlock()

	var matches []*storage.Grant
	for _, g := range s.grants {
		if matchGrant(g, filter) {
			cpy := *g
			matches = append(matches, &cpy)
		}
	}

	return matches, nil
}

// MaxScopeIDsPerQuery see [storage.GrantBackend].MaxScopeIDsPerQuery.
func (s *MemoryBackend) MaxScopeIDsPerQuery() int {
	return s.maxScopeIDsPerQuery
}

func copyExperience(e *storage.Experience) *storage.Experience {
	cpy := *e
	cpy.SecondaryCategories = append([]string(nil), e.SecondaryCategories...)
	cpy.AccessSet = append([]string(nil), e.AccessSet...)
	return &cpy
}

// WriteExperience see [storage.ExperienceBackend].WriteExperience.
func (s *MemoryBackend) WriteExperience(ctx context.Context, experience *storage.Experience) error {
	_, span := tracer.Start(ctx, "memory.WriteExperience")
	defer span.End()

	s.mutexExperiences.Lock()
	defer s.mutexExperiences.Unlock()

	s.experiences[experience.ID] = copyExperience(experience)
	return nil
}

// GetExperience see [storage.ExperienceBackend].GetExperience.
func (s *MemoryBackend) GetExperience(ctx context.Context, id string) (*storage.Experience, error) {
	_, span := tracer.Start(ctx, "memory.GetExperience")
	defer span.End()

	s.mutexExperiences.RLock()
	defer s.mutexExperiences.RUnlock()

	e, ok := s.experiences[id]
	if !ok {
		return nil, storage.ErrNotFound
	}

	return copyExperience(e), nil
}

func matchCategory(e *storage.Experience, filter storage.ExperienceCategoryFilter) bool {
	switch filter.Membership {
	case storage.MembershipPrimary:
		return e.PrimaryCategory == filter.CategoryID
	case storage.MembershipSecondary:
		for _, id := range e.SecondaryCategories {
			if id == filter.CategoryID {
				return true
			}
		}
		return false
	case storage.MembershipColor:
		return e.ColorCategory == filter.CategoryID
	default:
		return false
	}
}

// ReadExperiencesByCategory see [storage.ExperienceBackend].ReadExperiencesByCategory.
func (s *MemoryBackend) ReadExperiencesByCategory(ctx context.Context, owner string, filter storage.ExperienceCategoryFilter) ([]*storage.Experience, error) {
	_, span := tracer.Start(ctx, "memory.ReadExperiencesByCategory")
	defer span.End()

	s.mutexExperiences.RLock()
	defer s.mutexExperiences.RUnlock()

	var matches []*storage.Experience
	for _, e := range s.experiences {
		if e.Owner == owner && matchCategory(e, filter) {
			matches = append(matches, copyExperience(e))
		}
	}

	return matches, nil
}

// ReadExperiencePage see [storage.ExperienceBackend].ReadExperiencePage.
func (s *MemoryBackend) ReadExperiencePage(ctx context.Context, options storage.PaginationOptions) ([]*storage.Experience, string, error) {
	_, span := tracer.Start(ctx, "memory.ReadExperiencePage")
	defer span.End()

	s.mutexExperiences.RLock()
	defer s.mutexExperiences.RUnlock()

	all := make([]*storage.Experience, 0, len(s.experiences))
	for _, e := range s.experiences {
		all = append(all, e)
	}

	// Creation time descending, document ID descending as tiebreak,
	// matching the SQL backends.
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID > all[j].ID
	})

	if options.From != "" {
		token, err := storage.UnmarshalContinuationToken(options.From)
		if err != nil {
			return nil, "", err
		}

		idx := len(all)
		for i, e := range all {
			if e.CreatedAt.Before(token.CreatedAt) ||
				(e.CreatedAt.Equal(token.CreatedAt) && e.ID < token.ExperienceID) {
				idx = i
				break
			}
		}
		all = all[idx:]
	}

	pageSize := storage.DefaultPageSize
	if options.PageSize > 0 {
		pageSize = options.PageSize
	}

	contToken := ""
	if len(all) > pageSize {
		last := all[pageSize-1]
		contToken = storage.MarshalContinuationToken(&storage.ContinuationToken{
			CreatedAt:    last.CreatedAt,
			ExperienceID: last.ID,
		})
		all = all[:pageSize]
	}

	page := make([]*storage.Experience, 0, len(all))
	for _, e := range all {
		page = append(page, copyExperience(e))
	}

	return page, contToken, nil
}

// UpdateAccessSets see [storage.ExperienceBackend].UpdateAccessSets.
func (s *MemoryBackend) UpdateAccessSets(ctx context.Context, updates []storage.AccessSetUpdate) error {
	_, span := tracer.Start(ctx, "memory.UpdateAccessSets")
	defer span.End()

	if len(updates) > s.maxAccessUpdatesPerBatch {
		return storage.ExceededBatchLimitError(len(updates), s.maxAccessUpdatesPerBatch)
	}

	s.mutexExperiences.Lock()
	defer s.mutexExperiences.Unlock()

	for _, update := range updates {
		e, ok := s.experiences[update.ExperienceID]
		if !ok {
			continue
		}

		switch update.Op {
		case storage.AccessSetAdd:
			e.AccessSet = addToSet(e.AccessSet, update.Grantee)
		case storage.AccessSetRemove:
			e.AccessSet = removeFromSet(e.AccessSet, update.Grantee)
		case storage.AccessSetReplace:
			replacement := make([]string, 0, len(update.Members))
			for _, m := range update.Members {
				replacement = addToSet(replacement, m)
			}
			e.AccessSet = replacement
		}
	}

	return nil
}

// MaxAccessUpdatesPerBatch see [storage.ExperienceBackend].MaxAccessUpdatesPerBatch.
func (s *MemoryBackend) MaxAccessUpdatesPerBatch() int {
	return s.maxAccessUpdatesPerBatch
}

func addToSet(set []string, member string) []string {
	if member == "" {
		return set
	}
	for _, m := range set {
		if m == member {
			return set
		}
	}
	return append(set, member)
}

func removeFromSet(set []string, member string) []string {
	out := set[:0]
	for _, m := range set {
		if m != member {
			out = append(out, m)
		}
	}
	return out
}

func categoryKey(owner, id string) string {
	return owner + "|" + id
}

// WriteCategory see [storage.CategoryBackend].WriteCategory.
func (s *MemoryBackend) WriteCategory(ctx context.Context, category *storage.Category) error {
	_, span := tracer.Start(ctx, "memory.WriteCategory")
	defer span.End()

	s.mutexCategories.Lock()
	defer s.mutexCategories.Unlock()

	c := *category
	s.categories[categoryKey(c.Owner, c.ID)] = &c
	return nil
}

// GetCategory see [storage.CategoryBackend].GetCategory.
func (s *MemoryBackend) GetCategory(ctx context.Context, owner, id string) (*storage.Category, error) {
	_, span := tracer.Start(ctx, "memory.GetCategory")
	defer span.End()

	s.mutexCategories.RLock()
	defer s.mutexCategories.RUnlock()

	c, ok := s.categories[categoryKey(owner, id)]
	if !ok {
		return nil, storage.ErrNotFound
	}

	cpy := *c
	return &cpy, nil
}

// WriteColorCategory see [storage.CategoryBackend].WriteColorCategory.
func (s *MemoryBackend) WriteColorCategory(ctx context.Context, category *storage.ColorCategory) error {
	_, span := tracer.Start(ctx, "memory.WriteColorCategory")
	defer span.End()

	s.mutexCategories.Lock()
	defer s.mutexCategories.Unlock()

	c := *category
	s.colorCategories[categoryKey(c.Owner, c.ID)] = &c
	return nil
}

// GetColorCategory see [storage.CategoryBackend].GetColorCategory.
func (s *MemoryBackend) GetColorCategory(ctx context.Context, owner, id string) (*storage.ColorCategory, error) {
	_, span := tracer.Start(ctx, "memory.GetColorCategory")
	defer span.End()

	s.mutexCategories.RLock()
	defer s.mutexCategories.RUnlock()

	c, ok := s.colorCategories[categoryKey(owner, id)]
	if !ok {
		return nil, storage.ErrNotFound
	}

	cpy := *c
	return &cpy, nil
}
