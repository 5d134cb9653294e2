// Package storage contains storage interfaces and implementations for the
// grant table, the experience collection, and the category records.
package storage

import (
	"context"
	"time"
)

const (
	// DefaultPageSize is the page size used by paginated experience scans
	// when the caller does not specify one.
	DefaultPageSize = 100

	// DefaultMaxScopeIDsPerQuery bounds the number of scope IDs a single
	// grant query may filter on. Callers with larger category sets must
	// chunk and union the results.
	DefaultMaxScopeIDsPerQuery = 30

	// DefaultMaxAccessUpdatesPerBatch bounds the number of access-set
	// mutations applied in one atomic batch.
	DefaultMaxAccessUpdatesPerBatch = 400
)

// Scope is the kind of thing a grant targets. It is an explicit, validated
// tag carried on every grant; the engine never infers the kind of a scope ID
// by probing both category namespaces.
type Scope string

const (
	// ScopeExperience targets a single experience document.
	ScopeExperience Scope = "experience"

	// ScopeCategory targets a user category; the grant covers every
	// experience whose primary or secondary categories include it.
	ScopeCategory Scope = "category"

	// ScopeColorCategory targets a color category.
	ScopeColorCategory Scope = "color_category"
)

// Valid reports whether s is one of the known scope tags.
func (s Scope) Valid() bool {
	switch s {
	case ScopeExperience, ScopeCategory, ScopeColorCategory:
		return true
	default:
		return false
	}
}

// IsCategory reports whether s targets a category of either kind.
func (s Scope) IsCategory() bool {
	return s == ScopeCategory || s == ScopeColorCategory
}

// AccessLevel is grant metadata consumed by downstream authorization. It has
// no effect on access-set membership.
type AccessLevel string

const (
	AccessLevelView AccessLevel = "view"
	AccessLevelEdit AccessLevel = "edit"
)

// Grant is one record of the normalized access-grant table. A live grant is
// identified by the tuple (Owner, Scope, ScopeID, Grantee); ID is the
// document ID of its stored representation.
type Grant struct {
	ID          string
	Owner       string
	Scope       Scope
	ScopeID     string
	Grantee     string
	AccessLevel AccessLevel
	CreatedAt   time.Time
}

// SelfGrant reports whether the grant shares an item with its own owner.
// Self-grants are ignored by the propagation engine.
func (g *Grant) SelfGrant() bool {
	return g.Owner == g.Grantee
}

// Experience is an owned item with its category memberships and the
// denormalized access-set cache.
type Experience struct {
	ID                  string
	Owner               string
	PrimaryCategory     string
	SecondaryCategories []string
	ColorCategory       string
	AccessSet           []string
	CreatedAt           time.Time
}

// CategoryIDs returns the deduplicated set of category IDs the experience
// currently belongs to, across all three membership paths.
func (e *Experience) CategoryIDs() []string {
	seen := make(map[string]struct{}, len(e.SecondaryCategories)+2)
	var ids []string

	add := func(id string) {
		if id == "" {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}

	add(e.PrimaryCategory)
	for _, id := range e.SecondaryCategories {
		add(id)
	}
	add(e.ColorCategory)

	return ids
}

// HasAccess reports whether user is a member of the access-set.
func (e *Experience) HasAccess(user string) bool {
	for _, id := range e.AccessSet {
		if id == user {
			return true
		}
	}
	return false
}

// Category is a pure grouping entity owned by a user. Membership is stored on
// the experience, not here.
type Category struct {
	ID        string
	Owner     string
	Name      string
	Icon      string
	CreatedAt time.Time
}

// ColorCategory is a color-tagged grouping entity owned by a user.
type ColorCategory struct {
	ID        string
	Owner     string
	Name      string
	ColorHex  string
	CreatedAt time.Time
}

// GrantFilter narrows a ReadGrants scan. Zero-valued fields are ignored.
// ScopeIDs is an IN-style predicate list and must not exceed
// MaxScopeIDsPerQuery entries.
type GrantFilter struct {
	Owner    string
	Grantee  string
	Scope    Scope
	ScopeIDs []string
}

// Membership selects which category-membership path an experience scan
// matches on.
type Membership int

const (
	MembershipPrimary Membership = iota
	MembershipSecondary
	MembershipColor
)

// ExperienceCategoryFilter selects experiences belonging to one category via
// one membership path.
type ExperienceCategoryFilter struct {
	Membership Membership
	CategoryID string
}

// AccessSetOp is a commutative-or-idempotent mutation applied to an
// experience's access-set.
type AccessSetOp int

const (
	// AccessSetAdd unions one grantee into the set.
	AccessSetAdd AccessSetOp = iota

	// AccessSetRemove removes one grantee from the set.
	AccessSetRemove

	// AccessSetReplace overwrites the whole set with Members.
	AccessSetReplace
)

// AccessSetUpdate is a single access-set mutation. Grantee is used by the add
// and remove ops, Members by replace.
type AccessSetUpdate struct {
	ExperienceID string
	Op           AccessSetOp
	Grantee      string
	Members      []string
}

// PaginationOptions configures a paginated experience scan. From is an opaque
// continuation token produced by a previous page.
type PaginationOptions struct {
	PageSize int
	From     string
}

// NewPaginationOptions fills in the default page size when ps is zero.
func NewPaginationOptions(ps int, contToken string) PaginationOptions {
	pageSize := DefaultPageSize
	if ps != 0 {
		pageSize = ps
	}

	return PaginationOptions{
		PageSize: pageSize,
		From:     contToken,
	}
}

// A GrantBackend provides an R/W interface for the normalized grant table.
type GrantBackend interface {
	// WriteGrant upserts a grant by ID.
	WriteGrant(ctx context.Context, grant *Grant) error

	// GetGrant returns the grant with the given ID.
	// If none is found, it must return ErrNotFound.
	GetGrant(ctx context.Context, id string) (*Grant, error)

	// DeleteGrant removes the grant with the given ID. Deleting an absent
	// grant is not an error.
	DeleteGrant(ctx context.Context, id string) error

	// ReadGrants returns all grants matching the filter. If the filter's
	// ScopeIDs list exceeds MaxScopeIDsPerQuery it must return
	// ErrTooManyScopeIDs. There is no guarantee on result order.
	ReadGrants(ctx context.Context, filter GrantFilter) ([]*Grant, error)

	// MaxScopeIDsPerQuery returns the largest ScopeIDs predicate list a
	// single ReadGrants call accepts.
	MaxScopeIDsPerQuery() int
}

// An ExperienceBackend provides an R/W interface for experience documents and
// their denormalized access-sets.
type ExperienceBackend interface {
	// WriteExperience upserts an experience by ID.
	WriteExperience(ctx context.Context, experience *Experience) error

	// GetExperience returns the experience with the given ID.
	// If none is found, it must return ErrNotFound.
	GetExperience(ctx context.Context, id string) (*Experience, error)

	// ReadExperiencesByCategory returns every experience owned by owner
	// matching the category filter. There is no guarantee on result order.
	ReadExperiencesByCategory(ctx context.Context, owner string, filter ExperienceCategoryFilter) ([]*Experience, error)

	// ReadExperiencePage returns one page of experiences ordered by
	// creation time descending with document ID as tiebreak, plus a
	// continuation token that is empty on the last page.
	ReadExperiencePage(ctx context.Context, options PaginationOptions) ([]*Experience, string, error)

	// UpdateAccessSets applies a batch of access-set mutations atomically.
	// If the batch exceeds MaxAccessUpdatesPerBatch it must return
	// ErrExceededBatchLimit. Updates referencing missing experiences are
	// ignored rather than failing the batch.
	UpdateAccessSets(ctx context.Context, updates []AccessSetUpdate) error

	// MaxAccessUpdatesPerBatch returns the largest batch a single
	// UpdateAccessSets call accepts.
	MaxAccessUpdatesPerBatch() int
}

// A CategoryBackend provides an R/W interface for the category and
// color-category records.
type CategoryBackend interface {
	WriteCategory(ctx context.Context, category *Category) error

	// GetCategory returns the category owned by owner with the given ID.
	// If none is found, it must return ErrNotFound.
	GetCategory(ctx context.Context, owner, id string) (*Category, error)

	WriteColorCategory(ctx context.Context, category *ColorCategory) error

	// GetColorCategory returns the color category owned by owner with the
	// given ID. If none is found, it must return ErrNotFound.
	GetColorCategory(ctx context.Context, owner, id string) (*ColorCategory, error)
}

// Datastore is the complete storage surface the engine operates on.
type Datastore interface {
	GrantBackend
	ExperienceBackend
	CategoryBackend

	// IsReady reports whether the datastore is ready to accept traffic.
	IsReady(ctx context.Context) (ReadinessStatus, error)

	// Close closes the datastore and cleans up any residual resources.
	Close()
}

// ReadinessStatus represents the readiness status of the datastore.
type ReadinessStatus struct {
	// Message is a human-friendly status message for the current datastore status.
	Message string

	IsReady bool
}
