// Package sqlcommon holds the SQL datastore logic shared by the sqlite and
// postgres drivers.
package sqlcommon

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"go.opentelemetry.io/otel"

	"github.com/plendy/sharesync/pkg/logger"
	"github.com/plendy/sharesync/pkg/storage"
)

var tracer = otel.Tracer("sharesync/pkg/storage/sqlcommon")

// Config defines the configuration parameters
// for setting up and managing a sql connection.
type Config struct {
	Logger                   logger.Logger
	MaxScopeIDsPerQuery      int
	MaxAccessUpdatesPerBatch int

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration

	ExportMetrics bool
}

// DatastoreOption defines a function type
// used for configuring a Config object.
type DatastoreOption func(*Config)

// WithLogger returns a DatastoreOption that sets the Logger in the Config.
func WithLogger(l logger.Logger) DatastoreOption {
	return func(cfg *Config) {
		cfg.Logger = l
	}
}

// WithMaxScopeIDsPerQuery returns a DatastoreOption that sets the scope ID
// predicate cap for grant queries.
func WithMaxScopeIDsPerQuery(n int) DatastoreOption {
	return func(cfg *Config) {
		cfg.MaxScopeIDsPerQuery = n
	}
}

// WithMaxAccessUpdatesPerBatch returns a DatastoreOption that sets the
// access-set batch write cap.
func WithMaxAccessUpdatesPerBatch(n int) DatastoreOption {
	return func(cfg *Config) {
		cfg.MaxAccessUpdatesPerBatch = n
	}
}

// WithMaxOpenConns returns a DatastoreOption that sets the number of maximum open connections.
func WithMaxOpenConns(c int) DatastoreOption {
	return func(cfg *Config) {
		cfg.MaxOpenConns = c
	}
}

// WithMaxIdleConns returns a DatastoreOption that sets the maximum number of idle connections.
func WithMaxIdleConns(c int) DatastoreOption {
	return func(cfg *Config) {
		cfg.MaxIdleConns = c
	}
}

// WithConnMaxIdleTime returns a DatastoreOption that sets the maximum idle time of a connection.
func WithConnMaxIdleTime(d time.Duration) DatastoreOption {
	return func(cfg *Config) {
		cfg.ConnMaxIdleTime = d
	}
}

// WithConnMaxLifetime returns a DatastoreOption that sets the maximum lifetime of a connection.
func WithConnMaxLifetime(d time.Duration) DatastoreOption {
	return func(cfg *Config) {
		cfg.ConnMaxLifetime = d
	}
}

// WithMetrics returns a DatastoreOption that enables connection pool metrics export.
func WithMetrics() DatastoreOption {
	return func(cfg *Config) {
		cfg.ExportMetrics = true
	}
}

// NewConfig returns a Config with defaults applied followed by the given options.
func NewConfig(opts ...DatastoreOption) *Config {
	cfg := &Config{
		Logger:                   logger.NewNoopLogger(),
		MaxScopeIDsPerQuery:      storage.DefaultMaxScopeIDsPerQuery,
		MaxAccessUpdatesPerBatch: storage.DefaultMaxAccessUpdatesPerBatch,
	}

	for _, opt := range opts {
		opt(cfg)
	}

	return cfg
}

// ErrorHandlerFn translates driver-level errors into storage errors.
type ErrorHandlerFn func(error) error

// DBInfo encapsulates the database handle plus the dialect-specific pieces
// the shared logic needs.
type DBInfo struct {
	db          *sql.DB
	stbl        sq.StatementBuilderType
	handleError ErrorHandlerFn
	rowLocking  bool
	dialectName string
}

// NewDBInfo constructs a [DBInfo]. rowLocking selects SELECT ... FOR UPDATE in
// the access-set read-modify-write; sqlite serializes with its write lock
// instead and must pass false.
func NewDBInfo(db *sql.DB, stbl sq.StatementBuilderType, handleError ErrorHandlerFn, dialectName string, rowLocking bool) *DBInfo {
	return &DBInfo{
		db:          db,
		stbl:        stbl,
		handleError: handleError,
		rowLocking:  rowLocking,
		dialectName: dialectName,
	}
}

// Datastore provides the SQL implementation of [storage.Datastore] shared by
// the sqlite and postgres drivers.
type Datastore struct {
	dbInfo                   *DBInfo
	logger                   logger.Logger
	maxScopeIDsPerQuery      int
	maxAccessUpdatesPerBatch int
}

var _ storage.Datastore = (*Datastore)(nil)

// NewDatastore constructs the shared SQL datastore.
func NewDatastore(dbInfo *DBInfo, cfg *Config) *Datastore {
	maxScopeIDs := cfg.MaxScopeIDsPerQuery
	if maxScopeIDs == 0 {
		maxScopeIDs = storage.DefaultMaxScopeIDsPerQuery
	}
	maxBatch := cfg.MaxAccessUpdatesPerBatch
	if maxBatch == 0 {
		maxBatch = storage.DefaultMaxAccessUpdatesPerBatch
	}

	log := cfg.Logger
	if log == nil {
		log = logger.NewNoopLogger()
	}

	return &Datastore{
		dbInfo:                   dbInfo,
		logger:                   log,
		maxScopeIDsPerQuery:      maxScopeIDs,
		maxAccessUpdatesPerBatch: maxBatch,
	}
}

// Close closes the underlying database handle.
func (s *Datastore) Close() {
	_ = s.dbInfo.db.Close()
}

// IsReady see [storage.Datastore].IsReady.
func (s *Datastore) IsReady(ctx context.Context) (storage.ReadinessStatus, error) {
	if err := s.dbInfo.db.PingContext(ctx); err != nil {
		return storage.ReadinessStatus{Message: err.Error()}, nil
	}
	return storage.ReadinessStatus{IsReady: true}, nil
}

// WriteGrant see [storage.GrantBackend].WriteGrant.
func (s *Datastore) WriteGrant(ctx context.Context, grant *storage.Grant) error {
	ctx, span := tracer.Start(ctx, s.dbInfo.dialectName+".WriteGrant")
	defer span.End()

	createdAt := grant.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	// Upsert by primary key; access level is the only mutable field.
	_, err := s.dbInfo.stbl.
		Insert("grants").
		Columns("id", "owner", "scope", "scope_id", "grantee", "access_level", "created_at").
		Values(grant.ID, grant.Owner, string(grant.Scope), grant.ScopeID, grant.Grantee, string(grant.AccessLevel), createdAt).
		Suffix("ON CONFLICT (id) DO UPDATE SET access_level = excluded.access_level").
		ExecContext(ctx)
	if err != nil {
		return s.dbInfo.handleError(err)
	}

	return nil
}

// GetGrant see [storage.GrantBackend].GetGrant.
func (s *Datastore) GetGrant(ctx context.Context, id string) (*storage.Grant, error) {
	ctx, span := tracer.Start(ctx, s.dbInfo.dialectName+".GetGrant")
	defer span.End()

	row := s.dbInfo.stbl.
		Select("id", "owner", "scope", "scope_id", "grantee", "access_level", "created_at").
		From("grants").
		Where(sq.Eq{"id": id}).
		QueryRowContext(ctx)

	grant, err := scanGrant(row)
	if err != nil {
		return nil, s.dbInfo.handleError(err)
	}

	return grant, nil
}

// DeleteGrant see [storage.GrantBackend].DeleteGrant.
func (s *Datastore) DeleteGrant(ctx context.Context, id string) error {
	ctx, span := tracer.Start(ctx, s.dbInfo.dialectName+".DeleteGrant")
	defer span.End()

	_, err := s.dbInfo.stbl.
		Delete("grants").
		Where(sq.Eq{"id": id}).
		ExecContext(ctx)
	if err != nil {
		return s.dbInfo.handleError(err)
	}

	return nil
}

// ReadGrants see [storage.GrantBackend].ReadGrants.
func (s *Datastore) ReadGrants(ctx context.Context, filter storage.GrantFilter) ([]*storage.Grant, error) {
	ctx, span := tracer.Start(ctx, s.dbInfo.dialectName+".ReadGrants")
	defer span.End()

	if len(filter.ScopeIDs) > s.maxScopeIDsPerQuery {
		return nil, storage.TooManyScopeIDsError(len(filter.ScopeIDs), s.maxScopeIDsPerQuery)
	}

	sb := s.dbInfo.stbl.
		Select("id", "owner", "scope", "scope_id", "grantee", "access_level", "created_at").
		From("grants")
	if filter.Owner != "" {
		sb = sb.Where(sq.Eq{"owner": filter.Owner})
	}
	if filter.Grantee != "" {
		sb = sb.Where(sq.Eq{"grantee": filter.Grantee})
	}
	if filter.Scope != "" {
		sb = sb.Where(sq.Eq{"scope": string(filter.Scope)})
	}
	if len(filter.ScopeIDs) > 0 {
		sb = sb.Where(sq.Eq{"scope_id": filter.ScopeIDs})
	}

	rows, err := sb.QueryContext(ctx)
	if err != nil {
		return nil, s.dbInfo.handleError(err)
	}
	defer rows.Close()

	var grants []*storage.Grant
	for rows.Next() {
		grant, err := scanGrant(rows)
		if err != nil {
			return nil, s.dbInfo.handleError(err)
		}
		grants = append(grants, grant)
	}
	if err := rows.Err(); err != nil {
		return nil, s.dbInfo.handleError(err)
	}

	return grants, nil
}

// MaxScopeIDsPerQuery see [storage.GrantBackend].MaxScopeIDsPerQuery.
func (s *Datastore) MaxScopeIDsPerQuery() int {
	return s.maxScopeIDsPerQuery
}

// WriteExperience see [storage.ExperienceBackend].WriteExperience.
func (s *Datastore) WriteExperience(ctx context.Context, experience *storage.Experience) error {
	ctx, span := tracer.Start(ctx, s.dbInfo.dialectName+".WriteExperience")
	defer span.End()

	createdAt := experience.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	secondary, err := marshalStringSlice(experience.SecondaryCategories)
	if err != nil {
		return err
	}
	accessSet, err := marshalStringSlice(experience.AccessSet)
	if err != nil {
		return err
	}

	txn, err := s.dbInfo.db.BeginTx(ctx, nil)
	if err != nil {
		return s.dbInfo.handleError(err)
	}
	defer func() {
		_ = txn.Rollback()
	}()

	_, err = s.dbInfo.stbl.
		Insert("experiences").
		Columns("id", "owner", "primary_category", "secondary_categories", "color_category", "access_set", "created_at").
		Values(experience.ID, experience.Owner, experience.PrimaryCategory, secondary, experience.ColorCategory, accessSet, createdAt).
		Suffix("ON CONFLICT (id) DO UPDATE SET " +
			"owner = excluded.owner, " +
			"primary_category = excluded.primary_category, " +
			"secondary_categories = excluded.secondary_categories, " +
			"color_category = excluded.color_category, " +
			"access_set = excluded.access_set").
		RunWith(txn).
		ExecContext(ctx)
	if err != nil {
		return s.dbInfo.handleError(err)
	}

	// The join table indexes secondary-category membership for scans; the
	// JSON column on the experience row stays the read source.
	_, err = s.dbInfo.stbl.
		Delete("experience_secondary_categories").
		Where(sq.Eq{"experience_id": experience.ID}).
		RunWith(txn).
		ExecContext(ctx)
	if err != nil {
		return s.dbInfo.handleError(err)
	}

	if len(experience.SecondaryCategories) > 0 {
		ib := s.dbInfo.stbl.
			Insert("experience_secondary_categories").
			Columns("experience_id", "category_id")
		seen := map[string]struct{}{}
		for _, categoryID := range experience.SecondaryCategories {
			if _, ok := seen[categoryID]; ok {
				continue
			}
			seen[categoryID] = struct{}{}
			ib = ib.Values(experience.ID, categoryID)
		}
		if _, err := ib.RunWith(txn).ExecContext(ctx); err != nil {
			return s.dbInfo.handleError(err)
		}
	}

	if err := txn.Commit(); err != nil {
		return s.dbInfo.handleError(err)
	}

	return nil
}

// GetExperience see [storage.ExperienceBackend].GetExperience.
func (s *Datastore) GetExperience(ctx context.Context, id string) (*storage.Experience, error) {
	ctx, span := tracer.Start(ctx, s.dbInfo.dialectName+".GetExperience")
	defer span.End()

	row := s.dbInfo.stbl.
		Select("id", "owner", "primary_category", "secondary_categories", "color_category", "access_set", "created_at").
		From("experiences").
		Where(sq.Eq{"id": id}).
		QueryRowContext(ctx)

	experience, err := scanExperience(row)
	if err != nil {
		return nil, s.dbInfo.handleError(err)
	}

	return experience, nil
}

// ReadExperiencesByCategory see [storage.ExperienceBackend].ReadExperiencesByCategory.
func (s *Datastore) ReadExperiencesByCategory(ctx context.Context, owner string, filter storage.ExperienceCategoryFilter) ([]*storage.Experience, error) {
	ctx, span := tracer.Start(ctx, s.dbInfo.dialectName+".ReadExperiencesByCategory")
	defer span.End()

	sb := s.dbInfo.stbl.
		Select("e.id", "e.owner", "e.primary_category", "e.secondary_categories", "e.color_category", "e.access_set", "e.created_at").
		From("experiences e").
		Where(sq.Eq{"e.owner": owner})

	switch filter.Membership {
	case storage.MembershipPrimary:
		sb = sb.Where(sq.Eq{"e.primary_category": filter.CategoryID})
	case storage.MembershipSecondary:
		sb = sb.Join("experience_secondary_categories sc ON sc.experience_id = e.id").
			Where(sq.Eq{"sc.category_id": filter.CategoryID})
	case storage.MembershipColor:
		sb = sb.Where(sq.Eq{"e.color_category": filter.CategoryID})
	default:
		return nil, fmt.Errorf("unknown membership filter: %d", filter.Membership)
	}

	rows, err := sb.QueryContext(ctx)
	if err != nil {
		return nil, s.dbInfo.handleError(err)
	}
	defer rows.Close()

	var experiences []*storage.Experience
	for rows.Next() {
		experience, err := scanExperience(rows)
		if err != nil {
			return nil, s.dbInfo.handleError(err)
		}
		experiences = append(experiences, experience)
	}
	if err := rows.Err(); err != nil {
		return nil, s.dbInfo.handleError(err)
	}

	return experiences, nil
}

// ReadExperiencePage see [storage.ExperienceBackend].ReadExperiencePage.
func (s *Datastore) ReadExperiencePage(ctx context.Context, options storage.PaginationOptions) ([]*storage.Experience, string, error) {
	ctx, span := tracer.Start(ctx, s.dbInfo.dialectName+".ReadExperiencePage")
	defer span.End()

	pageSize := storage.DefaultPageSize
	if options.PageSize > 0 {
		pageSize = options.PageSize
	}

	sb := s.dbInfo.stbl.
		Select("id", "owner", "primary_category", "secondary_categories", "color_category", "access_set", "created_at").
		From("experiences").
		OrderBy("created_at DESC", "id DESC").
		Limit(uint64(pageSize + 1)) // + 1 is used to determine whether to return a continuation token.

	if options.From != "" {
		token, err := storage.UnmarshalContinuationToken(options.From)
		if err != nil {
			return nil, "", err
		}
		sb = sb.Where(sq.Or{
			sq.Lt{"created_at": token.CreatedAt},
			sq.And{
				sq.Eq{"created_at": token.CreatedAt},
				sq.Lt{"id": token.ExperienceID},
			},
		})
	}

	rows, err := sb.QueryContext(ctx)
	if err != nil {
		return nil, "", s.dbInfo.handleError(err)
	}
	defer rows.Close()

	var experiences []*storage.Experience
	for rows.Next() {
		experience, err := scanExperience(rows)
		if err != nil {
			return nil, "", s.dbInfo.handleError(err)
		}
		experiences = append(experiences, experience)
	}
	if err := rows.Err(); err != nil {
		return nil, "", s.dbInfo.handleError(err)
	}

	contToken := ""
	if len(experiences) > pageSize {
		experiences = experiences[:pageSize]
		last := experiences[len(experiences)-1]
		contToken = storage.MarshalContinuationToken(&storage.ContinuationToken{
			CreatedAt:    last.CreatedAt,
			ExperienceID: last.ID,
		})
	}

	return experiences, contToken, nil
}

// UpdateAccessSets see [storage.ExperienceBackend].UpdateAccessSets.
//
// Each update is a per-row read-modify-write inside one transaction so a batch
// commits atomically; the set semantics stay behind this method.
func (s *Datastore) UpdateAccessSets(ctx context.Context, updates []storage.AccessSetUpdate) error {
	ctx, span := tracer.Start(ctx, s.dbInfo.dialectName+".UpdateAccessSets")
	defer span.End()

	if len(updates) > s.maxAccessUpdatesPerBatch {
		return storage.ExceededBatchLimitError(len(updates), s.maxAccessUpdatesPerBatch)
	}

	txn, err := s.dbInfo.db.BeginTx(ctx, nil)
	if err != nil {
		return s.dbInfo.handleError(err)
	}
	defer func() {
		_ = txn.Rollback()
	}()

	for _, update := range updates {
		sb := s.dbInfo.stbl.
			Select("access_set").
			From("experiences").
			Where(sq.Eq{"id": update.ExperienceID})
		if s.dbInfo.rowLocking {
			sb = sb.Suffix("FOR UPDATE")
		}

		var raw string
		err := sb.RunWith(txn).QueryRowContext(ctx).Scan(&raw)
		if err == sql.ErrNoRows {
			// Updates referencing missing experiences are ignored.
			continue
		}
		if err != nil {
			return s.dbInfo.handleError(err)
		}

		current, err := unmarshalStringSlice(raw)
		if err != nil {
			return err
		}

		var next []string
		switch update.Op {
		case storage.AccessSetAdd:
			next = applyAdd(current, update.Grantee)
		case storage.AccessSetRemove:
			next = applyRemove(current, update.Grantee)
		case storage.AccessSetReplace:
			next = nil
			for _, m := range update.Members {
				next = applyAdd(next, m)
			}
		default:
			return fmt.Errorf("unknown access-set op: %d", update.Op)
		}

		encoded, err := marshalStringSlice(next)
		if err != nil {
			return err
		}

		_, err = s.dbInfo.stbl.
			Update("experiences").
			Set("access_set", encoded).
			Where(sq.Eq{"id": update.ExperienceID}).
			RunWith(txn).
			ExecContext(ctx)
		if err != nil {
			return s.dbInfo.handleError(err)
		}
	}

	if err := txn.Commit(); err != nil {
		return s.dbInfo.handleError(err)
	}

	return nil
}

// MaxAccessUpdatesPerBatch see [storage.ExperienceBackend].MaxAccessUpdatesPerBatch.
func (s *Datastore) MaxAccessUpdatesPerBatch() int {
	return s.maxAccessUpdatesPerBatch
}

// WriteCategory see [storage.CategoryBackend].WriteCategory.
func (s *Datastore) WriteCategory(ctx context.Context, category *storage.Category) error {
	ctx, span := tracer.Start(ctx, s.dbInfo.dialectName+".WriteCategory")
	defer span.End()

	createdAt := category.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := s.dbInfo.stbl.
		Insert("categories").
		Columns("owner", "id", "name", "icon", "created_at").
		Values(category.Owner, category.ID, category.Name, category.Icon, createdAt).
		Suffix("ON CONFLICT (owner, id) DO UPDATE SET name = excluded.name, icon = excluded.icon").
		ExecContext(ctx)
	if err != nil {
		return s.dbInfo.handleError(err)
	}

	return nil
}

// GetCategory see [storage.CategoryBackend].GetCategory.
func (s *Datastore) GetCategory(ctx context.Context, owner, id string) (*storage.Category, error) {
	ctx, span := tracer.Start(ctx, s.dbInfo.dialectName+".GetCategory")
	defer span.End()

	var category storage.Category
	err := s.dbInfo.stbl.
		Select("owner", "id", "name", "icon", "created_at").
		From("categories").
		Where(sq.Eq{"owner": owner, "id": id}).
		QueryRowContext(ctx).
		Scan(&category.Owner, &category.ID, &category.Name, &category.Icon, &category.CreatedAt)
	if err != nil {
		return nil, s.dbInfo.handleError(err)
	}

	return &category, nil
}

// WriteColorCategory see [storage.CategoryBackend].WriteColorCategory.
func (s *Datastore) WriteColorCategory(ctx context.Context, category *storage.ColorCategory) error {
	ctx, span := tracer.Start(ctx, s.dbInfo.dialectName+".WriteColorCategory")
	defer span.End()

	createdAt := category.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := s.dbInfo.stbl.
		Insert("color_categories").
		Columns("owner", "id", "name", "color_hex", "created_at").
		Values(category.Owner, category.ID, category.Name, category.ColorHex, createdAt).
		Suffix("ON CONFLICT (owner, id) DO UPDATE SET name = excluded.name, color_hex = excluded.color_hex").
		ExecContext(ctx)
	if err != nil {
		return s.dbInfo.handleError(err)
	}

	return nil
}

// GetColorCategory see [storage.CategoryBackend].GetColorCategory.
func (s *Datastore) GetColorCategory(ctx context.Context, owner, id string) (*storage.ColorCategory, error) {
	ctx, span := tracer.Start(ctx, s.dbInfo.dialectName+".GetColorCategory")
	defer span.End()

	var category storage.ColorCategory
	err := s.dbInfo.stbl.
		Select("owner", "id", "name", "color_hex", "created_at").
		From("color_categories").
		Where(sq.Eq{"owner": owner, "id": id}).
		QueryRowContext(ctx).
		Scan(&category.Owner, &category.ID, &category.Name, &category.ColorHex, &category.CreatedAt)
	if err != nil {
		return nil, s.dbInfo.handleError(err)
	}

	return &category, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGrant(row rowScanner) (*storage.Grant, error) {
	var grant storage.Grant
	var scope, accessLevel string
	err := row.Scan(&grant.ID, &grant.Owner, &scope, &grant.ScopeID, &grant.Grantee, &accessLevel, &grant.CreatedAt)
	if err != nil {
		return nil, err
	}

	grant.Scope = storage.Scope(scope)
	grant.AccessLevel = storage.AccessLevel(accessLevel)
	return &grant, nil
}

func scanExperience(row rowScanner) (*storage.Experience, error) {
	var experience storage.Experience
	var secondary, accessSet string
	err := row.Scan(&experience.ID, &experience.Owner, &experience.PrimaryCategory, &secondary, &experience.ColorCategory, &accessSet, &experience.CreatedAt)
	if err != nil {
		return nil, err
	}

	experience.SecondaryCategories, err = unmarshalStringSlice(secondary)
	if err != nil {
		return nil, err
	}
	experience.AccessSet, err = unmarshalStringSlice(accessSet)
	if err != nil {
		return nil, err
	}

	return &experience, nil
}

func marshalStringSlice(values []string) (string, error) {
	if values == nil {
		values = []string{}
	}
	data, err := json.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("marshal string slice: %w", err)
	}
	return string(data), nil
}

func unmarshalStringSlice(raw string) ([]string, error) {
	if raw == "" {
		return nil, nil
	}
	var values []string
	if err := json.Unmarshal([]byte(raw), &values); err != nil {
		return nil, fmt.Errorf("unmarshal string slice: %w", err)
	}
	if len(values) == 0 {
		return nil, nil
	}
	return values, nil
}

func applyAdd(set []string, member string) []string {
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

func applyRemove(set []string, member string) []string {
	out := make([]string, 0, len(set))
	for _, m := range set {
		if m != member {
			out = append(out, m)
		}
	}
	return out
}
