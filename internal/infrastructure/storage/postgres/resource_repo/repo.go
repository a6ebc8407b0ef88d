// Package resource_repo provides the PostgreSQL implementation of
// resource.Repository: generic CRUD over a single "resources" table keyed
// by (resource_type, id), using squirrel to build SQL and scany to scan
// results, with optimistic-locked updates on version_id.
package resource_repo

import (
	"context"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"

	"fhirtx/internal/core/apperror"
	"fhirtx/internal/core/id"
	"fhirtx/internal/domain/resource"
	"fhirtx/internal/infrastructure/storage/postgres"
)

const tableName = "resources"

var selectCols = []string{
	"id", "resource_type", "version_id", "last_updated", "content", "deletion_mark",
}

// Repo implements resource.Repository.
//
// TxManager is obtained from context per call, not stored in the struct,
// so a single Repo instance works both inside and outside an ambient
// transaction.
type Repo struct{}

// New creates a new resource repository.
func New() *Repo {
	return &Repo{}
}

func (r *Repo) builder() squirrel.StatementBuilderType {
	return squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)
}

func (r *Repo) querier(ctx context.Context) postgres.Querier {
	return postgres.MustGetTxManager(ctx).GetQuerier(ctx)
}

// Create inserts a new resource row.
func (r *Repo) Create(ctx context.Context, res *resource.Resource) error {
	data := postgres.StructToMap(*res)

	q := r.builder().Insert(tableName).SetMap(data)
	sql, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}

	if _, err := r.querier(ctx).Exec(ctx, sql, args...); err != nil {
		return classifyResourceError(postgres.ClassifyError(err), res.ResourceType)
	}
	return nil
}

func (r *Repo) baseSelect(resourceType string) squirrel.SelectBuilder {
	return r.builder().
		Select(selectCols...).
		From(tableName).
		Where(squirrel.Eq{"resource_type": resourceType})
}

// GetByID retrieves a non-deleted resource by id.
func (r *Repo) GetByID(ctx context.Context, resourceType string, resourceID id.ID) (*resource.Resource, error) {
	q := r.baseSelect(resourceType).
		Where(squirrel.Eq{"id": resourceID}).
		Where(squirrel.Eq{"deletion_mark": false}).
		Limit(1)

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var res resource.Resource
	if err := pgxscan.Get(ctx, r.querier(ctx), &res, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return nil, apperror.NewNotFound(resourceType, resourceID.String())
		}
		return nil, fmt.Errorf("get by id: %w", err)
	}
	return &res, nil
}

// GetForUpdate retrieves a resource with a row lock, for callers that
// intend to update it within the same transaction.
func (r *Repo) GetForUpdate(ctx context.Context, resourceType string, resourceID id.ID) (*resource.Resource, error) {
	q := r.baseSelect(resourceType).
		Where(squirrel.Eq{"id": resourceID}).
		Suffix("FOR UPDATE")

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var res resource.Resource
	if err := pgxscan.Get(ctx, r.querier(ctx), &res, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return nil, apperror.NewNotFound(resourceType, resourceID.String())
		}
		return nil, fmt.Errorf("get for update: %w", err)
	}
	return &res, nil
}

// FindByField looks up a single resource whose JSONB content has field =
// value, used by conditional-create's "search" half.
func (r *Repo) FindByField(ctx context.Context, resourceType, field string, value any) (*resource.Resource, error) {
	q := r.baseSelect(resourceType).
		Where(squirrel.Eq{"deletion_mark": false}).
		Where(squirrel.Expr("content->>? = ?", field, fmt.Sprintf("%v", value))).
		Limit(1)

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var res resource.Resource
	if err := pgxscan.Get(ctx, r.querier(ctx), &res, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return nil, apperror.NewNotFound(resourceType, field)
		}
		return nil, fmt.Errorf("find by field: %w", err)
	}
	return &res, nil
}

// Update applies an optimistic-locked update: the WHERE clause requires
// version_id to still equal expectedVersion. Zero rows affected means a
// concurrent writer won the race.
func (r *Repo) Update(ctx context.Context, res *resource.Resource, expectedVersion int) error {
	q := r.builder().
		Update(tableName).
		Set("version_id", res.VersionID).
		Set("last_updated", res.LastUpdated).
		Set("content", res.Content).
		Where(squirrel.Eq{"id": res.ID}).
		Where(squirrel.Eq{"resource_type": res.ResourceType}).
		Where(squirrel.Eq{"version_id": expectedVersion})

	sql, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build update: %w", err)
	}

	result, err := r.querier(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return classifyResourceError(postgres.ClassifyError(err), res.ResourceType)
	}
	if result.RowsAffected() == 0 {
		return apperror.NewSerializationConflict().
			WithDetail("resourceType", res.ResourceType).
			WithDetail("id", res.ID.String()).
			WithDetail("expectedVersion", expectedVersion)
	}
	return nil
}

// Delete soft-deletes a resource by setting its deletion mark.
func (r *Repo) Delete(ctx context.Context, resourceType string, resourceID id.ID) error {
	q := r.builder().
		Update(tableName).
		Set("deletion_mark", true).
		Set("version_id", squirrel.Expr("version_id + 1")).
		Where(squirrel.Eq{"id": resourceID}).
		Where(squirrel.Eq{"resource_type": resourceType})

	sql, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build delete: %w", err)
	}

	result, err := r.querier(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("execute delete: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperror.NewNotFound(resourceType, resourceID.String())
	}
	return nil
}

// BulkInsert loads pre-validated resources via the COPY protocol, for
// trusted bulk imports where per-item savepoint isolation would only add
// overhead. Must run inside an active transaction.
func (r *Repo) BulkInsert(ctx context.Context, resources []*resource.Resource) (int64, error) {
	batch := postgres.NewBatchInserter(postgres.MustGetTxManager(ctx))

	rows := make([][]any, len(resources))
	for i, res := range resources {
		rows[i] = []any{res.ID, res.ResourceType, res.VersionID, res.LastUpdated, res.Content, res.DeletionMark}
	}

	resourceType := ""
	if len(resources) > 0 {
		resourceType = resources[0].ResourceType
	}

	n, err := batch.CopyFromSlice(ctx, tableName, selectCols, rows)
	if err != nil {
		return 0, classifyResourceError(postgres.ClassifyError(err), resourceType)
	}
	return n, nil
}

// Search retrieves resources matching opts, newest-first.
func (r *Repo) Search(ctx context.Context, resourceType string, opts resource.SearchOptions) ([]*resource.Resource, error) {
	q := r.baseSelect(resourceType)

	if !opts.IncludeDeleted {
		q = q.Where(squirrel.Eq{"deletion_mark": false})
	}
	if len(opts.IDs) > 0 {
		q = q.Where(squirrel.Eq{"id": opts.IDs})
	}
	for field, value := range opts.FieldEquals {
		q = q.Where(squirrel.Expr("content->>? = ?", field, fmt.Sprintf("%v", value)))
	}

	q = q.OrderBy("last_updated DESC")
	if opts.Limit > 0 {
		q = q.Limit(uint64(opts.Limit))
	}
	if opts.Offset > 0 {
		q = q.Offset(uint64(opts.Offset))
	}

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var results []*resource.Resource
	if err := pgxscan.Select(ctx, r.querier(ctx), &results, sql, args...); err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	return results, nil
}

// classifyResourceError fills in the resource type on an already-classified
// unique-conflict outcome; every other outcome passes through unchanged.
func classifyResourceError(err error, resourceType string) error {
	if o, ok := apperror.AsOutcome(err); ok && o.Code == apperror.CodeUniqueConflict {
		return apperror.NewUniqueConflict(resourceType, "id").WithCause(err)
	}
	return err
}
