package engine

import (
	"context"

	"github.com/mucan54/remoteql/internal/auth"
	"github.com/mucan54/remoteql/internal/registry"
)

// Row is one entity rendered as a plain structure: its identifier,
// timestamps and properties flattened into a single map.
type Row = map[string]any

// Engine is the ORM collaborator consumed by the query executor: a fluent
// query-construction capability with automatic per-identity row filtering.
// The filter scope is applied exactly once, when Query constructs the
// builder, before any chain step can touch it.
type Engine interface {
	Query(entity *registry.Entity, ident auth.Identity) Query
}

// Query is a locally-constructed, mutable query builder. Refining methods
// never touch shared state; terminal methods execute against the store.
type Query interface {
	Where(column, operator string, value any) error
	OrWhere(column, operator string, value any) error
	WhereIn(column string, values []any)
	WhereNotIn(column string, values []any)
	WhereNull(column string)
	WhereNotNull(column string)
	WhereBetween(column string, low, high any)
	WhereDate(column, operator string, value any) error

	// WhereGroup adds a parenthesized condition group built by fn against
	// a nested builder context.
	WhereGroup(or bool, fn func(Query) error) error

	// WhereRelation constrains on the existence (or absence) of related
	// rows; fn, when non-nil, refines the related sub-query.
	WhereRelation(relation string, exists bool, fn func(Query) error) error

	OrderBy(column string, desc bool)
	Limit(n int)
	Offset(n int)
	Select(columns []string)
	With(relations []string) error

	Get(ctx context.Context) ([]Row, error)
	First(ctx context.Context) (Row, error)
	Find(ctx context.Context, id string) (Row, error)
	Count(ctx context.Context) (int64, error)
	Exists(ctx context.Context) (bool, error)
	Aggregate(ctx context.Context, fn, column string) (float64, error)
	Pluck(ctx context.Context, column string) ([]any, error)
	Value(ctx context.Context, column string) (any, error)
	Paginate(ctx context.Context, perPage, page int) ([]Row, int64, error)
	SimplePaginate(ctx context.Context, perPage, page int) ([]Row, error)
}
