package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const baseAlias = "e"

// buildWhere renders the scope conjunction first and wraps every user
// condition in a single parenthesized group behind it.
func (q *pgQuery) buildWhere(w *sqlw) string {
	where := renderConds(w, baseAlias, q.scope)
	if len(q.conds) > 0 {
		where += " AND (" + renderConds(w, baseAlias, q.conds) + ")"
	}
	return where
}

func (q *pgQuery) buildTail(w *sqlw) string {
	var b strings.Builder
	if len(q.orders) > 0 {
		b.WriteString(" ORDER BY ")
		for i, o := range q.orders {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(colExpr(w, baseAlias, o.column))
			if o.desc {
				b.WriteString(" DESC")
			} else {
				b.WriteString(" ASC")
			}
		}
	}
	if q.limit >= 0 {
		fmt.Fprintf(&b, " LIMIT %d", q.limit)
	}
	if q.offset >= 0 {
		fmt.Fprintf(&b, " OFFSET %d", q.offset)
	}
	return b.String()
}

func (q *pgQuery) Get(ctx context.Context) ([]Row, error) {
	w := &sqlw{}
	sql := fmt.Sprintf(
		"SELECT %s.id, %s.properties, %s.created_at, %s.updated_at FROM entities %s WHERE %s%s",
		baseAlias, baseAlias, baseAlias, baseAlias, baseAlias, q.buildWhere(w), q.buildTail(w),
	)
	rows, err := q.pool.Query(ctx, sql, w.args...)
	if err != nil {
		return nil, fmt.Errorf("query entities: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var (
			id                   uuid.UUID
			properties           []byte
			createdAt, updatedAt time.Time
		)
		if err := rows.Scan(&id, &properties, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan entity row: %w", err)
		}
		row, err := buildRow(id, properties, createdAt, updatedAt)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entity rows: %w", err)
	}
	if out == nil {
		out = []Row{}
	}

	if err := q.loadRelations(ctx, out); err != nil {
		return nil, err
	}
	if len(q.selects) > 0 {
		columns := q.selects
		for _, load := range q.loads {
			columns = append(columns, load.rel.Name)
		}
		for i, row := range out {
			out[i] = projectRow(row, columns)
		}
	}
	return out, nil
}

func (q *pgQuery) First(ctx context.Context) (Row, error) {
	q.limit = 1
	rows, err := q.Get(ctx)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

func (q *pgQuery) Find(ctx context.Context, id string) (Row, error) {
	if err := q.Where("id", "=", id); err != nil {
		return nil, err
	}
	return q.First(ctx)
}

func (q *pgQuery) Count(ctx context.Context) (int64, error) {
	w := &sqlw{}
	sql := fmt.Sprintf("SELECT count(*) FROM entities %s WHERE %s", baseAlias, q.buildWhere(w))
	var count int64
	if err := q.pool.QueryRow(ctx, sql, w.args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count entities: %w", err)
	}
	return count, nil
}

func (q *pgQuery) Exists(ctx context.Context) (bool, error) {
	w := &sqlw{}
	sql := fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM entities %s WHERE %s)", baseAlias, q.buildWhere(w))
	var exists bool
	if err := q.pool.QueryRow(ctx, sql, w.args...).Scan(&exists); err != nil {
		return false, fmt.Errorf("check entity existence: %w", err)
	}
	return exists, nil
}

var aggregateFns = map[string]string{
	"sum": "sum",
	"avg": "avg",
	"min": "min",
	"max": "max",
}

func (q *pgQuery) Aggregate(ctx context.Context, fn, column string) (float64, error) {
	sqlFn, ok := aggregateFns[strings.ToLower(fn)]
	if !ok {
		return 0, fmt.Errorf("unsupported aggregate %q", fn)
	}
	w := &sqlw{}
	expr := colExpr(w, baseAlias, column)
	sql := fmt.Sprintf(
		"SELECT COALESCE(%s((%s)::numeric), 0)::float8 FROM entities %s WHERE %s",
		sqlFn, expr, baseAlias, q.buildWhere(w),
	)
	var value float64
	if err := q.pool.QueryRow(ctx, sql, w.args...).Scan(&value); err != nil {
		return 0, fmt.Errorf("aggregate %s(%s): %w", fn, column, err)
	}
	return value, nil
}

func (q *pgQuery) Pluck(ctx context.Context, column string) ([]any, error) {
	w := &sqlw{}
	expr := colExpr(w, baseAlias, column)
	sql := fmt.Sprintf("SELECT %s FROM entities %s WHERE %s%s", expr, baseAlias, q.buildWhere(w), q.buildTail(w))
	rows, err := q.pool.Query(ctx, sql, w.args...)
	if err != nil {
		return nil, fmt.Errorf("pluck %s: %w", column, err)
	}
	defer rows.Close()

	values := []any{}
	for rows.Next() {
		var value *string
		if err := rows.Scan(&value); err != nil {
			return nil, fmt.Errorf("scan plucked value: %w", err)
		}
		if value == nil {
			values = append(values, nil)
		} else {
			values = append(values, *value)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate plucked values: %w", err)
	}
	return values, nil
}

func (q *pgQuery) Value(ctx context.Context, column string) (any, error) {
	q.limit = 1
	values, err := q.Pluck(ctx, column)
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, nil
	}
	return values[0], nil
}

func (q *pgQuery) Paginate(ctx context.Context, perPage, page int) ([]Row, int64, error) {
	if perPage <= 0 {
		perPage = 15
	}
	if page <= 0 {
		page = 1
	}
	total, err := q.Count(ctx)
	if err != nil {
		return nil, 0, err
	}
	q.limit = perPage
	q.offset = (page - 1) * perPage
	rows, err := q.Get(ctx)
	if err != nil {
		return nil, 0, err
	}
	return rows, total, nil
}

func (q *pgQuery) SimplePaginate(ctx context.Context, perPage, page int) ([]Row, error) {
	if perPage <= 0 {
		perPage = 15
	}
	if page <= 0 {
		page = 1
	}
	q.limit = perPage
	q.offset = (page - 1) * perPage
	return q.Get(ctx)
}

// loadRelations fetches each eager-loaded relation in one query and
// attaches the matches onto the parent rows.
func (q *pgQuery) loadRelations(ctx context.Context, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	for _, load := range q.loads {
		keys := make([]any, 0, len(rows))
		seen := make(map[string]struct{})
		for _, row := range rows {
			key := stringify(row[load.rel.LocalKey])
			if key == "" {
				continue
			}
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			keys = append(keys, key)
		}

		byKey := make(map[string][]Row)
		if len(keys) > 0 {
			sub := newPGQuery(q.pool, q.reg, load.related, q.ident)
			sub.WhereIn(load.rel.ForeignKey, keys)
			children, err := sub.Get(ctx)
			if err != nil {
				return fmt.Errorf("load relation %q: %w", load.rel.Name, err)
			}
			for _, child := range children {
				key := stringify(child[load.rel.ForeignKey])
				byKey[key] = append(byKey[key], child)
			}
		}

		for _, row := range rows {
			matches := byKey[stringify(row[load.rel.LocalKey])]
			if load.rel.Many {
				if matches == nil {
					matches = []Row{}
				}
				row[load.rel.Name] = matches
			} else if len(matches) > 0 {
				row[load.rel.Name] = matches[0]
			} else {
				row[load.rel.Name] = nil
			}
		}
	}
	return nil
}

// buildRow flattens a stored entity into its plain-structure form.
func buildRow(id uuid.UUID, properties []byte, createdAt, updatedAt time.Time) (Row, error) {
	row := Row{}
	if len(properties) > 0 {
		if err := json.Unmarshal(properties, &row); err != nil {
			return nil, fmt.Errorf("decode properties for entity %s: %w", id, err)
		}
	}
	row["id"] = id.String()
	row["created_at"] = createdAt
	row["updated_at"] = updatedAt
	return row, nil
}

// projectRow keeps only the selected columns plus any loaded relations.
func projectRow(row Row, columns []string) Row {
	out := Row{}
	for _, column := range columns {
		if value, ok := row[column]; ok {
			out[column] = value
		}
	}
	return out
}
