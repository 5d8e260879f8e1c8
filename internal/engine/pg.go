package engine

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mucan54/remoteql/internal/auth"
	"github.com/mucan54/remoteql/internal/qerr"
	"github.com/mucan54/remoteql/internal/registry"
)

// PG is the Postgres-backed engine. All entities live in a single
// `entities` table keyed by entity_type, with properties stored as JSONB
// and rows scoped to an organization.
type PG struct {
	pool *pgxpool.Pool
	reg  *registry.Registry
}

func NewPG(pool *pgxpool.Pool, reg *registry.Registry) *PG {
	return &PG{pool: pool, reg: reg}
}

// Query constructs a builder for the entity. The identity scope conditions
// are attached here, before any chain step runs; nothing later in the
// pipeline can remove them.
func (p *PG) Query(entity *registry.Entity, ident auth.Identity) Query {
	return newPGQuery(p.pool, p.reg, entity, ident)
}

// sqlw collects query arguments and hands out $n placeholders, plus fresh
// aliases for correlated subqueries.
type sqlw struct {
	args     []any
	aliasSeq int
}

func (w *sqlw) ph(value any) string {
	w.args = append(w.args, value)
	return fmt.Sprintf("$%d", len(w.args))
}

func (w *sqlw) nextAlias() string {
	w.aliasSeq++
	return fmt.Sprintf("r%d", w.aliasSeq)
}

// cond is one WHERE clause element. render runs at execution time so
// placeholder numbering stays correct across nesting.
type cond struct {
	or     bool
	render func(w *sqlw, alias string) string
}

type order struct {
	column string
	desc   bool
}

type relationLoad struct {
	rel     registry.Relation
	related *registry.Entity
}

// pgQuery keeps the identity scope conditions apart from user conditions:
// the two sets render as separately parenthesized groups, so an OR
// connector in a user condition can never widen past the scope.
type pgQuery struct {
	pool     *pgxpool.Pool
	reg      *registry.Registry
	entity   *registry.Entity
	ident    auth.Identity
	scope    []cond
	conds    []cond
	orders   []order
	limit    int
	offset   int
	selects  []string
	loads    []relationLoad
}

func newPGQuery(pool *pgxpool.Pool, reg *registry.Registry, entity *registry.Entity, ident auth.Identity) *pgQuery {
	q := &pgQuery{
		pool:   pool,
		reg:    reg,
		entity: entity,
		ident:  ident,
		limit:  -1,
		offset: -1,
	}
	orgID := ident.OrganizationID
	entityType := entity.Type
	q.scope = append(q.scope,
		cond{render: func(w *sqlw, alias string) string {
			return fmt.Sprintf("%s.organization_id = %s", alias, w.ph(orgID))
		}},
		cond{render: func(w *sqlw, alias string) string {
			return fmt.Sprintf("%s.entity_type = %s", alias, w.ph(entityType))
		}},
	)
	return q
}

// operators maps accepted comparison operators to their SQL form. Anything
// outside this table is rejected before it reaches the database.
var operators = map[string]string{
	"=":        "=",
	"!=":       "<>",
	"<>":       "<>",
	">":        ">",
	">=":       ">=",
	"<":        "<",
	"<=":       "<=",
	"like":     "LIKE",
	"not like": "NOT LIKE",
	"ilike":    "ILIKE",
}

func sqlOperator(op string) (string, error) {
	if mapped, ok := operators[strings.ToLower(op)]; ok {
		return mapped, nil
	}
	return "", qerr.New(qerr.KindValidation, "unsupported operator %q", op)
}

// colExpr renders a column reference. The row identifier and timestamps
// address real columns; everything else addresses a JSONB property, with
// the key passed as a parameter so wire input never reaches SQL text.
func colExpr(w *sqlw, alias, column string) string {
	switch column {
	case "id":
		return alias + ".id::text"
	case "created_at", "updated_at":
		return alias + "." + column
	}
	return fmt.Sprintf("%s.properties ->> %s::text", alias, w.ph(column))
}

func isNumeric(v any) bool {
	switch v.(type) {
	case int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return true
	}
	return false
}

// stringify renders a value the way jsonb ->> renders it, so text-level
// comparisons line up with stored properties.
func stringify(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case bool:
		return strconv.FormatBool(val)
	case nil:
		return ""
	}
	return fmt.Sprint(v)
}

func (q *pgQuery) where(or bool, column, operator string, value any) error {
	op, err := sqlOperator(operator)
	if err != nil {
		return err
	}
	q.conds = append(q.conds, cond{or: or, render: func(w *sqlw, alias string) string {
		expr := colExpr(w, alias, column)
		if value == nil {
			if op == "<>" {
				return expr + " IS NOT NULL"
			}
			return expr + " IS NULL"
		}
		if isNumeric(value) && column != "id" && column != "created_at" && column != "updated_at" {
			return fmt.Sprintf("(%s)::numeric %s %s", expr, op, w.ph(value))
		}
		if boolValue, ok := value.(bool); ok {
			return fmt.Sprintf("(%s)::boolean %s %s", expr, op, w.ph(boolValue))
		}
		if timeValue, ok := value.(time.Time); ok {
			if column == "created_at" || column == "updated_at" {
				return fmt.Sprintf("%s %s %s", expr, op, w.ph(timeValue))
			}
			return fmt.Sprintf("(%s)::timestamptz %s %s", expr, op, w.ph(timeValue))
		}
		return fmt.Sprintf("%s %s %s", expr, op, w.ph(stringify(value)))
	}})
	return nil
}

func (q *pgQuery) Where(column, operator string, value any) error {
	return q.where(false, column, operator, value)
}

func (q *pgQuery) OrWhere(column, operator string, value any) error {
	return q.where(true, column, operator, value)
}

func (q *pgQuery) whereIn(not bool, column string, values []any) {
	texts := make([]string, len(values))
	for i, v := range values {
		texts[i] = stringify(v)
	}
	q.conds = append(q.conds, cond{render: func(w *sqlw, alias string) string {
		if len(texts) == 0 {
			if not {
				return "TRUE"
			}
			return "FALSE"
		}
		expr := fmt.Sprintf("%s = ANY(%s::text[])", colExpr(w, alias, column), w.ph(texts))
		if not {
			return "NOT (" + expr + ")"
		}
		return expr
	}})
}

func (q *pgQuery) WhereIn(column string, values []any) {
	q.whereIn(false, column, values)
}

func (q *pgQuery) WhereNotIn(column string, values []any) {
	q.whereIn(true, column, values)
}

func (q *pgQuery) WhereNull(column string) {
	q.conds = append(q.conds, cond{render: func(w *sqlw, alias string) string {
		return colExpr(w, alias, column) + " IS NULL"
	}})
}

func (q *pgQuery) WhereNotNull(column string) {
	q.conds = append(q.conds, cond{render: func(w *sqlw, alias string) string {
		return colExpr(w, alias, column) + " IS NOT NULL"
	}})
}

func (q *pgQuery) WhereBetween(column string, low, high any) {
	numeric := isNumeric(low) && isNumeric(high)
	q.conds = append(q.conds, cond{render: func(w *sqlw, alias string) string {
		expr := colExpr(w, alias, column)
		if numeric && column != "id" && column != "created_at" && column != "updated_at" {
			return fmt.Sprintf("(%s)::numeric BETWEEN %s AND %s", expr, w.ph(low), w.ph(high))
		}
		return fmt.Sprintf("%s BETWEEN %s AND %s", expr, w.ph(low), w.ph(high))
	}})
}

func (q *pgQuery) WhereDate(column, operator string, value any) error {
	op, err := sqlOperator(operator)
	if err != nil {
		return err
	}
	var day string
	switch val := value.(type) {
	case time.Time:
		day = val.Format("2006-01-02")
	case string:
		day = val
	default:
		return qerr.New(qerr.KindValidation, "whereDate expects a date value")
	}
	q.conds = append(q.conds, cond{render: func(w *sqlw, alias string) string {
		return fmt.Sprintf("(%s)::date %s %s::date", colExpr(w, alias, column), op, w.ph(day))
	}})
	return nil
}

// WhereGroup captures fn against a nested builder and renders it as a
// parenthesized group.
func (q *pgQuery) WhereGroup(or bool, fn func(Query) error) error {
	child := &pgQuery{reg: q.reg, entity: q.entity, ident: q.ident, limit: -1, offset: -1}
	if fn != nil {
		if err := fn(child); err != nil {
			return err
		}
	}
	group := child.conds
	if len(group) == 0 {
		return nil
	}
	q.conds = append(q.conds, cond{or: or, render: func(w *sqlw, alias string) string {
		return "(" + renderConds(w, alias, group) + ")"
	}})
	return nil
}

// WhereRelation renders an EXISTS (or NOT EXISTS) correlated subquery over
// the related entity set, scoped to the same organization.
func (q *pgQuery) WhereRelation(relation string, exists bool, fn func(Query) error) error {
	rel, ok := q.entity.Relation(relation)
	if !ok {
		return qerr.New(qerr.KindValidation, "entity %q has no relation %q", q.entity.Name, relation)
	}
	related, err := q.reg.Resolve(rel.Entity, nil)
	if err != nil {
		return err
	}

	sub := newPGQuery(nil, q.reg, related, q.ident)
	if fn != nil {
		if err := fn(sub); err != nil {
			return err
		}
	}
	subScope := sub.scope
	subConds := sub.conds

	q.conds = append(q.conds, cond{render: func(w *sqlw, alias string) string {
		subAlias := w.nextAlias()
		var b strings.Builder
		b.WriteString("SELECT 1 FROM entities ")
		b.WriteString(subAlias)
		b.WriteString(" WHERE ")
		b.WriteString(renderConds(w, subAlias, subScope))
		if len(subConds) > 0 {
			b.WriteString(" AND (")
			b.WriteString(renderConds(w, subAlias, subConds))
			b.WriteString(")")
		}
		b.WriteString(" AND ")
		b.WriteString(colExpr(w, subAlias, rel.ForeignKey))
		b.WriteString(" = ")
		b.WriteString(colExpr(w, alias, rel.LocalKey))
		if exists {
			return "EXISTS (" + b.String() + ")"
		}
		return "NOT EXISTS (" + b.String() + ")"
	}})
	return nil
}

func (q *pgQuery) OrderBy(column string, desc bool) {
	q.orders = append(q.orders, order{column: column, desc: desc})
}

func (q *pgQuery) Limit(n int) {
	q.limit = n
}

func (q *pgQuery) Offset(n int) {
	q.offset = n
}

func (q *pgQuery) Select(columns []string) {
	q.selects = append(q.selects, columns...)
}

func (q *pgQuery) With(relations []string) error {
	for _, name := range relations {
		rel, ok := q.entity.Relation(name)
		if !ok {
			return qerr.New(qerr.KindValidation, "entity %q has no relation %q", q.entity.Name, name)
		}
		related, err := q.reg.Resolve(rel.Entity, nil)
		if err != nil {
			return err
		}
		q.loads = append(q.loads, relationLoad{rel: rel, related: related})
	}
	return nil
}

// renderConds joins rendered conditions with their declared connectors.
func renderConds(w *sqlw, alias string, conds []cond) string {
	var b strings.Builder
	for i, c := range conds {
		if i > 0 {
			if c.or {
				b.WriteString(" OR ")
			} else {
				b.WriteString(" AND ")
			}
		}
		b.WriteString(c.render(w, alias))
	}
	return b.String()
}
