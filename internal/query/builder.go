package query

import (
	"time"

	"github.com/mucan54/remoteql/internal/wire"
)

// Builder records a chain of query-refining operations without executing
// them. Every method appends one serialized step and returns the builder,
// so chains of any length can be captured. The recorded chain plus one
// terminal call assembles into an AST.
//
// The operation set is enumerated deliberately: each method corresponds to
// an entry in the server's default chain allow-list. Raw exists as an
// escape hatch for operations not yet enumerated; the server still
// validates every step, so Raw cannot widen the allowed set.
type Builder struct {
	model string
	chain []wire.CallStep
}

// Model starts a builder for the named entity.
func Model(name string) *Builder {
	return &Builder{model: name}
}

// Nested is a constraint callback applied to a sub-query context. The
// builder it receives records steps exactly like a top-level chain; nothing
// executes until the server replays the capture.
type Nested func(*Builder)

func (b *Builder) step(method string, params ...any) *Builder {
	serialized := make([]any, len(params))
	for i, p := range params {
		serialized[i] = wire.Serialize(p)
	}
	b.chain = append(b.chain, wire.CallStep{Method: method, Parameters: serialized})
	return b
}

// capture runs fn against a fresh recording builder and returns the
// resulting chain as a serializable closure.
func capture(fn Nested) wire.Closure {
	sub := &Builder{}
	if fn != nil {
		fn(sub)
	}
	return wire.Closure{Chain: sub.chain}
}

// Where adds an equality constraint when called with (column, value), or a
// custom operator with (column, operator, value).
func (b *Builder) Where(column string, args ...any) *Builder {
	params := append([]any{column}, args...)
	return b.step("where", params...)
}

// WhereNested adds a parenthesized constraint group captured from fn.
func (b *Builder) WhereNested(fn Nested) *Builder {
	return b.step("where", capture(fn))
}

// OrWhere adds a disjunctive constraint.
func (b *Builder) OrWhere(column string, args ...any) *Builder {
	params := append([]any{column}, args...)
	return b.step("orWhere", params...)
}

// OrWhereNested adds a disjunctive parenthesized constraint group.
func (b *Builder) OrWhereNested(fn Nested) *Builder {
	return b.step("orWhere", capture(fn))
}

func (b *Builder) WhereIn(column string, values []any) *Builder {
	return b.step("whereIn", column, values)
}

func (b *Builder) WhereNotIn(column string, values []any) *Builder {
	return b.step("whereNotIn", column, values)
}

func (b *Builder) WhereNull(column string) *Builder {
	return b.step("whereNull", column)
}

func (b *Builder) WhereNotNull(column string) *Builder {
	return b.step("whereNotNull", column)
}

func (b *Builder) WhereBetween(column string, low, high any) *Builder {
	return b.step("whereBetween", column, []any{low, high})
}

func (b *Builder) WhereDate(column string, operator string, value time.Time) *Builder {
	return b.step("whereDate", column, operator, value)
}

// WhereHas constrains to rows having at least one related row matching fn.
// fn may be nil to require bare existence.
func (b *Builder) WhereHas(relation string, fn Nested) *Builder {
	if fn == nil {
		return b.step("whereHas", relation)
	}
	return b.step("whereHas", relation, capture(fn))
}

// WhereDoesntHave constrains to rows with no matching related row.
func (b *Builder) WhereDoesntHave(relation string, fn Nested) *Builder {
	if fn == nil {
		return b.step("whereDoesntHave", relation)
	}
	return b.step("whereDoesntHave", relation, capture(fn))
}

func (b *Builder) OrderBy(column string) *Builder {
	return b.step("orderBy", column)
}

func (b *Builder) OrderByDesc(column string) *Builder {
	return b.step("orderByDesc", column)
}

// Latest orders by created_at descending, or by the given column.
func (b *Builder) Latest(column ...string) *Builder {
	if len(column) > 0 {
		return b.step("latest", column[0])
	}
	return b.step("latest")
}

// Oldest orders by created_at ascending, or by the given column.
func (b *Builder) Oldest(column ...string) *Builder {
	if len(column) > 0 {
		return b.step("oldest", column[0])
	}
	return b.step("oldest")
}

func (b *Builder) Limit(n int) *Builder {
	return b.step("limit", n)
}

// Take is an alias for Limit.
func (b *Builder) Take(n int) *Builder {
	return b.step("take", n)
}

func (b *Builder) Offset(n int) *Builder {
	return b.step("offset", n)
}

// Skip is an alias for Offset.
func (b *Builder) Skip(n int) *Builder {
	return b.step("skip", n)
}

// Select restricts returned fields to the named columns.
func (b *Builder) Select(columns ...string) *Builder {
	params := make([]any, len(columns))
	for i, c := range columns {
		params[i] = c
	}
	return b.step("select", params...)
}

// With eager-loads the named relations onto each returned row.
func (b *Builder) With(relations ...string) *Builder {
	params := make([]any, len(relations))
	for i, r := range relations {
		params[i] = r
	}
	return b.step("with", params...)
}

// Raw records an arbitrary chain step. It exists for operations not yet
// enumerated on the builder; the server validates the method name against
// its allow-lists like any other step.
func (b *Builder) Raw(method string, params ...any) *Builder {
	return b.step(method, params...)
}

// Chain returns a copy of the recorded steps.
func (b *Builder) Chain() []wire.CallStep {
	out := make([]wire.CallStep, len(b.chain))
	copy(out, b.chain)
	return out
}

// AST assembles the recorded chain with a terminal method into a
// transmittable query description.
func (b *Builder) AST(terminal string, params ...any) AST {
	serialized := make([]any, len(params))
	for i, p := range params {
		serialized[i] = wire.Serialize(p)
	}
	return AST{
		Model:      b.model,
		Chain:      b.Chain(),
		Method:     terminal,
		Parameters: serialized,
		Metadata: &Metadata{
			ClientVersion: Version,
			Timestamp:     time.Now().UTC().Format(time.RFC3339),
		},
	}
}

// Version identifies the client protocol revision in AST metadata.
const Version = "1.0"
