package executor

import (
	"context"
	"fmt"
	"testing"

	"github.com/mucan54/remoteql/internal/auth"
	"github.com/mucan54/remoteql/internal/engine"
	"github.com/mucan54/remoteql/internal/qerr"
	"github.com/mucan54/remoteql/internal/query"
	"github.com/mucan54/remoteql/internal/registry"
	"github.com/mucan54/remoteql/internal/security"
)

// fakeEngine records every builder call so tests can assert the executor
// translated chain steps correctly without a live database.
type fakeEngine struct {
	last *fakeQuery
	rows []engine.Row
}

func (e *fakeEngine) Query(entity *registry.Entity, ident auth.Identity) engine.Query {
	e.last = &fakeQuery{rows: e.rows}
	return e.last
}

type fakeQuery struct {
	calls []string
	rows  []engine.Row
}

func (q *fakeQuery) record(format string, args ...any) {
	q.calls = append(q.calls, fmt.Sprintf(format, args...))
}

func (q *fakeQuery) Where(column, operator string, value any) error {
	q.record("where %s %s %v", column, operator, value)
	return nil
}

func (q *fakeQuery) OrWhere(column, operator string, value any) error {
	q.record("orWhere %s %s %v", column, operator, value)
	return nil
}

func (q *fakeQuery) WhereIn(column string, values []any) {
	q.record("whereIn %s %v", column, values)
}

func (q *fakeQuery) WhereNotIn(column string, values []any) {
	q.record("whereNotIn %s %v", column, values)
}

func (q *fakeQuery) WhereNull(column string)    { q.record("whereNull %s", column) }
func (q *fakeQuery) WhereNotNull(column string) { q.record("whereNotNull %s", column) }

func (q *fakeQuery) WhereBetween(column string, low, high any) {
	q.record("whereBetween %s %v %v", column, low, high)
}

func (q *fakeQuery) WhereDate(column, operator string, value any) error {
	q.record("whereDate %s %s %v", column, operator, value)
	return nil
}

func (q *fakeQuery) WhereGroup(or bool, fn func(engine.Query) error) error {
	q.record("group or=%v begin", or)
	if err := fn(q); err != nil {
		return err
	}
	q.record("group end")
	return nil
}

func (q *fakeQuery) WhereRelation(relation string, exists bool, fn func(engine.Query) error) error {
	q.record("relation %s exists=%v", relation, exists)
	if fn != nil {
		return fn(q)
	}
	return nil
}

func (q *fakeQuery) OrderBy(column string, desc bool) { q.record("orderBy %s desc=%v", column, desc) }
func (q *fakeQuery) Limit(n int)                      { q.record("limit %d", n) }
func (q *fakeQuery) Offset(n int)                     { q.record("offset %d", n) }
func (q *fakeQuery) Select(columns []string)          { q.record("select %v", columns) }

func (q *fakeQuery) With(relations []string) error {
	q.record("with %v", relations)
	return nil
}

func (q *fakeQuery) Get(context.Context) ([]engine.Row, error) { return q.rows, nil }

func (q *fakeQuery) First(context.Context) (engine.Row, error) {
	if len(q.rows) == 0 {
		return nil, nil
	}
	return q.rows[0], nil
}

func (q *fakeQuery) Find(_ context.Context, id string) (engine.Row, error) {
	for _, row := range q.rows {
		if row["id"] == id {
			return row, nil
		}
	}
	return nil, nil
}

func (q *fakeQuery) Count(context.Context) (int64, error) { return int64(len(q.rows)), nil }

func (q *fakeQuery) Exists(context.Context) (bool, error) { return len(q.rows) > 0, nil }

func (q *fakeQuery) Aggregate(_ context.Context, fn, column string) (float64, error) {
	q.record("aggregate %s %s", fn, column)
	return 42.5, nil
}

func (q *fakeQuery) Pluck(_ context.Context, column string) ([]any, error) {
	out := make([]any, 0, len(q.rows))
	for _, row := range q.rows {
		out = append(out, row[column])
	}
	return out, nil
}

func (q *fakeQuery) Value(_ context.Context, column string) (any, error) {
	if len(q.rows) == 0 {
		return nil, nil
	}
	return q.rows[0][column], nil
}

func (q *fakeQuery) Paginate(_ context.Context, perPage, page int) ([]engine.Row, int64, error) {
	return q.rows, int64(len(q.rows)), nil
}

func (q *fakeQuery) SimplePaginate(_ context.Context, perPage, page int) ([]engine.Row, error) {
	return q.rows, nil
}

func newTestExecutor(t *testing.T, rows []engine.Row) (*Executor, *fakeEngine) {
	t.Helper()
	reg := registry.New()
	if err := reg.Register(registry.Entity{Name: "User", Queryable: true}); err != nil {
		t.Fatalf("failed to register entity: %v", err)
	}
	eng := &fakeEngine{rows: rows}
	entities := security.NewEntityValidator(reg, security.EntityValidatorConfig{
		Strategy:  security.StrategyWhitelist,
		Whitelist: []string{"User"},
	})
	return New(eng, entities, security.NewMethodValidator(nil, nil)), eng
}

func TestExecuteAppliesChainAndRunsTerminal(t *testing.T) {
	rows := []engine.Row{{"id": "1", "name": "sam"}}
	ex, eng := newTestExecutor(t, rows)

	ast := query.Model("User").
		Where("status", "active").
		OrderByDesc("created_at").
		Limit(5).
		AST("get")

	result, err := ex.Execute(context.Background(), auth.Anonymous(), ast)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, ok := result.([]engine.Row)
	if !ok || len(got) != 1 {
		t.Fatalf("unexpected result %#v", result)
	}

	want := []string{
		"where status = active",
		"orderBy created_at desc=true",
		"limit 5",
	}
	if len(eng.last.calls) != len(want) {
		t.Fatalf("unexpected calls %v", eng.last.calls)
	}
	for i, call := range want {
		if eng.last.calls[i] != call {
			t.Fatalf("call %d: expected %q, got %q", i, call, eng.last.calls[i])
		}
	}
}

func TestExecuteReplaysNestedClosures(t *testing.T) {
	ex, eng := newTestExecutor(t, nil)

	ast := query.Model("User").
		WhereNested(func(q *query.Builder) {
			q.Where("status", "active").OrWhere("role", "admin")
		}).
		AST("count")

	if _, err := ex.Execute(context.Background(), auth.Anonymous(), ast); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{
		"group or=false begin",
		"where status = active",
		"orWhere role = admin",
		"group end",
	}
	for i, call := range want {
		if eng.last.calls[i] != call {
			t.Fatalf("call %d: expected %q, got %q", i, call, eng.last.calls[i])
		}
	}
}

func TestExecuteValidatesClosureBodies(t *testing.T) {
	ex, _ := newTestExecutor(t, nil)

	ast := query.Model("User").
		WhereNested(func(q *query.Builder) {
			q.Raw("whereRaw", "1=1")
		}).
		AST("get")

	_, err := ex.Execute(context.Background(), auth.Anonymous(), ast)
	if qerr.KindOf(err) != qerr.KindSecurity {
		t.Fatalf("forbidden method inside a closure must be rejected, got %v", err)
	}
}

func TestExecuteRejectsForbiddenChainMethod(t *testing.T) {
	ex, _ := newTestExecutor(t, nil)
	ast := query.Model("User").Raw("whereRaw", "1=1").AST("get")

	_, err := ex.Execute(context.Background(), auth.Anonymous(), ast)
	if qerr.KindOf(err) != qerr.KindSecurity {
		t.Fatalf("expected security error, got %v", err)
	}
}

func TestExecuteRejectsForbiddenTerminal(t *testing.T) {
	ex, _ := newTestExecutor(t, nil)
	ast := query.Model("User").AST("delete")

	_, err := ex.Execute(context.Background(), auth.Anonymous(), ast)
	if qerr.KindOf(err) != qerr.KindSecurity {
		t.Fatalf("expected security error, got %v", err)
	}
}

func TestExecuteRejectsMissingModelAndMethod(t *testing.T) {
	ex, _ := newTestExecutor(t, nil)

	_, err := ex.Execute(context.Background(), auth.Anonymous(), query.AST{Method: "get"})
	if qerr.KindOf(err) != qerr.KindMalformed {
		t.Fatalf("missing model: expected malformed, got %v", err)
	}

	_, err = ex.Execute(context.Background(), auth.Anonymous(), query.AST{Model: "User"})
	if qerr.KindOf(err) != qerr.KindMalformed {
		t.Fatalf("missing method: expected malformed, got %v", err)
	}
}

func TestExecuteRejectsUnknownEntity(t *testing.T) {
	ex, _ := newTestExecutor(t, nil)
	_, err := ex.Execute(context.Background(), auth.Anonymous(), query.Model("Ghost").AST("get"))
	if qerr.KindOf(err) != qerr.KindNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestFirstReturnsNullForNoRows(t *testing.T) {
	ex, _ := newTestExecutor(t, nil)
	result, err := ex.Execute(context.Background(), auth.Anonymous(), query.Model("User").AST("first"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != nil {
		t.Fatalf("expected JSON null for an empty first, got %#v", result)
	}
}

func TestDoesntExistInvertsExists(t *testing.T) {
	ex, _ := newTestExecutor(t, nil)
	result, err := ex.Execute(context.Background(), auth.Anonymous(), query.Model("User").AST("doesntExist"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != true {
		t.Fatalf("expected true for empty store, got %#v", result)
	}
}

func TestPaginatePayloadShape(t *testing.T) {
	rows := []engine.Row{{"id": "1"}, {"id": "2"}}
	ex, _ := newTestExecutor(t, rows)

	result, err := ex.Execute(context.Background(), auth.Anonymous(),
		query.Model("User").AST("paginate", 10, 1))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	page, ok := result.(map[string]any)
	if !ok {
		t.Fatalf("expected a page map, got %T", result)
	}
	if page["current_page"] != 1 || page["per_page"] != 10 {
		t.Fatalf("unexpected page shape %#v", page)
	}
	if page["total"] != int64(2) || page["last_page"] != 1 {
		t.Fatalf("unexpected totals %#v", page)
	}
	if page["from"] != 1 || page["to"] != 2 {
		t.Fatalf("unexpected from/to %#v", page)
	}
}

func TestPaginateEmptyPageHasNullBounds(t *testing.T) {
	ex, _ := newTestExecutor(t, nil)
	result, err := ex.Execute(context.Background(), auth.Anonymous(),
		query.Model("User").AST("paginate"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	page := result.(map[string]any)
	if page["per_page"] != 15 || page["current_page"] != 1 {
		t.Fatalf("expected default paging, got %#v", page)
	}
	if page["from"] != nil || page["to"] != nil {
		t.Fatalf("empty page must carry null from/to, got %#v", page)
	}
}

func TestPaginateClampsNonPositivePageSize(t *testing.T) {
	rows := []engine.Row{{"id": "1"}}
	ex, _ := newTestExecutor(t, rows)

	result, err := ex.Execute(context.Background(), auth.Anonymous(),
		query.Model("User").AST("paginate", 0))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	page := result.(map[string]any)
	if page["per_page"] != 15 || page["current_page"] != 1 {
		t.Fatalf("non-positive page size must fall back to defaults, got %#v", page)
	}
	if page["last_page"] != 1 {
		t.Fatalf("unexpected last_page %#v", page["last_page"])
	}

	result, err = ex.Execute(context.Background(), auth.Anonymous(),
		query.Model("User").AST("paginate", 10, -3))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	page = result.(map[string]any)
	if page["current_page"] != 1 {
		t.Fatalf("non-positive page number must clamp to 1, got %#v", page)
	}
}

func TestLimitRejectsFractionalValues(t *testing.T) {
	ex, _ := newTestExecutor(t, nil)
	ast := query.Model("User").Raw("limit", 2.7).AST("get")
	_, err := ex.Execute(context.Background(), auth.Anonymous(), ast)
	if qerr.KindOf(err) != qerr.KindValidation {
		t.Fatalf("fractional limit must be rejected, got %v", err)
	}

	ast = query.Model("User").AST("paginate", 1.5)
	_, err = ex.Execute(context.Background(), auth.Anonymous(), ast)
	if qerr.KindOf(err) != qerr.KindValidation {
		t.Fatalf("fractional page size must be rejected, got %v", err)
	}
}

func TestWhereBetweenRequiresBoundsPair(t *testing.T) {
	ex, _ := newTestExecutor(t, nil)
	ast := query.Model("User").Raw("whereBetween", "age", []any{1, 2, 3}).AST("get")
	_, err := ex.Execute(context.Background(), auth.Anonymous(), ast)
	if qerr.KindOf(err) != qerr.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestOrderByValidatesDirection(t *testing.T) {
	ex, _ := newTestExecutor(t, nil)
	ast := query.Model("User").Raw("orderBy", "name", "sideways").AST("get")
	_, err := ex.Execute(context.Background(), auth.Anonymous(), ast)
	if qerr.KindOf(err) != qerr.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestAggregateTerminalPassesFunctionAndColumn(t *testing.T) {
	ex, eng := newTestExecutor(t, nil)
	result, err := ex.Execute(context.Background(), auth.Anonymous(),
		query.Model("User").AST("sum", "salary"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != 42.5 {
		t.Fatalf("unexpected aggregate %#v", result)
	}
	if eng.last.calls[0] != "aggregate sum salary" {
		t.Fatalf("unexpected call %q", eng.last.calls[0])
	}
}
