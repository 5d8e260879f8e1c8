package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mucan54/remoteql/internal/auth"
	"github.com/mucan54/remoteql/internal/engine"
	"github.com/mucan54/remoteql/internal/executor"
	"github.com/mucan54/remoteql/internal/query"
	"github.com/mucan54/remoteql/internal/registry"
	"github.com/mucan54/remoteql/internal/security"
	"github.com/mucan54/remoteql/internal/service"
	"github.com/mucan54/remoteql/internal/wire"
)

// memEngine serves canned rows so handlers can be exercised end to end
// without a database.
type memEngine struct {
	rows []engine.Row
}

func (e *memEngine) Query(*registry.Entity, auth.Identity) engine.Query {
	return &memQuery{rows: e.rows}
}

type memQuery struct {
	rows []engine.Row
}

func (q *memQuery) Where(string, string, any) error              { return nil }
func (q *memQuery) OrWhere(string, string, any) error            { return nil }
func (q *memQuery) WhereIn(string, []any)                        {}
func (q *memQuery) WhereNotIn(string, []any)                     {}
func (q *memQuery) WhereNull(string)                             {}
func (q *memQuery) WhereNotNull(string)                          {}
func (q *memQuery) WhereBetween(string, any, any)                {}
func (q *memQuery) WhereDate(string, string, any) error          { return nil }
func (q *memQuery) WhereGroup(bool, func(engine.Query) error) error {
	return nil
}
func (q *memQuery) WhereRelation(string, bool, func(engine.Query) error) error {
	return nil
}
func (q *memQuery) OrderBy(string, bool) {}
func (q *memQuery) Limit(int)            {}
func (q *memQuery) Offset(int)           {}
func (q *memQuery) Select([]string)      {}
func (q *memQuery) With([]string) error  { return nil }

func (q *memQuery) Get(context.Context) ([]engine.Row, error) { return q.rows, nil }
func (q *memQuery) First(context.Context) (engine.Row, error) {
	if len(q.rows) == 0 {
		return nil, nil
	}
	return q.rows[0], nil
}
func (q *memQuery) Find(context.Context, string) (engine.Row, error) { return nil, nil }
func (q *memQuery) Count(context.Context) (int64, error)             { return int64(len(q.rows)), nil }
func (q *memQuery) Exists(context.Context) (bool, error)             { return len(q.rows) > 0, nil }
func (q *memQuery) Aggregate(context.Context, string, string) (float64, error) {
	return 0, nil
}
func (q *memQuery) Pluck(context.Context, string) ([]any, error) { return nil, nil }
func (q *memQuery) Value(context.Context, string) (any, error)   { return nil, nil }
func (q *memQuery) Paginate(context.Context, int, int) ([]engine.Row, int64, error) {
	return q.rows, int64(len(q.rows)), nil
}
func (q *memQuery) SimplePaginate(context.Context, int, int) ([]engine.Row, error) {
	return q.rows, nil
}

func testServer(t *testing.T, rows []engine.Row) *Server {
	t.Helper()
	reg := registry.New()
	if err := reg.Register(registry.Entity{Name: "User", Queryable: true}); err != nil {
		t.Fatalf("failed to register entity: %v", err)
	}
	entities := security.NewEntityValidator(reg, security.EntityValidatorConfig{
		Strategy:  security.StrategyWhitelist,
		Whitelist: []string{"User"},
	})
	exec := executor.New(&memEngine{rows: rows}, entities, security.NewMethodValidator(nil, nil))

	services := service.NewRegistry()
	err := services.Register(service.Descriptor{
		Name: "EchoService",
		Methods: map[string]service.Method{
			"echo": {MinArgs: 1, MaxArgs: 1, Handler: func(_ context.Context, args []any) (any, error) {
				return args[0], nil
			}},
		},
	})
	if err != nil {
		t.Fatalf("failed to register service: %v", err)
	}
	invoker := service.NewInvoker(services, security.ServicePolicy{Whitelist: []string{"EchoService"}}, nil)

	return New(exec, invoker, Options{MaxBatchSteps: 3})
}

func postJSON(t *testing.T, handler http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("failed to marshal body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) wire.Response {
	t.Helper()
	var envelope wire.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("undecodable response %s: %v", rec.Body.String(), err)
	}
	return envelope
}

func TestQueryEndpointReturnsRows(t *testing.T) {
	srv := testServer(t, []engine.Row{{"id": "1", "name": "sam"}})
	rec := postJSON(t, srv.Routes(), "/api/query", query.Model("User").AST("get"))

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	envelope := decodeResponse(t, rec)
	if !envelope.Success {
		t.Fatalf("expected success, got %s", rec.Body.String())
	}
	rows, ok := envelope.Data.([]any)
	if !ok || len(rows) != 1 {
		t.Fatalf("unexpected data %#v", envelope.Data)
	}
	if envelope.Metadata["model"] != "User" || envelope.Metadata["method"] != "get" {
		t.Fatalf("unexpected metadata %#v", envelope.Metadata)
	}
}

func TestQueryEndpointRejectsMalformedBody(t *testing.T) {
	srv := testServer(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/query", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
	envelope := decodeResponse(t, rec)
	if envelope.Success || envelope.Type != "malformed_request" {
		t.Fatalf("unexpected envelope %s", rec.Body.String())
	}
}

func TestQueryEndpointMapsSecurityErrorsTo403(t *testing.T) {
	srv := testServer(t, nil)
	rec := postJSON(t, srv.Routes(), "/api/query", query.Model("User").Raw("whereRaw", "1=1").AST("get"))

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", rec.Code, rec.Body.String())
	}
	envelope := decodeResponse(t, rec)
	if envelope.Type != "security_error" {
		t.Fatalf("unexpected error type %q", envelope.Type)
	}
}

func TestQueryBatchEndpointRunsSteps(t *testing.T) {
	srv := testServer(t, []engine.Row{{"id": "1"}})
	body := map[string]any{"queries": map[string]any{
		"all":   map[string]any{"model": "User", "method": "get"},
		"total": map[string]any{"model": "User", "method": "count", "depends_on": []string{}},
	}}
	rec := postJSON(t, srv.Routes(), "/api/query/batch", body)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	envelope := decodeResponse(t, rec)
	results, ok := envelope.Data.(map[string]any)
	if !ok || len(results) != 2 {
		t.Fatalf("unexpected data %#v", envelope.Data)
	}
	if results["total"] != float64(1) {
		t.Fatalf("unexpected count result %#v", results["total"])
	}
}

func TestQueryBatchEnforcesStepCap(t *testing.T) {
	srv := testServer(t, nil)
	queries := map[string]any{}
	for _, key := range []string{"a", "b", "c", "d"} {
		queries[key] = map[string]any{"model": "User", "method": "count", "depends_on": []string{}}
	}
	rec := postJSON(t, srv.Routes(), "/api/query/batch", map[string]any{"queries": queries})

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
	envelope := decodeResponse(t, rec)
	if envelope.Type != "validation_error" {
		t.Fatalf("unexpected error type %q", envelope.Type)
	}
}

func TestQueryBatchRejectsEmptyBatch(t *testing.T) {
	srv := testServer(t, nil)
	rec := postJSON(t, srv.Routes(), "/api/query/batch", map[string]any{"queries": map[string]any{}})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
}

func TestQueryBatchReportsCyclesAsValidation(t *testing.T) {
	srv := testServer(t, nil)
	body := map[string]any{"queries": map[string]any{
		"a": map[string]any{"model": "User", "method": "count", "depends_on": []string{"b"}},
		"b": map[string]any{"model": "User", "method": "count", "depends_on": []string{"a"}},
	}}
	rec := postJSON(t, srv.Routes(), "/api/query/batch", body)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestServiceEndpointInvokesHandler(t *testing.T) {
	srv := testServer(t, nil)
	rec := postJSON(t, srv.Routes(), "/api/service", query.ServiceCall{
		Service:   "EchoService",
		Method:    "echo",
		Arguments: []any{"ping"},
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	envelope := decodeResponse(t, rec)
	if envelope.Data != "ping" {
		t.Fatalf("unexpected data %#v", envelope.Data)
	}
}

func TestServiceEndpointDeniesUnknownService(t *testing.T) {
	srv := testServer(t, nil)
	rec := postJSON(t, srv.Routes(), "/api/service", query.ServiceCall{
		Service: "GhostService",
		Method:  "run",
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestServiceBatchEndpointOrdersResults(t *testing.T) {
	srv := testServer(t, nil)
	body := map[string]any{"services": map[string]any{
		"one": map[string]any{"service": "EchoService", "method": "echo", "arguments": []any{"a"}},
		"two": map[string]any{"service": "EchoService", "method": "echo", "arguments": []any{"b"}},
	}}
	rec := postJSON(t, srv.Routes(), "/api/service/batch", body)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	envelope := decodeResponse(t, rec)
	results, ok := envelope.Data.(map[string]any)
	if !ok {
		t.Fatalf("unexpected data %#v", envelope.Data)
	}
	if results["one"] != "a" || results["two"] != "b" {
		t.Fatalf("unexpected results %#v", results)
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv := testServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("undecodable body: %v", err)
	}
	if body["status"] != "ok" || body["mode"] != "server" {
		t.Fatalf("unexpected body %#v", body)
	}
}
