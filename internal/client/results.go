package client

import (
	"context"
	"encoding/json"

	"github.com/mucan54/remoteql/internal/qerr"
	"github.com/mucan54/remoteql/internal/query"
	"github.com/mucan54/remoteql/internal/wire"
)

// Row is one entity in its plain-structure wire form.
type Row = map[string]any

// Page is the long-form pagination shape.
type Page struct {
	Data        []Row `json:"data"`
	CurrentPage int   `json:"current_page"`
	PerPage     int   `json:"per_page"`
	Total       int64 `json:"total"`
	LastPage    int   `json:"last_page"`
	From        *int  `json:"from"`
	To          *int  `json:"to"`
}

// SimplePage is the short-form pagination shape: the backing operation
// computes no total or last page.
type SimplePage struct {
	Data        []Row `json:"data"`
	CurrentPage int   `json:"current_page"`
	PerPage     int   `json:"per_page"`
}

// reshape round-trips loosely-typed response data into a concrete shape.
func reshape(data, target any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return qerr.Wrap(qerr.KindInternal, err, "reshape response data")
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return qerr.Wrap(qerr.KindValidation, err, "response data has unexpected shape")
	}
	return nil
}

// Get fetches all matching rows.
func (c *Client) Get(ctx context.Context, b *query.Builder) ([]Row, error) {
	resp, err := c.Execute(ctx, b.AST("get"))
	if err != nil {
		return nil, err
	}
	var rows []Row
	if err := reshape(resp.Data, &rows); err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []Row{}
	}
	return rows, nil
}

// First fetches the first matching row, or nil when nothing matches.
func (c *Client) First(ctx context.Context, b *query.Builder) (Row, error) {
	resp, err := c.Execute(ctx, b.AST("first"))
	if err != nil {
		return nil, err
	}
	return singleRow(resp.Data)
}

// Find fetches one row by identifier, or nil when absent.
func (c *Client) Find(ctx context.Context, b *query.Builder, id string) (Row, error) {
	resp, err := c.Execute(ctx, b.AST("find", id))
	if err != nil {
		return nil, err
	}
	return singleRow(resp.Data)
}

func singleRow(data any) (Row, error) {
	if data == nil {
		return nil, nil
	}
	var row Row
	if err := reshape(data, &row); err != nil {
		return nil, err
	}
	return row, nil
}

// Count returns the number of matching rows.
func (c *Client) Count(ctx context.Context, b *query.Builder) (int64, error) {
	resp, err := c.Execute(ctx, b.AST("count"))
	if err != nil {
		return 0, err
	}
	var count int64
	if err := reshape(resp.Data, &count); err != nil {
		return 0, err
	}
	return count, nil
}

// Aggregate runs sum, avg, min or max over a column.
func (c *Client) Aggregate(ctx context.Context, b *query.Builder, fn, column string) (float64, error) {
	resp, err := c.Execute(ctx, b.AST(fn, column))
	if err != nil {
		return 0, err
	}
	var value float64
	if err := reshape(resp.Data, &value); err != nil {
		return 0, err
	}
	return value, nil
}

// Exists reports whether any row matches.
func (c *Client) Exists(ctx context.Context, b *query.Builder) (bool, error) {
	resp, err := c.Execute(ctx, b.AST("exists"))
	if err != nil {
		return false, err
	}
	exists, ok := resp.Data.(bool)
	if !ok {
		return false, qerr.New(qerr.KindValidation, "exists returned a non-boolean result")
	}
	return exists, nil
}

// Paginate fetches one long-form page.
func (c *Client) Paginate(ctx context.Context, b *query.Builder, perPage, page int) (*Page, error) {
	resp, err := c.Execute(ctx, b.AST("paginate", perPage, page))
	if err != nil {
		return nil, err
	}
	var result Page
	if err := reshape(resp.Data, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// SimplePaginate fetches one short-form page.
func (c *Client) SimplePaginate(ctx context.Context, b *query.Builder, perPage, page int) (*SimplePage, error) {
	resp, err := c.Execute(ctx, b.AST("simplePaginate", perPage, page))
	if err != nil {
		return nil, err
	}
	var result SimplePage
	if err := reshape(resp.Data, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Pluck returns a single column's values.
func (c *Client) Pluck(ctx context.Context, b *query.Builder, column string) ([]any, error) {
	resp, err := c.Execute(ctx, b.AST("pluck", column))
	if err != nil {
		return nil, err
	}
	var values []any
	if err := reshape(resp.Data, &values); err != nil {
		return nil, err
	}
	return values, nil
}

// Value returns the first row's value for one column.
func (c *Client) Value(ctx context.Context, b *query.Builder, column string) (any, error) {
	resp, err := c.Execute(ctx, b.AST("value", column))
	if err != nil {
		return nil, err
	}
	return wire.Deserialize(resp.Data), nil
}

// Batch executes named query steps remotely and returns the per-step
// result map.
func (c *Client) Batch(ctx context.Context, steps []query.QueryStep) (map[string]json.RawMessage, error) {
	resp, err := c.post(ctx, "/api/query/batch", query.BatchQueryRequest{Queries: steps}, nil)
	if err != nil {
		return nil, err
	}
	var results map[string]json.RawMessage
	if err := reshape(resp.Data, &results); err != nil {
		return nil, err
	}
	return results, nil
}

// CallService invokes one remote service method. Results travel in the
// same tagged encoding as arguments and are reconstructed here.
func (c *Client) CallService(ctx context.Context, serviceName, method string, args ...any) (any, error) {
	call := query.ServiceCall{Service: serviceName, Method: method, Arguments: serializeArgs(args)}
	resp, err := c.post(ctx, "/api/service", call, nil)
	if err != nil {
		return nil, err
	}
	return wire.Deserialize(resp.Data), nil
}

// ServiceBatch executes named service steps remotely. Steps carrying an
// ArgsFn closure are rejected outright: ordinary data can cross the wire,
// executable closures cannot, and silently dropping the dependent data
// would corrupt the batch.
func (c *Client) ServiceBatch(ctx context.Context, steps []query.ServiceStep) (map[string]json.RawMessage, error) {
	for _, step := range steps {
		if step.ArgsFn != nil {
			return nil, qerr.New(qerr.KindValidation,
				"step %q uses an argument closure, which cannot be transmitted to a remote batch; compute arguments locally or run the batch in-process", step.Key)
		}
	}
	resp, err := c.post(ctx, "/api/service/batch", query.BatchServiceRequest{Services: steps}, nil)
	if err != nil {
		return nil, err
	}
	var results map[string]json.RawMessage
	if err := reshape(resp.Data, &results); err != nil {
		return nil, err
	}
	return results, nil
}

func serializeArgs(args []any) []any {
	out := make([]any, len(args))
	for i, arg := range args {
		out[i] = wire.Serialize(arg)
	}
	return out
}
