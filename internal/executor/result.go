package executor

import (
	"context"

	"github.com/mucan54/remoteql/internal/engine"
	"github.com/mucan54/remoteql/internal/qerr"
)

// runTerminal dispatches the validated terminal method and shapes the
// result for the wire: collections as arrays of plain structures, single
// rows as structure-or-null, pagination in long or simple form, scalars
// as themselves.
func (ex *Executor) runTerminal(ctx context.Context, q engine.Query, method string, params []any) (any, error) {
	switch method {
	case "get":
		return q.Get(ctx)

	case "first":
		row, err := q.First(ctx)
		if err != nil {
			return nil, err
		}
		return nullableRow(row), nil

	case "find":
		id, err := argString(method, params, 0)
		if err != nil {
			return nil, err
		}
		row, err := q.Find(ctx, id)
		if err != nil {
			return nil, err
		}
		return nullableRow(row), nil

	case "count":
		return q.Count(ctx)

	case "sum", "avg", "min", "max":
		column, err := argString(method, params, 0)
		if err != nil {
			return nil, err
		}
		return q.Aggregate(ctx, method, column)

	case "exists":
		return q.Exists(ctx)

	case "doesntExist":
		exists, err := q.Exists(ctx)
		if err != nil {
			return nil, err
		}
		return !exists, nil

	case "paginate":
		perPage, page, err := pageArgs(method, params)
		if err != nil {
			return nil, err
		}
		rows, total, err := q.Paginate(ctx, perPage, page)
		if err != nil {
			return nil, err
		}
		return paginationPayload(rows, total, perPage, page), nil

	case "simplePaginate":
		perPage, page, err := pageArgs(method, params)
		if err != nil {
			return nil, err
		}
		rows, err := q.SimplePaginate(ctx, perPage, page)
		if err != nil {
			return nil, err
		}
		// Simple form carries no total or last page: the backing
		// operation does not compute them.
		return map[string]any{
			"data":         rows,
			"current_page": page,
			"per_page":     perPage,
		}, nil

	case "pluck":
		column, err := argString(method, params, 0)
		if err != nil {
			return nil, err
		}
		return q.Pluck(ctx, column)

	case "value":
		column, err := argString(method, params, 0)
		if err != nil {
			return nil, err
		}
		return q.Value(ctx, column)
	}

	return nil, qerr.New(qerr.KindSecurity, "terminal method %q is not supported by the executor", method)
}

// nullableRow keeps a nil row as JSON null instead of an empty object.
func nullableRow(row engine.Row) any {
	if row == nil {
		return nil
	}
	return row
}

// pageArgs accepts (perPage) or (perPage, page); page defaults to 1.
// Non-positive values are clamped to the defaults here so the payload
// arithmetic and the engine agree on what actually ran.
func pageArgs(method string, params []any) (perPage, page int, err error) {
	perPage = 15
	page = 1
	if len(params) > 0 {
		if perPage, err = argInt(method, params, 0); err != nil {
			return 0, 0, err
		}
	}
	if len(params) > 1 {
		if page, err = argInt(method, params, 1); err != nil {
			return 0, 0, err
		}
	}
	if perPage <= 0 {
		perPage = 15
	}
	if page <= 0 {
		page = 1
	}
	return perPage, page, nil
}

// paginationPayload is the long-form page shape.
func paginationPayload(rows []engine.Row, total int64, perPage, page int) map[string]any {
	lastPage := int((total + int64(perPage) - 1) / int64(perPage))
	if lastPage < 1 {
		lastPage = 1
	}
	var from, to any
	if len(rows) > 0 {
		offset := (page - 1) * perPage
		from = offset + 1
		to = offset + len(rows)
	}
	return map[string]any{
		"data":         rows,
		"current_page": page,
		"per_page":     perPage,
		"total":        total,
		"last_page":    lastPage,
		"from":         from,
		"to":           to,
	}
}
