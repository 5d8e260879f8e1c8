package executor

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/mucan54/remoteql/internal/auth"
	"github.com/mucan54/remoteql/internal/engine"
	"github.com/mucan54/remoteql/internal/qerr"
	"github.com/mucan54/remoteql/internal/query"
	"github.com/mucan54/remoteql/internal/security"
	"github.com/mucan54/remoteql/internal/wire"
)

// Executor reconstructs a live query from a transmitted AST and executes
// it. Every chain step and the terminal method are validated before they
// touch the engine; any validation failure short-circuits without partial
// side effects (the whole pipeline is read-only).
type Executor struct {
	engine   engine.Engine
	entities *security.EntityValidator
	methods  *security.MethodValidator
}

func New(eng engine.Engine, entities *security.EntityValidator, methods *security.MethodValidator) *Executor {
	return &Executor{engine: eng, entities: entities, methods: methods}
}

// Execute runs one AST for the given identity and returns the serialized
// result in its wire shape.
func (ex *Executor) Execute(ctx context.Context, ident auth.Identity, ast query.AST) (any, error) {
	if ast.Model == "" {
		return nil, qerr.New(qerr.KindMalformed, "query is missing the model name")
	}
	if ast.Method == "" {
		return nil, qerr.New(qerr.KindMalformed, "query is missing the terminal method")
	}

	entity, err := ex.entities.Validate(ast.Model)
	if err != nil {
		return nil, err
	}

	// Row-level scoping attaches here, before any chain step is replayed.
	q := ex.engine.Query(entity, ident)

	for _, step := range ast.Chain {
		if err := ex.methods.ValidateChain(step.Method); err != nil {
			return nil, err
		}
		if err := ex.applyStep(q, step); err != nil {
			return nil, err
		}
	}

	if err := ex.methods.ValidateTerminal(ast.Method); err != nil {
		return nil, err
	}
	result, err := ex.runTerminal(ctx, q, ast.Method, wire.DeserializeSlice(ast.Parameters))
	if err != nil {
		return nil, asExecutionError(err, ast)
	}
	return result, nil
}

// replayChain validates and applies a captured closure chain against a
// sub-query context. Closure bodies pass through the same method
// allow-list as top-level chains.
func (ex *Executor) replayChain(q engine.Query, chain []wire.CallStep) error {
	for _, step := range chain {
		if err := ex.methods.ValidateChain(step.Method); err != nil {
			return err
		}
		if err := ex.applyStep(q, step); err != nil {
			return err
		}
	}
	return nil
}

func (ex *Executor) applyStep(q engine.Query, step wire.CallStep) error {
	params := wire.DeserializeSlice(step.Parameters)

	switch step.Method {
	case "where", "orWhere":
		or := step.Method == "orWhere"
		if len(params) == 1 {
			closure, ok := params[0].(wire.Closure)
			if !ok {
				return stepError(step.Method, "expects a column or a constraint closure")
			}
			return q.WhereGroup(or, ex.closureFn(closure))
		}
		column, err := argString(step.Method, params, 0)
		if err != nil {
			return err
		}
		switch len(params) {
		case 2:
			if or {
				return q.OrWhere(column, "=", params[1])
			}
			return q.Where(column, "=", params[1])
		case 3:
			operator, err := argString(step.Method, params, 1)
			if err != nil {
				return err
			}
			if or {
				return q.OrWhere(column, operator, params[2])
			}
			return q.Where(column, operator, params[2])
		}
		return stepError(step.Method, "expects (column, value) or (column, operator, value)")

	case "whereIn", "whereNotIn":
		column, err := argString(step.Method, params, 0)
		if err != nil {
			return err
		}
		values, err := argList(step.Method, params, 1)
		if err != nil {
			return err
		}
		if step.Method == "whereIn" {
			q.WhereIn(column, values)
		} else {
			q.WhereNotIn(column, values)
		}
		return nil

	case "whereNull", "whereNotNull":
		column, err := argString(step.Method, params, 0)
		if err != nil {
			return err
		}
		if step.Method == "whereNull" {
			q.WhereNull(column)
		} else {
			q.WhereNotNull(column)
		}
		return nil

	case "whereBetween":
		column, err := argString(step.Method, params, 0)
		if err != nil {
			return err
		}
		bounds, err := argList(step.Method, params, 1)
		if err != nil {
			return err
		}
		if len(bounds) != 2 {
			return stepError(step.Method, "expects a [low, high] bounds pair")
		}
		q.WhereBetween(column, bounds[0], bounds[1])
		return nil

	case "whereDate":
		column, err := argString(step.Method, params, 0)
		if err != nil {
			return err
		}
		switch len(params) {
		case 2:
			return q.WhereDate(column, "=", params[1])
		case 3:
			operator, err := argString(step.Method, params, 1)
			if err != nil {
				return err
			}
			return q.WhereDate(column, operator, params[2])
		}
		return stepError(step.Method, "expects (column, date) or (column, operator, date)")

	case "whereHas", "whereDoesntHave":
		relation, err := argString(step.Method, params, 0)
		if err != nil {
			return err
		}
		var fn func(engine.Query) error
		if len(params) > 1 {
			closure, ok := params[1].(wire.Closure)
			if !ok {
				return stepError(step.Method, "second argument must be a constraint closure")
			}
			fn = ex.closureFn(closure)
		}
		return q.WhereRelation(relation, step.Method == "whereHas", fn)

	case "orderBy":
		column, err := argString(step.Method, params, 0)
		if err != nil {
			return err
		}
		desc := false
		if len(params) > 1 {
			direction, err := argString(step.Method, params, 1)
			if err != nil {
				return err
			}
			switch direction {
			case "asc", "ASC":
			case "desc", "DESC":
				desc = true
			default:
				return stepError(step.Method, "direction must be asc or desc")
			}
		}
		q.OrderBy(column, desc)
		return nil

	case "orderByDesc":
		column, err := argString(step.Method, params, 0)
		if err != nil {
			return err
		}
		q.OrderBy(column, true)
		return nil

	case "latest", "oldest":
		column := "created_at"
		if len(params) > 0 {
			var err error
			if column, err = argString(step.Method, params, 0); err != nil {
				return err
			}
		}
		q.OrderBy(column, step.Method == "latest")
		return nil

	case "limit", "take":
		n, err := argInt(step.Method, params, 0)
		if err != nil {
			return err
		}
		q.Limit(n)
		return nil

	case "offset", "skip":
		n, err := argInt(step.Method, params, 0)
		if err != nil {
			return err
		}
		q.Offset(n)
		return nil

	case "select":
		columns, err := argStrings(step.Method, params)
		if err != nil {
			return err
		}
		q.Select(columns)
		return nil

	case "with":
		relations, err := argStrings(step.Method, params)
		if err != nil {
			return err
		}
		return q.With(relations)
	}

	return qerr.New(qerr.KindSecurity, "method %q is not supported by the executor", step.Method)
}

// closureFn reconstructs a captured closure into a callable that replays
// its chain against a live sub-query.
func (ex *Executor) closureFn(closure wire.Closure) func(engine.Query) error {
	return func(sub engine.Query) error {
		return ex.replayChain(sub, closure.Chain)
	}
}

func stepError(method, detail string) error {
	return qerr.New(qerr.KindValidation, "method %q %s", method, detail)
}

func argString(method string, params []any, i int) (string, error) {
	if i >= len(params) {
		return "", stepError(method, fmt.Sprintf("is missing argument %d", i+1))
	}
	s, ok := params[i].(string)
	if !ok || s == "" {
		return "", stepError(method, fmt.Sprintf("argument %d must be a non-empty string", i+1))
	}
	return s, nil
}

func argInt(method string, params []any, i int) (int, error) {
	if i >= len(params) {
		return 0, stepError(method, fmt.Sprintf("is missing argument %d", i+1))
	}
	switch v := params[i].(type) {
	case float64:
		// JSON numbers decode as float64; fractional values are not
		// valid counts and are rejected rather than truncated.
		if v != math.Trunc(v) {
			return 0, stepError(method, fmt.Sprintf("argument %d must be a whole number", i+1))
		}
		return int(v), nil
	case int:
		return v, nil
	case int64:
		return int(v), nil
	}
	return 0, stepError(method, fmt.Sprintf("argument %d must be an integer", i+1))
}

func argList(method string, params []any, i int) ([]any, error) {
	if i >= len(params) {
		return nil, stepError(method, fmt.Sprintf("is missing argument %d", i+1))
	}
	list, ok := params[i].([]any)
	if !ok {
		return nil, stepError(method, fmt.Sprintf("argument %d must be a list", i+1))
	}
	return list, nil
}

// argStrings accepts either variadic string parameters or a single list.
func argStrings(method string, params []any) ([]string, error) {
	if len(params) == 1 {
		if list, ok := params[0].([]any); ok {
			params = list
		}
	}
	if len(params) == 0 {
		return nil, stepError(method, "expects at least one argument")
	}
	out := make([]string, len(params))
	for i, p := range params {
		s, ok := p.(string)
		if !ok || s == "" {
			return nil, stepError(method, fmt.Sprintf("argument %d must be a non-empty string", i+1))
		}
		out[i] = s
	}
	return out, nil
}

// asExecutionError wraps engine failures while preserving typed errors
// raised earlier in the pipeline.
func asExecutionError(err error, ast query.AST) error {
	var typed *qerr.Error
	if errors.As(err, &typed) {
		return err
	}
	return qerr.Wrap(qerr.KindExecution, err, "executing %s.%s: %v", ast.Model, ast.Method, err)
}
