package service

import (
	"context"
	"errors"

	"github.com/mucan54/remoteql/internal/orchestrator"
	"github.com/mucan54/remoteql/internal/qerr"
	"github.com/mucan54/remoteql/internal/query"
	"github.com/mucan54/remoteql/internal/security"
	"github.com/mucan54/remoteql/internal/wire"
)

// Invoker dispatches validated service calls. Admission is two-gated:
// the service class must match the whitelist policy, and the method must
// appear in the service's registered method set.
type Invoker struct {
	registry   *Registry
	policy     security.ServicePolicy
	namespaces []string
}

func NewInvoker(registry *Registry, policy security.ServicePolicy, namespaces []string) *Invoker {
	return &Invoker{registry: registry, policy: policy, namespaces: namespaces}
}

// Invoke validates, deserializes, executes and re-serializes one call.
func (inv *Invoker) Invoke(ctx context.Context, call query.ServiceCall) (any, error) {
	if call.Service == "" {
		return nil, qerr.New(qerr.KindMalformed, "service call is missing the service name")
	}
	if call.Method == "" {
		return nil, qerr.New(qerr.KindMalformed, "service call is missing the method name")
	}

	descriptor, err := inv.registry.Resolve(call.Service, inv.namespaces)
	if err != nil {
		return nil, err
	}
	if err := inv.policy.Allowed(descriptor.Name, descriptor.Qualified); err != nil {
		return nil, err
	}

	method, ok := descriptor.Methods[call.Method]
	if !ok {
		return nil, qerr.New(qerr.KindSecurity,
			"method %q is not remote-callable on service %q", call.Method, descriptor.Name)
	}

	args := wire.DeserializeSlice(call.Arguments)
	if len(args) < method.MinArgs {
		return nil, qerr.New(qerr.KindValidation,
			"method %q expects at least %d arguments, got %d", call.Method, method.MinArgs, len(args))
	}
	if method.MaxArgs >= 0 && len(args) > method.MaxArgs {
		return nil, qerr.New(qerr.KindValidation,
			"method %q expects at most %d arguments, got %d", call.Method, method.MaxArgs, len(args))
	}

	result, err := method.Handler(ctx, args)
	if err != nil {
		var typed *qerr.Error
		if errors.As(err, &typed) {
			return nil, err
		}
		return nil, qerr.Wrap(qerr.KindExecution, err,
			"calling %s.%s: %v", descriptor.Name, call.Method, err)
	}
	return wire.Serialize(result), nil
}

// BatchSteps converts wire service steps into orchestrator steps backed by
// this invoker. Arguments are static wire values; inter-step dataflow on
// the server side is limited to what the caller encoded.
func (inv *Invoker) BatchSteps(steps []query.ServiceStep) []orchestrator.Step {
	out := make([]orchestrator.Step, len(steps))
	for i, step := range steps {
		call := query.ServiceCall{
			Service:   step.Service,
			Method:    step.Method,
			Arguments: step.Arguments,
		}
		out[i] = orchestrator.Step{
			Key:       step.Key,
			DependsOn: step.DependsOn,
			OnFailure: step.OnFailure,
			Run: func(ctx context.Context, _ orchestrator.Results) (any, error) {
				return inv.Invoke(ctx, call)
			},
		}
	}
	return out
}

// LocalBatch executes service steps in-process. This is the only mode in
// which ArgsFn closures are usable: each closure receives the raw values of
// prior results to materialize this step's arguments.
func (inv *Invoker) LocalBatch(ctx context.Context, steps []query.ServiceStep) (orchestrator.Results, error) {
	orchSteps := make([]orchestrator.Step, len(steps))
	for i, step := range steps {
		step := step
		orchSteps[i] = orchestrator.Step{
			Key:       step.Key,
			DependsOn: step.DependsOn,
			OnFailure: step.OnFailure,
			Run: func(ctx context.Context, prior orchestrator.Results) (any, error) {
				arguments := step.Arguments
				if step.ArgsFn != nil {
					values := make(map[string]any, len(prior))
					for key, res := range prior {
						if !res.Failed() && !res.Skipped {
							values[key] = res.Value
						}
					}
					raw := step.ArgsFn(values)
					arguments = make([]any, len(raw))
					for j, arg := range raw {
						arguments[j] = wire.Serialize(arg)
					}
				}
				return inv.Invoke(ctx, query.ServiceCall{
					Service:   step.Service,
					Method:    step.Method,
					Arguments: arguments,
				})
			},
		}
	}
	return orchestrator.Execute(ctx, orchSteps)
}
