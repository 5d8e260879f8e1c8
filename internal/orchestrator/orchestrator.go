package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mucan54/remoteql/internal/qerr"
	"github.com/mucan54/remoteql/internal/query"
)

// Step is one named operation in a batch. DependsOn nil means implicit
// dependencies on every step declared before this one; an explicitly empty
// slice means no dependencies. Run receives the results accumulated so far,
// which is how later steps consume earlier outputs.
type Step struct {
	Key       string
	DependsOn []string
	OnFailure query.Policy
	Run       func(ctx context.Context, prior Results) (any, error)
}

// Result is the outcome of one step: a raw success value, an error, or a
// skip marker. Exactly one form is populated.
type Result struct {
	Value      any
	Err        string
	Skipped    bool
	SkipReason string
}

// Failed reports whether the step produced an error. Skipped steps are not
// failed.
func (r Result) Failed() bool {
	return r.Err != ""
}

func (r Result) MarshalJSON() ([]byte, error) {
	if r.Err != "" {
		return json.Marshal(map[string]any{"error": r.Err})
	}
	if r.Skipped {
		return json.Marshal(map[string]any{"skipped": true, "reason": r.SkipReason})
	}
	return json.Marshal(r.Value)
}

// Results maps step keys to their outcomes. Keyed access is the contract;
// the map carries no ordering.
type Results map[string]Result

const (
	errDependencyFailed = "dependency failed"
	errExecutionStopped = "execution stopped due to previous failure"
)

// Execute validates the dependency graph, orders the steps topologically,
// and runs them sequentially with stop/skip/continue failure semantics.
// Graph validation happens entirely before any step executes.
func Execute(ctx context.Context, steps []Step) (Results, error) {
	resolved, err := resolveDependencies(steps)
	if err != nil {
		return nil, err
	}
	ordered, err := topologicalOrder(steps, resolved)
	if err != nil {
		return nil, err
	}

	results := make(Results, len(steps))
	failed := make(map[string]struct{})
	stopped := false

	for _, idx := range ordered {
		step := steps[idx]
		policy := step.OnFailure
		if policy == "" {
			policy = query.PolicyStop
		}

		if stopped {
			results[step.Key] = Result{Err: errExecutionStopped}
			continue
		}

		if dependencyFailed(resolved[step.Key], failed) {
			switch policy {
			case query.PolicySkip:
				results[step.Key] = Result{Skipped: true, SkipReason: errDependencyFailed}
				continue
			case query.PolicyContinue:
				// Attempt execution regardless of upstream failures.
			default:
				results[step.Key] = Result{Err: errDependencyFailed}
				stopped = true
				continue
			}
		}

		value, err := runStep(ctx, step, results)
		if err != nil {
			results[step.Key] = Result{Err: err.Error()}
			failed[step.Key] = struct{}{}
			if policy == query.PolicyStop {
				stopped = true
			}
			continue
		}
		results[step.Key] = Result{Value: value}
	}

	return results, nil
}

// runStep isolates panics from a step so one bad closure cannot take down
// the whole batch.
func runStep(ctx context.Context, step Step, prior Results) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("step panicked: %v", r)
		}
	}()
	return step.Run(ctx, prior)
}

func dependencyFailed(deps []string, failed map[string]struct{}) bool {
	for _, dep := range deps {
		if _, ok := failed[dep]; ok {
			return true
		}
	}
	return false
}

// resolveDependencies materializes the implicit mode (a step with nil
// DependsOn depends on all previously declared steps) and validates that
// every referenced key exists in the batch.
func resolveDependencies(steps []Step) (map[string][]string, error) {
	keys := make(map[string]struct{}, len(steps))
	for _, step := range steps {
		if step.Key == "" {
			return nil, qerr.New(qerr.KindValidation, "batch step with empty key")
		}
		if _, dup := keys[step.Key]; dup {
			return nil, qerr.New(qerr.KindValidation, "duplicate batch step key %q", step.Key)
		}
		keys[step.Key] = struct{}{}
	}

	resolved := make(map[string][]string, len(steps))
	var declared []string
	for _, step := range steps {
		if step.DependsOn == nil {
			resolved[step.Key] = append([]string(nil), declared...)
		} else {
			for _, dep := range step.DependsOn {
				if _, ok := keys[dep]; !ok {
					return nil, qerr.New(qerr.KindValidation,
						"step %q depends on unknown step %q", step.Key, dep)
				}
			}
			resolved[step.Key] = step.DependsOn
		}
		declared = append(declared, step.Key)
	}
	return resolved, nil
}

// topologicalOrder sorts steps so every dependency precedes its dependents,
// detecting cycles with a DFS recursion stack. Steps and their dependency
// lists are visited in declaration order, so independent steps keep a
// stable order.
func topologicalOrder(steps []Step, deps map[string][]string) ([]int, error) {
	indexOf := make(map[string]int, len(steps))
	for i, step := range steps {
		indexOf[step.Key] = i
	}

	const (
		unvisited = iota
		visiting
		visited
	)
	state := make([]int, len(steps))
	order := make([]int, 0, len(steps))
	var stack []string

	var visit func(i int) error
	visit = func(i int) error {
		switch state[i] {
		case visited:
			return nil
		case visiting:
			// Report the specific cycle from the recursion stack.
			key := steps[i].Key
			start := 0
			for j, k := range stack {
				if k == key {
					start = j
					break
				}
			}
			cycle := append(append([]string(nil), stack[start:]...), key)
			return qerr.New(qerr.KindValidation,
				"circular dependency detected: %s", strings.Join(cycle, " -> "))
		}
		state[i] = visiting
		stack = append(stack, steps[i].Key)
		for _, dep := range deps[steps[i].Key] {
			if err := visit(indexOf[dep]); err != nil {
				return err
			}
		}
		stack = stack[:len(stack)-1]
		state[i] = visited
		order = append(order, i)
		return nil
	}

	for i := range steps {
		if err := visit(i); err != nil {
			return nil, err
		}
	}
	return order, nil
}
