package engine

import (
	"context"
	"fmt"

	"github.com/rendis/bizflow/internal/expressions"
	"github.com/rendis/bizflow/pkg/schema"
)

// UnresolvedPolicy decides what happens to a parameter reference that has
// neither a runtime value nor a default.
type UnresolvedPolicy string

const (
	// UnresolvedKeep passes the "${name}" placeholder text through to the
	// tool, and null for a step-output query that does not apply.
	UnresolvedKeep UnresolvedPolicy = "keep"
	// UnresolvedError fails the step with VALIDATION_ERROR.
	UnresolvedError UnresolvedPolicy = "error"
)

// ParseUnresolvedPolicy maps a config string to a policy. Empty means keep.
func ParseUnresolvedPolicy(s string) (UnresolvedPolicy, error) {
	switch UnresolvedPolicy(s) {
	case "", UnresolvedKeep:
		return UnresolvedKeep, nil
	case UnresolvedError:
		return UnresolvedError, nil
	default:
		return "", schema.NewErrorf(schema.ErrCodeValidation, "unknown unresolved parameter policy %q", s)
	}
}

// Resolver turns a step's argument mapping into concrete values.
type Resolver struct {
	policy UnresolvedPolicy
	jq     *expressions.JQ
}

// NewResolver creates a Resolver. A nil jq gets a private evaluator.
func NewResolver(policy UnresolvedPolicy, jq *expressions.JQ) *Resolver {
	if policy == "" {
		policy = UnresolvedKeep
	}
	if jq == nil {
		jq = expressions.NewJQ()
	}
	return &Resolver{policy: policy, jq: jq}
}

// Resolve builds the argument map for step. params are the runtime
// parameters of the execution and results holds the data of completed steps.
func (r *Resolver) Resolve(ctx context.Context, step *schema.StepDefinition, params map[string]any, results map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(step.Args))
	for key, arg := range step.Args {
		switch arg.Kind {
		case schema.ArgLiteral:
			out[key] = arg.Value

		case schema.ArgParam:
			if v, ok := params[arg.Param]; ok {
				out[key] = v
				continue
			}
			if arg.HasDefault {
				out[key] = arg.Value
				continue
			}
			if r.policy == UnresolvedError {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"argument %q: parameter %q was not provided", key, arg.Param).
					WithStep(step.ID)
			}
			out[key] = arg.Placeholder()

		case schema.ArgStepOutput:
			data, ok := results[arg.Step]
			if !ok {
				return nil, schema.NewErrorf(schema.ErrCodeDependency,
					"argument %q: step %q has no result", key, arg.Step).
					WithStep(step.ID)
			}
			v, err := r.jq.Evaluate(ctx, arg.Query, data)
			if err != nil {
				// The upstream tool may answer with text or null instead
				// of the object the query expects.
				if r.policy == UnresolvedKeep && schema.IsCode(err, schema.ErrCodeValidation) {
					out[key] = nil
					continue
				}
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"argument %q: %s", key, err.Error()).
					WithStep(step.ID).WithCause(err)
			}
			out[key] = v

		default:
			return nil, schema.NewError(schema.ErrCodeValidation, fmt.Sprintf("argument %q has unknown kind", key)).
				WithStep(step.ID)
		}
	}
	return out, nil
}
