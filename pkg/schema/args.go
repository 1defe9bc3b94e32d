package schema

import (
	"encoding/json"
	"fmt"
)

// ArgKind discriminates the Arg union.
type ArgKind int

const (
	ArgLiteral ArgKind = iota
	ArgParam
	ArgStepOutput
)

func (k ArgKind) String() string {
	switch k {
	case ArgLiteral:
		return "literal"
	case ArgParam:
		return "param"
	case ArgStepOutput:
		return "step_output"
	default:
		return "unknown"
	}
}

// Arg is a step argument value: a literal, a reference to a runtime
// parameter, or a jq query over the result of a dependency.
//
// JSON forms:
//
//	"plain value"                                   literal
//	{"$param": "quarter", "default": "Q1"}          runtime parameter
//	{"$step": "analyze", "$query": ".session_id"}   dependency output
type Arg struct {
	Kind ArgKind

	// Value is the literal, or the default for a param reference.
	Value      any
	HasDefault bool

	Param string
	Step  string
	Query string
}

// Literal wraps a plain value.
func Literal(v any) Arg { return Arg{Kind: ArgLiteral, Value: v} }

// ParamRef references a runtime parameter by name.
func ParamRef(name string) Arg { return Arg{Kind: ArgParam, Param: name} }

// ParamRefOr references a runtime parameter, falling back to def when absent.
func ParamRefOr(name string, def any) Arg {
	return Arg{Kind: ArgParam, Param: name, Value: def, HasDefault: true}
}

// StepOutput selects part of a dependency's result with a jq query.
// An empty query selects the whole result.
func StepOutput(stepID, query string) Arg {
	if query == "" {
		query = "."
	}
	return Arg{Kind: ArgStepOutput, Step: stepID, Query: query}
}

// Placeholder is the literal text passed through for an unresolved param.
func (a Arg) Placeholder() string {
	return "${" + a.Param + "}"
}

// MarshalJSON implements json.Marshaler.
func (a Arg) MarshalJSON() ([]byte, error) {
	switch a.Kind {
	case ArgParam:
		m := map[string]any{"$param": a.Param}
		if a.HasDefault {
			m["default"] = a.Value
		}
		return json.Marshal(m)
	case ArgStepOutput:
		return json.Marshal(map[string]any{"$step": a.Step, "$query": a.Query})
	default:
		return json.Marshal(a.Value)
	}
}

// UnmarshalJSON implements json.Unmarshaler.
func (a *Arg) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	obj, ok := raw.(map[string]any)
	if !ok {
		*a = Literal(raw)
		return nil
	}
	if p, ok := obj["$param"]; ok {
		name, isStr := p.(string)
		if !isStr || name == "" {
			return fmt.Errorf("$param must be a non-empty string")
		}
		if def, has := obj["default"]; has {
			*a = ParamRefOr(name, def)
		} else {
			*a = ParamRef(name)
		}
		return nil
	}
	if s, ok := obj["$step"]; ok {
		step, isStr := s.(string)
		if !isStr || step == "" {
			return fmt.Errorf("$step must be a non-empty string")
		}
		query, _ := obj["$query"].(string)
		*a = StepOutput(step, query)
		return nil
	}
	*a = Literal(obj)
	return nil
}

// Literals converts a plain map into literal Args.
func Literals(m map[string]any) map[string]Arg {
	out := make(map[string]Arg, len(m))
	for k, v := range m {
		out[k] = Literal(v)
	}
	return out
}
