package templates

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/bizflow/internal/engine"
	"github.com/rendis/bizflow/pkg/schema"
)

//go:embed catalog.json
var builtinCatalog []byte

const catalogSchemaURL = "https://bizflow.dev/schemas/catalog.json"

// catalogSchemaJSON describes the template catalog document. Each key is a
// template id.
const catalogSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://bizflow.dev/schemas/catalog.json",
  "type": "object",
  "minProperties": 1,
  "propertyNames": { "pattern": "^[a-z][a-z0-9_]*$" },
  "additionalProperties": { "$ref": "#/$defs/template" },
  "$defs": {
    "template": {
      "type": "object",
      "required": ["name", "steps"],
      "properties": {
        "name": { "type": "string", "minLength": 1 },
        "description": { "type": "string" },
        "parallel_execution": { "type": "boolean" },
        "timeout_minutes": { "type": "number", "exclusiveMinimum": 0, "maximum": 480 },
        "inputs": { "type": "object" },
        "steps": {
          "type": "array",
          "minItems": 1,
          "items": { "$ref": "#/$defs/step" }
        }
      },
      "additionalProperties": false
    },
    "step": {
      "type": "object",
      "required": ["step_id", "name", "tool_name"],
      "properties": {
        "step_id": { "type": "string", "minLength": 1 },
        "name": { "type": "string" },
        "tool_name": { "type": "string", "minLength": 1 },
        "parameters": {
          "type": "object",
          "additionalProperties": { "$ref": "#/$defs/arg" }
        },
        "depends_on": {
          "type": "array",
          "items": { "type": "string", "minLength": 1 },
          "uniqueItems": true
        },
        "max_retries": { "type": "integer", "minimum": 0, "maximum": 10 }
      },
      "additionalProperties": false
    },
    "arg": {
      "if": { "type": "object", "required": ["$param"] },
      "then": {
        "properties": { "$param": { "type": "string", "minLength": 1 } }
      },
      "else": {
        "if": { "type": "object", "required": ["$step"] },
        "then": {
          "properties": {
            "$step": { "type": "string", "minLength": 1 },
            "$query": { "type": "string" }
          }
        }
      }
    }
  }
}`

// Template is a validated catalog entry.
type Template struct {
	Definition *engine.Definition
	// Inputs validates launch parameters; nil accepts anything.
	Inputs *jsonschema.Schema
}

var (
	catalogOnce   sync.Once
	catalogSchema *jsonschema.Schema
	catalogErr    error
)

func compiledCatalogSchema() (*jsonschema.Schema, error) {
	catalogOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(catalogSchemaJSON))
		if err != nil {
			catalogErr = fmt.Errorf("unmarshal catalog schema: %w", err)
			return
		}
		c := newCompiler()
		if err := c.AddResource(catalogSchemaURL, doc); err != nil {
			catalogErr = fmt.Errorf("add catalog schema resource: %w", err)
			return
		}
		catalogSchema, catalogErr = c.Compile(catalogSchemaURL)
	})
	return catalogSchema, catalogErr
}

// BuiltinCatalog parses the catalog compiled into the binary.
func BuiltinCatalog() (map[string]*Template, error) {
	return LoadCatalog(builtinCatalog)
}

// LoadCatalog validates a catalog document and converts every entry into
// an engine definition.
func LoadCatalog(data []byte) (map[string]*Template, error) {
	s, err := compiledCatalogSchema()
	if err != nil {
		return nil, err
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "template catalog is not valid JSON").WithCause(err)
	}
	if err := s.Validate(doc); err != nil {
		return nil, toFlowError(err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "decode template catalog").WithCause(err)
	}

	ids := make([]string, 0, len(raw))
	for id := range raw {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make(map[string]*Template, len(raw))
	for _, id := range ids {
		tpl, err := parseTemplate(id, raw[id])
		if err != nil {
			return nil, err
		}
		out[id] = tpl
	}
	return out, nil
}

func parseTemplate(id string, data json.RawMessage) (*Template, error) {
	var def schema.WorkflowDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "template %s: %s", id, err.Error()).WithCause(err)
	}
	def.ID = id
	def.CreatedBy = "catalog"

	d, err := engine.NewDefinition(def)
	if err != nil {
		return nil, wrapTemplateError(id, err)
	}

	var extra struct {
		Inputs json.RawMessage `json:"inputs"`
	}
	if err := json.Unmarshal(data, &extra); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "template %s: %s", id, err.Error()).WithCause(err)
	}

	tpl := &Template{Definition: d}
	if len(extra.Inputs) > 0 {
		tpl.Inputs, err = compileInputSchema(id, extra.Inputs)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "template %s: invalid inputs schema", id).WithCause(err)
		}
	}
	return tpl, nil
}

func wrapTemplateError(id string, err error) error {
	var fe *schema.FlowError
	if !errors.As(err, &fe) {
		return schema.NewErrorf(schema.ErrCodeValidation, "template %s: %s", id, err.Error()).WithCause(err)
	}
	return schema.NewErrorf(fe.Code, "template %s: %s", id, fe.Message).
		WithDetails(fe.Details).
		WithCause(err)
}

func compileInputSchema(id string, raw []byte) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	url := "bizflow://templates/" + id + "/inputs"
	c := newCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return c.Compile(url)
}

// ValidateParams checks launch parameters against the template's inputs schema.
func (t *Template) ValidateParams(params map[string]any) error {
	if t.Inputs == nil {
		return nil
	}
	if params == nil {
		params = map[string]any{}
	}
	doc, err := toJSONValue(params)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "parameters are not JSON-serializable").WithCause(err)
	}
	if err := t.Inputs.Validate(doc); err != nil {
		return toFlowError(err)
	}
	return nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips v through JSON so numbers become json.Number.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(b))
}

func toFlowError(err error) *schema.FlowError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	switch len(violations) {
	case 0:
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	case 1:
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "validation failed with %d errors", len(violations)).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations flattens the leaf errors with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}
	var out []string
	for _, cause := range verr.Causes {
		out = append(out, collectViolations(cause)...)
	}
	return out
}
