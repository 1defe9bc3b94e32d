package engine

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/rendis/bizflow/internal/expressions"
	"github.com/rendis/bizflow/pkg/schema"
)

// Graph is the dependency structure of a validated definition.
type Graph struct {
	Order      []string            // step IDs in definition order
	Deps       map[string][]string // step ID → dependencies
	Dependents map[string][]string // step ID → steps that depend on it
	Levels     [][]string          // depth groups, definition order within a level
}

// Definition is a workflow definition that passed validation. It is the only
// form the engine executes, so validation happens once per definition.
type Definition struct {
	def   schema.WorkflowDefinition
	graph *Graph
	index map[string]int
}

// NewDefinition validates def and returns an immutable Definition.
// The caller's slices and maps are copied.
func NewDefinition(def schema.WorkflowDefinition) (*Definition, error) {
	cp := cloneDefinition(def)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}

	graph, err := buildGraph(&cp)
	if err != nil {
		return nil, err
	}

	index := make(map[string]int, len(cp.Steps))
	for i, s := range cp.Steps {
		index[s.ID] = i
	}
	return &Definition{def: cp, graph: graph, index: index}, nil
}

// Validate runs the full definition validation without keeping the result.
func Validate(def *schema.WorkflowDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}
	_, err := buildGraph(def)
	return err
}

func (d *Definition) ID() string                 { return d.def.ID }
func (d *Definition) Name() string               { return d.def.Name }
func (d *Definition) Description() string        { return d.def.Description }
func (d *Definition) Parallel() bool             { return d.def.Parallel }
func (d *Definition) Timeout() time.Duration     { return d.def.EffectiveTimeout() }
func (d *Definition) Len() int                   { return len(d.def.Steps) }
func (d *Definition) Graph() *Graph              { return d.graph }
func (d *Definition) StepIDs() []string          { return slices.Clone(d.graph.Order) }

// Step returns the step with the given ID.
func (d *Definition) Step(id string) (*schema.StepDefinition, bool) {
	i, ok := d.index[id]
	if !ok {
		return nil, false
	}
	return &d.def.Steps[i], true
}

// Schema returns a deep copy of the underlying definition.
func (d *Definition) Schema() schema.WorkflowDefinition {
	return cloneDefinition(d.def)
}

// buildGraph validates def and derives its Graph. Checks run in a fixed order:
// field checks, duplicate IDs, dangling dependencies, cycles, step references.
func buildGraph(def *schema.WorkflowDefinition) (*Graph, error) {
	if err := checkFields(def); err != nil {
		return nil, err
	}

	g := &Graph{
		Order:      make([]string, 0, len(def.Steps)),
		Deps:       make(map[string][]string, len(def.Steps)),
		Dependents: make(map[string][]string, len(def.Steps)),
	}

	// Pass 1: duplicate step IDs.
	for _, step := range def.Steps {
		if _, exists := g.Deps[step.ID]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate step id: %s", step.ID).
				WithStep(step.ID)
		}
		g.Deps[step.ID] = nil
		g.Order = append(g.Order, step.ID)
	}

	// Pass 2: dangling dependencies.
	for _, step := range def.Steps {
		deps := make([]string, 0, len(step.DependsOn))
		for _, dep := range step.DependsOn {
			if _, exists := g.Deps[dep]; !exists {
				return nil, schema.NewErrorf(schema.ErrCodeDependency,
					"step %s depends on non-existent step: %s", step.ID, dep).
					WithStep(step.ID).
					WithDetails(map[string]any{"missing": dep})
			}
			if slices.Contains(deps, dep) {
				continue
			}
			deps = append(deps, dep)
			g.Dependents[dep] = append(g.Dependents[dep], step.ID)
		}
		g.Deps[step.ID] = deps
	}

	// Pass 3: cycles.
	if cycle := findCycle(g); cycle != nil {
		return nil, schema.NewErrorf(schema.ErrCodeCycleDetected,
			"circular dependency: %s", strings.Join(cycle, " → ")).
			WithDetails(map[string]any{"path": cycle})
	}

	// Pass 4: step-output references must point at an ancestor.
	jq := expressions.NewJQ()
	for _, step := range def.Steps {
		ancestors := g.Ancestors(step.ID)
		for _, key := range sortedKeys(step.Args) {
			arg := step.Args[key]
			if arg.Kind != schema.ArgStepOutput {
				continue
			}
			if !ancestors[arg.Step] {
				return nil, schema.NewErrorf(schema.ErrCodeDependency,
					"argument %q of step %s references step %s which is not a dependency", key, step.ID, arg.Step).
					WithStep(step.ID)
			}
			if err := jq.Compile(arg.Query); err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"argument %q of step %s has an invalid query", key, step.ID).
					WithStep(step.ID).WithCause(err)
			}
		}
	}

	g.Levels = computeLevels(g)
	return g, nil
}

// checkFields reports every field-level problem at once.
func checkFields(def *schema.WorkflowDefinition) error {
	var res schema.ValidationResult
	if def.ID == "" {
		res.AddError("workflow_id", schema.ErrCodeValidation, "is empty")
	}
	if len(def.Steps) == 0 {
		res.AddError("steps", schema.ErrCodeValidation, "workflow has no steps")
	}
	if def.Timeout < 0 || def.Timeout > schema.MaxWorkflowTimeout {
		res.AddError("timeout_minutes", schema.ErrCodeValidation,
			fmt.Sprintf("must be within (0, %s]", schema.MaxWorkflowTimeout))
	}
	for i, step := range def.Steps {
		path := fmt.Sprintf("steps[%d]", i)
		if step.ID == "" {
			res.AddError(path+".step_id", schema.ErrCodeValidation, "is empty")
		}
		if step.Tool == "" {
			res.AddError(path+".tool_name", schema.ErrCodeValidation, "is empty")
		}
		if step.MaxRetries < 0 {
			res.AddError(path+".max_retries", schema.ErrCodeValidation, "must not be negative")
		}
	}
	return res.ToError()
}

// findCycle runs a depth-first search from every root in definition order,
// tracking the nodes on the active path. It returns the cycle as a path
// that starts and ends on the same step, or nil.
func findCycle(g *Graph) []string {
	const (
		unvisited = iota
		onPath
		done
	)
	state := make(map[string]int, len(g.Order))
	var path []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		state[id] = onPath
		path = append(path, id)
		for _, dep := range g.Deps[id] {
			switch state[dep] {
			case onPath:
				start := slices.Index(path, dep)
				cycle = append(slices.Clone(path[start:]), dep)
				return true
			case unvisited:
				if visit(dep) {
					return true
				}
			}
		}
		path = path[:len(path)-1]
		state[id] = done
		return false
	}

	for _, id := range g.Order {
		if state[id] == unvisited && visit(id) {
			return cycle
		}
	}
	return nil
}

// Ancestors returns every step id reachable through dependencies of id.
func (g *Graph) Ancestors(id string) map[string]bool {
	seen := make(map[string]bool)
	stack := slices.Clone(g.Deps[id])
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[n] {
			continue
		}
		seen[n] = true
		stack = append(stack, g.Deps[n]...)
	}
	return seen
}

// computeLevels groups steps by dependency depth. Only meaningful on an acyclic graph.
func computeLevels(g *Graph) [][]string {
	depth := make(map[string]int, len(g.Order))
	var depthOf func(id string) int
	depthOf = func(id string) int {
		if d, ok := depth[id]; ok {
			return d
		}
		d := 0
		for _, dep := range g.Deps[id] {
			if dd := depthOf(dep) + 1; dd > d {
				d = dd
			}
		}
		depth[id] = d
		return d
	}

	var levels [][]string
	for _, id := range g.Order {
		d := depthOf(id)
		for len(levels) <= d {
			levels = append(levels, nil)
		}
		levels[d] = append(levels[d], id)
	}
	return levels
}

func cloneDefinition(def schema.WorkflowDefinition) schema.WorkflowDefinition {
	cp := def
	cp.Steps = make([]schema.StepDefinition, len(def.Steps))
	for i, s := range def.Steps {
		s.DependsOn = slices.Clone(s.DependsOn)
		if s.Args != nil {
			args := make(map[string]schema.Arg, len(s.Args))
			for k, v := range s.Args {
				args[k] = v
			}
			s.Args = args
		}
		cp.Steps[i] = s
	}
	return cp
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
