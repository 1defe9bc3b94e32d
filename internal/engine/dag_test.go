package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/bizflow/pkg/schema"
)

func step(id, tool string, deps ...string) schema.StepDefinition {
	return schema.StepDefinition{ID: id, Name: id, Tool: tool, DependsOn: deps}
}

func workflow(id string, steps ...schema.StepDefinition) schema.WorkflowDefinition {
	return schema.WorkflowDefinition{ID: id, Name: id, Steps: steps}
}

func TestNewDefinition_Valid(t *testing.T) {
	def, err := NewDefinition(workflow("wf",
		step("a", "toolA"),
		step("b", "toolB", "a"),
		step("c", "toolC", "a"),
		step("d", "toolD", "b", "c"),
	))
	require.NoError(t, err)

	assert.Equal(t, "wf", def.ID())
	assert.Equal(t, []string{"a", "b", "c", "d"}, def.StepIDs())
	assert.Equal(t, [][]string{{"a"}, {"b", "c"}, {"d"}}, def.Graph().Levels)
	assert.ElementsMatch(t, []string{"b", "c"}, def.Graph().Dependents["a"])
	assert.Equal(t, schema.DefaultWorkflowTimeout, def.Timeout())
	assert.False(t, def.Schema().CreatedAt.IsZero())
}

func TestNewDefinition_RejectsCycle(t *testing.T) {
	_, err := NewDefinition(workflow("wf",
		step("A", "t", "C"),
		step("B", "t", "A"),
		step("C", "t", "B"),
	))
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeCycleDetected))

	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	path, ok := fe.Details["path"].([]string)
	require.True(t, ok)
	require.Len(t, path, 4)
	assert.Equal(t, path[0], path[len(path)-1])
	assert.ElementsMatch(t, []string{"A", "B", "C"}, path[:3])
}

func TestNewDefinition_RejectsSelfDependency(t *testing.T) {
	_, err := NewDefinition(workflow("wf", step("a", "t", "a")))
	assert.True(t, schema.IsCode(err, schema.ErrCodeCycleDetected))
}

func TestNewDefinition_RejectsDanglingDependency(t *testing.T) {
	_, err := NewDefinition(workflow("wf",
		step("a", "t"),
		step("b", "t", "ghost"),
	))
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeDependency))
	assert.Contains(t, err.Error(), "ghost")
}

func TestNewDefinition_RejectsDuplicateIDs(t *testing.T) {
	_, err := NewDefinition(workflow("wf", step("a", "t"), step("a", "t")))
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestNewDefinition_DuplicateCheckedBeforeDangling(t *testing.T) {
	_, err := NewDefinition(workflow("wf",
		step("a", "t", "ghost"),
		step("a", "t"),
	))
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestNewDefinition_FieldChecks(t *testing.T) {
	tests := []struct {
		name string
		def  schema.WorkflowDefinition
	}{
		{"no steps", workflow("wf")},
		{"no id", workflow("", step("a", "t"))},
		{"no tool", workflow("wf", step("a", ""))},
		{"negative retries", workflow("wf", schema.StepDefinition{ID: "a", Tool: "t", MaxRetries: -1})},
		{"timeout too long", func() schema.WorkflowDefinition {
			d := workflow("wf", step("a", "t"))
			d.Timeout = 481 * time.Minute
			return d
		}()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewDefinition(tt.def)
			require.Error(t, err)
			assert.True(t, schema.IsCode(err, schema.ErrCodeValidation), err.Error())
		})
	}
}

func TestNewDefinition_StepReferenceMustBeAncestor(t *testing.T) {
	b := step("b", "t")
	b.Args = map[string]schema.Arg{"id": schema.StepOutput("a", ".id")}
	_, err := NewDefinition(workflow("wf", step("a", "t"), b))
	assert.True(t, schema.IsCode(err, schema.ErrCodeDependency))

	// Transitive ancestors are allowed.
	c := step("c", "t", "b2")
	c.Args = map[string]schema.Arg{"id": schema.StepOutput("a", ".id")}
	_, err = NewDefinition(workflow("wf", step("a", "t"), step("b2", "t", "a"), c))
	assert.NoError(t, err)
}

func TestNewDefinition_RejectsBadQuery(t *testing.T) {
	b := step("b", "t", "a")
	b.Args = map[string]schema.Arg{"id": schema.StepOutput("a", ".[")}
	_, err := NewDefinition(workflow("wf", step("a", "t"), b))
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestNewDefinition_CopiesInput(t *testing.T) {
	src := workflow("wf", step("a", "t"), step("b", "t", "a"))
	src.Steps[0].Args = map[string]schema.Arg{"x": schema.Literal(1)}

	def, err := NewDefinition(src)
	require.NoError(t, err)

	src.Steps[1].DependsOn[0] = "zzz"
	src.Steps[0].Args["x"] = schema.Literal(2)

	b, _ := def.Step("b")
	assert.Equal(t, []string{"a"}, b.DependsOn)
	a, _ := def.Step("a")
	assert.Equal(t, 1, a.Args["x"].Value)
}

func TestValidate_Nil(t *testing.T) {
	assert.True(t, schema.IsCode(Validate(nil), schema.ErrCodeValidation))
}
