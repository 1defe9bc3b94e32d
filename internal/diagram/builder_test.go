package diagram

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/bizflow/internal/engine"
	"github.com/rendis/bizflow/pkg/schema"
)

func quarterlyDefinition(t *testing.T) *engine.Definition {
	t.Helper()
	def, err := engine.NewDefinition(schema.WorkflowDefinition{
		ID:   "quarterly_analysis",
		Name: "Quarterly Analysis",
		Steps: []schema.StepDefinition{
			{ID: "fetch_sales_data", Name: "Fetch sales", Tool: "queryDatabase"},
			{ID: "analyze_trends", Name: "Analyze", Tool: "startThinking", DependsOn: []string{"fetch_sales_data"}},
			{ID: "generate_report", Name: "Report", Tool: "finishThinking", DependsOn: []string{"analyze_trends"}},
			{ID: "email_report", Name: "Email", Tool: "sendEmail", DependsOn: []string{"generate_report"}},
		},
	})
	require.NoError(t, err)
	return def
}

func diamondDefinition(t *testing.T) *engine.Definition {
	t.Helper()
	def, err := engine.NewDefinition(schema.WorkflowDefinition{
		ID:       "research",
		Parallel: true,
		Steps: []schema.StepDefinition{
			{ID: "a", Tool: "searchWeb"},
			{ID: "b", Tool: "scrapePage", DependsOn: []string{"a"}},
			{ID: "c", Tool: "customTool", DependsOn: []string{"a"}},
			{ID: "d", Tool: "executeDatabase", DependsOn: []string{"b", "c"}},
		},
	})
	require.NoError(t, err)
	return def
}

func TestBuild_Linear(t *testing.T) {
	model := Build(quarterlyDefinition(t), nil)

	assert.Equal(t, "Quarterly Analysis", model.Title)
	require.Len(t, model.Nodes, 6)
	assert.Equal(t, startID, model.Nodes[0].ID)
	assert.Equal(t, endID, model.Nodes[5].ID)
	assert.Equal(t, NodeKindDatabase, model.Nodes[1].Kind)
	assert.Equal(t, NodeKindThinking, model.Nodes[2].Kind)
	assert.Equal(t, NodeKindThinking, model.Nodes[3].Kind)
	assert.Equal(t, NodeKindEmail, model.Nodes[4].Kind)
	assert.Equal(t, "Fetch sales", model.Nodes[1].Label)

	assert.Equal(t, []Edge{
		{From: startID, To: "fetch_sales_data"},
		{From: "fetch_sales_data", To: "analyze_trends"},
		{From: "analyze_trends", To: "generate_report"},
		{From: "generate_report", To: "email_report"},
		{From: "email_report", To: endID},
	}, model.Edges)
	assert.Len(t, model.Levels, 6)
}

func TestBuild_Diamond(t *testing.T) {
	model := Build(diamondDefinition(t), nil)

	assert.Equal(t, "research", model.Title, "falls back to the id")
	assert.Equal(t, [][]string{{startID}, {"a"}, {"b", "c"}, {"d"}, {endID}}, model.Levels)
	assert.Contains(t, model.Edges, Edge{From: "b", To: "d"})
	assert.Contains(t, model.Edges, Edge{From: "c", To: "d"})
	assert.Equal(t, NodeKindWeb, model.node("b").Kind)
	assert.Equal(t, NodeKindTool, model.node("c").Kind)
	assert.Equal(t, "c", model.node("c").Label)
}

func TestBuild_StatusOverlay(t *testing.T) {
	start := time.Now().UTC()
	done := start.Add(150 * time.Millisecond)
	exec := &engine.Execution{
		ID: "exec-1",
		Steps: map[string]*engine.StepState{
			"fetch_sales_data": {ID: "fetch_sales_data", Status: schema.StepStatusCompleted, StartedAt: &start, CompletedAt: &done, RetryCount: 1},
			"email_report":     {ID: "email_report", Status: schema.StepStatusFailed, Error: "smtp down"},
		},
	}

	model := Build(quarterlyDefinition(t), exec)

	fetch := model.node("fetch_sales_data").Status
	require.NotNil(t, fetch)
	assert.Equal(t, "completed", fetch.Status)
	assert.Equal(t, int64(150), fetch.DurationMs)
	assert.Equal(t, 1, fetch.RetryCount)

	email := model.node("email_report").Status
	require.NotNil(t, email)
	assert.Equal(t, "smtp down", email.Error)

	assert.Nil(t, model.node("analyze_trends").Status)
}
