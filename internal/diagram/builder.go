package diagram

import (
	"strings"

	"github.com/rendis/bizflow/internal/agent"
	"github.com/rendis/bizflow/internal/engine"
)

// Build constructs a DiagramModel from a validated definition. When exec is
// non-nil each node carries the step's runtime state.
func Build(def *engine.Definition, exec *engine.Execution) *DiagramModel {
	graph := def.Graph()

	var steps map[string]*engine.StepState
	if exec != nil {
		steps = exec.Snapshot().Steps
	}

	nodes := make([]*Node, 0, def.Len()+2)
	nodes = append(nodes, &Node{ID: startID, Label: "Start", Kind: NodeKindStart})
	for _, id := range graph.Order {
		step, _ := def.Step(id)
		label := step.Name
		if label == "" {
			label = step.ID
		}
		node := &Node{ID: step.ID, Label: label, Tool: step.Tool, Kind: toolKind(step.Tool)}
		if st, ok := steps[id]; ok {
			node.Status = overlay(st)
		}
		nodes = append(nodes, node)
	}
	nodes = append(nodes, &Node{ID: endID, Label: "End", Kind: NodeKindEnd})

	title := def.Name()
	if title == "" {
		title = def.ID()
	}
	return &DiagramModel{
		Title:  title,
		Nodes:  nodes,
		Edges:  buildEdges(graph),
		Levels: buildLevels(graph),
	}
}

// toolKind groups tools the way permissions do; thinking tools need none.
func toolKind(tool string) NodeKind {
	switch agent.RequiredCapability(tool) {
	case agent.CanReadDatabase, agent.CanWriteDatabase:
		return NodeKindDatabase
	case agent.CanSendEmail:
		return NodeKindEmail
	case agent.CanScrapeWeb:
		return NodeKindWeb
	}
	if strings.Contains(strings.ToLower(tool), "thinking") {
		return NodeKindThinking
	}
	return NodeKindTool
}

func overlay(st *engine.StepState) *StatusOverlay {
	o := &StatusOverlay{
		Status:     string(st.Status),
		RetryCount: st.RetryCount,
		Error:      st.Error,
	}
	if st.StartedAt != nil && st.CompletedAt != nil {
		o.DurationMs = st.CompletedAt.Sub(*st.StartedAt).Milliseconds()
	}
	return o
}

// buildEdges emits start → roots, dependency → dependent, and leaves → end,
// all in definition order.
func buildEdges(g *engine.Graph) []Edge {
	var edges []Edge
	for _, id := range g.Order {
		if len(g.Deps[id]) == 0 {
			edges = append(edges, Edge{From: startID, To: id})
		}
	}
	for _, id := range g.Order {
		for _, dep := range g.Deps[id] {
			edges = append(edges, Edge{From: dep, To: id})
		}
	}
	for _, id := range g.Order {
		if len(g.Dependents[id]) == 0 {
			edges = append(edges, Edge{From: id, To: endID})
		}
	}
	return edges
}

func buildLevels(g *engine.Graph) [][]string {
	levels := make([][]string, 0, len(g.Levels)+2)
	levels = append(levels, []string{startID})
	for _, l := range g.Levels {
		levels = append(levels, append([]string(nil), l...))
	}
	return append(levels, []string{endID})
}
