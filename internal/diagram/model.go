package diagram

// NodeKind classifies a diagram node by the kind of tool its step calls.
type NodeKind string

const (
	NodeKindTool     NodeKind = "tool"
	NodeKindDatabase NodeKind = "database"
	NodeKindThinking NodeKind = "thinking"
	NodeKindEmail    NodeKind = "email"
	NodeKindWeb      NodeKind = "web"
	NodeKindStart    NodeKind = "start"
	NodeKindEnd      NodeKind = "end"
)

const (
	startID = "__start__"
	endID   = "__end__"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string
}

// Node represents a single step in the diagram.
type Node struct {
	ID     string
	Label  string
	Tool   string
	Kind   NodeKind
	Status *StatusOverlay
}

// StatusOverlay carries runtime state for a node.
type StatusOverlay struct {
	Status     string // from schema.StepStatus
	DurationMs int64
	RetryCount int
	Error      string
}

// Edge runs from a dependency to its dependent.
type Edge struct {
	From string
	To   string
}

func (m *DiagramModel) node(id string) *Node {
	for _, n := range m.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}
