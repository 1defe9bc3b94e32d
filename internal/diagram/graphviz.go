package diagram

import (
	"bytes"
	"context"
	"fmt"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
)

// Format selects an output of RenderImage.
type Format string

const (
	FormatPNG Format = "png"
	FormatSVG Format = "svg"
	FormatDOT Format = "dot"
)

// RenderImage lays out the model with graphviz and returns the encoded image.
func RenderImage(ctx context.Context, model *DiagramModel, format Format) ([]byte, error) {
	var gvFormat graphviz.Format
	switch format {
	case FormatPNG, "":
		gvFormat = graphviz.PNG
	case FormatSVG:
		gvFormat = graphviz.SVG
	case FormatDOT:
		gvFormat = graphviz.XDOT
	default:
		return nil, fmt.Errorf("diagram: unsupported image format %q", format)
	}

	gv, err := graphviz.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("diagram: create graphviz: %w", err)
	}
	defer gv.Close()
	gv.SetLayout(graphviz.DOT)

	graph, err := gv.Graph()
	if err != nil {
		return nil, fmt.Errorf("diagram: create graph: %w", err)
	}
	defer graph.Close()

	graph.SetRankDir(cgraph.TBRank)
	if model.Title != "" {
		graph.SetLabel(model.Title)
	}

	gvNodes := make(map[string]*cgraph.Node, len(model.Nodes))
	for _, node := range model.Nodes {
		n, err := graph.CreateNodeByName(node.ID)
		if err != nil {
			return nil, fmt.Errorf("diagram: create node %s: %w", node.ID, err)
		}
		label := node.Label
		if node.Tool != "" {
			label += "\n" + node.Tool
		}
		n.SetLabel(label)
		applyNodeStyle(n, node)
		gvNodes[node.ID] = n
	}

	for _, edge := range model.Edges {
		from, to := gvNodes[edge.From], gvNodes[edge.To]
		if from == nil || to == nil {
			continue
		}
		if _, err := graph.CreateEdgeByName("", from, to); err != nil {
			return nil, fmt.Errorf("diagram: create edge %s -> %s: %w", edge.From, edge.To, err)
		}
	}

	var buf bytes.Buffer
	if err := gv.Render(ctx, graph, gvFormat, &buf); err != nil {
		return nil, fmt.Errorf("diagram: render %s: %w", format, err)
	}
	return buf.Bytes(), nil
}

// applyNodeStyle sets graphviz attributes from node kind and status.
func applyNodeStyle(n *cgraph.Node, node *Node) {
	switch node.Kind {
	case NodeKindThinking:
		n.SetShape(cgraph.HexagonShape)
	case NodeKindDatabase:
		n.SetShape(cgraph.CylinderShape)
	case NodeKindEmail:
		n.SetShape(cgraph.NoteShape)
	case NodeKindWeb:
		n.SetShape(cgraph.EllipseShape)
	case NodeKindStart, NodeKindEnd:
		n.SetShape(cgraph.CircleShape)
		n.SetWidth(0.5)
		n.SetHeight(0.5)
	default:
		n.SetShape(cgraph.BoxShape)
	}

	if node.Status == nil {
		return
	}
	n.SetStyle(cgraph.FilledNodeStyle)
	switch node.Status.Status {
	case "completed":
		n.SetFillColor("#2d6a2d")
		n.SetFontColor("white")
	case "failed":
		n.SetFillColor("#8b1a1a")
		n.SetFontColor("white")
	case "running":
		n.SetFillColor("#1a5276")
		n.SetFontColor("white")
	case "pending":
		n.SetFillColor("#d3d3d3")
		n.SetFontColor("black")
	case "skipped":
		n.SetFillColor("#e8e8e8")
		n.SetFontColor("#888888")
		n.SetStyle(cgraph.DashedNodeStyle)
	}
}
