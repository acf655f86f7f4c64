package diagram

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
)

var statusColors = map[string][2]string{
	"completed": {"#2d6a2d", "white"},
	"failed":    {"#8b1a1a", "white"},
	"running":   {"#1a5276", "white"},
}

// imageRenderer lays a DiagramModel out on a single graphviz graph. Nested
// nodes live in dashed clusters but share the node table with top-level nodes
// so edges can cross cluster boundaries.
type imageRenderer struct {
	graph *cgraph.Graph
	nodes map[string]*cgraph.Node
}

// RenderImage renders model as PNG bytes through graphviz's dot layout.
func RenderImage(model *DiagramModel) ([]byte, error) {
	ctx := context.Background()

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

	r := &imageRenderer{graph: graph, nodes: make(map[string]*cgraph.Node, len(model.Nodes))}
	for _, node := range model.Nodes {
		if err := r.addNode(graph, node); err != nil {
			return nil, err
		}
	}
	for _, node := range model.Nodes {
		for _, sg := range node.Children {
			if err := r.addCluster(node.ID, sg); err != nil {
				return nil, err
			}
		}
	}
	for _, edge := range model.Edges {
		r.addEdge(edge)
	}

	var buf bytes.Buffer
	if err := gv.Render(ctx, graph, graphviz.PNG, &buf); err != nil {
		return nil, fmt.Errorf("diagram: render png: %w", err)
	}
	return buf.Bytes(), nil
}

func (r *imageRenderer) addNode(parent *cgraph.Graph, node *Node) error {
	gvNode, err := parent.CreateNodeByName(node.ID)
	if err != nil {
		return fmt.Errorf("diagram: create node %s: %w", node.ID, err)
	}
	gvNode.SetLabel(imageLabel(node))
	setShape(gvNode, node.Kind)
	if node.Status != nil {
		if c, ok := statusColors[node.Status.Status]; ok {
			gvNode.SetStyle(cgraph.FilledNodeStyle)
			gvNode.SetFillColor(c[0])
			gvNode.SetFontColor(c[1])
		}
	}
	r.nodes[node.ID] = gvNode
	return nil
}

func (r *imageRenderer) addCluster(parentID string, sg *SubGraph) error {
	sub, err := r.graph.CreateSubGraphByName("cluster_" + parentID + "_" + sg.Label)
	if err != nil {
		return fmt.Errorf("diagram: create cluster %s/%s: %w", parentID, sg.Label, err)
	}
	sub.SetLabel(sg.Label)
	sub.SetStyle(cgraph.DashedGraphStyle)

	for _, n := range sg.Nodes {
		if err := r.addNode(sub, n); err != nil {
			return err
		}
	}
	for _, edge := range sg.Edges {
		r.addEdge(edge)
	}
	return nil
}

// addEdge connects two created nodes; edges to unknown nodes are skipped.
// Error and fallthrough edges are drawn differently from regular ones.
func (r *imageRenderer) addEdge(edge Edge) {
	from, to := r.nodes[edge.From], r.nodes[edge.To]
	if from == nil || to == nil {
		return
	}
	e, err := r.graph.CreateEdgeByName("", from, to)
	if err != nil {
		return
	}
	if edge.Label != "" {
		e.SetLabel(edge.Label)
	}
	switch edge.Label {
	case "on error":
		e.SetStyle(cgraph.DashedEdgeStyle)
		e.SetColor("#8b1a1a")
	case "no match":
		e.SetStyle(cgraph.DottedEdgeStyle)
	}
}

func setShape(n *cgraph.Node, kind NodeKind) {
	switch kind {
	case NodeKindCondition:
		n.SetShape(cgraph.DiamondShape)
	case NodeKindTransform:
		n.SetShape(cgraph.HexagonShape)
	case NodeKindApproval:
		n.SetShape(cgraph.EllipseShape)
	case NodeKindStart, NodeKindEnd:
		n.SetShape(cgraph.CircleShape)
		n.SetWidth(0.5)
		n.SetHeight(0.5)
	default:
		n.SetShape(cgraph.BoxShape)
	}
}

// imageLabel keeps the step id and appends timing and retries when the node
// carries a status.
func imageLabel(node *Node) string {
	label := firstLine(node.Label)
	if node.Status == nil {
		return label
	}
	var extra []string
	if node.Status.DurationMs > 0 {
		extra = append(extra, fmt.Sprintf("%dms", node.Status.DurationMs))
	}
	if node.Status.RetryCount > 0 {
		extra = append(extra, fmt.Sprintf("%d retries", node.Status.RetryCount))
	}
	if len(extra) == 0 {
		return label
	}
	return label + "\n" + strings.Join(extra, ", ")
}
