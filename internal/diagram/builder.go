package diagram

import (
	"fmt"

	"github.com/rendis/stepflow/pkg/schema"
)

// Build constructs a DiagramModel from a WorkflowDefinition. When results is
// non-nil each step node carries its recorded outcome.
//
// Edges follow the engine's routing: plain next, branch lists and condition
// branches become labeled edges, a fallback becomes an "on error" edge, and
// steps that can finish the workflow point at the virtual end node.
func Build(def *schema.WorkflowDefinition, results map[string]*schema.WorkflowStepResult) (*DiagramModel, error) {
	if def == nil {
		return nil, fmt.Errorf("diagram: nil definition")
	}
	if def.Step(def.EntryPoint) == nil {
		return nil, fmt.Errorf("diagram: entry point %q does not match any step", def.EntryPoint)
	}

	nodes := make([]*Node, 0, len(def.Steps)+2)
	nodes = append(nodes, &Node{ID: StartID, Label: "Start", Kind: NodeKindStart})

	edges := []Edge{{From: StartID, To: def.EntryPoint}}
	for i := range def.Steps {
		step := &def.Steps[i]
		node := stepToNode(step)
		overlayStatus(node, results[step.ID])
		buildChildren(node, step)
		nodes = append(nodes, node)
		edges = append(edges, stepEdges(step)...)
	}

	nodes = append(nodes, &Node{ID: EndID, Label: "End", Kind: NodeKindEnd})

	return &DiagramModel{
		Title: titleFromDef(def),
		Nodes: nodes,
		Edges: edges,
	}, nil
}

// stepEdges lists the transitions out of a top-level step.
func stepEdges(step *schema.WorkflowStep) []Edge {
	var edges []Edge

	switch {
	case step.Next == nil:
		edges = append(edges, Edge{From: step.ID, To: EndID})
	case step.Next.IsStep():
		edges = append(edges, Edge{From: step.ID, To: step.Next.StepID})
	default:
		// A condition step routes through its own branches; the list in
		// next only marks it as routing.
		branches := step.Next.Branches
		if step.Type == schema.StepTypeCondition && step.Config.Condition != nil {
			branches = step.Config.Condition.Branches
		}
		for _, b := range branches {
			edges = append(edges, Edge{From: step.ID, To: b.NextStep, Label: b.Condition})
		}
		edges = append(edges, Edge{From: step.ID, To: EndID, Label: "no match"})
	}

	if step.OnError != nil && step.OnError.Action == schema.OnErrorFallback && step.OnError.FallbackStep != "" {
		edges = append(edges, Edge{From: step.ID, To: step.OnError.FallbackStep, Label: "on error"})
	}
	return edges
}

func stepToNode(step *schema.WorkflowStep) *Node {
	return &Node{
		ID:    step.ID,
		Label: nodeLabel(step),
		Kind:  stepTypeToKind(step.Type),
	}
}

func stepTypeToKind(st schema.StepType) NodeKind {
	switch st {
	case schema.StepTypeToolCall:
		return NodeKindTool
	case schema.StepTypeCondition:
		return NodeKindCondition
	case schema.StepTypeTransform:
		return NodeKindTransform
	case schema.StepTypeHumanApproval:
		return NodeKindApproval
	case schema.StepTypeParallel:
		return NodeKindParallel
	case schema.StepTypeLoop:
		return NodeKindLoop
	default:
		return NodeKindAction
	}
}

// nodeLabel is the step id, followed on a second line by the action or tool
// it calls.
func nodeLabel(step *schema.WorkflowStep) string {
	cfg := step.Config
	switch {
	case cfg.AIAction != nil && cfg.AIAction.ActionID != "":
		return fmt.Sprintf("%s\n(%s)", step.ID, cfg.AIAction.ActionID)
	case cfg.ToolCall != nil && cfg.ToolCall.ToolName != "":
		return fmt.Sprintf("%s\n(%s)", step.ID, cfg.ToolCall.ToolName)
	default:
		return step.ID
	}
}

func overlayStatus(node *Node, res *schema.WorkflowStepResult) {
	if res == nil {
		return
	}
	overlay := &StatusOverlay{
		Status: string(res.Status),
		Error:  res.Error,
	}
	if res.CompletedAt != nil {
		overlay.DurationMs = res.CompletedAt.Sub(res.StartedAt).Milliseconds()
	}
	if res.Attempts > 1 {
		overlay.RetryCount = res.Attempts - 1
	}
	node.Status = overlay
}

// buildChildren adds a SubGraph per parallel branch or for a loop body.
func buildChildren(node *Node, step *schema.WorkflowStep) {
	switch {
	case step.Type == schema.StepTypeParallel && step.Config.Parallel != nil:
		for i, branch := range step.Config.Parallel.Branches {
			label := fmt.Sprintf("branch_%d", i)
			node.Children = append(node.Children, buildSubGraph(label, step.ID, label, branch))
		}
	case step.Type == schema.StepTypeLoop && step.Config.Loop != nil:
		if len(step.Config.Loop.Body) > 0 {
			node.Children = append(node.Children, buildSubGraph("body", step.ID, "body", step.Config.Loop.Body))
		}
	}
}

// buildSubGraph creates a SubGraph from a nested sequence. Sub-step IDs are
// qualified as parentID.namespace.subStepID. Nested results are not kept on
// the instance, so sub-nodes carry no status.
func buildSubGraph(label, parentID, namespace string, steps []schema.WorkflowStep) *SubGraph {
	sg := &SubGraph{Label: label}
	var prev string
	for i := range steps {
		sub := &steps[i]
		qualifiedID := fmt.Sprintf("%s.%s.%s", parentID, namespace, sub.ID)
		subNode := &Node{
			ID:    qualifiedID,
			Label: sub.ID + subLabelSuffix(sub),
			Kind:  stepTypeToKind(sub.Type),
		}
		sg.Nodes = append(sg.Nodes, subNode)

		if prev != "" {
			sg.Edges = append(sg.Edges, Edge{From: prev, To: qualifiedID})
		}
		prev = qualifiedID
	}
	return sg
}

func subLabelSuffix(step *schema.WorkflowStep) string {
	cfg := step.Config
	switch {
	case cfg.AIAction != nil && cfg.AIAction.ActionID != "":
		return fmt.Sprintf(" (%s)", cfg.AIAction.ActionID)
	case cfg.ToolCall != nil && cfg.ToolCall.ToolName != "":
		return fmt.Sprintf(" (%s)", cfg.ToolCall.ToolName)
	default:
		return ""
	}
}

func titleFromDef(def *schema.WorkflowDefinition) string {
	if def.Name != "" {
		return def.Name
	}
	if def.ID != "" {
		return def.ID
	}
	return "Workflow"
}
