package diagram

import (
	"fmt"

	"github.com/bizportal/flowd/pkg/schema"
)

// Build constructs a Model from a definition. inst and records are optional;
// when given, each node carries the state of its latest visit.
func Build(def *schema.WorkflowDefinition, inst *schema.WorkflowInstance, records []*schema.StepExecutionRecord) *Model {
	nodes := make([]*Node, 0, len(def.Steps)+2)
	nodes = append(nodes, &Node{ID: StartID, Label: "Start", Kind: NodeKindStart})
	for i := range def.Steps {
		step := &def.Steps[i]
		nodes = append(nodes, &Node{ID: step.ID, Label: nodeLabel(step), Kind: NodeKind(step.Type)})
	}
	nodes = append(nodes, &Node{ID: EndID, Label: "End", Kind: NodeKindEnd})

	overlay(nodes, inst, records)

	edges := buildEdges(def)
	return &Model{
		Title:  titleFromDef(def),
		Nodes:  nodes,
		Edges:  edges,
		Levels: buildLevels(def, edges),
	}
}

// nodeLabel names the step and, for invoking steps, what it invokes.
func nodeLabel(step *schema.WorkflowStep) string {
	name := step.ID
	if step.Name != "" {
		name = step.Name
	}
	var target string
	switch step.Type {
	case schema.StepAction:
		target = step.ConfigString(schema.ConfigAction)
	case schema.StepIntegration:
		target = step.ConfigString(schema.ConfigSystem)
		if op := step.ConfigString(schema.ConfigOperation); op != "" {
			target += "." + op
		}
	case schema.StepNotification:
		target = step.ConfigString(schema.ConfigTemplate)
	}
	if target == "" {
		return name
	}
	return fmt.Sprintf("%s (%s)", name, target)
}

// overlay applies the latest record per step, then live cursors, which win.
func overlay(nodes []*Node, inst *schema.WorkflowInstance, records []*schema.StepExecutionRecord) {
	if inst == nil && len(records) == 0 {
		return
	}
	byID := make(map[string]*Node, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
	}

	for _, rec := range records {
		n, ok := byID[rec.StepID]
		if !ok {
			continue
		}
		if n.Status != nil && n.Status.Attempts > rec.Attempt {
			continue
		}
		st := &StatusOverlay{Status: StatusCompleted, Attempts: rec.Attempt}
		if rec.Outcome != schema.OutcomeSuccess {
			st.Status = StatusFailed
			st.Error = rec.Error
		}
		n.Status = st
	}

	if inst == nil {
		return
	}
	for _, c := range inst.Cursors {
		n, ok := byID[c.StepID]
		if !ok || c.State == schema.CursorDone {
			continue
		}
		st := &StatusOverlay{Attempts: c.Attempt}
		switch c.State {
		case schema.CursorExecuting:
			st.Status = StatusRunning
		case schema.CursorWaiting:
			st.Status = StatusWaiting
			st.WaitKind = c.WaitKind
		default:
			st.Status = StatusPending
		}
		if n.Status != nil && st.Attempts < n.Status.Attempts {
			st.Attempts = n.Status.Attempts
		}
		n.Status = st
	}
}

// buildEdges labels each transition by the rule that takes it. Terminal
// steps lead to the end node.
func buildEdges(def *schema.WorkflowDefinition) []Edge {
	var edges []Edge
	if first, ok := def.FirstStep(); ok {
		edges = append(edges, Edge{From: StartID, To: first.ID})
	}

	for i := range def.Steps {
		step := &def.Steps[i]
		labelled := make(map[string]bool)
		add := func(to, label string) {
			if to == "" || labelled[to] {
				return
			}
			labelled[to] = true
			edges = append(edges, Edge{From: step.ID, To: to, Label: label})
		}

		for _, c := range step.Conditions {
			add(c.NextStep, conditionLabel(c))
		}
		if step.Type == schema.StepApproval {
			add(step.ConfigString(schema.ConfigOnApprove), "approved")
			add(step.ConfigString(schema.ConfigOnReject), "rejected")
		}
		add(step.ConfigString(schema.ConfigDefault), "default")
		for _, next := range step.NextSteps {
			add(next, "")
		}
		if step.Terminal() {
			edges = append(edges, Edge{From: step.ID, To: EndID})
		}
	}
	return edges
}

func conditionLabel(c schema.WorkflowCondition) string {
	return fmt.Sprintf("%s %s %v", c.Field, c.Operator, c.Value)
}

// buildLevels groups nodes by shortest distance from the start node. Steps
// unreachable from the first step form a final level before the end node.
func buildLevels(def *schema.WorkflowDefinition, edges []Edge) [][]string {
	adj := make(map[string][]string)
	for _, e := range edges {
		if e.To != EndID {
			adj[e.From] = append(adj[e.From], e.To)
		}
	}

	seen := map[string]bool{StartID: true}
	levels := [][]string{{StartID}}
	frontier := []string{StartID}
	for len(frontier) > 0 {
		var next []string
		for _, id := range frontier {
			for _, to := range adj[id] {
				if !seen[to] {
					seen[to] = true
					next = append(next, to)
				}
			}
		}
		if len(next) > 0 {
			levels = append(levels, next)
		}
		frontier = next
	}

	var orphans []string
	for i := range def.Steps {
		if !seen[def.Steps[i].ID] {
			orphans = append(orphans, def.Steps[i].ID)
		}
	}
	if len(orphans) > 0 {
		levels = append(levels, orphans)
	}
	return append(levels, []string{EndID})
}

// titleFromDef generates a diagram title from workflow metadata.
func titleFromDef(def *schema.WorkflowDefinition) string {
	title := def.Name
	if title == "" {
		title = def.ID
	}
	if def.Version > 0 {
		title = fmt.Sprintf("%s v%d", title, def.Version)
	}
	return title
}
