package validation

import (
	"fmt"
	"sort"
	"strings"

	"github.com/bizportal/flowd/pkg/schema"
)

// stepGraph is the nextSteps adjacency of a definition, restricted to known ids.
type stepGraph struct {
	order []string
	steps map[string]*schema.WorkflowStep
	out   map[string][]string
	in    map[string][]string
}

func newStepGraph(def *schema.WorkflowDefinition) *stepGraph {
	g := &stepGraph{
		steps: make(map[string]*schema.WorkflowStep, len(def.Steps)),
		out:   make(map[string][]string, len(def.Steps)),
		in:    make(map[string][]string, len(def.Steps)),
	}
	for i := range def.Steps {
		s := &def.Steps[i]
		if _, dup := g.steps[s.ID]; dup {
			continue
		}
		g.order = append(g.order, s.ID)
		g.steps[s.ID] = s
	}
	for _, id := range g.order {
		seen := make(map[string]bool)
		for _, next := range g.steps[id].NextSteps {
			if _, ok := g.steps[next]; !ok || seen[next] {
				continue
			}
			seen[next] = true
			g.out[id] = append(g.out[id], next)
			g.in[next] = append(g.in[next], id)
		}
	}
	return g
}

// validateGraph checks that every instance can terminate:
//   - all steps reachable from the first step can reach a terminal step;
//   - every cycle contains a branching step with an edge leaving the cycle.
//
// Unreachable steps are reported as warnings.
func validateGraph(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	g := newStepGraph(def)
	if len(g.order) == 0 {
		return result
	}

	reachable := g.walk([]string{g.order[0]}, g.out)

	var terminals []string
	for _, id := range g.order {
		if len(g.steps[id].NextSteps) == 0 {
			terminals = append(terminals, id)
		}
	}
	canFinish := g.walk(terminals, g.in)

	for _, id := range g.order {
		path := fmt.Sprintf("steps[%s]", id)
		switch {
		case !reachable[id]:
			result.AddWarning(path, schema.IssueUnreachable, fmt.Sprintf("step %q is unreachable from the first step", id))
		case !canFinish[id]:
			result.AddError(path, schema.IssueNoTermination, fmt.Sprintf("step %q has no path to a terminal step", id))
		}
	}

	for _, scc := range g.cycles() {
		if !reachable[scc[0]] || g.hasExit(scc) {
			continue
		}
		result.AddError("steps", schema.IssueNoTermination,
			fmt.Sprintf("cycle [%s] has no condition or approval step that can leave it", strings.Join(scc, ", ")))
	}
	return result
}

func (g *stepGraph) walk(roots []string, edges map[string][]string) map[string]bool {
	seen := make(map[string]bool, len(g.order))
	queue := append([]string(nil), roots...)
	for _, r := range roots {
		seen[r] = true
	}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		for _, m := range edges[n] {
			if !seen[m] {
				seen[m] = true
				queue = append(queue, m)
			}
		}
	}
	return seen
}

// hasExit reports whether a branching member of the component has an edge
// to a step outside it. Non-branching steps fan out to every next step, so
// their exits never stop the loop.
func (g *stepGraph) hasExit(scc []string) bool {
	members := make(map[string]bool, len(scc))
	for _, id := range scc {
		members[id] = true
	}
	for _, id := range scc {
		switch g.steps[id].Type {
		case schema.StepCondition, schema.StepApproval:
		default:
			continue
		}
		for _, next := range g.out[id] {
			if !members[next] {
				return true
			}
		}
	}
	return false
}

// cycles returns the strongly connected components that contain a cycle
// (more than one member, or a self-loop), each sorted for stable output.
func (g *stepGraph) cycles() [][]string {
	t := &tarjan{g: g, index: map[string]int{}, low: map[string]int{}, onStack: map[string]bool{}}
	for _, id := range g.order {
		if _, visited := t.index[id]; !visited {
			t.connect(id)
		}
	}

	var out [][]string
	for _, scc := range t.components {
		if len(scc) == 1 && !g.selfLoop(scc[0]) {
			continue
		}
		sort.Strings(scc)
		out = append(out, scc)
	}
	return out
}

func (g *stepGraph) selfLoop(id string) bool {
	for _, next := range g.out[id] {
		if next == id {
			return true
		}
	}
	return false
}

type tarjan struct {
	g          *stepGraph
	counter    int
	index      map[string]int
	low        map[string]int
	stack      []string
	onStack    map[string]bool
	components [][]string
}

func (t *tarjan) connect(v string) {
	t.index[v] = t.counter
	t.low[v] = t.counter
	t.counter++
	t.stack = append(t.stack, v)
	t.onStack[v] = true

	for _, w := range t.g.out[v] {
		if _, visited := t.index[w]; !visited {
			t.connect(w)
			t.low[v] = min(t.low[v], t.low[w])
		} else if t.onStack[w] {
			t.low[v] = min(t.low[v], t.index[w])
		}
	}

	if t.low[v] != t.index[v] {
		return
	}
	var scc []string
	for {
		w := t.stack[len(t.stack)-1]
		t.stack = t.stack[:len(t.stack)-1]
		t.onStack[w] = false
		scc = append(scc, w)
		if w == v {
			break
		}
	}
	t.components = append(t.components, scc)
}
