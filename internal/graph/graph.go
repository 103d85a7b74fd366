// Package graph tracks task-to-task finish-to-start dependencies: whether a
// task is ready to run, a deterministic topological order, cycle detection,
// and the critical path through the known tasks. It owns no concurrency of
// its own — the Task Engine serializes all calls onto its single worker
// goroutine (see internal/taskengine), matching the no-global-lock,
// actor-owned-state model.
package graph

import (
	"fmt"
	"sort"
	"time"

	"github.com/basket/agentcore/internal/shared"
)

// Node is one task's position in the dependency graph.
type Node struct {
	ID           string
	Dependencies map[string]struct{}
	Dependents   map[string]struct{}
	Completed    bool

	// Tie-break fields, mirrored from the owning task record so topoSort and
	// ready-dependent ordering don't need a second lookup.
	Priority  int
	CreatedAt time.Time
	Timeout   time.Duration
}

// Graph is the dependency graph for the whole task population known to one
// Task Engine instance.
type Graph struct {
	nodes map[string]*Node
}

func New() *Graph {
	return &Graph{nodes: make(map[string]*Node)}
}

// Add registers a task with the given dependency ids. Every dependency must
// already be known; adding edges that would introduce a cycle is rejected
// and the graph is left unchanged.
func (g *Graph) Add(id string, deps []string, priority int, createdAt time.Time, timeout time.Duration) error {
	if id == "" {
		return shared.NewInvalidInput("graph.add", fmt.Errorf("empty task id"), nil)
	}
	if _, exists := g.nodes[id]; exists {
		return shared.NewInvalidInput("graph.add", fmt.Errorf("task %s already present", id), map[string]any{"task_id": id})
	}
	for _, d := range deps {
		if _, ok := g.nodes[d]; !ok {
			return shared.NewInvalidInput("graph.add", fmt.Errorf("unknown dependency %s", d), map[string]any{"task_id": id, "dependency_id": d})
		}
	}

	n := &Node{
		ID:           id,
		Dependencies: make(map[string]struct{}, len(deps)),
		Dependents:   make(map[string]struct{}),
		Priority:     priority,
		CreatedAt:    createdAt,
		Timeout:      timeout,
	}
	for _, d := range deps {
		n.Dependencies[d] = struct{}{}
	}

	// Provisionally wire the node in, then check for cycles; roll back on
	// failure so a rejected add never mutates the graph.
	g.nodes[id] = n
	for _, d := range deps {
		g.nodes[d].Dependents[id] = struct{}{}
	}
	if cycles := g.DetectCycles(); len(cycles) > 0 {
		for _, d := range deps {
			delete(g.nodes[d].Dependents, id)
		}
		delete(g.nodes, id)
		return shared.NewInvalidInput("graph.add", fmt.Errorf("adding %s would create a cycle", id), map[string]any{"task_id": id, "cycles": cycles})
	}
	return nil
}

// IsReady reports whether every dependency of id is completed.
func (g *Graph) IsReady(id string) (bool, error) {
	n, ok := g.nodes[id]
	if !ok {
		return false, shared.NewNotFound("graph.is_ready", fmt.Errorf("unknown task %s", id), map[string]any{"task_id": id})
	}
	for d := range n.Dependencies {
		if dep, ok := g.nodes[d]; !ok || !dep.Completed {
			return false, nil
		}
	}
	return true, nil
}

// MarkCompleted marks id completed and returns the dependents that became
// ready as a result, ordered by (priority desc, created-at asc, id asc).
func (g *Graph) MarkCompleted(id string) ([]string, error) {
	n, ok := g.nodes[id]
	if !ok {
		return nil, shared.NewNotFound("graph.mark_completed", fmt.Errorf("unknown task %s", id), map[string]any{"task_id": id})
	}
	n.Completed = true

	var ready []string
	for dependentID := range n.Dependents {
		ok, err := g.IsReady(dependentID)
		if err != nil || !ok {
			continue
		}
		ready = append(ready, dependentID)
	}
	g.sortByTieBreak(ready)
	return ready, nil
}

func (g *Graph) sortByTieBreak(ids []string) {
	sort.Slice(ids, func(i, j int) bool {
		a, b := g.nodes[ids[i]], g.nodes[ids[j]]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// TopologicalSort returns a total order consistent with dependency edges.
// Ties are broken deterministically by task id.
func (g *Graph) TopologicalSort() ([]string, error) {
	inDegree := make(map[string]int, len(g.nodes))
	for id, n := range g.nodes {
		inDegree[id] = len(n.Dependencies)
	}

	var order []string
	remaining := len(g.nodes)
	for remaining > 0 {
		var frontier []string
		for id, deg := range inDegree {
			if deg == 0 {
				frontier = append(frontier, id)
			}
		}
		if len(frontier) == 0 {
			return nil, shared.NewInvalidInput("graph.topological_sort", fmt.Errorf("cycle detected"), nil)
		}
		sort.Strings(frontier)
		for _, id := range frontier {
			order = append(order, id)
			delete(inDegree, id)
			remaining--
			for dependent := range g.nodes[id].Dependents {
				if _, ok := inDegree[dependent]; ok {
					inDegree[dependent]--
				}
			}
		}
	}
	return order, nil
}

// DetectCycles returns every cycle among non-completed nodes, each expressed
// as the ordered list of task ids on the cycle. It always runs in full (not
// short-circuited on the first cycle found) because recovery paths may
// reintroduce multiple independent cycles.
func (g *Graph) DetectCycles() [][]string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.nodes))
	var cycles [][]string

	var ids []string
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var stack []string
	var visit func(id string)
	visit = func(id string) {
		if g.nodes[id].Completed {
			color[id] = black
			return
		}
		color[id] = gray
		stack = append(stack, id)

		var deps []string
		for d := range g.nodes[id].Dependents {
			deps = append(deps, d)
		}
		sort.Strings(deps)
		for _, next := range deps {
			switch color[next] {
			case white:
				visit(next)
			case gray:
				// Found a back-edge: extract the cycle portion of the stack.
				for i, s := range stack {
					if s == next {
						cycle := append([]string(nil), stack[i:]...)
						cycle = append(cycle, next)
						cycles = append(cycles, cycle)
						break
					}
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
	}

	for _, id := range ids {
		if color[id] == white {
			visit(id)
		}
	}
	return cycles
}

// CriticalPath returns the longest path by cumulative task timeout, starting
// from any root (no dependencies) node.
func (g *Graph) CriticalPath() []string {
	memo := make(map[string][]string)
	var longest func(id string) []string
	longest = func(id string) []string {
		if path, ok := memo[id]; ok {
			return path
		}
		var best []string
		var bestWeight time.Duration
		var dependents []string
		for d := range g.nodes[id].Dependents {
			dependents = append(dependents, d)
		}
		sort.Strings(dependents)
		for _, d := range dependents {
			sub := longest(d)
			w := pathWeight(g, sub)
			if w > bestWeight {
				best = sub
				bestWeight = w
			}
		}
		path := append([]string{id}, best...)
		memo[id] = path
		return path
	}

	var roots []string
	for id, n := range g.nodes {
		if len(n.Dependencies) == 0 {
			roots = append(roots, id)
		}
	}
	sort.Strings(roots)

	var best []string
	var bestWeight time.Duration
	for _, r := range roots {
		p := longest(r)
		w := pathWeight(g, p)
		if w >= bestWeight {
			best = p
			bestWeight = w
		}
	}
	return best
}

func pathWeight(g *Graph, path []string) time.Duration {
	var total time.Duration
	for _, id := range path {
		total += g.nodes[id].Timeout
	}
	return total
}

// ToDot exports the graph as a Graphviz DOT document for diagnostics.
func (g *Graph) ToDot() string {
	out := "digraph dependencies {\n"
	var ids []string
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		n := g.nodes[id]
		shape := "box"
		if n.Completed {
			shape = "box,style=filled"
		}
		out += fmt.Sprintf("  %q [shape=%s];\n", id, shape)
	}
	for _, id := range ids {
		var deps []string
		for d := range g.nodes[id].Dependencies {
			deps = append(deps, d)
		}
		sort.Strings(deps)
		for _, d := range deps {
			out += fmt.Sprintf("  %q -> %q;\n", d, id)
		}
	}
	out += "}\n"
	return out
}

// Node looks up a node by id for callers that need raw access (e.g. the
// task engine rehydrating state after a crash).
func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Remove deletes a node and unwires it from any dependents' dependency set.
// Used by retention cleanup once a task passes its retention window.
func (g *Graph) Remove(id string) {
	n, ok := g.nodes[id]
	if !ok {
		return
	}
	for d := range n.Dependents {
		if dn, ok := g.nodes[d]; ok {
			delete(dn.Dependencies, id)
		}
	}
	for d := range n.Dependencies {
		if dn, ok := g.nodes[d]; ok {
			delete(dn.Dependents, id)
		}
	}
	delete(g.nodes, id)
}
