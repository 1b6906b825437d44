package engine

import (
	"fmt"
	"sort"
	"strings"
)

// nodeColor is the DFS marking used for cycle detection.
type nodeColor int

const (
	colorUnvisited nodeColor = iota
	colorVisiting
	colorVisited
)

// Resolver orders workstreams from their dependency edges.
// It holds no state and is safe for concurrent use.
type Resolver struct{}

// NewResolver creates a new resolver.
func NewResolver() *Resolver {
	return &Resolver{}
}

// graph is the indexed form of a set of items and edges.
type graph struct {
	// ids lists item IDs in input order
	ids []string

	// position maps item IDs to their input index
	position map[string]int

	// items maps item IDs to their work items
	items map[string]*WorkItem

	// dependencies maps item IDs to the IDs they depend on, in input order
	dependencies map[string][]string

	// dependents maps item IDs to the IDs that depend on them, in input order
	dependents map[string][]string
}

// newGraph indexes items and validates edges. Duplicate edges are collapsed.
func newGraph(items []WorkItem, edges []DependencyEdge) (*graph, error) {
	g := &graph{
		ids:          make([]string, 0, len(items)),
		position:     make(map[string]int, len(items)),
		items:        make(map[string]*WorkItem, len(items)),
		dependencies: make(map[string][]string, len(items)),
		dependents:   make(map[string][]string, len(items)),
	}

	for i := range items {
		item := &items[i]
		if item.ID == "" {
			return nil, NewConfigurationError("workstream has empty ID", nil).
				WithCode(ErrCodeValidation)
		}
		if _, exists := g.position[item.ID]; exists {
			return nil, NewConfigurationError(fmt.Sprintf("duplicate workstream ID: %s", item.ID), nil).
				WithCode(ErrCodeValidation).WithResource(item.ID)
		}
		g.position[item.ID] = i
		g.items[item.ID] = item
		g.ids = append(g.ids, item.ID)
	}

	seen := make(map[DependencyEdge]bool, len(edges))
	for _, edge := range edges {
		if _, exists := g.position[edge.From]; !exists {
			return nil, &MissingDependencyError{Item: edge.To, Missing: edge.From}
		}
		if _, exists := g.position[edge.To]; !exists {
			return nil, &MissingDependencyError{Item: edge.From, Missing: edge.To}
		}
		if seen[edge] {
			continue
		}
		seen[edge] = true
		g.dependencies[edge.From] = append(g.dependencies[edge.From], edge.To)
		g.dependents[edge.To] = append(g.dependents[edge.To], edge.From)
	}

	// Input order gives the stable tie-break for traversal.
	for id := range g.dependencies {
		g.sortByPosition(g.dependencies[id])
	}
	for id := range g.dependents {
		g.sortByPosition(g.dependents[id])
	}

	return g, nil
}

func (g *graph) sortByPosition(ids []string) {
	sort.SliceStable(ids, func(i, j int) bool {
		return g.position[ids[i]] < g.position[ids[j]]
	})
}

// visit walks the dependencies of id depth-first and calls done for each node
// after all of its dependencies. An edge into a visiting node returns the cycle
// unwound from the current DFS stack.
func (g *graph) visit(id string, color map[string]nodeColor, stack []string, done func(string)) error {
	color[id] = colorVisiting
	stack = append(stack, id)

	for _, dep := range g.dependencies[id] {
		switch color[dep] {
		case colorUnvisited:
			if err := g.visit(dep, color, stack, done); err != nil {
				return err
			}
		case colorVisiting:
			return &CycleError{Cycle: closeCycle(stack, dep)}
		}
	}

	color[id] = colorVisited
	if done != nil {
		done(id)
	}
	return nil
}

// closeCycle returns the part of the stack starting at target, with target
// appended again so the cycle reads closed.
func closeCycle(stack []string, target string) []string {
	for i, id := range stack {
		if id == target {
			cycle := make([]string, 0, len(stack)-i+1)
			cycle = append(cycle, stack[i:]...)
			return append(cycle, target)
		}
	}
	return []string{target, target}
}

// order returns a topological order of every node, dependencies first.
func (g *graph) order() ([]string, error) {
	color := make(map[string]nodeColor, len(g.ids))
	order := make([]string, 0, len(g.ids))

	for _, id := range g.ids {
		if color[id] != colorUnvisited {
			continue
		}
		if err := g.visit(id, color, nil, func(n string) { order = append(order, n) }); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// levels groups nodes so that every node sits one level after its deepest
// dependency. Nodes within a level keep input order.
func (g *graph) levels() [][]string {
	inDegree := make(map[string]int, len(g.ids))
	for _, id := range g.ids {
		inDegree[id] = len(g.dependencies[id])
	}

	current := make([]string, 0)
	for _, id := range g.ids {
		if inDegree[id] == 0 {
			current = append(current, id)
		}
	}

	levels := make([][]string, 0)
	for len(current) > 0 {
		levels = append(levels, current)

		next := make([]string, 0)
		for _, id := range current {
			for _, dependent := range g.dependents[id] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		g.sortByPosition(next)
		current = next
	}
	return levels
}

// Resolve returns the workstream IDs in a valid execution order: every item
// appears after all the items it depends on. Items with no ordering constraint
// between them keep their input order, so repeated calls with the same input
// return the same order.
func (r *Resolver) Resolve(items []WorkItem, edges []DependencyEdge) ([]string, error) {
	g, err := newGraph(items, edges)
	if err != nil {
		return nil, err
	}
	return g.order()
}

// Levels returns the execution levels of the graph. Items on the same level
// have no dependency between them and can run in parallel.
func (r *Resolver) Levels(items []WorkItem, edges []DependencyEdge) ([][]string, error) {
	g, err := newGraph(items, edges)
	if err != nil {
		return nil, err
	}
	if _, err := g.order(); err != nil {
		return nil, err
	}
	return g.levels(), nil
}

// TraceSupersedeChain follows superseded-by pointers starting at id and returns
// the chain, starting with id and ending with the item that is not superseded.
func (r *Resolver) TraceSupersedeChain(items []WorkItem, id string) ([]string, error) {
	edges := make([]DependencyEdge, 0)
	for _, item := range items {
		if item.SupersededBy != "" {
			edges = append(edges, DependencyEdge{From: item.ID, To: item.SupersededBy})
		}
	}

	g, err := newGraph(items, edges)
	if err != nil {
		return nil, err
	}
	if _, exists := g.position[id]; !exists {
		return nil, NewConfigurationError(fmt.Sprintf("workstream %s not found", id), nil).
			WithCode(ErrCodeNotFound).WithResource(id)
	}

	chain := make([]string, 0)
	color := make(map[string]nodeColor, len(g.ids))
	if err := g.visit(id, color, nil, func(n string) { chain = append(chain, n) }); err != nil {
		return nil, err
	}

	// Post-order puts the replacement first; the chain reads from id onwards.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// Ready returns the items whose own status is backlog or in-progress and whose
// dependencies are all completed or superseded, matching how Execute treats
// them. Items keep input order. Dependencies that do not appear in items are
// treated as unsatisfied.
func Ready(items []WorkItem) []WorkItem {
	status := make(map[string]ItemStatus, len(items))
	for _, item := range items {
		status[item.ID] = item.Status
	}

	ready := make([]WorkItem, 0)
	for _, item := range items {
		if item.Status != ItemStatusBacklog && item.Status != ItemStatusInProgress {
			continue
		}
		satisfied := true
		for _, dep := range item.DependsOn {
			if status[dep] != ItemStatusCompleted && status[dep] != ItemStatusSuperseded {
				satisfied = false
				break
			}
		}
		if satisfied {
			ready = append(ready, item)
		}
	}
	return ready
}

// ToDOT generates a DOT format representation of the dependency graph for
// visualization. The output can be rendered with Graphviz tools.
func (r *Resolver) ToDOT(items []WorkItem, edges []DependencyEdge) (string, error) {
	g, err := newGraph(items, edges)
	if err != nil {
		return "", err
	}
	if _, err := g.order(); err != nil {
		return "", err
	}

	var sb strings.Builder

	sb.WriteString("digraph Workstreams {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, ids := range g.levels() {
		fmt.Fprintf(&sb, "  subgraph cluster_level_%d {\n", level)
		fmt.Fprintf(&sb, "    label=\"Level %d\";\n", level)
		sb.WriteString("    style=dashed;\n")

		for _, id := range ids {
			item := g.items[id]
			label := id
			if item.Tier != "" {
				label = fmt.Sprintf("%s\\n%s", id, item.Tier)
			}
			fmt.Fprintf(&sb, "    \"%s\" [label=\"%s\", fillcolor=\"%s\", style=\"filled,rounded\"];\n",
				id, label, statusColor(item.Status))
		}

		sb.WriteString("  }\n\n")
	}

	for _, id := range g.ids {
		for _, dep := range g.dependencies[id] {
			fmt.Fprintf(&sb, "  \"%s\" -> \"%s\";\n", dep, id)
		}
	}

	sb.WriteString("}\n")
	return sb.String(), nil
}

// statusColor returns a color for visualizing workstream status.
func statusColor(status ItemStatus) string {
	switch status {
	case ItemStatusCompleted:
		return "lightgreen"
	case ItemStatusInProgress:
		return "lightblue"
	case ItemStatusBlocked:
		return "lightcoral"
	case ItemStatusSuperseded:
		return "lightgray"
	default:
		return "white"
	}
}
