package reactor

import "sort"

// Graph is the validated, materialized form of a set of NodeDefinitions: an
// adjacency model plus a deterministic topological order. It is built once
// per GraphDefinition by NewGraph and reused across diffing and scheduling.
type Graph struct {
	nodes   map[string]*NodeDefinition
	order   []string            // insertion order, as declared
	outputs map[string][]string // nodeID -> ids of nodes that consume it
}

// NewGraph validates defs (duplicate ids, unknown inputs, cycles) and
// returns a Graph ready for topological iteration.
//
// Duplicate ids are rejected before unknown-input references, which are
// rejected before cycle detection, since a cyclic graph built on top of
// already-invalid node ids would produce a confusing cycle path.
func NewGraph(defs []NodeDefinition) (*Graph, error) {
	nodes := make(map[string]*NodeDefinition, len(defs))
	order := make([]string, 0, len(defs))
	for i := range defs {
		d := defs[i]
		if _, exists := nodes[d.ID]; exists {
			return nil, &DuplicateNodeIDError{NodeID: d.ID}
		}
		nodes[d.ID] = &d
		order = append(order, d.ID)
	}

	for _, id := range order {
		for _, in := range nodes[id].Inputs {
			if _, ok := nodes[in]; !ok {
				return nil, &UnknownInputError{NodeID: id, Input: in}
			}
		}
	}

	outputs := make(map[string][]string, len(nodes))
	for _, id := range order {
		for _, in := range nodes[id].Inputs {
			outputs[in] = append(outputs[in], id)
		}
	}

	g := &Graph{nodes: nodes, order: order, outputs: outputs}
	if path, ok := g.findCycle(); ok {
		return nil, &CycleError{Path: path}
	}
	return g, nil
}

// Node returns the definition for id, or nil if absent.
func (g *Graph) Node(id string) (*NodeDefinition, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// NodeIDs returns all node ids in declaration order.
func (g *Graph) NodeIDs() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// Outputs returns the ids of nodes that declare id as an input.
func (g *Graph) Outputs(id string) []string {
	return g.outputs[id]
}

// TopoOrder returns node ids in a valid topological order (inputs before
// the nodes that consume them), using Kahn's algorithm with ties broken by
// declaration order so repeated calls on an unchanged graph are stable.
func (g *Graph) TopoOrder() []string {
	indegree := make(map[string]int, len(g.nodes))
	for id := range g.nodes {
		indegree[id] = 0
	}
	for _, id := range g.order {
		for range g.nodes[id].Inputs {
			indegree[id]++
		}
	}

	// A slice kept sorted by declaration index doubles as a
	// deterministic priority queue: at each step we pick the
	// lowest-declaration-index zero-indegree node.
	declIndex := make(map[string]int, len(g.order))
	for i, id := range g.order {
		declIndex[id] = i
	}

	ready := make([]string, 0, len(g.nodes))
	for _, id := range g.order {
		if indegree[id] == 0 {
			ready = append(ready, id)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return declIndex[ready[i]] < declIndex[ready[j]] })

	result := make([]string, 0, len(g.nodes))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		result = append(result, id)

		next := make([]string, 0)
		for _, out := range g.outputs[id] {
			indegree[out]--
			if indegree[out] == 0 {
				next = append(next, out)
			}
		}
		if len(next) == 0 {
			continue
		}
		sort.Slice(next, func(i, j int) bool { return declIndex[next[i]] < declIndex[next[j]] })
		ready = mergeSortedByDecl(ready, next, declIndex)
	}
	return result
}

func mergeSortedByDecl(a, b []string, declIndex map[string]int) []string {
	out := make([]string, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if declIndex[a[i]] <= declIndex[b[j]] {
			out = append(out, a[i])
			i++
		} else {
			out = append(out, b[j])
			j++
		}
	}
	out = append(out, a[i:]...)
	out = append(out, b[j:]...)
	return out
}

// findCycle runs a DFS coloring search for a cycle, returning the cycle
// path (start and end on the same node id) if one exists.
func (g *Graph) findCycle() ([]string, bool) {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.nodes))
	stack := make([]string, 0, len(g.nodes))

	var visit func(id string) ([]string, bool)
	visit = func(id string) ([]string, bool) {
		color[id] = gray
		stack = append(stack, id)
		for _, in := range g.nodes[id].Inputs {
			switch color[in] {
			case white:
				if path, found := visit(in); found {
					return path, true
				}
			case gray:
				// Found a back-edge to an ancestor: build the cycle path
				// from where 'in' appears in stack through to id.
				for i, s := range stack {
					if s == in {
						path := append([]string{}, stack[i:]...)
						path = append(path, in)
						return path, true
					}
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return nil, false
	}

	for _, id := range g.order {
		if color[id] == white {
			if path, found := visit(id); found {
				return path, true
			}
		}
	}
	return nil, false
}

// DiffKind categorizes how a node definition changed between two graph
// generations, used by update_graph to decide what to re-run.
type DiffKind int

const (
	DiffAdded DiffKind = iota
	DiffRemoved
	DiffReplaced
	DiffConfigChanged
)

func (k DiffKind) String() string {
	switch k {
	case DiffAdded:
		return "added"
	case DiffRemoved:
		return "removed"
	case DiffReplaced:
		return "replaced"
	case DiffConfigChanged:
		return "config_changed"
	default:
		return "unknown"
	}
}

// NodeDiff describes one node's change between two graph generations.
type NodeDiff struct {
	NodeID string
	Kind   DiffKind
}

// DiffGraphs compares the node sets of prev and next, classifying each
// changed id. A node present in both with an identical plugin id and input
// list but a different Config is DiffConfigChanged; a changed plugin id or
// input list is DiffReplaced (a config_changed node does not need its
// upstream subgraph re-validated, but a replaced node does, matching the
// scheduler's "recompute only what changed" contract).
func DiffGraphs(prev, next *Graph) []NodeDiff {
	var diffs []NodeDiff
	seen := make(map[string]bool, len(next.nodes))

	for _, id := range next.order {
		seen[id] = true
		nd := next.nodes[id]
		pd, existed := prev.nodes[id]
		if !existed {
			diffs = append(diffs, NodeDiff{NodeID: id, Kind: DiffAdded})
			continue
		}
		if pd.PluginID != nd.PluginID || !stringsEqual(pd.Inputs, nd.Inputs) {
			diffs = append(diffs, NodeDiff{NodeID: id, Kind: DiffReplaced})
			continue
		}
		if !configEqual(pd.Config, nd.Config) {
			diffs = append(diffs, NodeDiff{NodeID: id, Kind: DiffConfigChanged})
		}
	}
	for _, id := range prev.order {
		if !seen[id] {
			diffs = append(diffs, NodeDiff{NodeID: id, Kind: DiffRemoved})
		}
	}
	return diffs
}

func stringsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func configEqual(a, b map[string]any) bool {
	v1 := DataValue(a)
	v2 := DataValue(b)
	return v1.Equal(v2)
}
