package graph

import (
	"sort"

	"github.com/jpicklyk/task-orchestrator/internal/types"
)

// Bottleneck is a node whose completion unblocks multiple others.
type Bottleneck struct {
	ID        string `json:"id"`
	OutDegree int    `json:"outDegree"`
}

// Analysis is the result of a full graph walk from a start item.
type Analysis struct {
	Start  string         `json:"start"`
	Nodes  []string       `json:"nodes"`
	Order  []string       `json:"order"`
	Depths map[string]int `json:"depths"`

	// CriticalPath is the longest chain through the start's subgraph,
	// root first.
	CriticalPath   []string     `json:"criticalPath"`
	Bottlenecks    []Bottleneck `json:"bottlenecks,omitempty"`
	ParallelGroups [][]string   `json:"parallelGroups,omitempty"`

	// CycleWarning is set when Kahn's algorithm could not consume every
	// node; the leftover nodes are appended so Order stays total.
	CycleWarning bool `json:"cycleWarning,omitempty"`
}

// Analyze discovers the subgraph reachable from start in the given
// direction, then computes ordering, depths, the critical path,
// bottlenecks, and parallelizable groups. A start with no edges yields
// the trivial single-node analysis.
func Analyze(start string, edges []*types.Dependency, dir types.DependencyDirection, typeFilter types.DependencyType) *Analysis {
	fwd := make(map[string][]string)
	rev := make(map[string][]string)
	for _, e := range edges {
		if typeFilter != "" && e.Type != typeFilter {
			continue
		}
		n := e.Normalized()
		fwd[n.FromItemID] = append(fwd[n.FromItemID], n.ToItemID)
		rev[n.ToItemID] = append(rev[n.ToItemID], n.FromItemID)
	}

	// BFS discovery.
	visited := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		var nexts []string
		switch dir {
		case types.DirOutgoing:
			nexts = fwd[node]
		case types.DirIncoming:
			nexts = rev[node]
		default:
			nexts = append(append([]string{}, fwd[node]...), rev[node]...)
		}
		for _, next := range nexts {
			if !visited[next] {
				visited[next] = true
				queue = append(queue, next)
			}
		}
	}

	// Restrict adjacency to the discovered subgraph, sorted for
	// deterministic output.
	nodes := make([]string, 0, len(visited))
	for node := range visited {
		nodes = append(nodes, node)
	}
	sort.Strings(nodes)
	subFwd := make(map[string][]string, len(nodes))
	subRev := make(map[string][]string, len(nodes))
	for _, node := range nodes {
		for _, next := range fwd[node] {
			if visited[next] {
				subFwd[node] = append(subFwd[node], next)
				subRev[next] = append(subRev[next], node)
			}
		}
	}
	for node := range subFwd {
		sort.Strings(subFwd[node])
	}
	for node := range subRev {
		sort.Strings(subRev[node])
	}

	a := &Analysis{Start: start, Nodes: nodes}
	a.topoOrder(subFwd)
	a.depthMap(subRev)
	a.criticalPath(subRev)
	a.bottlenecks(subFwd)
	a.parallelGroups(subFwd, subRev)
	return a
}

// topoOrder runs Kahn's algorithm. Leftover nodes mean a cycle; they
// are appended in id order so the order remains total.
func (a *Analysis) topoOrder(subFwd map[string][]string) {
	indeg := make(map[string]int, len(a.Nodes))
	for _, node := range a.Nodes {
		indeg[node] = 0
	}
	for _, nexts := range subFwd {
		for _, next := range nexts {
			indeg[next]++
		}
	}

	var ready []string
	for _, node := range a.Nodes {
		if indeg[node] == 0 {
			ready = append(ready, node)
		}
	}
	order := make([]string, 0, len(a.Nodes))
	for len(ready) > 0 {
		node := ready[0]
		ready = ready[1:]
		order = append(order, node)
		for _, next := range subFwd[node] {
			indeg[next]--
			if indeg[next] == 0 {
				ready = append(ready, next)
			}
		}
	}

	if len(order) < len(a.Nodes) {
		a.CycleWarning = true
		inOrder := make(map[string]bool, len(order))
		for _, node := range order {
			inOrder[node] = true
		}
		for _, node := range a.Nodes {
			if !inOrder[node] {
				order = append(order, node)
			}
		}
	}
	a.Order = order
}

// depthMap assigns each node the length of its longest predecessor
// chain, computed in topological order.
func (a *Analysis) depthMap(subRev map[string][]string) {
	depths := make(map[string]int, len(a.Order))
	for _, node := range a.Order {
		depth := 0
		for _, pred := range subRev[node] {
			if d, ok := depths[pred]; ok && d+1 > depth {
				depth = d + 1
			}
		}
		depths[node] = depth
	}
	a.Depths = depths
}

// criticalPath walks back from a deepest node via predecessors one
// level up until a root is reached.
func (a *Analysis) criticalPath(subRev map[string][]string) {
	if len(a.Nodes) == 0 {
		return
	}
	deepest := a.Nodes[0]
	for _, node := range a.Nodes {
		if a.Depths[node] > a.Depths[deepest] {
			deepest = node
		}
	}

	path := []string{deepest}
	current := deepest
	for a.Depths[current] > 0 {
		next := ""
		for _, pred := range subRev[current] {
			if a.Depths[pred] == a.Depths[current]-1 {
				next = pred
				break
			}
		}
		if next == "" {
			break
		}
		path = append(path, next)
		current = next
	}
	// Walked tail-to-root; flip to root-first.
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	a.CriticalPath = path
}

// bottlenecks lists nodes that gate two or more dependents, widest first.
func (a *Analysis) bottlenecks(subFwd map[string][]string) {
	for _, node := range a.Nodes {
		if deg := len(subFwd[node]); deg >= 2 {
			a.Bottlenecks = append(a.Bottlenecks, Bottleneck{ID: node, OutDegree: deg})
		}
	}
	sort.Slice(a.Bottlenecks, func(i, j int) bool {
		if a.Bottlenecks[i].OutDegree != a.Bottlenecks[j].OutDegree {
			return a.Bottlenecks[i].OutDegree > a.Bottlenecks[j].OutDegree
		}
		return a.Bottlenecks[i].ID < a.Bottlenecks[j].ID
	})
}

// parallelGroups finds, per depth level with two or more nodes, the
// subset with no edges among themselves. Those can run concurrently.
func (a *Analysis) parallelGroups(subFwd, subRev map[string][]string) {
	levels := make(map[int][]string)
	maxDepth := 0
	for _, node := range a.Nodes {
		d := a.Depths[node]
		levels[d] = append(levels[d], node)
		if d > maxDepth {
			maxDepth = d
		}
	}

	for depth := 0; depth <= maxDepth; depth++ {
		level := levels[depth]
		if len(level) < 2 {
			continue
		}
		inLevel := make(map[string]bool, len(level))
		for _, node := range level {
			inLevel[node] = true
		}
		var group []string
		for _, node := range level {
			linked := false
			for _, next := range subFwd[node] {
				if inLevel[next] {
					linked = true
					break
				}
			}
			for _, pred := range subRev[node] {
				if linked {
					break
				}
				if inLevel[pred] {
					linked = true
				}
			}
			if !linked {
				group = append(group, node)
			}
		}
		if len(group) >= 2 {
			sort.Strings(group)
			a.ParallelGroups = append(a.ParallelGroups, group)
		}
	}
}
