package graph

import (
	"fmt"
	"testing"

	"pgregory.net/rapid"

	"github.com/jpicklyk/task-orchestrator/internal/types"
)

func TestAnalyzeDiamond(t *testing.T) {
	edges := []*types.Dependency{
		blocks("a", "b"), blocks("a", "c"), blocks("b", "d"), blocks("c", "d"),
	}
	a := Analyze("a", edges, types.DirOutgoing, "")

	if len(a.Nodes) != 4 {
		t.Fatalf("expected 4 nodes, got %v", a.Nodes)
	}
	if a.CycleWarning {
		t.Error("diamond is acyclic")
	}
	pos := make(map[string]int, len(a.Order))
	for i, node := range a.Order {
		pos[node] = i
	}
	for _, e := range edges {
		if pos[e.FromItemID] >= pos[e.ToItemID] {
			t.Errorf("order violates edge %s -> %s: %v", e.FromItemID, e.ToItemID, a.Order)
		}
	}

	wantDepths := map[string]int{"a": 0, "b": 1, "c": 1, "d": 2}
	for node, want := range wantDepths {
		if a.Depths[node] != want {
			t.Errorf("depth[%s] = %d, want %d", node, a.Depths[node], want)
		}
	}

	if len(a.CriticalPath) != 3 || a.CriticalPath[0] != "a" || a.CriticalPath[2] != "d" {
		t.Errorf("critical path = %v, want a chain from a to d", a.CriticalPath)
	}

	if len(a.Bottlenecks) != 1 || a.Bottlenecks[0].ID != "a" || a.Bottlenecks[0].OutDegree != 2 {
		t.Errorf("bottlenecks = %+v, want just a with out-degree 2", a.Bottlenecks)
	}

	if len(a.ParallelGroups) != 1 || len(a.ParallelGroups[0]) != 2 {
		t.Fatalf("parallel groups = %v, want [[b c]]", a.ParallelGroups)
	}
	if a.ParallelGroups[0][0] != "b" || a.ParallelGroups[0][1] != "c" {
		t.Errorf("parallel group = %v, want [b c]", a.ParallelGroups[0])
	}
}

func TestAnalyzeSingleton(t *testing.T) {
	a := Analyze("solo", nil, types.DirAll, "")
	if len(a.Nodes) != 1 || a.Nodes[0] != "solo" {
		t.Fatalf("nodes = %v, want [solo]", a.Nodes)
	}
	if len(a.Order) != 1 || a.Depths["solo"] != 0 {
		t.Errorf("order = %v depths = %v, want trivial result", a.Order, a.Depths)
	}
	if len(a.CriticalPath) != 1 || a.CriticalPath[0] != "solo" {
		t.Errorf("critical path = %v, want [solo]", a.CriticalPath)
	}
	if len(a.Bottlenecks) != 0 || len(a.ParallelGroups) != 0 {
		t.Error("singleton has no bottlenecks or parallel groups")
	}
}

func TestAnalyzeDirection(t *testing.T) {
	edges := []*types.Dependency{blocks("a", "b"), blocks("c", "a")}

	out := Analyze("a", edges, types.DirOutgoing, "")
	if len(out.Nodes) != 2 || out.Nodes[0] != "a" || out.Nodes[1] != "b" {
		t.Errorf("outgoing nodes = %v, want [a b]", out.Nodes)
	}

	in := Analyze("a", edges, types.DirIncoming, "")
	if len(in.Nodes) != 2 || in.Nodes[1] != "c" {
		t.Errorf("incoming nodes = %v, want [a c]", in.Nodes)
	}

	all := Analyze("a", edges, types.DirAll, "")
	if len(all.Nodes) != 3 {
		t.Errorf("all nodes = %v, want the full chain", all.Nodes)
	}
}

func TestAnalyzeTypeFilter(t *testing.T) {
	edges := []*types.Dependency{
		blocks("a", "b"),
		{FromItemID: "a", ToItemID: "c", Type: types.DepRelatesTo},
	}
	a := Analyze("a", edges, types.DirAll, types.DepBlocks)
	if len(a.Nodes) != 2 || a.Nodes[1] != "b" {
		t.Errorf("filtered nodes = %v, want [a b]", a.Nodes)
	}
}

// Analysis tolerates cycles that predate validation (e.g. data imported
// from elsewhere): the order remains total and the warning is set.
func TestAnalyzeCycleWarning(t *testing.T) {
	edges := []*types.Dependency{blocks("a", "b"), blocks("b", "c"), blocks("c", "a")}
	a := Analyze("a", edges, types.DirAll, "")
	if !a.CycleWarning {
		t.Error("expected cycle warning")
	}
	if len(a.Order) != 3 {
		t.Errorf("order must stay total under cycles, got %v", a.Order)
	}
}

// Random DAGs (edges always point from lower to higher index) must
// analyze without cycle warnings, with a valid topological order and
// consistent depths.
func TestAnalyzeRandomDAG(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(2, 8).Draw(t, "nodes")
		var edges []*types.Dependency
		for i := 0; i < n; i++ {
			for j := i + 1; j < n; j++ {
				if rapid.Bool().Draw(t, fmt.Sprintf("edge_%d_%d", i, j)) {
					edges = append(edges, blocks(node(i), node(j)))
				}
			}
		}

		a := Analyze(node(0), edges, types.DirAll, "")
		if a.CycleWarning {
			t.Fatalf("DAG produced cycle warning: %v", a.Order)
		}
		pos := make(map[string]int, len(a.Order))
		for i, id := range a.Order {
			pos[id] = i
		}
		discovered := make(map[string]bool, len(a.Nodes))
		for _, id := range a.Nodes {
			discovered[id] = true
		}
		for _, e := range edges {
			if !discovered[e.FromItemID] || !discovered[e.ToItemID] {
				continue
			}
			if pos[e.FromItemID] >= pos[e.ToItemID] {
				t.Fatalf("edge %s -> %s out of order in %v", e.FromItemID, e.ToItemID, a.Order)
			}
			if a.Depths[e.ToItemID] < a.Depths[e.FromItemID]+1 {
				t.Fatalf("depth of %s (%d) not below %s (%d)",
					e.FromItemID, a.Depths[e.FromItemID], e.ToItemID, a.Depths[e.ToItemID])
			}
		}
	})
}

func node(i int) string {
	return fmt.Sprintf("n%d", i)
}
