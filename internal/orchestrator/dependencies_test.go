package orchestrator

import (
	"context"
	"testing"

	"github.com/jpicklyk/task-orchestrator/internal/taskerr"
	"github.com/jpicklyk/task-orchestrator/internal/types"
)

func mustLink(t *testing.T, o *Orchestrator, from, to string) *types.Dependency {
	t.Helper()
	out, err := o.ManageDependencies(context.Background(), ManageDependenciesRequest{
		Operation:    "create",
		Dependencies: []DependencyInput{{FromItemID: from, ToItemID: to}},
	})
	if err != nil {
		t.Fatalf("Failed to create dependency %s -> %s: %v", from, to, err)
	}
	return out.Data.(*ManageDependenciesResult).Dependencies[0]
}

func TestCreateDependencyDefaults(t *testing.T) {
	o := newTestOrchestrator(t)
	a := mustCreate(t, o, "A", "")
	b := mustCreate(t, o, "B", "")
	dep := mustLink(t, o, a.ID, b.ID)
	if dep.ID == "" || dep.Type != types.DepBlocks {
		t.Errorf("unexpected edge: %+v", dep)
	}
	if dep.UnblockAt != "" {
		t.Errorf("threshold should default to empty (terminal), got %q", dep.UnblockAt)
	}
}

func TestCreateDependencyNormalizesSpelling(t *testing.T) {
	o := newTestOrchestrator(t)
	a := mustCreate(t, o, "A", "")
	b := mustCreate(t, o, "B", "")
	out, err := o.ManageDependencies(context.Background(), ManageDependenciesRequest{
		Operation: "create",
		Dependencies: []DependencyInput{
			{FromItemID: a.ID, ToItemID: b.ID, Type: "is-blocked-by"},
		},
	})
	if err != nil {
		t.Fatalf("Failed to create dependency: %v", err)
	}
	dep := out.Data.(*ManageDependenciesResult).Dependencies[0]
	if dep.FromItemID != b.ID || dep.ToItemID != a.ID || dep.Type != types.DepBlocks {
		t.Errorf("edge should be stored in blocks spelling: %+v", dep)
	}
}

func TestCreateDependencyRejectsCycle(t *testing.T) {
	o := newTestOrchestrator(t)
	a := mustCreate(t, o, "A", "")
	b := mustCreate(t, o, "B", "")
	c := mustCreate(t, o, "C", "")
	mustLink(t, o, a.ID, b.ID)
	mustLink(t, o, b.ID, c.ID)
	_, err := o.ManageDependencies(context.Background(), ManageDependenciesRequest{
		Operation:    "create",
		Dependencies: []DependencyInput{{FromItemID: c.ID, ToItemID: a.ID}},
	})
	if taskerr.CodeOf(err) != taskerr.CodeConflict {
		t.Errorf("closing a cycle must conflict, got %v", err)
	}
}

func TestCreateDependencyRejectsDuplicate(t *testing.T) {
	o := newTestOrchestrator(t)
	a := mustCreate(t, o, "A", "")
	b := mustCreate(t, o, "B", "")
	mustLink(t, o, a.ID, b.ID)
	_, err := o.ManageDependencies(context.Background(), ManageDependenciesRequest{
		Operation:    "create",
		Dependencies: []DependencyInput{{FromItemID: a.ID, ToItemID: b.ID}},
	})
	if taskerr.CodeOf(err) != taskerr.CodeConflict {
		t.Errorf("duplicate edge must conflict, got %v", err)
	}
}

func TestCreateDependencyRejectsMissingEndpoint(t *testing.T) {
	o := newTestOrchestrator(t)
	a := mustCreate(t, o, "A", "")
	_, err := o.ManageDependencies(context.Background(), ManageDependenciesRequest{
		Operation:    "create",
		Dependencies: []DependencyInput{{FromItemID: a.ID, ToItemID: "no-such-item"}},
	})
	if taskerr.CodeOf(err) != taskerr.CodeNotFound {
		t.Errorf("missing endpoint must report not found, got %v", err)
	}
}

func TestCreateDependencyLinearPattern(t *testing.T) {
	o := newTestOrchestrator(t)
	a := mustCreate(t, o, "A", "")
	b := mustCreate(t, o, "B", "")
	c := mustCreate(t, o, "C", "")
	out, err := o.ManageDependencies(context.Background(), ManageDependenciesRequest{
		Operation: "create",
		Pattern:   &PatternSpec{Kind: "linear", IDs: []string{a.ID, b.ID, c.ID}},
	})
	if err != nil {
		t.Fatalf("Failed to create pattern: %v", err)
	}
	deps := out.Data.(*ManageDependenciesResult).Dependencies
	if len(deps) != 2 {
		t.Fatalf("linear over 3 ids should yield 2 edges, got %d", len(deps))
	}
	if deps[0].FromItemID != a.ID || deps[0].ToItemID != b.ID ||
		deps[1].FromItemID != b.ID || deps[1].ToItemID != c.ID {
		t.Errorf("unexpected chain: %+v", deps)
	}
}

func TestCreateDependencyFanInPattern(t *testing.T) {
	o := newTestOrchestrator(t)
	a := mustCreate(t, o, "A", "")
	b := mustCreate(t, o, "B", "")
	target := mustCreate(t, o, "Target", "")
	out, err := o.ManageDependencies(context.Background(), ManageDependenciesRequest{
		Operation: "create",
		Pattern: &PatternSpec{
			Kind:      "fan-in",
			Sources:   []string{a.ID, b.ID},
			Target:    target.ID,
			UnblockAt: "work",
		},
	})
	if err != nil {
		t.Fatalf("Failed to create pattern: %v", err)
	}
	deps := out.Data.(*ManageDependenciesResult).Dependencies
	if len(deps) != 2 {
		t.Fatalf("expected 2 edges, got %d", len(deps))
	}
	for _, d := range deps {
		if d.ToItemID != target.ID || d.UnblockAt != types.RoleWork {
			t.Errorf("unexpected edge: %+v", d)
		}
	}
}

func TestDeleteDependencyByID(t *testing.T) {
	o := newTestOrchestrator(t)
	a := mustCreate(t, o, "A", "")
	b := mustCreate(t, o, "B", "")
	dep := mustLink(t, o, a.ID, b.ID)
	out, err := o.ManageDependencies(context.Background(), ManageDependenciesRequest{
		Operation: "delete",
		ID:        dep.ID,
	})
	if err != nil {
		t.Fatalf("Failed to delete dependency: %v", err)
	}
	if out.Data.(*ManageDependenciesResult).Deleted != 1 {
		t.Error("expected 1 deletion")
	}
}

func TestDeleteDependencyBetween(t *testing.T) {
	o := newTestOrchestrator(t)
	a := mustCreate(t, o, "A", "")
	b := mustCreate(t, o, "B", "")
	mustLink(t, o, a.ID, b.ID)
	if _, err := o.ManageDependencies(context.Background(), ManageDependenciesRequest{
		Operation:    "create",
		Dependencies: []DependencyInput{{FromItemID: a.ID, ToItemID: b.ID, Type: "relates-to"}},
	}); err != nil {
		t.Fatalf("Failed to create relates-to edge: %v", err)
	}

	// Type left empty, so both edges between the pair go.
	out, err := o.ManageDependencies(context.Background(), ManageDependenciesRequest{
		Operation:  "delete",
		FromItemID: a.ID,
		ToItemID:   b.ID,
	})
	if err != nil {
		t.Fatalf("Failed to delete dependencies: %v", err)
	}
	if got := out.Data.(*ManageDependenciesResult).Deleted; got != 2 {
		t.Errorf("expected 2 deletions, got %d", got)
	}
}

func TestDeleteDependenciesForItem(t *testing.T) {
	o := newTestOrchestrator(t)
	a := mustCreate(t, o, "A", "")
	b := mustCreate(t, o, "B", "")
	c := mustCreate(t, o, "C", "")
	mustLink(t, o, a.ID, b.ID)
	mustLink(t, o, c.ID, a.ID)
	out, err := o.ManageDependencies(context.Background(), ManageDependenciesRequest{
		Operation: "delete",
		ItemID:    a.ID,
	})
	if err != nil {
		t.Fatalf("Failed to delete dependencies: %v", err)
	}
	if got := out.Data.(*ManageDependenciesResult).Deleted; got != 2 {
		t.Errorf("both edges touching the item should go, got %d", got)
	}
}

func TestQueryDependenciesNeighbors(t *testing.T) {
	o := newTestOrchestrator(t)
	a := mustCreate(t, o, "Blocker", "")
	b := mustCreate(t, o, "Dependent", "")
	mustLink(t, o, a.ID, b.ID)

	out, err := o.QueryDependencies(context.Background(), QueryDependenciesRequest{ID: b.ID})
	if err != nil {
		t.Fatalf("Failed to query dependencies: %v", err)
	}
	res := out.Data.(*NeighborsResult)
	if !res.Blocked {
		t.Error("dependent with a queued blocker must be blocked")
	}
	if len(res.Dependencies) != 1 {
		t.Fatalf("expected 1 edge, got %d", len(res.Dependencies))
	}
	view := res.Dependencies[0]
	if view.Direction != types.DirIncoming || view.Other.ID != a.ID {
		t.Errorf("unexpected view: %+v", view)
	}
	if view.Satisfied == nil || *view.Satisfied {
		t.Error("queued blocker cannot satisfy a terminal threshold")
	}

	out, err = o.QueryDependencies(context.Background(), QueryDependenciesRequest{ID: a.ID})
	if err != nil {
		t.Fatalf("Failed to query dependencies: %v", err)
	}
	res = out.Data.(*NeighborsResult)
	if res.Blocked {
		t.Error("the blocker itself is not blocked")
	}
	if res.Dependencies[0].Direction != types.DirOutgoing || res.Dependencies[0].Satisfied != nil {
		t.Errorf("outgoing edges carry no satisfied verdict: %+v", res.Dependencies[0])
	}
}

func TestQueryDependenciesThreshold(t *testing.T) {
	o := newTestOrchestrator(t)
	a := mustCreate(t, o, "Blocker", "")
	b := mustCreate(t, o, "Dependent", "")
	if _, err := o.ManageDependencies(context.Background(), ManageDependenciesRequest{
		Operation:    "create",
		Dependencies: []DependencyInput{{FromItemID: a.ID, ToItemID: b.ID, UnblockAt: "work"}},
	}); err != nil {
		t.Fatalf("Failed to create dependency: %v", err)
	}
	mustAdvance(t, o, a.ID, types.TriggerStart)

	out, err := o.QueryDependencies(context.Background(), QueryDependenciesRequest{ID: b.ID})
	if err != nil {
		t.Fatalf("Failed to query dependencies: %v", err)
	}
	res := out.Data.(*NeighborsResult)
	if res.Blocked {
		t.Error("a work-stage blocker satisfies a work threshold")
	}
	if s := res.Dependencies[0].Satisfied; s == nil || !*s {
		t.Errorf("edge should read satisfied: %+v", res.Dependencies[0])
	}
}

func TestQueryDependenciesFiltersKeepVerdict(t *testing.T) {
	o := newTestOrchestrator(t)
	a := mustCreate(t, o, "Blocker", "")
	b := mustCreate(t, o, "Dependent", "")
	mustLink(t, o, a.ID, b.ID)

	out, err := o.QueryDependencies(context.Background(), QueryDependenciesRequest{
		ID:        b.ID,
		Direction: "outgoing",
	})
	if err != nil {
		t.Fatalf("Failed to query dependencies: %v", err)
	}
	res := out.Data.(*NeighborsResult)
	if len(res.Dependencies) != 0 {
		t.Errorf("direction filter should hide the incoming edge: %+v", res.Dependencies)
	}
	if !res.Blocked {
		t.Error("the blocked verdict ignores direction filters")
	}
}

func TestQueryDependenciesAnalysis(t *testing.T) {
	o := newTestOrchestrator(t)
	a := mustCreate(t, o, "A", "")
	b := mustCreate(t, o, "B", "")
	c := mustCreate(t, o, "C", "")
	mustLink(t, o, a.ID, b.ID)
	mustLink(t, o, b.ID, c.ID)

	full := false
	out, err := o.QueryDependencies(context.Background(), QueryDependenciesRequest{
		ID:            a.ID,
		NeighborsOnly: &full,
	})
	if err != nil {
		t.Fatalf("Failed to analyze: %v", err)
	}
	res := out.Data.(*AnalysisResult)
	if len(res.Analysis.Nodes) != 3 {
		t.Fatalf("expected 3 reachable nodes, got %v", res.Analysis.Nodes)
	}
	if res.Analysis.Depths[c.ID] != 2 {
		t.Errorf("c sits two levels deep, got %d", res.Analysis.Depths[c.ID])
	}
	if len(res.Analysis.CriticalPath) != 3 || res.Analysis.CriticalPath[0] != a.ID {
		t.Errorf("critical path should run a to c: %v", res.Analysis.CriticalPath)
	}
	if res.Analysis.CycleWarning {
		t.Error("no cycle in a chain")
	}
	if res.Items[b.ID] == nil || res.Items[b.ID].Title != "B" {
		t.Errorf("items map should carry refs: %+v", res.Items)
	}
}

func TestQueryDependenciesMissingItem(t *testing.T) {
	o := newTestOrchestrator(t)
	_, err := o.QueryDependencies(context.Background(), QueryDependenciesRequest{ID: "nope"})
	if taskerr.CodeOf(err) != taskerr.CodeNotFound {
		t.Errorf("expected RESOURCE_NOT_FOUND, got %v", err)
	}
}
