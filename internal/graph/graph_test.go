package graph

import (
	"errors"
	"testing"

	"github.com/jpicklyk/task-orchestrator/internal/storage"
	"github.com/jpicklyk/task-orchestrator/internal/types"
)

func blocks(from, to string) *types.Dependency {
	return &types.Dependency{FromItemID: from, ToItemID: to, Type: types.DepBlocks}
}

func TestValidateBatchAcceptsChain(t *testing.T) {
	batch := []*types.Dependency{blocks("a", "b"), blocks("b", "c")}
	if err := ValidateBatch(nil, batch); err != nil {
		t.Fatalf("chain should be accepted: %v", err)
	}
}

func TestValidateBatchRejectsCycleAgainstStore(t *testing.T) {
	existing := []*types.Dependency{blocks("a", "b"), blocks("b", "c")}
	err := ValidateBatch(existing, []*types.Dependency{blocks("c", "a")})
	if !errors.Is(err, storage.ErrCycle) {
		t.Errorf("expected ErrCycle, got %v", err)
	}
}

func TestValidateBatchRejectsCycleWithinBatch(t *testing.T) {
	batch := []*types.Dependency{blocks("a", "b"), blocks("b", "c"), blocks("c", "a")}
	err := ValidateBatch(nil, batch)
	if !errors.Is(err, storage.ErrCycle) {
		t.Errorf("expected ErrCycle, got %v", err)
	}
}

func TestValidateBatchRejectsDuplicates(t *testing.T) {
	existing := []*types.Dependency{blocks("a", "b")}

	err := ValidateBatch(existing, []*types.Dependency{blocks("a", "b")})
	if !errors.Is(err, storage.ErrConflict) {
		t.Errorf("expected ErrConflict against store, got %v", err)
	}

	err = ValidateBatch(nil, []*types.Dependency{blocks("x", "y"), blocks("x", "y")})
	if !errors.Is(err, storage.ErrConflict) {
		t.Errorf("expected ErrConflict within batch, got %v", err)
	}
}

// The is-blocked-by spelling is the same edge with endpoints swapped, so
// after normalization it must collide with its blocks twin.
func TestValidateBatchNormalizedDuplicate(t *testing.T) {
	existing := []*types.Dependency{blocks("a", "b")}
	batch := NormalizeBatch([]*types.Dependency{
		{FromItemID: "b", ToItemID: "a", Type: types.DepIsBlockedBy},
	})
	err := ValidateBatch(existing, batch)
	if !errors.Is(err, storage.ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}
}

func TestValidateBatchAllowsRelatesToLoops(t *testing.T) {
	batch := []*types.Dependency{
		{FromItemID: "a", ToItemID: "b", Type: types.DepRelatesTo},
		{FromItemID: "b", ToItemID: "a", Type: types.DepRelatesTo},
	}
	if err := ValidateBatch(nil, batch); err != nil {
		t.Errorf("relates-to edges carry no blocking direction: %v", err)
	}
}

func TestValidateBatchRejectsSelfLoop(t *testing.T) {
	if err := ValidateBatch(nil, []*types.Dependency{blocks("a", "a")}); err == nil {
		t.Error("expected error for self loop")
	}
}

func TestBlockersThresholds(t *testing.T) {
	edges := []*types.Dependency{
		{FromItemID: "b", ToItemID: "x", Type: types.DepBlocks, UnblockAt: types.RoleReview},
		{FromItemID: "c", ToItemID: "x", Type: types.DepBlocks},
		{FromItemID: "d", ToItemID: "x", Type: types.DepRelatesTo},
	}
	items := map[string]*types.WorkItem{
		"b": {ID: "b", Role: types.RoleReview},
		"c": {ID: "c", Role: types.RoleReview},
		"d": {ID: "d", Role: types.RoleQueue},
	}

	statuses := Blockers("x", edges, items)
	if len(statuses) != 2 {
		t.Fatalf("expected 2 blocking edges, got %d", len(statuses))
	}
	if !statuses[0].Satisfied {
		t.Error("review blocker with review threshold should satisfy")
	}
	if statuses[1].Satisfied {
		t.Error("review blocker with default terminal threshold should not satisfy")
	}
	if !IsBlocked(statuses) {
		t.Error("one unsatisfied blocker should block the item")
	}

	items["c"].Role = types.RoleTerminal
	statuses = Blockers("x", edges, items)
	if IsBlocked(statuses) {
		t.Errorf("all blockers satisfied, item should be free: %+v", Unsatisfied(statuses))
	}
}

func TestBlockedBlockerNeverSatisfies(t *testing.T) {
	edges := []*types.Dependency{
		{FromItemID: "b", ToItemID: "x", Type: types.DepBlocks, UnblockAt: types.RoleWork},
	}
	items := map[string]*types.WorkItem{
		"b": {ID: "b", Role: types.RoleBlocked, PreviousRole: types.RoleReview},
	}
	statuses := Blockers("x", edges, items)
	if len(statuses) != 1 || statuses[0].Satisfied {
		t.Errorf("a blocked blocker must not satisfy any threshold: %+v", statuses)
	}
}

func TestPatternExpansion(t *testing.T) {
	linear := Linear([]string{"a", "b", "c"}, "")
	if len(linear) != 2 || linear[0].FromItemID != "a" || linear[1].ToItemID != "c" {
		t.Errorf("linear expansion wrong: %+v", linear)
	}
	if Linear([]string{"solo"}, "") != nil {
		t.Error("linear with one id expands to nothing")
	}

	fanOut := FanOut("src", []string{"t1", "t2"}, types.RoleReview)
	if len(fanOut) != 2 || fanOut[0].FromItemID != "src" || fanOut[1].ToItemID != "t2" {
		t.Errorf("fan-out expansion wrong: %+v", fanOut)
	}
	if fanOut[0].UnblockAt != types.RoleReview {
		t.Errorf("fan-out should carry the threshold, got %q", fanOut[0].UnblockAt)
	}

	fanIn := FanIn([]string{"s1", "s2"}, "dst", "")
	if len(fanIn) != 2 || fanIn[0].ToItemID != "dst" || fanIn[1].FromItemID != "s2" {
		t.Errorf("fan-in expansion wrong: %+v", fanIn)
	}
}

func TestToposortBlockersFirst(t *testing.T) {
	ids := []string{"c", "a", "b"}
	edges := []*types.Dependency{blocks("a", "b"), blocks("b", "c")}
	order, ok := Toposort(ids, edges)
	if !ok {
		t.Fatal("acyclic set should order cleanly")
	}
	want := []string{"a", "b", "c"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestToposortIgnoresEdgesLeavingTheSet(t *testing.T) {
	ids := []string{"b", "a"}
	edges := []*types.Dependency{blocks("a", "b"), blocks("outside", "a")}
	order, ok := Toposort(ids, edges)
	if !ok {
		t.Fatal("external edge must not pin the set")
	}
	if order[0] != "a" || order[1] != "b" {
		t.Errorf("order = %v, want [a b]", order)
	}
}

func TestToposortNormalizesIsBlockedBy(t *testing.T) {
	ids := []string{"a", "b"}
	edges := []*types.Dependency{{FromItemID: "a", ToItemID: "b", Type: types.DepIsBlockedBy}}
	order, ok := Toposort(ids, edges)
	if !ok {
		t.Fatal("unexpected cycle")
	}
	// a is-blocked-by b, so b must come first.
	if order[0] != "b" || order[1] != "a" {
		t.Errorf("order = %v, want [b a]", order)
	}
}

func TestToposortKeepsInputOrderWithinRank(t *testing.T) {
	ids := []string{"z", "m", "a"}
	order, ok := Toposort(ids, nil)
	if !ok {
		t.Fatal("unexpected cycle")
	}
	if order[0] != "z" || order[1] != "m" || order[2] != "a" {
		t.Errorf("order = %v, want input order", order)
	}
}

func TestToposortReportsCycle(t *testing.T) {
	ids := []string{"a", "b"}
	edges := []*types.Dependency{blocks("a", "b"), blocks("b", "a")}
	order, ok := Toposort(ids, edges)
	if ok {
		t.Fatal("cycle must be reported")
	}
	if len(order) != 2 {
		t.Errorf("every id must still appear, got %v", order)
	}
}
