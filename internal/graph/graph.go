// Package graph validates dependency edges and analyzes the work item
// dependency graph. All functions operate on plain edge slices so the
// orchestrator can run them against a transaction snapshot.
package graph

import (
	"fmt"

	"github.com/jpicklyk/task-orchestrator/internal/storage"
	"github.com/jpicklyk/task-orchestrator/internal/types"
)

// NormalizeBatch returns copies of the proposed edges with direction
// normalized so that from is always the blocker. Stored edges never
// carry the is-blocked-by spelling.
func NormalizeBatch(deps []*types.Dependency) []*types.Dependency {
	out := make([]*types.Dependency, len(deps))
	for i, d := range deps {
		n := d.Normalized()
		out[i] = &n
	}
	return out
}

func edgeKey(d *types.Dependency) string {
	return d.FromItemID + "\x00" + d.ToItemID + "\x00" + string(d.Type)
}

// ValidateBatch checks a normalized batch against the existing graph.
// Rejections are all-or-nothing: the first invalid, duplicate, or
// cycle-forming edge fails the whole batch. Each accepted edge joins
// the working graph before the next is checked, so cycles formed
// entirely within the batch are caught too.
func ValidateBatch(existing, batch []*types.Dependency) error {
	seen := make(map[string]bool, len(existing)+len(batch))
	adj := make(map[string][]string)
	for _, d := range existing {
		seen[edgeKey(d)] = true
		if d.Type.Blocking() {
			n := d.Normalized()
			adj[n.FromItemID] = append(adj[n.FromItemID], n.ToItemID)
		}
	}

	for _, d := range batch {
		if err := d.Validate(); err != nil {
			return err
		}
		key := edgeKey(d)
		if seen[key] {
			return fmt.Errorf("dependency %s -> %s (%s) already exists: %w",
				d.FromItemID, d.ToItemID, d.Type, storage.ErrConflict)
		}
		seen[key] = true
		if !d.Type.Blocking() {
			continue
		}
		// A path to -> ... -> from plus the new from -> to edge closes a loop.
		if reaches(adj, d.ToItemID, d.FromItemID) {
			return fmt.Errorf("dependency %s -> %s would create a cycle: %w",
				d.FromItemID, d.ToItemID, storage.ErrCycle)
		}
		adj[d.FromItemID] = append(adj[d.FromItemID], d.ToItemID)
	}
	return nil
}

// reaches reports whether target is reachable from start by following
// forward edges.
func reaches(adj map[string][]string, start, target string) bool {
	if start == target {
		return true
	}
	visited := map[string]bool{start: true}
	stack := []string{start}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, next := range adj[n] {
			if next == target {
				return true
			}
			if !visited[next] {
				visited[next] = true
				stack = append(stack, next)
			}
		}
	}
	return false
}

// BlockerStatus describes one incoming blocking edge of an item and
// whether the blocker currently satisfies its unblock threshold.
type BlockerStatus struct {
	Dependency *types.Dependency `json:"dependency"`
	Blocker    *types.WorkItem   `json:"blocker"`
	Threshold  types.Role        `json:"unblockAt"`
	Satisfied  bool              `json:"satisfied"`
}

// Blockers resolves every incoming blocking edge of itemID against the
// given item set. Edges whose blocker is missing from items are skipped.
func Blockers(itemID string, edges []*types.Dependency, items map[string]*types.WorkItem) []BlockerStatus {
	var statuses []BlockerStatus
	for _, e := range edges {
		n := e.Normalized()
		if !n.Type.Blocking() || n.ToItemID != itemID {
			continue
		}
		blocker := items[n.FromItemID]
		if blocker == nil {
			continue
		}
		threshold := n.EffectiveThreshold()
		statuses = append(statuses, BlockerStatus{
			Dependency: e,
			Blocker:    blocker,
			Threshold:  threshold,
			Satisfied:  blocker.Role.Satisfies(threshold),
		})
	}
	return statuses
}

// IsBlocked reports whether any blocker is unsatisfied.
func IsBlocked(statuses []BlockerStatus) bool {
	for _, s := range statuses {
		if !s.Satisfied {
			return true
		}
	}
	return false
}

// Unsatisfied returns the subset of statuses still holding the item back.
func Unsatisfied(statuses []BlockerStatus) []BlockerStatus {
	var out []BlockerStatus
	for _, s := range statuses {
		if !s.Satisfied {
			out = append(out, s)
		}
	}
	return out
}

// Linear expands [a, b, c] into a blocks b, b blocks c.
func Linear(ids []string, unblockAt types.Role) []*types.Dependency {
	if len(ids) < 2 {
		return nil
	}
	deps := make([]*types.Dependency, 0, len(ids)-1)
	for i := 0; i < len(ids)-1; i++ {
		deps = append(deps, &types.Dependency{
			FromItemID: ids[i],
			ToItemID:   ids[i+1],
			Type:       types.DepBlocks,
			UnblockAt:  unblockAt,
		})
	}
	return deps
}

// FanOut expands a source into one edge per target, source blocking each.
func FanOut(source string, targets []string, unblockAt types.Role) []*types.Dependency {
	deps := make([]*types.Dependency, 0, len(targets))
	for _, target := range targets {
		deps = append(deps, &types.Dependency{
			FromItemID: source,
			ToItemID:   target,
			Type:       types.DepBlocks,
			UnblockAt:  unblockAt,
		})
	}
	return deps
}

// FanIn expands sources into one edge per source, each blocking target.
func FanIn(sources []string, target string, unblockAt types.Role) []*types.Dependency {
	deps := make([]*types.Dependency, 0, len(sources))
	for _, source := range sources {
		deps = append(deps, &types.Dependency{
			FromItemID: source,
			ToItemID:   target,
			Type:       types.DepBlocks,
			UnblockAt:  unblockAt,
		})
	}
	return deps
}

// Toposort orders ids so that every blocker precedes its dependents,
// considering only blocking edges whose endpoints are both in ids.
// Within a rank the input order is kept. The second result is false
// when a cycle left nodes unorderable; those are appended at the end.
func Toposort(ids []string, edges []*types.Dependency) ([]string, bool) {
	inSet := make(map[string]bool, len(ids))
	for _, id := range ids {
		inSet[id] = true
	}
	adj := map[string][]string{}
	indeg := make(map[string]int, len(ids))
	for _, id := range ids {
		indeg[id] = 0
	}
	for _, d := range edges {
		n := d.Normalized()
		if !n.Type.Blocking() || !inSet[n.FromItemID] || !inSet[n.ToItemID] {
			continue
		}
		adj[n.FromItemID] = append(adj[n.FromItemID], n.ToItemID)
		indeg[n.ToItemID]++
	}

	queue := make([]string, 0, len(ids))
	for _, id := range ids {
		if indeg[id] == 0 {
			queue = append(queue, id)
		}
	}
	order := make([]string, 0, len(ids))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		for _, next := range adj[id] {
			indeg[next]--
			if indeg[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if len(order) == len(ids) {
		return order, true
	}
	ordered := make(map[string]bool, len(order))
	for _, id := range order {
		ordered[id] = true
	}
	for _, id := range ids {
		if !ordered[id] {
			order = append(order, id)
		}
	}
	return order, false
}
