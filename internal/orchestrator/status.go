package orchestrator

import (
	"context"
	"fmt"
	"sort"

	"github.com/jpicklyk/task-orchestrator/internal/graph"
	"github.com/jpicklyk/task-orchestrator/internal/lifecycle"
	"github.com/jpicklyk/task-orchestrator/internal/taskerr"
	"github.com/jpicklyk/task-orchestrator/internal/types"
)

// Item readiness states reported by get_next_status.
const (
	StateReady    = "ready"
	StateBlocked  = "blocked"
	StateTerminal = "terminal"
)

// GetNextStatusRequest asks where an item stands and what comes next.
type GetNextStatusRequest struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionId,omitempty"`
}

// NextStatusResult is the get_next_status payload.
type NextStatusResult struct {
	ID                string        `json:"id"`
	State             string        `json:"state"`
	Role              types.Role    `json:"role"`
	Status            string        `json:"status"`
	NextRole          types.Role    `json:"nextRole,omitempty"`
	NextStatus        string        `json:"nextStatus,omitempty"`
	NextTrigger       types.Trigger `json:"nextTrigger,omitempty"`
	Blockers          []BlockerInfo `json:"blockers,omitempty"`
	MissingNotes      []string      `json:"missingNotes,omitempty"`
	NeedsVerification bool          `json:"needsVerification,omitempty"`
}

// GetNextStatus reports an item's readiness without changing anything.
func (o *Orchestrator) GetNextStatus(ctx context.Context, req GetNextStatusRequest) (*Outcome, error) {
	rt := o.begin(req.SessionID)
	if req.ID == "" {
		return nil, taskerr.Validation("get_next_status requires an id")
	}
	item, err := o.store.GetItem(ctx, req.ID)
	if err != nil {
		return nil, taskerr.FromErr(err)
	}
	notes, err := o.store.ListNotes(ctx, types.NoteFilter{ItemID: req.ID})
	if err != nil {
		return nil, taskerr.FromErr(err)
	}
	edges, err := o.store.EdgesTouching(ctx, req.ID)
	if err != nil {
		return nil, taskerr.FromErr(err)
	}
	blockers, err := o.storeBlockers(ctx, req.ID, edges)
	if err != nil {
		return nil, err
	}

	result := &NextStatusResult{
		ID:     item.ID,
		Role:   item.Role,
		Status: rt.cfg.StatusFor(item),
	}
	unsatisfied := graph.Unsatisfied(blockers)

	switch {
	case item.IsTerminal():
		result.State = StateTerminal
	case item.Role == types.RoleBlocked:
		result.State = StateBlocked
		result.Blockers = blockerInfos(unsatisfied)
	case item.Role == types.RoleQueue && len(unsatisfied) > 0:
		result.State = StateBlocked
		result.Blockers = blockerInfos(unsatisfied)
	default:
		result.State = StateReady
	}

	if next, status, ok := rt.machine.Next(item, notes); ok {
		result.NextRole = next
		result.NextStatus = status
		result.NextTrigger = types.TriggerStart
		if item.Role == types.RoleBlocked {
			result.NextTrigger = types.TriggerResume
		}
		_, specs := rt.cfg.NoteSchemaForTags(item.Tags)
		if phase := item.Role; phase.Rank() >= 0 {
			for _, spec := range lifecycle.MissingRequired(specs, notes, map[types.Role]bool{phase: true}) {
				result.MissingNotes = append(result.MissingNotes, spec.Key)
			}
		}
		if next == types.RoleTerminal && item.RequiresVerification {
			result.NeedsVerification = lifecycle.CheckVerification(notes) != nil
		}
	}

	msg := fmt.Sprintf("%s is %s", item.Title, result.State)
	if result.State == StateReady && result.NextRole != "" {
		msg = fmt.Sprintf("%s is ready to move to %s (%s)", item.Title, result.NextRole, result.NextStatus)
	}
	return &Outcome{Message: msg, Data: result}, nil
}

// storeBlockers resolves blocker items through the store rather than a
// transaction; read-only operations use it.
func (o *Orchestrator) storeBlockers(ctx context.Context, id string, edges []*types.Dependency) ([]graph.BlockerStatus, error) {
	fromSet := map[string]bool{}
	for _, e := range edges {
		n := e.Normalized()
		if n.Type.Blocking() && n.ToItemID == id {
			fromSet[n.FromItemID] = true
		}
	}
	ids := make([]string, 0, len(fromSet))
	for from := range fromSet {
		ids = append(ids, from)
	}
	items, err := o.store.GetItems(ctx, ids)
	if err != nil {
		return nil, taskerr.FromErr(err)
	}
	byID := make(map[string]*types.WorkItem, len(items))
	for _, it := range items {
		byID[it.ID] = it
	}
	return graph.Blockers(id, edges, byID), nil
}

// GetNextItemRequest asks for the queued items most worth starting.
type GetNextItemRequest struct {
	Limit     int      `json:"limit,omitempty"`
	RootID    string   `json:"rootId,omitempty"`
	Tags      []string `json:"tags,omitempty"`
	SessionID string   `json:"sessionId,omitempty"`
}

// GetNextItemResult is the get_next_item payload.
type GetNextItemResult struct {
	Items []*ItemPayload `json:"items"`
}

// GetNextItem picks queued items whose blockers are all satisfied,
// highest priority first, then lowest complexity with unknowns last.
func (o *Orchestrator) GetNextItem(ctx context.Context, req GetNextItemRequest) (*Outcome, error) {
	rt := o.begin(req.SessionID)
	limit := req.Limit
	if limit <= 0 {
		limit = 1
	}

	role := types.RoleQueue
	candidates, err := o.store.SearchItems(ctx, types.ItemFilter{Role: &role, Tags: req.Tags}, types.Sort{}, 0, 0)
	if err != nil {
		return nil, taskerr.FromErr(err)
	}
	if req.RootID != "" {
		scope, err := o.subtreeSet(ctx, req.RootID)
		if err != nil {
			return nil, err
		}
		kept := candidates[:0]
		for _, c := range candidates {
			if scope[c.ID] {
				kept = append(kept, c)
			}
		}
		candidates = kept
	}

	eligible, err := o.dropBlocked(ctx, candidates)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if aw, bw := a.Priority.Weight(), b.Priority.Weight(); aw != bw {
			return aw > bw
		}
		switch {
		case a.Complexity == nil && b.Complexity == nil:
		case a.Complexity == nil:
			return false
		case b.Complexity == nil:
			return true
		case *a.Complexity != *b.Complexity:
			return *a.Complexity < *b.Complexity
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	if len(eligible) > limit {
		eligible = eligible[:limit]
	}

	result := &GetNextItemResult{Items: make([]*ItemPayload, 0, len(eligible))}
	for _, item := range eligible {
		notes, err := o.store.ListNotes(ctx, types.NoteFilter{ItemID: item.ID})
		if err != nil {
			return nil, taskerr.FromErr(err)
		}
		result.Items = append(result.Items, &ItemPayload{
			WorkItem:      item,
			ExpectedNotes: rt.machine.ExpectedNotes(item, notes),
		})
	}

	msg := "No items ready to start"
	if len(result.Items) > 0 {
		msg = fmt.Sprintf("Next up: %s", result.Items[0].Title)
	}
	return &Outcome{Message: msg, Data: result}, nil
}

func (o *Orchestrator) subtreeSet(ctx context.Context, rootID string) (map[string]bool, error) {
	root, err := o.store.GetItem(ctx, rootID)
	if err != nil {
		return nil, taskerr.FromErr(err)
	}
	desc, err := o.store.GetDescendants(ctx, root.ID)
	if err != nil {
		return nil, taskerr.FromErr(err)
	}
	set := map[string]bool{root.ID: true}
	for _, d := range desc {
		set[d.ID] = true
	}
	return set, nil
}

// dropBlocked filters out candidates with an unsatisfied blocker.
func (o *Orchestrator) dropBlocked(ctx context.Context, candidates []*types.WorkItem) ([]*types.WorkItem, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	edges, err := o.store.AllEdges(ctx)
	if err != nil {
		return nil, taskerr.FromErr(err)
	}
	byID, err := o.blockerIndex(ctx, edges, candidates)
	if err != nil {
		return nil, err
	}
	var eligible []*types.WorkItem
	for _, c := range candidates {
		if graph.IsBlocked(graph.Blockers(c.ID, edges, byID)) {
			continue
		}
		eligible = append(eligible, c)
	}
	return eligible, nil
}

// blockerIndex builds an id index covering the given items plus the
// blocker side of every edge.
func (o *Orchestrator) blockerIndex(ctx context.Context, edges []*types.Dependency, items []*types.WorkItem) (map[string]*types.WorkItem, error) {
	byID := make(map[string]*types.WorkItem, len(items))
	for _, it := range items {
		byID[it.ID] = it
	}
	var missing []string
	seen := map[string]bool{}
	for _, e := range edges {
		n := e.Normalized()
		if !n.Type.Blocking() {
			continue
		}
		if _, ok := byID[n.FromItemID]; !ok && !seen[n.FromItemID] {
			seen[n.FromItemID] = true
			missing = append(missing, n.FromItemID)
		}
	}
	if len(missing) > 0 {
		fetched, err := o.store.GetItems(ctx, missing)
		if err != nil {
			return nil, taskerr.FromErr(err)
		}
		for _, it := range fetched {
			byID[it.ID] = it
		}
	}
	return byID, nil
}

// GetBlockedItemsRequest asks which items cannot currently move.
type GetBlockedItemsRequest struct {
	RootID    string `json:"rootId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

// BlockedEntry is one blocked item and what holds it.
type BlockedEntry struct {
	ID       string        `json:"id"`
	Title    string        `json:"title"`
	Role     types.Role    `json:"role"`
	Status   string        `json:"status,omitempty"`
	Reason   string        `json:"reason"`
	Blockers []BlockerInfo `json:"blockers,omitempty"`
}

// Blocked reasons reported by get_blocked_items.
const (
	ReasonExplicit     = "explicitly blocked"
	ReasonDependencies = "waiting on dependencies"
)

// GetBlockedItemsResult is the get_blocked_items payload.
type GetBlockedItemsResult struct {
	Items []*BlockedEntry `json:"items"`
}

// GetBlockedItems lists items that are explicitly blocked or held back
// by an unsatisfied blocker.
func (o *Orchestrator) GetBlockedItems(ctx context.Context, req GetBlockedItemsRequest) (*Outcome, error) {
	rt := o.begin(req.SessionID)

	var items []*types.WorkItem
	var err error
	if req.RootID != "" {
		root, gerr := o.store.GetItem(ctx, req.RootID)
		if gerr != nil {
			return nil, taskerr.FromErr(gerr)
		}
		desc, gerr := o.store.GetDescendants(ctx, root.ID)
		if gerr != nil {
			return nil, taskerr.FromErr(gerr)
		}
		items = append([]*types.WorkItem{root}, desc...)
	} else {
		items, err = o.store.SearchItems(ctx, types.ItemFilter{}, types.Sort{}, 0, 0)
		if err != nil {
			return nil, taskerr.FromErr(err)
		}
	}

	edges, err := o.store.AllEdges(ctx)
	if err != nil {
		return nil, taskerr.FromErr(err)
	}
	byID, err := o.blockerIndex(ctx, edges, items)
	if err != nil {
		return nil, err
	}

	result := &GetBlockedItemsResult{}
	for _, item := range items {
		if item.IsTerminal() {
			continue
		}
		unsatisfied := graph.Unsatisfied(graph.Blockers(item.ID, edges, byID))
		entry := &BlockedEntry{
			ID:       item.ID,
			Title:    item.Title,
			Role:     item.Role,
			Status:   rt.cfg.StatusFor(item),
			Blockers: blockerInfos(unsatisfied),
		}
		switch {
		case item.Role == types.RoleBlocked:
			entry.Reason = ReasonExplicit
		case len(unsatisfied) > 0:
			entry.Reason = ReasonDependencies
		default:
			continue
		}
		result.Items = append(result.Items, entry)
	}
	sort.Slice(result.Items, func(i, j int) bool { return result.Items[i].ID < result.Items[j].ID })

	return &Outcome{
		Message: fmt.Sprintf("%d item(s) blocked", len(result.Items)),
		Data:    result,
	}, nil
}
