package orchestrator

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/jpicklyk/task-orchestrator/internal/cascade"
	"github.com/jpicklyk/task-orchestrator/internal/graph"
	"github.com/jpicklyk/task-orchestrator/internal/storage"
	"github.com/jpicklyk/task-orchestrator/internal/taskerr"
	"github.com/jpicklyk/task-orchestrator/internal/types"
)

// TreeNode is one item in a create_work_tree request. Refs are local
// names dependencies can target before ids exist.
type TreeNode struct {
	Ref                  string     `json:"ref,omitempty"`
	Title                string     `json:"title"`
	Summary              string     `json:"summary,omitempty"`
	Description          string     `json:"description,omitempty"`
	Priority             string     `json:"priority,omitempty"`
	Complexity           *int       `json:"complexity,omitempty"`
	Tags                 []string   `json:"tags,omitempty"`
	RequiresVerification bool       `json:"requiresVerification,omitempty"`
	Children             []TreeNode `json:"children,omitempty"`
}

// CreateWorkTreeRequest creates a whole subtree, its dependency edges,
// and optionally stub notes, in one transaction.
type CreateWorkTreeRequest struct {
	ParentID     string            `json:"parentId,omitempty"`
	Root         *TreeNode         `json:"root"`
	Children     []TreeNode        `json:"children,omitempty"`
	Dependencies []DependencyInput `json:"dependencies,omitempty"`
	CreateNotes  bool              `json:"createNotes,omitempty"`
	SessionID    string            `json:"sessionId,omitempty"`
}

// CreateWorkTreeResult is the create_work_tree payload. Refs maps each
// request ref to the id it received.
type CreateWorkTreeResult struct {
	Root         string              `json:"root"`
	Items        []*ItemPayload      `json:"items"`
	Refs         map[string]string   `json:"refs,omitempty"`
	Dependencies []*types.Dependency `json:"dependencies,omitempty"`
}

// CreateWorkTree builds a tree of items all-or-nothing.
func (o *Orchestrator) CreateWorkTree(ctx context.Context, req CreateWorkTreeRequest) (*Outcome, error) {
	rt := o.begin(req.SessionID)
	if req.Root == nil {
		return nil, taskerr.Validation("create_work_tree requires a root item")
	}
	root := *req.Root
	root.Children = append(root.Children, req.Children...)

	baseDepth := 0
	if req.ParentID != "" {
		parent, err := o.store.GetItem(ctx, req.ParentID)
		if err != nil {
			return nil, taskerr.FromErr(err)
		}
		baseDepth = parent.Depth + 1
	}

	drafts, refs, err := flattenTree(&root, req.ParentID, baseDepth)
	if err != nil {
		return nil, err
	}

	// Dependency endpoints referencing existing items rather than refs.
	var external []string
	batch := make([]*types.Dependency, 0, len(req.Dependencies))
	for i, in := range req.Dependencies {
		dep, err := in.toDependency()
		if err != nil {
			return nil, taskerr.Validation("dependency %d: %v", i, err)
		}
		for _, endpoint := range []*string{&dep.FromItemID, &dep.ToItemID} {
			if id, ok := refs[*endpoint]; ok {
				*endpoint = id
			} else {
				external = append(external, *endpoint)
			}
		}
		batch = append(batch, dep)
	}
	batch = graph.NormalizeBatch(batch)

	lockIDs := make([]string, 0, len(drafts)+len(external)+1)
	for _, d := range drafts {
		lockIDs = append(lockIDs, d.ID)
	}
	lockIDs = append(lockIDs, external...)
	if req.ParentID != "" {
		lockIDs = append(lockIDs, req.ParentID)
	}

	result := &CreateWorkTreeResult{Root: drafts[0].ID, Refs: refs}
	err = o.locked(types.OpStructureChange, lockIDs, req.SessionID, func() error {
		return o.store.RunInTransaction(ctx, func(tx storage.Tx) error {
			if req.ParentID != "" {
				if _, err := tx.GetItem(ctx, req.ParentID); err != nil {
					return taskerr.FromErr(err)
				}
			}
			for _, item := range drafts {
				item.SetDefaults()
				item.StatusLabel = rt.cfg.StatusFor(item)
				if err := tx.CreateItem(ctx, item); err != nil {
					return taskerr.FromErr(err)
				}
			}
			for _, id := range external {
				if _, err := tx.GetItem(ctx, id); err != nil {
					return taskerr.FromErr(err).With("itemId", id)
				}
			}
			if len(batch) > 0 {
				existing, err := tx.AllEdges(ctx)
				if err != nil {
					return taskerr.FromErr(err)
				}
				if err := graph.ValidateBatch(existing, batch); err != nil {
					return taskerr.FromErr(err)
				}
				if err := tx.CreateDependencies(ctx, batch); err != nil {
					return taskerr.FromErr(err)
				}
				result.Dependencies = batch
			}
			for _, item := range drafts {
				notes, err := o.stubNotes(ctx, tx, rt, item, req.CreateNotes)
				if err != nil {
					return err
				}
				result.Items = append(result.Items, &ItemPayload{
					WorkItem:      item,
					ExpectedNotes: rt.machine.ExpectedNotes(item, notes),
				})
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return &Outcome{
		Message: fmt.Sprintf("Created a tree of %d item(s)", len(result.Items)),
		Data:    result,
	}, nil
}

// flattenTree assigns ids breadth-first and checks refs and depth.
func flattenTree(root *TreeNode, parentID string, baseDepth int) ([]*types.WorkItem, map[string]string, error) {
	refs := map[string]string{}
	var items []*types.WorkItem

	type entry struct {
		node     *TreeNode
		parentID string
		depth    int
	}
	queue := []entry{{node: root, parentID: parentID, depth: baseDepth}}
	for len(queue) > 0 {
		e := queue[0]
		queue = queue[1:]
		if e.depth >= types.MaxDepth {
			return nil, nil, taskerr.Validation("tree exceeds the %d-level nesting limit at %q", types.MaxDepth, e.node.Title)
		}
		if e.node.Title == "" {
			return nil, nil, taskerr.Validation("every tree node requires a title")
		}
		item := &types.WorkItem{
			ID:                   uuid.NewString(),
			ParentID:             e.parentID,
			Depth:                e.depth,
			Title:                e.node.Title,
			Summary:              e.node.Summary,
			Description:          e.node.Description,
			Complexity:           e.node.Complexity,
			Tags:                 e.node.Tags,
			RequiresVerification: e.node.RequiresVerification,
		}
		if e.node.Priority != "" {
			p, err := types.ParsePriority(e.node.Priority)
			if err != nil {
				return nil, nil, taskerr.Validation("node %q: %v", e.node.Title, err)
			}
			item.Priority = p
		}
		if e.node.Ref != "" {
			if _, dup := refs[e.node.Ref]; dup {
				return nil, nil, taskerr.Validation("duplicate ref %q", e.node.Ref)
			}
			refs[e.node.Ref] = item.ID
		}
		items = append(items, item)
		for i := range e.node.Children {
			queue = append(queue, entry{node: &e.node.Children[i], parentID: item.ID, depth: e.depth + 1})
		}
	}
	return items, refs, nil
}

// stubNotes seeds the item's schema notes with empty bodies so agents
// see what to fill in.
func (o *Orchestrator) stubNotes(ctx context.Context, tx storage.Tx, rt *runtime, item *types.WorkItem, enabled bool) ([]*types.Note, error) {
	if !enabled {
		return nil, nil
	}
	_, specs := rt.cfg.NoteSchemaForTags(item.Tags)
	notes := make([]*types.Note, 0, len(specs))
	for _, spec := range specs {
		saved, err := tx.UpsertNote(ctx, &types.Note{
			ItemID:      item.ID,
			Key:         spec.Key,
			Role:        spec.Role,
			Description: spec.Description,
		})
		if err != nil {
			return nil, taskerr.FromErr(err)
		}
		notes = append(notes, saved)
	}
	return notes, nil
}

// CompleteTreeRequest drives completion or cancellation of an item set.
type CompleteTreeRequest struct {
	RootID    string   `json:"rootId,omitempty"`
	IDs       []string `json:"ids,omitempty"`
	Trigger   string   `json:"trigger,omitempty"`
	Summary   string   `json:"summary,omitempty"`
	SessionID string   `json:"sessionId,omitempty"`
}

// TreeItemResult reports the fate of one item in a complete_tree batch.
type TreeItemResult struct {
	ID            string     `json:"id"`
	Applied       bool       `json:"applied"`
	NewRole       types.Role `json:"newRole,omitempty"`
	NewStatus     string     `json:"newStatus,omitempty"`
	GateErrors    []string   `json:"gateErrors,omitempty"`
	SkippedReason string     `json:"skippedReason,omitempty"`
	Error         string     `json:"error,omitempty"`
}

// CompleteTreeResult is the complete_tree payload.
type CompleteTreeResult struct {
	Results        []*TreeItemResult `json:"results"`
	Applied        int               `json:"applied"`
	CascadeEvents  []cascade.Event   `json:"cascadeEvents,omitempty"`
	Cleanup        []string          `json:"cleanup,omitempty"`
	UnblockedItems []UnblockedItem   `json:"unblockedItems,omitempty"`
}

// CompleteTree walks an item set in dependency order completing each
// item, or cancels the whole set. A gate failure skips every in-set
// dependent downstream of the failing item.
func (o *Orchestrator) CompleteTree(ctx context.Context, req CompleteTreeRequest) (*Outcome, error) {
	rt := o.begin(req.SessionID)
	trigger := types.TriggerComplete
	if req.Trigger != "" {
		parsed, err := types.ParseTrigger(req.Trigger)
		if err != nil {
			return nil, taskerr.Validation("%v", err)
		}
		if parsed != types.TriggerComplete && parsed != types.TriggerCancel {
			return nil, taskerr.Validation("complete_tree supports the complete and cancel triggers, not %q", parsed)
		}
		trigger = parsed
	}

	ids, err := o.resolveTreeSet(ctx, req)
	if err != nil {
		return nil, err
	}

	result := &CompleteTreeResult{}
	err = o.locked(types.OpStructureChange, ids, req.SessionID, func() error {
		return o.store.RunInTransaction(ctx, func(tx storage.Tx) error {
			return o.completeSet(ctx, tx, rt, ids, trigger, req.Summary, result)
		})
	})
	if err != nil {
		return nil, err
	}
	evictIDs := append([]string(nil), ids...)
	for _, ev := range result.CascadeEvents {
		if ev.Applied {
			evictIDs = append(evictIDs, ev.ItemID)
		}
	}
	evictIDs = append(evictIDs, result.Cleanup...)
	o.evict(evictIDs...)

	verb := "Completed"
	if trigger == types.TriggerCancel {
		verb = "Cancelled"
	}
	return &Outcome{
		Message: fmt.Sprintf("%s %d of %d item(s)", verb, result.Applied, len(result.Results)),
		Data:    result,
	}, nil
}

func (o *Orchestrator) resolveTreeSet(ctx context.Context, req CompleteTreeRequest) ([]string, error) {
	switch {
	case req.RootID != "" && len(req.IDs) > 0:
		return nil, taskerr.Validation("complete_tree takes a rootId or ids, not both")
	case req.RootID != "":
		root, err := o.store.GetItem(ctx, req.RootID)
		if err != nil {
			return nil, taskerr.FromErr(err)
		}
		desc, err := o.store.GetDescendants(ctx, root.ID)
		if err != nil {
			return nil, taskerr.FromErr(err)
		}
		// Deepest first so children complete before their parents.
		ids := make([]string, 0, len(desc)+1)
		for i := len(desc) - 1; i >= 0; i-- {
			ids = append(ids, desc[i].ID)
		}
		return append(ids, root.ID), nil
	case len(req.IDs) > 0:
		seen := map[string]bool{}
		ids := make([]string, 0, len(req.IDs))
		for _, id := range req.IDs {
			if seen[id] {
				continue
			}
			seen[id] = true
			ids = append(ids, id)
		}
		return ids, nil
	}
	return nil, taskerr.Validation("complete_tree requires a rootId or ids")
}

func (o *Orchestrator) completeSet(ctx context.Context, tx storage.Tx, rt *runtime, ids []string, trigger types.Trigger, summary string, result *CompleteTreeResult) error {
	edges, err := tx.AllEdges(ctx)
	if err != nil {
		return taskerr.FromErr(err)
	}
	order, _ := graph.Toposort(ids, edges)

	// downstream[i] lists the in-set dependents of i over blocking edges.
	inSet := map[string]bool{}
	for _, id := range ids {
		inSet[id] = true
	}
	downstream := map[string][]string{}
	for _, e := range edges {
		n := e.Normalized()
		if n.Type.Blocking() && inSet[n.FromItemID] && inSet[n.ToItemID] {
			downstream[n.FromItemID] = append(downstream[n.FromItemID], n.ToItemID)
		}
	}
	// Once an item fails, every in-set item downstream of it is skipped.
	skip := map[string]bool{}
	markDownstream := func(id string) {
		stack := append([]string(nil), downstream[id]...)
		for len(stack) > 0 {
			cur := stack[0]
			stack = stack[1:]
			if skip[cur] {
				continue
			}
			skip[cur] = true
			stack = append(stack, downstream[cur]...)
		}
	}

	for _, id := range order {
		entry := &TreeItemResult{ID: id}
		result.Results = append(result.Results, entry)

		if trigger == types.TriggerComplete && skip[id] {
			entry.SkippedReason = "dependency gate failed"
			continue
		}

		st, err := loadState(ctx, tx, id)
		if err != nil {
			if recoverable(err) {
				entry.Error = err.Error()
				markDownstream(id)
				continue
			}
			return err
		}
		if st.item.IsTerminal() {
			entry.SkippedReason = "already terminal"
			continue
		}

		out, err := o.applyTrigger(ctx, tx, rt, st, trigger, summary)
		if err != nil {
			if !recoverable(err) {
				return err
			}
			markDownstream(id)
			if taskerr.CodeOf(err) == taskerr.CodeGateFailure {
				entry.GateErrors = append(entry.GateErrors, err.Error())
			} else {
				entry.Error = err.Error()
			}
			continue
		}
		entry.Applied = true
		entry.NewRole = out.transition.NewRole
		entry.NewStatus = out.transition.NewStatus
		result.Applied++
		result.CascadeEvents = append(result.CascadeEvents, out.cascade.Events...)
		result.Cleanup = append(result.Cleanup, out.cascade.Cleaned...)
		result.UnblockedItems = append(result.UnblockedItems, out.unblocked...)
	}
	return nil
}
