package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/jpicklyk/task-orchestrator/internal/storage"
	"github.com/jpicklyk/task-orchestrator/internal/taskerr"
	"github.com/jpicklyk/task-orchestrator/internal/types"
)

// ManageItemsRequest drives the create, update, and delete operations on
// work items. Items carries raw field maps so updates can distinguish an
// absent field from an explicit null.
type ManageItemsRequest struct {
	Operation string           `json:"operation"`
	Items     []map[string]any `json:"items,omitempty"`
	ParentID  string           `json:"parentId,omitempty"`
	IDs       []string         `json:"ids,omitempty"`
	Recursive bool             `json:"recursive,omitempty"`
	SessionID string           `json:"sessionId,omitempty"`
}

// ItemError records a per-entry failure inside a batch.
type ItemError struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// ManageItemsResult is the payload of every manage_items operation.
type ManageItemsResult struct {
	Items   []*ItemPayload `json:"items,omitempty"`
	Deleted []string       `json:"deleted,omitempty"`
	Errors  []ItemError    `json:"errors,omitempty"`
}

// ManageItems creates, updates, or deletes work items in one batch.
func (o *Orchestrator) ManageItems(ctx context.Context, req ManageItemsRequest) (*Outcome, error) {
	rt := o.begin(req.SessionID)
	switch req.Operation {
	case "create":
		return o.createItems(ctx, rt, req)
	case "update":
		return o.updateItems(ctx, rt, req)
	case "delete":
		return o.deleteItems(ctx, req)
	default:
		return nil, taskerr.Validation("unknown manage_items operation %q (want create, update, or delete)", req.Operation)
	}
}

func (o *Orchestrator) createItems(ctx context.Context, rt *runtime, req ManageItemsRequest) (*Outcome, error) {
	if len(req.Items) == 0 {
		return nil, taskerr.Validation("create requires at least one item")
	}
	drafts := make([]*types.WorkItem, 0, len(req.Items))
	lockIDs := make([]string, 0, len(req.Items))
	for i, fields := range req.Items {
		item, err := itemFromFields(fields, req.ParentID)
		if err != nil {
			return nil, taskerr.Validation("item %d: %v", i, err)
		}
		drafts = append(drafts, item)
		if item.ID != "" {
			lockIDs = append(lockIDs, item.ID)
		}
		if item.ParentID != "" {
			lockIDs = append(lockIDs, item.ParentID)
		}
	}

	result := &ManageItemsResult{}
	err := o.locked(types.OpCreate, lockIDs, req.SessionID, func() error {
		return o.store.RunInTransaction(ctx, func(tx storage.Tx) error {
			for _, item := range drafts {
				if err := o.placeItem(ctx, tx, item); err != nil {
					return err
				}
				item.SetDefaults()
				item.StatusLabel = rt.cfg.StatusFor(item)
				if err := tx.CreateItem(ctx, item); err != nil {
					return taskerr.FromErr(err)
				}
				result.Items = append(result.Items, &ItemPayload{
					WorkItem:      item,
					ExpectedNotes: rt.machine.ExpectedNotes(item, nil),
				})
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return &Outcome{
		Message: fmt.Sprintf("Created %d item(s)", len(result.Items)),
		Data:    result,
	}, nil
}

// placeItem resolves the item's depth from its parent and enforces the
// nesting ceiling.
func (o *Orchestrator) placeItem(ctx context.Context, tx storage.Tx, item *types.WorkItem) error {
	if item.ParentID == "" {
		item.Depth = 0
		return nil
	}
	parent, err := tx.GetItem(ctx, item.ParentID)
	if err != nil {
		return taskerr.FromErr(err)
	}
	item.Depth = parent.Depth + 1
	if item.Depth >= types.MaxDepth {
		return taskerr.Validation("cannot nest under %s: items are limited to %d levels", parent.ID, types.MaxDepth)
	}
	return nil
}

func (o *Orchestrator) updateItems(ctx context.Context, rt *runtime, req ManageItemsRequest) (*Outcome, error) {
	if len(req.Items) == 0 {
		return nil, taskerr.Validation("update requires at least one item")
	}
	type patch struct {
		id     string
		fields map[string]any
	}
	patches := make([]patch, 0, len(req.Items))
	lockIDs := make([]string, 0, len(req.Items))
	reparented := false
	for i, fields := range req.Items {
		id, _ := fields["id"].(string)
		if id == "" {
			return nil, taskerr.Validation("item %d: update requires an id", i)
		}
		updates := make(map[string]any, len(fields))
		for k, v := range fields {
			if k == "id" {
				continue
			}
			updates[k] = v
		}
		if _, ok := updates["parentId"]; ok {
			reparented = true
		}
		patches = append(patches, patch{id: id, fields: updates})
		lockIDs = append(lockIDs, id)
	}

	result := &ManageItemsResult{}
	err := o.locked(types.OpWrite, lockIDs, req.SessionID, func() error {
		return o.store.RunInTransaction(ctx, func(tx storage.Tx) error {
			for _, p := range patches {
				if err := tx.UpdateItem(ctx, p.id, p.fields); err != nil {
					err = taskerr.FromErr(err)
					if recoverable(err) {
						result.Errors = append(result.Errors, ItemError{ID: p.id, Error: err.Error()})
						continue
					}
					return err
				}
				item, err := tx.GetItem(ctx, p.id)
				if err != nil {
					return taskerr.FromErr(err)
				}
				notes, err := tx.ListNotes(ctx, types.NoteFilter{ItemID: p.id})
				if err != nil {
					return taskerr.FromErr(err)
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

	// Re-parenting shifts subtree depths, which the per-id cache cannot
	// see. Drop everything rather than track descendants.
	if reparented {
		o.items.Flush()
	} else {
		o.evict(lockIDs...)
	}
	return &Outcome{
		Message: fmt.Sprintf("Updated %d of %d item(s)", len(result.Items), len(patches)),
		Data:    result,
	}, nil
}

func (o *Orchestrator) deleteItems(ctx context.Context, req ManageItemsRequest) (*Outcome, error) {
	if len(req.IDs) == 0 {
		return nil, taskerr.Validation("delete requires at least one id")
	}
	kind := types.OpDelete
	if req.Recursive {
		kind = types.OpStructureChange
	}

	result := &ManageItemsResult{}
	err := o.locked(kind, req.IDs, req.SessionID, func() error {
		return o.store.RunInTransaction(ctx, func(tx storage.Tx) error {
			gone := map[string]bool{}
			for _, id := range req.IDs {
				if gone[id] {
					continue
				}
				deleted, err := tx.DeleteItems(ctx, []string{id}, req.Recursive)
				if err != nil {
					err = taskerr.FromErr(err)
					if recoverable(err) {
						result.Errors = append(result.Errors, ItemError{ID: id, Error: err.Error()})
						continue
					}
					return err
				}
				for _, d := range deleted {
					gone[d] = true
					result.Deleted = append(result.Deleted, d)
				}
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	o.evict(result.Deleted...)
	return &Outcome{
		Message: fmt.Sprintf("Deleted %d item(s)", len(result.Deleted)),
		Data:    result,
	}, nil
}

// itemFromFields decodes a create payload. JSON numbers arrive as
// float64, so numeric fields go through asRoundInt.
func itemFromFields(fields map[string]any, sharedParent string) (*types.WorkItem, error) {
	item := &types.WorkItem{ParentID: sharedParent}
	for key, value := range fields {
		switch key {
		case "id":
			s, ok := value.(string)
			if !ok {
				return nil, fmt.Errorf("id must be a string")
			}
			item.ID = s
		case "parentId":
			if value == nil {
				item.ParentID = ""
				break
			}
			s, ok := value.(string)
			if !ok {
				return nil, fmt.Errorf("parentId must be a string")
			}
			item.ParentID = s
		case "title":
			s, ok := value.(string)
			if !ok {
				return nil, fmt.Errorf("title must be a string")
			}
			item.Title = s
		case "summary":
			s, ok := value.(string)
			if !ok {
				return nil, fmt.Errorf("summary must be a string")
			}
			item.Summary = s
		case "description":
			s, ok := value.(string)
			if !ok {
				return nil, fmt.Errorf("description must be a string")
			}
			item.Description = s
		case "priority":
			s, ok := value.(string)
			if !ok {
				return nil, fmt.Errorf("priority must be a string")
			}
			p, err := types.ParsePriority(s)
			if err != nil {
				return nil, err
			}
			item.Priority = p
		case "complexity":
			if value == nil {
				break
			}
			n, ok := asRoundInt(value)
			if !ok {
				return nil, fmt.Errorf("complexity must be an integer")
			}
			item.Complexity = &n
		case "tags":
			tags, ok := asStrings(value)
			if !ok {
				return nil, fmt.Errorf("tags must be a string array")
			}
			item.Tags = tags
		case "requiresVerification":
			b, ok := value.(bool)
			if !ok {
				return nil, fmt.Errorf("requiresVerification must be a boolean")
			}
			item.RequiresVerification = b
		default:
			return nil, fmt.Errorf("unsupported field %q", key)
		}
	}
	if item.Title == "" {
		return nil, fmt.Errorf("title is required")
	}
	return item, nil
}

func asRoundInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n != float64(int(n)) {
			return 0, false
		}
		return int(n), true
	}
	return 0, false
}

func asStrings(v any) ([]string, bool) {
	switch s := v.(type) {
	case []string:
		return s, true
	case []any:
		out := make([]string, 0, len(s))
		for _, e := range s {
			str, ok := e.(string)
			if !ok {
				return nil, false
			}
			out = append(out, str)
		}
		return out, true
	}
	return nil, false
}

// QueryItemsRequest drives the read-side item operations.
type QueryItemsRequest struct {
	Operation string `json:"operation"`
	ID        string `json:"id,omitempty"`

	IncludeNotes        bool `json:"includeNotes,omitempty"`
	IncludeDependencies bool `json:"includeDependencies,omitempty"`

	IDs            []string   `json:"ids,omitempty"`
	ParentID       *string    `json:"parentId,omitempty"`
	Depth          *int       `json:"depth,omitempty"`
	Role           string     `json:"role,omitempty"`
	Priority       string     `json:"priority,omitempty"`
	Tags           []string   `json:"tags,omitempty"`
	Text           string     `json:"text,omitempty"`
	CreatedAfter   *time.Time `json:"createdAfter,omitempty"`
	CreatedBefore  *time.Time `json:"createdBefore,omitempty"`
	ModifiedAfter  *time.Time `json:"modifiedAfter,omitempty"`
	ModifiedBefore *time.Time `json:"modifiedBefore,omitempty"`
	SortBy         string     `json:"sortBy,omitempty"`
	SortDesc       bool       `json:"sortDesc,omitempty"`
	Limit          int        `json:"limit,omitempty"`
	Offset         int        `json:"offset,omitempty"`

	SessionID string `json:"sessionId,omitempty"`
}

// ItemDetail is the get payload: the item plus whatever the caller asked
// to have joined in.
type ItemDetail struct {
	Item         *types.WorkItem   `json:"item"`
	Notes        []*NoteView       `json:"notes,omitempty"`
	Dependencies []*DependencyView `json:"dependencies,omitempty"`
	Blocked      bool              `json:"blocked,omitempty"`
}

// SearchResult is the search payload.
type SearchResult struct {
	Items  []*types.WorkItem `json:"items"`
	Count  int               `json:"count"`
	Limit  int               `json:"limit,omitempty"`
	Offset int               `json:"offset,omitempty"`
}

// QueryItems serves get, search, and overview reads. Reads take no lock.
func (o *Orchestrator) QueryItems(ctx context.Context, req QueryItemsRequest) (*Outcome, error) {
	o.begin(req.SessionID)
	switch req.Operation {
	case "get":
		return o.getItem(ctx, req)
	case "search":
		return o.searchItems(ctx, req)
	case "overview":
		return o.overview(ctx, req)
	default:
		return nil, taskerr.Validation("unknown query_items operation %q (want get, search, or overview)", req.Operation)
	}
}

func (o *Orchestrator) getItem(ctx context.Context, req QueryItemsRequest) (*Outcome, error) {
	if req.ID == "" {
		return nil, taskerr.Validation("get requires an id")
	}
	item, err := o.items.GetOrLoad(ctx, req.ID, 0, func(ctx context.Context) (*types.WorkItem, error) {
		it, err := o.store.GetItem(ctx, req.ID)
		if err != nil {
			return nil, taskerr.FromErr(err)
		}
		return it, nil
	})
	if err != nil {
		return nil, err
	}
	detail := &ItemDetail{Item: item}

	if req.IncludeNotes {
		notes, err := o.store.ListNotes(ctx, types.NoteFilter{ItemID: req.ID})
		if err != nil {
			return nil, taskerr.FromErr(err)
		}
		detail.Notes = noteViews(notes, true)
	}
	if req.IncludeDependencies {
		edges, err := o.store.EdgesTouching(ctx, req.ID)
		if err != nil {
			return nil, taskerr.FromErr(err)
		}
		views, blocked, err := o.dependencyViews(ctx, req.ID, edges, types.DirAll, "")
		if err != nil {
			return nil, err
		}
		detail.Dependencies = views
		detail.Blocked = blocked
	}
	return &Outcome{Message: item.Title, Data: detail}, nil
}

func (o *Orchestrator) searchItems(ctx context.Context, req QueryItemsRequest) (*Outcome, error) {
	filter := types.ItemFilter{
		IDs:            req.IDs,
		ParentID:       req.ParentID,
		Depth:          req.Depth,
		Tags:           req.Tags,
		Text:           req.Text,
		CreatedAfter:   req.CreatedAfter,
		CreatedBefore:  req.CreatedBefore,
		ModifiedAfter:  req.ModifiedAfter,
		ModifiedBefore: req.ModifiedBefore,
	}
	if req.Role != "" {
		role, err := types.ParseRole(req.Role)
		if err != nil {
			return nil, taskerr.Validation("%v", err)
		}
		filter.Role = &role
	}
	if req.Priority != "" {
		p, err := types.ParsePriority(req.Priority)
		if err != nil {
			return nil, taskerr.Validation("%v", err)
		}
		filter.Priority = &p
	}
	field, err := types.ParseSortField(req.SortBy)
	if err != nil {
		return nil, taskerr.Validation("%v", err)
	}

	limit := req.Limit
	if limit <= 0 {
		limit = 50
	}
	items, err := o.store.SearchItems(ctx, filter, types.Sort{Field: field, Desc: req.SortDesc}, limit, req.Offset)
	if err != nil {
		return nil, taskerr.FromErr(err)
	}
	return &Outcome{
		Message: fmt.Sprintf("Found %d item(s)", len(items)),
		Data:    &SearchResult{Items: items, Count: len(items), Limit: limit, Offset: req.Offset},
	}, nil
}

func (o *Orchestrator) overview(ctx context.Context, req QueryItemsRequest) (*Outcome, error) {
	res, err := o.store.Overview(ctx, req.ID)
	if err != nil {
		return nil, taskerr.FromErr(err)
	}
	msg := "Overview of root items"
	if res.Item != nil {
		msg = fmt.Sprintf("Overview of %s", res.Item.Title)
	}
	return &Outcome{Message: msg, Data: res}, nil
}
