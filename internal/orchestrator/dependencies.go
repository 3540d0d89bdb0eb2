package orchestrator

import (
	"context"
	"fmt"

	"github.com/jpicklyk/task-orchestrator/internal/graph"
	"github.com/jpicklyk/task-orchestrator/internal/storage"
	"github.com/jpicklyk/task-orchestrator/internal/taskerr"
	"github.com/jpicklyk/task-orchestrator/internal/types"
)

// DependencyInput names one edge to create. Work-tree requests address
// endpoints by ref, manage_dependencies by item id; From/To accept
// either and FromItemID/ToItemID stay as explicit aliases.
type DependencyInput struct {
	From       string `json:"from,omitempty"`
	To         string `json:"to,omitempty"`
	FromItemID string `json:"fromItemId,omitempty"`
	ToItemID   string `json:"toItemId,omitempty"`
	Type       string `json:"type,omitempty"`
	UnblockAt  string `json:"unblockAt,omitempty"`
}

func (in DependencyInput) endpoints() (string, string) {
	from, to := in.From, in.To
	if in.FromItemID != "" {
		from = in.FromItemID
	}
	if in.ToItemID != "" {
		to = in.ToItemID
	}
	return from, to
}

func (in DependencyInput) toDependency() (*types.Dependency, error) {
	from, to := in.endpoints()
	if from == "" || to == "" {
		return nil, taskerr.Validation("dependency requires both endpoints")
	}
	dep := &types.Dependency{FromItemID: from, ToItemID: to, Type: types.DepBlocks}
	if in.Type != "" {
		dt, err := types.ParseDependencyType(in.Type)
		if err != nil {
			return nil, taskerr.Validation("%v", err)
		}
		dep.Type = dt
	}
	if in.UnblockAt != "" {
		role, err := types.ParseRole(in.UnblockAt)
		if err != nil {
			return nil, taskerr.Validation("%v", err)
		}
		dep.UnblockAt = role
	}
	return dep, nil
}

// PatternSpec expands a common dependency shape into its edges.
type PatternSpec struct {
	Kind      string   `json:"kind"`
	IDs       []string `json:"ids,omitempty"`
	Source    string   `json:"source,omitempty"`
	Targets   []string `json:"targets,omitempty"`
	Sources   []string `json:"sources,omitempty"`
	Target    string   `json:"target,omitempty"`
	UnblockAt string   `json:"unblockAt,omitempty"`
}

func (p *PatternSpec) expand() ([]*types.Dependency, error) {
	var threshold types.Role
	if p.UnblockAt != "" {
		role, err := types.ParseRole(p.UnblockAt)
		if err != nil {
			return nil, taskerr.Validation("%v", err)
		}
		threshold = role
	}
	switch p.Kind {
	case "linear":
		if len(p.IDs) < 2 {
			return nil, taskerr.Validation("linear pattern requires at least two ids")
		}
		return graph.Linear(p.IDs, threshold), nil
	case "fan-out":
		if p.Source == "" || len(p.Targets) == 0 {
			return nil, taskerr.Validation("fan-out pattern requires a source and targets")
		}
		return graph.FanOut(p.Source, p.Targets, threshold), nil
	case "fan-in":
		if len(p.Sources) == 0 || p.Target == "" {
			return nil, taskerr.Validation("fan-in pattern requires sources and a target")
		}
		return graph.FanIn(p.Sources, p.Target, threshold), nil
	}
	return nil, taskerr.Validation("unknown pattern kind %q (want linear, fan-out, or fan-in)", p.Kind)
}

// ManageDependenciesRequest drives edge creation and deletion.
type ManageDependenciesRequest struct {
	Operation    string            `json:"operation"`
	Dependencies []DependencyInput `json:"dependencies,omitempty"`
	Pattern      *PatternSpec      `json:"pattern,omitempty"`
	ID           string            `json:"id,omitempty"`
	FromItemID   string            `json:"fromItemId,omitempty"`
	ToItemID     string            `json:"toItemId,omitempty"`
	Type         string            `json:"type,omitempty"`
	ItemID       string            `json:"itemId,omitempty"`
	SessionID    string            `json:"sessionId,omitempty"`
}

// ManageDependenciesResult is the payload of every manage_dependencies
// operation.
type ManageDependenciesResult struct {
	Dependencies []*types.Dependency `json:"dependencies,omitempty"`
	Deleted      int                 `json:"deleted,omitempty"`
}

// ManageDependencies creates or deletes dependency edges.
func (o *Orchestrator) ManageDependencies(ctx context.Context, req ManageDependenciesRequest) (*Outcome, error) {
	o.begin(req.SessionID)
	switch req.Operation {
	case "create":
		return o.createDependencies(ctx, req)
	case "delete":
		return o.deleteDependencies(ctx, req)
	default:
		return nil, taskerr.Validation("unknown manage_dependencies operation %q (want create or delete)", req.Operation)
	}
}

func (o *Orchestrator) createDependencies(ctx context.Context, req ManageDependenciesRequest) (*Outcome, error) {
	var batch []*types.Dependency
	switch {
	case req.Pattern != nil:
		deps, err := req.Pattern.expand()
		if err != nil {
			return nil, err
		}
		batch = deps
	case len(req.Dependencies) > 0:
		for i, in := range req.Dependencies {
			dep, err := in.toDependency()
			if err != nil {
				return nil, taskerr.Validation("dependency %d: %v", i, err)
			}
			batch = append(batch, dep)
		}
	default:
		return nil, taskerr.Validation("create requires dependencies or a pattern")
	}
	// Stored edges always carry the blocks spelling.
	batch = graph.NormalizeBatch(batch)

	endpointSet := map[string]bool{}
	for _, dep := range batch {
		endpointSet[dep.FromItemID] = true
		endpointSet[dep.ToItemID] = true
	}
	endpoints := make([]string, 0, len(endpointSet))
	for id := range endpointSet {
		endpoints = append(endpoints, id)
	}

	result := &ManageDependenciesResult{}
	err := o.locked(types.OpWrite, endpoints, req.SessionID, func() error {
		return o.store.RunInTransaction(ctx, func(tx storage.Tx) error {
			for id := range endpointSet {
				if _, err := tx.GetItem(ctx, id); err != nil {
					return taskerr.FromErr(err).With("itemId", id)
				}
			}
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
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return &Outcome{
		Message: fmt.Sprintf("Created %d dependency edge(s)", len(batch)),
		Data:    result,
	}, nil
}

func (o *Orchestrator) deleteDependencies(ctx context.Context, req ManageDependenciesRequest) (*Outcome, error) {
	var lockIDs []string
	switch {
	case req.ID != "":
		dep, err := o.store.GetDependency(ctx, req.ID)
		if err != nil {
			return nil, taskerr.FromErr(err)
		}
		lockIDs = []string{dep.FromItemID, dep.ToItemID}
	case req.FromItemID != "" && req.ToItemID != "":
		lockIDs = []string{req.FromItemID, req.ToItemID}
	case req.ItemID != "":
		lockIDs = []string{req.ItemID}
	default:
		return nil, taskerr.Validation("delete requires an id, a fromItemId and toItemId pair, or an itemId")
	}

	var depType types.DependencyType
	if req.Type != "" {
		dt, err := types.ParseDependencyType(req.Type)
		if err != nil {
			return nil, taskerr.Validation("%v", err)
		}
		depType = dt
	}

	result := &ManageDependenciesResult{}
	err := o.locked(types.OpWrite, lockIDs, req.SessionID, func() error {
		return o.store.RunInTransaction(ctx, func(tx storage.Tx) error {
			switch {
			case req.ID != "":
				if err := tx.DeleteDependency(ctx, req.ID); err != nil {
					return taskerr.FromErr(err)
				}
				result.Deleted = 1
			case req.FromItemID != "":
				n, err := tx.DeleteDependencyBetween(ctx, req.FromItemID, req.ToItemID, depType)
				if err != nil {
					return taskerr.FromErr(err)
				}
				result.Deleted = n
			default:
				n, err := tx.DeleteDependenciesForItem(ctx, req.ItemID)
				if err != nil {
					return taskerr.FromErr(err)
				}
				result.Deleted = n
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return &Outcome{
		Message: fmt.Sprintf("Deleted %d dependency edge(s)", result.Deleted),
		Data:    result,
	}, nil
}

// QueryDependenciesRequest drives edge reads around one item.
type QueryDependenciesRequest struct {
	ID            string `json:"id"`
	Direction     string `json:"direction,omitempty"`
	Type          string `json:"type,omitempty"`
	NeighborsOnly *bool  `json:"neighborsOnly,omitempty"`
	SessionID     string `json:"sessionId,omitempty"`
}

// DependencyView is one edge seen from the queried item: its direction,
// the other endpoint, and whether an incoming blocking edge is
// currently satisfied.
type DependencyView struct {
	*types.Dependency
	Direction types.DependencyDirection `json:"direction"`
	Other     *ItemRef                  `json:"item,omitempty"`
	Satisfied *bool                     `json:"satisfied,omitempty"`
}

// NeighborsResult is the neighbors-only query payload.
type NeighborsResult struct {
	Item         *ItemRef          `json:"item"`
	Dependencies []*DependencyView `json:"dependencies"`
	Blocked      bool              `json:"blocked"`
}

// AnalysisResult is the full-graph query payload.
type AnalysisResult struct {
	Analysis *graph.Analysis     `json:"analysis"`
	Items    map[string]*ItemRef `json:"items"`
}

// QueryDependencies reads the edges around an item, either the direct
// neighborhood or a full reachability analysis.
func (o *Orchestrator) QueryDependencies(ctx context.Context, req QueryDependenciesRequest) (*Outcome, error) {
	o.begin(req.SessionID)
	if req.ID == "" {
		return nil, taskerr.Validation("query_dependencies requires an id")
	}
	dir := types.DependencyDirection(req.Direction)
	if !dir.IsValid() {
		return nil, taskerr.Validation("invalid direction %q (want incoming, outgoing, or all)", req.Direction)
	}
	if dir == "" {
		dir = types.DirAll
	}
	var typeFilter types.DependencyType
	if req.Type != "" {
		dt, err := types.ParseDependencyType(req.Type)
		if err != nil {
			return nil, taskerr.Validation("%v", err)
		}
		typeFilter = dt
	}

	item, err := o.store.GetItem(ctx, req.ID)
	if err != nil {
		return nil, taskerr.FromErr(err)
	}

	if req.NeighborsOnly == nil || *req.NeighborsOnly {
		edges, err := o.store.EdgesTouching(ctx, req.ID)
		if err != nil {
			return nil, taskerr.FromErr(err)
		}
		views, blocked, err := o.dependencyViews(ctx, req.ID, edges, dir, typeFilter)
		if err != nil {
			return nil, err
		}
		return &Outcome{
			Message: fmt.Sprintf("%d edge(s) touching %s", len(views), item.Title),
			Data:    &NeighborsResult{Item: refOf(item), Dependencies: views, Blocked: blocked},
		}, nil
	}

	edges, err := o.store.AllEdges(ctx)
	if err != nil {
		return nil, taskerr.FromErr(err)
	}
	analysis := graph.Analyze(req.ID, edges, dir, typeFilter)
	refs := make(map[string]*ItemRef, len(analysis.Nodes))
	nodes, err := o.store.GetItems(ctx, analysis.Nodes)
	if err != nil {
		return nil, taskerr.FromErr(err)
	}
	for _, n := range nodes {
		refs[n.ID] = refOf(n)
	}
	return &Outcome{
		Message: fmt.Sprintf("Analyzed %d item(s) reachable from %s", len(analysis.Nodes), item.Title),
		Data:    &AnalysisResult{Analysis: analysis, Items: refs},
	}, nil
}

// dependencyViews projects the edges touching an item into per-edge
// views and an overall blocked verdict. The verdict always considers
// every blocking edge, regardless of the direction and type filters.
func (o *Orchestrator) dependencyViews(ctx context.Context, id string, edges []*types.Dependency, dir types.DependencyDirection, typeFilter types.DependencyType) ([]*DependencyView, bool, error) {
	otherIDs := map[string]bool{}
	for _, e := range edges {
		n := e.Normalized()
		if n.FromItemID == id {
			otherIDs[n.ToItemID] = true
		} else {
			otherIDs[n.FromItemID] = true
		}
	}
	ids := make([]string, 0, len(otherIDs))
	for other := range otherIDs {
		ids = append(ids, other)
	}
	items, err := o.store.GetItems(ctx, ids)
	if err != nil {
		return nil, false, taskerr.FromErr(err)
	}
	byID := make(map[string]*types.WorkItem, len(items))
	for _, it := range items {
		byID[it.ID] = it
	}

	var views []*DependencyView
	for _, e := range edges {
		n := e.Normalized()
		edgeDir := types.DirOutgoing
		otherID := n.ToItemID
		if n.ToItemID == id {
			edgeDir = types.DirIncoming
			otherID = n.FromItemID
		}
		if dir != types.DirAll && dir != edgeDir {
			continue
		}
		if typeFilter != "" && n.Type != typeFilter {
			continue
		}
		view := &DependencyView{
			Dependency: e,
			Direction:  edgeDir,
			Other:      refOf(byID[otherID]),
		}
		if edgeDir == types.DirIncoming && n.Type.Blocking() {
			if blocker := byID[otherID]; blocker != nil {
				satisfied := blocker.Role.Satisfies(n.EffectiveThreshold())
				view.Satisfied = &satisfied
			}
		}
		views = append(views, view)
	}

	blocked := graph.IsBlocked(graph.Blockers(id, edges, byID))
	return views, blocked, nil
}
