package orchestrator

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jpicklyk/task-orchestrator/internal/graph"
	"github.com/jpicklyk/task-orchestrator/internal/lifecycle"
	"github.com/jpicklyk/task-orchestrator/internal/session"
	"github.com/jpicklyk/task-orchestrator/internal/taskerr"
	"github.com/jpicklyk/task-orchestrator/internal/types"
)

// DefaultStalledAfterDays is how long an active item may sit without a
// role change before the health report flags it.
const DefaultStalledAfterDays = 7

const recentTransitionLimit = 10

// GetContextRequest selects one of the context modes: item, session, or
// health.
type GetContextRequest struct {
	Mode             string `json:"mode"`
	ID               string `json:"id,omitempty"`
	Since            string `json:"since,omitempty"`
	StalledAfterDays int    `json:"stalledAfterDays,omitempty"`
	SessionID        string `json:"sessionId,omitempty"`
}

// ItemContext is the item-mode payload: everything an agent needs to
// pick up one item cold.
type ItemContext struct {
	Item          *types.WorkItem           `json:"item"`
	Parent        *ItemRef                  `json:"parent,omitempty"`
	Children      []*ItemRef                `json:"children,omitempty"`
	Notes         []*NoteView               `json:"notes,omitempty"`
	Dependencies  []*DependencyView         `json:"dependencies,omitempty"`
	Blocked       bool                      `json:"blocked"`
	SchemaKey     string                    `json:"schemaKey,omitempty"`
	ExpectedNotes []lifecycle.ExpectedNote  `json:"expectedNotes,omitempty"`
	Transitions   []*types.TransitionRecord `json:"transitions,omitempty"`
}

// SessionContext is the session-mode payload: what changed since the
// caller last looked.
type SessionContext struct {
	Since       time.Time                 `json:"since"`
	Session     *session.Session          `json:"session,omitempty"`
	Changed     []*types.WorkItem         `json:"changed"`
	Transitions []*types.TransitionRecord `json:"transitions"`
	InFlight    []*types.WorkItem         `json:"inFlight"`
}

// StalledItem is an active item whose role has not changed recently.
type StalledItem struct {
	ID       string     `json:"id"`
	Title    string     `json:"title"`
	Role     types.Role `json:"role"`
	Status   string     `json:"status,omitempty"`
	IdleDays int        `json:"idleDays"`
}

// HealthContext is the health-mode payload.
type HealthContext struct {
	GeneratedAt      time.Time        `json:"generatedAt"`
	Counts           types.RoleCounts `json:"counts"`
	Stalled          []*StalledItem   `json:"stalled,omitempty"`
	Blocked          []*BlockedEntry  `json:"blocked,omitempty"`
	StalledAfterDays int              `json:"stalledAfterDays"`
}

// GetContext serves the item, session, and health context modes.
func (o *Orchestrator) GetContext(ctx context.Context, req GetContextRequest) (*Outcome, error) {
	rt := o.begin(req.SessionID)
	switch req.Mode {
	case "item":
		return o.itemContext(ctx, rt, req)
	case "session":
		return o.sessionContext(ctx, rt, req)
	case "health":
		return o.healthContext(ctx, rt, req)
	default:
		return nil, taskerr.Validation("unknown get_context mode %q (want item, session, or health)", req.Mode)
	}
}

func (o *Orchestrator) itemContext(ctx context.Context, rt *runtime, req GetContextRequest) (*Outcome, error) {
	if req.ID == "" {
		return nil, taskerr.Validation("item mode requires an id")
	}
	item, err := o.store.GetItem(ctx, req.ID)
	if err != nil {
		return nil, taskerr.FromErr(err)
	}
	result := &ItemContext{Item: item}

	if item.ParentID != "" {
		parent, err := o.store.GetItem(ctx, item.ParentID)
		if err == nil {
			result.Parent = refOf(parent)
		} else if e := taskerr.FromErr(err); e.Code != taskerr.CodeNotFound {
			return nil, e
		}
	}
	children, err := o.store.GetChildren(ctx, item.ID)
	if err != nil {
		return nil, taskerr.FromErr(err)
	}
	for _, c := range children {
		result.Children = append(result.Children, refOf(c))
	}

	notes, err := o.store.ListNotes(ctx, types.NoteFilter{ItemID: item.ID})
	if err != nil {
		return nil, taskerr.FromErr(err)
	}
	result.Notes = noteViews(notes, true)
	result.ExpectedNotes = rt.machine.ExpectedNotes(item, notes)
	result.SchemaKey, _ = rt.cfg.NoteSchemaForTags(item.Tags)

	edges, err := o.store.EdgesTouching(ctx, item.ID)
	if err != nil {
		return nil, taskerr.FromErr(err)
	}
	result.Dependencies, result.Blocked, err = o.dependencyViews(ctx, item.ID, edges, types.DirAll, "")
	if err != nil {
		return nil, err
	}

	result.Transitions, err = o.store.TransitionsForItem(ctx, item.ID, recentTransitionLimit)
	if err != nil {
		return nil, taskerr.FromErr(err)
	}
	return &Outcome{Message: fmt.Sprintf("Context for %s", item.Title), Data: result}, nil
}

func (o *Orchestrator) sessionContext(ctx context.Context, rt *runtime, req GetContextRequest) (*Outcome, error) {
	since, err := o.resolveSince(req, rt)
	if err != nil {
		return nil, err
	}
	result := &SessionContext{Since: since}
	if req.SessionID != "" {
		result.Session = o.sessions.Get(req.SessionID)
	}

	result.Changed, err = o.store.ItemsChangedSince(ctx, since)
	if err != nil {
		return nil, taskerr.FromErr(err)
	}
	result.Transitions, err = o.store.TransitionsSince(ctx, since, 100)
	if err != nil {
		return nil, taskerr.FromErr(err)
	}
	for _, role := range []types.Role{types.RoleWork, types.RoleReview} {
		items, err := o.store.SearchItems(ctx, types.ItemFilter{Role: &role}, types.Sort{}, 0, 0)
		if err != nil {
			return nil, taskerr.FromErr(err)
		}
		result.InFlight = append(result.InFlight, items...)
	}

	return &Outcome{
		Message: fmt.Sprintf("%d item(s) changed since %s", len(result.Changed), since.Format(time.RFC3339)),
		Data:    result,
	}, nil
}

// resolveSince picks the changed-since cutoff: an explicit timestamp
// wins, then the session's previous activity, then the last 24 hours.
func (o *Orchestrator) resolveSince(req GetContextRequest, rt *runtime) (time.Time, error) {
	if req.Since != "" {
		t, err := time.Parse(time.RFC3339, req.Since)
		if err != nil {
			return time.Time{}, taskerr.Validation("since must be RFC 3339: %v", err)
		}
		return t.UTC(), nil
	}
	if !rt.prevSeen.IsZero() {
		return rt.prevSeen, nil
	}
	return time.Now().UTC().Add(-24 * time.Hour), nil
}

func (o *Orchestrator) healthContext(ctx context.Context, rt *runtime, req GetContextRequest) (*Outcome, error) {
	stalledAfter := req.StalledAfterDays
	if stalledAfter <= 0 {
		stalledAfter = DefaultStalledAfterDays
	}

	byRole := map[types.Role][]*types.WorkItem{}
	var edges []*types.Dependency

	g, gctx := errgroup.WithContext(ctx)
	var results [4][]*types.WorkItem
	for i, role := range []types.Role{types.RoleQueue, types.RoleWork, types.RoleReview, types.RoleBlocked} {
		g.Go(func() error {
			items, err := o.store.SearchItems(gctx, types.ItemFilter{Role: &role}, types.Sort{}, 0, 0)
			if err != nil {
				return taskerr.FromErr(err)
			}
			results[i] = items
			return nil
		})
	}
	g.Go(func() error {
		all, err := o.store.AllEdges(gctx)
		if err != nil {
			return taskerr.FromErr(err)
		}
		edges = all
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for i, role := range []types.Role{types.RoleQueue, types.RoleWork, types.RoleReview, types.RoleBlocked} {
		byRole[role] = results[i]
	}

	result := &HealthContext{
		GeneratedAt:      time.Now().UTC(),
		StalledAfterDays: stalledAfter,
	}
	for role, items := range byRole {
		result.Counts.Add(role, len(items))
	}

	cutoff := result.GeneratedAt.Add(-time.Duration(stalledAfter) * 24 * time.Hour)
	for _, role := range []types.Role{types.RoleWork, types.RoleReview} {
		for _, item := range byRole[role] {
			if item.RoleChangedAt.After(cutoff) {
				continue
			}
			idle := int(result.GeneratedAt.Sub(item.RoleChangedAt).Hours() / 24)
			result.Stalled = append(result.Stalled, &StalledItem{
				ID:       item.ID,
				Title:    item.Title,
				Role:     item.Role,
				Status:   rt.cfg.StatusFor(item),
				IdleDays: idle,
			})
		}
	}

	// Blocked section: explicit BLOCKED items plus queued items held
	// back by an unsatisfied blocker.
	var pool []*types.WorkItem
	pool = append(pool, byRole[types.RoleBlocked]...)
	pool = append(pool, byRole[types.RoleQueue]...)
	byID, err := o.blockerIndex(ctx, edges, pool)
	if err != nil {
		return nil, err
	}
	for _, item := range pool {
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
		result.Blocked = append(result.Blocked, entry)
	}

	return &Outcome{
		Message: fmt.Sprintf("%d active, %d blocked, %d stalled",
			result.Counts.Work+result.Counts.Review, len(result.Blocked), len(result.Stalled)),
		Data: result,
	}, nil
}
