// Package orchestrator implements the operation surface of the task
// server. Each operation touches the session registry, acquires the
// admission lock its write set needs, runs against storage in a single
// transaction, and feeds applied transitions through the cascade
// engine before the transaction commits. Read operations skip the lock
// and run directly against the store.
package orchestrator

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/jpicklyk/task-orchestrator/internal/cache"
	"github.com/jpicklyk/task-orchestrator/internal/cascade"
	"github.com/jpicklyk/task-orchestrator/internal/graph"
	"github.com/jpicklyk/task-orchestrator/internal/lifecycle"
	"github.com/jpicklyk/task-orchestrator/internal/lock"
	"github.com/jpicklyk/task-orchestrator/internal/log"
	"github.com/jpicklyk/task-orchestrator/internal/session"
	"github.com/jpicklyk/task-orchestrator/internal/storage"
	"github.com/jpicklyk/task-orchestrator/internal/taskerr"
	"github.com/jpicklyk/task-orchestrator/internal/types"
	"github.com/jpicklyk/task-orchestrator/internal/workflow"
)

// ItemCacheTTL is how long a fetched item stays servable without a re-read.
const ItemCacheTTL = 30 * time.Second

// Orchestrator wires storage, workflow config, locking, sessions, and the
// item cache behind the operation handlers.
type Orchestrator struct {
	store    storage.Store
	loader   *workflow.Loader
	locks    *lock.Manager
	sessions *session.Registry
	items    *cache.Manager[*types.WorkItem]
	logger   zerolog.Logger
}

// New builds an orchestrator over the given store and workflow loader.
func New(store storage.Store, loader *workflow.Loader, locks *lock.Manager, sessions *session.Registry) *Orchestrator {
	return &Orchestrator{
		store:    store,
		loader:   loader,
		locks:    locks,
		sessions: sessions,
		items:    cache.NewManager[*types.WorkItem]("items", ItemCacheTTL, cache.DefaultCleanupInterval),
		logger:   log.WithComponent("orchestrator"),
	}
}

// Outcome is what every operation hands back to the transport layer: a
// human-readable one-liner and the structured payload.
type Outcome struct {
	Message string
	Data    any
}

// runtime is the per-request view of the mutable parts of the world: a
// workflow config snapshot plus the engines built over it, and the
// session's previous activity timestamp for resume queries.
type runtime struct {
	cfg      *workflow.Config
	machine  *lifecycle.Machine
	cascade  *cascade.Engine
	prevSeen time.Time
}

// begin registers session activity and snapshots the workflow config.
func (o *Orchestrator) begin(sessionID string) *runtime {
	prev := o.sessions.Touch(sessionID)
	cfg := o.loader.Config()
	return &runtime{
		cfg:      cfg,
		machine:  lifecycle.NewMachine(cfg),
		cascade:  cascade.New(cfg),
		prevSeen: prev,
	}
}

// locked runs fn while holding an admission lock of the given kind over
// the ids. A conflicting held lock rejects the operation immediately;
// callers retry rather than queue.
func (o *Orchestrator) locked(kind types.OperationKind, ids []string, sessionID string, fn func() error) error {
	res := o.locks.Acquire(kind, ids, sessionID)
	if !res.Acquired {
		return lockConflict(res)
	}
	defer o.locks.Release(res.LockID)
	return fn()
}

func lockConflict(res *lock.Result) error {
	err := taskerr.Conflict("operation conflicts with %d held lock(s); retry shortly", len(res.Conflicts))
	if len(res.Conflicts) > 0 {
		l := res.Conflicts[0]
		err = err.With("conflictingKind", string(l.Kind)).With("heldBy", l.SessionID).With("expiresAt", l.ExpiresAt)
	}
	return err
}

// recoverable reports whether an error should be recorded against one
// entry of a batch instead of aborting the whole transaction.
func recoverable(err error) bool {
	switch taskerr.CodeOf(err) {
	case taskerr.CodeValidation, taskerr.CodeNotFound, taskerr.CodeConflict,
		taskerr.CodeGateFailure, taskerr.CodeState:
		return true
	}
	return false
}

// ItemRef is the light projection of an item used inside larger payloads.
type ItemRef struct {
	ID     string     `json:"id"`
	Title  string     `json:"title"`
	Role   types.Role `json:"role"`
	Status string     `json:"status,omitempty"`
}

func refOf(item *types.WorkItem) *ItemRef {
	if item == nil {
		return nil
	}
	return &ItemRef{ID: item.ID, Title: item.Title, Role: item.Role, Status: item.StatusLabel}
}

// ItemPayload is a work item plus the note schema view callers use to
// see what documentation the item still expects.
type ItemPayload struct {
	*types.WorkItem
	ExpectedNotes []lifecycle.ExpectedNote `json:"expectedNotes,omitempty"`
}

// UnblockedItem names a dependent whose blockers all became satisfied as
// a result of the current operation.
type UnblockedItem struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// BlockerInfo is the per-edge view reported by blocked-item queries.
type BlockerInfo struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Role      types.Role `json:"role"`
	Threshold types.Role `json:"threshold"`
	Satisfied bool       `json:"satisfied"`
}

func blockerInfos(statuses []graph.BlockerStatus) []BlockerInfo {
	out := make([]BlockerInfo, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, BlockerInfo{
			ID:        s.Blocker.ID,
			Title:     s.Blocker.Title,
			Role:      s.Blocker.Role,
			Threshold: s.Threshold,
			Satisfied: s.Satisfied,
		})
	}
	return out
}

// itemState is everything the role machine needs about one item,
// resolved inside the operation's transaction.
type itemState struct {
	item     *types.WorkItem
	notes    []*types.Note
	edges    []*types.Dependency
	blockers []graph.BlockerStatus
}

func loadState(ctx context.Context, tx storage.Tx, id string) (*itemState, error) {
	item, err := tx.GetItem(ctx, id)
	if err != nil {
		return nil, taskerr.FromErr(err)
	}
	notes, err := tx.ListNotes(ctx, types.NoteFilter{ItemID: id})
	if err != nil {
		return nil, taskerr.FromErr(err)
	}
	edges, err := tx.EdgesTouching(ctx, id)
	if err != nil {
		return nil, taskerr.FromErr(err)
	}
	blockers, err := resolveBlockers(ctx, tx, id, edges)
	if err != nil {
		return nil, err
	}
	return &itemState{item: item, notes: notes, edges: edges, blockers: blockers}, nil
}

// resolveBlockers fetches the blocker side of every incoming blocking
// edge. Edges pointing at deleted items are ignored.
func resolveBlockers(ctx context.Context, tx storage.Tx, id string, edges []*types.Dependency) ([]graph.BlockerStatus, error) {
	items := map[string]*types.WorkItem{}
	for _, e := range edges {
		n := e.Normalized()
		if !n.Type.Blocking() || n.ToItemID != id {
			continue
		}
		if _, ok := items[n.FromItemID]; ok {
			continue
		}
		blocker, err := tx.GetItem(ctx, n.FromItemID)
		if err != nil {
			e := taskerr.FromErr(err)
			if e.Code == taskerr.CodeNotFound {
				continue
			}
			return nil, e
		}
		items[n.FromItemID] = blocker
	}
	return graph.Blockers(id, edges, items), nil
}

// applyOutcome is the full result of one applied trigger.
type applyOutcome struct {
	transition *lifecycle.Transition
	item       *types.WorkItem
	cascade    *cascade.Result
	unblocked  []UnblockedItem
	expected   []lifecycle.ExpectedNote
}

// applyTrigger decides and persists one transition, runs the cascade
// engine on it, and reports which dependents it unblocked. The caller
// already holds the lock and the transaction; st.item is mutated to the
// post-transition state.
func (o *Orchestrator) applyTrigger(ctx context.Context, tx storage.Tx, rt *runtime, st *itemState, trigger types.Trigger, summary string) (*applyOutcome, error) {
	tr, err := rt.machine.Decide(lifecycle.Request{
		Item:     st.item,
		Trigger:  trigger,
		Notes:    st.notes,
		Blockers: st.blockers,
	})
	if err != nil {
		return nil, err
	}

	// Dependents held back by this item before the role change. Only
	// these can flip to unblocked afterwards.
	waiting := waitingDependents(st.item, st.edges)

	if err := tx.UpdateRole(ctx, st.item.ID, tr.NewRole, tr.SavedRole, tr.NewStatus); err != nil {
		return nil, taskerr.FromErr(err)
	}
	rec := tr.Record()
	rec.Summary = summary
	if err := tx.AppendTransition(ctx, rec); err != nil {
		return nil, taskerr.FromErr(err)
	}
	lifecycle.Apply(st.item, tr, time.Now().UTC())

	unblocked, err := nowUnblocked(ctx, tx, waiting)
	if err != nil {
		return nil, err
	}
	cas, err := rt.cascade.Run(ctx, tx, tr)
	if err != nil {
		return nil, err
	}
	return &applyOutcome{
		transition: tr,
		item:       st.item,
		cascade:    cas,
		unblocked:  unblocked,
		expected:   rt.machine.ExpectedNotes(st.item, st.notes),
	}, nil
}

// waitingDependents collects dependents whose blocking edge from this
// item is not yet satisfied.
func waitingDependents(item *types.WorkItem, edges []*types.Dependency) []string {
	seen := map[string]bool{}
	var ids []string
	for _, e := range edges {
		n := e.Normalized()
		if !n.Type.Blocking() || n.FromItemID != item.ID || seen[n.ToItemID] {
			continue
		}
		if item.Role.Satisfies(n.EffectiveThreshold()) {
			continue
		}
		seen[n.ToItemID] = true
		ids = append(ids, n.ToItemID)
	}
	return ids
}

// nowUnblocked re-evaluates each waiting dependent after the role change
// and reports those with no unsatisfied blocker left.
func nowUnblocked(ctx context.Context, tx storage.Tx, waiting []string) ([]UnblockedItem, error) {
	var out []UnblockedItem
	for _, id := range waiting {
		edges, err := tx.EdgesTouching(ctx, id)
		if err != nil {
			return nil, taskerr.FromErr(err)
		}
		statuses, err := resolveBlockers(ctx, tx, id, edges)
		if err != nil {
			return nil, err
		}
		if graph.IsBlocked(statuses) {
			continue
		}
		dep, err := tx.GetItem(ctx, id)
		if err != nil {
			e := taskerr.FromErr(err)
			if e.Code == taskerr.CodeNotFound {
				continue
			}
			return nil, e
		}
		out = append(out, UnblockedItem{ID: dep.ID, Title: dep.Title})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// evict drops mutated items from the read cache once their transaction
// has committed.
func (o *Orchestrator) evict(ids ...string) {
	o.items.Delete(ids...)
}
