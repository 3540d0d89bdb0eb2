// Package cascade advances parent items when their children's state meets a
// configured rule. The engine runs inside the transaction that applied the
// originating transition, so parent advances commit or roll back with it.
package cascade

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jpicklyk/task-orchestrator/internal/lifecycle"
	"github.com/jpicklyk/task-orchestrator/internal/taskerr"
	"github.com/jpicklyk/task-orchestrator/internal/types"
	"github.com/jpicklyk/task-orchestrator/internal/workflow"
)

// Tx is the transactional slice of the storage contract the engine uses.
type Tx interface {
	GetItem(ctx context.Context, id string) (*types.WorkItem, error)
	GetChildren(ctx context.Context, parentID string) ([]*types.WorkItem, error)
	ListNotes(ctx context.Context, filter types.NoteFilter) ([]*types.Note, error)
	UpdateRole(ctx context.Context, id string, role, previousRole types.Role, statusLabel string) error
	DeleteItems(ctx context.Context, ids []string, recursive bool) ([]string, error)
	AppendTransition(ctx context.Context, rec *types.TransitionRecord) error
}

// Event reports one cascade attempt for operation responses. Applied is
// false when a matched rule could not run; Reason says why.
type Event struct {
	ItemID  string `json:"itemId"`
	Event   string `json:"event"`
	From    string `json:"from"`
	To      string `json:"to"`
	Applied bool   `json:"applied"`
	Reason  string `json:"reason,omitempty"`
}

// Result aggregates the follow-up changes of one originating transition.
type Result struct {
	Events  []Event  `json:"cascadeEvents,omitempty"`
	Cleaned []string `json:"cleanup,omitempty"`
}

// Engine evaluates cascade rules against the parent chain.
type Engine struct {
	cfg *workflow.Config
}

// New builds an engine over the given config snapshot.
func New(cfg *workflow.Config) *Engine {
	return &Engine{cfg: cfg}
}

// Run walks the parent chain after origin has been applied. Each ancestor
// advances at most once per originating event; a matched rule that cannot
// run is reported with a reason and stops the walk. Storage errors abort so
// the surrounding transaction rolls back.
func (e *Engine) Run(ctx context.Context, tx Tx, origin *lifecycle.Transition) (*Result, error) {
	res := &Result{}
	visited := map[string]bool{origin.ItemID: true}

	tr := origin
	for tr != nil {
		if err := e.cleanup(ctx, tx, tr, res); err != nil {
			return nil, err
		}
		child, err := tx.GetItem(ctx, tr.ItemID)
		if err != nil {
			return nil, err
		}
		if child.ParentID == "" || visited[child.ParentID] {
			break
		}
		visited[child.ParentID] = true
		tr, err = e.step(ctx, tx, child, tr, res)
		if err != nil {
			return nil, err
		}
	}
	return res, nil
}

// step evaluates the two detection rules for child's parent and applies the
// matched cascade rule. It returns the parent's transition when one was
// applied, nil when the walk should stop.
func (e *Engine) step(ctx context.Context, tx Tx, child *types.WorkItem, tr *lifecycle.Transition, res *Result) (*lifecycle.Transition, error) {
	parent, err := tx.GetItem(ctx, child.ParentID)
	if err != nil {
		return nil, err
	}
	siblings, err := tx.GetChildren(ctx, parent.ID)
	if err != nil {
		return nil, err
	}

	var event string
	switch {
	case tr.NewRole == types.RoleWork && soleInWork(child, siblings):
		event = workflow.EventFirstTaskStarted
	case tr.NewRole == types.RoleTerminal && allTerminal(siblings):
		event = workflow.EventAllTasksComplete
	default:
		return nil, nil
	}

	ct := parent.ContainerType()
	flow := e.cfg.FlowForTags(parent.Tags, ct)
	rule, ok := e.cfg.CascadeRuleFor(event, flow)
	if !ok {
		return nil, nil
	}

	evt := Event{ItemID: parent.ID, Event: event, From: rule.From, To: rule.To}
	skip := func(reason string) (*lifecycle.Transition, error) {
		evt.Reason = reason
		res.Events = append(res.Events, evt)
		return nil, nil
	}

	if parent.Role == types.RoleTerminal {
		return skip("parent is already terminal")
	}
	status := e.cfg.StatusFor(parent)
	if status != rule.From {
		return skip(fmt.Sprintf("parent status %q does not match rule", status))
	}
	if event == workflow.EventFirstTaskStarted {
		flowStatuses := e.cfg.StatusesForFlow(ct, flow)
		if len(flowStatuses) == 0 || status != flowStatuses[0] {
			return skip("parent is past the start of its flow")
		}
	}

	notes, err := tx.ListNotes(ctx, types.NoteFilter{ItemID: parent.ID})
	if err != nil {
		return nil, err
	}
	if phase := parent.Role; phase.Rank() >= 0 {
		_, specs := e.cfg.NoteSchemaForTags(parent.Tags)
		missing := lifecycle.MissingRequired(specs, notes, map[types.Role]bool{phase: true})
		if len(missing) > 0 {
			keys := make([]string, len(missing))
			for i, spec := range missing {
				keys[i] = spec.Key
			}
			return skip("required notes missing or empty: " + strings.Join(keys, ", "))
		}
	}

	newRole := e.cfg.RoleForStatus(ct, flow, rule.To)
	if newRole == types.RoleTerminal && parent.RequiresVerification {
		if err := lifecycle.CheckVerification(notes); err != nil {
			return skip(reasonOf(err))
		}
	}
	var saved types.Role
	if newRole == types.RoleBlocked {
		saved = parent.Role
	}

	if err := tx.UpdateRole(ctx, parent.ID, newRole, saved, rule.To); err != nil {
		return nil, err
	}
	trigger := types.TriggerStart
	if newRole == types.RoleTerminal {
		trigger = types.TriggerComplete
	}
	next := &lifecycle.Transition{
		ItemID:         parent.ID,
		PreviousRole:   parent.Role,
		NewRole:        newRole,
		PreviousStatus: status,
		NewStatus:      rule.To,
		Trigger:        trigger,
		SavedRole:      saved,
	}
	rec := next.Record()
	rec.Summary = fmt.Sprintf("cascade %s from %s", event, child.ID)
	if err := tx.AppendTransition(ctx, rec); err != nil {
		return nil, err
	}

	evt.Applied = true
	res.Events = append(res.Events, evt)
	return next, nil
}

// cleanup prunes a feature's child tasks once it reaches a terminal role.
// Subtrees rooted at a child carrying a retain tag survive.
func (e *Engine) cleanup(ctx context.Context, tx Tx, tr *lifecycle.Transition, res *Result) error {
	if !e.cfg.Cleanup.Enabled || tr.NewRole != types.RoleTerminal {
		return nil
	}
	item, err := tx.GetItem(ctx, tr.ItemID)
	if err != nil {
		return err
	}
	if item.ContainerType() != types.ContainerFeature {
		return nil
	}
	children, err := tx.GetChildren(ctx, item.ID)
	if err != nil {
		return err
	}
	var prune []string
	for _, c := range children {
		if !retained(c, e.cfg.Cleanup.RetainTags) {
			prune = append(prune, c.ID)
		}
	}
	if len(prune) == 0 {
		return nil
	}
	deleted, err := tx.DeleteItems(ctx, prune, true)
	if err != nil {
		return err
	}
	res.Cleaned = append(res.Cleaned, deleted...)
	return nil
}

// soleInWork reports whether child is the only child currently in WORK,
// meaning the in-progress count was zero before its transition.
func soleInWork(child *types.WorkItem, siblings []*types.WorkItem) bool {
	for _, s := range siblings {
		if s.ID != child.ID && s.Role == types.RoleWork {
			return false
		}
	}
	return true
}

func allTerminal(siblings []*types.WorkItem) bool {
	for _, s := range siblings {
		if s.Role != types.RoleTerminal {
			return false
		}
	}
	return true
}

func retained(item *types.WorkItem, tags []string) bool {
	for _, t := range tags {
		if item.HasTag(t) {
			return true
		}
	}
	return false
}

func reasonOf(err error) string {
	var terr *taskerr.Error
	if errors.As(err, &terr) {
		return terr.Message
	}
	return err.Error()
}
