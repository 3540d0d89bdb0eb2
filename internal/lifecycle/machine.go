package lifecycle

import (
	"strings"
	"time"

	"github.com/jpicklyk/task-orchestrator/internal/graph"
	"github.com/jpicklyk/task-orchestrator/internal/taskerr"
	"github.com/jpicklyk/task-orchestrator/internal/types"
	"github.com/jpicklyk/task-orchestrator/internal/workflow"
)

// Status labels stamped by triggers that leave the normal flow.
const (
	LabelBlocked   = "blocked"
	LabelOnHold    = "on-hold"
	LabelCancelled = "cancelled"
)

// Machine decides role transitions for triggers under a workflow config.
type Machine struct {
	cfg *workflow.Config
}

// NewMachine builds a role machine over the given config snapshot.
func NewMachine(cfg *workflow.Config) *Machine {
	return &Machine{cfg: cfg}
}

// Request carries the inputs of one transition decision. Notes and Blockers
// are the item's current notes and incoming blocking edges, resolved by the
// caller in the same transaction the outcome will commit in.
type Request struct {
	Item     *types.WorkItem
	Trigger  types.Trigger
	Notes    []*types.Note
	Blockers []graph.BlockerStatus
}

// Transition is the outcome of a successful decision: the fields to write
// back plus the event consumed by the cascade engine and the transition log.
type Transition struct {
	ItemID         string
	PreviousRole   types.Role
	NewRole        types.Role
	PreviousStatus string
	NewStatus      string
	Trigger        types.Trigger

	// SavedRole is the previousRole value to persist alongside NewRole:
	// the interrupted role while entering BLOCKED, empty otherwise.
	SavedRole types.Role
}

// Record converts the transition into its append-only log entry.
func (t *Transition) Record() *types.TransitionRecord {
	return &types.TransitionRecord{
		ItemID:         t.ItemID,
		PreviousRole:   t.PreviousRole,
		NewRole:        t.NewRole,
		PreviousStatus: t.PreviousStatus,
		NewStatus:      t.NewStatus,
		Trigger:        t.Trigger,
	}
}

// Apply writes the outcome onto the in-memory item. Persisting it is the
// caller's job.
func Apply(item *types.WorkItem, t *Transition, now time.Time) {
	item.Role = t.NewRole
	item.PreviousRole = t.SavedRole
	item.StatusLabel = t.NewStatus
	item.RoleChangedAt = now
	item.ModifiedAt = now
}

// Decide computes the transition a trigger produces, or an error when the
// trigger does not apply or a gate rejects it. Nothing is mutated.
func (m *Machine) Decide(req Request) (*Transition, error) {
	item := req.Item
	if item == nil {
		return nil, taskerr.Validation("no item to transition")
	}
	if !req.Trigger.IsValid() {
		return nil, taskerr.Validation("invalid trigger: %q", req.Trigger)
	}
	ct := item.ContainerType()
	flow := m.cfg.FlowForTags(item.Tags, ct)

	switch req.Trigger {
	case types.TriggerStart:
		return m.start(req, ct, flow)
	case types.TriggerComplete:
		return m.complete(req, ct, flow)
	case types.TriggerBlock, types.TriggerHold:
		return m.interrupt(req)
	case types.TriggerResume:
		return m.resume(req, ct, flow)
	default:
		return m.cancel(req)
	}
}

// ExpectedNotes reports every schema spec for the item against its current
// notes. Items matching no schema get an empty report.
func (m *Machine) ExpectedNotes(item *types.WorkItem, notes []*types.Note) []ExpectedNote {
	_, specs := m.cfg.NoteSchemaForTags(item.Tags)
	return Report(specs, notes)
}

// Next reports where the item's forward trigger would land, ignoring
// blockers and gates. Blocked items report their resume target. The
// third result is false once the item is terminal.
func (m *Machine) Next(item *types.WorkItem, notes []*types.Note) (types.Role, string, bool) {
	ct := item.ContainerType()
	flow := m.cfg.FlowForTags(item.Tags, ct)
	req := Request{Item: item, Notes: notes}

	var next types.Role
	switch item.Role {
	case types.RoleQueue:
		next = types.RoleWork
		if !m.cfg.HasReviewPhase(ct, flow) && !m.workRemains(req) {
			next = types.RoleTerminal
		}
	case types.RoleWork:
		next = types.RoleReview
		if !m.cfg.HasReviewPhase(ct, flow) {
			next = types.RoleTerminal
		}
	case types.RoleReview:
		next = types.RoleTerminal
	case types.RoleBlocked:
		next = item.PreviousRole
		if next == "" {
			next = types.RoleQueue
		}
	default:
		return "", "", false
	}
	return next, m.statusFor(ct, flow, next), true
}

// start advances one phase. QUEUE items additionally need every blocker
// satisfied; flows without a review phase skip REVIEW, and a queue item
// with no required work notes left can go straight to TERMINAL.
func (m *Machine) start(req Request, ct types.ContainerType, flow string) (*Transition, error) {
	item := req.Item
	switch item.Role {
	case types.RoleQueue:
		if blocking := graph.Unsatisfied(req.Blockers); len(blocking) > 0 {
			ids := make([]string, len(blocking))
			for i, b := range blocking {
				ids[i] = b.Blocker.ID
			}
			return nil, taskerr.GateFailure("item %s is waiting on %s", item.ID,
				strings.Join(ids, ", ")).With("blockedBy", ids)
		}
		if err := m.gate(req, phaseSet(types.RoleQueue)); err != nil {
			return nil, err
		}
		next := types.RoleWork
		if !m.cfg.HasReviewPhase(ct, flow) && !m.workRemains(req) {
			next = types.RoleTerminal
		}
		return m.advance(req, ct, flow, next)
	case types.RoleWork:
		if err := m.gate(req, phaseSet(types.RoleWork)); err != nil {
			return nil, err
		}
		next := types.RoleReview
		if !m.cfg.HasReviewPhase(ct, flow) {
			next = types.RoleTerminal
		}
		return m.advance(req, ct, flow, next)
	case types.RoleReview:
		if err := m.gate(req, phaseSet(types.RoleReview)); err != nil {
			return nil, err
		}
		return m.advance(req, ct, flow, types.RoleTerminal)
	}
	return nil, taskerr.State("cannot start item %s from role %s", item.ID, item.Role)
}

// complete jumps to TERMINAL from any active role, gating every phase.
func (m *Machine) complete(req Request, ct types.ContainerType, flow string) (*Transition, error) {
	item := req.Item
	switch item.Role {
	case types.RoleTerminal:
		return nil, taskerr.State("item %s is already terminal", item.ID)
	case types.RoleBlocked:
		return nil, taskerr.State("item %s is blocked; resume it before completing", item.ID)
	}
	if err := m.gate(req, allPhases()); err != nil {
		return nil, err
	}
	return m.advance(req, ct, flow, types.RoleTerminal)
}

// interrupt handles block and hold.
func (m *Machine) interrupt(req Request) (*Transition, error) {
	item := req.Item
	if item.Role == types.RoleTerminal {
		return nil, taskerr.State("item %s is already terminal", item.ID)
	}
	saved := item.Role
	if item.Role == types.RoleBlocked {
		// Re-blocking keeps the originally interrupted role so a later
		// resume still lands where work stopped.
		saved = item.PreviousRole
	}
	label := LabelBlocked
	if req.Trigger == types.TriggerHold {
		label = LabelOnHold
	}
	return &Transition{
		ItemID:         item.ID,
		PreviousRole:   item.Role,
		NewRole:        types.RoleBlocked,
		PreviousStatus: m.cfg.StatusFor(item),
		NewStatus:      label,
		Trigger:        req.Trigger,
		SavedRole:      saved,
	}, nil
}

// resume restores the role saved when the item was blocked.
func (m *Machine) resume(req Request, ct types.ContainerType, flow string) (*Transition, error) {
	item := req.Item
	if item.Role != types.RoleBlocked {
		return nil, taskerr.State("item %s is not blocked", item.ID)
	}
	restored := item.PreviousRole
	if restored == "" {
		restored = types.RoleQueue
	}
	return &Transition{
		ItemID:         item.ID,
		PreviousRole:   item.Role,
		NewRole:        restored,
		PreviousStatus: m.cfg.StatusFor(item),
		NewStatus:      m.statusFor(ct, flow, restored),
		Trigger:        req.Trigger,
	}, nil
}

// cancel terminates the item bypassing note gates and verification.
func (m *Machine) cancel(req Request) (*Transition, error) {
	item := req.Item
	if item.Role == types.RoleTerminal {
		return nil, taskerr.State("item %s is already terminal", item.ID)
	}
	return &Transition{
		ItemID:         item.ID,
		PreviousRole:   item.Role,
		NewRole:        types.RoleTerminal,
		PreviousStatus: m.cfg.StatusFor(item),
		NewStatus:      LabelCancelled,
		Trigger:        req.Trigger,
	}, nil
}

// advance moves the item forward along its flow. Entering TERMINAL through
// start or complete enforces verification for items that require it.
func (m *Machine) advance(req Request, ct types.ContainerType, flow string, next types.Role) (*Transition, error) {
	item := req.Item
	if next == types.RoleTerminal && item.RequiresVerification {
		if err := CheckVerification(req.Notes); err != nil {
			return nil, err
		}
	}
	return &Transition{
		ItemID:         item.ID,
		PreviousRole:   item.Role,
		NewRole:        next,
		PreviousStatus: m.cfg.StatusFor(item),
		NewStatus:      m.statusFor(ct, flow, next),
		Trigger:        req.Trigger,
	}, nil
}

// gate rejects the transition when required notes for the given phases are
// missing. Items whose tags match no schema always pass.
func (m *Machine) gate(req Request, phases map[types.Role]bool) error {
	_, specs := m.cfg.NoteSchemaForTags(req.Item.Tags)
	if len(specs) == 0 {
		return nil
	}
	missing := MissingRequired(specs, req.Notes, phases)
	if len(missing) == 0 {
		return nil
	}
	keys := make([]string, len(missing))
	for i, spec := range missing {
		keys[i] = spec.Key
	}
	return taskerr.GateFailure("required notes missing or empty: %s",
		strings.Join(keys, ", ")).With("missingNotes", keys)
}

// workRemains reports whether required work-phase notes are still unfilled.
func (m *Machine) workRemains(req Request) bool {
	_, specs := m.cfg.NoteSchemaForTags(req.Item.Tags)
	return len(MissingRequired(specs, req.Notes, phaseSet(types.RoleWork))) > 0
}

// statusFor resolves the status label written alongside a role change.
func (m *Machine) statusFor(ct types.ContainerType, flow string, role types.Role) string {
	if s := m.cfg.StatusForRole(ct, flow, role); s != "" {
		return s
	}
	return string(role)
}
