package orchestrator

import (
	"context"
	"fmt"

	"github.com/jpicklyk/task-orchestrator/internal/cascade"
	"github.com/jpicklyk/task-orchestrator/internal/graph"
	"github.com/jpicklyk/task-orchestrator/internal/lifecycle"
	"github.com/jpicklyk/task-orchestrator/internal/storage"
	"github.com/jpicklyk/task-orchestrator/internal/taskerr"
	"github.com/jpicklyk/task-orchestrator/internal/types"
)

// AdvanceSpec is one item in an advance batch. A spec without a trigger
// inherits the request-level one.
type AdvanceSpec struct {
	ID      string `json:"id"`
	Trigger string `json:"trigger,omitempty"`
}

// AdvanceItemRequest fires lifecycle triggers, singly or in a batch.
type AdvanceItemRequest struct {
	ID        string        `json:"id,omitempty"`
	Trigger   string        `json:"trigger,omitempty"`
	Items     []AdvanceSpec `json:"items,omitempty"`
	Summary   string        `json:"summary,omitempty"`
	SessionID string        `json:"sessionId,omitempty"`
}

// AdvanceResult reports one item's transition attempt.
type AdvanceResult struct {
	ID             string                   `json:"id"`
	Applied        bool                     `json:"applied"`
	Trigger        types.Trigger            `json:"trigger"`
	PreviousRole   types.Role               `json:"previousRole,omitempty"`
	NewRole        types.Role               `json:"newRole,omitempty"`
	PreviousStatus string                   `json:"previousStatus,omitempty"`
	NewStatus      string                   `json:"newStatus,omitempty"`
	Error          string                   `json:"error,omitempty"`
	Blockers       []BlockerInfo            `json:"blockers,omitempty"`
	CascadeEvents  []cascade.Event          `json:"cascadeEvents,omitempty"`
	Cleanup        []string                 `json:"cleanup,omitempty"`
	UnblockedItems []UnblockedItem          `json:"unblockedItems,omitempty"`
	ExpectedNotes  []lifecycle.ExpectedNote `json:"expectedNotes,omitempty"`
}

// AdvanceItemResult is the advance_item payload.
type AdvanceItemResult struct {
	Results []*AdvanceResult `json:"results"`
	Applied int              `json:"applied"`
}

// AdvanceItem applies lifecycle triggers to one or more items in a
// single transaction. Per-item rejections are recorded in the results;
// they do not roll back the transitions that did apply.
func (o *Orchestrator) AdvanceItem(ctx context.Context, req AdvanceItemRequest) (*Outcome, error) {
	rt := o.begin(req.SessionID)

	specs := req.Items
	if req.ID != "" {
		specs = append([]AdvanceSpec{{ID: req.ID, Trigger: req.Trigger}}, specs...)
	}
	if len(specs) == 0 {
		return nil, taskerr.Validation("advance_item requires an id or items")
	}

	type job struct {
		id      string
		trigger types.Trigger
	}
	jobs := make([]job, 0, len(specs))
	lockIDs := make([]string, 0, len(specs))
	for i, spec := range specs {
		if spec.ID == "" {
			return nil, taskerr.Validation("item %d: advance requires an id", i)
		}
		raw := spec.Trigger
		if raw == "" {
			raw = req.Trigger
		}
		trigger, err := types.ParseTrigger(raw)
		if err != nil {
			return nil, taskerr.Validation("item %s: %v", spec.ID, err)
		}
		jobs = append(jobs, job{id: spec.ID, trigger: trigger})
		lockIDs = append(lockIDs, spec.ID)
	}

	result := &AdvanceItemResult{}
	err := o.locked(types.OpWrite, lockIDs, req.SessionID, func() error {
		return o.store.RunInTransaction(ctx, func(tx storage.Tx) error {
			for _, j := range jobs {
				entry := &AdvanceResult{ID: j.id, Trigger: j.trigger}
				result.Results = append(result.Results, entry)

				st, err := loadState(ctx, tx, j.id)
				if err != nil {
					if recoverable(err) {
						entry.Error = err.Error()
						continue
					}
					return err
				}
				entry.PreviousRole = st.item.Role
				entry.PreviousStatus = st.item.StatusLabel

				out, err := o.applyTrigger(ctx, tx, rt, st, j.trigger, req.Summary)
				if err != nil {
					if !recoverable(err) {
						return err
					}
					entry.Error = err.Error()
					if taskerr.CodeOf(err) == taskerr.CodeGateFailure {
						entry.Blockers = blockerInfos(graph.Unsatisfied(st.blockers))
					}
					continue
				}
				entry.Applied = true
				entry.NewRole = out.transition.NewRole
				entry.NewStatus = out.transition.NewStatus
				entry.CascadeEvents = out.cascade.Events
				entry.Cleanup = out.cascade.Cleaned
				entry.UnblockedItems = out.unblocked
				entry.ExpectedNotes = out.expected
				result.Applied++
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	evictIDs := append([]string(nil), lockIDs...)
	for _, r := range result.Results {
		for _, ev := range r.CascadeEvents {
			if ev.Applied {
				evictIDs = append(evictIDs, ev.ItemID)
			}
		}
		evictIDs = append(evictIDs, r.Cleanup...)
	}
	o.evict(evictIDs...)

	msg := fmt.Sprintf("Applied %d of %d transition(s)", result.Applied, len(result.Results))
	if len(result.Results) == 1 {
		r := result.Results[0]
		if r.Applied {
			msg = fmt.Sprintf("%s: %s -> %s (%s)", r.ID, r.PreviousRole, r.NewRole, r.NewStatus)
		} else {
			msg = fmt.Sprintf("%s: %s", r.ID, r.Error)
		}
	}
	return &Outcome{Message: msg, Data: result}, nil
}
