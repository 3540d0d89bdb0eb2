package orchestrator

import (
	"context"
	"fmt"

	"github.com/jpicklyk/task-orchestrator/internal/storage"
	"github.com/jpicklyk/task-orchestrator/internal/taskerr"
	"github.com/jpicklyk/task-orchestrator/internal/types"
	"github.com/jpicklyk/task-orchestrator/internal/workflow"
)

// NoteInput is one note in an upsert batch.
type NoteInput struct {
	ItemID      string `json:"itemId"`
	Key         string `json:"key"`
	Role        string `json:"role,omitempty"`
	Body        string `json:"body"`
	Description string `json:"description,omitempty"`
}

// ManageNotesRequest drives note upserts and deletes. Delete selects by
// note id, by itemId plus key, or by itemId alone (all notes).
type ManageNotesRequest struct {
	Operation string      `json:"operation"`
	Notes     []NoteInput `json:"notes,omitempty"`
	ID        string      `json:"id,omitempty"`
	ItemID    string      `json:"itemId,omitempty"`
	Key       string      `json:"key,omitempty"`
	SessionID string      `json:"sessionId,omitempty"`
}

// ManageNotesResult is the payload of every manage_notes operation.
type ManageNotesResult struct {
	Notes   []*types.Note `json:"notes,omitempty"`
	Deleted int           `json:"deleted,omitempty"`
	Errors  []ItemError   `json:"errors,omitempty"`
}

// ManageNotes upserts or deletes notes.
func (o *Orchestrator) ManageNotes(ctx context.Context, req ManageNotesRequest) (*Outcome, error) {
	rt := o.begin(req.SessionID)
	switch req.Operation {
	case "upsert":
		return o.upsertNotes(ctx, rt, req)
	case "delete":
		return o.deleteNotes(ctx, req)
	default:
		return nil, taskerr.Validation("unknown manage_notes operation %q (want upsert or delete)", req.Operation)
	}
}

func (o *Orchestrator) upsertNotes(ctx context.Context, rt *runtime, req ManageNotesRequest) (*Outcome, error) {
	if len(req.Notes) == 0 {
		return nil, taskerr.Validation("upsert requires at least one note")
	}
	lockIDs := make([]string, 0, len(req.Notes))
	for i, in := range req.Notes {
		if in.ItemID == "" || in.Key == "" {
			return nil, taskerr.Validation("note %d: itemId and key are required", i)
		}
		lockIDs = append(lockIDs, in.ItemID)
	}

	result := &ManageNotesResult{}
	err := o.locked(types.OpWrite, lockIDs, req.SessionID, func() error {
		return o.store.RunInTransaction(ctx, func(tx storage.Tx) error {
			for _, in := range req.Notes {
				saved, err := o.upsertNote(ctx, tx, rt, in)
				if err != nil {
					if recoverable(err) {
						result.Errors = append(result.Errors, ItemError{ID: in.ItemID, Error: err.Error()})
						continue
					}
					return err
				}
				result.Notes = append(result.Notes, saved)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	o.evict(lockIDs...)
	return &Outcome{
		Message: fmt.Sprintf("Saved %d note(s)", len(result.Notes)),
		Data:    result,
	}, nil
}

func (o *Orchestrator) upsertNote(ctx context.Context, tx storage.Tx, rt *runtime, in NoteInput) (*types.Note, error) {
	item, err := tx.GetItem(ctx, in.ItemID)
	if err != nil {
		return nil, taskerr.FromErr(err)
	}
	note := &types.Note{
		ItemID:      in.ItemID,
		Key:         in.Key,
		Body:        in.Body,
		Description: in.Description,
	}
	if in.Role != "" {
		role, err := types.ParseRole(in.Role)
		if err != nil {
			return nil, taskerr.Validation("%v", err)
		}
		note.Role = role
	} else if err := o.fillNoteRole(ctx, tx, rt, item, note); err != nil {
		return nil, err
	}
	saved, err := tx.UpsertNote(ctx, note)
	if err != nil {
		return nil, taskerr.FromErr(err)
	}
	return saved, nil
}

// fillNoteRole resolves an omitted role from the item's note schema, or
// from the note being replaced. A brand-new note with no schema entry
// must name its role explicitly.
func (o *Orchestrator) fillNoteRole(ctx context.Context, tx storage.Tx, rt *runtime, item *types.WorkItem, note *types.Note) error {
	if spec := schemaSpecFor(rt.cfg, item, note.Key); spec != nil {
		note.Role = spec.Role
		if note.Description == "" {
			note.Description = spec.Description
		}
		return nil
	}
	existing, err := tx.GetNoteByKey(ctx, item.ID, note.Key)
	if err == nil {
		note.Role = existing.Role
		return nil
	}
	if e := taskerr.FromErr(err); e.Code != taskerr.CodeNotFound {
		return e
	}
	return taskerr.Validation("note %q on %s: role is required when the item's schema does not define the key", note.Key, item.ID)
}

func schemaSpecFor(cfg *workflow.Config, item *types.WorkItem, key string) *workflow.NoteSpec {
	_, specs := cfg.NoteSchemaForTags(item.Tags)
	want := types.NormalizeStatus(key)
	for i := range specs {
		if types.NormalizeStatus(specs[i].Key) == want {
			return &specs[i]
		}
	}
	return nil
}

func (o *Orchestrator) deleteNotes(ctx context.Context, req ManageNotesRequest) (*Outcome, error) {
	itemID := req.ItemID
	if req.ID != "" {
		note, err := o.store.GetNote(ctx, req.ID)
		if err != nil {
			return nil, taskerr.FromErr(err)
		}
		itemID = note.ItemID
	}
	if itemID == "" {
		return nil, taskerr.Validation("delete requires a note id or an itemId")
	}

	result := &ManageNotesResult{}
	err := o.locked(types.OpWrite, []string{itemID}, req.SessionID, func() error {
		return o.store.RunInTransaction(ctx, func(tx storage.Tx) error {
			switch {
			case req.ID != "":
				if err := tx.DeleteNote(ctx, req.ID); err != nil {
					return taskerr.FromErr(err)
				}
				result.Deleted = 1
			case req.Key != "":
				if err := tx.DeleteNoteByKey(ctx, itemID, req.Key); err != nil {
					return taskerr.FromErr(err)
				}
				result.Deleted = 1
			default:
				n, err := tx.DeleteNotesForItem(ctx, itemID)
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
	o.evict(itemID)
	return &Outcome{
		Message: fmt.Sprintf("Deleted %d note(s)", result.Deleted),
		Data:    result,
	}, nil
}

// QueryNotesRequest drives note reads, by note id or by item.
type QueryNotesRequest struct {
	ID            string `json:"id,omitempty"`
	ItemID        string `json:"itemId,omitempty"`
	Role          string `json:"role,omitempty"`
	IncludeBodies *bool  `json:"includeBodies,omitempty"`
	SessionID     string `json:"sessionId,omitempty"`
}

// NoteView wraps a note with its gating state. When bodies are excluded
// the Filled flag still reflects the stored body.
type NoteView struct {
	*types.Note
	Filled bool `json:"filled"`
}

// QueryNotesResult is the query_notes payload.
type QueryNotesResult struct {
	Notes []*NoteView `json:"notes"`
}

// QueryNotes reads notes without locking.
func (o *Orchestrator) QueryNotes(ctx context.Context, req QueryNotesRequest) (*Outcome, error) {
	o.begin(req.SessionID)
	includeBodies := req.IncludeBodies == nil || *req.IncludeBodies

	if req.ID != "" {
		note, err := o.store.GetNote(ctx, req.ID)
		if err != nil {
			return nil, taskerr.FromErr(err)
		}
		views := noteViews([]*types.Note{note}, includeBodies)
		return &Outcome{Message: note.Key, Data: &QueryNotesResult{Notes: views}}, nil
	}
	if req.ItemID == "" {
		return nil, taskerr.Validation("query_notes requires an id or an itemId")
	}

	filter := types.NoteFilter{ItemID: req.ItemID}
	if req.Role != "" {
		role, err := types.ParseRole(req.Role)
		if err != nil {
			return nil, taskerr.Validation("%v", err)
		}
		filter.Role = &role
	}
	notes, err := o.store.ListNotes(ctx, filter)
	if err != nil {
		return nil, taskerr.FromErr(err)
	}
	return &Outcome{
		Message: fmt.Sprintf("Found %d note(s)", len(notes)),
		Data:    &QueryNotesResult{Notes: noteViews(notes, includeBodies)},
	}, nil
}

func noteViews(notes []*types.Note, includeBodies bool) []*NoteView {
	views := make([]*NoteView, 0, len(notes))
	for _, n := range notes {
		view := &NoteView{Note: n, Filled: n.Filled()}
		if !includeBodies {
			clone := *n
			clone.Body = ""
			view.Note = &clone
		}
		views = append(views, view)
	}
	return views
}
