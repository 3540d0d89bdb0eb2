package orchestrator

import (
	"context"
	"strings"
	"testing"

	"github.com/jpicklyk/task-orchestrator/internal/taskerr"
	"github.com/jpicklyk/task-orchestrator/internal/types"
)

func TestAdvanceWalksTheFlow(t *testing.T) {
	o := newTestOrchestrator(t)
	item := mustCreate(t, o, "Walk me", "")

	steps := []struct {
		role   types.Role
		status string
	}{
		{types.RoleWork, "in-progress"},
		{types.RoleReview, "testing"},
		{types.RoleTerminal, "completed"},
	}
	for _, step := range steps {
		res := mustAdvance(t, o, item.ID, types.TriggerStart)
		if res.NewRole != step.role || res.NewStatus != step.status {
			t.Fatalf("start -> %s/%s, want %s/%s", res.NewRole, res.NewStatus, step.role, step.status)
		}
	}

	stored := fetchItem(t, o, item.ID)
	if !stored.IsTerminal() || stored.StatusLabel != "completed" {
		t.Errorf("stored item should be terminal/completed, got %s/%s", stored.Role, stored.StatusLabel)
	}
}

func TestAdvanceCompleteSkipsAhead(t *testing.T) {
	o := newTestOrchestrator(t)
	item := mustCreate(t, o, "One shot", "")
	res := mustAdvance(t, o, item.ID, types.TriggerComplete)
	if res.NewRole != types.RoleTerminal {
		t.Errorf("complete should land terminal, got %s", res.NewRole)
	}
}

func TestAdvanceRecordsTransitionLog(t *testing.T) {
	o := newTestOrchestrator(t)
	item := mustCreate(t, o, "Logged", "")
	mustAdvance(t, o, item.ID, types.TriggerStart)

	recs, err := o.store.TransitionsForItem(context.Background(), item.ID, 10)
	if err != nil {
		t.Fatalf("Failed to read transitions: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected 1 transition record, got %d", len(recs))
	}
	rec := recs[0]
	if rec.PreviousRole != types.RoleQueue || rec.NewRole != types.RoleWork || rec.Trigger != types.TriggerStart {
		t.Errorf("record wrong: %+v", rec)
	}
}

func TestAdvanceBlockedByDependency(t *testing.T) {
	o := newTestOrchestrator(t)
	blocker := mustCreate(t, o, "Blocker", "")
	dependent := mustCreate(t, o, "Dependent", "")
	if _, err := o.ManageDependencies(context.Background(), ManageDependenciesRequest{
		Operation:    "create",
		Dependencies: []DependencyInput{{FromItemID: blocker.ID, ToItemID: dependent.ID}},
	}); err != nil {
		t.Fatalf("Failed to create dependency: %v", err)
	}

	out, err := o.AdvanceItem(context.Background(), AdvanceItemRequest{ID: dependent.ID, Trigger: "start"})
	if err != nil {
		t.Fatalf("advance should record the rejection, not fail: %v", err)
	}
	res := out.Data.(*AdvanceItemResult).Results[0]
	if res.Applied {
		t.Fatal("start must be rejected while the blocker is open")
	}
	if len(res.Blockers) != 1 || res.Blockers[0].ID != blocker.ID || res.Blockers[0].Satisfied {
		t.Errorf("rejection should name the blocker: %+v", res.Blockers)
	}

	stored := fetchItem(t, o, dependent.ID)
	if stored.Role != types.RoleQueue {
		t.Errorf("rejected item must stay queued, got %s", stored.Role)
	}
}

func TestAdvanceReportsUnblockedItems(t *testing.T) {
	o := newTestOrchestrator(t)
	blocker := mustCreate(t, o, "Blocker", "")
	dependent := mustCreate(t, o, "Dependent", "")
	if _, err := o.ManageDependencies(context.Background(), ManageDependenciesRequest{
		Operation:    "create",
		Dependencies: []DependencyInput{{FromItemID: blocker.ID, ToItemID: dependent.ID}},
	}); err != nil {
		t.Fatalf("Failed to create dependency: %v", err)
	}

	res := mustAdvance(t, o, blocker.ID, types.TriggerComplete)
	if len(res.UnblockedItems) != 1 || res.UnblockedItems[0].ID != dependent.ID {
		t.Errorf("completing the blocker should unblock the dependent: %+v", res.UnblockedItems)
	}

	if got := mustAdvance(t, o, dependent.ID, types.TriggerStart); got.NewRole != types.RoleWork {
		t.Errorf("dependent should start now, got %s", got.NewRole)
	}
}

func TestAdvanceThresholdUnblocksEarly(t *testing.T) {
	o := newTestOrchestrator(t)
	blocker := mustCreate(t, o, "Blocker", "")
	dependent := mustCreate(t, o, "Dependent", "")
	if _, err := o.ManageDependencies(context.Background(), ManageDependenciesRequest{
		Operation:    "create",
		Dependencies: []DependencyInput{{FromItemID: blocker.ID, ToItemID: dependent.ID, UnblockAt: "work"}},
	}); err != nil {
		t.Fatalf("Failed to create dependency: %v", err)
	}

	res := mustAdvance(t, o, blocker.ID, types.TriggerStart)
	if len(res.UnblockedItems) != 1 {
		t.Fatalf("reaching the work threshold should unblock the dependent: %+v", res.UnblockedItems)
	}
}

func TestAdvanceBlockAndResume(t *testing.T) {
	o := newTestOrchestrator(t)
	item := mustCreate(t, o, "Interrupted", "")
	mustAdvance(t, o, item.ID, types.TriggerStart)

	res := mustAdvance(t, o, item.ID, types.TriggerBlock)
	if res.NewRole != types.RoleBlocked || res.NewStatus != "blocked" {
		t.Fatalf("block -> %s/%s", res.NewRole, res.NewStatus)
	}
	stored := fetchItem(t, o, item.ID)
	if stored.PreviousRole != types.RoleWork {
		t.Errorf("blocked item must remember the interrupted role, got %q", stored.PreviousRole)
	}

	res = mustAdvance(t, o, item.ID, types.TriggerResume)
	if res.NewRole != types.RoleWork {
		t.Errorf("resume should restore WORK, got %s", res.NewRole)
	}
	if fetchItem(t, o, item.ID).PreviousRole != "" {
		t.Error("resume must clear the saved role")
	}
}

func TestAdvanceHoldUsesOnHoldLabel(t *testing.T) {
	o := newTestOrchestrator(t)
	item := mustCreate(t, o, "Paused", "")
	res := mustAdvance(t, o, item.ID, types.TriggerHold)
	if res.NewStatus != "on-hold" {
		t.Errorf("hold status = %q, want on-hold", res.NewStatus)
	}
}

func TestAdvanceCancelFromAnywhere(t *testing.T) {
	o := newTestOrchestrator(t)
	item := mustCreate(t, o, "Doomed", "")
	mustAdvance(t, o, item.ID, types.TriggerStart)
	res := mustAdvance(t, o, item.ID, types.TriggerCancel)
	if res.NewRole != types.RoleTerminal || res.NewStatus != "cancelled" {
		t.Errorf("cancel -> %s/%s", res.NewRole, res.NewStatus)
	}
}

func TestAdvanceNoteGateThroughStack(t *testing.T) {
	o := newTestOrchestratorConfig(t, gatedTestConfig)
	root := mustCreate(t, o, "Root", "")
	mid := mustCreate(t, o, "Mid", root.ID)
	out, err := o.ManageItems(context.Background(), ManageItemsRequest{
		Operation: "create",
		ParentID:  mid.ID,
		Items:     []map[string]any{{"title": "Fix bug", "tags": []any{"bug-fix"}}},
	})
	if err != nil {
		t.Fatalf("Failed to create item: %v", err)
	}
	task := out.Data.(*ManageItemsResult).Items[0]

	adv, err := o.AdvanceItem(context.Background(), AdvanceItemRequest{ID: task.ID, Trigger: "start"})
	if err != nil {
		t.Fatalf("advance failed: %v", err)
	}
	res := adv.Data.(*AdvanceItemResult).Results[0]
	if res.Applied || !strings.Contains(res.Error, "reproduction-steps") {
		t.Fatalf("start must fail on the queue note: %+v", res)
	}

	if _, err := o.ManageNotes(context.Background(), ManageNotesRequest{
		Operation: "upsert",
		Notes:     []NoteInput{{ItemID: task.ID, Key: "reproduction-steps", Body: "run x"}},
	}); err != nil {
		t.Fatalf("Failed to fill note: %v", err)
	}
	if got := mustAdvance(t, o, task.ID, types.TriggerStart); got.NewRole != types.RoleWork {
		t.Errorf("start should pass once the note is filled, got %s", got.NewRole)
	}
}

func TestAdvanceVerificationGate(t *testing.T) {
	o := newTestOrchestrator(t)
	out, err := o.ManageItems(context.Background(), ManageItemsRequest{
		Operation: "create",
		Items:     []map[string]any{{"title": "Verified work", "requiresVerification": true}},
	})
	if err != nil {
		t.Fatalf("Failed to create item: %v", err)
	}
	item := out.Data.(*ManageItemsResult).Items[0]

	adv, err := o.AdvanceItem(context.Background(), AdvanceItemRequest{ID: item.ID, Trigger: "complete"})
	if err != nil {
		t.Fatalf("advance failed: %v", err)
	}
	res := adv.Data.(*AdvanceItemResult).Results[0]
	if res.Applied || !strings.Contains(res.Error, "verification") {
		t.Fatalf("completion must demand a verification note: %+v", res)
	}

	if _, err := o.ManageNotes(context.Background(), ManageNotesRequest{
		Operation: "upsert",
		Notes: []NoteInput{{
			ItemID: item.ID,
			Key:    "verification",
			Role:   "review",
			Body:   `[{"criteria": "tests pass", "pass": true}]`,
		}},
	}); err != nil {
		t.Fatalf("Failed to add verification note: %v", err)
	}
	if got := mustAdvance(t, o, item.ID, types.TriggerComplete); got.NewRole != types.RoleTerminal {
		t.Errorf("complete should pass with passing criteria, got %s", got.NewRole)
	}
}

func TestAdvanceCascadesToParent(t *testing.T) {
	o := newTestOrchestrator(t)
	parent := mustCreate(t, o, "Feature", "")
	child := mustCreate(t, o, "Task", parent.ID)

	res := mustAdvance(t, o, child.ID, types.TriggerStart)
	if len(res.CascadeEvents) != 1 {
		t.Fatalf("expected one cascade event, got %+v", res.CascadeEvents)
	}
	ev := res.CascadeEvents[0]
	if ev.ItemID != parent.ID || ev.Event != "first_task_started" || !ev.Applied {
		t.Errorf("cascade event wrong: %+v", ev)
	}
	if got := fetchItem(t, o, parent.ID); got.Role != types.RoleWork || got.StatusLabel != "in-progress" {
		t.Errorf("parent should follow the child into work, got %s/%s", got.Role, got.StatusLabel)
	}
}

func TestAdvanceCascadeCompletionClimbs(t *testing.T) {
	o := newTestOrchestrator(t)
	parent := mustCreate(t, o, "Feature", "")
	a := mustCreate(t, o, "Task A", parent.ID)
	b := mustCreate(t, o, "Task B", parent.ID)

	// Starting the first child pulls the parent to in-progress, which is
	// where the completion rule expects to find it.
	mustAdvance(t, o, a.ID, types.TriggerStart)
	mustAdvance(t, o, a.ID, types.TriggerComplete)
	if got := fetchItem(t, o, parent.ID); got.IsTerminal() {
		t.Fatal("parent must wait for the remaining child")
	}

	res := mustAdvance(t, o, b.ID, types.TriggerComplete)
	applied := 0
	for _, ev := range res.CascadeEvents {
		if ev.Applied {
			applied++
		}
	}
	if applied == 0 {
		t.Fatalf("expected an applied cascade event, got %+v", res.CascadeEvents)
	}
	if got := fetchItem(t, o, parent.ID); !got.IsTerminal() {
		t.Errorf("parent should complete with its children, got %s", got.Role)
	}
}

func TestAdvanceBatchSharedTrigger(t *testing.T) {
	o := newTestOrchestrator(t)
	a := mustCreate(t, o, "A", "")
	b := mustCreate(t, o, "B", "")

	out, err := o.AdvanceItem(context.Background(), AdvanceItemRequest{
		Trigger: "start",
		Items:   []AdvanceSpec{{ID: a.ID}, {ID: b.ID}},
	})
	if err != nil {
		t.Fatalf("batch advance failed: %v", err)
	}
	res := out.Data.(*AdvanceItemResult)
	if res.Applied != 2 {
		t.Errorf("both items should start, got %d", res.Applied)
	}
}

func TestAdvanceBatchRecordsFailuresWithoutRollback(t *testing.T) {
	o := newTestOrchestrator(t)
	good := mustCreate(t, o, "Good", "")

	out, err := o.AdvanceItem(context.Background(), AdvanceItemRequest{
		Trigger: "start",
		Items:   []AdvanceSpec{{ID: "missing"}, {ID: good.ID}},
	})
	if err != nil {
		t.Fatalf("batch advance failed: %v", err)
	}
	res := out.Data.(*AdvanceItemResult)
	if res.Applied != 1 {
		t.Fatalf("the valid transition must survive, got %d applied", res.Applied)
	}
	if res.Results[0].Error == "" || res.Results[1].NewRole != types.RoleWork {
		t.Errorf("results wrong: %+v", res.Results)
	}
	if got := fetchItem(t, o, good.ID); got.Role != types.RoleWork {
		t.Errorf("good item should be in work, got %s", got.Role)
	}
}

func TestAdvanceInvalidTrigger(t *testing.T) {
	o := newTestOrchestrator(t)
	item := mustCreate(t, o, "Item", "")
	_, err := o.AdvanceItem(context.Background(), AdvanceItemRequest{ID: item.ID, Trigger: "launch"})
	if taskerr.CodeOf(err) != taskerr.CodeValidation {
		t.Errorf("expected VALIDATION_ERROR, got %v", err)
	}
}
