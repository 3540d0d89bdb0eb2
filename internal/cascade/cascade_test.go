package cascade

import (
	"context"
	"testing"

	"github.com/jpicklyk/task-orchestrator/internal/lifecycle"
	"github.com/jpicklyk/task-orchestrator/internal/storage"
	"github.com/jpicklyk/task-orchestrator/internal/storage/sqlite"
	"github.com/jpicklyk/task-orchestrator/internal/types"
	"github.com/jpicklyk/task-orchestrator/internal/workflow"
)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(context.Background(), t.TempDir()+"/test.db")
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() {
		if cerr := store.Close(); cerr != nil {
			t.Errorf("Failed to close test database: %v", cerr)
		}
	})
	return store
}

func seedItems(t *testing.T, store *sqlite.Store, items ...*types.WorkItem) {
	t.Helper()
	err := store.RunInTransaction(context.Background(), func(tx storage.Tx) error {
		for _, item := range items {
			if err := tx.CreateItem(context.Background(), item); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Failed to seed items: %v", err)
	}
}

// run applies the origin transition and the cascade in one transaction, the
// way the orchestrator drives the engine.
func run(t *testing.T, store *sqlite.Store, cfg *workflow.Config, origin *lifecycle.Transition) *Result {
	t.Helper()
	var res *Result
	err := store.RunInTransaction(context.Background(), func(tx storage.Tx) error {
		ctx := context.Background()
		if err := tx.UpdateRole(ctx, origin.ItemID, origin.NewRole, origin.SavedRole, origin.NewStatus); err != nil {
			return err
		}
		var rerr error
		res, rerr = New(cfg).Run(ctx, tx, origin)
		return rerr
	})
	if err != nil {
		t.Fatalf("Failed to run cascade: %v", err)
	}
	return res
}

func getItem(t *testing.T, store *sqlite.Store, id string) *types.WorkItem {
	t.Helper()
	item, err := store.GetItem(context.Background(), id)
	if err != nil {
		t.Fatalf("Failed to get item %s: %v", id, err)
	}
	return item
}

func feature(id string) *types.WorkItem {
	return &types.WorkItem{
		ID:          id,
		Title:       "Feature " + id,
		Depth:       0,
		Role:        types.RoleQueue,
		StatusLabel: "pending",
		Priority:    types.PriorityMedium,
		Tags:        []string{"feature"},
	}
}

func child(id, parentID string, role types.Role) *types.WorkItem {
	item := &types.WorkItem{
		ID:       id,
		ParentID: parentID,
		Title:    "Task " + id,
		Depth:    1,
		Role:     role,
		Priority: types.PriorityMedium,
	}
	if role == types.RoleBlocked {
		item.PreviousRole = types.RoleWork
	}
	return item
}

func started(id string) *lifecycle.Transition {
	return &lifecycle.Transition{
		ItemID:         id,
		PreviousRole:   types.RoleQueue,
		NewRole:        types.RoleWork,
		PreviousStatus: "pending",
		NewStatus:      "in-progress",
		Trigger:        types.TriggerStart,
	}
}

func completed(id string) *lifecycle.Transition {
	return &lifecycle.Transition{
		ItemID:         id,
		PreviousRole:   types.RoleWork,
		NewRole:        types.RoleTerminal,
		PreviousStatus: "in-progress",
		NewStatus:      "completed",
		Trigger:        types.TriggerComplete,
	}
}

func TestFirstChildStartAdvancesParent(t *testing.T) {
	store := newTestStore(t)
	cfg := workflow.Default()
	seedItems(t, store, feature("f-1"),
		child("t-1", "f-1", types.RoleQueue),
		child("t-2", "f-1", types.RoleQueue))

	res := run(t, store, cfg, started("t-1"))
	if len(res.Events) != 1 {
		t.Fatalf("Expected one cascade event, got %+v", res.Events)
	}
	evt := res.Events[0]
	if evt.ItemID != "f-1" || evt.Event != workflow.EventFirstTaskStarted || !evt.Applied {
		t.Errorf("Unexpected event: %+v", evt)
	}

	parent := getItem(t, store, "f-1")
	if parent.Role != types.RoleWork || parent.StatusLabel != "in-progress" {
		t.Errorf("Expected parent in work/in-progress, got %s/%s", parent.Role, parent.StatusLabel)
	}
}

func TestSecondChildStartDoesNotFire(t *testing.T) {
	store := newTestStore(t)
	cfg := workflow.Default()
	parent := feature("f-1")
	parent.Role = types.RoleWork
	parent.StatusLabel = "in-progress"
	seedItems(t, store, parent,
		child("t-1", "f-1", types.RoleWork),
		child("t-2", "f-1", types.RoleQueue))

	res := run(t, store, cfg, started("t-2"))
	if len(res.Events) != 0 {
		t.Errorf("Expected no cascade events, got %+v", res.Events)
	}
}

func TestAllChildrenTerminalCompletesParent(t *testing.T) {
	store := newTestStore(t)
	cfg := workflow.Default()
	parent := feature("f-1")
	parent.Role = types.RoleWork
	parent.StatusLabel = "in-progress"
	seedItems(t, store, parent,
		child("t-1", "f-1", types.RoleTerminal),
		child("t-2", "f-1", types.RoleWork))

	res := run(t, store, cfg, completed("t-2"))
	if len(res.Events) != 1 || !res.Events[0].Applied {
		t.Fatalf("Expected applied cascade event, got %+v", res.Events)
	}

	got := getItem(t, store, "f-1")
	if got.Role != types.RoleTerminal || got.StatusLabel != "completed" {
		t.Errorf("Expected parent terminal/completed, got %s/%s", got.Role, got.StatusLabel)
	}
}

func TestIncompleteSiblingsHoldParent(t *testing.T) {
	store := newTestStore(t)
	cfg := workflow.Default()
	parent := feature("f-1")
	parent.Role = types.RoleWork
	parent.StatusLabel = "in-progress"
	seedItems(t, store, parent,
		child("t-1", "f-1", types.RoleWork),
		child("t-2", "f-1", types.RoleQueue))

	res := run(t, store, cfg, completed("t-1"))
	if len(res.Events) != 0 {
		t.Errorf("Expected no cascade events, got %+v", res.Events)
	}
	if got := getItem(t, store, "f-1"); got.Role != types.RoleWork {
		t.Errorf("Expected parent unchanged, got %s", got.Role)
	}
}

func TestCascadeRecursesToGrandparent(t *testing.T) {
	store := newTestStore(t)
	cfg := workflow.Default()
	project := &types.WorkItem{
		ID: "p-1", Title: "Project", Depth: 0, Role: types.RoleWork,
		StatusLabel: "in-progress", Priority: types.PriorityMedium, Tags: []string{"project"},
	}
	parent := feature("f-1")
	parent.ParentID = "p-1"
	parent.Depth = 1
	parent.Role = types.RoleWork
	parent.StatusLabel = "in-progress"
	task := child("t-1", "f-1", types.RoleWork)
	task.Depth = 2
	seedItems(t, store, project, parent, task)

	res := run(t, store, cfg, completed("t-1"))
	if len(res.Events) != 2 {
		t.Fatalf("Expected two cascade events, got %+v", res.Events)
	}
	if res.Events[0].ItemID != "f-1" || res.Events[1].ItemID != "p-1" {
		t.Errorf("Expected cascade up the chain, got %+v", res.Events)
	}
	if got := getItem(t, store, "p-1"); got.Role != types.RoleTerminal {
		t.Errorf("Expected project terminal, got %s", got.Role)
	}
}

func TestStatusMismatchReportedNotApplied(t *testing.T) {
	store := newTestStore(t)
	cfg := workflow.Default()
	parent := feature("f-1")
	parent.StatusLabel = "testing"
	parent.Role = types.RoleReview
	seedItems(t, store, parent, child("t-1", "f-1", types.RoleWork))

	res := run(t, store, cfg, completed("t-1"))
	if len(res.Events) != 1 {
		t.Fatalf("Expected one skipped event, got %+v", res.Events)
	}
	evt := res.Events[0]
	if evt.Applied || evt.Reason == "" {
		t.Errorf("Expected skip with reason, got %+v", evt)
	}
	if got := getItem(t, store, "f-1"); got.Role != types.RoleReview {
		t.Errorf("Expected parent unchanged, got %s", got.Role)
	}
}

func TestParentGateBlocksCascade(t *testing.T) {
	store := newTestStore(t)
	cfg, err := workflow.Parse([]byte(`
status_progression:
  tasks:
    default_flow: [pending, in-progress, testing, completed]
    terminal_statuses: [completed, cancelled]
    emergency_transitions: [blocked, on-hold, cancelled]
note_schemas:
  feature:
    - key: acceptance
      role: work
      required: true
cascade_rules:
  all_tasks_complete: {from: in-progress, to: completed}
`))
	if err != nil {
		t.Fatalf("Failed to parse config: %v", err)
	}
	parent := feature("f-1")
	parent.Role = types.RoleWork
	parent.StatusLabel = "in-progress"
	seedItems(t, store, parent, child("t-1", "f-1", types.RoleWork))

	res := run(t, store, cfg, completed("t-1"))
	if len(res.Events) != 1 || res.Events[0].Applied {
		t.Fatalf("Expected skipped event, got %+v", res.Events)
	}
	if got := res.Events[0].Reason; got == "" {
		t.Errorf("Expected gate reason, got %+v", res.Events[0])
	}
	if got := getItem(t, store, "f-1"); got.Role != types.RoleWork {
		t.Errorf("Expected parent held in work, got %s", got.Role)
	}
}

func TestPerFlowOverrideRules(t *testing.T) {
	store := newTestStore(t)
	cfg, err := workflow.Parse([]byte(`
status_progression:
  features:
    default_flow: [pending, in-progress, testing, completed]
    hotfix_flow: [pending, in-progress, completed]
    terminal_statuses: [completed, cancelled]
    emergency_transitions: [blocked, on-hold, cancelled]
    flow_mappings:
      - tags: [hotfix]
        flow: hotfix
cascade_rules:
  all_tasks_complete: {from: testing, to: completed}
flows:
  hotfix:
    event_overrides:
      all_tasks_complete: {from: in-progress, to: completed}
`))
	if err != nil {
		t.Fatalf("Failed to parse config: %v", err)
	}
	parent := feature("f-1")
	parent.Tags = append(parent.Tags, "hotfix")
	parent.Role = types.RoleWork
	parent.StatusLabel = "in-progress"
	seedItems(t, store, parent, child("t-1", "f-1", types.RoleWork))

	res := run(t, store, cfg, completed("t-1"))
	if len(res.Events) != 1 || !res.Events[0].Applied {
		t.Fatalf("Expected override rule to apply, got %+v", res.Events)
	}
	if got := getItem(t, store, "f-1"); got.StatusLabel != "completed" {
		t.Errorf("Expected completed, got %s", got.StatusLabel)
	}
}

func TestCompletionCleanupPrunesTasks(t *testing.T) {
	store := newTestStore(t)
	cfg, err := workflow.Parse([]byte(`
completion_cleanup:
  enabled: true
  retain_tags: [keep]
cascade_rules:
  all_tasks_complete: {from: in-progress, to: completed}
`))
	if err != nil {
		t.Fatalf("Failed to parse config: %v", err)
	}
	parent := feature("f-1")
	parent.Depth = 1
	parent.Role = types.RoleWork
	parent.StatusLabel = "in-progress"
	doomed := child("t-1", "f-1", types.RoleWork)
	doomed.Depth = 2
	keeper := child("t-2", "f-1", types.RoleTerminal)
	keeper.Depth = 2
	keeper.Tags = []string{"keep"}
	seedItems(t, store, parent, doomed, keeper)

	res := run(t, store, cfg, completed("t-1"))
	if len(res.Cleaned) != 1 || res.Cleaned[0] != "t-1" {
		t.Fatalf("Expected t-1 cleaned, got %v", res.Cleaned)
	}

	if _, err := store.GetItem(context.Background(), "t-1"); err == nil {
		t.Error("Expected t-1 deleted")
	}
	if _, err := store.GetItem(context.Background(), "t-2"); err != nil {
		t.Errorf("Expected retained task to survive: %v", err)
	}
}

func TestCleanupSkippedWhenDisabled(t *testing.T) {
	store := newTestStore(t)
	cfg := workflow.Default()
	parent := feature("f-1")
	parent.Depth = 1
	parent.Role = types.RoleWork
	parent.StatusLabel = "in-progress"
	task := child("t-1", "f-1", types.RoleWork)
	task.Depth = 2
	seedItems(t, store, parent, task)

	res := run(t, store, cfg, completed("t-1"))
	if len(res.Cleaned) != 0 {
		t.Errorf("Expected no cleanup, got %v", res.Cleaned)
	}
	if _, err := store.GetItem(context.Background(), "t-1"); err != nil {
		t.Errorf("Expected task to survive: %v", err)
	}
}
