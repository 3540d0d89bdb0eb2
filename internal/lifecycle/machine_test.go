package lifecycle

import (
	"strings"
	"testing"
	"time"

	"github.com/jpicklyk/task-orchestrator/internal/graph"
	"github.com/jpicklyk/task-orchestrator/internal/taskerr"
	"github.com/jpicklyk/task-orchestrator/internal/types"
	"github.com/jpicklyk/task-orchestrator/internal/workflow"
)

const gatedConfig = `
status_progression:
  tasks:
    default_flow: [pending, in-progress, testing, completed]
    terminal_statuses: [completed, cancelled]
    emergency_transitions: [blocked, on-hold, cancelled]
note_schemas:
  bug-fix:
    - key: reproduction-steps
      role: queue
      required: true
      description: How to reproduce the defect
    - key: fix-notes
      role: work
      required: true
    - key: regression-check
      role: review
      required: false
`

const noReviewConfig = `
status_progression:
  tasks:
    default_flow: [pending, in-progress, completed]
    terminal_statuses: [completed, cancelled]
    emergency_transitions: [blocked, on-hold, cancelled]
note_schemas:
  chore:
    - key: results
      role: work
      required: true
`

func defaultMachine() *Machine {
	return NewMachine(workflow.Default())
}

func parseMachine(t *testing.T, data string) *Machine {
	t.Helper()
	cfg, err := workflow.Parse([]byte(data))
	if err != nil {
		t.Fatalf("Failed to parse config: %v", err)
	}
	return NewMachine(cfg)
}

func task(role types.Role, tags ...string) *types.WorkItem {
	return &types.WorkItem{
		ID:       "wi-1",
		Title:    "Test item",
		Depth:    2,
		Role:     role,
		Priority: types.PriorityMedium,
		Tags:     tags,
	}
}

func note(key, body string) *types.Note {
	return &types.Note{
		ID:     "n-" + key,
		ItemID: "wi-1",
		Key:    key,
		Role:   types.RoleWork,
		Body:   body,
	}
}

func TestStartProgression(t *testing.T) {
	m := defaultMachine()
	item := task(types.RoleQueue)

	steps := []struct {
		role   types.Role
		status string
	}{
		{types.RoleWork, "in-progress"},
		{types.RoleReview, "testing"},
		{types.RoleTerminal, "completed"},
	}
	for _, step := range steps {
		tr, err := m.Decide(Request{Item: item, Trigger: types.TriggerStart})
		if err != nil {
			t.Fatalf("Failed to start from %s: %v", item.Role, err)
		}
		if tr.NewRole != step.role {
			t.Errorf("Expected role %s, got %s", step.role, tr.NewRole)
		}
		if tr.NewStatus != step.status {
			t.Errorf("Expected status %q, got %q", step.status, tr.NewStatus)
		}
		Apply(item, tr, time.Now())
	}
	if item.Role != types.RoleTerminal || item.StatusLabel != "completed" {
		t.Errorf("Expected completed item, got %s/%s", item.Role, item.StatusLabel)
	}
}

func TestStartRejectedFromBlockedAndTerminal(t *testing.T) {
	m := defaultMachine()
	for _, role := range []types.Role{types.RoleBlocked, types.RoleTerminal} {
		item := task(role)
		if role == types.RoleBlocked {
			item.PreviousRole = types.RoleWork
		}
		if _, err := m.Decide(Request{Item: item, Trigger: types.TriggerStart}); taskerr.CodeOf(err) != taskerr.CodeState {
			t.Errorf("Expected state error starting from %s, got %v", role, err)
		}
	}
}

func TestStartRequiresSatisfiedBlockers(t *testing.T) {
	m := defaultMachine()
	blocker := &types.WorkItem{ID: "dep-1", Title: "Blocker", Role: types.RoleWork}
	edge := &types.Dependency{ID: "e-1", FromItemID: "dep-1", ToItemID: "wi-1", Type: types.DepBlocks}
	resolve := func() []graph.BlockerStatus {
		return graph.Blockers("wi-1", []*types.Dependency{edge}, map[string]*types.WorkItem{"dep-1": blocker})
	}

	_, err := m.Decide(Request{Item: task(types.RoleQueue), Trigger: types.TriggerStart, Blockers: resolve()})
	if taskerr.CodeOf(err) != taskerr.CodeGateFailure {
		t.Fatalf("Expected gate failure with unsatisfied blocker, got %v", err)
	}

	blocker.Role = types.RoleTerminal
	if _, err := m.Decide(Request{Item: task(types.RoleQueue), Trigger: types.TriggerStart, Blockers: resolve()}); err != nil {
		t.Fatalf("Failed to start with satisfied blocker: %v", err)
	}
}

func TestBlockersOnlyGateStartFromQueue(t *testing.T) {
	m := defaultMachine()
	blocker := &types.WorkItem{ID: "dep-1", Title: "Blocker", Role: types.RoleQueue}
	edge := &types.Dependency{ID: "e-1", FromItemID: "dep-1", ToItemID: "wi-1", Type: types.DepBlocks}
	blockers := graph.Blockers("wi-1", []*types.Dependency{edge}, map[string]*types.WorkItem{"dep-1": blocker})

	if _, err := m.Decide(Request{Item: task(types.RoleWork), Trigger: types.TriggerStart, Blockers: blockers}); err != nil {
		t.Fatalf("Failed to start from work despite blockers: %v", err)
	}
	if _, err := m.Decide(Request{Item: task(types.RoleWork), Trigger: types.TriggerComplete, Blockers: blockers}); err != nil {
		t.Fatalf("Failed to complete despite blockers: %v", err)
	}
}

func TestStartGatesCurrentPhaseOnly(t *testing.T) {
	m := parseMachine(t, gatedConfig)
	item := task(types.RoleQueue, "bug-fix")

	_, err := m.Decide(Request{Item: item, Trigger: types.TriggerStart})
	if taskerr.CodeOf(err) != taskerr.CodeGateFailure {
		t.Fatalf("Expected gate failure without queue notes, got %v", err)
	}
	if !strings.Contains(err.Error(), "reproduction-steps") {
		t.Errorf("Expected missing key in message, got %q", err.Error())
	}

	// The work-phase note is not consulted when leaving QUEUE.
	notes := []*types.Note{note("reproduction-steps", "run the thing")}
	tr, err := m.Decide(Request{Item: item, Trigger: types.TriggerStart, Notes: notes})
	if err != nil {
		t.Fatalf("Failed to start with queue notes filled: %v", err)
	}
	if tr.NewRole != types.RoleWork {
		t.Errorf("Expected work, got %s", tr.NewRole)
	}

	Apply(item, tr, time.Now())
	if _, err := m.Decide(Request{Item: item, Trigger: types.TriggerStart, Notes: notes}); taskerr.CodeOf(err) != taskerr.CodeGateFailure {
		t.Errorf("Expected gate failure leaving work without fix-notes, got %v", err)
	}
}

func TestEmptyNoteBodyDoesNotSatisfyGate(t *testing.T) {
	m := parseMachine(t, gatedConfig)
	notes := []*types.Note{note("reproduction-steps", "   \n\t")}
	_, err := m.Decide(Request{Item: task(types.RoleQueue, "bug-fix"), Trigger: types.TriggerStart, Notes: notes})
	if taskerr.CodeOf(err) != taskerr.CodeGateFailure {
		t.Fatalf("Expected gate failure for whitespace-only note, got %v", err)
	}
}

func TestNoSchemaAlwaysPasses(t *testing.T) {
	m := parseMachine(t, gatedConfig)
	if _, err := m.Decide(Request{Item: task(types.RoleQueue, "refactor"), Trigger: types.TriggerStart}); err != nil {
		t.Fatalf("Failed to start item without schema: %v", err)
	}
}

func TestCompleteGatesAllPhases(t *testing.T) {
	m := parseMachine(t, gatedConfig)
	item := task(types.RoleWork, "bug-fix")

	notes := []*types.Note{note("reproduction-steps", "run the thing")}
	_, err := m.Decide(Request{Item: item, Trigger: types.TriggerComplete, Notes: notes})
	if taskerr.CodeOf(err) != taskerr.CodeGateFailure {
		t.Fatalf("Expected gate failure without work notes, got %v", err)
	}
	if !strings.Contains(err.Error(), "fix-notes") {
		t.Errorf("Expected missing key in message, got %q", err.Error())
	}

	// The optional review note may stay empty.
	notes = append(notes, note("fix-notes", "patched the parser"))
	tr, err := m.Decide(Request{Item: item, Trigger: types.TriggerComplete, Notes: notes})
	if err != nil {
		t.Fatalf("Failed to complete with required notes filled: %v", err)
	}
	if tr.NewRole != types.RoleTerminal || tr.NewStatus != "completed" {
		t.Errorf("Unexpected completion outcome: %+v", tr)
	}
}

func TestCompleteRejectedFromBlockedAndTerminal(t *testing.T) {
	m := defaultMachine()

	blocked := task(types.RoleBlocked)
	blocked.PreviousRole = types.RoleWork
	if _, err := m.Decide(Request{Item: blocked, Trigger: types.TriggerComplete}); taskerr.CodeOf(err) != taskerr.CodeState {
		t.Errorf("Expected state error completing blocked item, got %v", err)
	}
	if _, err := m.Decide(Request{Item: task(types.RoleTerminal), Trigger: types.TriggerComplete}); taskerr.CodeOf(err) != taskerr.CodeState {
		t.Errorf("Expected state error completing terminal item, got %v", err)
	}
}

func TestStartSkipsMissingReviewPhase(t *testing.T) {
	m := parseMachine(t, noReviewConfig)
	item := task(types.RoleWork)

	tr, err := m.Decide(Request{Item: item, Trigger: types.TriggerStart})
	if err != nil {
		t.Fatalf("Failed to start from work: %v", err)
	}
	if tr.NewRole != types.RoleTerminal || tr.NewStatus != "completed" {
		t.Errorf("Expected terminal/completed, got %s/%s", tr.NewRole, tr.NewStatus)
	}
}

func TestOneTouchCompletionFromQueue(t *testing.T) {
	m := parseMachine(t, noReviewConfig)

	// No review phase, no schema: one start finishes the item.
	tr, err := m.Decide(Request{Item: task(types.RoleQueue), Trigger: types.TriggerStart})
	if err != nil {
		t.Fatalf("Failed to start: %v", err)
	}
	if tr.NewRole != types.RoleTerminal {
		t.Errorf("Expected terminal, got %s", tr.NewRole)
	}

	// An unfilled required work note keeps the item in WORK.
	tr, err = m.Decide(Request{Item: task(types.RoleQueue, "chore"), Trigger: types.TriggerStart})
	if err != nil {
		t.Fatalf("Failed to start chore: %v", err)
	}
	if tr.NewRole != types.RoleWork {
		t.Errorf("Expected work while results note unfilled, got %s", tr.NewRole)
	}

	notes := []*types.Note{note("results", "all swept")}
	tr, err = m.Decide(Request{Item: task(types.RoleQueue, "chore"), Trigger: types.TriggerStart, Notes: notes})
	if err != nil {
		t.Fatalf("Failed to start chore with results: %v", err)
	}
	if tr.NewRole != types.RoleTerminal {
		t.Errorf("Expected terminal with results filled, got %s", tr.NewRole)
	}
}

func TestBlockAndResume(t *testing.T) {
	m := defaultMachine()
	item := task(types.RoleWork)
	item.StatusLabel = "in-progress"

	tr, err := m.Decide(Request{Item: item, Trigger: types.TriggerBlock})
	if err != nil {
		t.Fatalf("Failed to block: %v", err)
	}
	if tr.NewRole != types.RoleBlocked || tr.SavedRole != types.RoleWork || tr.NewStatus != LabelBlocked {
		t.Errorf("Unexpected block outcome: %+v", tr)
	}
	if tr.PreviousStatus != "in-progress" {
		t.Errorf("Expected previous status in-progress, got %q", tr.PreviousStatus)
	}
	Apply(item, tr, time.Now())

	tr, err = m.Decide(Request{Item: item, Trigger: types.TriggerResume})
	if err != nil {
		t.Fatalf("Failed to resume: %v", err)
	}
	if tr.NewRole != types.RoleWork || tr.NewStatus != "in-progress" {
		t.Errorf("Unexpected resume outcome: %+v", tr)
	}
	Apply(item, tr, time.Now())
	if item.PreviousRole != "" {
		t.Errorf("Expected previous role cleared, got %q", item.PreviousRole)
	}
}

func TestHoldKeepsInterruptedRole(t *testing.T) {
	m := defaultMachine()
	item := task(types.RoleReview)

	tr, err := m.Decide(Request{Item: item, Trigger: types.TriggerHold})
	if err != nil {
		t.Fatalf("Failed to hold: %v", err)
	}
	if tr.NewStatus != LabelOnHold {
		t.Errorf("Expected on-hold label, got %q", tr.NewStatus)
	}
	Apply(item, tr, time.Now())

	// Blocking an already-held item must not overwrite the saved role.
	tr, err = m.Decide(Request{Item: item, Trigger: types.TriggerBlock})
	if err != nil {
		t.Fatalf("Failed to block held item: %v", err)
	}
	if tr.SavedRole != types.RoleReview {
		t.Errorf("Expected saved role review, got %q", tr.SavedRole)
	}
	Apply(item, tr, time.Now())

	tr, err = m.Decide(Request{Item: item, Trigger: types.TriggerResume})
	if err != nil {
		t.Fatalf("Failed to resume: %v", err)
	}
	if tr.NewRole != types.RoleReview {
		t.Errorf("Expected resume to review, got %s", tr.NewRole)
	}
}

func TestResumeRequiresBlocked(t *testing.T) {
	m := defaultMachine()
	if _, err := m.Decide(Request{Item: task(types.RoleWork), Trigger: types.TriggerResume}); taskerr.CodeOf(err) != taskerr.CodeState {
		t.Fatalf("Expected state error resuming active item, got %v", err)
	}
}

func TestCancelBypassesGates(t *testing.T) {
	m := parseMachine(t, gatedConfig)
	item := task(types.RoleQueue, "bug-fix")
	item.RequiresVerification = true

	tr, err := m.Decide(Request{Item: item, Trigger: types.TriggerCancel})
	if err != nil {
		t.Fatalf("Failed to cancel: %v", err)
	}
	if tr.NewRole != types.RoleTerminal || tr.NewStatus != LabelCancelled {
		t.Errorf("Unexpected cancel outcome: %+v", tr)
	}

	if _, err := m.Decide(Request{Item: task(types.RoleTerminal), Trigger: types.TriggerCancel}); taskerr.CodeOf(err) != taskerr.CodeState {
		t.Errorf("Expected state error cancelling terminal item, got %v", err)
	}
}

func TestVerificationGate(t *testing.T) {
	m := defaultMachine()

	tests := []struct {
		name string
		body string
		ok   bool
	}{
		{"all passing", `[{"criteria":"unit tests green","pass":true},{"criteria":"lint clean","pass":true}]`, true},
		{"one failing", `[{"criteria":"unit tests green","pass":true},{"criteria":"lint clean","pass":false}]`, false},
		{"empty array", `[]`, false},
		{"not json", `looks good to me`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			item := task(types.RoleReview)
			item.RequiresVerification = true
			notes := []*types.Note{{ID: "n-v", ItemID: item.ID, Key: "Verification", Role: types.RoleReview, Body: tt.body}}

			_, err := m.Decide(Request{Item: item, Trigger: types.TriggerStart, Notes: notes})
			if tt.ok && err != nil {
				t.Fatalf("Failed to finish verified item: %v", err)
			}
			if !tt.ok && taskerr.CodeOf(err) != taskerr.CodeGateFailure {
				t.Fatalf("Expected gate failure, got %v", err)
			}
		})
	}
}

func TestVerificationNoteRequired(t *testing.T) {
	m := defaultMachine()
	item := task(types.RoleWork)
	item.RequiresVerification = true

	_, err := m.Decide(Request{Item: item, Trigger: types.TriggerComplete})
	if taskerr.CodeOf(err) != taskerr.CodeGateFailure {
		t.Fatalf("Expected gate failure without verification note, got %v", err)
	}

	// Items not requiring verification complete without one.
	if _, err := m.Decide(Request{Item: task(types.RoleWork), Trigger: types.TriggerComplete}); err != nil {
		t.Fatalf("Failed to complete unverified item: %v", err)
	}
}

func TestInvalidTrigger(t *testing.T) {
	m := defaultMachine()
	if _, err := m.Decide(Request{Item: task(types.RoleQueue), Trigger: "launch"}); taskerr.CodeOf(err) != taskerr.CodeValidation {
		t.Fatalf("Expected validation error, got %v", err)
	}
}

func TestTransitionRecord(t *testing.T) {
	m := defaultMachine()
	item := task(types.RoleQueue)
	item.StatusLabel = "pending"

	tr, err := m.Decide(Request{Item: item, Trigger: types.TriggerStart})
	if err != nil {
		t.Fatalf("Failed to start: %v", err)
	}
	rec := tr.Record()
	if rec.ItemID != "wi-1" || rec.PreviousRole != types.RoleQueue || rec.NewRole != types.RoleWork {
		t.Errorf("Unexpected record: %+v", rec)
	}
	if rec.PreviousStatus != "pending" || rec.NewStatus != "in-progress" || rec.Trigger != types.TriggerStart {
		t.Errorf("Unexpected record statuses: %+v", rec)
	}
}

func TestNextDestinations(t *testing.T) {
	m := defaultMachine()
	tests := []struct {
		name   string
		item   *types.WorkItem
		role   types.Role
		status string
	}{
		{"queue to work", task(types.RoleQueue), types.RoleWork, "in-progress"},
		{"work to review", task(types.RoleWork), types.RoleReview, "testing"},
		{"review to terminal", task(types.RoleReview), types.RoleTerminal, "completed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			role, status, ok := m.Next(tt.item, nil)
			if !ok {
				t.Fatal("Expected a next step")
			}
			if role != tt.role || status != tt.status {
				t.Errorf("Next = %s/%s, want %s/%s", role, status, tt.role, tt.status)
			}
		})
	}
}

func TestNextBlockedResumesSavedRole(t *testing.T) {
	m := defaultMachine()
	item := task(types.RoleBlocked)
	item.PreviousRole = types.RoleReview
	role, status, ok := m.Next(item, nil)
	if !ok || role != types.RoleReview || status != "testing" {
		t.Errorf("Next = %s/%s/%v, want review/testing/true", role, status, ok)
	}

	// No saved role means the item was blocked before it ever started.
	item.PreviousRole = ""
	if role, _, _ := m.Next(item, nil); role != types.RoleQueue {
		t.Errorf("Next = %s, want queue", role)
	}
}

func TestNextSkipsToTerminalWithoutReview(t *testing.T) {
	m := parseMachine(t, noReviewConfig)
	role, status, ok := m.Next(task(types.RoleQueue), nil)
	if !ok || role != types.RoleTerminal || status != "completed" {
		t.Errorf("Next = %s/%s/%v, want terminal/completed/true", role, status, ok)
	}

	// An unfilled required work note keeps the detour through WORK.
	role, status, _ = m.Next(task(types.RoleQueue, "chore"), nil)
	if role != types.RoleWork || status != "in-progress" {
		t.Errorf("Next = %s/%s, want work/in-progress", role, status)
	}
}

func TestNextNoneForTerminal(t *testing.T) {
	m := defaultMachine()
	if _, _, ok := m.Next(task(types.RoleTerminal), nil); ok {
		t.Error("Terminal items have no next step")
	}
}
