package lifecycle

import (
	"encoding/json"
	"strings"

	"github.com/jpicklyk/task-orchestrator/internal/taskerr"
	"github.com/jpicklyk/task-orchestrator/internal/types"
)

// VerificationKey is the note key that carries verification results.
// Matching is case-insensitive.
const VerificationKey = "verification"

// Criterion is one entry in a verification note body.
type Criterion struct {
	Criteria string `json:"criteria"`
	Pass     bool   `json:"pass"`
}

// CheckVerification enforces the contract for items that require
// verification before reaching a terminal role: a verification note whose
// body is a JSON array of criteria, at least one entry, all passing.
func CheckVerification(notes []*types.Note) error {
	var note *types.Note
	for _, n := range notes {
		if strings.EqualFold(strings.TrimSpace(n.Key), VerificationKey) {
			note = n
			break
		}
	}
	if note == nil || !note.Filled() {
		return taskerr.GateFailure("verification required: add a %q note listing criteria results", VerificationKey)
	}
	var criteria []Criterion
	if err := json.Unmarshal([]byte(note.Body), &criteria); err != nil {
		return taskerr.GateFailure("verification note must be a JSON array of {criteria, pass} entries: %v", err)
	}
	if len(criteria) == 0 {
		return taskerr.GateFailure("verification note lists no criteria")
	}
	var failing []string
	for _, c := range criteria {
		if !c.Pass {
			failing = append(failing, c.Criteria)
		}
	}
	if len(failing) > 0 {
		return taskerr.GateFailure("verification criteria not passing: %s",
			strings.Join(failing, ", ")).With("failingCriteria", failing)
	}
	return nil
}
