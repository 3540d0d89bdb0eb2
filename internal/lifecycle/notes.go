// Package lifecycle implements the role machine that advances work items
// through their phases, and the note gates that guard those advances. The
// machine is pure: callers resolve the item's notes and blockers (inside
// the same transaction) and persist the outcome themselves.
package lifecycle

import (
	"github.com/jpicklyk/task-orchestrator/internal/types"
	"github.com/jpicklyk/task-orchestrator/internal/workflow"
)

// ExpectedNote reports the state of one schema spec against an item's notes.
type ExpectedNote struct {
	Key         string     `json:"key"`
	Role        types.Role `json:"role"`
	Required    bool       `json:"required"`
	Description string     `json:"description,omitempty"`
	Exists      bool       `json:"exists"`
	Filled      bool       `json:"filled"`
}

// MissingRequired returns the required specs in the target phases that have
// no matching note or only an empty one. Specs outside the phase set and
// optional specs never block.
func MissingRequired(specs []workflow.NoteSpec, notes []*types.Note, phases map[types.Role]bool) []workflow.NoteSpec {
	byKey := noteIndex(notes)
	var missing []workflow.NoteSpec
	for _, spec := range specs {
		if !spec.Required || !phases[spec.Role] {
			continue
		}
		if n := byKey[spec.Key]; n == nil || !n.Filled() {
			missing = append(missing, spec)
		}
	}
	return missing
}

// Report builds the expectedNotes entries for every spec in a schema,
// whether or not the item has written them yet.
func Report(specs []workflow.NoteSpec, notes []*types.Note) []ExpectedNote {
	byKey := noteIndex(notes)
	report := make([]ExpectedNote, 0, len(specs))
	for _, spec := range specs {
		n := byKey[spec.Key]
		report = append(report, ExpectedNote{
			Key:         spec.Key,
			Role:        spec.Role,
			Required:    spec.Required,
			Description: spec.Description,
			Exists:      n != nil,
			Filled:      n != nil && n.Filled(),
		})
	}
	return report
}

func noteIndex(notes []*types.Note) map[string]*types.Note {
	idx := make(map[string]*types.Note, len(notes))
	for _, n := range notes {
		idx[types.NormalizeStatus(n.Key)] = n
	}
	return idx
}

func phaseSet(roles ...types.Role) map[types.Role]bool {
	set := make(map[types.Role]bool, len(roles))
	for _, r := range roles {
		set[r] = true
	}
	return set
}

func allPhases() map[types.Role]bool {
	return phaseSet(types.RoleQueue, types.RoleWork, types.RoleReview)
}
