package workflow

import (
	"github.com/jpicklyk/task-orchestrator/internal/types"
)

// Default returns the built-in configuration used when no config file
// exists. Every container type runs pending → in-progress → testing →
// completed, with the conventional terminal and emergency statuses.
func Default() *Config {
	progression := func() *Progression {
		return &Progression{
			Flows: map[string][]string{
				DefaultFlow: {"pending", "in-progress", "testing", "completed"},
			},
			TerminalStatuses:     []string{"completed", "archived", "cancelled"},
			EmergencyTransitions: []string{"blocked", "on-hold", "cancelled", "archived"},
			RoleOverrides: map[string]types.Role{
				"qa-review": types.RoleReview,
			},
		}
	}
	cfg := &Config{
		Progressions: map[types.ContainerType]*Progression{
			types.ContainerTask:    progression(),
			types.ContainerFeature: progression(),
			types.ContainerProject: progression(),
		},
		NoteSchemas: map[string][]NoteSpec{},
		CascadeRules: map[string]CascadeRule{
			EventFirstTaskStarted: {From: "pending", To: "in-progress"},
			EventAllTasksComplete: {From: "in-progress", To: "completed"},
		},
		FlowOverrides: map[string]map[string]CascadeRule{},
	}
	cfg.normalize()
	return cfg
}
