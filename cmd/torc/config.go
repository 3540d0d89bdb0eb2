package main

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/jpicklyk/task-orchestrator/internal/types"
	"github.com/jpicklyk/task-orchestrator/internal/workflow"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Validate and print the effective workflow configuration",
	Long: `Load the workflow config the server would use, reject it if invalid,
and print the resulting flows, note schemas, and cascade rules. Built-in
defaults are shown when no config file exists.`,
	Run: func(cmd *cobra.Command, args []string) {
		root := effectiveConfigRoot()
		path := workflow.ConfigPath(root)

		cfg := workflow.Default()
		fromFile := false

		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			cfg, err = workflow.Parse(data)
			if err != nil {
				if jsonOutput {
					outputJSON(map[string]interface{}{
						"source": path,
						"valid":  false,
						"error":  err.Error(),
					})
				} else {
					fmt.Fprintf(os.Stderr, "Error: invalid workflow config %s: %v\n", path, err)
				}
				os.Exit(1)
			}
			fromFile = true
		case os.IsNotExist(err):
			// Defaults apply; same as the server at startup.
		default:
			fmt.Fprintf(os.Stderr, "Error: cannot read %s: %v\n", path, err)
			os.Exit(1)
		}

		if jsonOutput {
			outputJSON(buildConfigView(cfg, path, fromFile))
			return
		}
		printConfig(cfg, path, fromFile)
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
}

// statusRole pairs a status with the role phase it resolves to.
type statusRole struct {
	Status string `json:"status"`
	Role   string `json:"role"`
}

type progressionView struct {
	Flows                map[string][]statusRole `json:"flows"`
	TerminalStatuses     []string                `json:"terminalStatuses"`
	EmergencyTransitions []string                `json:"emergencyTransitions"`
}

type configView struct {
	Source        string                                     `json:"source"`
	Valid         bool                                       `json:"valid"`
	Progressions  map[string]progressionView                 `json:"statusProgression"`
	NoteSchemas   map[string][]workflow.NoteSpec             `json:"noteSchemas,omitempty"`
	CascadeRules  map[string]workflow.CascadeRule            `json:"cascadeRules,omitempty"`
	FlowOverrides map[string]map[string]workflow.CascadeRule `json:"flowOverrides,omitempty"`
	Cleanup       workflow.CompletionCleanup                 `json:"completionCleanup"`
}

var containerOrder = []types.ContainerType{
	types.ContainerTask,
	types.ContainerFeature,
	types.ContainerProject,
}

func buildConfigView(cfg *workflow.Config, path string, fromFile bool) configView {
	source := "built-in defaults"
	if fromFile {
		source = path
	}
	view := configView{
		Source:        source,
		Valid:         true,
		Progressions:  make(map[string]progressionView, len(containerOrder)),
		NoteSchemas:   cfg.NoteSchemas,
		CascadeRules:  cfg.CascadeRules,
		FlowOverrides: cfg.FlowOverrides,
		Cleanup:       cfg.Cleanup,
	}
	for _, ct := range containerOrder {
		p := cfg.Progressions[ct]
		if p == nil {
			continue
		}
		pv := progressionView{
			Flows:                make(map[string][]statusRole, len(p.Flows)),
			TerminalStatuses:     p.TerminalStatuses,
			EmergencyTransitions: p.EmergencyTransitions,
		}
		for flow, statuses := range p.Flows {
			annotated := make([]statusRole, len(statuses))
			for i, status := range statuses {
				annotated[i] = statusRole{
					Status: status,
					Role:   string(cfg.RoleForStatus(ct, flow, status)),
				}
			}
			pv.Flows[flow] = annotated
		}
		view.Progressions[string(ct)] = pv
	}
	return view
}

func printConfig(cfg *workflow.Config, path string, fromFile bool) {
	green := color.New(color.FgGreen).SprintFunc()
	cyan := color.New(color.FgCyan).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	dim := color.New(color.Faint).SprintFunc()

	if fromFile {
		fmt.Printf("Workflow config: %s\n", cyan(path))
		fmt.Printf("%s configuration valid\n\n", green("✓"))
	} else {
		fmt.Printf("Workflow config: %s\n", yellow("built-in defaults"))
		fmt.Printf("%s (create %s with 'torc init' to customize)\n\n", dim("no config file"), cyan(path))
	}

	for _, ct := range containerOrder {
		p := cfg.Progressions[ct]
		if p == nil {
			continue
		}
		fmt.Printf("%s:\n", ct)
		for _, flow := range sortedFlows(p.Flows) {
			parts := make([]string, len(p.Flows[flow]))
			for i, status := range p.Flows[flow] {
				role := cfg.RoleForStatus(ct, flow, status)
				parts[i] = fmt.Sprintf("%s %s", status, dim("("+string(role)+")"))
			}
			fmt.Printf("  %s: %s\n", cyan(flow), strings.Join(parts, " -> "))
		}
		fmt.Printf("  terminal: %s\n", strings.Join(p.TerminalStatuses, ", "))
		fmt.Printf("  emergency: %s\n", strings.Join(p.EmergencyTransitions, ", "))
		for _, m := range p.FlowMappings {
			fmt.Printf("  tags [%s] use flow %s\n", strings.Join(m.Tags, ", "), cyan(m.Flow))
		}
		fmt.Println()
	}

	if len(cfg.NoteSchemas) > 0 {
		fmt.Println("note schemas:")
		for _, key := range sortedKeys(cfg.NoteSchemas) {
			specs := cfg.NoteSchemas[key]
			parts := make([]string, len(specs))
			for i, spec := range specs {
				req := "optional"
				if spec.Required {
					req = "required"
				}
				parts[i] = fmt.Sprintf("%s %s", spec.Key, dim("("+string(spec.Role)+", "+req+")"))
			}
			fmt.Printf("  %s: %s\n", cyan(key), strings.Join(parts, ", "))
		}
		fmt.Println()
	}

	if len(cfg.CascadeRules) > 0 {
		fmt.Println("cascade rules:")
		for _, event := range sortedKeys(cfg.CascadeRules) {
			rule := cfg.CascadeRules[event]
			fmt.Printf("  %s: %s -> %s\n", cyan(event), rule.From, rule.To)
		}
		for _, flow := range sortedKeys(cfg.FlowOverrides) {
			for _, event := range sortedKeys(cfg.FlowOverrides[flow]) {
				rule := cfg.FlowOverrides[flow][event]
				fmt.Printf("  %s %s: %s -> %s\n", cyan(flow), event, rule.From, rule.To)
			}
		}
		fmt.Println()
	}

	if cfg.Cleanup.Enabled {
		fmt.Printf("completion cleanup: enabled")
		if len(cfg.Cleanup.RetainTags) > 0 {
			fmt.Printf(", retaining tags [%s]", strings.Join(cfg.Cleanup.RetainTags, ", "))
		}
		fmt.Println()
	} else {
		fmt.Println("completion cleanup: disabled")
	}
}

// sortedFlows lists flow names with the default flow first.
func sortedFlows(flows map[string][]string) []string {
	names := make([]string, 0, len(flows))
	for name := range flows {
		if name != workflow.DefaultFlow {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	if _, ok := flows[workflow.DefaultFlow]; ok {
		names = append([]string{workflow.DefaultFlow}, names...)
	}
	return names
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
