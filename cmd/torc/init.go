package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	taskorchestrator "github.com/jpicklyk/task-orchestrator"
	"github.com/jpicklyk/task-orchestrator/internal/storage/sqlite"
	"github.com/jpicklyk/task-orchestrator/internal/workflow"
)

// configYamlTemplate is the starter workflow config written by torc init.
// Every section is commented out: the built-in defaults apply until a
// section is uncommented and edited.
const configYamlTemplate = `# Task Orchestrator workflow configuration
# Changes take effect on the next operation; no restart needed.
# Remove this file to fall back to the built-in defaults.

# Status flows per container type. The first status of a flow is where new
# items start; listed order defines the progression. Each container section
# may define extra named flows selected by item tags via flow_mappings.
#
# status_progression:
#   tasks:
#     default_flow: [pending, in-progress, testing, completed]
#     bugfix_flow: [reported, investigating, fixing, verifying, completed]
#     terminal_statuses: [completed, archived, cancelled]
#     emergency_transitions: [blocked, on-hold, cancelled, archived]
#     flow_mappings:
#       - tags: [bug]
#         flow: bugfix
#     role_overrides:
#       verifying: review
#   features:
#     default_flow: [pending, in-progress, testing, completed]
#     terminal_statuses: [completed, archived, cancelled]
#     emergency_transitions: [blocked, on-hold, cancelled, archived]
#   projects:
#     default_flow: [pending, in-progress, testing, completed]
#     terminal_statuses: [completed, archived, cancelled]
#     emergency_transitions: [blocked, on-hold, cancelled, archived]

# Notes an item must carry before it may leave a phase. The schema key is
# matched against item tags; role names the phase the note gates.
#
# note_schemas:
#   bug:
#     - key: reproduction
#       role: work
#       required: true
#       description: Steps that reproduce the defect
#     - key: verification
#       role: review
#       required: true
#       description: Evidence the fix holds
#       guidance: Include the failing case re-run output.

# Prune completed children when a feature completes, keeping items that
# carry any retain tag.
#
# completion_cleanup:
#   enabled: false
#   retain_tags: [keep, decision]

# Parent status reactions to child activity. Flows may override per event
# under flows.<name>.event_overrides.
#
# cascade_rules:
#   first_task_started: {from: pending, to: in-progress}
#   all_tasks_complete: {from: in-progress, to: completed}
#
# flows:
#   bugfix:
#     event_overrides:
#       all_tasks_complete: {from: fixing, to: completed}
`

// gitignoreTemplate keeps orchestrator runtime state out of version
// control; the config.yaml next to it is meant to be committed.
const gitignoreTemplate = `# SQLite database and WAL side files
*.db
*.db-wal
*.db-shm
*.db-journal

# Serve process guard
*.lock

# Log files
*.log
`

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the orchestrator state directory",
	Long: `Create .taskorchestrator/ under the config root with a starter
config.yaml, a .gitignore for the runtime files, and an empty database.
Safe to re-run: existing files are kept unless --force is given.`,
	Run: func(cmd *cobra.Command, args []string) {
		root := effectiveConfigRoot()
		dataDir := taskorchestrator.DataDir(root)

		if err := os.MkdirAll(dataDir, 0o750); err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to create %s: %v\n", dataDir, err)
			os.Exit(1)
		}

		configPath := workflow.ConfigPath(root)
		wroteConfig, err := writeIfMissing(configPath, configYamlTemplate, initForce)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to write config.yaml: %v\n", err)
			os.Exit(1)
		}

		gitignorePath := filepath.Join(dataDir, ".gitignore")
		if _, err := writeIfMissing(gitignorePath, gitignoreTemplate, initForce); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to write .gitignore: %v\n", err)
			// Non-fatal - continue anyway
		}

		db := effectiveDatabasePath(root)
		store, err := sqlite.New(rootCtx, db)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to create database: %v\n", err)
			os.Exit(1)
		}
		_ = store.Close()

		if jsonOutput {
			outputJSON(map[string]interface{}{
				"configRoot":    root,
				"config":        configPath,
				"database":      db,
				"configWritten": wroteConfig,
			})
			return
		}

		green := color.New(color.FgGreen).SprintFunc()
		cyan := color.New(color.FgCyan).SprintFunc()

		fmt.Printf("\n%s task orchestrator initialized\n\n", green("✓"))
		if wroteConfig {
			fmt.Printf("  Workflow config: %s\n", cyan(configPath))
		} else {
			fmt.Printf("  Workflow config: %s (kept existing)\n", cyan(configPath))
		}
		fmt.Printf("  Database: %s\n\n", cyan(db))
		fmt.Printf("Run %s to start serving MCP on stdin/stdout.\n\n", cyan("torc serve"))
	},
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing config.yaml and .gitignore")
	rootCmd.AddCommand(initCmd)
}

// writeIfMissing writes content to path unless the file already exists.
// Reports whether a write happened.
func writeIfMissing(path, content string, force bool) (bool, error) {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return false, nil
		}
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return false, err
	}
	return true, nil
}
