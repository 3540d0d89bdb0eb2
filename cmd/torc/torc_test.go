package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jpicklyk/task-orchestrator/internal/types"
	"github.com/jpicklyk/task-orchestrator/internal/workflow"
)

func TestStarterConfigTemplateParses(t *testing.T) {
	// The template ships fully commented out, so loading it must yield
	// exactly the built-in defaults.
	cfg, err := workflow.Parse([]byte(configYamlTemplate))
	require.NoError(t, err)

	def := workflow.Default()
	for _, ct := range containerOrder {
		assert.Equal(t,
			def.Progressions[ct].Flows[workflow.DefaultFlow],
			cfg.Progressions[ct].Flows[workflow.DefaultFlow],
			"container %s", ct)
		assert.Equal(t, def.Progressions[ct].TerminalStatuses, cfg.Progressions[ct].TerminalStatuses)
	}
	assert.Equal(t, def.CascadeRules, cfg.CascadeRules)
	assert.False(t, cfg.Cleanup.Enabled)
}

func TestStarterConfigTemplateExamplesAreValid(t *testing.T) {
	// Uncommenting the template's examples must produce a loadable config,
	// otherwise the starter teaches a broken syntax.
	uncommented := uncommentTemplate(configYamlTemplate)
	cfg, err := workflow.Parse([]byte(uncommented))
	require.NoError(t, err)

	p := cfg.Progressions[types.ContainerTask]
	assert.Equal(t, []string{"reported", "investigating", "fixing", "verifying", "completed"}, p.Flows["bugfix"])
	assert.Equal(t, "bugfix", cfg.FlowForTags([]string{"bug"}, types.ContainerTask))
	assert.Equal(t, types.RoleReview, cfg.RoleForStatus(types.ContainerTask, "bugfix", "verifying"))

	schemaKey, specs := cfg.NoteSchemaForTags([]string{"bug"})
	assert.Equal(t, "bug", schemaKey)
	require.Len(t, specs, 2)
	assert.Equal(t, "reproduction", specs[0].Key)
}

// uncommentTemplate strips the leading "# " from commented config lines,
// leaving prose comment lines (those not matching a config shape) alone.
func uncommentTemplate(tmpl string) string {
	var out []byte
	for _, line := range splitLines(tmpl) {
		switch {
		case len(line) >= 2 && line[0] == '#' && line[1] == ' ' && isConfigLine(line[2:]):
			out = append(out, line[2:]...)
		case line == "#":
			// Blank separator inside a commented block.
		default:
			out = append(out, line...)
		}
		out = append(out, '\n')
	}
	return string(out)
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}

// isConfigLine distinguishes commented-out YAML from prose: config lines
// are indented or contain a key/list marker.
func isConfigLine(s string) bool {
	if s == "" {
		return false
	}
	if s[0] == ' ' || s[0] == '-' {
		return true
	}
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			return true
		}
		if s[i] == ' ' {
			return false
		}
	}
	return false
}

func TestWriteIfMissing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	wrote, err := writeIfMissing(path, "first", false)
	require.NoError(t, err)
	assert.True(t, wrote)

	wrote, err = writeIfMissing(path, "second", false)
	require.NoError(t, err)
	assert.False(t, wrote, "existing file must be kept")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "first", string(data))

	wrote, err = writeIfMissing(path, "second", true)
	require.NoError(t, err)
	assert.True(t, wrote, "force must overwrite")

	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))
}

func TestEffectiveConfigRoot(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("AGENT_CONFIG_DIR", dir)
	assert.Equal(t, dir, effectiveConfigRoot())
}

func TestEffectiveDatabasePath(t *testing.T) {
	root := t.TempDir()
	t.Setenv("AGENT_CONFIG_DIR", root)

	t.Setenv("DATABASE_PATH", "")
	assert.Equal(t,
		filepath.Join(root, ".taskorchestrator", "tasks.db"),
		effectiveDatabasePath(root))

	override := filepath.Join(root, "elsewhere.db")
	t.Setenv("DATABASE_PATH", override)
	assert.Equal(t, override, effectiveDatabasePath(root))
}

func TestSortedFlowsDefaultFirst(t *testing.T) {
	flows := map[string][]string{
		"zeta":               {"a"},
		workflow.DefaultFlow: {"a"},
		"alpha":              {"a"},
	}
	assert.Equal(t, []string{workflow.DefaultFlow, "alpha", "zeta"}, sortedFlows(flows))
}

func TestBuildConfigView(t *testing.T) {
	view := buildConfigView(workflow.Default(), "unused.yaml", false)

	assert.Equal(t, "built-in defaults", view.Source)
	assert.True(t, view.Valid)
	require.Contains(t, view.Progressions, "task")

	flow := view.Progressions["task"].Flows[workflow.DefaultFlow]
	require.Len(t, flow, 4)
	assert.Equal(t, statusRole{Status: "pending", Role: "queue"}, flow[0])
	assert.Equal(t, statusRole{Status: "in-progress", Role: "work"}, flow[1])
	assert.Equal(t, statusRole{Status: "testing", Role: "review"}, flow[2])
	assert.Equal(t, statusRole{Status: "completed", Role: "terminal"}, flow[3])
}
