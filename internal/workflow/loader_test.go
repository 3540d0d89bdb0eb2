package workflow

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/jpicklyk/task-orchestrator/internal/types"
)

func writeConfig(t *testing.T, root, content string) {
	t.Helper()
	dir := filepath.Join(root, ConfigDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("Failed to create config dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ConfigFile), []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
}

func TestLoaderDefaultsWhenMissing(t *testing.T) {
	loader, err := NewLoader(t.TempDir())
	if err != nil {
		t.Fatalf("NewLoader failed: %v", err)
	}
	defer loader.Close()

	cfg := loader.Config()
	if got := cfg.RoleForStatus(types.ContainerTask, DefaultFlow, "pending"); got != types.RoleQueue {
		t.Errorf("defaults not active: pending = %q", got)
	}
}

func TestLoaderReadsFile(t *testing.T) {
	root := t.TempDir()
	writeConfig(t, root, "status_progression:\n  tasks:\n    default_flow: [todo, doing, done]\n    terminal_statuses: [done]\n")

	loader, err := NewLoader(root)
	if err != nil {
		t.Fatalf("NewLoader failed: %v", err)
	}
	defer loader.Close()

	statuses := loader.Config().StatusesForFlow(types.ContainerTask, DefaultFlow)
	if len(statuses) != 3 || statuses[0] != "todo" {
		t.Errorf("flow = %v, want [todo doing done]", statuses)
	}
}

func TestLoaderReloadOnChange(t *testing.T) {
	root := t.TempDir()
	writeConfig(t, root, "status_progression:\n  tasks:\n    default_flow: [todo, done]\n    terminal_statuses: [done]\n")

	loader, err := NewLoader(root)
	if err != nil {
		t.Fatalf("NewLoader failed: %v", err)
	}
	defer loader.Close()

	writeConfig(t, root, "status_progression:\n  tasks:\n    default_flow: [open, closed]\n    terminal_statuses: [closed]\n")
	loader.Invalidate()

	statuses := loader.Config().StatusesForFlow(types.ContainerTask, DefaultFlow)
	if len(statuses) != 2 || statuses[0] != "open" {
		t.Errorf("flow after reload = %v, want [open closed]", statuses)
	}
}

func TestLoaderKeepsPreviousOnBrokenReload(t *testing.T) {
	root := t.TempDir()
	writeConfig(t, root, "status_progression:\n  tasks:\n    default_flow: [todo, done]\n    terminal_statuses: [done]\n")

	loader, err := NewLoader(root)
	if err != nil {
		t.Fatalf("NewLoader failed: %v", err)
	}
	defer loader.Close()

	writeConfig(t, root, "status_progression:\n  tasks:\n    default_flow: []\n")
	loader.Invalidate()

	statuses := loader.Config().StatusesForFlow(types.ContainerTask, DefaultFlow)
	if len(statuses) != 2 || statuses[0] != "todo" {
		t.Errorf("broken reload should keep previous config, got %v", statuses)
	}
}

func TestLoaderRejectsInvalidAtStartup(t *testing.T) {
	root := t.TempDir()
	writeConfig(t, root, "status_progression:\n  tasks:\n    default_flow: []\n")

	if _, err := NewLoader(root); err == nil {
		t.Fatal("expected startup error for invalid config")
	}
}
