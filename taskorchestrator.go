// Package taskorchestrator provides a minimal public API for embedding the
// orchestrator's storage layer in other Go programs.
//
// Most integrations should talk to a running server over MCP instead. This
// package exports only the essential types and functions needed by Go
// extensions that want to read or mutate the work-item graph directly.
package taskorchestrator

import (
	"context"
	"os"
	"path/filepath"

	"github.com/jpicklyk/task-orchestrator/internal/storage"
	"github.com/jpicklyk/task-orchestrator/internal/storage/sqlite"
	"github.com/jpicklyk/task-orchestrator/internal/types"
	"github.com/jpicklyk/task-orchestrator/internal/workflow"
)

// Core types for working with the item graph
type (
	WorkItem         = types.WorkItem
	Note             = types.Note
	Dependency       = types.Dependency
	TransitionRecord = types.TransitionRecord
	Role             = types.Role
	Priority         = types.Priority
	DependencyType   = types.DependencyType
	Trigger          = types.Trigger
	ItemFilter       = types.ItemFilter
)

// Role constants
const (
	RoleQueue    = types.RoleQueue
	RoleWork     = types.RoleWork
	RoleReview   = types.RoleReview
	RoleBlocked  = types.RoleBlocked
	RoleTerminal = types.RoleTerminal
)

// Priority constants
const (
	PriorityHigh   = types.PriorityHigh
	PriorityMedium = types.PriorityMedium
	PriorityLow    = types.PriorityLow
)

// Dependency type constants
const (
	DepBlocks      = types.DepBlocks
	DepIsBlockedBy = types.DepIsBlockedBy
	DepRelatesTo   = types.DepRelatesTo
)

// DatabaseFile is the default database name inside the config directory.
const DatabaseFile = "tasks.db"

// Store provides the minimal interface for programmatic access.
type Store = storage.Store

// Open opens (creating if needed) an orchestrator SQLite database for
// programmatic access.
func Open(ctx context.Context, dbPath string) (Store, error) {
	return sqlite.New(ctx, dbPath)
}

// ConfigRoot resolves the directory holding .taskorchestrator/: the
// AGENT_CONFIG_DIR environment variable when set, else the working
// directory.
func ConfigRoot() string {
	if dir := os.Getenv("AGENT_CONFIG_DIR"); dir != "" {
		return dir
	}
	if cwd, err := os.Getwd(); err == nil {
		return cwd
	}
	return "."
}

// DataDir returns the orchestrator state directory under a config root.
func DataDir(configRoot string) string {
	return filepath.Join(configRoot, workflow.ConfigDir)
}

// DefaultDatabasePath returns the database location under a config root,
// unless overridden by the DATABASE_PATH environment variable.
func DefaultDatabasePath(configRoot string) string {
	if p := os.Getenv("DATABASE_PATH"); p != "" {
		return p
	}
	return filepath.Join(DataDir(configRoot), DatabaseFile)
}
