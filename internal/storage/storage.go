// Package storage defines the persistence contract for the task orchestrator.
//
// The concrete implementation lives in the sqlite sub-package. This package
// holds the interfaces and sentinel errors referenced by both the
// implementation and its consumers so that alternatives (mocks, proxies)
// can be substituted.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/jpicklyk/task-orchestrator/internal/types"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrInvalidID is returned for malformed identifiers.
var ErrInvalidID = errors.New("invalid ID")

// ErrConflict is returned on unique-constraint violations or conflicting
// state, such as deleting an item that still has children.
var ErrConflict = errors.New("conflict")

// ErrCycle is returned when a dependency batch would create a cycle.
var ErrCycle = errors.New("dependency cycle detected")

// ErrLocked is returned when the database stayed busy past the retry budget.
var ErrLocked = errors.New("database locked")

// Store is the interface satisfied by *sqlite.Store. Reads outside a
// transaction observe the last committed state.
type Store interface {
	// Item reads
	GetItem(ctx context.Context, id string) (*types.WorkItem, error)
	GetItems(ctx context.Context, ids []string) ([]*types.WorkItem, error)
	GetChildren(ctx context.Context, parentID string) ([]*types.WorkItem, error)
	GetDescendants(ctx context.Context, rootID string) ([]*types.WorkItem, error)
	SearchItems(ctx context.Context, filter types.ItemFilter, sort types.Sort, limit, offset int) ([]*types.WorkItem, error)
	Overview(ctx context.Context, itemID string) (*OverviewResult, error)

	// Note reads
	GetNote(ctx context.Context, id string) (*types.Note, error)
	GetNoteByKey(ctx context.Context, itemID, key string) (*types.Note, error)
	ListNotes(ctx context.Context, filter types.NoteFilter) ([]*types.Note, error)

	// Dependency reads
	GetDependency(ctx context.Context, id string) (*types.Dependency, error)
	EdgesTouching(ctx context.Context, itemID string) ([]*types.Dependency, error)
	AllEdges(ctx context.Context) ([]*types.Dependency, error)

	// Transition log reads
	TransitionsForItem(ctx context.Context, itemID string, limit int) ([]*types.TransitionRecord, error)
	TransitionsSince(ctx context.Context, since time.Time, limit int) ([]*types.TransitionRecord, error)
	ItemsChangedSince(ctx context.Context, since time.Time) ([]*types.WorkItem, error)

	// RunInTransaction executes fn atomically. Changes are invisible to
	// other connections until commit; an error or panic from fn rolls
	// everything back.
	RunInTransaction(ctx context.Context, fn func(tx Tx) error) error

	Close() error
}

// Tx exposes the write operations plus the reads needed for
// read-your-writes inside one transaction.
type Tx interface {
	// Reads within the transaction
	GetItem(ctx context.Context, id string) (*types.WorkItem, error)
	GetChildren(ctx context.Context, parentID string) ([]*types.WorkItem, error)
	GetDescendants(ctx context.Context, rootID string) ([]*types.WorkItem, error)
	GetNoteByKey(ctx context.Context, itemID, key string) (*types.Note, error)
	ListNotes(ctx context.Context, filter types.NoteFilter) ([]*types.Note, error)
	EdgesTouching(ctx context.Context, itemID string) ([]*types.Dependency, error)
	AllEdges(ctx context.Context) ([]*types.Dependency, error)

	// Item writes
	CreateItem(ctx context.Context, item *types.WorkItem) error
	CreateItems(ctx context.Context, items []*types.WorkItem) error
	// UpdateItem applies a partial update. Map keys are JSON field names; a
	// key present with a nil value clears the field (a nil parentId moves
	// the item to the root). Omitted keys retain their values.
	UpdateItem(ctx context.Context, id string, updates map[string]any) error
	// UpdateRole applies a role transition in one statement, stamping
	// roleChangedAt and modifiedAt.
	UpdateRole(ctx context.Context, id string, role, previousRole types.Role, statusLabel string) error
	// DeleteItems removes items and returns every removed id. A
	// non-recursive delete of an item with children fails with ErrConflict;
	// recursive deletes walk the subtree once.
	DeleteItems(ctx context.Context, ids []string, recursive bool) ([]string, error)

	// Note writes
	UpsertNote(ctx context.Context, note *types.Note) (*types.Note, error)
	DeleteNote(ctx context.Context, id string) error
	DeleteNoteByKey(ctx context.Context, itemID, key string) error
	DeleteNotesForItem(ctx context.Context, itemID string) (int, error)

	// Dependency writes. CreateDependencies is all-or-nothing; the caller
	// performs cycle detection before handing the batch over.
	CreateDependencies(ctx context.Context, deps []*types.Dependency) error
	DeleteDependency(ctx context.Context, id string) error
	DeleteDependencyBetween(ctx context.Context, fromID, toID string, depType types.DependencyType) (int, error)
	DeleteDependenciesForItem(ctx context.Context, itemID string) (int, error)

	// Transition log
	AppendTransition(ctx context.Context, rec *types.TransitionRecord) error
}

// OverviewResult carries either the root overview (Item nil, Entries are
// roots) or a scoped view (Item set, Entries are its direct children).
// Counts aggregates the direct children of Item by role in scoped mode.
type OverviewResult struct {
	Item    *types.WorkItem        `json:"item,omitempty"`
	Counts  types.RoleCounts       `json:"counts"`
	Entries []*types.OverviewEntry `json:"entries"`
}
