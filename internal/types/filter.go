package types

import (
	"fmt"
	"strings"
	"time"
)

// ItemFilter restricts searchItems queries. Nil pointer fields are ignored.
type ItemFilter struct {
	IDs      []string
	ParentID *string // empty string matches roots
	Depth    *int
	Role     *Role
	Priority *Priority
	Tags     []string // OR semantics: item must carry at least one
	Text     string   // substring match on title or summary

	CreatedAfter      *time.Time
	CreatedBefore     *time.Time
	ModifiedAfter     *time.Time
	ModifiedBefore    *time.Time
	RoleChangedAfter  *time.Time
	RoleChangedBefore *time.Time
}

// SortField names an item attribute results can be ordered by.
type SortField string

// Sort field constants
const (
	SortByCreated  SortField = "createdAt"
	SortByModified SortField = "modifiedAt"
	SortByPriority SortField = "priority"
	SortByTitle    SortField = "title"
)

// IsValid checks whether the sort field is recognized. Empty selects the
// default ordering.
func (s SortField) IsValid() bool {
	switch s {
	case SortByCreated, SortByModified, SortByPriority, SortByTitle, "":
		return true
	}
	return false
}

// ParseSortField validates a sort field string.
func ParseSortField(s string) (SortField, error) {
	f := SortField(strings.TrimSpace(s))
	if !f.IsValid() {
		return "", fmt.Errorf("invalid sort field: %q", s)
	}
	return f, nil
}

// Sort pairs a field with a direction.
type Sort struct {
	Field SortField
	Desc  bool
}

// NoteFilter restricts note listings for one item.
type NoteFilter struct {
	ItemID string
	Role   *Role
}

// DependencyDirection selects which edges of an item a query follows.
type DependencyDirection string

// Direction constants
const (
	DirIncoming DependencyDirection = "incoming"
	DirOutgoing DependencyDirection = "outgoing"
	DirAll      DependencyDirection = "all"
)

// IsValid checks whether the direction is recognized. Empty means all.
func (d DependencyDirection) IsValid() bool {
	switch d {
	case DirIncoming, DirOutgoing, DirAll, "":
		return true
	}
	return false
}
