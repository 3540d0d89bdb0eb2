// Package types defines the core data structures for the task orchestrator.
package types

import (
	"fmt"
	"strings"
	"time"
)

// MaxDepth is the hard cap on item nesting. Roots are depth 0.
const MaxDepth = 3

// WorkItem is the single unit of work: a node in the project graph.
type WorkItem struct {
	ID                   string    `json:"id"`
	ParentID             string    `json:"parentId,omitempty"`
	Depth                int       `json:"depth"`
	Title                string    `json:"title"`
	Summary              string    `json:"summary,omitempty"`
	Description          string    `json:"description,omitempty"`
	Role                 Role      `json:"role"`
	PreviousRole         Role      `json:"previousRole,omitempty"` // set only while BLOCKED
	StatusLabel          string    `json:"statusLabel,omitempty"`
	Priority             Priority  `json:"priority"`
	Complexity           *int      `json:"complexity,omitempty"`
	Tags                 []string  `json:"tags,omitempty"`
	RequiresVerification bool      `json:"requiresVerification,omitempty"`
	CreatedAt            time.Time `json:"createdAt"`
	ModifiedAt           time.Time `json:"modifiedAt"`
	RoleChangedAt        time.Time `json:"roleChangedAt"`
}

// Validate checks field values and the BLOCKED/previousRole pairing.
func (w *WorkItem) Validate() error {
	if strings.TrimSpace(w.Title) == "" {
		return fmt.Errorf("title is required")
	}
	if len(w.Title) > 500 {
		return fmt.Errorf("title must be 500 characters or less (got %d)", len(w.Title))
	}
	if w.Depth < 0 || w.Depth > MaxDepth {
		return fmt.Errorf("depth must be between 0 and %d (got %d)", MaxDepth, w.Depth)
	}
	if !w.Role.IsValid() {
		return fmt.Errorf("invalid role: %s", w.Role)
	}
	if !w.Priority.IsValid() {
		return fmt.Errorf("invalid priority: %s", w.Priority)
	}
	if w.Complexity != nil && (*w.Complexity < 1 || *w.Complexity > 10) {
		return fmt.Errorf("complexity must be between 1 and 10 (got %d)", *w.Complexity)
	}
	if w.Role == RoleBlocked && w.PreviousRole == "" {
		return fmt.Errorf("blocked items must record a previous role")
	}
	if w.Role != RoleBlocked && w.PreviousRole != "" {
		return fmt.Errorf("non-blocked items cannot have a previous role")
	}
	if w.PreviousRole != "" && !w.PreviousRole.IsValid() {
		return fmt.Errorf("invalid previous role: %s", w.PreviousRole)
	}
	return nil
}

// SetDefaults fills fields omitted on create.
func (w *WorkItem) SetDefaults() {
	if w.Role == "" {
		w.Role = RoleQueue
	}
	if w.Priority == "" {
		w.Priority = PriorityMedium
	}
}

// IsTerminal reports whether the item has reached a terminal role.
func (w *WorkItem) IsTerminal() bool {
	return w.Role == RoleTerminal
}

// HasTag reports whether the item carries the given tag (normalized compare).
func (w *WorkItem) HasTag(tag string) bool {
	tag = NormalizeTag(tag)
	for _, t := range w.Tags {
		if NormalizeTag(t) == tag {
			return true
		}
	}
	return false
}

// ContainerType resolves which workflow family governs the item.
// An explicit project/feature/task tag wins; otherwise depth decides.
func (w *WorkItem) ContainerType() ContainerType {
	for _, t := range w.Tags {
		switch NormalizeTag(t) {
		case string(ContainerProject):
			return ContainerProject
		case string(ContainerFeature):
			return ContainerFeature
		case string(ContainerTask):
			return ContainerTask
		}
	}
	switch w.Depth {
	case 0:
		return ContainerProject
	case 1:
		return ContainerFeature
	default:
		return ContainerTask
	}
}

// ContainerType selects the workflow family for an item.
type ContainerType string

// Container type constants
const (
	ContainerTask    ContainerType = "task"
	ContainerFeature ContainerType = "feature"
	ContainerProject ContainerType = "project"
)

// Role is the coarse lifecycle phase of a WorkItem.
type Role string

// Role constants
const (
	RoleQueue    Role = "queue"
	RoleWork     Role = "work"
	RoleReview   Role = "review"
	RoleBlocked  Role = "blocked"
	RoleTerminal Role = "terminal"
)

// IsValid checks whether the role value is one of the five known roles.
func (r Role) IsValid() bool {
	switch r {
	case RoleQueue, RoleWork, RoleReview, RoleBlocked, RoleTerminal:
		return true
	}
	return false
}

// Rank orders the progressing roles queue < work < review < terminal.
// BLOCKED has no rank and returns -1.
func (r Role) Rank() int {
	switch r {
	case RoleQueue:
		return 0
	case RoleWork:
		return 1
	case RoleReview:
		return 2
	case RoleTerminal:
		return 3
	}
	return -1
}

// Satisfies reports whether a blocker in this role meets the unblock
// threshold. A BLOCKED blocker never satisfies, whatever its previous role.
func (r Role) Satisfies(threshold Role) bool {
	if r == RoleBlocked {
		return false
	}
	return r.Rank() >= threshold.Rank()
}

// ParseRole normalizes and validates a role string.
func ParseRole(s string) (Role, error) {
	r := Role(NormalizeStatus(s))
	if !r.IsValid() {
		return "", fmt.Errorf("invalid role: %q", s)
	}
	return r, nil
}

// Priority orders items for next-work selection.
type Priority string

// Priority constants
const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// IsValid checks whether the priority value is valid.
func (p Priority) IsValid() bool {
	switch p {
	case PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

// Weight maps priority to a sortable rank; higher sorts first.
func (p Priority) Weight() int {
	switch p {
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	}
	return 0
}

// ParsePriority normalizes and validates a priority string.
func ParsePriority(s string) (Priority, error) {
	p := Priority(strings.ToLower(strings.TrimSpace(s)))
	if !p.IsValid() {
		return "", fmt.Errorf("invalid priority: %q", s)
	}
	return p, nil
}

// Note is keyed text attached to a WorkItem. One note per (item, key).
type Note struct {
	ID          string    `json:"id"`
	ItemID      string    `json:"itemId"`
	Key         string    `json:"key"`
	Role        Role      `json:"role"`
	Body        string    `json:"body"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	ModifiedAt  time.Time `json:"modifiedAt"`
}

// Filled reports whether the note body counts as filled for gating.
// Empty or whitespace-only bodies do not.
func (n *Note) Filled() bool {
	return strings.TrimSpace(n.Body) != ""
}

// Validate checks note field values. Note roles name documentation phases,
// so BLOCKED and TERMINAL are not allowed.
func (n *Note) Validate() error {
	if n.ItemID == "" {
		return fmt.Errorf("itemId is required")
	}
	if strings.TrimSpace(n.Key) == "" {
		return fmt.Errorf("key is required")
	}
	switch n.Role {
	case RoleQueue, RoleWork, RoleReview:
		return nil
	}
	return fmt.Errorf("note role must be queue, work, or review (got %q)", n.Role)
}

// Dependency is a directed edge between two WorkItems.
type Dependency struct {
	ID         string         `json:"id"`
	FromItemID string         `json:"fromItemId"`
	ToItemID   string         `json:"toItemId"`
	Type       DependencyType `json:"type"`
	UnblockAt  Role           `json:"unblockAt,omitempty"` // empty means terminal
	CreatedAt  time.Time      `json:"createdAt"`
}

// EffectiveThreshold resolves the unblock threshold, defaulting to terminal.
func (d *Dependency) EffectiveThreshold() Role {
	if d.UnblockAt == "" {
		return RoleTerminal
	}
	return d.UnblockAt
}

// Normalized returns the edge with direction rewritten so that FromItemID is
// always the blocker. RELATES_TO edges are returned unchanged.
func (d Dependency) Normalized() Dependency {
	if d.Type == DepIsBlockedBy {
		d.FromItemID, d.ToItemID = d.ToItemID, d.FromItemID
		d.Type = DepBlocks
	}
	return d
}

// Validate checks edge field values.
func (d *Dependency) Validate() error {
	if d.FromItemID == "" || d.ToItemID == "" {
		return fmt.Errorf("both endpoints are required")
	}
	if d.FromItemID == d.ToItemID {
		return fmt.Errorf("an item cannot depend on itself")
	}
	if !d.Type.IsValid() {
		return fmt.Errorf("invalid dependency type: %s", d.Type)
	}
	if d.UnblockAt != "" {
		if d.Type == DepRelatesTo {
			return fmt.Errorf("relates-to edges cannot carry an unblock threshold")
		}
		if d.UnblockAt.Rank() < 0 {
			return fmt.Errorf("invalid unblock threshold: %s", d.UnblockAt)
		}
	}
	return nil
}

// DependencyType categorizes the relationship between two items.
type DependencyType string

// Dependency type constants
const (
	DepBlocks      DependencyType = "blocks"
	DepIsBlockedBy DependencyType = "is-blocked-by"
	DepRelatesTo   DependencyType = "relates-to"
)

// IsValid checks whether the dependency type value is valid.
func (t DependencyType) IsValid() bool {
	switch t {
	case DepBlocks, DepIsBlockedBy, DepRelatesTo:
		return true
	}
	return false
}

// Blocking reports whether edges of this type affect readiness.
func (t DependencyType) Blocking() bool {
	return t == DepBlocks || t == DepIsBlockedBy
}

// ParseDependencyType normalizes and validates a dependency type string.
// Both "IS_BLOCKED_BY" and "is-blocked-by" forms are accepted.
func ParseDependencyType(s string) (DependencyType, error) {
	t := DependencyType(NormalizeStatus(s))
	if !t.IsValid() {
		return "", fmt.Errorf("invalid dependency type: %q", s)
	}
	return t, nil
}

// Trigger is an input instruction to the role machine.
type Trigger string

// Trigger constants
const (
	TriggerStart    Trigger = "start"
	TriggerComplete Trigger = "complete"
	TriggerBlock    Trigger = "block"
	TriggerHold     Trigger = "hold"
	TriggerResume   Trigger = "resume"
	TriggerCancel   Trigger = "cancel"
)

// IsValid checks whether the trigger value is valid.
func (t Trigger) IsValid() bool {
	switch t {
	case TriggerStart, TriggerComplete, TriggerBlock, TriggerHold, TriggerResume, TriggerCancel:
		return true
	}
	return false
}

// ParseTrigger normalizes and validates a trigger string.
func ParseTrigger(s string) (Trigger, error) {
	t := Trigger(strings.ToLower(strings.TrimSpace(s)))
	if !t.IsValid() {
		return "", fmt.Errorf("invalid trigger: %q", s)
	}
	return t, nil
}

// TransitionRecord is an append-only log entry written on every applied
// role change.
type TransitionRecord struct {
	ID             int64     `json:"id"`
	ItemID         string    `json:"itemId"`
	PreviousRole   Role      `json:"previousRole"`
	NewRole        Role      `json:"newRole"`
	PreviousStatus string    `json:"previousStatus,omitempty"`
	NewStatus      string    `json:"newStatus,omitempty"`
	Trigger        Trigger   `json:"trigger"`
	Summary        string    `json:"summary,omitempty"`
	At             time.Time `json:"at"`
}

// RoleCounts aggregates child items by role.
type RoleCounts struct {
	Queue    int `json:"queue"`
	Work     int `json:"work"`
	Review   int `json:"review"`
	Blocked  int `json:"blocked"`
	Terminal int `json:"terminal"`
}

// Add increments the counter for the given role.
func (c *RoleCounts) Add(r Role, n int) {
	switch r {
	case RoleQueue:
		c.Queue += n
	case RoleWork:
		c.Work += n
	case RoleReview:
		c.Review += n
	case RoleBlocked:
		c.Blocked += n
	case RoleTerminal:
		c.Terminal += n
	}
}

// Total sums all role counters.
func (c *RoleCounts) Total() int {
	return c.Queue + c.Work + c.Review + c.Blocked + c.Terminal
}

// OverviewEntry pairs an item with aggregate counts of its direct children.
type OverviewEntry struct {
	Item        *WorkItem  `json:"item"`
	ChildCounts RoleCounts `json:"childCounts"`
}

// NormalizeStatus lowercases a status-like string and rewrites underscores
// and spaces to dashes. Every component normalizes at its boundary and
// assumes normalized values internally.
func NormalizeStatus(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, "_", "-")
	s = strings.ReplaceAll(s, " ", "-")
	return s
}

// NormalizeTag lowercases a tag for comparison.
func NormalizeTag(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// NormalizeTags returns a copy of tags with each entry normalized and
// empties dropped.
func NormalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if n := NormalizeTag(t); n != "" {
			out = append(out, n)
		}
	}
	return out
}
