package types

import "time"

// DefaultLockTTL is how long a lock lives before it is deemed abandoned.
const DefaultLockTTL = 2 * time.Minute

// OperationKind classifies an operation for lock admission.
type OperationKind string

// Operation kind constants
const (
	OpRead            OperationKind = "read"
	OpWrite           OperationKind = "write"
	OpCreate          OperationKind = "create"
	OpDelete          OperationKind = "delete"
	OpSectionEdit     OperationKind = "section-edit"
	OpStructureChange OperationKind = "structure-change"
)

// IsValid checks whether the operation kind is recognized.
func (k OperationKind) IsValid() bool {
	switch k {
	case OpRead, OpWrite, OpCreate, OpDelete, OpSectionEdit, OpStructureChange:
		return true
	}
	return false
}

// Lock is a short-lived admission token held in memory by the lock manager.
// Locks do not survive a restart.
type Lock struct {
	ID         string          `json:"id"`
	Kind       OperationKind   `json:"operationKind"`
	EntityIDs  map[string]bool `json:"-"`
	AcquiredAt time.Time       `json:"acquiredAt"`
	ExpiresAt  time.Time       `json:"expiresAt"`
	SessionID  string          `json:"sessionId,omitempty"`
}

// Expired reports whether the lock's lease has lapsed at the given instant.
func (l *Lock) Expired(now time.Time) bool {
	return l.ExpiresAt.Before(now)
}

// Covers reports whether the lock's entity set intersects the given ids.
func (l *Lock) Covers(ids []string) bool {
	for _, id := range ids {
		if l.EntityIDs[id] {
			return true
		}
	}
	return false
}
