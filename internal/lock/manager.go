// Package lock provides in-memory admission control for the operation
// surface. Locks are short advisory leases over entity-id sets; nothing is
// persisted, so a restart begins with an empty table and abandoned leases
// die by TTL.
package lock

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jpicklyk/task-orchestrator/internal/log"
	"github.com/jpicklyk/task-orchestrator/internal/types"
)

// DefaultSweepInterval is how often the background sweeper runs. Acquire
// sweeps on its own, so this only matters for an idle process.
const DefaultSweepInterval = 30 * time.Minute

// retryInterval paces AcquireWait attempts.
const retryInterval = 25 * time.Millisecond

// conflicts maps an incoming operation kind to the held kinds it cannot
// overlap with on a shared entity.
var conflicts = map[types.OperationKind]map[types.OperationKind]bool{
	types.OpRead:        kinds(types.OpDelete, types.OpStructureChange),
	types.OpWrite:       kinds(types.OpWrite, types.OpDelete, types.OpStructureChange),
	types.OpCreate:      kinds(types.OpCreate, types.OpDelete, types.OpStructureChange),
	types.OpSectionEdit: kinds(types.OpDelete, types.OpStructureChange),
	types.OpDelete: kinds(types.OpRead, types.OpWrite, types.OpCreate,
		types.OpDelete, types.OpSectionEdit, types.OpStructureChange),
	types.OpStructureChange: kinds(types.OpRead, types.OpWrite, types.OpCreate,
		types.OpDelete, types.OpSectionEdit, types.OpStructureChange),
}

func kinds(ks ...types.OperationKind) map[types.OperationKind]bool {
	m := make(map[types.OperationKind]bool, len(ks))
	for _, k := range ks {
		m[k] = true
	}
	return m
}

// Result is the outcome of one acquire attempt.
type Result struct {
	Acquired  bool          `json:"acquired"`
	LockID    string        `json:"lockId,omitempty"`
	Conflicts []*types.Lock `json:"conflicts,omitempty"`
}

// Manager is the process-wide lock table.
type Manager struct {
	mu   sync.Mutex
	ttl  time.Duration
	held map[string]*types.Lock

	clock func() time.Time
}

// New builds a manager. A non-positive ttl falls back to DefaultLockTTL.
func New(ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = types.DefaultLockTTL
	}
	return &Manager{
		ttl:   ttl,
		held:  make(map[string]*types.Lock),
		clock: time.Now,
	}
}

// Acquire attempts to take a lease for kind over the given entities. It
// never blocks: the result carries either the new lock id or the held
// leases it conflicts with. Expired leases are swept before the check.
func (m *Manager) Acquire(kind types.OperationKind, entityIDs []string, sessionID string) *Result {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	m.sweepLocked(now)

	var blocking []*types.Lock
	for _, held := range m.held {
		if conflicts[kind][held.Kind] && held.Covers(entityIDs) {
			cp := *held
			blocking = append(blocking, &cp)
		}
	}
	if len(blocking) > 0 {
		sort.Slice(blocking, func(i, j int) bool {
			if !blocking[i].AcquiredAt.Equal(blocking[j].AcquiredAt) {
				return blocking[i].AcquiredAt.Before(blocking[j].AcquiredAt)
			}
			return blocking[i].ID < blocking[j].ID
		})
		return &Result{Conflicts: blocking}
	}

	set := make(map[string]bool, len(entityIDs))
	for _, id := range entityIDs {
		set[id] = true
	}
	l := &types.Lock{
		ID:         uuid.NewString(),
		Kind:       kind,
		EntityIDs:  set,
		AcquiredAt: now,
		ExpiresAt:  now.Add(m.ttl),
		SessionID:  sessionID,
	}
	m.held[l.ID] = l
	return &Result{Acquired: true, LockID: l.ID}
}

// AcquireWait retries a conflicting acquire until the timeout elapses. A
// non-positive timeout degrades to a single attempt. The final conflict
// result is returned when time runs out.
func (m *Manager) AcquireWait(ctx context.Context, kind types.OperationKind, entityIDs []string, sessionID string, timeout time.Duration) (*Result, error) {
	deadline := m.clock().Add(timeout)
	for {
		res := m.Acquire(kind, entityIDs, sessionID)
		if res.Acquired || timeout <= 0 || !m.clock().Before(deadline) {
			return res, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryInterval):
		}
	}
}

// Release drops a lease. Unknown ids are ignored, keeping release
// idempotent.
func (m *Manager) Release(lockID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.held, lockID)
}

// ReleaseSession drops every lease held by the session and reports how
// many were dropped.
func (m *Manager) ReleaseSession(sessionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, l := range m.held {
		if l.SessionID == sessionID {
			delete(m.held, id)
			n++
		}
	}
	return n
}

// Sweep drops expired leases and reports how many were removed.
func (m *Manager) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sweepLocked(m.clock())
}

func (m *Manager) sweepLocked(now time.Time) int {
	n := 0
	for id, l := range m.held {
		if l.Expired(now) {
			delete(m.held, id)
			n++
		}
	}
	return n
}

// Held returns a snapshot of the active leases for diagnostics.
func (m *Manager) Held() []*types.Lock {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*types.Lock, 0, len(m.held))
	for _, l := range m.held {
		cp := *l
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RunSweeper drops expired leases on the given interval until ctx ends.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	logger := log.WithComponent("lock")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.Sweep(); n > 0 {
				logger.Debug().Int("expired", n).Msg("Swept abandoned locks")
			}
		}
	}
}
