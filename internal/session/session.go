// Package session tracks the opaque client identities attached to
// operations. Sessions own locks and scope activity queries; they carry no
// authentication and expire by idle TTL.
package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jpicklyk/task-orchestrator/internal/log"
)

// DefaultTTL removes sessions idle this long.
const DefaultTTL = 24 * time.Hour

// Session is one client identity and its activity counters.
type Session struct {
	ID         string    `json:"id"`
	FirstSeen  time.Time `json:"firstSeen"`
	LastSeen   time.Time `json:"lastSeen"`
	Operations int64     `json:"operations"`
}

// Registry is the process-wide session table.
type Registry struct {
	mu   sync.Mutex
	ttl  time.Duration
	byID map[string]*Session

	clock func() time.Time
}

// NewRegistry builds a registry. A non-positive ttl falls back to
// DefaultTTL.
func NewRegistry(ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Registry{
		ttl:   ttl,
		byID:  make(map[string]*Session),
		clock: time.Now,
	}
}

// Touch records activity for the session, creating it on first sight, and
// returns the previous last-seen time. The zero time means the session is
// new. Empty ids are ignored so anonymous calls cost nothing.
func (r *Registry) Touch(id string) time.Time {
	if id == "" {
		return time.Time{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock()
	s, ok := r.byID[id]
	if !ok {
		r.byID[id] = &Session{ID: id, FirstSeen: now, LastSeen: now, Operations: 1}
		return time.Time{}
	}
	prev := s.LastSeen
	s.LastSeen = now
	s.Operations++
	return prev
}

// Get returns a copy of the session, or nil when unknown.
func (r *Registry) Get(id string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	if !ok {
		return nil
	}
	cp := *s
	return &cp
}

// Active returns every live session, most recently seen first.
func (r *Registry) Active() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.byID))
	for _, s := range r.byID {
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].LastSeen.After(out[j].LastSeen)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Sweep drops sessions idle past the TTL and reports how many were removed.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.clock().Add(-r.ttl)
	n := 0
	for id, s := range r.byID {
		if s.LastSeen.Before(cutoff) {
			delete(r.byID, id)
			n++
		}
	}
	return n
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

// RunSweeper sweeps expired sessions on the given interval until the
// context is cancelled. A non-positive interval sweeps hourly.
func (r *Registry) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	logger := log.WithComponent("session")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Sweep(); n > 0 {
				logger.Debug().Int("expired", n).Msg("Swept idle sessions")
			}
		}
	}
}
