package session

import (
	"testing"
	"time"
)

func TestTouchCreatesAndCounts(t *testing.T) {
	r := NewRegistry(0)

	if prev := r.Touch("s-1"); !prev.IsZero() {
		t.Errorf("Expected zero previous time for new session, got %v", prev)
	}
	r.Touch("s-1")
	r.Touch("s-1")

	s := r.Get("s-1")
	if s == nil {
		t.Fatal("Failed to get session")
	}
	if s.Operations != 3 {
		t.Errorf("Expected 3 operations, got %d", s.Operations)
	}
	if s.FirstSeen.After(s.LastSeen) {
		t.Errorf("Expected firstSeen <= lastSeen, got %v > %v", s.FirstSeen, s.LastSeen)
	}
}

func TestTouchReturnsPreviousLastSeen(t *testing.T) {
	r := NewRegistry(0)
	now := time.Now()
	r.clock = func() time.Time { return now }

	r.Touch("s-1")
	first := now
	now = now.Add(time.Hour)

	if prev := r.Touch("s-1"); !prev.Equal(first) {
		t.Errorf("Expected previous last-seen %v, got %v", first, prev)
	}
}

func TestTouchIgnoresEmptyID(t *testing.T) {
	r := NewRegistry(0)
	r.Touch("")
	if r.Len() != 0 {
		t.Errorf("Expected no sessions, got %d", r.Len())
	}
}

func TestSweepDropsIdleSessions(t *testing.T) {
	r := NewRegistry(time.Hour)
	now := time.Now()
	r.clock = func() time.Time { return now }

	r.Touch("old")
	now = now.Add(30 * time.Minute)
	r.Touch("fresh")
	now = now.Add(45 * time.Minute)

	if n := r.Sweep(); n != 1 {
		t.Errorf("Expected 1 swept, got %d", n)
	}
	if r.Get("old") != nil {
		t.Error("Expected idle session dropped")
	}
	if r.Get("fresh") == nil {
		t.Error("Expected recent session kept")
	}
}

func TestActiveSortsByRecency(t *testing.T) {
	r := NewRegistry(0)
	now := time.Now()
	r.clock = func() time.Time { return now }

	r.Touch("s-1")
	now = now.Add(time.Minute)
	r.Touch("s-2")

	active := r.Active()
	if len(active) != 2 {
		t.Fatalf("Expected 2 sessions, got %d", len(active))
	}
	if active[0].ID != "s-2" || active[1].ID != "s-1" {
		t.Errorf("Expected most recent first, got %s then %s", active[0].ID, active[1].ID)
	}
}

func TestGetReturnsCopy(t *testing.T) {
	r := NewRegistry(0)
	r.Touch("s-1")

	s := r.Get("s-1")
	s.Operations = 99
	if r.Get("s-1").Operations != 1 {
		t.Error("Expected registry state unaffected by caller mutation")
	}
}
