package registry

import (
	"testing"
	"time"
)

func TestSeenCreatesWorkerOnFirstContact(t *testing.T) {
	r := New()
	now := time.Now()
	w := r.Seen("aws-provisioner", "build", "wg1", "w1", now)
	if w.FirstSeen != now || w.LastDateActive != now {
		t.Fatalf("unexpected first-seen bookkeeping: %+v", w)
	}
}

func TestQuarantineBlocksUntilWindowPasses(t *testing.T) {
	r := New()
	now := time.Now()
	r.Seen("p", "t", "g", "w1", now)
	r.Quarantine("p", "t", "g", "w1", now.Add(time.Hour))
	if !r.Quarantined("p", "t", "g", "w1", now) {
		t.Fatalf("expected quarantined at now")
	}
	if r.Quarantined("p", "t", "g", "w1", now.Add(2*time.Hour)) {
		t.Fatalf("expected not quarantined after window passes")
	}
}

func TestQuarantineAdvanceOnlyOnStrictlyLater(t *testing.T) {
	r := New()
	now := time.Now()
	r.Seen("p", "t", "g", "w1", now)
	r.Quarantine("p", "t", "g", "w1", now.Add(time.Hour))
	r.Quarantine("p", "t", "g", "w1", now.Add(30*time.Minute)) // earlier, must not shorten
	w, _ := r.Get("p", "t", "g", "w1")
	if !w.QuarantineUntil.Equal(now.Add(time.Hour)) {
		t.Fatalf("expected quarantine to remain at +1h, got %v", w.QuarantineUntil)
	}
}

func TestRecentTaskRingBounded(t *testing.T) {
	r := New()
	r.ringSize = 3
	now := time.Now()
	r.Seen("p", "t", "g", "w1", now)
	for i := 0; i < 5; i++ {
		r.RecordTask("p", "t", "g", "w1", string(rune('A'+i)))
	}
	w, _ := r.Get("p", "t", "g", "w1")
	if len(w.RecentTasks) != 3 {
		t.Fatalf("expected ring bounded to 3, got %d: %v", len(w.RecentTasks), w.RecentTasks)
	}
	if w.RecentTasks[len(w.RecentTasks)-1] != "E" {
		t.Fatalf("expected most recent task last, got %v", w.RecentTasks)
	}
}

func TestQuarantinedUnknownWorkerIsFalse(t *testing.T) {
	r := New()
	if r.Quarantined("p", "t", "g", "unknown", time.Now()) {
		t.Fatalf("expected unknown worker to not be quarantined")
	}
}
