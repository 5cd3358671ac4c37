// Package registry implements the WorkerRegistry named in the overview
// table: provisioner/worker-type/worker liveness, quarantine windows, and
// a bounded recent-task ring per worker. Generalized from the teacher's
// ResultCache LRU-with-TTL idiom (dag_engine.go), repurposed from
// caching task results to tracking which workers are alive and whether
// they are quarantined.
package registry

import (
	"sync"
	"time"
)

const defaultRecentTaskRingSize = 20

// WorkerState is one worker's liveness bookkeeping.
type WorkerState struct {
	ProvisionerID   string
	WorkerType      string
	WorkerGroup     string
	WorkerID        string
	FirstSeen       time.Time
	LastDateActive  time.Time
	QuarantineUntil time.Time
	RecentTasks     []string // bounded ring, most recent last
}

// Quarantined reports whether the worker is currently quarantined as of
// now.
func (w *WorkerState) Quarantined(now time.Time) bool {
	return w.QuarantineUntil.After(now)
}

type workerKey struct {
	provisionerID string
	workerType    string
	workerGroup   string
	workerID      string
}

// Registry tracks worker liveness entirely in memory: staleness beyond
// the ring size or a long quarantine window is cheap to lose across a
// process restart, since every worker re-announces itself on its next
// claim call, the same rationale dag_engine.go's ResultCache uses for
// letting cache entries expire rather than persisting them.
type Registry struct {
	mu          sync.Mutex
	workers     map[workerKey]*WorkerState
	ringSize    int
}

// New returns a Registry with the default recent-task ring size.
func New() *Registry {
	return &Registry{workers: make(map[workerKey]*WorkerState), ringSize: defaultRecentTaskRingSize}
}

func keyFor(provisionerID, workerType, workerGroup, workerID string) workerKey {
	return workerKey{provisionerID, workerType, workerGroup, workerID}
}

// Seen records a liveness heartbeat for the worker, creating its entry
// on first contact.
func (r *Registry) Seen(provisionerID, workerType, workerGroup, workerID string, now time.Time) *WorkerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := keyFor(provisionerID, workerType, workerGroup, workerID)
	w, ok := r.workers[k]
	if !ok {
		w = &WorkerState{
			ProvisionerID: provisionerID,
			WorkerType:    workerType,
			WorkerGroup:   workerGroup,
			WorkerID:      workerID,
			FirstSeen:     now,
		}
		r.workers[k] = w
	}
	w.LastDateActive = now
	return w
}

// Quarantined reports whether the named worker is currently quarantined.
// Workers never seen before are never quarantined.
func (r *Registry) Quarantined(provisionerID, workerType, workerGroup, workerID string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[keyFor(provisionerID, workerType, workerGroup, workerID)]
	if !ok {
		return false
	}
	return w.Quarantined(now)
}

// Quarantine sets the worker's quarantine window to extend until until.
// A shorter until than the worker's current window is a no-op, mirroring
// the "strictly greater" advance-only rule WorkClaimer.reclaim applies to
// takenUntil.
func (r *Registry) Quarantine(provisionerID, workerType, workerGroup, workerID string, until time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := keyFor(provisionerID, workerType, workerGroup, workerID)
	w, ok := r.workers[k]
	if !ok {
		w = &WorkerState{ProvisionerID: provisionerID, WorkerType: workerType, WorkerGroup: workerGroup, WorkerID: workerID, FirstSeen: until}
		r.workers[k] = w
	}
	if until.After(w.QuarantineUntil) {
		w.QuarantineUntil = until
	}
}

// RecordTask appends taskID to the worker's recent-task ring, evicting
// the oldest entry once the ring is full.
func (r *Registry) RecordTask(provisionerID, workerType, workerGroup, workerID, taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := keyFor(provisionerID, workerType, workerGroup, workerID)
	w, ok := r.workers[k]
	if !ok {
		return
	}
	w.RecentTasks = append(w.RecentTasks, taskID)
	if len(w.RecentTasks) > r.ringSize {
		w.RecentTasks = w.RecentTasks[len(w.RecentTasks)-r.ringSize:]
	}
}

// Get returns a copy of the worker's current state, or false if it has
// never been seen.
func (r *Registry) Get(provisionerID, workerType, workerGroup, workerID string) (WorkerState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[keyFor(provisionerID, workerType, workerGroup, workerID)]
	if !ok {
		return WorkerState{}, false
	}
	cp := *w
	cp.RecentTasks = append([]string(nil), w.RecentTasks...)
	return cp, true
}
