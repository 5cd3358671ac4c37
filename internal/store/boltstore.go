package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/taskqueue/engine/internal/model"
	"github.com/taskqueue/engine/internal/resilience"
)

// errBoltBreakerOpen is returned in place of a bbolt transaction while
// the store's circuit breaker is tripped (disk-level failures tend to
// repeat across every row, not just the one being touched).
var errBoltBreakerOpen = errors.New("boltstore circuit breaker open")

// BoltStore is the production Store, generalized from
// services/orchestrator/persistence.go's WorkflowStore: BoltDB for
// durability (every read goes to bbolt; no in-memory cache of tasks is
// kept, and the cache hit/miss counters are never incremented), and (the addition this
// domain needs that the teacher's store lacked) an explicit Version field
// used for compare-and-swap on every write.
type BoltStore struct {
	db      *bbolt.DB
	breaker *resilience.CircuitBreaker

	readLatency  metric.Float64Histogram
	writeLatency metric.Float64Histogram
	cacheHits    metric.Int64Counter
	cacheMisses  metric.Int64Counter
}

// guardedUpdate and guardedView run a bbolt transaction behind the
// store's breaker: §7 applies the same transient-error retry/circuit
// policy to the Bolt backend as it does to NATS, since a failing disk or
// a held file lock affects every subsequent transaction the same way.
func (s *BoltStore) guardedUpdate(fn func(tx *bbolt.Tx) error) error {
	if !s.breaker.Allow() {
		return errBoltBreakerOpen
	}
	err := s.db.Update(fn)
	s.breaker.RecordResult(err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrEntityAlreadyExists) || errors.Is(err, ErrVersionConflict))
	return err
}

func (s *BoltStore) guardedView(fn func(tx *bbolt.Tx) error) error {
	if !s.breaker.Allow() {
		return errBoltBreakerOpen
	}
	err := s.db.View(fn)
	s.breaker.RecordResult(err == nil || errors.Is(err, ErrNotFound))
	return err
}

var (
	bucketTasks             = []byte("tasks")
	bucketTaskGroups        = []byte("task_groups")
	bucketTaskGroupMembers  = []byte("task_group_members")
	bucketTaskGroupActive   = []byte("task_group_active_set")
	bucketDependenciesFwd   = []byte("dependencies_fwd")
	bucketDependenciesRev   = []byte("dependencies_rev")
	bucketArtifacts         = []byte("artifacts")
)

var allBuckets = [][]byte{
	bucketTasks, bucketTaskGroups, bucketTaskGroupMembers, bucketTaskGroupActive,
	bucketDependenciesFwd, bucketDependenciesRev, bucketArtifacts,
}

// NewBoltStore opens (creating if absent) a BoltDB file under dir and
// prepares every bucket the dispatch engine uses.
func NewBoltStore(dir string, meter metric.Meter) (*BoltStore, error) {
	opts := &bbolt.Options{
		Timeout:      1 * time.Second,
		NoSync:       false,
		FreelistType: bbolt.FreelistArrayType,
	}
	db, err := bbolt.Open(dir+"/taskqueue.db", 0600, opts)
	if err != nil {
		return nil, fmt.Errorf("open boltdb: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	readLatency, _ := meter.Float64Histogram("taskqueue_store_read_ms")
	writeLatency, _ := meter.Float64Histogram("taskqueue_store_write_ms")
	cacheHits, _ := meter.Int64Counter("taskqueue_store_cache_hits_total")
	cacheMisses, _ := meter.Int64Counter("taskqueue_store_cache_misses_total")

	return &BoltStore{
		db:           db,
		breaker:      resilience.NewCircuitBreakerAdaptive(30*time.Second, 6, 5, 0.5, 10*time.Second, 3),
		readLatency:  readLatency,
		writeLatency: writeLatency,
		cacheHits:    cacheHits,
		cacheMisses:  cacheMisses,
	}, nil
}

func (s *BoltStore) Close() error { return s.db.Close() }

func (s *BoltStore) timeRead(ctx context.Context, op string, start time.Time) {
	s.readLatency.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("operation", op)))
}
func (s *BoltStore) timeWrite(ctx context.Context, op string, start time.Time) {
	s.writeLatency.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("operation", op)))
}

// LoadTask reads a task row, version included.
func (s *BoltStore) LoadTask(ctx context.Context, taskID string) (*model.Task, error) {
	start := time.Now()
	defer s.timeRead(ctx, "load_task", start)

	var t model.Task
	found := false
	err := s.guardedView(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketTasks).Get([]byte(taskID))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &t)
	})
	if err != nil {
		return nil, fmt.Errorf("load task %s: %w", taskID, err)
	}
	if !found {
		return nil, ErrNotFound
	}
	return &t, nil
}

// CreateTask inserts a new task row, failing distinctly if one already
// exists so the caller can reload and compare definitions per §4.1(8).
func (s *BoltStore) CreateTask(ctx context.Context, t *model.Task) error {
	start := time.Now()
	defer s.timeWrite(ctx, "create_task", start)

	t.Version = 1
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	return s.guardedUpdate(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		if b.Get([]byte(t.TaskID)) != nil {
			return ErrEntityAlreadyExists
		}
		return b.Put([]byte(t.TaskID), data)
	})
}

// ModifyTask loads the task, applies mutate, and writes it back under a
// compare-and-swap on Version — all inside one bbolt write transaction, so
// the mutator runs exactly once per call. bbolt runs one write transaction
// at a time and locks the file against other processes, so no other write
// lands in between; the Version check fails only when the mutator itself
// changes Version, returning ErrVersionConflict (TaskLifecycle/
// DependencyTracker wrap this in resilience.Retry).
func (s *BoltStore) ModifyTask(ctx context.Context, taskID string, mutate Mutator) (*model.Task, error) {
	start := time.Now()
	defer s.timeWrite(ctx, "modify_task", start)

	var result model.Task
	err := s.guardedUpdate(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		data := b.Get([]byte(taskID))
		if data == nil {
			return ErrNotFound
		}
		var t model.Task
		if err := json.Unmarshal(data, &t); err != nil {
			return err
		}
		beforeVersion := t.Version
		if err := mutate(&t); err != nil {
			return err
		}
		if t.Version != beforeVersion {
			return ErrVersionConflict
		}
		t.Version++
		out, err := json.Marshal(&t)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(taskID), out); err != nil {
			return err
		}
		result = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// ScanTasks walks every task row applying filter, paginating by taskId.
func (s *BoltStore) ScanTasks(ctx context.Context, filter func(*model.Task) bool, continuation string, limit int) ([]*model.Task, string, error) {
	start := time.Now()
	defer s.timeRead(ctx, "scan_tasks", start)

	out := make([]*model.Task, 0, limit)
	var next string
	err := s.guardedView(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketTasks).Cursor()
		var k, v []byte
		if continuation != "" {
			k, v = c.Seek([]byte(continuation))
		} else {
			k, v = c.First()
		}
		for ; k != nil; k, v = c.Next() {
			var t model.Task
			if err := json.Unmarshal(v, &t); err != nil {
				continue
			}
			if filter == nil || filter(&t) {
				out = append(out, &t)
				if limit > 0 && len(out) >= limit {
					nk, _ := c.Next()
					if nk != nil {
						next = string(nk)
					}
					break
				}
			}
		}
		return nil
	})
	return out, next, err
}

func (s *BoltStore) LoadTaskGroup(ctx context.Context, taskGroupID string) (*model.TaskGroup, error) {
	var g model.TaskGroup
	found := false
	err := s.guardedView(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketTaskGroups).Get([]byte(taskGroupID))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &g)
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotFound
	}
	return &g, nil
}

func (s *BoltStore) CreateTaskGroup(ctx context.Context, g *model.TaskGroup) error {
	g.Version = 1
	data, err := json.Marshal(g)
	if err != nil {
		return err
	}
	return s.guardedUpdate(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketTaskGroups)
		if b.Get([]byte(g.TaskGroupID)) != nil {
			return ErrEntityAlreadyExists
		}
		return b.Put([]byte(g.TaskGroupID), data)
	})
}

func (s *BoltStore) ModifyTaskGroup(ctx context.Context, taskGroupID string, mutate func(*model.TaskGroup) error) (*model.TaskGroup, error) {
	var result model.TaskGroup
	err := s.guardedUpdate(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketTaskGroups)
		data := b.Get([]byte(taskGroupID))
		if data == nil {
			return ErrNotFound
		}
		var g model.TaskGroup
		if err := json.Unmarshal(data, &g); err != nil {
			return err
		}
		before := g.Version
		if err := mutate(&g); err != nil {
			return err
		}
		if g.Version != before {
			return ErrVersionConflict
		}
		g.Version++
		out, err := json.Marshal(&g)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(taskGroupID), out); err != nil {
			return err
		}
		result = g
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func memberKey(taskGroupID, taskID string) []byte {
	return []byte(taskGroupID + "\x00" + taskID)
}

// ScanExpiredTaskGroups walks every task group row, returning those whose
// expires is before the given time, up to limit (0 means unbounded).
func (s *BoltStore) ScanExpiredTaskGroups(ctx context.Context, before time.Time, limit int) ([]*model.TaskGroup, error) {
	var out []*model.TaskGroup
	err := s.guardedView(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketTaskGroups).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var g model.TaskGroup
			if err := json.Unmarshal(v, &g); err != nil {
				continue
			}
			if g.Expires.Before(before) {
				out = append(out, &g)
				if limit > 0 && len(out) >= limit {
					break
				}
			}
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) DeleteTaskGroup(ctx context.Context, taskGroupID string) error {
	return s.guardedUpdate(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTaskGroups).Delete([]byte(taskGroupID))
	})
}

func (s *BoltStore) DeleteTaskGroupMembers(ctx context.Context, taskGroupID string) error {
	prefix := []byte(taskGroupID + "\x00")
	return s.guardedUpdate(func(tx *bbolt.Tx) error {
		for _, bucket := range []*bbolt.Bucket{tx.Bucket(bucketTaskGroupMembers), tx.Bucket(bucketTaskGroupActive)} {
			c := bucket.Cursor()
			var keys [][]byte
			for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
				keys = append(keys, append([]byte(nil), k...))
			}
			for _, k := range keys {
				if err := bucket.Delete(k); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func (s *BoltStore) CreateTaskGroupMember(ctx context.Context, m *model.TaskGroupMember) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return s.guardedUpdate(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketTaskGroupMembers)
		key := memberKey(m.TaskGroupID, m.TaskID)
		if b.Get(key) != nil {
			return ErrEntityAlreadyExists
		}
		return b.Put(key, data)
	})
}

func (s *BoltStore) CreateTaskGroupActiveSet(ctx context.Context, a *model.TaskGroupActiveSet) error {
	data, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return s.guardedUpdate(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketTaskGroupActive)
		key := memberKey(a.TaskGroupID, a.TaskID)
		if b.Get(key) != nil {
			return ErrEntityAlreadyExists
		}
		return b.Put(key, data)
	})
}

func (s *BoltStore) GetTaskGroupActiveSet(ctx context.Context, taskGroupID, taskID string) (*model.TaskGroupActiveSet, error) {
	var a model.TaskGroupActiveSet
	found := false
	err := s.guardedView(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketTaskGroupActive).Get(memberKey(taskGroupID, taskID))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &a)
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotFound
	}
	return &a, nil
}

func (s *BoltStore) RemoveTaskGroupActiveSet(ctx context.Context, taskGroupID, taskID string) error {
	return s.guardedUpdate(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTaskGroupActive).Delete(memberKey(taskGroupID, taskID))
	})
}

func (s *BoltStore) CountTaskGroupActiveSet(ctx context.Context, taskGroupID string) (int, error) {
	count := 0
	prefix := []byte(taskGroupID + "\x00")
	err := s.guardedView(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketTaskGroupActive).Cursor()
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			count++
		}
		return nil
	})
	return count, err
}

func (s *BoltStore) CountTaskGroupMembers(ctx context.Context, taskGroupID string) (int, error) {
	count := 0
	prefix := []byte(taskGroupID + "\x00")
	err := s.guardedView(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketTaskGroupMembers).Cursor()
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			count++
		}
		return nil
	})
	return count, err
}

func (s *BoltStore) ListTaskGroupMembers(ctx context.Context, taskGroupID string) ([]*model.TaskGroupMember, error) {
	var out []*model.TaskGroupMember
	prefix := []byte(taskGroupID + "\x00")
	err := s.guardedView(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketTaskGroupMembers).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var m model.TaskGroupMember
			if err := json.Unmarshal(v, &m); err != nil {
				continue
			}
			out = append(out, &m)
		}
		return nil
	})
	return out, err
}

func depKey(a, b string) []byte { return []byte(a + "\x00" + b) }

func (s *BoltStore) CreateDependency(ctx context.Context, d *model.TaskDependency) error {
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return s.guardedUpdate(func(tx *bbolt.Tx) error {
		fwd := tx.Bucket(bucketDependenciesFwd)
		rev := tx.Bucket(bucketDependenciesRev)
		if err := fwd.Put(depKey(d.DependentTaskID, d.RequiredTaskID), data); err != nil {
			return err
		}
		return rev.Put(depKey(d.RequiredTaskID, d.DependentTaskID), data)
	})
}

func (s *BoltStore) ListDependencies(ctx context.Context, dependentTaskID string) ([]*model.TaskDependency, error) {
	var out []*model.TaskDependency
	prefix := []byte(dependentTaskID + "\x00")
	err := s.guardedView(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketDependenciesFwd).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var d model.TaskDependency
			if err := json.Unmarshal(v, &d); err != nil {
				continue
			}
			out = append(out, &d)
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) ListDependents(ctx context.Context, requiredTaskID string) ([]*model.TaskDependency, error) {
	var out []*model.TaskDependency
	prefix := []byte(requiredTaskID + "\x00")
	err := s.guardedView(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketDependenciesRev).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var d model.TaskDependency
			if err := json.Unmarshal(v, &d); err != nil {
				continue
			}
			out = append(out, &d)
		}
		return nil
	})
	return out, err
}

// ScanExpiredDependencies walks the forward-edge bucket, returning edges
// whose expires is before the given time, up to limit (0 means unbounded).
func (s *BoltStore) ScanExpiredDependencies(ctx context.Context, before time.Time, limit int) ([]*model.TaskDependency, error) {
	var out []*model.TaskDependency
	err := s.guardedView(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketDependenciesFwd).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var d model.TaskDependency
			if err := json.Unmarshal(v, &d); err != nil {
				continue
			}
			if !d.Expires.IsZero() && d.Expires.Before(before) {
				out = append(out, &d)
				if limit > 0 && len(out) >= limit {
					break
				}
			}
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) DeleteDependency(ctx context.Context, dependentTaskID, requiredTaskID string) error {
	return s.guardedUpdate(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketDependenciesFwd).Delete(depKey(dependentTaskID, requiredTaskID)); err != nil {
			return err
		}
		return tx.Bucket(bucketDependenciesRev).Delete(depKey(requiredTaskID, dependentTaskID))
	})
}

func artifactKey(taskID string, runID int, name string) []byte {
	return []byte(fmt.Sprintf("%s\x00%d\x00%s", taskID, runID, name))
}

func (s *BoltStore) GetArtifact(ctx context.Context, taskID string, runID int, name string) (*model.Artifact, error) {
	var a model.Artifact
	found := false
	err := s.guardedView(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketArtifacts).Get(artifactKey(taskID, runID, name))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &a)
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotFound
	}
	return &a, nil
}

func (s *BoltStore) ListArtifacts(ctx context.Context, taskID string, runID int) ([]*model.Artifact, error) {
	var out []*model.Artifact
	prefix := []byte(fmt.Sprintf("%s\x00%d\x00", taskID, runID))
	err := s.guardedView(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketArtifacts).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var a model.Artifact
			if err := json.Unmarshal(v, &a); err != nil {
				continue
			}
			out = append(out, &a)
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) PutArtifact(ctx context.Context, a *model.Artifact) error {
	data, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return s.guardedUpdate(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketArtifacts).Put(artifactKey(a.TaskID, a.RunID, a.Name), data)
	})
}

// hasPrefix reports whether data starts with prefix, the same helper
// persistence.go used for its time-range index scans.
func hasPrefix(data, prefix []byte) bool {
	if len(data) < len(prefix) {
		return false
	}
	for i := range prefix {
		if data[i] != prefix[i] {
			return false
		}
	}
	return true
}
