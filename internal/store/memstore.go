package store

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/taskqueue/engine/internal/model"
)

// MemStore is an in-process Store used by unit tests, mirroring the
// fake/production split the teacher draws between WorkflowStore and the
// in-memory map main.go falls back to without a configured BoltDB path.
type MemStore struct {
	mu           sync.Mutex
	tasks        map[string]*model.Task
	groups       map[string]*model.TaskGroup
	members      map[string]*model.TaskGroupMember
	active       map[string]*model.TaskGroupActiveSet
	depsFwd      map[string][]*model.TaskDependency
	depsRev      map[string][]*model.TaskDependency
	artifacts    map[string]*model.Artifact
}

func NewMemStore() *MemStore {
	return &MemStore{
		tasks:     make(map[string]*model.Task),
		groups:    make(map[string]*model.TaskGroup),
		members:   make(map[string]*model.TaskGroupMember),
		active:    make(map[string]*model.TaskGroupActiveSet),
		depsFwd:   make(map[string][]*model.TaskDependency),
		depsRev:   make(map[string][]*model.TaskDependency),
		artifacts: make(map[string]*model.Artifact),
	}
}

func cloneTask(t *model.Task) *model.Task {
	cp := *t
	cp.Runs = append([]model.Run(nil), t.Runs...)
	return &cp
}

func (m *MemStore) LoadTask(ctx context.Context, taskID string) (*model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneTask(t), nil
}

func (m *MemStore) CreateTask(ctx context.Context, t *model.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[t.TaskID]; ok {
		return ErrEntityAlreadyExists
	}
	t.Version = 1
	m.tasks[t.TaskID] = cloneTask(t)
	return nil
}

func (m *MemStore) ModifyTask(ctx context.Context, taskID string, mutate Mutator) (*model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.tasks[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	working := cloneTask(existing)
	if err := mutate(working); err != nil {
		return nil, err
	}
	working.Version++
	m.tasks[taskID] = cloneTask(working)
	return cloneTask(working), nil
}

func (m *MemStore) ScanTasks(ctx context.Context, filter func(*model.Task) bool, continuation string, limit int) ([]*model.Task, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Task
	for _, t := range m.tasks {
		if filter == nil || filter(t) {
			out = append(out, cloneTask(t))
		}
	}
	return out, "", nil
}

func (m *MemStore) LoadTaskGroup(ctx context.Context, taskGroupID string) (*model.TaskGroup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[taskGroupID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *g
	return &cp, nil
}

func (m *MemStore) CreateTaskGroup(ctx context.Context, g *model.TaskGroup) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.groups[g.TaskGroupID]; ok {
		return ErrEntityAlreadyExists
	}
	cp := *g
	cp.Version = 1
	m.groups[g.TaskGroupID] = &cp
	return nil
}

func (m *MemStore) ModifyTaskGroup(ctx context.Context, taskGroupID string, mutate func(*model.TaskGroup) error) (*model.TaskGroup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[taskGroupID]
	if !ok {
		return nil, ErrNotFound
	}
	working := *g
	if err := mutate(&working); err != nil {
		return nil, err
	}
	working.Version++
	m.groups[taskGroupID] = &working
	out := working
	return &out, nil
}

func (m *MemStore) ScanExpiredTaskGroups(ctx context.Context, before time.Time, limit int) ([]*model.TaskGroup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.TaskGroup
	for _, g := range m.groups {
		if g.Expires.Before(before) {
			cp := *g
			out = append(out, &cp)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *MemStore) DeleteTaskGroup(ctx context.Context, taskGroupID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.groups, taskGroupID)
	return nil
}

func (m *MemStore) DeleteTaskGroupMembers(ctx context.Context, taskGroupID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := taskGroupID + "\x00"
	for k := range m.members {
		if strings.HasPrefix(k, prefix) {
			delete(m.members, k)
		}
	}
	for k := range m.active {
		if strings.HasPrefix(k, prefix) {
			delete(m.active, k)
		}
	}
	return nil
}

func (m *MemStore) CreateTaskGroupMember(ctx context.Context, mem *model.TaskGroupMember) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := mem.TaskGroupID + "\x00" + mem.TaskID
	if _, ok := m.members[key]; ok {
		return ErrEntityAlreadyExists
	}
	cp := *mem
	m.members[key] = &cp
	return nil
}

func (m *MemStore) CreateTaskGroupActiveSet(ctx context.Context, a *model.TaskGroupActiveSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := a.TaskGroupID + "\x00" + a.TaskID
	if _, ok := m.active[key]; ok {
		return ErrEntityAlreadyExists
	}
	cp := *a
	m.active[key] = &cp
	return nil
}

func (m *MemStore) GetTaskGroupActiveSet(ctx context.Context, taskGroupID, taskID string) (*model.TaskGroupActiveSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.active[taskGroupID+"\x00"+taskID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemStore) RemoveTaskGroupActiveSet(ctx context.Context, taskGroupID, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, taskGroupID+"\x00"+taskID)
	return nil
}

func (m *MemStore) CountTaskGroupActiveSet(ctx context.Context, taskGroupID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := taskGroupID + "\x00"
	count := 0
	for k := range m.active {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			count++
		}
	}
	return count, nil
}

func (m *MemStore) CountTaskGroupMembers(ctx context.Context, taskGroupID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := taskGroupID + "\x00"
	count := 0
	for k := range m.members {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			count++
		}
	}
	return count, nil
}

func (m *MemStore) ListTaskGroupMembers(ctx context.Context, taskGroupID string) ([]*model.TaskGroupMember, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := taskGroupID + "\x00"
	var out []*model.TaskGroupMember
	for k, v := range m.members {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			cp := *v
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemStore) CreateDependency(ctx context.Context, d *model.TaskDependency) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	m.depsFwd[d.DependentTaskID] = append(m.depsFwd[d.DependentTaskID], &cp)
	cp2 := *d
	m.depsRev[d.RequiredTaskID] = append(m.depsRev[d.RequiredTaskID], &cp2)
	return nil
}

func (m *MemStore) ListDependencies(ctx context.Context, dependentTaskID string) ([]*model.TaskDependency, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*model.TaskDependency(nil), m.depsFwd[dependentTaskID]...), nil
}

func (m *MemStore) ListDependents(ctx context.Context, requiredTaskID string) ([]*model.TaskDependency, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*model.TaskDependency(nil), m.depsRev[requiredTaskID]...), nil
}

func (m *MemStore) ScanExpiredDependencies(ctx context.Context, before time.Time, limit int) ([]*model.TaskDependency, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.TaskDependency
	for _, edges := range m.depsFwd {
		for _, d := range edges {
			if !d.Expires.IsZero() && d.Expires.Before(before) {
				cp := *d
				out = append(out, &cp)
				if limit > 0 && len(out) >= limit {
					return out, nil
				}
			}
		}
	}
	return out, nil
}

func (m *MemStore) DeleteDependency(ctx context.Context, dependentTaskID, requiredTaskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.depsFwd[dependentTaskID] = removeDependency(m.depsFwd[dependentTaskID], dependentTaskID, requiredTaskID)
	m.depsRev[requiredTaskID] = removeDependency(m.depsRev[requiredTaskID], dependentTaskID, requiredTaskID)
	return nil
}

func removeDependency(edges []*model.TaskDependency, dependentTaskID, requiredTaskID string) []*model.TaskDependency {
	out := edges[:0]
	for _, d := range edges {
		if d.DependentTaskID == dependentTaskID && d.RequiredTaskID == requiredTaskID {
			continue
		}
		out = append(out, d)
	}
	return out
}

func artifactMemKey(taskID string, runID int, name string) string {
	return fmt.Sprintf("%s\x00%d\x00%s", taskID, runID, name)
}

func (m *MemStore) GetArtifact(ctx context.Context, taskID string, runID int, name string) (*model.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.artifacts[artifactMemKey(taskID, runID, name)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemStore) ListArtifacts(ctx context.Context, taskID string, runID int) ([]*model.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Artifact
	for _, a := range m.artifacts {
		if a.TaskID == taskID && a.RunID == runID {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemStore) PutArtifact(ctx context.Context, a *model.Artifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.artifacts[artifactMemKey(a.TaskID, a.RunID, a.Name)] = &cp
	return nil
}

func (m *MemStore) Close() error { return nil }
