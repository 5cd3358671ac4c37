// Package store provides row-per-entity persistence with optimistic
// concurrency, generalized from services/orchestrator/persistence.go's
// BoltDB-backed WorkflowStore into the §4.1 Store contract: load, create,
// modify, scan, query over Tasks, TaskGroups, TaskGroupMembers,
// TaskGroupActiveSet rows, TaskDependency edges, and Artifacts.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/taskqueue/engine/internal/model"
)

// ErrEntityAlreadyExists is returned by Create when a row with the same
// key is already present — callers reload and compare definitions per
// §4.1.
var ErrEntityAlreadyExists = errors.New("entity already exists")

// ErrNotFound is returned by Load when no row exists for the given key.
var ErrNotFound = errors.New("entity not found")

// ErrVersionConflict is returned by BoltStore's ModifyTask and
// ModifyTaskGroup when the mutator itself changes the row's Version;
// MemStore never returns it.
var ErrVersionConflict = errors.New("version conflict")

// Mutator is applied to a loaded Task inside Modify; it may be invoked
// more than once under concurrent conflict, so any side effect it
// triggers (queue put, bus publish) must be guarded by a one-shot flag —
// see §5 "Idempotency bookkeeping inside retries."
type Mutator func(t *model.Task) error

// Store is the row-per-task persistence contract every TaskLifecycle,
// DependencyTracker, WorkClaimer, and Resolver call goes through.
type Store interface {
	// Tasks
	LoadTask(ctx context.Context, taskID string) (*model.Task, error)
	CreateTask(ctx context.Context, t *model.Task) error
	ModifyTask(ctx context.Context, taskID string, mutate Mutator) (*model.Task, error)
	ScanTasks(ctx context.Context, filter func(*model.Task) bool, continuation string, limit int) ([]*model.Task, string, error)

	// TaskGroups
	LoadTaskGroup(ctx context.Context, taskGroupID string) (*model.TaskGroup, error)
	CreateTaskGroup(ctx context.Context, g *model.TaskGroup) error
	ModifyTaskGroup(ctx context.Context, taskGroupID string, mutate func(*model.TaskGroup) error) (*model.TaskGroup, error)
	// ScanExpiredTaskGroups and DeleteTaskGroup back internal/maintenance's
	// periodic GC of groups whose expires has passed.
	ScanExpiredTaskGroups(ctx context.Context, before time.Time, limit int) ([]*model.TaskGroup, error)
	DeleteTaskGroup(ctx context.Context, taskGroupID string) error
	DeleteTaskGroupMembers(ctx context.Context, taskGroupID string) error

	// TaskGroupMember / TaskGroupActiveSet
	CreateTaskGroupMember(ctx context.Context, m *model.TaskGroupMember) error
	CreateTaskGroupActiveSet(ctx context.Context, a *model.TaskGroupActiveSet) error
	GetTaskGroupActiveSet(ctx context.Context, taskGroupID, taskID string) (*model.TaskGroupActiveSet, error)
	RemoveTaskGroupActiveSet(ctx context.Context, taskGroupID, taskID string) error
	CountTaskGroupActiveSet(ctx context.Context, taskGroupID string) (int, error)
	CountTaskGroupMembers(ctx context.Context, taskGroupID string) (int, error)
	ListTaskGroupMembers(ctx context.Context, taskGroupID string) ([]*model.TaskGroupMember, error)

	// TaskDependency (forward + reverse)
	CreateDependency(ctx context.Context, d *model.TaskDependency) error
	ListDependencies(ctx context.Context, dependentTaskID string) ([]*model.TaskDependency, error)
	ListDependents(ctx context.Context, requiredTaskID string) ([]*model.TaskDependency, error)
	// ScanExpiredDependencies and DeleteDependency back internal/maintenance's
	// periodic GC of dependency edges whose expires has passed.
	ScanExpiredDependencies(ctx context.Context, before time.Time, limit int) ([]*model.TaskDependency, error)
	DeleteDependency(ctx context.Context, dependentTaskID, requiredTaskID string) error

	// Artifacts
	GetArtifact(ctx context.Context, taskID string, runID int, name string) (*model.Artifact, error)
	ListArtifacts(ctx context.Context, taskID string, runID int) ([]*model.Artifact, error)
	PutArtifact(ctx context.Context, a *model.Artifact) error

	Close() error
}
