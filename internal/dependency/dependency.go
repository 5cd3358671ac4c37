// Package dependency implements the §4.4 DependencyTracker: forward and
// reverse TaskDependency edges over the Store, a per-dependent unresolved
// count, and task-group-resolved detection. Generalized from the
// teacher's DAG traversal idiom — dag_engine.go's buildDAG/Kahn's-style
// in-degree bookkeeping, and script-weaver's state_machine.go
// FailAndPropagate BFS fan-out — adapted from an in-memory graph to
// Store-row edges: edges are rows, the in-degree is a field on the
// dependent's Task row, and fan-out walks reverse-edge Store rows
// instead of an adjacency list held in process memory.
package dependency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/taskqueue/engine/internal/bus"
	"github.com/taskqueue/engine/internal/model"
	"github.com/taskqueue/engine/internal/queue"
	"github.com/taskqueue/engine/internal/resilience"
	"github.com/taskqueue/engine/internal/store"
	"github.com/taskqueue/engine/internal/taskerr"
)

// collaboratorRetryAttempts/collaboratorRetryBaseDelay bound the §7
// "retried on transient errors with capped exponential backoff" policy
// applied to every Store/AdvisoryQueue/EventBus call below.
const (
	collaboratorRetryAttempts  = 3
	collaboratorRetryBaseDelay = 50 * time.Millisecond
)

// isTransient reports whether err looks like a collaborator failure
// (backend I/O, connection drop) rather than expected control flow: the
// Store's own sentinel errors and anything already classified into a
// taskerr.Error are never transient, so retrying them would only add
// latency to a deterministic outcome.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrEntityAlreadyExists) {
		return false
	}
	var terr *taskerr.Error
	return !errors.As(err, &terr)
}

// retryCollaborator runs fn, retrying with capped exponential backoff
// while its error looks transient, and returns the final outcome as soon
// as fn succeeds or fails with a non-transient error.
func retryCollaborator(ctx context.Context, fn func() error) error {
	var final error
	_, _ = resilience.Retry(ctx, collaboratorRetryAttempts, collaboratorRetryBaseDelay, func() (struct{}, error) {
		err := fn()
		final = err
		if !isTransient(err) {
			return struct{}{}, nil
		}
		return struct{}{}, err
	})
	return final
}

// Tracker is the DependencyTracker. It is also the home of scheduleTask,
// since trackDependencies and resolveDependenciesOf both call it the
// moment a dependent's unresolved count reaches zero.
type Tracker struct {
	store store.Store
	aq    queue.AdvisoryQueue
	bus   bus.EventBus
}

// New returns a ready Tracker.
func New(s store.Store, aq queue.AdvisoryQueue, b bus.EventBus) *Tracker {
	return &Tracker{store: s, aq: aq, bus: b}
}

// TrackDependencies writes forward (and implicit reverse, via
// ListDependents) edges for every dependency task.Definition.Dependencies
// names, verifies each required task exists, and initializes the
// dependent's unresolved count. If the count is already zero — every
// dependency happened to already be in a satisfying terminal state by the
// time edges are written — it calls ScheduleTask immediately so the task
// doesn't wait forever on an edge that can never fire a future
// notification (§9's synchronous-dependency-notification Non-goal means
// resolveDependenciesOf won't retroactively re-scan a task created after
// the fact).
func (t *Tracker) TrackDependencies(ctx context.Context, task *model.Task) error {
	deps := task.Definition.Dependencies
	if len(deps) == 0 {
		return nil
	}
	unresolved := 0
	for _, requiredID := range deps {
		var required *model.Task
		err := retryCollaborator(ctx, func() error {
			var e error
			required, e = t.store.LoadTask(ctx, requiredID)
			return e
		})
		if err != nil {
			if err == store.ErrNotFound {
				return taskerr.Input("dependency %s does not exist", requiredID)
			}
			return taskerr.Internal(err, "load dependency")
		}
		edge := &model.TaskDependency{
			DependentTaskID: task.TaskID,
			RequiredTaskID:  requiredID,
			Requires:        task.Definition.Requires,
			Expires:         task.Definition.Expires,
		}
		if err := retryCollaborator(ctx, func() error { return t.store.CreateDependency(ctx, edge) }); err != nil {
			return taskerr.Internal(err, "create dependency edge")
		}
		if !dependencySatisfied(required, task.Definition.Requires) {
			unresolved++
		}
	}
	err := retryCollaborator(ctx, func() error {
		_, e := t.store.ModifyTask(ctx, task.TaskID, func(tk *model.Task) error {
			tk.UnresolvedDeps = unresolved
			return nil
		})
		return e
	})
	if err != nil {
		return taskerr.Internal(err, "record unresolved dependency count")
	}
	if unresolved == 0 {
		_, err := t.ScheduleTask(ctx, task.TaskID, time.Now())
		return err
	}
	return nil
}

// dependencySatisfied reports whether required's current state already
// satisfies mode. Mirrors resolveDependenciesOf's per-edge rule so a
// dependency resolved before trackDependencies runs is not missed.
func dependencySatisfied(required *model.Task, mode model.RequiresMode) bool {
	last := required.LastRun()
	if last == nil || !last.State.IsTerminal() {
		return false
	}
	switch mode {
	case model.RequiresAllCompleted:
		return last.State == model.RunCompleted
	default: // all-resolved
		return true
	}
}

// dependencyDooms reports whether required's terminal state dooms a
// dependent under mode — i.e. the edge can never now be satisfied by
// waiting.
func dependencyDooms(required *model.Task, mode model.RequiresMode) bool {
	if mode != model.RequiresAllCompleted {
		return false
	}
	last := required.LastRun()
	return last != nil && last.State.IsTerminal() && last.State != model.RunCompleted
}

// ResolveDependenciesOf walks the reverse edges of resolvedTaskID and
// updates every dependent's unresolved count. A completed-only edge
// under all-completed mode decrements the counter; any other terminal
// state under that mode dooms the dependent, whose run is resolved as
// exception with reasonResolved=canceled (the §4.5 cancel path). Under all-resolved,
// any terminal state decrements. Reaching zero calls ScheduleTask.
func (t *Tracker) ResolveDependenciesOf(ctx context.Context, resolvedTaskID string, resolvedState model.RunState) error {
	var edges []*model.TaskDependency
	err := retryCollaborator(ctx, func() error {
		var e error
		edges, e = t.store.ListDependents(ctx, resolvedTaskID)
		return e
	})
	if err != nil {
		return taskerr.Internal(err, "list dependents")
	}
	required := &model.Task{TaskID: resolvedTaskID, Runs: []model.Run{{State: resolvedState}}}
	for _, edge := range edges {
		if dependencyDooms(required, edge.Requires) {
			if err := t.doomDependent(ctx, edge.DependentTaskID); err != nil {
				return err
			}
			continue
		}
		if !dependencySatisfied(required, edge.Requires) {
			continue
		}
		var updated *model.Task
		err := retryCollaborator(ctx, func() error {
			var e error
			updated, e = t.store.ModifyTask(ctx, edge.DependentTaskID, func(tk *model.Task) error {
				if tk.UnresolvedDeps > 0 {
					tk.UnresolvedDeps--
				}
				return nil
			})
			return e
		})
		if err != nil {
			if err == store.ErrNotFound {
				continue
			}
			return taskerr.Internal(err, "decrement unresolved dependency count")
		}
		if updated.UnresolvedDeps == 0 && updated.DerivedStatus() == model.StatusUnscheduled {
			if _, err := t.ScheduleTask(ctx, edge.DependentTaskID, time.Now()); err != nil {
				return err
			}
		}
	}
	return nil
}

// doomDependent cancels a dependent whose all-completed dependency can
// never be satisfied. Idempotent: a dependent already resolved or
// already holding a terminal last run is left untouched.
func (t *Tracker) doomDependent(ctx context.Context, dependentTaskID string) error {
	var published bool
	var updated *model.Task
	err := retryCollaborator(ctx, func() error {
		var e error
		updated, e = t.store.ModifyTask(ctx, dependentTaskID, func(tk *model.Task) error {
			published = false
			if len(tk.Runs) == 0 {
				tk.Runs = append(tk.Runs, model.Run{
					State:          model.RunException,
					ReasonCreated:  model.ReasonCreatedException,
					ReasonResolved: model.ReasonResolvedCanceled,
					Scheduled:      time.Now(),
					Resolved:       time.Now(),
				})
				published = true
				return nil
			}
			last := tk.LastRun()
			if last.State.IsTerminal() {
				return nil
			}
			last.State = model.RunException
			last.ReasonResolved = model.ReasonResolvedCanceled
			last.Resolved = time.Now()
			published = true
			return nil
		})
		return e
	})
	if err != nil {
		if err == store.ErrNotFound {
			return nil
		}
		return taskerr.Internal(err, "doom dependent")
	}
	if !published {
		return nil
	}
	return t.publishResolved(ctx, updated, updated.LastRun().RunID, bus.TopicTaskException)
}

// ScheduleTask appends a pending run with reasonCreated=scheduled iff the
// task is currently unscheduled, idempotent on repeat calls. Returns a
// RequestConflict error when the task is past its deadline and still
// unscheduled, instead of scheduling doomed work.
func (t *Tracker) ScheduleTask(ctx context.Context, taskID string, now time.Time) (model.Status, error) {
	var scheduled bool
	var updated *model.Task
	err := retryCollaborator(ctx, func() error {
		var e error
		updated, e = t.store.ModifyTask(ctx, taskID, func(tk *model.Task) error {
			scheduled = false
			if tk.DerivedStatus() != model.StatusUnscheduled {
				return nil
			}
			if !tk.Definition.Deadline.IsZero() && now.After(tk.Definition.Deadline) {
				return nil
			}
			tk.Runs = append(tk.Runs, model.Run{
				RunID:         len(tk.Runs),
				State:         model.RunPending,
				ReasonCreated: model.ReasonCreatedScheduled,
				Scheduled:     now,
			})
			scheduled = true
			return nil
		})
		return e
	})
	if err != nil {
		return "", taskerr.Internal(err, "schedule task")
	}
	if !updated.Definition.Deadline.IsZero() && now.After(updated.Definition.Deadline) && updated.DerivedStatus() == model.StatusUnscheduled {
		return "", taskerr.Conflict("task is past its deadline and cannot be scheduled")
	}
	if scheduled {
		run := updated.LastRun()
		putErr := retryCollaborator(ctx, func() error {
			return t.aq.Pending(updated.Definition.ProvisionerID, updated.Definition.WorkerType, updated.Definition.Priority).
				Put(ctx, mustMarshalPending(updated.TaskID, run.RunID), now)
		})
		if putErr != nil {
			return "", taskerr.Internal(putErr, "put pending message")
		}
		if err := t.publishResolved(ctx, updated, run.RunID, bus.TopicTaskPending); err != nil {
			return "", err
		}
	}
	return updated.DerivedStatus(), nil
}

func (t *Tracker) publishResolved(ctx context.Context, task *model.Task, runID int, topic string) error {
	if t.bus == nil {
		return nil
	}
	key := bus.RoutingKey{
		TaskID:        task.TaskID,
		RunID:         fmt.Sprintf("%d", runID),
		ProvisionerID: task.Definition.ProvisionerID,
		WorkerType:    task.Definition.WorkerType,
		SchedulerID:   task.Definition.SchedulerID,
		TaskGroupID:   task.Definition.TaskGroupID,
		Routes:        task.Definition.Routes,
	}
	return retryCollaborator(ctx, func() error { return t.bus.Publish(ctx, bus.Event{Topic: topic, RoutingKey: key}) })
}

// MaybeResolveTaskGroup removes taskID from its group's ActiveSet and,
// if the set becomes empty with at least one member having ever existed,
// publishes task-group-resolved. Re-publishing on a later re-emptying
// (after new tasks were added to an already-resolved group) is accepted
// per §4.4 and SPEC_FULL.md's Open Question resolution: idempotent per
// empty-transition, not globally once-ever.
func (t *Tracker) MaybeResolveTaskGroup(ctx context.Context, taskGroupID, taskID string) error {
	if err := retryCollaborator(ctx, func() error { return t.store.RemoveTaskGroupActiveSet(ctx, taskGroupID, taskID) }); err != nil {
		return taskerr.Internal(err, "remove from active set")
	}
	var remaining int
	err := retryCollaborator(ctx, func() error {
		var e error
		remaining, e = t.store.CountTaskGroupActiveSet(ctx, taskGroupID)
		return e
	})
	if err != nil {
		return taskerr.Internal(err, "count active set")
	}
	if remaining > 0 {
		return nil
	}
	var memberCount int
	err = retryCollaborator(ctx, func() error {
		var e error
		memberCount, e = t.store.CountTaskGroupMembers(ctx, taskGroupID)
		return e
	})
	if err != nil {
		return taskerr.Internal(err, "count task group members")
	}
	if memberCount == 0 {
		return nil
	}
	if t.bus == nil {
		return nil
	}
	return retryCollaborator(ctx, func() error {
		return t.bus.Publish(ctx, bus.Event{
			Topic:      bus.TopicTaskGroupResolved,
			RoutingKey: bus.RoutingKey{TaskGroupID: taskGroupID},
		})
	})
}

func mustMarshalPending(taskID string, runID int) []byte {
	b, _ := json.Marshal(queue.PendingPayload{TaskID: taskID, RunID: runID})
	return b
}
