package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/taskqueue/engine/internal/bus"
	"github.com/taskqueue/engine/internal/dependency"
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

// AuthChecker is the out-of-scope external collaborator that decides
// whether the caller's credential satisfies a set of required scopes.
// The core never interprets a scope beyond the "**" suffix rejection in
// validate.go and the priority-prefix construction below; everything
// else is delegated here.
type AuthChecker interface {
	CheckScopes(ctx context.Context, callerScopes, requiredScopes []string) error
}

// AllowAll is a trivial AuthChecker that never rejects — useful for
// tests and for running the engine with authorization delegated
// entirely to a fronting layer.
type AllowAll struct{}

func (AllowAll) CheckScopes(ctx context.Context, callerScopes, requiredScopes []string) error {
	return nil
}

// Lifecycle implements the §4.5 TaskLifecycle operations.
type Lifecycle struct {
	store store.Store
	aq    queue.AdvisoryQueue
	bus   bus.EventBus
	dep   *dependency.Tracker
	auth  AuthChecker

	taskGroupExpiresExtend time.Duration
}

// New returns a ready Lifecycle.
func New(s store.Store, aq queue.AdvisoryQueue, b bus.EventBus, dep *dependency.Tracker, auth AuthChecker, taskGroupExpiresExtend time.Duration) *Lifecycle {
	return &Lifecycle{store: s, aq: aq, bus: b, dep: dep, auth: auth, taskGroupExpiresExtend: taskGroupExpiresExtend}
}

// requiredScopesForPriority builds the queue:create-task scope family
// §4.5's priority-bucket rule describes: one scope per allowed priority
// level, any one of which the caller's credential must satisfy. Callers
// pass this to AuthChecker; the exact scope string format is an
// AuthChecker concern, so this only enumerates the allowed buckets.
func requiredScopesForPriority(provisionerID, workerType string, priority model.Priority) []string {
	allowed := model.AllowedPriorities(priority)
	out := make([]string, 0, len(allowed))
	for _, p := range allowed {
		out = append(out, "queue:create-task:"+string(p)+":"+provisionerID+"/"+workerType)
	}
	return out
}

func (l *Lifecycle) publish(ctx context.Context, topic string, task *model.Task, runID int) error {
	if l.bus == nil {
		return nil
	}
	event := bus.Event{
		Topic: topic,
		RoutingKey: bus.RoutingKey{
			TaskID:        task.TaskID,
			RunID:         runIDOrPlaceholder(runID),
			ProvisionerID: task.Definition.ProvisionerID,
			WorkerType:    task.Definition.WorkerType,
			SchedulerID:   task.Definition.SchedulerID,
			TaskGroupID:   task.Definition.TaskGroupID,
			Routes:        task.Definition.Routes,
		},
	}
	return retryCollaborator(ctx, func() error { return l.bus.Publish(ctx, event) })
}

func runIDOrPlaceholder(runID int) string {
	if runID < 0 {
		return ""
	}
	return strconv.Itoa(runID)
}

func (l *Lifecycle) putDeadlineMessage(ctx context.Context, task *model.Task) error {
	payload, _ := json.Marshal(queue.DeadlinePayload{TaskID: task.TaskID, Deadline: task.Definition.Deadline})
	return retryCollaborator(ctx, func() error { return l.aq.Deadline().Put(ctx, payload, task.Definition.Deadline) })
}

func (l *Lifecycle) putPendingMessage(ctx context.Context, task *model.Task, runID int, now time.Time) error {
	payload, _ := json.Marshal(queue.PendingPayload{TaskID: task.TaskID, RunID: runID})
	q := l.aq.Pending(task.Definition.ProvisionerID, task.Definition.WorkerType, task.Definition.Priority)
	return retryCollaborator(ctx, func() error { return q.Put(ctx, payload, now) })
}

// ensureTaskGroup creates the group if absent, or extends its expires,
// enforcing the §4.5(4) schedulerId-conflict rule.
func (l *Lifecycle) ensureTaskGroup(ctx context.Context, def *model.TaskDefinition) error {
	extendTo := def.Expires.Add(l.taskGroupExpiresExtend)
	err := retryCollaborator(ctx, func() error {
		return l.store.CreateTaskGroup(ctx, &model.TaskGroup{TaskGroupID: def.TaskGroupID, SchedulerID: def.SchedulerID, Expires: extendTo})
	})
	if err == nil {
		return nil
	}
	if err != store.ErrEntityAlreadyExists {
		return taskerr.Internal(err, "create task group")
	}
	var existing *model.TaskGroup
	err = retryCollaborator(ctx, func() error {
		var loadErr error
		existing, loadErr = l.store.LoadTaskGroup(ctx, def.TaskGroupID)
		return loadErr
	})
	if err != nil {
		return taskerr.Internal(err, "reload task group")
	}
	if existing.SchedulerID != def.SchedulerID {
		return taskerr.Conflict("taskGroupId %s already bound to schedulerId %s", def.TaskGroupID, existing.SchedulerID)
	}
	if extendTo.After(existing.Expires) {
		err := retryCollaborator(ctx, func() error {
			_, err := l.store.ModifyTaskGroup(ctx, def.TaskGroupID, func(g *model.TaskGroup) error {
				if extendTo.After(g.Expires) {
					g.Expires = extendTo
				}
				return nil
			})
			return err
		})
		if err != nil {
			return taskerr.Internal(err, "extend task group expires")
		}
	}
	return nil
}

// insertMembership writes the TaskGroupMember and ActiveSet rows,
// tolerating the idempotent-retry case but surfacing a conflict on an
// ActiveSet collision with a different expires (§4.5(5)'s defense
// against taskId collisions across distinct creates).
func (l *Lifecycle) insertMembership(ctx context.Context, def *model.TaskDefinition, taskID string) error {
	err := retryCollaborator(ctx, func() error {
		return l.store.CreateTaskGroupMember(ctx, &model.TaskGroupMember{TaskGroupID: def.TaskGroupID, TaskID: taskID, Expires: def.Expires})
	})
	if err != nil && err != store.ErrEntityAlreadyExists {
		return taskerr.Internal(err, "create task group member")
	}
	err = retryCollaborator(ctx, func() error {
		return l.store.CreateTaskGroupActiveSet(ctx, &model.TaskGroupActiveSet{TaskGroupID: def.TaskGroupID, TaskID: taskID, Expires: def.Expires})
	})
	if err == nil {
		return nil
	}
	if err != store.ErrEntityAlreadyExists {
		return taskerr.Internal(err, "create task group active set")
	}
	var existing *model.TaskGroupActiveSet
	getErr := retryCollaborator(ctx, func() error {
		var e error
		existing, e = l.store.GetTaskGroupActiveSet(ctx, def.TaskGroupID, taskID)
		return e
	})
	if getErr != nil {
		return taskerr.Internal(getErr, "reload task group active set")
	}
	if !existing.Expires.Equal(def.Expires) {
		return taskerr.Conflict("taskId %s already has an active set entry with a different expires", taskID)
	}
	return nil
}

// create implements §4.5's create(taskId, def). selfDependency makes it
// serve defineTask too: a self-dependency that never resolves leaves the
// task unscheduled forever without emitting task-pending, matching
// "same as create but adds a self-dependency so the task starts
// unscheduled."
func (l *Lifecycle) create(ctx context.Context, taskID string, def model.TaskDefinition, now time.Time, selfDependency bool) (model.Status, error) {
	if err := validateDefinition(&def, now); err != nil {
		return "", err
	}
	if l.auth != nil {
		if err := l.auth.CheckScopes(ctx, def.Scopes, requiredScopesForPriority(def.ProvisionerID, def.WorkerType, def.Priority)); err != nil {
			return "", taskerr.Unauthorized("%v", err)
		}
	}
	if err := l.ensureTaskGroup(ctx, &def); err != nil {
		return "", err
	}
	if err := l.insertMembership(ctx, &def, taskID); err != nil {
		return "", err
	}
	if err := l.putDeadlineMessage(ctx, &model.Task{TaskID: taskID, Definition: def}); err != nil {
		return "", taskerr.Internal(err, "put deadline message")
	}

	task := &model.Task{TaskID: taskID, Definition: def, RetriesLeft: def.Retries}
	hasDeps := len(def.Dependencies) > 0 || selfDependency
	var runZeroPending bool
	if !hasDeps {
		task.Runs = []model.Run{{RunID: 0, State: model.RunPending, ReasonCreated: model.ReasonCreatedScheduled, Scheduled: now}}
		runZeroPending = true
	}

	err := retryCollaborator(ctx, func() error { return l.store.CreateTask(ctx, task) })
	if err == store.ErrEntityAlreadyExists {
		var existing *model.Task
		loadErr := retryCollaborator(ctx, func() error {
			var e error
			existing, e = l.store.LoadTask(ctx, taskID)
			return e
		})
		if loadErr != nil {
			return "", taskerr.Internal(loadErr, "reload existing task")
		}
		if definitionsEqual(existing.Definition, def) {
			return existing.DerivedStatus(), nil
		}
		return "", taskerr.ConflictWithDetails(map[string]any{
			"existing": existing.Definition,
			"proposed": def,
		}, "task %s already exists with a different definition", taskID)
	}
	if err != nil {
		return "", taskerr.Internal(err, "create task")
	}

	if selfDependency {
		if err := retryCollaborator(ctx, func() error {
			return l.store.CreateDependency(ctx, &model.TaskDependency{DependentTaskID: taskID, RequiredTaskID: taskID, Requires: model.RequiresAllResolved, Expires: def.Expires})
		}); err != nil {
			return "", taskerr.Internal(err, "create self dependency")
		}
		if err := retryCollaborator(ctx, func() error {
			_, err := l.store.ModifyTask(ctx, taskID, func(tk *model.Task) error {
				tk.UnresolvedDeps = 1
				return nil
			})
			return err
		}); err != nil {
			return "", taskerr.Internal(err, "record self dependency count")
		}
	}

	if runZeroPending {
		if err := l.putPendingMessage(ctx, task, 0, now); err != nil {
			return "", taskerr.Internal(err, "put pending message")
		}
	} else if len(def.Dependencies) > 0 {
		if err := l.dep.TrackDependencies(ctx, task); err != nil {
			return "", err
		}
	}

	if err := l.publish(ctx, bus.TopicTaskDefined, task, -1); err != nil {
		return "", taskerr.Internal(err, "publish task-defined")
	}
	if runZeroPending {
		if err := l.publish(ctx, bus.TopicTaskPending, task, 0); err != nil {
			return "", taskerr.Internal(err, "publish task-pending")
		}
	}
	return task.DerivedStatus(), nil
}

// Create implements §4.5 create(taskId, def).
func (l *Lifecycle) Create(ctx context.Context, taskID string, def model.TaskDefinition, now time.Time) (model.Status, error) {
	return l.create(ctx, taskID, def, now, false)
}

// DefineTask implements §4.5 defineTask(taskId, def): same validation
// and bookkeeping as Create, but the task starts unscheduled behind a
// self-dependency and never emits task-pending.
func (l *Lifecycle) DefineTask(ctx context.Context, taskID string, def model.TaskDefinition, now time.Time) (model.Status, error) {
	return l.create(ctx, taskID, def, now, true)
}

// ScheduleTask implements §4.5 scheduleTask(taskId): force-schedule
// regardless of dependency state.
func (l *Lifecycle) ScheduleTask(ctx context.Context, taskID string, now time.Time) (model.Status, error) {
	return l.dep.ScheduleTask(ctx, taskID, now)
}

// RerunTask implements §4.5 rerunTask(taskId).
func (l *Lifecycle) RerunTask(ctx context.Context, taskID string, now time.Time) (model.Status, error) {
	var appended bool
	var appendedRunID int
	var updated *model.Task
	err := retryCollaborator(ctx, func() error {
		var e error
		updated, e = l.store.ModifyTask(ctx, taskID, func(tk *model.Task) error {
			appended = false
			if !tk.Definition.Deadline.IsZero() && now.After(tk.Definition.Deadline) {
				return taskerr.Conflict("task %s is past its deadline", taskID)
			}
			last := tk.LastRun()
			if last != nil && !last.State.IsTerminal() {
				return taskerr.Conflict("task %s's last run is not terminal", taskID)
			}
			if len(tk.Runs) >= model.MaxRunsAllowed {
				return taskerr.Conflict("task %s has reached the maximum of %d runs", taskID, model.MaxRunsAllowed)
			}
			tk.RetriesLeft = minInt(tk.Definition.Retries, model.MaxRunsAllowed-len(tk.Runs))
			appendedRunID = len(tk.Runs)
			tk.Runs = append(tk.Runs, model.Run{RunID: appendedRunID, State: model.RunPending, ReasonCreated: model.ReasonCreatedRerun, Scheduled: now})
			appended = true
			return nil
		})
		return e
	})
	if err != nil {
		return "", err
	}
	if appended {
		if err := l.putPendingMessage(ctx, updated, appendedRunID, now); err != nil {
			return "", taskerr.Internal(err, "put pending message")
		}
		if err := l.publish(ctx, bus.TopicTaskPending, updated, appendedRunID); err != nil {
			return "", taskerr.Internal(err, "publish task-pending")
		}
	}
	return updated.DerivedStatus(), nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// CancelTask implements §4.5 cancelTask(taskId).
func (l *Lifecycle) CancelTask(ctx context.Context, taskID string, now time.Time) (model.Status, error) {
	var canceled bool
	var updated *model.Task
	err := retryCollaborator(ctx, func() error {
		var e error
		updated, e = l.store.ModifyTask(ctx, taskID, func(tk *model.Task) error {
			canceled = false
			if !tk.Definition.Deadline.IsZero() && now.After(tk.Definition.Deadline) {
				return taskerr.Conflict("task %s is past its deadline", taskID)
			}
			last := tk.LastRun()
			switch {
			case last == nil:
				tk.Runs = append(tk.Runs, model.Run{
					State: model.RunException, ReasonCreated: model.ReasonCreatedException,
					ReasonResolved: model.ReasonResolvedCanceled, Scheduled: now, Resolved: now,
				})
				canceled = true
			case last.State == model.RunPending || last.State == model.RunRunning:
				last.State = model.RunException
				last.ReasonResolved = model.ReasonResolvedCanceled
				last.Resolved = now
				canceled = true
			}
			return nil
		})
		return e
	})
	if err != nil {
		return "", err
	}
	if canceled {
		if err := l.onTerminal(ctx, updated); err != nil {
			return "", err
		}
	}
	return updated.DerivedStatus(), nil
}

// onTerminal fires the shared post-resolution side effects every
// report*/cancel path needs: a resolved-queue message and the matching
// bus event, published only once the Store write has committed (§5).
func (l *Lifecycle) onTerminal(ctx context.Context, task *model.Task) error {
	last := task.LastRun()
	payload, _ := json.Marshal(queue.ResolvedPayload{
		TaskID: task.TaskID, TaskGroupID: task.Definition.TaskGroupID, SchedulerID: task.Definition.SchedulerID,
		Resolution: model.Resolution{TaskID: task.TaskID, RunID: last.RunID, TaskGroupID: task.Definition.TaskGroupID, SchedulerID: task.Definition.SchedulerID, State: last.State},
	})
	if err := retryCollaborator(ctx, func() error { return l.aq.Resolved().Put(ctx, payload, time.Now()) }); err != nil {
		return taskerr.Internal(err, "put resolved message")
	}
	topic := bus.TopicTaskException
	if last.State == model.RunCompleted {
		topic = bus.TopicTaskCompleted
	} else if last.State == model.RunFailed {
		topic = bus.TopicTaskFailed
	}
	return l.publish(ctx, topic, task, last.RunID)
}

func (l *Lifecycle) reportTerminal(ctx context.Context, taskID string, state model.RunState, reason model.ReasonResolved, now time.Time) (model.Status, error) {
	var updated *model.Task
	err := retryCollaborator(ctx, func() error {
		var e error
		updated, e = l.store.ModifyTask(ctx, taskID, func(tk *model.Task) error {
			last := tk.LastRun()
			if last == nil || last.State != model.RunRunning {
				return taskerr.Conflict("task %s's last run is not running", taskID)
			}
			last.State = state
			last.ReasonResolved = reason
			last.Resolved = now
			return nil
		})
		return e
	})
	if err != nil {
		return "", err
	}
	if err := l.onTerminal(ctx, updated); err != nil {
		return "", err
	}
	return updated.DerivedStatus(), nil
}

// ReportCompleted implements §4.5 reportCompleted: before committing,
// every object-storage artifact for this run must have present=true.
func (l *Lifecycle) ReportCompleted(ctx context.Context, taskID string, runID int, now time.Time) (model.Status, error) {
	var artifacts []*model.Artifact
	err := retryCollaborator(ctx, func() error {
		var e error
		artifacts, e = l.store.ListArtifacts(ctx, taskID, runID)
		return e
	})
	if err != nil {
		return "", taskerr.Internal(err, "list artifacts")
	}
	for _, a := range artifacts {
		if a.StorageType == "object" && !a.Present {
			return "", taskerr.Conflict("artifact %s for task %s run %d is not yet present", a.Name, taskID, runID)
		}
	}
	return l.reportTerminal(ctx, taskID, model.RunCompleted, model.ReasonResolvedCompleted, now)
}

// ReportFailed implements §4.5 reportFailed.
func (l *Lifecycle) ReportFailed(ctx context.Context, taskID string, runID int, now time.Time) (model.Status, error) {
	return l.reportTerminal(ctx, taskID, model.RunFailed, model.ReasonResolvedFailed, now)
}

// ReportException implements §4.5 reportException(reason). When reason
// is worker-shutdown or intermittent-task and retries remain, it does
// not resolve the run as an exception: it decrements retriesLeft,
// appends a new pending run, and emits task-pending for that run
// instead of task-exception.
func (l *Lifecycle) ReportException(ctx context.Context, taskID string, runID int, reason model.ReasonResolved, now time.Time) (model.Status, error) {
	retryable := reason == model.ReasonResolvedWorkerShutdown || reason == model.ReasonResolvedIntermittentTask

	var retried bool
	var retryRunID int
	var updated *model.Task
	err := retryCollaborator(ctx, func() error {
		var e error
		updated, e = l.store.ModifyTask(ctx, taskID, func(tk *model.Task) error {
			retried = false
			last := tk.LastRun()
			if last == nil || last.State != model.RunRunning {
				return taskerr.Conflict("task %s's last run is not running", taskID)
			}
			if retryable && tk.RetriesLeft > 0 {
				last.State = model.RunException
				last.ReasonResolved = reason
				last.Resolved = now
				tk.RetriesLeft--
				retryRunID = len(tk.Runs)
				reasonCreated := model.ReasonCreatedRetry
				if reason == model.ReasonResolvedIntermittentTask {
					reasonCreated = model.ReasonCreatedTaskRetry
				}
				tk.Runs = append(tk.Runs, model.Run{RunID: retryRunID, State: model.RunPending, ReasonCreated: reasonCreated, Scheduled: now})
				retried = true
				return nil
			}
			last.State = model.RunException
			last.ReasonResolved = reason
			last.Resolved = now
			return nil
		})
		return e
	})
	if err != nil {
		return "", err
	}
	if retried {
		if err := l.putPendingMessage(ctx, updated, retryRunID, now); err != nil {
			return "", taskerr.Internal(err, "put pending message")
		}
		if err := l.publish(ctx, bus.TopicTaskPending, updated, retryRunID); err != nil {
			return "", taskerr.Internal(err, "publish task-pending")
		}
		return updated.DerivedStatus(), nil
	}
	if err := l.onTerminal(ctx, updated); err != nil {
		return "", err
	}
	return updated.DerivedStatus(), nil
}
