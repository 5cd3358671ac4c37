// Package resolvers implements the three §4.7 background resolvers —
// claim-expiration, deadline, and resolved — as polling loops over the
// AdvisoryQueue, generalized from the teacher's cancellation.go
// StartCleanupLoop ticker idiom: each resolver owns one ticker, drains
// whatever its queue has to offer on every tick, and tolerates stale or
// duplicate deliveries since the Store row is always authoritative.
package resolvers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
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

// defaultBatch bounds how many messages a single tick drains from a queue,
// used when New is given a zero-value Batches.
const defaultBatch = 64

// defaultVisibility is the visibility timeout applied while a resolver
// holds a message; long enough that a slow Store round trip doesn't
// cause another resolver instance to redeliver the same message mid-tick.
const defaultVisibility = 30 * time.Second

// Batches sets the per-tick drain size for each resolver, overriding
// config.Config's ClaimExpirationBatch/DeadlineBatch/ResolvedBatch. A
// zero field falls back to defaultBatch.
type Batches struct {
	ClaimExpiration int
	Deadline        int
	Resolved        int
}

func (b Batches) claimExpiration() int {
	if b.ClaimExpiration > 0 {
		return b.ClaimExpiration
	}
	return defaultBatch
}

func (b Batches) deadline() int {
	if b.Deadline > 0 {
		return b.Deadline
	}
	return defaultBatch
}

func (b Batches) resolved() int {
	if b.Resolved > 0 {
		return b.Resolved
	}
	return defaultBatch
}

// Resolvers bundles the three background loops. All three share one
// Store, AdvisoryQueue, EventBus, and DependencyTracker.
type Resolvers struct {
	store   store.Store
	aq      queue.AdvisoryQueue
	bus     bus.EventBus
	dep     *dependency.Tracker
	log     *slog.Logger
	batches Batches
}

// New returns a ready Resolvers. log may be nil, in which case slog's
// default logger is used. batches may be the zero value, in which case
// every resolver drains up to defaultBatch messages per tick.
func New(s store.Store, aq queue.AdvisoryQueue, b bus.EventBus, dep *dependency.Tracker, log *slog.Logger, batches Batches) *Resolvers {
	if log == nil {
		log = slog.Default()
	}
	return &Resolvers{store: s, aq: aq, bus: b, dep: dep, log: log, batches: batches}
}

// Run starts all three resolvers on their own goroutines, each polling at
// interval, and blocks until ctx is canceled.
func (r *Resolvers) Run(ctx context.Context, interval time.Duration) {
	done := make(chan struct{}, 3)
	go func() { r.loop(ctx, interval, "claim-expiration", r.drainClaimExpiration); done <- struct{}{} }()
	go func() { r.loop(ctx, interval, "deadline", r.drainDeadline); done <- struct{}{} }()
	go func() { r.loop(ctx, interval, "resolved", r.drainResolved); done <- struct{}{} }()
	for i := 0; i < 3; i++ {
		<-done
	}
}

func (r *Resolvers) loop(ctx context.Context, interval time.Duration, name string, drain func(ctx context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := drain(ctx); err != nil {
				r.log.Error("resolver tick failed", "resolver", name, "error", err)
			}
		}
	}
}

// drainClaimExpiration implements §4.7's claim-expiration resolver: a run
// still running with the takenUntil the message names has had its claim
// expire. Retryable reasons decrement retriesLeft and schedule a new run
// instead of resolving the task, the same retry branch reportException
// uses for worker-shutdown.
func (r *Resolvers) drainClaimExpiration(ctx context.Context) error {
	q := r.aq.ClaimExpiration()
	var msgs []queue.Message
	err := retryCollaborator(ctx, func() error {
		var e error
		msgs, e = q.Receive(ctx, r.batches.claimExpiration(), defaultVisibility)
		return e
	})
	if err != nil {
		return taskerr.Internal(err, "receive claim-expiration messages")
	}
	for _, msg := range msgs {
		if err := r.handleClaimExpiration(ctx, msg.Payload); err != nil {
			r.log.Error("claim-expiration handler failed", "error", err)
			continue
		}
		if err := retryCollaborator(ctx, func() error { return q.Delete(ctx, msg.Receipt) }); err != nil {
			return taskerr.Internal(err, "delete claim-expiration message")
		}
	}
	return nil
}

func (r *Resolvers) handleClaimExpiration(ctx context.Context, payload []byte) error {
	var cp queue.ClaimPayload
	if err := json.Unmarshal(payload, &cp); err != nil {
		return nil
	}
	var resolved bool
	var retried bool
	var retryRunID int
	now := time.Now()
	var updated *model.Task
	err := retryCollaborator(ctx, func() error {
		var e error
		updated, e = r.store.ModifyTask(ctx, cp.TaskID, func(tk *model.Task) error {
			resolved = false
			retried = false
			if cp.RunID < 0 || cp.RunID >= len(tk.Runs) {
				return nil
			}
			run := &tk.Runs[cp.RunID]
			if run.State != model.RunRunning || !run.TakenUntil.Equal(cp.TakenUntil) {
				return nil
			}
			run.State = model.RunException
			run.ReasonResolved = model.ReasonResolvedClaimExpired
			run.Resolved = now
			if tk.RetriesLeft > 0 {
				tk.RetriesLeft--
				retryRunID = len(tk.Runs)
				tk.Runs = append(tk.Runs, model.Run{RunID: retryRunID, State: model.RunPending, ReasonCreated: model.ReasonCreatedRetry, Scheduled: now})
				retried = true
				return nil
			}
			resolved = true
			return nil
		})
		return e
	})
	if err != nil {
		if err == store.ErrNotFound {
			return nil
		}
		return taskerr.Internal(err, "resolve claim-expiration")
	}
	if retried {
		payload, _ := json.Marshal(queue.PendingPayload{TaskID: updated.TaskID, RunID: retryRunID})
		putErr := retryCollaborator(ctx, func() error {
			return r.aq.Pending(updated.Definition.ProvisionerID, updated.Definition.WorkerType, updated.Definition.Priority).Put(ctx, payload, now)
		})
		if putErr != nil {
			return taskerr.Internal(putErr, "put pending message")
		}
		return r.publish(ctx, bus.TopicTaskPending, updated, retryRunID)
	}
	if !resolved {
		return nil
	}
	return r.resolveTerminal(ctx, updated, bus.TopicTaskException)
}

// drainDeadline implements §4.7's deadline resolver: a task whose
// deadline message still matches its current deadline and that hasn't
// already resolved is force-exceptioned.
func (r *Resolvers) drainDeadline(ctx context.Context) error {
	q := r.aq.Deadline()
	var msgs []queue.Message
	err := retryCollaborator(ctx, func() error {
		var e error
		msgs, e = q.Receive(ctx, r.batches.deadline(), defaultVisibility)
		return e
	})
	if err != nil {
		return taskerr.Internal(err, "receive deadline messages")
	}
	for _, msg := range msgs {
		if err := r.handleDeadline(ctx, msg.Payload); err != nil {
			r.log.Error("deadline handler failed", "error", err)
			continue
		}
		if err := retryCollaborator(ctx, func() error { return q.Delete(ctx, msg.Receipt) }); err != nil {
			return taskerr.Internal(err, "delete deadline message")
		}
	}
	return nil
}

func (r *Resolvers) handleDeadline(ctx context.Context, payload []byte) error {
	var dp queue.DeadlinePayload
	if err := json.Unmarshal(payload, &dp); err != nil {
		return nil
	}
	now := time.Now()
	var exceeded bool
	var updated *model.Task
	err := retryCollaborator(ctx, func() error {
		var e error
		updated, e = r.store.ModifyTask(ctx, dp.TaskID, func(tk *model.Task) error {
			exceeded = false
			if !tk.Definition.Deadline.Equal(dp.Deadline) {
				return nil
			}
			if tk.DerivedStatus() == model.StatusCompleted || tk.DerivedStatus() == model.StatusFailed || tk.DerivedStatus() == model.StatusException {
				return nil
			}
			last := tk.LastRun()
			if last == nil || last.State.IsTerminal() {
				tk.Runs = append(tk.Runs, model.Run{
					State: model.RunException, ReasonCreated: model.ReasonCreatedException,
					ReasonResolved: model.ReasonResolvedDeadlineExceeded, Scheduled: now, Resolved: now,
				})
			} else {
				last.State = model.RunException
				last.ReasonResolved = model.ReasonResolvedDeadlineExceeded
				last.Resolved = now
			}
			exceeded = true
			return nil
		})
		return e
	})
	if err != nil {
		if err == store.ErrNotFound {
			return nil
		}
		return taskerr.Internal(err, "resolve deadline")
	}
	if !exceeded {
		return nil
	}
	return r.resolveTerminal(ctx, updated, bus.TopicTaskException)
}

// drainResolved implements §4.7's resolved resolver: fan the completion
// of one task out to its dependents' unresolved counts and its task
// group's active set, the two pieces of global bookkeeping a single
// reportCompleted/Failed/Exception/cancelTask call cannot itself close
// out (both require walking rows the resolving task doesn't own).
func (r *Resolvers) drainResolved(ctx context.Context) error {
	q := r.aq.Resolved()
	var msgs []queue.Message
	err := retryCollaborator(ctx, func() error {
		var e error
		msgs, e = q.Receive(ctx, r.batches.resolved(), defaultVisibility)
		return e
	})
	if err != nil {
		return taskerr.Internal(err, "receive resolved messages")
	}
	for _, msg := range msgs {
		if err := r.handleResolved(ctx, msg.Payload); err != nil {
			r.log.Error("resolved handler failed", "error", err)
			continue
		}
		if err := retryCollaborator(ctx, func() error { return q.Delete(ctx, msg.Receipt) }); err != nil {
			return taskerr.Internal(err, "delete resolved message")
		}
	}
	return nil
}

func (r *Resolvers) handleResolved(ctx context.Context, payload []byte) error {
	var rp queue.ResolvedPayload
	if err := json.Unmarshal(payload, &rp); err != nil {
		return nil
	}
	if err := r.dep.ResolveDependenciesOf(ctx, rp.TaskID, rp.Resolution.State); err != nil {
		return err
	}
	if rp.TaskGroupID == "" {
		return nil
	}
	return r.dep.MaybeResolveTaskGroup(ctx, rp.TaskGroupID, rp.TaskID)
}

// resolveTerminal puts the shared resolved-queue message and publishes
// the matching bus event, mirroring lifecycle.onTerminal for the two
// paths (claim-expiration, deadline) that resolve a task outside the
// Lifecycle's own report*/cancel entry points.
func (r *Resolvers) resolveTerminal(ctx context.Context, task *model.Task, topic string) error {
	last := task.LastRun()
	payload, _ := json.Marshal(queue.ResolvedPayload{
		TaskID: task.TaskID, TaskGroupID: task.Definition.TaskGroupID, SchedulerID: task.Definition.SchedulerID,
		Resolution: model.Resolution{TaskID: task.TaskID, RunID: last.RunID, TaskGroupID: task.Definition.TaskGroupID, SchedulerID: task.Definition.SchedulerID, State: last.State},
	})
	if err := retryCollaborator(ctx, func() error { return r.aq.Resolved().Put(ctx, payload, time.Now()) }); err != nil {
		return taskerr.Internal(err, "put resolved message")
	}
	return r.publish(ctx, topic, task, last.RunID)
}

func (r *Resolvers) publish(ctx context.Context, topic string, task *model.Task, runID int) error {
	if r.bus == nil {
		return nil
	}
	return retryCollaborator(ctx, func() error {
		return r.bus.Publish(ctx, bus.Event{
			Topic: topic,
			RoutingKey: bus.RoutingKey{
				TaskID:        task.TaskID,
				RunID:         runIDString(runID),
				ProvisionerID: task.Definition.ProvisionerID,
				WorkerType:    task.Definition.WorkerType,
				SchedulerID:   task.Definition.SchedulerID,
				TaskGroupID:   task.Definition.TaskGroupID,
				Routes:        task.Definition.Routes,
			},
		})
	})
}

func runIDString(runID int) string {
	if runID < 0 {
		return ""
	}
	return strconv.Itoa(runID)
}
