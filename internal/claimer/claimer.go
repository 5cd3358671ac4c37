// Package claimer implements the §4.6 WorkClaimer: claim binds pending
// queue messages to runs under optimistic concurrency and mints
// credentials; reclaim extends a running claim's takenUntil.
package claimer

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/taskqueue/engine/internal/bus"
	"github.com/taskqueue/engine/internal/model"
	"github.com/taskqueue/engine/internal/queue"
	"github.com/taskqueue/engine/internal/registry"
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

// Claim is one successfully bound run, returned to the worker.
type Claim struct {
	TaskID      string
	RunID       int
	TakenUntil  time.Time
	Credentials string
}

// Claimer is the WorkClaimer.
type Claimer struct {
	store    store.Store
	aq       queue.AdvisoryQueue
	bus      bus.EventBus
	registry *registry.Registry
	minter   *CredentialMinter
	limiter  *resilience.RateLimiter

	claimTimeout time.Duration
}

// New returns a ready Claimer. claimTimeout is the visibility timeout
// applied to every pending message received and the default takenUntil
// horizon for every run it binds.
func New(s store.Store, aq queue.AdvisoryQueue, b bus.EventBus, reg *registry.Registry, minter *CredentialMinter, limiter *resilience.RateLimiter, claimTimeout time.Duration) *Claimer {
	return &Claimer{store: s, aq: aq, bus: b, registry: reg, minter: minter, limiter: limiter, claimTimeout: claimTimeout}
}

// Claim implements §4.6 claim(provisionerId, workerType, workerGroup,
// workerId, count, aborted). It blocks up to model.ClaimLongPoll polling
// the priority queues highest-first, returning as soon as it has bound
// at least one run or the long-poll horizon (or ctx) expires.
func (c *Claimer) Claim(ctx context.Context, provisionerID, workerType, workerGroup, workerID string, count int) ([]Claim, error) {
	now := time.Now()
	c.registry.Seen(provisionerID, workerType, workerGroup, workerID, now)

	if c.registry.Quarantined(provisionerID, workerType, workerGroup, workerID, now) {
		c.sleepUpTo(ctx, model.ClaimLongPoll)
		return nil, nil
	}

	if c.limiter != nil && !c.limiter.Allow() {
		c.sleepUpTo(ctx, model.ClaimLongPoll)
		return nil, nil
	}

	deadline := time.Now().Add(model.ClaimLongPoll)
	var claims []Claim
	for len(claims) < count {
		batch, err := c.receiveOneRound(ctx, provisionerID, workerType, workerGroup, workerID, count-len(claims), now)
		if err != nil {
			return claims, err
		}
		claims = append(claims, batch...)
		if len(claims) > 0 || time.Now().After(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return claims, nil
		case <-time.After(200 * time.Millisecond):
		}
	}
	for _, cl := range claims {
		c.registry.RecordTask(provisionerID, workerType, workerGroup, workerID, cl.TaskID)
	}
	return claims, nil
}

func (c *Claimer) sleepUpTo(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// receiveOneRound drains up to max messages across every priority
// bucket, highest first, and attempts to bind each to a run.
func (c *Claimer) receiveOneRound(ctx context.Context, provisionerID, workerType, workerGroup, workerID string, max int, now time.Time) ([]Claim, error) {
	var claims []Claim
	for _, p := range model.PriorityLevels {
		if len(claims) >= max {
			break
		}
		q := c.aq.Pending(provisionerID, workerType, p)
		var msgs []queue.Message
		err := retryCollaborator(ctx, func() error {
			var e error
			msgs, e = q.Receive(ctx, max-len(claims), c.claimTimeout)
			return e
		})
		if err != nil {
			return claims, taskerr.Internal(err, "receive pending messages")
		}
		for _, msg := range msgs {
			var payload queue.PendingPayload
			if err := json.Unmarshal(msg.Payload, &payload); err != nil {
				_ = retryCollaborator(ctx, func() error { return q.Delete(ctx, msg.Receipt) })
				continue
			}
			cl, bound, err := c.bindRun(ctx, payload.TaskID, payload.RunID, provisionerID, workerType, workerGroup, workerID, now)
			if err != nil {
				return claims, err
			}
			if bound {
				claims = append(claims, cl)
			}
			if err := retryCollaborator(ctx, func() error { return q.Delete(ctx, msg.Receipt) }); err != nil {
				return claims, taskerr.Internal(err, "delete pending message")
			}
		}
	}
	return claims, nil
}

// bindRun implements §4.6(3-5): transitions the named run from pending to
// running, puts a claim-expiration message, mints credentials, and
// publishes task-running. A run no longer pending is a ghost — skipped,
// not an error, since the pending message that named it may be stale.
func (c *Claimer) bindRun(ctx context.Context, taskID string, runID int, provisionerID, workerType, workerGroup, workerID string, now time.Time) (Claim, bool, error) {
	takenUntil := now.Add(c.claimTimeout)
	var bound bool
	var updated *model.Task
	err := retryCollaborator(ctx, func() error {
		var e error
		updated, e = c.store.ModifyTask(ctx, taskID, func(tk *model.Task) error {
			bound = false
			if runID < 0 || runID >= len(tk.Runs) || tk.Runs[runID].State != model.RunPending {
				return nil
			}
			run := &tk.Runs[runID]
			run.State = model.RunRunning
			run.Started = now
			run.WorkerGroup = workerGroup
			run.WorkerID = workerID
			run.TakenUntil = takenUntil
			tk.TakenUntil = takenUntil
			bound = true
			return nil
		})
		return e
	})
	if err != nil {
		if err == store.ErrNotFound {
			return Claim{}, false, nil
		}
		return Claim{}, false, taskerr.Internal(err, "bind run")
	}
	if !bound {
		return Claim{}, false, nil
	}

	payload, _ := json.Marshal(queue.ClaimPayload{TaskID: taskID, RunID: runID, TakenUntil: takenUntil})
	if err := retryCollaborator(ctx, func() error { return c.aq.ClaimExpiration().Put(ctx, payload, takenUntil) }); err != nil {
		return Claim{}, false, taskerr.Internal(err, "put claim-expiration message")
	}

	creds, err := c.minter.Mint(taskID, runID, workerGroup, workerID, credentialScopesFor(updated, runID), takenUntil)
	if err != nil {
		return Claim{}, false, taskerr.Internal(err, "mint credentials")
	}

	if c.bus != nil {
		_ = retryCollaborator(ctx, func() error {
			return c.bus.Publish(ctx, bus.Event{
				Topic: bus.TopicTaskRunning,
				RoutingKey: bus.RoutingKey{
					TaskID: taskID, RunID: strconv.Itoa(runID), WorkerGroup: workerGroup, WorkerID: workerID,
					ProvisionerID: provisionerID, WorkerType: workerType,
					SchedulerID: updated.Definition.SchedulerID, TaskGroupID: updated.Definition.TaskGroupID,
					Routes: updated.Definition.Routes,
				},
			})
		})
	}

	return Claim{TaskID: taskID, RunID: runID, TakenUntil: takenUntil, Credentials: creds}, true, nil
}

// Reclaim implements §4.6 reclaim(taskId, runId): advances takenUntil
// only when the last run is running, not past deadline, and the
// proposed value strictly advances the current one; mints refreshed
// credentials on success.
func (c *Claimer) Reclaim(ctx context.Context, taskID string, runID int, proposedTakenUntil time.Time) (Claim, error) {
	var ok bool
	var updated *model.Task
	err := retryCollaborator(ctx, func() error {
		var e error
		updated, e = c.store.ModifyTask(ctx, taskID, func(tk *model.Task) error {
			ok = false
			if runID < 0 || runID >= len(tk.Runs) {
				return taskerr.Conflict("task %s has no run %d", taskID, runID)
			}
			run := &tk.Runs[runID]
			if run.State != model.RunRunning {
				return taskerr.Conflict("task %s run %d is not running", taskID, runID)
			}
			if !tk.Definition.Deadline.IsZero() && time.Now().After(tk.Definition.Deadline) {
				return taskerr.Conflict("task %s is past its deadline", taskID)
			}
			if !proposedTakenUntil.After(run.TakenUntil) {
				return taskerr.Conflict("reclaim must strictly advance takenUntil")
			}
			run.TakenUntil = proposedTakenUntil
			tk.TakenUntil = proposedTakenUntil
			ok = true
			return nil
		})
		return e
	})
	if err != nil {
		return Claim{}, err
	}
	if !ok {
		return Claim{}, taskerr.Internal(nil, "reclaim failed for task %s run %d", taskID, runID)
	}
	run := updated.Runs[runID]
	payload, _ := json.Marshal(queue.ClaimPayload{TaskID: taskID, RunID: runID, TakenUntil: proposedTakenUntil})
	if err := retryCollaborator(ctx, func() error { return c.aq.ClaimExpiration().Put(ctx, payload, proposedTakenUntil) }); err != nil {
		return Claim{}, taskerr.Internal(err, "put claim-expiration message")
	}
	creds, err := c.minter.Mint(taskID, runID, run.WorkerGroup, run.WorkerID, credentialScopesFor(updated, runID), proposedTakenUntil)
	if err != nil {
		return Claim{}, taskerr.Internal(err, "mint credentials")
	}
	return Claim{TaskID: taskID, RunID: runID, TakenUntil: proposedTakenUntil, Credentials: creds}, nil
}
