package resolvers

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/taskqueue/engine/internal/bus"
	"github.com/taskqueue/engine/internal/dependency"
	"github.com/taskqueue/engine/internal/model"
	"github.com/taskqueue/engine/internal/queue"
	"github.com/taskqueue/engine/internal/store"
)

func newHarness() (*Resolvers, store.Store, queue.AdvisoryQueue, *bus.MemBus) {
	s := store.NewMemStore()
	aq := queue.NewMemAdvisoryQueue()
	b := bus.NewMemBus()
	dep := dependency.New(s, aq, b)
	return New(s, aq, b, dep, nil, Batches{}), s, aq, b
}

func runningTask(taskID string, retriesLeft int, takenUntil time.Time) *model.Task {
	return &model.Task{
		TaskID: taskID,
		Definition: model.TaskDefinition{
			ProvisionerID: "p", WorkerType: "w", Priority: model.PriorityHighest,
			Deadline: time.Now().Add(time.Hour),
		},
		RetriesLeft: retriesLeft,
		Runs:        []model.Run{{RunID: 0, State: model.RunRunning, TakenUntil: takenUntil}},
	}
}

func TestClaimExpirationRetriesWhenRetriesLeft(t *testing.T) {
	ctx := context.Background()
	r, s, aq, b := newHarness()
	takenUntil := time.Now().Add(-time.Second)
	task := runningTask("T1", 2, takenUntil)
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("create task: %v", err)
	}
	payload, _ := json.Marshal(queue.ClaimPayload{TaskID: "T1", RunID: 0, TakenUntil: takenUntil})
	if err := aq.ClaimExpiration().Put(ctx, payload, time.Now()); err != nil {
		t.Fatalf("put claim-expiration: %v", err)
	}

	if err := r.drainClaimExpiration(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}

	updated, err := s.LoadTask(ctx, "T1")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(updated.Runs) != 2 {
		t.Fatalf("expected a retried run appended, got %+v", updated.Runs)
	}
	if updated.Runs[0].ReasonResolved != model.ReasonResolvedClaimExpired {
		t.Fatalf("expected run 0 resolved as claim-expired, got %s", updated.Runs[0].ReasonResolved)
	}
	if updated.Runs[1].State != model.RunPending {
		t.Fatalf("expected retried run pending, got %s", updated.Runs[1].State)
	}
	if updated.RetriesLeft != 1 {
		t.Fatalf("expected retriesLeft decremented to 1, got %d", updated.RetriesLeft)
	}
	if len(b.EventsOnTopic(bus.TopicTaskPending)) != 1 {
		t.Fatalf("expected one task-pending event")
	}
	n, err := aq.Pending("p", "w", model.PriorityHighest).Count(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 pending message, got %d err %v", n, err)
	}
}

func TestClaimExpirationResolvesExceptionWhenNoRetriesLeft(t *testing.T) {
	ctx := context.Background()
	r, s, aq, b := newHarness()
	takenUntil := time.Now().Add(-time.Second)
	task := runningTask("T1", 0, takenUntil)
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("create task: %v", err)
	}
	payload, _ := json.Marshal(queue.ClaimPayload{TaskID: "T1", RunID: 0, TakenUntil: takenUntil})
	if err := aq.ClaimExpiration().Put(ctx, payload, time.Now()); err != nil {
		t.Fatalf("put claim-expiration: %v", err)
	}

	if err := r.drainClaimExpiration(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}

	updated, err := s.LoadTask(ctx, "T1")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(updated.Runs) != 1 {
		t.Fatalf("expected no retried run, got %+v", updated.Runs)
	}
	if updated.DerivedStatus() != model.StatusException {
		t.Fatalf("expected exception status, got %s", updated.DerivedStatus())
	}
	if len(b.EventsOnTopic(bus.TopicTaskException)) != 1 {
		t.Fatalf("expected one task-exception event")
	}
	n, err := aq.Resolved().Count(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 resolved message, got %d err %v", n, err)
	}
}

func TestClaimExpirationIgnoresStaleTakenUntil(t *testing.T) {
	ctx := context.Background()
	r, s, aq, _ := newHarness()
	currentTakenUntil := time.Now().Add(time.Minute)
	task := runningTask("T1", 3, currentTakenUntil)
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("create task: %v", err)
	}
	staleTakenUntil := currentTakenUntil.Add(-time.Hour)
	payload, _ := json.Marshal(queue.ClaimPayload{TaskID: "T1", RunID: 0, TakenUntil: staleTakenUntil})
	if err := aq.ClaimExpiration().Put(ctx, payload, time.Now()); err != nil {
		t.Fatalf("put claim-expiration: %v", err)
	}

	if err := r.drainClaimExpiration(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}

	updated, err := s.LoadTask(ctx, "T1")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if updated.Runs[0].State != model.RunRunning {
		t.Fatalf("expected run untouched by stale message, got %s", updated.Runs[0].State)
	}
}

func TestDeadlineResolverExceptionsMatchingUnresolvedTask(t *testing.T) {
	ctx := context.Background()
	r, s, aq, b := newHarness()
	deadline := time.Now().Add(time.Minute)
	task := &model.Task{
		TaskID:     "T1",
		Definition: model.TaskDefinition{ProvisionerID: "p", WorkerType: "w", Priority: model.PriorityHighest, Deadline: deadline},
		Runs:       []model.Run{{RunID: 0, State: model.RunPending}},
	}
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("create task: %v", err)
	}
	payload, _ := json.Marshal(queue.DeadlinePayload{TaskID: "T1", Deadline: deadline})
	if err := aq.Deadline().Put(ctx, payload, time.Now()); err != nil {
		t.Fatalf("put deadline: %v", err)
	}

	if err := r.drainDeadline(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}

	updated, err := s.LoadTask(ctx, "T1")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if updated.DerivedStatus() != model.StatusException {
		t.Fatalf("expected exception, got %s", updated.DerivedStatus())
	}
	if updated.Runs[0].ReasonResolved != model.ReasonResolvedDeadlineExceeded {
		t.Fatalf("expected deadline-exceeded reason, got %s", updated.Runs[0].ReasonResolved)
	}
	if len(b.EventsOnTopic(bus.TopicTaskException)) != 1 {
		t.Fatalf("expected one task-exception event")
	}
}

func TestDeadlineResolverSkipsAlreadyResolvedTask(t *testing.T) {
	ctx := context.Background()
	r, s, aq, b := newHarness()
	deadline := time.Now().Add(time.Minute)
	task := &model.Task{
		TaskID:     "T1",
		Definition: model.TaskDefinition{ProvisionerID: "p", WorkerType: "w", Priority: model.PriorityHighest, Deadline: deadline},
		Runs:       []model.Run{{RunID: 0, State: model.RunCompleted, ReasonResolved: model.ReasonResolvedCompleted}},
	}
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("create task: %v", err)
	}
	payload, _ := json.Marshal(queue.DeadlinePayload{TaskID: "T1", Deadline: deadline})
	if err := aq.Deadline().Put(ctx, payload, time.Now()); err != nil {
		t.Fatalf("put deadline: %v", err)
	}

	if err := r.drainDeadline(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}

	if len(b.EventsOnTopic(bus.TopicTaskException)) != 0 {
		t.Fatalf("expected no task-exception event for an already-completed task")
	}
}

func TestResolvedResolverDecrementsDependentAndSchedules(t *testing.T) {
	ctx := context.Background()
	r, s, aq, b := newHarness()
	required := &model.Task{
		TaskID:     "X",
		Definition: model.TaskDefinition{ProvisionerID: "p", WorkerType: "w", Priority: model.PriorityHighest},
		Runs:       []model.Run{{RunID: 0, State: model.RunCompleted, ReasonResolved: model.ReasonResolvedCompleted}},
	}
	if err := s.CreateTask(ctx, required); err != nil {
		t.Fatalf("create required: %v", err)
	}
	dependent := &model.Task{
		TaskID:         "T",
		Definition:     model.TaskDefinition{ProvisionerID: "p", WorkerType: "w", Priority: model.PriorityHighest, Dependencies: []string{"X"}, Requires: model.RequiresAllCompleted},
		UnresolvedDeps: 1,
	}
	if err := s.CreateTask(ctx, dependent); err != nil {
		t.Fatalf("create dependent: %v", err)
	}
	if err := s.CreateDependency(ctx, &model.TaskDependency{DependentTaskID: "T", RequiredTaskID: "X", Requires: model.RequiresAllCompleted}); err != nil {
		t.Fatalf("create dependency: %v", err)
	}
	payload, _ := json.Marshal(queue.ResolvedPayload{
		TaskID: "X",
		Resolution: model.Resolution{TaskID: "X", RunID: 0, State: model.RunCompleted},
	})
	if err := aq.Resolved().Put(ctx, payload, time.Now()); err != nil {
		t.Fatalf("put resolved: %v", err)
	}

	if err := r.drainResolved(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}

	updated, err := s.LoadTask(ctx, "T")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if updated.UnresolvedDeps != 0 {
		t.Fatalf("expected unresolved count to reach 0, got %d", updated.UnresolvedDeps)
	}
	if updated.DerivedStatus() != model.StatusPending {
		t.Fatalf("expected T scheduled after dependency resolved, got %s", updated.DerivedStatus())
	}
	if len(b.EventsOnTopic(bus.TopicTaskPending)) != 1 {
		t.Fatalf("expected one task-pending event from scheduleTask")
	}
}

func TestResolvedResolverResolvesTaskGroup(t *testing.T) {
	ctx := context.Background()
	r, s, aq, b := newHarness()
	if err := s.CreateTaskGroup(ctx, &model.TaskGroup{TaskGroupID: "G1", SchedulerID: "s1", Expires: time.Now().Add(time.Hour)}); err != nil {
		t.Fatalf("create group: %v", err)
	}
	if err := s.CreateTaskGroupMember(ctx, &model.TaskGroupMember{TaskGroupID: "G1", TaskID: "T1", Expires: time.Now().Add(time.Hour)}); err != nil {
		t.Fatalf("create member: %v", err)
	}
	if err := s.CreateTaskGroupActiveSet(ctx, &model.TaskGroupActiveSet{TaskGroupID: "G1", TaskID: "T1", Expires: time.Now().Add(time.Hour)}); err != nil {
		t.Fatalf("create active set: %v", err)
	}
	payload, _ := json.Marshal(queue.ResolvedPayload{
		TaskID: "T1", TaskGroupID: "G1",
		Resolution: model.Resolution{TaskID: "T1", RunID: 0, TaskGroupID: "G1", State: model.RunCompleted},
	})
	if err := aq.Resolved().Put(ctx, payload, time.Now()); err != nil {
		t.Fatalf("put resolved: %v", err)
	}

	if err := r.drainResolved(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}

	if len(b.EventsOnTopic(bus.TopicTaskGroupResolved)) != 1 {
		t.Fatalf("expected one task-group-resolved event")
	}
}
