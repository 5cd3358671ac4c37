package dependency

import (
	"context"
	"testing"
	"time"

	"github.com/taskqueue/engine/internal/bus"
	"github.com/taskqueue/engine/internal/model"
	"github.com/taskqueue/engine/internal/queue"
	"github.com/taskqueue/engine/internal/store"
	"github.com/taskqueue/engine/internal/taskerr"
)

func mustCreate(t *testing.T, s store.Store, task *model.Task) {
	t.Helper()
	if err := s.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("create %s: %v", task.TaskID, err)
	}
}

func TestTrackDependenciesSchedulesOnZeroUnresolved(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemStore()
	aq := queue.NewMemAdvisoryQueue()
	b := bus.NewMemBus()
	tr := New(s, aq, b)

	mustCreate(t, s, &model.Task{TaskID: "T1"}) // no dependencies, never scheduled in this test

	dependent := &model.Task{
		TaskID: "T2",
		Definition: model.TaskDefinition{
			ProvisionerID: "p", WorkerType: "w",
			Dependencies: []string{"T1"}, Requires: model.RequiresAllCompleted,
		},
	}
	mustCreate(t, s, dependent)

	if _, err := s.ModifyTask(ctx, "T1", func(tk *model.Task) error {
		tk.Runs = append(tk.Runs, model.Run{RunID: 0, State: model.RunCompleted})
		return nil
	}); err != nil {
		t.Fatalf("complete T1: %v", err)
	}

	if err := tr.TrackDependencies(ctx, dependent); err != nil {
		t.Fatalf("track: %v", err)
	}

	got, err := s.LoadTask(ctx, "T2")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.DerivedStatus() != model.StatusPending {
		t.Fatalf("expected T2 scheduled to pending, got %s", got.DerivedStatus())
	}
	if len(b.EventsOnTopic(bus.TopicTaskPending)) != 1 {
		t.Fatalf("expected exactly one task-pending event")
	}
}

func TestTrackDependenciesUnknownDependencyIsInputError(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemStore()
	tr := New(s, queue.NewMemAdvisoryQueue(), bus.NewMemBus())
	dependent := &model.Task{TaskID: "T2", Definition: model.TaskDefinition{Dependencies: []string{"missing"}}}
	mustCreate(t, s, dependent)
	err := tr.TrackDependencies(ctx, dependent)
	if !taskerr.Is(err, taskerr.KindInput) {
		t.Fatalf("expected InputError for missing dependency, got %v", err)
	}
}

func TestResolveDependenciesOfDoomsOnFailureUnderAllCompleted(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemStore()
	aq := queue.NewMemAdvisoryQueue()
	b := bus.NewMemBus()
	tr := New(s, aq, b)

	mustCreate(t, s, &model.Task{TaskID: "T1"})
	dependent := &model.Task{
		TaskID: "T2",
		Definition: model.TaskDefinition{
			Dependencies: []string{"T1"}, Requires: model.RequiresAllCompleted,
		},
	}
	mustCreate(t, s, dependent)
	if err := tr.TrackDependencies(ctx, dependent); err != nil {
		t.Fatalf("track: %v", err)
	}

	if err := tr.ResolveDependenciesOf(ctx, "T1", model.RunFailed); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	got, err := s.LoadTask(ctx, "T2")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.DerivedStatus() != model.StatusException {
		t.Fatalf("expected T2 doomed to exception, got %s", got.DerivedStatus())
	}
	if got.LastRun().ReasonResolved != model.ReasonResolvedCanceled {
		t.Fatalf("expected reasonResolved=canceled, got %s", got.LastRun().ReasonResolved)
	}
}

func TestResolveDependenciesOfSchedulesOnAllResolved(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemStore()
	aq := queue.NewMemAdvisoryQueue()
	b := bus.NewMemBus()
	tr := New(s, aq, b)

	mustCreate(t, s, &model.Task{TaskID: "T1"})
	dependent := &model.Task{
		TaskID: "T2",
		Definition: model.TaskDefinition{
			ProvisionerID: "p", WorkerType: "w",
			Dependencies: []string{"T1"}, Requires: model.RequiresAllResolved,
		},
	}
	mustCreate(t, s, dependent)
	if err := tr.TrackDependencies(ctx, dependent); err != nil {
		t.Fatalf("track: %v", err)
	}

	if err := tr.ResolveDependenciesOf(ctx, "T1", model.RunFailed); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	got, err := s.LoadTask(ctx, "T2")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.DerivedStatus() != model.StatusPending {
		t.Fatalf("expected T2 scheduled under all-resolved, got %s", got.DerivedStatus())
	}
}

func TestMaybeResolveTaskGroupPublishesOnceEmpty(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemStore()
	b := bus.NewMemBus()
	tr := New(s, queue.NewMemAdvisoryQueue(), b)

	if err := s.CreateTaskGroupMember(ctx, &model.TaskGroupMember{TaskGroupID: "G1", TaskID: "T1"}); err != nil {
		t.Fatalf("member: %v", err)
	}
	if err := s.CreateTaskGroupActiveSet(ctx, &model.TaskGroupActiveSet{TaskGroupID: "G1", TaskID: "T1"}); err != nil {
		t.Fatalf("active: %v", err)
	}

	if err := tr.MaybeResolveTaskGroup(ctx, "G1", "T1"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(b.EventsOnTopic(bus.TopicTaskGroupResolved)) != 1 {
		t.Fatalf("expected exactly one task-group-resolved event")
	}
}

func TestScheduleTaskPastDeadlineReturnsConflict(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemStore()
	tr := New(s, queue.NewMemAdvisoryQueue(), bus.NewMemBus())
	mustCreate(t, s, &model.Task{TaskID: "T1", Definition: model.TaskDefinition{Deadline: time.Now().Add(-time.Hour)}})
	if _, err := tr.ScheduleTask(ctx, "T1", time.Now()); err == nil {
		t.Fatalf("expected conflict for past-deadline schedule")
	}
}
