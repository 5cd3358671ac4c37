package maintenance

import (
	"context"
	"testing"
	"time"

	"github.com/taskqueue/engine/internal/model"
	"github.com/taskqueue/engine/internal/store"
)

func TestRunOnceSweepsExpiredTaskGroup(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemStore()
	if err := s.CreateTaskGroup(ctx, &model.TaskGroup{TaskGroupID: "G1", SchedulerID: "s1", Expires: time.Now().Add(-time.Hour)}); err != nil {
		t.Fatalf("create group: %v", err)
	}
	if err := s.CreateTaskGroupMember(ctx, &model.TaskGroupMember{TaskGroupID: "G1", TaskID: "T1", Expires: time.Now().Add(-time.Hour)}); err != nil {
		t.Fatalf("create member: %v", err)
	}
	if err := s.CreateTaskGroupActiveSet(ctx, &model.TaskGroupActiveSet{TaskGroupID: "G1", TaskID: "T1", Expires: time.Now().Add(-time.Hour)}); err != nil {
		t.Fatalf("create active set: %v", err)
	}

	g := New(s, nil)
	g.runOnce(ctx)

	if _, err := s.LoadTaskGroup(ctx, "G1"); err != store.ErrNotFound {
		t.Fatalf("expected task group swept, got err %v", err)
	}
	n, err := s.CountTaskGroupMembers(ctx, "G1")
	if err != nil || n != 0 {
		t.Fatalf("expected member rows swept, got %d err %v", n, err)
	}
}

func TestRunOnceLeavesUnexpiredTaskGroup(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemStore()
	if err := s.CreateTaskGroup(ctx, &model.TaskGroup{TaskGroupID: "G1", SchedulerID: "s1", Expires: time.Now().Add(time.Hour)}); err != nil {
		t.Fatalf("create group: %v", err)
	}

	g := New(s, nil)
	g.runOnce(ctx)

	if _, err := s.LoadTaskGroup(ctx, "G1"); err != nil {
		t.Fatalf("expected unexpired group to survive, got %v", err)
	}
}

func TestRunOnceSweepsExpiredDependency(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemStore()
	if err := s.CreateDependency(ctx, &model.TaskDependency{
		DependentTaskID: "T", RequiredTaskID: "X",
		Requires: model.RequiresAllCompleted, Expires: time.Now().Add(-time.Hour),
	}); err != nil {
		t.Fatalf("create dependency: %v", err)
	}

	g := New(s, nil)
	g.runOnce(ctx)

	deps, err := s.ListDependencies(ctx, "T")
	if err != nil {
		t.Fatalf("list dependencies: %v", err)
	}
	if len(deps) != 0 {
		t.Fatalf("expected dependency edge swept, got %+v", deps)
	}
	dependents, err := s.ListDependents(ctx, "X")
	if err != nil {
		t.Fatalf("list dependents: %v", err)
	}
	if len(dependents) != 0 {
		t.Fatalf("expected reverse edge swept too, got %+v", dependents)
	}
}

func TestScheduleRejectsInvalidCronSpec(t *testing.T) {
	g := New(store.NewMemStore(), nil)
	if err := g.Schedule("not a cron spec"); err == nil {
		t.Fatalf("expected an error for an invalid cron spec")
	}
}
