package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/taskqueue/engine/internal/bus"
	"github.com/taskqueue/engine/internal/dependency"
	"github.com/taskqueue/engine/internal/model"
	"github.com/taskqueue/engine/internal/queue"
	"github.com/taskqueue/engine/internal/store"
	"github.com/taskqueue/engine/internal/taskerr"
)

func newHarness() (*Lifecycle, store.Store, *bus.MemBus, queue.AdvisoryQueue) {
	s := store.NewMemStore()
	aq := queue.NewMemAdvisoryQueue()
	b := bus.NewMemBus()
	dep := dependency.New(s, aq, b)
	return New(s, aq, b, dep, AllowAll{}, 24*time.Hour), s, b, aq
}

func validDef(now time.Time) model.TaskDefinition {
	return model.TaskDefinition{
		ProvisionerID: "aws-provisioner",
		WorkerType:    "build",
		SchedulerID:   "sched1",
		TaskGroupID:   "G1",
		Priority:      model.PriorityLowest,
		Retries:       3,
		Created:       now,
		Deadline:      now.Add(time.Hour),
	}
}

func TestCreateNoDepsSchedulesRunZeroAndPublishes(t *testing.T) {
	ctx := context.Background()
	lc, s, b, aq := newHarness()
	now := time.Now()

	status, err := lc.Create(ctx, "T1", validDef(now), now)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if status != model.StatusPending {
		t.Fatalf("expected pending, got %s", status)
	}
	task, err := s.LoadTask(ctx, "T1")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(task.Runs) != 1 || task.Runs[0].ReasonCreated != model.ReasonCreatedScheduled {
		t.Fatalf("expected one scheduled run, got %+v", task.Runs)
	}
	if len(b.EventsOnTopic(bus.TopicTaskDefined)) != 1 {
		t.Fatalf("expected one task-defined event")
	}
	if len(b.EventsOnTopic(bus.TopicTaskPending)) != 1 {
		t.Fatalf("expected one task-pending event")
	}
	n, err := aq.Pending("aws-provisioner", "build", model.PriorityLowest).Count(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 pending message, got %d err %v", n, err)
	}
}

func TestCreateIdempotentOnIdenticalDefinition(t *testing.T) {
	ctx := context.Background()
	lc, _, _, _ := newHarness()
	now := time.Now()
	def := validDef(now)
	if _, err := lc.Create(ctx, "T1", def, now); err != nil {
		t.Fatalf("first create: %v", err)
	}
	status, err := lc.Create(ctx, "T1", def, now)
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if status != model.StatusPending {
		t.Fatalf("expected pending on idempotent replay, got %s", status)
	}
}

func TestCreateConflictsOnDifferentDefinition(t *testing.T) {
	ctx := context.Background()
	lc, _, _, _ := newHarness()
	now := time.Now()
	def := validDef(now)
	if _, err := lc.Create(ctx, "T1", def, now); err != nil {
		t.Fatalf("first create: %v", err)
	}
	def2 := def
	def2.WorkerType = "other"
	if _, err := lc.Create(ctx, "T1", def2, now); !taskerr.Is(err, taskerr.KindRequestConflict) {
		t.Fatalf("expected RequestConflict, got %v", err)
	}
}

func TestCreateRejectsDoubleStarScope(t *testing.T) {
	ctx := context.Background()
	lc, _, _, _ := newHarness()
	now := time.Now()
	def := validDef(now)
	def.Scopes = []string{"queue:create-task:**"}
	if _, err := lc.Create(ctx, "T1", def, now); !taskerr.Is(err, taskerr.KindInput) {
		t.Fatalf("expected InputError, got %v", err)
	}
}

func TestCreateWithDependenciesLeavesNoInitialRun(t *testing.T) {
	ctx := context.Background()
	lc, s, _, _ := newHarness()
	now := time.Now()
	defX := validDef(now)
	if _, err := lc.Create(ctx, "X", defX, now); err != nil {
		t.Fatalf("create X: %v", err)
	}
	defT := validDef(now)
	defT.Dependencies = []string{"X"}
	defT.Requires = model.RequiresAllCompleted
	status, err := lc.Create(ctx, "T", defT, now)
	if err != nil {
		t.Fatalf("create T: %v", err)
	}
	if status != model.StatusUnscheduled {
		t.Fatalf("expected unscheduled, got %s", status)
	}
	task, _ := s.LoadTask(ctx, "T")
	if len(task.Runs) != 0 {
		t.Fatalf("expected no runs before dependency resolves, got %+v", task.Runs)
	}
}

func TestDefineTaskNeverSchedules(t *testing.T) {
	ctx := context.Background()
	lc, s, b, _ := newHarness()
	now := time.Now()
	status, err := lc.DefineTask(ctx, "T1", validDef(now), now)
	if err != nil {
		t.Fatalf("define: %v", err)
	}
	if status != model.StatusUnscheduled {
		t.Fatalf("expected unscheduled, got %s", status)
	}
	task, _ := s.LoadTask(ctx, "T1")
	if task.UnresolvedDeps != 1 {
		t.Fatalf("expected self-dependency unresolved count of 1, got %d", task.UnresolvedDeps)
	}
	if len(b.EventsOnTopic(bus.TopicTaskPending)) != 0 {
		t.Fatalf("expected no task-pending event from defineTask")
	}
}

func TestCancelTaskResolvesPendingRunAsCanceled(t *testing.T) {
	ctx := context.Background()
	lc, s, b, _ := newHarness()
	now := time.Now()
	if _, err := lc.Create(ctx, "T1", validDef(now), now); err != nil {
		t.Fatalf("create: %v", err)
	}
	status, err := lc.CancelTask(ctx, "T1", now)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if status != model.StatusException {
		t.Fatalf("expected exception, got %s", status)
	}
	task, _ := s.LoadTask(ctx, "T1")
	if task.LastRun().ReasonResolved != model.ReasonResolvedCanceled {
		t.Fatalf("expected canceled reason, got %s", task.LastRun().ReasonResolved)
	}
	if len(b.EventsOnTopic(bus.TopicTaskException)) != 1 {
		t.Fatalf("expected one task-exception event")
	}
}

func TestRerunTaskRejectsWhenLastRunNotTerminal(t *testing.T) {
	ctx := context.Background()
	lc, _, _, _ := newHarness()
	now := time.Now()
	if _, err := lc.Create(ctx, "T1", validDef(now), now); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := lc.RerunTask(ctx, "T1", now); !taskerr.Is(err, taskerr.KindRequestConflict) {
		t.Fatalf("expected RequestConflict for non-terminal last run, got %v", err)
	}
}

func TestRerunTaskAppendsPendingRunAfterTerminal(t *testing.T) {
	ctx := context.Background()
	lc, s, _, _ := newHarness()
	now := time.Now()
	if _, err := lc.Create(ctx, "T1", validDef(now), now); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := lc.CancelTask(ctx, "T1", now); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	status, err := lc.RerunTask(ctx, "T1", now)
	if err != nil {
		t.Fatalf("rerun: %v", err)
	}
	if status != model.StatusPending {
		t.Fatalf("expected pending after rerun, got %s", status)
	}
	task, _ := s.LoadTask(ctx, "T1")
	if len(task.Runs) != 2 || task.Runs[1].ReasonCreated != model.ReasonCreatedRerun {
		t.Fatalf("expected 2 runs with second reasonCreated=rerun, got %+v", task.Runs)
	}
}

func TestReportExceptionWorkerShutdownRetriesInsteadOfResolving(t *testing.T) {
	ctx := context.Background()
	lc, s, b, _ := newHarness()
	now := time.Now()
	if _, err := lc.Create(ctx, "T1", validDef(now), now); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.ModifyTask(ctx, "T1", func(tk *model.Task) error {
		tk.Runs[0].State = model.RunRunning
		return nil
	}); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	status, err := lc.ReportException(ctx, "T1", 0, model.ReasonResolvedWorkerShutdown, now)
	if err != nil {
		t.Fatalf("report exception: %v", err)
	}
	if status != model.StatusPending {
		t.Fatalf("expected pending after retry, got %s", status)
	}
	task, _ := s.LoadTask(ctx, "T1")
	if len(task.Runs) != 2 {
		t.Fatalf("expected a second run appended, got %+v", task.Runs)
	}
	if task.RetriesLeft != 2 {
		t.Fatalf("expected retriesLeft decremented to 2, got %d", task.RetriesLeft)
	}
	if len(b.EventsOnTopic(bus.TopicTaskException)) != 0 {
		t.Fatalf("expected no task-exception event on retryable exception")
	}
}

func TestReportCompletedBlocksOnMissingArtifact(t *testing.T) {
	ctx := context.Background()
	lc, s, _, _ := newHarness()
	now := time.Now()
	if _, err := lc.Create(ctx, "T1", validDef(now), now); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.ModifyTask(ctx, "T1", func(tk *model.Task) error {
		tk.Runs[0].State = model.RunRunning
		return nil
	}); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	if err := s.PutArtifact(ctx, &model.Artifact{TaskID: "T1", RunID: 0, Name: "out", StorageType: "object", Present: false}); err != nil {
		t.Fatalf("put artifact: %v", err)
	}
	if _, err := lc.ReportCompleted(ctx, "T1", 0, now); !taskerr.Is(err, taskerr.KindRequestConflict) {
		t.Fatalf("expected RequestConflict for absent artifact, got %v", err)
	}
}
