package claimer

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/taskqueue/engine/internal/bus"
	"github.com/taskqueue/engine/internal/model"
	"github.com/taskqueue/engine/internal/queue"
	"github.com/taskqueue/engine/internal/registry"
	"github.com/taskqueue/engine/internal/store"
)

func newHarness() (*Claimer, store.Store, queue.AdvisoryQueue) {
	s := store.NewMemStore()
	aq := queue.NewMemAdvisoryQueue()
	b := bus.NewMemBus()
	reg := registry.New()
	minter := NewCredentialMinter("test-secret", "taskqueue-engine")
	return New(s, aq, b, reg, minter, nil, time.Minute), s, aq
}

func putPendingTask(t *testing.T, ctx context.Context, s store.Store, aq queue.AdvisoryQueue, taskID string) {
	t.Helper()
	task := &model.Task{
		TaskID: taskID,
		Definition: model.TaskDefinition{
			ProvisionerID: "p", WorkerType: "w", Priority: model.PriorityHighest,
			Deadline: time.Now().Add(time.Hour),
		},
		Runs: []model.Run{{RunID: 0, State: model.RunPending, Scheduled: time.Now()}},
	}
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("create task: %v", err)
	}
	payload, _ := json.Marshal(queue.PendingPayload{TaskID: taskID, RunID: 0})
	if err := aq.Pending("p", "w", model.PriorityHighest).Put(ctx, payload, time.Now()); err != nil {
		t.Fatalf("put pending: %v", err)
	}
}

func TestClaimBindsRunAndMintsCredentials(t *testing.T) {
	ctx := context.Background()
	c, s, _ := newHarness()
	putPendingTask(t, ctx, s, c.aq, "T1")

	claims, err := c.Claim(ctx, "p", "w", "wg1", "w1", 5)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claims) != 1 {
		t.Fatalf("expected 1 claim, got %d", len(claims))
	}
	if claims[0].Credentials == "" {
		t.Fatalf("expected non-empty credentials")
	}
	task, err := s.LoadTask(ctx, "T1")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if task.Runs[0].State != model.RunRunning {
		t.Fatalf("expected run transitioned to running, got %s", task.Runs[0].State)
	}
	if task.Runs[0].WorkerID != "w1" {
		t.Fatalf("expected workerId recorded, got %q", task.Runs[0].WorkerID)
	}
}

func TestClaimQuarantinedWorkerReturnsEmpty(t *testing.T) {
	ctx := context.Background()
	c, s, _ := newHarness()
	putPendingTask(t, ctx, s, c.aq, "T1")
	c.registry.Quarantine("p", "w", "wg1", "w1", time.Now().Add(time.Hour))

	ctx2, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	claims, err := c.Claim(ctx2, "p", "w", "wg1", "w1", 5)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claims) != 0 {
		t.Fatalf("expected no claims while quarantined, got %d", len(claims))
	}
}

func TestReclaimAdvancesTakenUntil(t *testing.T) {
	ctx := context.Background()
	c, s, _ := newHarness()
	putPendingTask(t, ctx, s, c.aq, "T1")
	claims, err := c.Claim(ctx, "p", "w", "wg1", "w1", 5)
	if err != nil || len(claims) != 1 {
		t.Fatalf("setup claim failed: %v %d", err, len(claims))
	}
	newUntil := claims[0].TakenUntil.Add(time.Minute)
	reclaimed, err := c.Reclaim(ctx, "T1", 0, newUntil)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if !reclaimed.TakenUntil.Equal(newUntil) {
		t.Fatalf("expected takenUntil advanced to %v, got %v", newUntil, reclaimed.TakenUntil)
	}
}

func TestReclaimRejectsNonAdvancingTakenUntil(t *testing.T) {
	ctx := context.Background()
	c, s, _ := newHarness()
	putPendingTask(t, ctx, s, c.aq, "T1")
	claims, err := c.Claim(ctx, "p", "w", "wg1", "w1", 5)
	if err != nil || len(claims) != 1 {
		t.Fatalf("setup claim failed: %v %d", err, len(claims))
	}
	if _, err := c.Reclaim(ctx, "T1", 0, claims[0].TakenUntil.Add(-time.Second)); err == nil {
		t.Fatalf("expected conflict for non-advancing reclaim")
	}
}
