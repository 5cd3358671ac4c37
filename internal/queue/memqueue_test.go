package queue

import (
	"context"
	"testing"
	"time"
)

func TestMemQueuePutReceiveDelete(t *testing.T) {
	ctx := context.Background()
	q := newMemQueue()
	if err := q.Put(ctx, []byte("hello"), time.Now()); err != nil {
		t.Fatalf("put: %v", err)
	}
	msgs, err := q.Receive(ctx, 10, time.Minute)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(msgs) != 1 || string(msgs[0].Payload) != "hello" {
		t.Fatalf("unexpected messages: %+v", msgs)
	}
	// Second receive should not redeliver while locked.
	again, err := q.Receive(ctx, 10, time.Minute)
	if err != nil {
		t.Fatalf("receive again: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected no redelivery while locked, got %d", len(again))
	}
	if err := q.Delete(ctx, msgs[0].Receipt); err != nil {
		t.Fatalf("delete: %v", err)
	}
}

func TestMemQueueVisibilityTimeoutRedelivers(t *testing.T) {
	ctx := context.Background()
	q := newMemQueue()
	_ = q.Put(ctx, []byte("x"), time.Now())
	first, _ := q.Receive(ctx, 1, 10*time.Millisecond)
	if len(first) != 1 {
		t.Fatalf("expected 1 message, got %d", len(first))
	}
	time.Sleep(20 * time.Millisecond)
	second, _ := q.Receive(ctx, 1, time.Minute)
	if len(second) != 1 {
		t.Fatalf("expected redelivery after visibility timeout, got %d", len(second))
	}
}

func TestMemQueueNotVisibleBeforeDeliveryTime(t *testing.T) {
	ctx := context.Background()
	q := newMemQueue()
	_ = q.Put(ctx, []byte("future"), time.Now().Add(time.Hour))
	msgs, _ := q.Receive(ctx, 10, time.Minute)
	if len(msgs) != 0 {
		t.Fatalf("expected no messages before visibleAt, got %d", len(msgs))
	}
}

func TestPendingNameIncludesPriority(t *testing.T) {
	name := PendingName("aws-provisioner", "build-worker", "highest")
	want := "pending/aws-provisioner/build-worker/highest"
	if name != want {
		t.Fatalf("expected %q, got %q", want, name)
	}
}
