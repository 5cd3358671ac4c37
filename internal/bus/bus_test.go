package bus

import (
	"context"
	"testing"
)

func TestRoutingKeyPrimaryPlaceholders(t *testing.T) {
	k := RoutingKey{TaskID: "T1", ProvisionerID: "aws-provisioner", WorkerType: "build"}
	got := k.Primary()
	want := "T1._._._.aws-provisioner.build._._.#"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestMemBusRecordsEventsInOrder(t *testing.T) {
	b := NewMemBus()
	ctx := context.Background()
	k := RoutingKey{TaskID: "T1"}
	if err := b.Publish(ctx, Event{Topic: TopicTaskDefined, RoutingKey: k, Payload: []byte("1")}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := b.Publish(ctx, Event{Topic: TopicTaskPending, RoutingKey: k, Payload: []byte("2")}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	events := b.Events()
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Topic != TopicTaskDefined || events[1].Topic != TopicTaskPending {
		t.Fatalf("unexpected event order: %+v", events)
	}
}

func TestMemBusEventsOnTopic(t *testing.T) {
	b := NewMemBus()
	ctx := context.Background()
	k := RoutingKey{TaskID: "T1"}
	_ = b.Publish(ctx, Event{Topic: TopicTaskDefined, RoutingKey: k})
	_ = b.Publish(ctx, Event{Topic: TopicTaskCompleted, RoutingKey: k})
	_ = b.Publish(ctx, Event{Topic: TopicTaskDefined, RoutingKey: k})
	onDefined := b.EventsOnTopic(TopicTaskDefined)
	if len(onDefined) != 2 {
		t.Fatalf("expected 2 task-defined events, got %d", len(onDefined))
	}
}
