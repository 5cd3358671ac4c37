// Package bus implements the §4.3 EventBus: topic publish of task
// transitions with a structured routing key, generalized from
// natsctx.go's trace-propagating publish/subscribe helpers. Delivery is
// at-least-once best-effort; subscribers must tolerate duplicates and
// out-of-order delivery across different tasks.
package bus

import (
	"context"
	"strings"
)

// Topic names §4.3 defines.
const (
	TopicTaskDefined       = "task-defined"
	TopicTaskPending       = "task-pending"
	TopicTaskRunning       = "task-running"
	TopicTaskCompleted     = "task-completed"
	TopicTaskFailed        = "task-failed"
	TopicTaskException     = "task-exception"
	TopicTaskGroupResolved = "task-group-resolved"
	TopicArtifactCreated   = "artifact-created"
)

// RoutingKey carries the fields §4.3 lists, joined by dots with "_"
// placeholders for absent fields, plus the CC routes a task definition
// names in task.routes.
type RoutingKey struct {
	TaskID        string
	RunID         string // numeric run index, or "_" when not applicable
	WorkerGroup   string
	WorkerID      string
	ProvisionerID string
	WorkerType    string
	SchedulerID   string
	TaskGroupID   string
	Routes        []string
}

func placeholder(s string) string {
	if s == "" {
		return "_"
	}
	return s
}

// Primary renders the primary routing key: a dot-joined sequence of the
// fields in §4.3 order, with a trailing reserved "#" segment always
// present so consumers can subscribe on a fixed-arity wildcard.
func (k RoutingKey) Primary() string {
	parts := []string{
		placeholder(k.TaskID),
		placeholder(k.RunID),
		placeholder(k.WorkerGroup),
		placeholder(k.WorkerID),
		placeholder(k.ProvisionerID),
		placeholder(k.WorkerType),
		placeholder(k.SchedulerID),
		placeholder(k.TaskGroupID),
		"#",
	}
	return strings.Join(parts, ".")
}

// Event is one published message: the topic, its routing key, and the
// JSON-encoded wire payload matching the topic's schema.
type Event struct {
	Topic      string
	RoutingKey RoutingKey
	Payload    []byte
}

// EventBus publishes task-transition events. Publish must be called only
// after the Store write it reports on has committed (§5); callers are
// responsible for retrying failed publishes, the same capped
// exponential-backoff policy as every other Store/AdvisoryQueue call.
type EventBus interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}
