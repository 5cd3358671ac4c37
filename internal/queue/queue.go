// Package queue implements the §4.2 AdvisoryQueue: four named durable
// FIFO queues — seven per-priority pending buckets, claim-expiration,
// deadline, and resolved — with visibility-timeout semantics. Messages
// are hints; the Store row is always authoritative, so every handler must
// tolerate duplicate or stale delivery.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/taskqueue/engine/internal/model"
)

// Message is one delivered item: its payload, an opaque receipt used to
// delete or to detect staleness, and when its visibility lock expires.
type Message struct {
	Payload      []byte
	Receipt      string
	VisibleUntil time.Time
}

// Queue is a single named durable FIFO with visibility-timeout semantics.
type Queue interface {
	Put(ctx context.Context, payload []byte, visibleAt time.Time) error
	Receive(ctx context.Context, maxMessages int, visibilityTimeout time.Duration) ([]Message, error)
	Delete(ctx context.Context, receipt string) error
	Count(ctx context.Context) (int, error)
}

// AdvisoryQueue names and vends the fixed queue set §4.2 requires:
// per-(provisioner,workerType,priority) pending queues plus the three
// shared claim-expiration/deadline/resolved queues.
type AdvisoryQueue interface {
	Pending(provisionerID, workerType string, priority model.Priority) Queue
	ClaimExpiration() Queue
	Deadline() Queue
	Resolved() Queue
}

// PendingName builds the queue name pending/<provisionerId>/<workerType>/<priority>.
func PendingName(provisionerID, workerType string, priority model.Priority) string {
	return fmt.Sprintf("pending/%s/%s/%s", provisionerID, workerType, priority)
}

// PendingPayload is the JSON wire shape of a pending-queue message.
type PendingPayload struct {
	TaskID string `json:"taskId"`
	RunID  int    `json:"runId"`
	HintID string `json:"hintId,omitempty"`
}

// ClaimPayload is the JSON wire shape of a claim-expiration message.
type ClaimPayload struct {
	TaskID     string    `json:"taskId"`
	RunID      int       `json:"runId"`
	TakenUntil time.Time `json:"takenUntil"`
}

// DeadlinePayload is the JSON wire shape of a deadline message.
type DeadlinePayload struct {
	TaskID   string    `json:"taskId"`
	Deadline time.Time `json:"deadline"`
}

// ResolvedPayload is the JSON wire shape of a resolved-queue message.
type ResolvedPayload struct {
	TaskID      string            `json:"taskId"`
	TaskGroupID string            `json:"taskGroupId"`
	SchedulerID string            `json:"schedulerId"`
	Resolution  model.Resolution  `json:"resolution"`
}
