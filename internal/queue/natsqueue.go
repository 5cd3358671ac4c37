package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/taskqueue/engine/internal/model"
	"github.com/taskqueue/engine/internal/resilience"
)

// errBreakerOpen is returned in place of a NATS round trip while the
// per-queue circuit breaker is tripped, so callers see a plain error
// (retryable by resilience.Retry upstream) rather than blocking on a
// connection known to be unhealthy.
var errBreakerOpen = errors.New("nats circuit breaker open")

// newNATSBreaker returns a breaker sized for a single NATS request path:
// a 30s window in six 5s buckets, opening once at least 5 samples show a
// 50% failure rate, probing again after 10s.
func newNATSBreaker() *resilience.CircuitBreaker {
	return resilience.NewCircuitBreakerAdaptive(30*time.Second, 6, 5, 0.5, 10*time.Second, 3)
}

// guarded runs fn behind the breaker: a request is refused outright while
// the breaker is open, and every attempt's outcome feeds back into the
// breaker's rolling failure rate.
func guarded(b *resilience.CircuitBreaker, fn func() error) error {
	if b != nil && !b.Allow() {
		return errBreakerOpen
	}
	err := fn()
	if b != nil {
		b.RecordResult(err == nil)
	}
	return err
}

// natsQueue is a durable FIFO backed by a JetStream pull consumer. A
// message's AckWait models the visibility timeout: Fetch locks it for
// AckWait, Ack deletes it, and a message that is neither Acked nor Nak'd
// within AckWait is redelivered automatically — exactly the
// at-least-once, advisory-only delivery §4.2 asks for.
type natsQueue struct {
	js      nats.JetStreamContext
	stream  string
	subject string

	mu          sync.Mutex
	subs        map[time.Duration]*nats.Subscription // one pull subscription per distinct AckWait in use
	pendingAcks map[string]*nats.Msg

	breaker *resilience.CircuitBreaker

	lastCountAt time.Time
	lastCount   int
}

func subjectForQueueName(name string) string {
	return strings.ReplaceAll(name, "/", ".")
}

func newNATSQueue(js nats.JetStreamContext, stream, queueName string) (*natsQueue, error) {
	subject := subjectForQueueName(queueName)
	durable := strings.ReplaceAll(subject, ".", "_")
	_, err := js.AddConsumer(stream, &nats.ConsumerConfig{
		Durable:       durable,
		FilterSubject: subject,
		AckPolicy:     nats.AckExplicitPolicy,
		AckWait:       time.Minute,
		DeliverPolicy: nats.DeliverAllPolicy,
	})
	if err != nil && !strings.Contains(err.Error(), "already") {
		return nil, fmt.Errorf("add consumer %s: %w", durable, err)
	}
	return &natsQueue{js: js, stream: stream, subject: subject, subs: make(map[time.Duration]*nats.Subscription), pendingAcks: make(map[string]*nats.Msg), breaker: newNATSBreaker()}, nil
}

func (q *natsQueue) subFor(visibilityTimeout time.Duration) (*nats.Subscription, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if sub, ok := q.subs[visibilityTimeout]; ok {
		return sub, nil
	}
	durable := strings.ReplaceAll(q.subject, ".", "_")
	sub, err := q.js.PullSubscribe(q.subject, durable,
		nats.AckWait(visibilityTimeout),
		nats.ManualAck(),
	)
	if err != nil {
		return nil, err
	}
	q.subs[visibilityTimeout] = sub
	return sub, nil
}

func (q *natsQueue) Put(ctx context.Context, payload []byte, visibleAt time.Time) error {
	delay := time.Until(visibleAt)
	if delay <= 0 {
		return guarded(q.breaker, func() error {
			_, err := q.js.Publish(q.subject, payload)
			return err
		})
	}
	// JetStream has no native delayed-publish; approximate by sleeping in
	// a detached goroutine bounded by the caller's visibleAt horizon. The
	// pending/claim/deadline semantics tolerate the slack because every
	// handler re-reads the Store row before acting. Not crash-durable: a
	// process restart before delay elapses drops this publish, same as
	// any other in-process timer. A production NATS deployment should
	// replace this with JetStream's native scheduled-message delivery
	// (msg.Nats.Expected.* headers / NATS 2.10+ delayed delivery) once
	// the pinned client exposes it, rather than relying on this goroutine.
	go func() {
		time.Sleep(delay)
		_ = guarded(q.breaker, func() error {
			_, err := q.js.Publish(q.subject, payload)
			return err
		})
	}()
	return nil
}

func (q *natsQueue) Receive(ctx context.Context, maxMessages int, visibilityTimeout time.Duration) ([]Message, error) {
	sub, err := q.subFor(visibilityTimeout)
	if err != nil {
		return nil, err
	}
	var msgs []*nats.Msg
	err = guarded(q.breaker, func() error {
		var fetchErr error
		msgs, fetchErr = sub.Fetch(maxMessages, nats.MaxWait(100*time.Millisecond))
		if fetchErr == nats.ErrTimeout {
			return nil
		}
		return fetchErr
	})
	if err != nil {
		return nil, err
	}
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		meta, _ := m.Metadata()
		receipt := m.Reply
		if meta != nil {
			receipt = fmt.Sprintf("%s|%d|%d", q.subject, meta.Sequence.Stream, meta.Sequence.Consumer)
		}
		out = append(out, Message{
			Payload:      m.Data,
			Receipt:      receipt,
			VisibleUntil: time.Now().Add(visibilityTimeout),
		})
		q.mu.Lock()
		q.pendingAcks[receipt] = m
		q.mu.Unlock()
	}
	return out, nil
}

func (q *natsQueue) Delete(ctx context.Context, receipt string) error {
	q.mu.Lock()
	m, ok := q.pendingAcks[receipt]
	delete(q.pendingAcks, receipt)
	q.mu.Unlock()
	if !ok {
		return nil
	}
	return guarded(q.breaker, func() error { return m.Ack() })
}

func (q *natsQueue) Count(ctx context.Context) (int, error) {
	q.mu.Lock()
	if time.Since(q.lastCountAt) < model.PendingCountCacheTTL {
		defer q.mu.Unlock()
		return q.lastCount, nil
	}
	q.mu.Unlock()

	durable := strings.ReplaceAll(q.subject, ".", "_")
	var info *nats.ConsumerInfo
	err := guarded(q.breaker, func() error {
		var infoErr error
		info, infoErr = q.js.ConsumerInfo(q.stream, durable)
		return infoErr
	})
	if err != nil {
		return 0, err
	}
	count := int(info.NumPending) + info.NumAckPending

	q.mu.Lock()
	q.lastCount = count
	q.lastCountAt = time.Now()
	q.mu.Unlock()
	return count, nil
}

// NATSAdvisoryQueue vends per-name natsQueue instances over a single
// JetStream-backed stream, named the way natsctx.go names its subjects:
// dot-separated, with trace context riding along on NATS message headers
// for publishes made through Publish (delivery-path metadata; the
// dispatch payload itself stays a plain JSON body).
type NATSAdvisoryQueue struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	stream string

	mu     sync.Mutex
	queues map[string]*natsQueue
}

// NewNATSAdvisoryQueue connects to url, ensures the backing stream exists,
// and returns a ready AdvisoryQueue.
func NewNATSAdvisoryQueue(url, stream string) (*NATSAdvisoryQueue, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}
	_, err = js.AddStream(&nats.StreamConfig{
		Name:     stream,
		Subjects: []string{"pending.>", "claim-expiration", "deadline", "resolved"},
	})
	if err != nil && !strings.Contains(err.Error(), "already") {
		nc.Close()
		return nil, fmt.Errorf("add stream: %w", err)
	}
	return &NATSAdvisoryQueue{nc: nc, js: js, stream: stream, queues: make(map[string]*natsQueue)}, nil
}

func (a *NATSAdvisoryQueue) named(name string) *natsQueue {
	a.mu.Lock()
	defer a.mu.Unlock()
	if q, ok := a.queues[name]; ok {
		return q
	}
	q, err := newNATSQueue(a.js, a.stream, name)
	if err != nil {
		// Surfacing a constructor error through this vend-by-name API
		// would change every call site; the fallback queue below shares
		// the JetStream context but skipped AddConsumer, so any problem
		// shows up only when a later Put/Receive/Count fails in JetStream.
		q = &natsQueue{js: a.js, stream: a.stream, subject: subjectForQueueName(name), subs: make(map[time.Duration]*nats.Subscription), pendingAcks: make(map[string]*nats.Msg), breaker: newNATSBreaker()}
	}
	a.queues[name] = q
	return q
}

func (a *NATSAdvisoryQueue) Pending(provisionerID, workerType string, priority model.Priority) Queue {
	return a.named(PendingName(provisionerID, workerType, priority))
}
func (a *NATSAdvisoryQueue) ClaimExpiration() Queue { return a.named("claim-expiration") }
func (a *NATSAdvisoryQueue) Deadline() Queue        { return a.named("deadline") }
func (a *NATSAdvisoryQueue) Resolved() Queue        { return a.named("resolved") }

// Close closes the underlying NATS connection without draining it first.
func (a *NATSAdvisoryQueue) Close() error {
	a.nc.Close()
	return nil
}
