package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/taskqueue/engine/internal/resilience"
)

var propagator = propagation.TraceContext{}

// NATSBus is a core-NATS (non-JetStream) EventBus, generalizing
// natsctx.go's trace-context-propagating Publish into a topic bus with
// CC-key fan-out. JetStream is deliberately not used here: §4.3 delivery
// is at-least-once best-effort, and the per-subject durable consumers
// JetStream would require are unneeded overhead for a fire-and-forget
// notification channel.
type NATSBus struct {
	nc      *nats.Conn
	breaker *resilience.CircuitBreaker
}

// NewNATSBus connects to url and returns a ready EventBus.
func NewNATSBus(url string) (*NATSBus, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	breaker := resilience.NewCircuitBreakerAdaptive(30*time.Second, 6, 5, 0.5, 10*time.Second, 3)
	return &NATSBus{nc: nc, breaker: breaker}, nil
}

func subjectFor(topic, routingKey string) string {
	return topic + "." + routingKey
}

func (b *NATSBus) publishOne(ctx context.Context, subject string, payload []byte) error {
	hdr := nats.Header{}
	carrier := propagation.HeaderCarrier(hdr)
	propagator.Inject(ctx, carrier)
	msg := &nats.Msg{Subject: subject, Data: payload, Header: hdr}
	if !b.breaker.Allow() {
		return fmt.Errorf("publish %s: nats circuit breaker open", subject)
	}
	err := b.nc.PublishMsg(msg)
	b.breaker.RecordResult(err == nil)
	return err
}

// Publish publishes ev.Payload on the topic's primary-routing-key
// subject, then republishes on `<topic>.route.<r>` for every CC route in
// ev.RoutingKey.Routes — NATS core has no AMQP-style CC header, so each
// extra route is a distinct best-effort publish rather than a header on
// the single message (see SPEC_FULL.md §9's adaptation note).
func (b *NATSBus) Publish(ctx context.Context, ev Event) error {
	tr := otel.Tracer("taskqueue-bus")
	ctx, span := tr.Start(ctx, "bus.publish", trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()

	primary := subjectFor(ev.Topic, ev.RoutingKey.Primary())
	if err := b.publishOne(ctx, primary, ev.Payload); err != nil {
		return fmt.Errorf("publish %s: %w", primary, err)
	}
	for _, r := range ev.RoutingKey.Routes {
		ccSubject := fmt.Sprintf("%s.route.%s", ev.Topic, r)
		if err := b.publishOne(ctx, ccSubject, ev.Payload); err != nil {
			return fmt.Errorf("publish cc %s: %w", ccSubject, err)
		}
	}
	return nil
}

// Close closes the underlying NATS connection without draining it first.
func (b *NATSBus) Close() error {
	b.nc.Close()
	return nil
}

// Subscribe wraps nc.Subscribe the way natsctx.go does, extracting trace
// context per message and starting a consumer-kind child span before
// invoking handler. Exposed for test harnesses and future out-of-scope
// notification adapters that need to observe bus traffic directly.
func (b *NATSBus) Subscribe(subject string, handler func(context.Context, *nats.Msg)) (*nats.Subscription, error) {
	return b.nc.Subscribe(subject, func(m *nats.Msg) {
		carrier := propagation.HeaderCarrier(m.Header)
		ctx := propagator.Extract(context.Background(), carrier)
		tr := otel.Tracer("taskqueue-bus")
		ctx, span := tr.Start(ctx, "bus.consume", trace.WithSpanKind(trace.SpanKindConsumer))
		defer span.End()
		handler(ctx, m)
	})
}
