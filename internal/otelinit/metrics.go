package otelinit

import (
	"context"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc"
)

// Metrics holds the common instruments shared across components.
type Metrics struct {
	RetryAttempts          metric.Int64Counter
	CircuitOpenTransitions metric.Int64Counter
	StoreReadLatency       metric.Float64Histogram
	StoreWriteLatency      metric.Float64Histogram
	QueueDepth             metric.Int64UpDownCounter
	ClaimLatency           metric.Float64Histogram
	ResolverCycles         metric.Int64Counter
}

// InitMetrics sets up a global OTLP metrics exporter (push). Returns a
// shutdown function.
func InitMetrics(ctx context.Context, service string) (shutdown func(context.Context) error, m Metrics) {
	res, _ := sdkresource.Merge(sdkresource.Default(), sdkresource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(service),
		attribute.String("service", service),
	))
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT")
	if endpoint == "" {
		endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	if endpoint == "" {
		endpoint = "localhost:4317"
	}
	ctxInit, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	exp, err := otlpmetricgrpc.New(ctxInit,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithDialOption(grpc.WithInsecure()),
	)
	if err != nil {
		slog.Warn("metrics exporter init failed", "error", err)
		return func(context.Context) error { return nil }, createCommonInstruments()
	}
	reader := sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(10*time.Second))
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res))
	otel.SetMeterProvider(mp)
	slog.Info("metrics initialized", "endpoint", endpoint)
	return mp.Shutdown, createCommonInstruments()
}

func createCommonInstruments() Metrics {
	meter := otel.Meter("taskqueue")
	retry, _ := meter.Int64Counter("taskqueue_resilience_retry_attempts_total")
	circuit, _ := meter.Int64Counter("taskqueue_resilience_circuit_open_total")
	readLat, _ := meter.Float64Histogram("taskqueue_store_read_ms")
	writeLat, _ := meter.Float64Histogram("taskqueue_store_write_ms")
	depth, _ := meter.Int64UpDownCounter("taskqueue_queue_depth")
	claimLat, _ := meter.Float64Histogram("taskqueue_claim_latency_ms")
	resolverCycles, _ := meter.Int64Counter("taskqueue_resolver_cycles_total")
	return Metrics{
		RetryAttempts:          retry,
		CircuitOpenTransitions: circuit,
		StoreReadLatency:       readLat,
		StoreWriteLatency:      writeLat,
		QueueDepth:             depth,
		ClaimLatency:           claimLat,
		ResolverCycles:         resolverCycles,
	}
}
