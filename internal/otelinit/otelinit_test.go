package otelinit

import (
	"context"
	"testing"
)

func TestInitMetricsNoExporter(t *testing.T) {
	ctx := context.Background()
	shutdown, m := InitMetrics(ctx, "test-service")
	// Should provide instruments that can record without panic even when
	// no collector is reachable.
	m.RetryAttempts.Add(ctx, 1)
	m.CircuitOpenTransitions.Add(ctx, 1)
	m.QueueDepth.Add(ctx, 1)
	_ = shutdown(ctx)
}
