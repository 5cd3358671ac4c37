// Command taskqueued wires and runs the dispatch engine: the Store,
// AdvisoryQueue, EventBus, and the TaskLifecycle/DependencyTracker/
// WorkClaimer/Resolvers/WorkerRegistry/GC components built on top of
// them. Structured the way services/orchestrator/main.go wires its own
// process: logging/tracing/metrics init, component construction,
// signal.NotifyContext-driven graceful shutdown.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/taskqueue/engine/internal/authz"
	"github.com/taskqueue/engine/internal/bus"
	"github.com/taskqueue/engine/internal/claimer"
	"github.com/taskqueue/engine/internal/config"
	"github.com/taskqueue/engine/internal/dependency"
	"github.com/taskqueue/engine/internal/ids"
	"github.com/taskqueue/engine/internal/lifecycle"
	"github.com/taskqueue/engine/internal/logging"
	"github.com/taskqueue/engine/internal/maintenance"
	"github.com/taskqueue/engine/internal/otelinit"
	"github.com/taskqueue/engine/internal/queue"
	"github.com/taskqueue/engine/internal/registry"
	"github.com/taskqueue/engine/internal/resilience"
	"github.com/taskqueue/engine/internal/resolvers"
	"github.com/taskqueue/engine/internal/store"
)

const service = "taskqueued"

func main() {
	logging.Init(service)
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := otelinit.InitTracer(ctx, service)
	shutdownMetrics, _ := otelinit.InitMetrics(ctx, service)

	cfg := config.FromEnv(config.Default())

	s, closeStore, err := openStore(cfg)
	if err != nil {
		slog.Error("open store failed", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	aq, closeQueue, err := openQueue(cfg)
	if err != nil {
		slog.Error("open queue failed", "error", err)
		os.Exit(1)
	}
	defer closeQueue()

	b, closeBus, err := openBus(cfg)
	if err != nil {
		slog.Error("open bus failed", "error", err)
		os.Exit(1)
	}
	defer closeBus()

	auth, err := openAuthChecker(ctx, cfg)
	if err != nil {
		slog.Error("open authz failed", "error", err)
		os.Exit(1)
	}

	dep := dependency.New(s, aq, b)
	lc := lifecycle.New(s, aq, b, dep, auth, cfg.TaskGroupExpiresExtend)

	reg := registry.New()
	secret := cfg.JWTSigningSecret
	if secret == "" {
		slog.Warn("no JWT signing secret configured, generating an ephemeral one for this process")
		secret = ephemeralSecret()
	}
	minter := claimer.NewCredentialMinter(secret, service)
	limiter := resilience.NewRateLimiter(50, 10, time.Second, 200)
	cl := claimer.New(s, aq, b, reg, minter, limiter, cfg.ClaimTimeout)

	res := resolvers.New(s, aq, b, dep, slog.Default(), resolvers.Batches{
		ClaimExpiration: cfg.ClaimExpirationBatch,
		Deadline:        cfg.DeadlineBatch,
		Resolved:        cfg.ResolvedBatch,
	})
	go res.Run(ctx, 2*time.Second)

	gc := maintenance.New(s, slog.Default())
	if err := gc.Schedule("0 */10 * * * *"); err != nil {
		slog.Error("schedule maintenance GC failed", "error", err)
		os.Exit(1)
	}
	gc.Start()

	// lc and cl are the operation surface (task lifecycle calls and worker
	// claim calls): this process has no RPC/HTTP transport of its own, so
	// an embedding program drives them directly as a library. Keeping them
	// constructed here, rather than in each caller, means every caller
	// shares one Store/AdvisoryQueue/EventBus/DependencyTracker wiring.
	server := &Server{Lifecycle: lc, Claimer: cl}
	_ = server

	slog.Info("taskqueued started", "storePath", cfg.StorePath, "natsUrl", cfg.NATSURL)
	<-ctx.Done()
	slog.Info("shutdown initiated")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := gc.Stop(shutdownCtx); err != nil {
		slog.Warn("maintenance GC stop timed out", "error", err)
	}
	otelinit.Flush(shutdownCtx, shutdownTrace)
	_ = shutdownMetrics(shutdownCtx)
	slog.Info("shutdown complete")
}

// Server bundles the two operation-surface components an embedding
// program calls into: task lifecycle operations and worker claim
// operations. taskqueued itself only keeps the background resolvers and
// maintenance GC running; it does not expose Server over any transport.
type Server struct {
	Lifecycle *lifecycle.Lifecycle
	Claimer   *claimer.Claimer
}

func openStore(cfg config.Config) (store.Store, func(), error) {
	if cfg.StorePath == "" || cfg.StorePath == ":memory:" {
		s := store.NewMemStore()
		return s, func() { _ = s.Close() }, nil
	}
	if err := os.MkdirAll(cfg.StorePath, 0o755); err != nil {
		return nil, nil, err
	}
	meter := otel.GetMeterProvider().Meter("taskqueue-store")
	s, err := store.NewBoltStore(cfg.StorePath, meter)
	if err != nil {
		return nil, nil, err
	}
	return s, func() { _ = s.Close() }, nil
}

func openQueue(cfg config.Config) (queue.AdvisoryQueue, func(), error) {
	if cfg.NATSURL == "" {
		aq := queue.NewMemAdvisoryQueue()
		return aq, func() {}, nil
	}
	aq, err := queue.NewNATSAdvisoryQueue(cfg.NATSURL, "TASKQUEUE")
	if err != nil {
		return nil, nil, err
	}
	return aq, func() { _ = aq.Close() }, nil
}

func openBus(cfg config.Config) (bus.EventBus, func(), error) {
	if cfg.NATSURL == "" {
		b := bus.NewMemBus()
		return b, func() { _ = b.Close() }, nil
	}
	b, err := bus.NewNATSBus(cfg.NATSURL)
	if err != nil {
		return nil, nil, err
	}
	return b, func() { _ = b.Close() }, nil
}

func openAuthChecker(ctx context.Context, cfg config.Config) (lifecycle.AuthChecker, error) {
	policyDir := os.Getenv("TASKQUEUE_POLICY_DIR")
	checker, err := authz.NewOPAChecker(ctx, policyDir)
	if err != nil {
		return nil, err
	}
	return checker, nil
}

// ephemeralSecret generates a process-lifetime-only credential signing
// key when no TASKQUEUE_JWT_SECRET is configured, so a single-process
// development run still mints valid credentials.
func ephemeralSecret() string {
	id, err := ids.NewSlug()
	if err != nil {
		return service + "-fallback-secret"
	}
	return id
}
