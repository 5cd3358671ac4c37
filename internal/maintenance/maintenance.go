// Package maintenance runs the recurring housekeeping the core's
// row-per-entity Store accumulates over time: expired TaskGroup and
// TaskDependency rows outlive the tasks that created them and are never
// deleted by any request-path operation. Generalized from the teacher's
// scheduler.go — the same robfig/cron cron.New(cron.WithSeconds())
// scheduler that drove workflow schedules there drives fixed GC jobs
// here instead of user-configured ones.
package maintenance

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/taskqueue/engine/internal/store"
)

// GC periodically removes expired TaskGroup and TaskDependency rows.
type GC struct {
	store store.Store
	cron  *cron.Cron
	log   *slog.Logger
	batch int
}

// New returns a ready GC. log may be nil, in which case slog's default
// logger is used.
func New(s store.Store, log *slog.Logger) *GC {
	if log == nil {
		log = slog.Default()
	}
	return &GC{store: s, cron: cron.New(cron.WithSeconds()), log: log, batch: 256}
}

// Schedule registers the two GC jobs on spec, a standard six-field cron
// expression (e.g. "0 */5 * * * *" for every five minutes), and returns
// an error if spec doesn't parse.
func (g *GC) Schedule(spec string) error {
	_, err := g.cron.AddFunc(spec, func() { g.runOnce(context.Background()) })
	return err
}

// Start begins running scheduled jobs.
func (g *GC) Start() { g.cron.Start() }

// Stop blocks until any in-flight job finishes or ctx is canceled.
func (g *GC) Stop(ctx context.Context) error {
	stopCtx := g.cron.Stop()
	select {
	case <-stopCtx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *GC) runOnce(ctx context.Context) {
	now := time.Now()
	groups, err := g.sweepTaskGroups(ctx, now)
	if err != nil {
		g.log.Error("task group sweep failed", "error", err)
	} else if groups > 0 {
		g.log.Info("swept expired task groups", "count", groups)
	}
	deps, err := g.sweepDependencies(ctx, now)
	if err != nil {
		g.log.Error("dependency sweep failed", "error", err)
	} else if deps > 0 {
		g.log.Info("swept expired dependency edges", "count", deps)
	}
}

// sweepTaskGroups deletes every TaskGroup (and its member/active-set
// rows) whose expires has passed. A group's members and dependents may
// still reference tasks that themselves expire independently; this only
// reclaims the group bookkeeping, never a Task row itself (tasks are
// never deleted — §9's retention Non-goal).
func (g *GC) sweepTaskGroups(ctx context.Context, now time.Time) (int, error) {
	groups, err := g.store.ScanExpiredTaskGroups(ctx, now, g.batch)
	if err != nil {
		return 0, err
	}
	for _, group := range groups {
		if err := g.store.DeleteTaskGroupMembers(ctx, group.TaskGroupID); err != nil {
			return 0, err
		}
		if err := g.store.DeleteTaskGroup(ctx, group.TaskGroupID); err != nil {
			return 0, err
		}
	}
	return len(groups), nil
}

// sweepDependencies deletes every TaskDependency edge whose expires has
// passed. A doomed or resolved edge serves no further purpose once
// expired: resolveDependenciesOf only walks edges to fire a pending
// notification, and an expired edge's dependent has long since either
// scheduled or been doomed by some other path.
func (g *GC) sweepDependencies(ctx context.Context, now time.Time) (int, error) {
	edges, err := g.store.ScanExpiredDependencies(ctx, now, g.batch)
	if err != nil {
		return 0, err
	}
	for _, edge := range edges {
		if err := g.store.DeleteDependency(ctx, edge.DependentTaskID, edge.RequiredTaskID); err != nil {
			return 0, err
		}
	}
	return len(edges), nil
}
