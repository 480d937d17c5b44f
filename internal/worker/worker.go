// Package worker wires the Scheduler, Orchestrator and crash-recovery
// reconciliation into one runnable process. It is deliberately thin: all
// scheduling policy lives in scheduler, all state-machine logic lives in
// orchestrator; this package only adds heartbeats, panic recovery, and the
// reconciliation ticker around them, the way the teacher's worker loop adds
// the same concerns around its handler dispatch.
package worker

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/arclight/paperforge/internal/domain/job"
	"github.com/arclight/paperforge/internal/pkg/logger"
	"github.com/arclight/paperforge/internal/platform/config"
	"github.com/arclight/paperforge/internal/registry"
	"github.com/arclight/paperforge/internal/scheduler"
)

// Store is the subset of jobstore.Store the worker loop needs directly
// (Scheduler and Orchestrator take the rest).
type Store interface {
	Heartbeat(ctx context.Context, id uuid.UUID) error
	ReconcileExpiredLeases(ctx context.Context, leaseTTL time.Duration) (int, error)
}

// Handler runs one claimed Job's current stage; orchestrator.Orchestrator.Handle
// satisfies this.
type Handler func(ctx context.Context, j *job.Job)

type Runner struct {
	store Store
	reg   *registry.Registry
	cfg   config.Engine
	log   *logger.Logger

	sched *scheduler.Scheduler
}

func New(store Store, schedStore scheduler.Store, reg *registry.Registry, handler Handler, cfg config.Engine, baseLog *logger.Logger) *Runner {
	log := baseLog.With("component", "worker.Runner")

	limits := scheduler.Limits{
		Global:       cfg.GlobalConcurrency,
		PerStage:     cfg.StageConcurrency,
		PerResource:  cfg.ResourceClassCaps,
		DefaultStage: 4,
		DefaultClass: 8,
	}

	wrapped := func(ctx context.Context, j *job.Job) {
		stopHB := startHeartbeat(ctx, store, j.ID, cfg.HeartbeatPeriod, log)
		defer stopHB()
		defer func() {
			if r := recover(); r != nil {
				log.Error("stage handler panic recovered", "job_id", j.ID, "panic", r)
			}
		}()
		handler(ctx, j)
	}

	return &Runner{
		store: store,
		reg:   reg,
		cfg:   cfg,
		log:   log,
		sched: scheduler.New(schedStore, reg, wrapped, limits, baseLog),
	}
}

// Run starts the scheduler poll loop and the lease-reconciliation ticker;
// it blocks until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	reconcileInterval := r.cfg.LeaseTTL / 2
	if reconcileInterval <= 0 {
		reconcileInterval = 30 * time.Second
	}
	go r.reconcileLoop(ctx, reconcileInterval)
	return r.sched.Run(ctx)
}

func (r *Runner) reconcileLoop(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := r.store.ReconcileExpiredLeases(ctx, r.cfg.LeaseTTL)
			if err != nil {
				r.log.Warn("lease reconciliation failed", "error", err)
				continue
			}
			if n > 0 {
				r.log.Info("reconciled expired leases", "count", n)
			}
		}
	}
}

func startHeartbeat(ctx context.Context, store Store, jobID uuid.UUID, period time.Duration, log *logger.Logger) func() {
	if period <= 0 {
		period = 20 * time.Second
	}
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(period)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				if err := store.Heartbeat(ctx, jobID); err != nil {
					log.Warn("heartbeat failed", "job_id", jobID, "error", err)
				}
			}
		}
	}()
	return func() { close(done) }
}
