// Package orchestrator implements the Orchestrator (C7): the state machine
// that consumes a Stage Executor result under lease and decides the next
// StageState/Job transition via the Retry Policy Engine, writing it back
// through the Job Store with optimistic concurrency.
package orchestrator

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/arclight/paperforge/internal/apperrors"
	"github.com/arclight/paperforge/internal/domain/job"
	"github.com/arclight/paperforge/internal/executor"
	"github.com/arclight/paperforge/internal/observability"
	"github.com/arclight/paperforge/internal/pkg/logger"
	"github.com/arclight/paperforge/internal/platform/config"
	"github.com/arclight/paperforge/internal/progressbus"
	"github.com/arclight/paperforge/internal/registry"
	"github.com/arclight/paperforge/internal/retrypolicy"
)

// CASStore is the subset of jobstore.Store the Orchestrator writes through.
type CASStore interface {
	CAS(ctx context.Context, j *job.Job, expectedUpdatedAt time.Time) error
}

type Orchestrator struct {
	store CASStore
	reg   *registry.Registry
	exec  *executor.Executor
	bus   *progressbus.Bus
	cfg   config.Engine
	log   *logger.Logger
	rng   retrypolicy.Rand
}

func New(store CASStore, reg *registry.Registry, exec *executor.Executor, bus *progressbus.Bus, cfg config.Engine, baseLog *logger.Logger) *Orchestrator {
	return &Orchestrator{
		store: store,
		reg:   reg,
		exec:  exec,
		bus:   bus,
		cfg:   cfg,
		log:   baseLog.With("component", "orchestrator"),
	}
}

// WithRand injects a deterministic jitter source for tests.
func (o *Orchestrator) WithRand(rng retrypolicy.Rand) *Orchestrator {
	o.rng = rng
	return o
}

// Handle drives a single claimed Job's current stage to its next transition.
// It is the scheduler.Handler the Scheduler invokes once a Job is claimed
// RUNNING. j is a snapshot taken at claim time; Handle always CASes back
// against j.UpdatedAt and swallows ErrConflict (the decision is simply lost
// to whichever writer won; the Job will be reclaimed on its next READY tick).
func (o *Orchestrator) Handle(ctx context.Context, j *job.Job) {
	stageID := j.CurrentStage
	ctx, span := observability.Tracer.Start(ctx, "orchestrator.Handle",
		oteltrace.WithAttributes(
			attribute.String("job_id", j.ID.String()),
			attribute.String("stage_id", stageID),
		),
	)
	defer span.End()

	ss := j.EnsureStage(stageID)
	expected := j.UpdatedAt

	result := o.exec.Run(ctx, j, stageID, ss.FallbackIndex, ss.Attempts, o.stageTimeoutOverride(j, stageID))

	oldPhase := ss.Phase
	now := time.Now()

	if result.Err == nil {
		ss.Phase = job.PhaseSucceeded
		ss.FinishedAt = &now
		ss.LastError = nil
		for k, ref := range result.Output.OutputArtifacts {
			j.PutArtifact(k, ref)
		}
		next := o.reg.Next(stageID)
		// Stages marked SKIPPED at submit time are terminal; step past them.
		for next != "" && j.EnsureStage(next).Phase == job.PhaseSkipped {
			next = o.reg.Next(next)
		}
		if next == "" {
			j.State = job.StateCompleted
		} else {
			nextSS := j.EnsureStage(next)
			nextSS.Phase = job.PhaseReady
			j.CurrentStage = next
		}
		o.commit(ctx, j, expected, stageID, oldPhase, ss.Phase, "")
		return
	}

	policy := retrypolicy.Policy{
		MaxAttempts:    o.maxAttempts(stageID),
		FallbackCount:  o.reg.FallbackCount(stageID) + 1,
		BackoffBase:    o.cfg.BackoffBase,
		BackoffCeiling: o.cfg.BackoffCeiling,
		Retryable:      func(k apperrors.Kind) bool { return o.reg.DeclaredRetryable(stageID, k) },
	}
	decision := retrypolicy.Decide(policy, ss.Attempts, ss.FallbackIndex, result.Err, j.AttemptBudget, o.rng)

	switch decision.Kind {
	case retrypolicy.Retry:
		ss.Phase = job.PhaseReady
		readyAt := now.Add(decision.Delay)
		ss.ReadyAt = &readyAt
		if result.Err.Kind != apperrors.KindLeaseLost {
			ss.Attempts++
			j.AttemptBudget--
		}
		ss.LastError = &job.StageErr{Kind: string(result.Err.Kind), Message: result.Err.Message}
	case retrypolicy.Fallback:
		ss.Phase = job.PhaseReady
		ss.FallbackIndex = decision.FallbackIndex
		ss.Attempts = 0
		ss.ReadyAt = nil
		ss.LastError = &job.StageErr{Kind: string(result.Err.Kind), Message: result.Err.Message}
	case retrypolicy.Fail, retrypolicy.GiveUp:
		ss.Phase = job.PhaseFailed
		ss.FinishedAt = &now
		ss.LastError = &job.StageErr{Kind: string(result.Err.Kind), Message: result.Err.Message}
		j.State = job.StateFailed
	}

	o.commit(ctx, j, expected, stageID, oldPhase, ss.Phase, result.Err.Message)
}

func (o *Orchestrator) commit(ctx context.Context, j *job.Job, expected time.Time, stageID string, oldPhase, newPhase job.Phase, errMsg string) {
	if err := o.store.CAS(ctx, j, expected); err != nil {
		if errors.Is(err, apperrors.ErrConflict) {
			o.log.Warn("lost CAS race, dropping this decision", "job_id", j.ID, "stage_id", stageID)
			return
		}
		o.log.Error("failed to persist orchestrator decision", "job_id", j.ID, "stage_id", stageID, "error", err)
		return
	}
	if o.bus != nil {
		_ = o.bus.Publish(ctx, progressbus.Event{
			JobID:    j.ID,
			StageID:  stageID,
			OldPhase: string(oldPhase),
			NewPhase: string(newPhase),
			Error:    errMsg,
		})
	}
}

// Cancel marks j CANCELLED and fails its current stage with CANCELLED. It
// does not signal an Executor run already in flight for j: that run goes on
// to completion, and its Handle's CAS against the pre-cancel updated_at then
// fails with ErrConflict, so its result is dropped.
func (o *Orchestrator) Cancel(ctx context.Context, j *job.Job) error {
	expected := j.UpdatedAt
	j.State = job.StateCancelled
	now := time.Now()
	if ss, ok := j.StageStates[j.CurrentStage]; ok && !ss.Phase.Terminal() {
		ss.Phase = job.PhaseFailed
		ss.FinishedAt = &now
		ss.LastError = &job.StageErr{Kind: string(apperrors.KindCancelled), Message: "job cancelled"}
	}
	if err := o.store.CAS(ctx, j, expected); err != nil {
		return err
	}
	if o.bus != nil {
		_ = o.bus.Publish(ctx, progressbus.Event{
			JobID:    j.ID,
			StageID:  j.CurrentStage,
			OldPhase: "RUNNING",
			NewPhase: "CANCELLED",
		})
	}
	return nil
}

func (o *Orchestrator) maxAttempts(stageID string) int {
	if o.cfg.MaxAttemptsPerStage > 0 {
		return o.cfg.MaxAttemptsPerStage
	}
	return 5
}

// stageTimeoutOverride resolves stageID's timeout override, preferring the
// submitting Job's own stage_timeouts option over the process-wide config
// (SPEC_FULL.md §6); executor.Run falls back to the Registry's declared
// timeout when this returns 0.
func (o *Orchestrator) stageTimeoutOverride(j *job.Job, stageID string) time.Duration {
	if secs, ok := j.Options.StageTimeouts[stageID]; ok && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if d, ok := o.cfg.StageTimeouts[stageID]; ok {
		return d
	}
	return 0
}
