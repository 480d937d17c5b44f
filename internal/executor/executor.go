// Package executor implements the Stage Executor (C6): it runs exactly one
// stage of one Job, racing the worker's result against a deadline and an
// external cancellation signal, then validates declared output artifacts.
package executor

import (
	"context"
	"time"

	"github.com/arclight/paperforge/internal/apperrors"
	"github.com/arclight/paperforge/internal/domain/job"
	"github.com/arclight/paperforge/internal/registry"
	"github.com/arclight/paperforge/internal/stage"
)

// Result is what the Orchestrator consumes to decide the next transition.
type Result struct {
	StageID       string
	Output        stage.Output
	Err           *apperrors.StageErr
	Duration      time.Duration
	ResourceClass string
}

type Executor struct {
	reg *registry.Registry
}

func New(reg *registry.Registry) *Executor {
	return &Executor{reg: reg}
}

// Run executes j's current stage at the given fallback index and attempt
// number, enforcing timeout and cooperative cancellation (SPEC_FULL.md §4.6).
func (e *Executor) Run(ctx context.Context, j *job.Job, stageID string, fallbackIndex, attempt int, timeoutOverride time.Duration) Result {
	entry, ok := e.reg.Get(stageID)
	if !ok {
		return Result{StageID: stageID, Err: apperrors.NewStageErr(apperrors.KindInternal, "unknown stage "+stageID, false, false)}
	}
	worker, err := e.reg.Resolve(stageID, fallbackIndex)
	if err != nil {
		return Result{StageID: stageID, Err: apperrors.NewStageErr(apperrors.KindInternal, err.Error(), false, false)}
	}

	timeout := e.reg.Timeout(stageID, fallbackIndex, timeoutOverride)
	deadline := time.Now().Add(timeout)

	runCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	in := stage.Input{
		JobID:         j.ID,
		StageID:       stageID,
		Options:       j.Options,
		Deadline:      deadline,
		Attempt:       attempt,
		FallbackIndex: fallbackIndex,
	}
	in.InputArtifacts = resolveInputArtifacts(j, entry)

	type runOutcome struct {
		out stage.Output
		err *apperrors.StageErr
	}
	done := make(chan runOutcome, 1)
	start := time.Now()

	go func() {
		out, serr := worker.Run(runCtx, in)
		select {
		case done <- runOutcome{out, serr}:
		default:
		}
	}()

	select {
	case oc := <-done:
		dur := time.Since(start)
		if oc.err != nil {
			return Result{StageID: stageID, Err: oc.err, Duration: dur, ResourceClass: entry.ResourceClass}
		}
		if verr := e.reg.ValidateOutputs(stageID, oc.out.OutputArtifacts); verr != nil {
			return Result{StageID: stageID, Err: apperrors.ContractViolation(stageID, verr.Error()), Duration: dur, ResourceClass: entry.ResourceClass}
		}
		return Result{StageID: stageID, Output: oc.out, Duration: dur, ResourceClass: entry.ResourceClass}
	case <-runCtx.Done():
		dur := time.Since(start)
		if ctx.Err() != nil {
			// parent context cancelled: an external cancellation request
			return Result{StageID: stageID, Err: apperrors.Cancelled(stageID), Duration: dur, ResourceClass: entry.ResourceClass}
		}
		return Result{StageID: stageID, Err: apperrors.Timeout(stageID), Duration: dur, ResourceClass: entry.ResourceClass}
	}
}

func resolveInputArtifacts(j *job.Job, entry *registry.Entry) map[string]string {
	in := map[string]string{}
	for _, k := range entry.InputKeys {
		if ref, ok := j.Artifacts[k]; ok {
			in[k] = ref
		}
	}
	return in
}
