package jobrun

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.temporal.io/sdk/activity"

	"github.com/arclight/paperforge/internal/apperrors"
	"github.com/arclight/paperforge/internal/data/repos/jobstore"
	"github.com/arclight/paperforge/internal/domain/job"
	"github.com/arclight/paperforge/internal/orchestrator"
	"github.com/arclight/paperforge/internal/pkg/logger"
)

// Activities bundles the dependencies the Tick activity needs. One Tick
// activity call runs the Job's current stage exactly once to completion (or
// failure/timeout), consulting the same Orchestrator state machine the
// in-process worker uses.
type Activities struct {
	Log   *logger.Logger
	Store *jobstore.Postgres
	Orch  *orchestrator.Orchestrator
}

// Tick loads jobID, runs its current stage once via the Orchestrator, and
// reports the resulting state. The workflow (workflow.go) loops this until
// the Job reaches a terminal state.
func (a *Activities) Tick(ctx context.Context, jobID string) (TickResult, error) {
	res := TickResult{JobID: strings.TrimSpace(jobID)}
	id, err := uuid.Parse(res.JobID)
	if err != nil {
		return res, fmt.Errorf("jobrun: invalid job_id %q", jobID)
	}

	j, err := a.Store.Get(ctx, id)
	if err != nil {
		return res, err
	}
	if j.State.Terminal() {
		res.State = string(j.State)
		res.Stage = j.CurrentStage
		return res, nil
	}

	ss, ok := j.StageStates[j.CurrentStage]
	if ok && ss.ReadyAt != nil && ss.ReadyAt.After(time.Now()) {
		wait := *ss.ReadyAt
		res.State = string(job.StateRunning)
		res.Stage = j.CurrentStage
		res.WaitUntil = &wait
		return res, nil
	}

	stopHB := a.startHeartbeat(ctx)
	defer stopHB()

	if ok {
		ss.Phase = job.PhaseRunning
	}
	j.State = job.StateRunning

	func() {
		defer func() {
			if r := recover(); r != nil {
				if a.Log != nil {
					a.Log.Error("stage handler panic recovered", "job_id", id, "panic", r)
				}
			}
		}()
		a.Orch.Handle(ctx, j)
	}()

	updated, err := a.Store.Get(ctx, id)
	if err != nil {
		return res, err
	}
	res.State = string(updated.State)
	res.Stage = updated.CurrentStage
	if uss, ok := updated.StageStates[updated.CurrentStage]; ok {
		res.WaitUntil = uss.ReadyAt
	}
	return res, nil
}

// Cancel marks jobID CANCELLED; bound to SignalCancel in the workflow.
func (a *Activities) Cancel(ctx context.Context, jobID string) (TickResult, error) {
	res := TickResult{JobID: strings.TrimSpace(jobID)}
	id, err := uuid.Parse(res.JobID)
	if err != nil {
		return res, fmt.Errorf("jobrun: invalid job_id %q", jobID)
	}
	j, err := a.Store.Get(ctx, id)
	if err != nil {
		return res, err
	}
	if !j.State.Terminal() {
		if err := a.Orch.Cancel(ctx, j); err != nil && !errors.Is(err, apperrors.ErrConflict) {
			return res, err
		}
	}
	res.State = string(job.StateCancelled)
	return res, nil
}

func (a *Activities) startHeartbeat(ctx context.Context) func() {
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(10 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				activity.RecordHeartbeat(ctx)
			}
		}
	}()
	return func() { close(done) }
}
