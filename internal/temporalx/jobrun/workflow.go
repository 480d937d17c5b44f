package jobrun

import (
	"fmt"
	"strings"
	"time"

	"go.temporal.io/sdk/workflow"

	"github.com/arclight/paperforge/internal/domain/job"
)

// Workflow drives one Job from QUEUED to a terminal state by repeatedly
// invoking the Tick activity, which runs exactly one Executor/Orchestrator
// cycle on the job's current stage. This mirrors the Scheduler+Orchestrator
// poll loop in internal/worker, but each tick is a durable Temporal
// activity instead of an in-process goroutine.
func Workflow(ctx workflow.Context) error {
	jobID := strings.TrimSpace(workflow.GetInfo(ctx).WorkflowExecution.ID)
	if jobID == "" {
		return fmt.Errorf("jobrun: missing job_id")
	}

	const (
		pollInterval      = 2 * time.Second
		continueTickLimit = 2000
		continueHistory   = 15000
	)

	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 24 * time.Hour,
		HeartbeatTimeout:    30 * time.Second,
	})

	cancelCh := workflow.GetSignalChannel(ctx, SignalCancel)
	tickCount := 0

	for {
		tickCount++

		sel := workflow.NewSelector(ctx)
		cancelled := false
		sel.AddReceive(cancelCh, func(c workflow.ReceiveChannel, more bool) {
			var v any
			c.Receive(ctx, &v)
			cancelled = true
		})
		sel.AddDefault(func() {})
		sel.Select(ctx)
		if cancelled {
			var out TickResult
			_ = workflow.ExecuteActivity(ctx, ActivityCancel, jobID).Get(ctx, &out)
			return nil
		}

		var out TickResult
		if err := workflow.ExecuteActivity(ctx, ActivityTick, jobID).Get(ctx, &out); err != nil {
			return err
		}

		switch job.State(out.State) {
		case job.StateCompleted, job.StateCancelled:
			return nil
		case job.StateFailed:
			return fmt.Errorf("job failed (stage=%s)", out.Stage)
		}

		if err := workflow.Sleep(ctx, nextWait(ctx, out.WaitUntil, pollInterval)); err != nil {
			return err
		}
		if shouldContinueAsNew(ctx, tickCount, continueTickLimit, continueHistory) {
			return workflow.NewContinueAsNewError(ctx, Workflow)
		}
	}
}

func nextWait(ctx workflow.Context, waitUntil *time.Time, def time.Duration) time.Duration {
	if waitUntil == nil || waitUntil.IsZero() {
		return def
	}
	now := workflow.Now(ctx)
	d := waitUntil.Sub(now)
	if d <= 0 {
		return def
	}
	if d > 15*time.Minute {
		return 15 * time.Minute
	}
	return d
}

func shouldContinueAsNew(ctx workflow.Context, ticks, maxTicks, maxHistory int) bool {
	if maxTicks > 0 && ticks >= maxTicks {
		return true
	}
	info := workflow.GetInfo(ctx)
	return info != nil && maxHistory > 0 && info.GetCurrentHistoryLength() >= maxHistory
}
