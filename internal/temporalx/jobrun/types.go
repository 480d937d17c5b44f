// Package jobrun is the alternate durable-execution backend: it drives the
// same orchestration loop as internal/worker, but checkpoints via Temporal
// workflow history instead of (or alongside) the Postgres-backed Job Store
// lease. A deployment picks one backend; both consult the same Stage
// Registry and Retry Policy Engine (SPEC_FULL.md §11.4).
package jobrun

import "time"

const (
	WorkflowName   = "paper_job_run"
	ActivityTick   = "paper_job_tick"
	ActivityCancel = "paper_job_tick_cancel"
	SignalCancel   = "paper_job_cancel"
)

// TickResult is one workflow loop iteration's outcome, reported by the Tick
// activity back to the workflow so it can decide whether to sleep, exit, or
// continue-as-new.
type TickResult struct {
	JobID     string     `json:"job_id"`
	State     string     `json:"state"`
	Stage     string     `json:"stage,omitempty"`
	WaitUntil *time.Time `json:"wait_until,omitempty"`
}
