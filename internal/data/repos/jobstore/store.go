// Package jobstore implements the Job Store (C2): durable persistence of
// Job and StageState, plus the claim_ready leased-query primitive.
package jobstore

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/arclight/paperforge/internal/domain/job"
)

// Store is the interface every engine component programs against. Two
// implementations satisfy it: Postgres (durable, SKIP LOCKED-backed) and
// Memory (in-process, for fast deterministic orchestrator tests).
type Store interface {
	Create(ctx context.Context, j *job.Job) error
	Get(ctx context.Context, id uuid.UUID) (*job.Job, error)

	// ClaimReady atomically selects up to limit Jobs whose current stage is
	// READY and due (ready_at <= now), optionally filtered to a single
	// resource class, and transitions that stage to RUNNING under a lease.
	ClaimReady(ctx context.Context, limit int, resourceFilter string, resourceClassOf func(stageID string) string) ([]*job.Job, error)

	// Release reverts a just-claimed stage back to READY without touching
	// attempts or last_error; the Scheduler calls this when a claimed job
	// cannot be dispatched because its per-stage concurrency gate is
	// saturated, so the claim never runs past that cap.
	Release(ctx context.Context, jobID uuid.UUID, stageID string) error

	// Heartbeat renews the lease on a Job whose current stage is RUNNING.
	Heartbeat(ctx context.Context, id uuid.UUID) error

	// CAS writes back a full Job snapshot iff the stored row's updated_at
	// still equals expectedUpdatedAt; otherwise it returns apperrors.ErrConflict.
	CAS(ctx context.Context, j *job.Job, expectedUpdatedAt time.Time) error

	// ReconcileExpiredLeases reverts any stage stuck RUNNING past leaseTTL
	// back to READY with last_error=LEASE_LOST, attempts unchanged. Safe to
	// call repeatedly; it is the crash-recovery mechanism in SPEC_FULL.md §4.2.
	ReconcileExpiredLeases(ctx context.Context, leaseTTL time.Duration) (int, error)
}
