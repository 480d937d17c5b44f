// Package stage declares the Stage Contract every specialist worker
// implements (§4.1). The engine never imports a worker's implementation,
// only this interface.
package stage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/arclight/paperforge/internal/apperrors"
	"github.com/arclight/paperforge/internal/domain/job"
)

// Input is everything a worker invocation receives. Workers must be
// idempotent under identical (JobID, StageID, Attempt, FallbackIndex).
type Input struct {
	JobID          uuid.UUID
	StageID        string
	InputArtifacts map[string]string // artifact-key -> blob_ref
	Options        job.Options
	Deadline       time.Time
	Attempt        int
	FallbackIndex  int
}

// Cost is the telemetry a worker reports alongside a successful result.
type Cost struct {
	Duration     time.Duration
	ResourceClass string
}

// Output is a worker's successful result.
type Output struct {
	OutputArtifacts map[string]string
	Cost            Cost
}

// Worker is the Stage Contract. A worker must respect ctx cancellation: once
// the deadline encoded into Input passes, or ctx is cancelled, it must abort
// at its next safe point. The Executor hard-cancels regardless.
type Worker interface {
	Run(ctx context.Context, in Input) (Output, *apperrors.StageErr)
}

// WorkerFunc adapts a plain function to Worker, mirroring the handler
// registries elsewhere in this codebase that accept either a struct or a
// bare function.
type WorkerFunc func(ctx context.Context, in Input) (Output, *apperrors.StageErr)

func (f WorkerFunc) Run(ctx context.Context, in Input) (Output, *apperrors.StageErr) {
	return f(ctx, in)
}
