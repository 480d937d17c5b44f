// Package engine exposes the programmatic surface external callers use:
// submit, get, cancel, subscribe, download_artifact (SPEC_FULL.md §6).
// HTTP/CLI framing is deliberately left to the caller.
package engine

import (
	"context"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/arclight/paperforge/internal/apperrors"
	"github.com/arclight/paperforge/internal/blobstore"
	"github.com/arclight/paperforge/internal/domain/job"
	"github.com/arclight/paperforge/internal/orchestrator"
	"github.com/arclight/paperforge/internal/pkg/logger"
	"github.com/arclight/paperforge/internal/progressbus"
	"github.com/arclight/paperforge/internal/registry"
)

type Service struct {
	store    rawStore
	reg      *registry.Registry
	blobs    blobstore.Store
	bus      *progressbus.Bus
	orch     *orchestrator.Orchestrator
	validate *validator.Validate
	log      *logger.Logger
}

// rawStore is the narrow slice of jobstore.Store this package calls
// directly; Cancel goes through orchestrator.Orchestrator instead.
type rawStore interface {
	Create(ctx context.Context, j *job.Job) error
	Get(ctx context.Context, id uuid.UUID) (*job.Job, error)
}

func New(store rawStore, reg *registry.Registry, blobs blobstore.Store, bus *progressbus.Bus, orch *orchestrator.Orchestrator, baseLog *logger.Logger) *Service {
	return &Service{
		store:    store,
		reg:      reg,
		blobs:    blobs,
		bus:      bus,
		orch:     orch,
		validate: validator.New(),
		log:      baseLog.With("component", "engine.Service"),
	}
}

// Submit validates input and options, then creates a Job in QUEUED with its
// first stage READY (testable property 3: identical arguments yield
// distinct job_ids with byte-equal input/options/initial stage_states).
func (s *Service) Submit(ctx context.Context, input job.PaperInput, opts job.Options) (uuid.UUID, error) {
	if err := input.Validate(); err != nil {
		return uuid.Nil, apperrors.NewStageErr(apperrors.KindInputInvalid, err.Error(), false, false)
	}
	if opts.Quality == "" {
		opts.Quality = job.DefaultOptions().Quality
	}
	if opts.AttemptBudget == 0 {
		opts.AttemptBudget = job.DefaultOptions().AttemptBudget
	}
	if err := s.validate.Struct(opts); err != nil {
		return uuid.Nil, apperrors.NewStageErr(apperrors.KindInputInvalid, err.Error(), false, false)
	}
	for _, sid := range opts.SkipStages {
		entry, ok := s.reg.Get(sid)
		if !ok {
			return uuid.Nil, apperrors.NewStageErr(apperrors.KindInputInvalid, fmt.Sprintf("unknown skip_stages entry %q", sid), false, false)
		}
		if !entry.Skippable {
			return uuid.Nil, apperrors.NewStageErr(apperrors.KindInputInvalid, fmt.Sprintf("stage %q is not skippable", sid), false, false)
		}
	}
	// publish=false skips the pipeline's terminal stage, the same way an
	// explicit skip_stages entry would, but only if that stage is declared
	// skippable; a pipeline whose last stage isn't publishable just ignores
	// the flag rather than erroring.
	if !opts.Publish {
		if order := s.reg.Order(); len(order) > 0 {
			last := order[len(order)-1]
			if entry, ok := s.reg.Get(last); ok && entry.Skippable {
				already := false
				for _, sid := range opts.SkipStages {
					if sid == last {
						already = true
						break
					}
				}
				if !already {
					opts.SkipStages = append(opts.SkipStages, last)
				}
			}
		}
	}

	first := s.reg.First()
	if first == "" {
		return uuid.Nil, apperrors.Internal("no stages registered")
	}

	j := &job.Job{
		ID:            uuid.New(),
		Input:         input,
		Options:       opts,
		State:         job.StateQueued,
		CurrentStage:  first,
		StageStates:   map[string]*job.StageState{},
		Artifacts:     map[string]string{},
		AttemptBudget: opts.AttemptBudget,
	}
	skip := map[string]bool{}
	for _, sid := range opts.SkipStages {
		skip[sid] = true
	}
	for _, sid := range s.reg.Order() {
		ss := j.EnsureStage(sid)
		switch {
		case skip[sid]:
			ss.Phase = job.PhaseSkipped
		case sid == first:
			ss.Phase = job.PhaseReady
		default:
			ss.Phase = job.PhasePending
		}
	}
	// If the first stage was itself skipped, fast-forward current_stage to
	// the next non-skipped stage so the Scheduler has something to claim.
	for skip[j.CurrentStage] {
		next := s.reg.Next(j.CurrentStage)
		if next == "" {
			j.State = job.StateCompleted
			break
		}
		j.CurrentStage = next
		j.EnsureStage(next).Phase = job.PhaseReady
	}

	if err := s.store.Create(ctx, j); err != nil {
		return uuid.Nil, err
	}
	return j.ID, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*job.Job, error) {
	return s.store.Get(ctx, id)
}

// Cancel is idempotent: terminal Jobs are left untouched (SPEC_FULL.md §6).
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) error {
	j, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if j.State.Terminal() {
		return nil
	}
	return s.orch.Cancel(ctx, j)
}

// Subscribe returns a live event channel plus an unsubscribe function for
// jobID, or for every job if jobID is uuid.Nil.
func (s *Service) Subscribe(jobID uuid.UUID) (<-chan progressbus.Event, func()) {
	return s.bus.Subscribe(jobID)
}

// Replay returns the persisted event history for jobID, the source of truth
// behind Subscribe's live (lossy) stream.
func (s *Service) Replay(ctx context.Context, jobID uuid.UUID) ([]progressbus.Event, error) {
	return s.bus.Replay(ctx, jobID)
}

// DownloadArtifact returns the blob_ref for key, but only once the stage
// that produces it has SUCCEEDED (SPEC_FULL.md §6).
func (s *Service) DownloadArtifact(ctx context.Context, jobID uuid.UUID, key string) (string, error) {
	j, err := s.store.Get(ctx, jobID)
	if err != nil {
		return "", err
	}
	ref, ok := j.Artifacts[key]
	if !ok {
		return "", fmt.Errorf("artifact %q not yet produced for job %s", key, jobID)
	}
	return ref, nil
}

// FetchArtifact is a convenience wrapper returning the artifact bytes
// directly from the Blob Store, for callers that don't want to hold a
// Store reference themselves.
func (s *Service) FetchArtifact(ctx context.Context, jobID uuid.UUID, key string) ([]byte, error) {
	ref, err := s.DownloadArtifact(ctx, jobID, key)
	if err != nil {
		return nil, err
	}
	return s.blobs.Get(ctx, ref)
}
