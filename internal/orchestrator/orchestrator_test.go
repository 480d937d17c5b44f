package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/arclight/paperforge/internal/apperrors"
	"github.com/arclight/paperforge/internal/domain/job"
	"github.com/arclight/paperforge/internal/executor"
	"github.com/arclight/paperforge/internal/pkg/logger"
	"github.com/arclight/paperforge/internal/platform/config"
	"github.com/arclight/paperforge/internal/progressbus"
	"github.com/arclight/paperforge/internal/registry"
	"github.com/arclight/paperforge/internal/stage"
)

type fakeCAS struct {
	calls   int
	lastJob *job.Job
	err     error
}

func (f *fakeCAS) CAS(ctx context.Context, j *job.Job, expected time.Time) error {
	f.calls++
	if f.err != nil {
		return f.err
	}
	f.lastJob = j
	return nil
}

func testCfg() config.Engine {
	return config.Engine{
		MaxAttemptsPerStage: 3,
		BackoffBase:         time.Millisecond,
		BackoffCeiling:      10 * time.Millisecond,
	}
}

func newTestJob(stageID string) *job.Job {
	return &job.Job{
		ID:            uuid.New(),
		CurrentStage:  stageID,
		StageStates:   map[string]*job.StageState{},
		Artifacts:     map[string]string{},
		AttemptBudget: 8,
		UpdatedAt:     time.Now(),
	}
}

func TestHandle_SuccessAdvancesToNextStageAndPublishesArtifacts(t *testing.T) {
	reg := registry.New()
	mustReg(t, reg, registry.Entry{
		StageID: "ingest", Timeout: time.Second, OutputKeys: []string{"paper.parsed"},
		Primary: stage.WorkerFunc(func(ctx context.Context, in stage.Input) (stage.Output, *apperrors.StageErr) {
			return stage.Output{OutputArtifacts: map[string]string{"paper.parsed": "blob://parsed"}}, nil
		}),
	})
	mustReg(t, reg, registry.Entry{
		StageID: "understand", Timeout: time.Second,
		Primary: stage.WorkerFunc(func(ctx context.Context, in stage.Input) (stage.Output, *apperrors.StageErr) {
			return stage.Output{}, nil
		}),
	})

	exec := executor.New(reg)
	bus := progressbus.New(progressbus.NewMemoryLog(), nil)
	store := &fakeCAS{}
	orch := New(store, reg, exec, bus, testCfg(), logger.NewNop())

	j := newTestJob("ingest")
	orch.Handle(context.Background(), j)

	if j.CurrentStage != "understand" {
		t.Fatalf("want next stage understand, got %q", j.CurrentStage)
	}
	if j.StageStates["ingest"].Phase != job.PhaseSucceeded {
		t.Fatalf("want ingest SUCCEEDED, got %v", j.StageStates["ingest"].Phase)
	}
	if j.StageStates["understand"].Phase != job.PhaseReady {
		t.Fatalf("want understand READY, got %v", j.StageStates["understand"].Phase)
	}
	if j.Artifacts["paper.parsed"] != "blob://parsed" {
		t.Fatalf("want artifact recorded, got %v", j.Artifacts)
	}
	if store.calls != 1 {
		t.Fatalf("want exactly one CAS call, got %d", store.calls)
	}

	events, err := bus.Replay(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(events) != 1 || events[0].NewPhase != "SUCCEEDED" {
		t.Fatalf("want one SUCCEEDED event, got %v", events)
	}
}

func TestHandle_SuccessOnLastStagePublishesCompletedJob(t *testing.T) {
	reg := registry.New()
	mustReg(t, reg, registry.Entry{
		StageID: "publish", Timeout: time.Second,
		Primary: stage.WorkerFunc(func(ctx context.Context, in stage.Input) (stage.Output, *apperrors.StageErr) {
			return stage.Output{}, nil
		}),
	})
	exec := executor.New(reg)
	bus := progressbus.New(progressbus.NewMemoryLog(), nil)
	store := &fakeCAS{}
	orch := New(store, reg, exec, bus, testCfg(), logger.NewNop())

	j := newTestJob("publish")
	orch.Handle(context.Background(), j)

	if j.State != job.StateCompleted {
		t.Fatalf("want job COMPLETED, got %v", j.State)
	}
}

func TestHandle_TransientErrorSchedulesRetryAndConsumesAttemptBudget(t *testing.T) {
	reg := registry.New()
	mustReg(t, reg, registry.Entry{
		StageID: "voice", Timeout: time.Second,
		Primary: stage.WorkerFunc(func(ctx context.Context, in stage.Input) (stage.Output, *apperrors.StageErr) {
			return stage.Output{}, apperrors.NewStageErr(apperrors.KindTransient, "tts backend unavailable", true, false)
		}),
	})
	exec := executor.New(reg)
	bus := progressbus.New(progressbus.NewMemoryLog(), nil)
	store := &fakeCAS{}
	orch := New(store, reg, exec, bus, testCfg(), logger.NewNop())

	j := newTestJob("voice")
	orch.Handle(context.Background(), j)

	ss := j.StageStates["voice"]
	if ss.Phase != job.PhaseReady {
		t.Fatalf("want READY for a retry, got %v", ss.Phase)
	}
	if ss.Attempts != 1 {
		t.Fatalf("want attempts incremented to 1, got %d", ss.Attempts)
	}
	if j.AttemptBudget != 7 {
		t.Fatalf("want attempt budget decremented to 7, got %d", j.AttemptBudget)
	}
	if ss.ReadyAt == nil {
		t.Fatal("want a scheduled ready_at for a delayed retry")
	}
	if ss.LastError == nil || ss.LastError.Kind != string(apperrors.KindTransient) {
		t.Fatalf("want last_error recorded, got %v", ss.LastError)
	}
}

func TestHandle_LeaseLostRetriesWithoutConsumingAttemptOrBudget(t *testing.T) {
	reg := registry.New()
	mustReg(t, reg, registry.Entry{
		StageID: "voice", Timeout: time.Second,
		Primary: stage.WorkerFunc(func(ctx context.Context, in stage.Input) (stage.Output, *apperrors.StageErr) {
			return stage.Output{}, apperrors.LeaseLost("voice")
		}),
	})
	exec := executor.New(reg)
	bus := progressbus.New(progressbus.NewMemoryLog(), nil)
	store := &fakeCAS{}
	orch := New(store, reg, exec, bus, testCfg(), logger.NewNop())

	j := newTestJob("voice")
	j.StageStates["voice"] = &job.StageState{StageID: "voice", Phase: job.PhaseRunning, Attempts: 2}
	j.AttemptBudget = 3

	orch.Handle(context.Background(), j)

	ss := j.StageStates["voice"]
	if ss.Phase != job.PhaseReady {
		t.Fatalf("want READY, got %v", ss.Phase)
	}
	if ss.Attempts != 2 {
		t.Fatalf("want attempts unchanged at 2 for LEASE_LOST, got %d", ss.Attempts)
	}
	if j.AttemptBudget != 3 {
		t.Fatalf("want attempt budget unchanged at 3 for LEASE_LOST, got %d", j.AttemptBudget)
	}
}

func TestHandle_ContractViolationFallsBackToSecondaryWorker(t *testing.T) {
	reg := registry.New()
	fallback := stage.WorkerFunc(func(ctx context.Context, in stage.Input) (stage.Output, *apperrors.StageErr) {
		return stage.Output{}, nil
	})
	mustReg(t, reg, registry.Entry{
		StageID:   "animate",
		Timeout:   time.Second,
		Fallbacks: []stage.Worker{fallback},
		Primary: stage.WorkerFunc(func(ctx context.Context, in stage.Input) (stage.Output, *apperrors.StageErr) {
			return stage.Output{}, apperrors.ContractViolation("animate", "missing scene.0.animation")
		}),
	})
	exec := executor.New(reg)
	bus := progressbus.New(progressbus.NewMemoryLog(), nil)
	store := &fakeCAS{}
	orch := New(store, reg, exec, bus, testCfg(), logger.NewNop())

	j := newTestJob("animate")
	orch.Handle(context.Background(), j)

	ss := j.StageStates["animate"]
	if ss.Phase != job.PhaseReady {
		t.Fatalf("want READY for a fallback, got %v", ss.Phase)
	}
	if ss.FallbackIndex != 1 {
		t.Fatalf("want fallback index 1, got %d", ss.FallbackIndex)
	}
	if ss.Attempts != 0 {
		t.Fatalf("want attempts reset to 0 on fallback, got %d", ss.Attempts)
	}
}

func TestHandle_NonRetryableErrorFailsJob(t *testing.T) {
	reg := registry.New()
	mustReg(t, reg, registry.Entry{
		StageID: "ingest", Timeout: time.Second,
		Primary: stage.WorkerFunc(func(ctx context.Context, in stage.Input) (stage.Output, *apperrors.StageErr) {
			return stage.Output{}, apperrors.NewStageErr(apperrors.KindNonRetryable, "paper not found", false, false)
		}),
	})
	exec := executor.New(reg)
	bus := progressbus.New(progressbus.NewMemoryLog(), nil)
	store := &fakeCAS{}
	orch := New(store, reg, exec, bus, testCfg(), logger.NewNop())

	j := newTestJob("ingest")
	orch.Handle(context.Background(), j)

	if j.StageStates["ingest"].Phase != job.PhaseFailed {
		t.Fatalf("want FAILED, got %v", j.StageStates["ingest"].Phase)
	}
	if j.State != job.StateFailed {
		t.Fatalf("want job FAILED, got %v", j.State)
	}
}

func TestHandle_CASConflictIsSwallowedNotPropagated(t *testing.T) {
	reg := registry.New()
	mustReg(t, reg, registry.Entry{
		StageID: "ingest", Timeout: time.Second,
		Primary: stage.WorkerFunc(func(ctx context.Context, in stage.Input) (stage.Output, *apperrors.StageErr) {
			return stage.Output{}, nil
		}),
	})
	exec := executor.New(reg)
	bus := progressbus.New(progressbus.NewMemoryLog(), nil)
	store := &fakeCAS{err: apperrors.ErrConflict}
	orch := New(store, reg, exec, bus, testCfg(), logger.NewNop())

	j := newTestJob("ingest")
	orch.Handle(context.Background(), j) // must not panic

	if store.calls != 1 {
		t.Fatalf("want one CAS attempt, got %d", store.calls)
	}
	events, _ := bus.Replay(context.Background(), j.ID)
	if len(events) != 0 {
		t.Fatalf("want no published event when CAS lost the race, got %v", events)
	}
}

func TestHandle_PerJobStageTimeoutOverridesTheRegistrysDefault(t *testing.T) {
	reg := registry.New()
	mustReg(t, reg, registry.Entry{
		StageID: "voice", Timeout: time.Minute, // would never fire within the test
		Primary: stage.WorkerFunc(func(ctx context.Context, in stage.Input) (stage.Output, *apperrors.StageErr) {
			<-ctx.Done()
			return stage.Output{}, apperrors.Timeout("voice")
		}),
	})
	exec := executor.New(reg)
	bus := progressbus.New(progressbus.NewMemoryLog(), nil)
	store := &fakeCAS{}
	orch := New(store, reg, exec, bus, testCfg(), logger.NewNop())

	j := newTestJob("voice")
	j.Options.StageTimeouts = map[string]int{"voice": 1} // seconds, far under the registry's 1 minute

	start := time.Now()
	orch.Handle(context.Background(), j)
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("want the per-job stage_timeouts override to cut this short, took %v", elapsed)
	}

	ss := j.StageStates["voice"]
	if ss.LastError == nil || ss.LastError.Kind != string(apperrors.KindTimeout) {
		t.Fatalf("want a TIMEOUT last_error, got %v", ss.LastError)
	}
}

func TestCancel_MarksJobCancelledAndCurrentStageFailed(t *testing.T) {
	reg := registry.New()
	mustReg(t, reg, registry.Entry{
		StageID: "animate", Timeout: time.Second,
		Primary: stage.WorkerFunc(func(ctx context.Context, in stage.Input) (stage.Output, *apperrors.StageErr) {
			return stage.Output{}, nil
		}),
	})
	exec := executor.New(reg)
	bus := progressbus.New(progressbus.NewMemoryLog(), nil)
	store := &fakeCAS{}
	orch := New(store, reg, exec, bus, testCfg(), logger.NewNop())

	j := newTestJob("animate")
	j.StageStates["animate"] = &job.StageState{StageID: "animate", Phase: job.PhaseRunning}

	if err := orch.Cancel(context.Background(), j); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if j.State != job.StateCancelled {
		t.Fatalf("want CANCELLED, got %v", j.State)
	}
	if j.StageStates["animate"].Phase != job.PhaseFailed {
		t.Fatalf("want current stage failed, got %v", j.StageStates["animate"].Phase)
	}
}

func mustReg(t *testing.T, r *registry.Registry, e registry.Entry) {
	t.Helper()
	if err := r.Register(e); err != nil {
		t.Fatalf("register %q: %v", e.StageID, err)
	}
}
