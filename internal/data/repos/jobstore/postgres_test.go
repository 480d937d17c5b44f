package jobstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/arclight/paperforge/internal/apperrors"
	"github.com/arclight/paperforge/internal/data/repos/testutil"
	"github.com/arclight/paperforge/internal/domain/job"
	"github.com/arclight/paperforge/internal/registry"
	"github.com/arclight/paperforge/internal/stage"
)

func TestPostgres_CreateGetRoundTrip(t *testing.T) {
	db := testutil.Tx(t, testutil.DB(t))
	store := NewPostgres(db, nil, testutil.Logger(t))

	j := newReadyJob("ingest")
	if err := store.Create(context.Background(), j); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := store.Get(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.CurrentStage != "ingest" {
		t.Fatalf("want current_stage ingest, got %q", got.CurrentStage)
	}
	if got.StageStates["ingest"].Phase != job.PhaseReady {
		t.Fatalf("want ingest READY, got %v", got.StageStates["ingest"].Phase)
	}
}

func TestPostgres_ClaimReadyLocksAndTransitionsToRunning(t *testing.T) {
	db := testutil.Tx(t, testutil.DB(t))
	store := NewPostgres(db, nil, testutil.Logger(t))

	j := newReadyJob("ingest")
	if err := store.Create(context.Background(), j); err != nil {
		t.Fatalf("create: %v", err)
	}

	claimed, err := store.ClaimReady(context.Background(), 10, "", nil)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != j.ID {
		t.Fatalf("want the created job claimed, got %v", claimed)
	}
	if claimed[0].State != job.StateRunning {
		t.Fatalf("want RUNNING after claim, got %v", claimed[0].State)
	}

	again, err := store.ClaimReady(context.Background(), 10, "", nil)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("want no further claims once RUNNING, got %v", again)
	}
}

func TestPostgres_CASConflictOnStaleExpectedTimestamp(t *testing.T) {
	db := testutil.Tx(t, testutil.DB(t))
	store := NewPostgres(db, nil, testutil.Logger(t))

	j := newReadyJob("ingest")
	if err := store.Create(context.Background(), j); err != nil {
		t.Fatalf("create: %v", err)
	}
	stale := j.UpdatedAt

	j.State = job.StateCompleted
	if err := store.CAS(context.Background(), j, stale); err != nil {
		t.Fatalf("first CAS: %v", err)
	}

	j2, _ := store.Get(context.Background(), j.ID)
	j2.State = job.StateFailed
	if err := store.CAS(context.Background(), j2, stale); !errors.Is(err, apperrors.ErrConflict) {
		t.Fatalf("want ErrConflict on a stale expected timestamp, got %v", err)
	}
}

func TestPostgres_HeartbeatRequiresRunningPhase(t *testing.T) {
	db := testutil.Tx(t, testutil.DB(t))
	store := NewPostgres(db, nil, testutil.Logger(t))

	j := newReadyJob("ingest")
	if err := store.Create(context.Background(), j); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := store.Heartbeat(context.Background(), j.ID); !errors.Is(err, apperrors.ErrConflict) {
		t.Fatalf("want ErrConflict heartbeating a non-RUNNING stage, got %v", err)
	}

	if _, err := store.ClaimReady(context.Background(), 10, "", nil); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.Heartbeat(context.Background(), j.ID); err != nil {
		t.Fatalf("want heartbeat to succeed once RUNNING, got %v", err)
	}
}

func TestPostgres_ReconcileExpiredLeasesRevertsStaleRunningStage(t *testing.T) {
	db := testutil.Tx(t, testutil.DB(t))
	store := NewPostgres(db, nil, testutil.Logger(t))

	j := newReadyJob("ingest")
	if err := store.Create(context.Background(), j); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.ClaimReady(context.Background(), 10, "", nil); err != nil {
		t.Fatalf("claim: %v", err)
	}

	stale := time.Now().Add(-time.Hour)
	if err := db.Exec(`UPDATE jobs SET heartbeat_at = ? WHERE id = ?`, stale, j.ID).Error; err != nil {
		t.Fatalf("backdate heartbeat: %v", err)
	}

	n, err := store.ReconcileExpiredLeases(context.Background(), time.Minute)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if n != 1 {
		t.Fatalf("want 1 reclaimed lease, got %d", n)
	}

	got, _ := store.Get(context.Background(), j.ID)
	if got.StageStates["ingest"].Phase != job.PhaseReady {
		t.Fatalf("want ingest reverted to READY, got %v", got.StageStates["ingest"].Phase)
	}
}

// TestPostgres_ClaimReadyMatchesANonEmptyResourceFilter guards against
// current_resource_class never being populated: a Job whose current stage is
// registered under "gpu" must be claimable when the Scheduler polls "gpu",
// since that is the only path a real Postgres-backed Scheduler ever claims
// through (it always passes a non-empty resource class).
func TestPostgres_ClaimReadyMatchesANonEmptyResourceFilter(t *testing.T) {
	db := testutil.Tx(t, testutil.DB(t))
	reg := registry.New()
	if err := reg.Register(registry.Entry{
		StageID:       "ingest",
		Primary:       stage.WorkerFunc(func(ctx context.Context, in stage.Input) (stage.Output, *apperrors.StageErr) { return stage.Output{}, nil }),
		Timeout:       time.Minute,
		ResourceClass: "gpu",
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	store := NewPostgres(db, reg, testutil.Logger(t))

	j := newReadyJob("ingest")
	if err := store.Create(context.Background(), j); err != nil {
		t.Fatalf("create: %v", err)
	}

	claimed, err := store.ClaimReady(context.Background(), 10, "gpu", store.resourceClassOf)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != j.ID {
		t.Fatalf("want the job claimed under resource filter %q, got %v", "gpu", claimed)
	}

	miss, err := store.ClaimReady(context.Background(), 10, "cpu", store.resourceClassOf)
	if err != nil {
		t.Fatalf("claim cpu: %v", err)
	}
	if len(miss) != 0 {
		t.Fatalf("want no match for an unrelated resource filter, got %v", miss)
	}
}
