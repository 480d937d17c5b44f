package jobstore

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/arclight/paperforge/internal/apperrors"
	"github.com/arclight/paperforge/internal/domain/job"
	"github.com/arclight/paperforge/internal/pkg/logger"
	"github.com/arclight/paperforge/internal/registry"
)

// Postgres is the durable Store, backed by GORM over PostgreSQL. ClaimReady
// uses SELECT ... FOR UPDATE SKIP LOCKED so concurrent Scheduler shards
// never race each other onto the same Job (SPEC_FULL.md §11.2).
type Postgres struct {
	db  *gorm.DB
	reg *registry.Registry
	log *logger.Logger
}

// NewPostgres wires reg so every write can resolve current_stage's resource
// class into the current_resource_class column — ClaimReady's WHERE
// current_resource_class = ? filter depends on that column being populated.
func NewPostgres(db *gorm.DB, reg *registry.Registry, baseLog *logger.Logger) *Postgres {
	return &Postgres{db: db, reg: reg, log: baseLog.With("repo", "jobstore.Postgres")}
}

func (p *Postgres) resourceClassOf(stageID string) string {
	if p.reg == nil {
		return ""
	}
	if e, ok := p.reg.Get(stageID); ok {
		return e.ResourceClass
	}
	return ""
}

func (p *Postgres) Create(ctx context.Context, j *job.Job) error {
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	now := time.Now()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = now
	r, err := toRow(j, p.resourceClassOf)
	if err != nil {
		return err
	}
	return p.db.WithContext(ctx).Create(r).Error
}

func (p *Postgres) Get(ctx context.Context, id uuid.UUID) (*job.Job, error) {
	var r row
	err := p.db.WithContext(ctx).Where("id = ?", id).First(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromRow(&r)
}

func (p *Postgres) ClaimReady(ctx context.Context, limit int, resourceFilter string, resourceClassOf func(string) string) ([]*job.Job, error) {
	now := time.Now()
	var claimed []*job.Job

	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("state NOT IN ?", []string{string(job.StateCompleted), string(job.StateFailed), string(job.StateCancelled), string(job.StatePaused)}).
			Where("stage_phase = ?", string(job.PhaseReady)).
			Where("ready_at IS NULL OR ready_at <= ?", now).
			Order("updated_at ASC")
		if resourceFilter != "" {
			q = q.Where("current_resource_class = ?", resourceFilter)
		}
		if limit <= 0 {
			limit = 1
		}
		var rows []row
		if err := q.Limit(limit).Find(&rows).Error; err != nil {
			return err
		}
		for i := range rows {
			r := &rows[i]
			if err := tx.Model(&row{}).Where("id = ?", r.ID).Updates(map[string]interface{}{
				"state":        string(job.StateRunning),
				"stage_phase":  string(job.PhaseRunning),
				"locked_at":    now,
				"heartbeat_at": now,
				"updated_at":   now,
			}).Error; err != nil {
				return err
			}
			j, err := fromRow(r)
			if err != nil {
				return err
			}
			j.State = job.StateRunning
			j.LockedAt = &now
			j.HeartbeatAt = &now
			j.UpdatedAt = now
			if ss := j.StageStates[j.CurrentStage]; ss != nil {
				ss.Phase = job.PhaseRunning
				ss.StartedAt = &now
			}
			claimed = append(claimed, j)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// Release reverts jobID's stageID back to READY, undoing a ClaimReady that
// the Scheduler decided not to dispatch (its per-stage gate was saturated).
// A no-op if the stage has already moved on (e.g. a concurrent reconcile
// already reclaimed it).
func (p *Postgres) Release(ctx context.Context, id uuid.UUID, stageID string) error {
	var r row
	if err := p.db.WithContext(ctx).Where("id = ?", id).First(&r).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperrors.ErrNotFound
		}
		return err
	}
	j, err := fromRow(&r)
	if err != nil {
		return err
	}
	if j.CurrentStage != stageID {
		return nil
	}
	ss := j.StageStates[stageID]
	// ClaimReady flips only the stage_phase column, not stage_states, so the
	// column is what says whether the stage is still claimed.
	if ss == nil || r.StagePhase != string(job.PhaseRunning) {
		return nil
	}
	ss.Phase = job.PhaseReady
	ss.StartedAt = nil
	j.LockedAt = nil
	j.HeartbeatAt = nil
	if err := p.CAS(ctx, j, r.UpdatedAt); err != nil && !errors.Is(err, apperrors.ErrConflict) {
		return err
	}
	return nil
}

func (p *Postgres) Heartbeat(ctx context.Context, id uuid.UUID) error {
	now := time.Now()
	res := p.db.WithContext(ctx).Model(&row{}).
		Where("id = ? AND stage_phase = ?", id, string(job.PhaseRunning)).
		Updates(map[string]interface{}{"heartbeat_at": now})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return apperrors.ErrConflict
	}
	return nil
}

func (p *Postgres) CAS(ctx context.Context, j *job.Job, expectedUpdatedAt time.Time) error {
	r, err := toRow(j, p.resourceClassOf)
	if err != nil {
		return err
	}
	now := time.Now()
	r.UpdatedAt = now
	res := p.db.WithContext(ctx).Model(&row{}).
		Where("id = ? AND updated_at = ?", j.ID, expectedUpdatedAt).
		Updates(map[string]interface{}{
			"state":                   r.State,
			"current_stage":           r.CurrentStage,
			"current_resource_class":  r.CurrentResourceClass,
			"stage_phase":             r.StagePhase,
			"ready_at":                r.ReadyAt,
			"attempt_budget":          r.AttemptBudget,
			"locked_at":               r.LockedAt,
			"heartbeat_at":            r.HeartbeatAt,
			"stage_states":            r.StageStates,
			"artifacts":               r.Artifacts,
			"updated_at":              now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return apperrors.ErrConflict
	}
	j.UpdatedAt = now
	return nil
}

// ReconcileExpiredLeases is the crash-recovery mechanism: any stage stuck
// RUNNING past leaseTTL reverts to READY with last_error=LEASE_LOST, and
// its attempts counter is untouched (SPEC_FULL.md §4.2, testable property 7).
func (p *Postgres) ReconcileExpiredLeases(ctx context.Context, leaseTTL time.Duration) (int, error) {
	cutoff := time.Now().Add(-leaseTTL)
	var rows []row
	if err := p.db.WithContext(ctx).
		Where("stage_phase = ? AND heartbeat_at IS NOT NULL AND heartbeat_at < ?", string(job.PhaseRunning), cutoff).
		Find(&rows).Error; err != nil {
		return 0, err
	}
	n := 0
	for i := range rows {
		r := &rows[i]
		j, err := fromRow(r)
		if err != nil {
			return n, err
		}
		if ss := j.StageStates[j.CurrentStage]; ss != nil {
			ss.Phase = job.PhaseReady
			ss.LastError = &job.StageErr{Kind: string(apperrors.KindLeaseLost), Message: "lease expired while RUNNING"}
		}
		if err := p.CAS(ctx, j, r.UpdatedAt); err != nil && !errors.Is(err, apperrors.ErrConflict) {
			return n, err
		}
		n++
	}
	return n, nil
}
