package progressbus

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/arclight/paperforge/internal/pkg/logger"
)

// eventRow is the append-only ledger row, one per stage-phase transition.
// Grounded on the teacher's JobRunEvent timeline table.
type eventRow struct {
	ID        uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey"`
	JobID     uuid.UUID `gorm:"type:uuid;not null;index"`
	StageID   string    `gorm:"column:stage_id;not null;index"`
	OldPhase  string    `gorm:"column:old_phase;not null"`
	NewPhase  string    `gorm:"column:new_phase;not null"`
	Error     string    `gorm:"column:error;type:text"`
	CreatedAt time.Time `gorm:"column:created_at;not null;default:now();index"`
}

func (eventRow) TableName() string { return "job_progress_event" }

// PostgresLog is the durable Log implementation.
type PostgresLog struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewPostgresLog(db *gorm.DB, baseLog *logger.Logger) *PostgresLog {
	return &PostgresLog{db: db, log: baseLog.With("repo", "progressbus.PostgresLog")}
}

func (p *PostgresLog) Append(ctx context.Context, e Event) error {
	r := &eventRow{
		JobID:     e.JobID,
		StageID:   e.StageID,
		OldPhase:  e.OldPhase,
		NewPhase:  e.NewPhase,
		Error:     e.Error,
		CreatedAt: e.Timestamp,
	}
	return p.db.WithContext(ctx).Create(r).Error
}

func (p *PostgresLog) Replay(ctx context.Context, jobID uuid.UUID) ([]Event, error) {
	var rows []eventRow
	if err := p.db.WithContext(ctx).Where("job_id = ?", jobID).Order("created_at ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Event, 0, len(rows))
	for _, r := range rows {
		out = append(out, Event{
			JobID:     r.JobID,
			StageID:   r.StageID,
			OldPhase:  r.OldPhase,
			NewPhase:  r.NewPhase,
			Error:     r.Error,
			Timestamp: r.CreatedAt,
		})
	}
	return out, nil
}
