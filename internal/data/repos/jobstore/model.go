package jobstore

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/arclight/paperforge/internal/domain/job"
)

// row is the GORM-mapped persistence shape. Flat columns carry everything
// the claim_ready predicate filters/orders on; the rest of the Job lives in
// JSONB, mirroring how the teacher stack keeps a handful of indexed columns
// alongside a jsonb "result"/"payload" blob rather than fully normalizing.
type row struct {
	ID                  uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey"`
	State               string         `gorm:"column:state;not null;index"`
	CurrentStage        string         `gorm:"column:current_stage;index"`
	CurrentResourceClass string        `gorm:"column:current_resource_class;index"`
	StagePhase          string         `gorm:"column:stage_phase;index"`
	ReadyAt             *time.Time     `gorm:"column:ready_at;index"`
	AttemptBudget       int            `gorm:"column:attempt_budget;not null;default:0"`
	LockedAt            *time.Time     `gorm:"column:locked_at;index"`
	HeartbeatAt         *time.Time     `gorm:"column:heartbeat_at;index"`
	Input               datatypes.JSON `gorm:"column:input;type:jsonb"`
	Options             datatypes.JSON `gorm:"column:options;type:jsonb"`
	StageStates         datatypes.JSON `gorm:"column:stage_states;type:jsonb"`
	Artifacts           datatypes.JSON `gorm:"column:artifacts;type:jsonb"`
	CreatedAt           time.Time      `gorm:"not null;default:now();index"`
	UpdatedAt           time.Time      `gorm:"not null;default:now();index"`
	DeletedAt           gorm.DeletedAt `gorm:"index"`
}

func (row) TableName() string { return "jobs" }

func toRow(j *job.Job, resourceClassOf func(string) string) (*row, error) {
	inputJSON, err := json.Marshal(j.Input)
	if err != nil {
		return nil, err
	}
	optsJSON, err := json.Marshal(j.Options)
	if err != nil {
		return nil, err
	}
	stagesJSON, err := json.Marshal(j.StageStates)
	if err != nil {
		return nil, err
	}
	artifactsJSON, err := json.Marshal(j.Artifacts)
	if err != nil {
		return nil, err
	}
	stagePhase := ""
	readyAt := (*time.Time)(nil)
	resourceClass := ""
	if j.CurrentStage != "" {
		if ss, ok := j.StageStates[j.CurrentStage]; ok {
			stagePhase = string(ss.Phase)
			readyAt = ss.ReadyAt
		}
		if resourceClassOf != nil {
			resourceClass = resourceClassOf(j.CurrentStage)
		}
	}
	return &row{
		ID:                   j.ID,
		State:                string(j.State),
		CurrentStage:         j.CurrentStage,
		CurrentResourceClass: resourceClass,
		StagePhase:           stagePhase,
		ReadyAt:              readyAt,
		AttemptBudget:        j.AttemptBudget,
		LockedAt:             j.LockedAt,
		HeartbeatAt:          j.HeartbeatAt,
		Input:                datatypes.JSON(inputJSON),
		Options:              datatypes.JSON(optsJSON),
		StageStates:          datatypes.JSON(stagesJSON),
		Artifacts:            datatypes.JSON(artifactsJSON),
		CreatedAt:            j.CreatedAt,
		UpdatedAt:            j.UpdatedAt,
	}, nil
}

func fromRow(r *row) (*job.Job, error) {
	j := &job.Job{
		ID:            r.ID,
		State:         job.State(r.State),
		CurrentStage:  r.CurrentStage,
		AttemptBudget: r.AttemptBudget,
		LockedAt:      r.LockedAt,
		HeartbeatAt:   r.HeartbeatAt,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
	if len(r.Input) > 0 {
		if err := json.Unmarshal(r.Input, &j.Input); err != nil {
			return nil, err
		}
	}
	if len(r.Options) > 0 {
		if err := json.Unmarshal(r.Options, &j.Options); err != nil {
			return nil, err
		}
	}
	if len(r.StageStates) > 0 {
		if err := json.Unmarshal(r.StageStates, &j.StageStates); err != nil {
			return nil, err
		}
	}
	if j.StageStates == nil {
		j.StageStates = map[string]*job.StageState{}
	}
	if len(r.Artifacts) > 0 {
		if err := json.Unmarshal(r.Artifacts, &j.Artifacts); err != nil {
			return nil, err
		}
	}
	if j.Artifacts == nil {
		j.Artifacts = map[string]string{}
	}
	return j, nil
}
