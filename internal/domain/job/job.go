// Package job holds the durable data model shared by every engine
// component: Job, StageState, Artifact references, and the options a
// caller may attach to a submission.
package job

import (
	"time"

	"github.com/google/uuid"
)

type State string

const (
	StateQueued    State = "QUEUED"
	StateRunning   State = "RUNNING"
	StatePaused    State = "PAUSED"
	StateCompleted State = "COMPLETED"
	StateFailed    State = "FAILED"
	StateCancelled State = "CANCELLED"
)

func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

type Phase string

const (
	PhasePending   Phase = "PENDING"
	PhaseReady     Phase = "READY"
	PhaseRunning   Phase = "RUNNING"
	PhaseSucceeded Phase = "SUCCEEDED"
	PhaseFailed    Phase = "FAILED"
	PhaseSkipped   Phase = "SKIPPED"
)

func (p Phase) Terminal() bool {
	switch p {
	case PhaseSucceeded, PhaseFailed, PhaseSkipped:
		return true
	default:
		return false
	}
}

// StageState is the per-stage checkpoint the Orchestrator mutates. It never
// moves backward except through an explicit RETRY/FALLBACK transition, both
// of which are spelled out in the orchestrator package.
type StageState struct {
	StageID       string     `json:"stage_id"`
	Phase         Phase      `json:"phase"`
	Attempts      int        `json:"attempts"`
	FallbackIndex int        `json:"fallback_index"`
	LastError     *StageErr  `json:"last_error,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	DeadlineAt    *time.Time `json:"deadline_at,omitempty"`
	ReadyAt       *time.Time `json:"ready_at,omitempty"`
	OutputKeys    []string   `json:"output_keys,omitempty"`
}

// StageErr is the structured error a stage attempt failed with; it mirrors
// the taxonomy in apperrors without importing it, keeping this package leaf.
type StageErr struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Options is the validated, immutable configuration a caller may attach to
// submit(). submit() takes this typed struct, so only the fields below can
// be expressed; there is no raw-map entry point that checks for unknown keys.
type Options struct {
	Quality            string         `json:"quality" validate:"omitempty,oneof=low medium high cinematic_4k cinematic_8k"`
	Voice              string         `json:"voice,omitempty"`
	TargetDurationSecs int            `json:"target_duration,omitempty" validate:"omitempty,min=1"`
	AttemptBudget      int            `json:"attempt_budget" validate:"min=0"`
	StageTimeouts      map[string]int `json:"stage_timeouts,omitempty"`
	ConcurrencyGlobal  int            `json:"concurrency_global,omitempty" validate:"omitempty,min=1"`
	SkipStages         []string       `json:"skip_stages,omitempty"`
	Publish            bool           `json:"publish"`
}

func DefaultOptions() Options {
	return Options{Quality: "medium", AttemptBudget: 8, Publish: true}
}

// Job is the root entity persisted by the Job Store.
type Job struct {
	ID           uuid.UUID             `json:"id"`
	Input        PaperInput             `json:"input"`
	Options      Options                `json:"options"`
	State        State                  `json:"state"`
	CurrentStage string                 `json:"current_stage,omitempty"`
	StageStates  map[string]*StageState `json:"stage_states"`
	Artifacts    map[string]string      `json:"artifacts"` // artifact-key -> blob_ref
	AttemptBudget int                   `json:"attempt_budget"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`

	// LockedAt/HeartbeatAt back the Job Store's lease; zero value means
	// the job is not currently held by any Scheduler shard.
	LockedAt    *time.Time `json:"locked_at,omitempty"`
	HeartbeatAt *time.Time `json:"heartbeat_at,omitempty"`
}

// EnsureStage returns the StageState for stageID, creating it PENDING if
// this is the first time the orchestrator has touched that stage.
func (j *Job) EnsureStage(stageID string) *StageState {
	if j.StageStates == nil {
		j.StageStates = map[string]*StageState{}
	}
	ss, ok := j.StageStates[stageID]
	if !ok {
		ss = &StageState{StageID: stageID, Phase: PhasePending}
		j.StageStates[stageID] = ss
	}
	return ss
}

// PutArtifact records an artifact reference. Artifacts are append-only by
// key family but a retried attempt may supersede the blob_ref for the same
// key; the old blob remains addressable until external cleanup.
func (j *Job) PutArtifact(key, blobRef string) {
	if j.Artifacts == nil {
		j.Artifacts = map[string]string{}
	}
	j.Artifacts[key] = blobRef
}
