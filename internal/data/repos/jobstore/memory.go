package jobstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arclight/paperforge/internal/apperrors"
	"github.com/arclight/paperforge/internal/domain/job"
)

// Memory is an in-process Store used by orchestrator/scheduler tests that
// want fast, deterministic property-based runs without a database.
type Memory struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*job.Job
}

func NewMemory() *Memory {
	return &Memory{jobs: map[uuid.UUID]*job.Job{}}
}

func clone(j *job.Job) *job.Job {
	cp := *j
	cp.StageStates = map[string]*job.StageState{}
	for k, v := range j.StageStates {
		ssCopy := *v
		cp.StageStates[k] = &ssCopy
	}
	cp.Artifacts = map[string]string{}
	for k, v := range j.Artifacts {
		cp.Artifacts[k] = v
	}
	return &cp
}

func (m *Memory) Create(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	now := time.Now()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = now
	m.jobs[j.ID] = clone(j)
	return nil
}

func (m *Memory) Get(_ context.Context, id uuid.UUID) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return clone(j), nil
}

func (m *Memory) ClaimReady(_ context.Context, limit int, resourceFilter string, resourceClassOf func(string) string) ([]*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var candidates []*job.Job
	for _, j := range m.jobs {
		if j.State.Terminal() || j.State == job.StatePaused {
			continue
		}
		if j.CurrentStage == "" {
			continue
		}
		ss, ok := j.StageStates[j.CurrentStage]
		if !ok || ss.Phase != job.PhaseReady {
			continue
		}
		if ss.ReadyAt != nil && ss.ReadyAt.After(now) {
			continue
		}
		if resourceFilter != "" && resourceClassOf != nil && resourceClassOf(j.CurrentStage) != resourceFilter {
			continue
		}
		candidates = append(candidates, j)
	}
	sort.Slice(candidates, func(i, k int) bool { return candidates[i].UpdatedAt.Before(candidates[k].UpdatedAt) })
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	claimed := make([]*job.Job, 0, len(candidates))
	for _, j := range candidates {
		ss := j.StageStates[j.CurrentStage]
		ss.Phase = job.PhaseRunning
		ss.StartedAt = &now
		j.State = job.StateRunning
		j.LockedAt = &now
		j.HeartbeatAt = &now
		j.UpdatedAt = now
		claimed = append(claimed, clone(j))
	}
	return claimed, nil
}

func (m *Memory) Release(_ context.Context, id uuid.UUID, stageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return apperrors.ErrNotFound
	}
	ss, ok := j.StageStates[stageID]
	if !ok || ss.Phase != job.PhaseRunning {
		return nil
	}
	ss.Phase = job.PhaseReady
	ss.StartedAt = nil
	j.LockedAt = nil
	j.HeartbeatAt = nil
	j.UpdatedAt = time.Now()
	return nil
}

func (m *Memory) Heartbeat(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return apperrors.ErrNotFound
	}
	now := time.Now()
	j.HeartbeatAt = &now
	return nil
}

func (m *Memory) CAS(_ context.Context, j *job.Job, expectedUpdatedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.jobs[j.ID]
	if !ok {
		return apperrors.ErrNotFound
	}
	if !cur.UpdatedAt.Equal(expectedUpdatedAt) {
		return apperrors.ErrConflict
	}
	j.UpdatedAt = time.Now()
	m.jobs[j.ID] = clone(j)
	return nil
}

func (m *Memory) ReconcileExpiredLeases(_ context.Context, leaseTTL time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	n := 0
	for _, j := range m.jobs {
		if j.CurrentStage == "" {
			continue
		}
		ss, ok := j.StageStates[j.CurrentStage]
		if !ok || ss.Phase != job.PhaseRunning {
			continue
		}
		if j.HeartbeatAt == nil || now.Sub(*j.HeartbeatAt) <= leaseTTL {
			continue
		}
		ss.Phase = job.PhaseReady
		ss.LastError = &job.StageErr{Kind: string(apperrors.KindLeaseLost), Message: "lease expired while RUNNING"}
		j.UpdatedAt = now
		n++
	}
	return n, nil
}
