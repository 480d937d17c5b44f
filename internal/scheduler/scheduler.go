// Package scheduler implements the Scheduler (C5): the polling loop that
// claims ready Jobs under global/per-stage/per-resource-class concurrency
// caps and hands each off to the Orchestrator for execution.
package scheduler

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/google/uuid"

	"github.com/arclight/paperforge/internal/domain/job"
	"github.com/arclight/paperforge/internal/pkg/logger"
	"github.com/arclight/paperforge/internal/registry"
)

// Store is the subset of jobstore.Store the Scheduler drives.
type Store interface {
	ClaimReady(ctx context.Context, limit int, resourceFilter string, resourceClassOf func(string) string) ([]*job.Job, error)
	// Release reverts a just-claimed stage back to READY. The Scheduler
	// calls this when a claimed job cannot actually be dispatched (its
	// per-stage gate is saturated), so the claim never bypasses a
	// concurrency cap.
	Release(ctx context.Context, jobID uuid.UUID, stageID string) error
}

// Handler runs one claimed Job's current stage to completion (claims
// ownership of the full retry/fallback decision loop); the Orchestrator
// implements this.
type Handler func(ctx context.Context, j *job.Job)

// Limits are the three concurrency caps from SPEC_FULL.md §4.5 / §5.
type Limits struct {
	Global        int
	PerStage      map[string]int
	PerResource   map[string]int
	DefaultStage  int
	DefaultClass  int
}

type Scheduler struct {
	store   Store
	reg     *registry.Registry
	handler Handler
	log     *logger.Logger

	global   *semaphore.Weighted
	stage    map[string]chan struct{}
	resource map[string]*semaphore.Weighted
	limits   Limits

	group *errgroup.Group
}

func New(store Store, reg *registry.Registry, handler Handler, limits Limits, baseLog *logger.Logger) *Scheduler {
	s := &Scheduler{
		store:    store,
		reg:      reg,
		handler:  handler,
		log:      baseLog.With("component", "scheduler"),
		limits:   limits,
		stage:    map[string]chan struct{}{},
		resource: map[string]*semaphore.Weighted{},
	}
	g := limits.Global
	if g <= 0 {
		g = 16
	}
	s.global = semaphore.NewWeighted(int64(g))
	return s
}

// stageChan lazily builds the per-stage gate: a buffered channel pre-loaded
// with one token per concurrent slot, per SPEC_FULL.md §5. Acquire is a
// non-blocking receive; release is a non-blocking send back.
func (s *Scheduler) stageChan(stageID string) chan struct{} {
	if ch, ok := s.stage[stageID]; ok {
		return ch
	}
	n := s.limits.PerStage[stageID]
	if n <= 0 {
		n = s.limits.DefaultStage
	}
	if n <= 0 {
		n = 4
	}
	ch := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		ch <- struct{}{}
	}
	s.stage[stageID] = ch
	return ch
}

func (s *Scheduler) resourceSem(class string) *semaphore.Weighted {
	if sem, ok := s.resource[class]; ok {
		return sem
	}
	n := s.limits.PerResource[class]
	if n <= 0 {
		n = s.limits.DefaultClass
	}
	if n <= 0 {
		n = 8
	}
	sem := semaphore.NewWeighted(int64(n))
	s.resource[class] = sem
	return sem
}

func (s *Scheduler) resourceClassOf(stageID string) string {
	if e, ok := s.reg.Get(stageID); ok {
		return e.ResourceClass
	}
	return ""
}

// Run polls resource classes round-robin until ctx is cancelled, dispatching
// claimed Jobs onto the handler in their own goroutines. Backoff grows
// exponentially, capped at 1s, whenever a poll round claims nothing.
func (s *Scheduler) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	s.group = g

	backoff := 50 * time.Millisecond
	const maxBackoff = time.Second

	for {
		select {
		case <-ctx.Done():
			return s.group.Wait()
		default:
		}

		classes := s.resourceClasses()
		claimedAny := false
		for _, class := range classes {
			if gctx.Err() != nil {
				break
			}
			claimedAny = s.pollClass(gctx, class) || claimedAny
		}

		if claimedAny {
			backoff = 50 * time.Millisecond
			continue
		}
		select {
		case <-ctx.Done():
			return s.group.Wait()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (s *Scheduler) resourceClasses() []string {
	seen := map[string]bool{}
	var classes []string
	for _, stageID := range s.reg.Order() {
		e, ok := s.reg.Get(stageID)
		if !ok || e.ResourceClass == "" || seen[e.ResourceClass] {
			continue
		}
		seen[e.ResourceClass] = true
		classes = append(classes, e.ResourceClass)
	}
	return classes
}

func (s *Scheduler) pollClass(ctx context.Context, class string) bool {
	rsem := s.resourceSem(class)

	if !s.global.TryAcquire(1) {
		return false
	}
	if !rsem.TryAcquire(1) {
		s.global.Release(1)
		return false
	}

	jobs, err := s.store.ClaimReady(ctx, 1, class, s.resourceClassOf)
	if err != nil {
		s.log.Warn("claim_ready failed", "resource_class", class, "error", err)
		s.global.Release(1)
		rsem.Release(1)
		return false
	}
	if len(jobs) == 0 {
		s.global.Release(1)
		rsem.Release(1)
		return false
	}

	j := jobs[0]
	stageCh := s.stageChan(j.CurrentStage)
	select {
	case <-stageCh:
	default:
		// Per-stage cap saturated: the job was already claimed RUNNING in
		// the store, but dispatching it here would exceed S[stage_id]
		// (SPEC_FULL.md §4.5 / §5). Give the claim back instead of running
		// past the gate; the job becomes claimable again on the next round.
		if err := s.store.Release(ctx, j.ID, j.CurrentStage); err != nil {
			s.log.Warn("release after saturated per-stage gate failed", "job_id", j.ID, "stage_id", j.CurrentStage, "error", err)
		}
		s.global.Release(1)
		rsem.Release(1)
		return false
	}
	s.dispatch(ctx, j, stageCh, rsem)
	return true
}

func (s *Scheduler) dispatch(ctx context.Context, j *job.Job, stageCh chan struct{}, rsem *semaphore.Weighted) {
	s.group.Go(func() error {
		defer s.global.Release(1)
		defer rsem.Release(1)
		defer func() { stageCh <- struct{}{} }()
		s.handler(ctx, j)
		return nil
	})
}
