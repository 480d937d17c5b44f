// Package registry implements the Stage Registry (C3): a static,
// in-process table declaring the pipeline DAG, each stage's primary and
// fallback workers, its timeout, resource class, and artifact contract.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/arclight/paperforge/internal/apperrors"
	"github.com/arclight/paperforge/internal/stage"
)

// Entry is one stage's full declaration.
type Entry struct {
	StageID           string
	Primary           stage.Worker
	Fallbacks         []stage.Worker
	Timeout           time.Duration
	ResourceClass     string
	DeclaredRetryable map[apperrors.Kind]bool
	InputKeys         []string
	OutputKeys        []string
	// DependsOn defaults to "the previous stage in registration order" when
	// empty. Declaring it explicitly is the reserved branch-support hook for
	// a future non-linear DAG (see SPEC_FULL.md §4.3 / §9).
	DependsOn []string
	Skippable bool
}

// Registry is concurrency-safe: handlers may be registered at startup from
// multiple init-order-independent packages, and resolved concurrently by
// many Executor goroutines thereafter.
type Registry struct {
	mu      sync.RWMutex
	order   []string
	entries map[string]*Entry
}

func New() *Registry {
	return &Registry{entries: map[string]*Entry{}}
}

// Register appends a stage to the end of the declared pipeline order. The
// first registered stage is implicitly READY at job creation; every
// subsequent one is PENDING until its dependencies succeed.
func (r *Registry) Register(e Entry) error {
	if e.StageID == "" {
		return fmt.Errorf("registry: stage id must not be empty")
	}
	if e.Primary == nil {
		return fmt.Errorf("registry: stage %q has no primary worker", e.StageID)
	}
	if e.Timeout <= 0 {
		return fmt.Errorf("registry: stage %q has a non-positive timeout", e.StageID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[e.StageID]; exists {
		return fmt.Errorf("registry: stage %q already registered", e.StageID)
	}
	if len(e.DependsOn) == 0 && len(r.order) > 0 {
		e.DependsOn = []string{r.order[len(r.order)-1]}
	}
	if e.DeclaredRetryable == nil {
		e.DeclaredRetryable = map[apperrors.Kind]bool{
			apperrors.KindTransient:         true,
			apperrors.KindTimeout:           true,
			apperrors.KindResourceExhausted: true,
			apperrors.KindLeaseLost:         true,
		}
	}
	entry := e
	r.entries[e.StageID] = &entry
	r.order = append(r.order, e.StageID)
	return nil
}

// Order returns the declared pipeline order, first stage first.
func (r *Registry) Order() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

func (r *Registry) Get(stageID string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[stageID]
	return e, ok
}

// Resolve returns the worker to invoke for (stageID, fallbackIndex): index 0
// is the primary, index i>0 is Fallbacks[i-1].
func (r *Registry) Resolve(stageID string, fallbackIndex int) (stage.Worker, error) {
	e, ok := r.Get(stageID)
	if !ok {
		return nil, fmt.Errorf("registry: unknown stage %q", stageID)
	}
	if fallbackIndex == 0 {
		return e.Primary, nil
	}
	i := fallbackIndex - 1
	if i < 0 || i >= len(e.Fallbacks) {
		return nil, fmt.Errorf("registry: stage %q has no fallback index %d", stageID, fallbackIndex)
	}
	return e.Fallbacks[i], nil
}

func (r *Registry) FallbackCount(stageID string) int {
	e, ok := r.Get(stageID)
	if !ok {
		return 0
	}
	return len(e.Fallbacks)
}

func (r *Registry) DeclaredRetryable(stageID string, kind apperrors.Kind) bool {
	e, ok := r.Get(stageID)
	if !ok {
		return false
	}
	return e.DeclaredRetryable[kind]
}

// Next returns the stage-id following stageID in declared order, or "" if
// stageID is the last stage (the job should transition to COMPLETED).
func (r *Registry) Next(stageID string) string {
	order := r.Order()
	for i, id := range order {
		if id == stageID && i+1 < len(order) {
			return order[i+1]
		}
	}
	return ""
}

func (r *Registry) First() string {
	order := r.Order()
	if len(order) == 0 {
		return ""
	}
	return order[0]
}

func (r *Registry) Timeout(stageID string, fallbackIndex int, override time.Duration) time.Duration {
	if override > 0 {
		return override
	}
	e, ok := r.Get(stageID)
	if !ok {
		return 0
	}
	return e.Timeout
}

// DependenciesSatisfied reports whether every stage stageID depends on has
// already reached SUCCEEDED or SKIPPED, using the supplied phase lookup.
func (r *Registry) DependenciesSatisfied(stageID string, phaseOf func(string) string) bool {
	e, ok := r.Get(stageID)
	if !ok {
		return false
	}
	for _, dep := range e.DependsOn {
		p := phaseOf(dep)
		if p != "SUCCEEDED" && p != "SKIPPED" {
			return false
		}
	}
	return true
}

// DependenciesFailed reports whether any dependency is terminally FAILED,
// in which case stageID can never become runnable.
func (r *Registry) DependenciesFailed(stageID string, phaseOf func(string) string) bool {
	e, ok := r.Get(stageID)
	if !ok {
		return false
	}
	for _, dep := range e.DependsOn {
		if phaseOf(dep) == "FAILED" {
			return true
		}
	}
	return false
}

// ValidateOutputs checks a worker's declared output keys against what it
// actually produced; a mismatch is a CONTRACT_VIOLATION (§4.6 step 5).
func (r *Registry) ValidateOutputs(stageID string, produced map[string]string) error {
	e, ok := r.Get(stageID)
	if !ok {
		return fmt.Errorf("registry: unknown stage %q", stageID)
	}
	if len(e.OutputKeys) == 0 {
		return nil
	}
	want := map[string]bool{}
	for _, k := range e.OutputKeys {
		want[k] = true
	}
	missing := []string{}
	for k := range want {
		if _, ok := produced[k]; !ok {
			missing = append(missing, k)
		}
	}
	unexpected := []string{}
	for k := range produced {
		if !want[k] {
			unexpected = append(unexpected, k)
		}
	}
	if len(missing) == 0 && len(unexpected) == 0 {
		return nil
	}
	sort.Strings(missing)
	sort.Strings(unexpected)
	return fmt.Errorf("stage %q output mismatch: missing=%v unexpected=%v", stageID, missing, unexpected)
}
