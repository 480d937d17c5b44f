package progressbus

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryLog is an in-process append-only log, used in tests and for the
// in-memory deployment profile.
type MemoryLog struct {
	mu     sync.Mutex
	events map[uuid.UUID][]Event
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{events: map[uuid.UUID][]Event{}}
}

func (l *MemoryLog) Append(_ context.Context, e Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events[e.JobID] = append(l.events[e.JobID], e)
	return nil
}

func (l *MemoryLog) Replay(_ context.Context, jobID uuid.UUID) ([]Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.events[jobID]))
	copy(out, l.events[jobID])
	return out, nil
}
